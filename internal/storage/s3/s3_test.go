package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/deploy"
	"boundary-deception/internal/security/signing"
	"boundary-deception/internal/teardown"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	putErr  error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.meta[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for k, v := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(v)))})
		}
	}
	return out, nil
}

func (f *fakeBucket) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

type procedures map[string]*asset.Descriptor

func (p procedures) Get(id string) (*asset.Descriptor, bool) {
	d, ok := p[id]
	return d, ok
}

func testRollback() teardown.RollbackRecord {
	started := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	done := started.Add(3 * time.Second)
	return teardown.RollbackRecord{
		RollbackID:  "rb-0001",
		AssetIDs:    []string{"decoy-ssh-01", "lure-cred-02"},
		Trigger:     teardown.TriggerEmergencyPlaybook,
		IncidentID:  "INC-7",
		RequestedBy: "playbook-engine",
		StartedAt:   started,
		CompletedAt: &done,
		Status:      teardown.StatusFailed,
		Outcomes: []teardown.AssetOutcome{
			{AssetID: "decoy-ssh-01", FinalStatus: deploy.StatusRemoved, StepsCompleted: 2},
			{AssetID: "lure-cred-02", FinalStatus: deploy.StatusSafeHalt, StepsCompleted: 1, FailedStep: 2,
				FailedAction: "remove_credential", Error: "permission denied"},
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty region", func(c *Config) { c.Region = "" }, true},
		{"empty bucket", func(c *Config) { c.Bucket = "" }, true},
		{"half credentials", func(c *Config) { c.AccessKeyID = "AKIA" }, true},
		{"bad sse", func(c *Config) { c.ServerSideEncryption = "rot13" }, true},
		{"kms", func(c *Config) { c.ServerSideEncryption = "aws:kms" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStorageClass(t *testing.T) {
	tests := []struct {
		class string
		want  types.StorageClass
	}{
		{"STANDARD", types.StorageClassStandard},
		{"glacier_ir", types.StorageClassGlacierIr},
		{"DEEP_ARCHIVE", types.StorageClassDeepArchive},
		{"unknown", types.StorageClassStandard},
	}
	for _, tt := range tests {
		cfg := &Config{StorageClass: tt.class}
		if got := cfg.GetStorageClass(); got != tt.want {
			t.Errorf("GetStorageClass(%q) = %s, want %s", tt.class, got, tt.want)
		}
	}
}

func TestEvidenceKey(t *testing.T) {
	got := EvidenceKey(testRollback())
	if got != "2026/05/04/rb-0001.json.gz" {
		t.Errorf("EvidenceKey() = %s", got)
	}
}

func TestArchiver_RoundTrip(t *testing.T) {
	pub, priv, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	bucket := newFakeBucket()
	client := newClient(bucket, DefaultConfig(), nil)
	procs := procedures{
		"decoy-ssh-01": {AssetID: "decoy-ssh-01", TeardownProcedure: asset.TeardownProcedure{
			Steps: []asset.Step{{Action: asset.ActionStopService}, {Action: asset.ActionRemoveListener}},
		}},
	}
	archiver := NewArchiver(client, procs, priv, nil)

	rb := testRollback()
	if err := archiver.ArchiveRollback(context.Background(), rb); err != nil {
		t.Fatalf("ArchiveRollback() error = %v", err)
	}

	fullKey := "rollbacks/" + EvidenceKey(rb)
	if _, ok := bucket.objects[fullKey]; !ok {
		t.Fatalf("object %s not written; have %v", fullKey, bucket.objects)
	}
	if bucket.meta[fullKey]["rollback-id"] != "rb-0001" {
		t.Errorf("metadata = %v", bucket.meta[fullKey])
	}

	ev, err := archiver.Fetch(context.Background(), EvidenceKey(rb), pub)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if ev.Rollback.RollbackID != rb.RollbackID || len(ev.Rollback.Outcomes) != 2 {
		t.Errorf("rollback not preserved: %+v", ev.Rollback)
	}
	if len(ev.Procedures["decoy-ssh-01"].Steps) != 2 {
		t.Errorf("procedure not captured: %+v", ev.Procedures)
	}

	objects, err := client.List(context.Background(), "2026/", 10)
	if err != nil || len(objects) != 1 {
		t.Fatalf("List() = %v, %v", objects, err)
	}
	if m := client.GetMetrics(); m.ObjectsUploaded != 1 || m.BytesUploaded == 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestEvidence_DetectsTampering(t *testing.T) {
	pub, priv, _ := signing.GenerateKeyPair()
	archiver := NewArchiver(newClient(newFakeBucket(), DefaultConfig(), nil), nil, priv, nil)

	ev, err := archiver.Seal(testRollback())
	if err != nil {
		t.Fatal(err)
	}
	if err := ev.Verify(pub); err != nil {
		t.Fatalf("fresh evidence should verify: %v", err)
	}

	ev.Rollback.Outcomes[1].FinalStatus = deploy.StatusRemoved
	if err := ev.Verify(pub); !errors.Is(err, ErrEvidenceTampered) {
		t.Errorf("Verify() after tamper = %v, want ErrEvidenceTampered", err)
	}

	otherPub, _, _ := signing.GenerateKeyPair()
	fresh, _ := archiver.Seal(testRollback())
	if err := fresh.Verify(otherPub); !errors.Is(err, ErrEvidenceTampered) {
		t.Errorf("Verify() with wrong key = %v, want ErrEvidenceTampered", err)
	}
}

func TestArchiver_UploadError(t *testing.T) {
	bucket := newFakeBucket()
	bucket.putErr = errors.New("access denied")
	client := newClient(bucket, DefaultConfig(), nil)

	err := NewArchiver(client, nil, nil, nil).ArchiveRollback(context.Background(), testRollback())
	if err == nil {
		t.Fatal("expected upload error")
	}
	if client.GetMetrics().Errors != 1 {
		t.Errorf("errors = %d, want 1", client.GetMetrics().Errors)
	}
}

func TestS3ClientIntegration(t *testing.T) {
	endpoint := os.Getenv("S3_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_TEST_ENDPOINT not set, skipping integration test")
	}

	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.UsePathStyle = true
	cfg.AccessKeyID = os.Getenv("S3_TEST_ACCESS_KEY")
	cfg.SecretAccessKey = os.Getenv("S3_TEST_SECRET_KEY")
	if b := os.Getenv("S3_TEST_BUCKET"); b != "" {
		cfg.Bucket = b
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := NewClient(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := client.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if err := NewArchiver(client, nil, nil, nil).ArchiveRollback(ctx, testRollback()); err != nil {
		t.Fatalf("ArchiveRollback() error = %v", err)
	}
}
