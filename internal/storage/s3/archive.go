package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/security/signing"
	"boundary-deception/internal/teardown"
)

// ErrEvidenceTampered is returned when fetched evidence does not match its
// recorded content hash or signature.
var ErrEvidenceTampered = errors.New("s3: rollback evidence does not verify")

// ProcedureSource looks up the teardown procedure that was run for an asset.
type ProcedureSource interface {
	Get(assetID string) (*asset.Descriptor, bool)
}

// Evidence is the archived, signed account of one rollback.
type Evidence struct {
	Rollback   teardown.RollbackRecord            `json:"rollback"`
	Procedures map[string]asset.TeardownProcedure `json:"procedures,omitempty"`
	ArchivedAt time.Time                          `json:"archived_at"`

	ContentHash string `json:"content_hash,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

func (e Evidence) payload() ([]byte, error) {
	e.ContentHash = ""
	e.Signature = ""
	return signing.Canonical(e)
}

// Verify checks the content hash and, when pub is set, the signature.
func (e Evidence) Verify(pub ed25519.PublicKey) error {
	payload, err := e.payload()
	if err != nil {
		return err
	}
	if signing.Digest(payload).String() != e.ContentHash {
		return fmt.Errorf("%w: content hash mismatch", ErrEvidenceTampered)
	}
	if pub == nil {
		return nil
	}
	sig, err := signing.DecodeSignature(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEvidenceTampered, err)
	}
	if !signing.Verify(payload, sig, pub) {
		return fmt.Errorf("%w: bad signature", ErrEvidenceTampered)
	}
	return nil
}

// Archiver writes rollback evidence objects, one gzip'd JSON document per
// rollback, keyed by completion date and rollback id.
type Archiver struct {
	client     *Client
	procedures ProcedureSource
	key        ed25519.PrivateKey
	clock      func() time.Time
	logger     *slog.Logger
}

// NewArchiver creates an Archiver. procedures and key may be nil; without a
// key evidence carries only its content hash.
func NewArchiver(client *Client, procedures ProcedureSource, key ed25519.PrivateKey, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client:     client,
		procedures: procedures,
		key:        key,
		clock:      time.Now,
		logger:     logger,
	}
}

// EvidenceKey returns the object key, relative to the client prefix, for r.
func EvidenceKey(r teardown.RollbackRecord) string {
	at := r.StartedAt
	if r.CompletedAt != nil {
		at = *r.CompletedAt
	}
	at = at.UTC()
	return path.Join(at.Format("2006"), at.Format("01"), at.Format("02"), r.RollbackID+".json.gz")
}

// Seal builds signed evidence for r.
func (a *Archiver) Seal(r teardown.RollbackRecord) (Evidence, error) {
	ev := Evidence{
		Rollback:   r,
		ArchivedAt: a.clock().UTC(),
	}
	if a.procedures != nil {
		for _, id := range r.AssetIDs {
			if d, ok := a.procedures.Get(id); ok {
				if ev.Procedures == nil {
					ev.Procedures = make(map[string]asset.TeardownProcedure, len(r.AssetIDs))
				}
				ev.Procedures[id] = d.TeardownProcedure
			}
		}
	}

	payload, err := ev.payload()
	if err != nil {
		return Evidence{}, fmt.Errorf("canonicalize evidence: %w", err)
	}
	ev.ContentHash = signing.Digest(payload).String()
	if a.key != nil {
		ev.Signature = signing.Sign(payload, a.key).String()
	}
	return ev, nil
}

// ArchiveRollback uploads signed evidence for r.
func (a *Archiver) ArchiveRollback(ctx context.Context, r teardown.RollbackRecord) error {
	ev, err := a.Seal(r)
	if err != nil {
		return err
	}

	body, err := compress(ev)
	if err != nil {
		return err
	}

	out, err := a.client.Upload(ctx, &UploadInput{
		Key:         EvidenceKey(r),
		Body:        body,
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"rollback-id":  r.RollbackID,
			"status":       string(r.Status),
			"trigger":      string(r.Trigger),
			"content-hash": ev.ContentHash,
		},
	})
	if err != nil {
		return err
	}

	a.logger.Info("rollback evidence archived",
		"rollback_id", r.RollbackID,
		"location", out.Location,
		"size", out.Size,
	)
	return nil
}

// Fetch downloads the evidence at key and verifies it against pub.
func (a *Archiver) Fetch(ctx context.Context, key string, pub ed25519.PublicKey) (*Evidence, error) {
	data, err := a.client.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	ev, err := decompress(data)
	if err != nil {
		return nil, err
	}
	if err := ev.Verify(pub); err != nil {
		return nil, err
	}
	return ev, nil
}

func compress(ev Evidence) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(ev); err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress evidence: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) (*Evidence, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open evidence: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress evidence: %w", err)
	}
	var ev Evidence
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	return &ev, nil
}
