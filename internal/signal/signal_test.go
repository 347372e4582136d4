package signal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/deploy"
	"boundary-deception/internal/lockmap"
)

type assetMap map[string]*asset.Descriptor

func (m assetMap) Get(id string) (*asset.Descriptor, bool) {
	d, ok := m[id]
	return d, ok
}

type recordMap map[string]deploy.Record

func (m recordMap) Get(id string) (deploy.Record, bool) {
	r, ok := m[id]
	return r, ok
}

type captureSink struct {
	mu      sync.Mutex
	signals []Signal
}

func (c *captureSink) Submit(s Signal) {
	c.mu.Lock()
	c.signals = append(c.signals, s)
	c.mu.Unlock()
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals)
}

type failingDeduper struct{}

func (failingDeduper) FirstSeen(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func sshDecoy() *asset.Descriptor {
	return &asset.Descriptor{
		AssetID:   "ssh-decoy-1",
		AssetType: asset.TypeDecoyService,
		Footprint: asset.Footprint{Ports: []int{2222}, Protocol: asset.ProtocolSSH},
		TriggerConditions: asset.TriggerConditions{
			InteractionTypes: []string{"ssh_login_attempt", "tcp_connect"},
			Ports:            []int{2222},
		},
	}
}

func newTestEngine(t *testing.T, status deploy.Status, opts ...Option) (*Engine, *captureSink, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	d := sshDecoy()
	records := recordMap{d.AssetID: {AssetID: d.AssetID, Status: status, Generation: 1}}
	sink := &captureSink{}
	opts = append([]Option{
		WithSink(sink),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	e := NewEngine(assetMap{d.AssetID: d}, records, lockmap.New(), priv, NewStore(10), opts...)
	return e, sink, pub
}

func TestScore(t *testing.T) {
	d := sshDecoy()
	d.TriggerConditions.Principals = []string{"admin", "root"}
	d.TriggerConditions.Paths = []string{"/etc/*"}

	tests := []struct {
		name string
		in   asset.Interaction
		want float64
	}{
		{"full match", asset.Interaction{Type: "ssh_login_attempt", Port: 2222, Principal: "ROOT", Path: "/etc/shadow"}, Threshold},
		{"unknown type", asset.Interaction{Type: "http_get", Port: 2222, Principal: "root", Path: "/etc/shadow"}, 0},
		{"missing port", asset.Interaction{Type: "ssh_login_attempt", Principal: "root", Path: "/etc/shadow"}, ambiguousScore},
		{"wrong port", asset.Interaction{Type: "ssh_login_attempt", Port: 22, Principal: "root", Path: "/etc/shadow"}, ambiguousScore},
		{"path mismatch", asset.Interaction{Type: "ssh_login_attempt", Port: 2222, Principal: "root", Path: "/var/log"}, ambiguousScore},
		{"principal mismatch", asset.Interaction{Type: "ssh_login_attempt", Port: 2222, Principal: "guest", Path: "/etc/shadow"}, ambiguousScore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(d, tt.in); got != tt.want {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScore_MinConfidence(t *testing.T) {
	d := sshDecoy()
	in := asset.Interaction{Type: "tcp_connect", Port: 2222}

	d.TriggerConditions.MinConfidence = 0.97
	if got := Score(d, in); got != 0.97 {
		t.Errorf("Score() = %v, want 0.97", got)
	}
	d.TriggerConditions.MinConfidence = 0.2
	if got := Score(d, in); got != Threshold {
		t.Errorf("Score() = %v, want %v", got, Threshold)
	}
}

func TestObserve_EmitsSignedSignal(t *testing.T) {
	e, sink, pub := newTestEngine(t, deploy.StatusDeployed)
	observed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sig, ok := e.Observe(context.Background(), "ssh-decoy-1", asset.Interaction{
		ID:         "int-1",
		Type:       "ssh_login_attempt",
		Port:       2222,
		Source:     "10.9.8.7:51234",
		ObservedAt: observed,
		Metadata:   map[string]string{"attempted_password": "hunter2", "auth_method": "password"},
	})
	if !ok {
		t.Fatal("Observe() discarded a matching interaction")
	}
	if sig.ConfidenceScore < Threshold {
		t.Errorf("confidence = %v, want >= %v", sig.ConfidenceScore, Threshold)
	}
	if !sig.ObservedAt.Equal(observed) {
		t.Errorf("observed_at = %v, want %v", sig.ObservedAt, observed)
	}
	if sig.Metadata["attempted_password"] == "hunter2" {
		t.Error("sensitive metadata was not masked")
	}
	if err := Validate(*sig, pub); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if sink.len() != 1 {
		t.Errorf("sink received %d signals, want 1", sink.len())
	}
	if got := e.Store().ForAsset("ssh-decoy-1"); len(got) != 1 || got[0].SignalID != sig.SignalID {
		t.Errorf("store = %+v, want the emitted signal", got)
	}
}

func TestObserve_LowConfidenceDiscarded(t *testing.T) {
	e, sink, _ := newTestEngine(t, deploy.StatusDeployed)

	_, ok := e.Observe(context.Background(), "ssh-decoy-1", asset.Interaction{
		ID:   "int-1",
		Type: "ssh_login_attempt",
		Port: 22,
	})
	if ok {
		t.Fatal("Observe() emitted an ambiguous interaction")
	}
	if sink.len() != 0 {
		t.Errorf("sink received %d signals, want 0", sink.len())
	}
	if e.Store().Total() != 0 {
		t.Errorf("store total = %d, want 0", e.Store().Total())
	}
}

func TestObserve_InactiveAsset(t *testing.T) {
	for _, status := range []deploy.Status{deploy.StatusTearingDown, deploy.StatusRemoved, deploy.StatusSafeHalt} {
		t.Run(string(status), func(t *testing.T) {
			e, sink, _ := newTestEngine(t, status)
			_, ok := e.Observe(context.Background(), "ssh-decoy-1", asset.Interaction{
				ID: "int-1", Type: "tcp_connect", Port: 2222,
			})
			if ok || sink.len() != 0 {
				t.Errorf("interaction with %s asset was emitted", status)
			}
		})
	}

	e, sink, _ := newTestEngine(t, deploy.StatusDeployed)
	if _, ok := e.Observe(context.Background(), "other", asset.Interaction{Type: "tcp_connect", Port: 2222}); ok || sink.len() != 0 {
		t.Error("interaction with unknown asset was emitted")
	}
}

func TestObserve_Duplicate(t *testing.T) {
	e, sink, _ := newTestEngine(t, deploy.StatusDeployed)
	in := asset.Interaction{ID: "int-1", Type: "tcp_connect", Port: 2222}

	if _, ok := e.Observe(context.Background(), "ssh-decoy-1", in); !ok {
		t.Fatal("first Observe() discarded")
	}
	if _, ok := e.Observe(context.Background(), "ssh-decoy-1", in); ok {
		t.Error("second Observe() of the same interaction emitted")
	}
	if sink.len() != 1 {
		t.Errorf("sink received %d signals, want 1", sink.len())
	}
}

func TestObserve_ResentWithoutID(t *testing.T) {
	e, sink, _ := newTestEngine(t, deploy.StatusDeployed)
	observed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := asset.Interaction{
		Type:       "ssh_login_attempt",
		Port:       2222,
		Source:     "10.9.8.7:51234",
		Principal:  "svc-backup",
		ObservedAt: observed,
	}

	sig, ok := e.Observe(context.Background(), "ssh-decoy-1", in)
	if !ok {
		t.Fatal("first Observe() discarded")
	}
	if !strings.HasPrefix(sig.InteractionID, "sha256:") {
		t.Errorf("InteractionID = %q, want a derived digest", sig.InteractionID)
	}

	resent := in
	resent.ObservedAt = observed.In(time.FixedZone("CET", 3600))
	resent.Metadata = map[string]string{"agent_retry": "1"}
	if _, ok := e.Observe(context.Background(), "ssh-decoy-1", resent); ok {
		t.Error("resent interaction without id emitted a second signal")
	}

	later := in
	later.ObservedAt = observed.Add(time.Second)
	if _, ok := e.Observe(context.Background(), "ssh-decoy-1", later); !ok {
		t.Error("distinct interaction was treated as a duplicate")
	}
	if sink.len() != 2 {
		t.Errorf("sink received %d signals, want 2", sink.len())
	}
}

func TestObserve_ConcurrentResend(t *testing.T) {
	e, sink, _ := newTestEngine(t, deploy.StatusDeployed)
	in := asset.Interaction{
		Type:       "tcp_connect",
		Port:       2222,
		Source:     "10.9.8.7:40000",
		ObservedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	const n = 16
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Observe(context.Background(), "ssh-decoy-1", in)
		}()
	}
	wg.Wait()

	if sink.len() != 1 {
		t.Errorf("sink received %d signals, want 1", sink.len())
	}
}

func TestInteractionKey(t *testing.T) {
	base := asset.Interaction{
		Type:       "ssh_login_attempt",
		Port:       2222,
		Source:     "10.9.8.7:51234",
		Path:       "",
		Principal:  "svc-backup",
		ObservedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	want, err := InteractionKey("ssh-decoy-1", base)
	if err != nil {
		t.Fatalf("InteractionKey() error = %v", err)
	}

	tests := []struct {
		name    string
		assetID string
		mutate  func(*asset.Interaction)
		same    bool
	}{
		{"identical", "ssh-decoy-1", func(*asset.Interaction) {}, true},
		{"metadata ignored", "ssh-decoy-1", func(in *asset.Interaction) { in.Metadata = map[string]string{"k": "v"} }, true},
		{"asset id ignored in body", "ssh-decoy-1", func(in *asset.Interaction) { in.AssetID = "elsewhere" }, true},
		{"other asset", "ssh-decoy-2", func(*asset.Interaction) {}, false},
		{"type", "ssh-decoy-1", func(in *asset.Interaction) { in.Type = "tcp_connect" }, false},
		{"time", "ssh-decoy-1", func(in *asset.Interaction) { in.ObservedAt = in.ObservedAt.Add(time.Nanosecond) }, false},
		{"source", "ssh-decoy-1", func(in *asset.Interaction) { in.Source = "10.9.8.7:51235" }, false},
		{"port", "ssh-decoy-1", func(in *asset.Interaction) { in.Port = 2223 }, false},
		{"path", "ssh-decoy-1", func(in *asset.Interaction) { in.Path = "etc/passwd" }, false},
		{"principal", "ssh-decoy-1", func(in *asset.Interaction) { in.Principal = "root" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			got, err := InteractionKey(tt.assetID, in)
			if err != nil {
				t.Fatalf("InteractionKey() error = %v", err)
			}
			if (got == want) != tt.same {
				t.Errorf("key equal = %v, want %v", got == want, tt.same)
			}
		})
	}
}

func TestObserve_DedupErrorDiscards(t *testing.T) {
	e, sink, _ := newTestEngine(t, deploy.StatusDeployed, WithDeduper(failingDeduper{}))
	if _, ok := e.Observe(context.Background(), "ssh-decoy-1", asset.Interaction{ID: "x", Type: "tcp_connect", Port: 2222}); ok {
		t.Error("Observe() emitted despite dedup failure")
	}
	if sink.len() != 0 {
		t.Errorf("sink received %d signals, want 0", sink.len())
	}
}

func TestValidate_Rejects(t *testing.T) {
	e, _, pub := newTestEngine(t, deploy.StatusDeployed)
	sig, ok := e.Observe(context.Background(), "ssh-decoy-1", asset.Interaction{ID: "int-1", Type: "tcp_connect", Port: 2222})
	if !ok {
		t.Fatal("Observe() discarded")
	}

	tampered := *sig
	tampered.AssetID = "ssh-decoy-2"
	if err := Validate(tampered, pub); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("tampered: error = %v, want ErrHashMismatch", err)
	}

	low := *sig
	low.ConfidenceScore = 0.5
	if err := Validate(low, pub); !errors.Is(err, ErrBelowThreshold) {
		t.Errorf("low: error = %v, want ErrBelowThreshold", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := Validate(*sig, otherPub); !errors.Is(err, ErrBadSignature) {
		t.Errorf("other key: error = %v, want ErrBadSignature", err)
	}
}

func TestMemoryDeduper_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Minute)
	d.clock = func() time.Time { return now }

	if first, _ := d.FirstSeen(context.Background(), "a"); !first {
		t.Fatal("first FirstSeen() = false")
	}
	if first, _ := d.FirstSeen(context.Background(), "a"); first {
		t.Fatal("repeat FirstSeen() = true")
	}
	now = now.Add(2 * time.Minute)
	if first, _ := d.FirstSeen(context.Background(), "a"); !first {
		t.Error("FirstSeen() after expiry = false")
	}
}

func TestStore_BoundedPerAsset(t *testing.T) {
	st := NewStore(3)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		st.Append(Signal{SignalID: string(rune('a' + i)), AssetID: "x", ObservedAt: base.Add(time.Duration(i) * time.Second)})
	}
	st.Append(Signal{SignalID: "z", AssetID: "y", ObservedAt: base})

	got := st.ForAsset("x")
	if len(got) != 3 || got[0].SignalID != "c" || got[2].SignalID != "e" {
		t.Errorf("ForAsset() = %+v, want c..e", got)
	}
	if all := st.All(); len(all) != 4 || all[0].SignalID != "z" {
		t.Errorf("All() = %+v", all)
	}
	if st.Total() != 6 {
		t.Errorf("Total() = %d, want 6", st.Total())
	}
}
