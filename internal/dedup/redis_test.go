package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockClient struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	err    error
	closed bool
}

func newMockClient() *mockClient {
	return &mockClient{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *mockClient) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return true, nil
}

func (m *mockClient) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockClient) Close() error {
	m.closed = true
	return nil
}

func TestRedisDeduper_FirstSeen(t *testing.T) {
	client := newMockClient()
	d := NewRedisDeduper(client, "deception:interaction:", time.Hour)
	ctx := context.Background()

	first, err := d.FirstSeen(ctx, "decoy-1/int-1")
	if err != nil || !first {
		t.Fatalf("FirstSeen() = %v, %v; want true, nil", first, err)
	}
	again, err := d.FirstSeen(ctx, "decoy-1/int-1")
	if err != nil || again {
		t.Fatalf("FirstSeen() repeat = %v, %v; want false, nil", again, err)
	}
	if other, _ := d.FirstSeen(ctx, "decoy-2/int-1"); !other {
		t.Error("key of a different asset treated as duplicate")
	}

	if ttl := client.ttls["deception:interaction:decoy-1/int-1"]; ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}
}

func TestRedisDeduper_Error(t *testing.T) {
	client := newMockClient()
	client.err = errors.New("connection refused")
	d := NewRedisDeduper(client, "p:", 0)

	first, err := d.FirstSeen(context.Background(), "k")
	if err == nil || first {
		t.Errorf("FirstSeen() = %v, %v; want false, error", first, err)
	}
	if err := d.Ping(context.Background()); err == nil {
		t.Error("Ping() = nil with an unreachable client")
	}
	if d.ttl != 24*time.Hour {
		t.Errorf("default ttl = %v, want 24h", d.ttl)
	}
	if err := d.Close(); err != nil || !client.closed {
		t.Error("Close() did not close the client")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("redis dedup should be opt-in")
	}
	if cfg.Addr != "localhost:6379" || cfg.TTL != 24*time.Hour {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}
