package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"boundary-deception/internal/signal"
)

type recorder struct {
	mu   sync.Mutex
	seen map[string][]int
}

func (r *recorder) Handle(_ context.Context, s signal.Signal) {
	var seq int
	fmt.Sscanf(s.SignalID, "%d", &seq)
	r.mu.Lock()
	r.seen[s.AssetID] = append(r.seen[s.AssetID], seq)
	r.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_PerAssetOrder(t *testing.T) {
	rec := &recorder{seen: make(map[string][]int)}
	cfg := DefaultConfig()
	cfg.ShardSize = 10000
	d := New(cfg, quietLogger(), rec)
	d.Start(context.Background())

	assets := []string{"decoy-a", "decoy-b", "lure-c", "lure-d", "decoy-e"}
	const perAsset = 200

	var wg sync.WaitGroup
	for _, id := range assets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perAsset; i++ {
				d.Submit(signal.Signal{SignalID: fmt.Sprint(i), AssetID: id})
			}
		}()
	}
	wg.Wait()
	d.Stop()

	for _, id := range assets {
		got := rec.seen[id]
		if len(got) != perAsset {
			t.Fatalf("%s: got %d signals, want %d", id, len(got), perAsset)
		}
		for i, seq := range got {
			if seq != i {
				t.Fatalf("%s: position %d has seq %d", id, i, seq)
			}
		}
	}
	if m := d.Metrics(); m.Dispatched != uint64(len(assets)*perAsset) || m.Dropped != 0 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestDispatcher_HandlerOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	h := func(name string) Handler {
		return HandlerFunc(func(context.Context, signal.Signal) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		})
	}
	d := New(Config{Shards: 1, ShardSize: 4, ShutdownWait: time.Second}, quietLogger(), h("bridge"), h("response"))
	d.Start(context.Background())
	d.Submit(signal.Signal{SignalID: "1", AssetID: "a"})
	d.Stop()

	if len(calls) != 2 || calls[0] != "bridge" || calls[1] != "response" {
		t.Errorf("calls = %v, want [bridge response]", calls)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := New(Config{Shards: 1, ShardSize: 2, ShutdownWait: time.Second}, quietLogger())
	for i := 0; i < 5; i++ {
		d.Submit(signal.Signal{SignalID: fmt.Sprint(i), AssetID: "a"})
	}
	if m := d.Metrics(); m.Dropped != 3 || m.Depth != 2 {
		t.Errorf("Metrics() = %+v, want 3 dropped, depth 2", m)
	}

	drops := d.Drops()
	if len(drops) != 3 {
		t.Fatalf("Drops() = %+v, want 3 entries", drops)
	}
	for i, drop := range drops {
		if want := fmt.Sprint(i + 2); drop.SignalID != want || drop.AssetID != "a" {
			t.Errorf("drop[%d] = %+v, want signal %s", i, drop, want)
		}
		if drop.Reason == "" || drop.DroppedAt.IsZero() {
			t.Errorf("drop[%d] missing reason or time: %+v", i, drop)
		}
	}
}

func TestDispatcher_DropJournalBounded(t *testing.T) {
	d := New(Config{Shards: 1, ShardSize: 1, ShutdownWait: time.Second}, quietLogger())
	d.Submit(signal.Signal{SignalID: "queued", AssetID: "a"})
	for i := range maxDrops + 5 {
		d.Submit(signal.Signal{SignalID: fmt.Sprint(i), AssetID: "a"})
	}
	drops := d.Drops()
	if len(drops) != maxDrops {
		t.Fatalf("len = %d, want %d", len(drops), maxDrops)
	}
	if drops[0].SignalID != "5" {
		t.Errorf("oldest drop = %s, want 5", drops[0].SignalID)
	}
}

func TestDispatcher_StableShard(t *testing.T) {
	d := New(Config{Shards: 8, ShardSize: 1}, quietLogger())
	for _, id := range []string{"a", "decoy-1", "lure-xyz"} {
		first := d.shardFor(id)
		for i := 0; i < 10; i++ {
			if d.shardFor(id) != first {
				t.Fatalf("shardFor(%q) not stable", id)
			}
		}
	}
}
