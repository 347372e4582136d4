// Package dispatch delivers emitted signals to downstream handlers, keeping
// per-asset emission order while different assets proceed in parallel.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"boundary-deception/internal/metrics"
	"boundary-deception/internal/queue"
	"boundary-deception/internal/signal"
)

// Config holds the dispatcher configuration.
type Config struct {
	Shards       int           `yaml:"shards"`
	ShardSize    int           `yaml:"shard_size"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Shards:       4,
		ShardSize:    1024,
		ShutdownWait: 30 * time.Second,
	}
}

// Handler consumes a dispatched signal. Handlers must not block for long;
// they run on the shard worker of the signal's asset.
type Handler interface {
	Handle(ctx context.Context, s signal.Signal)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, s signal.Signal)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, s signal.Signal) {
	f(ctx, s)
}

// Dispatcher fans signals out to handlers through sharded rings. An asset
// always maps to the same shard, and each shard has exactly one worker.
type Dispatcher struct {
	shards   []*queue.Ring[signal.Signal]
	handlers []Handler
	config   Config
	logger   *slog.Logger

	wg      sync.WaitGroup
	started atomic.Bool

	dispatched uint64
	dropped    uint64

	dropMu sync.RWMutex
	drops  []Drop
}

// maxDrops bounds the drop journal.
const maxDrops = 1024

// Drop records a signal that was never delivered to the handlers. The signal
// itself remains readable from the signal journal.
type Drop struct {
	SignalID  string    `json:"signal_id"`
	AssetID   string    `json:"asset_id"`
	Reason    string    `json:"reason"`
	DroppedAt time.Time `json:"dropped_at"`
}

// New creates a Dispatcher delivering to handlers in the given order.
func New(cfg Config, logger *slog.Logger, handlers ...Handler) *Dispatcher {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		shards:   make([]*queue.Ring[signal.Signal], cfg.Shards),
		handlers: handlers,
		config:   cfg,
		logger:   logger,
	}
	for i := range d.shards {
		d.shards[i] = queue.NewRing[signal.Signal](cfg.ShardSize)
	}
	return d
}

// Start starts one worker per shard.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	for i, ring := range d.shards {
		d.wg.Add(1)
		go d.worker(ctx, i, ring)
	}
	d.logger.Info("signal dispatcher started", "shards", len(d.shards))
}

// shardFor returns the shard index of assetID.
func (d *Dispatcher) shardFor(assetID string) int {
	return int(xxhash.Sum64String(assetID) % uint64(len(d.shards)))
}

// Submit enqueues s on its asset's shard. It never blocks; a full shard
// drops the signal, which stays in the signal journal and is listed by
// Drops.
func (d *Dispatcher) Submit(s signal.Signal) {
	err := d.shards[d.shardFor(s.AssetID)].Push(s)
	if err == nil {
		return
	}
	atomic.AddUint64(&d.dropped, 1)
	metrics.ObserveDispatchDrop()
	d.logger.Error("signal dropped by dispatcher",
		"signal_id", s.SignalID,
		"asset_id", s.AssetID,
		"error", err,
	)

	d.dropMu.Lock()
	d.drops = append(d.drops, Drop{
		SignalID:  s.SignalID,
		AssetID:   s.AssetID,
		Reason:    err.Error(),
		DroppedAt: time.Now().UTC(),
	})
	if n := len(d.drops); n > maxDrops {
		d.drops = append(d.drops[:0:0], d.drops[n-maxDrops:]...)
	}
	d.dropMu.Unlock()
}

// Drops returns the signals dropped since start, oldest first.
func (d *Dispatcher) Drops() []Drop {
	d.dropMu.RLock()
	defer d.dropMu.RUnlock()
	out := make([]Drop, len(d.drops))
	copy(out, d.drops)
	return out
}

func (d *Dispatcher) worker(ctx context.Context, id int, ring *queue.Ring[signal.Signal]) {
	defer d.wg.Done()

	d.logger.Debug("dispatch worker started", "shard", id)
	for {
		s, err := ring.PopWait(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				d.logger.Debug("dispatch worker stopping (drained)", "shard", id)
			} else {
				d.logger.Debug("dispatch worker stopping (context)", "shard", id)
			}
			return
		}
		for _, h := range d.handlers {
			h.Handle(ctx, s)
		}
		atomic.AddUint64(&d.dispatched, 1)
	}
}

// Stop closes the shards and waits for queued signals to drain.
func (d *Dispatcher) Stop() {
	for _, ring := range d.shards {
		ring.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("signal dispatcher stopped gracefully")
	case <-time.After(d.config.ShutdownWait):
		d.logger.Warn("signal dispatcher shutdown timed out")
	}
}

// Metrics returns dispatcher statistics.
func (d *Dispatcher) Metrics() Metrics {
	m := Metrics{
		Dispatched: atomic.LoadUint64(&d.dispatched),
		Dropped:    atomic.LoadUint64(&d.dropped),
	}
	for _, ring := range d.shards {
		m.Depth += ring.Len()
	}
	return m
}

// Metrics holds dispatcher statistics.
type Metrics struct {
	Dispatched uint64 `json:"dispatched"`
	Dropped    uint64 `json:"dropped"`
	Depth      int    `json:"depth"`
}
