package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	MaxPending    int           `yaml:"max_pending"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		MaxPending:    50000,
		FlushInterval: 5 * time.Second,
		InsertTimeout: 30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// Table maps values of T onto the columns of a ClickHouse table.
type Table[T any] struct {
	Name    string
	Columns []string
	Row     func(T) []any
}

func (t Table[T]) insertQuery() string {
	return fmt.Sprintf("INSERT INTO %s (%s)", t.Name, strings.Join(t.Columns, ", "))
}

// BatchWriter buffers rows and inserts them in batches from a background
// loop. Write never waits on ClickHouse.
type BatchWriter[T any] struct {
	client *ClickHouseClient
	table  Table[T]
	config BatchWriterConfig
	logger *slog.Logger

	mu     sync.Mutex
	buffer []T
	closed bool

	flushMu sync.Mutex
	kick    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	totalWritten uint64
	totalFailed  uint64
	totalDropped uint64
	batchCount   uint64
}

// NewBatchWriter creates a BatchWriter and starts its flush loop.
func NewBatchWriter[T any](client *ClickHouseClient, table Table[T], cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter[T] {
	def := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = cfg.BatchSize * 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = def.InsertTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	bw := &BatchWriter[T]{
		client:  client,
		table:   table,
		config:  cfg,
		logger:  logger.With("table", table.Name),
		buffer:  make([]T, 0, cfg.BatchSize),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go bw.loop()
	return bw
}

// Write adds a row to the batch.
func (bw *BatchWriter[T]) Write(v T) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrWriterClosed
	}
	if len(bw.buffer) >= bw.config.MaxPending {
		bw.mu.Unlock()
		atomic.AddUint64(&bw.totalDropped, 1)
		return ErrBufferFull
	}
	bw.buffer = append(bw.buffer, v)
	full := len(bw.buffer) >= bw.config.BatchSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (bw *BatchWriter[T]) loop() {
	defer close(bw.stopped)

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.done:
			return
		case <-ticker.C:
		case <-bw.kick:
		}
		if err := bw.Flush(); err != nil {
			bw.logger.Error("archive flush failed", "error", err)
		}
	}
}

// Flush inserts everything currently buffered.
func (bw *BatchWriter[T]) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	rows := bw.buffer
	bw.buffer = make([]T, 0, bw.config.BatchSize)
	bw.mu.Unlock()

	for len(rows) > 0 {
		n := min(len(rows), bw.config.BatchSize)
		if err := bw.insertWithRetry(rows[:n]); err != nil {
			atomic.AddUint64(&bw.totalFailed, uint64(len(rows)))
			return err
		}
		rows = rows[n:]
	}
	return nil
}

func (bw *BatchWriter[T]) insertWithRetry(rows []T) error {
	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(1<<(attempt-1)))
		}

		if err := bw.insertBatch(rows); err != nil {
			lastErr = err
			bw.logger.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&bw.totalWritten, uint64(len(rows)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}
	return WrapInsertError(bw.table.Name, lastErr, bw.config.MaxRetries)
}

func (bw *BatchWriter[T]) insertBatch(rows []T) error {
	ctx, cancel := context.WithTimeout(context.Background(), bw.config.InsertTimeout)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, bw.table.insertQuery())
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, v := range rows {
		if err := batch.Append(bw.table.Row(v)...); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	bw.logger.Debug("batch inserted", "count", len(rows))
	return nil
}

// Close stops the flush loop and flushes what remains.
func (bw *BatchWriter[T]) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.done)
	<-bw.stopped
	return bw.Flush()
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter[T]) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Dropped: atomic.LoadUint64(&bw.totalDropped),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: pending,
	}
}
