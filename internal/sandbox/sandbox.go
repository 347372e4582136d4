// Package sandbox runs deception asset runtimes.
//
// A runtime only ever receives an *Actions value, which exposes the four
// permitted operations: advertise a listener, accept one inbound connection
// at a time, log an interaction, and drop the connection. There is no dial,
// forward or proxy capability in this package.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/logging"
)

// Common errors for sandbox runtimes.
var (
	ErrUnsupportedAction = errors.New("sandbox: teardown action not supported by runtime")
	ErrNotStarted        = errors.New("sandbox: runtime not started")
)

// Runtime is a deployed asset's live presence.
type Runtime interface {
	// Start brings the asset up.
	Start(ctx context.Context) error
	// Endpoint describes what the asset advertises.
	Endpoint() string
	// Execute performs a teardown action. Actions are idempotent.
	Execute(ctx context.Context, action asset.Action) error
}

// Reporter receives interactions observed by runtimes.
type Reporter interface {
	Report(ctx context.Context, in asset.Interaction)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, in asset.Interaction)

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, in asset.Interaction) {
	f(ctx, in)
}

// ActionsMetrics holds counters for one runtime.
type ActionsMetrics struct {
	Accepted    uint64
	Logged      uint64
	RateLimited uint64
	Dropped     uint64
}

// Actions is the capability set handed to a runtime.
type Actions struct {
	assetID  string
	reporter Reporter
	limiter  *rate.Limiter
	logger   *slog.Logger
	clock    func() time.Time

	accepted    uint64
	logged      uint64
	rateLimited uint64
	dropped     uint64
}

// NewActions creates the capability set for one asset. limit bounds the rate
// of logged interactions; excess interactions are counted and discarded.
func NewActions(assetID string, reporter Reporter, limit rate.Limit, burst int, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	if burst <= 0 {
		burst = 1
	}
	return &Actions{
		assetID:  assetID,
		reporter: reporter,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With("asset_id", assetID),
		clock:    time.Now,
	}
}

// AssetID returns the asset these actions belong to.
func (a *Actions) AssetID() string {
	return a.assetID
}

// Advertise opens a listener on address.
func (a *Actions) Advertise(network, address string) (net.Listener, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	a.logger.Info("decoy listener advertised", "network", network, "address", l.Addr().String())
	return l, nil
}

// Accept waits for the next inbound connection on l.
func (a *Actions) Accept(l net.Listener) (net.Conn, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&a.accepted, 1)
	return conn, nil
}

// Log reports an interaction, subject to the rate limit. It fills in the
// interaction id, asset id and timestamp when missing.
func (a *Actions) Log(ctx context.Context, in asset.Interaction) {
	if !a.limiter.Allow() {
		atomic.AddUint64(&a.rateLimited, 1)
		a.logger.Debug("interaction rate limited", "interaction_type", in.Type)
		return
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	in.AssetID = a.assetID
	if in.ObservedAt.IsZero() {
		in.ObservedAt = a.clock().UTC()
	}

	atomic.AddUint64(&a.logged, 1)
	a.logger.Info("decoy interaction",
		"interaction_id", in.ID,
		"interaction_type", in.Type,
		"source", in.Source,
		"principal", in.Principal,
		"metadata", logging.MaskMetadata(in.Metadata),
	)
	if a.reporter != nil {
		a.reporter.Report(ctx, in)
	}
}

// Drop closes conn.
func (a *Actions) Drop(conn net.Conn) {
	if conn == nil {
		return
	}
	conn.Close()
	atomic.AddUint64(&a.dropped, 1)
}

// Metrics returns the current counters.
func (a *Actions) Metrics() ActionsMetrics {
	return ActionsMetrics{
		Accepted:    atomic.LoadUint64(&a.accepted),
		Logged:      atomic.LoadUint64(&a.logged),
		RateLimited: atomic.LoadUint64(&a.rateLimited),
		Dropped:     atomic.LoadUint64(&a.dropped),
	}
}

// remoteHost returns the host part of a connection's remote address.
func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
