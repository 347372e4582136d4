// Package watchdog reports service readiness and liveness to systemd and runs
// periodic health checks. When a critical check fails the watchdog stops
// sending keepalives, so a hung process is restarted by the service manager.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"boundary-deception/internal/metrics"
)

// State is an sd_notify assignment.
type State string

const (
	StateReady    State = "READY=1"
	StateStopping State = "STOPPING=1"
	StateWatchdog State = "WATCHDOG=1"
	StateStatus   State = "STATUS="
)

// Config holds watchdog configuration.
type Config struct {
	Enabled             bool          `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval"` // Keepalive period; should be under WatchdogSec/2
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	DiskThreshold       float64       `yaml:"disk_threshold"` // Used fraction above which a disk check fails

	// Set by systemd through NOTIFY_SOCKET and WATCHDOG_USEC.
	NotifySocket string `yaml:"-"`
	WatchdogUSec uint64 `yaml:"-"`
}

// DefaultConfig returns the default watchdog configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Interval:            2 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		HealthCheckTimeout:  3 * time.Second,
		DiskThreshold:       0.95,
	}
}

// ApplyEnv reads the systemd notification variables through getenv. A
// WATCHDOG_USEC value sets Interval to half the watchdog timeout.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if socket := getenv("NOTIFY_SOCKET"); socket != "" {
		c.NotifySocket = socket
	}
	usec := getenv("WATCHDOG_USEC")
	if usec == "" {
		return nil
	}
	val, err := strconv.ParseUint(usec, 10, 64)
	if err != nil || val == 0 {
		return fmt.Errorf("WATCHDOG_USEC: invalid value %q", usec)
	}
	c.WatchdogUSec = val
	c.Interval = time.Duration(val/2) * time.Microsecond
	return nil
}

// Check is the result of one health check.
type Check struct {
	Name     string        `json:"name"`
	Critical bool          `json:"critical"`
	Healthy  bool          `json:"healthy"`
	Message  string        `json:"message,omitempty"`
	Latency  time.Duration `json:"latency"`
}

// Health summarizes a round of checks. Healthy is false only when a critical
// check failed; a failing non-critical check marks the round Degraded.
type Health struct {
	Healthy   bool      `json:"healthy"`
	Degraded  bool      `json:"degraded"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks"`
}

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

type registered struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Watchdog sends sd_notify messages and runs health checks.
type Watchdog struct {
	cfg    Config
	logger *slog.Logger
	conn   net.Conn
	now    func() time.Time

	mu     sync.RWMutex
	checks []registered
	last   *Health

	healthy  atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a watchdog. Without a notify socket it still runs health
// checks; notifications become no-ops.
func New(cfg Config, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultConfig().HealthCheckInterval
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = DefaultConfig().HealthCheckTimeout
	}

	w := &Watchdog{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	w.healthy.Store(true)

	if cfg.NotifySocket != "" {
		conn, err := dialNotifySocket(cfg.NotifySocket)
		if err != nil {
			logger.Warn("failed to connect to notify socket", "socket", cfg.NotifySocket, "error", err)
		} else {
			w.conn = conn
		}
	}
	return w
}

func dialNotifySocket(socket string) (net.Conn, error) {
	// Abstract namespace sockets are written with a leading @.
	if strings.HasPrefix(socket, "@") {
		socket = "\x00" + socket[1:]
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		return nil, fmt.Errorf("dial notify socket: %w", err)
	}
	return conn, nil
}

// Register adds a named check. Critical checks gate the keepalive.
func (w *Watchdog) Register(name string, critical bool, fn CheckFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checks = append(w.checks, registered{name: name, critical: critical, fn: fn})
}

// Start runs one round of checks and then starts the keepalive and health
// loops. It does not send READY; call Ready once the service is serving.
func (w *Watchdog) Start(ctx context.Context) error {
	if w.started.Swap(true) {
		return errors.New("watchdog already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)

	w.logger.Info("starting watchdog",
		"interval", w.cfg.Interval,
		"watchdog_usec", w.cfg.WatchdogUSec,
		"notify", w.conn != nil,
	)
	w.update(w.RunChecks(ctx))

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.keepaliveLoop(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.healthLoop(ctx)
	}()
	return nil
}

// Ready tells systemd the service finished starting.
func (w *Watchdog) Ready(status string) error {
	if status == "" {
		return w.notify(StateReady)
	}
	return w.notify(StateReady, StateStatus+State(status))
}

// Status sends a free-form status line.
func (w *Watchdog) Status(status string) error {
	return w.notify(StateStatus + State(status))
}

// Stop sends STOPPING and ends the loops. Further calls are no-ops.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		if err := w.notify(StateStopping); err != nil {
			w.logger.Warn("failed to notify stopping", "error", err)
		}
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		if w.conn != nil {
			w.conn.Close()
		}
		w.logger.Info("watchdog stopped")
	})
}

// notify writes states as one newline separated datagram.
func (w *Watchdog) notify(states ...State) error {
	if w.conn == nil {
		return nil
	}
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	if _, err := w.conn.Write([]byte(strings.Join(parts, "\n"))); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

func (w *Watchdog) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.healthy.Load() {
				w.logger.Warn("withholding watchdog keepalive: critical check failing")
				continue
			}
			if err := w.notify(StateWatchdog); err != nil {
				w.logger.Error("watchdog keepalive failed", "error", err)
			}
		}
	}
}

func (w *Watchdog) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.update(w.RunChecks(ctx))
		}
	}
}

// update stores h and reports transitions.
func (w *Watchdog) update(h *Health) {
	w.mu.Lock()
	prev := w.last
	w.last = h
	w.mu.Unlock()
	w.healthy.Store(h.Healthy)

	for _, c := range h.Checks {
		metrics.SetHealthCheck(c.Name, c.Healthy)
	}

	if prev != nil && prev.Healthy == h.Healthy && prev.Degraded == h.Degraded {
		return
	}
	switch {
	case !h.Healthy:
		w.logger.Error("health checks failing", "message", h.Message)
	case h.Degraded:
		w.logger.Warn("service degraded", "message", h.Message)
	case prev != nil:
		w.logger.Info("health checks recovered")
	}
	if err := w.Status(statusLine(h)); err != nil {
		w.logger.Warn("failed to notify status", "error", err)
	}
}

func statusLine(h *Health) string {
	switch {
	case !h.Healthy:
		return "unhealthy: " + h.Message
	case h.Degraded:
		return "degraded: " + h.Message
	default:
		return "healthy"
	}
}

// RunChecks runs every registered check once. A check that outlives
// HealthCheckTimeout counts as failed; its goroutine is abandoned.
func (w *Watchdog) RunChecks(ctx context.Context) *Health {
	w.mu.RLock()
	checks := make([]registered, len(w.checks))
	copy(checks, w.checks)
	w.mu.RUnlock()

	h := &Health{
		Healthy:   true,
		Timestamp: w.now(),
		Checks:    make([]Check, 0, len(checks)),
	}
	var failures []string
	for _, rc := range checks {
		c := w.runCheck(ctx, rc)
		h.Checks = append(h.Checks, c)
		if c.Healthy {
			continue
		}
		failures = append(failures, c.Name+": "+c.Message)
		if c.Critical {
			h.Healthy = false
		} else {
			h.Degraded = true
		}
	}

	switch {
	case len(failures) > 0:
		h.Message = strings.Join(failures, "; ")
	case len(checks) == 0:
		h.Message = "no health checks registered"
	default:
		h.Message = fmt.Sprintf("all %d checks passed", len(checks))
	}
	return h
}

func (w *Watchdog) runCheck(ctx context.Context, rc registered) Check {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- rc.fn(ctx) }()

	c := Check{Name: rc.name, Critical: rc.critical, Healthy: true}
	select {
	case err := <-done:
		if err != nil {
			c.Healthy = false
			c.Message = err.Error()
		}
	case <-ctx.Done():
		c.Healthy = false
		c.Message = "timed out"
	}
	c.Latency = time.Since(start)
	return c
}

// Healthy reports whether the last round passed every critical check.
func (w *Watchdog) Healthy() bool {
	return w.healthy.Load()
}

// Health returns the last round of checks, or nil before Start.
func (w *Watchdog) Health() *Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Notifying reports whether a systemd notify socket is connected.
func (w *Watchdog) Notifying() bool {
	return w.conn != nil
}

// DiskChecker fails when the filesystem holding path is fuller than
// threshold, a fraction between 0 and 1.
func DiskChecker(path string, threshold float64) CheckFunc {
	return func(ctx context.Context) error {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(path, &stat); err != nil {
			return fmt.Errorf("statfs %s: %w", path, err)
		}
		total := stat.Blocks * uint64(stat.Bsize)
		if total == 0 {
			return nil
		}
		free := stat.Bavail * uint64(stat.Bsize)
		used := float64(total-free) / float64(total)
		if used > threshold {
			return fmt.Errorf("disk usage %.1f%% exceeds %.1f%%", used*100, threshold*100)
		}
		return nil
	}
}
