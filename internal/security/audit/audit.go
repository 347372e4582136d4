// Package audit keeps a tamper-evident trail of operator actions and
// lifecycle events. Entries form a hash chain; each entry is HMAC-signed so
// modification, deletion or insertion is detected on verification.
package audit

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"boundary-deception/internal/metrics"
	"boundary-deception/internal/security/signing"
)

// Common errors.
var (
	ErrLoggerClosed     = errors.New("audit logger is closed")
	ErrTamperDetected   = errors.New("audit log tampering detected")
	ErrChainBroken      = errors.New("audit chain integrity broken")
	ErrSequenceGap      = errors.New("sequence gap detected in audit log")
	ErrInvalidSignature = errors.New("invalid audit entry signature")
	ErrTimestampAnomaly = errors.New("timestamp anomaly detected")
	ErrChecksumMismatch = errors.New("file checksum mismatch")
)

// EventType represents the type of audit event.
type EventType string

const (
	EventSystemStart    EventType = "system.start"
	EventSystemShutdown EventType = "system.shutdown"

	EventRegistryLoad EventType = "registry.load"

	EventOperatorTeardown  EventType = "operator.teardown"
	EventEmergencyTeardown EventType = "operator.emergency_teardown"
	EventSafeHaltResolved  EventType = "operator.safe_halt_resolved"

	EventSafeHaltEntered EventType = "lifecycle.safe_halt"

	EventAuditTamper EventType = "audit.tamper_detected"
	EventAuditExport EventType = "audit.export"
)

// Severity represents the severity level of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
	SeverityAlert    Severity = "alert"
)

const (
	keyFile     = ".audit.key"
	filePattern = "audit-*.log"
	genesisSeed = "boundary-deception-audit-genesis-v1"
)

// AuditEntry is a single line of the audit log.
type AuditEntry struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	Type     EventType      `json:"type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`

	Actor      string `json:"actor,omitempty"`
	ActorIP    string `json:"actor_ip,omitempty"`
	Target     string `json:"target,omitempty"`
	TargetType string `json:"target_type,omitempty"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Hostname  string `json:"hostname,omitempty"`
	ProcessID int    `json:"process_id,omitempty"`

	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
	Signature    string `json:"signature"`
}

// computeHash hashes the canonical form of the entry without entry_hash and
// signature.
func (e *AuditEntry) computeHash() (string, error) {
	body := *e
	body.EntryHash = ""
	body.Signature = ""
	payload, err := signing.Canonical(body)
	if err != nil {
		return "", err
	}
	return signing.Digest(payload).String(), nil
}

func (e *AuditEntry) mac(key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(e.EntryHash))
	h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Sign sets EntryHash and Signature.
func (e *AuditEntry) Sign(key []byte) error {
	hash, err := e.computeHash()
	if err != nil {
		return err
	}
	e.EntryHash = hash
	e.Signature = e.mac(key)
	return nil
}

// Verify checks EntryHash and Signature.
func (e *AuditEntry) Verify(key []byte) bool {
	expected, err := e.computeHash()
	if err != nil || expected != e.EntryHash {
		return false
	}
	return hmac.Equal([]byte(e.Signature), []byte(e.mac(key)))
}

// Event describes one auditable action.
type Event struct {
	Type       EventType
	Severity   Severity
	Message    string
	Data       map[string]any
	Actor      string
	ActorIP    string
	Target     string
	TargetType string
	Success    bool
	Error      string
}

// Config configures the audit logger.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// MaxFileSize rotates the current file once it reaches this many bytes.
	MaxFileSize int64 `yaml:"max_file_size"`
	// MaxFiles is the number of log files kept; older files are removed.
	MaxFiles int `yaml:"max_files"`

	FlushInterval  time.Duration `yaml:"flush_interval"`
	VerifyInterval time.Duration `yaml:"verify_interval"`

	Hostname string `yaml:"hostname,omitempty"`

	// OnTamperDetected is called when periodic verification fails.
	OnTamperDetected func(err error) `yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Dir:            "/var/lib/deception/audit",
		MaxFileSize:    50 * 1024 * 1024,
		MaxFiles:       90,
		FlushInterval:  time.Second,
		VerifyInterval: 15 * time.Minute,
	}
}

// Logger writes the audit trail. Writes are synchronous and serialized so
// the chain has a single order.
type Logger struct {
	mu sync.RWMutex

	config  Config
	hmacKey []byte
	logger  *slog.Logger
	now     func() time.Time

	sequence     uint64
	previousHash string
	currentFile  *os.File
	currentPath  string
	currentDay   string
	currentSize  int64

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	written   atomic.Uint64
	errors    atomic.Uint64
	tampering atomic.Uint64
}

// NewLogger opens the audit directory, recovers the chain head from the
// newest file and starts the flush and verify workers.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, errors.New("audit: dir is required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultConfig().MaxFileSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	key, err := loadOrGenerateKey(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HMAC key: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	al := &Logger{
		config:       cfg,
		hmacKey:      key,
		logger:       logger.With("component", "audit"),
		now:          time.Now,
		previousHash: genesisHash(),
		ctx:          ctx,
		cancel:       cancel,
	}

	if err := al.recoverState(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to recover audit chain: %w", err)
	}

	al.wg.Add(2)
	go al.flushWorker()
	go al.verifyWorker()

	al.logger.Info("audit logger initialized", "dir", cfg.Dir, "sequence", al.sequence)
	return al, nil
}

// LoadKey reads the HMAC key of an existing audit directory.
func LoadKey(dir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("audit key has %d bytes, want 32", len(data))
	}
	return data, nil
}

func loadOrGenerateKey(dir string) ([]byte, error) {
	key, err := LoadKey(dir)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, keyFile), key, 0o400); err != nil {
		return nil, err
	}
	return key, nil
}

func genesisHash() string {
	return signing.Digest([]byte(genesisSeed)).String()
}

func listFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, filePattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// recoverState resumes the chain from the last entry of the newest file.
func (al *Logger) recoverState() error {
	files, err := listFiles(al.config.Dir)
	if err != nil || len(files) == 0 {
		return err
	}

	entries, err := readLogFile(files[len(files)-1])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	last := entries[len(entries)-1]
	al.sequence = last.Sequence
	al.previousHash = last.EntryHash
	return nil
}

// openFile starts a new file named after the day and the first sequence it
// will hold, so lexical order is chain order.
func (al *Logger) openFile(now time.Time) error {
	if al.currentFile != nil {
		al.sealCurrent()
	}

	day := now.UTC().Format("2006-01-02")
	name := fmt.Sprintf("audit-%s-%016d.log", day, al.sequence+1)
	path := filepath.Join(al.config.Dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	al.currentFile = f
	al.currentPath = path
	al.currentDay = day
	al.currentSize = info.Size()

	al.cleanupOldFiles()
	return nil
}

// sealCurrent syncs and closes the current file and writes its checksum.
func (al *Logger) sealCurrent() {
	if err := al.currentFile.Sync(); err != nil {
		al.logger.Warn("failed to sync audit file", "path", al.currentPath, "error", err)
	}
	al.currentFile.Close()
	if err := writeFileChecksum(al.currentPath); err != nil {
		al.logger.Warn("failed to write audit checksum", "path", al.currentPath, "error", err)
	}
	al.currentFile = nil
}

// Log appends one event to the chain.
func (al *Logger) Log(ctx context.Context, ev Event) error {
	if al.closed.Load() {
		return ErrLoggerClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	entry := &AuditEntry{
		ID:           uuid.NewString(),
		Sequence:     al.sequence + 1,
		Timestamp:    al.now().UTC(),
		Type:         ev.Type,
		Severity:     ev.Severity,
		Message:      ev.Message,
		Data:         ev.Data,
		Actor:        ev.Actor,
		ActorIP:      ev.ActorIP,
		Target:       ev.Target,
		TargetType:   ev.TargetType,
		Success:      ev.Success,
		Error:        ev.Error,
		Hostname:     al.config.Hostname,
		ProcessID:    os.Getpid(),
		PreviousHash: al.previousHash,
	}
	if err := entry.Sign(al.hmacKey); err != nil {
		al.errors.Add(1)
		metrics.ObserveAuditEntry(metrics.OutcomeError)
		return fmt.Errorf("sign audit entry: %w", err)
	}
	if err := al.writeLocked(entry); err != nil {
		al.errors.Add(1)
		metrics.ObserveAuditEntry(metrics.OutcomeError)
		return err
	}

	al.sequence = entry.Sequence
	al.previousHash = entry.EntryHash
	al.written.Add(1)
	metrics.ObserveAuditEntry(metrics.OutcomeSuccess)
	return nil
}

func (al *Logger) writeLocked(entry *AuditEntry) error {
	day := entry.Timestamp.Format("2006-01-02")
	if al.currentFile == nil || al.currentSize >= al.config.MaxFileSize || day != al.currentDay {
		if err := al.openFile(entry.Timestamp); err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')

	n, err := al.currentFile.Write(data)
	al.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

func (al *Logger) cleanupOldFiles() {
	if al.config.MaxFiles <= 0 {
		return
	}
	files, err := listFiles(al.config.Dir)
	if err != nil || len(files) <= al.config.MaxFiles {
		return
	}
	for _, f := range files[:len(files)-al.config.MaxFiles] {
		os.Remove(f)
		os.Remove(f + ".sha256")
	}
}

func (al *Logger) flushWorker() {
	defer al.wg.Done()

	ticker := time.NewTicker(al.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.ctx.Done():
			return
		case <-ticker.C:
			al.mu.Lock()
			if al.currentFile != nil {
				al.currentFile.Sync()
			}
			al.mu.Unlock()
		}
	}
}

func (al *Logger) verifyWorker() {
	defer al.wg.Done()

	if al.config.VerifyInterval <= 0 {
		return
	}

	ticker := time.NewTicker(al.config.VerifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.ctx.Done():
			return
		case <-ticker.C:
			if _, err := al.VerifyIntegrity(al.ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				al.tampering.Add(1)
				metrics.ObserveAuditTamper()
				al.logger.Error("audit log integrity check failed", "error", err)
				al.Log(al.ctx, Event{
					Type:     EventAuditTamper,
					Severity: SeverityAlert,
					Message:  "audit log tampering detected",
					Data:     map[string]any{"error": err.Error()},
				})
				if al.config.OnTamperDetected != nil {
					al.config.OnTamperDetected(err)
				}
			}
		}
	}
}

// VerifyIntegrity verifies every file of the logger's directory. Writes
// wait while verification runs.
func (al *Logger) VerifyIntegrity(ctx context.Context) (Report, error) {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return Verify(ctx, al.config.Dir, al.hmacKey)
}

// Report summarizes a verification pass.
type Report struct {
	Files         int    `json:"files"`
	Entries       int    `json:"entries"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
}

// Verify checks signatures, chain links, sequence continuity and timestamp
// order across all files in dir, plus the checksum of every sealed file.
// The first retained entry is checked against the genesis hash only when it
// is sequence 1; older files may have been removed by retention.
func Verify(ctx context.Context, dir string, key []byte) (Report, error) {
	var report Report

	files, err := listFiles(dir)
	if err != nil {
		return report, err
	}

	var last *AuditEntry
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		entries, err := readLogFile(file)
		if err != nil {
			return report, fmt.Errorf("%w: %s: %v", ErrTamperDetected, filepath.Base(file), err)
		}

		for _, entry := range entries {
			if !entry.Verify(key) {
				return report, fmt.Errorf("%w at sequence %d in %s", ErrInvalidSignature, entry.Sequence, filepath.Base(file))
			}
			switch {
			case last != nil:
				if entry.PreviousHash != last.EntryHash {
					return report, fmt.Errorf("%w at sequence %d in %s", ErrChainBroken, entry.Sequence, filepath.Base(file))
				}
				if entry.Sequence != last.Sequence+1 {
					return report, fmt.Errorf("%w: expected %d, got %d in %s",
						ErrSequenceGap, last.Sequence+1, entry.Sequence, filepath.Base(file))
				}
				if entry.Timestamp.Before(last.Timestamp) {
					return report, fmt.Errorf("%w at sequence %d in %s", ErrTimestampAnomaly, entry.Sequence, filepath.Base(file))
				}
			case entry.Sequence == 1:
				if entry.PreviousHash != genesisHash() {
					return report, fmt.Errorf("%w: first entry does not chain from genesis", ErrChainBroken)
				}
			}

			if report.Entries == 0 {
				report.FirstSequence = entry.Sequence
			}
			report.Entries++
			report.LastSequence = entry.Sequence
			last = entry
		}

		checksumPath := file + ".sha256"
		if _, err := os.Stat(checksumPath); err == nil {
			if err := verifyFileChecksum(file, checksumPath); err != nil {
				return report, err
			}
		}
		report.Files++
	}

	return report, nil
}

// readLogFile reads every entry of one file. A malformed line is an error.
func readLogFile(path string) ([]*AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []*AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeFileChecksum(path string) error {
	sum, err := fileChecksum(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".sha256", []byte(sum), 0o600)
}

func verifyFileChecksum(logPath, checksumPath string) error {
	expected, err := os.ReadFile(checksumPath)
	if err != nil {
		return err
	}
	actual, err := fileChecksum(logPath)
	if err != nil {
		return err
	}
	if string(expected) != actual {
		return fmt.Errorf("%w for %s", ErrChecksumMismatch, filepath.Base(logPath))
	}
	return nil
}

// Close stops the workers and seals the current file. A sealed file is
// never appended to again; the next logger starts a new file.
func (al *Logger) Close() error {
	if al.closed.Swap(true) {
		return nil
	}

	al.cancel()
	al.wg.Wait()

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.currentFile != nil {
		al.sealCurrent()
	}

	al.logger.Info("audit logger closed",
		"written", al.written.Load(),
		"errors", al.errors.Load())
	return nil
}

// Metrics contains audit logger statistics.
type Metrics struct {
	Written          uint64 `json:"written"`
	Errors           uint64 `json:"errors"`
	TamperDetections uint64 `json:"tamper_detections"`
	CurrentSequence  uint64 `json:"current_sequence"`
}

// Metrics returns audit logger statistics.
func (al *Logger) Metrics() Metrics {
	al.mu.RLock()
	seq := al.sequence
	al.mu.RUnlock()
	return Metrics{
		Written:          al.written.Load(),
		Errors:           al.errors.Load(),
		TamperDetections: al.tampering.Load(),
		CurrentSequence:  seq,
	}
}

// QueryOptions specifies query criteria. Zero values match everything.
type QueryOptions struct {
	StartTime  time.Time
	EndTime    time.Time
	Types      []EventType
	Severities []Severity
	Actor      string
	Target     string
	Limit      int
}

func (o QueryOptions) matches(e *AuditEntry) bool {
	if !o.StartTime.IsZero() && e.Timestamp.Before(o.StartTime) {
		return false
	}
	if !o.EndTime.IsZero() && e.Timestamp.After(o.EndTime) {
		return false
	}
	if len(o.Types) > 0 && !slices.Contains(o.Types, e.Type) {
		return false
	}
	if len(o.Severities) > 0 && !slices.Contains(o.Severities, e.Severity) {
		return false
	}
	if o.Actor != "" && e.Actor != o.Actor {
		return false
	}
	if o.Target != "" && e.Target != o.Target {
		return false
	}
	return true
}

// Query returns entries in dir that match opts, oldest first.
func Query(ctx context.Context, dir string, opts QueryOptions) ([]*AuditEntry, error) {
	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	var results []*AuditEntry
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		entries, err := readLogFile(file)
		if err != nil {
			return results, fmt.Errorf("%s: %w", filepath.Base(file), err)
		}
		for _, entry := range entries {
			if !opts.matches(entry) {
				continue
			}
			results = append(results, entry)
			if opts.Limit > 0 && len(results) >= opts.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// Query returns entries of the logger's directory that match opts.
func (al *Logger) Query(ctx context.Context, opts QueryOptions) ([]*AuditEntry, error) {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return Query(ctx, al.config.Dir, opts)
}

// Export writes matching entries as JSON lines and records the export.
func (al *Logger) Export(ctx context.Context, w io.Writer, opts QueryOptions, actor string) error {
	entries, err := al.Query(ctx, opts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}

	return al.Log(ctx, Event{
		Type:    EventAuditExport,
		Message: "audit log exported",
		Actor:   actor,
		Success: true,
		Data:    map[string]any{"entries": len(entries)},
	})
}

// ForceFlush syncs the current file.
func (al *Logger) ForceFlush() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.currentFile != nil {
		return al.currentFile.Sync()
	}
	return nil
}
