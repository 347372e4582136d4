package deploy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a deployment record.
type Status string

const (
	StatusDeployed    Status = "Deployed"
	StatusTearingDown Status = "TearingDown"
	StatusRemoved     Status = "Removed"
	StatusSafeHalt    Status = "SafeHalt"
)

// Live reports whether a record in status s still occupies its asset id.
func (s Status) Live() bool {
	switch s {
	case StatusDeployed, StatusTearingDown, StatusSafeHalt:
		return true
	case StatusRemoved:
		return false
	default:
		return false
	}
}

// Record is the live state of one deployed asset.
type Record struct {
	AssetID    string     `json:"asset_id"`
	Generation int        `json:"generation"`
	DeployedAt time.Time  `json:"deployed_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Status     Status     `json:"status"`
	Endpoint   string     `json:"endpoint,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	HaltReason string     `json:"halt_reason,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

// Expired reports whether the record has a lifetime that ended before now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// ErrStatusMismatch is returned by Transition when the record is not in the
// expected status.
var ErrStatusMismatch = errors.New("deploy: record status changed")

// ErrRecordNotFound is returned when no record exists for an asset id.
var ErrRecordNotFound = errors.New("deploy: record not found")

// Observer is notified after every record change.
type Observer func(Record)

// Ledger holds the current deployment record of every asset id. Records are
// created by the Engine; status changes go through Transition.
type Ledger struct {
	mu        sync.RWMutex
	records   map[string]*Record
	observers []Observer
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*Record)}
}

// Observe registers fn to be called after every record change.
func (l *Ledger) Observe(fn Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

// Get returns a copy of the record for assetID.
func (l *Ledger) Get(assetID string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[assetID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// List returns copies of all records sorted by asset id.
func (l *Ledger) List() []Record {
	l.mu.RLock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// WithStatus returns copies of the records in status s.
func (l *Ledger) WithStatus(s Status) []Record {
	var out []Record
	for _, r := range l.List() {
		if r.Status == s {
			out = append(out, r)
		}
	}
	return out
}

// Live returns copies of the records that still occupy their asset id.
func (l *Ledger) Live() []Record {
	var out []Record
	for _, r := range l.List() {
		if r.Status.Live() {
			out = append(out, r)
		}
	}
	return out
}

// HasSafeHalt reports whether any record is in SafeHalt.
func (l *Ledger) HasSafeHalt() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.records {
		if r.Status == StatusSafeHalt {
			return true
		}
	}
	return false
}

// Transition moves assetID from status from to status to. mutate, if not
// nil, may set auxiliary fields on the record. The change is rejected with
// ErrStatusMismatch if the record is not currently in status from.
func (l *Ledger) Transition(assetID string, from, to Status, at time.Time, mutate func(*Record)) (Record, error) {
	l.mu.Lock()
	r, ok := l.records[assetID]
	if !ok {
		l.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, assetID)
	}
	if r.Status != from {
		cur := r.Status
		l.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s is %s, expected %s", ErrStatusMismatch, assetID, cur, from)
	}
	r.Status = to
	r.UpdatedAt = at
	if mutate != nil {
		mutate(r)
	}
	out := *r
	observers := l.observers
	l.mu.Unlock()

	for _, fn := range observers {
		fn(out)
	}
	return out, nil
}

// create stores a new record, replacing a Removed one.
func (l *Ledger) create(rec Record) error {
	l.mu.Lock()
	if cur, ok := l.records[rec.AssetID]; ok && cur.Status.Live() {
		l.mu.Unlock()
		return fmt.Errorf("deploy: live record exists for %s", rec.AssetID)
	}
	stored := rec
	l.records[rec.AssetID] = &stored
	observers := l.observers
	l.mu.Unlock()

	for _, fn := range observers {
		fn(rec)
	}
	return nil
}
