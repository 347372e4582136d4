package teardown

import (
	"sort"
	"sync"
	"time"

	"boundary-deception/internal/deploy"
)

// Trigger names what started a rollback.
type Trigger string

const (
	TriggerManual            Trigger = "Manual"
	TriggerTimeout           Trigger = "Timeout"
	TriggerEmergencyPlaybook Trigger = "EmergencyPlaybook"
)

// Status is the state of a rollback.
type Status string

const (
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// AssetOutcome is the per-asset result of a rollback.
type AssetOutcome struct {
	AssetID        string        `json:"asset_id"`
	FinalStatus    deploy.Status `json:"final_status,omitempty"`
	StepsCompleted int           `json:"steps_completed"`
	FailedStep     int           `json:"failed_step,omitempty"` // 1-based; 0 when no step failed
	FailedAction   string        `json:"failed_action,omitempty"`
	Error          string        `json:"error,omitempty"`
	Skipped        bool          `json:"skipped,omitempty"`
}

// Failed reports whether the asset ended in SafeHalt during this rollback.
func (o AssetOutcome) Failed() bool {
	return o.FinalStatus == deploy.StatusSafeHalt && !o.Skipped
}

// RollbackRecord documents one teardown run over one or more assets.
type RollbackRecord struct {
	RollbackID  string         `json:"rollback_id"`
	AssetIDs    []string       `json:"asset_ids"`
	Trigger     Trigger        `json:"trigger"`
	IncidentID  string         `json:"incident_id,omitempty"`
	RequestedBy string         `json:"requested_by,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Status      Status         `json:"status"`
	Outcomes    []AssetOutcome `json:"outcomes"`
}

// FailedAssets returns the asset ids that ended in SafeHalt.
func (r RollbackRecord) FailedAssets() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o.AssetID)
		}
	}
	return out
}

// journal keeps rollback records by id in start order.
type journal struct {
	mu      sync.RWMutex
	records map[string]*RollbackRecord
	order   []string
	limit   int
}

func newJournal(limit int) *journal {
	if limit <= 0 {
		limit = 1000
	}
	return &journal{records: make(map[string]*RollbackRecord), limit: limit}
}

func (j *journal) put(r RollbackRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.records[r.RollbackID]; !ok {
		j.order = append(j.order, r.RollbackID)
	}
	stored := r
	stored.AssetIDs = append([]string(nil), r.AssetIDs...)
	stored.Outcomes = append([]AssetOutcome(nil), r.Outcomes...)
	j.records[r.RollbackID] = &stored

	for len(j.order) > j.limit {
		oldest := j.order[0]
		if j.records[oldest].Status == StatusInProgress {
			break
		}
		delete(j.records, oldest)
		j.order = j.order[1:]
	}
}

func (j *journal) get(id string) (RollbackRecord, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	r, ok := j.records[id]
	if !ok {
		return RollbackRecord{}, false
	}
	return *r, true
}

func (j *journal) list() []RollbackRecord {
	j.mu.RLock()
	out := make([]RollbackRecord, 0, len(j.order))
	for _, id := range j.order {
		out = append(out, *j.records[id])
	}
	j.mu.RUnlock()

	sort.SliceStable(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out
}
