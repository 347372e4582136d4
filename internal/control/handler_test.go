package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/deploy"
	"boundary-deception/internal/faults"
	"boundary-deception/internal/security/audit"
	"boundary-deception/internal/signal"
	"boundary-deception/internal/teardown"
)

type fakeObserver struct {
	mu     sync.Mutex
	active map[string]bool
	seen   []asset.Interaction
}

func (f *fakeObserver) Observe(_ context.Context, assetID string, in asset.Interaction) (*signal.Signal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, in)
	if !f.active[assetID] {
		return nil, false
	}
	return &signal.Signal{SignalID: fmt.Sprintf("sig-%d", len(f.seen)), AssetID: assetID}, true
}

type fakeTeardowns struct {
	records  map[string]deploy.Record
	failing  map[string]bool
	lastReq  []string
	resolved []string
}

func (f *fakeTeardowns) Teardown(_ context.Context, assetID, operator string) (*teardown.RollbackRecord, error) {
	if operator == "" {
		return nil, teardown.ErrOperatorRequired
	}
	rec, ok := f.records[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", deploy.ErrRecordNotFound, assetID)
	}
	if rec.Status != deploy.StatusDeployed {
		return nil, nil
	}
	rb := &teardown.RollbackRecord{RollbackID: "rb-1", AssetIDs: []string{assetID}, Trigger: teardown.TriggerManual, Status: teardown.StatusCompleted}
	if f.failing[assetID] {
		rb.Status = teardown.StatusFailed
		rb.Outcomes = []teardown.AssetOutcome{{AssetID: assetID, FinalStatus: deploy.StatusSafeHalt}}
		return rb, faults.Newf(faults.KindTeardownStepFailed, "teardown.Teardown", assetID, "asset entered SafeHalt")
	}
	return rb, nil
}

func (f *fakeTeardowns) Emergency(_ context.Context, incidentID string, assetIDs []string, requestedBy string) (teardown.RollbackRecord, error) {
	f.lastReq = append([]string{incidentID, requestedBy}, assetIDs...)
	return teardown.RollbackRecord{
		RollbackID:  "rb-e",
		AssetIDs:    assetIDs,
		Trigger:     teardown.TriggerEmergencyPlaybook,
		IncidentID:  incidentID,
		RequestedBy: requestedBy,
		Status:      teardown.StatusCompleted,
	}, nil
}

func (f *fakeTeardowns) ResolveSafeHalt(assetID, operator, note string) (deploy.Record, error) {
	rec, ok := f.records[assetID]
	if !ok {
		return deploy.Record{}, fmt.Errorf("resolve: %w: %s", deploy.ErrRecordNotFound, assetID)
	}
	if rec.Status != deploy.StatusSafeHalt {
		return deploy.Record{}, fmt.Errorf("resolve: %w", deploy.ErrStatusMismatch)
	}
	f.resolved = append(f.resolved, assetID)
	rec.Status = deploy.StatusRemoved
	rec.ResolvedBy = operator
	return rec, nil
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeAuditor) Log(_ context.Context, ev audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeObserver, *fakeTeardowns) {
	t.Helper()
	srv, obs, td, _ := newAuditedServer(t)
	return srv, obs, td
}

func newAuditedServer(t *testing.T) (*httptest.Server, *fakeObserver, *fakeTeardowns, *fakeAuditor) {
	t.Helper()
	obs := &fakeObserver{active: map[string]bool{"db-lure": true}}
	td := &fakeTeardowns{
		records: map[string]deploy.Record{
			"db-lure":  {AssetID: "db-lure", Status: deploy.StatusDeployed},
			"ssh-trap": {AssetID: "ssh-trap", Status: deploy.StatusDeployed},
			"halted":   {AssetID: "halted", Status: deploy.StatusSafeHalt},
			"retired":  {AssetID: "retired", Status: deploy.StatusRemoved},
		},
		failing: map[string]bool{"ssh-trap": true},
	}
	aud := &fakeAuditor{}
	h := NewHandler(obs, td, nil).WithMaxPayload(4096).WithMaxBatch(3).WithAuditor(aud)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, obs, td, aud
}

func post(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHandleInteractions(t *testing.T) {
	srv, obs, _ := newTestServer(t)

	report := InteractionReport{Interactions: []asset.Interaction{
		{ID: "i-1", AssetID: "db-lure", Type: "login_attempt", ObservedAt: time.Now()},
		{ID: "i-2", AssetID: "cold", Type: "login_attempt"},
	}}
	resp, body := post(t, srv, "/v1/interactions", report)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["accepted"].(float64) != 1 || body["discarded"].(float64) != 1 {
		t.Errorf("body = %v", body)
	}
	if len(obs.seen) != 2 {
		t.Fatalf("observer saw %d interactions", len(obs.seen))
	}
	if obs.seen[1].ObservedAt.IsZero() {
		t.Error("missing observed_at should be stamped")
	}
}

func TestHandleInteractions_RequiresInteractionID(t *testing.T) {
	srv, obs, _ := newTestServer(t)

	report := InteractionReport{Interactions: []asset.Interaction{
		{ID: "i-1", AssetID: "db-lure", Type: "login_attempt"},
		{AssetID: "db-lure", Type: "login_attempt"},
	}}
	resp, body := post(t, srv, "/v1/interactions", report)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["accepted"].(float64) != 1 || body["discarded"].(float64) != 1 {
		t.Errorf("body = %v", body)
	}
	errs, _ := body["errors"].([]any)
	if len(errs) != 1 || !strings.Contains(errs[0].(string), "interaction[1]: interaction_id is required") {
		t.Errorf("errors = %v", body["errors"])
	}
	if len(obs.seen) != 1 || obs.seen[0].ID != "i-1" {
		t.Errorf("observer saw %+v, want only i-1", obs.seen)
	}
}

func TestHandleInteractions_Rejects(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", "{", http.StatusBadRequest},
		{"empty batch", InteractionReport{}, http.StatusBadRequest},
		{"batch too large", InteractionReport{Interactions: make([]asset.Interaction, 4)}, http.StatusBadRequest},
		{"missing fields", InteractionReport{Interactions: []asset.Interaction{{ID: "x"}}}, http.StatusBadRequest},
		{"missing interaction id", InteractionReport{Interactions: []asset.Interaction{{AssetID: "db-lure", Type: "tcp_connect"}}}, http.StatusBadRequest},
		{"payload too large", `{"interactions":[{"metadata":{"k":"` + strings.Repeat("a", 5000) + `"}}]}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, srv, "/v1/interactions", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d, body = %v", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestHandleTeardown(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name     string
		req      any
		want     int
		wantCode string
	}{
		{"completed", TeardownRequest{AssetID: "db-lure", Operator: "alice"}, http.StatusOK, ""},
		{"safe halt", TeardownRequest{AssetID: "ssh-trap", Operator: "alice"}, http.StatusConflict, ""},
		{"not deployed", TeardownRequest{AssetID: "retired", Operator: "alice"}, http.StatusOK, ""},
		{"unknown", TeardownRequest{AssetID: "nope", Operator: "alice"}, http.StatusNotFound, "NOT_FOUND"},
		{"no operator", TeardownRequest{AssetID: "db-lure"}, http.StatusBadRequest, "VALIDATION_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, srv, "/v1/teardown", tt.req)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d, body = %v", resp.StatusCode, tt.want, body)
			}
			if tt.wantCode != "" && body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %s", body["code"], tt.wantCode)
			}
		})
	}
}

func TestHandleEmergency(t *testing.T) {
	srv, _, td := newTestServer(t)

	resp, body := post(t, srv, "/v1/emergency-teardown", EmergencyTeardownRequest{
		IncidentID:  "INC-7",
		AssetIDs:    []string{"db-lure"},
		RequestedBy: "playbook-engine",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["trigger"] != string(teardown.TriggerEmergencyPlaybook) {
		t.Errorf("trigger = %v", body["trigger"])
	}
	if strings.Join(td.lastReq, ",") != "INC-7,playbook-engine,db-lure" {
		t.Errorf("engine received %v", td.lastReq)
	}

	resp, _ = post(t, srv, "/v1/emergency-teardown", EmergencyTeardownRequest{RequestedBy: "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing incident id: status = %d", resp.StatusCode)
	}
}

func TestHandleResolve(t *testing.T) {
	srv, _, td := newTestServer(t)

	resp, body := post(t, srv, "/v1/safe-halt/resolve", ResolveRequest{AssetID: "halted", Operator: "bob", Note: "removed by hand"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != string(deploy.StatusRemoved) || body["resolved_by"] != "bob" {
		t.Errorf("body = %v", body)
	}
	if len(td.resolved) != 1 {
		t.Errorf("resolved = %v", td.resolved)
	}

	resp, body = post(t, srv, "/v1/safe-halt/resolve", ResolveRequest{AssetID: "db-lure", Operator: "bob"})
	if resp.StatusCode != http.StatusConflict || body["code"] != "STATUS_CONFLICT" {
		t.Errorf("resolving a deployed asset: status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/teardown")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestHandler_AuditsOperatorActions(t *testing.T) {
	srv, _, _, aud := newAuditedServer(t)

	post(t, srv, "/v1/teardown", TeardownRequest{AssetID: "db-lure", Operator: "alice"})
	post(t, srv, "/v1/teardown", TeardownRequest{AssetID: "ssh-trap", Operator: "alice"})
	post(t, srv, "/v1/teardown", TeardownRequest{AssetID: "nope", Operator: "alice"})
	post(t, srv, "/v1/emergency-teardown", EmergencyTeardownRequest{IncidentID: "INC-9", RequestedBy: "soar"})
	post(t, srv, "/v1/safe-halt/resolve", ResolveRequest{AssetID: "halted", Operator: "bob", Note: "cleaned"})
	post(t, srv, "/v1/interactions", InteractionReport{Interactions: []asset.Interaction{{ID: "i-9", AssetID: "db-lure", Type: "tcp_connect"}}})

	// Rejected requests never reach the engine and are not audited.
	post(t, srv, "/v1/teardown", TeardownRequest{AssetID: "db-lure"})

	tests := []struct {
		typ     audit.EventType
		actor   string
		target  string
		success bool
	}{
		{audit.EventOperatorTeardown, "alice", "db-lure", true},
		{audit.EventOperatorTeardown, "alice", "ssh-trap", false},
		{audit.EventOperatorTeardown, "alice", "nope", false},
		{audit.EventEmergencyTeardown, "soar", "INC-9", true},
		{audit.EventSafeHaltResolved, "bob", "halted", true},
	}

	aud.mu.Lock()
	defer aud.mu.Unlock()
	if len(aud.events) != len(tests) {
		t.Fatalf("audited %d events, want %d: %+v", len(aud.events), len(tests), aud.events)
	}
	for i, tt := range tests {
		ev := aud.events[i]
		if ev.Type != tt.typ || ev.Actor != tt.actor || ev.Target != tt.target || ev.Success != tt.success {
			t.Errorf("event %d = %+v, want %v/%s/%s/%v", i, ev, tt.typ, tt.actor, tt.target, tt.success)
		}
		if ev.ActorIP != "127.0.0.1" {
			t.Errorf("event %d ActorIP = %q", i, ev.ActorIP)
		}
	}
	if aud.events[1].Error == "" {
		t.Error("failed teardown should carry its error")
	}
	if aud.events[0].Data["rollback_id"] != "rb-1" {
		t.Errorf("teardown data = %v", aud.events[0].Data)
	}
}
