// Package control serves the write side of the deception subsystem:
// interaction reports from host agents and operator teardown commands.
// It listens separately from the read-only visibility gateway.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/deploy"
	"boundary-deception/internal/faults"
	"boundary-deception/internal/security/audit"
	"boundary-deception/internal/signal"
	"boundary-deception/internal/teardown"
)

// Observer turns interactions into signals.
type Observer interface {
	Observe(ctx context.Context, assetID string, in asset.Interaction) (*signal.Signal, bool)
}

// Teardowner runs operator and emergency teardowns.
type Teardowner interface {
	Teardown(ctx context.Context, assetID, operator string) (*teardown.RollbackRecord, error)
	Emergency(ctx context.Context, incidentID string, assetIDs []string, requestedBy string) (teardown.RollbackRecord, error)
	ResolveSafeHalt(assetID, operator, note string) (deploy.Record, error)
}

// Auditor records operator actions.
type Auditor interface {
	Log(ctx context.Context, ev audit.Event) error
}

// Handler handles control requests.
type Handler struct {
	observer   Observer
	teardowns  Teardowner
	auditor    Auditor
	validate   *validator.Validate
	logger     *slog.Logger
	maxPayload int64
	maxBatch   int
}

// NewHandler creates a control Handler.
func NewHandler(observer Observer, teardowns Teardowner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		observer:   observer,
		teardowns:  teardowns,
		validate:   validator.New(),
		logger:     logger,
		maxPayload: 1 << 20,
		maxBatch:   1000,
	}
}

// WithMaxPayload sets the maximum request body size in bytes.
func (h *Handler) WithMaxPayload(size int64) *Handler {
	if size > 0 {
		h.maxPayload = size
	}
	return h
}

// WithAuditor records teardown, emergency and resolve requests in a.
func (h *Handler) WithAuditor(a Auditor) *Handler {
	h.auditor = a
	return h
}

// WithMaxBatch sets the maximum number of interactions per report.
func (h *Handler) WithMaxBatch(n int) *Handler {
	if n > 0 {
		h.maxBatch = n
	}
	return h
}

// InteractionReport is the body of POST /v1/interactions.
type InteractionReport struct {
	Interactions []asset.Interaction `json:"interactions" validate:"required,min=1,dive"`
}

// InteractionResponse reports which interactions produced signals.
type InteractionResponse struct {
	Accepted  int      `json:"accepted"`
	Discarded int      `json:"discarded"`
	SignalIDs []string `json:"signal_ids,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// TeardownRequest is the body of POST /v1/teardown.
type TeardownRequest struct {
	AssetID  string `json:"asset_id" validate:"required"`
	Operator string `json:"operator" validate:"required"`
}

// EmergencyTeardownRequest is the body of POST /v1/emergency-teardown.
type EmergencyTeardownRequest struct {
	IncidentID  string   `json:"incident_id" validate:"required"`
	AssetIDs    []string `json:"asset_ids,omitempty" validate:"dive,required"`
	RequestedBy string   `json:"requested_by" validate:"required"`
}

// ResolveRequest is the body of POST /v1/safe-halt/resolve.
type ResolveRequest struct {
	AssetID  string `json:"asset_id" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Note     string `json:"note,omitempty" validate:"max=512"`
}

// Routes returns the control mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/interactions", h.HandleInteractions)
	mux.HandleFunc("POST /v1/teardown", h.HandleTeardown)
	mux.HandleFunc("POST /v1/emergency-teardown", h.HandleEmergency)
	mux.HandleFunc("POST /v1/safe-halt/resolve", h.HandleResolve)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// HandleInteractions handles POST /v1/interactions. Interactions that are
// discarded (inactive asset, low confidence, duplicate) are counted but do
// not fail the request. A batch in which every interaction is malformed,
// including a missing interaction_id, is a 400.
func (h *Handler) HandleInteractions(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var req InteractionReport
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Interactions) > h.maxBatch {
		writeJSONError(w, http.StatusBadRequest, "BATCH_TOO_LARGE",
			fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	resp := InteractionResponse{RequestID: requestID}
	for i, in := range req.Interactions {
		if in.AssetID == "" || in.Type == "" {
			resp.Discarded++
			resp.Errors = append(resp.Errors, fmt.Sprintf("interaction[%d]: asset_id and interaction_type are required", i))
			continue
		}
		// Agents resend reports on timeout; the id is what makes a resend a
		// duplicate.
		if in.ID == "" {
			resp.Discarded++
			resp.Errors = append(resp.Errors, fmt.Sprintf("interaction[%d]: interaction_id is required", i))
			continue
		}
		if in.ObservedAt.IsZero() {
			in.ObservedAt = time.Now().UTC()
		}
		sig, ok := h.observer.Observe(r.Context(), in.AssetID, in)
		if !ok {
			resp.Discarded++
			continue
		}
		resp.Accepted++
		resp.SignalIDs = append(resp.SignalIDs, sig.SignalID)
	}

	status := http.StatusAccepted
	if len(resp.Errors) == len(req.Interactions) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// HandleTeardown handles POST /v1/teardown.
func (h *Handler) HandleTeardown(w http.ResponseWriter, r *http.Request) {
	var req TeardownRequest
	if !h.decode(w, r, &req) {
		return
	}

	rb, err := h.teardowns.Teardown(r.Context(), req.AssetID, req.Operator)
	h.recordTeardown(r, req, rb, err)
	if err != nil && rb == nil {
		h.writeError(w, err)
		return
	}
	if rb == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"asset_id": req.AssetID,
			"status":   "not_deployed",
		})
		return
	}

	h.logger.Info("operator teardown",
		"asset_id", req.AssetID,
		"operator", req.Operator,
		"rollback_id", rb.RollbackID,
		"status", rb.Status,
	)
	writeJSON(w, rollbackStatus(rb.Status), rb)
}

// HandleEmergency handles POST /v1/emergency-teardown.
func (h *Handler) HandleEmergency(w http.ResponseWriter, r *http.Request) {
	var req EmergencyTeardownRequest
	if !h.decode(w, r, &req) {
		return
	}

	rb, err := h.teardowns.Emergency(r.Context(), req.IncidentID, req.AssetIDs, req.RequestedBy)
	h.record(r, audit.Event{
		Type:       audit.EventEmergencyTeardown,
		Severity:   audit.SeverityCritical,
		Message:    "emergency teardown",
		Actor:      req.RequestedBy,
		Target:     req.IncidentID,
		TargetType: "incident",
		Success:    err == nil,
		Error:      errorString(err),
		Data: map[string]any{
			"rollback_id": rb.RollbackID,
			"requested":   req.AssetIDs,
			"failed":      rb.FailedAssets(),
			"status":      string(rb.Status),
		},
	})
	if err != nil {
		h.logger.Error("emergency teardown left assets in SafeHalt",
			"incident_id", req.IncidentID,
			"failed", rb.FailedAssets(),
		)
	}
	writeJSON(w, rollbackStatus(rb.Status), rb)
}

// HandleResolve handles POST /v1/safe-halt/resolve.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.teardowns.ResolveSafeHalt(req.AssetID, req.Operator, req.Note)
	h.record(r, audit.Event{
		Type:       audit.EventSafeHaltResolved,
		Severity:   audit.SeverityWarning,
		Message:    "SafeHalt resolved",
		Actor:      req.Operator,
		Target:     req.AssetID,
		TargetType: "asset",
		Success:    err == nil,
		Error:      errorString(err),
		Data:       map[string]any{"note": req.Note},
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) recordTeardown(r *http.Request, req TeardownRequest, rb *teardown.RollbackRecord, err error) {
	ev := audit.Event{
		Type:       audit.EventOperatorTeardown,
		Message:    "operator teardown",
		Actor:      req.Operator,
		Target:     req.AssetID,
		TargetType: "asset",
		Success:    err == nil,
		Error:      errorString(err),
	}
	if rb != nil {
		ev.Data = map[string]any{"rollback_id": rb.RollbackID, "status": string(rb.Status)}
	} else if err == nil {
		ev.Data = map[string]any{"status": "not_deployed"}
	}
	h.record(r, ev)
}

// record writes ev to the auditor. An audit failure is logged but does not
// change the response; the action has already happened.
func (h *Handler) record(r *http.Request, ev audit.Event) {
	if h.auditor == nil {
		return
	}
	ev.ActorIP = remoteHost(r)
	if err := h.auditor.Log(r.Context(), ev); err != nil {
		h.logger.Error("failed to write audit entry", "type", ev.Type, "target", ev.Target, "error", err)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return faults.SanitizeString(err.Error())
}

// decode reads a size-limited JSON body into v and validates it. It writes
// the error response and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload too large", "")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body", "")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", faults.SanitizeString(err.Error()))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid request", validationDetails(err))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, deploy.ErrRecordNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, deploy.ErrStatusMismatch):
		status, code = http.StatusConflict, "STATUS_CONFLICT"
	case errors.Is(err, teardown.ErrOperatorRequired), errors.Is(err, teardown.ErrIncidentRequired):
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	case faults.KindOf(err) != "":
		status, code = http.StatusConflict, string(faults.KindOf(err))
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("control request failed", "error", err)
	}
	writeJSONError(w, status, code, faults.SafeMessage(err), "")
}

// rollbackStatus maps a rollback outcome to a response code. A failed
// rollback still returns the record so the caller sees which assets halted.
func rollbackStatus(s teardown.Status) int {
	if s == teardown.StatusFailed {
		return http.StatusConflict
	}
	return http.StatusOK
}

func validationDetails(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed on %s", fe.Namespace(), fe.Tag())
}
