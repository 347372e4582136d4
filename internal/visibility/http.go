package visibility

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boundary-deception/internal/security/signing"
	"boundary-deception/internal/security/watchdog"
)

// APIError is the JSON error body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
		Details: details,
	}); err != nil {
		slog.Error("failed to write error response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func list[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

// Handler returns the read-only HTTP surface. Every route answers GET only;
// any other method gets 405.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/deployments", g.handleDeployments)
	mux.HandleFunc("/v1/deployments/{id}", g.handleDeployment)
	mux.HandleFunc("/v1/deployments/{id}/health", g.handleHealth)
	mux.HandleFunc("/v1/assets/{id}/interactions", g.handleInteractions)
	mux.HandleFunc("/v1/assets/{id}/playbooks", g.handlePlaybooks)
	mux.HandleFunc("/v1/no-actions", g.handleNoActions)
	mux.HandleFunc("/v1/rejections", g.handleRejections)
	mux.HandleFunc("/v1/deploy-refusals", g.handleDeployRefusals)
	mux.HandleFunc("/v1/dropped-signals", g.handleDroppedSignals)
	mux.HandleFunc("/v1/rollbacks", g.handleRollbacks)
	mux.HandleFunc("/v1/interventions", g.handleInterventions)
	mux.HandleFunc("/v1/signal-key", g.handleSignalKey)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", g.handleServiceHealth)
	return ReadOnly(mux)
}

type serviceHealthResponse struct {
	Status  string           `json:"status"`
	Message string           `json:"message,omitempty"`
	Checks  []watchdog.Check `json:"checks,omitempty"`
}

// handleServiceHealth reports the last watchdog round. Only a failing
// critical check turns the response into a 503.
func (g *Gateway) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	if g.service == nil {
		writeJSON(w, http.StatusOK, serviceHealthResponse{Status: "ok"})
		return
	}
	h := g.service.Health()
	switch {
	case h == nil:
		writeJSON(w, http.StatusOK, serviceHealthResponse{Status: "starting"})
	case !h.Healthy:
		writeJSON(w, http.StatusServiceUnavailable, serviceHealthResponse{Status: "unhealthy", Message: h.Message, Checks: h.Checks})
	case h.Degraded:
		writeJSON(w, http.StatusOK, serviceHealthResponse{Status: "degraded", Message: h.Message, Checks: h.Checks})
	default:
		writeJSON(w, http.StatusOK, serviceHealthResponse{Status: "ok", Checks: h.Checks})
	}
}

// ReadOnly rejects every request that is not GET or HEAD.
func ReadOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeJSONError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
				"visibility endpoints are read-only", r.Method)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleDeployments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, list(g.Deployments()))
}

func (g *Gateway) handleDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, ok := g.Deployment(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no deployment for asset", id)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, ok := g.Health(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no deployment for asset", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset_id": id, "health": string(h)})
}

func (g *Gateway) handleInteractions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, list(g.Interactions(r.PathValue("id"))))
}

func (g *Gateway) handlePlaybooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, list(g.TriggeredPlaybooks(r.PathValue("id"))))
}

func (g *Gateway) handleNoActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, list(g.NoActions()))
}

func (g *Gateway) handleRejections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, list(g.Rejections()))
}

func (g *Gateway) handleDeployRefusals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, list(g.DeploymentRejections()))
}

func (g *Gateway) handleDroppedSignals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, list(g.DroppedSignals()))
}

func (g *Gateway) handleRollbacks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, list(g.Rollbacks()))
}

// handleSignalKey publishes the key consumers use to verify signal
// signatures.
func (g *Gateway) handleSignalKey(w http.ResponseWriter, r *http.Request) {
	if g.signalKey == nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no signal verification key configured", "")
		return
	}
	pemBytes, err := signing.MarshalPublicKeyPEM(g.signalKey)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to encode signal key", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"algorithm":  "ed25519",
		"public_key": string(pemBytes),
	})
}

func (g *Gateway) handleInterventions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, list(g.RequiringIntervention()))
}
