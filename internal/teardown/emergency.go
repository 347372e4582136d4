package teardown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// EmergencyRequest is an emergency teardown request from the playbook
// engine. An empty AssetIDs list means every deployed asset.
type EmergencyRequest struct {
	IncidentID  string   `json:"incident_id"`
	AssetIDs    []string `json:"asset_ids,omitempty"`
	RequestedBy string   `json:"requested_by,omitempty"`
}

// ErrIncidentRequired is returned for an emergency request without an incident id.
var ErrIncidentRequired = errors.New("teardown: incident_id is required")

// Validate checks r.
func (r EmergencyRequest) Validate() error {
	if r.IncidentID == "" {
		return ErrIncidentRequired
	}
	return nil
}

// DecodeEmergencyRequest parses a JSON emergency request.
func DecodeEmergencyRequest(data []byte) (EmergencyRequest, error) {
	var r EmergencyRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode emergency request: %w", err)
	}
	return r, r.Validate()
}

// HandleEmergencyMessage runs the emergency teardown encoded in data.
// Malformed requests and SafeHalt outcomes are logged, and nil is returned
// so the message is committed either way.
func (e *Engine) HandleEmergencyMessage(ctx context.Context, data []byte) error {
	req, err := DecodeEmergencyRequest(data)
	if err != nil {
		e.logger.Error("malformed emergency teardown request dropped", "error", err)
		return nil
	}
	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = "playbook-engine"
	}
	if _, err := e.Emergency(ctx, req.IncidentID, req.AssetIDs, requestedBy); err != nil {
		e.logger.Error("emergency teardown left assets in SafeHalt",
			"incident_id", req.IncidentID,
			"error", err,
		)
	}
	return nil
}
