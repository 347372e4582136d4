package asset

import "time"

// Interaction is a single observed touch of a deployed asset, reported by a
// sandbox runtime or a host agent.
type Interaction struct {
	ID         string            `json:"interaction_id"`
	AssetID    string            `json:"asset_id"`
	Type       string            `json:"interaction_type"`
	Source     string            `json:"source,omitempty"`
	Port       int               `json:"port,omitempty"`
	Path       string            `json:"path,omitempty"`
	Principal  string            `json:"principal,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
