package topology

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"boundary-deception/internal/asset"
)

// ClientConfig holds configuration for the remote topology scanner client.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL: "http://localhost:9100",
		Timeout: 5 * time.Second,
	}
}

// Client queries a remote topology scanner over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new topology scanner client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type overlapResponse struct {
	Overlap bool   `json:"overlap"`
	Reason  string `json:"reason,omitempty"`
}

// QueryOverlap implements Scanner.
func (c *Client) QueryOverlap(ctx context.Context, fp asset.Footprint) (bool, error) {
	body, err := json.Marshal(fp)
	if err != nil {
		return false, fmt.Errorf("failed to encode footprint: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/overlap", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("overlap query failed: %w", err)
	}
	defer resp.Body.Close()

	var out overlapResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode overlap response: %w", err)
	}
	return out.Overlap, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return resp, nil
}
