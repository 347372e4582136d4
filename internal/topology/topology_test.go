package topology

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/faults"
)

func TestGuard_Check(t *testing.T) {
	fp := asset.Footprint{Ports: []int{2222}}

	tests := []struct {
		name    string
		scanner Scanner
		wantErr bool
	}{
		{"clear", ScannerFunc(func(context.Context, asset.Footprint) (bool, error) { return false, nil }), false},
		{"overlap", ScannerFunc(func(context.Context, asset.Footprint) (bool, error) { return true, nil }), true},
		{"error", ScannerFunc(func(context.Context, asset.Footprint) (bool, error) {
			return false, errors.New("connection refused")
		}), true},
		{"timeout", ScannerFunc(func(ctx context.Context, _ asset.Footprint) (bool, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return false, nil
		}), true},
		{"nil scanner", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(tt.scanner, 50*time.Millisecond)
			err := g.Check(context.Background(), "decoy-1", fp)
			if tt.wantErr {
				if !errors.Is(err, faults.ErrProductionOverlap) {
					t.Errorf("expected ProductionOverlap, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestGuard_TimeoutIsReported(t *testing.T) {
	blocking := ScannerFunc(func(ctx context.Context, _ asset.Footprint) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	err := NewGuard(blocking, 20*time.Millisecond).Check(context.Background(), "a", asset.Footprint{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestStaticScanner(t *testing.T) {
	s, err := NewStaticScanner(StaticConfig{
		Ports:      DefaultProductionPorts,
		CIDRs:      []string{"10.0.0.0/16"},
		Principals: []string{"Administrator"},
		Paths:      []string{"srv/app"},
	})
	if err != nil {
		t.Fatalf("NewStaticScanner: %v", err)
	}

	tests := []struct {
		name string
		fp   asset.Footprint
		want bool
	}{
		{"decoy port", asset.Footprint{Ports: []int{2222}}, false},
		{"production port", asset.Footprint{Ports: []int{2222, 443}}, true},
		{"production address", asset.Footprint{Address: "10.0.4.2"}, true},
		{"decoy address", asset.Footprint{Address: "10.50.0.10"}, false},
		{"production principal", asset.Footprint{Principal: "administrator"}, true},
		{"decoy principal", asset.Footprint{Principal: "svc-backup"}, false},
		{"production path", asset.Footprint{Path: "srv/app/config.yaml"}, true},
		{"sibling path", asset.Footprint{Path: "srv/application"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryOverlap(context.Background(), tt.fp)
			if err != nil {
				t.Fatalf("QueryOverlap: %v", err)
			}
			if got != tt.want {
				t.Errorf("QueryOverlap = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := s.QueryOverlap(context.Background(), asset.Footprint{Address: "bogus"}); err == nil {
		t.Error("expected error for invalid address")
	}
	if _, err := NewStaticScanner(StaticConfig{CIDRs: []string{"nope"}}); err == nil {
		t.Error("expected error for invalid CIDR")
	}
}

func TestMulti(t *testing.T) {
	pass := ScannerFunc(func(context.Context, asset.Footprint) (bool, error) { return false, nil })
	hit := ScannerFunc(func(context.Context, asset.Footprint) (bool, error) { return true, nil })

	if got, _ := (Multi{pass, pass}).QueryOverlap(context.Background(), asset.Footprint{}); got {
		t.Error("expected no overlap")
	}
	if got, _ := (Multi{pass, hit}).QueryOverlap(context.Background(), asset.Footprint{}); !got {
		t.Error("expected overlap")
	}
}

func TestClient_QueryOverlap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/overlap" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Errorf("missing API key header")
		}
		var fp asset.Footprint
		if err := json.NewDecoder(r.Body).Decode(&fp); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(overlapResponse{Overlap: fp.Address == "10.0.0.5"})
	}))
	defer server.Close()

	c := NewClient(ClientConfig{BaseURL: server.URL, APIKey: "k", Timeout: time.Second})

	got, err := c.QueryOverlap(context.Background(), asset.Footprint{Address: "10.0.0.5"})
	if err != nil || !got {
		t.Errorf("QueryOverlap = %v, %v; want true", got, err)
	}
	got, err = c.QueryOverlap(context.Background(), asset.Footprint{Address: "10.9.0.5"})
	if err != nil || got {
		t.Errorf("QueryOverlap = %v, %v; want false", got, err)
	}
}

func TestClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(ClientConfig{BaseURL: server.URL, Timeout: time.Second})
	if _, err := c.QueryOverlap(context.Background(), asset.Footprint{}); err == nil {
		t.Error("expected error for 503")
	}
}
