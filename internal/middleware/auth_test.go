package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"boundary-deception/internal/config"
)

func TestAPIKeyMiddleware(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, APIKeyHeader: "X-API-Key", APIKeys: []string{"alpha", "bravo"}}
	h := APIKeyMiddleware(cfg, nil)(okHandler)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"first key", "alpha", http.StatusOK},
		{"second key", "bravo", http.StatusOK},
		{"wrong key", "charlie", http.StatusUnauthorized},
		{"prefix of key", "alph", http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/teardown", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), "UNAUTHORIZED") {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestAPIKeyMiddleware_Disabled(t *testing.T) {
	h := APIKeyMiddleware(config.AuthConfig{Enabled: false}, nil)(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/teardown", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Chain(okHandler, mw("a"), mw("b"), mw("c")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("order = %v", order)
	}
}
