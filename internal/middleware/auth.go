package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"boundary-deception/internal/config"
)

// APIKeyMiddleware rejects requests that do not carry one of the configured
// keys in cfg.APIKeyHeader. Keys are compared in constant time.
func APIKeyMiddleware(cfg config.AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Warn("control listener authentication disabled")
		return func(next http.Handler) http.Handler { return next }
	}

	header := cfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	digests := make([][sha256.Size]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			digests = append(digests, sha256.Sum256([]byte(k)))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(header)
			if presented == "" || !matchKey(digests, presented) {
				logger.Warn("unauthorized control request",
					"ip", getClientIP(r, false),
					"path", r.URL.Path,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"code":    "UNAUTHORIZED",
					"message": "missing or invalid API key",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func matchKey(digests [][sha256.Size]byte, presented string) bool {
	d := sha256.Sum256([]byte(presented))
	match := 0
	for i := range digests {
		match |= subtle.ConstantTimeCompare(digests[i][:], d[:])
	}
	return match == 1
}

// Chain applies middlewares so that the first one listed runs first.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
