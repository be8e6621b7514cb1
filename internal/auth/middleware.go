package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Options configures Middleware.
type Options struct {
	// APIKey is the expected key. Empty rejects every protected request.
	APIKey string
	// Disabled lets every request through.
	Disabled bool
	// SkipPaths are served without authentication, e.g. "/healthz".
	SkipPaths []string
	// Limiter, when set, blocks clients after repeated failures.
	Limiter *RateLimiter
}

// Middleware returns an HTTP middleware that validates API key authentication.
func Middleware(opts Options) func(http.Handler) http.Handler {
	skipSet := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skipSet[p] = true
	}
	rl := opts.Limiter

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Disabled || skipSet[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := ClientIPKeyFunc(r)
			if rl != nil && rl.IsAuthBlocked(clientIP) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", rl.AuthBlockRetryAfter(clientIP)))
				writeAuthError(w, http.StatusTooManyRequests, "Too many failed authentication attempts. Try again later.")
				return
			}

			if opts.APIKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "API key not configured")
				return
			}

			key, ok := KeyFromRequest(r)
			if !ok {
				if rl != nil {
					rl.AuthFailure(clientIP)
				}
				writeAuthError(w, http.StatusUnauthorized, "missing credentials, expected 'Authorization: Bearer <key>' or 'X-API-Key'")
				return
			}
			if !ValidateKey(key, opts.APIKey) {
				if rl != nil {
					rl.AuthFailure(clientIP)
				}
				writeAuthError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			if rl != nil {
				rl.AuthSuccess(clientIP)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   http.StatusText(status),
		"message": message,
	})
}
