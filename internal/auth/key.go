// Package auth provides API key validation, HTTP authentication middleware
// and per-client rate limiting for the HTTP API.
package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// DefaultEnvVar is the environment variable name for the API key.
const DefaultEnvVar = "ASSISTANT_API_KEY"

// ValidateKey performs timing-safe comparison of the provided key
// against the expected key. An empty expected key never matches.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromEnv reads the API key from the environment variable.
func KeyFromEnv() string {
	return os.Getenv(DefaultEnvVar)
}

// KeyFromRequest extracts a key from "Authorization: Bearer <key>" or the
// X-API-Key header. ok is false when neither is present or the
// Authorization header has another scheme.
func KeyFromRequest(r *http.Request) (key string, ok bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", false
		}
		return strings.TrimSpace(strings.TrimPrefix(h, prefix)), true
	}
	if h := r.Header.Get("X-API-Key"); h != "" {
		return h, true
	}
	return "", false
}
