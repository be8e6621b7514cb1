package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotSet is returned when a referenced environment variable is missing.
var ErrNotSet = errors.New("environment variable not set")

// EnvResolver resolves secret references of the form "env(VAR_NAME)"
// by reading from environment variables.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// IsRef reports whether s has the env(VAR_NAME) form.
func IsRef(s string) bool {
	_, ok := refName(s)
	return ok
}

func refName(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "env(") || !strings.HasSuffix(s, ")") {
		return "", false
	}
	name := strings.TrimSpace(s[4 : len(s)-1])
	return name, name != ""
}

// Resolve looks up an env() reference and returns the value.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	name, ok := refName(ref)
	if !ok {
		return "", fmt.Errorf("unsupported secret reference format: %q (expected env(VAR_NAME))", ref)
	}
	value, ok := r.lookup(name)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrNotSet, name)
	}
	return value, nil
}
