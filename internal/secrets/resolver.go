// Package secrets resolves credential references in configuration and keeps
// resolved values out of log output.
package secrets

import (
	"context"
	"fmt"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	// Resolve looks up a secret reference such as "env(VAR_NAME)".
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveInPlace replaces every reference among values with its resolved
// value. Plain values are left as they are. Every resulting non-empty value
// is registered with filter, when given, so it never reaches the logs.
func ResolveInPlace(ctx context.Context, r Resolver, filter *RedactFilter, values ...*string) error {
	for _, v := range values {
		if v == nil || *v == "" {
			continue
		}
		if IsRef(*v) {
			resolved, err := r.Resolve(ctx, *v)
			if err != nil {
				return fmt.Errorf("resolve secret: %w", err)
			}
			*v = resolved
		}
		if filter != nil {
			filter.AddSecret(*v)
		}
	}
	return nil
}
