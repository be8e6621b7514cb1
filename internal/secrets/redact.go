package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces secret values in log output.
const Placeholder = "***REDACTED***"

// RedactFilter wraps a slog handler to scrub resolved secret values from log output.
type RedactFilter struct {
	inner   slog.Handler
	mu      *sync.RWMutex
	secrets map[string]bool
}

// NewRedactFilter creates a log handler that redacts known secret values.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{
		inner:   inner,
		mu:      &sync.RWMutex{},
		secrets: make(map[string]bool),
	}
}

// AddSecret registers a value to be redacted from log output.
func (f *RedactFilter) AddSecret(value string) {
	if value == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[value] = true
}

func (f *RedactFilter) snapshot() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.secrets))
	for s := range f.secrets {
		out = append(out, s)
	}
	return out
}

// Enabled delegates to the inner handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle redacts secret values from the message and attributes.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	secrets := f.snapshot()
	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}

	redacted := slog.NewRecord(record.Time, record.Level, replaceAll(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return f.inner.Handle(ctx, redacted)
}

// WithAttrs redacts the attributes before handing them to the inner
// handler. The child shares the parent's secret set.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := f.snapshot()
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a, secrets)
	}
	return &RedactFilter{
		inner:   f.inner.WithAttrs(clean),
		mu:      f.mu,
		secrets: f.secrets,
	}
}

// WithGroup delegates to the inner handler.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{
		inner:   f.inner.WithGroup(name),
		mu:      f.mu,
		secrets: f.secrets,
	}
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, replaceAll(v.String(), secrets))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = redactAttr(g, secrets)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, replaceAll(err.Error(), secrets))
		}
	}
	return a
}

func replaceAll(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	return s
}

// RedactString replaces any known secret values in a string with a placeholder.
func (f *RedactFilter) RedactString(s string) string {
	return replaceAll(s, f.snapshot())
}
