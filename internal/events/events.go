// Package events defines structured events emitted while a conversation
// cycle runs.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	CycleStarted     Type = "cycle.started"
	ActionRequested  Type = "action.requested"
	ActionDispatched Type = "action.dispatched"
	CycleCompleted   Type = "cycle.completed"
	CycleFailed      Type = "cycle.failed"
	UserRejected     Type = "user.rejected"
	SessionReset     Type = "session.reset"
)

// Event is a structured event emitted during a cycle.
type Event struct {
	Type          Type           `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	UserID        string         `json:"user_id"`
	Data          map[string]any `json:"data,omitempty"`
}

// New creates a new event for a user.
func New(eventType Type, correlationID, userID string) *Event {
	return &Event{
		Type:          eventType,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		UserID:        userID,
	}
}

// WithData adds data fields to the event and returns it for chaining.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers.
type Emitter interface {
	Emit(event *Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// CollectorEmitter collects events in memory for testing.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of the collected events.
func (c *CollectorEmitter) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

// Types returns the collected event types in order.
func (c *CollectorEmitter) Types() []Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Type, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

// LogEmitter writes events to a logger at debug level.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements Emitter.
func (l LogEmitter) Emit(e *Event) {
	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String("user_id", e.UserID),
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", e.CorrelationID))
	}
	for k, v := range e.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.Logger.LogAttrs(context.Background(), slog.LevelDebug, "event", attrs...)
}

// Multi fans an event out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(e *Event) {
	for _, em := range m {
		em.Emit(e)
	}
}
