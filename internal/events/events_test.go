package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSON(t *testing.T) {
	e := New(ActionDispatched, "corr-1", "42").WithData("action", "compute_date").WithData("ok", true)
	data, err := e.JSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "action.dispatched", decoded["type"])
	assert.Equal(t, "42", decoded["user_id"])
	assert.Equal(t, map[string]any{"action": "compute_date", "ok": true}, decoded["data"])
}

func TestEmitters(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	collector := &CollectorEmitter{}

	em := Multi{NoopEmitter{}, collector, LogEmitter{Logger: logger}}
	em.Emit(New(CycleStarted, "c", "7"))
	em.Emit(New(CycleCompleted, "c", "7").WithData("dispatches", 2))

	assert.Equal(t, []Type{CycleStarted, CycleCompleted}, collector.Types())
	assert.Len(t, collector.Events(), 2)
	assert.Contains(t, buf.String(), "event=cycle.completed")
	assert.Contains(t, buf.String(), "dispatches=2")
}
