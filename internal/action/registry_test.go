package action

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Text  string `json:"text" jsonschema:"description=Text to echo"`
	Times int    `json:"times,omitempty" jsonschema:"minimum=1,maximum=3"`
}

func echoAction() (Spec, Executor) {
	spec := Spec{
		Name:        "echo",
		Description: "Echo text back",
		Schema:      SchemaFor[echoArgs](),
	}
	exec := Func(func(_ context.Context, args map[string]any) (any, error) {
		a, err := Decode[echoArgs](args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": a.Text}, nil
	})
	return spec, exec
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	spec, exec := echoAction()
	require.NoError(t, r.Register(spec, exec))

	got, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = r.Resolve("sendEmail")
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	spec, exec := echoAction()
	require.NoError(t, r.Register(spec, exec))

	err := r.Register(spec, exec)
	assert.ErrorIs(t, err, ErrDuplicateAction)

	assert.Panics(t, func() { r.MustRegister(spec, exec) })
}

func TestRegistryRejectsInvalidSpecs(t *testing.T) {
	r := NewRegistry()
	_, exec := echoAction()

	assert.ErrorIs(t, r.Register(Spec{Name: " "}, exec), ErrInvalidSpec)
	assert.ErrorIs(t, r.Register(Spec{Name: "noop"}, nil), ErrInvalidSpec)
	assert.ErrorIs(t, r.Register(Spec{Name: "bad", Schema: map[string]any{"type": 42}}, exec), ErrInvalidSpec)
}

func TestRegistryCatalogueSorted(t *testing.T) {
	r := NewRegistry()
	noop := Func(func(context.Context, map[string]any) (any, error) { return nil, nil })
	r.MustRegister(Spec{Name: "zeta"}, noop)
	r.MustRegister(Spec{Name: "alpha", Description: "first"}, noop)

	defs := r.Catalogue()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "first", defs[0].Description)
	assert.Equal(t, "zeta", defs[1].Name)
	assert.Equal(t, "object", defs[1].InputSchema["type"])
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	spec, exec := echoAction()
	r.MustRegister(spec, exec)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		out := r.Dispatch(ctx, Call{ID: "1", Name: "echo", Arguments: map[string]any{"text": "hi"}})
		require.True(t, out.OK, out.Message)
		assert.Equal(t, map[string]any{"text": "hi"}, out.Value)
	})

	t.Run("unknown action", func(t *testing.T) {
		out := r.Dispatch(ctx, Call{ID: "2", Name: "sendEmail"})
		assert.False(t, out.OK)
		assert.Equal(t, KindUnknownAction, out.Kind)
		assert.Contains(t, out.Message, "sendEmail")
		assert.Contains(t, out.Message, "echo")
	})

	t.Run("missing required argument", func(t *testing.T) {
		out := r.Dispatch(ctx, Call{ID: "3", Name: "echo", Arguments: map[string]any{}})
		assert.Equal(t, KindInvalidArguments, out.Kind)
	})

	t.Run("nil arguments", func(t *testing.T) {
		out := r.Dispatch(ctx, Call{ID: "4", Name: "echo"})
		assert.Equal(t, KindInvalidArguments, out.Kind)
	})

	t.Run("out of range", func(t *testing.T) {
		out := r.Dispatch(ctx, Call{ID: "5", Name: "echo", Arguments: map[string]any{"text": "x", "times": 9.0}})
		assert.Equal(t, KindInvalidArguments, out.Kind)
	})

	t.Run("unknown property", func(t *testing.T) {
		out := r.Dispatch(ctx, Call{ID: "6", Name: "echo", Arguments: map[string]any{"text": "x", "loud": true}})
		assert.Equal(t, KindInvalidArguments, out.Kind)
	})

	t.Run("unparseable arguments", func(t *testing.T) {
		out := r.Dispatch(ctx, Call{ID: "7", Name: "echo", ParseError: "unexpected end of JSON input"})
		assert.Equal(t, KindInvalidArguments, out.Kind)
		assert.Contains(t, out.Message, "unexpected end")
	})
}

func TestRegistryDispatchRecoversPanics(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Spec{Name: "boom"}, Func(func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	}))

	out := r.Dispatch(context.Background(), Call{Name: "boom", Arguments: map[string]any{}})
	assert.False(t, out.OK)
	assert.Equal(t, KindExternalError, out.Kind)
	assert.Contains(t, out.Message, "kaboom")
}

func TestRegistryDispatchExecutorErrors(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Spec{Name: "remote"}, Func(func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("service unavailable")
	}))
	r.MustRegister(Spec{Name: "picky"}, Func(func(context.Context, map[string]any) (any, error) {
		return nil, InvalidArgumentsf("weekday must be 1-7")
	}))

	out := r.Dispatch(context.Background(), Call{Name: "remote"})
	assert.Equal(t, KindExternalError, out.Kind)
	assert.Contains(t, out.Message, "service unavailable")

	out = r.Dispatch(context.Background(), Call{Name: "picky"})
	assert.Equal(t, KindInvalidArguments, out.Kind)
}

func TestOutcomeRender(t *testing.T) {
	var decoded map[string]any

	require.NoError(t, json.Unmarshal([]byte(Success(map[string]any{"date": "2024-02-29"}).Render()), &decoded))
	assert.Equal(t, true, decoded["ok"])
	assert.Equal(t, map[string]any{"date": "2024-02-29"}, decoded["value"])
	assert.NotContains(t, decoded, "error")

	decoded = nil
	require.NoError(t, json.Unmarshal([]byte(Failure(KindUnknownAction, "no such action").Render()), &decoded))
	assert.Equal(t, false, decoded["ok"])
	assert.Equal(t, "unknown_action", decoded["error"])
	assert.Equal(t, "no such action", decoded["message"])

	out := Success(make(chan int))
	assert.Contains(t, out.Render(), "external_error")
}

func TestSchemaFor(t *testing.T) {
	schema := SchemaFor[echoArgs]()
	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "text")
	assert.Contains(t, props, "times")
	assert.ElementsMatch(t, []any{"text"}, schema["required"])
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode[echoArgs](map[string]any{"text": "a", "extra": 1})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	a, err := Decode[echoArgs](map[string]any{"text": "a", "times": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Times)
}
