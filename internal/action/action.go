// Package action declares the actions the model may request, validates their
// arguments and dispatches each call to exactly one executor.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed action outcome.
type ErrorKind string

const (
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindUnknownAction    ErrorKind = "unknown_action"
	KindExternalError    ErrorKind = "external_error"
)

// ErrInvalidArguments marks executor errors caused by bad call arguments.
var ErrInvalidArguments = errors.New("invalid arguments")

// InvalidArgumentsf returns an error wrapping ErrInvalidArguments.
func InvalidArgumentsf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArguments, fmt.Sprintf(format, args...))
}

// Spec is the static declaration of an action sent to the model.
// Schema is a JSON Schema object describing the arguments.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// Call is one requested action invocation.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	// ParseError is set when the model's arguments could not be decoded.
	ParseError string `json:"parse_error,omitempty"`
}

// Outcome is the result of one action invocation. It is always
// serializable so the model can react to failures conversationally.
type Outcome struct {
	OK      bool      `json:"ok"`
	Value   any       `json:"value,omitempty"`
	Kind    ErrorKind `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Success returns a successful outcome carrying v.
func Success(v any) Outcome {
	return Outcome{OK: true, Value: v}
}

// Failure returns a failed outcome.
func Failure(kind ErrorKind, message string) Outcome {
	return Outcome{Kind: kind, Message: message}
}

// FromError converts an executor error into a failed outcome.
func FromError(err error) Outcome {
	if errors.Is(err, ErrInvalidArguments) {
		return Failure(KindInvalidArguments, err.Error())
	}
	return Failure(KindExternalError, err.Error())
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool { return !o.OK }

// Render returns the JSON text fed back to the model.
func (o Outcome) Render() string {
	data, err := json.Marshal(o)
	if err != nil {
		fallback, _ := json.Marshal(Failure(KindExternalError, "unserializable result: "+err.Error()))
		return string(fallback)
	}
	return string(data)
}

// Executor performs one action. Implementations never panic or return
// errors past this boundary: every problem is an Outcome.
type Executor interface {
	Execute(ctx context.Context, args map[string]any) Outcome
}

// Func adapts a function returning a value or an error into an Executor.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Execute calls f and converts its result.
func (f Func) Execute(ctx context.Context, args map[string]any) Outcome {
	v, err := f(ctx, args)
	if err != nil {
		return FromError(err)
	}
	return Success(v)
}
