package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/szaher/assistantgpt/internal/llm"
)

var (
	ErrActionNotFound  = errors.New("action not found")
	ErrDuplicateAction = errors.New("action already registered")
	ErrInvalidSpec     = errors.New("invalid action spec")
)

type entry struct {
	spec     Spec
	executor Executor
	schema   *gojsonschema.Schema
}

// Registry maps action names to their specs and executors. It is filled at
// startup and read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds an action. Duplicate names, empty names and schemas that do
// not compile are configuration errors.
func (r *Registry) Register(spec Spec, executor Executor) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSpec)
	}
	if executor == nil {
		return fmt.Errorf("%w: %q has no executor", ErrInvalidSpec, spec.Name)
	}
	if spec.Schema == nil {
		spec.Schema = map[string]any{"type": "object"}
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.Schema))
	if err != nil {
		return fmt.Errorf("%w: %q schema: %v", ErrInvalidSpec, spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateAction, spec.Name)
	}
	r.entries[spec.Name] = &entry{spec: spec, executor: executor, schema: compiled}
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(spec Spec, executor Executor) {
	if err := r.Register(spec, executor); err != nil {
		panic(err)
	}
}

// Resolve returns the executor registered under name.
func (r *Registry) Resolve(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrActionNotFound, name)
	}
	return e.executor, nil
}

// Specs returns all registered specs sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.entries))
	for _, e := range r.entries {
		specs = append(specs, e.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Catalogue returns the specs as model tool definitions.
func (r *Registry) Catalogue() []llm.ToolDefinition {
	specs := r.Specs()
	defs := make([]llm.ToolDefinition, len(specs))
	for i, s := range specs {
		defs[i] = llm.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: s.Schema,
		}
	}
	return defs
}

// Validate checks the call's arguments against the registered schema.
func (r *Registry) Validate(call Call) error {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrActionNotFound, call.Name)
	}
	return validateArguments(e.schema, call)
}

func validateArguments(schema *gojsonschema.Schema, call Call) error {
	if call.ParseError != "" {
		return InvalidArgumentsf("arguments are not a JSON object: %s", call.ParseError)
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return InvalidArgumentsf("%v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return InvalidArgumentsf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

// Dispatch resolves, validates and executes a call exactly once. It always
// returns an Outcome: unknown names, schema mismatches, executor failures
// and executor panics all become failures.
func (r *Registry) Dispatch(ctx context.Context, call Call) (out Outcome) {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Failure(KindUnknownAction, fmt.Sprintf("action %q does not exist; available actions: %s",
			call.Name, strings.Join(r.names(), ", ")))
	}

	if err := validateArguments(e.schema, call); err != nil {
		return FromError(err)
	}

	defer func() {
		if p := recover(); p != nil {
			out = Failure(KindExternalError, fmt.Sprintf("action %q panicked: %v", call.Name, p))
		}
	}()
	return e.executor.Execute(ctx, call.Arguments)
}

func (r *Registry) names() []string {
	specs := r.Specs()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}
