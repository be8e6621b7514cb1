// Package conversation runs the cycle that turns one user message into a
// final reply, dispatching the actions the language model requests along
// the way.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/szaher/assistantgpt/internal/access"
	"github.com/szaher/assistantgpt/internal/action"
	"github.com/szaher/assistantgpt/internal/dialogue"
	"github.com/szaher/assistantgpt/internal/events"
	"github.com/szaher/assistantgpt/internal/llm"
	"github.com/szaher/assistantgpt/internal/telemetry"
)

// Status is the terminal status of a cycle.
type Status string

const (
	StatusDone          Status = "done"
	StatusUnauthorized  Status = "unauthorized"
	StatusModelError    Status = "model_error"
	StatusLoopExhausted Status = "loop_exhausted"
	StatusStoreError    Status = "store_error"
	StatusCancelled     Status = "cancelled"
)

// State is a step of the cycle state machine.
type State int

const (
	AwaitingModel State = iota
	Dispatching
	ActionAnswered
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingModel:
		return "awaiting_model"
	case Dispatching:
		return "dispatching"
	case ActionAnswered:
		return "action_answered"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultMaxDispatches bounds the actions dispatched in one cycle.
const DefaultMaxDispatches = 5

// Result is the outcome of Handle. Text is always safe to send to the user.
type Result struct {
	Text          string         `json:"text"`
	Status        Status         `json:"status"`
	Dispatches    int            `json:"dispatches"`
	Usage         llm.TokenUsage `json:"usage"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Err           error          `json:"-"`
}

// Guard authorizes user identities.
type Guard interface {
	Check(userID string) error
}

// Dispatcher resolves and runs actions.
type Dispatcher interface {
	Catalogue() []llm.ToolDefinition
	Dispatch(ctx context.Context, call action.Call) action.Outcome
}

// Config holds the tunables of a cycle.
type Config struct {
	Model         string
	SystemPrompt  string
	MaxDispatches int
	MaxTokens     int
	Temperature   *float64
	// CycleTimeout bounds a cycle once it holds the user's lock.
	CycleTimeout time.Duration
}

// Orchestrator drives conversation cycles. It is safe for concurrent use:
// different users proceed in parallel, cycles of one user are serialized.
type Orchestrator struct {
	cfg     Config
	model   llm.Client
	actions Dispatcher
	store   dialogue.Store
	guard   Guard
	locks   *dialogue.Locker
	logger  *slog.Logger
	metrics *telemetry.Metrics
	emitter events.Emitter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics records cycle metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithLocker shares a Locker, e.g. with other front ends.
func WithLocker(l *dialogue.Locker) Option {
	return func(o *Orchestrator) { o.locks = l }
}

// New creates an Orchestrator.
func New(cfg Config, model llm.Client, actions Dispatcher, store dialogue.Store, guard Guard, opts ...Option) *Orchestrator {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxDispatches <= 0 {
		cfg.MaxDispatches = DefaultMaxDispatches
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 2 * time.Minute
	}
	o := &Orchestrator{
		cfg:     cfg,
		model:   model,
		actions: actions,
		store:   store,
		guard:   guard,
		locks:   dialogue.NewLocker(),
		logger:  slog.Default(),
		emitter: events.NoopEmitter{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Authorized reports whether userID may converse.
func (o *Orchestrator) Authorized(userID string) bool {
	return o.guard.Check(userID) == nil
}

// Handle runs one cycle for text from userID. It never returns an error:
// failures end the cycle with an apology and are reported in Result.
func (o *Orchestrator) Handle(ctx context.Context, userID, text string) Result {
	if telemetry.CorrelationID(ctx) == "" {
		ctx = telemetry.WithCorrelationID(ctx, "")
	}
	corrID := telemetry.CorrelationID(ctx)
	logger := telemetry.RequestLogger(ctx, o.logger, userID)

	if err := o.guard.Check(userID); err != nil {
		logger.Warn("message from unauthorized user rejected")
		o.emitter.Emit(events.New(events.UserRejected, corrID, userID))
		return Result{Text: access.RejectionMessage, Status: StatusUnauthorized, CorrelationID: corrID, Err: err}
	}

	unlock, err := o.locks.Lock(ctx, userID)
	if err != nil {
		logger.Info("cycle abandoned while waiting for the user lock", "error", err)
		return Result{Status: StatusCancelled, CorrelationID: corrID, Err: err}
	}
	defer unlock()

	// The cycle owns the lock now and must finish so the history stays
	// well formed, whatever happens to the caller.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CycleTimeout)
	defer cancel()

	c := &cycle{o: o, userID: userID, corrID: corrID, logger: logger, start: time.Now()}
	res := c.run(cctx, text)
	res.CorrelationID = corrID

	if o.metrics != nil {
		o.metrics.RecordCycle(string(res.Status), time.Since(c.start))
	}
	ev := events.CycleCompleted
	if res.Status != StatusDone {
		ev = events.CycleFailed
	}
	o.emitter.Emit(events.New(ev, corrID, userID).
		WithData("status", string(res.Status)).
		WithData("dispatches", res.Dispatches))

	attrs := []any{"status", res.Status, "dispatches", res.Dispatches,
		"tokens", res.Usage.Total(), "duration", time.Since(c.start)}
	if res.Err != nil {
		logger.Warn("cycle ended", append(attrs, "error", res.Err)...)
	} else {
		logger.Info("cycle ended", attrs...)
	}
	return res
}

// Reset clears the user's dialogue.
func (o *Orchestrator) Reset(ctx context.Context, userID string) error {
	if err := o.guard.Check(userID); err != nil {
		return err
	}
	unlock, err := o.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := o.store.Reset(context.WithoutCancel(ctx), userID); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	o.emitter.Emit(events.New(events.SessionReset, telemetry.CorrelationID(ctx), userID))
	return nil
}

// History returns the user's stored dialogue.
func (o *Orchestrator) History(ctx context.Context, userID string) ([]dialogue.Turn, error) {
	if err := o.guard.Check(userID); err != nil {
		return nil, err
	}
	return o.store.History(ctx, userID)
}

// Actions returns the action catalogue offered to the model.
func (o *Orchestrator) Actions() []llm.ToolDefinition {
	return o.actions.Catalogue()
}

type cycle struct {
	o      *Orchestrator
	userID string
	corrID string
	logger *slog.Logger
	start  time.Time

	turns      []dialogue.Turn
	state      State
	dispatches int
	usage      llm.TokenUsage
}

func (c *cycle) run(ctx context.Context, text string) Result {
	o := c.o
	o.emitter.Emit(events.New(events.CycleStarted, c.corrID, c.userID))

	history, err := o.store.History(ctx, c.userID)
	if err != nil {
		return c.storeFailure(fmt.Errorf("load history: %w", err))
	}
	c.turns = history

	opening := []dialogue.Turn{dialogue.User(text)}
	if len(history) == 0 {
		opening = append([]dialogue.Turn{dialogue.System(o.cfg.SystemPrompt)}, opening...)
	}
	if err := c.append(ctx, opening...); err != nil {
		return c.storeFailure(err)
	}

	c.state = AwaitingModel
	for {
		c.logger.Debug("cycle state", "state", c.state.String(), "dispatches", c.dispatches)
		switch c.state {
		case AwaitingModel, ActionAnswered:
			resp, err := c.askModel(ctx)
			if err != nil {
				return c.finishSynthetic(ctx, StatusModelError, ModelErrorMessage, err)
			}
			decision := Decide(resp)
			if decision.Kind == PlainReply {
				if decision.Text == "" {
					return c.finishSynthetic(ctx, StatusModelError, EmptyResponseMessage,
						fmt.Errorf("model returned an empty reply (stop reason %q)", resp.StopReason))
				}
				if err := c.append(ctx, dialogue.Assistant(decision.Text)); err != nil {
					return c.storeFailure(err)
				}
				c.state = Done
				return c.result(StatusDone, decision.Text, nil)
			}

			if decision.Dropped > 0 {
				c.logger.Warn("model requested several actions, keeping the first",
					"action", decision.Call.Name, "dropped", decision.Dropped)
			}
			if c.dispatches >= o.cfg.MaxDispatches {
				return c.finishSynthetic(ctx, StatusLoopExhausted, LoopExhaustedMessage,
					fmt.Errorf("action limit of %d reached, %q not dispatched", o.cfg.MaxDispatches, decision.Call.Name))
			}
			c.state = Dispatching
			if err := c.dispatch(ctx, decision); err != nil {
				return c.storeFailure(err)
			}
			c.state = ActionAnswered

		default:
			return c.storeFailure(fmt.Errorf("unexpected cycle state %s", c.state))
		}
	}
}

func (c *cycle) askModel(ctx context.Context) (*llm.ChatResponse, error) {
	o := c.o
	system, msgs := toMessages(c.turns)
	if system == "" {
		system = o.cfg.SystemPrompt
	}
	req := llm.ChatRequest{
		Model:       o.cfg.Model,
		System:      system,
		Messages:    msgs,
		Tools:       o.actions.Catalogue(),
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}

	start := time.Now()
	resp, err := o.model.Chat(ctx, req)
	if resp != nil {
		c.usage = c.usage.Add(resp.Usage)
	}
	if o.metrics != nil {
		var usage llm.TokenUsage
		if resp != nil {
			usage = resp.Usage
		}
		o.metrics.RecordModelCall(time.Since(start), err, usage.InputTokens, usage.OutputTokens)
	}
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	if resp == nil {
		return nil, errors.New("model call: nil response")
	}
	return resp, nil
}

// dispatch runs the call exactly once and stores the call together with its
// result, so the history never holds an unanswered call.
func (c *cycle) dispatch(ctx context.Context, d Decision) error {
	o := c.o
	call := d.Call
	o.emitter.Emit(events.New(events.ActionRequested, c.corrID, c.userID).WithData("action", call.Name))

	start := time.Now()
	outcome := o.actions.Dispatch(ctx, call)
	c.dispatches++

	label := "ok"
	if outcome.Failed() {
		label = string(outcome.Kind)
		c.logger.Info("action failed", "action", call.Name, "call_id", call.ID,
			"kind", outcome.Kind, "message", outcome.Message)
	} else {
		c.logger.Info("action dispatched", "action", call.Name, "call_id", call.ID,
			"duration", time.Since(start))
	}
	if o.metrics != nil {
		o.metrics.RecordDispatch(call.Name, label)
	}
	o.emitter.Emit(events.New(events.ActionDispatched, c.corrID, c.userID).
		WithData("action", call.Name).
		WithData("outcome", label))

	callTurn := dialogue.ActionCall(call)
	callTurn.Text = d.Text
	return c.append(ctx, callTurn, dialogue.ActionResult(call.ID, call.Name, outcome))
}

func (c *cycle) append(ctx context.Context, turns ...dialogue.Turn) error {
	if err := c.o.store.Append(ctx, c.userID, turns...); err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	c.turns = append(c.turns, turns...)
	return nil
}

// finishSynthetic ends the cycle with a locally generated reply that is
// stored as a synthetic assistant turn.
func (c *cycle) finishSynthetic(ctx context.Context, status Status, text string, cause error) Result {
	c.state = Done
	if err := c.append(ctx, dialogue.Synthetic(text)); err != nil {
		return c.result(StatusStoreError, StoreErrorMessage, errors.Join(cause, err))
	}
	return c.result(status, text, cause)
}

func (c *cycle) storeFailure(err error) Result {
	c.state = Done
	return c.result(StatusStoreError, StoreErrorMessage, err)
}

func (c *cycle) result(status Status, text string, err error) Result {
	return Result{
		Text:       text,
		Status:     status,
		Dispatches: c.dispatches,
		Usage:      c.usage,
		Err:        err,
	}
}
