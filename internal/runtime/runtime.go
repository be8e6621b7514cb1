// Package runtime wires the assistant from configuration and runs its front
// ends: the HTTP API, the Telegram bot and the session janitor.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/assistantgpt/internal/access"
	"github.com/szaher/assistantgpt/internal/action"
	"github.com/szaher/assistantgpt/internal/action/datecalc"
	"github.com/szaher/assistantgpt/internal/action/tasks"
	"github.com/szaher/assistantgpt/internal/auth"
	"github.com/szaher/assistantgpt/internal/clickup"
	"github.com/szaher/assistantgpt/internal/config"
	"github.com/szaher/assistantgpt/internal/conversation"
	"github.com/szaher/assistantgpt/internal/dialogue"
	"github.com/szaher/assistantgpt/internal/events"
	"github.com/szaher/assistantgpt/internal/llm"
	"github.com/szaher/assistantgpt/internal/telemetry"
	"github.com/szaher/assistantgpt/internal/transcribe"
	"github.com/szaher/assistantgpt/internal/transport/telegram"
)

// shutdownTimeout bounds graceful shutdown of the front ends.
const shutdownTimeout = 30 * time.Second

// Runtime holds the wired assistant.
type Runtime struct {
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	registry     *action.Registry
	guard        *access.Guard
	store        dialogue.Store
	janitor      *dialogue.Janitor
	orchestrator *conversation.Orchestrator
	server       *Server
	version      string
	closers      []func()
}

// Options overrides collaborators, mainly for tests and the chat command.
type Options struct {
	Logger    *slog.Logger
	LLMClient llm.Client
	Tracker   tasks.Tracker
	Clock     func() time.Time
	Emitter   events.Emitter
	Version   string
}

// New wires the assistant described by cfg. Call Close when done.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(),
		version: opts.Version,
	}
	wired := false
	defer func() {
		if !wired {
			rt.Close()
		}
	}()

	loc, err := cfg.Assistant.Location()
	if err != nil {
		return nil, err
	}

	rt.guard, err = access.New(access.Config{
		Users:    cfg.Access.Users,
		File:     cfg.Access.File,
		AllowAll: cfg.Access.AllowAll,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("load access list: %w", err)
	}
	if rt.guard.Size() == 0 && !cfg.Access.AllowAll {
		logger.Warn("access list is empty: every user will be rejected. Set access.users or access.allow_all")
	}

	model, modelName := rt.modelClient(opts.LLMClient)

	rt.registry, err = rt.buildRegistry(opts, loc)
	if err != nil {
		return nil, err
	}

	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}

	locker := dialogue.NewLocker()
	rt.metrics.RegisterGauge("dialogue_locks_held", "Users with a cycle running or waiting.", func() float64 {
		return float64(locker.Held())
	})

	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.LogEmitter{Logger: logger}
	}

	rt.orchestrator = conversation.New(conversation.Config{
		Model:         modelName,
		SystemPrompt:  cfg.Assistant.SystemPrompt,
		MaxDispatches: cfg.Assistant.MaxDispatches,
		MaxTokens:     cfg.Assistant.MaxTokens,
		Temperature:   cfg.Assistant.Temperature,
		CycleTimeout:  cfg.Assistant.CycleTimeout,
	}, model, rt.registry, rt.store, rt.guard,
		conversation.WithLogger(logger),
		conversation.WithMetrics(rt.metrics),
		conversation.WithEmitter(emitter),
		conversation.WithLocker(locker),
	)

	rt.server = rt.newServer()
	wired = true
	return rt, nil
}

func (rt *Runtime) modelClient(override llm.Client) (llm.Client, string) {
	cfg := rt.cfg
	if override != nil {
		_, name := llm.ParseModelString(cfg.Assistant.Model)
		return override, name
	}
	client, name := llm.NewClientForModel(llm.ProviderConfig{
		Model:         cfg.Assistant.Model,
		AnthropicKey:  cfg.LLM.AnthropicKey,
		AnthropicBase: cfg.LLM.AnthropicBase,
		OpenAIKey:     cfg.LLM.OpenAIKey,
		OpenAIBase:    cfg.LLM.OpenAIBase,
		OllamaHost:    cfg.LLM.OllamaHost,
	})
	provider, _ := llm.ParseModelString(cfg.Assistant.Model)
	rt.logger.Info("language model configured", "provider", provider, "model", name)
	return llm.WithRetry(client, llm.RetryConfig{
		MaxRetries: cfg.LLM.MaxRetries,
		BaseDelay:  cfg.LLM.RetryDelay,
	}), name
}

func (rt *Runtime) buildRegistry(opts Options, loc *time.Location) (*action.Registry, error) {
	calcOpts := []datecalc.Option{datecalc.WithLocation(loc)}
	if opts.Clock != nil {
		calcOpts = append(calcOpts, datecalc.WithClock(opts.Clock))
	}

	reg := action.NewRegistry()
	if err := reg.Register(datecalc.Spec(), datecalc.New(calcOpts...)); err != nil {
		return nil, err
	}

	tracker := opts.Tracker
	if tracker == nil {
		c := rt.cfg.ClickUp
		client, err := clickup.New(clickup.Config{
			BaseURL:    c.BaseURL,
			Token:      c.Token,
			ListID:     c.ListID,
			AssigneeID: c.AssigneeID,
			NotifyAll:  c.NotifyAll,
			MaxRetries: c.MaxRetries,
			RetryDelay: c.RetryDelay,
		})
		switch {
		case errors.Is(err, clickup.ErrNotConfigured):
			rt.logger.Warn("clickup is not configured, create_task is unavailable")
			return reg, nil
		case err != nil:
			return nil, err
		}
		tracker = client
	}
	if err := reg.Register(tasks.Spec(), tasks.NewExecutor(tracker, loc)); err != nil {
		return nil, err
	}
	return reg, nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	s := rt.cfg.Sessions
	var sweeper dialogue.Sweeper

	switch s.Backend {
	case config.BackendPostgres:
		store, pool, err := dialogue.OpenPostgres(ctx, s.PostgresDSN,
			dialogue.WithPostgresWindow(s.Window),
			dialogue.WithPostgresIdleTimeout(s.IdleTimeout))
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, pool.Close)
		rt.store, sweeper = store, store
	default:
		store := dialogue.NewMemoryStore(
			dialogue.WithWindow(s.Window),
			dialogue.WithIdleTimeout(s.IdleTimeout))
		rt.metrics.RegisterGauge("sessions_live", "Dialogue sessions held in memory.", func() float64 {
			return float64(store.Len())
		})
		rt.store, sweeper = store, store
	}
	rt.logger.Info("dialogue store ready", "backend", s.Backend, "window", s.Window, "idle_timeout", s.IdleTimeout)

	if s.IdleTimeout <= 0 || s.SweepInterval <= 0 {
		return nil
	}
	j, err := dialogue.NewJanitor(sweeper, s.SweepInterval, rt.logger, dialogue.OnSweep(rt.metrics.RecordSweep))
	if err != nil {
		return err
	}
	rt.janitor = j
	return nil
}

func (rt *Runtime) newServer() *Server {
	sc := rt.cfg.Server
	serverOpts := []ServerOption{
		WithLogger(rt.logger),
		WithMetrics(rt.metrics),
		WithVersion(rt.version),
		WithNoAuth(sc.NoAuth),
	}
	switch {
	case sc.APIKey != "":
		serverOpts = append(serverOpts, WithAPIKey(sc.APIKey))
	case sc.NoAuth:
		rt.logger.Warn("http api starting WITHOUT authentication (server.no_auth is set)")
	default:
		rt.logger.Warn("no API key configured: all API requests will be rejected. Set server.api_key or server.no_auth")
	}
	if sc.RateLimit.RPS > 0 {
		rl := auth.DefaultRateLimitConfig()
		rl.RequestsPerSecond = sc.RateLimit.RPS
		if sc.RateLimit.Burst > 0 {
			rl.Burst = sc.RateLimit.Burst
		}
		serverOpts = append(serverOpts, WithRateLimiter(auth.NewRateLimiter(rl)))
	}
	return NewServer(rt.orchestrator, serverOpts...)
}

// Orchestrator returns the conversation core.
func (rt *Runtime) Orchestrator() *conversation.Orchestrator { return rt.orchestrator }

// Registry returns the action registry.
func (rt *Runtime) Registry() *action.Registry { return rt.registry }

// Server returns the HTTP API server.
func (rt *Runtime) Server() *Server { return rt.server }

// Metrics returns the metrics registry.
func (rt *Runtime) Metrics() *telemetry.Metrics { return rt.metrics }

// Run serves every configured front end until ctx is cancelled or one of
// them fails, then shuts the others down.
func (rt *Runtime) Run(ctx context.Context) error {
	var bot *telegram.Bot
	if rt.cfg.Telegram.Token != "" {
		var err error
		if bot, err = rt.telegramBot(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return rt.guard.Watch(ctx) })

	if rt.janitor != nil {
		rt.janitor.Start()
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return rt.janitor.Stop(sctx)
		})
	}

	if addr := rt.cfg.Server.Addr; addr != "" {
		g.Go(func() error { return rt.server.ListenAndServe(addr) })
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return rt.server.Shutdown(sctx)
		})
	}

	if bot != nil {
		g.Go(func() error { return bot.Run(ctx) })
	}

	rt.logger.Info("assistant running",
		"http", rt.cfg.Server.Addr != "",
		"telegram", rt.cfg.Telegram.Token != "",
		"actions", len(rt.registry.Specs()))
	return g.Wait()
}

func (rt *Runtime) telegramBot(ctx context.Context) (*telegram.Bot, error) {
	api, err := telegram.Connect(rt.cfg.Telegram.Token)
	if err != nil {
		return nil, err
	}
	botOpts := []telegram.Option{
		telegram.WithLogger(rt.logger),
		telegram.WithMetrics(rt.metrics),
	}

	if sp := rt.cfg.Speech; sp.Language != "" {
		tr, err := transcribe.NewGoogle(ctx, transcribe.GoogleConfig{
			LanguageCode:    sp.Language,
			SampleRateHertz: sp.SampleRate,
			CredentialsFile: sp.CredentialsFile,
		})
		if err != nil {
			rt.logger.Warn("speech recognition unavailable, voice messages will not be understood", "error", err)
		} else {
			rt.closers = append(rt.closers, func() { _ = tr.Close() })
			botOpts = append(botOpts, telegram.WithTranscriber(tr))
		}
	}

	return telegram.New(api, rt.orchestrator, telegram.Config{Workers: rt.cfg.Telegram.Workers}, botOpts...), nil
}

// Close releases connections held by the runtime.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
