// Package config loads the assistant configuration from assistant.yaml,
// built-in defaults and ASSISTANT_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/szaher/assistantgpt/internal/secrets"
)

// EnvPrefix is the prefix of environment overrides, e.g. ASSISTANT_TELEGRAM_TOKEN.
const EnvPrefix = "ASSISTANT"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete assistant configuration.
type Config struct {
	Assistant AssistantConfig `mapstructure:"assistant"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Access    AccessConfig    `mapstructure:"access"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	ClickUp   ClickUpConfig   `mapstructure:"clickup"`
	Speech    SpeechConfig    `mapstructure:"speech"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Log       LogConfig       `mapstructure:"log"`
}

// AssistantConfig controls the conversation loop.
type AssistantConfig struct {
	Model         string        `mapstructure:"model"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
	MaxDispatches int           `mapstructure:"max_dispatches"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Temperature   *float64      `mapstructure:"temperature"`
	CycleTimeout  time.Duration `mapstructure:"cycle_timeout"`
	Timezone      string        `mapstructure:"timezone"`
}

// Location returns the configured time zone.
func (a AssistantConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: assistant.timezone: %v", ErrInvalid, err)
	}
	return loc, nil
}

// SessionsConfig selects and tunes the dialogue store.
type SessionsConfig struct {
	Backend       string        `mapstructure:"backend"`
	Window        int           `mapstructure:"window"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
}

// Session backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// AccessConfig lists the users allowed to talk to the assistant.
type AccessConfig struct {
	Users    []string `mapstructure:"users"`
	File     string   `mapstructure:"file"`
	AllowAll bool     `mapstructure:"allow_all"`
}

// TelegramConfig configures the bot transport. An empty token disables it.
type TelegramConfig struct {
	Token   string `mapstructure:"token"`
	Workers int    `mapstructure:"workers"`
}

// ClickUpConfig configures the task tracker.
type ClickUpConfig struct {
	Token      string        `mapstructure:"token"`
	ListID     string        `mapstructure:"list_id"`
	AssigneeID int64         `mapstructure:"assignee_id"`
	BaseURL    string        `mapstructure:"base_url"`
	NotifyAll  bool          `mapstructure:"notify_all"`
	MaxRetries uint64        `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// SpeechConfig configures voice transcription. An empty language disables it.
type SpeechConfig struct {
	Language        string `mapstructure:"language"`
	SampleRate      int32  `mapstructure:"sample_rate"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// ServerConfig configures the HTTP API. An empty addr disables it.
type ServerConfig struct {
	Addr      string          `mapstructure:"addr"`
	APIKey    string          `mapstructure:"api_key"`
	NoAuth    bool            `mapstructure:"no_auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig is the per-client request budget of the HTTP API.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// LLMConfig holds provider credentials.
type LLMConfig struct {
	AnthropicKey  string        `mapstructure:"anthropic_key"`
	AnthropicBase string        `mapstructure:"anthropic_base"`
	OpenAIKey     string        `mapstructure:"openai_key"`
	OpenAIBase    string        `mapstructure:"openai_base"`
	OllamaHost    string        `mapstructure:"ollama_host"`
	MaxRetries    uint64        `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("assistant.model", "claude-sonnet-4-20250514")
	v.SetDefault("assistant.system_prompt", "")
	v.SetDefault("assistant.max_dispatches", 5)
	v.SetDefault("assistant.max_tokens", 1024)
	v.SetDefault("assistant.cycle_timeout", "2m")
	v.SetDefault("assistant.timezone", "")

	v.SetDefault("sessions.backend", BackendMemory)
	v.SetDefault("sessions.window", 40)
	v.SetDefault("sessions.idle_timeout", "30m")
	v.SetDefault("sessions.sweep_interval", "1m")
	v.SetDefault("sessions.postgres_dsn", "")

	v.SetDefault("access.users", []string{})
	v.SetDefault("access.file", "")
	v.SetDefault("access.allow_all", false)

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.workers", 8)

	v.SetDefault("clickup.token", "")
	v.SetDefault("clickup.list_id", "")
	v.SetDefault("clickup.assignee_id", 0)
	v.SetDefault("clickup.base_url", "https://api.clickup.com/api/v2")
	v.SetDefault("clickup.notify_all", true)
	v.SetDefault("clickup.max_retries", 3)
	v.SetDefault("clickup.retry_delay", "500ms")

	v.SetDefault("speech.language", "en-US")
	v.SetDefault("speech.sample_rate", 48000)
	v.SetDefault("speech.credentials_file", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.no_auth", false)
	v.SetDefault("server.rate_limit.rps", 2.0)
	v.SetDefault("server.rate_limit.burst", 5)

	v.SetDefault("llm.anthropic_key", "")
	v.SetDefault("llm.anthropic_base", "")
	v.SetDefault("llm.openai_key", "")
	v.SetDefault("llm.openai_base", "")
	v.SetDefault("llm.ollama_host", "")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay", "500ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path, or from assistant.yaml in the working
// directory or $HOME/.assistantgpt when path is empty. A missing file is not
// an error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("assistant")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.assistantgpt")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	// assistant.max_dispatches becomes ASSISTANT_ASSISTANT_MAX_DISPATCHES
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Access.Users = splitList(cfg.Access.Users)
	return &cfg, cfg.Validate()
}

// splitList accepts both YAML lists and the comma-separated form used by
// environment overrides.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	switch {
	case c.Assistant.Model == "":
		return fmt.Errorf("%w: assistant.model is required", ErrInvalid)
	case c.Assistant.MaxDispatches < 1:
		return fmt.Errorf("%w: assistant.max_dispatches must be at least 1", ErrInvalid)
	case c.Assistant.CycleTimeout < 0:
		return fmt.Errorf("%w: assistant.cycle_timeout must not be negative", ErrInvalid)
	case c.Sessions.Window < 2:
		return fmt.Errorf("%w: sessions.window must be at least 2", ErrInvalid)
	case c.Sessions.IdleTimeout < 0:
		return fmt.Errorf("%w: sessions.idle_timeout must not be negative", ErrInvalid)
	}
	switch c.Sessions.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Sessions.PostgresDSN == "" {
			return fmt.Errorf("%w: sessions.postgres_dsn is required for the postgres backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown sessions.backend %q", ErrInvalid, c.Sessions.Backend)
	}
	if c.Assistant.Temperature != nil && (*c.Assistant.Temperature < 0 || *c.Assistant.Temperature > 2) {
		return fmt.Errorf("%w: assistant.temperature must be within [0, 2]", ErrInvalid)
	}
	if _, err := c.Assistant.Location(); err != nil {
		return err
	}
	return nil
}

// ResolveSecrets replaces env(VAR) references in credential fields and
// registers every credential with filter.
func (c *Config) ResolveSecrets(ctx context.Context, r secrets.Resolver, filter *secrets.RedactFilter) error {
	return secrets.ResolveInPlace(ctx, r, filter,
		&c.Telegram.Token,
		&c.ClickUp.Token,
		&c.Server.APIKey,
		&c.Sessions.PostgresDSN,
		&c.LLM.AnthropicKey,
		&c.LLM.OpenAIKey,
	)
}
