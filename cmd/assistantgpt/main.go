// Package main is the entry point for the assistantgpt binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/assistantgpt/internal/config"
	"github.com/szaher/assistantgpt/internal/runtime"
	"github.com/szaher/assistantgpt/internal/secrets"
	"github.com/szaher/assistantgpt/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile string
	logLevel   string
	logFormat  string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "assistantgpt",
		Short: "Personal assistant that turns messages into tasks",
		Long: `AssistantGPT converses with allowed users over Telegram or HTTP,
lets a language model compute dates and create ClickUp tasks on their
behalf, and keeps a short per-user conversation history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to assistant.yaml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")

	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newActionsCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// loadConfig reads the configuration, builds the process logger and resolves
// secret references so they are redacted from every later log line.
func loadConfig(ctx context.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	level, err := telemetry.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logger, filter := telemetry.NewLogger(os.Stderr, level, strings.ToLower(cfg.Log.Format))
	if err := cfg.ResolveSecrets(ctx, secrets.NewEnvResolver(), filter); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime.Runtime, error) {
	return runtime.New(ctx, cfg, runtime.Options{Logger: logger, Version: version})
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
