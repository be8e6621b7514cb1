package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		addr   string
		noAuth bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot and the HTTP API",
		Long: `Runs every configured front end until interrupted: the Telegram bot
when telegram.token is set, the HTTP API when server.addr is set, the
idle-session janitor and the access list watcher.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if noAuth {
				cfg.Server.NoAuth = true
			}

			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			err = rt.Run(ctx)
			logger.Info("assistant stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP API listen address; empty disables the API")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Serve the HTTP API without an API key")

	return cmd
}
