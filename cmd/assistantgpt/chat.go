package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/szaher/assistantgpt/internal/conversation"
)

// chatAssistant is the part of the orchestrator the REPL drives.
type chatAssistant interface {
	Handle(ctx context.Context, userID, text string) conversation.Result
	Reset(ctx context.Context, userID string) error
}

func newChatCmd() *cobra.Command {
	var (
		userID  string
		message string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		Long: `Starts an interactive session as the given user against the same
conversation core the bot uses. Type /reset to clear the conversation and
/quit to leave. With --message a single message is sent and answered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if userID == "" {
				if len(cfg.Access.Users) == 0 {
					return fmt.Errorf("--user is required when access.users is empty")
				}
				userID = cfg.Access.Users[0]
			}

			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			if message != "" {
				return say(ctx, rt.Orchestrator(), out, userID, message)
			}
			return repl(ctx, rt.Orchestrator(), cmd.InOrStdin(), out, userID)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id to converse as (defaults to the first allowed user)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send one message and exit")

	return cmd
}

func repl(ctx context.Context, a chatAssistant, in io.Reader, out io.Writer, userID string) error {
	fmt.Fprintln(out, conversation.WelcomeMessage)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := a.Reset(ctx, userID); err != nil {
				return err
			}
			fmt.Fprintln(out, conversation.SessionClearedMessage)
			continue
		}
		if err := say(ctx, a, out, userID, line); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func say(ctx context.Context, a chatAssistant, out io.Writer, userID, text string) error {
	res := a.Handle(ctx, userID, text)
	if res.Status == conversation.StatusCancelled {
		return ctx.Err()
	}
	fmt.Fprintln(out, res.Text)
	if verbose {
		stats := map[string]any{
			"status":         res.Status,
			"dispatches":     res.Dispatches,
			"tokens":         res.Usage,
			"correlation_id": res.CorrelationID,
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Fprintf(os.Stderr, "%s\n", string(data))
	}
	return nil
}
