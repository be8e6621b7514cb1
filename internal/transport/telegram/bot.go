// Package telegram connects the conversation orchestrator to a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sourcegraph/conc/pool"

	"github.com/szaher/assistantgpt/internal/access"
	"github.com/szaher/assistantgpt/internal/conversation"
	"github.com/szaher/assistantgpt/internal/telemetry"
	"github.com/szaher/assistantgpt/internal/transcribe"
)

// TransportName labels metrics recorded by this package.
const TransportName = "telegram"

// TypingInterval is how often the typing indicator is refreshed while a
// cycle runs. Telegram clears it after about five seconds.
const TypingInterval = 5 * time.Second

// maxVoiceBytes bounds downloaded voice recordings.
const maxVoiceBytes = 20 << 20

// API is the subset of *tgbotapi.BotAPI used by the bot.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Assistant is the conversation core behind the bot.
type Assistant interface {
	Authorized(userID string) bool
	Handle(ctx context.Context, userID, text string) conversation.Result
	Reset(ctx context.Context, userID string) error
}

// Config tunes the bot.
type Config struct {
	// Workers bounds the updates handled concurrently.
	Workers int
	// PollTimeout is the long-polling timeout in seconds.
	PollTimeout int
}

// Bot polls Telegram for updates and answers them.
type Bot struct {
	api        API
	assistant  Assistant
	transcribe transcribe.Transcriber
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	typing     time.Duration
}

// Option configures a Bot.
type Option func(*Bot)

// WithTranscriber enables voice messages.
func WithTranscriber(t transcribe.Transcriber) Option {
	return func(b *Bot) { b.transcribe = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithMetrics records rejections and transcriptions.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Bot) { b.metrics = m }
}

// WithHTTPClient sets the client used to download voice files.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bot) { b.httpClient = c }
}

// New creates a Bot on top of an API connection.
func New(api API, assistant Assistant, cfg Config, opts ...Option) *Bot {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	b := &Bot{
		api:        api,
		assistant:  assistant,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
		logger:     slog.Default(),
		typing:     TypingInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect logs in with token and returns the API connection.
func Connect(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, errors.New("telegram: token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	return api, nil
}

// Run polls for updates until ctx is cancelled and waits for in-flight
// updates to be answered.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	updates := b.api.GetUpdatesChan(u)

	p := pool.New().WithMaxGoroutines(b.cfg.Workers)
	defer p.Wait()

	b.logger.Info("telegram bot polling", "workers", b.cfg.Workers)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			p.Go(func() { b.HandleUpdate(ctx, update) })
		}
	}
}

// HandleUpdate answers a single update.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := msg.Chat.ID
	ctx = telemetry.WithCorrelationID(ctx, "")
	logger := telemetry.RequestLogger(ctx, b.logger, userID)

	if !b.assistant.Authorized(userID) {
		logger.Warn("rejected telegram user")
		if b.metrics != nil {
			b.metrics.RecordUnauthorized(TransportName)
		}
		b.reply(logger, chatID, access.RejectionMessage)
		return
	}

	switch {
	case msg.IsCommand():
		b.command(ctx, logger, msg)
	case msg.Voice != nil:
		b.voice(ctx, logger, msg)
	case msg.Text != "":
		b.converse(ctx, userID, chatID, msg.Text)
	}
}

func (b *Bot) command(ctx context.Context, logger *slog.Logger, msg *tgbotapi.Message) {
	userID := strconv.FormatInt(msg.From.ID, 10)
	switch msg.Command() {
	case "start":
		b.reply(logger, msg.Chat.ID, conversation.WelcomeMessage)
	case "reset":
		if err := b.assistant.Reset(ctx, userID); err != nil {
			logger.Error("reset session", "error", err)
			b.reply(logger, msg.Chat.ID, conversation.StoreErrorMessage)
			return
		}
		b.reply(logger, msg.Chat.ID, conversation.SessionClearedMessage)
	default:
		logger.Debug("ignoring unknown command", "command", msg.Command())
	}
}

func (b *Bot) voice(ctx context.Context, logger *slog.Logger, msg *tgbotapi.Message) {
	if b.transcribe == nil {
		b.reply(logger, msg.Chat.ID, conversation.NotUnderstoodMessage)
		return
	}
	stop := b.keepTyping(ctx, msg.Chat.ID)
	text, err := b.transcribeVoice(ctx, msg.Voice.FileID)
	stop()

	status := "ok"
	switch {
	case errors.Is(err, transcribe.ErrNoSpeech):
		status = "empty"
	case err != nil:
		status = "error"
	}
	if b.metrics != nil {
		b.metrics.RecordTranscription(status)
	}
	if err != nil {
		logger.Warn("voice message not transcribed", "error", err)
		b.reply(logger, msg.Chat.ID, conversation.NotUnderstoodMessage)
		return
	}
	b.converse(ctx, strconv.FormatInt(msg.From.ID, 10), msg.Chat.ID, text)
}

func (b *Bot) transcribeVoice(ctx context.Context, fileID string) (string, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve voice file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("download voice file: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download voice file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download voice file: HTTP %d", resp.StatusCode)
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxVoiceBytes))
	if err != nil {
		return "", fmt.Errorf("download voice file: %w", err)
	}
	return b.transcribe.Transcribe(ctx, audio)
}

func (b *Bot) converse(ctx context.Context, userID string, chatID int64, text string) {
	stop := b.keepTyping(ctx, chatID)
	res := b.assistant.Handle(ctx, userID, text)
	stop()

	if res.Text == "" {
		return
	}
	b.reply(b.logger.With("user_id", userID, "correlation_id", res.CorrelationID), chatID, res.Text)
}

// keepTyping shows the typing indicator until the returned func is called.
func (b *Bot) keepTyping(ctx context.Context, chatID int64) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(b.typing)
		defer ticker.Stop()
		for {
			if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
				b.logger.Debug("send typing action", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (b *Bot) reply(logger *slog.Logger, chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logger.Error("send telegram message", "error", err)
	}
}
