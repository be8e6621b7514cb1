package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/szaher/assistantgpt/internal/access"
	"github.com/szaher/assistantgpt/internal/auth"
	"github.com/szaher/assistantgpt/internal/conversation"
	"github.com/szaher/assistantgpt/internal/dialogue"
	"github.com/szaher/assistantgpt/internal/llm"
	"github.com/szaher/assistantgpt/internal/telemetry"
)

// TransportName labels metrics recorded by the HTTP API.
const TransportName = "http"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Assistant is the conversation core served over HTTP.
type Assistant interface {
	Handle(ctx context.Context, userID, text string) conversation.Result
	Reset(ctx context.Context, userID string) error
	History(ctx context.Context, userID string) ([]dialogue.Turn, error)
	Actions() []llm.ToolDefinition
}

// Server is the HTTP API of the assistant.
type Server struct {
	assistant Assistant
	mux       *http.ServeMux
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	limiter   *auth.RateLimiter
	startTime time.Time
	apiKey    string
	noAuth    bool
	version   string

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithNoAuth serves every request without an API key.
func WithNoAuth(noAuth bool) ServerOption {
	return func(s *Server) { s.noAuth = noAuth }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves /metrics and records rejected users.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimiter limits requests per client and blocks repeated auth failures.
func WithRateLimiter(rl *auth.RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// NewServer creates the HTTP API server.
func NewServer(assistant Assistant, opts ...ServerOption) *Server {
	s := &Server{
		assistant: assistant,
		logger:    slog.Default(),
		startTime: time.Now(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/actions", s.handleListActions)
	mux.HandleFunc("POST /v1/users/{id}/messages", s.handleMessage)
	mux.HandleFunc("GET /v1/users/{id}/history", s.handleHistory)
	mux.HandleFunc("DELETE /v1/users/{id}/session", s.handleReset)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	var h http.Handler = auth.Middleware(auth.Options{
		APIKey:    s.apiKey,
		Disabled:  s.noAuth,
		SkipPaths: []string{"/healthz", "/metrics"},
		Limiter:   s.limiter,
	})(s.mux)
	if s.limiter != nil {
		h = s.limiter.Middleware(auth.ClientIPKeyFunc)(h)
	}
	return h
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("http api starting", "addr", addr, "auth", !s.noAuth)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).String(),
		"actions": len(s.assistant.Actions()),
		"version": s.version,
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.assistant.Actions()})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
	res := s.assistant.Handle(ctx, userID, req.Text)

	switch res.Status {
	case conversation.StatusUnauthorized:
		s.rejected()
		writeError(w, http.StatusForbidden, "forbidden", res.Text)
		return
	case conversation.StatusCancelled:
		writeError(w, http.StatusRequestTimeout, "cancelled", "request cancelled before the conversation was free")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reply":      res.Text,
		"status":     res.Status,
		"dispatches": res.Dispatches,
		"tokens": map[string]any{
			"input":  res.Usage.InputTokens,
			"output": res.Usage.OutputTokens,
			"total":  res.Usage.Total(),
		},
		"correlation_id": res.CorrelationID,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	turns, err := s.assistant.History(r.Context(), userID)
	if err != nil {
		s.writeUserError(w, userID, err)
		return
	}
	if turns == nil {
		turns = []dialogue.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "turns": turns})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if err := s.assistant.Reset(r.Context(), userID); err != nil {
		s.writeUserError(w, userID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeUserError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		s.rejected()
		writeError(w, http.StatusForbidden, "forbidden", access.RejectionMessage)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "cancelled", err.Error())
	default:
		s.logger.Error("session request failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "session store unavailable")
	}
}

func (s *Server) rejected() {
	if s.metrics != nil {
		s.metrics.RecordUnauthorized(TransportName)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
