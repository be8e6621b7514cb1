// Package clickup is a minimal ClickUp API client that creates tasks in a
// fixed list for a fixed assignee.
package clickup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/szaher/assistantgpt/internal/action/tasks"
)

// DefaultBaseURL is the ClickUp v2 API root.
const DefaultBaseURL = "https://api.clickup.com/api/v2"

// ErrNotConfigured is returned when the token or list id is missing.
var ErrNotConfigured = errors.New("clickup: client not configured")

// APIError is a non-2xx answer from ClickUp.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"ECODE"`
	Message    string `json:"err"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("clickup: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("clickup: HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Code)
}

// Config holds the fixed destination of created tasks.
type Config struct {
	BaseURL    string
	Token      string
	ListID     string
	AssigneeID int64
	NotifyAll  bool
	MaxRetries uint64
	RetryDelay time.Duration
}

// Client implements tasks.Tracker against the ClickUp API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ tasks.Tracker = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New creates a ClickUp client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Token == "" || cfg.ListID == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	c := &Client{cfg: cfg, httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type createTaskRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	DueDate     *int64   `json:"due_date,omitempty"`
	DueDateTime bool     `json:"due_date_time"`
	Assignees   []int64  `json:"assignees,omitempty"`
	NotifyAll   bool     `json:"notify_all"`
}

type createTaskResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateTask posts a task to the configured list. Requests are retried only
// when ClickUp rejected them before doing any work (429, 503) or when the
// connection could not be established, so a task is never created twice.
func (c *Client) CreateTask(ctx context.Context, req tasks.TaskRequest) (tasks.TaskResult, error) {
	body := createTaskRequest{
		Name:        req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		DueDateTime: req.DueHasTime,
		NotifyAll:   c.cfg.NotifyAll,
	}
	if req.Priority != tasks.PriorityNone {
		p := int(req.Priority)
		body.Priority = &p
	}
	if req.Due != nil {
		ms := req.Due.UnixMilli()
		body.DueDate = &ms
	}
	if c.cfg.AssigneeID != 0 {
		body.Assignees = []int64{c.cfg.AssigneeID}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return tasks.TaskResult{}, fmt.Errorf("clickup: encode task: %w", err)
	}
	url := fmt.Sprintf("%s/list/%s/task", c.cfg.BaseURL, c.cfg.ListID)

	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.RetryDelay))

	var out createTaskResponse
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.post(ctx, url, payload, &out)
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return tasks.TaskResult{}, err
	}
	return tasks.TaskResult{ID: out.ID, URL: out.URL}, nil
}

func (c *Client) post(ctx context.Context, url string, payload []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("clickup: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", c.cfg.Token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("clickup: send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("clickup: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("clickup: decode response: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusServiceUnavailable
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
