package clickup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/assistantgpt/internal/action/tasks"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:    url,
		Token:      "pk_test",
		ListID:     "901",
		AssigneeID: 42,
		NotifyAll:  true,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestCreateTask(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/list/901/task", r.URL.Path)
		assert.Equal(t, "pk_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"86abc","url":"https://app.clickup.com/t/86abc"}`))
	}))
	defer srv.Close()

	due := time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)
	res, err := newTestClient(t, srv.URL+"/").CreateTask(context.Background(), tasks.TaskRequest{
		Title:       "Dentist",
		Description: "Check-up",
		Due:         &due,
		DueHasTime:  true,
		Priority:    tasks.PriorityHigh,
		Tags:        []string{"health"},
	})
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskResult{ID: "86abc", URL: "https://app.clickup.com/t/86abc"}, res)

	assert.Equal(t, "Dentist", got["name"])
	assert.Equal(t, "Check-up", got["description"])
	assert.Equal(t, float64(due.UnixMilli()), got["due_date"])
	assert.Equal(t, true, got["due_date_time"])
	assert.Equal(t, float64(2), got["priority"])
	assert.Equal(t, []any{"health"}, got["tags"])
	assert.Equal(t, []any{float64(42)}, got["assignees"])
	assert.Equal(t, true, got["notify_all"])
}

func TestCreateTaskOmitsUnsetFields(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).CreateTask(context.Background(), tasks.TaskRequest{Title: "x"})
	require.NoError(t, err)
	assert.NotContains(t, got, "priority")
	assert.NotContains(t, got, "due_date")
}

func TestCreateTaskRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"err":"Rate limit reached","ECODE":"APP_002"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"2"}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).CreateTask(context.Background(), tasks.TaskRequest{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "2", res.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateTaskDoesNotRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"err":"boom","ECODE":"OAUTH_000"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).CreateTask(context.Background(), tasks.TaskRequest{Title: "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Config{ListID: "1"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = New(Config{Token: "t"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
