package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelString(t *testing.T) {
	tests := []struct {
		input        string
		wantProvider Provider
		wantModel    string
	}{
		{"anthropic/claude-3", ProviderAnthropic, "claude-3"},
		{"openai/gpt-4", ProviderOpenAI, "gpt-4"},
		{"ollama/llama3.2", ProviderOllama, "llama3.2"},
		{"Anthropic/claude-3.5", ProviderAnthropic, "claude-3.5"},
		{"claude-sonnet-4-20250514", ProviderAnthropic, "claude-sonnet-4-20250514"},
		{"gpt-4", ProviderOpenAI, "gpt-4"},
		{"llama3.2", ProviderOpenAI, "llama3.2"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			provider, model := ParseModelString(tc.input)
			assert.Equal(t, tc.wantProvider, provider)
			assert.Equal(t, tc.wantModel, model)
		})
	}
}

func TestNewClientForModel(t *testing.T) {
	c, model := NewClientForModel(ProviderConfig{Model: "ollama/llama3.2"})
	assert.IsType(t, &OpenAIClient{}, c)
	assert.Equal(t, "llama3.2", model)

	c, model = NewClientForModel(ProviderConfig{Model: "claude-3-5-haiku-latest", AnthropicKey: "k"})
	assert.IsType(t, &AnthropicClient{}, c)
	assert.Equal(t, "claude-3-5-haiku-latest", model)

	c, _ = NewClientForModel(ProviderConfig{Model: "gpt-4", OpenAIBase: "http://localhost:9999/v1/"})
	require.IsType(t, &OpenAIClient{}, c)
	assert.Equal(t, "http://localhost:9999/v1", c.(*OpenAIClient).baseURL)
}

func TestAnthropicClientLeavesRetriesToWithRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
	}))
	defer srv.Close()

	c, model := NewClientForModel(ProviderConfig{
		Model:         "claude-3-5-haiku-latest",
		AnthropicKey:  "k",
		AnthropicBase: srv.URL,
	})
	_, err := c.Chat(context.Background(), ChatRequest{
		Model:    model,
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())

	hits.Store(0)
	retried := WithRetry(c, RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	_, err = retried.Chat(context.Background(), ChatRequest{
		Model:    model,
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.EqualValues(t, 3, hits.Load())
}

func TestMockClientScript(t *testing.T) {
	mock := NewMockClient(
		MockResponse{ToolCalls: []ToolCall{{ID: "c1", Name: "compute_date"}}},
		MockResponse{Content: "done"},
	)
	ctx := context.Background()

	first, err := mock.Chat(ctx, ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, StopToolUse, first.StopReason)

	second, err := mock.Chat(ctx, ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "done", second.Content)
	assert.Equal(t, StopEndTurn, second.StopReason)

	// Exhausted script repeats the last response.
	third, err := mock.Chat(ctx, ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "done", third.Content)

	assert.Len(t, mock.Calls(), 3)
	mock.Reset()
	assert.Empty(t, mock.Calls())
}

func TestMockClientError(t *testing.T) {
	mock := NewMockClient(MockResponse{Error: errors.New("boom")})
	_, err := mock.Chat(context.Background(), ChatRequest{})
	require.EqualError(t, err, "boom")

	_, err = NewMockClient().Chat(context.Background(), ChatRequest{})
	require.Error(t, err)
}

func TestOpenAIClientChatWithTools(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {"role": "assistant", "tool_calls": [{
					"id": "call_1", "type": "function",
					"function": {"name": "compute_date", "arguments": "{\"unit\":\"days\",\"count\":1}"}
				}]},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4}
		}`))
	}))
	defer srv.Close()

	client := NewOpenAICompatibleClient(srv.URL, "sk-test")
	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:  "gpt-4",
		System: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "remind me tomorrow"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_0", Name: "compute_date", Input: map[string]any{"unit": "days"}}}},
			{Role: RoleUser, ToolResult: &ToolResult{ToolUseID: "call_0", Content: `{"ok":true}`}},
		},
		Tools: []ToolDefinition{{
			Name:        "compute_date",
			Description: "date math",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, StopToolUse, resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "days", resp.ToolCalls[0].Input["unit"])
	assert.Empty(t, resp.ToolCalls[0].InputError)
	assert.Equal(t, 16, resp.Usage.Total())

	assert.Equal(t, false, captured["parallel_tool_calls"])
	messages := captured["messages"].([]any)
	require.Len(t, messages, 4)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", messages[2].(map[string]any)["role"])
	toolMsg := messages[3].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "call_0", toolMsg["tool_call_id"])
}

func TestOpenAIClientBadToolArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"tool_calls":[{"id":"c","type":"function",
			"function":{"name":"create_task","arguments":"{not json"}}]},"finish_reason":"tool_calls"}]}`))
	}))
	defer srv.Close()

	resp, err := NewOpenAICompatibleClient(srv.URL, "").Chat(context.Background(), ChatRequest{Model: "m"})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.NotEmpty(t, resp.ToolCalls[0].InputError)
	assert.Empty(t, resp.ToolCalls[0].Input)
}

func TestOpenAIClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"type":"overloaded","message":"try later"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAICompatibleClient(srv.URL, "").Chat(context.Background(), ChatRequest{Model: "m"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Contains(t, statusErr.Error(), "try later")
	assert.True(t, IsRetryable(err))
}

type flakyClient struct {
	failures int32
	err      error
	calls    atomic.Int32
}

func (f *flakyClient) Chat(_ context.Context, _ ChatRequest) (*ChatResponse, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, f.err
	}
	return &ChatResponse{Content: "ok", StopReason: StopEndTurn}, nil
}

func TestWithRetry(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("retries transient failures", func(t *testing.T) {
		flaky := &flakyClient{failures: 2, err: &StatusError{Code: http.StatusTooManyRequests}}
		resp, err := WithRetry(flaky, cfg).Chat(context.Background(), ChatRequest{})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Content)
		assert.Equal(t, int32(3), flaky.calls.Load())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		flaky := &flakyClient{failures: 10, err: &StatusError{Code: http.StatusBadGateway}}
		_, err := WithRetry(flaky, cfg).Chat(context.Background(), ChatRequest{})
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, int32(4), flaky.calls.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		flaky := &flakyClient{failures: 10, err: &StatusError{Code: http.StatusBadRequest}}
		_, err := WithRetry(flaky, cfg).Chat(context.Background(), ChatRequest{})
		require.Error(t, err)
		assert.Equal(t, int32(1), flaky.calls.Load())
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(&StatusError{Code: 500}))
	assert.False(t, IsRetryable(&StatusError{Code: 401}))
}

func TestBuildAnthropicParams(t *testing.T) {
	params := buildAnthropicParams(ChatRequest{
		Model:     "claude-3-5-haiku-latest",
		System:    "sys",
		MaxTokens: 256,
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Name: "compute_date", Input: map[string]any{}}}},
			{Role: RoleUser, ToolResult: &ToolResult{ToolUseID: "t1", Content: "{}"}},
		},
		Tools: []ToolDefinition{{
			Name: "compute_date",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"unit": map[string]any{"type": "string"}},
				"required":   []any{"unit"},
			},
		}},
	})

	assert.Len(t, params.Messages, 3)
	require.Len(t, params.System, 1)
	assert.Equal(t, "sys", params.System[0].Text)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, []string{"unit"}, params.Tools[0].OfTool.InputSchema.Required)
	assert.NotNil(t, params.ToolChoice.OfAuto)
}

func TestParseAnthropicMessage(t *testing.T) {
	resp := parseAnthropicMessage(&anthropic.Message{
		StopReason: anthropic.StopReasonToolUse,
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "Let me check."},
			{Type: "tool_use", ID: "t1", Name: "compute_date", Input: json.RawMessage(`{"unit":"weeks","count":3}`)},
		},
	})

	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, "Let me check.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "weeks", resp.ToolCalls[0].Input["unit"])
}
