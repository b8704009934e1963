package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/resilience"
	"github.com/sells-group/versionvault/pkg/anthropic"
	"github.com/sells-group/versionvault/pkg/perplexity"
)

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestAnthropicCompleter(t *testing.T) {
	t.Parallel()

	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-sonnet-4-5-20250929" &&
			req.MaxTokens == 2048 &&
			len(req.System) == 1 && req.System[0].Text == "sys" && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Content == "prompt" &&
			req.Temperature != nil && *req.Temperature == 0
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"ok":true}`}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, CacheReadInputTokens: 900, OutputTokens: 50},
	}, nil).Once()

	c := NewAnthropicCompleter(client, "claude-sonnet-4-5-20250929", fastRetry())
	got, err := c.Complete(context.Background(), Request{System: "sys", Prompt: "prompt", MaxTokens: 2048})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())
	assert.Equal(t, `{"ok":true}`, got.Text)
	assert.Equal(t, 1000, got.InputTokens)
	assert.Equal(t, 50, got.OutputTokens)
	client.AssertExpectations(t)
}

func TestAnthropicCompleter_RetriesTransient(t *testing.T) {
	t.Parallel()

	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Twice()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(&anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: "{}"}}}, nil).Once()

	got, err := NewAnthropicCompleter(client, "m", fastRetry()).Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "{}", got.Text)
	client.AssertNumberOfCalls(t, "CreateMessage", 3)
}

func TestAnthropicCompleter_PermanentError(t *testing.T) {
	t.Parallel()

	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid model")).Once()

	_, err := NewAnthropicCompleter(client, "m", fastRetry()).Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract: anthropic completion")
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestPerplexityCompleter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var body perplexity.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "sys", body.Messages[0].Content)
		assert.Equal(t, "prompt", body.Messages[1].Content)
		assert.True(t, body.DisableSearch)
		require.NotNil(t, body.ResponseFormat)
		assert.Equal(t, "json_schema", body.ResponseFormat.Type)
		require.NotNil(t, body.MaxTokens)
		assert.Equal(t, 1024, *body.MaxTokens)

		_, _ = w.Write([]byte(`{"id":"c","choices":[{"index":0,"message":{"role":"assistant","content":"{\"manufacturer\":\"Acme\"}"}}],"usage":{"prompt_tokens":30,"completion_tokens":7}}`))
	}))
	defer srv.Close()

	c := NewPerplexityCompleter(perplexity.NewClient("k", perplexity.WithBaseURL(srv.URL)), fastRetry())
	got, err := c.Complete(context.Background(), Request{System: "sys", Prompt: "prompt", MaxTokens: 1024})
	require.NoError(t, err)
	assert.Equal(t, "perplexity", c.Name())
	assert.Equal(t, `{"manufacturer":"Acme"}`, got.Text)
	assert.Equal(t, 30, got.InputTokens)
	assert.Equal(t, 7, got.OutputTokens)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewCompleter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.Config
		want    string
		wantErr string
	}{
		{"anthropic", config.Config{Completion: config.CompletionConfig{Provider: "anthropic"}, Anthropic: config.AnthropicConfig{Key: "k", Model: "m"}}, "anthropic", ""},
		{"default provider", config.Config{Anthropic: config.AnthropicConfig{Key: "k"}}, "anthropic", ""},
		{"anthropic without key", config.Config{Completion: config.CompletionConfig{Provider: "anthropic"}}, "", "anthropic.key"},
		{"perplexity", config.Config{Completion: config.CompletionConfig{Provider: "perplexity"}, Perplexity: config.PerplexityConfig{Key: "k", Model: "sonar"}}, "perplexity", ""},
		{"perplexity without key", config.Config{Completion: config.CompletionConfig{Provider: "perplexity"}}, "", "perplexity.key"},
		{"unknown", config.Config{Completion: config.CompletionConfig{Provider: "oracle"}}, "", "unknown completion provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewCompleter(&tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Name())
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	sys, user := BuildPrompt("", PromptInput{Product: "Live", Manufacturer: "Ableton", SourceURL: "https://a.example", Content: "BODY", FoundProduct: true})
	assert.Equal(t, enhancedSystem, sys)
	assert.Contains(t, user, "Product: Live\nKnown manufacturer: Ableton\nSource URL: https://a.example\n")
	assert.Contains(t, user, "Content:\nBODY\n")
	assert.Contains(t, user, `"productNameFound"`)

	sys, user = BuildPrompt(PromptLegacy, PromptInput{Product: "Live", SourceURL: "https://a.example", Content: "BODY"})
	assert.Equal(t, legacySystem, sys)
	assert.Contains(t, user, "BODY")
	assert.NotContains(t, user, "Known manufacturer")
}
