package extract

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/resilience"
	"github.com/sells-group/versionvault/pkg/anthropic"
	"github.com/sells-group/versionvault/pkg/perplexity"
)

// Request is one completion call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completion is the raw reply of the completion service.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Completer is the completion service boundary. Replies are untrusted text.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// NewCompleter builds the completer selected by cfg.Completion.Provider.
func NewCompleter(cfg *config.Config) (Completer, error) {
	retry := retryConfig(cfg.Completion.MaxRetries)
	switch cfg.Completion.Provider {
	case "anthropic", "":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("extract: anthropic.key is required")
		}
		return NewAnthropicCompleter(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model, retry), nil
	case "perplexity":
		if cfg.Perplexity.Key == "" {
			return nil, eris.New("extract: perplexity.key is required")
		}
		var opts []perplexity.Option
		if cfg.Perplexity.BaseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
		}
		if cfg.Perplexity.Model != "" {
			opts = append(opts, perplexity.WithModel(cfg.Perplexity.Model))
		}
		return NewPerplexityCompleter(perplexity.NewClient(cfg.Perplexity.Key, opts...), retry), nil
	default:
		return nil, eris.Errorf("extract: unknown completion provider %q", cfg.Completion.Provider)
	}
}

func retryConfig(maxAttempts int) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if maxAttempts > 0 {
		rc.MaxAttempts = maxAttempts
	}
	rc.InitialBackoff = time.Second
	return rc
}

// AnthropicCompleter completes through the Anthropic Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
	model  string
	retry  resilience.RetryConfig
}

// NewAnthropicCompleter wraps an Anthropic client.
func NewAnthropicCompleter(c anthropic.Client, model string, retry resilience.RetryConfig) *AnthropicCompleter {
	return &AnthropicCompleter{client: c, model: model, retry: retry}
}

func (a *AnthropicCompleter) Name() string { return "anthropic" }

func (a *AnthropicCompleter) Complete(ctx context.Context, req Request) (*Completion, error) {
	temp := 0.0
	rc := a.retry
	rc.OnRetry = resilience.RetryLogger("anthropic", "create_message")

	resp, err := resilience.DoVal(ctx, rc, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return a.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       a.model,
			MaxTokens:   int64(req.MaxTokens),
			System:      anthropic.CachedSystem(req.System),
			Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
			Temperature: &temp,
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: anthropic completion")
	}
	resp.Usage.LogCost(a.model, "extract")

	return &Completion{
		Text:         resp.Text(),
		InputTokens:  int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// PerplexityCompleter completes through the Perplexity chat API with web
// search disabled, so the answer comes from the supplied content only.
type PerplexityCompleter struct {
	client perplexity.Client
	retry  resilience.RetryConfig
}

// NewPerplexityCompleter wraps a Perplexity client.
func NewPerplexityCompleter(c perplexity.Client, retry resilience.RetryConfig) *PerplexityCompleter {
	return &PerplexityCompleter{client: c, retry: retry}
}

func (p *PerplexityCompleter) Name() string { return "perplexity" }

func (p *PerplexityCompleter) Complete(ctx context.Context, req Request) (*Completion, error) {
	temp := 0.0
	maxTokens := req.MaxTokens
	rc := p.retry
	rc.OnRetry = resilience.RetryLogger("perplexity", "chat_completion")

	resp, err := resilience.DoVal(ctx, rc, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		return p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Messages: []perplexity.Message{
				{Role: "system", Content: req.System},
				{Role: "user", Content: req.Prompt},
			},
			Temperature: &temp,
			MaxTokens:   &maxTokens,
			ResponseFormat: &perplexity.ResponseFormat{
				Type:       "json_schema",
				JSONSchema: &perplexity.JSONSchema{Schema: extractedInfoSchema},
			},
			DisableSearch: true,
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: perplexity completion")
	}

	return &Completion{
		Text:         resp.Text(),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

var nullableString = map[string]any{"type": []string{"string", "null"}}

// extractedInfoSchema mirrors responseSchema for providers that accept a
// JSON schema.
var extractedInfoSchema = map[string]any{
	"type":     "object",
	"required": []string{"manufacturer", "category", "versions"},
	"properties": map[string]any{
		"manufacturer":     map[string]any{"type": "string"},
		"category":         map[string]any{"type": "string"},
		"currentVersion":   nullableString,
		"releaseDate":      nullableString,
		"confidence":       map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
		"productNameFound": map[string]any{"type": "boolean"},
		"validationNotes":  map[string]any{"type": "string"},
		"versions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"version"},
				"properties": map[string]any{
					"version":     map[string]any{"type": "string"},
					"releaseDate": nullableString,
					"notes":       map[string]any{"type": "string"},
					"type":        map[string]any{"type": "string", "enum": []string{"major", "minor", "patch"}},
				},
			},
		},
	},
}
