// Package extract turns acquired page text into ExtractedInfo: it windows
// the text around the product, asks the completion service, parses the
// reply defensively and post-processes the version list.
package extract

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/metrics"
	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/quirks"
	"github.com/sells-group/versionvault/internal/window"
)

// Input is one extraction request.
type Input struct {
	Product      model.Product
	SourceURL    string
	Text         string
	MainSiteText string
}

// Output is the result of one extraction. Info is never nil.
type Output struct {
	Info         *model.ExtractedInfo
	Window       window.Result
	MainWindow   window.Result
	Provider     string
	InputTokens  int
	OutputTokens int
	// Fallback is set when Info came from Fallback rather than the reply.
	Fallback bool
	// Missing is set when the fallback was caused by a reply without
	// manufacturer or category.
	Missing bool
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithQuirks sets the layout quirk registry.
func WithQuirks(r *quirks.Registry) Option {
	return func(e *Extractor) { e.quirks = r }
}

// WithFamilyFetcher sets the fetcher used by family backfill quirks.
func WithFamilyFetcher(f quirks.TextFetcher) Option {
	return func(e *Extractor) { e.family = f }
}

// WithMetrics records extraction outcomes and token usage.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// Extractor is the extraction orchestrator.
type Extractor struct {
	completer Completer
	cfg       config.CompletionConfig
	quirks    *quirks.Registry
	family    quirks.TextFetcher
	metrics   *metrics.Metrics
}

// New creates an Extractor. The prompt variant and content budgets come
// from cfg.
func New(c Completer, cfg config.CompletionConfig, opts ...Option) *Extractor {
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = 60000
	}
	if cfg.WindowChars <= 0 {
		cfg.WindowChars = window.DefaultWindowChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	e := &Extractor{completer: c, cfg: cfg}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Assemble windows the version page and the optional main-site text and
// joins them into the prompt content.
func (e *Extractor) Assemble(in Input) (content string, versionWin, mainWin window.Result) {
	name := in.Product.Name
	mainBudget := 0
	if strings.TrimSpace(in.MainSiteText) != "" {
		mainBudget = min(e.cfg.MainSiteChars, e.cfg.MaxContentChars/2)
	}
	versionWin = window.Extract(in.Text, name, e.cfg.MaxContentChars-mainBudget, e.cfg.WindowChars)

	var b strings.Builder
	b.WriteString("=== VERSION PAGE: ")
	b.WriteString(in.SourceURL)
	b.WriteString(" ===\n")
	b.WriteString(versionWin.Content)

	if mainBudget > 0 {
		mainWin = window.Extract(in.MainSiteText, name, mainBudget, e.cfg.WindowChars)
		b.WriteString("\n\n=== MAIN SITE ===\n")
		b.WriteString(mainWin.Content)
	}
	return b.String(), versionWin, mainWin
}

// Extract runs one extraction. Completion and parse failures degrade to a
// fallback result; the only error returned is context cancellation.
func (e *Extractor) Extract(ctx context.Context, in Input) (*Output, error) {
	log := zap.L().With(zap.String("product", in.Product.Name), zap.String("url", in.SourceURL))
	out := &Output{Provider: e.completer.Name()}

	content, versionWin, mainWin := e.Assemble(in)
	out.Window, out.MainWindow = versionWin, mainWin

	if strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.MainSiteText) == "" {
		out.Info = Fallback(in.Product, in.SourceURL, "no content acquired")
		out.Fallback = true
		e.metrics.IncExtraction(out.Provider, "fallback")
		return out, nil
	}

	system, prompt := BuildPrompt(e.cfg.Prompt, PromptInput{
		Product:      in.Product.Name,
		Manufacturer: in.Product.Manufacturer,
		SourceURL:    in.SourceURL,
		Content:      content,
		FoundProduct: versionWin.FoundProduct || mainWin.FoundProduct,
	})

	completion, err := e.completer.Complete(ctx, Request{System: system, Prompt: prompt, MaxTokens: e.cfg.MaxTokens})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "extract: cancelled")
		}
		log.Warn("extract: completion failed, using fallback", zap.Error(err))
		out.Info = Fallback(in.Product, in.SourceURL, "completion failed")
		out.Fallback = true
		e.metrics.IncExtraction(out.Provider, "fallback")
		return out, nil
	}
	out.InputTokens, out.OutputTokens = completion.InputTokens, completion.OutputTokens
	e.metrics.AddTokens(completion.InputTokens, completion.OutputTokens)

	info, err := ParseResponse(completion.Text)
	switch {
	case eris.Is(err, ErrMissingFields):
		log.Warn("extract: reply missing required fields, using fallback", zap.Int("versions", len(info.Versions)))
		out.Info = Fallback(in.Product, in.SourceURL, "completion response missing manufacturer or category")
		out.Fallback = true
		out.Missing = true
		e.metrics.IncExtraction(out.Provider, "fallback")
		return out, nil
	case err != nil:
		log.Warn("extract: unparseable reply, using fallback", zap.Error(err))
		out.Info = Fallback(in.Product, in.SourceURL, "unparseable completion response")
		out.Fallback = true
		e.metrics.IncExtraction(out.Provider, "fallback")
		return out, nil
	}

	PostProcess(ctx, info, in.SourceURL, e.quirks, e.family)
	out.Info = info
	e.metrics.IncExtraction(out.Provider, "ok")

	log.Info("extract: complete",
		zap.String("current_version", info.CurrentVersion),
		zap.Int("versions", len(info.Versions)),
		zap.String("window", versionWin.Method),
		zap.Int("input_tokens", out.InputTokens),
	)
	return out, nil
}

// TextFetcherFunc adapts a function to quirks.TextFetcher.
type TextFetcherFunc func(ctx context.Context, url string) (string, error)

// FetchText calls f.
func (f TextFetcherFunc) FetchText(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}
