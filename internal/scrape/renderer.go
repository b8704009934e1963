package scrape

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/resilience"
)

// Puppeteer-style load states.
const (
	WaitLoad         = "load"
	WaitNetworkIdle2 = "networkidle2"
	WaitNetworkIdle0 = "networkidle0"
)

// RenderOptions describes how a headless browser should load a page.
type RenderOptions struct {
	UserAgent    string
	WaitUntil    string
	WaitTime     time.Duration
	WaitSelector string
	Timeout      time.Duration
	Stealth      bool
	Strategy     *model.ScrapingStrategy
}

// Interactive reports whether the options carry click or script steps.
func (o RenderOptions) Interactive() bool {
	return o.Strategy != nil && (len(o.Strategy.ClickSelectors) > 0 || o.Strategy.CustomScript != "")
}

// RenderResult is the final document a renderer produced.
type RenderResult struct {
	HTML       string
	StatusCode int
	Headers    http.Header
	FinalURL   string
}

// Renderer loads a URL in a headless browser. Implementations must honor
// ctx cancellation.
type Renderer interface {
	Name() string
	Render(ctx context.Context, targetURL string, opts RenderOptions) (*RenderResult, error)
}

// MethodTimeouts bounds each escalation method.
type MethodTimeouts struct {
	Static      time.Duration
	Render      time.Duration
	Extended    time.Duration
	Interactive time.Duration
}

// DefaultMethodTimeouts returns 15/30/60/90 seconds.
func DefaultMethodTimeouts() MethodTimeouts {
	return MethodTimeouts{
		Static:      15 * time.Second,
		Render:      30 * time.Second,
		Extended:    60 * time.Second,
		Interactive: 90 * time.Second,
	}
}

// For returns the timeout for m.
func (t MethodTimeouts) For(m model.Method) time.Duration {
	switch m {
	case model.MethodBrowserless:
		return t.Render
	case model.MethodBrowserlessExtended:
		return t.Extended
	case model.MethodInteractive:
		return t.Interactive
	default:
		return t.Static
	}
}

const extendedSettle = 5 * time.Second

// RenderOptionsFor maps an escalation method onto renderer options. The
// strategy is only applied for the interactive method.
func RenderOptionsFor(m model.Method, id Identity, strategy *model.ScrapingStrategy, t MethodTimeouts) RenderOptions {
	opts := RenderOptions{
		UserAgent: id.UserAgent,
		WaitUntil: WaitNetworkIdle2,
		Timeout:   t.For(m),
	}
	switch m {
	case model.MethodBrowserlessExtended:
		opts.Stealth = true
		opts.WaitUntil = WaitNetworkIdle0
		opts.WaitTime = extendedSettle
	case model.MethodInteractive:
		opts.Stealth = true
		opts.WaitUntil = WaitNetworkIdle0
		opts.WaitTime = extendedSettle
		if strategy != nil {
			opts.Strategy = strategy
			opts.WaitSelector = strategy.WaitSelector
			if w := time.Duration(strategy.WaitTimeMs) * time.Millisecond; w > opts.WaitTime {
				opts.WaitTime = w
			}
		}
	}
	return opts
}

// guardedRenderer trips a circuit breaker when a backend keeps failing so
// later attempts fail fast instead of waiting out the render timeout.
type guardedRenderer struct {
	inner   Renderer
	breaker *resilience.CircuitBreaker
}

// WithBreaker wraps r with the breaker registered under r.Name().
func WithBreaker(r Renderer, breakers *resilience.ServiceBreakers) Renderer {
	if r == nil || breakers == nil {
		return r
	}
	return &guardedRenderer{inner: r, breaker: breakers.Get(r.Name())}
}

func (g *guardedRenderer) Name() string { return g.inner.Name() }

func (g *guardedRenderer) Render(ctx context.Context, targetURL string, opts RenderOptions) (*RenderResult, error) {
	res, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*RenderResult, error) {
		return g.inner.Render(ctx, targetURL, opts)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			zap.L().Warn("scrape: renderer circuit open", zap.String("renderer", g.inner.Name()))
		}
		return nil, err
	}
	return res, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
