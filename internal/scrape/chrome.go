package scrape

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ChromeRenderer drives a local headless Chrome via the DevTools protocol.
// Each render gets a fresh browser so identities never share cookies.
type ChromeRenderer struct {
	execPath string
	headless bool
}

// NewChromeRenderer creates a renderer using the Chrome binary at execPath
// (empty searches PATH).
func NewChromeRenderer(execPath string, headless bool) *ChromeRenderer {
	return &ChromeRenderer{execPath: execPath, headless: headless}
}

func (c *ChromeRenderer) Name() string { return "chrome" }

func (c *ChromeRenderer) allocatorOptions(opts RenderOptions) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", c.headless),
		chromedp.WindowSize(1366, 900),
	)
	if c.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.execPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Stealth {
		allocOpts = append(allocOpts,
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("enable-automation", false),
		)
	}
	return allocOpts
}

func (c *ChromeRenderer) Render(ctx context.Context, targetURL string, opts RenderOptions) (*RenderResult, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.allocatorOptions(opts)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var html, final string
	tasks := chromedp.Tasks{
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if opts.Strategy != nil {
		for _, sel := range opts.Strategy.ClickSelectors {
			tasks = append(tasks, optionalStep(sel, 5*time.Second, chromedp.Click(sel, chromedp.ByQuery)))
			tasks = append(tasks, chromedp.Sleep(500*time.Millisecond))
		}
	}
	if opts.WaitSelector != "" {
		tasks = append(tasks, optionalStep(opts.WaitSelector, 10*time.Second,
			chromedp.WaitVisible(opts.WaitSelector, chromedp.ByQuery)))
	}
	if opts.Strategy != nil && opts.Strategy.CustomScript != "" {
		var ignored any
		tasks = append(tasks, optionalStep("script", 10*time.Second,
			chromedp.Evaluate(opts.Strategy.CustomScript, &ignored)))
	}
	if opts.WaitTime > 0 {
		tasks = append(tasks, chromedp.Sleep(opts.WaitTime))
	}
	tasks = append(tasks,
		chromedp.Location(&final),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(browserCtx, tasks); err != nil {
		return nil, eris.Wrapf(err, "chrome: render %s", targetURL)
	}
	if final == "" {
		final = targetURL
	}
	// DevTools does not expose the main document status without network
	// event plumbing; the Blocker Detector works from the body instead.
	return &RenderResult{HTML: html, StatusCode: 200, FinalURL: final}, nil
}

// optionalStep runs action with its own timeout and logs instead of failing
// when the selector never appears.
func optionalStep(label string, timeout time.Duration, action chromedp.Action) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := action.Do(stepCtx); err != nil {
			zap.L().Debug("chrome: optional step skipped", zap.String("step", label), zap.Error(err))
		}
		return nil
	})
}
