package scrape

import (
	"context"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/versionvault/pkg/browserless"
	"github.com/sells-group/versionvault/pkg/firecrawl"
	"github.com/sells-group/versionvault/pkg/jina"
)

// interactScript runs the strategy steps inside Browserless. Individual
// step failures are swallowed so a stale selector still yields the page.
const interactScript = `export default async ({ page, context }) => {
  if (context.userAgent) await page.setUserAgent(context.userAgent);
  await page.goto(context.url, { waitUntil: context.waitUntil, timeout: context.timeout });
  for (const sel of context.clicks || []) {
    try { await page.click(sel); await new Promise(r => setTimeout(r, 500)); } catch (e) {}
  }
  if (context.waitSelector) {
    try { await page.waitForSelector(context.waitSelector, { timeout: 10000 }); } catch (e) {}
  }
  if (context.script) {
    try { await page.evaluate(context.script); } catch (e) {}
  }
  if (context.waitTime) await new Promise(r => setTimeout(r, context.waitTime));
  return { data: await page.content(), type: "text/html" };
};`

// BrowserlessRenderer renders through the Browserless REST API.
type BrowserlessRenderer struct {
	client browserless.Client
}

// NewBrowserlessRenderer wraps a Browserless client.
func NewBrowserlessRenderer(c browserless.Client) *BrowserlessRenderer {
	return &BrowserlessRenderer{client: c}
}

func (b *BrowserlessRenderer) Name() string { return "browserless" }

func (b *BrowserlessRenderer) Render(ctx context.Context, targetURL string, opts RenderOptions) (*RenderResult, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	if opts.Interactive() {
		resp, err := b.client.Function(ctx, browserless.FunctionRequest{
			Code: interactScript,
			Context: map[string]any{
				"url":          targetURL,
				"userAgent":    opts.UserAgent,
				"waitUntil":    opts.WaitUntil,
				"timeout":      opts.Timeout.Milliseconds(),
				"clicks":       opts.Strategy.ClickSelectors,
				"waitSelector": opts.WaitSelector,
				"script":       opts.Strategy.CustomScript,
				"waitTime":     opts.WaitTime.Milliseconds(),
			},
			Stealth: opts.Stealth,
		})
		if err != nil {
			return nil, eris.Wrap(err, "browserless: interactive render")
		}
		return &RenderResult{HTML: string(resp.Data), StatusCode: http.StatusOK, FinalURL: targetURL}, nil
	}

	req := browserless.ContentRequest{
		URL:            targetURL,
		GotoOptions:    &browserless.GotoOptions{WaitUntil: opts.WaitUntil, Timeout: int(opts.Timeout.Milliseconds())},
		WaitForTimeout: int(opts.WaitTime.Milliseconds()),
		UserAgent:      opts.UserAgent,
		BestAttempt:    true,
		Stealth:        opts.Stealth,
		BlockAds:       opts.Stealth,
	}
	if opts.WaitSelector != "" {
		req.WaitForSelector = &browserless.WaitForSelector{Selector: opts.WaitSelector, Timeout: 10000}
	}

	resp, err := b.client.Content(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "browserless: render")
	}
	return &RenderResult{HTML: resp.HTML, StatusCode: resp.StatusCode, Headers: resp.Headers, FinalURL: targetURL}, nil
}

// FirecrawlRenderer renders through Firecrawl's scrape endpoint, mapping
// the strategy onto Firecrawl browser actions.
type FirecrawlRenderer struct {
	client firecrawl.Client
}

// NewFirecrawlRenderer wraps a Firecrawl client.
func NewFirecrawlRenderer(c firecrawl.Client) *FirecrawlRenderer {
	return &FirecrawlRenderer{client: c}
}

func (f *FirecrawlRenderer) Name() string { return "firecrawl" }

func (f *FirecrawlRenderer) Render(ctx context.Context, targetURL string, opts RenderOptions) (*RenderResult, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	req := firecrawl.ScrapeRequest{
		URL:     targetURL,
		Formats: []string{"rawHtml"},
		WaitFor: int(opts.WaitTime.Milliseconds()),
		Timeout: int(opts.Timeout.Milliseconds()),
	}
	if opts.UserAgent != "" {
		req.Headers = map[string]string{"User-Agent": opts.UserAgent}
	}
	if opts.Stealth {
		req.Proxy = "stealth"
	}
	req.Actions = firecrawlActions(opts)

	resp, err := f.client.Scrape(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: render")
	}

	html := resp.Data.RawHTML
	if html == "" {
		html = resp.Data.HTML
	}
	status := resp.Data.Metadata.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	final := resp.Data.Metadata.URL
	if final == "" {
		final = targetURL
	}
	return &RenderResult{HTML: html, StatusCode: status, FinalURL: final}, nil
}

func firecrawlActions(opts RenderOptions) []firecrawl.Action {
	var actions []firecrawl.Action
	if opts.Strategy != nil {
		for _, sel := range opts.Strategy.ClickSelectors {
			actions = append(actions, firecrawl.Click(sel), firecrawl.Wait(500))
		}
	}
	if opts.WaitSelector != "" {
		actions = append(actions, firecrawl.WaitFor(opts.WaitSelector))
	}
	if opts.Strategy != nil && opts.Strategy.CustomScript != "" {
		actions = append(actions, firecrawl.ExecuteJavascript(opts.Strategy.CustomScript))
	}
	return actions
}

// JinaRenderer renders through the Jina Reader browser engine. Reader has
// no click support, so strategies contribute only their wait selector.
type JinaRenderer struct {
	client jina.Client
}

// NewJinaRenderer wraps a Jina client.
func NewJinaRenderer(c jina.Client) *JinaRenderer {
	return &JinaRenderer{client: c}
}

func (j *JinaRenderer) Name() string { return "jina" }

func (j *JinaRenderer) Render(ctx context.Context, targetURL string, opts RenderOptions) (*RenderResult, error) {
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	ro := []jina.ReadOption{
		jina.WithReturnFormat("html"),
		jina.WithEngine("browser"),
		jina.WithUserAgent(opts.UserAgent),
		jina.WithReadTimeout(int(opts.Timeout.Seconds())),
	}
	if opts.WaitSelector != "" {
		ro = append(ro, jina.WithWaitForSelector(opts.WaitSelector))
	}
	if opts.Stealth {
		ro = append(ro, jina.WithNoCache())
	}

	resp, err := j.client.Read(ctx, targetURL, ro...)
	if err != nil {
		return nil, eris.Wrap(err, "jina: render")
	}
	final := strings.TrimSpace(resp.Data.URL)
	if final == "" {
		final = targetURL
	}
	return &RenderResult{HTML: resp.Data.Content, StatusCode: http.StatusOK, FinalURL: final}, nil
}
