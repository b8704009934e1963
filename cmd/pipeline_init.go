package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/extract"
	"github.com/sells-group/versionvault/internal/metrics"
	"github.com/sells-group/versionvault/internal/ocr"
	"github.com/sells-group/versionvault/internal/pipeline"
	"github.com/sells-group/versionvault/internal/quirks"
	"github.com/sells-group/versionvault/internal/resilience"
	"github.com/sells-group/versionvault/internal/scrape"
	"github.com/sells-group/versionvault/internal/source"
	"github.com/sells-group/versionvault/internal/store"
	"github.com/sells-group/versionvault/pkg/browserless"
	"github.com/sells-group/versionvault/pkg/firecrawl"
	"github.com/sells-group/versionvault/pkg/jina"
)

const feedMaxItems = 20

// pipelineEnv holds the store, the acquisition stack and the pipeline
// needed by the extract/batch/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Metrics  *metrics.Metrics
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// acquisition is the fetch stack shared by the pipeline and discovery.
type acquisition struct {
	Escalator  *scrape.Escalator
	Router     *source.Router
	Webpage    *source.WebpageAdapter
	Discoverer *source.Discoverer
	Firecrawl  firecrawl.Client
	Jina       jina.Client
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// methodTimeouts maps the fetch configuration onto per-method timeouts.
func methodTimeouts(fc config.FetchConfig) scrape.MethodTimeouts {
	t := scrape.DefaultMethodTimeouts()
	if fc.StaticTimeoutSecs > 0 {
		t.Static = time.Duration(fc.StaticTimeoutSecs) * time.Second
	}
	if fc.RenderTimeoutSecs > 0 {
		t.Render = time.Duration(fc.RenderTimeoutSecs) * time.Second
	}
	if fc.ExtendedTimeoutSecs > 0 {
		t.Extended = time.Duration(fc.ExtendedTimeoutSecs) * time.Second
	}
	if fc.InteractTimeoutSecs > 0 {
		t.Interactive = time.Duration(fc.InteractTimeoutSecs) * time.Second
	}
	return t
}

// newRenderer builds the browser backend named by fetch.renderer. A nil
// renderer limits acquisition to static fetches.
func newRenderer(c *config.Config, fc firecrawl.Client, jc jina.Client) (scrape.Renderer, error) {
	switch c.Fetch.Renderer {
	case "browserless", "":
		if c.Browserless.Key == "" {
			zap.L().Warn("browserless.key not set, browser methods disabled")
			return nil, nil
		}
		return scrape.NewBrowserlessRenderer(browserless.NewClient(c.Browserless.Key,
			browserless.WithBaseURL(c.Browserless.BaseURL))), nil
	case "firecrawl":
		if c.Firecrawl.Key == "" {
			return nil, eris.New("fetch.renderer firecrawl requires firecrawl.key")
		}
		return scrape.NewFirecrawlRenderer(fc), nil
	case "jina":
		return scrape.NewJinaRenderer(jc), nil
	case "chrome":
		return scrape.NewChromeRenderer(c.Chrome.ExecPath, c.Chrome.Headless), nil
	case "none":
		return nil, nil
	default:
		return nil, eris.Errorf("unknown fetch.renderer %q", c.Fetch.Renderer)
	}
}

// initAcquisition wires the static fetcher, the renderer, the escalator
// and every source adapter.
func initAcquisition(c *config.Config, m *metrics.Metrics) (*acquisition, error) {
	fc := firecrawl.NewClient(c.Firecrawl.Key, firecrawl.WithBaseURL(c.Firecrawl.BaseURL))
	jinaOpts := []jina.Option{jina.WithBaseURL(c.Jina.BaseURL)}
	if c.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
	}
	jc := jina.NewClient(c.Jina.Key, jinaOpts...)

	renderer, err := newRenderer(c, fc, jc)
	if err != nil {
		return nil, err
	}
	if renderer != nil {
		renderer = scrape.WithBreaker(renderer, resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()))
	}

	timeouts := methodTimeouts(c.Fetch)
	exec := &scrape.MethodExecutor{
		Static: scrape.NewStaticFetcher(scrape.StaticOptions{
			Timeout:           timeouts.Static,
			MaxBodyBytes:      c.Fetch.MaxBodyBytes,
			RequestsPerSecond: c.Fetch.RequestsPerSecond,
		}),
		Renderer: renderer,
		Timeouts: timeouts,
	}
	esc := scrape.NewEscalator(exec, scrape.WithMetrics(m), scrape.WithTimeouts(timeouts))

	pdfText, err := ocr.NewExtractor(c.OCR)
	if err != nil {
		return nil, eris.Wrap(err, "init ocr")
	}

	var mapper firecrawl.Client
	if c.Firecrawl.Key != "" {
		mapper = fc
	}
	webpage := source.NewWebpageAdapter(esc)
	disc := source.NewDiscoverer(esc, mapper, c.Sitemap)
	router := source.NewRouter(
		webpage,
		source.NewRSSAdapter(esc, feedMaxItems),
		source.NewForumAdapter(esc, c.Forum),
		source.NewPDFAdapter(esc, pdfText),
		source.NewPlaintextAdapter(esc),
		source.NewSitemapAdapter(disc, webpage),
	)

	return &acquisition{
		Escalator:  esc,
		Router:     router,
		Webpage:    webpage,
		Discoverer: disc,
		Firecrawl:  fc,
		Jina:       jc,
	}, nil
}

// familyFetcher fetches related release pages for family backfill quirks
// through the webpage adapter.
func familyFetcher(w *source.WebpageAdapter, opts scrape.FetchOptions) extract.TextFetcherFunc {
	return func(ctx context.Context, url string) (string, error) {
		res, err := w.Acquire(ctx, url, opts)
		if err != nil {
			return "", err
		}
		if !res.Success || res.Text == "" {
			return "", eris.Errorf("fetch family page %s failed", url)
		}
		return res.Text, nil
	}
}

// initPipeline sets up the store, all API clients and the Pipeline.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Check(mode); err != nil {
		return nil, err
	}

	m := metrics.New()
	acq, err := initAcquisition(cfg, m)
	if err != nil {
		return nil, err
	}

	completer, err := extract.NewCompleter(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "init completer")
	}
	reg, err := quirks.Load(cfg.Quirks.File)
	if err != nil {
		return nil, eris.Wrap(err, "load quirks")
	}
	extractor := extract.New(completer, cfg.Completion,
		extract.WithQuirks(reg),
		extract.WithFamilyFetcher(familyFetcher(acq.Webpage, pipeline.FetchOptions(cfg.Fetch))),
		extract.WithMetrics(m),
	)

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(cfg, st, acq.Router, extractor, pipeline.WithMetrics(m))

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("renderer", cfg.Fetch.Renderer),
		zap.String("provider", completer.Name()),
		zap.Int("quirks", len(reg.Rules())),
	)
	return &pipelineEnv{Store: st, Pipeline: p, Metrics: m}, nil
}
