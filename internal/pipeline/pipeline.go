package pipeline

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/anomaly"
	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/extract"
	"github.com/sells-group/versionvault/internal/metrics"
	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/pattern"
	"github.com/sells-group/versionvault/internal/scrape"
	"github.com/sells-group/versionvault/internal/source"
	"github.com/sells-group/versionvault/internal/store"
	"github.com/sells-group/versionvault/internal/validate"
	"github.com/sells-group/versionvault/internal/window"
)

// Phase names, in execution order.
const (
	PhaseAcquire  = "acquire"
	PhaseWindow   = "window"
	PhaseExtract  = "extract"
	PhaseValidate = "validate"
	PhaseAnomaly  = "anomaly"
	PhasePersist  = "persist"
)

// Acquirer turns a URL into text. *source.Router implements it.
type Acquirer interface {
	Acquire(ctx context.Context, kind model.SourceKind, target string, opts scrape.FetchOptions) (*source.Result, error)
}

// Extractor windows content and runs the completion. *extract.Extractor
// implements it.
type Extractor interface {
	Assemble(in extract.Input) (content string, versionWin, mainWin window.Result)
	Extract(ctx context.Context, in extract.Input) (*extract.Output, error)
}

// Result is the outcome of one pipeline run.
type Result struct {
	RunID           string         `json:"run_id" yaml:"run_id"`
	Product         model.Product  `json:"product" yaml:"product"`
	SourceURL       string         `json:"source_url" yaml:"source_url"`
	Source          *source.Result `json:"source,omitempty" yaml:"source,omitempty"`
	model.RunResult `yaml:",inline"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records validation failures, anomalies and manual reviews.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline runs one product through acquisition, windowing, extraction,
// validation, anomaly detection and persistence, strictly in that order.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	acquirer  Acquirer
	extractor Extractor
	validator *validate.Validator
	detector  *anomaly.Detector
	patterns  *pattern.Learner
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a Pipeline. The validator, anomaly detector and pattern
// learner are built from cfg; patterns are stored in st.
func New(cfg *config.Config, st store.Store, acq Acquirer, ext Extractor, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		store:     st,
		acquirer:  acq,
		extractor: ext,
		validator: validate.New(cfg.Validate),
		detector:  anomaly.New(cfg.Anomaly),
		patterns:  pattern.New(st, cfg.Pattern),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Patterns returns the pipeline's pattern learner.
func (p *Pipeline) Patterns() *pattern.Learner { return p.patterns }

// FetchOptions maps the fetch configuration onto escalator options.
func FetchOptions(cfg config.FetchConfig) scrape.FetchOptions {
	return scrape.FetchOptions{
		MaxAttempts:     cfg.MaxAttempts,
		BaseDelay:       time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		RotateUserAgent: cfg.RotateUserAgent,
		EscalateMethods: cfg.EscalateMethods,
		MinContentChars: cfg.MinContentChars,
	}
}

// CheckProduct reports whether product can be run.
func CheckProduct(product model.Product) error {
	if strings.TrimSpace(product.Name) == "" {
		return eris.New("pipeline: product name is required")
	}
	if err := checkURL(product.VersionURL); err != nil {
		return eris.Wrap(err, "pipeline: version url")
	}
	if product.MainURL != "" {
		if err := checkURL(product.MainURL); err != nil {
			return eris.Wrap(err, "pipeline: main url")
		}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return eris.Wrapf(err, "parse %q", raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return eris.Errorf("unsupported url %q", raw)
	}
	return nil
}

// Run executes the pipeline for one product. Acquisition and completion
// failures are reported in the result; the error return is reserved for
// invalid input, cancellation and storage failures. Products without an
// id are registered first.
func (p *Pipeline) Run(ctx context.Context, product model.Product) (*Result, error) {
	if err := CheckProduct(product); err != nil {
		return nil, err
	}
	product.Name = strings.TrimSpace(product.Name)
	product.VersionURL = strings.TrimSpace(product.VersionURL)

	if product.ID == "" {
		product.Enabled = true
		if err := p.store.UpsertProduct(ctx, &product); err != nil {
			return nil, eris.Wrap(err, "pipeline: register product")
		}
	}

	log := zap.L().With(zap.String("product", product.Name), zap.String("url", product.VersionURL))
	log.Info("pipeline: starting extraction")

	run, err := p.store.CreateRun(ctx, product.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	result := &Result{RunID: run.ID, Product: product, SourceURL: product.VersionURL}

	setStatus := func(status model.RunStatus) {
		if statusErr := p.store.UpdateRunStatus(ctx, run.ID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}

	trackPhase := func(name string, fn func() (*model.PhaseResult, error)) error {
		phase, phaseErr := p.store.CreatePhase(ctx, run.ID, name)
		if phaseErr != nil {
			log.Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(phaseErr))
		}

		start := time.Now()
		phaseResult, fnErr := fn()
		duration := time.Since(start).Milliseconds()

		if phaseResult == nil {
			phaseResult = &model.PhaseResult{}
		}
		phaseResult.Name = name
		phaseResult.Duration = duration

		switch {
		case fnErr != nil:
			phaseResult.Status = model.PhaseStatusFailed
			phaseResult.Error = fnErr.Error()
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		case phaseResult.Status == model.PhaseStatusSkipped:
			log.Info("pipeline: phase skipped", zap.String("phase", name))
		default:
			phaseResult.Status = model.PhaseStatusComplete
			log.Info("pipeline: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
			)
		}

		if phase != nil {
			_ = p.store.CompletePhase(ctx, phase.ID, phaseResult)
		}
		result.Phases = append(result.Phases, *phaseResult)
		return fnErr
	}

	fail := func(cause error) (*Result, error) {
		result.Error = cause.Error()
		if updErr := p.store.UpdateRunResult(ctx, run.ID, &result.RunResult); updErr != nil {
			log.Error("pipeline: failed to record failed run", zap.Error(updErr))
		}
		return result, cause
	}

	// ===== Acquire =====
	setStatus(model.RunStatusAcquiring)
	var acq acquired
	if err := trackPhase(PhaseAcquire, func() (*model.PhaseResult, error) {
		return p.acquire(ctx, product, result, &acq)
	}); err != nil {
		return fail(err)
	}

	in := extract.Input{Product: product, SourceURL: product.VersionURL, MainSiteText: acq.mainText}
	if result.Source != nil {
		in.Text = result.Source.Text
	}

	// ===== Window =====
	setStatus(model.RunStatusExtracting)
	_ = trackPhase(PhaseWindow, func() (*model.PhaseResult, error) {
		if strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.MainSiteText) == "" {
			return &model.PhaseResult{Status: model.PhaseStatusSkipped}, nil
		}
		content, vw, mw := p.extractor.Assemble(in)
		return &model.PhaseResult{Metadata: map[string]any{
			"method":        vw.Method,
			"found_product": vw.FoundProduct || mw.FoundProduct,
			"matches":       vw.Matches,
			"windows":       vw.Windows,
			"chars":         len(content),
		}}, nil
	})

	// ===== Extract =====
	var out *extract.Output
	if err := trackPhase(PhaseExtract, func() (*model.PhaseResult, error) {
		o, err := p.extractor.Extract(ctx, in)
		if err != nil {
			return nil, err
		}
		out = o
		result.Extracted = o.Info
		result.TotalTokens = o.InputTokens + o.OutputTokens
		return &model.PhaseResult{Metadata: map[string]any{
			"provider": o.Provider,
			"fallback": o.Fallback,
			"versions": len(o.Info.Versions),
			"tokens":   result.TotalTokens,
		}}, nil
	}); err != nil {
		return fail(err)
	}

	// ===== Validate =====
	setStatus(model.RunStatusValidating)
	_ = trackPhase(PhaseValidate, func() (*model.PhaseResult, error) {
		v := p.validator.Validate(product.Name, out.Info, in.Text+"\n"+in.MainSiteText, product.VersionURL)
		result.Validation = &v
		if !v.Valid {
			p.metrics.IncValidationFailure()
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"valid":      v.Valid,
			"confidence": v.Confidence,
			"warnings":   len(v.Warnings),
		}}, nil
	})

	// ===== Anomaly =====
	current := anomaly.Snapshot(out.Info, result.Method, p.now().UTC())
	if err := trackPhase(PhaseAnomaly, func() (*model.PhaseResult, error) {
		previous, err := p.store.GetLatest(ctx, product.ID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: load previous extraction")
		}
		result.Anomalies = p.detector.Detect(current, previous)
		result.RequiresManualReview = anomaly.RequiresManualReview(result.Anomalies)
		for _, a := range result.Anomalies {
			p.metrics.IncAnomaly(string(a.Type), string(a.Severity))
			log.Warn("pipeline: anomaly detected",
				zap.String("type", string(a.Type)),
				zap.String("severity", string(a.Severity)),
				zap.String("message", a.Message),
			)
		}
		if result.RequiresManualReview {
			p.metrics.IncManualReview()
		}
		return &model.PhaseResult{Metadata: map[string]any{
			"anomalies":     len(result.Anomalies),
			"has_previous":  previous != nil,
			"manual_review": result.RequiresManualReview,
		}}, nil
	}); err != nil {
		return fail(err)
	}

	// ===== Persist =====
	if err := trackPhase(PhasePersist, func() (*model.PhaseResult, error) {
		return p.persist(ctx, product, out, current, acq.strategy, result)
	}); err != nil {
		return fail(err)
	}

	if !result.FetchSuccess && (result.Source == nil || strings.TrimSpace(result.Source.Text) == "") {
		result.Error = acquisitionError(result.Source)
	}
	if err := p.store.UpdateRunResult(ctx, run.ID, &result.RunResult); err != nil {
		return result, eris.Wrap(err, "pipeline: record run result")
	}

	log.Info("pipeline: extraction complete",
		zap.String("current_version", validate.CurrentVersion(result.Extracted)),
		zap.Bool("valid", result.Validation != nil && result.Validation.Valid),
		zap.Int("anomalies", len(result.Anomalies)),
		zap.Bool("manual_review", result.RequiresManualReview),
		zap.Int("tokens", result.TotalTokens),
	)
	return result, nil
}

// acquired carries what the acquire phase produced besides the source
// result.
type acquired struct {
	mainText string
	strategy *model.ScrapingStrategy
}

// acquire fetches the version page, starting from a learned pattern when
// one qualifies, and the main site when the product has one.
func (p *Pipeline) acquire(ctx context.Context, product model.Product, result *Result, acq *acquired) (*model.PhaseResult, error) {
	log := zap.L().With(zap.String("product", product.Name), zap.String("url", product.VersionURL))
	opts := FetchOptions(p.cfg.Fetch)
	meta := map[string]any{}

	suggested, ok, err := p.patterns.Suggest(ctx, product.VersionURL)
	switch {
	case err != nil:
		log.Warn("pipeline: pattern lookup failed", zap.Error(err))
	case ok:
		opts = applyPattern(opts, suggested)
		acq.strategy = opts.Strategy
		meta["pattern"] = suggested.Domain
		meta["start_method"] = string(opts.StartMethod)
	}

	res, err := p.acquirer.Acquire(ctx, product.SourceKind, product.VersionURL, opts)
	if err != nil {
		return nil, err
	}
	result.Source = res
	result.Method = res.Method
	result.FetchSuccess = res.Success
	result.Attempts = res.Attempts
	if res.URL != "" {
		result.SourceURL = res.URL
	}
	meta["kind"] = string(res.Kind)
	meta["method"] = string(res.Method)
	meta["success"] = res.Success
	meta["attempts"] = res.Attempts
	meta["chars"] = len(res.Text)
	if res.Blocker != nil && res.Blocker.IsBlocked {
		meta["blocker"] = string(res.Blocker.BlockerType)
	}

	if product.MainURL != "" && product.MainURL != product.VersionURL {
		mainRes, err := p.acquirer.Acquire(ctx, model.SourceWebpage, product.MainURL, FetchOptions(p.cfg.Fetch))
		if err != nil {
			return nil, err
		}
		if mainRes.Success {
			acq.mainText = mainRes.Text
		} else {
			log.Warn("pipeline: main site acquisition failed", zap.String("main_url", product.MainURL))
		}
		meta["main_chars"] = len(acq.mainText)
	}
	return &model.PhaseResult{Metadata: meta}, nil
}

// applyPattern starts the escalation at the learned method and passes the
// learned interaction steps along. Options already set are kept.
func applyPattern(opts scrape.FetchOptions, lp *model.LearnedPattern) scrape.FetchOptions {
	if lp == nil {
		return opts
	}
	if opts.StartMethod == "" {
		opts.StartMethod = lp.Strategy.PreferredMethod
	}
	if opts.Strategy == nil && !lp.Strategy.IsZero() {
		s := lp.Strategy
		opts.Strategy = &s
	}
	return opts
}

// persist stores the version history and the snapshot for the next
// anomaly check, then records the acquisition outcome for the domain.
// Fallbacks and extractions that failed validation are not stored.
// Anomalies do not gate the write; the review flag travels with the run
// result.
func (p *Pipeline) persist(ctx context.Context, product model.Product, out *extract.Output, current model.Snapshot, used *model.ScrapingStrategy, result *Result) (*model.PhaseResult, error) {
	meta := map[string]any{}
	keep := !out.Fallback && result.Validation != nil && result.Validation.Valid
	meta["stored"] = keep
	meta["manual_review"] = result.RequiresManualReview

	if keep {
		n, err := p.store.MergeVersions(ctx, product.ID, result.SourceURL, out.Info.Versions)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: merge versions")
		}
		meta["versions_merged"] = n
		if current.Version != "" {
			if err := p.store.SetLatest(ctx, product.ID, current); err != nil {
				return nil, eris.Wrap(err, "pipeline: set latest")
			}
		}
	}

	success := result.FetchSuccess && !out.Fallback && result.Validation != nil &&
		result.Validation.Confidence >= p.learnConfidence()
	var strategy model.ScrapingStrategy
	if success {
		if used != nil {
			strategy = *used
		}
		strategy.PreferredMethod = result.Method
	}
	lp, err := p.patterns.Record(ctx, product.VersionURL, success, strategy)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: record pattern")
	}
	meta["pattern_success"] = success
	if lp != nil {
		meta["pattern_rate"] = lp.SuccessRate
	}
	return &model.PhaseResult{Metadata: meta}, nil
}

func (p *Pipeline) learnConfidence() int {
	if p.cfg.Pattern.LearnConfidence > 0 {
		return p.cfg.Pattern.LearnConfidence
	}
	return 80
}

func acquisitionError(res *source.Result) string {
	if res != nil && res.Blocker != nil && res.Blocker.IsBlocked {
		return "acquisition failed: " + string(res.Blocker.BlockerType)
	}
	return "acquisition failed: no content"
}
