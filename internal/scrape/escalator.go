package scrape

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/metrics"
	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/resilience"
)

// Attempt is one unit of work handed to an Executor.
type Attempt struct {
	URL      string
	Method   model.Method
	Identity Identity
	Strategy *model.ScrapingStrategy
	Timeout  time.Duration
}

// Response is what an Executor obtained. HTML may be empty.
type Response struct {
	HTML       string
	StatusCode int
	Headers    http.Header
	FinalURL   string
}

// Executor performs a single acquisition attempt.
type Executor interface {
	Execute(ctx context.Context, a Attempt) (*Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a Attempt) (*Response, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, a Attempt) (*Response, error) { return f(ctx, a) }

// methodSupporter is implemented by executors that cannot run every method.
// The escalator will not advance onto an unsupported method.
type methodSupporter interface {
	Supports(m model.Method) bool
}

// MethodExecutor runs static attempts through a StaticFetcher and every
// browser method through a Renderer.
type MethodExecutor struct {
	Static   *StaticFetcher
	Renderer Renderer
	Timeouts MethodTimeouts
}

// Supports reports whether m can be executed. Browser methods need a
// renderer.
func (e *MethodExecutor) Supports(m model.Method) bool {
	if m == model.MethodStatic {
		return e.Static != nil
	}
	return e.Renderer != nil
}

// Execute dispatches a on its method.
func (e *MethodExecutor) Execute(ctx context.Context, a Attempt) (*Response, error) {
	if a.Method == model.MethodStatic {
		if e.Static == nil {
			return nil, eris.New("scrape: no static fetcher configured")
		}
		ctx, cancel := withTimeout(ctx, a.Timeout)
		defer cancel()
		page, err := e.Static.Fetch(ctx, a.URL, a.Identity)
		if err != nil {
			return nil, err
		}
		return &Response{HTML: page.HTML(), StatusCode: page.StatusCode, Headers: page.Headers, FinalURL: page.FinalURL}, nil
	}

	if e.Renderer == nil {
		return nil, eris.Errorf("scrape: no renderer configured for %s", a.Method)
	}
	opts := RenderOptionsFor(a.Method, a.Identity, a.Strategy, e.Timeouts)
	if a.Timeout > 0 {
		opts.Timeout = a.Timeout
	}
	res, err := e.Renderer.Render(ctx, a.URL, opts)
	if err != nil {
		return nil, err
	}
	return &Response{HTML: res.HTML, StatusCode: res.StatusCode, Headers: res.Headers, FinalURL: res.FinalURL}, nil
}

// FetchOptions configures one FetchWithRetry call.
type FetchOptions struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	RotateUserAgent bool
	EscalateMethods bool
	MinContentChars int

	// StartMethod begins the chain further along, e.g. from a learned
	// pattern. Empty starts at static.
	StartMethod model.Method
	Strategy    *model.ScrapingStrategy
}

// DefaultFetchOptions returns 4 attempts, 2s base delay capped at 16s,
// rotation and escalation on, 1000-char content floor.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{
		MaxAttempts:     4,
		BaseDelay:       2 * time.Second,
		MaxDelay:        16 * time.Second,
		RotateUserAgent: true,
		EscalateMethods: true,
		MinContentChars: 1000,
	}
}

func (o FetchOptions) withDefaults() FetchOptions {
	d := DefaultFetchOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.MinContentChars <= 0 {
		o.MinContentChars = d.MinContentChars
	}
	if o.StartMethod.Rank() < 0 {
		o.StartMethod = model.MethodStatic
	}
	return o
}

// FetchResult is the outcome of FetchWithRetry. It is always returned,
// even when every attempt failed.
type FetchResult struct {
	Content         string                     `json:"-"`
	Method          model.Method               `json:"method"`
	Success         bool                       `json:"success"`
	Attempts        int                        `json:"attempts"`
	BlockerDetected *model.BlockerDetection    `json:"blockerDetected,omitempty"`
	StatusCode      int                        `json:"statusCode,omitempty"`
	FinalURL        string                     `json:"finalUrl,omitempty"`
	History         []model.AcquisitionAttempt `json:"history,omitempty"`
}

// State is the escalation state carried between attempts.
type State struct {
	Method      model.Method
	Attempt     int
	LastBlocker *model.BlockerDetection

	// LowContentEscalated is set once a short page has caused an
	// escalation; a second short page is accepted.
	LowContentEscalated bool
}

// Action is what the escalator does after an attempt.
type Action int

const (
	// ActionAccept ends the call successfully.
	ActionAccept Action = iota
	// ActionRetry runs another attempt after Delay.
	ActionRetry
	// ActionFail ends the call unsuccessfully.
	ActionFail
)

// Decision is the result of one transition.
type Decision struct {
	Action  Action
	Delay   time.Duration
	Outcome model.AttemptOutcome
}

// Observation is what one attempt produced, as seen by the state machine.
type Observation struct {
	Detection     model.BlockerDetection
	ContentLength int
	Err           error
}

// Transition computes the next state from s after observing obs. canRun
// reports whether a method is executable; nil means every method is.
// The method never moves backwards along the chain.
func Transition(s State, obs Observation, opts FetchOptions, canRun func(model.Method) bool) (State, Decision) {
	next := s
	next.Attempt = s.Attempt + 1
	remaining := next.Attempt < opts.MaxAttempts

	advance := func() bool {
		m, ok := s.Method.Next()
		if !ok || (canRun != nil && !canRun(m)) {
			return false
		}
		next.Method = m
		return true
	}

	if obs.Err != nil || obs.Detection.IsBlocked {
		det := obs.Detection
		next.LastBlocker = &det
		outcome := model.OutcomeBlocked
		if obs.Err != nil {
			outcome = model.OutcomeError
		}
		if !remaining {
			return next, Decision{Action: ActionFail, Outcome: outcome}
		}
		if opts.EscalateMethods {
			advance()
		}
		return next, Decision{
			Action:  ActionRetry,
			Delay:   resilience.ExponentialBackoff(opts.BaseDelay, opts.MaxDelay, s.Attempt),
			Outcome: outcome,
		}
	}

	if obs.ContentLength < opts.MinContentChars && remaining && opts.EscalateMethods && !s.LowContentEscalated {
		if advance() {
			next.LowContentEscalated = true
			return next, Decision{Action: ActionRetry, Outcome: model.OutcomeLowContent}
		}
	}

	return next, Decision{Action: ActionAccept, Outcome: model.OutcomeSuccess}
}

// Escalator retries an acquisition across the method chain.
type Escalator struct {
	exec    Executor
	rotator *Rotator
	metrics *metrics.Metrics
	timeout MethodTimeouts
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// EscalatorOption configures an Escalator.
type EscalatorOption func(*Escalator)

// WithMetrics records attempts and escalations on m.
func WithMetrics(m *metrics.Metrics) EscalatorOption {
	return func(e *Escalator) { e.metrics = m }
}

// WithSleeper replaces the backoff sleep, for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) EscalatorOption {
	return func(e *Escalator) { e.sleep = fn }
}

// WithRotator sets the identity rotator. By default one is created per call
// from FetchOptions.RotateUserAgent.
func WithRotator(r *Rotator) EscalatorOption {
	return func(e *Escalator) { e.rotator = r }
}

// WithTimeouts sets the per-method timeouts passed to the executor.
func WithTimeouts(t MethodTimeouts) EscalatorOption {
	return func(e *Escalator) { e.timeout = t }
}

// NewEscalator creates an Escalator running attempts through exec.
func NewEscalator(exec Executor, opts ...EscalatorOption) *Escalator {
	e := &Escalator{
		exec:    exec,
		timeout: DefaultMethodTimeouts(),
		sleep:   resilience.Sleep,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FetchWithRetry acquires targetURL, escalating through the method chain on
// blocks, errors and suspiciously short pages. Failure is reported through
// FetchResult.Success, never as an error.
func (e *Escalator) FetchWithRetry(ctx context.Context, targetURL string, opts FetchOptions) *FetchResult {
	opts = opts.withDefaults()

	rotator := e.rotator
	if rotator == nil {
		rotator = NewRotator(opts.RotateUserAgent)
	}
	var canRun func(model.Method) bool
	if ms, ok := e.exec.(methodSupporter); ok {
		canRun = ms.Supports
		if !canRun(opts.StartMethod) {
			opts.StartMethod = model.MethodStatic
		}
	}

	state := State{Method: opts.StartMethod}
	result := &FetchResult{Method: state.Method}
	log := zap.L().With(zap.String("url", targetURL))

	for state.Attempt < opts.MaxAttempts {
		id := rotator.ForAttempt(state.Attempt)
		attempt := model.AcquisitionAttempt{
			URL:       targetURL,
			Method:    state.Method,
			UserAgent: id.UserAgent,
			StartedAt: e.now(),
		}

		resp, err := e.exec.Execute(ctx, Attempt{
			URL:      targetURL,
			Method:   state.Method,
			Identity: id,
			Strategy: opts.Strategy,
			Timeout:  e.timeout.For(state.Method),
		})

		var html string
		var status int
		var headers http.Header
		if resp != nil {
			html, status, headers = resp.HTML, resp.StatusCode, resp.Headers
			if html != "" {
				result.Content = html
				result.StatusCode = status
				result.FinalURL = resp.FinalURL
			}
		}

		det := Detect(html, status, headers, err)
		current := state.Method
		next, decision := Transition(state, Observation{
			Detection:     det,
			ContentLength: len(html),
			Err:           err,
		}, opts, canRun)

		attempt.Outcome = decision.Outcome
		result.History = append(result.History, attempt)
		result.Attempts = next.Attempt
		result.Method = current
		e.metrics.ObserveAttempt(string(current), string(decision.Outcome), e.now().Sub(attempt.StartedAt))
		if det.IsBlocked {
			e.metrics.IncBlocker(string(det.BlockerType))
			log.Warn("scrape: attempt blocked",
				zap.Int("attempt", state.Attempt),
				zap.String("method", string(current)),
				zap.String("blocker", string(det.BlockerType)),
				zap.Int("confidence", det.Confidence),
				zap.String("message", det.Message),
			)
		}

		state = next
		result.BlockerDetected = state.LastBlocker

		switch decision.Action {
		case ActionAccept:
			result.Success = true
			result.Content = html
			result.StatusCode = status
			if resp != nil {
				result.FinalURL = resp.FinalURL
			}
			e.metrics.IncFetchResult(string(current), true)
			log.Debug("scrape: fetched",
				zap.String("method", string(current)),
				zap.Int("attempts", result.Attempts),
				zap.Int("chars", len(html)),
			)
			return result
		case ActionFail:
			e.metrics.IncFetchResult(string(current), false)
			log.Warn("scrape: attempts exhausted",
				zap.String("method", string(current)),
				zap.Int("attempts", result.Attempts),
			)
			return result
		}

		if state.Method != current {
			e.metrics.IncEscalation(string(state.Method))
			log.Info("scrape: escalating",
				zap.String("from", string(current)),
				zap.String("to", string(state.Method)),
				zap.String("reason", string(decision.Outcome)),
			)
		}

		if decision.Delay > 0 {
			if err := e.sleep(ctx, decision.Delay); err != nil {
				e.metrics.IncFetchResult(string(current), false)
				cancelled := model.BlockerDetection{
					IsBlocked:   true,
					BlockerType: model.BlockerNetwork,
					Confidence:  50,
					Message:     err.Error(),
				}
				result.BlockerDetected = &cancelled
				return result
			}
		}
	}

	return result
}
