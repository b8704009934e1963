package scrape

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/versionvault/internal/metrics"
	"github.com/sells-group/versionvault/internal/model"
)

var goodPage = "<html><body>" + strings.Repeat("Version 4.2.1 released with fixes. ", 60) + "</body></html>"

type scriptedExecutor struct {
	mu        sync.Mutex
	responses []func(a Attempt) (*Response, error)
	calls     []Attempt
	supported map[model.Method]bool
}

func (s *scriptedExecutor) Execute(_ context.Context, a Attempt) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.calls)
	s.calls = append(s.calls, a)
	if i >= len(s.responses) {
		return &Response{HTML: goodPage, StatusCode: 200}, nil
	}
	return s.responses[i](a)
}

func (s *scriptedExecutor) methods() []model.Method {
	out := make([]model.Method, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Method)
	}
	return out
}

type supportingExecutor struct {
	*scriptedExecutor
}

func (s supportingExecutor) Supports(m model.Method) bool { return s.supported[m] }

func blocked(a Attempt) (*Response, error) {
	return &Response{HTML: challengeBody(1500), StatusCode: 403, Headers: http.Header{"Cf-Ray": {"x"}}}, nil
}

func good(a Attempt) (*Response, error) {
	return &Response{HTML: goodPage, StatusCode: 200, FinalURL: a.URL}, nil
}

func short(a Attempt) (*Response, error) {
	return &Response{HTML: "<html>v1</html>", StatusCode: 200}, nil
}

func netErr(a Attempt) (*Response, error) {
	return nil, errors.New("dial tcp: i/o timeout")
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestEscalator(exec Executor, rec *sleepRecorder, opts ...EscalatorOption) *Escalator {
	r := NewRotator(true)
	r.intn = func(n int) int { return n - 1 }
	base := []EscalatorOption{WithSleeper(rec.sleep), WithRotator(r)}
	return NewEscalator(exec, append(base, opts...)...)
}

func TestFetchWithRetry_FirstAttemptSucceeds(t *testing.T) {
	exec := &scriptedExecutor{responses: []func(Attempt) (*Response, error){good}}
	rec := &sleepRecorder{}

	res := newTestEscalator(exec, rec).FetchWithRetry(context.Background(), "https://vendor.example", DefaultFetchOptions())

	assert.True(t, res.Success)
	assert.Equal(t, model.MethodStatic, res.Method)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, goodPage, res.Content)
	assert.Nil(t, res.BlockerDetected)
	assert.Empty(t, rec.delays)
	require.Len(t, res.History, 1)
	assert.Equal(t, model.OutcomeSuccess, res.History[0].Outcome)
	assert.Equal(t, identityPool[0].UserAgent, res.History[0].UserAgent)
}

func TestFetchWithRetry_EscalatesOnBlock(t *testing.T) {
	exec := &scriptedExecutor{responses: []func(Attempt) (*Response, error){blocked, blocked, good}}
	rec := &sleepRecorder{}

	res := newTestEscalator(exec, rec).FetchWithRetry(context.Background(), "https://vendor.example", DefaultFetchOptions())

	assert.True(t, res.Success)
	assert.Equal(t, model.MethodBrowserlessExtended, res.Method)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []model.Method{model.MethodStatic, model.MethodBrowserless, model.MethodBrowserlessExtended}, exec.methods())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.delays)
	require.NotNil(t, res.BlockerDetected)
	assert.Equal(t, model.BlockerCloudflare, res.BlockerDetected.BlockerType)

	// Identity rotates after the first attempt.
	assert.Equal(t, identityPool[0].UserAgent, exec.calls[0].Identity.UserAgent)
	assert.Equal(t, identityPool[len(identityPool)-1].UserAgent, exec.calls[1].Identity.UserAgent)
}

func TestFetchWithRetry_ExhaustsAttempts(t *testing.T) {
	exec := &scriptedExecutor{responses: []func(Attempt) (*Response, error){blocked, blocked, blocked, blocked, blocked, blocked}}
	rec := &sleepRecorder{}

	res := newTestEscalator(exec, rec).FetchWithRetry(context.Background(), "https://vendor.example", DefaultFetchOptions())

	assert.False(t, res.Success)
	assert.Len(t, exec.calls, 4)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, model.MethodInteractive, res.Method)
	assert.Equal(t, challengeBody(1500), res.Content)
	require.NotNil(t, res.BlockerDetected)
	assert.True(t, res.BlockerDetected.IsBlocked)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.delays)
}

func TestFetchWithRetry_BackoffCapped(t *testing.T) {
	responses := make([]func(Attempt) (*Response, error), 8)
	for i := range responses {
		responses[i] = blocked
	}
	exec := &scriptedExecutor{responses: responses}
	rec := &sleepRecorder{}

	opts := DefaultFetchOptions()
	opts.MaxAttempts = 7
	res := newTestEscalator(exec, rec).FetchWithRetry(context.Background(), "https://vendor.example", opts)

	assert.False(t, res.Success)
	assert.Len(t, exec.calls, 7)
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 16 * time.Second, 16 * time.Second,
	}, rec.delays)
}

func TestFetchWithRetry_MethodsNeverRegress(t *testing.T) {
	scripts := [][]func(Attempt) (*Response, error){
		{blocked, netErr, short, blocked, good},
		{short, blocked, blocked, good},
		{netErr, netErr, netErr, netErr, netErr},
		{short, short, short},
	}
	for _, script := range scripts {
		for maxAttempts := 1; maxAttempts <= 6; maxAttempts++ {
			exec := &scriptedExecutor{responses: script}
			opts := DefaultFetchOptions()
			opts.MaxAttempts = maxAttempts

			res := newTestEscalator(exec, &sleepRecorder{}).FetchWithRetry(context.Background(), "https://vendor.example", opts)

			assert.LessOrEqual(t, len(exec.calls), maxAttempts)
			assert.Equal(t, len(exec.calls), res.Attempts)
			ms := exec.methods()
			for i := 1; i < len(ms); i++ {
				assert.GreaterOrEqual(t, ms[i].Rank(), ms[i-1].Rank(), "methods %v", ms)
				assert.LessOrEqual(t, ms[i].Rank()-ms[i-1].Rank(), 1, "skipped a method: %v", ms)
			}
		}
	}
}

func TestFetchWithRetry_LowContentEscalatesOnce(t *testing.T) {
	exec := &scriptedExecutor{responses: []func(Attempt) (*Response, error){short, short}}
	rec := &sleepRecorder{}

	res := newTestEscalator(exec, rec).FetchWithRetry(context.Background(), "https://vendor.example", DefaultFetchOptions())

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, model.MethodBrowserless, res.Method)
	assert.Equal(t, "<html>v1</html>", res.Content)
	assert.Empty(t, rec.delays)
	assert.Equal(t, model.OutcomeLowContent, res.History[0].Outcome)
}

func TestFetchWithRetry_LowContentOnLastAttemptAccepted(t *testing.T) {
	exec := &scriptedExecutor{responses: []func(Attempt) (*Response, error){short}}

	opts := DefaultFetchOptions()
	opts.MaxAttempts = 1
	res := newTestEscalator(exec, &sleepRecorder{}).FetchWithRetry(context.Background(), "https://vendor.example", opts)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
}

func TestFetchWithRetry_NetworkErrorEscalates(t *testing.T) {
	exec := &scriptedExecutor{responses: []func(Attempt) (*Response, error){netErr, good}}
	rec := &sleepRecorder{}

	res := newTestEscalator(exec, rec).FetchWithRetry(context.Background(), "https://vendor.example", DefaultFetchOptions())

	assert.True(t, res.Success)
	assert.Equal(t, model.MethodBrowserless, res.Method)
	assert.Equal(t, model.OutcomeError, res.History[0].Outcome)
	require.NotNil(t, res.BlockerDetected)
	assert.Equal(t, model.BlockerNetwork, res.BlockerDetected.BlockerType)
}

func TestFetchWithRetry_NoEscalation(t *testing.T) {
	exec := &scriptedExecutor{responses: []func(Attempt) (*Response, error){blocked, blocked, good}}

	opts := DefaultFetchOptions()
	opts.EscalateMethods = false
	res := newTestEscalator(exec, &sleepRecorder{}).FetchWithRetry(context.Background(), "https://vendor.example", opts)

	assert.True(t, res.Success)
	assert.Equal(t, []model.Method{model.MethodStatic, model.MethodStatic, model.MethodStatic}, exec.methods())
}

func TestFetchWithRetry_StartMethodAndStrategy(t *testing.T) {
	exec := &scriptedExecutor{responses: []func(Attempt) (*Response, error){good}}
	strategy := &model.ScrapingStrategy{ClickSelectors: []string{".more"}}

	opts := DefaultFetchOptions()
	opts.StartMethod = model.MethodInteractive
	opts.Strategy = strategy
	res := newTestEscalator(exec, &sleepRecorder{}).FetchWithRetry(context.Background(), "https://vendor.example", opts)

	assert.True(t, res.Success)
	assert.Equal(t, model.MethodInteractive, res.Method)
	assert.Same(t, strategy, exec.calls[0].Strategy)
	assert.Equal(t, 90*time.Second, exec.calls[0].Timeout)
}

func TestFetchWithRetry_UnsupportedMethodsNotEntered(t *testing.T) {
	inner := &scriptedExecutor{
		responses: []func(Attempt) (*Response, error){blocked, blocked, good},
		supported: map[model.Method]bool{model.MethodStatic: true},
	}
	exec := supportingExecutor{inner}

	opts := DefaultFetchOptions()
	opts.StartMethod = model.MethodBrowserless
	res := newTestEscalator(exec, &sleepRecorder{}).FetchWithRetry(context.Background(), "https://vendor.example", opts)

	assert.True(t, res.Success)
	assert.Equal(t, []model.Method{model.MethodStatic, model.MethodStatic, model.MethodStatic}, inner.methods())
}

func TestFetchWithRetry_CancelledDuringBackoff(t *testing.T) {
	exec := &scriptedExecutor{responses: []func(Attempt) (*Response, error){blocked, good}}
	e := NewEscalator(exec, WithSleeper(func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}))

	res := e.FetchWithRetry(context.Background(), "https://vendor.example", DefaultFetchOptions())

	assert.False(t, res.Success)
	assert.Len(t, exec.calls, 1)
	require.NotNil(t, res.BlockerDetected)
	assert.Equal(t, model.BlockerNetwork, res.BlockerDetected.BlockerType)
}

func TestFetchWithRetry_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	exec := &scriptedExecutor{responses: []func(Attempt) (*Response, error){blocked, good}}

	res := newTestEscalator(exec, &sleepRecorder{}, WithMetrics(m)).
		FetchWithRetry(context.Background(), "https://vendor.example", DefaultFetchOptions())
	require.True(t, res.Success)

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["versionvault_fetch_attempts_total"])
	assert.True(t, names["versionvault_escalations_total"])
}

func TestTransition_LowContentAfterEscalationAccepted(t *testing.T) {
	opts := DefaultFetchOptions()
	s := State{Method: model.MethodBrowserless, Attempt: 1, LowContentEscalated: true}

	next, d := Transition(s, Observation{ContentLength: 10}, opts, nil)
	assert.Equal(t, ActionAccept, d.Action)
	assert.Equal(t, model.MethodBrowserless, next.Method)
	assert.Equal(t, 2, next.Attempt)
}

func TestTransition_BlockedAtEndOfChainStays(t *testing.T) {
	opts := DefaultFetchOptions()
	opts.MaxAttempts = 10
	s := State{Method: model.MethodInteractive, Attempt: 5}

	next, d := Transition(s, Observation{Detection: model.BlockerDetection{IsBlocked: true}}, opts, nil)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, model.MethodInteractive, next.Method)
	assert.Equal(t, 16*time.Second, d.Delay)
	require.NotNil(t, next.LastBlocker)
}

func TestMethodExecutor_Dispatch(t *testing.T) {
	r := &fakeRenderer{html: goodPage}
	e := &MethodExecutor{Renderer: r, Timeouts: DefaultMethodTimeouts()}

	assert.False(t, e.Supports(model.MethodStatic))
	assert.True(t, e.Supports(model.MethodBrowserless))

	resp, err := e.Execute(context.Background(), Attempt{
		URL:      "https://vendor.example",
		Method:   model.MethodBrowserlessExtended,
		Identity: identityPool[1],
	})
	require.NoError(t, err)
	assert.Equal(t, goodPage, resp.HTML)
	assert.True(t, r.last.Stealth)
	assert.Equal(t, WaitNetworkIdle0, r.last.WaitUntil)
	assert.Equal(t, 60*time.Second, r.last.Timeout)

	_, err = e.Execute(context.Background(), Attempt{URL: "https://vendor.example", Method: model.MethodStatic})
	require.Error(t, err)
}
