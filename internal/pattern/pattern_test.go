package pattern

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/model"
)

type memStore struct {
	mu       sync.Mutex
	patterns map[string]model.LearnedPattern
	gets     int
	err      error
}

func newMemStore(ps ...model.LearnedPattern) *memStore {
	m := &memStore{patterns: make(map[string]model.LearnedPattern)}
	for _, p := range ps {
		m.patterns[p.Domain] = p
	}
	return m
}

func (m *memStore) GetPattern(_ context.Context, domain string) (*model.LearnedPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.patterns[domain]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memStore) ListPatterns(_ context.Context) ([]model.LearnedPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]model.LearnedPattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) UpsertPattern(_ context.Context, p model.LearnedPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.patterns[p.Domain] = p
	return nil
}

func TestUpdateRate(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 100.0, UpdateRate(100, true), 1e-9)
	assert.InDelta(t, 80.0, UpdateRate(100, false), 1e-9)
	assert.InDelta(t, 64.0, UpdateRate(80, false), 1e-9)
	assert.InDelta(t, 20.0, UpdateRate(0, true), 1e-9)
	assert.InDelta(t, 84.0, UpdateRate(80, true), 1e-9)
}

func TestDomain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ableton.com", Domain("https://www.Ableton.com/en/release-notes/"))
	assert.Equal(t, "support.acme.co.uk", Domain("http://support.acme.co.uk:8080/x"))
	assert.Equal(t, "", Domain("not a url"))
	assert.Equal(t, "", Domain(""))
}

func TestRecord_FirstSuccessCreates(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	l := New(store, config.PatternConfig{})
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	p, err := l.Record(context.Background(), "https://vendor.example/notes", false, model.ScrapingStrategy{})
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Empty(t, store.patterns)

	strategy := model.ScrapingStrategy{WaitSelector: "#notes", PreferredMethod: model.MethodBrowserless}
	p, err = l.Record(context.Background(), "https://vendor.example/notes", true, strategy)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "vendor.example", p.Domain)
	assert.InDelta(t, 100.0, p.SuccessRate, 1e-9)
	assert.Equal(t, now, *p.LastSuccessful)
	assert.Equal(t, strategy, store.patterns["vendor.example"].Strategy)
}

func TestRecord_UpdatesExisting(t *testing.T) {
	t.Parallel()

	last := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	original := model.ScrapingStrategy{ClickSelectors: []string{".more"}}
	store := newMemStore(model.LearnedPattern{Domain: "vendor.example", SuccessRate: 100, LastSuccessful: &last, Strategy: original})
	l := New(store, config.PatternConfig{})

	p, err := l.Record(context.Background(), "https://www.vendor.example/a", false, model.ScrapingStrategy{WaitSelector: "#x"})
	require.NoError(t, err)
	assert.InDelta(t, 80.0, p.SuccessRate, 1e-9)
	assert.Equal(t, last, *p.LastSuccessful)
	assert.Equal(t, original, p.Strategy)

	p, err = l.Record(context.Background(), "https://vendor.example/b", true, model.ScrapingStrategy{})
	require.NoError(t, err)
	assert.InDelta(t, 84.0, p.SuccessRate, 1e-9)
	assert.Equal(t, original, p.Strategy)
	assert.True(t, p.LastSuccessful.After(last))

	updated := model.ScrapingStrategy{PreferredMethod: model.MethodInteractive}
	p, err = l.Record(context.Background(), "https://vendor.example/c", true, updated)
	require.NoError(t, err)
	assert.Equal(t, updated, p.Strategy)
	assert.Equal(t, updated, store.patterns["vendor.example"].Strategy)
}

func TestRecord_Errors(t *testing.T) {
	t.Parallel()

	_, err := New(newMemStore(), config.PatternConfig{}).Record(context.Background(), "::", true, model.ScrapingStrategy{})
	require.Error(t, err)

	store := newMemStore()
	store.err = errors.New("disk full")
	_, err = New(store, config.PatternConfig{}).Record(context.Background(), "https://vendor.example", true, model.ScrapingStrategy{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestSuggest_ExactDomain(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		model.LearnedPattern{Domain: "vendor.example", SuccessRate: 72, Strategy: model.ScrapingStrategy{WaitSelector: "#v"}},
	)
	l := New(store, config.PatternConfig{})

	p, ok, err := l.Suggest(context.Background(), "https://vendor.example/releases")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "#v", p.Strategy.WaitSelector)

	_, _, err = l.Suggest(context.Background(), "https://vendor.example/other")
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets, "second lookup served from cache")
}

func TestSuggest_CallerCannotMutateCache(t *testing.T) {
	t.Parallel()

	store := newMemStore(model.LearnedPattern{
		Domain:      "vendor.example",
		SuccessRate: 80,
		Strategy:    model.ScrapingStrategy{WaitSelector: "#v", ClickSelectors: []string{".more"}},
	})
	l := New(store, config.PatternConfig{})
	ctx := context.Background()

	p, ok, err := l.Suggest(ctx, "https://vendor.example/releases")
	require.NoError(t, err)
	require.True(t, ok)
	p.SuccessRate = 1
	p.Strategy.WaitSelector = "#changed"
	p.Strategy.ClickSelectors[0] = ".changed"

	again, err := l.Lookup(ctx, "vendor.example")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.InDelta(t, 80.0, again.SuccessRate, 0.001)
	assert.Equal(t, "#v", again.Strategy.WaitSelector)
	assert.Equal(t, []string{".more"}, again.Strategy.ClickSelectors)
	assert.Equal(t, 1, store.gets)
}

func TestRecord_ReturnedPatternIsDetached(t *testing.T) {
	t.Parallel()

	l := New(newMemStore(), config.PatternConfig{})
	ctx := context.Background()

	rec, err := l.Record(ctx, "https://vendor.example/notes", true, model.ScrapingStrategy{WaitSelector: "#v"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	rec.Strategy.WaitSelector = "#changed"

	got, err := l.Lookup(ctx, "vendor.example")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "#v", got.Strategy.WaitSelector)
}

func TestSuggest_MergesSameSuffix(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		model.LearnedPattern{Domain: "weak.com", SuccessRate: 40, Strategy: model.ScrapingStrategy{WaitSelector: "#weak"}},
		model.LearnedPattern{Domain: "alpha.com", SuccessRate: 90, Strategy: model.ScrapingStrategy{
			ClickSelectors: []string{".expand"}, WaitSelector: "#alpha", WaitTimeMs: 2000, PreferredMethod: model.MethodBrowserless,
		}},
		model.LearnedPattern{Domain: "beta.com", SuccessRate: 70, Strategy: model.ScrapingStrategy{
			ClickSelectors: []string{".expand", ".show-all"}, WaitSelector: "#beta", WaitTimeMs: 5000,
		}},
		model.LearnedPattern{Domain: "gamma.co.uk", SuccessRate: 99, Strategy: model.ScrapingStrategy{WaitSelector: "#uk"}},
	)
	l := New(store, config.PatternConfig{MinSuccessRate: 60})

	p, ok, err := l.Suggest(context.Background(), "https://weak.com/notes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "com", p.Domain)
	assert.Equal(t, []string{".expand", ".show-all"}, p.Strategy.ClickSelectors)
	assert.Equal(t, "#alpha", p.Strategy.WaitSelector)
	assert.Equal(t, 5000, p.Strategy.WaitTimeMs)
	assert.Equal(t, model.MethodBrowserless, p.Strategy.PreferredMethod)
	assert.InDelta(t, 80.0, p.SuccessRate, 1e-9)

	_, ok, err = l.Suggest(context.Background(), "https://unknown.org/notes")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSuggest_ThresholdIsExclusive(t *testing.T) {
	t.Parallel()

	store := newMemStore(model.LearnedPattern{Domain: "vendor.example", SuccessRate: 60})
	_, ok, err := New(store, config.PatternConfig{MinSuccessRate: 60}).Suggest(context.Background(), "https://vendor.example")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList_SortedByRate(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		model.LearnedPattern{Domain: "a.example", SuccessRate: 10},
		model.LearnedPattern{Domain: "b.example", SuccessRate: 90},
		model.LearnedPattern{Domain: "c.example", SuccessRate: 50},
	)
	all, err := New(store, config.PatternConfig{}).List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b.example", all[0].Domain)
	assert.Equal(t, "c.example", all[1].Domain)
	assert.Equal(t, "a.example", all[2].Domain)
}
