// Package pattern remembers which acquisition strategy worked for each
// domain so later runs can start from it.
package pattern

import (
	"context"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/model"
)

// Smoothing is the weight kept by the previous success rate on each update.
const Smoothing = 0.8

// Defaults.
const (
	DefaultMinSuccessRate = 60.0
	DefaultCacheSize      = 256
	DefaultCacheTTL       = 10 * time.Minute
)

// Store persists learned patterns keyed by domain.
type Store interface {
	// GetPattern returns nil, nil when the domain has no pattern.
	GetPattern(ctx context.Context, domain string) (*model.LearnedPattern, error)
	ListPatterns(ctx context.Context) ([]model.LearnedPattern, error)
	UpsertPattern(ctx context.Context, p model.LearnedPattern) error
}

// Learner records acquisition outcomes and suggests starting strategies.
// Suggestions are advisory; callers decide whether to use them.
type Learner struct {
	store   Store
	minRate float64
	cache   *expirable.LRU[string, *model.LearnedPattern]
	now     func() time.Time
}

// New creates a Learner over s.
func New(s Store, cfg config.PatternConfig) *Learner {
	minRate := cfg.MinSuccessRate
	if minRate <= 0 {
		minRate = DefaultMinSuccessRate
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	ttl := time.Duration(cfg.CacheTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Learner{
		store:   s,
		minRate: minRate,
		cache:   expirable.NewLRU[string, *model.LearnedPattern](size, nil, ttl),
		now:     time.Now,
	}
}

// UpdateRate applies one outcome to a success rate as an exponential
// moving average.
func UpdateRate(old float64, success bool) float64 {
	sample := 0.0
	if success {
		sample = 100
	}
	return old*Smoothing + sample*(1-Smoothing)
}

// Domain returns the lower-cased host of rawURL without a leading "www.".
func Domain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Record applies an outcome for the domain of rawURL. A domain gets a
// pattern on its first success; failures only update existing patterns.
// The returned pattern is nil when nothing was recorded.
func (l *Learner) Record(ctx context.Context, rawURL string, success bool, strategy model.ScrapingStrategy) (*model.LearnedPattern, error) {
	domain := Domain(rawURL)
	if domain == "" {
		return nil, eris.Errorf("pattern: no domain in %q", rawURL)
	}

	existing, err := l.get(ctx, domain)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	var p model.LearnedPattern
	switch {
	case existing == nil && !success:
		return nil, nil
	case existing == nil:
		p = model.LearnedPattern{Domain: domain, SuccessRate: 100, Strategy: strategy}
	default:
		p = *existing
		p.SuccessRate = UpdateRate(existing.SuccessRate, success)
		if success && !strategy.IsZero() {
			p.Strategy = strategy
		}
	}
	if success {
		p.LastSuccessful = &now
	}
	p.UpdatedAt = now

	if err := l.store.UpsertPattern(ctx, p); err != nil {
		return nil, eris.Wrapf(err, "pattern: upsert %s", domain)
	}
	l.cache.Add(domain, clonePattern(&p))

	zap.L().Debug("pattern: recorded outcome",
		zap.String("domain", domain),
		zap.Bool("success", success),
		zap.Float64("success_rate", p.SuccessRate),
	)
	return &p, nil
}

// Suggest returns a starting pattern for rawURL: the domain's own pattern
// when its success rate is above the minimum, otherwise a merge of the
// qualifying patterns of domains sharing its public suffix. ok is false
// when there is nothing to suggest.
func (l *Learner) Suggest(ctx context.Context, rawURL string) (*model.LearnedPattern, bool, error) {
	domain := Domain(rawURL)
	if domain == "" {
		return nil, false, nil
	}

	p, err := l.get(ctx, domain)
	if err != nil {
		return nil, false, err
	}
	if p != nil && p.SuccessRate > l.minRate {
		return p, true, nil
	}

	suffix := suffixOf(domain)
	all, err := l.store.ListPatterns(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "pattern: list")
	}
	var related []model.LearnedPattern
	for _, o := range all {
		if o.Domain != domain && o.SuccessRate > l.minRate && suffixOf(o.Domain) == suffix {
			related = append(related, o)
		}
	}
	if len(related) == 0 {
		return nil, false, nil
	}
	merged := Merge(suffix, related)
	return &merged, true, nil
}

// Lookup returns the stored pattern for domain, or nil.
func (l *Learner) Lookup(ctx context.Context, domain string) (*model.LearnedPattern, error) {
	return l.get(ctx, strings.TrimPrefix(strings.ToLower(domain), "www."))
}

// List returns all stored patterns, best first.
func (l *Learner) List(ctx context.Context) ([]model.LearnedPattern, error) {
	all, err := l.store.ListPatterns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: list")
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].SuccessRate > all[j].SuccessRate })
	return all, nil
}

// get returns a copy of the domain's pattern; the cached value is never
// handed out.
func (l *Learner) get(ctx context.Context, domain string) (*model.LearnedPattern, error) {
	if p, ok := l.cache.Get(domain); ok {
		return clonePattern(p), nil
	}
	p, err := l.store.GetPattern(ctx, domain)
	if err != nil {
		return nil, eris.Wrapf(err, "pattern: get %s", domain)
	}
	if p != nil {
		l.cache.Add(domain, clonePattern(p))
	}
	return p, nil
}

func clonePattern(p *model.LearnedPattern) *model.LearnedPattern {
	c := *p
	c.Strategy.ClickSelectors = slices.Clone(p.Strategy.ClickSelectors)
	if p.LastSuccessful != nil {
		t := *p.LastSuccessful
		c.LastSuccessful = &t
	}
	return &c
}

// Merge combines patterns into one suggestion: click selectors are united
// in order of success rate, and the best pattern supplies the wait selector,
// script and preferred method. The longest wait time wins.
func Merge(domain string, patterns []model.LearnedPattern) model.LearnedPattern {
	sorted := append([]model.LearnedPattern(nil), patterns...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SuccessRate > sorted[j].SuccessRate })

	out := model.LearnedPattern{Domain: domain}
	seen := make(map[string]bool)
	var total float64
	for _, p := range sorted {
		total += p.SuccessRate
		s := p.Strategy
		for _, sel := range s.ClickSelectors {
			if !seen[sel] {
				seen[sel] = true
				out.Strategy.ClickSelectors = append(out.Strategy.ClickSelectors, sel)
			}
		}
		if out.Strategy.WaitSelector == "" {
			out.Strategy.WaitSelector = s.WaitSelector
		}
		if out.Strategy.CustomScript == "" {
			out.Strategy.CustomScript = s.CustomScript
		}
		if out.Strategy.PreferredMethod == "" {
			out.Strategy.PreferredMethod = s.PreferredMethod
		}
		if s.WaitTimeMs > out.Strategy.WaitTimeMs {
			out.Strategy.WaitTimeMs = s.WaitTimeMs
		}
		if p.LastSuccessful != nil && (out.LastSuccessful == nil || p.LastSuccessful.After(*out.LastSuccessful)) {
			out.LastSuccessful = p.LastSuccessful
		}
	}
	if len(sorted) > 0 {
		out.SuccessRate = total / float64(len(sorted))
	}
	return out
}

// suffixOf returns the public suffix of domain ("co.uk", "com").
func suffixOf(domain string) string {
	s, _ := publicsuffix.PublicSuffix(domain)
	return s
}
