package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/scrape"
	"github.com/sells-group/versionvault/pkg/firecrawl"
)

const (
	defaultMaxChildren = 5
	defaultTopN        = 10
	maxSitemapDepth    = 2
	longURLChars       = 120
)

var (
	highValueTerms = []string{
		"release-notes", "releasenotes", "release_notes", "changelog", "change-log",
		"whats-new", "what-s-new", "version-history", "releases",
	}
	mediumValueTerms = []string{"download", "news", "update", "version", "history", "support"}

	datedPath = regexp.MustCompile(`/(?:19|20)\d{2}/(?:0?[1-9]|1[0-2])(?:/|$)`)

	lastModLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00", "2006-01-02T15:04:05", time.DateOnly}
)

// Candidate is a page URL found during discovery, with its relevance score.
type Candidate struct {
	URL      string     `json:"url" yaml:"url"`
	Score    int        `json:"score" yaml:"score"`
	LastMod  *time.Time `json:"lastmod,omitempty" yaml:"lastmod,omitempty"`
	Priority float64    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Source   string     `json:"source" yaml:"source"`
}

// ScoreURL rates how likely c is to be a version or release-notes page.
// One high-value term scores 50, otherwise one medium term 20; a path
// containing the product slug adds 15, sitemap priority of at least 0.8
// adds 10 and a lastmod within 90 days 10 (within a year 5). Long URLs lose
// 10 and dated blog-style paths lose 20.
func ScoreURL(c Candidate, product string, now time.Time) int {
	u, err := url.Parse(c.URL)
	if err != nil {
		return 0
	}
	p := strings.ToLower(u.Path)

	score := 0
	switch {
	case containsAny(p, highValueTerms):
		score += 50
	case containsAny(p, mediumValueTerms):
		score += 20
	}
	if slug := productSlug(product); slug != "" &&
		(strings.Contains(p, slug) || strings.Contains(p, strings.ReplaceAll(slug, "-", ""))) {
		score += 15
	}
	if c.Priority >= 0.8 {
		score += 10
	}
	if c.LastMod != nil {
		switch age := now.Sub(*c.LastMod); {
		case age <= 90*24*time.Hour:
			score += 10
		case age <= 365*24*time.Hour:
			score += 5
		}
	}
	if len(c.URL) > longURLChars {
		score -= 10
	}
	if datedPath.MatchString(p) {
		score -= 20
	}
	return score
}

func productSlug(product string) string {
	return strings.Join(strings.Fields(strings.ToLower(product)), "-")
}

// sitemapDoc decodes both <urlset> and <sitemapindex> documents.
type sitemapDoc struct {
	XMLName  xml.Name
	URLs     []sitemapURL `xml:"url"`
	Sitemaps []sitemapRef `xml:"sitemap"`
}

type sitemapURL struct {
	Loc      string `xml:"loc"`
	LastMod  string `xml:"lastmod"`
	Priority string `xml:"priority"`
}

type sitemapRef struct {
	Loc string `xml:"loc"`
}

// parseSitemap decodes a sitemap, transparently gunzipping .xml.gz bodies
// and honoring the declared charset.
func parseSitemap(body []byte) (*sitemapDoc, error) {
	var r io.Reader = bytes.NewReader(body)
	if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, eris.Wrap(err, "sitemap: gunzip")
		}
		defer gz.Close() //nolint:errcheck
		r = gz
	}

	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "sitemap: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var doc sitemapDoc
	if err := decoder.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "sitemap: decode")
	}
	switch doc.XMLName.Local {
	case "urlset", "sitemapindex":
		return &doc, nil
	}
	return nil, eris.Errorf("sitemap: unexpected root element %q", doc.XMLName.Local)
}

func parseLastMod(s string) *time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range lastModLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// Discoverer finds a site's likely version pages from its sitemaps, with
// Firecrawl's URL map as a fallback when the site publishes none.
type Discoverer struct {
	fetcher Fetcher
	mapper  firecrawl.Client
	cfg     config.SitemapConfig
	now     func() time.Time
}

// NewDiscoverer creates a Discoverer. mapper may be nil.
func NewDiscoverer(f Fetcher, mapper firecrawl.Client, cfg config.SitemapConfig) *Discoverer {
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = defaultMaxChildren
	}
	if cfg.TopN <= 0 {
		cfg.TopN = defaultTopN
	}
	return &Discoverer{fetcher: f, mapper: mapper, cfg: cfg, now: time.Now}
}

// probeOptions fetches small machine-readable files: one static attempt,
// no escalation.
func probeOptions(opts scrape.FetchOptions) scrape.FetchOptions {
	opts.MaxAttempts = 1
	opts.EscalateMethods = false
	opts.StartMethod = model.MethodStatic
	opts.Strategy = nil
	return opts
}

func (d *Discoverer) get(ctx context.Context, target string, opts scrape.FetchOptions) (string, bool) {
	fr := d.fetcher.FetchWithRetry(ctx, target, probeOptions(opts))
	if !fr.Success || fr.StatusCode >= http.StatusBadRequest || fr.Content == "" {
		return "", false
	}
	return fr.Content, true
}

// Discover returns up to TopN scored candidates for site, best first. An
// empty result is not an error.
func (d *Discoverer) Discover(ctx context.Context, site, product string, opts scrape.FetchOptions) ([]Candidate, error) {
	u, err := parseTarget(site)
	if err != nil {
		return nil, err
	}
	root := u.Scheme + "://" + u.Host
	log := zap.L().With(zap.String("site", root))

	var sitemaps []string
	if DetectKind(site) == model.SourceSitemap {
		sitemaps = append(sitemaps, site)
	}
	sitemaps = append(sitemaps, d.robotsSitemaps(ctx, root, opts)...)
	sitemaps = append(sitemaps, root+"/sitemap.xml", root+"/sitemap_index.xml")

	entries := make(map[string]Candidate)
	visited := make(map[string]bool)
	for _, sm := range sitemaps {
		if err := cancelled(ctx); err != nil {
			return nil, err
		}
		d.expand(ctx, sm, 0, opts, entries, visited)
		if len(entries) > 0 {
			log.Debug("source: sitemap found", zap.String("sitemap", sm), zap.Int("urls", len(entries)))
			break
		}
	}

	if len(entries) == 0 && d.mapper != nil {
		resp, err := d.mapper.Map(ctx, firecrawl.MapRequest{URL: root, Search: strings.TrimSpace(product + " release notes"), Limit: 500})
		if err != nil {
			log.Warn("source: firecrawl map failed", zap.Error(err))
		} else {
			for _, link := range resp.Links {
				entries[link] = Candidate{URL: link, Source: "map"}
			}
		}
	}

	now := d.now()
	out := make([]Candidate, 0, len(entries))
	for _, c := range entries {
		c.Score = ScoreURL(c, product, now)
		if c.Score > 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if len(out[i].URL) != len(out[j].URL) {
			return len(out[i].URL) < len(out[j].URL)
		}
		return out[i].URL < out[j].URL
	})
	if len(out) > d.cfg.TopN {
		out = out[:d.cfg.TopN]
	}
	log.Info("source: discovery complete", zap.Int("candidates", len(out)), zap.Int("scanned", len(entries)))
	return out, nil
}

func (d *Discoverer) robotsSitemaps(ctx context.Context, root string, opts scrape.FetchOptions) []string {
	fr := d.fetcher.FetchWithRetry(ctx, root+"/robots.txt", probeOptions(opts))
	if fr.StatusCode == 0 {
		return nil
	}
	robots, err := robotstxt.FromStatusAndBytes(fr.StatusCode, []byte(fr.Content))
	if err != nil {
		zap.L().Debug("source: robots.txt unparseable", zap.String("site", root), zap.Error(err))
		return nil
	}
	return robots.Sitemaps
}

// expand fetches one sitemap into entries, following index files up to
// maxSitemapDepth levels and MaxChildren children per index.
func (d *Discoverer) expand(ctx context.Context, sm string, depth int, opts scrape.FetchOptions, entries map[string]Candidate, visited map[string]bool) {
	if visited[sm] || depth > maxSitemapDepth || ctx.Err() != nil {
		return
	}
	visited[sm] = true

	body, ok := d.get(ctx, sm, opts)
	if !ok {
		return
	}
	doc, err := parseSitemap([]byte(body))
	if err != nil {
		zap.L().Debug("source: sitemap unparseable", zap.String("sitemap", sm), zap.Error(err))
		return
	}

	for _, e := range doc.URLs {
		loc := strings.TrimSpace(e.Loc)
		if loc == "" {
			continue
		}
		c := Candidate{URL: loc, LastMod: parseLastMod(e.LastMod), Source: "sitemap"}
		if p, err := strconv.ParseFloat(strings.TrimSpace(e.Priority), 64); err == nil {
			c.Priority = p
		}
		entries[loc] = c
	}

	for i, child := range doc.Sitemaps {
		if i >= d.cfg.MaxChildren {
			break
		}
		if loc := strings.TrimSpace(child.Loc); loc != "" {
			d.expand(ctx, loc, depth+1, opts, entries, visited)
		}
	}
}

// SitemapAdapter discovers the best version page of a site and reads it
// with the webpage adapter.
type SitemapAdapter struct {
	discoverer *Discoverer
	page       *WebpageAdapter
}

// NewSitemapAdapter creates a SitemapAdapter.
func NewSitemapAdapter(d *Discoverer, page *WebpageAdapter) *SitemapAdapter {
	return &SitemapAdapter{discoverer: d, page: page}
}

// Kind implements Adapter.
func (a *SitemapAdapter) Kind() model.SourceKind { return model.SourceSitemap }

// Acquire implements Adapter.
func (a *SitemapAdapter) Acquire(ctx context.Context, target string, opts scrape.FetchOptions) (*Result, error) {
	candidates, err := a.discoverer.Discover(ctx, target, "", opts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		zap.L().Warn("source: no candidate pages discovered", zap.String("url", target))
		return &Result{URL: target, Kind: model.SourceSitemap, Extractor: "sitemap"}, nil
	}

	res, err := a.page.Acquire(ctx, candidates[0].URL, opts)
	if err != nil {
		return nil, err
	}
	res.Kind = model.SourceSitemap
	res.Candidates = candidates
	res.Extractor = "sitemap>" + res.Extractor
	return res, nil
}
