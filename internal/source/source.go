// Package source turns a URL into raw text, with one adapter per kind of
// version source: vendor web pages, feeds, forums, PDFs, sitemaps and
// plain changelog files.
package source

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/scrape"
)

// Fetcher acquires a URL with retry and escalation. *scrape.Escalator
// implements it.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, url string, opts scrape.FetchOptions) *scrape.FetchResult
}

// Item is one dated block of a feed or forum thread.
type Item struct {
	Title     string     `json:"title"`
	URL       string     `json:"url,omitempty"`
	Published *time.Time `json:"published,omitempty"`
	Text      string     `json:"text"`
}

// Result is the text an adapter produced. Text is empty when acquisition
// or parsing failed; Success reports whether the fetch itself succeeded.
type Result struct {
	URL        string                  `json:"url"`
	Kind       model.SourceKind        `json:"kind"`
	Text       string                  `json:"-"`
	Extractor  string                  `json:"extractor,omitempty"`
	Method     model.Method            `json:"method,omitempty"`
	Success    bool                    `json:"success"`
	Attempts   int                     `json:"attempts"`
	Blocker    *model.BlockerDetection `json:"blocker,omitempty"`
	Items      []Item                  `json:"items,omitempty"`
	Candidates []Candidate             `json:"candidates,omitempty"`
}

func resultFrom(kind model.SourceKind, target string, fr *scrape.FetchResult) *Result {
	r := &Result{URL: target, Kind: kind}
	if fr == nil {
		return r
	}
	r.Method = fr.Method
	r.Success = fr.Success
	r.Attempts = fr.Attempts
	r.Blocker = fr.BlockerDetected
	return r
}

// Adapter acquires one kind of source. Fetch failures are reported through
// Result.Success and parse failures as empty Text; the error return is
// reserved for unusable input and cancellation.
type Adapter interface {
	Kind() model.SourceKind
	Acquire(ctx context.Context, target string, opts scrape.FetchOptions) (*Result, error)
}

// Router dispatches URLs to the adapter for their kind.
type Router struct {
	adapters map[model.SourceKind]Adapter
}

// NewRouter registers adapters by kind. Later adapters replace earlier
// ones of the same kind.
func NewRouter(adapters ...Adapter) *Router {
	r := &Router{adapters: make(map[model.SourceKind]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Kind()] = a
		}
	}
	return r
}

// Acquire runs the adapter for kind, detecting the kind from the URL when
// kind is empty. Kinds without an adapter fall back to the webpage adapter.
func (r *Router) Acquire(ctx context.Context, kind model.SourceKind, target string, opts scrape.FetchOptions) (*Result, error) {
	if _, err := parseTarget(target); err != nil {
		return nil, err
	}
	if kind == "" {
		kind = DetectKind(target)
	}
	a, ok := r.adapters[kind]
	if !ok {
		a, ok = r.adapters[model.SourceWebpage]
		if !ok {
			return nil, eris.Errorf("source: no adapter for kind %q", kind)
		}
		zap.L().Debug("source: no adapter for kind, using webpage",
			zap.String("kind", string(kind)),
			zap.String("url", target),
		)
	}
	return a.Acquire(ctx, target, opts)
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "source: cancelled")
	}
	return nil
}

func parseTarget(target string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, eris.Wrapf(err, "source: parse url %q", target)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, eris.Errorf("source: unsupported url %q", target)
	}
	return u, nil
}

var changelogNames = map[string]bool{
	"changelog": true, "changes": true, "news": true, "history": true,
	"releases": true, "release-notes": true, "release_notes": true, "releasenotes": true,
}

// IsRepositoryFile reports whether target is a raw file served from a
// source-control host, such as a CHANGELOG on raw.githubusercontent.com.
func IsRepositoryFile(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	p := u.Path
	switch {
	case host == "raw.githubusercontent.com", host == "gist.githubusercontent.com":
		return true
	case host == "github.com" && strings.Contains(p, "/raw/"):
		return true
	case strings.Contains(host, "gitlab") && strings.Contains(p, "/-/raw/"):
		return true
	case host == "bitbucket.org" && strings.Contains(p, "/raw/"):
		return true
	case host == "git.sr.ht" && strings.Contains(p, "/blob/"):
		return true
	}
	return false
}

// DetectKind guesses the source kind from a URL alone.
func DetectKind(target string) model.SourceKind {
	u, err := url.Parse(target)
	if err != nil {
		return model.SourceWebpage
	}
	host := strings.ToLower(u.Hostname())
	p := strings.ToLower(u.Path)
	base := path.Base(p)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	switch {
	case ext == ".pdf":
		return model.SourcePDF
	case strings.HasPrefix(base, "sitemap") && (ext == ".xml" || ext == ".gz"):
		return model.SourceSitemap
	case ext == ".rss", ext == ".atom", base == "feed", base == "rss",
		base == "feed.xml", base == "rss.xml", base == "atom.xml", base == "index.xml":
		return model.SourceRSS
	case IsRepositoryFile(target):
		return model.SourcePlaintext
	case ext == ".txt", (ext == ".md" || ext == ".rst") && changelogNames[stem]:
		return model.SourcePlaintext
	case strings.Contains(p, "viewforum.php"), strings.Contains(p, "viewtopic.php"),
		strings.HasPrefix(host, "forum."), strings.HasPrefix(host, "forums."),
		strings.HasPrefix(host, "community."), strings.HasPrefix(host, "discourse."),
		strings.HasPrefix(p, "/forum"), strings.Contains(p, "/t/"), strings.HasPrefix(p, "/c/"):
		return model.SourceForum
	}
	return model.SourceWebpage
}
