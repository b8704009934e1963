package source

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/scrape"
)

// minRegionChars is the size a content region must exceed to be preferred
// over the whole page.
const minRegionChars = 1000

// contentSelectors are tried in order; the largest match of the first
// selector whose match is big enough wins. Vendor support portals come
// first since they wrap notes in fixed containers, then wiki markup, then
// release-notes containers, then generic semantic regions.
var contentSelectors = []string{
	// support portals and help centers
	".article-body", "#article-body", ".kb-article", ".support-article", ".article__body",
	".zd-article", ".slds-rich-text-editor__output",
	// wiki markup
	"#mw-content-text", ".mw-parser-output", ".wiki-content", "#wiki-content", ".wikitext",
	// release notes and changelogs
	".release-notes", "#release-notes", ".releasenotes", "#releasenotes", ".release-note",
	".changelog", "#changelog", ".version-history", "#version-history", ".releases",
	"[data-testid=\"release-notes\"]", ".markdown-body", ".prose",
	// generic semantic containers
	"main", "article", "[role=\"main\"]", "#main-content", "#content", ".content", ".entry-content",
}

// ExtractMainContent reduces an HTML page to its main text. The returned
// extractor names the rule that produced it.
func ExtractMainContent(html, pageURL string) (text, extractor string) {
	if history, ok := ExtractAppStoreHistory(html); ok {
		return history, "appstore"
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return stripTags(html), "tags"
	}
	prepareDocument(doc)

	for _, sel := range contentSelectors {
		var best string
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if t := selectionText(s); len(t) > len(best) {
				best = t
			}
		})
		if len(best) > minRegionChars {
			return best, "selector:" + sel
		}
	}

	if t := readabilityText(html, pageURL); len(t) > minRegionChars {
		return t, "readability"
	}
	return selectionText(doc.Find("body")), "body"
}

func readabilityText(html, pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	parser := readability.NewParser()
	article, err := parser.Parse(strings.NewReader(html), u)
	if err != nil {
		zap.L().Debug("source: readability failed", zap.String("url", pageURL), zap.Error(err))
		return ""
	}
	return htmlToText(article.Content)
}

// WebpageAdapter fetches a vendor page through the escalator and extracts
// its main content region.
type WebpageAdapter struct {
	fetcher Fetcher
}

// NewWebpageAdapter creates a WebpageAdapter.
func NewWebpageAdapter(f Fetcher) *WebpageAdapter {
	return &WebpageAdapter{fetcher: f}
}

// Kind implements Adapter.
func (w *WebpageAdapter) Kind() model.SourceKind { return model.SourceWebpage }

// Acquire implements Adapter.
func (w *WebpageAdapter) Acquire(ctx context.Context, target string, opts scrape.FetchOptions) (*Result, error) {
	if _, err := parseTarget(target); err != nil {
		return nil, err
	}
	fr := w.fetcher.FetchWithRetry(ctx, target, opts)
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	res := resultFrom(model.SourceWebpage, target, fr)
	if fr.Content == "" {
		return res, nil
	}

	pageURL := target
	if fr.FinalURL != "" {
		pageURL = fr.FinalURL
	}
	res.Text, res.Extractor = ExtractMainContent(fr.Content, pageURL)
	zap.L().Debug("source: extracted webpage",
		zap.String("url", target),
		zap.String("extractor", res.Extractor),
		zap.Int("chars", len(res.Text)),
	)
	return res, nil
}
