package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/scrape"
)

// RSSAdapter reads RSS, Atom and JSON feeds into dated item blocks.
type RSSAdapter struct {
	fetcher  Fetcher
	maxItems int
}

// NewRSSAdapter creates an RSSAdapter keeping at most maxItems items
// (0 keeps all).
func NewRSSAdapter(f Fetcher, maxItems int) *RSSAdapter {
	return &RSSAdapter{fetcher: f, maxItems: maxItems}
}

// Kind implements Adapter.
func (a *RSSAdapter) Kind() model.SourceKind { return model.SourceRSS }

// Acquire implements Adapter. Feeds are small XML documents, so the
// content-size escalation of the webpage path is disabled.
func (a *RSSAdapter) Acquire(ctx context.Context, target string, opts scrape.FetchOptions) (*Result, error) {
	if _, err := parseTarget(target); err != nil {
		return nil, err
	}
	opts.EscalateMethods = false
	fr := a.fetcher.FetchWithRetry(ctx, target, opts)
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	res := resultFrom(model.SourceRSS, target, fr)
	res.Extractor = "feed"
	if fr.Content == "" {
		return res, nil
	}

	items, err := ParseFeed(fr.Content, a.maxItems)
	if err != nil {
		zap.L().Warn("source: feed parse failed", zap.String("url", target), zap.Error(err))
		return res, nil
	}
	res.Items = items
	res.Text = FormatItems(items)
	return res, nil
}

// ParseFeed parses feed XML or JSON into items in feed order.
func ParseFeed(content string, maxItems int) ([]Item, error) {
	feed, err := gofeed.NewParser().ParseString(content)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
		body := it.Content
		if strings.TrimSpace(body) == "" {
			body = it.Description
		}
		item := Item{
			Title: strings.TrimSpace(it.Title),
			URL:   strings.TrimSpace(it.Link),
			Text:  htmlToText(body),
		}
		switch {
		case it.PublishedParsed != nil:
			item.Published = it.PublishedParsed
		case it.UpdatedParsed != nil:
			item.Published = it.UpdatedParsed
		}
		items = append(items, item)
	}
	return items, nil
}

// FormatItems renders items as text blocks, each tagged with its publish
// date so extraction can use real dates rather than guess them.
func FormatItems(items []Item) string {
	blocks := make([]string, 0, len(items))
	for _, it := range items {
		var b strings.Builder
		b.WriteString(it.Title)
		if it.Published != nil {
			fmt.Fprintf(&b, "\nPublished: %s", it.Published.UTC().Format(time.DateOnly))
		}
		if it.URL != "" {
			fmt.Fprintf(&b, "\nLink: %s", it.URL)
		}
		if it.Text != "" {
			b.WriteString("\n\n")
			b.WriteString(it.Text)
		}
		blocks = append(blocks, strings.TrimSpace(b.String()))
	}
	return strings.Join(blocks, "\n\n---\n\n")
}
