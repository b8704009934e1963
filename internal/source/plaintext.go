package source

import (
	"context"
	"strings"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/scrape"
)

// PlaintextAdapter reads raw changelog files. They are already structured,
// so the text is only whitespace-normalized.
type PlaintextAdapter struct {
	fetcher Fetcher
}

// NewPlaintextAdapter creates a PlaintextAdapter.
func NewPlaintextAdapter(f Fetcher) *PlaintextAdapter {
	return &PlaintextAdapter{fetcher: f}
}

// Kind implements Adapter.
func (a *PlaintextAdapter) Kind() model.SourceKind { return model.SourcePlaintext }

// Acquire implements Adapter.
func (a *PlaintextAdapter) Acquire(ctx context.Context, target string, opts scrape.FetchOptions) (*Result, error) {
	if _, err := parseTarget(target); err != nil {
		return nil, err
	}
	opts.EscalateMethods = false
	opts.StartMethod = model.MethodStatic
	fr := a.fetcher.FetchWithRetry(ctx, target, opts)
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	res := resultFrom(model.SourcePlaintext, target, fr)
	res.Extractor = "plaintext"
	res.Text = normalizePlaintext(fr.Content)
	return res, nil
}

// normalizePlaintext unifies line endings, drops trailing spaces and
// collapses blank runs. Leading indentation is kept since it nests lists.
func normalizePlaintext(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Trim(blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"), "\n")
}
