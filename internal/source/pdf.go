package source

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/ocr"
	"github.com/sells-group/versionvault/internal/scrape"
)

// PDFAdapter downloads a PDF and converts it to text page by page.
type PDFAdapter struct {
	fetcher   Fetcher
	extractor ocr.Extractor
}

// NewPDFAdapter creates a PDFAdapter.
func NewPDFAdapter(f Fetcher, ext ocr.Extractor) *PDFAdapter {
	return &PDFAdapter{fetcher: f, extractor: ext}
}

// Kind implements Adapter.
func (a *PDFAdapter) Kind() model.SourceKind { return model.SourcePDF }

// Acquire implements Adapter. Browsers cannot return PDF bytes, so only
// the static method is used.
func (a *PDFAdapter) Acquire(ctx context.Context, target string, opts scrape.FetchOptions) (*Result, error) {
	if _, err := parseTarget(target); err != nil {
		return nil, err
	}
	opts.EscalateMethods = false
	opts.StartMethod = model.MethodStatic
	fr := a.fetcher.FetchWithRetry(ctx, target, opts)
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	res := resultFrom(model.SourcePDF, target, fr)
	res.Extractor = "pdf"
	if fr.Content == "" {
		return res, nil
	}

	log := zap.L().With(zap.String("url", target))
	if !strings.HasPrefix(strings.TrimLeft(fr.Content, "\x00\t\r\n "), "%PDF-") {
		log.Warn("source: response is not a pdf", zap.Int("bytes", len(fr.Content)))
		return res, nil
	}

	pages, err := a.extractor.ExtractPages(ctx, []byte(fr.Content))
	if err != nil {
		log.Warn("source: pdf text extraction failed", zap.Error(err))
		return res, nil
	}
	res.Text = NormalizeWhitespace(ocr.Join(pages))
	log.Debug("source: extracted pdf", zap.Int("pages", len(pages)), zap.Int("chars", len(res.Text)))
	return res, nil
}
