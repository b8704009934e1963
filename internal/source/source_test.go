package source

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/scrape"
)

// fakeFetcher serves canned pages by URL. Unknown URLs come back as a
// successful 404, as the escalator reports them.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
	opts  []scrape.FetchOptions
}

func newFakeFetcher(pages map[string]string) *fakeFetcher {
	return &fakeFetcher{pages: pages}
}

func (f *fakeFetcher) FetchWithRetry(_ context.Context, url string, opts scrape.FetchOptions) *scrape.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	f.opts = append(f.opts, opts)
	body, ok := f.pages[url]
	if !ok {
		return &scrape.FetchResult{Success: true, Attempts: 1, Method: model.MethodStatic, StatusCode: http.StatusNotFound, Content: "not found"}
	}
	return &scrape.FetchResult{Success: true, Attempts: 1, Method: model.MethodStatic, StatusCode: http.StatusOK, Content: body, FinalURL: url}
}

type fetcherFunc func(ctx context.Context, url string, opts scrape.FetchOptions) *scrape.FetchResult

func (f fetcherFunc) FetchWithRetry(ctx context.Context, url string, opts scrape.FetchOptions) *scrape.FetchResult {
	return f(ctx, url, opts)
}

type stubAdapter struct {
	kind  model.SourceKind
	calls int
}

func (s *stubAdapter) Kind() model.SourceKind { return s.kind }

func (s *stubAdapter) Acquire(_ context.Context, target string, _ scrape.FetchOptions) (*Result, error) {
	s.calls++
	return &Result{URL: target, Kind: s.kind, Text: string(s.kind)}, nil
}

func TestDetectKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url  string
		want model.SourceKind
	}{
		{"https://vendor.example/docs/release-notes", model.SourceWebpage},
		{"https://vendor.example/files/ReleaseNotes_4.2.PDF", model.SourcePDF},
		{"https://vendor.example/sitemap.xml", model.SourceSitemap},
		{"https://vendor.example/sitemap_index.xml", model.SourceSitemap},
		{"https://vendor.example/blog/feed/", model.SourceRSS},
		{"https://github.com/acme/widget/releases.atom", model.SourceRSS},
		{"https://vendor.example/news/rss.xml", model.SourceRSS},
		{"https://raw.githubusercontent.com/acme/widget/main/CHANGELOG.md", model.SourcePlaintext},
		{"https://gitlab.com/acme/widget/-/raw/main/NEWS", model.SourcePlaintext},
		{"https://downloads.example/widget/CHANGES.md", model.SourcePlaintext},
		{"https://downloads.example/widget/readme.txt", model.SourcePlaintext},
		{"https://forum.vendor.example/viewforum.php?f=3", model.SourceForum},
		{"https://community.vendor.example/c/announcements/5", model.SourceForum},
		{"https://vendor.example/t/widget-2-0-released/812", model.SourceForum},
		{"::not a url", model.SourceWebpage},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectKind(tt.url), tt.url)
	}
}

func TestIsRepositoryFile(t *testing.T) {
	t.Parallel()
	assert.True(t, IsRepositoryFile("https://raw.githubusercontent.com/acme/widget/main/CHANGELOG.md"))
	assert.True(t, IsRepositoryFile("https://github.com/acme/widget/raw/main/NEWS"))
	assert.True(t, IsRepositoryFile("https://gitlab.example.org/acme/widget/-/raw/main/CHANGELOG"))
	assert.True(t, IsRepositoryFile("https://bitbucket.org/acme/widget/raw/abc123/CHANGES.txt"))
	assert.False(t, IsRepositoryFile("https://github.com/acme/widget/releases"))
	assert.False(t, IsRepositoryFile("https://vendor.example/changelog.md"))
}

func TestRouter_DispatchesByKind(t *testing.T) {
	t.Parallel()
	web := &stubAdapter{kind: model.SourceWebpage}
	rss := &stubAdapter{kind: model.SourceRSS}
	r := NewRouter(web, rss, nil)

	res, err := r.Acquire(context.Background(), "", "https://vendor.example/feed.xml", scrape.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "rss", res.Text)

	res, err = r.Acquire(context.Background(), model.SourceRSS, "https://vendor.example/releases", scrape.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "rss", res.Text)
	assert.Equal(t, 2, rss.calls)
}

func TestRouter_FallsBackToWebpage(t *testing.T) {
	t.Parallel()
	web := &stubAdapter{kind: model.SourceWebpage}
	r := NewRouter(web)

	res, err := r.Acquire(context.Background(), model.SourcePDF, "https://vendor.example/notes.pdf", scrape.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "webpage", res.Text)

	_, err = NewRouter().Acquire(context.Background(), model.SourcePDF, "https://vendor.example/notes.pdf", scrape.FetchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no adapter")
}

func TestRouter_RejectsBadURL(t *testing.T) {
	t.Parallel()
	r := NewRouter(&stubAdapter{kind: model.SourceWebpage})
	for _, u := range []string{"", "ftp://vendor.example/notes", "/relative/path", "https://"} {
		_, err := r.Acquire(context.Background(), "", u, scrape.FetchOptions{})
		assert.Error(t, err, u)
	}
}

func TestNormalizeWhitespace(t *testing.T) {
	t.Parallel()
	in := "  Version 2.0\r\n\r\n\r\n\r\n  - Fixed\t\tcrash  \n \n\n\n- Faster sync "
	assert.Equal(t, "Version 2.0\n\n- Fixed crash\n\n- Faster sync", NormalizeWhitespace(in))
}

func TestHTMLToText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Fixes\nCrash on launch\nSync errors",
		htmlToText("<h3>Fixes</h3><ul><li>Crash on launch</li><li>Sync errors</li></ul>"))
	assert.Equal(t, "plain & simple", htmlToText("plain &amp; simple"))
	assert.Equal(t, "a < b", stripTags("<p>a &lt; b</p>"))
}
