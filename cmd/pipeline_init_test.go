package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/metrics"
	"github.com/sells-group/versionvault/internal/scrape"
	"github.com/sells-group/versionvault/pkg/firecrawl"
	"github.com/sells-group/versionvault/pkg/jina"
)

func TestMethodTimeouts(t *testing.T) {
	t.Parallel()

	got := methodTimeouts(config.FetchConfig{StaticTimeoutSecs: 5, InteractTimeoutSecs: 120})
	assert.Equal(t, 5*time.Second, got.Static)
	assert.Equal(t, 30*time.Second, got.Render)
	assert.Equal(t, 60*time.Second, got.Extended)
	assert.Equal(t, 120*time.Second, got.Interactive)
}

func TestNewRenderer(t *testing.T) {
	t.Parallel()

	fc := firecrawl.NewClient("")
	jc := jina.NewClient("")

	tests := []struct {
		name     string
		cfg      config.Config
		wantName string
		wantErr  bool
	}{
		{"browserless", config.Config{Fetch: config.FetchConfig{Renderer: "browserless"}, Browserless: config.BrowserlessConfig{Key: "tok"}}, "browserless", false},
		{"browserless without key", config.Config{Fetch: config.FetchConfig{Renderer: "browserless"}}, "", false},
		{"firecrawl", config.Config{Fetch: config.FetchConfig{Renderer: "firecrawl"}, Firecrawl: config.FirecrawlConfig{Key: "k"}}, "firecrawl", false},
		{"firecrawl without key", config.Config{Fetch: config.FetchConfig{Renderer: "firecrawl"}}, "", true},
		{"jina", config.Config{Fetch: config.FetchConfig{Renderer: "jina"}}, "jina", false},
		{"chrome", config.Config{Fetch: config.FetchConfig{Renderer: "chrome"}}, "chrome", false},
		{"none", config.Config{Fetch: config.FetchConfig{Renderer: "none"}}, "", false},
		{"unknown", config.Config{Fetch: config.FetchConfig{Renderer: "lynx"}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := newRenderer(&tt.cfg, fc, jc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantName == "" {
				assert.Nil(t, r)
				return
			}
			require.NotNil(t, r)
			assert.Equal(t, tt.wantName, r.Name())
		})
	}
}

func TestInitAcquisition_FamilyFetcher(t *testing.T) {
	t.Parallel()

	page := `<html><body><main><h1>Widget 3.x release notes</h1><p>` +
		`Widget 3.2 adds a new mixer and fixes the export dialog. Widget 3.1 improves startup time.</p>` +
		`</main></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/denied" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("<html><body>Access denied</body></html>"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	c := &config.Config{
		Fetch: config.FetchConfig{Renderer: "none"},
		OCR:   config.OCRConfig{Provider: "local"},
	}
	acq, err := initAcquisition(c, metrics.New())
	require.NoError(t, err)

	fetch := familyFetcher(acq.Webpage, scrape.FetchOptions{MaxAttempts: 1, MinContentChars: 10})
	text, err := fetch.FetchText(context.Background(), srv.URL+"/widget/3.x")
	require.NoError(t, err)
	assert.Contains(t, text, "Widget 3.2 adds a new mixer")

	_, err = fetch.FetchText(context.Background(), srv.URL+"/denied")
	assert.Error(t, err)
}
