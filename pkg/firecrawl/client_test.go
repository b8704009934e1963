package firecrawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-api-key", WithBaseURL(srv.URL))
	return srv, c
}

func TestScrape(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantTitle  string
		wantHTML   string
		wantErr    bool
		wantAPIErr bool
		wantStatus int
	}{
		{
			name: "happy path with actions",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/scrape", r.URL.Path)
				assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var req ScrapeRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "https://example.com/releases", req.URL)
				assert.Equal(t, []string{"rawHtml"}, req.Formats)
				require.Len(t, req.Actions, 2)
				assert.Equal(t, "click", req.Actions[0].Type)
				assert.Equal(t, ".expand", req.Actions[0].Selector)
				assert.Equal(t, 2000, req.Actions[1].Milliseconds)

				_ = json.NewEncoder(w).Encode(ScrapeResponse{
					Success: true,
					Data: PageData{
						RawHTML:  "<html>v2.1</html>",
						Metadata: Metadata{Title: "Releases", StatusCode: 200},
					},
				})
			},
			wantTitle: "Releases",
			wantHTML:  "<html>v2.1</html>",
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit"}`))
			},
			wantErr:    true,
			wantAPIErr: true,
			wantStatus: 429,
		},
		{
			name: "unsuccessful body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(ScrapeResponse{
					Success: false,
					Data:    PageData{Metadata: Metadata{Error: "timeout"}},
				})
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, tt.handler)
			resp, err := c.Scrape(context.Background(), ScrapeRequest{
				URL:     "https://example.com/releases",
				Formats: []string{"rawHtml"},
				Actions: []Action{Click(".expand"), Wait(2000)},
			})

			if tt.wantErr {
				require.Error(t, err)
				if tt.wantAPIErr {
					var apiErr *APIError
					require.ErrorAs(t, err, &apiErr)
					assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, resp.Data.Metadata.Title)
			assert.Equal(t, tt.wantHTML, resp.Data.RawHTML)
		})
	}
}

func TestMap(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/map", r.URL.Path)

		var req MapRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com", req.URL)
		assert.Equal(t, "release notes", req.Search)

		_ = json.NewEncoder(w).Encode(MapResponse{
			Success: true,
			Links:   []string{"https://example.com/release-notes", "https://example.com/blog"},
		})
	})

	resp, err := c.Map(context.Background(), MapRequest{URL: "https://example.com", Search: "release notes"})
	require.NoError(t, err)
	assert.Len(t, resp.Links, 2)
}

func TestMap_DecodeError(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := c.Map(context.Background(), MapRequest{URL: "https://example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestActionHelpers(t *testing.T) {
	assert.Equal(t, Action{Type: "wait", Selector: "#notes"}, WaitFor("#notes"))
	assert.Equal(t, Action{Type: "executeJavascript", Script: "1+1"}, ExecuteJavascript("1+1"))
}
