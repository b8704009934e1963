package browserless

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("tok", WithBaseURL(srv.URL))
}

func TestContent(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/content", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		assert.Equal(t, "true", r.URL.Query().Get("stealth"))
		assert.Empty(t, r.URL.Query().Get("blockAds"))

		var req ContentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://vendor.example/releases", req.URL)
		require.NotNil(t, req.GotoOptions)
		assert.Equal(t, "networkidle0", req.GotoOptions.WaitUntil)
		assert.Equal(t, 5000, req.WaitForTimeout)
		assert.Equal(t, "UA/1.0", req.UserAgent)

		w.Header().Set("X-Response-Code", "403")
		_, _ = w.Write([]byte("<html>Just a moment...</html>"))
	})

	resp, err := c.Content(context.Background(), ContentRequest{
		URL:            "https://vendor.example/releases",
		GotoOptions:    &GotoOptions{WaitUntil: "networkidle0", Timeout: 60000},
		WaitForTimeout: 5000,
		UserAgent:      "UA/1.0",
		Stealth:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "<html>Just a moment...</html>", resp.HTML)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestContent_DefaultStatus(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>ok</html>"))
	})

	resp, err := c.Content(context.Background(), ContentRequest{URL: "https://vendor.example"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestContent_APIError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("concurrency limit"))
	})

	_, err := c.Content(context.Background(), ContentRequest{URL: "https://vendor.example"})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "vendor.example")
}

func TestFunction(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/function", r.URL.Path)

		var req FunctionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Code, "page.goto")
		assert.Equal(t, "https://vendor.example", req.Context["url"])

		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>expanded</html>"))
	})

	resp, err := c.Function(context.Background(), FunctionRequest{
		Code:    "export default async ({ page, context }) => { await page.goto(context.url); }",
		Context: map[string]any{"url": "https://vendor.example"},
	})
	require.NoError(t, err)
	assert.Equal(t, "<html>expanded</html>", string(resp.Data))
	assert.Equal(t, "text/html", resp.ContentType)
}
