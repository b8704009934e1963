// Package browserless provides a client for the Browserless headless Chrome
// REST API.
package browserless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://production-sfo.browserless.io"

// Client defines the Browserless operations used for rendering.
type Client interface {
	// Content loads a page in headless Chrome and returns the final HTML.
	Content(ctx context.Context, req ContentRequest) (*ContentResponse, error)
	// Function runs a puppeteer function server-side and returns its result.
	Function(ctx context.Context, req FunctionRequest) (*FunctionResponse, error)
}

// GotoOptions mirrors puppeteer's page.goto options.
type GotoOptions struct {
	WaitUntil string `json:"waitUntil,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
}

// WaitForSelector waits for an element before capturing.
type WaitForSelector struct {
	Selector string `json:"selector"`
	Timeout  int    `json:"timeout,omitempty"`
}

// ContentRequest is the body for POST /content.
type ContentRequest struct {
	URL                 string            `json:"url"`
	GotoOptions         *GotoOptions      `json:"gotoOptions,omitempty"`
	WaitForSelector     *WaitForSelector  `json:"waitForSelector,omitempty"`
	WaitForTimeout      int               `json:"waitForTimeout,omitempty"`
	UserAgent           string            `json:"userAgent,omitempty"`
	SetExtraHTTPHeaders map[string]string `json:"setExtraHTTPHeaders,omitempty"`
	BestAttempt         bool              `json:"bestAttempt,omitempty"`

	// Stealth and BlockAds are sent as query parameters.
	Stealth  bool `json:"-"`
	BlockAds bool `json:"-"`
}

// ContentResponse is the rendered page.
type ContentResponse struct {
	HTML       string
	StatusCode int
	Headers    http.Header
}

// FunctionRequest is the body for POST /function.
type FunctionRequest struct {
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
	Stealth bool           `json:"-"`
}

// FunctionResponse is the value returned by the function, with the
// content type Browserless reported.
type FunctionResponse struct {
	Data        []byte
	ContentType string
}

// APIError is returned when Browserless responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("browserless: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a Browserless client authenticated by token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Content(ctx context.Context, req ContentRequest) (*ContentResponse, error) {
	body, resp, err := c.post(ctx, "/content", req, req.Stealth, req.BlockAds)
	if err != nil {
		return nil, eris.Wrapf(err, "browserless: content %s", req.URL)
	}

	out := &ContentResponse{HTML: string(body), StatusCode: http.StatusOK, Headers: resp.Header}
	// Browserless reports the target page's status separately from its own.
	if code, convErr := strconv.Atoi(resp.Header.Get("X-Response-Code")); convErr == nil && code > 0 {
		out.StatusCode = code
	}
	return out, nil
}

func (c *httpClient) Function(ctx context.Context, req FunctionRequest) (*FunctionResponse, error) {
	body, resp, err := c.post(ctx, "/function", req, req.Stealth, false)
	if err != nil {
		return nil, eris.Wrap(err, "browserless: function")
	}
	return &FunctionResponse{Data: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *httpClient) post(ctx context.Context, path string, payload any, stealth, blockAds bool) ([]byte, *http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal request")
	}

	q := url.Values{}
	if c.token != "" {
		q.Set("token", c.token)
	}
	if stealth {
		q.Set("stealth", "true")
	}
	if blockAds {
		q.Set("blockAds", "true")
	}
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, eris.Wrap(err, "execute request")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, resp, nil
}
