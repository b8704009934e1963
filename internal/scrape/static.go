package scrape

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultMaxBodyBytes = 5 << 20

// Page is a fetched document. It is returned for 4xx/5xx responses too so
// the caller can classify the block.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// HTML returns the body as a string.
func (p *Page) HTML() string {
	if p == nil {
		return ""
	}
	return string(p.Body)
}

// ContentType returns the response media type without parameters.
func (p *Page) ContentType() string {
	if p == nil || p.Headers == nil {
		return ""
	}
	ct := p.Headers.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// StaticOptions configures the StaticFetcher.
type StaticOptions struct {
	Timeout           time.Duration
	MaxBodyBytes      int64
	RequestsPerSecond float64
}

// hostLimiter wraps a rate.Limiter and halves its rate on 429 down to a
// quarter of the initial rate, recovering 20% per success.
type hostLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

func newHostLimiter(r rate.Limit) *hostLimiter {
	return &hostLimiter{limiter: rate.NewLimiter(r, 1), initial: r, current: r}
}

func (h *hostLimiter) onSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := h.current * 1.2
	if next > h.initial {
		next = h.initial
	}
	h.current = next
	h.limiter.SetLimit(next)
}

func (h *hostLimiter) onRateLimit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := h.current * 0.5
	if floor := h.initial / 4; next < floor {
		next = floor
	}
	h.current = next
	h.limiter.SetLimit(next)
}

// StaticFetcher performs plain HTTP GETs with browser-like headers and a
// per-host rate limit.
type StaticFetcher struct {
	client *http.Client
	opts   StaticOptions

	mu       sync.Mutex
	limiters map[string]*hostLimiter
}

// NewStaticFetcher creates a StaticFetcher.
func NewStaticFetcher(opts StaticOptions) *StaticFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &StaticFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: make(map[string]*hostLimiter),
	}
}

func (f *StaticFetcher) limiterFor(host string) *hostLimiter {
	if f.opts.RequestsPerSecond <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = newHostLimiter(rate.Limit(f.opts.RequestsPerSecond))
		f.limiters[host] = l
	}
	return l
}

// Fetch GETs targetURL presenting id. Transport failures are returned as
// errors; HTTP error statuses are not.
func (f *StaticFetcher) Fetch(ctx context.Context, targetURL string, id Identity) (*Page, error) {
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return nil, eris.Errorf("static: invalid url %q", targetURL)
	}

	lim := f.limiterFor(u.Hostname())
	if lim != nil {
		if err := lim.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "static: rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "static: create request")
	}
	id.Apply(req.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "static: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "static: read body")
	}

	if lim != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			lim.onRateLimit()
			zap.L().Warn("static: rate limited, slowing host",
				zap.String("host", u.Hostname()),
			)
		} else {
			lim.onSuccess()
		}
	}

	final := targetURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}

	return &Page{
		URL:        targetURL,
		FinalURL:   final,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}, nil
}
