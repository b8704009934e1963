package scrape

import (
	"math/rand/v2"
	"net/http"
	"sync"
)

// Identity is the browser fingerprint presented on one attempt.
type Identity struct {
	UserAgent      string
	AcceptLanguage string
	Platform       string
}

var identityPool = []Identity{
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
		Platform:       `"Windows"`,
	},
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
		Platform:       `"macOS"`,
	},
	{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
		AcceptLanguage: "en-US,en;q=0.9",
		Platform:       `"macOS"`,
	},
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:130.0) Gecko/20100101 Firefox/130.0",
		AcceptLanguage: "en-US,en;q=0.5",
		Platform:       `"Windows"`,
	},
	{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
		AcceptLanguage: "en-GB,en;q=0.9",
		Platform:       `"Linux"`,
	},
	{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36 Edg/128.0.0.0",
		AcceptLanguage: "en-US,en;q=0.9",
		Platform:       `"Windows"`,
	},
}

// Rotator hands out identities per attempt. Attempt 0 always gets the
// first identity so the initial request is stable; later attempts draw
// randomly when rotation is enabled.
type Rotator struct {
	mu     sync.Mutex
	pool   []Identity
	rotate bool
	intn   func(n int) int
}

// NewRotator creates a Rotator over the built-in identity pool.
func NewRotator(rotate bool) *Rotator {
	return &Rotator{pool: identityPool, rotate: rotate, intn: rand.IntN}
}

// ForAttempt returns the identity to use on the given zero-based attempt.
func (r *Rotator) ForAttempt(attempt int) Identity {
	if !r.rotate || attempt == 0 || len(r.pool) == 1 {
		return r.pool[0]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool[r.intn(len(r.pool))]
}

// Pool returns a copy of the identities the rotator draws from.
func (r *Rotator) Pool() []Identity {
	return append([]Identity(nil), r.pool...)
}

// Apply sets the identity and the standard browser navigation headers on h.
func (id Identity) Apply(h http.Header) {
	h.Set("User-Agent", id.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", id.AcceptLanguage)
	h.Set("DNT", "1")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	if id.Platform != "" {
		h.Set("Sec-Ch-Ua-Platform", id.Platform)
	}
}
