package scrape

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/resilience"
)

const (
	// challengeBodyMax is the size under which a body carrying a vendor
	// fingerprint is treated as an interstitial rather than a real page.
	challengeBodyMax = 20000

	// genericBodyMax bounds the "access denied" text check. Long pages that
	// merely mention the phrase are not blocks.
	genericBodyMax = 5000
)

var networkErrorPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"enotfound",
	"no such host",
	"socket hang up",
	"eof",
	"protocol error",
	"http2",
	"stream error",
	"tls",
	"certificate",
}

var cloudflareMarkers = []string{
	"cf-browser-verification",
	"challenge-platform",
	"cf_chl_",
	"cf-challenge",
	"just a moment...",
	"checking your browser",
	"attention required! | cloudflare",
	"enable javascript and cookies to continue",
}

var akamaiMarkers = []string{
	"errors.edgesuite.net",
	"akamai",
	"reference&#32;&#35;",
}

// Vendor tags that protected sites embed on every page only count when the
// response was also denied; the challenge markers count on their own.
var (
	dataDomeTags        = []string{"datadome", "dd.js"}
	dataDomeChallenge   = []string{"captcha-delivery.com", "geo.captcha-delivery"}
	perimeterXTags      = []string{"perimeterx", "_pxappid", "client.perimeterx.net"}
	perimeterXChallenge = []string{"_pxcaptcha", "px-captcha", "press &amp; hold", "press & hold"}
)

var accessDeniedMarkers = []string{
	"access denied",
	"403 forbidden",
	"forbidden",
	"you have been blocked",
	"request blocked",
	"verify you are human",
	"are you a robot",
	"unusual traffic",
}

// Detect classifies a fetch outcome as blocked or not, and by which
// protection system. Checks run in a fixed priority order and the first
// match wins: network error, HTTP 429, Cloudflare, Akamai, DataDome,
// PerimeterX, then generic access-denied text. html may be empty and
// headers may be nil.
func Detect(html string, statusCode int, headers http.Header, err error) model.BlockerDetection {
	if err != nil {
		return detectError(err)
	}

	if statusCode == http.StatusTooManyRequests {
		return model.BlockerDetection{
			IsBlocked:       true,
			BlockerType:     model.BlockerRateLimit,
			Confidence:      95,
			Message:         "rate limited (HTTP 429)",
			SuggestedAction: "back off before retrying",
		}
	}

	lower := strings.ToLower(html)
	short := len(html) < challengeBodyMax
	denied := statusCode == http.StatusForbidden || statusCode == http.StatusServiceUnavailable

	if d, ok := detectCloudflare(lower, headers, short, denied); ok {
		return d
	}

	if hasAny(lower, akamaiMarkers) && (denied || short && strings.Contains(lower, "access denied")) ||
		headerContains(headers, "Server", "akamaighost") && denied {
		return model.BlockerDetection{
			IsBlocked:       true,
			BlockerType:     model.BlockerAkamai,
			Confidence:      85,
			Message:         "Akamai bot manager denied the request",
			SuggestedAction: "escalate to a headless browser with stealth",
		}
	}

	ddHeader := headers.Get("X-Datadome") != "" || headers.Get("X-Dd-B") != ""
	if short && hasAny(lower, dataDomeChallenge) || denied && (ddHeader || hasAny(lower, dataDomeTags)) {
		return model.BlockerDetection{
			IsBlocked:       true,
			BlockerType:     model.BlockerDataDome,
			Confidence:      90,
			Message:         "DataDome captcha challenge",
			SuggestedAction: "escalate to an interactive browser session",
		}
	}

	if short && hasAny(lower, perimeterXChallenge) || denied && hasAny(lower, perimeterXTags) {
		return model.BlockerDetection{
			IsBlocked:       true,
			BlockerType:     model.BlockerPerimeterX,
			Confidence:      85,
			Message:         "PerimeterX human challenge",
			SuggestedAction: "escalate to an interactive browser session",
		}
	}

	if len(html) < genericBodyMax && (hasAny(lower, accessDeniedMarkers) || statusCode == http.StatusForbidden) {
		return model.BlockerDetection{
			IsBlocked:       true,
			BlockerType:     model.BlockerAccessDenied,
			Confidence:      60,
			Message:         fmt.Sprintf("access denied (HTTP %d, %d bytes)", statusCode, len(html)),
			SuggestedAction: "rotate identity and escalate",
		}
	}

	return model.BlockerDetection{}
}

func detectError(err error) model.BlockerDetection {
	msg := strings.ToLower(err.Error())
	confidence := 50
	if resilience.IsNetworkError(err) || hasAny(msg, networkErrorPatterns) {
		confidence = 80
	}
	return model.BlockerDetection{
		IsBlocked:       true,
		BlockerType:     model.BlockerNetwork,
		Confidence:      confidence,
		Message:         err.Error(),
		SuggestedAction: "retry with a different method",
	}
}

func detectCloudflare(lower string, headers http.Header, short, denied bool) (model.BlockerDetection, bool) {
	fromHeader := headers.Get("Cf-Ray") != "" || headerContains(headers, "Server", "cloudflare")
	challenge := hasAny(lower, cloudflareMarkers)

	// A cf-ray header alone is just a CDN; it takes a challenge body or an
	// error status on a short response to count as a block.
	blocked := short && (challenge || fromHeader && denied)
	if !blocked {
		return model.BlockerDetection{}, false
	}

	confidence := 80
	if fromHeader && challenge {
		confidence = 95
	}
	return model.BlockerDetection{
		IsBlocked:       true,
		BlockerType:     model.BlockerCloudflare,
		Confidence:      confidence,
		Message:         "Cloudflare challenge page",
		SuggestedAction: "escalate to a headless browser",
	}, true
}

func hasAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func headerContains(h http.Header, key, needle string) bool {
	if h == nil {
		return false
	}
	return strings.Contains(strings.ToLower(h.Get(key)), needle)
}
