package model

import "time"

// Method is one step of the escalation chain.
type Method string

const (
	MethodStatic              Method = "static"
	MethodBrowserless         Method = "browserless"
	MethodBrowserlessExtended Method = "browserless-extended"
	MethodInteractive         Method = "interactive"
)

// EscalationChain is the fixed order methods are tried in.
var EscalationChain = []Method{
	MethodStatic,
	MethodBrowserless,
	MethodBrowserlessExtended,
	MethodInteractive,
}

// Rank returns the position of m in the escalation chain, or -1.
func (m Method) Rank() int {
	for i, c := range EscalationChain {
		if c == m {
			return i
		}
	}
	return -1
}

// Next returns the method one step further along the chain. The second
// return value is false when m is already the last method.
func (m Method) Next() (Method, bool) {
	r := m.Rank()
	if r < 0 || r >= len(EscalationChain)-1 {
		return m, false
	}
	return EscalationChain[r+1], true
}

// BlockerType identifies a known anti-bot protection system.
type BlockerType string

const (
	BlockerNone         BlockerType = ""
	BlockerNetwork      BlockerType = "network_error"
	BlockerRateLimit    BlockerType = "rate_limit"
	BlockerCloudflare   BlockerType = "cloudflare"
	BlockerAkamai       BlockerType = "akamai"
	BlockerDataDome     BlockerType = "datadome"
	BlockerPerimeterX   BlockerType = "perimeterx"
	BlockerAccessDenied BlockerType = "access_denied"
)

// BlockerDetection is the classification of one response.
type BlockerDetection struct {
	IsBlocked       bool        `json:"isBlocked"`
	BlockerType     BlockerType `json:"blockerType,omitempty"`
	Confidence      int         `json:"confidence"`
	Message         string      `json:"message,omitempty"`
	SuggestedAction string      `json:"suggestedAction,omitempty"`
}

// AttemptOutcome is how a single acquisition attempt ended.
type AttemptOutcome string

const (
	OutcomeSuccess    AttemptOutcome = "success"
	OutcomeBlocked    AttemptOutcome = "blocked"
	OutcomeLowContent AttemptOutcome = "low_content"
	OutcomeError      AttemptOutcome = "error"
)

// AcquisitionAttempt records one retry iteration. Not persisted.
type AcquisitionAttempt struct {
	URL       string         `json:"url"`
	Method    Method         `json:"method"`
	UserAgent string         `json:"userAgent"`
	StartedAt time.Time      `json:"startedAt"`
	Outcome   AttemptOutcome `json:"outcome"`
}

// ScrapingStrategy drives the interactive method.
type ScrapingStrategy struct {
	ClickSelectors []string `json:"clickSelectors,omitempty" yaml:"click_selectors,omitempty"`
	WaitSelector   string   `json:"waitSelector,omitempty" yaml:"wait_selector,omitempty"`
	WaitTimeMs     int      `json:"waitTime,omitempty" yaml:"wait_time_ms,omitempty"`
	CustomScript   string   `json:"customScript,omitempty" yaml:"custom_script,omitempty"`

	// PreferredMethod is the method that last succeeded for the domain.
	PreferredMethod Method `json:"preferredMethod,omitempty" yaml:"preferred_method,omitempty"`
}

// IsZero reports whether the strategy carries no interaction instructions.
func (s ScrapingStrategy) IsZero() bool {
	return len(s.ClickSelectors) == 0 && s.WaitSelector == "" && s.WaitTimeMs == 0 &&
		s.CustomScript == "" && s.PreferredMethod == ""
}

// LearnedPattern is the per-domain record of what acquisition worked.
type LearnedPattern struct {
	Domain         string           `json:"domain"`
	SuccessRate    float64          `json:"successRate"`
	LastSuccessful *time.Time       `json:"lastSuccessful,omitempty"`
	Strategy       ScrapingStrategy `json:"strategy"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}
