package extract

import (
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/versionvault/internal/model"
)

// DefaultCategory is used when neither the reply nor the product record
// names a category.
const DefaultCategory = "Software"

var (
	// ErrMalformedResponse means the reply held no usable JSON object.
	ErrMalformedResponse = eris.New("extract: malformed completion response")
	// ErrMissingFields means manufacturer or category was absent.
	ErrMissingFields = eris.New("extract: completion response missing manufacturer or category")
)

// ParseResponse decodes a completion reply into ExtractedInfo, checking
// every field's presence and type. Versions without a version string are
// dropped; release dates that are not ISO calendar dates become nil.
//
// When manufacturer or category is missing the partially filled info is
// returned together with ErrMissingFields.
func ParseResponse(text string) (*model.ExtractedInfo, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return nil, eris.Wrap(ErrMalformedResponse, err.Error())
	}

	info := &model.ExtractedInfo{
		Manufacturer:    stringField(raw, "manufacturer"),
		Category:        stringField(raw, "category"),
		CurrentVersion:  stringField(raw, "currentVersion"),
		ReleaseDate:     dateField(raw["releaseDate"]),
		ValidationNotes: stringField(raw, "validationNotes"),
		Versions:        []model.VersionEntry{},
	}
	if c, ok := toInt(raw["confidence"]); ok {
		c = max(0, min(100, c))
		info.Confidence = &c
	}
	if b, ok := raw["productNameFound"].(bool); ok {
		info.ProductNameFound = &b
	}

	if items, ok := raw["versions"].([]any); ok {
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ver := stringField(obj, "version")
			if ver == "" {
				continue
			}
			info.Versions = append(info.Versions, model.VersionEntry{
				Version:     ver,
				ReleaseDate: dateField(obj["releaseDate"]),
				Notes:       stringField(obj, "notes"),
				Type:        releaseType(stringField(obj, "type")),
			})
		}
	}

	if info.Manufacturer == "" || info.Category == "" {
		return info, ErrMissingFields
	}
	return info, nil
}

// cleanJSON extracts a JSON object from text that may carry markdown code
// fences or prose around it.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		s := strings.TrimSpace(v)
		if strings.EqualFold(s, "null") || strings.EqualFold(s, "unknown") || s == "N/A" {
			return ""
		}
		return s
	case float64:
		// Models occasionally emit a bare number for a version.
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// dateField accepts only a YYYY-MM-DD calendar date, or the date part of
// an RFC 3339 timestamp.
func dateField(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if len(s) > 10 && s[10] == 'T' {
		s = s[:10]
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return nil
	}
	return &s
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		// 0-1 scale answers are rescaled to percent.
		if n > 0 && n < 1 {
			n *= 100
		}
		return int(math.Round(n)), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		if err != nil {
			return 0, false
		}
		return toInt(f)
	default:
		return 0, false
	}
}

func releaseType(s string) model.ReleaseType {
	switch t := model.ReleaseType(strings.ToLower(s)); t {
	case model.ReleaseMajor, model.ReleaseMinor, model.ReleasePatch:
		return t
	default:
		return ""
	}
}

// repositoryHosts serve files on behalf of an owner named in the path.
var repositoryHosts = map[string]bool{
	"github.com":                 true,
	"raw.githubusercontent.com":  true,
	"gist.githubusercontent.com": true,
	"gitlab.com":                 true,
	"bitbucket.org":              true,
}

// ManufacturerFromURL guesses a manufacturer from the registrable domain
// of sourceURL ("support.acme-audio.co.uk" gives "Acme Audio"). For code
// hosts the repository owner is used instead.
func ManufacturerFromURL(sourceURL string) string {
	u, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())

	label := ""
	if repositoryHosts[host] {
		if parts := strings.Split(strings.Trim(u.Path, "/"), "/"); parts[0] != "" {
			label = parts[0]
		}
	}
	if label == "" {
		domain, err := publicsuffix.EffectiveTLDPlusOne(host)
		if err != nil {
			domain = host
		}
		label, _, _ = strings.Cut(domain, ".")
	}

	label = strings.NewReplacer("-", " ", "_", " ").Replace(label)
	return cases.Title(language.English).String(label)
}

// Fallback is the minimal result used when the completion service gives
// nothing usable.
func Fallback(product model.Product, sourceURL, reason string) *model.ExtractedInfo {
	manufacturer := strings.TrimSpace(product.Manufacturer)
	if manufacturer == "" {
		manufacturer = ManufacturerFromURL(sourceURL)
	}
	if manufacturer == "" {
		manufacturer = "Unknown"
	}
	category := strings.TrimSpace(product.Category)
	if category == "" {
		category = DefaultCategory
	}
	zero := 0
	return &model.ExtractedInfo{
		Manufacturer:    manufacturer,
		Category:        category,
		Versions:        []model.VersionEntry{},
		Confidence:      &zero,
		ValidationNotes: "fallback: " + reason,
	}
}
