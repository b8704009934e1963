package source

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// App store listing pages embed their full version history as JSON inside
// script tags, either directly or as JSON-encoded strings in a cache map.
const appStoreScripts = `script[type="application/json"], script[type="fastboot/shoebox"]`

var (
	appVersionKeys = []string{"versionDisplay", "versionString", "version"}
	appNotesKeys   = []string{"releaseNotes", "notes"}
	appDateKeys    = []string{"releaseDate", "releaseTimestamp", "date"}
)

// appRelease is one entry of an embedded version history.
type appRelease struct {
	Version string
	Date    string
	Notes   string
}

// looksLikeAppStore is a cheap pre-check before any JSON is decoded.
func looksLikeAppStore(html string) bool {
	return strings.Contains(html, "versionHistory") &&
		(strings.Contains(html, "shoebox-media-api-cache") ||
			strings.Contains(html, "serialized-server-data") ||
			strings.Contains(html, "apps.apple.com"))
}

// ExtractAppStoreHistory returns the longest version history embedded in
// an app store page as text. ok is false when the page is not in that
// format or carries no history.
func ExtractAppStoreHistory(html string) (text string, ok bool) {
	if !looksLikeAppStore(html) {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}

	var best []appRelease
	doc.Find(appStoreScripts).Each(func(_ int, s *goquery.Selection) {
		var root any
		if err := json.Unmarshal([]byte(s.Text()), &root); err != nil {
			return
		}
		for _, h := range findHistories(root, 0) {
			if len(h) > len(best) {
				best = h
			}
		}
	})
	if len(best) == 0 {
		return "", false
	}
	return formatAppHistory(best), true
}

// findHistories walks v collecting every "versionHistory" array. String
// values holding JSON are decoded and walked too.
func findHistories(v any, depth int) [][]appRelease {
	if depth > 32 {
		return nil
	}
	var out [][]appRelease
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if k == "versionHistory" {
				if arr, ok := child.([]any); ok {
					if h := toReleases(arr); len(h) > 0 {
						out = append(out, h)
					}
					continue
				}
			}
			out = append(out, findHistories(child, depth+1)...)
		}
	case []any:
		for _, child := range t {
			out = append(out, findHistories(child, depth+1)...)
		}
	case string:
		trimmed := strings.TrimSpace(t)
		if len(trimmed) > 1 && (trimmed[0] == '{' || trimmed[0] == '[') && strings.Contains(trimmed, "versionHistory") {
			var inner any
			if json.Unmarshal([]byte(trimmed), &inner) == nil {
				out = append(out, findHistories(inner, depth+1)...)
			}
		}
	}
	return out
}

func toReleases(arr []any) []appRelease {
	out := make([]appRelease, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := appRelease{
			Version: firstString(m, appVersionKeys),
			Notes:   firstString(m, appNotesKeys),
			Date:    firstString(m, appDateKeys),
		}
		if r.Version == "" {
			continue
		}
		if len(r.Date) >= 10 && r.Date[4] == '-' && r.Date[7] == '-' {
			r.Date = r.Date[:10]
		}
		out = append(out, r)
	}
	return out
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func formatAppHistory(releases []appRelease) string {
	var b strings.Builder
	b.WriteString("Version History\n")
	for _, r := range releases {
		b.WriteString("\nVersion ")
		b.WriteString(r.Version)
		if r.Date != "" {
			fmt.Fprintf(&b, " (%s)", r.Date)
		}
		b.WriteString("\n")
		if r.Notes != "" {
			b.WriteString(NormalizeWhitespace(r.Notes))
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}
