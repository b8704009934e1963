// Package window shrinks large pages to the regions around product
// mentions before they are sent for extraction.
package window

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultWindowChars is the size of each window around a mention.
	DefaultWindowChars = 5000
	// MaxWindows bounds how many mentions are windowed.
	MaxWindows = 5
	// Separator is placed between windows.
	Separator = "\n\n[...]\n\n"
)

// Method names how the content was produced.
const (
	MethodWindowed = "smart_window"
	MethodFallback = "fallback"
)

// variantSuffixes are common model-line suffixes; "Widget" also matches
// "Widget Pro" and "Widget Pro" also matches "Widget".
var variantSuffixes = []string{
	"Mini", "Pro", "Max", "Plus", "Ultra", "Air", "Studio", "Lite", "SE",
	"4K", "HD", "XL", "II", "III", "IV", "2", "3",
}

// Result is the windowed content.
type Result struct {
	Content      string `json:"-"`
	FoundProduct bool   `json:"foundProduct"`
	Method       string `json:"method"`
	Matches      int    `json:"matches"`
	Windows      int    `json:"windows"`
}

// Variants returns the product name, its base name without trailing
// suffixes, and the base with each known suffix appended.
func Variants(product string) []string {
	product = strings.Join(strings.Fields(product), " ")
	if product == "" {
		return nil
	}

	words := strings.Fields(product)
	for len(words) > 1 && isSuffix(words[len(words)-1]) {
		words = words[:len(words)-1]
	}
	base := strings.Join(words, " ")

	seen := make(map[string]bool)
	var out []string
	add := func(v string) {
		key := strings.ToLower(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	add(product)
	if len(base) >= 3 {
		add(base)
	}
	for _, s := range variantSuffixes {
		add(base + " " + s)
	}
	return out
}

func isSuffix(word string) bool {
	for _, s := range variantSuffixes {
		if strings.EqualFold(word, s) {
			return true
		}
	}
	return false
}

// matchPattern builds a case-insensitive alternation, longest first so a
// suffixed variant wins over its base at the same position.
func matchPattern(variants []string) *regexp.Regexp {
	sorted := append([]string(nil), variants...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, v := range sorted {
		quoted[i] = regexp.QuoteMeta(v)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
}

// Positions returns the sorted, distinct byte offsets at which any variant
// of product occurs in text.
func Positions(text, product string) []int {
	ms := matches(text, product)
	if ms == nil {
		return nil
	}
	out := make([]int, len(ms))
	for i, m := range ms {
		out[i] = m[0]
	}
	return out
}

// matches returns the [start, end) of each distinct mention.
func matches(text, product string) [][2]int {
	variants := Variants(product)
	if len(variants) == 0 || text == "" {
		return nil
	}
	var out [][2]int
	for _, m := range matchPattern(variants).FindAllStringIndex(text, -1) {
		if n := len(out); n == 0 || out[n-1][0] != m[0] {
			out = append(out, [2]int{m[0], m[1]})
		}
	}
	return out
}

// ExtractSmartContent windows fullText around mentions of productName
// using DefaultWindowChars.
func ExtractSmartContent(fullText, productName string, maxChars int) Result {
	return Extract(fullText, productName, maxChars, DefaultWindowChars)
}

// Extract windows fullText around up to MaxWindows of the earliest
// mentions of productName, each windowChars wide and centered on the
// mention. Overlapping windows are merged. Windows are joined with
// Separator and the result never exceeds maxChars bytes; maxChars <= 0
// means no limit. A window cut short by maxChars is re-centered so it
// still contains its mention. Without a mention the first maxChars of the
// text are returned.
func Extract(fullText, productName string, maxChars, windowChars int) Result {
	if windowChars <= 0 {
		windowChars = DefaultWindowChars
	}
	found := matches(fullText, productName)
	if len(found) == 0 {
		content := fullText
		if maxChars > 0 {
			content = clip(fullText, maxChars)
		}
		return Result{Content: content, Method: MethodFallback}
	}

	used := found
	if len(used) > MaxWindows {
		used = used[:MaxWindows]
	}

	var b strings.Builder
	windows := 0
	for _, sp := range mergeSpans(fullText, used, windowChars) {
		if windows > 0 {
			if maxChars > 0 && b.Len()+len(Separator) >= maxChars {
				break
			}
			b.WriteString(Separator)
		}
		if maxChars > 0 {
			if room := maxChars - b.Len(); sp.end-sp.start > room {
				sp = sp.shrink(fullText, room)
			}
		}
		b.WriteString(fullText[sp.start:sp.end])
		windows++
		if maxChars > 0 && b.Len() >= maxChars {
			break
		}
	}

	return Result{
		Content:      b.String(),
		FoundProduct: true,
		Method:       MethodWindowed,
		Matches:      len(found),
		Windows:      windows,
	}
}

// span is a [start, end) window anchored on the first mention it covers,
// which occupies [anchor, anchorEnd).
type span struct {
	start, end        int
	anchor, anchorEnd int
}

// shrink narrows sp to at most room bytes, keeping the anchor mention
// inside when it fits.
func (sp span) shrink(text string, room int) span {
	slack := room - (sp.anchorEnd - sp.anchor)
	if slack < 0 {
		slack = 0
	}
	start := sp.anchor - slack/2
	if start < sp.start {
		start = sp.start
	}
	end := start + room
	if end > sp.end {
		end = sp.end
		if start = end - room; start < sp.start {
			start = sp.start
		}
	}
	start = ceilRune(text, start)
	end = floorRune(text, end)
	if end < start {
		end = start
	}
	sp.start, sp.end = start, end
	return sp
}

// mergeSpans turns mentions into windows of width bytes centered on each
// mention, widened to cover the whole mention, clamped to the text and
// snapped to rune boundaries, merging windows that overlap.
func mergeSpans(text string, found [][2]int, width int) []span {
	var spans []span
	for _, m := range found {
		p := m[0]
		start := p - width/2
		end := start + width
		if end < m[1] {
			end = m[1]
		}
		if start < 0 {
			end -= start
			start = 0
		}
		if end > len(text) {
			start -= end - len(text)
			end = len(text)
			if start < 0 {
				start = 0
			}
		}
		start = floorRune(text, start)
		end = floorRune(text, end)
		if n := len(spans); n > 0 && start <= spans[n-1].end {
			if end > spans[n-1].end {
				spans[n-1].end = end
			}
			continue
		}
		spans = append(spans, span{start: start, end: end, anchor: p, anchorEnd: m[1]})
	}
	return spans
}

// floorRune moves i back to the nearest rune start.
func floorRune(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// ceilRune moves i forward to the nearest rune start.
func ceilRune(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// clip returns the longest prefix of s of at most n bytes that ends on a
// rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:floorRune(s, n)]
}
