// Package quirks repairs version lists scraped from a few vendor layouts
// whose markup is known to misplace notes. Rules are keyed by URL pattern
// so a new layout is one more entry, not another branch in the extractor.
package quirks

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/version"
)

// Kind names a repair strategy.
type Kind string

const (
	// NoteSwap exchanges the notes of adjacent entries when each one
	// describes the other's version.
	NoteSwap Kind = "note_swap"
	// FamilyBackfill fills empty notes from a per-major "family" page.
	FamilyBackfill Kind = "family_backfill"
)

// Rule binds a URL pattern to a repair.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Kind    Kind   `yaml:"kind"`
	// FamilyURL is the family page template for FamilyBackfill; "{major}"
	// is replaced by the major version number.
	FamilyURL string `yaml:"family_url,omitempty"`

	re *regexp.Regexp
}

// Matches reports whether the rule applies to sourceURL.
func (r Rule) Matches(sourceURL string) bool {
	return r.re != nil && r.re.MatchString(sourceURL)
}

// TextFetcher returns the readable text of a page.
type TextFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// Defaults are the layouts known at build time.
func Defaults() []Rule {
	return []Rule{
		{
			Name:    "ableton-release-notes-swap",
			Pattern: `(?i)^https?://(?:[a-z0-9-]+\.)*ableton\.com/[a-z-]+/release-notes/`,
			Kind:    NoteSwap,
		},
		{
			Name:      "ableton-live-family",
			Pattern:   `(?i)^https?://(?:[a-z0-9-]+\.)*ableton\.com/[a-z-]+/release-notes/live-\d+/?`,
			Kind:      FamilyBackfill,
			FamilyURL: "https://www.ableton.com/en/release-notes/live-{major}/",
		},
	}
}

// Registry holds compiled rules.
type Registry struct {
	rules []Rule
}

// NewRegistry compiles rules.
func NewRegistry(rules ...Rule) (*Registry, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		switch r.Kind {
		case NoteSwap:
		case FamilyBackfill:
			if !strings.Contains(r.FamilyURL, "{major}") {
				return nil, eris.Errorf("quirks: rule %q: family_url must contain {major}", r.Name)
			}
		default:
			return nil, eris.Errorf("quirks: rule %q: unknown kind %q", r.Name, r.Kind)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "quirks: rule %q: compile pattern", r.Name)
		}
		r.re = re
		out = append(out, r)
	}
	return &Registry{rules: out}, nil
}

// Load returns the built-in rules plus any rules in the YAML file at path.
// An empty path yields the built-ins only.
func Load(path string) (*Registry, error) {
	rules := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "quirks: read %s", path)
		}
		var file struct {
			Quirks []Rule `yaml:"quirks"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, eris.Wrap(err, "quirks: parse file")
		}
		rules = append(rules, file.Quirks...)
	}
	return NewRegistry(rules...)
}

// Rules returns the rules in registration order.
func (r *Registry) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Match returns the rules that apply to sourceURL.
func (r *Registry) Match(sourceURL string) []Rule {
	if r == nil {
		return nil
	}
	var out []Rule
	for _, rule := range r.rules {
		if rule.Matches(sourceURL) {
			out = append(out, rule)
		}
	}
	return out
}

// Apply runs every matching rule over versions in registration order.
// fetch may be nil, in which case family backfill is skipped.
func (r *Registry) Apply(ctx context.Context, sourceURL string, versions []model.VersionEntry, fetch TextFetcher) []model.VersionEntry {
	for _, rule := range r.Match(sourceURL) {
		switch rule.Kind {
		case NoteSwap:
			versions = SwapNotes(versions)
		case FamilyBackfill:
			if fetch != nil {
				versions = Backfill(ctx, rule.FamilyURL, versions, fetch)
			}
		}
		zap.L().Debug("quirks: applied", zap.String("rule", rule.Name), zap.String("url", sourceURL))
	}
	return versions
}

// SwapNotes exchanges the notes of adjacent entries when the notes of each
// mention the other's version and not their own.
func SwapNotes(versions []model.VersionEntry) []model.VersionEntry {
	out := append([]model.VersionEntry(nil), versions...)
	for i := 0; i+1 < len(out); i++ {
		a, b := &out[i], &out[i+1]
		if mentions(a.Notes, b.Version) && !mentions(a.Notes, a.Version) &&
			mentions(b.Notes, a.Version) && !mentions(b.Notes, b.Version) {
			a.Notes, b.Notes = b.Notes, a.Notes
			i++
		}
	}
	return out
}

// Backfill fills empty notes from the family page of each entry's major
// version. Each family page is fetched at most once.
func Backfill(ctx context.Context, familyURL string, versions []model.VersionEntry, fetch TextFetcher) []model.VersionEntry {
	out := append([]model.VersionEntry(nil), versions...)
	pages := map[int]string{}
	for i := range out {
		if strings.TrimSpace(out[i].Notes) != "" {
			continue
		}
		major := version.Major(out[i].Version)
		text, seen := pages[major]
		if !seen {
			url := strings.ReplaceAll(familyURL, "{major}", strconv.Itoa(major))
			var err error
			text, err = fetch.FetchText(ctx, url)
			if err != nil {
				zap.L().Warn("quirks: family page fetch failed", zap.String("url", url), zap.Error(err))
				text = ""
			}
			pages[major] = text
		}
		if notes := NotesFor(text, out[i].Version); notes != "" {
			out[i].Notes = notes
		}
	}
	return out
}

const maxNotesChars = 2000

var headingRe = regexp.MustCompile(`(?im)^\s*(?:version\s+|release\s+|v)?\d+(?:\.\d+)+\b`)

// NotesFor returns the text following the heading line for ver in text, up
// to the next version heading.
func NotesFor(text, ver string) string {
	if strings.TrimSpace(ver) == "" {
		return ""
	}
	loc := versionRe(ver).FindStringSubmatchIndex(text)
	if loc == nil {
		return ""
	}
	rest := text[loc[3]:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return ""
	}
	rest = rest[nl+1:]
	if next := headingRe.FindStringIndex(rest); next != nil {
		rest = rest[:next[0]]
	}
	if len(rest) > maxNotesChars {
		n := maxNotesChars
		for n > 0 && !utf8.RuneStart(rest[n]) {
			n--
		}
		rest = rest[:n]
	}
	return strings.TrimSpace(rest)
}

func mentions(text, ver string) bool {
	if text == "" || ver == "" {
		return false
	}
	return versionRe(ver).MatchString(text)
}

// versionRe matches ver on its own, so "1.2" does not match inside "11.2.1".
func versionRe(ver string) *regexp.Regexp {
	v := regexp.QuoteMeta(version.StripPrefix(ver))
	return regexp.MustCompile(`(?i)(?:^|[^\d.])v?(` + v + `)(?:$|[^\d.]|\.(?:$|[^\d]))`)
}
