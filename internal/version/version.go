// Package version holds the single version comparator shared by sorting,
// deduplication and anomaly detection.
package version

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	prefixRe      = regexp.MustCompile(`^[vVrR](\d)`)
	parentheticRe = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	platformRe    = regexp.MustCompile(`(?i)[\s_]+(?:for\s+)?(?:windows|win64|win32|macos|mac\s*os|mac|osx|linux|ios|android|x64|x86|arm64)$`)
	splitRe       = regexp.MustCompile(`[.\-]`)
	leadingNumRe  = regexp.MustCompile(`^\d+`)
	digitRunRe    = regexp.MustCompile(`\d+`)
)

// StripPrefix removes a leading "v" or "r" when it directly precedes a digit.
func StripPrefix(v string) string {
	v = strings.TrimSpace(v)
	return prefixRe.ReplaceAllString(v, "$1")
}

// Normalize returns the deduplication key of a version string: prefix
// stripped, trailing parenthetical and platform qualifiers removed.
// "v3.0.23 (Windows)" and "3.0.23 macOS" both normalize to "3.0.23".
func Normalize(v string) string {
	v = StripPrefix(v)
	for {
		next := parentheticRe.ReplaceAllString(v, "")
		next = platformRe.ReplaceAllString(next, "")
		next = strings.TrimSpace(next)
		if next == v {
			break
		}
		v = next
	}
	return v
}

// Parts splits a version into numeric components. Segments without leading
// digits count as 0.
func Parts(v string) []int {
	v = Normalize(v)
	if v == "" {
		return nil
	}
	segs := splitRe.Split(v, -1)
	out := make([]int, len(segs))
	for i, s := range segs {
		m := leadingNumRe.FindString(strings.TrimSpace(s))
		if m == "" {
			continue
		}
		n, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		out[i] = n
	}
	return out
}

// Compare returns -1, 0 or 1 comparing a to b numerically segment by
// segment. Missing segments are treated as 0, so "1.2" == "1.2.0".
func Compare(a, b string) int {
	pa, pb := Parts(a), Parts(b)
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x > y:
			return 1
		case x < y:
			return -1
		}
	}
	return 0
}

// Major returns the first numeric component, or 0.
func Major(v string) int {
	p := Parts(v)
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

// Shape reduces digit runs to placeholders: four-digit runs become "YYYY",
// any other run becomes "X". "2024.1" has shape "YYYY.X".
func Shape(v string) string {
	return digitRunRe.ReplaceAllStringFunc(Normalize(v), func(run string) string {
		if len(run) == 4 {
			return "YYYY"
		}
		return "X"
	})
}
