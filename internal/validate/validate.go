// Package validate cross-checks an extraction against the page it came from.
package validate

import (
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/source"
	"github.com/sells-group/versionvault/internal/version"
)

// Default thresholds.
const (
	DefaultFarDistance    = 500
	DefaultNearDistance   = 200
	DefaultFarCap         = 60
	DefaultNearCap        = 80
	DefaultValidThreshold = 70
)

// minMajorWord is the shortest product word that counts on its own as a
// partial name match.
const minMajorWord = 4

// Validator scores how plausible an extraction is.
type Validator struct {
	cfg config.ValidateConfig
}

// New creates a Validator. Zero thresholds take their defaults.
func New(cfg config.ValidateConfig) *Validator {
	if cfg.FarDistance <= 0 {
		cfg.FarDistance = DefaultFarDistance
	}
	if cfg.NearDistance <= 0 {
		cfg.NearDistance = DefaultNearDistance
	}
	if cfg.FarCap <= 0 {
		cfg.FarCap = DefaultFarCap
	}
	if cfg.NearCap <= 0 {
		cfg.NearCap = DefaultNearCap
	}
	if cfg.ValidThreshold <= 0 {
		cfg.ValidThreshold = DefaultValidThreshold
	}
	return &Validator{cfg: cfg}
}

// Validate checks info, extracted for product from pageText fetched at
// sourceURL. It never fails: problems are reported in the result.
func (v *Validator) Validate(product string, info *model.ExtractedInfo, pageText, sourceURL string) model.ValidationResult {
	current := CurrentVersion(info)
	if current == "" {
		return model.ValidationResult{Valid: true, Confidence: 100, Reason: "no versions extracted"}
	}

	lower := strings.ToLower(pageText)
	var (
		warnings []string
		reasons  []string
	)

	namePos, how := findProduct(lower, product)
	repoFile := source.IsRepositoryFile(sourceURL)
	nameFound := len(namePos) > 0
	if info.ProductNameFound != nil && !*info.ProductNameFound {
		nameFound = false
		reasons = append(reasons, "completion service reported the product name absent")
	}

	if !nameFound && !repoFile {
		zap.L().Debug("validate: product name not found",
			zap.String("product", product),
			zap.String("url", sourceURL),
		)
		return model.ValidationResult{
			Valid:      false,
			Confidence: 0,
			Reason:     joinReasons(append(reasons, fmt.Sprintf("product %q not found in page content", product))),
		}
	}

	confidence := 100
	switch {
	case !nameFound:
		reasons = append(reasons, "product name absent but source is an official repository file")
	case how == matchPartial:
		reasons = append(reasons, "product name matched partially")
	default:
		reasons = append(reasons, "product name found")
	}

	verPos := findVersion(lower, current)
	switch {
	case len(verPos) == 0:
		warnings = append(warnings, fmt.Sprintf("version %s not found in page content", current))
	case len(namePos) > 0:
		dist := minDistance(namePos, verPos)
		switch {
		case dist > v.cfg.FarDistance:
			confidence = min(confidence, v.cfg.FarCap)
			reasons = append(reasons, fmt.Sprintf("version is %d chars from the product name", dist))
		case dist > v.cfg.NearDistance:
			confidence = min(confidence, v.cfg.NearCap)
			reasons = append(reasons, fmt.Sprintf("version is %d chars from the product name", dist))
		}
	}

	if !hasDigit(current) {
		warnings = append(warnings, fmt.Sprintf("version %q has no numeric component", current))
	}

	if info.Confidence != nil && *info.Confidence < confidence {
		confidence = max(*info.Confidence, 0)
		reasons = append(reasons, fmt.Sprintf("completion confidence %d", *info.Confidence))
	}

	return model.ValidationResult{
		Valid:      confidence >= v.cfg.ValidThreshold && len(warnings) == 0,
		Confidence: confidence,
		Reason:     joinReasons(reasons),
		Warnings:   warnings,
	}
}

// CurrentVersion is the version an extraction reports as current: the
// explicit current version, else the newest entry.
func CurrentVersion(info *model.ExtractedInfo) string {
	if info == nil {
		return ""
	}
	if c := strings.TrimSpace(info.CurrentVersion); c != "" {
		return c
	}
	if len(info.Versions) > 0 {
		return strings.TrimSpace(info.Versions[0].Version)
	}
	return ""
}

type matchKind int

const (
	matchNone matchKind = iota
	matchExact
	matchPartial
)

// findProduct returns the offsets of the product name in lower. When the
// full name is absent, occurrences of its major words count instead.
func findProduct(lower, product string) ([]int, matchKind) {
	name := strings.ToLower(strings.Join(strings.Fields(product), " "))
	if name == "" {
		return nil, matchNone
	}
	if pos := indexAll(lower, name); len(pos) > 0 {
		return pos, matchExact
	}

	var pos []int
	for _, w := range strings.Fields(name) {
		if len([]rune(w)) < minMajorWord {
			continue
		}
		pos = append(pos, indexAll(lower, w)...)
	}
	if len(pos) == 0 {
		return nil, matchNone
	}
	return pos, matchPartial
}

// findVersion returns the offsets of ver in lower, trying the string as
// given and without its v/r prefix.
func findVersion(lower, ver string) []int {
	ver = strings.ToLower(ver)
	if pos := indexAll(lower, ver); len(pos) > 0 {
		return pos
	}
	if bare := strings.ToLower(version.Normalize(ver)); bare != "" && bare != ver {
		return indexAll(lower, bare)
	}
	return nil
}

func indexAll(s, sub string) []int {
	var out []int
	for from := 0; from <= len(s)-len(sub); {
		i := strings.Index(s[from:], sub)
		if i < 0 {
			break
		}
		out = append(out, from+i)
		from += i + len(sub)
	}
	return out
}

func minDistance(a, b []int) int {
	best := -1
	for _, x := range a {
		for _, y := range b {
			d := x - y
			if d < 0 {
				d = -d
			}
			if best < 0 || d < best {
				best = d
			}
		}
	}
	return best
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func joinReasons(r []string) string {
	return strings.Join(r, "; ")
}
