package extract

import (
	"context"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/quirks"
	"github.com/sells-group/versionvault/internal/version"
)

// SortVersions orders entries newest first by version.Compare. Equal
// versions keep their relative order.
func SortVersions(entries []model.VersionEntry) []model.VersionEntry {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, func(a, b model.VersionEntry) int {
		return version.Compare(b.Version, a.Version)
	})
	return out
}

// Dedupe merges entries whose versions normalize identically. The merged
// entry carries the normalized version, the longer notes and the earliest
// non-nil release date, at the position of the first occurrence.
func Dedupe(entries []model.VersionEntry) []model.VersionEntry {
	out := make([]model.VersionEntry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for _, e := range entries {
		key := version.Normalize(e.Version)
		if key == "" {
			continue
		}
		i, seen := index[key]
		if !seen {
			e.Version = key
			index[key] = len(out)
			out = append(out, e)
			continue
		}
		merged := &out[i]
		if len(strings.TrimSpace(e.Notes)) > len(strings.TrimSpace(merged.Notes)) {
			merged.Notes = e.Notes
		}
		if e.ReleaseDate != nil && (merged.ReleaseDate == nil || *e.ReleaseDate < *merged.ReleaseDate) {
			d := *e.ReleaseDate
			merged.ReleaseDate = &d
		}
		if merged.Type == "" {
			merged.Type = e.Type
		}
	}
	return out
}

var branchRe = regexp.MustCompile(`(?i)(?:^|[/_\-=v])(\d+(?:\.\d+)*)\.x(?:$|[/_\-.?#&])`)

// BranchPrefix returns the numeric prefix of a release-branch token such as
// "3.0.x" in sourceURL.
func BranchPrefix(sourceURL string) (string, bool) {
	m := branchRe.FindStringSubmatch(sourceURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FilterBranch keeps entries equal to prefix or starting with prefix
// followed by a dot.
func FilterBranch(entries []model.VersionEntry, prefix string) []model.VersionEntry {
	out := make([]model.VersionEntry, 0, len(entries))
	for _, e := range entries {
		v := version.Normalize(e.Version)
		if v == prefix || strings.HasPrefix(v, prefix+".") {
			out = append(out, e)
		}
	}
	return out
}

// FillTypes classifies entries with no type against the next older entry.
// Entries must be sorted newest first.
func FillTypes(entries []model.VersionEntry) []model.VersionEntry {
	out := slices.Clone(entries)
	for i := range out {
		if out[i].Type != "" {
			continue
		}
		if i+1 >= len(out) {
			out[i].Type = classify(out[i].Version, "")
			continue
		}
		out[i].Type = classify(out[i].Version, out[i+1].Version)
	}
	return out
}

func classify(cur, prev string) model.ReleaseType {
	c := version.Parts(cur)
	if prev == "" {
		if len(c) > 2 && c[2] != 0 {
			return model.ReleasePatch
		}
		if len(c) > 1 && c[1] != 0 {
			return model.ReleaseMinor
		}
		return model.ReleaseMajor
	}
	p := version.Parts(prev)
	at := func(parts []int, i int) int {
		if i < len(parts) {
			return parts[i]
		}
		return 0
	}
	switch {
	case at(c, 0) != at(p, 0):
		return model.ReleaseMajor
	case at(c, 1) != at(p, 1):
		return model.ReleaseMinor
	default:
		return model.ReleasePatch
	}
}

// Promote copies the newest entry into CurrentVersion and ReleaseDate.
func Promote(info *model.ExtractedInfo) {
	if info == nil || len(info.Versions) == 0 {
		return
	}
	info.CurrentVersion = info.Versions[0].Version
	info.ReleaseDate = info.Versions[0].ReleaseDate
}

// PostProcess runs the steps applied to every completion reply: sort,
// dedupe, branch filter, layout quirks, type fill and promotion.
func PostProcess(ctx context.Context, info *model.ExtractedInfo, sourceURL string, reg *quirks.Registry, fetch quirks.TextFetcher) {
	if info == nil {
		return
	}
	versions := Dedupe(SortVersions(info.Versions))

	if prefix, ok := BranchPrefix(sourceURL); ok {
		filtered := FilterBranch(versions, prefix)
		if dropped := len(versions) - len(filtered); dropped > 0 {
			zap.L().Info("extract: dropped versions outside branch",
				zap.String("url", sourceURL),
				zap.String("branch", prefix+".x"),
				zap.Int("dropped", dropped),
			)
		}
		versions = filtered
	}

	versions = reg.Apply(ctx, sourceURL, versions, fetch)
	info.Versions = FillTypes(versions)
	Promote(info)
}
