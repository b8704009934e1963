// Package anomaly flags suspicious transitions between a product's previous
// and current extraction.
package anomaly

import (
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/version"
)

// Default thresholds.
const (
	DefaultMajorJump      = 5
	DefaultConfidenceDrop = 30
	DefaultFutureDays     = 30
	DefaultPastYears      = 5
)

// Detector compares snapshots. It holds no state besides its thresholds.
type Detector struct {
	cfg config.AnomalyConfig
	now func() time.Time
}

// New creates a Detector. Zero thresholds take their defaults.
func New(cfg config.AnomalyConfig) *Detector {
	if cfg.MajorJump <= 0 {
		cfg.MajorJump = DefaultMajorJump
	}
	if cfg.ConfidenceDrop <= 0 {
		cfg.ConfidenceDrop = DefaultConfidenceDrop
	}
	if cfg.FutureDays <= 0 {
		cfg.FutureDays = DefaultFutureDays
	}
	if cfg.PastYears <= 0 {
		cfg.PastYears = DefaultPastYears
	}
	return &Detector{cfg: cfg, now: time.Now}
}

// Snapshot reduces an extraction to what the detector compares.
func Snapshot(info *model.ExtractedInfo, method model.Method, at time.Time) model.Snapshot {
	s := model.Snapshot{Method: method, ExtractedAt: at}
	if info == nil {
		return s
	}
	s.Confidence = info.Confidence
	s.Version = strings.TrimSpace(info.CurrentVersion)
	s.ReleaseDate = info.ReleaseDate
	if len(info.Versions) > 0 {
		if s.Version == "" {
			s.Version = info.Versions[0].Version
		}
		if s.ReleaseDate == nil {
			s.ReleaseDate = info.Versions[0].ReleaseDate
		}
	}
	return s
}

// Detect returns the anomalies of current against previous. With no
// previous snapshot only date anomalies can fire.
func (d *Detector) Detect(current model.Snapshot, previous *model.Snapshot) []model.Anomaly {
	var out []model.Anomaly
	if a, ok := d.dateAnomaly(current.ReleaseDate); ok {
		out = append(out, a)
	}
	if previous == nil {
		return out
	}

	cur, prev := current.Version, previous.Version
	if cur != "" && prev != "" {
		if version.Compare(cur, prev) < 0 {
			out = append(out, model.Anomaly{
				Type:     model.AnomalyDowngrade,
				Severity: model.SeverityHigh,
				Message:  fmt.Sprintf("version went backwards from %s to %s", prev, cur),
			})
		}
		if jump := version.Major(cur) - version.Major(prev); jump >= d.cfg.MajorJump {
			out = append(out, model.Anomaly{
				Type:     model.AnomalyMajorJump,
				Severity: model.SeverityMedium,
				Message:  fmt.Sprintf("major version jumped by %d (%s to %s)", jump, prev, cur),
			})
		}
		if cs, ps := version.Shape(cur), version.Shape(prev); cs != ps {
			out = append(out, model.Anomaly{
				Type:     model.AnomalyFormatChange,
				Severity: model.SeverityMedium,
				Message:  fmt.Sprintf("version format changed from %s to %s", ps, cs),
			})
		}
	}

	if current.Confidence != nil && previous.Confidence != nil {
		if drop := *previous.Confidence - *current.Confidence; drop >= d.cfg.ConfidenceDrop {
			out = append(out, model.Anomaly{
				Type:     model.AnomalyConfidenceDrop,
				Severity: model.SeverityMedium,
				Message:  fmt.Sprintf("confidence dropped %d points (%d to %d)", drop, *previous.Confidence, *current.Confidence),
			})
		}
	}

	if current.Method != "" && previous.Method != "" && current.Method != previous.Method {
		out = append(out, model.Anomaly{
			Type:     model.AnomalyMethodChange,
			Severity: model.SeverityLow,
			Message:  fmt.Sprintf("extraction method changed from %s to %s", previous.Method, current.Method),
		})
	}
	return out
}

func (d *Detector) dateAnomaly(date *string) (model.Anomaly, bool) {
	if date == nil || *date == "" {
		return model.Anomaly{}, false
	}
	t, err := time.Parse(time.DateOnly, *date)
	if err != nil {
		return model.Anomaly{}, false
	}
	now := d.now().UTC()
	switch {
	case t.After(now.AddDate(0, 0, d.cfg.FutureDays)):
		return model.Anomaly{
			Type:     model.AnomalySuspiciousDate,
			Severity: model.SeverityMedium,
			Message:  fmt.Sprintf("release date %s is more than %d days in the future", *date, d.cfg.FutureDays),
		}, true
	case t.Before(now.AddDate(-d.cfg.PastYears, 0, 0)):
		return model.Anomaly{
			Type:     model.AnomalySuspiciousDate,
			Severity: model.SeverityLow,
			Message:  fmt.Sprintf("release date %s is more than %d years old", *date, d.cfg.PastYears),
		}, true
	}
	return model.Anomaly{}, false
}

// RequiresManualReview reports whether anomalies warrant a human look:
// any high-severity anomaly, or two or more medium ones.
func RequiresManualReview(anomalies []model.Anomaly) bool {
	medium := 0
	for _, a := range anomalies {
		switch a.Severity {
		case model.SeverityHigh:
			return true
		case model.SeverityMedium:
			medium++
		}
	}
	return medium >= 2
}
