package model

import "time"

// ReleaseType classifies a release by the size of its change.
type ReleaseType string

const (
	ReleaseMajor ReleaseType = "major"
	ReleaseMinor ReleaseType = "minor"
	ReleasePatch ReleaseType = "patch"
)

// VersionEntry is a single release found on a source page. ReleaseDate is a
// verified ISO date or nil, never an inferred one.
type VersionEntry struct {
	Version     string      `json:"version" yaml:"version"`
	ReleaseDate *string     `json:"releaseDate" yaml:"releaseDate"`
	Notes       string      `json:"notes" yaml:"notes"`
	Type        ReleaseType `json:"type" yaml:"type"`
}

// ExtractedInfo is the authoritative output of one extraction.
type ExtractedInfo struct {
	Manufacturer     string         `json:"manufacturer" yaml:"manufacturer"`
	Category         string         `json:"category" yaml:"category"`
	CurrentVersion   string         `json:"currentVersion,omitempty" yaml:"currentVersion,omitempty"`
	ReleaseDate      *string        `json:"releaseDate,omitempty" yaml:"releaseDate,omitempty"`
	Versions         []VersionEntry `json:"versions" yaml:"versions"`
	Confidence       *int           `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	ProductNameFound *bool          `json:"productNameFound,omitempty" yaml:"productNameFound,omitempty"`
	ValidationNotes  string         `json:"validationNotes,omitempty" yaml:"validationNotes,omitempty"`
}

// ValidationResult is the advisory plausibility check of an extraction.
type ValidationResult struct {
	Valid      bool     `json:"valid" yaml:"valid"`
	Confidence int      `json:"confidence" yaml:"confidence"`
	Reason     string   `json:"reason" yaml:"reason"`
	Warnings   []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// AnomalyType names a suspicious version transition.
type AnomalyType string

const (
	AnomalyDowngrade      AnomalyType = "downgrade"
	AnomalyFormatChange   AnomalyType = "format_change"
	AnomalyMajorJump      AnomalyType = "major_version_jump"
	AnomalySuspiciousDate AnomalyType = "suspicious_date"
	AnomalyConfidenceDrop AnomalyType = "confidence_drop"
	AnomalyMethodChange   AnomalyType = "method_change"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Anomaly is computed per extraction and surfaced, never persisted on its own.
type Anomaly struct {
	Type     AnomalyType `json:"type" yaml:"type"`
	Severity Severity    `json:"severity" yaml:"severity"`
	Message  string      `json:"message" yaml:"message"`
}

// Snapshot is the subset of an extraction the anomaly detector compares
// against the previous stored result for the same product.
type Snapshot struct {
	Version     string    `json:"version"`
	ReleaseDate *string   `json:"release_date,omitempty"`
	Confidence  *int      `json:"confidence,omitempty"`
	Method      Method    `json:"method,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}
