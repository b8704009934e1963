package model

import "time"

// RunStatus represents the current state of an extraction run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusAcquiring  RunStatus = "acquiring"
	RunStatusExtracting RunStatus = "extracting"
	RunStatusValidating RunStatus = "validating"
	RunStatusComplete   RunStatus = "complete"
	RunStatusFailed     RunStatus = "failed"
)

// Run represents a single extraction run for a product.
type Run struct {
	ID        string     `json:"id"`
	ProductID string     `json:"product_id"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult is the stored outcome of a run.
type RunResult struct {
	Extracted            *ExtractedInfo    `json:"extracted,omitempty"`
	Validation           *ValidationResult `json:"validation,omitempty"`
	Anomalies            []Anomaly         `json:"anomalies,omitempty"`
	RequiresManualReview bool              `json:"requires_manual_review"`
	Method               Method            `json:"method,omitempty"`
	FetchSuccess         bool              `json:"fetch_success"`
	Attempts             int               `json:"attempts"`
	Phases               []PhaseResult     `json:"phases"`
	TotalTokens          int               `json:"total_tokens"`
	Error                string            `json:"error,omitempty"`
}

// RunPhase represents a phase within a run.
type RunPhase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *PhaseResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// PhaseStatus represents the current state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// PhaseResult holds the outcome of a pipeline phase.
type PhaseResult struct {
	Name     string         `json:"name"`
	Status   PhaseStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HistoryEntry is one stored release for a product.
type HistoryEntry struct {
	ProductID   string      `json:"product_id"`
	Version     string      `json:"version"`
	ReleaseDate *string     `json:"release_date,omitempty"`
	Notes       string      `json:"notes"`
	Type        ReleaseType `json:"type"`
	SourceURL   string      `json:"source_url,omitempty"`
	FirstSeen   time.Time   `json:"first_seen"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
