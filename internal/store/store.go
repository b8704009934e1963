// Package store persists products, extraction runs, version history,
// previous-extraction snapshots and learned patterns.
package store

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/version"
)

// ErrNotFound is wrapped by lookups of ids that do not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status    model.RunStatus `json:"status,omitempty"`
	ProductID string          `json:"product_id,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// ProductFilter specifies criteria for listing products.
type ProductFilter struct {
	EnabledOnly bool `json:"enabled_only,omitempty"`
	Limit       int  `json:"limit,omitempty"`
}

// Store defines the persistence interface for the extraction pipeline.
// Writes are single-row upserts; last writer wins.
type Store interface {
	// Products
	UpsertProduct(ctx context.Context, p *model.Product) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error)

	// Runs
	CreateRun(ctx context.Context, productID string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Phases
	CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error)
	CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error

	// Version history
	MergeVersions(ctx context.Context, productID, sourceURL string, entries []model.VersionEntry) (int64, error)
	ListHistory(ctx context.Context, productID string, limit int) ([]model.HistoryEntry, error)

	// Previous extraction
	GetLatest(ctx context.Context, productID string) (*model.Snapshot, error)
	SetLatest(ctx context.Context, productID string, snap model.Snapshot) error

	// Learned patterns
	GetPattern(ctx context.Context, domain string) (*model.LearnedPattern, error)
	ListPatterns(ctx context.Context) ([]model.LearnedPattern, error)
	UpsertPattern(ctx context.Context, p model.LearnedPattern) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// historyColumns are the version_history columns in insert order.
var historyColumns = []string{
	"product_id", "version", "release_date", "notes", "type", "source_url", "first_seen", "updated_at",
}

// historyUpdateCols are rewritten when a version is seen again; first_seen
// keeps its original value.
var historyUpdateCols = []string{"release_date", "notes", "type", "source_url", "updated_at"}

// historyMergeExprs keep the longer notes and the earliest known release
// date. Both backends accept these expressions in ON CONFLICT DO UPDATE.
var historyMergeExprs = map[string]string{
	"release_date": `CASE WHEN version_history.release_date IS NULL
		OR (EXCLUDED.release_date IS NOT NULL AND EXCLUDED.release_date < version_history.release_date)
		THEN EXCLUDED.release_date ELSE version_history.release_date END`,
	"notes": `CASE WHEN length(EXCLUDED.notes) > length(version_history.notes)
		THEN EXCLUDED.notes ELSE version_history.notes END`,
	"type": `CASE WHEN version_history.type = '' THEN EXCLUDED.type ELSE version_history.type END`,
	"source_url": `CASE WHEN version_history.source_url = ''
		THEN EXCLUDED.source_url ELSE version_history.source_url END`,
	"updated_at": `EXCLUDED.updated_at`,
}

// historyEntries prepares entries for storage: versions are normalized,
// blanks dropped, and repeats within one call merged with the same rules
// the database applies.
func historyEntries(entries []model.VersionEntry) []model.VersionEntry {
	byKey := make(map[string]int, len(entries))
	var out []model.VersionEntry
	for _, e := range entries {
		key := version.Normalize(e.Version)
		if key == "" {
			continue
		}
		e.Version = key
		if i, ok := byKey[key]; ok {
			out[i] = MergeEntry(out[i], e)
			continue
		}
		byKey[key] = len(out)
		out = append(out, e)
	}
	return out
}

// MergeEntry combines two records of the same version: the longer notes,
// the earliest release date and the first known type win.
func MergeEntry(a, b model.VersionEntry) model.VersionEntry {
	if len([]rune(b.Notes)) > len([]rune(a.Notes)) {
		a.Notes = b.Notes
	}
	if b.ReleaseDate != nil && (a.ReleaseDate == nil || *b.ReleaseDate < *a.ReleaseDate) {
		a.ReleaseDate = b.ReleaseDate
	}
	if a.Type == "" {
		a.Type = b.Type
	}
	return a
}

// sortHistory orders entries newest version first and applies limit.
func sortHistory(entries []model.HistoryEntry, limit int) []model.HistoryEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		return version.Compare(entries[i].Version, entries[j].Version) > 0
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
