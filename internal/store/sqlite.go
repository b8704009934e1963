package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/versionvault/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS products (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	manufacturer TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	version_url  TEXT NOT NULL,
	main_url     TEXT NOT NULL DEFAULT '',
	source_kind  TEXT NOT NULL DEFAULT '',
	enabled      INTEGER NOT NULL DEFAULT 1,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS extraction_runs (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_phases (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES extraction_runs(id),
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	result      TEXT,
	started_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS version_history (
	product_id   TEXT NOT NULL,
	version      TEXT NOT NULL,
	release_date TEXT,
	notes        TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL DEFAULT '',
	source_url   TEXT NOT NULL DEFAULT '',
	first_seen   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (product_id, version)
);

CREATE TABLE IF NOT EXISTS latest_extractions (
	product_id      TEXT PRIMARY KEY,
	current_version TEXT NOT NULL DEFAULT '',
	release_date    TEXT,
	confidence      INTEGER,
	method          TEXT NOT NULL DEFAULT '',
	extracted_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS learned_patterns (
	domain          TEXT PRIMARY KEY,
	success_rate    REAL NOT NULL,
	last_successful DATETIME,
	strategy        TEXT NOT NULL DEFAULT '{}',
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_products_enabled ON products(enabled);
CREATE INDEX IF NOT EXISTS idx_runs_status ON extraction_runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_product ON extraction_runs(product_id);
CREATE INDEX IF NOT EXISTS idx_run_phases_run_id ON run_phases(run_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Products ---

func (s *SQLiteStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (id, name, manufacturer, category, version_url, main_url, source_kind, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, manufacturer = excluded.manufacturer, category = excluded.category,
			version_url = excluded.version_url, main_url = excluded.main_url, source_kind = excluded.source_kind,
			enabled = excluded.enabled, updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Manufacturer, p.Category, p.VersionURL, p.MainURL, string(p.SourceKind), p.Enabled, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert product %s", p.ID)
}

const productColumns = `id, name, manufacturer, category, version_url, main_url, source_kind, enabled, created_at, updated_at`

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "product %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get product %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	var args []any
	if filter.EnabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list products")
	}
	defer rows.Close()

	var out []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan product")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list products iterate")
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, productID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_runs (id, product_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, productID, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		ProductID: productID,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(finalStatus(result)), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run result %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, product_id, status, result, created_at, updated_at FROM extraction_runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, product_id, status, result, created_at, updated_at FROM extraction_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ProductID != "" {
		query += ` AND product_id = ?`
		args = append(args, filter.ProductID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- Phases ---

func (s *SQLiteStore) CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_phases (id, run_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert phase for run %s", runID)
	}

	return &model.RunPhase{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phase result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_phases SET status = ?, duration_ms = ?, result = ? WHERE id = ?`,
		string(result.Status), result.Duration, string(resultJSON), phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete phase %s", phaseID)
	}
	return checkRowsAffected(res, "phase", phaseID)
}

// --- Version history ---

func (s *SQLiteStore) MergeVersions(ctx context.Context, productID, sourceURL string, entries []model.VersionEntry) (int64, error) {
	entries = historyEntries(entries)
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: merge versions: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteHistoryUpsert)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: merge versions: prepare")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var n int64
	for _, e := range entries {
		res, err := stmt.ExecContext(ctx, productID, e.Version, nullString(e.ReleaseDate), e.Notes, string(e.Type), sourceURL, now, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: merge version %s", e.Version)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: merge versions: commit")
	}
	return n, nil
}

var sqliteHistoryUpsert = func() string {
	sets := make([]string, 0, len(historyUpdateCols))
	for _, c := range historyUpdateCols {
		sets = append(sets, c+" = "+historyMergeExprs[c])
	}
	return `INSERT INTO version_history (` + strings.Join(historyColumns, ", ") + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, version) DO UPDATE SET ` + strings.Join(sets, ", ")
}()

func (s *SQLiteStore) ListHistory(ctx context.Context, productID string, limit int) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, version, release_date, notes, type, source_url, first_seen, updated_at
		 FROM version_history WHERE product_id = ?`,
		productID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list history")
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		var date sql.NullString
		var typ string
		if err := rows.Scan(&h.ProductID, &h.Version, &date, &h.Notes, &typ, &h.SourceURL, &h.FirstSeen, &h.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		if date.Valid {
			h.ReleaseDate = &date.String
		}
		h.Type = model.ReleaseType(typ)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list history iterate")
	}
	return sortHistory(out, limit), nil
}

// --- Latest extraction ---

func (s *SQLiteStore) GetLatest(ctx context.Context, productID string) (*model.Snapshot, error) {
	var snap model.Snapshot
	var date sql.NullString
	var conf sql.NullInt64
	var method string
	err := s.db.QueryRowContext(ctx,
		`SELECT current_version, release_date, confidence, method, extracted_at FROM latest_extractions WHERE product_id = ?`,
		productID,
	).Scan(&snap.Version, &date, &conf, &method, &snap.ExtractedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get latest %s", productID)
	}
	if date.Valid {
		snap.ReleaseDate = &date.String
	}
	if conf.Valid {
		c := int(conf.Int64)
		snap.Confidence = &c
	}
	snap.Method = model.Method(method)
	return &snap, nil
}

func (s *SQLiteStore) SetLatest(ctx context.Context, productID string, snap model.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO latest_extractions (product_id, current_version, release_date, confidence, method, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (product_id) DO UPDATE SET
			current_version = excluded.current_version, release_date = excluded.release_date,
			confidence = excluded.confidence, method = excluded.method, extracted_at = excluded.extracted_at`,
		productID, snap.Version, nullString(snap.ReleaseDate), nullInt(snap.Confidence), string(snap.Method), snap.ExtractedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: set latest %s", productID)
}

// --- Learned patterns ---

func (s *SQLiteStore) GetPattern(ctx context.Context, domain string) (*model.LearnedPattern, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT domain, success_rate, last_successful, strategy, updated_at FROM learned_patterns WHERE domain = ?`,
		domain,
	)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get pattern %s", domain)
	}
	return p, nil
}

func (s *SQLiteStore) ListPatterns(ctx context.Context) ([]model.LearnedPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, success_rate, last_successful, strategy, updated_at FROM learned_patterns ORDER BY domain`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list patterns")
	}
	defer rows.Close()

	var out []model.LearnedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pattern")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list patterns iterate")
}

func (s *SQLiteStore) UpsertPattern(ctx context.Context, p model.LearnedPattern) error {
	strategyJSON, err := json.Marshal(p.Strategy)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal strategy")
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learned_patterns (domain, success_rate, last_successful, strategy, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (domain) DO UPDATE SET
			success_rate = excluded.success_rate, last_successful = excluded.last_successful,
			strategy = excluded.strategy, updated_at = excluded.updated_at`,
		p.Domain, p.SuccessRate, nullTime(p.LastSuccessful), string(strategyJSON), updated,
	)
	return eris.Wrapf(err, "sqlite: upsert pattern %s", p.Domain)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProduct(row scannable) (*model.Product, error) {
	var p model.Product
	var kind string
	if err := row.Scan(&p.ID, &p.Name, &p.Manufacturer, &p.Category, &p.VersionURL, &p.MainURL,
		&kind, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.SourceKind = model.SourceKind(kind)
	return &p, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var resultJSON sql.NullString

	err := row.Scan(&r.ID, &r.ProductID, &r.Status, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	return &r, nil
}

func scanPattern(row scannable) (*model.LearnedPattern, error) {
	var p model.LearnedPattern
	var last sql.NullTime
	var strategyJSON string
	if err := row.Scan(&p.Domain, &p.SuccessRate, &last, &strategyJSON, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		p.LastSuccessful = &t
	}
	if err := json.Unmarshal([]byte(strategyJSON), &p.Strategy); err != nil {
		return nil, eris.Wrap(err, "unmarshal strategy")
	}
	return &p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// finalStatus is failed when the run recorded an error.
func finalStatus(result *model.RunResult) model.RunStatus {
	if result != nil && result.Error != "" {
		return model.RunStatusFailed
	}
	return model.RunStatusComplete
}
