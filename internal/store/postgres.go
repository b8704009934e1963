package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/versionvault/internal/db"
	"github.com/sells-group/versionvault/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO extraction_runs (id, product_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_run_status": `UPDATE extraction_runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"update_run_result": `UPDATE extraction_runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
	"insert_phase":      `INSERT INTO run_phases (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"complete_phase":    `UPDATE run_phases SET status = $1, duration_ms = $2, result = $3 WHERE id = $4`,
	"get_latest":        `SELECT current_version, release_date, confidence, method, extracted_at FROM latest_extractions WHERE product_id = $1`,
	"get_pattern":       `SELECT domain, success_rate, last_successful, strategy, updated_at FROM learned_patterns WHERE domain = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS products (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name         TEXT NOT NULL,
	manufacturer TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	version_url  TEXT NOT NULL,
	main_url     TEXT NOT NULL DEFAULT '',
	source_kind  TEXT NOT NULL DEFAULT '',
	enabled      BOOLEAN NOT NULL DEFAULT true,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extraction_runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	product_id TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_phases (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL REFERENCES extraction_runs(id),
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	result      JSONB,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS version_history (
	product_id   TEXT NOT NULL,
	version      TEXT NOT NULL,
	release_date TEXT,
	notes        TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL DEFAULT '',
	source_url   TEXT NOT NULL DEFAULT '',
	first_seen   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (product_id, version)
);

CREATE TABLE IF NOT EXISTS latest_extractions (
	product_id      TEXT PRIMARY KEY,
	current_version TEXT NOT NULL DEFAULT '',
	release_date    TEXT,
	confidence      INTEGER,
	method          TEXT NOT NULL DEFAULT '',
	extracted_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS learned_patterns (
	domain          TEXT PRIMARY KEY,
	success_rate    DOUBLE PRECISION NOT NULL,
	last_successful TIMESTAMPTZ,
	strategy        JSONB NOT NULL DEFAULT '{}',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_products_enabled ON products(enabled);
CREATE INDEX IF NOT EXISTS idx_runs_status ON extraction_runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_product ON extraction_runs(product_id);
CREATE INDEX IF NOT EXISTS idx_run_phases_run_id ON run_phases(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Products ---

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO products (id, name, manufacturer, category, version_url, main_url, source_kind, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, manufacturer = EXCLUDED.manufacturer, category = EXCLUDED.category,
			version_url = EXCLUDED.version_url, main_url = EXCLUDED.main_url, source_kind = EXCLUDED.source_kind,
			enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Manufacturer, p.Category, p.VersionURL, p.MainURL, string(p.SourceKind), p.Enabled, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert product %s", p.ID)
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "product %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get product %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	args := []any{}
	if filter.EnabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name`
	if filter.Limit > 0 {
		query += ` LIMIT $1`
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list products")
	}
	defer rows.Close()

	var out []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan product")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list products iterate")
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, productID string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_runs (id, product_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, productID, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		ProductID: productID,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(finalStatus(result)), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT id, product_id, status, result, created_at, updated_at FROM extraction_runs WHERE id = $1`,
		runID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, product_id, status, result, created_at, updated_at FROM extraction_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.ProductID != "" {
		query += fmt.Sprintf(` AND product_id = $%d`, argIdx)
		args = append(args, filter.ProductID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- Phases ---

func (s *PostgresStore) CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_phases (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert phase for run %s", runID)
	}

	return &model.RunPhase{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phase result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE run_phases SET status = $1, duration_ms = $2, result = $3 WHERE id = $4`,
		string(result.Status), result.Duration, resultJSON, phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete phase %s", phaseID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "phase %s", phaseID)
	}
	return nil
}

// --- Version history ---

// historyUpsert stages rows with COPY and merges them in one statement.
var historyUpsert = db.UpsertConfig{
	Table:        "version_history",
	Columns:      historyColumns,
	ConflictKeys: []string{"product_id", "version"},
	UpdateCols:   historyUpdateCols,
	UpdateExprs:  historyMergeExprs,
}

func (s *PostgresStore) MergeVersions(ctx context.Context, productID, sourceURL string, entries []model.VersionEntry) (int64, error) {
	entries = historyEntries(entries)
	now := time.Now().UTC()
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{productID, e.Version, e.ReleaseDate, e.Notes, string(e.Type), sourceURL, now, now})
	}
	n, err := db.BulkUpsert(ctx, s.pool, historyUpsert, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: merge versions for %s", productID)
	}
	return n, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, productID string, limit int) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_id, version, release_date, notes, type, source_url, first_seen, updated_at
		 FROM version_history WHERE product_id = $1`,
		productID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list history")
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		var typ string
		if err := rows.Scan(&h.ProductID, &h.Version, &h.ReleaseDate, &h.Notes, &typ, &h.SourceURL, &h.FirstSeen, &h.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		h.Type = model.ReleaseType(typ)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list history iterate")
	}
	return sortHistory(out, limit), nil
}

// --- Latest extraction ---

func (s *PostgresStore) GetLatest(ctx context.Context, productID string) (*model.Snapshot, error) {
	var snap model.Snapshot
	var method string
	err := s.pool.QueryRow(ctx,
		`SELECT current_version, release_date, confidence, method, extracted_at FROM latest_extractions WHERE product_id = $1`,
		productID,
	).Scan(&snap.Version, &snap.ReleaseDate, &snap.Confidence, &method, &snap.ExtractedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get latest %s", productID)
	}
	snap.Method = model.Method(method)
	return &snap, nil
}

func (s *PostgresStore) SetLatest(ctx context.Context, productID string, snap model.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO latest_extractions (product_id, current_version, release_date, confidence, method, extracted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (product_id) DO UPDATE SET
			current_version = EXCLUDED.current_version, release_date = EXCLUDED.release_date,
			confidence = EXCLUDED.confidence, method = EXCLUDED.method, extracted_at = EXCLUDED.extracted_at`,
		productID, snap.Version, snap.ReleaseDate, snap.Confidence, string(snap.Method), snap.ExtractedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: set latest %s", productID)
}

// --- Learned patterns ---

func (s *PostgresStore) GetPattern(ctx context.Context, domain string) (*model.LearnedPattern, error) {
	p, err := scanPgPattern(s.pool.QueryRow(ctx,
		`SELECT domain, success_rate, last_successful, strategy, updated_at FROM learned_patterns WHERE domain = $1`,
		domain,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get pattern %s", domain)
	}
	return p, nil
}

func (s *PostgresStore) ListPatterns(ctx context.Context) ([]model.LearnedPattern, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT domain, success_rate, last_successful, strategy, updated_at FROM learned_patterns ORDER BY domain`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list patterns")
	}
	defer rows.Close()

	var out []model.LearnedPattern
	for rows.Next() {
		p, err := scanPgPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan pattern")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list patterns iterate")
}

func (s *PostgresStore) UpsertPattern(ctx context.Context, p model.LearnedPattern) error {
	strategyJSON, err := json.Marshal(p.Strategy)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal strategy")
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO learned_patterns (domain, success_rate, last_successful, strategy, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (domain) DO UPDATE SET
			success_rate = EXCLUDED.success_rate, last_successful = EXCLUDED.last_successful,
			strategy = EXCLUDED.strategy, updated_at = EXCLUDED.updated_at`,
		p.Domain, p.SuccessRate, p.LastSuccessful, strategyJSON, updated,
	)
	return eris.Wrapf(err, "postgres: upsert pattern %s", p.Domain)
}

// helpers

func scanPgRun(row scannable) (*model.Run, error) {
	var r model.Run
	var resultJSON []byte

	if err := row.Scan(&r.ID, &r.ProductID, &r.Status, &resultJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if resultJSON != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	return &r, nil
}

func scanPgPattern(row scannable) (*model.LearnedPattern, error) {
	var p model.LearnedPattern
	var strategyJSON []byte
	if err := row.Scan(&p.Domain, &p.SuccessRate, &p.LastSuccessful, &strategyJSON, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(strategyJSON) > 0 {
		if err := json.Unmarshal(strategyJSON, &p.Strategy); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal strategy")
		}
	}
	return &p, nil
}
