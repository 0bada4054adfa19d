package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/cogos-system/athena/internal/db"
	"github.com/cogos-system/athena/internal/model"
)

// PostgresStore implements Store using a pgx connection pool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool (or pgxmock double).
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS boundaries (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	boundary_type     TEXT NOT NULL DEFAULT 'soft',
	category          TEXT NOT NULL,
	rule              TEXT NOT NULL,
	description       TEXT,
	requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
	exceptions        JSONB NOT NULL DEFAULT '[]',
	active            BOOLEAN NOT NULL DEFAULT TRUE,
	source            TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS preferences (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	category   TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      JSONB NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	source     TEXT,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(category, key)
);

CREATE TABLE IF NOT EXISTS canonical_memory (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	category    TEXT NOT NULL,
	content     TEXT NOT NULL,
	description TEXT,
	source      TEXT,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evolution_log (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	evolution_type TEXT NOT NULL,
	category       TEXT NOT NULL,
	description    TEXT,
	change_data    JSONB NOT NULL DEFAULT '{}',
	source         TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	status         TEXT NOT NULL DEFAULT 'pending',
	reviewed_by    TEXT,
	review_notes   TEXT,
	reviewed_at    TIMESTAMPTZ,
	applied_at     TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS context_sync_backups (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	table_name  TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	backup_data JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_boundaries_category ON boundaries(category, active);
CREATE INDEX IF NOT EXISTS idx_boundaries_natural ON boundaries(category, rule);
CREATE INDEX IF NOT EXISTS idx_canonical_natural ON canonical_memory(category, content);
CREATE INDEX IF NOT EXISTS idx_evolution_status ON evolution_log(status);
CREATE INDEX IF NOT EXISTS idx_backups_table ON context_sync_backups(table_name, record_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Seed(ctx context.Context) error {
	for _, b := range seedBoundaries {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO boundaries (id, boundary_type, category, rule, description, requires_approval, source)
			 SELECT $1, $2, $3, $4, $5, $6, 'migration_seed'
			 WHERE NOT EXISTS (SELECT 1 FROM boundaries WHERE category = $3 AND rule = $4)`,
			uuid.New().String(), string(b.Type), b.Category, b.Rule, b.Description, b.RequiresApproval,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: seed boundary %s", b.Rule)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgBoundaryCols = `id, boundary_type, category, rule, description, requires_approval, exceptions, active, source, created_at, updated_at`

func (s *PostgresStore) ListBoundaries(ctx context.Context, activeOnly bool) ([]model.Boundary, error) {
	query := `SELECT ` + pgBoundaryCols + ` FROM boundaries`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list boundaries")
	}
	defer rows.Close()

	var out []model.Boundary
	for rows.Next() {
		b, err := scanPgBoundary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list boundaries iterate")
}

func (s *PostgresStore) DeactivateBoundary(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE boundaries SET active = FALSE, updated_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: deactivate boundary %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "boundary %s", id)
	}
	return nil
}

func (s *PostgresStore) DeactivateFact(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE canonical_memory SET active = FALSE, updated_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: deactivate fact %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "fact %s", id)
	}
	return nil
}

func (s *PostgresStore) InsertProposal(ctx context.Context, p *model.Proposal) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	changeJSON, err := json.Marshal(p.Change)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal change data")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO evolution_log (id, evolution_type, category, description, change_data, source, confidence, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, p.EvolutionType, p.Category, p.Description, changeJSON, p.Source, p.Confidence, string(model.ProposalPending), now,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert proposal")
	}
	p.ID = id
	p.Status = model.ProposalPending
	p.CreatedAt = now
	return id, nil
}

const pgProposalCols = `id, evolution_type, category, description, change_data, source, confidence, status, reviewed_by, review_notes, reviewed_at, applied_at, created_at`

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgProposalCols+` FROM evolution_log WHERE id = $1`, id,
	)
	return scanPgProposal(row)
}

func (s *PostgresStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]model.Proposal, error) {
	query := `SELECT ` + pgProposalCols + ` FROM evolution_log WHERE 1=1`
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Category != "" {
		query += ` AND category = ` + arg(filter.Category)
	}
	if filter.Source != "" {
		query += ` AND source = ` + arg(filter.Source)
	}
	if filter.Status == model.ProposalPending {
		query += ` ORDER BY confidence DESC, created_at DESC`
	} else {
		query += ` ORDER BY created_at DESC`
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list proposals")
	}
	defer rows.Close()

	var out []model.Proposal
	for rows.Next() {
		p, err := scanPgProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list proposals iterate")
}

func (s *PostgresStore) ProposalStats(ctx context.Context) (*ProposalStats, error) {
	stats := &ProposalStats{
		ByStatus:   map[string]int{},
		ByCategory: map[string]int{},
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM evolution_log GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats by status")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		stats.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats by status iterate")
	}

	catRows, err := s.pool.Query(ctx, `SELECT category, COUNT(*) FROM evolution_log GROUP BY category`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats by category")
	}
	defer catRows.Close()
	for catRows.Next() {
		var category string
		var n int
		if err := catRows.Scan(&category, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan category count")
		}
		stats.ByCategory[category] = n
	}
	if err := catRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats by category iterate")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM evolution_log WHERE created_at > now() - INTERVAL '7 days'`,
	).Scan(&stats.Last7Days)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats recent count")
	}

	stats.TotalApproved = stats.ByStatus[string(model.ProposalApproved)] + stats.ByStatus[string(model.ProposalApplied)]
	stats.TotalRejected = stats.ByStatus[string(model.ProposalRejected)]
	if reviewed := stats.TotalApproved + stats.TotalRejected; reviewed > 0 {
		stats.ApprovalRate = float64(stats.TotalApproved) / float64(reviewed)
	}
	return stats, nil
}

func (s *PostgresStore) ListPreferences(ctx context.Context, category string) ([]model.Preference, error) {
	query := `SELECT id, category, key, value, confidence, source, active, created_at, updated_at FROM preferences`
	var args []any
	if category != "" {
		query += ` WHERE category = $1`
		args = append(args, category)
	}
	query += ` ORDER BY category, confidence DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list preferences")
	}
	defer rows.Close()

	var out []model.Preference
	for rows.Next() {
		var p model.Preference
		var value []byte
		var source *string
		if err := rows.Scan(&p.ID, &p.Category, &p.Key, &value, &p.Confidence, &source, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan preference")
		}
		p.Value = json.RawMessage(value)
		if source != nil {
			p.Source = *source
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list preferences iterate")
}

func (s *PostgresStore) ListFacts(ctx context.Context, activeOnly bool) ([]model.Fact, error) {
	query := `SELECT id, category, content, description, source, active, created_at, updated_at FROM canonical_memory`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY category, created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list facts")
	}
	defer rows.Close()

	var out []model.Fact
	for rows.Next() {
		f, err := scanPgFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list facts iterate")
}

func (s *PostgresStore) CountBackups(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM context_sync_backups`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count backups")
}

func (s *PostgresStore) ListBackups(ctx context.Context, table string) ([]model.SyncBackup, error) {
	query := `SELECT id, table_name, record_id, backup_data, created_at FROM context_sync_backups`
	var args []any
	if table != "" {
		query += ` WHERE table_name = $1`
		args = append(args, table)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list backups")
	}
	defer rows.Close()

	var out []model.SyncBackup
	for rows.Next() {
		var b model.SyncBackup
		var data []byte
		if err := rows.Scan(&b.ID, &b.TableName, &b.RecordID, &data, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan backup")
		}
		b.Snapshot = json.RawMessage(data)
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list backups iterate")
}

// Begin opens a unit of work backed by a pgx transaction. Row-level
// locking inside the transaction serializes concurrent decisions on the
// same proposal.
func (s *PostgresStore) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin")
	}
	return &postgresUoW{tx: tx}, nil
}

// helpers

func placeholder(n int) string {
	// pgx positional placeholders: $1, $2, ...
	const digits = "0123456789"
	if n < 10 {
		return "$" + digits[n:n+1]
	}
	return "$" + digits[n/10:n/10+1] + digits[n%10:n%10+1]
}

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPgBoundary(row pgScannable) (*model.Boundary, error) {
	var b model.Boundary
	var btype string
	var desc, source *string
	var exceptionsJSON []byte

	err := row.Scan(&b.ID, &btype, &b.Category, &b.Rule, &desc, &b.RequiresApproval, &exceptionsJSON, &b.Active, &source, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan boundary")
	}

	b.Type = model.BoundaryType(btype)
	if desc != nil {
		b.Description = *desc
	}
	if source != nil {
		b.Source = *source
	}
	if len(exceptionsJSON) > 0 {
		if err := json.Unmarshal(exceptionsJSON, &b.Exceptions); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal exceptions")
		}
	}
	return &b, nil
}

func scanPgProposal(row pgScannable) (*model.Proposal, error) {
	var p model.Proposal
	var status string
	var changeJSON []byte
	var desc, reviewedBy, reviewNotes *string
	var reviewedAt, appliedAt *time.Time

	err := row.Scan(&p.ID, &p.EvolutionType, &p.Category, &desc, &changeJSON, &p.Source, &p.Confidence,
		&status, &reviewedBy, &reviewNotes, &reviewedAt, &appliedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan proposal")
	}

	p.Status = model.ProposalStatus(status)
	if desc != nil {
		p.Description = *desc
	}
	if reviewedBy != nil {
		p.ReviewedBy = *reviewedBy
	}
	if reviewNotes != nil {
		p.ReviewNotes = *reviewNotes
	}
	p.ReviewedAt = reviewedAt
	p.AppliedAt = appliedAt
	if len(changeJSON) > 0 {
		if err := json.Unmarshal(changeJSON, &p.Change); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal change data")
		}
	}
	return &p, nil
}

func scanPgFact(row pgScannable) (*model.Fact, error) {
	var f model.Fact
	var desc, source *string
	err := row.Scan(&f.ID, &f.Category, &f.Content, &desc, &source, &f.Active, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan fact")
	}
	if desc != nil {
		f.Description = *desc
	}
	if source != nil {
		f.Source = *source
	}
	return &f, nil
}
