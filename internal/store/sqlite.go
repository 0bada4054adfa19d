package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/cogos-system/athena/internal/model"
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
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS boundaries (
	id                TEXT PRIMARY KEY,
	boundary_type     TEXT NOT NULL DEFAULT 'soft',
	category          TEXT NOT NULL,
	rule              TEXT NOT NULL,
	description       TEXT,
	requires_approval INTEGER NOT NULL DEFAULT 0,
	exceptions        TEXT NOT NULL DEFAULT '[]',
	active            INTEGER NOT NULL DEFAULT 1,
	source            TEXT,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS preferences (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0.5,
	source     TEXT,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(category, key)
);

CREATE TABLE IF NOT EXISTS canonical_memory (
	id          TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	content     TEXT NOT NULL,
	description TEXT,
	source      TEXT,
	active      INTEGER NOT NULL DEFAULT 1,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS evolution_log (
	id             TEXT PRIMARY KEY,
	evolution_type TEXT NOT NULL,
	category       TEXT NOT NULL,
	description    TEXT,
	change_data    TEXT NOT NULL DEFAULT '{}',
	source         TEXT NOT NULL,
	confidence     REAL NOT NULL DEFAULT 0.5,
	status         TEXT NOT NULL DEFAULT 'pending',
	reviewed_by    TEXT,
	review_notes   TEXT,
	reviewed_at    DATETIME,
	applied_at     DATETIME,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS context_sync_backups (
	id          TEXT PRIMARY KEY,
	table_name  TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	backup_data TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_boundaries_category ON boundaries(category, active);
CREATE INDEX IF NOT EXISTS idx_boundaries_natural ON boundaries(category, rule);
CREATE INDEX IF NOT EXISTS idx_canonical_natural ON canonical_memory(category, content);
CREATE INDEX IF NOT EXISTS idx_evolution_status ON evolution_log(status);
CREATE INDEX IF NOT EXISTS idx_backups_table ON context_sync_backups(table_name, record_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Seed inserts the initial boundary set. Existing rows with the same
// category and rule are left untouched.
func (s *SQLiteStore) Seed(ctx context.Context) error {
	now := time.Now().UTC()
	for _, b := range seedBoundaries {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM boundaries WHERE category = ? AND rule = ?`,
			b.Category, b.Rule,
		).Scan(&exists)
		if err != nil {
			return eris.Wrap(err, "sqlite: seed lookup")
		}
		if exists > 0 {
			continue
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO boundaries (id, boundary_type, category, rule, description, requires_approval, exceptions, active, source, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, '[]', 1, 'migration_seed', ?, ?)`,
			uuid.New().String(), string(b.Type), b.Category, b.Rule, b.Description, boolToInt(b.RequiresApproval), now, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: seed boundary %s", b.Rule)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListBoundaries(ctx context.Context, activeOnly bool) ([]model.Boundary, error) {
	query := `SELECT id, boundary_type, category, rule, description, requires_approval, exceptions, active, source, created_at, updated_at
	          FROM boundaries`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list boundaries")
	}
	defer rows.Close()

	var out []model.Boundary
	for rows.Next() {
		b, err := scanBoundary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list boundaries iterate")
}

func (s *SQLiteStore) DeactivateBoundary(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE boundaries SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: deactivate boundary %s", id)
	}
	return checkRowsAffected(res, "boundary", id)
}

func (s *SQLiteStore) DeactivateFact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE canonical_memory SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: deactivate fact %s", id)
	}
	return checkRowsAffected(res, "fact", id)
}

func (s *SQLiteStore) InsertProposal(ctx context.Context, p *model.Proposal) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	changeJSON, err := json.Marshal(p.Change)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal change data")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evolution_log (id, evolution_type, category, description, change_data, source, confidence, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.EvolutionType, p.Category, p.Description, string(changeJSON), p.Source, p.Confidence, string(model.ProposalPending), now,
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert proposal")
	}
	p.ID = id
	p.Status = model.ProposalPending
	p.CreatedAt = now
	return id, nil
}

const sqliteProposalCols = `id, evolution_type, category, description, change_data, source, confidence, status, reviewed_by, review_notes, reviewed_at, applied_at, created_at`

func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProposalCols+` FROM evolution_log WHERE id = ?`, id,
	)
	return scanProposal(row)
}

func (s *SQLiteStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]model.Proposal, error) {
	query := `SELECT ` + sqliteProposalCols + ` FROM evolution_log WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	// Pending review is ordered most-confident first.
	if filter.Status == model.ProposalPending {
		query += ` ORDER BY confidence DESC, created_at DESC`
	} else {
		query += ` ORDER BY created_at DESC`
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list proposals")
	}
	defer rows.Close()

	var out []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list proposals iterate")
}

func (s *SQLiteStore) ProposalStats(ctx context.Context) (*ProposalStats, error) {
	stats := &ProposalStats{
		ByStatus:   map[string]int{},
		ByCategory: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM evolution_log GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats by status")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		stats.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats by status iterate")
	}

	catRows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM evolution_log GROUP BY category`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats by category")
	}
	defer catRows.Close()
	for catRows.Next() {
		var category string
		var n int
		if err := catRows.Scan(&category, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan category count")
		}
		stats.ByCategory[category] = n
	}
	if err := catRows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats by category iterate")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -7)
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evolution_log WHERE created_at > ?`, cutoff,
	).Scan(&stats.Last7Days)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats recent count")
	}

	stats.TotalApproved = stats.ByStatus[string(model.ProposalApproved)] + stats.ByStatus[string(model.ProposalApplied)]
	stats.TotalRejected = stats.ByStatus[string(model.ProposalRejected)]
	if reviewed := stats.TotalApproved + stats.TotalRejected; reviewed > 0 {
		stats.ApprovalRate = float64(stats.TotalApproved) / float64(reviewed)
	}
	return stats, nil
}

func (s *SQLiteStore) ListPreferences(ctx context.Context, category string) ([]model.Preference, error) {
	query := `SELECT id, category, key, value, confidence, source, active, created_at, updated_at FROM preferences`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY category, confidence DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list preferences")
	}
	defer rows.Close()

	var out []model.Preference
	for rows.Next() {
		var p model.Preference
		var value string
		var source sql.NullString
		if err := rows.Scan(&p.ID, &p.Category, &p.Key, &value, &p.Confidence, &source, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan preference")
		}
		p.Value = json.RawMessage(value)
		p.Source = source.String
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list preferences iterate")
}

func (s *SQLiteStore) ListFacts(ctx context.Context, activeOnly bool) ([]model.Fact, error) {
	query := `SELECT id, category, content, description, source, active, created_at, updated_at FROM canonical_memory`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY category, created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list facts")
	}
	defer rows.Close()

	var out []model.Fact
	for rows.Next() {
		var f model.Fact
		var desc, source sql.NullString
		if err := rows.Scan(&f.ID, &f.Category, &f.Content, &desc, &source, &f.Active, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fact")
		}
		f.Description = desc.String
		f.Source = source.String
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list facts iterate")
}

func (s *SQLiteStore) CountBackups(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM context_sync_backups`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count backups")
}

func (s *SQLiteStore) ListBackups(ctx context.Context, table string) ([]model.SyncBackup, error) {
	query := `SELECT id, table_name, record_id, backup_data, created_at FROM context_sync_backups`
	var args []any
	if table != "" {
		query += ` WHERE table_name = ?`
		args = append(args, table)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list backups")
	}
	defer rows.Close()

	var out []model.SyncBackup
	for rows.Next() {
		var b model.SyncBackup
		var data string
		if err := rows.Scan(&b.ID, &b.TableName, &b.RecordID, &data, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan backup")
		}
		b.Snapshot = json.RawMessage(data)
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list backups iterate")
}

// Begin opens a unit of work backed by a SQLite transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin")
	}
	return &sqliteUoW{tx: tx}, nil
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBoundary(row scannable) (*model.Boundary, error) {
	var b model.Boundary
	var btype string
	var desc, source sql.NullString
	var exceptionsJSON string

	err := row.Scan(&b.ID, &btype, &b.Category, &b.Rule, &desc, &b.RequiresApproval, &exceptionsJSON, &b.Active, &source, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan boundary")
	}

	b.Type = model.BoundaryType(btype)
	b.Description = desc.String
	b.Source = source.String
	if exceptionsJSON != "" {
		if err := json.Unmarshal([]byte(exceptionsJSON), &b.Exceptions); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal exceptions")
		}
	}
	return &b, nil
}

func scanProposal(row scannable) (*model.Proposal, error) {
	var p model.Proposal
	var status, changeJSON string
	var desc, reviewedBy, reviewNotes sql.NullString
	var reviewedAt, appliedAt sql.NullTime

	err := row.Scan(&p.ID, &p.EvolutionType, &p.Category, &desc, &changeJSON, &p.Source, &p.Confidence,
		&status, &reviewedBy, &reviewNotes, &reviewedAt, &appliedAt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan proposal")
	}

	p.Status = model.ProposalStatus(status)
	p.Description = desc.String
	p.ReviewedBy = reviewedBy.String
	p.ReviewNotes = reviewNotes.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		p.ReviewedAt = &t
	}
	if appliedAt.Valid {
		t := appliedAt.Time
		p.AppliedAt = &t
	}
	if err := json.Unmarshal([]byte(changeJSON), &p.Change); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal change data")
	}
	return &p, nil
}

// seedBoundaries is the initial rule set installed by `athena migrate --seed`.
var seedBoundaries = []model.Boundary{
	{
		Type:             model.BoundaryHard,
		Category:         "financial",
		Rule:             "Never make purchases or payments without explicit approval",
		Description:      "All financial actions are blocked until a human approves the specific transaction.",
		RequiresApproval: true,
	},
	{
		Type:             model.BoundarySoft,
		Category:         "email",
		Rule:             "Confirm before sending email to external recipients",
		Description:      "Outbound email to addresses outside the owner's domain needs a confirmation step.",
		RequiresApproval: true,
	},
	{
		Type:             model.BoundaryHard,
		Category:         "boundary_modification",
		Rule:             "Boundary changes require an approved evolution proposal",
		Description:      "Direct writes to the boundary table are denied; use the evolution pipeline.",
		RequiresApproval: true,
	},
	{
		Type:        model.BoundaryContextual,
		Category:    "communication",
		Rule:        "Prefer concise replies during working hours",
		Description: "Advisory style guidance; never blocks.",
	},
}
