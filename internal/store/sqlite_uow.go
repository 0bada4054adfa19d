package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/cogos-system/athena/internal/model"
)

// sqliteUoW implements UnitOfWork over a *sql.Tx.
type sqliteUoW struct {
	tx   *sql.Tx
	done bool
}

func (u *sqliteUoW) Commit(ctx context.Context) error {
	u.done = true
	return eris.Wrap(u.tx.Commit(), "sqlite: commit")
}

func (u *sqliteUoW) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return eris.Wrap(err, "sqlite: rollback")
	}
	return nil
}

func (u *sqliteUoW) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	row := u.tx.QueryRowContext(ctx,
		`SELECT `+sqliteProposalCols+` FROM evolution_log WHERE id = ?`, id,
	)
	return scanProposal(row)
}

func (u *sqliteUoW) TransitionProposal(ctx context.Context, id string, from, to model.ProposalStatus, reviewedBy, notes string) (bool, error) {
	res, err := u.tx.ExecContext(ctx,
		`UPDATE evolution_log SET status = ?, reviewed_by = ?, review_notes = ?, reviewed_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), reviewedBy, notes, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition proposal %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (u *sqliteUoW) MarkProposalApplied(ctx context.Context, id string) (bool, error) {
	res, err := u.tx.ExecContext(ctx,
		`UPDATE evolution_log SET status = ?, applied_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.ProposalApplied), time.Now().UTC(), id, string(model.ProposalApproved),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark applied %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (u *sqliteUoW) InsertBoundary(ctx context.Context, b *model.Boundary) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	createdAt, updatedAt := b.CreatedAt, b.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	exceptions := b.Exceptions
	if exceptions == nil {
		exceptions = []model.Exception{}
	}
	exceptionsJSON, err := json.Marshal(exceptions)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal exceptions")
	}

	_, err = u.tx.ExecContext(ctx,
		`INSERT INTO boundaries (id, boundary_type, category, rule, description, requires_approval, exceptions, active, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		id, string(b.Type), b.Category, b.Rule, b.Description, boolToInt(b.RequiresApproval), string(exceptionsJSON), b.Source, createdAt, updatedAt,
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert boundary")
	}
	b.ID = id
	b.Active = true
	b.CreatedAt = createdAt
	b.UpdatedAt = updatedAt
	return id, nil
}

func (u *sqliteUoW) BoundaryByNaturalKey(ctx context.Context, category, rule string) (*model.Boundary, error) {
	row := u.tx.QueryRowContext(ctx,
		`SELECT id, boundary_type, category, rule, description, requires_approval, exceptions, active, source, created_at, updated_at
		 FROM boundaries WHERE category = ? AND rule = ?`,
		category, rule,
	)
	return scanBoundary(row)
}

func (u *sqliteUoW) UpdateBoundaryFromSync(ctx context.Context, id string, btype model.BoundaryType, source string, at time.Time) error {
	res, err := u.tx.ExecContext(ctx,
		`UPDATE boundaries SET boundary_type = ?, source = ?, updated_at = ?, active = 1 WHERE id = ?`,
		string(btype), source, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: sync update boundary %s", id)
	}
	return checkRowsAffected(res, "boundary", id)
}

func (u *sqliteUoW) FactByNaturalKey(ctx context.Context, category, content string) (*model.Fact, error) {
	row := u.tx.QueryRowContext(ctx,
		`SELECT id, category, content, description, source, active, created_at, updated_at
		 FROM canonical_memory WHERE category = ? AND content = ?`,
		category, content,
	)

	var f model.Fact
	var desc, source sql.NullString
	err := row.Scan(&f.ID, &f.Category, &f.Content, &desc, &source, &f.Active, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan fact")
	}
	f.Description = desc.String
	f.Source = source.String
	return &f, nil
}

func (u *sqliteUoW) InsertFact(ctx context.Context, f *model.Fact) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	createdAt, updatedAt := f.CreatedAt, f.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO canonical_memory (id, category, content, description, source, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		id, f.Category, f.Content, f.Description, f.Source, createdAt, updatedAt,
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert fact")
	}
	f.ID = id
	f.Active = true
	f.CreatedAt = createdAt
	f.UpdatedAt = updatedAt
	return id, nil
}

func (u *sqliteUoW) UpdateFactFromSync(ctx context.Context, id, source string, at time.Time) error {
	res, err := u.tx.ExecContext(ctx,
		`UPDATE canonical_memory SET source = ?, updated_at = ?, active = 1 WHERE id = ?`,
		source, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: sync update fact %s", id)
	}
	return checkRowsAffected(res, "fact", id)
}

func (u *sqliteUoW) Preference(ctx context.Context, category, key string) (*model.Preference, error) {
	row := u.tx.QueryRowContext(ctx,
		`SELECT id, category, key, value, confidence, source, active, created_at, updated_at
		 FROM preferences WHERE category = ? AND key = ?`,
		category, key,
	)

	var p model.Preference
	var value string
	var source sql.NullString
	err := row.Scan(&p.ID, &p.Category, &p.Key, &value, &p.Confidence, &source, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan preference")
	}
	p.Value = json.RawMessage(value)
	p.Source = source.String
	return &p, nil
}

func (u *sqliteUoW) InsertPreference(ctx context.Context, p *model.Preference) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO preferences (id, category, key, value, confidence, source, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id, p.Category, p.Key, string(p.Value), p.Confidence, p.Source, now, now,
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert preference")
	}
	p.ID = id
	p.Active = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return id, nil
}

func (u *sqliteUoW) UpdatePreference(ctx context.Context, id string, value json.RawMessage, confidence float64, source string) error {
	res, err := u.tx.ExecContext(ctx,
		`UPDATE preferences SET value = ?, confidence = ?, source = ?, updated_at = ? WHERE id = ?`,
		string(value), confidence, source, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update preference %s", id)
	}
	return checkRowsAffected(res, "preference", id)
}

// Backup snapshots the current row state into context_sync_backups.
func (u *sqliteUoW) Backup(ctx context.Context, table, recordID string) error {
	var snapshot map[string]any

	switch table {
	case TableBoundaries:
		row := u.tx.QueryRowContext(ctx,
			`SELECT id, boundary_type, category, rule, description, requires_approval, exceptions, active, source, created_at, updated_at
			 FROM boundaries WHERE id = ?`, recordID,
		)
		b, err := scanBoundary(row)
		if err != nil {
			return eris.Wrapf(err, "sqlite: backup read %s %s", table, recordID)
		}
		snapshot = boundarySnapshot(b)
	case TableCanonicalMemory:
		var f model.Fact
		var desc, source sql.NullString
		err := u.tx.QueryRowContext(ctx,
			`SELECT id, category, content, description, source, active, created_at, updated_at
			 FROM canonical_memory WHERE id = ?`, recordID,
		).Scan(&f.ID, &f.Category, &f.Content, &desc, &source, &f.Active, &f.CreatedAt, &f.UpdatedAt)
		if err == sql.ErrNoRows {
			return eris.Wrapf(ErrNotFound, "fact %s", recordID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: backup read %s %s", table, recordID)
		}
		f.Description = desc.String
		f.Source = source.String
		snapshot = factSnapshot(&f)
	default:
		return eris.Errorf("sqlite: backup: unsupported table %q", table)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal backup")
	}
	_, err = u.tx.ExecContext(ctx,
		`INSERT INTO context_sync_backups (id, table_name, record_id, backup_data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), table, recordID, string(data), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: insert backup")
}

func boundarySnapshot(b *model.Boundary) map[string]any {
	return map[string]any{
		"id":                b.ID,
		"boundary_type":     string(b.Type),
		"category":          b.Category,
		"rule":              b.Rule,
		"description":       b.Description,
		"requires_approval": b.RequiresApproval,
		"active":            b.Active,
		"source":            b.Source,
		"created_at":        b.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":        b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func factSnapshot(f *model.Fact) map[string]any {
	return map[string]any{
		"id":          f.ID,
		"category":    f.Category,
		"content":     f.Content,
		"description": f.Description,
		"active":      f.Active,
		"source":      f.Source,
		"created_at":  f.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":  f.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
