package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/cogos-system/athena/internal/model"
)

// postgresUoW implements UnitOfWork over a pgx.Tx.
type postgresUoW struct {
	tx   pgx.Tx
	done bool
}

func (u *postgresUoW) Commit(ctx context.Context) error {
	u.done = true
	return eris.Wrap(u.tx.Commit(ctx), "postgres: commit")
}

func (u *postgresUoW) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return eris.Wrap(err, "postgres: rollback")
	}
	return nil
}

func (u *postgresUoW) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	// FOR UPDATE serializes concurrent decide calls on the same row.
	row := u.tx.QueryRow(ctx,
		`SELECT `+pgProposalCols+` FROM evolution_log WHERE id = $1 FOR UPDATE`, id,
	)
	return scanPgProposal(row)
}

func (u *postgresUoW) TransitionProposal(ctx context.Context, id string, from, to model.ProposalStatus, reviewedBy, notes string) (bool, error) {
	tag, err := u.tx.Exec(ctx,
		`UPDATE evolution_log SET status = $1, reviewed_by = $2, review_notes = $3, reviewed_at = now()
		 WHERE id = $4 AND status = $5`,
		string(to), reviewedBy, notes, id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition proposal %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (u *postgresUoW) MarkProposalApplied(ctx context.Context, id string) (bool, error) {
	tag, err := u.tx.Exec(ctx,
		`UPDATE evolution_log SET status = $1, applied_at = now()
		 WHERE id = $2 AND status = $3`,
		string(model.ProposalApplied), id, string(model.ProposalApproved),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark applied %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (u *postgresUoW) InsertBoundary(ctx context.Context, b *model.Boundary) (string, error) {
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
		return "", eris.Wrap(err, "postgres: marshal exceptions")
	}

	_, err = u.tx.Exec(ctx,
		`INSERT INTO boundaries (id, boundary_type, category, rule, description, requires_approval, exceptions, active, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9, $10)`,
		id, string(b.Type), b.Category, b.Rule, b.Description, b.RequiresApproval, exceptionsJSON, b.Source, createdAt, updatedAt,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert boundary")
	}
	b.ID = id
	b.Active = true
	b.CreatedAt = createdAt
	b.UpdatedAt = updatedAt
	return id, nil
}

func (u *postgresUoW) BoundaryByNaturalKey(ctx context.Context, category, rule string) (*model.Boundary, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT `+pgBoundaryCols+` FROM boundaries WHERE category = $1 AND rule = $2 FOR UPDATE`,
		category, rule,
	)
	return scanPgBoundary(row)
}

func (u *postgresUoW) UpdateBoundaryFromSync(ctx context.Context, id string, btype model.BoundaryType, source string, at time.Time) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE boundaries SET boundary_type = $1, source = $2, updated_at = $3, active = TRUE WHERE id = $4`,
		string(btype), source, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: sync update boundary %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "boundary %s", id)
	}
	return nil
}

func (u *postgresUoW) FactByNaturalKey(ctx context.Context, category, content string) (*model.Fact, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT id, category, content, description, source, active, created_at, updated_at
		 FROM canonical_memory WHERE category = $1 AND content = $2 FOR UPDATE`,
		category, content,
	)
	return scanPgFact(row)
}

func (u *postgresUoW) InsertFact(ctx context.Context, f *model.Fact) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	createdAt, updatedAt := f.CreatedAt, f.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := u.tx.Exec(ctx,
		`INSERT INTO canonical_memory (id, category, content, description, source, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)`,
		id, f.Category, f.Content, f.Description, f.Source, createdAt, updatedAt,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert fact")
	}
	f.ID = id
	f.Active = true
	f.CreatedAt = createdAt
	f.UpdatedAt = updatedAt
	return id, nil
}

func (u *postgresUoW) UpdateFactFromSync(ctx context.Context, id, source string, at time.Time) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE canonical_memory SET source = $1, updated_at = $2, active = TRUE WHERE id = $3`,
		source, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: sync update fact %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "fact %s", id)
	}
	return nil
}

func (u *postgresUoW) Preference(ctx context.Context, category, key string) (*model.Preference, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT id, category, key, value, confidence, source, active, created_at, updated_at
		 FROM preferences WHERE category = $1 AND key = $2 FOR UPDATE`,
		category, key,
	)

	var p model.Preference
	var value []byte
	var source *string
	err := row.Scan(&p.ID, &p.Category, &p.Key, &value, &p.Confidence, &source, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan preference")
	}
	p.Value = json.RawMessage(value)
	if source != nil {
		p.Source = *source
	}
	return &p, nil
}

func (u *postgresUoW) InsertPreference(ctx context.Context, p *model.Preference) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := u.tx.Exec(ctx,
		`INSERT INTO preferences (id, category, key, value, confidence, source, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8)`,
		id, p.Category, p.Key, []byte(p.Value), p.Confidence, p.Source, now, now,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert preference")
	}
	p.ID = id
	p.Active = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return id, nil
}

func (u *postgresUoW) UpdatePreference(ctx context.Context, id string, value json.RawMessage, confidence float64, source string) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE preferences SET value = $1, confidence = $2, source = $3, updated_at = now() WHERE id = $4`,
		[]byte(value), confidence, source, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update preference %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "preference %s", id)
	}
	return nil
}

func (u *postgresUoW) Backup(ctx context.Context, table, recordID string) error {
	var snapshot map[string]any

	switch table {
	case TableBoundaries:
		row := u.tx.QueryRow(ctx,
			`SELECT `+pgBoundaryCols+` FROM boundaries WHERE id = $1`, recordID,
		)
		b, err := scanPgBoundary(row)
		if err != nil {
			return eris.Wrapf(err, "postgres: backup read %s %s", table, recordID)
		}
		snapshot = boundarySnapshot(b)
	case TableCanonicalMemory:
		row := u.tx.QueryRow(ctx,
			`SELECT id, category, content, description, source, active, created_at, updated_at
			 FROM canonical_memory WHERE id = $1`, recordID,
		)
		f, err := scanPgFact(row)
		if err != nil {
			return eris.Wrapf(err, "postgres: backup read %s %s", table, recordID)
		}
		snapshot = factSnapshot(f)
	default:
		return eris.Errorf("postgres: backup: unsupported table %q", table)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal backup")
	}
	_, err = u.tx.Exec(ctx,
		`INSERT INTO context_sync_backups (id, table_name, record_id, backup_data, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		uuid.New().String(), table, recordID, data,
	)
	return eris.Wrap(err, "postgres: insert backup")
}
