package contextsync

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cogos-system/athena/internal/model"
	"github.com/cogos-system/athena/internal/store"
)

// CommitMeta identifies the external revision a sync came from.
type CommitMeta struct {
	SHA       string    `json:"sha"`
	Author    string    `json:"author,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceTag is the provenance string recorded on rows written by this
// sync, e.g. "external_sync:a1b2c3d".
func (m CommitMeta) SourceTag() string {
	sha := m.SHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return "external_sync:" + sha
}

// EntryError records a single entry that failed to reconcile. One bad
// entry never aborts the batch.
type EntryError struct {
	Category string `json:"category"`
	Key      string `json:"key"`
	Message  string `json:"message"`
}

// Report summarizes one reconciliation run. Every updated or
// conflict-resolved row has exactly one backup, so backups written
// equals Updated plus Conflicts.
type Report struct {
	Inserted  int          `json:"inserted"`
	Updated   int          `json:"updated"`
	Skipped   int          `json:"skipped"`
	Conflicts int          `json:"conflicts"`
	Errors    []EntryError `json:"errors,omitempty"`
}

// Reconciler applies externally edited entries to the store using
// last-writer-wins with a conflict window: a local row modified within
// the window around the incoming commit is treated as a concurrent edit
// and is overwritten, but counted as a conflict and backed up first.
// An entry already mirrored by a live, unchanged row is skipped outright
// so routine re-syncs of an unedited document write nothing.
type Reconciler struct {
	store  store.Store
	window time.Duration
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithConflictWindow overrides the default 60s conflict window.
func WithConflictWindow(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.window = d }
}

// NewReconciler creates a Reconciler over the given store.
func NewReconciler(st store.Store, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{store: st, window: 60 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// outcome classifies one existing row against the incoming commit.
type outcome int

const (
	outcomeUpdate outcome = iota
	outcomeConflict
	outcomeSkip
)

// classify compares the local row's update time against the commit
// timestamp. Within the window the edits are concurrent and the
// external write wins as a recorded conflict. Beyond the window the
// newer side wins outright.
func (r *Reconciler) classify(localUpdated time.Time, commit CommitMeta) outcome {
	delta := commit.Timestamp.Sub(localUpdated)
	if delta < 0 {
		delta = -delta
	}
	if delta < r.window {
		return outcomeConflict
	}
	if localUpdated.After(commit.Timestamp) {
		return outcomeSkip
	}
	return outcomeUpdate
}

// ReconcileBoundaries applies parsed policy entries. Each entry runs in
// its own unit of work so the pre-image backup and the overwrite commit
// together, and a failed entry cannot poison the rest of the batch.
func (r *Reconciler) ReconcileBoundaries(ctx context.Context, entries []PolicyEntry, commit CommitMeta) *Report {
	report := &Report{}
	source := commit.SourceTag()

	for _, entry := range entries {
		if err := r.reconcileBoundary(ctx, entry, commit, source, report); err != nil {
			report.Errors = append(report.Errors, EntryError{
				Category: entry.Category,
				Key:      entry.Rule,
				Message:  err.Error(),
			})
			zap.L().Error("boundary reconcile entry failed",
				zap.String("category", entry.Category),
				zap.Error(err),
			)
		}
	}

	zap.L().Info("boundary reconcile complete",
		zap.String("commit", commit.SHA),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("errors", len(report.Errors)),
	)
	return report
}

func (r *Reconciler) reconcileBoundary(ctx context.Context, entry PolicyEntry, commit CommitMeta, source string, report *Report) error {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback(ctx)

	existing, err := uow.BoundaryByNaturalKey(ctx, entry.Category, entry.Rule)
	switch {
	case eris.Is(err, store.ErrNotFound):
		_, err = uow.InsertBoundary(ctx, &model.Boundary{
			Type:      entry.Type,
			Category:  entry.Category,
			Rule:      entry.Rule,
			Source:    source,
			CreatedAt: commit.Timestamp,
			UpdatedAt: commit.Timestamp,
		})
		if err != nil {
			return err
		}
		report.Inserted++
		return uow.Commit(ctx)
	case err != nil:
		return err
	}

	// A live row already carrying the entry's type is a no-op; the
	// timestamps only matter once there is something to overwrite.
	if existing.Active && existing.Type == entry.Type {
		report.Skipped++
		return uow.Rollback(ctx)
	}

	switch r.classify(existing.UpdatedAt, commit) {
	case outcomeSkip:
		report.Skipped++
		return uow.Rollback(ctx)
	case outcomeConflict:
		if err := uow.Backup(ctx, store.TableBoundaries, existing.ID); err != nil {
			return err
		}
		if err := uow.UpdateBoundaryFromSync(ctx, existing.ID, entry.Type, source, commit.Timestamp); err != nil {
			return err
		}
		report.Conflicts++
		zap.L().Warn("boundary sync conflict, external edit wins",
			zap.String("boundary_id", existing.ID),
			zap.String("category", entry.Category),
			zap.String("commit", commit.SHA),
		)
		return uow.Commit(ctx)
	default:
		if err := uow.Backup(ctx, store.TableBoundaries, existing.ID); err != nil {
			return err
		}
		if err := uow.UpdateBoundaryFromSync(ctx, existing.ID, entry.Type, source, commit.Timestamp); err != nil {
			return err
		}
		report.Updated++
		return uow.Commit(ctx)
	}
}

// ReconcileFacts applies parsed canonical memory entries with the same
// windowed last-writer-wins rules as boundaries.
func (r *Reconciler) ReconcileFacts(ctx context.Context, entries []FactEntry, commit CommitMeta) *Report {
	report := &Report{}
	source := commit.SourceTag()

	for _, entry := range entries {
		if err := r.reconcileFact(ctx, entry, commit, source, report); err != nil {
			report.Errors = append(report.Errors, EntryError{
				Category: entry.Category,
				Key:      entry.Content,
				Message:  err.Error(),
			})
			zap.L().Error("fact reconcile entry failed",
				zap.String("category", entry.Category),
				zap.Error(err),
			)
		}
	}

	zap.L().Info("canonical memory reconcile complete",
		zap.String("commit", commit.SHA),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("errors", len(report.Errors)),
	)
	return report
}

func (r *Reconciler) reconcileFact(ctx context.Context, entry FactEntry, commit CommitMeta, source string, report *Report) error {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback(ctx)

	existing, err := uow.FactByNaturalKey(ctx, entry.Category, entry.Content)
	switch {
	case eris.Is(err, store.ErrNotFound):
		_, err = uow.InsertFact(ctx, &model.Fact{
			Category:  entry.Category,
			Content:   entry.Content,
			Source:    source,
			CreatedAt: commit.Timestamp,
			UpdatedAt: commit.Timestamp,
		})
		if err != nil {
			return err
		}
		report.Inserted++
		return uow.Commit(ctx)
	case err != nil:
		return err
	}

	// The natural key covers everything material on a fact, so a hit
	// against a live row is a no-op. Only a deactivated fact that the
	// document still lists needs reconciling.
	if existing.Active {
		report.Skipped++
		return uow.Rollback(ctx)
	}

	switch r.classify(existing.UpdatedAt, commit) {
	case outcomeSkip:
		report.Skipped++
		return uow.Rollback(ctx)
	case outcomeConflict:
		if err := uow.Backup(ctx, store.TableCanonicalMemory, existing.ID); err != nil {
			return err
		}
		if err := uow.UpdateFactFromSync(ctx, existing.ID, source, commit.Timestamp); err != nil {
			return err
		}
		report.Conflicts++
		zap.L().Warn("fact sync conflict, external edit wins",
			zap.String("fact_id", existing.ID),
			zap.String("category", entry.Category),
			zap.String("commit", commit.SHA),
		)
		return uow.Commit(ctx)
	default:
		if err := uow.Backup(ctx, store.TableCanonicalMemory, existing.ID); err != nil {
			return err
		}
		if err := uow.UpdateFactFromSync(ctx, existing.ID, source, commit.Timestamp); err != nil {
			return err
		}
		report.Updated++
		return uow.Commit(ctx)
	}
}
