package contextsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogos-system/athena/internal/model"
	"github.com/cogos-system/athena/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewReconciler(st), st
}

func seedBoundaryAt(t *testing.T, st store.Store, entry PolicyEntry, updatedAt time.Time) string {
	t.Helper()
	ctx := context.Background()
	uow, err := st.Begin(ctx)
	require.NoError(t, err)
	id, err := uow.InsertBoundary(ctx, &model.Boundary{
		Type:      entry.Type,
		Category:  entry.Category,
		Rule:      entry.Rule,
		Source:    "local",
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	})
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))
	return id
}

func TestReconcileBoundaries_InsertsNewEntries(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	commit := CommitMeta{SHA: "abc1234def", Timestamp: time.Now().UTC()}
	entries := []PolicyEntry{
		{Category: "financial", Type: model.BoundaryHard, Rule: "Never pay automatically"},
		{Category: "email", Type: model.BoundarySoft, Rule: "Confirm before sending"},
	}

	report := r.ReconcileBoundaries(ctx, entries, commit)
	assert.Equal(t, 2, report.Inserted)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Conflicts)
	assert.Empty(t, report.Errors)

	boundaries, err := st.ListBoundaries(ctx, true)
	require.NoError(t, err)
	require.Len(t, boundaries, 2)
	for _, b := range boundaries {
		assert.Equal(t, "external_sync:abc1234", b.Source)
	}

	// Inserts take no backup; there was no pre-image to preserve.
	n, err := st.CountBackups(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileBoundaries_ExternalNewerUpdates(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	entry := PolicyEntry{Category: "email", Type: model.BoundaryHard, Rule: "Confirm before sending"}
	commitTime := time.Now().UTC()
	seedBoundaryAt(t, st, PolicyEntry{Category: "email", Type: model.BoundarySoft, Rule: "Confirm before sending"}, commitTime.Add(-10*time.Minute))

	report := r.ReconcileBoundaries(ctx, []PolicyEntry{entry}, CommitMeta{SHA: "abc1234", Timestamp: commitTime})
	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Conflicts)

	boundaries, err := st.ListBoundaries(ctx, true)
	require.NoError(t, err)
	require.Len(t, boundaries, 1)
	assert.Equal(t, model.BoundaryHard, boundaries[0].Type)

	n, err := st.CountBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcileBoundaries_LocalNewerSkips(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	commitTime := time.Now().UTC().Add(-10 * time.Minute)
	seedBoundaryAt(t, st, PolicyEntry{Category: "email", Type: model.BoundarySoft, Rule: "Confirm before sending"}, time.Now().UTC())

	entry := PolicyEntry{Category: "email", Type: model.BoundaryHard, Rule: "Confirm before sending"}
	report := r.ReconcileBoundaries(ctx, []PolicyEntry{entry}, CommitMeta{SHA: "abc1234", Timestamp: commitTime})
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Conflicts)

	// The local row is untouched and no backup was taken.
	boundaries, err := st.ListBoundaries(ctx, true)
	require.NoError(t, err)
	require.Len(t, boundaries, 1)
	assert.Equal(t, model.BoundarySoft, boundaries[0].Type)
	assert.Equal(t, "local", boundaries[0].Source)

	n, err := st.CountBackups(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileBoundaries_UnchangedEntrySkipsInsideWindow(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	entry := PolicyEntry{Category: "email", Type: model.BoundarySoft, Rule: "Confirm before sending"}
	commitTime := time.Now().UTC()
	seedBoundaryAt(t, st, entry, commitTime.Add(-30*time.Second))

	// An identical re-sync inside the window is not a conflict; there is
	// nothing to overwrite and nothing to back up.
	report := r.ReconcileBoundaries(ctx, []PolicyEntry{entry}, CommitMeta{SHA: "abc1234", Timestamp: commitTime})
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Conflicts)

	boundaries, err := st.ListBoundaries(ctx, true)
	require.NoError(t, err)
	require.Len(t, boundaries, 1)
	assert.Equal(t, "local", boundaries[0].Source)

	n, err := st.CountBackups(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileBoundaries_ReactivatesDeactivatedRule(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	entry := PolicyEntry{Category: "email", Type: model.BoundarySoft, Rule: "Confirm before sending"}
	id := seedBoundaryAt(t, st, entry, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, st.DeactivateBoundary(ctx, id))

	report := r.ReconcileBoundaries(ctx, []PolicyEntry{entry}, CommitMeta{SHA: "abc1234", Timestamp: time.Now().UTC().Add(10 * time.Minute)})
	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Skipped)

	boundaries, err := st.ListBoundaries(ctx, true)
	require.NoError(t, err)
	require.Len(t, boundaries, 1)
	assert.Equal(t, id, boundaries[0].ID)

	n, err := st.CountBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcileBoundaries_ConflictWindow(t *testing.T) {
	tests := []struct {
		name      string
		delta     time.Duration
		conflicts int
		updated   int
		skipped   int
	}{
		{"local edit 59s before commit", -59 * time.Second, 1, 0, 0},
		{"local edit 59s after commit", 59 * time.Second, 1, 0, 0},
		{"local edit 61s before commit", -61 * time.Second, 0, 1, 0},
		{"local edit 61s after commit", 61 * time.Second, 0, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, st := newTestReconciler(t)
			ctx := context.Background()

			commitTime := time.Now().UTC().Add(-time.Hour)
			seedBoundaryAt(t, st, PolicyEntry{Category: "email", Type: model.BoundarySoft, Rule: "Confirm before sending"}, commitTime.Add(tt.delta))

			entry := PolicyEntry{Category: "email", Type: model.BoundaryHard, Rule: "Confirm before sending"}
			report := r.ReconcileBoundaries(ctx, []PolicyEntry{entry}, CommitMeta{SHA: "abc1234", Timestamp: commitTime})

			assert.Equal(t, tt.conflicts, report.Conflicts)
			assert.Equal(t, tt.updated, report.Updated)
			assert.Equal(t, tt.skipped, report.Skipped)

			// Every overwrite (windowed or not) leaves exactly one backup.
			n, err := st.CountBackups(ctx)
			require.NoError(t, err)
			assert.Equal(t, report.Updated+report.Conflicts, n)
		})
	}
}

func TestReconcileBoundaries_ConflictPreservesPreImage(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	commitTime := time.Now().UTC()
	seedBoundaryAt(t, st, PolicyEntry{Category: "email", Type: model.BoundarySoft, Rule: "Confirm before sending"}, commitTime.Add(-30*time.Second))

	entry := PolicyEntry{Category: "email", Type: model.BoundaryHard, Rule: "Confirm before sending"}
	report := r.ReconcileBoundaries(ctx, []PolicyEntry{entry}, CommitMeta{SHA: "abc1234", Timestamp: commitTime})
	require.Equal(t, 1, report.Conflicts)

	backups, err := st.ListBackups(ctx, store.TableBoundaries)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, string(backups[0].Snapshot), `"soft"`)
	assert.Contains(t, string(backups[0].Snapshot), `"local"`)

	// External edit won.
	boundaries, err := st.ListBoundaries(ctx, true)
	require.NoError(t, err)
	require.Len(t, boundaries, 1)
	assert.Equal(t, model.BoundaryHard, boundaries[0].Type)
}

func TestReconcileFacts(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	commit := CommitMeta{SHA: "abc1234", Timestamp: time.Now().UTC()}
	entries := []FactEntry{
		{Category: "identity", Content: "Owner prefers async communication"},
		{Category: "identity", Content: "Core hours are 9 to 5 central"},
	}

	report := r.ReconcileFacts(ctx, entries, commit)
	assert.Equal(t, 2, report.Inserted)

	// Re-syncing the unchanged document later is a pure no-op.
	later := CommitMeta{SHA: "def5678", Timestamp: commit.Timestamp.Add(5 * time.Minute)}
	report = r.ReconcileFacts(ctx, entries, later)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, report.Inserted)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Conflicts)

	facts, err := st.ListFacts(ctx, true)
	require.NoError(t, err)
	assert.Len(t, facts, 2)
	for _, f := range facts {
		assert.Equal(t, "external_sync:abc1234", f.Source)
	}

	n, err := st.CountBackups(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileFacts_IdenticalEntrySkipsInsideWindow(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	first := CommitMeta{SHA: "abc1234", Timestamp: time.Now().UTC()}
	entries := []FactEntry{{Category: "identity", Content: "Owner prefers async communication"}}
	report := r.ReconcileFacts(ctx, entries, first)
	require.Equal(t, 1, report.Inserted)

	// A second sync 30s later carries nothing new, even though the row
	// was touched inside the window.
	second := CommitMeta{SHA: "def5678", Timestamp: first.Timestamp.Add(30 * time.Second)}
	report = r.ReconcileFacts(ctx, entries, second)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Updated)
	assert.Zero(t, report.Conflicts)

	n, err := st.CountBackups(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileFacts_RevivalInsideWindowConflicts(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	first := CommitMeta{SHA: "abc1234", Timestamp: time.Now().UTC()}
	entries := []FactEntry{{Category: "identity", Content: "Owner prefers async communication"}}
	report := r.ReconcileFacts(ctx, entries, first)
	require.Equal(t, 1, report.Inserted)

	facts, err := st.ListFacts(ctx, true)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.NoError(t, st.DeactivateFact(ctx, facts[0].ID))

	// The document still lists the fact someone just deactivated, so the
	// concurrent edits collide and the external side wins.
	second := CommitMeta{SHA: "def5678", Timestamp: time.Now().UTC().Add(30 * time.Second)}
	report = r.ReconcileFacts(ctx, entries, second)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, report.Skipped)

	facts, err = st.ListFacts(ctx, true)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "external_sync:def5678", facts[0].Source)

	n, err := st.CountBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcileFacts_RevivalOutsideWindowUpdates(t *testing.T) {
	r, st := newTestReconciler(t)
	ctx := context.Background()

	first := CommitMeta{SHA: "abc1234", Timestamp: time.Now().UTC()}
	entries := []FactEntry{{Category: "identity", Content: "Owner prefers async communication"}}
	report := r.ReconcileFacts(ctx, entries, first)
	require.Equal(t, 1, report.Inserted)

	facts, err := st.ListFacts(ctx, true)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.NoError(t, st.DeactivateFact(ctx, facts[0].ID))

	second := CommitMeta{SHA: "def5678", Timestamp: time.Now().UTC().Add(10 * time.Minute)}
	report = r.ReconcileFacts(ctx, entries, second)
	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Conflicts)

	facts, err = st.ListFacts(ctx, true)
	require.NoError(t, err)
	require.Len(t, facts, 1)

	n, err := st.CountBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconciler_CustomWindow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	r := NewReconciler(st, WithConflictWindow(5*time.Second))
	ctx := context.Background()

	commitTime := time.Now().UTC()
	seedBoundaryAt(t, st, PolicyEntry{Category: "email", Type: model.BoundarySoft, Rule: "Confirm before sending"}, commitTime.Add(-30*time.Second))

	// 30s apart is a plain update under a 5s window.
	entry := PolicyEntry{Category: "email", Type: model.BoundaryHard, Rule: "Confirm before sending"}
	report := r.ReconcileBoundaries(ctx, []PolicyEntry{entry}, CommitMeta{SHA: "abc1234", Timestamp: commitTime})
	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Conflicts)
}
