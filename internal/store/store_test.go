package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogos-system/athena/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func insertTestBoundary(t *testing.T, s Store, b *model.Boundary) string {
	t.Helper()
	ctx := context.Background()
	uow, err := s.Begin(ctx)
	require.NoError(t, err)
	id, err := uow.InsertBoundary(ctx, b)
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))
	return id
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertAndGetProposal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := &model.Proposal{
			EvolutionType: "boundary_add",
			Category:      "financial",
			Description:   "Observed repeated refund denials",
			Change:        model.ChangeData{Target: model.TargetBoundary, Rule: "Never issue refunds automatically"},
			Source:        "reflection",
			Confidence:    0.8,
		}
		id, err := s.InsertProposal(ctx, p)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, model.ProposalPending, p.Status)

		got, err := s.GetProposal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, model.ProposalPending, got.Status)
		assert.Equal(t, model.TargetBoundary, got.Change.Target)
		assert.Equal(t, "Never issue refunds automatically", got.Change.Rule)
		assert.Equal(t, 0.8, got.Confidence)
		assert.Nil(t, got.ReviewedAt)
		assert.Nil(t, got.AppliedAt)
	})

	t.Run("GetProposalNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetProposal(context.Background(), "nonexistent-id")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListProposalsPendingOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, conf := range []float64{0.3, 0.9, 0.6} {
			_, err := s.InsertProposal(ctx, &model.Proposal{
				EvolutionType: "preference_add",
				Category:      "communication",
				Change:        model.ChangeData{Target: model.TargetPreference, Rule: "rule"},
				Source:        "reflection",
				Confidence:    conf,
			})
			require.NoError(t, err)
		}

		got, err := s.ListProposals(ctx, ProposalFilter{Status: model.ProposalPending})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 0.9, got[0].Confidence)
		assert.Equal(t, 0.6, got[1].Confidence)
		assert.Equal(t, 0.3, got[2].Confidence)
	})

	t.Run("ListProposalsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.InsertProposal(ctx, &model.Proposal{
			EvolutionType: "boundary_add", Category: "financial",
			Change: model.ChangeData{Target: model.TargetBoundary, Rule: "a"},
			Source: "reflection", Confidence: 0.5,
		})
		require.NoError(t, err)
		_, err = s.InsertProposal(ctx, &model.Proposal{
			EvolutionType: "boundary_add", Category: "email",
			Change: model.ChangeData{Target: model.TargetBoundary, Rule: "b"},
			Source: "manual", Confidence: 0.5,
		})
		require.NoError(t, err)

		byCategory, err := s.ListProposals(ctx, ProposalFilter{Category: "email"})
		require.NoError(t, err)
		require.Len(t, byCategory, 1)
		assert.Equal(t, "b", byCategory[0].Change.Rule)

		bySource, err := s.ListProposals(ctx, ProposalFilter{Source: "reflection"})
		require.NoError(t, err)
		require.Len(t, bySource, 1)
		assert.Equal(t, "a", bySource[0].Change.Rule)
	})

	t.Run("TransitionProposalCAS", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.InsertProposal(ctx, &model.Proposal{
			EvolutionType: "boundary_add", Category: "financial",
			Change: model.ChangeData{Target: model.TargetBoundary, Rule: "r"},
			Source: "reflection", Confidence: 0.5,
		})
		require.NoError(t, err)

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		ok, err := uow.TransitionProposal(ctx, id, model.ProposalPending, model.ProposalApproved, "blake", "looks right")
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, uow.Commit(ctx))

		// The row is no longer pending, so the same transition fails.
		uow2, err := s.Begin(ctx)
		require.NoError(t, err)
		defer uow2.Rollback(ctx) //nolint:errcheck
		ok, err = uow2.TransitionProposal(ctx, id, model.ProposalPending, model.ProposalRejected, "eve", "")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetProposal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ProposalApproved, got.Status)
		assert.Equal(t, "blake", got.ReviewedBy)
		assert.Equal(t, "looks right", got.ReviewNotes)
		assert.NotNil(t, got.ReviewedAt)
	})

	t.Run("MarkProposalAppliedRequiresApproved", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.InsertProposal(ctx, &model.Proposal{
			EvolutionType: "boundary_add", Category: "financial",
			Change: model.ChangeData{Target: model.TargetBoundary, Rule: "r"},
			Source: "reflection", Confidence: 0.5,
		})
		require.NoError(t, err)

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		ok, err := uow.MarkProposalApplied(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "pending proposal must not be marked applied")
		require.NoError(t, uow.Rollback(ctx))

		uow2, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = uow2.TransitionProposal(ctx, id, model.ProposalPending, model.ProposalApproved, "blake", "")
		require.NoError(t, err)
		ok, err = uow2.MarkProposalApplied(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, uow2.Commit(ctx))

		got, err := s.GetProposal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ProposalApplied, got.Status)
		assert.NotNil(t, got.AppliedAt)
	})

	t.Run("BoundaryInsertListDeactivate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id := insertTestBoundary(t, s, &model.Boundary{
			Type:     model.BoundaryHard,
			Category: "financial",
			Rule:     "Never pay invoices automatically",
			Source:   "test",
		})

		active, err := s.ListBoundaries(ctx, true)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, model.BoundaryHard, active[0].Type)
		assert.True(t, active[0].Active)

		require.NoError(t, s.DeactivateBoundary(ctx, id))

		active, err = s.ListBoundaries(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, active)

		all, err := s.ListBoundaries(ctx, false)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.False(t, all[0].Active)
	})

	t.Run("DeactivateBoundaryNotFound", func(t *testing.T) {
		s := newStore(t)

		err := s.DeactivateBoundary(context.Background(), "nonexistent-id")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("BoundaryNaturalKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		insertTestBoundary(t, s, &model.Boundary{
			Type: model.BoundarySoft, Category: "email",
			Rule: "Confirm before sending", Source: "test",
		})

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		defer uow.Rollback(ctx) //nolint:errcheck

		got, err := uow.BoundaryByNaturalKey(ctx, "email", "Confirm before sending")
		require.NoError(t, err)
		assert.Equal(t, model.BoundarySoft, got.Type)

		_, err = uow.BoundaryByNaturalKey(ctx, "email", "No such rule")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PreferenceRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = uow.InsertPreference(ctx, &model.Preference{
			Category:   "communication",
			Key:        "reply_style",
			Value:      json.RawMessage(`"concise"`),
			Confidence: 0.7,
			Source:     "reflection",
		})
		require.NoError(t, err)
		require.NoError(t, uow.Commit(ctx))

		uow2, err := s.Begin(ctx)
		require.NoError(t, err)
		got, err := uow2.Preference(ctx, "communication", "reply_style")
		require.NoError(t, err)
		assert.JSONEq(t, `"concise"`, string(got.Value))
		assert.Equal(t, 0.7, got.Confidence)

		require.NoError(t, uow2.UpdatePreference(ctx, got.ID, json.RawMessage(`"verbose"`), 0.9, "manual"))
		require.NoError(t, uow2.Commit(ctx))

		prefs, err := s.ListPreferences(ctx, "communication")
		require.NoError(t, err)
		require.Len(t, prefs, 1)
		assert.JSONEq(t, `"verbose"`, string(prefs[0].Value))
		assert.Equal(t, 0.9, prefs[0].Confidence)
		assert.Equal(t, "manual", prefs[0].Source)
	})

	t.Run("FactRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = uow.InsertFact(ctx, &model.Fact{
			Category: "identity",
			Content:  "Owner's working hours are 9 to 5 central",
			Source:   "test",
		})
		require.NoError(t, err)
		require.NoError(t, uow.Commit(ctx))

		uow2, err := s.Begin(ctx)
		require.NoError(t, err)
		defer uow2.Rollback(ctx) //nolint:errcheck
		got, err := uow2.FactByNaturalKey(ctx, "identity", "Owner's working hours are 9 to 5 central")
		require.NoError(t, err)
		assert.True(t, got.Active)

		_, err = uow2.FactByNaturalKey(ctx, "identity", "unknown")
		assert.ErrorIs(t, err, ErrNotFound)

		facts, err := s.ListFacts(ctx, true)
		require.NoError(t, err)
		assert.Len(t, facts, 1)
	})

	t.Run("DeactivateFact", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		id, err := uow.InsertFact(ctx, &model.Fact{
			Category: "identity", Content: "No meetings on Fridays", Source: "test",
		})
		require.NoError(t, err)
		require.NoError(t, uow.Commit(ctx))

		require.NoError(t, s.DeactivateFact(ctx, id))

		active, err := s.ListFacts(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, active)

		all, err := s.ListFacts(ctx, false)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.False(t, all[0].Active)

		assert.ErrorIs(t, s.DeactivateFact(ctx, "nonexistent-id"), ErrNotFound)
	})

	t.Run("SyncUpdatesReactivate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		bid := insertTestBoundary(t, s, &model.Boundary{
			Type: model.BoundarySoft, Category: "email",
			Rule: "Confirm before sending", Source: "test",
		})
		require.NoError(t, s.DeactivateBoundary(ctx, bid))

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		fid, err := uow.InsertFact(ctx, &model.Fact{
			Category: "identity", Content: "Owner prefers async communication", Source: "test",
		})
		require.NoError(t, err)
		require.NoError(t, uow.Commit(ctx))
		require.NoError(t, s.DeactivateFact(ctx, fid))

		uow2, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, uow2.UpdateBoundaryFromSync(ctx, bid, model.BoundarySoft, "external_sync:abc1234", time.Now().UTC()))
		require.NoError(t, uow2.UpdateFactFromSync(ctx, fid, "external_sync:abc1234", time.Now().UTC()))
		require.NoError(t, uow2.Commit(ctx))

		boundaries, err := s.ListBoundaries(ctx, true)
		require.NoError(t, err)
		require.Len(t, boundaries, 1)
		assert.Equal(t, bid, boundaries[0].ID)

		facts, err := s.ListFacts(ctx, true)
		require.NoError(t, err)
		require.Len(t, facts, 1)
		assert.Equal(t, fid, facts[0].ID)
	})

	t.Run("BackupWritesPreImage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id := insertTestBoundary(t, s, &model.Boundary{
			Type: model.BoundarySoft, Category: "email",
			Rule: "Confirm before sending", Source: "original",
		})

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, uow.Backup(ctx, TableBoundaries, id))
		require.NoError(t, uow.UpdateBoundaryFromSync(ctx, id, model.BoundaryHard, "external_sync:abc1234", time.Now().UTC()))
		require.NoError(t, uow.Commit(ctx))

		n, err := s.CountBackups(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		backups, err := s.ListBackups(ctx, TableBoundaries)
		require.NoError(t, err)
		require.Len(t, backups, 1)
		assert.Equal(t, id, backups[0].RecordID)

		// The snapshot preserves the pre-update state.
		var snapshot map[string]any
		require.NoError(t, json.Unmarshal(backups[0].Snapshot, &snapshot))
		assert.Equal(t, "soft", snapshot["boundary_type"])
		assert.Equal(t, "original", snapshot["source"])
	})

	t.Run("BackupUnsupportedTable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		defer uow.Rollback(ctx) //nolint:errcheck

		err = uow.Backup(ctx, "runs", "some-id")
		require.Error(t, err)
	})

	t.Run("SeedIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Seed(ctx))
		first, err := s.ListBoundaries(ctx, true)
		require.NoError(t, err)
		require.NotEmpty(t, first)

		require.NoError(t, s.Seed(ctx))
		second, err := s.ListBoundaries(ctx, true)
		require.NoError(t, err)
		assert.Len(t, second, len(first))

		for _, b := range second {
			assert.Equal(t, "migration_seed", b.Source)
		}
	})

	t.Run("ProposalStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ids := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			id, err := s.InsertProposal(ctx, &model.Proposal{
				EvolutionType: "boundary_add", Category: "financial",
				Change: model.ChangeData{Target: model.TargetBoundary, Rule: "r"},
				Source: "reflection", Confidence: 0.5,
			})
			require.NoError(t, err)
			ids = append(ids, id)
		}

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = uow.TransitionProposal(ctx, ids[0], model.ProposalPending, model.ProposalApproved, "blake", "")
		require.NoError(t, err)
		_, err = uow.TransitionProposal(ctx, ids[1], model.ProposalPending, model.ProposalRejected, "blake", "")
		require.NoError(t, err)
		require.NoError(t, uow.Commit(ctx))

		stats, err := s.ProposalStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.ByStatus["pending"])
		assert.Equal(t, 1, stats.ByStatus["approved"])
		assert.Equal(t, 1, stats.ByStatus["rejected"])
		assert.Equal(t, 3, stats.ByCategory["financial"])
		assert.Equal(t, 3, stats.Last7Days)
		assert.Equal(t, 1, stats.TotalApproved)
		assert.Equal(t, 1, stats.TotalRejected)
		assert.Equal(t, 0.5, stats.ApprovalRate)
	})

	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		uow, err := s.Begin(ctx)
		require.NoError(t, err)
		_, err = uow.InsertBoundary(ctx, &model.Boundary{
			Type: model.BoundaryHard, Category: "financial", Rule: "discarded",
		})
		require.NoError(t, err)
		require.NoError(t, uow.Rollback(ctx))

		boundaries, err := s.ListBoundaries(ctx, false)
		require.NoError(t, err)
		assert.Empty(t, boundaries)
	})
}
