package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cogos-system/athena/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("not found")

// Backup table names accepted by UnitOfWork.Backup.
const (
	TableBoundaries      = "boundaries"
	TableCanonicalMemory = "canonical_memory"
	TablePreferences     = "preferences"
)

// ProposalFilter specifies criteria for listing evolution proposals.
type ProposalFilter struct {
	Status   model.ProposalStatus `json:"status,omitempty"`
	Category string               `json:"category,omitempty"`
	Source   string               `json:"source,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
}

// ProposalStats aggregates evolution_log for reporting.
type ProposalStats struct {
	ByStatus      map[string]int `json:"by_status"`
	ByCategory    map[string]int `json:"by_category"`
	Last7Days     int            `json:"proposals_last_7_days"`
	TotalApproved int            `json:"total_approved"`
	TotalRejected int            `json:"total_rejected"`
	ApprovalRate  float64        `json:"approval_rate"`
}

// UnitOfWork is a single transaction spanning a read-check-write
// sequence. Proposal decisions and per-entry reconciliation each run
// inside one unit of work so that status checks, backups, and
// materialization commit or roll back together.
type UnitOfWork interface {
	// Proposals
	GetProposal(ctx context.Context, id string) (*model.Proposal, error)
	// TransitionProposal moves a proposal from one status to another
	// only if it is currently in the from status. Returns false when the
	// compare-and-swap did not match (the proposal was already decided).
	TransitionProposal(ctx context.Context, id string, from, to model.ProposalStatus, reviewedBy, notes string) (bool, error)
	MarkProposalApplied(ctx context.Context, id string) (bool, error)

	// Boundaries. The sync updates reactivate the row: a document that
	// still lists an entry means it is in force.
	InsertBoundary(ctx context.Context, b *model.Boundary) (string, error)
	BoundaryByNaturalKey(ctx context.Context, category, rule string) (*model.Boundary, error)
	UpdateBoundaryFromSync(ctx context.Context, id string, btype model.BoundaryType, source string, at time.Time) error

	// Canonical memory
	FactByNaturalKey(ctx context.Context, category, content string) (*model.Fact, error)
	InsertFact(ctx context.Context, f *model.Fact) (string, error)
	UpdateFactFromSync(ctx context.Context, id, source string, at time.Time) error

	// Preferences
	Preference(ctx context.Context, category, key string) (*model.Preference, error)
	InsertPreference(ctx context.Context, p *model.Preference) (string, error)
	UpdatePreference(ctx context.Context, id string, value json.RawMessage, confidence float64, source string) error

	// Backup writes a full pre-image of the row into the append-only
	// backup table. It must be called before mutating the row.
	Backup(ctx context.Context, table, recordID string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the persistence interface for the governance engine.
type Store interface {
	// Begin opens a unit of work for a decide/reconcile sequence.
	Begin(ctx context.Context) (UnitOfWork, error)

	// Boundaries
	ListBoundaries(ctx context.Context, activeOnly bool) ([]model.Boundary, error)
	DeactivateBoundary(ctx context.Context, id string) error

	// Proposals
	InsertProposal(ctx context.Context, p *model.Proposal) (string, error)
	GetProposal(ctx context.Context, id string) (*model.Proposal, error)
	ListProposals(ctx context.Context, filter ProposalFilter) ([]model.Proposal, error)
	ProposalStats(ctx context.Context) (*ProposalStats, error)

	// Knowledge
	ListPreferences(ctx context.Context, category string) ([]model.Preference, error)
	ListFacts(ctx context.Context, activeOnly bool) ([]model.Fact, error)
	DeactivateFact(ctx context.Context, id string) error

	// Backups
	CountBackups(ctx context.Context) (int, error)
	ListBackups(ctx context.Context, table string) ([]model.SyncBackup, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Seed(ctx context.Context) error
	Close() error
}
