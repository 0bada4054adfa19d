// Package evolution manages proposal lifecycle: creation, human review,
// and materialization of approved changes into the rule/fact store.
package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cogos-system/athena/internal/model"
	"github.com/cogos-system/athena/internal/store"
)

var (
	// ErrInvalidState marks a decide/apply call on a proposal that is
	// not in the required status. Callers must not retry.
	ErrInvalidState = eris.New("proposal not in required state")
	// ErrKeyCollision marks a preference materialization whose derived
	// key is already held by a different logical value.
	ErrKeyCollision = eris.New("preference key collision")
	// ErrValidation marks a malformed proposal request.
	ErrValidation = eris.New("invalid proposal")
)

// maxDerivedKeyLen caps keys derived from rule text.
const maxDerivedKeyLen = 50

// ProposeRequest is the inbound proposal payload.
type ProposeRequest struct {
	EvolutionType string           `json:"evolution_type"`
	Category      string           `json:"category"`
	Description   string           `json:"description"`
	Change        model.ChangeData `json:"change_data"`
	Source        string           `json:"source"`
	Confidence    float64          `json:"confidence"`
}

// Pipeline owns all writes to evolution_log and, through approval,
// the resulting writes to boundaries, preferences, and canonical memory.
type Pipeline struct {
	store store.Store
}

// New creates a Pipeline over the given store.
func New(st store.Store) *Pipeline {
	return &Pipeline{store: st}
}

// Propose records a new pending proposal and returns its id.
func (p *Pipeline) Propose(ctx context.Context, req ProposeRequest) (string, error) {
	if req.EvolutionType == "" || req.Category == "" {
		return "", eris.Wrap(ErrValidation, "evolution_type and category are required")
	}
	if req.Source == "" {
		return "", eris.Wrap(ErrValidation, "source is required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return "", eris.Wrapf(ErrValidation, "confidence %v outside [0,1]", req.Confidence)
	}
	switch req.Change.Target {
	case model.TargetBoundary, model.TargetPreference, model.TargetCanonical:
	default:
		return "", eris.Wrapf(ErrValidation, "unknown change target %q", req.Change.Target)
	}
	if req.Change.Rule == "" {
		return "", eris.Wrap(ErrValidation, "change_data.rule is required")
	}

	proposal := &model.Proposal{
		EvolutionType: req.EvolutionType,
		Category:      req.Category,
		Description:   req.Description,
		Change:        req.Change,
		Source:        req.Source,
		Confidence:    req.Confidence,
	}
	id, err := p.store.InsertProposal(ctx, proposal)
	if err != nil {
		return "", err
	}
	zap.L().Info("evolution proposal created",
		zap.String("proposal_id", id),
		zap.String("category", req.Category),
		zap.String("source", req.Source),
	)
	return id, nil
}

// Get returns a proposal by id.
func (p *Pipeline) Get(ctx context.Context, id string) (*model.Proposal, error) {
	return p.store.GetProposal(ctx, id)
}

// List returns proposals matching the filter.
func (p *Pipeline) List(ctx context.Context, filter store.ProposalFilter) ([]model.Proposal, error) {
	return p.store.ListProposals(ctx, filter)
}

// ListPending returns pending proposals, most confident first.
func (p *Pipeline) ListPending(ctx context.Context, category, source string) ([]model.Proposal, error) {
	return p.store.ListProposals(ctx, store.ProposalFilter{
		Status:   model.ProposalPending,
		Category: category,
		Source:   source,
		Limit:    200,
	})
}

// Stats aggregates evolution_log for reporting.
func (p *Pipeline) Stats(ctx context.Context) (*store.ProposalStats, error) {
	return p.store.ProposalStats(ctx)
}

// Decide resolves a pending proposal. A proposal can be decided exactly
// once: a second call fails with ErrInvalidState and does not re-run
// materialization. Approval materializes the change and moves the
// proposal through approved to applied in a single transaction.
func (p *Pipeline) Decide(ctx context.Context, id string, approved bool, reviewedBy, notes string) (*model.Proposal, error) {
	uow, err := p.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	proposal, err := uow.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != model.ProposalPending {
		return nil, eris.Wrapf(ErrInvalidState, "proposal %s is %s", id, proposal.Status)
	}

	if !approved {
		ok, err := uow.TransitionProposal(ctx, id, model.ProposalPending, model.ProposalRejected, reviewedBy, notes)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, eris.Wrapf(ErrInvalidState, "proposal %s decided concurrently", id)
		}
		if err := uow.Commit(ctx); err != nil {
			return nil, err
		}
		zap.L().Info("evolution proposal rejected",
			zap.String("proposal_id", id),
			zap.String("reviewed_by", reviewedBy),
		)
		return p.store.GetProposal(ctx, id)
	}

	// The compare-and-swap on status is the concurrency guard: if two
	// decisions race, exactly one transition succeeds.
	ok, err := uow.TransitionProposal(ctx, id, model.ProposalPending, model.ProposalApproved, reviewedBy, notes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, eris.Wrapf(ErrInvalidState, "proposal %s decided concurrently", id)
	}

	if err := p.materialize(ctx, uow, proposal); err != nil {
		return nil, err
	}

	applied, err := uow.MarkProposalApplied(ctx, id)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, eris.Errorf("evolution: proposal %s lost approved status before apply", id)
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}

	zap.L().Info("evolution proposal applied",
		zap.String("proposal_id", id),
		zap.String("target", proposal.Change.Target),
		zap.String("reviewed_by", reviewedBy),
	)
	return p.store.GetProposal(ctx, id)
}

// Apply materializes a proposal that is already approved but not yet
// applied, e.g. one seeded by an external review tool.
func (p *Pipeline) Apply(ctx context.Context, id string) (*model.Proposal, error) {
	uow, err := p.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback(ctx)

	proposal, err := uow.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if proposal.Status != model.ProposalApproved {
		return nil, eris.Wrapf(ErrInvalidState, "proposal %s is %s, want approved", id, proposal.Status)
	}

	if err := p.materialize(ctx, uow, proposal); err != nil {
		return nil, err
	}
	ok, err := uow.MarkProposalApplied(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, eris.Wrapf(ErrInvalidState, "proposal %s applied concurrently", id)
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return p.store.GetProposal(ctx, id)
}

// materialize writes the approved change into the target store inside
// the caller's unit of work.
func (p *Pipeline) materialize(ctx context.Context, uow store.UnitOfWork, proposal *model.Proposal) error {
	change := proposal.Change

	switch change.Target {
	case model.TargetBoundary:
		_, err := uow.InsertBoundary(ctx, &model.Boundary{
			Type:        model.BoundaryHard,
			Category:    proposal.Category,
			Rule:        change.Rule,
			Description: change.Description,
			Source:      proposal.Source,
		})
		return err

	case model.TargetPreference:
		key := change.Key
		if key == "" {
			key = DeriveKey(change.Rule)
		}
		value, err := json.Marshal(change.Rule)
		if err != nil {
			return eris.Wrap(err, "evolution: encode preference value")
		}

		existing, err := uow.Preference(ctx, proposal.Category, key)
		switch {
		case eris.Is(err, store.ErrNotFound):
			_, err = uow.InsertPreference(ctx, &model.Preference{
				Category:   proposal.Category,
				Key:        key,
				Value:      value,
				Confidence: proposal.Confidence,
				Source:     proposal.Source,
			})
			return err
		case err != nil:
			return err
		case bytes.Equal(existing.Value, value):
			// Same logical value; refresh confidence and provenance.
			return uow.UpdatePreference(ctx, existing.ID, value, proposal.Confidence, proposal.Source)
		default:
			return eris.Wrapf(ErrKeyCollision, "key %q in category %q", key, proposal.Category)
		}

	case model.TargetCanonical:
		_, err := uow.InsertFact(ctx, &model.Fact{
			Category:    proposal.Category,
			Content:     change.Rule,
			Description: change.Description,
			Source:      proposal.Source,
		})
		return err

	default:
		return eris.Errorf("evolution: unknown change target %q", change.Target)
	}
}

// DeriveKey builds a preference key from rule text: lower-cased, spaces
// to underscores, capped at 50 characters. Distinct rules can derive
// the same key, which is why materialization checks for collisions.
func DeriveKey(rule string) string {
	key := strings.ReplaceAll(strings.ToLower(rule), " ", "_")
	if len(key) > maxDerivedKeyLen {
		key = key[:maxDerivedKeyLen]
	}
	return key
}
