package model

import "time"

// ProposalStatus is the lifecycle state of an evolution proposal.
type ProposalStatus string

const (
	// ProposalPending awaits a human decision.
	ProposalPending ProposalStatus = "pending"
	// ProposalApproved has been accepted but not yet materialized.
	ProposalApproved ProposalStatus = "approved"
	// ProposalRejected is terminal; the change never takes effect.
	ProposalRejected ProposalStatus = "rejected"
	// ProposalApplied is terminal; the change has been written to the
	// rule/fact store.
	ProposalApplied ProposalStatus = "applied"
	// ProposalReverted is reserved for a future rollback flow. No
	// operation currently produces it.
	ProposalReverted ProposalStatus = "reverted"
)

// Change targets name which store a proposal mutates on approval.
const (
	TargetBoundary   = "boundary"
	TargetPreference = "preference"
	TargetCanonical  = "canonical"
)

// ChangeData is the structured payload of a proposal.
type ChangeData struct {
	Target      string `json:"target"`
	Rule        string `json:"rule"`
	Description string `json:"description,omitempty"`
	// Key optionally names the preference slot to write. When empty a
	// key is derived from the rule text.
	Key           string `json:"key,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// Proposal is an evolution_log entry: a pending request to change the
// rule/fact set, requiring human approval before taking effect.
type Proposal struct {
	ID            string         `json:"id"`
	EvolutionType string         `json:"evolution_type"`
	Category      string         `json:"category"`
	Description   string         `json:"description"`
	Change        ChangeData     `json:"change_data"`
	Source        string         `json:"source"`
	Confidence    float64        `json:"confidence"`
	Status        ProposalStatus `json:"status"`
	ReviewedBy    string         `json:"reviewed_by,omitempty"`
	ReviewNotes   string         `json:"review_notes,omitempty"`
	ReviewedAt    *time.Time     `json:"reviewed_at,omitempty"`
	AppliedAt     *time.Time     `json:"applied_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
