package model

import "time"

// BoundaryType is the strength of a governance rule.
type BoundaryType string

const (
	// BoundaryHard is an absolute restriction; a matching action is denied.
	BoundaryHard BoundaryType = "hard"
	// BoundarySoft permits the action but may require human approval.
	BoundarySoft BoundaryType = "soft"
	// BoundaryContextual is advisory only and never blocks.
	BoundaryContextual BoundaryType = "contextual"
)

// TypeRank returns the enforcement precedence of a boundary type.
// Lower ranks are checked first: hard < soft < contextual < unknown.
func TypeRank(t BoundaryType) int {
	switch t {
	case BoundaryHard:
		return 0
	case BoundarySoft:
		return 1
	case BoundaryContextual:
		return 2
	default:
		return 3
	}
}

// Exception is a matcher attached to a boundary. It has no lifecycle of
// its own; it exists only inside its boundary's exceptions list.
type Exception struct {
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// Boundary is a single governance rule. Inactive boundaries are excluded
// from decisions but retained for audit; boundaries are never deleted.
type Boundary struct {
	ID               string       `json:"id"`
	Type             BoundaryType `json:"boundary_type"`
	Category         string       `json:"category"`
	Rule             string       `json:"rule"`
	Description      string       `json:"description,omitempty"`
	RequiresApproval bool         `json:"requires_approval"`
	Exceptions       []Exception  `json:"exceptions,omitempty"`
	Active           bool         `json:"active"`
	Source           string       `json:"source,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// CategoryAll is the wildcard category: boundaries tagged with it apply
// to every action category.
const CategoryAll = "all"
