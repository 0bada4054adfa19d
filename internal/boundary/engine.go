// Package boundary implements the governance decision engine: given an
// action category and the active rule set, it produces an allow, deny,
// or approval-required verdict.
package boundary

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cogos-system/athena/internal/model"
)

// Request carries the inbound action descriptor, available to the
// applicability and exception predicates.
type Request struct {
	Path   string
	Method string
}

// Verdict is the decision output consumed by the request pipeline.
type Verdict struct {
	Allowed          bool            `json:"allowed"`
	RequiresApproval bool            `json:"requires_approval"`
	Advisory         bool            `json:"advisory,omitempty"`
	Rule             *model.Boundary `json:"controlling_rule,omitempty"`
	Category         string          `json:"category"`
}

// RuleSource supplies the active rule set, normally a store.Store.
type RuleSource interface {
	ListBoundaries(ctx context.Context, activeOnly bool) ([]model.Boundary, error)
}

// AppliesFunc reports whether a boundary governs the request. The
// default applies every boundary in the matching category set.
type AppliesFunc func(b model.Boundary, req Request, category string) bool

// ExceptionFunc reports whether an exception exempts the request. The
// default matches nothing; time-of-day and per-user matchers plug in
// here without touching the decision algorithm.
type ExceptionFunc func(e model.Exception, req Request) bool

// Engine owns a TTL-cached snapshot of active boundaries and applies
// them with fixed type precedence. Decisions fail open: mutating
// requests are the only ones routed here, and availability is
// prioritized over strict enforcement when the store is unreachable.
type Engine struct {
	source RuleSource
	ttl    time.Duration
	now    func() time.Time

	Applies          AppliesFunc
	ExceptionMatches ExceptionFunc

	group singleflight.Group

	mu        sync.RWMutex
	cached    []model.Boundary
	fetchedAt time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a time source, for deterministic TTL tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTTL overrides the default 60s cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// NewEngine creates a decision engine over the given rule source.
func NewEngine(source RuleSource, opts ...Option) *Engine {
	e := &Engine{
		source:           source,
		ttl:              60 * time.Second,
		now:              time.Now,
		Applies:          func(model.Boundary, Request, string) bool { return true },
		ExceptionMatches: func(model.Exception, Request) bool { return false },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide evaluates the active rules for a category and returns a verdict.
func (e *Engine) Decide(ctx context.Context, category string, req Request) Verdict {
	rules := e.rules(ctx)

	relevant := rules[:0:0]
	for _, b := range rules {
		if b.Category == category || b.Category == model.CategoryAll {
			relevant = append(relevant, b)
		}
	}
	if len(relevant) == 0 {
		return Verdict{Allowed: true, Category: category}
	}

	// Hard before soft before contextual; fetch order breaks ties.
	sort.SliceStable(relevant, func(i, j int) bool {
		return model.TypeRank(relevant[i].Type) < model.TypeRank(relevant[j].Type)
	})

	for i := range relevant {
		b := relevant[i]
		if !e.Applies(b, req, category) {
			continue
		}
		if e.exempted(b, req) {
			continue
		}

		switch b.Type {
		case model.BoundaryHard:
			zap.L().Warn("hard boundary violation",
				zap.String("category", category),
				zap.String("path", req.Path),
				zap.String("rule_id", b.ID),
			)
			return Verdict{Allowed: false, Rule: &b, Category: category}
		case model.BoundarySoft:
			if b.RequiresApproval {
				zap.L().Info("soft boundary requires approval",
					zap.String("category", category),
					zap.String("path", req.Path),
					zap.String("rule_id", b.ID),
				)
				return Verdict{Allowed: true, RequiresApproval: true, Rule: &b, Category: category}
			}
			return Verdict{Allowed: true, Rule: &b, Category: category}
		default:
			// Contextual (or unknown) rules are advisory only.
			return Verdict{Allowed: true, Advisory: true, Rule: &b, Category: category}
		}
	}

	return Verdict{Allowed: true, Category: category}
}

func (e *Engine) exempted(b model.Boundary, req Request) bool {
	for _, exc := range b.Exceptions {
		if e.ExceptionMatches(exc, req) {
			return true
		}
	}
	return false
}

// rules returns the cached snapshot, refreshing it when the TTL has
// elapsed. Concurrent expiries trigger a single refresh; a failed
// refresh keeps serving the last good snapshot, and an empty cache
// means "no rules".
func (e *Engine) rules(ctx context.Context) []model.Boundary {
	e.mu.RLock()
	cached, fetchedAt := e.cached, e.fetchedAt
	e.mu.RUnlock()

	if !fetchedAt.IsZero() && e.now().Sub(fetchedAt) <= e.ttl {
		return cached
	}

	fresh, err, _ := e.group.Do("boundaries", func() (any, error) {
		rules, err := e.source.ListBoundaries(ctx, true)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cached = rules
		e.fetchedAt = e.now()
		e.mu.Unlock()
		return rules, nil
	})
	if err != nil {
		zap.L().Error("boundary cache refresh failed", zap.Error(err))
		return cached
	}
	rules, _ := fresh.([]model.Boundary)
	return rules
}
