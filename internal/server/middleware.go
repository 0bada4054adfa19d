package server

import (
	"net/http"
	"strings"

	"github.com/cogos-system/athena/internal/boundary"
)

// Audit headers set by the enforcement middleware on governed requests.
const (
	headerCategory         = "X-Athena-Category"
	headerRule             = "X-Athena-Rule-Id"
	headerApprovalRequired = "X-Athena-Approval-Required"
	headerAdvisory         = "X-Athena-Advisory"
)

// Enforce is the boundary middleware. Read-only methods and excluded
// prefixes pass untouched; everything else is classified and decided.
// Unclassified actions and engine unavailability both pass: enforcement
// fails open so a governance outage never takes write traffic down.
func (s *Server) Enforce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range s.excludedPaths {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		category, ok := s.classifier.Classify(r.URL.Path, r.Method)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		verdict := s.engine.Decide(r.Context(), category, boundary.Request{
			Path:   r.URL.Path,
			Method: r.Method,
		})

		w.Header().Set(headerCategory, category)
		if verdict.Rule != nil {
			w.Header().Set(headerRule, verdict.Rule.ID)
		}

		if !verdict.Allowed {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":    "action blocked by boundary",
				"category": category,
				"rule":     verdict.Rule,
			})
			return
		}
		if verdict.RequiresApproval {
			w.Header().Set(headerApprovalRequired, "true")
		}
		if verdict.Advisory {
			w.Header().Set(headerAdvisory, "true")
		}

		next.ServeHTTP(w, r)
	})
}
