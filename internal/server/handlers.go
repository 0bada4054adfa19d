package server

import (
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cogos-system/athena/internal/contextsync"
	"github.com/cogos-system/athena/internal/evolution"
	"github.com/cogos-system/athena/internal/model"
	"github.com/cogos-system/athena/internal/store"
)

func (s *Server) handleListBoundaries(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") == ""
	boundaries, err := s.store.ListBoundaries(r.Context(), activeOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boundaries": boundaries, "count": len(boundaries)})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ProposalFilter{
		Status:   model.ProposalStatus(q.Get("status")),
		Category: q.Get("category"),
		Source:   q.Get("source"),
		Limit:    50,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	proposals, err := s.pipeline.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals, "count": len(proposals)})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	proposals, err := s.pipeline.ListPending(r.Context(), q.Get("category"), q.Get("source"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals, "count": len(proposals)})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.pipeline.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		evolution.ProposeRequest
		Confidence *float64 `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := body.ProposeRequest
	if req.Source == "" {
		req.Source = "manual"
	}
	// Manually submitted proposals default to full confidence.
	if body.Confidence != nil {
		req.Confidence = *body.Confidence
	} else {
		req.Confidence = 1.0
	}

	id, err := s.pipeline.Propose(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"proposal_id": id, "status": string(model.ProposalPending)})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved   bool   `json:"approved"`
		ApprovedBy string `json:"approved_by"`
		Notes      string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ApprovedBy == "" {
		writeError(w, http.StatusBadRequest, "approved_by is required")
		return
	}

	proposal, err := s.pipeline.Decide(r.Context(), chi.URLParam(r, "id"), req.Approved, req.ApprovedBy, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.pipeline.Apply(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// syncRequest is the webhook payload: the revision metadata and the
// full content of each changed governance document.
type syncRequest struct {
	Commit struct {
		SHA       string    `json:"sha"`
		Author    string    `json:"author"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"commit"`
	ChangedFiles []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"changed_files"`
}

func (s *Server) handleSyncWebhook(w http.ResponseWriter, r *http.Request) {
	if s.syncLimiter != nil && !s.syncLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "sync rate limit exceeded")
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Commit.SHA == "" {
		writeError(w, http.StatusBadRequest, "commit.sha is required")
		return
	}
	if req.Commit.Timestamp.IsZero() {
		req.Commit.Timestamp = time.Now().UTC()
	}

	commit := contextsync.CommitMeta{
		SHA:       req.Commit.SHA,
		Author:    req.Commit.Author,
		Timestamp: req.Commit.Timestamp,
	}

	results := map[string]*contextsync.Report{}
	for _, file := range req.ChangedFiles {
		name := strings.ToLower(path.Base(file.Path))
		switch {
		case strings.Contains(name, "polic"), strings.Contains(name, "boundar"):
			entries, err := contextsync.ParsePolicies(file.Content)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			results[file.Path] = s.reconciler.ReconcileBoundaries(r.Context(), entries, commit)
		case strings.Contains(name, "canonical"), strings.Contains(name, "memory"):
			entries, err := contextsync.ParseCanonicalMemory(file.Content)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			results[file.Path] = s.reconciler.ReconcileFacts(r.Context(), entries, commit)
		default:
			// Not a governance document; report it as untouched.
			results[file.Path] = &contextsync.Report{}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"commit": commit.SHA, "files": results})
}
