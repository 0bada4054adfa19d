// Package server exposes the governance engine over HTTP: the
// enforcement middleware, the evolution review API, and the external
// sync webhook.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/cogos-system/athena/internal/boundary"
	"github.com/cogos-system/athena/internal/classifier"
	"github.com/cogos-system/athena/internal/contextsync"
	"github.com/cogos-system/athena/internal/evolution"
	"github.com/cogos-system/athena/internal/store"
)

// Server wires the governance components behind a chi router.
type Server struct {
	store      store.Store
	engine     *boundary.Engine
	classifier *classifier.Classifier
	pipeline   *evolution.Pipeline
	reconciler *contextsync.Reconciler

	excludedPaths []string
	syncLimiter   *rate.Limiter
}

// Options configures a Server.
type Options struct {
	// ExcludedPaths are prefixes the enforcement middleware never touches.
	ExcludedPaths []string
	// SyncRatePerMin caps inbound sync webhook calls. Zero disables the
	// limiter.
	SyncRatePerMin int
}

// New creates a Server over the given components.
func New(st store.Store, engine *boundary.Engine, cls *classifier.Classifier, pipeline *evolution.Pipeline, reconciler *contextsync.Reconciler, opts Options) *Server {
	s := &Server{
		store:         st,
		engine:        engine,
		classifier:    cls,
		pipeline:      pipeline,
		reconciler:    reconciler,
		excludedPaths: opts.ExcludedPaths,
	}
	if opts.SyncRatePerMin > 0 {
		s.syncLimiter = rate.NewLimiter(rate.Limit(float64(opts.SyncRatePerMin)/60), opts.SyncRatePerMin)
	}
	return s
}

// Router builds the HTTP handler. Enforcement wraps the whole tree;
// per-route exclusions keep the governance API itself reachable.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.Enforce)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/boundaries", s.handleListBoundaries)

		api.Route("/evolution", func(ev chi.Router) {
			ev.Get("/proposals", s.handleListProposals)
			ev.Get("/proposals/pending", s.handleListPending)
			ev.Post("/proposals", s.handlePropose)
			ev.Get("/proposals/{id}", s.handleGetProposal)
			ev.Post("/proposals/{id}/review", s.handleReview)
			ev.Post("/proposals/{id}/apply", s.handleApply)
			ev.Get("/stats", s.handleStats)
		})

		api.Post("/sync/github", s.handleSyncWebhook)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps pipeline and store errors onto status codes.
// Store failures on the governance API are 503: unlike enforcement,
// review and sync fail closed.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case eris.Is(err, evolution.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case eris.Is(err, evolution.ErrInvalidState):
		writeError(w, http.StatusBadRequest, err.Error())
	case eris.Is(err, evolution.ErrKeyCollision):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}
