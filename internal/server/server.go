package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keepsake/keepsake/internal/cache"
	"github.com/keepsake/keepsake/internal/config"
	"github.com/keepsake/keepsake/internal/engine"
	"github.com/keepsake/keepsake/internal/store"
)

// Server is the keepsake HTTP API server. The request path only reads and
// enqueues; every knowledge mutation goes through the queue and the worker.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	cache   *cache.Cache
	cfg     config.Config
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server.
func New(db *store.DB, eng *engine.Engine, cfg config.Config, version string) *Server {
	ttl := time.Duration(cfg.Context.CacheTTL) * time.Second
	s := &Server{
		db:      db,
		engine:  eng,
		cache:   cache.New(32, ttl),
		cfg:     cfg,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases background resources.
func (s *Server) Close() {
	s.cache.Close()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/entries", s.handleAddEntry)
		r.Get("/context", s.handleContext)

		r.Get("/entities", s.handleListEntities)
		r.Get("/entities/{entityID}/facts", s.handleEntityFacts)
		r.Get("/entities/{entityID}/history", s.handleEntityHistory)
		r.Get("/entities/{entityID}/compare", s.handleCompare)

		r.Get("/changes", s.handleChanges)

		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/{jobID}/retry", s.handleRetryJob)

		r.Get("/graph/traverse", s.handleTraverse)

		r.Post("/patterns/{patternID}/confirm", s.handleConfirmPattern)
		r.Post("/patterns/{patternID}/reject", s.handleRejectPattern)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}
