package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keepsake/keepsake/internal/graph"
	"github.com/keepsake/keepsake/internal/store"
)

// handleAddEntry accepts one journal entry and enqueues its extraction. The
// request returns 202 as soon as the job row commits; the worker does the
// rest. A worker crash after this point loses nothing — the job is durable.
func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string `json:"id"`
		Content   string `json:"content"`
		Category  string `json:"category"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, `{"error":"content required"}`, http.StatusBadRequest)
		return
	}
	if req.Category == "" {
		req.Category = "journal"
	}
	if req.ID == "" {
		req.ID = fmt.Sprintf("entry-%d", time.Now().UnixMilli())
	}

	payload, err := json.Marshal(map[string]string{
		"entry_id": req.ID,
		"content":  req.Content,
		"category": req.Category,
	})
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	job, err := s.db.Enqueue("extract", string(payload), store.EnqueueOptions{
		MaxAttempts: s.cfg.Worker.MaxAttempts,
	})
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":   "queued",
		"entry_id": req.ID,
		"job_id":   job.ID,
	})
}

// handleContext assembles (or serves from cache) the bounded context document.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	focus := r.URL.Query().Get("focus")
	budget := s.cfg.Context.TokenBudget
	if v := r.URL.Query().Get("budget"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"budget must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		budget = n
	}

	key := fmt.Sprintf("context:%s:%d", focus, budget)
	if cached, ok := s.cache.Get(key); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "hit")
		json.NewEncoder(w).Encode(cached)
		return
	}

	g, err := graph.Load(s.db)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}
	doc, err := graph.BuildDocument(g, graph.DocumentOptions{
		Focus:       focus,
		MaxEntities: s.cfg.Context.MaxEntities,
		TokenBudget: budget,
	})
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	s.cache.Set(key, doc)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "miss")
	json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "active"
	}
	entities, err := s.db.ListEntities(status)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	views := make([]map[string]any, 0, len(entities))
	for i := range entities {
		views = append(views, entityView(&entities[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"entities": views, "count": len(views)})
}

// handleEntityFacts returns current facts, or the point-in-time view when
// as_of is given. The same as_of always produces the same answer.
func (s *Server) handleEntityFacts(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	ent, err := s.db.GetEntity(entityID)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}
	if ent == nil {
		http.Error(w, `{"error":"entity not found"}`, http.StatusNotFound)
		return
	}

	var facts []store.Fact
	if v := r.URL.Query().Get("as_of"); v != "" {
		asOf, err := parseTimestamp(v)
		if err != nil {
			http.Error(w, `{"error":"as_of must be unix millis or RFC3339"}`, http.StatusBadRequest)
			return
		}
		facts, err = s.db.FactsAtTime(entityID, asOf)
		if err != nil {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
			return
		}
	} else {
		facts, err = s.db.CurrentFacts(entityID)
		if err != nil {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entity": entityView(ent),
		"facts":  factViews(facts),
	})
}

func (s *Server) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	predicate := r.URL.Query().Get("predicate")

	facts, err := s.db.FactHistory(entityID, predicate)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entity_id": entityID,
		"predicate": predicate,
		"history":   factViews(facts),
	})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	t1, err1 := parseTimestamp(r.URL.Query().Get("t1"))
	t2, err2 := parseTimestamp(r.URL.Query().Get("t2"))
	if err1 != nil || err2 != nil {
		http.Error(w, `{"error":"t1 and t2 must be unix millis or RFC3339"}`, http.StatusBadRequest)
		return
	}

	changes, err := s.db.CompareKnowledge(entityID, t1, t2)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	views := make([]map[string]any, 0, len(changes))
	for _, c := range changes {
		views = append(views, map[string]any{
			"kind":      c.Kind,
			"predicate": c.Predicate,
			"before":    c.Before,
			"after":     c.After,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entity_id": entityID,
		"t1":        t1,
		"t2":        t2,
		"changes":   views,
	})
}

// handleChanges runs the contradiction/evolution detector over a named window.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	days := 90
	switch r.URL.Query().Get("window") {
	case "", "quarter":
	case "week":
		days = 7
	case "month":
		days = 30
	default:
		http.Error(w, `{"error":"window must be week, month, or quarter"}`, http.StatusBadRequest)
		return
	}

	report, err := s.engine.DetectContradictions(days)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.db.ListJobs(status, limit)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	views := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, map[string]any{
			"id":            j.ID,
			"type":          j.Type,
			"priority":      j.Priority,
			"status":        j.Status,
			"attempts":      j.Attempts,
			"max_attempts":  j.MaxAttempts,
			"scheduled_for": j.ScheduledFor,
			"last_error":    j.LastError,
			"created_at":    j.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jobs": views, "count": len(views)})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.db.RetryJob(jobID); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "pending", "job_id": jobID})
}

func (s *Server) handleTraverse(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	if from == "" {
		http.Error(w, `{"error":"from required"}`, http.StatusBadRequest)
		return
	}
	depth := 2
	if v := r.URL.Query().Get("depth"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			depth = n
		}
	}
	minStrength := 0.0
	if v := r.URL.Query().Get("min_strength"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			minStrength = f
		}
	}

	g, err := graph.Load(s.db)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	// "from" may be an entity id or a name.
	startID := from
	if g.Entity(startID) == nil {
		ent, err := s.db.GetActiveEntityByName(from)
		if err != nil || ent == nil {
			http.Error(w, `{"error":"entity not found"}`, http.StatusNotFound)
			return
		}
		startID = ent.ID
	}

	results, err := g.Traverse(startID, depth, minStrength)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"from":    startID,
		"depth":   depth,
		"results": results,
	})
}

func (s *Server) handleConfirmPattern(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternID")
	if err := s.db.ConfirmPattern(patternID); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "confirmed", "pattern_id": patternID})
}

func (s *Server) handleRejectPattern(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternID")
	if err := s.db.RejectPattern(patternID); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "rejected", "pattern_id": patternID})
}

// parseTimestamp accepts unix milliseconds or RFC3339.
func parseTimestamp(v string) (int64, error) {
	if v == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func entityView(e *store.Entity) map[string]any {
	return map[string]any{
		"id":             e.ID,
		"name":           e.Name,
		"type":           e.Type,
		"relationship":   e.Relationship,
		"importance":     e.Importance,
		"sentiment":      e.Sentiment,
		"mention_count":  e.MentionCount,
		"last_mentioned": e.LastMentioned,
		"status":         e.Status,
		"version":        e.Version,
	}
}

func factViews(facts []store.Fact) []map[string]any {
	views := make([]map[string]any, 0, len(facts))
	for _, f := range facts {
		v := map[string]any{
			"id":         f.ID,
			"entity_id":  f.EntityID,
			"predicate":  f.Predicate,
			"object":     f.Object,
			"confidence": f.Confidence,
			"valid_from": f.ValidFrom,
			"is_current": f.IsCurrent,
			"version":    f.Version,
		}
		if f.ValidTo != nil {
			v["valid_to"] = *f.ValidTo
		}
		if f.InvalidationReason != "" {
			v["invalidation_reason"] = f.InvalidationReason
		}
		if f.Supersedes != "" {
			v["supersedes"] = f.Supersedes
		}
		if f.SupersededBy != "" {
			v["superseded_by"] = f.SupersededBy
		}
		views = append(views, v)
	}
	return views
}
