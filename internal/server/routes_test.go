package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/keepsake/keepsake/internal/config"
	"github.com/keepsake/keepsake/internal/engine"
	"github.com/keepsake/keepsake/internal/llm"
	"github.com/keepsake/keepsake/internal/store"
)

func testServer(t *testing.T) (*Server, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eng := engine.New(db, &llm.MockClient{})
	s := New(db, eng, config.Default(), "test")
	t.Cleanup(s.Close)
	return s, db
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: bad JSON body %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t)

	w, body := doJSON(t, s, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["status"] != "ok" || body["db"] != true {
		t.Errorf("body = %v", body)
	}
	if body["version"] != "test" {
		t.Errorf("version = %v", body["version"])
	}
}

func TestAddEntry(t *testing.T) {
	s, db := testServer(t)

	w, body := doJSON(t, s, "POST", "/api/entries",
		`{"id": "journal/today.md", "content": "Met Jordan for coffee.", "category": "journal"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if body["status"] != "queued" || body["entry_id"] != "journal/today.md" {
		t.Errorf("body = %v", body)
	}

	// The job row is durable before the response goes out.
	job, err := db.GetJob(body["job_id"].(string))
	if err != nil || job == nil {
		t.Fatalf("job not found: %v", err)
	}
	if job.Type != "extract" || job.Status != store.JobPending {
		t.Errorf("job = %+v", job)
	}
	if job.MaxAttempts != config.Default().Worker.MaxAttempts {
		t.Errorf("max_attempts = %d, want configured %d", job.MaxAttempts, config.Default().Worker.MaxAttempts)
	}
	if !strings.Contains(job.Payload, "journal/today.md") {
		t.Errorf("payload = %q", job.Payload)
	}
}

func TestAddEntryValidation(t *testing.T) {
	s, _ := testServer(t)

	if w, _ := doJSON(t, s, "POST", "/api/entries", `{"category": "journal"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing content: status = %d", w.Code)
	}
	if w, _ := doJSON(t, s, "POST", "/api/entries", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d", w.Code)
	}
}

func TestListEntities(t *testing.T) {
	s, db := testServer(t)
	ent := &store.Entity{Name: "Jordan", Type: "person", Importance: 0.5}
	if err := db.CreateEntity(ent); err != nil {
		t.Fatal(err)
	}

	w, body := doJSON(t, s, "GET", "/api/entities", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v", body["count"])
	}
}

func TestEntityFactsAsOf(t *testing.T) {
	s, db := testServer(t)
	ent := &store.Entity{Name: "Jordan", Type: "person", Importance: 0.5}
	if err := db.CreateEntity(ent); err != nil {
		t.Fatal(err)
	}

	tenDaysAgo := time.Now().AddDate(0, 0, -10).UnixMilli()
	old, err := db.CreateFact(store.CreateFactParams{
		EntityID: ent.ID, Predicate: "works_at", Object: "Acme", Confidence: 0.9, ValidFrom: tenDaysAgo,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ReplaceFact(old.ID, store.CreateFactParams{
		Object: "Globex", Confidence: 0.9,
	}, "superseded"); err != nil {
		t.Fatal(err)
	}

	// Current view: Globex.
	_, body := doJSON(t, s, "GET", "/api/entities/"+ent.ID+"/facts", "")
	facts := body["facts"].([]any)
	if len(facts) != 1 || facts[0].(map[string]any)["object"] != "Globex" {
		t.Fatalf("current facts = %v", facts)
	}

	// Five days ago the answer was Acme, and stays Acme no matter how often
	// it is asked.
	asOf := strconv.FormatInt(time.Now().AddDate(0, 0, -5).UnixMilli(), 10)
	for i := 0; i < 2; i++ {
		_, body = doJSON(t, s, "GET", "/api/entities/"+ent.ID+"/facts?as_of="+asOf, "")
		facts = body["facts"].([]any)
		if len(facts) != 1 || facts[0].(map[string]any)["object"] != "Acme" {
			t.Fatalf("as_of facts = %v", facts)
		}
	}
}

func TestEntityFactsNotFound(t *testing.T) {
	s, _ := testServer(t)
	if w, _ := doJSON(t, s, "GET", "/api/entities/nope/facts", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestChangesWindowValidation(t *testing.T) {
	s, _ := testServer(t)
	if w, _ := doJSON(t, s, "GET", "/api/changes?window=fortnight", ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
	if w, _ := doJSON(t, s, "GET", "/api/changes?window=week", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestRetryJob(t *testing.T) {
	s, db := testServer(t)

	if w, _ := doJSON(t, s, "POST", "/api/jobs/nope/retry", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing job: status = %d", w.Code)
	}

	job, err := db.Enqueue("extract", `{}`, store.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimJob(job.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.FailJob(job.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	w, _ := doJSON(t, s, "POST", "/api/jobs/"+job.ID+"/retry", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	got, _ := db.GetJob(job.ID)
	if got.Status != store.JobPending || got.Attempts != 0 {
		t.Errorf("job after retry = %+v", got)
	}
}

func TestContextCaching(t *testing.T) {
	s, db := testServer(t)
	if err := db.CreateEntity(&store.Entity{Name: "Jordan", Type: "person", Importance: 0.5}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/api/context", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Cache"); got != "miss" {
		t.Errorf("first X-Cache = %q", got)
	}

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/api/context", nil))
	if got := w.Header().Get("X-Cache"); got != "hit" {
		t.Errorf("second X-Cache = %q", got)
	}

	// A different budget is a different document, not a cache hit.
	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/api/context?budget=100", nil))
	if got := w.Header().Get("X-Cache"); got != "miss" {
		t.Errorf("budget variant X-Cache = %q", got)
	}
}

func TestTraverseByName(t *testing.T) {
	s, db := testServer(t)
	a := &store.Entity{Name: "Jordan", Type: "person", Importance: 0.5}
	b := &store.Entity{Name: "Acme", Type: "organization", Importance: 0.5}
	for _, e := range []*store.Entity{a, b} {
		if err := db.CreateEntity(e); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.UpsertRelationship(a.ID, b.ID, "co_occurrence", 0.6); err != nil {
		t.Fatal(err)
	}

	w, body := doJSON(t, s, "GET", "/api/graph/traverse?from=Jordan", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	results := body["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v", results)
	}
	if results[0].(map[string]any)["entity_name"] != "Acme" {
		t.Errorf("results = %v", results)
	}

	if w, _ := doJSON(t, s, "GET", "/api/graph/traverse?from=Nobody", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown entity: status = %d", w.Code)
	}
}

func TestPatternConfirmReject(t *testing.T) {
	s, db := testServer(t)
	p := &store.Pattern{PatternType: "routine", Description: "journals on Sundays", Confidence: 0.5}
	if err := db.CreatePattern(p); err != nil {
		t.Fatal(err)
	}

	if w, _ := doJSON(t, s, "POST", "/api/patterns/"+p.ID+"/confirm", ""); w.Code != http.StatusOK {
		t.Fatalf("confirm status = %d", w.Code)
	}
	got, _ := db.GetPattern(p.ID)
	if got.Status != "active" || got.Confidence < 0.69 {
		t.Errorf("after confirm: %+v", got)
	}

	if w, _ := doJSON(t, s, "POST", "/api/patterns/"+p.ID+"/reject", ""); w.Code != http.StatusOK {
		t.Fatalf("reject status = %d", w.Code)
	}
	if w, _ := doJSON(t, s, "POST", "/api/patterns/nope/confirm", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing pattern: status = %d", w.Code)
	}
}
