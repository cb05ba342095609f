package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/keepsake/keepsake/internal/llm"
	"github.com/keepsake/keepsake/internal/store"
)

func seedFactAt(t *testing.T, e *Engine, entityID, predicate, object string, confidence float64, daysAgo int) *store.Fact {
	t.Helper()
	f, err := e.DB.CreateFact(store.CreateFactParams{
		EntityID:   entityID,
		Predicate:  predicate,
		Object:     object,
		Confidence: confidence,
		ValidFrom:  time.Now().AddDate(0, 0, -daysAgo).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("seed fact %s=%s: %v", predicate, object, err)
	}
	return f
}

func TestDetectContradictions(t *testing.T) {
	e := testEngine(t, &llm.MockClient{})

	jordan := &store.Entity{Name: "Jordan", Type: "person", Importance: 0.5}
	if err := e.DB.CreateEntity(jordan); err != nil {
		t.Fatal(err)
	}

	// Conflicting high-confidence claims, weeks apart: reported.
	seedFactAt(t, e, jordan.ID, "works_at", "Acme", 0.9, 30)
	seedFactAt(t, e, jordan.ID, "works_at", "Globex", 0.9, 2)

	// Low confidence on one side: noise, not contradiction.
	seedFactAt(t, e, jordan.ID, "drives", "an old Volvo", 0.5, 30)
	seedFactAt(t, e, jordan.ID, "drives", "a rental", 0.5, 2)

	// Rapid correction inside the grace window: not a contradiction.
	seedFactAt(t, e, jordan.ID, "lives_in", "Boston", 0.9, 3)
	seedFactAt(t, e, jordan.ID, "lives_in", "Cambridge", 0.9, 2)

	report, err := e.DetectContradictions(90)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(report.Contradictions) != 1 {
		t.Fatalf("contradictions = %+v", report.Contradictions)
	}

	c := report.Contradictions[0]
	if c.Predicate != "works_at" || c.Before != "Acme" || c.After != "Globex" {
		t.Errorf("contradiction = %+v", c)
	}
	if c.EntityName != "Jordan" {
		t.Errorf("entity name = %q", c.EntityName)
	}
	if c.GapDays < 27 || c.GapDays > 28 {
		t.Errorf("gap days = %d", c.GapDays)
	}
	if !strings.Contains(c.Summary, "Acme") || !strings.Contains(c.Summary, "Globex") {
		t.Errorf("summary = %q", c.Summary)
	}
}

func TestDetectContradictionsIgnoresOutsideWindow(t *testing.T) {
	e := testEngine(t, &llm.MockClient{})

	jordan := &store.Entity{Name: "Jordan", Type: "person", Importance: 0.5}
	if err := e.DB.CreateEntity(jordan); err != nil {
		t.Fatal(err)
	}
	// One side of the conflict predates the window entirely.
	seedFactAt(t, e, jordan.ID, "works_at", "Acme", 0.9, 200)
	seedFactAt(t, e, jordan.ID, "works_at", "Globex", 0.9, 2)

	report, err := e.DetectContradictions(30)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Contradictions) != 0 {
		t.Errorf("contradictions = %+v", report.Contradictions)
	}
}

func TestDetectSentimentShift(t *testing.T) {
	e := testEngine(t, &llm.MockClient{})

	early := &store.Operation{
		Operation: "add",
		Candidate: `{"entity_name":"Rival","sentiment":0.6}`,
	}
	if err := e.DB.AppendOperation(early); err != nil {
		t.Fatal(err)
	}
	past := time.Now().AddDate(0, 0, -60).UnixMilli()
	if _, err := e.DB.Exec(`UPDATE memory_operations SET created_at = ? WHERE id = ?`, past, early.ID); err != nil {
		t.Fatal(err)
	}

	if err := e.DB.AppendOperation(&store.Operation{
		Operation: "add",
		Candidate: `{"entity_name":"Rival","sentiment":-0.4}`,
	}); err != nil {
		t.Fatal(err)
	}

	report, err := e.DetectContradictions(90)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.SentimentShifts) != 1 {
		t.Fatalf("shifts = %+v", report.SentimentShifts)
	}
	s := report.SentimentShifts[0]
	if s.Delta > -0.9 {
		t.Errorf("delta = %f", s.Delta)
	}
	if !strings.Contains(s.Summary, "cooled toward Rival") {
		t.Errorf("summary = %q", s.Summary)
	}
}

func TestDetectSentimentShiftByCategory(t *testing.T) {
	e := testEngine(t, &llm.MockClient{})

	// Different entities, same entry category. Neither entity appears in both
	// halves, so only the category aggregate can see the move.
	early := &store.Operation{
		Operation: "add",
		Candidate: `{"entity_name":"Acme","sentiment":0.5,"category":"work"}`,
	}
	if err := e.DB.AppendOperation(early); err != nil {
		t.Fatal(err)
	}
	past := time.Now().AddDate(0, 0, -60).UnixMilli()
	if _, err := e.DB.Exec(`UPDATE memory_operations SET created_at = ? WHERE id = ?`, past, early.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.DB.AppendOperation(&store.Operation{
		Operation: "add",
		Candidate: `{"entity_name":"Globex","sentiment":-0.5,"category":"work"}`,
	}); err != nil {
		t.Fatal(err)
	}

	report, err := e.DetectContradictions(90)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.SentimentShifts) != 1 {
		t.Fatalf("shifts = %+v", report.SentimentShifts)
	}
	s := report.SentimentShifts[0]
	if s.Category != "work" || s.EntityName != "" {
		t.Errorf("shift = %+v", s)
	}
	if s.Delta > -0.9 {
		t.Errorf("delta = %f", s.Delta)
	}
	if !strings.Contains(s.Summary, "work entries") {
		t.Errorf("summary = %q", s.Summary)
	}
}
