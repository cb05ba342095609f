package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/keepsake/keepsake/internal/llm"
	"github.com/keepsake/keepsake/internal/store"
)

func testEngine(t *testing.T, mock *llm.MockClient) *Engine {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, mock)
}

func candidate(name, predicate, object string) llm.Candidate {
	return llm.Candidate{
		EntityName: name,
		EntityType: "person",
		Predicate:  predicate,
		Object:     object,
		Content:    name + " " + predicate + " " + object,
		Confidence: 0.9,
	}
}

func TestProcessCandidateAdd(t *testing.T) {
	mock := &llm.MockClient{Decision: &llm.Decision{Action: llm.ActionAdd, Reasoning: "new knowledge"}}
	e := testEngine(t, mock)

	d, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "works_at", "Acme"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if d.Action != llm.ActionAdd {
		t.Errorf("action = %s", d.Action)
	}

	ent, err := e.DB.GetActiveEntityByName("Jordan")
	if err != nil || ent == nil {
		t.Fatalf("entity not created: %v", err)
	}
	facts, _ := e.DB.CurrentFacts(ent.ID)
	if len(facts) != 1 || facts[0].Object != "Acme" {
		t.Fatalf("facts = %+v", facts)
	}

	// The audit record landed before ProcessCandidate returned.
	ops, _ := e.DB.RecentOperations(5)
	if len(ops) != 1 || ops[0].Operation != "add" {
		t.Fatalf("ops = %+v", ops)
	}
	if ops[0].AfterVersion != 1 {
		t.Errorf("after_version = %d, want 1", ops[0].AfterVersion)
	}
}

func TestProcessCandidateDuplicateAddReinforces(t *testing.T) {
	mock := &llm.MockClient{Decision: &llm.Decision{Action: llm.ActionAdd, Reasoning: "add"}}
	e := testEngine(t, mock)

	c := candidate("Jordan", "works_at", "Acme")
	if _, err := e.ProcessCandidate(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	// Same candidate again seconds later: no second entity, no second fact.
	if _, err := e.ProcessCandidate(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	entities, _ := e.DB.ListEntities("active")
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(entities))
	}
	facts, _ := e.DB.CurrentFacts(entities[0].ID)
	if len(facts) != 1 {
		t.Fatalf("facts = %d, want 1", len(facts))
	}
	if facts[0].MentionCount != 2 {
		t.Errorf("mention_count = %d, want 2", facts[0].MentionCount)
	}

	// The second call saw the first write as an existing memory.
	if len(mock.DecideCalls) != 2 {
		t.Fatalf("decide calls = %d", len(mock.DecideCalls))
	}
}

func TestProcessCandidateSupersede(t *testing.T) {
	e := testEngine(t, &llm.MockClient{Decision: &llm.Decision{Action: llm.ActionAdd}})

	// Seed: Jordan works at Acme.
	if _, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "works_at", "Acme")); err != nil {
		t.Fatal(err)
	}
	ent, _ := e.DB.GetActiveEntityByName("Jordan")
	seeded, _ := e.DB.CurrentFacts(ent.ID)

	// New entry: Jordan moved to Globex. The service picks update/supersede
	// against the existing fact.
	mock := e.LLM.(*llm.MockClient)
	mock.Decision = &llm.Decision{
		Action:    llm.ActionUpdate,
		Strategy:  llm.UpdateSupersede,
		TargetID:  seeded[0].ID,
		Content:   "Globex",
		Reasoning: "job change",
	}
	d, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "works_at", "Globex"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if d.Action != llm.ActionUpdate {
		t.Fatalf("action = %s", d.Action)
	}

	current, _ := e.DB.CurrentFacts(ent.ID)
	if len(current) != 1 || current[0].Object != "Globex" || current[0].Version != 2 {
		t.Fatalf("current = %+v", current)
	}

	old, _ := e.DB.GetFact(seeded[0].ID)
	if old == nil || old.IsCurrent || old.InvalidationReason != "superseded" {
		t.Fatalf("old fact = %+v", old)
	}

	// "Where did Jordan work before?" stays answerable.
	history, _ := e.DB.FactHistory(ent.ID, "works_at")
	if len(history) != 2 {
		t.Fatalf("history = %d rows, want 2", len(history))
	}

	ops, _ := e.DB.RecentOperations(5)
	if ops[0].BeforeContent == "" || ops[0].AfterContent == "" {
		t.Error("update audit record missing before/after")
	}
}

func TestProcessCandidateUpdateTargetMissing(t *testing.T) {
	mock := &llm.MockClient{Decision: &llm.Decision{
		Action:   llm.ActionUpdate,
		Strategy: llm.UpdateReplace,
		TargetID: "no-such-fact",
	}}
	e := testEngine(t, mock)

	d, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "works_at", "Acme"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// Never guess at a missing target: degrade to a recorded no-op.
	if d.Action != llm.ActionNoOp {
		t.Errorf("action = %s, want noop", d.Action)
	}
	if !strings.Contains(d.Reasoning, "no-such-fact") {
		t.Errorf("reasoning = %q", d.Reasoning)
	}
}

func TestProcessCandidateUpdateStaleTarget(t *testing.T) {
	e := testEngine(t, &llm.MockClient{Decision: &llm.Decision{Action: llm.ActionAdd}})

	if _, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "works_at", "Acme")); err != nil {
		t.Fatal(err)
	}
	ent, _ := e.DB.GetActiveEntityByName("Jordan")
	v1, _ := e.DB.CurrentFacts(ent.ID)
	if _, err := e.DB.ReplaceFact(v1[0].ID, store.CreateFactParams{Object: "Globex", Confidence: 0.9}, "superseded"); err != nil {
		t.Fatal(err)
	}

	// The service hands back the historical fact's id. Executing it would
	// leave two current values for the predicate; degrade to a recorded no-op.
	mock := e.LLM.(*llm.MockClient)
	mock.Decision = &llm.Decision{
		Action:   llm.ActionUpdate,
		Strategy: llm.UpdateReplace,
		TargetID: v1[0].ID,
		Content:  "Initech",
	}
	d, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "works_at", "Initech"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if d.Action != llm.ActionNoOp {
		t.Errorf("action = %s, want noop", d.Action)
	}
	if !strings.Contains(d.Reasoning, "no longer current") {
		t.Errorf("reasoning = %q", d.Reasoning)
	}

	current, _ := e.DB.CurrentFacts(ent.ID)
	if len(current) != 1 || current[0].Object != "Globex" {
		t.Fatalf("current = %+v", current)
	}
}

func TestProcessCandidateSoftDelete(t *testing.T) {
	e := testEngine(t, &llm.MockClient{Decision: &llm.Decision{Action: llm.ActionAdd}})

	if _, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "likes", "skiing")); err != nil {
		t.Fatal(err)
	}
	ent, _ := e.DB.GetActiveEntityByName("Jordan")
	facts, _ := e.DB.CurrentFacts(ent.ID)

	mock := e.LLM.(*llm.MockClient)
	mock.Decision = &llm.Decision{
		Action:    llm.ActionDelete,
		TargetID:  facts[0].ID,
		Reasoning: "user asked to forget",
	}
	if _, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "likes", "skiing")); err != nil {
		t.Fatal(err)
	}

	// Soft delete: the row survives with a closed interval.
	got, _ := e.DB.GetFact(facts[0].ID)
	if got == nil {
		t.Fatal("soft delete removed the row")
	}
	if got.IsCurrent || got.InvalidationReason != "soft_deleted" {
		t.Errorf("fact = %+v", got)
	}
}

func TestProcessCandidateHardDelete(t *testing.T) {
	e := testEngine(t, &llm.MockClient{Decision: &llm.Decision{Action: llm.ActionAdd}})

	if _, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "likes", "skiing")); err != nil {
		t.Fatal(err)
	}
	ent, _ := e.DB.GetActiveEntityByName("Jordan")
	facts, _ := e.DB.CurrentFacts(ent.ID)

	mock := e.LLM.(*llm.MockClient)
	mock.Decision = &llm.Decision{
		Action:   llm.ActionDelete,
		TargetID: facts[0].ID,
		Hard:     true,
	}
	if _, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "likes", "skiing")); err != nil {
		t.Fatal(err)
	}

	if got, _ := e.DB.GetFact(facts[0].ID); got != nil {
		t.Error("hard delete left the row")
	}
}

func TestProcessCandidateSensitiveRejected(t *testing.T) {
	mock := &llm.MockClient{Decision: &llm.Decision{Action: llm.ActionAdd}}
	e := testEngine(t, mock)

	c := candidate("Jordan", "has_ssn", "123-45-6789")
	d, err := e.ProcessCandidate(context.Background(), c)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if d.Action != llm.ActionNoOp {
		t.Errorf("action = %s, want noop", d.Action)
	}

	// The reasoning service was never consulted and nothing was stored.
	if len(mock.DecideCalls) != 0 {
		t.Error("sensitive candidate reached the reasoning service")
	}
	if ent, _ := e.DB.GetActiveEntityByName("Jordan"); ent != nil {
		t.Error("sensitive candidate created an entity")
	}

	// The rejection is on the audit trail, payload withheld.
	ops, _ := e.DB.RecentOperations(5)
	if len(ops) != 1 {
		t.Fatalf("ops = %d, want 1", len(ops))
	}
	if strings.Contains(ops[0].Candidate, "123-45-6789") {
		t.Error("audit record leaked the sensitive payload")
	}
}

func TestProcessCandidateNoOpStillAudited(t *testing.T) {
	mock := &llm.MockClient{Decision: &llm.Decision{Action: llm.ActionNoOp, Reasoning: "trivial"}}
	e := testEngine(t, mock)

	if _, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "likes", "toast")); err != nil {
		t.Fatal(err)
	}

	ops, _ := e.DB.RecentOperations(5)
	if len(ops) != 1 || ops[0].Operation != "noop" {
		t.Fatalf("ops = %+v", ops)
	}
	if ops[0].Reasoning != "trivial" {
		t.Errorf("reasoning = %q", ops[0].Reasoning)
	}
}
