package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/keepsake/keepsake/internal/llm"
	"github.com/keepsake/keepsake/internal/store"
)

func TestWorkerProcessesUpdateJob(t *testing.T) {
	mock := &llm.MockClient{Decision: &llm.Decision{Action: llm.ActionAdd, Reasoning: "new"}}
	e := testEngine(t, mock)
	w := NewWorker(e, 10, time.Hour)

	payload, _ := json.Marshal(candidate("Jordan", "works_at", "Acme"))
	job, err := e.DB.Enqueue(JobUpdate, string(payload), store.EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	got, _ := e.DB.GetJob(job.ID)
	if got.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Result != "add" {
		t.Errorf("result = %q", got.Result)
	}
	if ent, _ := e.DB.GetActiveEntityByName("Jordan"); ent == nil {
		t.Error("job did not create the entity")
	}
}

func TestWorkerReschedulesWithBackoff(t *testing.T) {
	mock := &llm.MockClient{DecisionErr: context.DeadlineExceeded}
	e := testEngine(t, mock)
	w := NewWorker(e, 10, time.Hour)

	payload, _ := json.Marshal(candidate("Jordan", "works_at", "Acme"))
	job, err := e.DB.Enqueue(JobUpdate, string(payload), store.EnqueueOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	before := time.Now().UnixMilli()
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := e.DB.GetJob(job.ID)
	if got.Status != store.JobPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError == "" {
		t.Error("last_error not recorded")
	}
	// First retry waits ~2s (2^1).
	if got.ScheduledFor < before+1500 {
		t.Errorf("scheduled_for = %d, want >= %d", got.ScheduledFor, before+1500)
	}
}

func TestWorkerFailsTerminally(t *testing.T) {
	mock := &llm.MockClient{DecisionErr: context.DeadlineExceeded}
	e := testEngine(t, mock)
	w := NewWorker(e, 10, time.Hour)

	payload, _ := json.Marshal(candidate("Jordan", "works_at", "Acme"))
	job, err := e.DB.Enqueue(JobUpdate, string(payload), store.EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		// Pull the retry time forward so the next pass sees the job.
		if _, err := e.DB.Exec(`UPDATE memory_jobs SET scheduled_for = ? WHERE id = ?`,
			time.Now().UnixMilli(), job.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := e.DB.GetJob(job.ID)
	if got.Status != store.JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}

	// A terminally failed job never blocks the queue.
	other, _ := e.DB.Enqueue(JobCleanup, "", store.EnqueueOptions{})
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("processed = %d, want 1", n)
	}
	if got, _ := e.DB.GetJob(other.ID); got.Status != store.JobCompleted {
		t.Errorf("cleanup status = %s", got.Status)
	}
}

func TestWorkerMalformedPayload(t *testing.T) {
	e := testEngine(t, &llm.MockClient{})
	w := NewWorker(e, 10, time.Hour)

	// A payload that can never decode burns through its attempt budget.
	job, err := e.DB.Enqueue(JobUpdate, "not json", store.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := e.DB.GetJob(job.ID)
	if got.Status != store.JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	w := NewWorker(nil, 1, 8*time.Second)

	prev := time.Duration(0)
	for attempts := 1; attempts <= 3; attempts++ {
		d := w.backoff(attempts)
		if d <= prev {
			t.Errorf("backoff(%d) = %v, not growing past %v", attempts, d, prev)
		}
		prev = d
	}
	if d := w.backoff(20); d != 8*time.Second {
		t.Errorf("capped backoff = %v, want 8s", d)
	}
}

func TestWorkerSummaryJob(t *testing.T) {
	mock := &llm.MockClient{
		Decision: &llm.Decision{Action: llm.ActionAdd},
		Response: &llm.Response{Content: "The user works closely with Jordan."},
	}
	e := testEngine(t, mock)
	w := NewWorker(e, 10, time.Hour)

	if _, err := e.ProcessCandidate(context.Background(), candidate("Jordan", "works_at", "Acme")); err != nil {
		t.Fatal(err)
	}

	if _, err := e.DB.Enqueue(JobSummary, `{"category":"person"}`, store.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	patterns, _ := e.DB.ActivePatterns()
	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(patterns))
	}
	if patterns[0].PatternType != "summary:person" {
		t.Errorf("pattern type = %q", patterns[0].PatternType)
	}
	if patterns[0].Description != "The user works closely with Jordan." {
		t.Errorf("description = %q", patterns[0].Description)
	}
}
