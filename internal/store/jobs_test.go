package store

import (
	"testing"
	"time"
)

func TestEnqueueAndClaim(t *testing.T) {
	db := testDB(t)

	job, err := db.Enqueue("decay", "", EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != JobPending || job.MaxAttempts != 3 || job.Priority != 5 {
		t.Errorf("defaults = %+v", job)
	}

	claimed, err := db.ClaimJob(job.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatal("first claim refused")
	}

	// Second claim must lose: the conditional update is the mutual exclusion.
	again, err := db.ClaimJob(job.ID)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if again {
		t.Error("job claimed twice")
	}

	got, _ := db.GetJob(job.ID)
	if got.Status != JobProcessing || got.Attempts != 1 {
		t.Errorf("after claim: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestEligibleJobsOrdering(t *testing.T) {
	db := testDB(t)

	low, err := db.Enqueue("cleanup", "", EnqueueOptions{Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	high, err := db.Enqueue("update", "{}", EnqueueOptions{Priority: 9})
	if err != nil {
		t.Fatal(err)
	}
	mid1, err := db.Enqueue("decay", "", EnqueueOptions{Priority: 5})
	if err != nil {
		t.Fatal(err)
	}
	// Force distinct created_at ordering for the tie-break.
	if _, err := db.Exec(`UPDATE memory_jobs SET created_at = created_at + 10 WHERE id = ?`, mid1.ID); err != nil {
		t.Fatal(err)
	}
	mid2, err := db.Enqueue("summary", `{"category":"person"}`, EnqueueOptions{Priority: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE memory_jobs SET created_at = created_at + 20 WHERE id = ?`, mid2.ID); err != nil {
		t.Fatal(err)
	}

	jobs, err := db.EligibleJobs(time.Now().UnixMilli(), 10)
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	want := []string{high.ID, mid1.ID, mid2.ID, low.ID}
	if len(jobs) != len(want) {
		t.Fatalf("eligible = %d jobs, want %d", len(jobs), len(want))
	}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, jobs[i].ID, id)
		}
	}
}

func TestScheduledForGating(t *testing.T) {
	db := testDB(t)

	future := time.Now().Add(time.Hour).UnixMilli()
	if _, err := db.Enqueue("decay", "", EnqueueOptions{ScheduledFor: future}); err != nil {
		t.Fatal(err)
	}

	jobs, err := db.EligibleJobs(time.Now().UnixMilli(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("future job eligible now")
	}

	jobs, err = db.EligibleJobs(future+1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Errorf("future job not eligible after its time")
	}
}

func TestDependsOnGating(t *testing.T) {
	db := testDB(t)

	parent, err := db.Enqueue("extract", `{"content":"x"}`, EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	child, err := db.Enqueue("consolidate", "", EnqueueOptions{DependsOn: parent.ID})
	if err != nil {
		t.Fatal(err)
	}

	jobs, _ := db.EligibleJobs(time.Now().UnixMilli(), 10)
	for _, j := range jobs {
		if j.ID == child.ID {
			t.Fatal("dependent job eligible before parent completed")
		}
	}

	if ok, _ := db.ClaimJob(parent.ID); !ok {
		t.Fatal("claim parent")
	}
	if err := db.CompleteJob(parent.ID, "done"); err != nil {
		t.Fatal(err)
	}

	jobs, _ = db.EligibleJobs(time.Now().UnixMilli(), 10)
	found := false
	for _, j := range jobs {
		if j.ID == child.ID {
			found = true
		}
	}
	if !found {
		t.Error("dependent job not eligible after parent completed")
	}
}

func TestRescheduleFailRetry(t *testing.T) {
	db := testDB(t)

	job, err := db.Enqueue("update", "{}", EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.ClaimJob(job.ID); !ok {
		t.Fatal("claim")
	}

	next := time.Now().Add(2 * time.Second).UnixMilli()
	if err := db.RescheduleJob(job.ID, "llm timeout", next); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	got, _ := db.GetJob(job.ID)
	if got.Status != JobPending || got.LastError != "llm timeout" || got.ScheduledFor != next {
		t.Errorf("after reschedule: %+v", got)
	}

	if ok, _ := db.ClaimJob(job.ID); !ok {
		t.Fatal("second claim")
	}
	if err := db.FailJob(job.ID, "llm timeout again"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ = db.GetJob(job.ID)
	if got.Status != JobFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	// Terminal failure blocks nothing else and is operator-recoverable.
	if err := db.RetryJob(job.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ = db.GetJob(job.ID)
	if got.Status != JobPending || got.Attempts != 0 || got.LastError != "" {
		t.Errorf("after retry: %+v", got)
	}
}

func TestPruneJobs(t *testing.T) {
	db := testDB(t)

	job, err := db.Enqueue("cleanup", "", EnqueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.ClaimJob(job.ID); !ok {
		t.Fatal("claim")
	}
	if err := db.CompleteJob(job.ID, "ok"); err != nil {
		t.Fatal(err)
	}

	// Not old enough yet.
	n, err := db.PruneJobs(time.Now().UnixMilli() - 1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pruned %d, want 0", n)
	}

	n, err = db.PruneJobs(time.Now().UnixMilli() + 1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}
