package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/keepsake/keepsake/internal/llm"
	"github.com/keepsake/keepsake/internal/store"
)

// Job types understood by the worker.
const (
	JobExtract     = "extract"
	JobUpdate      = "update"
	JobConsolidate = "consolidate"
	JobDecay       = "decay"
	JobCleanup     = "cleanup"
	JobGraphUpdate = "graph_update"
	JobSummary     = "summary"
)

// Worker drains the durable job queue. It holds no state of its own — a crash
// mid-job leaves the row in processing and the attempt counter already
// incremented, so the queue's bookkeeping survives the worker.
type Worker struct {
	Engine     *Engine
	BatchSize  int
	BackoffCap time.Duration
}

// NewWorker creates a worker with the given batch size per pass.
func NewWorker(e *Engine, batchSize int, backoffCap time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = 10
	}
	if backoffCap <= 0 {
		backoffCap = time.Hour
	}
	return &Worker{Engine: e, BatchSize: batchSize, BackoffCap: backoffCap}
}

// RunOnce claims and executes one batch of eligible jobs. Returns the number
// of jobs that reached a handler (claimed and executed, whatever the outcome).
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	jobs, err := w.Engine.DB.EligibleJobs(now, w.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("eligible jobs: %w", err)
	}

	processed := 0
	for i := range jobs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		claimed, err := w.Engine.DB.ClaimJob(jobs[i].ID)
		if err != nil {
			log.Printf("worker: claim %s: %v", jobs[i].ID, err)
			continue
		}
		if !claimed {
			// Another worker got there first. Not an error.
			continue
		}
		// Attempts was incremented by the claim; reflect that locally for
		// the retry arithmetic.
		jobs[i].Attempts++
		w.execute(ctx, &jobs[i])
		processed++
	}
	return processed, nil
}

// Run polls the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("worker: pass: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// execute runs one claimed job to a terminal or rescheduled state.
func (w *Worker) execute(ctx context.Context, job *store.Job) {
	result, err := w.dispatch(ctx, job)
	if err == nil {
		if err := w.Engine.DB.CompleteJob(job.ID, result); err != nil {
			log.Printf("worker: complete %s: %v", job.ID, err)
		}
		return
	}

	log.Printf("worker: %s job %s attempt %d/%d: %v", job.Type, job.ID, job.Attempts, job.MaxAttempts, err)

	if job.Attempts >= job.MaxAttempts {
		if ferr := w.Engine.DB.FailJob(job.ID, err.Error()); ferr != nil {
			log.Printf("worker: fail %s: %v", job.ID, ferr)
		}
		return
	}

	delay := w.backoff(job.Attempts)
	next := time.Now().Add(delay).UnixMilli()
	if rerr := w.Engine.DB.RescheduleJob(job.ID, err.Error(), next); rerr != nil {
		log.Printf("worker: reschedule %s: %v", job.ID, rerr)
	}
}

// backoff returns 2^attempts seconds, capped.
func (w *Worker) backoff(attempts int) time.Duration {
	d := time.Second
	for i := 0; i < attempts && d < w.BackoffCap; i++ {
		d *= 2
	}
	if d > w.BackoffCap {
		d = w.BackoffCap
	}
	return d
}

func (w *Worker) dispatch(ctx context.Context, job *store.Job) (string, error) {
	switch job.Type {
	case JobExtract:
		return w.handleExtract(ctx, job)
	case JobUpdate:
		return w.handleUpdate(ctx, job)
	case JobConsolidate:
		return w.handleConsolidate(ctx, job)
	case JobDecay:
		report, err := w.Engine.RunDecayPass()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("decayed=%d archived=%d expired=%d", report.Decayed, report.Archived, report.Expired), nil
	case JobCleanup:
		return w.handleCleanup(job)
	case JobGraphUpdate:
		n, err := w.Engine.EmbedMissing(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("embedded=%d", n), nil
	case JobSummary:
		return w.handleSummary(ctx, job)
	default:
		return "", fmt.Errorf("unknown job type %q", job.Type)
	}
}

type extractPayload struct {
	EntryID  string `json:"entry_id"`
	Content  string `json:"content"`
	Category string `json:"category"`
}

func (w *Worker) handleExtract(ctx context.Context, job *store.Job) (string, error) {
	var p extractPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return "", fmt.Errorf("decode extract payload: %w", err)
	}
	if p.Content == "" {
		return "", fmt.Errorf("extract payload has no content")
	}
	report, err := w.Engine.ExtractFromEntry(ctx, p.EntryID, p.Content, p.Category)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("candidates=%d processed=%d skipped=%d errors=%d",
		report.Candidates, report.Processed, report.Skipped, report.Errors), nil
}

func (w *Worker) handleUpdate(ctx context.Context, job *store.Job) (string, error) {
	var c llm.Candidate
	if err := json.Unmarshal([]byte(job.Payload), &c); err != nil {
		return "", fmt.Errorf("decode candidate payload: %w", err)
	}
	d, err := w.Engine.ProcessCandidate(ctx, c)
	if err != nil {
		return "", err
	}
	return string(d.Action), nil
}

func (w *Worker) handleConsolidate(ctx context.Context, job *store.Job) (string, error) {
	var p struct {
		Threshold float64 `json:"threshold"`
	}
	if job.Payload != "" {
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return "", fmt.Errorf("decode consolidate payload: %w", err)
		}
	}
	if p.Threshold == 0 {
		p.Threshold = 0.92
	}
	merged, err := w.Engine.Consolidate(ctx, p.Threshold)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("merged=%d", merged), nil
}

func (w *Worker) handleCleanup(job *store.Job) (string, error) {
	var p struct {
		OlderThanDays int `json:"older_than_days"`
	}
	if job.Payload != "" {
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return "", fmt.Errorf("decode cleanup payload: %w", err)
		}
	}
	if p.OlderThanDays <= 0 {
		p.OlderThanDays = 30
	}
	cutoff := time.Now().UnixMilli() - int64(p.OlderThanDays)*dayMs
	pruned, err := w.Engine.DB.PruneJobs(cutoff)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pruned=%d", pruned), nil
}

// handleSummary condenses what is known about one entity type ("person",
// "project", ...) into a short narrative, stored as a summary pattern for the
// context assembler.
func (w *Worker) handleSummary(ctx context.Context, job *store.Job) (string, error) {
	var p struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return "", fmt.Errorf("decode summary payload: %w", err)
	}
	if p.Category == "" {
		return "", fmt.Errorf("summary payload has no category")
	}
	if w.Engine.LLM == nil {
		return "", fmt.Errorf("no reasoning client configured")
	}

	entities, err := w.Engine.DB.ListEntities("active")
	if err != nil {
		return "", err
	}
	var lines []string
	var evidence []string
	for i := range entities {
		if entities[i].Type != p.Category {
			continue
		}
		facts, err := w.Engine.DB.CurrentFacts(entities[i].ID)
		if err != nil {
			return "", err
		}
		for _, f := range facts {
			lines = append(lines, fmt.Sprintf("%s %s %s", entities[i].Name, f.Predicate, f.Object))
			evidence = append(evidence, f.ID)
		}
	}
	if len(lines) == 0 {
		return "no facts to summarize", nil
	}

	resp, err := w.Engine.LLM.Complete(ctx, llm.SummaryPrompt(p.Category, lines))
	if err != nil {
		return "", fmt.Errorf("summary call: %w", err)
	}

	pattern := &store.Pattern{
		PatternType: "summary:" + p.Category,
		Description: strings.TrimSpace(resp.Content),
		Confidence:  0.5,
		Evidence:    evidence,
	}
	if err := w.Engine.DB.CreatePattern(pattern); err != nil {
		return "", err
	}
	return pattern.ID, nil
}
