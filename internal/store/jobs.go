package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Job statuses. Terminal states are completed and failed.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is a queued unit of maintenance work. ULID ids sort by creation time,
// which matches the queue's priority-then-age ordering.
type Job struct {
	ID           string
	Type         string
	Priority     int
	Payload      string
	Status       string
	Attempts     int
	MaxAttempts  int
	DependsOn    string
	ScheduledFor int64
	Result       string
	LastError    string
	CreatedAt    int64
	UpdatedAt    int64
}

// EnqueueOptions carries optional job parameters.
type EnqueueOptions struct {
	Priority     int    // default 5; higher runs first
	MaxAttempts  int    // default 3
	DependsOn    string // job id that must complete first
	ScheduledFor int64  // 0 = now
}

// Enqueue inserts a pending job and returns it. The request path calls this
// and returns immediately; the worker is the only consumer.
func (db *DB) Enqueue(jobType, payload string, opts EnqueueOptions) (*Job, error) {
	now := time.Now().UnixMilli()
	if opts.Priority == 0 {
		opts.Priority = 5
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.ScheduledFor == 0 {
		opts.ScheduledFor = now
	}

	j := &Job{
		ID:           ulid.Make().String(),
		Type:         jobType,
		Priority:     opts.Priority,
		Payload:      payload,
		Status:       JobPending,
		MaxAttempts:  opts.MaxAttempts,
		DependsOn:    opts.DependsOn,
		ScheduledFor: opts.ScheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := db.Exec(`
		INSERT INTO memory_jobs (id, job_type, priority, payload, status, attempts,
			max_attempts, depends_on, scheduled_for, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, NULLIF(?, ''), ?, ?, ?)
	`, j.ID, j.Type, j.Priority, j.Payload, j.MaxAttempts, j.DependsOn, j.ScheduledFor, now, now)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

const jobColumns = `id, job_type, priority, payload, status, attempts, max_attempts,
	depends_on, scheduled_for, result, last_error, created_at, updated_at`

// GetJob returns a job by id, or nil if not found.
func (db *DB) GetJob(id string) (*Job, error) {
	row := db.QueryRow(`SELECT `+jobColumns+` FROM memory_jobs WHERE id = ?`, id)
	j, err := scanJobInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// EligibleJobs returns up to limit pending jobs due to run, ordered by
// priority then creation time. Jobs with an incomplete dependency are
// excluded server-side.
func (db *DB) EligibleJobs(now int64, limit int) ([]Job, error) {
	rows, err := db.Query(`
		SELECT `+jobColumns+` FROM memory_jobs j
		WHERE j.status = 'pending' AND j.scheduled_for <= ?
			AND (j.depends_on IS NULL OR EXISTS (
				SELECT 1 FROM memory_jobs d WHERE d.id = j.depends_on AND d.status = 'completed'))
		ORDER BY j.priority DESC, j.created_at ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("eligible jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ClaimJob atomically transitions a job from pending to processing and
// increments its attempt counter. Returns false if another worker claimed it
// first — the conditional update on status is the only mutual exclusion in
// the system.
func (db *DB) ClaimJob(id string) (bool, error) {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`
		UPDATE memory_jobs SET status = 'processing', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, id)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// CompleteJob marks a processing job completed with its result.
func (db *DB) CompleteJob(id, result string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE memory_jobs SET status = 'completed', result = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, result, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RescheduleJob returns a failed attempt to pending with a new scheduled_for.
// The error is preserved for diagnosis.
func (db *DB) RescheduleJob(id, lastError string, scheduledFor int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE memory_jobs SET status = 'pending', last_error = ?, scheduled_for = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, lastError, scheduledFor, now, id)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// FailJob marks a job terminally failed. Requires operator intervention;
// never blocks unrelated jobs.
func (db *DB) FailJob(id, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE memory_jobs SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, lastError, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// RetryJob resets a terminally failed job to pending with a fresh attempt
// budget. Operator action via the API.
func (db *DB) RetryJob(id string) error {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`
		UPDATE memory_jobs SET status = 'pending', attempts = 0, last_error = NULL,
			scheduled_for = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("retry job: %s not found or not failed", id)
	}
	return nil
}

// ListJobs returns jobs filtered by status ("" = all), newest first.
func (db *DB) ListJobs(status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM memory_jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// PruneJobs deletes completed jobs older than the cutoff. The cleanup handler
// calls this; failed jobs are kept for diagnosis.
func (db *DB) PruneJobs(cutoff int64) (int, error) {
	// Dependents of a pruned job keep their eligibility: the dependency was
	// completed, and depends_on references memory_jobs(id).
	_, err := db.Exec(`
		UPDATE memory_jobs SET depends_on = NULL WHERE depends_on IN (
			SELECT id FROM memory_jobs WHERE status = 'completed' AND updated_at < ?)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("unlink pruned jobs: %w", err)
	}
	result, err := db.Exec(`
		DELETE FROM memory_jobs WHERE status = 'completed' AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func scanJobInto(s rowScanner) (*Job, error) {
	var j Job
	var payload, dependsOn, result, lastError sql.NullString
	err := s.Scan(&j.ID, &j.Type, &j.Priority, &payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&dependsOn, &j.ScheduledFor, &result, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = payload.String
	j.DependsOn = dependsOn.String
	j.Result = result.String
	j.LastError = lastError.String
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJobInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
