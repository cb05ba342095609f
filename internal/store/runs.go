package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SchedulerRun is the job-history record for one decay/archival pass.
type SchedulerRun struct {
	ID         int64
	Task       string
	StartedAt  int64
	FinishedAt *int64
	Processed  int
	Succeeded  int
	Failed     int
	Status     string // "completed", "partial", "failed"
	Detail     string
}

// StartRun records the beginning of a scheduler pass and returns its id.
func (db *DB) StartRun(task string) (int64, error) {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`
		INSERT INTO scheduler_runs (task, started_at, status) VALUES (?, ?, 'completed')
	`, task, now)
	if err != nil {
		return 0, fmt.Errorf("start run: %w", err)
	}
	id, _ := result.LastInsertId()
	return id, nil
}

// FinishRun records the outcome of a scheduler pass. Partial failures still
// report the success counts; status "partial" means some rows failed but the
// pass continued.
func (db *DB) FinishRun(id int64, processed, succeeded, failed int, status, detail string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE scheduler_runs SET finished_at = ?, processed = ?, succeeded = ?,
			failed = ?, status = ?, detail = NULLIF(?, '')
		WHERE id = ?
	`, now, processed, succeeded, failed, status, detail, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// LastRun returns the most recent run for a task, or nil if none.
func (db *DB) LastRun(task string) (*SchedulerRun, error) {
	var r SchedulerRun
	var finished sql.NullInt64
	var detail sql.NullString
	err := db.QueryRow(`
		SELECT id, task, started_at, finished_at, processed, succeeded, failed, status, detail
		FROM scheduler_runs WHERE task = ? ORDER BY started_at DESC LIMIT 1
	`, task).Scan(&r.ID, &r.Task, &r.StartedAt, &finished, &r.Processed, &r.Succeeded, &r.Failed, &r.Status, &detail)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last run: %w", err)
	}
	if finished.Valid {
		r.FinishedAt = &finished.Int64
	}
	r.Detail = detail.String
	return &r, nil
}
