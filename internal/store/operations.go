package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Operation is one immutable audit record of a memory decision. Every
// ADD/UPDATE/DELETE/NO-OP the engine makes — including no-ops — is appended
// here before the call returns. Never mutated or deleted.
type Operation struct {
	ID            string
	Operation     string // "add", "update", "delete", "noop"
	Candidate     string // JSON of the candidate fact
	Compared      string // JSON of the memories it was compared against
	Reasoning     string
	BeforeContent string
	AfterContent  string
	BeforeVersion int
	AfterVersion  int
	LatencyMs     int64
	CreatedAt     int64
}

// AppendOperation writes an audit record. Append-only by construction: there
// is no update or delete path for memory_operations.
func (db *DB) AppendOperation(op *Operation) error {
	now := time.Now().UnixMilli()
	if op.ID == "" {
		op.ID = ulid.Make().String()
	}
	_, err := db.Exec(`
		INSERT INTO memory_operations (id, operation, candidate, compared, reasoning,
			before_content, after_content, before_version, after_version, latency_ms, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)
	`, op.ID, op.Operation, op.Candidate, op.Compared, op.Reasoning,
		op.BeforeContent, op.AfterContent, op.BeforeVersion, op.AfterVersion, op.LatencyMs, now)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	op.CreatedAt = now
	return nil
}

// RecentOperations returns the newest audit records, up to limit.
func (db *DB) RecentOperations(limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, operation, candidate, compared, reasoning, before_content, after_content,
			before_version, after_version, latency_ms, created_at
		FROM memory_operations ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var compared, reasoning, before, after sql.NullString
		var beforeVer, afterVer sql.NullInt64
		if err := rows.Scan(&op.ID, &op.Operation, &op.Candidate, &compared, &reasoning,
			&before, &after, &beforeVer, &afterVer, &op.LatencyMs, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Compared = compared.String
		op.Reasoning = reasoning.String
		op.BeforeContent = before.String
		op.AfterContent = after.String
		op.BeforeVersion = int(beforeVer.Int64)
		op.AfterVersion = int(afterVer.Int64)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
