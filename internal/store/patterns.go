package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pattern is a higher-order observation about the user — a recurring behavior
// detected across entries ("tends to cancel plans when work is stressful").
// Mutated by detection jobs and by explicit user confirmation/rejection.
type Pattern struct {
	ID          string
	PatternType string
	Description string
	Confidence  float64
	Evidence    []string // fact/entry references supporting the observation
	Status      string
	CreatedAt   int64
	UpdatedAt   int64
}

// CreatePattern inserts a new pattern observation.
func (db *DB) CreatePattern(p *Pattern) error {
	now := time.Now().UnixMilli()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = "active"
	}
	evidence, err := json.Marshal(p.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO patterns (id, pattern_type, description, confidence, evidence, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.PatternType, p.Description, p.Confidence, string(evidence), p.Status, now, now)
	if err != nil {
		return fmt.Errorf("create pattern: %w", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// GetPattern returns a pattern by id, or nil if not found.
func (db *DB) GetPattern(id string) (*Pattern, error) {
	var p Pattern
	var evidence sql.NullString
	err := db.QueryRow(`
		SELECT id, pattern_type, description, confidence, evidence, status, created_at, updated_at
		FROM patterns WHERE id = ?
	`, id).Scan(&p.ID, &p.PatternType, &p.Description, &p.Confidence, &evidence, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern: %w", err)
	}
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &p.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	return &p, nil
}

// ActivePatterns returns active patterns, most confident first.
func (db *DB) ActivePatterns() ([]Pattern, error) {
	rows, err := db.Query(`
		SELECT id, pattern_type, description, confidence, evidence, status, created_at, updated_at
		FROM patterns WHERE status = 'active' ORDER BY confidence DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("active patterns: %w", err)
	}
	defer rows.Close()

	var patterns []Pattern
	for rows.Next() {
		var p Pattern
		var evidence sql.NullString
		if err := rows.Scan(&p.ID, &p.PatternType, &p.Description, &p.Confidence, &evidence,
			&p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		if evidence.Valid && evidence.String != "" {
			if err := json.Unmarshal([]byte(evidence.String), &p.Evidence); err != nil {
				return nil, fmt.Errorf("unmarshal evidence: %w", err)
			}
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// ConfirmPattern boosts a pattern's confidence after explicit user
// confirmation.
func (db *DB) ConfirmPattern(id string) error {
	return db.setPatternStatus(id, "active", 0.2)
}

// RejectPattern marks a pattern rejected; it stays on record but is excluded
// from context assembly.
func (db *DB) RejectPattern(id string) error {
	return db.setPatternStatus(id, "rejected", 0)
}

func (db *DB) setPatternStatus(id, status string, confidenceBoost float64) error {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`
		UPDATE patterns SET status = ?, confidence = MIN(1.0, confidence + ?), updated_at = ?
		WHERE id = ?
	`, status, confidenceBoost, now, id)
	if err != nil {
		return fmt.Errorf("set pattern status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pattern %s not found", id)
	}
	return nil
}
