package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxSnippets bounds the per-entity ring buffer of recent context snippets.
const maxSnippets = 5

// Entity represents a named thing in the user's life: a person, organization,
// place, project, concept, or event. Owned exclusively by one user; created on
// first mention and mutated on every re-mention.
type Entity struct {
	ID             string
	Name           string
	NameKey        string
	Type           string
	Relationship   string // optional label relative to the user ("sister", "manager")
	Importance     float64
	Sentiment      float64
	MentionCount   int
	FirstMentioned int64
	LastMentioned  int64
	Snippets       []string
	Historical     bool
	ValidFrom      *int64
	ValidUntil     *int64
	Status         string
	Version        int
	CreatedAt      int64
	UpdatedAt      int64
}

// NameKeyOf normalizes an entity name for uniqueness checks:
// lowercase, collapsed whitespace.
func NameKeyOf(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// CreateEntity inserts a new entity. Assigns a UUID if the entity has none.
// Fails if an active entity with the same normalized name already exists.
func (db *DB) CreateEntity(e *Entity) error {
	now := time.Now().UnixMilli()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = "active"
	}
	if e.Importance == 0 {
		e.Importance = 0.5
	}
	if e.MentionCount == 0 {
		e.MentionCount = 1
	}
	if e.FirstMentioned == 0 {
		e.FirstMentioned = now
	}
	if e.LastMentioned == 0 {
		e.LastMentioned = e.FirstMentioned
	}
	e.NameKey = NameKeyOf(e.Name)
	e.Version = 1

	snippets, err := json.Marshal(e.Snippets)
	if err != nil {
		return fmt.Errorf("marshal snippets: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO entities (id, name, name_key, entity_type, relationship,
			importance, sentiment, mention_count, first_mentioned, last_mentioned,
			snippets, historical, valid_from, valid_until, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Name, e.NameKey, e.Type, e.Relationship,
		e.Importance, e.Sentiment, e.MentionCount, e.FirstMentioned, e.LastMentioned,
		string(snippets), boolInt(e.Historical), e.ValidFrom, e.ValidUntil, e.Status, e.Version, now, now)
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

const entityColumns = `id, name, name_key, entity_type, relationship,
	importance, sentiment, mention_count, first_mentioned, last_mentioned,
	snippets, historical, valid_from, valid_until, status, version, created_at, updated_at`

// GetEntity returns an entity by id, or nil if not found.
func (db *DB) GetEntity(id string) (*Entity, error) {
	row := db.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	return scanEntity(row)
}

// GetActiveEntityByName returns the active entity matching a normalized name,
// or nil if none exists. This backs the duplicate-entity guard in the
// decision engine.
func (db *DB) GetActiveEntityByName(name string) (*Entity, error) {
	row := db.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE name_key = ? AND status = 'active'`,
		NameKeyOf(name))
	return scanEntity(row)
}

// ListEntities returns entities filtered by status ("" = all), ordered by
// importance then recency.
func (db *DB) ListEntities(status string) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY importance DESC, last_mentioned DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// RecordMention updates an entity on re-mention: bumps mention count, folds
// the new sentiment into the rolling average, boosts importance, appends the
// snippet to the bounded ring buffer, and bumps the version. Reinforcement is
// what resets decay — the decay pass never touches recently mentioned rows.
func (db *DB) RecordMention(id, snippet string, sentiment float64, at int64) error {
	e, err := db.GetEntity(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("record mention: entity %s not found", id)
	}

	count := e.MentionCount + 1
	rolling := (e.Sentiment*float64(e.MentionCount) + sentiment) / float64(count)
	importance := e.Importance + 0.05
	if importance > 1.0 {
		importance = 1.0
	}

	snippets := e.Snippets
	if snippet != "" {
		snippets = append(snippets, snippet)
		if len(snippets) > maxSnippets {
			snippets = snippets[len(snippets)-maxSnippets:]
		}
	}
	blob, err := json.Marshal(snippets)
	if err != nil {
		return fmt.Errorf("marshal snippets: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		UPDATE entities SET mention_count = ?, sentiment = ?, importance = ?,
			snippets = ?, last_mentioned = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`, count, rolling, importance, string(blob), at, now, id)
	if err != nil {
		return fmt.Errorf("record mention: %w", err)
	}
	return nil
}

// UpdateImportance sets an entity's importance score directly (decay pass).
func (db *DB) UpdateImportance(id string, importance float64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE entities SET importance = ?, updated_at = ? WHERE id = ?`,
		importance, now, id)
	if err != nil {
		return fmt.Errorf("update importance: %w", err)
	}
	return nil
}

// ArchiveEntity marks an entity archived. Status change only — rows are never
// physically deleted except on hard delete.
func (db *DB) ArchiveEntity(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE entities SET status = 'archived', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("archive entity: %w", err)
	}
	return nil
}

// SupersedeEntity marks an entity superseded and historical.
func (db *DB) SupersedeEntity(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE entities SET status = 'superseded', historical = 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("supersede entity: %w", err)
	}
	return nil
}

// HardDeleteEntity permanently removes an entity and its facts, behaviors,
// relationships, and vector. Used only when the user explicitly asked to
// forget something.
func (db *DB) HardDeleteEntity(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin hard delete: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM entity_vectors WHERE entity_id = ?`,
		`DELETE FROM behaviors WHERE entity_id = ?`,
		// Version chains reference sibling rows; unlink before deleting.
		`UPDATE facts SET supersedes = NULL, superseded_by = NULL WHERE entity_id = ?`,
		`DELETE FROM facts WHERE entity_id = ?`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s, id); err != nil {
			return fmt.Errorf("hard delete entity %s: %w", id, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM relationships WHERE entity_a = ? OR entity_b = ?`, id, id); err != nil {
		return fmt.Errorf("hard delete relationships: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("hard delete entity row: %w", err)
	}
	return tx.Commit()
}

// StaleActiveEntities returns active entities not mentioned since the cutoff.
func (db *DB) StaleActiveEntities(cutoff int64) ([]Entity, error) {
	rows, err := db.Query(`SELECT `+entityColumns+` FROM entities
		WHERE status = 'active' AND last_mentioned < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// ExpiredEntities returns active entities whose valid_until is in the past.
func (db *DB) ExpiredEntities(now int64) ([]Entity, error) {
	rows, err := db.Query(`SELECT `+entityColumns+` FROM entities
		WHERE status = 'active' AND valid_until IS NOT NULL AND valid_until < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("expired entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntityInto(s rowScanner) (*Entity, error) {
	var e Entity
	var relationship, snippets sql.NullString
	var historical int
	var validFrom, validUntil sql.NullInt64

	err := s.Scan(&e.ID, &e.Name, &e.NameKey, &e.Type, &relationship,
		&e.Importance, &e.Sentiment, &e.MentionCount, &e.FirstMentioned, &e.LastMentioned,
		&snippets, &historical, &validFrom, &validUntil, &e.Status, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.Relationship = relationship.String
	e.Historical = historical != 0
	if validFrom.Valid {
		e.ValidFrom = &validFrom.Int64
	}
	if validUntil.Valid {
		e.ValidUntil = &validUntil.Int64
	}
	if snippets.Valid && snippets.String != "" {
		if err := json.Unmarshal([]byte(snippets.String), &e.Snippets); err != nil {
			return nil, fmt.Errorf("unmarshal snippets: %w", err)
		}
	}
	return &e, nil
}

func scanEntity(row *sql.Row) (*Entity, error) {
	e, err := scanEntityInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return e, nil
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var entities []Entity
	for rows.Next() {
		e, err := scanEntityInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}
