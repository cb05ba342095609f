package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fact is a bi-temporal (entity, predicate, object) triple. The validity
// interval [valid_from, valid_to) records when the fact held in the user's
// life; versioning and supersession links record how knowledge of it evolved.
type Fact struct {
	ID                 string
	EntityID           string
	Predicate          string
	Object             string
	Confidence         float64
	SourceEntry        string
	MentionCount       int
	ValidFrom          int64
	ValidTo            *int64 // nil = open-ended, still current
	IsCurrent          bool
	Version            int
	Supersedes         string
	SupersededBy       string
	InvalidationReason string
	CreatedAt          int64
}

// CreateFactParams holds the inputs to CreateFact.
type CreateFactParams struct {
	EntityID    string
	Predicate   string
	Object      string
	Confidence  float64
	SourceEntry string
	ValidFrom   int64 // 0 = now
}

// CreateFact inserts a new fact. For single-value predicates, if a current
// fact with a different object exists, the old fact is invalidated (valid_to
// set, is_current cleared, reason "superseded") and linked to the new one —
// all inside one transaction. A reader never observes zero or two current
// facts for a single-value predicate.
//
// Re-mention of the same object bumps mention_count and confidence on the
// existing row instead of creating a new version.
func (db *DB) CreateFact(p CreateFactParams) (*Fact, error) {
	now := time.Now().UnixMilli()
	if p.ValidFrom == 0 {
		p.ValidFrom = now
	}
	p.Predicate = normalizePredicate(p.Predicate)
	if p.Predicate == "" {
		return nil, fmt.Errorf("create fact: empty predicate")
	}
	if strings.TrimSpace(p.Object) == "" {
		return nil, fmt.Errorf("create fact: empty object")
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin create fact: %w", err)
	}
	defer tx.Rollback()

	f := &Fact{
		ID:           uuid.NewString(),
		EntityID:     p.EntityID,
		Predicate:    p.Predicate,
		Object:       p.Object,
		Confidence:   p.Confidence,
		SourceEntry:  p.SourceEntry,
		MentionCount: 1,
		ValidFrom:    p.ValidFrom,
		IsCurrent:    true,
		Version:      1,
		CreatedAt:    now,
	}

	if IsSingleValue(p.Predicate) {
		prior, err := currentFactTx(tx, p.EntityID, p.Predicate)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			if prior.Object == p.Object {
				// Same value restated — reinforce, don't version.
				_, err := tx.Exec(`
					UPDATE facts SET mention_count = mention_count + 1,
						confidence = MIN(1.0, confidence + 0.05)
					WHERE id = ?
				`, prior.ID)
				if err != nil {
					return nil, fmt.Errorf("reinforce fact: %w", err)
				}
				if err := tx.Commit(); err != nil {
					return nil, fmt.Errorf("commit reinforce: %w", err)
				}
				prior.MentionCount++
				return prior, nil
			}

			// Different value — supersede the prior fact atomically. The prior
			// row is closed before the insert so the single-current index
			// holds; the forward link is set once the new id exists, because
			// superseded_by references facts(id).
			f.Supersedes = prior.ID
			f.Version = prior.Version + 1
			_, err := tx.Exec(`
				UPDATE facts SET is_current = 0, valid_to = ?,
					invalidation_reason = 'superseded'
				WHERE id = ? AND is_current = 1
			`, p.ValidFrom, prior.ID)
			if err != nil {
				return nil, fmt.Errorf("invalidate prior fact: %w", err)
			}
		}
	}

	singleValue := 0
	if IsSingleValue(p.Predicate) {
		singleValue = 1
	}
	_, err = tx.Exec(`
		INSERT INTO facts (id, entity_id, predicate, object_text, confidence, source_entry,
			mention_count, valid_from, valid_to, is_current, version, supersedes, single_value, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, NULL, 1, ?, NULLIF(?, ''), ?, ?)
	`, f.ID, f.EntityID, f.Predicate, f.Object, f.Confidence, f.SourceEntry,
		f.MentionCount, f.ValidFrom, f.Version, f.Supersedes, singleValue, f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert fact: %w", err)
	}

	if f.Supersedes != "" {
		if _, err := tx.Exec(`UPDATE facts SET superseded_by = ? WHERE id = ?`, f.ID, f.Supersedes); err != nil {
			return nil, fmt.Errorf("link superseded fact: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create fact: %w", err)
	}
	return f, nil
}

const factColumns = `id, entity_id, predicate, object_text, confidence, source_entry,
	mention_count, valid_from, valid_to, is_current, version, supersedes, superseded_by,
	invalidation_reason, created_at`

func currentFactTx(tx *sql.Tx, entityID, predicate string) (*Fact, error) {
	row := tx.QueryRow(`SELECT `+factColumns+` FROM facts
		WHERE entity_id = ? AND predicate = ? AND is_current = 1`, entityID, predicate)
	f, err := scanFactInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current fact: %w", err)
	}
	return f, nil
}

// GetFact returns a fact by id, or nil if not found.
func (db *DB) GetFact(id string) (*Fact, error) {
	row := db.QueryRow(`SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	f, err := scanFactInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fact: %w", err)
	}
	return f, nil
}

// CurrentFacts returns all current facts for an entity.
func (db *DB) CurrentFacts(entityID string) ([]Fact, error) {
	rows, err := db.Query(`SELECT `+factColumns+` FROM facts
		WHERE entity_id = ? AND is_current = 1 ORDER BY predicate`, entityID)
	if err != nil {
		return nil, fmt.Errorf("current facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// FactsAtTime returns the facts whose validity interval contains asOf —
// "what did I know on date X". A fact with NULL valid_to is open-ended.
func (db *DB) FactsAtTime(entityID string, asOf int64) ([]Fact, error) {
	rows, err := db.Query(`SELECT `+factColumns+` FROM facts
		WHERE entity_id = ? AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)
		ORDER BY predicate`, entityID, asOf, asOf)
	if err != nil {
		return nil, fmt.Errorf("facts at time: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// FactHistory returns every version of an entity's facts for a predicate,
// newest first. Empty predicate returns the full history for the entity.
func (db *DB) FactHistory(entityID, predicate string) ([]Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts WHERE entity_id = ?`
	args := []any{entityID}
	if predicate != "" {
		query += ` AND predicate = ?`
		args = append(args, normalizePredicate(predicate))
	}
	query += ` ORDER BY created_at DESC, version DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fact history: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// ReplaceFact atomically closes the target fact and inserts its replacement,
// linked both ways. reason distinguishes a correction ("replaced") from a
// life-state transition ("superseded"); the mechanics are identical and the
// prior row is always preserved.
func (db *DB) ReplaceFact(targetID string, p CreateFactParams, reason string) (*Fact, error) {
	now := time.Now().UnixMilli()
	if p.ValidFrom == 0 {
		p.ValidFrom = now
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin replace fact: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+factColumns+` FROM facts WHERE id = ?`, targetID)
	prior, err := scanFactInto(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("replace fact: %s not found", targetID)
	}
	if err != nil {
		return nil, fmt.Errorf("replace fact: %w", err)
	}
	// A closed row is history; replacing it would leave two current facts for
	// the predicate.
	if !prior.IsCurrent {
		return nil, fmt.Errorf("replace fact: %s is not current", targetID)
	}

	f := &Fact{
		ID:           uuid.NewString(),
		EntityID:     prior.EntityID,
		Predicate:    prior.Predicate,
		Object:       p.Object,
		Confidence:   p.Confidence,
		SourceEntry:  p.SourceEntry,
		MentionCount: 1,
		ValidFrom:    p.ValidFrom,
		IsCurrent:    true,
		Version:      prior.Version + 1,
		Supersedes:   prior.ID,
		CreatedAt:    now,
	}

	_, err = tx.Exec(`
		UPDATE facts SET is_current = 0, valid_to = ?, invalidation_reason = ?
		WHERE id = ? AND is_current = 1
	`, p.ValidFrom, reason, prior.ID)
	if err != nil {
		return nil, fmt.Errorf("close prior fact: %w", err)
	}

	singleValue := 0
	if IsSingleValue(prior.Predicate) {
		singleValue = 1
	}
	_, err = tx.Exec(`
		INSERT INTO facts (id, entity_id, predicate, object_text, confidence, source_entry,
			mention_count, valid_from, valid_to, is_current, version, supersedes, single_value, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), 1, ?, NULL, 1, ?, ?, ?, ?)
	`, f.ID, f.EntityID, f.Predicate, f.Object, f.Confidence, f.SourceEntry,
		f.ValidFrom, f.Version, f.Supersedes, singleValue, f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert replacement fact: %w", err)
	}

	if _, err := tx.Exec(`UPDATE facts SET superseded_by = ? WHERE id = ?`, f.ID, prior.ID); err != nil {
		return nil, fmt.Errorf("link superseded fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace fact: %w", err)
	}
	return f, nil
}

// AppendToFact merges extra content onto an existing fact in place and bumps
// its version. No new row: append is for added detail, not changed state.
func (db *DB) AppendToFact(targetID, extra string, confidence float64) (*Fact, error) {
	prior, err := db.GetFact(targetID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("append fact: %s not found", targetID)
	}

	merged := prior.Object
	if extra != "" && !strings.Contains(merged, extra) {
		merged = merged + "; " + extra
	}
	conf := prior.Confidence
	if confidence > conf {
		conf = confidence
	}

	_, err = db.Exec(`
		UPDATE facts SET object_text = ?, confidence = ?, version = version + 1,
			mention_count = mention_count + 1
		WHERE id = ?
	`, merged, conf, targetID)
	if err != nil {
		return nil, fmt.Errorf("append fact: %w", err)
	}

	prior.Object = merged
	prior.Confidence = conf
	prior.Version++
	prior.MentionCount++
	return prior, nil
}

// HardDeleteFact permanently removes a fact row. Only for explicit forget
// requests; every other path preserves history.
func (db *DB) HardDeleteFact(id string) error {
	_, err := db.Exec(`UPDATE facts SET superseded_by = NULL WHERE superseded_by = ?`, id)
	if err != nil {
		return fmt.Errorf("unlink fact: %w", err)
	}
	_, err = db.Exec(`UPDATE facts SET supersedes = NULL WHERE supersedes = ?`, id)
	if err != nil {
		return fmt.Errorf("unlink fact: %w", err)
	}
	_, err = db.Exec(`DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("hard delete fact: %w", err)
	}
	return nil
}

// InvalidateFact closes a fact's validity interval without deleting history.
// Supports manual correction; reason lands in invalidation_reason.
func (db *DB) InvalidateFact(id, reason string, validTo int64) error {
	if validTo == 0 {
		validTo = time.Now().UnixMilli()
	}
	result, err := db.Exec(`
		UPDATE facts SET is_current = 0, valid_to = ?, invalidation_reason = ?
		WHERE id = ? AND is_current = 1
	`, validTo, reason, id)
	if err != nil {
		return fmt.Errorf("invalidate fact: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("invalidate fact: %s not found or not current", id)
	}
	return nil
}

// FactChange describes one difference between two knowledge snapshots.
type FactChange struct {
	Kind      string // "added", "removed", "changed"
	Predicate string
	Before    string
	After     string
}

// CompareKnowledge diffs the entity's point-in-time fact sets at t1 and t2.
// A predicate present in both with a different object is reported as a single
// "changed" entry rather than an independent add+remove pair.
func (db *DB) CompareKnowledge(entityID string, t1, t2 int64) ([]FactChange, error) {
	before, err := db.FactsAtTime(entityID, t1)
	if err != nil {
		return nil, err
	}
	after, err := db.FactsAtTime(entityID, t2)
	if err != nil {
		return nil, err
	}

	// Multi-value predicates can hold several objects per snapshot, so key
	// the diff on predicate+object and collapse per-predicate afterwards.
	beforeByPred := make(map[string][]Fact)
	afterByPred := make(map[string][]Fact)
	for _, f := range before {
		beforeByPred[f.Predicate] = append(beforeByPred[f.Predicate], f)
	}
	for _, f := range after {
		afterByPred[f.Predicate] = append(afterByPred[f.Predicate], f)
	}

	var changes []FactChange
	for pred, afterFacts := range afterByPred {
		beforeFacts := beforeByPred[pred]
		if len(beforeFacts) == 0 {
			for _, f := range afterFacts {
				changes = append(changes, FactChange{Kind: "added", Predicate: pred, After: f.Object})
			}
			continue
		}
		if IsSingleValue(pred) {
			if beforeFacts[0].Object != afterFacts[0].Object {
				changes = append(changes, FactChange{
					Kind: "changed", Predicate: pred,
					Before: beforeFacts[0].Object, After: afterFacts[0].Object,
				})
			}
			continue
		}
		beforeSet := make(map[string]bool, len(beforeFacts))
		for _, f := range beforeFacts {
			beforeSet[f.Object] = true
		}
		for _, f := range afterFacts {
			if !beforeSet[f.Object] {
				changes = append(changes, FactChange{Kind: "added", Predicate: pred, After: f.Object})
			}
		}
	}
	for pred, beforeFacts := range beforeByPred {
		afterFacts := afterByPred[pred]
		if len(afterFacts) == 0 {
			for _, f := range beforeFacts {
				changes = append(changes, FactChange{Kind: "removed", Predicate: pred, Before: f.Object})
			}
			continue
		}
		if IsSingleValue(pred) {
			continue // handled above
		}
		afterSet := make(map[string]bool, len(afterFacts))
		for _, f := range afterFacts {
			afterSet[f.Object] = true
		}
		for _, f := range beforeFacts {
			if !afterSet[f.Object] {
				changes = append(changes, FactChange{Kind: "removed", Predicate: pred, Before: f.Object})
			}
		}
	}

	return changes, nil
}

// FactsInWindow returns facts whose valid_from falls inside [from, to).
// Used by the contradiction detector's window comparison.
func (db *DB) FactsInWindow(from, to int64) ([]Fact, error) {
	rows, err := db.Query(`SELECT `+factColumns+` FROM facts
		WHERE valid_from >= ? AND valid_from < ? ORDER BY valid_from`, from, to)
	if err != nil {
		return nil, fmt.Errorf("facts in window: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFactInto(s rowScanner) (*Fact, error) {
	var f Fact
	var sourceEntry, supersedes, supersededBy, reason sql.NullString
	var validTo sql.NullInt64
	var isCurrent int

	err := s.Scan(&f.ID, &f.EntityID, &f.Predicate, &f.Object, &f.Confidence, &sourceEntry,
		&f.MentionCount, &f.ValidFrom, &validTo, &isCurrent, &f.Version, &supersedes, &supersededBy,
		&reason, &f.CreatedAt)
	if err != nil {
		return nil, err
	}

	f.SourceEntry = sourceEntry.String
	f.Supersedes = supersedes.String
	f.SupersededBy = supersededBy.String
	f.InvalidationReason = reason.String
	f.IsCurrent = isCurrent != 0
	if validTo.Valid {
		f.ValidTo = &validTo.Int64
	}
	return &f, nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var facts []Fact
	for rows.Next() {
		f, err := scanFactInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}
