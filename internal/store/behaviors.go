package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Behavior is a directional relation between the user and an entity, e.g.
// "trusts_opinion_of" or "feels_about". Reinforced on re-observation; decays
// toward inactive if never reinforced.
type Behavior struct {
	ID                 string
	EntityID           string
	Relation           string
	Direction          string // "user_to_entity" or "entity_to_user"
	Confidence         float64
	ReinforcementCount int
	FirstReinforced    int64
	LastReinforced     int64
	Active             bool
}

// ReinforceBehavior upserts a behavior: creates it on first observation,
// otherwise bumps reinforcement count and confidence and reactivates it.
func (db *DB) ReinforceBehavior(entityID, relation, direction string, confidence float64) (*Behavior, error) {
	if direction == "" {
		direction = "user_to_entity"
	}
	now := time.Now().UnixMilli()

	var b Behavior
	err := db.QueryRow(`
		SELECT id, entity_id, relation, direction, confidence, reinforcement_count,
			first_reinforced, last_reinforced, active
		FROM behaviors WHERE entity_id = ? AND relation = ? AND direction = ?
	`, entityID, relation, direction).Scan(&b.ID, &b.EntityID, &b.Relation, &b.Direction,
		&b.Confidence, &b.ReinforcementCount, &b.FirstReinforced, &b.LastReinforced, &b.Active)

	if err == sql.ErrNoRows {
		b = Behavior{
			ID:                 uuid.NewString(),
			EntityID:           entityID,
			Relation:           relation,
			Direction:          direction,
			Confidence:         confidence,
			ReinforcementCount: 1,
			FirstReinforced:    now,
			LastReinforced:     now,
			Active:             true,
		}
		_, err := db.Exec(`
			INSERT INTO behaviors (id, entity_id, relation, direction, confidence,
				reinforcement_count, first_reinforced, last_reinforced, active)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, 1)
		`, b.ID, b.EntityID, b.Relation, b.Direction, b.Confidence, now, now)
		if err != nil {
			return nil, fmt.Errorf("insert behavior: %w", err)
		}
		return &b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup behavior: %w", err)
	}

	newConf := b.Confidence + (1.0-b.Confidence)*0.2
	if confidence > newConf {
		newConf = confidence
	}
	_, err = db.Exec(`
		UPDATE behaviors SET confidence = ?, reinforcement_count = reinforcement_count + 1,
			last_reinforced = ?, active = 1
		WHERE id = ?
	`, newConf, now, b.ID)
	if err != nil {
		return nil, fmt.Errorf("reinforce behavior: %w", err)
	}
	b.Confidence = newConf
	b.ReinforcementCount++
	b.LastReinforced = now
	b.Active = true
	return &b, nil
}

// EntityBehaviors returns all active behaviors for an entity.
func (db *DB) EntityBehaviors(entityID string) ([]Behavior, error) {
	rows, err := db.Query(`
		SELECT id, entity_id, relation, direction, confidence, reinforcement_count,
			first_reinforced, last_reinforced, active
		FROM behaviors WHERE entity_id = ? AND active = 1
		ORDER BY confidence DESC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("entity behaviors: %w", err)
	}
	defer rows.Close()
	return scanBehaviors(rows)
}

// AllBehaviors returns every active behavior, strongest first.
func (db *DB) AllBehaviors() ([]Behavior, error) {
	rows, err := db.Query(`
		SELECT id, entity_id, relation, direction, confidence, reinforcement_count,
			first_reinforced, last_reinforced, active
		FROM behaviors WHERE active = 1
		ORDER BY confidence DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("all behaviors: %w", err)
	}
	defer rows.Close()
	return scanBehaviors(rows)
}

// DeactivateStaleBehaviors marks behaviors inactive when they were last
// reinforced before the cutoff. Returns the number deactivated.
func (db *DB) DeactivateStaleBehaviors(cutoff int64) (int, error) {
	result, err := db.Exec(`
		UPDATE behaviors SET active = 0 WHERE active = 1 AND last_reinforced < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deactivate behaviors: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func scanBehaviors(rows *sql.Rows) ([]Behavior, error) {
	var behaviors []Behavior
	for rows.Next() {
		var b Behavior
		if err := rows.Scan(&b.ID, &b.EntityID, &b.Relation, &b.Direction, &b.Confidence,
			&b.ReinforcementCount, &b.FirstReinforced, &b.LastReinforced, &b.Active); err != nil {
			return nil, fmt.Errorf("scan behavior: %w", err)
		}
		behaviors = append(behaviors, b)
	}
	return behaviors, rows.Err()
}
