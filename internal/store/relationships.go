package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Relationship is an edge between two entities with a strength score,
// typically recording co-occurrence. Stored with entity_a < entity_b so each
// pair has one row; self-loops are rejected.
type Relationship struct {
	ID       string
	EntityA  string
	EntityB  string
	RelType  string
	Strength float64
	LastSeen int64
}

// RecordCoOccurrence strengthens (or creates) the edge between two entities.
// Strength approaches 1.0 asymptotically on repeated co-mentions.
func (db *DB) RecordCoOccurrence(entityA, entityB string) (*Relationship, error) {
	return db.UpsertRelationship(entityA, entityB, "co_occurrence", 0.1)
}

// UpsertRelationship creates or strengthens a typed edge between entities.
func (db *DB) UpsertRelationship(entityA, entityB, relType string, boost float64) (*Relationship, error) {
	if entityA == entityB {
		return nil, fmt.Errorf("relationship: self-loop on %s", entityA)
	}
	if entityA > entityB {
		entityA, entityB = entityB, entityA
	}
	now := time.Now().UnixMilli()

	var r Relationship
	err := db.QueryRow(`
		SELECT id, entity_a, entity_b, rel_type, strength, last_seen
		FROM relationships WHERE entity_a = ? AND entity_b = ? AND rel_type = ?
	`, entityA, entityB, relType).Scan(&r.ID, &r.EntityA, &r.EntityB, &r.RelType, &r.Strength, &r.LastSeen)

	if err == sql.ErrNoRows {
		r = Relationship{
			ID:       uuid.NewString(),
			EntityA:  entityA,
			EntityB:  entityB,
			RelType:  relType,
			Strength: boost,
			LastSeen: now,
		}
		_, err := db.Exec(`
			INSERT INTO relationships (id, entity_a, entity_b, rel_type, strength, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.ID, r.EntityA, r.EntityB, r.RelType, r.Strength, r.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("insert relationship: %w", err)
		}
		return &r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup relationship: %w", err)
	}

	strength := r.Strength + (1.0-r.Strength)*boost
	_, err = db.Exec(`
		UPDATE relationships SET strength = ?, last_seen = ? WHERE id = ?
	`, strength, now, r.ID)
	if err != nil {
		return nil, fmt.Errorf("strengthen relationship: %w", err)
	}
	r.Strength = strength
	r.LastSeen = now
	return &r, nil
}

// EntityRelationships returns all edges touching an entity above a minimum
// strength.
func (db *DB) EntityRelationships(entityID string, minStrength float64) ([]Relationship, error) {
	rows, err := db.Query(`
		SELECT id, entity_a, entity_b, rel_type, strength, last_seen
		FROM relationships
		WHERE (entity_a = ? OR entity_b = ?) AND strength >= ?
		ORDER BY strength DESC
	`, entityID, entityID, minStrength)
	if err != nil {
		return nil, fmt.Errorf("entity relationships: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// AllRelationships returns every edge, strongest first.
func (db *DB) AllRelationships() ([]Relationship, error) {
	rows, err := db.Query(`
		SELECT id, entity_a, entity_b, rel_type, strength, last_seen
		FROM relationships ORDER BY strength DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("all relationships: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func scanRelationships(rows *sql.Rows) ([]Relationship, error) {
	var rels []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.ID, &r.EntityA, &r.EntityB, &r.RelType, &r.Strength, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
