package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/keepsake/keepsake/internal/config"
	"github.com/keepsake/keepsake/internal/llm"
	"github.com/keepsake/keepsake/internal/store"
)

// Engine orchestrates candidate decisions, extraction, consolidation, and
// decay. Stateless apart from its handles; all consistency lives at the
// store's transaction boundary.
type Engine struct {
	DB       *store.DB
	LLM      llm.Client
	Embedder Embedder

	Decision config.DecisionConfig
	Decay    config.DecayConfig

	stopCh chan struct{}
}

// New creates a new Engine with the documented defaults.
func New(db *store.DB, client llm.Client) *Engine {
	cfg := config.Default()
	return &Engine{
		DB:       db,
		LLM:      client,
		Decision: cfg.Decision,
		Decay:    cfg.Decay,
		stopCh:   make(chan struct{}),
	}
}

// SetEmbedder configures the embedding provider.
func (e *Engine) SetEmbedder(emb Embedder) {
	e.Embedder = emb
}

// entityProfileText builds the text that represents an entity for embedding:
// its name plus its current facts.
func entityProfileText(db *store.DB, ent *store.Entity) (string, error) {
	facts, err := db.CurrentFacts(ent.ID)
	if err != nil {
		return "", err
	}
	text := ent.Name
	if ent.Relationship != "" {
		text += " (" + ent.Relationship + ")"
	}
	for _, f := range facts {
		text += ". " + f.Predicate + " " + f.Object
	}
	return text, nil
}

// EmbedEntity regenerates and stores the embedding for one entity.
func (e *Engine) EmbedEntity(ctx context.Context, entityID string) error {
	if e.Embedder == nil {
		return nil
	}
	ent, err := e.DB.GetEntity(entityID)
	if err != nil {
		return err
	}
	if ent == nil {
		return fmt.Errorf("embed entity: %s not found", entityID)
	}
	text, err := entityProfileText(e.DB, ent)
	if err != nil {
		return err
	}
	vec, err := e.Embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed entity %s: %w", ent.Name, err)
	}
	return e.DB.SaveVector(ent.ID, vec, e.Embedder.Model())
}

// EmbedMissing embeds all active entities that don't have a vector or whose
// vector was produced by a different model.
func (e *Engine) EmbedMissing(ctx context.Context) (int, error) {
	if e.Embedder == nil {
		return 0, nil
	}

	entities, err := e.DB.ListEntities("active")
	if err != nil {
		return 0, fmt.Errorf("list entities: %w", err)
	}

	embedded := 0
	for i := range entities {
		existing, err := e.DB.GetVector(entities[i].ID)
		if err != nil {
			log.Printf("embed missing: get vector for %s: %v", entities[i].Name, err)
			continue
		}
		if existing != nil && existing.Model == e.Embedder.Model() {
			continue
		}

		if err := e.EmbedEntity(ctx, entities[i].ID); err != nil {
			log.Printf("embed missing: %v", err)
			continue
		}
		embedded++
	}

	return embedded, nil
}

// StartDecayTimer runs the decay/archival pass on startup and then daily.
func (e *Engine) StartDecayTimer() {
	if _, err := e.RunDecayPass(); err != nil {
		log.Printf("decay error: %v", err)
	}

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := e.RunDecayPass(); err != nil {
					log.Printf("decay error: %v", err)
				}
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the engine's background goroutines.
func (e *Engine) Stop() {
	close(e.stopCh)
}

// Consolidate finds entities whose embeddings are near-duplicates and merges
// them: the most recently mentioned entity in each cluster is kept, the rest
// are marked superseded and their facts reattached. Returns the number of
// entities merged away.
func (e *Engine) Consolidate(ctx context.Context, threshold float64) (int, error) {
	if e.Embedder == nil {
		return 0, fmt.Errorf("no embedder configured")
	}

	entities, err := e.DB.ListEntities("active")
	if err != nil {
		return 0, fmt.Errorf("list entities: %w", err)
	}

	// Embed any entities missing vectors first
	if _, err := e.EmbedMissing(ctx); err != nil {
		log.Printf("consolidate: embed missing: %v", err)
	}

	vectors, err := e.DB.AllVectors()
	if err != nil {
		return 0, fmt.Errorf("load vectors: %w", err)
	}
	vecMap := make(map[string][]float64, len(vectors))
	for _, v := range vectors {
		vecMap[v.EntityID] = v.Embedding
	}

	claimed := make(map[string]bool)
	merged := 0

	for i := 0; i < len(entities); i++ {
		if claimed[entities[i].ID] {
			continue
		}
		vecI, ok := vecMap[entities[i].ID]
		if !ok {
			continue
		}

		cluster := []int{i}
		for j := i + 1; j < len(entities); j++ {
			if claimed[entities[j].ID] {
				continue
			}
			// Only merge entities of the same type
			if entities[j].Type != entities[i].Type {
				continue
			}
			vecJ, ok := vecMap[entities[j].ID]
			if !ok {
				continue
			}
			if store.CosineSimilarity(vecI, vecJ) >= threshold {
				cluster = append(cluster, j)
			}
		}

		if len(cluster) <= 1 {
			continue
		}

		// Keep the most recently mentioned entity in the cluster
		bestIdx := cluster[0]
		for _, idx := range cluster[1:] {
			if entities[idx].LastMentioned > entities[bestIdx].LastMentioned {
				bestIdx = idx
			}
		}

		for _, idx := range cluster {
			claimed[entities[idx].ID] = true
			if idx == bestIdx {
				continue
			}
			log.Printf("consolidate: merging %s into %s", entities[idx].Name, entities[bestIdx].Name)
			if err := e.mergeEntity(entities[idx].ID, entities[bestIdx].ID); err != nil {
				log.Printf("consolidate: merge %s: %v", entities[idx].Name, err)
				continue
			}
			merged++
		}
	}

	return merged, nil
}

// mergeEntity reattaches the loser's facts and behaviors to the winner and
// marks the loser superseded. History is preserved on the loser's row.
func (e *Engine) mergeEntity(loserID, winnerID string) error {
	tx, err := e.DB.Begin()
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	// Close the loser's current facts for single-value predicates the winner
	// already holds, so the move cannot produce two current facts.
	rows, err := tx.Query(`SELECT predicate FROM facts WHERE entity_id = ? AND is_current = 1`, winnerID)
	if err != nil {
		return fmt.Errorf("winner predicates: %w", err)
	}
	var winnerPreds []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("scan predicate: %w", err)
		}
		winnerPreds = append(winnerPreds, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	mergeAt := time.Now().UnixMilli()
	for _, p := range winnerPreds {
		if !store.IsSingleValue(p) {
			continue
		}
		if _, err := tx.Exec(`
			UPDATE facts SET is_current = 0, valid_to = ?, invalidation_reason = 'superseded'
			WHERE entity_id = ? AND predicate = ? AND is_current = 1
		`, mergeAt, loserID, p); err != nil {
			return fmt.Errorf("close conflicting fact: %w", err)
		}
	}

	if _, err := tx.Exec(`UPDATE facts SET entity_id = ? WHERE entity_id = ?`, winnerID, loserID); err != nil {
		return fmt.Errorf("move facts: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM behaviors WHERE entity_id = ? AND relation IN (
			SELECT relation FROM behaviors WHERE entity_id = ?)`, loserID, winnerID); err != nil {
		return fmt.Errorf("drop duplicate behaviors: %w", err)
	}
	if _, err := tx.Exec(`UPDATE behaviors SET entity_id = ? WHERE entity_id = ?`, winnerID, loserID); err != nil {
		return fmt.Errorf("move behaviors: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM relationships WHERE entity_a = ? OR entity_b = ?`, loserID, loserID); err != nil {
		return fmt.Errorf("drop loser edges: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM entity_vectors WHERE entity_id = ?`, loserID); err != nil {
		return fmt.Errorf("drop loser vector: %w", err)
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE entities SET status = 'superseded', historical = 1, updated_at = ? WHERE id = ?`,
		now, loserID); err != nil {
		return fmt.Errorf("supersede loser: %w", err)
	}

	return tx.Commit()
}
