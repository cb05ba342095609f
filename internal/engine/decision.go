package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/keepsake/keepsake/internal/llm"
	"github.com/keepsake/keepsake/internal/store"
)

// ProcessCandidate runs the memory-update decision procedure for one
// candidate fact: policy gate, similarity search, one tool-constrained
// reasoning call, transactional execution, and an audit record — written
// before this function returns, no-ops included.
func (e *Engine) ProcessCandidate(ctx context.Context, c llm.Candidate) (*llm.Decision, error) {
	start := time.Now()

	// Policy gate: high-sensitivity identifiers never reach the store,
	// regardless of what the reasoning service would decide. The audit record
	// carries the rejection but not the payload.
	if IsSensitive(c.Content) || IsSensitive(c.Object) {
		d := &llm.Decision{
			Action:    llm.ActionNoOp,
			Reasoning: "policy: candidate contained a high-sensitivity identifier; rejected before storage",
		}
		op := &store.Operation{
			Operation: string(llm.ActionNoOp),
			Candidate: `{"redacted":true}`,
			Reasoning: d.Reasoning,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err := e.DB.AppendOperation(op); err != nil {
			return nil, fmt.Errorf("audit rejection: %w", err)
		}
		return d, nil
	}

	memories, err := e.similarMemories(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	if e.LLM == nil {
		return nil, fmt.Errorf("no reasoning client configured")
	}
	decision, err := e.LLM.Decide(ctx, c, memories)
	if err != nil {
		return nil, fmt.Errorf("reasoning call: %w", err)
	}

	result, err := e.applyDecision(ctx, c, decision)
	if err != nil {
		return nil, err
	}

	candidateJSON, _ := json.Marshal(c)
	comparedJSON, _ := json.Marshal(memories)
	op := &store.Operation{
		Operation:     string(result.decision.Action),
		Candidate:     string(candidateJSON),
		Compared:      string(comparedJSON),
		Reasoning:     result.decision.Reasoning,
		BeforeContent: result.before,
		AfterContent:  result.after,
		BeforeVersion: result.beforeVersion,
		AfterVersion:  result.afterVersion,
		LatencyMs:     time.Since(start).Milliseconds(),
	}
	if err := e.DB.AppendOperation(op); err != nil {
		return nil, fmt.Errorf("audit decision: %w", err)
	}

	return result.decision, nil
}

// similarMemories embeds the candidate and collects the current facts of the
// top-K most similar entities, ranked above the configured floor. An exact
// name match is always included so rapid duplicate submissions see the first
// write even before its vector lands.
func (e *Engine) similarMemories(ctx context.Context, c llm.Candidate) ([]llm.MemoryRef, error) {
	maxSimilar := e.Decision.MaxSimilar
	if maxSimilar <= 0 {
		maxSimilar = 10
	}

	seen := make(map[string]bool)
	var refs []llm.MemoryRef

	appendEntityFacts := func(entityID string, sim float64) error {
		if seen[entityID] {
			return nil
		}
		seen[entityID] = true

		ent, err := e.DB.GetEntity(entityID)
		if err != nil {
			return err
		}
		if ent == nil || ent.Status != "active" {
			return nil
		}
		facts, err := e.DB.CurrentFacts(entityID)
		if err != nil {
			return err
		}
		if len(facts) == 0 {
			refs = append(refs, llm.MemoryRef{
				ID:         ent.ID,
				EntityName: ent.Name,
				Predicate:  "entity",
				Content:    ent.Name,
				Version:    ent.Version,
				Similarity: sim,
			})
			return nil
		}
		for _, f := range facts {
			refs = append(refs, llm.MemoryRef{
				ID:         f.ID,
				EntityName: ent.Name,
				Predicate:  f.Predicate,
				Content:    f.Object,
				Version:    f.Version,
				Similarity: sim,
			})
		}
		return nil
	}

	// Exact name match first — the duplicate-entity guard.
	if c.EntityName != "" {
		ent, err := e.DB.GetActiveEntityByName(c.EntityName)
		if err != nil {
			return nil, err
		}
		if ent != nil {
			if err := appendEntityFacts(ent.ID, 1.0); err != nil {
				return nil, err
			}
		}
	}

	if e.Embedder != nil {
		text := c.Content
		if text == "" {
			text = c.EntityName + " " + c.Predicate + " " + c.Object
		}
		vec, err := e.Embedder.Embed(ctx, text)
		if err != nil {
			// Similarity ranking is best-effort; the name guard above still
			// protects against duplicates.
			log.Printf("decision: embed candidate: %v", err)
		} else {
			neighbors, err := e.DB.SimilarEntities(vec, maxSimilar, e.Decision.MinSimilarity)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if err := appendEntityFacts(n.EntityID, n.Similarity); err != nil {
					return nil, err
				}
			}
		}
	}

	if len(refs) > maxSimilar {
		refs = refs[:maxSimilar]
	}
	return refs, nil
}

// decisionResult carries the before/after audit fields out of execution.
type decisionResult struct {
	decision      *llm.Decision
	before        string
	after         string
	beforeVersion int
	afterVersion  int
}

// applyDecision executes one decoded decision against the store. The switch
// is exhaustive over the closed action set; execution failures surface as
// errors so the job layer can retry.
func (e *Engine) applyDecision(ctx context.Context, c llm.Candidate, d *llm.Decision) (*decisionResult, error) {
	switch d.Action {
	case llm.ActionAdd:
		return e.applyAdd(ctx, c, d)
	case llm.ActionUpdate:
		return e.applyUpdate(ctx, c, d)
	case llm.ActionDelete:
		return e.applyDelete(c, d)
	case llm.ActionNoOp:
		return &decisionResult{decision: d}, nil
	default:
		// decodeToolCall never produces other values.
		return &decisionResult{decision: &llm.Decision{
			Action:    llm.ActionNoOp,
			Reasoning: fmt.Sprintf("unrecognized action %q mapped to no-op", d.Action),
		}}, nil
	}
}

func (e *Engine) applyAdd(ctx context.Context, c llm.Candidate, d *llm.Decision) (*decisionResult, error) {
	now := time.Now().UnixMilli()

	ent, err := e.DB.GetActiveEntityByName(c.EntityName)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		ent = &store.Entity{
			Name:      c.EntityName,
			Type:      entityTypeOrDefault(c.EntityType),
			Sentiment: c.Sentiment,
			Snippets:  snippetFrom(c),
		}
		if err := e.DB.CreateEntity(ent); err != nil {
			return nil, fmt.Errorf("create entity: %w", err)
		}
	} else {
		if err := e.DB.RecordMention(ent.ID, c.Content, c.Sentiment, now); err != nil {
			return nil, err
		}
	}

	fact, err := e.DB.CreateFact(store.CreateFactParams{
		EntityID:    ent.ID,
		Predicate:   c.Predicate,
		Object:      c.Object,
		Confidence:  c.Confidence,
		SourceEntry: c.Source,
	})
	if err != nil {
		return nil, fmt.Errorf("create fact: %w", err)
	}

	if err := e.EmbedEntity(ctx, ent.ID); err != nil {
		log.Printf("decision: embed after add: %v", err)
	}

	return &decisionResult{
		decision:     d,
		after:        fact.Predicate + ": " + fact.Object,
		afterVersion: fact.Version,
	}, nil
}

func (e *Engine) applyUpdate(ctx context.Context, c llm.Candidate, d *llm.Decision) (*decisionResult, error) {
	target, err := e.DB.GetFact(d.TargetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		// The service referenced a memory that no longer exists. Never guess —
		// record a no-op with the problem preserved.
		return &decisionResult{decision: &llm.Decision{
			Action:    llm.ActionNoOp,
			Reasoning: fmt.Sprintf("update target %s not found; original reasoning: %s", d.TargetID, d.Reasoning),
		}}, nil
	}
	if !target.IsCurrent {
		// A stale target id would fork the version chain: its replacement is
		// already current.
		return &decisionResult{decision: &llm.Decision{
			Action:    llm.ActionNoOp,
			Reasoning: fmt.Sprintf("update target %s is no longer current; original reasoning: %s", d.TargetID, d.Reasoning),
		}}, nil
	}

	before := target.Predicate + ": " + target.Object
	beforeVersion := target.Version
	content := d.Content
	if content == "" {
		content = c.Object
	}

	var after *store.Fact
	switch d.Strategy {
	case llm.UpdateAppend:
		after, err = e.DB.AppendToFact(target.ID, content, c.Confidence)
	case llm.UpdateSupersede:
		after, err = e.DB.ReplaceFact(target.ID, store.CreateFactParams{
			Object:      content,
			Confidence:  c.Confidence,
			SourceEntry: c.Source,
		}, "superseded")
	default: // replace
		after, err = e.DB.ReplaceFact(target.ID, store.CreateFactParams{
			Object:      content,
			Confidence:  c.Confidence,
			SourceEntry: c.Source,
		}, "replaced")
	}
	if err != nil {
		return nil, fmt.Errorf("apply update (%s): %w", d.Strategy, err)
	}

	if err := e.DB.RecordMention(target.EntityID, c.Content, c.Sentiment, time.Now().UnixMilli()); err != nil {
		log.Printf("decision: record mention after update: %v", err)
	}
	if err := e.EmbedEntity(ctx, target.EntityID); err != nil {
		log.Printf("decision: embed after update: %v", err)
	}

	return &decisionResult{
		decision:      d,
		before:        before,
		after:         after.Predicate + ": " + after.Object,
		beforeVersion: beforeVersion,
		afterVersion:  after.Version,
	}, nil
}

func (e *Engine) applyDelete(c llm.Candidate, d *llm.Decision) (*decisionResult, error) {
	// The target may be a fact or a whole entity.
	if fact, err := e.DB.GetFact(d.TargetID); err != nil {
		return nil, err
	} else if fact != nil {
		before := fact.Predicate + ": " + fact.Object
		if d.Hard {
			if err := e.DB.HardDeleteFact(fact.ID); err != nil {
				return nil, err
			}
		} else {
			if err := e.DB.InvalidateFact(fact.ID, "soft_deleted", 0); err != nil {
				return nil, err
			}
		}
		return &decisionResult{decision: d, before: before, beforeVersion: fact.Version}, nil
	}

	ent, err := e.DB.GetEntity(d.TargetID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return &decisionResult{decision: &llm.Decision{
			Action:    llm.ActionNoOp,
			Reasoning: fmt.Sprintf("delete target %s not found; original reasoning: %s", d.TargetID, d.Reasoning),
		}}, nil
	}

	before := ent.Name
	if d.Hard {
		if err := e.DB.HardDeleteEntity(ent.ID); err != nil {
			return nil, err
		}
	} else {
		if err := e.DB.ArchiveEntity(ent.ID); err != nil {
			return nil, err
		}
	}
	return &decisionResult{decision: d, before: before, beforeVersion: ent.Version}, nil
}

var validEntityTypes = map[string]bool{
	"person": true, "organization": true, "place": true,
	"project": true, "concept": true, "event": true,
}

func entityTypeOrDefault(t string) string {
	if validEntityTypes[t] {
		return t
	}
	return "concept"
}

func snippetFrom(c llm.Candidate) []string {
	if c.Content == "" {
		return nil
	}
	return []string{c.Content}
}
