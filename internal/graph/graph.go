package graph

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/keepsake/keepsake/internal/store"
)

// Graph is an in-memory snapshot of the knowledge graph: entities as nodes,
// relationships as weighted edges, plus the behaviors, patterns, and current
// facts needed to assemble a context document. Loaded fresh per request (or
// served from the profile cache); never mutated after Load returns.
type Graph struct {
	Entities      map[string]*store.Entity
	Facts         map[string][]store.Fact // by entity id
	Behaviors     map[string][]store.Behavior
	Relationships []store.Relationship
	Patterns      []store.Pattern

	adjacency map[string][]edge
	LoadedAt  time.Time
	Partial   bool // one or more optional loads failed
}

type edge struct {
	peer     string
	relType  string
	strength float64
}

// Load builds a graph snapshot. Entities and facts are required; behaviors,
// relationships, and patterns load concurrently and a failure there degrades
// the snapshot instead of failing it.
func Load(db *store.DB) (*Graph, error) {
	started := time.Now()

	entities, err := db.ListEntities("active")
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}

	g := &Graph{
		Entities:  make(map[string]*store.Entity, len(entities)),
		Facts:     make(map[string][]store.Fact, len(entities)),
		Behaviors: make(map[string][]store.Behavior),
		adjacency: make(map[string][]edge),
		LoadedAt:  started,
	}
	for i := range entities {
		g.Entities[entities[i].ID] = &entities[i]
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var factsErr error

	wg.Add(4)

	go func() {
		defer wg.Done()
		t := time.Now()
		for id := range g.Entities {
			facts, err := db.CurrentFacts(id)
			if err != nil {
				mu.Lock()
				factsErr = err
				mu.Unlock()
				return
			}
			mu.Lock()
			g.Facts[id] = facts
			mu.Unlock()
		}
		log.Printf("graph: facts loaded in %v", time.Since(t))
	}()

	go func() {
		defer wg.Done()
		t := time.Now()
		behaviors, err := db.AllBehaviors()
		if err != nil {
			log.Printf("graph: load behaviors: %v", err)
			mu.Lock()
			g.Partial = true
			mu.Unlock()
			return
		}
		mu.Lock()
		for _, b := range behaviors {
			g.Behaviors[b.EntityID] = append(g.Behaviors[b.EntityID], b)
		}
		mu.Unlock()
		log.Printf("graph: behaviors loaded in %v", time.Since(t))
	}()

	go func() {
		defer wg.Done()
		t := time.Now()
		rels, err := db.AllRelationships()
		if err != nil {
			log.Printf("graph: load relationships: %v", err)
			mu.Lock()
			g.Partial = true
			mu.Unlock()
			return
		}
		mu.Lock()
		g.Relationships = rels
		mu.Unlock()
		log.Printf("graph: relationships loaded in %v", time.Since(t))
	}()

	go func() {
		defer wg.Done()
		patterns, err := db.ActivePatterns()
		if err != nil {
			log.Printf("graph: load patterns: %v", err)
			mu.Lock()
			g.Partial = true
			mu.Unlock()
			return
		}
		mu.Lock()
		g.Patterns = patterns
		mu.Unlock()
	}()

	wg.Wait()
	if factsErr != nil {
		return nil, fmt.Errorf("load facts: %w", factsErr)
	}

	// Adjacency is built only over loaded (active) entities; edges into
	// archived entities are dropped from traversal but kept in Relationships.
	for _, r := range g.Relationships {
		_, okA := g.Entities[r.EntityA]
		_, okB := g.Entities[r.EntityB]
		if !okA || !okB {
			continue
		}
		g.adjacency[r.EntityA] = append(g.adjacency[r.EntityA], edge{r.EntityB, r.RelType, r.Strength})
		g.adjacency[r.EntityB] = append(g.adjacency[r.EntityB], edge{r.EntityA, r.RelType, r.Strength})
	}

	log.Printf("graph: %d entities, %d edges loaded in %v",
		len(g.Entities), len(g.Relationships), time.Since(started))
	return g, nil
}

// Entity returns a node by id, or nil.
func (g *Graph) Entity(id string) *store.Entity {
	return g.Entities[id]
}

// Neighbors returns the ids of entities directly connected to id.
func (g *Graph) Neighbors(id string) []string {
	edges := g.adjacency[id]
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.peer
	}
	return out
}
