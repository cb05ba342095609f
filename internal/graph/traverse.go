package graph

import (
	"fmt"
	"sort"
)

// PathNode is one hop in a traversal result.
type PathNode struct {
	EntityID   string  `json:"entity_id"`
	EntityName string  `json:"entity_name"`
	RelType    string  `json:"rel_type,omitempty"` // edge into this node; empty at the root
	Strength   float64 `json:"strength,omitempty"`
}

// TraversalResult is one reachable entity with the path that reached it and
// the product of edge strengths along that path.
type TraversalResult struct {
	EntityID   string     `json:"entity_id"`
	EntityName string     `json:"entity_name"`
	Depth      int        `json:"depth"`
	Confidence float64    `json:"confidence"` // product of edge strengths on the path
	Path       []PathNode `json:"path"`
}

// Traverse walks outward from a starting entity up to maxDepth hops,
// breadth-first. Each entity is reported once, at its shallowest depth;
// revisiting any node already on the current path is refused, so cycles in the
// graph terminate. Confidence multiplies edge strengths, so long weak chains
// rank below short strong ones.
func (g *Graph) Traverse(startID string, maxDepth int, minStrength float64) ([]TraversalResult, error) {
	start := g.Entities[startID]
	if start == nil {
		return nil, fmt.Errorf("traverse: entity %s not in graph", startID)
	}
	if maxDepth <= 0 {
		maxDepth = 2
	}

	type frame struct {
		id         string
		depth      int
		confidence float64
		path       []PathNode
	}

	visited := map[string]bool{startID: true}
	queue := []frame{{
		id:         startID,
		confidence: 1.0,
		path:       []PathNode{{EntityID: startID, EntityName: start.Name}},
	}}

	var results []TraversalResult
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= maxDepth {
			continue
		}
		for _, e := range g.adjacency[cur.id] {
			if e.strength < minStrength {
				continue
			}
			onPath := false
			for _, p := range cur.path {
				if p.EntityID == e.peer {
					onPath = true
					break
				}
			}
			if onPath || visited[e.peer] {
				continue
			}
			visited[e.peer] = true

			peer := g.Entities[e.peer]
			if peer == nil {
				continue
			}
			node := PathNode{EntityID: peer.ID, EntityName: peer.Name, RelType: e.relType, Strength: e.strength}
			path := make([]PathNode, len(cur.path), len(cur.path)+1)
			copy(path, cur.path)
			path = append(path, node)

			next := frame{
				id:         e.peer,
				depth:      cur.depth + 1,
				confidence: cur.confidence * e.strength,
				path:       path,
			}
			results = append(results, TraversalResult{
				EntityID:   peer.ID,
				EntityName: peer.Name,
				Depth:      next.depth,
				Confidence: next.confidence,
				Path:       path,
			})
			queue = append(queue, next)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Depth != results[j].Depth {
			return results[i].Depth < results[j].Depth
		}
		return results[i].Confidence > results[j].Confidence
	})
	return results, nil
}
