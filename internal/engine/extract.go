package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/keepsake/keepsake/internal/llm"
)

// ExtractReport summarizes one entry's trip through extraction.
type ExtractReport struct {
	Candidates int
	Processed  int
	Skipped    int
	Errors     int
}

// Predicates that describe how the user relates to an entity rather than a
// property of the entity itself. These reinforce the behavioral profile in
// addition to the fact store.
var behaviorPredicates = map[string]string{
	"trusts":            "trust",
	"distrusts":         "trust",
	"relies_on":         "collaborative",
	"collaborates_with": "collaborative",
	"confides_in":       "emotional",
	"avoids":            "emotional",
	"feels_about":       "emotional",
}

// ExtractFromEntry runs the full ingestion path for one journal entry: one
// completion call to pull candidate triples, then each candidate through the
// decision engine, then co-occurrence edges between the entities the entry
// mentioned together.
func (e *Engine) ExtractFromEntry(ctx context.Context, entryID, content, category string) (*ExtractReport, error) {
	if e.LLM == nil {
		return nil, fmt.Errorf("no reasoning client configured")
	}

	resp, err := e.LLM.Complete(ctx, llm.ExtractionPrompt(content, category))
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	candidates, err := parseExtractionResponse(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}

	report := &ExtractReport{Candidates: len(candidates)}
	var mentioned []string

	for _, c := range candidates {
		if c.EntityName == "" || c.Predicate == "" || c.Object == "" {
			report.Skipped++
			continue
		}
		c.Sentiment = clamp(c.Sentiment, -1, 1)
		c.Confidence = clamp(c.Confidence, 0, 1)
		c.Source = entryID
		c.Category = category

		if _, err := e.ProcessCandidate(ctx, c); err != nil {
			report.Errors++
			log.Printf("extract: process %s/%s: %v", c.EntityName, c.Predicate, err)
			continue
		}
		report.Processed++

		ent, err := e.DB.GetActiveEntityByName(c.EntityName)
		if err != nil || ent == nil {
			continue
		}
		mentioned = append(mentioned, ent.ID)

		if relation, ok := behaviorPredicates[c.Predicate]; ok {
			if _, err := e.DB.ReinforceBehavior(ent.ID, relation, "user_to_entity", c.Confidence); err != nil {
				log.Printf("extract: reinforce behavior %s/%s: %v", c.EntityName, relation, err)
			}
		}
	}

	// Entities mentioned in the same entry get (or strengthen) an edge.
	seen := make(map[string]bool)
	var unique []string
	for _, id := range mentioned {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	for i := 0; i < len(unique); i++ {
		for j := i + 1; j < len(unique); j++ {
			if _, err := e.DB.RecordCoOccurrence(unique[i], unique[j]); err != nil {
				log.Printf("extract: co-occurrence: %v", err)
			}
		}
	}

	return report, nil
}

// parseExtractionResponse decodes the JSON array of candidates, tolerating
// markdown code fences and surrounding prose.
func parseExtractionResponse(content string) ([]llm.Candidate, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var candidates []llm.Candidate
	if err := json.Unmarshal([]byte(text[start:end+1]), &candidates); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return candidates, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
