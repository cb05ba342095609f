package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecisionPrompt renders the candidate fact and its nearest existing memories
// for the tool-constrained decision call.
func DecisionPrompt(candidate Candidate, memories []MemoryRef) string {
	var b strings.Builder

	b.WriteString(`You maintain a personal memory store for a single user. Given one candidate
fact and the most similar existing memories, choose exactly one action by
calling exactly one tool:

- add_memory: no sufficiently similar memory exists; store as new knowledge.
- update_memory: the candidate changes existing knowledge. strategy must be:
    "replace"   — a correction; the old content was wrong or is fully obsolete
    "append"    — additional detail to merge onto the existing memory
    "supersede" — a life-state transition (new job, new city); keep the old
                  record as history and link the new one to it
- delete_memory: the user asked to forget something. hard_delete only when the
  request was explicit and permanent; otherwise soft-archive.
- no_op: redundant, trivial, or too low-confidence to store.

Call exactly one tool. Put your reasoning in the "reason" argument.

CANDIDATE:
`)

	cj, _ := json.MarshalIndent(candidate, "", "  ")
	b.Write(cj)

	b.WriteString("\n\nEXISTING MEMORIES (ranked by similarity):\n")
	if len(memories) == 0 {
		b.WriteString("(none above the similarity threshold)\n")
	} else {
		for i, m := range memories {
			fmt.Fprintf(&b, "%d. [id=%s sim=%.2f v%d] %s — %s: %s\n",
				i+1, m.ID, m.Similarity, m.Version, m.EntityName, m.Predicate, m.Content)
		}
	}

	return b.String()
}

// ExtractionPrompt asks for candidate facts from one journal entry. The
// response must be a JSON array; the parser tolerates code fences.
func ExtractionPrompt(content, category string) string {
	return fmt.Sprintf(`You extract structured facts from a short journal entry written by one user
about their own life. Category: %s

ENTRY:
%s

Extract candidate facts as (entity, predicate, object) triples. An entity is a
person, organization, place, project, concept, or event in the user's life.
Predicates are snake_case ("works_at", "lives_in", "likes", "feels_about").

Rules:
- Only extract genuinely useful, persistent knowledge
- Skip trivial or one-off details
- sentiment is the user's feeling toward the entity in this entry, -1 to 1
- confidence reflects how directly the entry states the fact, 0 to 1
- Return ONLY a JSON array, no other text

Return a JSON array:
[{
  "entity_name": "Jordan",
  "entity_type": "person|organization|place|project|concept|event",
  "predicate": "works_at",
  "object": "Globex",
  "content": "one-sentence restatement of the fact",
  "sentiment": 0.0,
  "confidence": 0.9,
  "temporal": "optional hint like 'since March'"
}]

If nothing worth extracting, return: []`, category, content)
}

// SummaryPrompt condenses a set of facts into a category summary.
func SummaryPrompt(category string, lines []string) string {
	return fmt.Sprintf(`Summarize what is known in the %q area of the user's life in 2-3 sentences.
Write in the third person ("the user ..."). Facts:

%s`, category, strings.Join(lines, "\n"))
}
