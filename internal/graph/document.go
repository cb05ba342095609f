package graph

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/keepsake/keepsake/internal/store"
)

// DocumentOptions controls context assembly.
type DocumentOptions struct {
	Focus       string // optional entity name to front-load
	MaxEntities int    // per-type cap; default 50
	TokenBudget int    // whole-document ceiling; default 4000
}

// Document is an assembled context document plus its accounting.
type Document struct {
	Text      string `json:"text"`
	Tokens    int    `json:"tokens"`
	Truncated bool   `json:"truncated"`
	Entities  int    `json:"entities"`
	Partial   bool   `json:"partial"` // underlying graph load was partial
}

var typeOrder = []string{"person", "organization", "project", "place", "event", "concept"}

// BuildDocument renders the graph into a bounded markdown document for
// injection into an agent's context window. Sections are appended in priority
// order — key people first, long-tail concepts last — and assembly stops at
// the token budget, so the most important knowledge survives truncation.
func BuildDocument(g *Graph, opts DocumentOptions) (*Document, error) {
	if opts.MaxEntities <= 0 {
		opts.MaxEntities = 50
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = 4000
	}

	countTokens := tokenCounter()

	doc := &Document{Partial: g.Partial}
	var b strings.Builder
	used := 0

	// write appends a block if it fits the remaining budget. Blocks are
	// all-or-nothing; a section that doesn't fit is dropped whole.
	write := func(block string) bool {
		n := countTokens(block)
		if used+n > opts.TokenBudget {
			doc.Truncated = true
			return false
		}
		b.WriteString(block)
		used += n
		return true
	}

	entities := make([]*store.Entity, 0, len(g.Entities))
	for _, e := range g.Entities {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Importance != entities[j].Importance {
			return entities[i].Importance > entities[j].Importance
		}
		return entities[i].LastMentioned > entities[j].LastMentioned
	})

	// Focus entity jumps the queue.
	if opts.Focus != "" {
		key := store.NameKeyOf(opts.Focus)
		for i, e := range entities {
			if e.NameKey == key {
				entities = append([]*store.Entity{e}, append(entities[:i:i], entities[i+1:]...)...)
				break
			}
		}
	}

	write("# What I know about the user\n\n")

	// Key people: the named relationships in the user's life.
	var people []string
	for _, e := range entities {
		if e.Type != "person" || e.Relationship == "" {
			continue
		}
		people = append(people, fmt.Sprintf("- %s (%s)%s", e.Name, e.Relationship, factLine(g.Facts[e.ID])))
		if len(people) >= opts.MaxEntities {
			break
		}
	}
	if len(people) > 0 {
		write("## Key people\n" + strings.Join(people, "\n") + "\n\n")
	}

	// Entities grouped by type, focus-first within the global importance order.
	byType := make(map[string][]*store.Entity)
	for _, e := range entities {
		byType[e.Type] = append(byType[e.Type], e)
	}
	for _, t := range typeOrder {
		group := byType[t]
		if len(group) == 0 {
			continue
		}
		if len(group) > opts.MaxEntities {
			group = group[:opts.MaxEntities]
		}
		var lines []string
		for _, e := range group {
			line := "- " + e.Name
			if e.Relationship != "" {
				line += " (" + e.Relationship + ")"
			}
			line += factLine(g.Facts[e.ID])
			lines = append(lines, line)
			doc.Entities++
		}
		if !write(fmt.Sprintf("## %s\n%s\n\n", title(t)+"s", strings.Join(lines, "\n"))) {
			break
		}
	}

	// Behavioral profile: how the user relates to the people around them.
	if block := behaviorBlock(g, entities); block != "" {
		write(block)
	}

	// Confirmed and detected patterns; summary patterns render separately.
	var patternLines, summaryLines []string
	for _, p := range g.Patterns {
		if strings.HasPrefix(p.PatternType, "summary:") {
			summaryLines = append(summaryLines,
				fmt.Sprintf("### %s\n%s", strings.TrimPrefix(p.PatternType, "summary:"), p.Description))
			continue
		}
		patternLines = append(patternLines, fmt.Sprintf("- %s (confidence %.2f)", p.Description, p.Confidence))
	}
	if len(patternLines) > 0 {
		write("## Observed patterns\n" + strings.Join(patternLines, "\n") + "\n\n")
	}
	if len(summaryLines) > 0 {
		write("## Summaries\n" + strings.Join(summaryLines, "\n\n") + "\n\n")
	}

	// Recent activity: what has come up in the last two weeks.
	cutoff := time.Now().AddDate(0, 0, -14).UnixMilli()
	var recent []string
	for _, e := range entities {
		if e.LastMentioned < cutoff {
			continue
		}
		recent = append(recent, fmt.Sprintf("- %s (%d mentions)", e.Name, e.MentionCount))
		if len(recent) >= 15 {
			break
		}
	}
	if len(recent) > 0 {
		write("## Recently mentioned\n" + strings.Join(recent, "\n") + "\n")
	}

	doc.Text = b.String()
	doc.Tokens = used
	return doc, nil
}

var (
	tokenizerOnce sync.Once
	tokenizerFn   func(string) int
)

// tokenCounter returns the cl100k_base token counter. The first call fetches
// the BPE table; when that is unavailable (offline), the ~4 chars/token
// approximation keeps the read path serving documents.
func tokenCounter() func(string) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Printf("context: token encoding unavailable, approximating: %v", err)
			tokenizerFn = approxTokens
			return
		}
		tokenizerFn = func(s string) int { return len(enc.Encode(s, nil, nil)) }
	})
	return tokenizerFn
}

func approxTokens(s string) int {
	return (len(s) + 3) / 4
}

// title uppercases the first byte. Entity types and relation names are ASCII.
func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// factLine renders an entity's current facts inline, most recent predicates
// first, capped to keep the per-entity cost bounded.
func factLine(facts []store.Fact) string {
	if len(facts) == 0 {
		return ""
	}
	const maxFacts = 4
	var parts []string
	for i, f := range facts {
		if i >= maxFacts {
			parts = append(parts, fmt.Sprintf("(+%d more)", len(facts)-maxFacts))
			break
		}
		parts = append(parts, strings.ReplaceAll(f.Predicate, "_", " ")+" "+f.Object)
	}
	return ": " + strings.Join(parts, "; ")
}

var behaviorRelations = []string{"trust", "emotional", "collaborative"}

func behaviorBlock(g *Graph, entities []*store.Entity) string {
	names := make(map[string]string, len(entities))
	for _, e := range entities {
		names[e.ID] = e.Name
	}

	grouped := make(map[string][]string)
	for id, behaviors := range g.Behaviors {
		name := names[id]
		if name == "" {
			continue
		}
		for _, bh := range behaviors {
			direction := "toward"
			if bh.Direction == "entity_to_user" {
				direction = "from"
			}
			grouped[bh.Relation] = append(grouped[bh.Relation],
				fmt.Sprintf("- %s %s (confidence %.2f, %dx)", direction, name, bh.Confidence, bh.ReinforcementCount))
		}
	}

	var b strings.Builder
	for _, rel := range behaviorRelations {
		lines := grouped[rel]
		if len(lines) == 0 {
			continue
		}
		sort.Strings(lines)
		fmt.Fprintf(&b, "### %s\n%s\n", title(rel), strings.Join(lines, "\n"))
	}
	if b.Len() == 0 {
		return ""
	}
	return "## Behavioral profile\n" + b.String() + "\n"
}
