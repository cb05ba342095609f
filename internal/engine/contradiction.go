package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/keepsake/keepsake/internal/llm"
	"github.com/keepsake/keepsake/internal/store"
)

const (
	// A pair of facts must both be this confident before it counts as a
	// contradiction rather than noise.
	contradictionMinConfidence = 0.8
	// Facts asserted closer together than this are treated as rapid
	// correction, not contradiction.
	contradictionMinGapMs = 7 * dayMs
	// Sentiment must move at least this far between windows to report.
	sentimentShiftMin = 0.3
)

// Contradiction is one detected conflict between two high-confidence facts
// about the same entity and predicate, asserted far enough apart in time.
type Contradiction struct {
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name"`
	Predicate  string `json:"predicate"`
	Before     string `json:"before"`
	After      string `json:"after"`
	BeforeAt   int64  `json:"before_at"`
	AfterAt    int64  `json:"after_at"`
	GapDays    int    `json:"gap_days"`
	Summary    string `json:"summary"`
}

// SentimentShift is a reportable change in sentiment between the earlier and
// later halves of the inspection window. Entity shifts carry the entity;
// category shifts aggregate every candidate from entries of one category and
// carry Category instead.
type SentimentShift struct {
	EntityID   string  `json:"entity_id,omitempty"`
	EntityName string  `json:"entity_name,omitempty"`
	Category   string  `json:"category,omitempty"`
	Earlier    float64 `json:"earlier"`
	Later      float64 `json:"later"`
	Delta      float64 `json:"delta"`
	Summary    string  `json:"summary"`
}

// ContradictionReport is the read-only output of one detection pass. Nothing
// here mutates the store — resolving a contradiction is the decision engine's
// job, triggered by new entries.
type ContradictionReport struct {
	WindowDays      int              `json:"window_days"`
	Contradictions  []Contradiction  `json:"contradictions"`
	SentimentShifts []SentimentShift `json:"sentiment_shifts"`
}

// DetectContradictions inspects the last windowDays of asserted facts for
// conflicting high-confidence claims, and the audit trail for entities whose
// sentiment moved sharply between the earlier and later halves of the window.
func (e *Engine) DetectContradictions(windowDays int) (*ContradictionReport, error) {
	if windowDays <= 0 {
		windowDays = 90
	}
	now := time.Now().UnixMilli()
	from := now - int64(windowDays)*dayMs

	facts, err := e.DB.FactsInWindow(from, now+1)
	if err != nil {
		return nil, fmt.Errorf("facts in window: %w", err)
	}

	report := &ContradictionReport{WindowDays: windowDays}

	// Group by (entity, predicate); compare each assertion against the ones
	// before it.
	type key struct{ entity, predicate string }
	grouped := make(map[key][]store.Fact)
	for _, f := range facts {
		k := key{f.EntityID, f.Predicate}
		grouped[k] = append(grouped[k], f)
	}

	names := make(map[string]string)
	entityName := func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		n := id
		if ent, err := e.DB.GetEntity(id); err == nil && ent != nil {
			n = ent.Name
		}
		names[id] = n
		return n
	}

	for k, group := range grouped {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ValidFrom < group[j].ValidFrom })
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if a.Object == b.Object {
					continue
				}
				if a.Confidence < contradictionMinConfidence || b.Confidence < contradictionMinConfidence {
					continue
				}
				gap := b.ValidFrom - a.ValidFrom
				if gap < contradictionMinGapMs {
					continue
				}
				name := entityName(k.entity)
				gapDays := int(gap / dayMs)
				report.Contradictions = append(report.Contradictions, Contradiction{
					EntityID:   k.entity,
					EntityName: name,
					Predicate:  k.predicate,
					Before:     a.Object,
					After:      b.Object,
					BeforeAt:   a.ValidFrom,
					AfterAt:    b.ValidFrom,
					GapDays:    gapDays,
					Summary: fmt.Sprintf("%s %s: %q then %q, %d days apart",
						name, k.predicate, a.Object, b.Object, gapDays),
				})
			}
		}
	}

	shifts, err := e.detectSentimentShifts(from, now)
	if err != nil {
		return nil, err
	}
	report.SentimentShifts = shifts

	// Largest gaps first: old, firmly-held beliefs overturned rank above
	// recent churn.
	sort.Slice(report.Contradictions, func(i, j int) bool {
		return report.Contradictions[i].GapDays > report.Contradictions[j].GapDays
	})

	return report, nil
}

// detectSentimentShifts compares mean sentiment between the first and second
// halves of [from, to), read from the candidate payloads in the audit trail.
// Aggregated twice: per entity, and per entry category.
func (e *Engine) detectSentimentShifts(from, to int64) ([]SentimentShift, error) {
	ops, err := e.DB.RecentOperations(2000)
	if err != nil {
		return nil, fmt.Errorf("recent operations: %w", err)
	}

	mid := from + (to-from)/2
	type acc struct {
		earlySum float64
		earlyN   int
		lateSum  float64
		lateN    int
	}
	byEntity := make(map[string]*acc)
	byCategory := make(map[string]*acc)
	observe := func(m map[string]*acc, key string, sentiment float64, at int64) {
		a := m[key]
		if a == nil {
			a = &acc{}
			m[key] = a
		}
		if at < mid {
			a.earlySum += sentiment
			a.earlyN++
		} else {
			a.lateSum += sentiment
			a.lateN++
		}
	}

	for _, op := range ops {
		if op.CreatedAt < from || op.CreatedAt >= to {
			continue
		}
		var c llm.Candidate
		if err := json.Unmarshal([]byte(op.Candidate), &c); err != nil || c.EntityName == "" {
			continue
		}
		observe(byEntity, c.EntityName, c.Sentiment, op.CreatedAt)
		if c.Category != "" {
			observe(byCategory, c.Category, c.Sentiment, op.CreatedAt)
		}
	}

	// halves returns the two means, or false when either half is empty or the
	// move is below the reporting threshold.
	halves := func(a *acc) (earlier, later float64, ok bool) {
		if a.earlyN == 0 || a.lateN == 0 {
			return 0, 0, false
		}
		earlier = a.earlySum / float64(a.earlyN)
		later = a.lateSum / float64(a.lateN)
		return earlier, later, math.Abs(later-earlier) >= sentimentShiftMin
	}

	var shifts []SentimentShift
	for name, a := range byEntity {
		earlier, later, ok := halves(a)
		if !ok {
			continue
		}
		entityID := ""
		if ent, err := e.DB.GetActiveEntityByName(name); err == nil && ent != nil {
			entityID = ent.ID
		}
		direction := "warmed toward"
		if later < earlier {
			direction = "cooled toward"
		}
		shifts = append(shifts, SentimentShift{
			EntityID:   entityID,
			EntityName: name,
			Earlier:    earlier,
			Later:      later,
			Delta:      later - earlier,
			Summary:    fmt.Sprintf("user has %s %s (%.2f to %.2f)", direction, name, earlier, later),
		})
	}
	for cat, a := range byCategory {
		earlier, later, ok := halves(a)
		if !ok {
			continue
		}
		direction := "warmed"
		if later < earlier {
			direction = "cooled"
		}
		shifts = append(shifts, SentimentShift{
			Category: cat,
			Earlier:  earlier,
			Later:    later,
			Delta:    later - earlier,
			Summary:  fmt.Sprintf("tone of %s entries has %s (%.2f to %.2f)", cat, direction, earlier, later),
		})
	}

	sort.Slice(shifts, func(i, j int) bool {
		return math.Abs(shifts[i].Delta) > math.Abs(shifts[j].Delta)
	})
	return shifts, nil
}
