package store

import "strings"

// singleValuePredicates is the closed set of predicates for which an entity
// can hold at most one current fact. Creating a new current fact for one of
// these atomically supersedes the prior value. Everything else is multi-value
// ("likes", "visited", ...).
var singleValuePredicates = map[string]bool{
	"works_at":       true,
	"job_title":      true,
	"lives_in":       true,
	"marital_status": true,
	"relationship":   true,
	"age":            true,
	"birthday":       true,
	"employer":       true,
	"residence":      true,
	"school":         true,
	"partner":        true,
}

// extraSingleValue holds config-supplied additions to the registry.
var extraSingleValue = map[string]bool{}

// RegisterSingleValuePredicates adds predicates to the single-value set.
// Called once at startup from config; not safe for concurrent use with reads.
func RegisterSingleValuePredicates(preds []string) {
	for _, p := range preds {
		p = normalizePredicate(p)
		if p != "" {
			extraSingleValue[p] = true
		}
	}
}

// IsSingleValue reports whether a predicate allows only one current fact
// per entity.
func IsSingleValue(predicate string) bool {
	p := normalizePredicate(predicate)
	return singleValuePredicates[p] || extraSingleValue[p]
}

func normalizePredicate(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
