package cache

import (
	"regexp"
	"strings"
)

// relatedPatterns maps a pattern term to sibling substrings that get
// invalidated alongside it when Related is requested.
var relatedPatterns = map[string][]string{
	"product": {"recommendation", "review"},
	"user":    {"session", "preference"},
}

// InvalidateOptions controls how far an invalidation reaches beyond the
// directly matched keys.
type InvalidateOptions struct {
	// Cascade also deletes keys structurally derived from each matched
	// key, e.g. a product key takes the tenant's product listings and the
	// product's recommendations with it.
	Cascade bool

	// Related additionally invalidates sibling patterns, e.g. "product"
	// also invalidates "recommendation" and "review" keys.
	Related bool
}

// Invalidate removes all entries whose key matches the pattern and returns
// the number of entries removed. The pattern is treated as a regular
// expression when it compiles, otherwise as a literal substring.
func (s *Store) Invalidate(pattern string, opts InvalidateOptions) int {
	match := compileMatcher(pattern)
	removed := s.deleteMatching(match)

	total := len(removed)

	if opts.Cascade {
		seen := map[string]bool{}
		for _, key := range removed {
			for _, derived := range cascadePatterns(key) {
				if seen[derived] {
					continue
				}
				seen[derived] = true
				total += len(s.deleteMatching(compileMatcher(derived)))
			}
		}
	}

	if opts.Related {
		for term, siblings := range relatedPatterns {
			if !strings.Contains(pattern, term) {
				continue
			}
			for _, sibling := range siblings {
				total += len(s.deleteMatching(substringMatcher(sibling)))
			}
		}
	}

	if total > 0 {
		cacheInvalidations.Add(float64(total))
		s.logger.Debug().
			Str("pattern", pattern).
			Int("removed", total).
			Bool("cascade", opts.Cascade).
			Bool("related", opts.Related).
			Msg("Invalidated cache entries")
	}
	return total
}

// deleteMatching removes matching keys from every tier and returns them.
func (s *Store) deleteMatching(match func(string) bool) []string {
	var removed []string
	for t := TierHot; t <= TierCold; t++ {
		for _, key := range s.tiers[t].keysMatching(match) {
			if _, ok := s.tiers[t].remove(key); ok {
				s.access.forget(key)
				removed = append(removed, key)
			}
		}
	}
	return removed
}

// compileMatcher builds a key matcher from a pattern: regex when it
// compiles, literal substring otherwise. A literal pattern compiles to a
// regex that matches it as a substring, so both behave consistently.
func compileMatcher(pattern string) func(string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return substringMatcher(pattern)
	}
	return re.MatchString
}

func substringMatcher(sub string) func(string) bool {
	return func(key string) bool {
		return strings.Contains(key, sub)
	}
}

// cascadePatterns derives invalidation patterns from a deleted key. A
// product key invalidates the tenant's product listings and the product's
// recommendations; a user key invalidates the user's sessions and
// preferences.
func cascadePatterns(key string) []string {
	parts := strings.Split(key, ":")
	if len(parts) < 2 {
		return nil
	}
	scope := regexp.QuoteMeta(parts[0])

	var patterns []string
	for i := 0; i < len(parts)-1; i++ {
		id := regexp.QuoteMeta(parts[i+1])
		switch parts[i] {
		case "product":
			patterns = append(patterns,
				"^"+scope+":.*products.*list",
				"recommendations?:(.*:)?product:"+id,
			)
		case "user":
			patterns = append(patterns,
				"sessions?:(.*:)?user:"+id,
				"preferences?:(.*:)?user:"+id,
			)
		}
	}
	return patterns
}
