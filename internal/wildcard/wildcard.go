// Package wildcard implements the *-glob pattern matching used by import
// filters and collection tracking rules.
//
// A pattern is a literal string optionally containing '*', which matches zero
// or more characters of any value, including '/' and '_'. This is deliberately
// not path.Match: the glob crosses separators. Matching is case-sensitive and
// anchored at both ends, and the empty value never matches any pattern.
package wildcard

import "strings"

// PatternType classifies a pattern's shape.
type PatternType string

const (
	TypeExact    PatternType = "exact"
	TypePrefix   PatternType = "prefix"
	TypeSuffix   PatternType = "suffix"
	TypeContains PatternType = "contains"
	TypeComplex  PatternType = "complex"
	TypeEmpty    PatternType = "empty"
)

// HasWildcard reports whether p contains at least one '*'.
func HasWildcard(p string) bool {
	return strings.Contains(p, "*")
}

// Match reports whether value matches pattern. Empty values never match;
// a pattern without '*' matches only by literal equality.
func Match(pattern, value string) bool {
	if value == "" {
		return false
	}
	if !HasWildcard(pattern) {
		return pattern == value
	}
	return matchSegments(pattern, value)
}

// matchSegments matches by splitting the pattern on '*' and scanning the
// literal segments left to right. The first segment is anchored at the start,
// the last at the end.
func matchSegments(pattern, value string) bool {
	segments := strings.Split(pattern, "*")

	// Leading anchor
	first := segments[0]
	if !strings.HasPrefix(value, first) {
		return false
	}
	rest := value[len(first):]

	// Trailing anchor
	last := segments[len(segments)-1]
	if len(segments) > 1 {
		if !strings.HasSuffix(rest, last) {
			return false
		}
		rest = rest[:len(rest)-len(last)]
	}

	// Interior segments must appear in order
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(rest, seg)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(seg):]
	}
	return true
}

// FilterByPattern returns the values matching pattern, in input order.
func FilterByPattern(pattern string, values []string) []string {
	var out []string
	for _, v := range values {
		if Match(pattern, v) {
			out = append(out, v)
		}
	}
	return out
}

// FilterByPatterns returns the union of matches across patterns, in input
// order, deduplicated.
func FilterByPatterns(patterns []string, values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if seen[v] {
			continue
		}
		for _, p := range patterns {
			if Match(p, v) {
				seen[v] = true
				out = append(out, v)
				break
			}
		}
	}
	return out
}

// AnyMatch reports whether any value matches pattern.
func AnyMatch(pattern string, values []string) bool {
	for _, v := range values {
		if Match(pattern, v) {
			return true
		}
	}
	return false
}

// GetPatternType classifies pattern by its '*' placement.
func GetPatternType(p string) PatternType {
	if p == "" {
		return TypeEmpty
	}
	if !HasWildcard(p) {
		return TypeExact
	}
	stars := strings.Count(p, "*")
	switch {
	case p == "*":
		return TypeContains
	case stars == 1 && strings.HasSuffix(p, "*"):
		return TypePrefix
	case stars == 1 && strings.HasPrefix(p, "*"):
		return TypeSuffix
	case stars == 2 && strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*"):
		return TypeContains
	default:
		return TypeComplex
	}
}
