package utils

import "strings"

// MatchPath checks a resource path against a permission pattern. Pattern
// syntax:
//   - a trailing "*" matches any value sharing the prefix before it,
//     including deeper segments ("fleet/vehicles/*" matches
//     "fleet/vehicles/123" and "fleet/vehicles/123/status")
//   - ":name" matches exactly one path segment
//   - anything else requires literal equality
func MatchPath(value, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		// only a trailing wildcard is meaningful; everything before it is a
		// literal-or-param prefix
		prefix := pattern[:i]
		if !strings.ContainsRune(prefix, ':') {
			return strings.HasPrefix(value, prefix)
		}
		return matchSegments(splitPath(value), splitPath(prefix), true)
	}
	if strings.ContainsRune(pattern, ':') {
		return matchSegments(splitPath(value), splitPath(pattern), false)
	}
	return value == pattern
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

// matchSegments walks value and pattern segment by segment. With openEnd the
// pattern is a prefix (came from a trailing "*"): the value may continue past
// it. A ":name" segment matches any single non-empty segment.
func matchSegments(value, pattern []string, openEnd bool) bool {
	// a trailing "*" leaves an empty last segment after the prefix split
	if openEnd && len(pattern) > 0 && pattern[len(pattern)-1] == "" {
		pattern = pattern[:len(pattern)-1]
	}
	if openEnd {
		if len(value) < len(pattern) {
			return false
		}
	} else if len(value) != len(pattern) {
		return false
	}
	for i, pseg := range pattern {
		if strings.HasPrefix(pseg, ":") {
			if value[i] == "" {
				return false
			}
			continue
		}
		if value[i] != pseg {
			return false
		}
	}
	return true
}
