package graphstore

import (
	"strings"
	"unicode"
)

// CanonicalName normalizes an extracted name so the same real-world thing
// always resolves to the same graph node. Idempotent: applying it to its own
// output returns the same string.
func CanonicalName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastSpace := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/' || r == '.':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// CanonicalID derives the deterministic record ID for a node from its kind and
// name. Safe to use unescaped in SurrealQL record references.
func CanonicalID(kind, name string) string {
	slug := strings.ReplaceAll(CanonicalName(name), " ", "_")
	kindSlug := strings.ReplaceAll(CanonicalName(kind), " ", "_")
	if kindSlug == "" {
		kindSlug = "unknown"
	}
	if slug == "" {
		slug = "unnamed"
	}
	return kindSlug + "__" + slug
}
