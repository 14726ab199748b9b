package search

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Request is a search against one collection. Filters are exact tag
// matches, all of which must hold.
type Request struct {
	Text    string
	Filters map[string]string
	Offset  int
	Limit   int
}

const maxLimit = 100

// BuildQuery renders req as a RediSearch query. User text is matched as a
// phrase over the collection's text fields and every non-empty filter is
// ANDed in. A request without text or filters matches everything.
func BuildQuery(c Collection, req Request) (string, error) {
	var parts []string
	if text := strings.TrimSpace(req.Text); text != "" && text != "*" {
		parts = append(parts, fmt.Sprintf(`@%s:"%s"`, strings.Join(c.TextFields, "|"), escapePhrase(text)))
	}

	names := make([]string, 0, len(req.Filters))
	for name := range req.Filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := strings.TrimSpace(req.Filters[name])
		if value == "" {
			continue
		}
		if !c.HasTag(name) {
			return "", fmt.Errorf("%w: %q is not a %s filter", ErrBadQuery, name, c.Name)
		}
		parts = append(parts, fmt.Sprintf("@%s:{%s}", name, escapeTag(value)))
	}

	if len(parts) == 0 {
		return "*", nil
	}
	return strings.Join(parts, " "), nil
}

func clampLimit(limit, def int) int {
	switch {
	case limit <= 0:
		return def
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}

func escapePhrase(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeTag backslash-escapes everything but letters, digits and '_', as
// tag values treat punctuation and spaces as syntax.
func escapeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
