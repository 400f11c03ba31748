package memory

import "strings"

// MetaFilter decides whether text describes the memory system itself
// (history consulted, recent interactions, health checks). Such text is
// excluded from both persistence and recall to prevent feedback loops.
// It is a pure function of (text, patterns); the pattern table lives in
// configuration and may be swapped at runtime.
type MetaFilter struct {
	patterns []string
}

// NewMetaFilter builds a filter over lowercased pattern substrings.
func NewMetaFilter(patterns []string) *MetaFilter {
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			lowered = append(lowered, p)
		}
	}
	return &MetaFilter{patterns: lowered}
}

// Matches reports whether the text contains any meta-operational pattern.
func (f *MetaFilter) Matches(text string) bool {
	lowered := strings.ToLower(text)
	for _, p := range f.patterns {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

// Persistable reports whether semantic text is eligible for persistence:
// long enough to carry recall value and not meta-operational.
func (f *MetaFilter) Persistable(text string) bool {
	if len(strings.TrimSpace(text)) < MinSemanticTextLen {
		return false
	}
	return !f.Matches(text)
}
