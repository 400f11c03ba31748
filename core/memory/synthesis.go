package memory

import (
	"fmt"
	"strings"
)

// NoActivitySummary is the context returned when nothing was recalled.
// Clients treat it as "fresh session", not as an error.
const NoActivitySummary = "Sin actividad previa registrada."

// Synthesize renders recalled events into a bounded natural-language
// context block, newest first, one line per event. maxChars bounds the
// whole block; <= 0 uses 2000.
func Synthesize(events []*Event, maxChars int) string {
	if len(events) == 0 {
		return NoActivitySummary
	}
	if maxChars <= 0 {
		maxChars = 2000
	}

	var b strings.Builder
	for _, event := range events {
		line := fmt.Sprintf("- [%s] %s: %s\n",
			FormatTimestamp(event.Timestamp), event.Endpoint, oneLine(event.SemanticText))
		if b.Len()+len(line) > maxChars {
			break
		}
		b.WriteString(line)
	}
	if b.Len() == 0 {
		return NoActivitySummary
	}
	return strings.TrimRight(b.String(), "\n")
}

func oneLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
