package memory

import (
	"strings"
	"sync/atomic"
	"time"
)

// IntentKind names a retrieval strategy for a free-form query.
type IntentKind string

const (
	IntentRecap   IntentKind = "recap"
	IntentErrors  IntentKind = "errors"
	IntentTask    IntentKind = "task"
	IntentDoc     IntentKind = "doc"
	IntentGeneral IntentKind = "general"
)

// classificationOrder fixes the evaluation order so a query matching
// several tables classifies deterministically.
var classificationOrder = []IntentKind{IntentRecap, IntentErrors, IntentTask, IntentDoc}

// Intent is a classified query with its effect on retrieval. Zero values
// mean no constraint.
type Intent struct {
	Kind IntentKind

	// TimeBound limits retrieval to events newer than now-TimeBound.
	TimeBound time.Duration

	// Tipo is a preferred category filter, droppable during widening.
	Tipo string

	// EventType is a preferred event type, droppable during widening.
	EventType EventType
}

// Classifier maps queries to intents by lexical triggers. Classification
// is a pure function of (query, trigger table); the table lives in
// configuration and may be swapped at runtime. Misclassification degrades
// relevance, never correctness: the retriever widens empty results.
type Classifier struct {
	triggers    atomic.Pointer[map[IntentKind][]string]
	recapWindow time.Duration
}

// NewClassifier builds a classifier over the configured trigger table.
// recapWindow bounds time-scoped intents; zero defaults to seven days.
func NewClassifier(triggers map[string][]string, recapWindow time.Duration) *Classifier {
	if recapWindow <= 0 {
		recapWindow = 7 * 24 * time.Hour
	}
	c := &Classifier{recapWindow: recapWindow}
	c.SetTriggers(triggers)
	return c
}

// SetTriggers swaps the trigger table; called on config reload.
func (c *Classifier) SetTriggers(triggers map[string][]string) {
	table := make(map[IntentKind][]string, len(triggers))
	for kind, words := range triggers {
		lowered := make([]string, 0, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				lowered = append(lowered, w)
			}
		}
		table[IntentKind(kind)] = lowered
	}
	c.triggers.Store(&table)
}

// Classify maps a query to an intent and its retrieval strategy.
func (c *Classifier) Classify(query string) Intent {
	lowered := strings.ToLower(query)
	table := *c.triggers.Load()

	kind := IntentGeneral
	for _, candidate := range classificationOrder {
		if matchesAny(lowered, table[candidate]) {
			kind = candidate
			break
		}
	}

	switch kind {
	case IntentRecap:
		return Intent{Kind: kind, TimeBound: c.recapWindow}
	case IntentErrors:
		return Intent{Kind: kind, TimeBound: c.recapWindow, Tipo: "error"}
	case IntentTask:
		return Intent{Kind: kind, EventType: EventTypeAgentOutput}
	default:
		return Intent{Kind: kind}
	}
}

func matchesAny(query string, triggers []string) bool {
	for _, trigger := range triggers {
		if strings.Contains(query, trigger) {
			return true
		}
	}
	return false
}
