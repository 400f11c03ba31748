package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryCache_RoundTrip(t *testing.T) {
	cache, err := NewQueryCache(1<<20, time.Minute)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	req := RecallRequest{Query: "facturación", AgentID: "copilot_dev", SessionID: "s-1"}
	events := []*Event{{ID: "e-1", SemanticText: "desplegué el servicio"}}

	cache.Set(req, 5, events)
	cache.Wait()

	got, ok := cache.Get(req, 5)
	require.True(t, ok)
	assert.Equal(t, events, got)
}

func TestQueryCache_KeyIncludesScopeAndTop(t *testing.T) {
	cache, err := NewQueryCache(1<<20, time.Minute)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	req := RecallRequest{Query: "facturación", AgentID: "copilot_dev", SessionID: "s-1"}
	cache.Set(req, 5, []*Event{{ID: "e-1"}})
	cache.Wait()

	_, ok := cache.Get(req, 10)
	assert.False(t, ok, "different top is a different entry")

	scoped := req
	scoped.SessionScope = true
	_, ok = cache.Get(scoped, 5)
	assert.False(t, ok, "session scope is part of the key")
}

func TestQueryCache_Miss(t *testing.T) {
	cache, err := NewQueryCache(1<<20, time.Minute)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	_, ok := cache.Get(RecallRequest{Query: "nunca visto"}, 5)
	assert.False(t, ok)
}
