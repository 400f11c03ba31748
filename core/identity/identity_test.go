package identity

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_HeaderPrecedence(t *testing.T) {
	r := httptest.NewRequest("POST", "/copiloto?thread_id=from-query", strings.NewReader(`{"thread_id": "from-body"}`))
	r.Header.Set("Thread-ID", "from-header")
	r.Header.Set("X-Thread-ID", "from-x-header")

	id := Resolve(r, []byte(`{"thread_id": "from-body"}`))

	assert.Equal(t, "from-header", id.SessionID, "Thread-ID header wins over everything")
	assert.False(t, id.Derived)
}

func TestResolve_HeaderOrder(t *testing.T) {
	r := httptest.NewRequest("POST", "/copiloto", nil)
	r.Header.Set("Session-ID", "session-header")
	r.Header.Set("X-Session-ID", "x-session-header")

	id := Resolve(r, nil)

	assert.Equal(t, "session-header", id.SessionID, "Session-ID outranks X-Session-ID")
}

func TestResolve_QueryBeforeBody(t *testing.T) {
	body := []byte(`{"session_id": "from-body"}`)
	r := httptest.NewRequest("POST", "/copiloto?session_id=from-query", nil)

	id := Resolve(r, body)

	assert.Equal(t, "from-query", id.SessionID)
}

func TestResolve_BodyFields(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"top-level thread_id", `{"thread_id": "t-1"}`, "t-1"},
		{"top-level session_id", `{"session_id": "s-1"}`, "s-1"},
		{"thread_id wins over session_id", `{"thread_id": "t-1", "session_id": "s-1"}`, "t-1"},
		{"nested context thread_id", `{"context": {"thread_id": "nested-1"}}`, "nested-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/copiloto", nil)
			id := Resolve(r, []byte(tt.body))
			assert.Equal(t, tt.want, id.SessionID)
			assert.False(t, id.Derived)
		})
	}
}

func TestResolve_AgentDefault(t *testing.T) {
	r := httptest.NewRequest("POST", "/copiloto", nil)

	id := Resolve(r, nil)

	assert.Equal(t, DefaultAgentID, id.AgentID)
}

func TestResolve_AgentFromHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/copiloto", nil)
	r.Header.Set("Agent-ID", "copilot_dev")

	id := Resolve(r, nil)

	assert.Equal(t, "copilot_dev", id.AgentID)
}

func TestResolve_DerivedSessionIsDeterministic(t *testing.T) {
	body := []byte(`{"mensaje": "qué quedamos pendiente ayer"}`)

	r1 := httptest.NewRequest("POST", "/copiloto", nil)
	r2 := httptest.NewRequest("POST", "/copiloto", nil)

	id1 := Resolve(r1, body)
	id2 := Resolve(r2, body)

	assert.True(t, id1.Derived)
	assert.Equal(t, id1.SessionID, id2.SessionID, "same agent + same first message derives the same session")
	assert.True(t, strings.HasPrefix(id1.SessionID, "auto-"))
}

func TestResolve_DerivedSessionVariesByMessage(t *testing.T) {
	r := httptest.NewRequest("POST", "/copiloto", nil)

	id1 := Resolve(r, []byte(`{"mensaje": "primer mensaje"}`))
	id2 := Resolve(r, []byte(`{"mensaje": "otro mensaje"}`))

	assert.NotEqual(t, id1.SessionID, id2.SessionID)
}

func TestResolve_MalformedBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/copiloto", nil)

	id := Resolve(r, []byte(`{not json`))

	assert.True(t, id.Derived, "malformed body is treated as empty")
	assert.Equal(t, DefaultAgentID, id.AgentID)
}

func TestDeriveSessionID(t *testing.T) {
	a := DeriveSessionID("copilot_dev", "hola")
	b := DeriveSessionID("copilot_dev", "hola")
	c := DeriveSessionID("otro_agente", "hola")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("auto-")+16)
}

func TestIsGeneric(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", true},
		{"assistant", true},
		{"Assistant", true},
		{"unknown", true},
		{"test_session", true},
		{"none", true},
		{"  none  ", true},
		{"copilot_dev", false},
		{"auto-abc123", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsGeneric(tt.value), "IsGeneric(%q)", tt.value)
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	r := httptest.NewRequest("POST", "/copiloto", nil)
	r.Header.Set("Thread-ID", "s-1")

	id := Resolve(r, nil)
	ctx := WithIdentity(r.Context(), id)

	got, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = FromContext(r.Context())
	assert.False(t, ok, "plain context carries no identity")
}
