package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-abc")
	sid, ok := r.SessionFor("agent-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_ReconnectOverwrites(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-old")
	r.Register("agent-1", "session-new")

	sid, ok := r.SessionFor("agent-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_DropIsPerAgent(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-abc")
	r.Register("agent-2", "session-abc")

	r.Drop("agent-1")

	_, ok := r.SessionFor("agent-1")
	assert.False(t, ok, "agent-1 should be forgotten")

	// agent-2 shared the session but keeps its binding until its own
	// push fails.
	sid, ok := r.SessionFor("agent-2")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_DropUnknownAgent(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-abc")
	r.Drop("agent-2")

	sid, ok := r.SessionFor("agent-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_MultipleAgents(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-1")
	r.Register("agent-2", "session-2")

	sid1, ok := r.SessionFor("agent-1")
	assert.True(t, ok)
	assert.Equal(t, "session-1", sid1)

	sid2, ok := r.SessionFor("agent-2")
	assert.True(t, ok)
	assert.Equal(t, "session-2", sid2)
}
