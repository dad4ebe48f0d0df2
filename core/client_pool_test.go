package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, reg uint64, server uint32) *session {
	t.Helper()
	return newSession(-1, ClientHandle{Registration: reg, ServerIPv4: server}, 16, NewServerStats(2))
}

func TestClientPoolAddRemove(t *testing.T) {
	p := NewClientPool()
	s := newTestSession(t, 1, 0x0A000001)

	require.NoError(t, p.Add(s))
	assert.Equal(t, 1, p.Len())

	// A pinned session stays put.
	_, err := p.IncreaseCount(s.handle, countRequest)
	require.NoError(t, err)
	assert.False(t, p.Remove(s))

	p.DecreaseCount(s, countRequest)
	assert.True(t, p.Remove(s))
	assert.Equal(t, 0, p.Len())

	// Removing twice is a no-op, not an error.
	assert.False(t, p.Remove(s))
}

func TestClientPoolShutdownRefusesAdds(t *testing.T) {
	p := NewClientPool()
	p.InitiateShutdown()
	assert.True(t, p.ShutdownInitiated())

	err := p.Add(newTestSession(t, 2, 0x0A000001))
	assert.ErrorIs(t, err, ErrShutdownInProgress)
}

func TestClientPoolIncreaseCount(t *testing.T) {
	p := NewClientPool()
	s := newTestSession(t, 3, 0x0A000001)
	require.NoError(t, p.Add(s))

	got, err := p.IncreaseCount(s.handle, countResponse)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = p.IncreaseCount(ClientHandle{Registration: 999, ServerIPv4: 0x0A000001}, countRequest)
	assert.ErrorIs(t, err, ErrUnknownClient)

	s.markToDisconnect(true)
	_, err = p.IncreaseCount(s.handle, countRequest)
	assert.ErrorIs(t, err, ErrClientDisconnecting)
}

func TestClientPoolForeignServerPanics(t *testing.T) {
	p := NewClientPool()
	s := newTestSession(t, 4, 0x0A000001)
	require.NoError(t, p.Add(s))

	assert.Panics(t, func() {
		p.IncreaseCount(ClientHandle{Registration: 4, ServerIPv4: 0x0A000002}, countRequest)
	})
}

func TestClientPoolImbalancePanics(t *testing.T) {
	p := NewClientPool()
	s := newTestSession(t, 5, 0x0A000001)
	require.NoError(t, p.Add(s))

	assert.Panics(t, func() { p.DecreaseCount(s, countRequest) })
}

func TestClientPoolIdleClients(t *testing.T) {
	p := NewClientPool()
	now := time.Now()

	versioned := newTestSession(t, 10, 0x0A000001)
	versioned.version = 0x0100
	versionless := newTestSession(t, 11, 0x0A000001)
	busy := newTestSession(t, 12, 0x0A000001)
	busy.version = 0x0100

	for _, s := range []*session{versioned, versionless, busy} {
		s.counters.lastActivity = now.Add(-time.Minute)
		require.NoError(t, p.Add(s))
	}
	_, err := p.IncreaseCount(busy.handle, countRequest)
	require.NoError(t, err)
	busy.counters.lastActivity = now.Add(-time.Minute)

	idle := p.IdleClients(VersionedClient, 30*time.Second, now)
	require.Len(t, idle, 1)
	assert.Equal(t, uint64(10), idle[0].Registration)

	idle = p.IdleClients(VersionlessClient, 30*time.Second, now)
	require.Len(t, idle, 1)
	assert.Equal(t, uint64(11), idle[0].Registration)

	// Selection stamps activity, so an immediate rescan finds nothing.
	idle = p.IdleClients(VersionedClient, 30*time.Second, now)
	assert.Empty(t, idle)
}

func TestClientPoolIdleBoundaryInclusive(t *testing.T) {
	p := NewClientPool()
	now := time.Now()

	s := newTestSession(t, 20, 0x0A000001)
	s.version = 0x0100
	s.counters.lastActivity = now.Add(-30 * time.Second)
	require.NoError(t, p.Add(s))

	// Exactly the idle threshold counts as idle.
	idle := p.IdleClients(VersionedClient, 30*time.Second, now)
	assert.Len(t, idle, 1)
}
