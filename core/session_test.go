package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/core/pools"
)

func TestEnqueueResponseHalfBudgetWithLogLatch(t *testing.T) {
	s := newTestSession(t, 1, 0x0A000001)
	r := &Response{wire: []byte("x")}

	// maxPending 16 gives each side room for 8.
	for i := 0; i < 8; i++ {
		added, logFull := s.enqueueResponse(r, 0, 16)
		assert.True(t, added)
		assert.False(t, logFull)
	}

	// The ninth is rejected and flagged for logging exactly once.
	added, logFull := s.enqueueResponse(r, 0, 16)
	assert.False(t, added)
	assert.True(t, logFull)

	added, logFull = s.enqueueResponse(r, 0, 16)
	assert.False(t, added)
	assert.False(t, logFull, "only the first rejection of a full spell logs")

	// The other side has its own budget.
	added, _ = s.enqueueResponse(r, 1, 16)
	assert.True(t, added)

	// Accepting again clears the latch.
	s.queues[0] = s.queues[0][:4]
	added, logFull = s.enqueueResponse(r, 0, 16)
	assert.True(t, added)
	assert.False(t, logFull)
	assert.False(t, s.queueFull)
}

func TestReadWindowGrowsAfterHeader(t *testing.T) {
	s := newTestSession(t, 1, 0x0A000001)
	bp := pools.NewBytePool()

	// Header phase: the window is the 9-byte scratch.
	window := s.readWindow(bp, 1024)
	assert.Len(t, window, frame.HeaderSize)

	// Simulate the header arriving and declaring 100 payload bytes.
	s.idx = frame.HeaderSize
	s.noteDeclared(100)

	window = s.readWindow(bp, 1024)
	assert.Len(t, window, 100, "window continues right after the header")
	assert.True(t, s.pooled)
	assert.Len(t, s.buf, frame.HeaderSize+100)

	s.resetReceiveBuffer(bp)
	assert.False(t, s.pooled)
	assert.Equal(t, 0, s.idx)
	assert.Len(t, s.buf, frame.HeaderSize)
}

func TestStreamingKeepsTheAllocation(t *testing.T) {
	s := newTestSession(t, 1, 0x0A000001)
	bp := pools.NewBytePool()
	s.SetStreaming(true)

	s.idx = frame.HeaderSize
	s.noteDeclared(10)
	s.readWindow(bp, 1024)
	require.True(t, s.pooled)
	first := &s.buf[0]

	// Completion keeps the buffer and shrinks it back to the header.
	s.resetReceiveBuffer(bp)
	assert.True(t, s.pooled)
	assert.Len(t, s.buf, frame.HeaderSize)
	assert.Same(t, first, &s.buf[0])

	// A larger frame fits the same allocation.
	s.idx = frame.HeaderSize
	s.noteDeclared(500)
	s.readWindow(bp, 1024)
	assert.Same(t, first, &s.buf[0])

	// Turning streaming off releases it on the next reset.
	s.SetStreaming(false)
	s.resetReceiveBuffer(bp)
	assert.False(t, s.pooled)
}

func TestMarkToDisconnectFirstCallWins(t *testing.T) {
	s := newTestSession(t, 1, 0x0A000001)

	assert.True(t, s.markToDisconnect(true))
	assert.True(t, s.markedToDisconnect())
	assert.False(t, s.markToDisconnect(false), "repeat marks are no-ops")

	assert.EqualValues(t, 1, s.stats.disconnectionsByServer.Get())
	assert.EqualValues(t, 0, s.stats.disconnectionsByClient.Get())
}

func TestSessionDataSurvivesRequests(t *testing.T) {
	s := newTestSession(t, 1, 0x0A000001)

	assert.Nil(t, s.SessionData())
	s.SetSessionData(map[string]int{"n": 1})
	assert.Equal(t, map[string]int{"n": 1}, s.SessionData())
}

func TestIdleClientsSplitsByType(t *testing.T) {
	p := NewClientPool()
	stats := NewServerStats(1)

	versioned := newSession(-1, ClientHandle{Registration: 1, ServerIPv4: 0x0A000001}, 16, stats)
	versioned.version = 7
	fresh := newSession(-1, ClientHandle{Registration: 2, ServerIPv4: 0x0A000001}, 16, stats)
	require.NoError(t, p.Add(versioned))
	require.NoError(t, p.Add(fresh))

	past := time.Now().Add(-time.Minute)
	versioned.counters.lastActivity = past
	fresh.counters.lastActivity = past

	now := time.Now()
	got := p.IdleClients(VersionedClient, 30*time.Second, now)
	require.Len(t, got, 1)
	assert.EqualValues(t, 1, got[0].Registration)

	got = p.IdleClients(VersionlessClient, 30*time.Second, now)
	require.Len(t, got, 1)
	assert.EqualValues(t, 2, got[0].Registration)

	// Selection stamped activity, so the next scan skips both.
	assert.Empty(t, p.IdleClients(VersionedClient, 30*time.Second, now))
	assert.Empty(t, p.IdleClients(VersionlessClient, 30*time.Second, now))
}
