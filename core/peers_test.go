package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atuldpatil/pulsar/logger"
)

func TestPeerStateMachineTransitions(t *testing.T) {
	p := newPeerServer(0x0A000002, 9099)
	now := time.Now()

	assert.Equal(t, PeerUninitiated, p.status)
	assert.True(t, p.retryDue(now), "an uninitiated peer connects on first visit")

	p.noteConnecting(now)
	assert.Equal(t, PeerConnecting, p.currentStatus(now))

	// Still connecting just inside the window.
	almost := now.Add(WaitForConnection - time.Second)
	assert.Equal(t, PeerConnecting, p.currentStatus(almost))

	// Past the window the attempt is written off.
	late := now.Add(WaitForConnection + time.Second)
	assert.Equal(t, PeerConnectingTimedOut, p.currentStatus(late))

	p.noteDisconnected(late)
	assert.Equal(t, PeerDisconnected, p.status)
	assert.Equal(t, -1, p.fd)

	// Disconnected peers wait out the retry delay.
	assert.False(t, p.retryDue(late.Add(RetryConnectionAfter-time.Second)))
	assert.True(t, p.retryDue(late.Add(RetryConnectionAfter+time.Second)))
}

func TestPeerConnectedStateIsStable(t *testing.T) {
	p := newPeerServer(0x0A000002, 9099)
	now := time.Now()

	p.noteConnecting(now)
	p.noteConnected()

	// The overflow disconnect is disabled: a connected peer stays connected
	// regardless of how long its unacked forwards sit.
	p.addOutstanding(100)
	p.overflowedAt = now
	assert.Equal(t, PeerConnected, p.currentStatus(now.Add(MaxOverflowedTime*2)))
}

func TestPeerOutstandingCounterFloorsAtZero(t *testing.T) {
	p := newPeerServer(0x0A000002, 9099)

	assert.EqualValues(t, 2, p.addOutstanding(2))
	assert.EqualValues(t, 1, p.addOutstanding(-1))
	assert.EqualValues(t, 0, p.addOutstanding(-5))
	assert.EqualValues(t, 0, p.outstanding())
}

func TestPeerQueuesAreUnbounded(t *testing.T) {
	p := newPeerServer(0x0A000002, 9099)
	r := &Response{wire: []byte("x")}

	for i := 0; i < 100; i++ {
		p.enqueue(r, 0)
	}
	assert.Equal(t, 100, p.queueLen(0))
	assert.Equal(t, 0, p.queueLen(1))
}

func TestPeerTableCreatesEntryOnFirstForward(t *testing.T) {
	stats := NewServerStats(1)
	tab := newPeerTable(9099, stats, logger.Nop())

	r := &Response{wire: []byte("x"), isForward: true, serverIPv4: 0x0A000002}

	refs := tab.addToQueue(r, 0)
	assert.Equal(t, 1, refs, "a forward always lands on exactly one peer queue")

	p := tab.lookup(0x0A000002)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.queueLen(0))
	assert.Equal(t, 9099, p.port)

	// Second forward reuses the entry.
	tab.addToQueue(r, 0)
	assert.Same(t, p, tab.lookup(0x0A000002))
	assert.Equal(t, 2, p.queueLen(0))
	assert.Len(t, tab.all(), 1)
}

func TestPeerTableReceiverSetIsIdempotent(t *testing.T) {
	tab := newPeerTable(9099, NewServerStats(1), logger.Nop())
	p := newPeerServer(0x0A000002, 9099)

	tab.addReceiver(0, p, true)
	tab.addReceiver(0, p, true)
	assert.Len(t, tab.receivers[0], 1)
	assert.Empty(t, tab.receivers[1])
}

func TestPeerTableConnectedCount(t *testing.T) {
	tab := newPeerTable(9099, NewServerStats(1), logger.Nop())
	r1 := &Response{wire: []byte("x"), isForward: true, serverIPv4: 0x0A000002}
	r2 := &Response{wire: []byte("x"), isForward: true, serverIPv4: 0x0A000003}
	tab.addToQueue(r1, 0)
	tab.addToQueue(r2, 0)

	assert.EqualValues(t, 0, tab.connectedCount())
	tab.lookup(0x0A000002).noteConnected()
	assert.EqualValues(t, 1, tab.connectedCount())
}
