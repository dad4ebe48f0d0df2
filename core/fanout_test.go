package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atuldpatil/pulsar/config"
	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/logger"
)

// inlinePoster runs posted tasks immediately, standing in for the event
// loop in fan-out tests.
type inlinePoster struct{}

func (inlinePoster) postTask(fn func()) { fn() }

const testServerIP uint32 = 0x0A000001

func newTestFanout(t *testing.T, maxPending int) *fanout {
	t.Helper()
	stats := NewServerStats(2)
	f := &fanout{
		pool:  NewClientPool(),
		peers: newPeerTable(9099, stats, logger.Nop()),
		sides: newSendSides(),
		stats: stats,
		log:   logger.Nop(),
		loop:  inlinePoster{},
		params: map[uint16]config.VersionParams{
			7:                    {MaxRequestSize: 1024, MaxResponseSize: 1024},
			frame.SpecialVersion: {MaxRequestSize: frame.SpecialMaxPayloadSize, MaxResponseSize: frame.SpecialMaxPayloadSize},
		},
		maxPending:     maxPending,
		maxResponseAll: 1024,
		serverIPv4:     testServerIP,
		hostname:       func() string { return "test-host" },
		cycle:          func() {},
	}
	return f
}

func addClient(t *testing.T, f *fanout, reg uint64) *session {
	t.Helper()
	s := newSession(-1, ClientHandle{Registration: reg, ServerIPv4: testServerIP}, f.maxPending, f.stats)
	s.version = 7
	require.NoError(t, f.pool.Add(s))
	return s
}

func TestStoreMessageValidation(t *testing.T) {
	f := newTestFanout(t, 16)
	h := ClientHandle{Registration: 1, ServerIPv4: testServerIP}

	err := f.storeMessage(nil, []ClientHandle{h}, []byte("x"), 99, false)
	assert.ErrorIs(t, err, ErrUnknownVersion)

	err = f.storeMessage(nil, nil, []byte("x"), 7, false)
	assert.ErrorIs(t, err, ErrNoRecipients)

	err = f.storeMessage(nil, []ClientHandle{h}, nil, 7, false)
	assert.ErrorIs(t, err, ErrEmptyResponse)

	err = f.storeMessage(nil, []ClientHandle{h}, make([]byte, 2048), 7, false)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestMulticastSharesOneResponseObject(t *testing.T) {
	f := newTestFanout(t, 16)
	a := addClient(t, f, 1)
	b := addClient(t, f, 2)

	err := f.storeMessage(nil, []ClientHandle{a.handle, b.handle}, []byte("news"), 7, false)
	require.NoError(t, err)

	side := f.sides.enqueueSide()
	require.Equal(t, 1, a.queueLen(side))
	require.Equal(t, 1, b.queueLen(side))

	ra := a.queues[side][0]
	rb := b.queues[side][0]
	assert.Same(t, ra, rb, "local recipients share one response")
	assert.Equal(t, 2, ra.referenceCount())
	assert.True(t, ra.IsMulticast())

	// Both sessions carry a response pin until delivery completes.
	assert.Equal(t, 1, a.counters.responses)
	assert.Equal(t, 1, b.counters.responses)

	assert.EqualValues(t, 1, f.stats.responsesClientQueues.Get())
	assert.EqualValues(t, 1, f.stats.responsesMulticast.Get())
	assert.EqualValues(t, 1, f.stats.responsesOrdinary.Get())
}

func TestMissingRecipientReducesReferenceCount(t *testing.T) {
	f := newTestFanout(t, 16)
	a := addClient(t, f, 1)
	gone := ClientHandle{Registration: 99, ServerIPv4: testServerIP}

	err := f.storeMessage(nil, []ClientHandle{a.handle, gone}, []byte("x"), 7, false)
	require.NoError(t, err, "a missing recipient is not an error, it just gets nothing")

	side := f.sides.enqueueSide()
	r := a.queues[side][0]
	assert.Equal(t, 1, r.referenceCount())
}

func TestAllRecipientsMissingCountsAsQueueFailure(t *testing.T) {
	f := newTestFanout(t, 16)
	gone := ClientHandle{Registration: 99, ServerIPv4: testServerIP}

	err := f.storeMessage(nil, []ClientHandle{gone}, []byte("x"), 7, false)
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.stats.responsesFailedQueue.Get())
	assert.EqualValues(t, 0, f.stats.responsesClientQueues.Get())
}

func TestQueueFullDropsAndUnpins(t *testing.T) {
	// maxPending 4: each side holds at most 2.
	f := newTestFanout(t, 4)
	a := addClient(t, f, 1)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.storeMessage(nil, []ClientHandle{a.handle}, []byte("x"), 7, false))
	}
	require.NoError(t, f.storeMessage(nil, []ClientHandle{a.handle}, []byte("x"), 7, false))

	side := f.sides.enqueueSide()
	assert.Equal(t, 2, a.queueLen(side))
	assert.EqualValues(t, 1, f.stats.responsesFailedQueue.Get())

	// The failed enqueue released its pin; only the queued two remain.
	assert.Equal(t, 2, a.counters.responses)
}

func TestMarkedClientReceivesNothing(t *testing.T) {
	f := newTestFanout(t, 16)
	a := addClient(t, f, 1)
	a.markToDisconnect(true)

	require.NoError(t, f.storeMessage(nil, []ClientHandle{a.handle}, []byte("x"), 7, false))
	assert.Equal(t, 0, a.queueLen(f.sides.enqueueSide()))
	assert.EqualValues(t, 1, f.stats.responsesFailedQueue.Get())
}

func TestRemoteRecipientsGoToThePeerQueue(t *testing.T) {
	f := newTestFanout(t, 16)
	a := addClient(t, f, 1)
	remote := ClientHandle{Registration: 42, ServerIPv4: 0x0A000002}

	err := f.storeMessage(nil, []ClientHandle{a.handle, remote}, []byte("x"), 7, false)
	require.NoError(t, err)

	side := f.sides.enqueueSide()
	assert.Equal(t, 1, a.queueLen(side), "the local group got its own response")

	p := f.peers.lookup(0x0A000002)
	require.NotNil(t, p)
	require.Equal(t, 1, p.queueLen(side))

	fwd := p.queues[side][0]
	assert.True(t, fwd.IsForward())
	assert.Equal(t, 1, fwd.referenceCount())
	assert.NotSame(t, fwd, a.queues[side][0])

	assert.EqualValues(t, 1, f.stats.responsesForwarded.Get())
	assert.EqualValues(t, 1, f.stats.responsesPeerQueues.Get())
	assert.EqualValues(t, 1, f.stats.responsesClientQueues.Get())
}

func TestLargeForwardGroupIsChunked(t *testing.T) {
	f := newTestFanout(t, 16)

	handles := make([]ClientHandle, frame.MaxForwardedHandles+1)
	for i := range handles {
		handles[i] = ClientHandle{Registration: uint64(i + 1), ServerIPv4: 0x0A000002}
	}

	require.NoError(t, f.storeMessage(nil, handles, []byte("x"), 7, false))

	p := f.peers.lookup(0x0A000002)
	require.NotNil(t, p)
	assert.Equal(t, 2, p.queueLen(f.sides.enqueueSide()),
		"one handle over the limit splits into a second response")
}

func TestUpdateRunsASendCycleBeforeReturning(t *testing.T) {
	f := newTestFanout(t, 16)
	a := addClient(t, f, 1)

	cycles := 0
	f.cycle = func() { cycles++ }

	require.NoError(t, f.storeMessage(nil, []ClientHandle{a.handle}, []byte("progress"), 7, true))
	assert.Equal(t, 1, cycles, "an update blocks until the loop ran a cycle")

	side := f.sides.enqueueSide()
	assert.True(t, a.queues[side][0].IsUpdate())
	assert.EqualValues(t, 1, f.stats.responsesUpdate.Get())
}

func TestControlResponseKindsAreCounted(t *testing.T) {
	f := newTestFanout(t, 16)
	a := addClient(t, f, 1)

	require.NoError(t, f.storeMessage(nil, []ClientHandle{a.handle}, []byte{ResponseKeepAlive}, frame.SpecialVersion, false))
	require.NoError(t, f.storeMessage(nil, []ClientHandle{a.handle}, []byte{ResponseError, 0x05}, frame.SpecialVersion, false))
	require.NoError(t, f.storeMessage(nil, []ClientHandle{a.handle}, []byte{ResponseFatalError}, frame.SpecialVersion, false))

	assert.EqualValues(t, 1, f.stats.responsesKeepAlive.Get())
	assert.EqualValues(t, 1, f.stats.responsesError.Get())
	assert.EqualValues(t, 1, f.stats.responsesFatal.Get())
}
