package core

import (
	"sync"
	"time"

	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/core/pools"
)

// counters tracks how many requests and responses are outstanding against a
// session, plus the last time either moved. The client pool reads and writes
// it from workers and the loop; the session is removable only when both
// counts are zero.
type counters struct {
	mu           sync.RWMutex
	requests     int
	responses    int
	lastActivity time.Time
}

// session is the per-connection state. The event loop owns the socket, the
// receive buffer and the outbound batch; workers reach the response queues
// and the disconnect flag through their own locks.
type session struct {
	fd     int
	handle ClientHandle

	// version is the protocol version negotiated by the client's first
	// frame; zero until then. Written by the loop before the first request
	// is dispatched, read-only afterwards.
	version uint16

	accepted            bool
	inPool              bool
	disconnectInitiated bool

	// Receive state, loop-owned. buf points at the header scratch until a
	// header completes and the declared payload size is known, then at a
	// pooled allocation of header+declared bytes. In streaming mode the
	// allocation is header+MaxRequestSize and is kept across requests,
	// with each new header read into its prefix. The streaming flag is
	// flipped by the worker mid-request; reads are paused while a request
	// is in flight and the completion runs after the worker, so the loop
	// never reads it concurrently.
	scratch            [frame.HeaderSize]byte
	buf                []byte
	idx                int
	declared           int
	pooled             bool
	streaming          bool
	streamingAllocated bool
	rejectedPrevBytes  bool

	// requestInFlight enforces the one-request-at-a-time rule. Set by the
	// loop when it dispatches, cleared by the completion step; read
	// interest on the socket is paused in between.
	requestInFlight    bool
	processingFinished bool

	// sessionData is whatever the application attached. Only the worker
	// processing this session's current request touches it, and successive
	// requests are ordered through the loop, so no lock is needed.
	sessionData any

	counters counters

	// Response queues, two sides addressed by the send-direction flag.
	// Workers enqueue to the side the flag selects while the loop drains
	// the opposite one; qmu guards the enqueue side and the full latch.
	qmu       sync.RWMutex
	queues    [2][]*Response
	queueFull bool

	// Outbound batch, loop-owned. A non-empty batch means a vectored
	// write is still in flight; written tracks how much of it the socket
	// has accepted so far.
	batch   []*Response
	iovs    [][]byte
	written int

	dmu              sync.RWMutex
	toBeDisconnected bool

	stats *ServerStats
}

func newSession(fd int, handle ClientHandle, maxPendingResponses int, stats *ServerStats) *session {
	s := &session{
		fd:     fd,
		handle: handle,
		batch:  make([]*Response, 0, maxPendingResponses),
		iovs:   make([][]byte, 0, maxPendingResponses),
		stats:  stats,
	}
	s.buf = s.scratch[:]
	s.counters.lastActivity = time.Now()
	return s
}

// readWindow returns the writable tail of the receive buffer, growing it
// once the scratch has filled and the declared payload size is known.
// maxRequest is the version's request limit, used in streaming mode where
// one allocation sized for it serves every subsequent request.
func (s *session) readWindow(bp *pools.BytePool, maxRequest int) []byte {
	if s.idx == len(s.buf) && s.declared > 0 {
		frameLen := frame.HeaderSize + s.declared
		if !s.pooled {
			want := frameLen
			if s.streaming {
				want = frame.HeaderSize + maxRequest
			}
			grown := bp.Get(want)
			s.stats.memClients.Add(cap(grown))
			s.stats.activeClientBuffers.Inc()
			copy(grown, s.scratch[:])
			s.buf = grown[:frameLen]
			s.pooled = true
			s.streamingAllocated = s.streaming
		} else {
			// Streaming kept the allocation; resize it to the new frame.
			s.buf = s.buf[:frameLen]
		}
		s.declared = 0
	}
	return s.buf[s.idx:]
}

// noteDeclared records the payload length the parser reported once the
// header completed, so the next readWindow call can size the buffer.
func (s *session) noteDeclared(n int) { s.declared = n }

// resetReceiveBuffer returns the session to header reading after a request
// completes. A streaming allocation survives unless streaming mode was
// turned off while the request was processed.
func (s *session) resetReceiveBuffer(bp *pools.BytePool) {
	if s.pooled && (!s.streaming || !s.streamingAllocated) {
		s.stats.memClients.Add(-cap(s.buf))
		s.stats.activeClientBuffers.Dec()
		bp.Put(s.buf)
		s.pooled = false
		s.streamingAllocated = false
		s.buf = s.scratch[:]
	} else if s.pooled {
		s.buf = s.buf[:frame.HeaderSize]
	} else {
		s.buf = s.scratch[:]
	}
	s.idx = 0
	s.declared = 0
}

// discardReceived drops everything read so far without touching the
// allocation, used while inbound bytes are being ignored.
func (s *session) discardReceived() { s.idx = 0 }

// enqueueResponse appends r to the side's queue when it has room.
// It reports whether the response was added and whether the caller should
// log a queue-full condition; the latch keeps one log line per full spell.
func (s *session) enqueueResponse(r *Response, side int, maxPending int) (added, logFull bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()

	// Each side gets half the budget so both together never exceed it.
	if len(s.queues[side]) < maxPending/2 {
		s.queues[side] = append(s.queues[side], r)
		s.queueFull = false
		return true, false
	}
	logFull = !s.queueFull
	s.queueFull = true
	return false, logFull
}

// queueLen reads the side's queue length under the enqueue lock. The loop
// uses it when deciding to re-add the session to the enqueue side's
// receivers set; the drain side is read without the lock.
func (s *session) queueLen(side int) int {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	return len(s.queues[side])
}

func (s *session) writeInFlight() bool { return len(s.batch) > 0 }

// markToDisconnect flags the session for teardown. The first call wins and
// charges the disconnect to whichever side asked for it.
func (s *session) markToDisconnect(byServer bool) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.toBeDisconnected {
		return false
	}
	s.toBeDisconnected = true
	if byServer {
		s.stats.disconnectionsByServer.Inc()
	} else {
		s.stats.disconnectionsByClient.Inc()
	}
	return true
}

func (s *session) markedToDisconnect() bool {
	s.dmu.RLock()
	defer s.dmu.RUnlock()
	return s.toBeDisconnected
}

// SessionData and SetSessionData are reached by processors through the
// runtime context.
func (s *session) SessionData() any     { return s.sessionData }
func (s *session) SetSessionData(d any) { s.sessionData = d }
func (s *session) Handle() ClientHandle { return s.handle }
func (s *session) Version() uint16      { return s.version }
func (s *session) SetStreaming(on bool) { s.streaming = on }
