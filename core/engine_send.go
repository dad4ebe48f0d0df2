package core

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/atuldpatil/pulsar/core/observability"
	"github.com/atuldpatil/pulsar/logger"
)

// runSendCycles is one pass of the double-buffered send pipeline: flip the
// direction flag, then drain the side workers were filling, first the local
// client queues, then the peer queues. Loop side only.
func (e *Engine) runSendCycles() {
	start := time.Now()

	e.sides.mu.Lock()
	drain := e.sides.side
	e.sides.side = 1 - e.sides.side
	e.sides.mu.Unlock()

	e.drainClients(drain)
	e.drainPeers(drain, start)

	e.profiler.Observe(observability.PhaseDrain, time.Since(start))
}

// drainClients visits every session with responses queued on the drain side.
// The set and the side's queues are safe to touch without locks: no worker
// enqueues there until the flag flips again, and it flips only on this
// goroutine.
func (e *Engine) drainClients(drain int) {
	set := e.sides.receivers[drain]
	if len(set) == 0 {
		return
	}
	e.sides.receivers[drain] = make(map[*session]struct{}, len(set))

	for s := range set {
		e.drainOneClient(s, drain)
	}
}

func (e *Engine) drainOneClient(s *session, drain int) {
	// A previous batch still on the wire; the completion re-adds the
	// session for whatever remains queued.
	if s.writeInFlight() {
		return
	}
	if s.disconnectInitiated {
		e.failQueuedResponses(s, drain)
		return
	}

	queue := s.queues[drain]
	if len(queue) == 0 {
		e.requeueClient(s)
		return
	}

	// Build the batch: up to MaxPendingResponses, stopping at a fatal
	// error. A fatal at the head is consumed (never transmitted) and marks
	// the session; a fatal later just ends the batch so it reaches the
	// head next cycle.
	taken := 0
	for taken < len(queue) && len(s.batch) < e.common.MaxPendingResponses {
		r := queue[taken]
		if r.fatalForLocalClient() {
			if len(s.batch) == 0 {
				s.markToDisconnect(true)
				taken++
				e.completeDelivery(s, r, false)
			}
			break
		}
		s.batch = append(s.batch, r)
		taken++
	}
	s.queues[drain] = queue[taken:]

	if len(s.batch) == 0 {
		e.requeueClient(s)
		e.maybeFinishDisconnect(s)
		return
	}

	if s.markedToDisconnect() {
		// The endpoint is going away; queued deliveries expire instead of
		// racing the close.
		e.finishClientBatch(s, false)
		return
	}

	e.stats.responsesBeingSent.Add(len(s.batch))
	s.iovs = s.iovs[:0]
	for _, r := range s.batch {
		s.iovs = append(s.iovs, r.Wire())
	}
	s.written = 0

	e.flushClientBatch(s)
}

// flushClientBatch pushes the batch's remaining bytes to the socket. A short
// write arms write interest and finishes on the next writable event.
func (e *Engine) flushClientBatch(s *session) {
	iovs := remainingIovs(s.iovs, s.written)
	for len(iovs) > 0 {
		n, err := unix.Writev(s.fd, iovs)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if perr := e.poll.SetWrite(s.fd, true); perr != nil {
				e.log.Error("arming write interest failed",
					logger.Field{Key: "client", Value: s.handle.String()},
					logger.Field{Key: "error", Value: perr.Error()})
				e.failClientWrite(s)
			}
			return
		}
		if err != nil || n <= 0 {
			e.failClientWrite(s)
			return
		}
		s.written += n
		iovs = remainingIovs(s.iovs, s.written)
	}

	e.poll.SetWrite(s.fd, false)
	e.finishClientBatch(s, true)
}

// continueClientWrite resumes a short write when the socket becomes
// writable.
func (e *Engine) continueClientWrite(s *session) {
	if !s.writeInFlight() || s.disconnectInitiated {
		return
	}
	e.flushClientBatch(s)
}

func (e *Engine) failClientWrite(s *session) {
	e.stats.responsesFailedSend.Inc()
	s.markToDisconnect(true)
	e.finishClientBatch(s, false)
}

// finishClientBatch completes every delivery of the in-flight batch, then
// re-queues or tears down the session.
func (e *Engine) finishClientBatch(s *session, ok bool) {
	batch := s.batch
	s.batch = s.batch[:0]
	s.iovs = s.iovs[:0]
	s.written = 0

	e.stats.responsesBeingSent.Add(-len(batch))
	for _, r := range batch {
		e.completeDelivery(s, r, ok)
	}

	e.requeueClient(s)
	e.maybeFinishDisconnect(s)
}

// completeDelivery retires one queued delivery of r toward s and releases
// the response when the last queue let go of it.
func (e *Engine) completeDelivery(s *session, r *Response, ok bool) {
	if ok {
		e.stats.responsesSent.Inc()
		e.stats.responseBytesSent.Add(r.Size())
	}
	e.pool.DecreaseCount(s, countResponse)
	if r.completeOne() {
		e.retireResponse(r)
	}
}

// retireResponse runs the last-delivery accounting of a response.
func (e *Engine) retireResponse(r *Response) {
	if !r.addedToStat {
		return
	}
	if r.IsForward() {
		e.stats.responsesPeerQueues.Dec()
	} else {
		e.stats.responsesClientQueues.Dec()
	}
	e.stats.memResponsesQueued.Add(-r.Size())
	if !r.queuedAt.IsZero() {
		e.stats.ObserveQueuedDuration(time.Since(r.queuedAt))
	}
}

// failQueuedResponses expires everything on the drain side of a session
// whose socket is already gone.
func (e *Engine) failQueuedResponses(s *session, drain int) {
	queue := s.queues[drain]
	s.queues[drain] = nil
	for _, r := range queue {
		e.completeDelivery(s, r, false)
	}
	e.requeueClient(s)
}

// requeueClient re-registers the session in the receivers set of whichever
// side still holds queued responses. Only the side the loop currently owns
// may skip the membership lock; batches completing after a later flag flip
// land on the worker side and lock like any enqueue.
func (e *Engine) requeueClient(s *session) {
	cur := e.sides.drainSide()
	for side := 0; side < 2; side++ {
		if s.queueLen(side) > 0 {
			e.sides.add(side, s, side != cur)
		}
	}
}

// remainingIovs slices the batch's buffers past the first written bytes.
func remainingIovs(iovs [][]byte, written int) [][]byte {
	for i, buf := range iovs {
		if written < len(buf) {
			out := make([][]byte, 0, len(iovs)-i)
			out = append(out, buf[written:])
			return append(out, iovs[i+1:]...)
		}
		written -= len(buf)
	}
	return nil
}

// drainPeers mirrors drainClients for the peer forwarding queues: no batch
// cap, no fatal-error rule, and the state machine decides whether queued
// responses go out or unwind.
func (e *Engine) drainPeers(drain int, now time.Time) {
	set := e.peers.receivers[drain]
	if len(set) == 0 {
		return
	}
	e.peers.receivers[drain] = make(map[*peerServer]struct{}, len(set))

	for p := range set {
		e.drainOnePeer(p, drain, now)
	}
}

func (e *Engine) drainOnePeer(p *peerServer, drain int, now time.Time) {
	if p.writeInFlight() {
		return
	}

	if p.retryDue(now) {
		e.connectPeer(p, now)
	}

	switch p.currentStatus(now) {
	case PeerConnecting, PeerOverflowed:
		// Keep the peer in the set so the next cycle revisits it.
		e.peers.addReceiver(drain, p, false)
		return

	case PeerConnected:
		e.writePeerQueue(p, drain)

	default:
		// DISCONNECTING, DISCONNECTED, CONNECTING_TIMED_OUT: the queued
		// responses expire with the link's status stamped on them.
		e.failPeerQueue(p, drain, p.status)
		e.requeuePeer(p)
	}
}

// writePeerQueue drains the entire side queue of a CONNECTED peer into one
// vectored write.
func (e *Engine) writePeerQueue(p *peerServer, drain int) {
	p.qmu.Lock()
	queue := p.queues[drain]
	p.queues[drain] = nil
	p.qmu.Unlock()

	if len(queue) == 0 {
		e.requeuePeer(p)
		return
	}

	p.batch = append(p.batch[:0], queue...)
	p.iovs = p.iovs[:0]
	for _, r := range p.batch {
		p.iovs = append(p.iovs, r.Wire())
	}
	p.written = 0
	e.stats.responsesBeingSent.Add(len(p.batch))

	e.flushPeerBatch(p)
}

func (e *Engine) flushPeerBatch(p *peerServer) {
	iovs := remainingIovs(p.iovs, p.written)
	for len(iovs) > 0 {
		n, err := unix.Writev(p.fd, iovs)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if perr := e.poll.SetWrite(p.fd, true); perr != nil {
				e.failPeerWrite(p)
			}
			return
		}
		if err != nil || n <= 0 {
			e.failPeerWrite(p)
			return
		}
		p.written += n
		iovs = remainingIovs(p.iovs, p.written)
	}

	e.poll.SetWrite(p.fd, false)
	e.finishPeerBatch(p, true)
}

func (e *Engine) failPeerWrite(p *peerServer) {
	e.stats.forwardErrWrite.Inc()
	e.finishPeerBatch(p, false)
	e.disconnectPeer(p, time.Now())
}

// finishPeerBatch completes the in-flight forwarded batch. Successful
// forwards, while the link is still up, raise the unacked counter and stamp
// the overflow timestamp.
func (e *Engine) finishPeerBatch(p *peerServer, ok bool) {
	batch := p.batch
	p.batch = p.batch[:0]
	p.iovs = p.iovs[:0]
	p.written = 0

	e.stats.responsesBeingSent.Add(-len(batch))
	now := time.Now()
	for _, r := range batch {
		if ok && p.status == PeerConnected {
			e.stats.responsesSent.Inc()
			e.stats.responseBytesSent.Add(r.Size())
			p.addOutstanding(1)
			p.overflowedAt = now
		} else {
			r.forwardStatus = p.status
			e.stats.countForwardError(p.status)
		}
		if r.completeOne() {
			e.retireResponse(r)
		}
	}

	e.requeuePeer(p)
}

// failPeerQueue expires the drain side of a peer whose link is down.
func (e *Engine) failPeerQueue(p *peerServer, drain int, status PeerStatus) {
	p.qmu.Lock()
	queue := p.queues[drain]
	p.queues[drain] = nil
	p.qmu.Unlock()

	for _, r := range queue {
		r.forwardStatus = status
		e.stats.countForwardError(status)
		if r.completeOne() {
			e.retireResponse(r)
		}
	}
}

func (e *Engine) requeuePeer(p *peerServer) {
	cur := e.sides.drainSide()
	for side := 0; side < 2; side++ {
		if p.queueLen(side) > 0 {
			e.peers.addReceiver(side, p, side != cur)
		}
	}
}
