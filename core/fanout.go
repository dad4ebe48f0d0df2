package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/atuldpatil/pulsar/config"
	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/logger"
)

// taskPoster hands closures to the event loop. postTask is safe from any
// goroutine; the task runs on the loop in posting order.
type taskPoster interface {
	postTask(fn func())
}

// sendSides coordinates the two-sided response queueing between workers and
// the event loop. Workers enqueue to the side the direction flag selects,
// holding the flag's read lock for the whole fan-out of one response; the
// loop flips the flag under the write lock and then drains the other side
// without any lock, since no worker can still be adding there.
type sendSides struct {
	mu   sync.RWMutex
	side int

	// receivers holds, per side, the sessions with at least one queued
	// response. rmu guards membership checks and inserts from workers; the
	// loop iterates and clears its drain side without it.
	rmu       sync.RWMutex
	receivers [2]map[*session]struct{}

	// removalGate orders response fan-out against session removal. A worker
	// holds it shared around the pin-enqueue-unpin window of each recipient
	// and the loop takes it exclusive before removing a session, so removal
	// never observes the middle state where a failed enqueue is about to
	// release the last pin with no event left to retire the session.
	removalGate sync.RWMutex
}

func newSendSides() *sendSides {
	return &sendSides{
		receivers: [2]map[*session]struct{}{
			make(map[*session]struct{}),
			make(map[*session]struct{}),
		},
	}
}

// add records s as having responses queued on side. Membership is checked
// under the read lock first: sessions mostly re-add themselves, so the
// cheap path wins. lock is false only on the loop's own drain side.
func (d *sendSides) add(side int, s *session, lock bool) {
	if lock {
		d.rmu.RLock()
	}
	_, ok := d.receivers[side][s]
	if lock {
		d.rmu.RUnlock()
	}
	if ok {
		return
	}
	if lock {
		d.rmu.Lock()
	}
	d.receivers[side][s] = struct{}{}
	if lock {
		d.rmu.Unlock()
	}
}

// toggle flips the enqueue side and returns the side to drain: the one
// workers were filling until the flip. Loop side only.
func (d *sendSides) toggle() int {
	d.mu.Lock()
	drain := d.side
	d.side = 1 - d.side
	d.mu.Unlock()
	return drain
}

// enqueueSide is the side workers currently fill. The loop reads it
// directly; it is the only writer.
func (d *sendSides) enqueueSide() int { return d.side }

// drainSide is the side the loop owns between toggles.
func (d *sendSides) drainSide() int { return 1 - d.side }

// fanout turns processor sends into queued Response objects: validate the
// payload, group recipients by server, build one wire form per group with
// forwarded groups chunked, pin each local recipient in the client pool and
// queue toward it, then fix the reference count. Everything after
// construction happens under the direction flag's read lock, so the count
// is final before the loop can drain the response.
type fanout struct {
	pool  *ClientPool
	peers *peerTable
	sides *sendSides
	stats *ServerStats
	log   logger.Logger
	loop  taskPoster

	params         map[uint16]config.VersionParams
	maxPending     int
	maxResponseAll int
	serverIPv4     uint32

	// hostname reads the engine's async lookup result.
	hostname func() string

	// cycle runs one periodic-activities pass on the loop; the update
	// barrier posts it.
	cycle func()
}

// storeMessage is the single entry of the response pipeline. req is the
// request being processed, or nil for engine-originated traffic such as
// keep-alives. update makes the call block until the loop has run a send
// cycle over the queued responses.
func (f *fanout) storeMessage(req *Request, handles []ClientHandle, payload []byte, version uint16, update bool) error {
	arrived := time.Now()
	if req != nil {
		arrived = req.ArrivalTime()
	}

	params, ok := f.params[version]
	if !ok {
		return fmt.Errorf("%w: 0x%04X", ErrUnknownVersion, version)
	}
	if len(handles) == 0 {
		return ErrNoRecipients
	}
	if len(payload) == 0 {
		return ErrEmptyResponse
	}
	if len(payload) > params.MaxResponseSize {
		return fmt.Errorf("%w: %d > %d", ErrResponseTooLarge, len(payload), params.MaxResponseSize)
	}

	// Group recipients by their server. Each group becomes at least one
	// response; local clients always share a single one.
	groups := make(map[uint32][]ClientHandle, 1)
	for _, h := range handles {
		groups[h.ServerIPv4] = append(groups[h.ServerIPv4], h)
	}
	for ip, group := range groups {
		f.buildAndQueue(payload, group, version, update, arrived, ip == f.serverIPv4)
	}

	if update {
		f.awaitSendCycle()
	}
	return nil
}

// buildAndQueue constructs the wire form for one server's recipients and
// queues it. A forwarded group larger than the per-response handle limit is
// split into several responses.
func (f *fanout) buildAndQueue(payload []byte, group []ClientHandle, version uint16, update bool, arrived time.Time, local bool) {
	for len(group) > 0 {
		chunk := group
		if !local && len(chunk) > frame.MaxForwardedHandles {
			chunk = group[:frame.MaxForwardedHandles]
		}

		var (
			r   *Response
			err error
		)
		if local {
			r, err = newLocalResponse(payload, chunk, version, update, arrived)
		} else {
			r, err = newForwardResponse(payload, chunk, version, update, arrived)
		}
		if err != nil {
			f.stats.allocResponse.Inc()
			f.log.Error("building response failed",
				logger.Field{Key: "error", Value: err.Error()},
				logger.Field{Key: "version", Value: fmt.Sprintf("0x%04X", version)})
			return
		}
		f.addToQueues(r)
		group = group[len(chunk):]
	}
}

// addToQueues pins recipients and queues r toward them, then fixes the
// reference count. The direction flag's read lock spans all of it: the
// loop's flip-then-drain cannot observe a response whose count is still
// moving.
func (f *fanout) addToQueues(r *Response) int {
	f.sides.mu.RLock()
	defer f.sides.mu.RUnlock()
	side := f.sides.side

	var refs int
	if r.IsForward() {
		refs = f.peers.addToQueue(r, side)
	} else {
		refs = f.addToClientQueues(r, side)
	}
	r.setReferenceCount(refs)

	if refs == 0 {
		f.stats.responsesFailedQueue.Inc()
		return 0
	}
	r.addedToStat = true
	r.queuedAt = time.Now()
	f.stats.countResponseKind(r.Kind())
	if r.IsForward() {
		f.stats.responsesForwarded.Inc()
		f.stats.responsesPeerQueues.Inc()
	} else {
		f.stats.responsesClientQueues.Inc()
	}
	if r.IsMulticast() {
		f.stats.responsesMulticast.Inc()
	}
	if r.IsUpdate() {
		f.stats.responsesUpdate.Inc()
	}
	f.stats.memResponsesQueued.Add(r.Size())
	return refs
}

// addToClientQueues queues r for every recipient still in the pool and
// returns how many queues hold it now.
func (f *fanout) addToClientQueues(r *Response, side int) int {
	refs := 0
	for _, h := range r.Handles() {
		f.sides.removalGate.RLock()
		sess, err := f.pool.IncreaseCount(h, countResponse)
		if err == nil {
			if f.enqueueToSession(sess, r, side) {
				refs++
			} else {
				f.pool.DecreaseCount(sess, countResponse)
			}
		}
		f.sides.removalGate.RUnlock()
	}
	return refs
}

func (f *fanout) enqueueToSession(s *session, r *Response, side int) bool {
	added, logFull := s.enqueueResponse(r, side, f.maxPending)
	if !added {
		if logFull {
			f.log.Error("response queue full, dropping response for client",
				logger.Field{Key: "client", Value: s.handle.String()})
		}
		return false
	}
	f.sides.add(side, s, true)
	return true
}

// awaitSendCycle wakes the loop for one periodic-activities pass and blocks
// until it ran. Worker side only.
func (f *fanout) awaitSendCycle() {
	done := make(chan struct{})
	f.loop.postTask(func() {
		f.cycle()
		close(done)
	})
	<-done
}
