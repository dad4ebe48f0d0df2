package core

import (
	"fmt"
	"time"

	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/logger"
)

// dispatchFrame moves one complete frame off the event loop and onto a
// worker. The session's read interest is paused for the whole round trip:
// no second frame is parsed while a request is in processing, and the
// receive buffer holding the payload stays untouched until the completion
// step resets it.
func (e *Engine) dispatchFrame(s *session, res frame.Result) {
	if s.requestInFlight {
		panic(fmt.Sprintf("core: frame dispatched while a request is in processing for %s", s.handle))
	}

	if s.version == 0 {
		s.version = res.Version
	}
	s.rejectedPrevBytes = false

	req, err := newRequest(e.pool, s, res.Payload, time.Now())
	if err != nil {
		e.stats.requestsRejected.Inc()
		e.stats.requestBytesIgnored.Add(res.FrameLen())
		s.resetReceiveBuffer(e.bytePool)
		return
	}

	s.requestInFlight = true
	s.processingFinished = false
	if err := e.poll.SetRead(s.fd, false); err != nil {
		e.log.Error("pausing read interest failed",
			logger.Field{Key: "client", Value: s.handle.String()},
			logger.Field{Key: "error", Value: err.Error()})
	}

	e.stats.requestsArrived.Inc()
	e.stats.ObserveRequestSize(req.Size())
	e.stats.memRequestsQueued.Add(req.Size())

	e.workers.Submit(func(workerID int) {
		e.processOnWorker(workerID, req)
	})
}

// processOnWorker is the worker body: resolve the processor cell for
// (worker, version), run it, and hand the completion back to the loop.
func (e *Engine) processOnWorker(workerID int, req *Request) {
	cell, found := e.table.lookup(workerID, req.version)

	switch {
	case e.pool.ShutdownInitiated():
		e.stats.requestsNotAdvised.Inc()

	case !found:
		e.logUnsupportedVersion(req.version)
		e.stats.requestsFailed.Inc()

	default:
		start := time.Now()
		ok := cell.process(req)
		e.stats.ObserveProcessing(time.Since(start))
		e.stats.workerProcessed[workerID].Inc()
		if ok {
			e.stats.requestsProcessed.Inc()
			e.stats.requestBytesProcessed.Add(req.Size())
		} else {
			e.stats.requestsFailed.Inc()
		}
	}

	e.postTask(func() { e.completeRequest(req) })
}

// completeRequest is the loop-side completion step. A deferred request goes
// straight back to the pool with counters and buffer untouched; anything
// else releases the request reference, resets the receive buffer and either
// resumes reading or finishes a pending disconnect.
func (e *Engine) completeRequest(req *Request) {
	s := req.sess

	if req.deferred {
		req.deferred = false
		e.workers.Submit(func(workerID int) {
			e.processOnWorker(workerID, req)
		})
		return
	}

	e.stats.memRequestsQueued.Add(-req.Size())
	e.pool.DecreaseCount(s, countRequest)

	// A processor failure disconnects the sender, except over the peer
	// link: one bad forwarded frame must not cost every client behind it.
	if req.failed && req.version != frame.SpecialVersion {
		s.markToDisconnect(true)
	}

	s.resetReceiveBuffer(e.bytePool)
	s.requestInFlight = false
	s.processingFinished = true
	e.drainPending = true

	if s.markedToDisconnect() {
		e.maybeFinishDisconnect(s)
		return
	}
	if !s.disconnectInitiated {
		if err := e.poll.SetRead(s.fd, true); err != nil {
			e.log.Error("resuming read interest failed",
				logger.Field{Key: "client", Value: s.handle.String()},
				logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

// logUnsupportedVersion logs the first request of a version no processor
// serves; repeats only count.
func (e *Engine) logUnsupportedVersion(version uint16) {
	e.unsupportedMu.Lock()
	_, seen := e.unsupportedLogged[version]
	if !seen {
		e.unsupportedLogged[version] = struct{}{}
	}
	e.unsupportedMu.Unlock()
	if !seen {
		e.log.Error("request for unsupported version",
			logger.Field{Key: "version", Value: fmt.Sprintf("0x%04X", version)})
	}
}
