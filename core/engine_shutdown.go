package core

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/filewriter"
	"github.com/atuldpatil/pulsar/logger"
)

// shutdownState tracks the gates of the graceful shutdown sequence. Each
// gate is re-evaluated on every tick and latches once satisfied; the loop
// exits when done is set.
type shutdownState struct {
	requested              bool
	allClientsDisconnected bool
	processorsClosed       bool
	processorsDone         bool
	peersClosed            bool
	servicesStopped        bool
	done                   bool
}

// periodicActivities runs the tick work: drain queued responses, retry
// pending session retirements, probe idle clients, log statistics and, once
// shutdown was requested, advance the shutdown gates.
func (e *Engine) periodicActivities(now time.Time) {
	e.runSendCycles()
	e.retireClosing()

	if e.shutdownRequested.Load() && !e.shut.requested {
		e.beginShutdown()
	}
	if e.shut.requested {
		e.advanceShutdown(now)
	} else {
		e.keepAliveScan(now)
	}

	if now.Sub(e.lastStatusAt) >= e.common.StatusInterval {
		e.logStatistics(false)
		e.lastStatusAt = now
	}
}

// keepAliveScan probes clients idle past the keep-alive interval: versioned
// clients get a keep-alive control frame, clients that never sent a first
// frame are disconnected. The scan itself runs on a worker; at most one is
// outstanding at a time.
func (e *Engine) keepAliveScan(now time.Time) {
	if now.Sub(e.lastKeepAliveAt) <= e.common.KeepAliveInterval {
		return
	}
	e.lastKeepAliveAt = now

	if !e.keepAliveActive.CompareAndSwap(false, true) {
		e.log.Debug("keep-alive scan still running, skipping this cycle")
		return
	}

	idleAfter := e.common.KeepAliveInterval
	submitted := e.workers.Submit(func(int) {
		defer e.keepAliveActive.Store(false)

		if idle := e.pool.IdleClients(VersionedClient, idleAfter, now); len(idle) > 0 {
			if err := e.fan.storeMessage(nil, idle, []byte{frame.CodeKeepAlive}, frame.SpecialVersion, false); err != nil {
				e.log.Error("queueing keep-alives failed",
					logger.Field{Key: "error", Value: err.Error()})
			}
		}
		if idle := e.pool.IdleClients(VersionlessClient, idleAfter, now); len(idle) > 0 {
			e.log.Info("disconnecting versionless idle clients",
				logger.Field{Key: "count", Value: len(idle)})
			if err := e.fan.storeMessage(nil, idle, []byte{frame.CodeFatalError}, frame.SpecialVersion, false); err != nil {
				e.log.Error("queueing idle disconnects failed",
					logger.Field{Key: "error", Value: err.Error()})
			}
		}
	})
	if !submitted {
		e.keepAliveActive.Store(false)
	}
}

// beginShutdown runs the first gate: stop accepting, freeze the pool.
// Clients are not marked here wholesale; markDrainedClients lets each one
// finish its in-flight request and receive its queued responses first.
func (e *Engine) beginShutdown() {
	e.shut.requested = true
	e.closeListener()
	e.pool.InitiateShutdown()
	e.log.Info("shutdown started",
		logger.Field{Key: "clients", Value: e.pool.Len()})
}

// advanceShutdown re-evaluates the remaining gates. Order: clients drain and
// disconnect, the worker pool closes and empties, peer links close, the
// final statistics go out, the loop stops.
func (e *Engine) advanceShutdown(now time.Time) {
	e.markDrainedClients()

	if !e.shut.allClientsDisconnected &&
		e.pool.Len() == 0 && len(e.sessionsByFD) == 0 && len(e.closing) == 0 {
		e.shut.allClientsDisconnected = true
		e.log.Info("shutdown: all clients disconnected")
	}

	if e.shut.allClientsDisconnected && !e.shut.processorsClosed {
		e.workers.Close()
		e.shut.processorsClosed = true
	}

	if e.shut.processorsClosed && !e.shut.processorsDone && e.workers.InFlight() == 0 {
		e.shut.processorsDone = true
		e.log.Info("shutdown: request processing stopped")
	}

	if e.shut.processorsDone && !e.shut.peersClosed {
		e.closeAllPeers(now)
		e.shut.peersClosed = true
	}

	if e.shut.peersClosed && !e.shut.servicesStopped && e.noPeersPending() {
		e.shut.servicesStopped = true
		e.logStatistics(true)
	}

	if e.shut.servicesStopped && !e.shut.done {
		e.shut.done = true
		e.log.Info("shutdown complete")
	}
}

// markDrainedClients marks every session that has nothing left in flight.
// Sessions still processing a request or holding queued responses are left
// alone; the next tick revisits them, so each client gets its answers before
// the connection goes away.
func (e *Engine) markDrainedClients() {
	for _, s := range e.sessionsByFD {
		if s.markedToDisconnect() {
			e.maybeFinishDisconnect(s)
			continue
		}
		if s.requestInFlight || s.writeInFlight() ||
			s.queueLen(0) > 0 || s.queueLen(1) > 0 {
			continue
		}
		s.markToDisconnect(true)
		e.maybeFinishDisconnect(s)
	}
}

// closeAllPeers expires every queued forward and tears down every peer
// socket. Connecting attempts are closed as well; their completion has
// nothing left to deliver to.
func (e *Engine) closeAllPeers(now time.Time) {
	for _, p := range e.peers.all() {
		e.failPeerQueue(p, 0, PeerDisconnecting)
		e.failPeerQueue(p, 1, PeerDisconnecting)
		if p.fd >= 0 {
			e.poll.Remove(p.fd)
			unix.Close(p.fd)
			delete(e.peerByFD, p.fd)
		}
		if p.status != PeerUninitiated {
			p.noteDisconnected(now)
		}
	}
	e.log.Info("shutdown: peer connections closed")
}

// noPeersPending reports whether no peer is mid-connect or mid-teardown.
func (e *Engine) noPeersPending() bool {
	for _, p := range e.peers.all() {
		if p.status == PeerConnecting || p.status == PeerDisconnecting {
			return false
		}
	}
	return true
}

// logStatistics snapshots the counters and logs a status line. Unless
// forced, a snapshot identical to the previous one is suppressed: an idle
// server stays quiet.
func (e *Engine) logStatistics(force bool) {
	now := time.Now()
	snap := e.stats.Snapshot()
	snap.ClientsActive = uint32(e.pool.Len())
	snap.PeersConnected = e.peers.connectedCount()

	if !force && e.havePrev && snap == e.prevSnapshot {
		return
	}

	elapsed := now.Sub(e.lastStatusAt)
	rates := e.stats.RatesSince(e.prevSnapshot, elapsed)
	prev := e.prevSnapshot
	e.prevSnapshot = snap
	e.havePrev = true

	mem := e.monitor.Sample()
	e.log.Info("server status",
		logger.Field{Key: "clients_active", Value: snap.ClientsActive},
		logger.Field{Key: "clients_connected", Value: snap.ClientsConnected},
		logger.Field{Key: "clients_disconnected", Value: snap.ClientsDisconnected},
		logger.Field{Key: "peers_connected", Value: snap.PeersConnected},
		logger.Field{Key: "requests_arrived", Value: snap.RequestsArrived},
		logger.Field{Key: "requests_processed", Value: snap.RequestsProcessed},
		logger.Field{Key: "requests_failed", Value: snap.RequestsFailed},
		logger.Field{Key: "requests_rejected", Value: snap.RequestsRejected},
		logger.Field{Key: "request_bytes_ignored", Value: snap.RequestBytesIgnored},
		logger.Field{Key: "responses_sent", Value: snap.ResponsesSent},
		logger.Field{Key: "responses_forwarded", Value: snap.ResponsesForwarded},
		logger.Field{Key: "responses_failed", Value: snap.ResponsesFailedQueue + snap.ResponsesFailedSend + snap.ResponsesFailedFwd},
		logger.Field{Key: "requests_per_sec", Value: fmt.Sprintf("%.1f", rates.RequestsPerSecond)},
		logger.Field{Key: "avg_processing", Value: rates.AvgProcessingTime.String()},
		logger.Field{Key: "mem_requests_queued", Value: snap.MemoryRequestsQueued},
		logger.Field{Key: "mem_responses_queued", Value: snap.MemoryResponsesQueued},
		logger.Field{Key: "mem_clients", Value: snap.MemoryClients},
		logger.Field{Key: "heap_alloc", Value: mem.HeapAlloc},
		logger.Field{Key: "goroutines", Value: mem.Goroutines},
		logger.Field{Key: "interval", Value: elapsed.Round(time.Millisecond).String()},
		logger.Field{Key: "arrived_delta", Value: snap.RequestsArrived - prev.RequestsArrived})
}

// writeStatusDump queues a full Prometheus-format status file, with the loop
// profile appended, to the asynchronous file writer.
func (e *Engine) writeStatusDump() {
	if e.fw == nil {
		return
	}

	now := time.Now()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# pulsar status dump %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&buf, "# server %s:%d hostname %q uptime %s\n",
		e.cfg.BindIP, e.cfg.Port, e.Hostname(), now.Sub(e.startedAt).Round(time.Second))
	e.stats.WritePrometheus(&buf)
	e.profiler.WriteReport(&buf)

	e.fw.Submit(filewriter.Job{
		Dir:      e.cfg.Log.StatusDir,
		Name:     fmt.Sprintf("status_%s.prom", now.Format("20060102_150405")),
		Contents: buf.Bytes(),
	})
}
