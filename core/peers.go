package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/atuldpatil/pulsar/logger"
)

// PeerStatus is the connection state of one peer server.
type PeerStatus int

const (
	// PeerUninitiated: the entry exists but no connection was ever tried.
	// First drain visit initiates one.
	PeerUninitiated PeerStatus = iota

	// PeerConnecting: a nonblocking connect is in flight.
	PeerConnecting

	// PeerConnectingTimedOut: the connect exceeded WaitForConnection. The
	// attempt cannot be canceled; queued responses unwind as failures and
	// the completion, whenever it lands, closes the socket.
	PeerConnectingTimedOut

	// PeerConnected: the forwarding link is up.
	PeerConnected

	// PeerOverflowed: too many unacked forwards for too long. The
	// transition is disabled; the timestamp is still maintained so the
	// state can be re-enabled without reshaping the machine.
	PeerOverflowed

	// PeerDisconnecting: a write or read error was seen and the socket is
	// being torn down.
	PeerDisconnecting

	// PeerDisconnected: no link. After RetryConnectionAfter the next drain
	// visit reinitiates.
	PeerDisconnected
)

func (s PeerStatus) String() string {
	switch s {
	case PeerUninitiated:
		return "UNINITIATED"
	case PeerConnecting:
		return "CONNECTING"
	case PeerConnectingTimedOut:
		return "CONNECTING_TIMED_OUT"
	case PeerConnected:
		return "CONNECTED"
	case PeerOverflowed:
		return "OVERFLOWED"
	case PeerDisconnecting:
		return "DISCONNECTING"
	case PeerDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("PeerStatus(%d)", int(s))
	}
}

// peerServer is the forwarding link to one remote server. The status machine,
// the socket and the outbound batch belong to the event loop; workers reach
// only the response queues, through their own lock, and the outstanding
// counter, through the table.
type peerServer struct {
	ip   uint32
	port int

	// Loop-owned connection state.
	status         PeerStatus
	fd             int
	connectingAt   time.Time
	disconnectedAt time.Time
	overflowedAt   time.Time

	// outstandingForwards counts forwarded responses written but not yet
	// acked. Written by the loop on write completion and ack ingress; read
	// by the status snapshot.
	omu                 sync.Mutex
	outstandingForwards int64

	// Response queues, two sides addressed by the send-direction flag,
	// exactly like a session's. Peers have no queue-length cap: a stalled
	// link is handled by the state machine, not by backpressure.
	qmu    sync.RWMutex
	queues [2][]*Response

	// Outbound batch, loop-owned.
	batch   []*Response
	iovs    [][]byte
	written int

	// Inbound ack stream. Fixed buffer; version locks to the framework
	// version on the first frame.
	ackBuf     []byte
	ackIdx     int
	ackVersion uint16
}

func newPeerServer(ip uint32, port int) *peerServer {
	return &peerServer{
		ip:     ip,
		port:   port,
		fd:     -1,
		ackBuf: make([]byte, peerAckBufferSize),
	}
}

func (p *peerServer) addr() string {
	return fmt.Sprintf("%s:%d", IPv4String(p.ip), p.port)
}

// enqueue appends r to the side's queue. Unconditional: peer queues have no
// length limit.
func (p *peerServer) enqueue(r *Response, side int) {
	p.qmu.Lock()
	p.queues[side] = append(p.queues[side], r)
	p.qmu.Unlock()
}

func (p *peerServer) queueLen(side int) int {
	p.qmu.RLock()
	defer p.qmu.RUnlock()
	return len(p.queues[side])
}

func (p *peerServer) writeInFlight() bool { return len(p.batch) > 0 }

// addOutstanding moves the unacked-forwards counter and returns the new
// value.
func (p *peerServer) addOutstanding(delta int64) int64 {
	p.omu.Lock()
	defer p.omu.Unlock()
	p.outstandingForwards += delta
	if p.outstandingForwards < 0 {
		p.outstandingForwards = 0
	}
	return p.outstandingForwards
}

func (p *peerServer) outstanding() int64 {
	p.omu.Lock()
	defer p.omu.Unlock()
	return p.outstandingForwards
}

// noteConnecting records a fresh connect attempt.
func (p *peerServer) noteConnecting(now time.Time) {
	p.status = PeerConnecting
	p.connectingAt = now
}

// noteConnected records connect completion.
func (p *peerServer) noteConnected() {
	p.status = PeerConnected
}

// noteDisconnected records the link going away, from whatever state.
func (p *peerServer) noteDisconnected(now time.Time) {
	p.status = PeerDisconnected
	p.disconnectedAt = now
	p.fd = -1
	p.ackIdx = 0
	p.ackVersion = 0
}

// currentStatus advances the time-driven transitions and reports the state
// the drain cycle should act on. Loop side only.
func (p *peerServer) currentStatus(now time.Time) PeerStatus {
	switch p.status {
	case PeerConnecting:
		if now.Sub(p.connectingAt) > WaitForConnection {
			p.status = PeerConnectingTimedOut
		}
	case PeerConnected:
		// Overflow disconnect is disabled. The timestamp moves on write
		// completion; were the state re-enabled, this is where elapsed
		// time over MaxOverflowedTime would transition it.
	}
	return p.status
}

// retryDue reports whether a DISCONNECTED peer has waited out the retry
// delay.
func (p *peerServer) retryDue(now time.Time) bool {
	return p.status == PeerDisconnected && now.Sub(p.disconnectedAt) > RetryConnectionAfter ||
		p.status == PeerUninitiated
}

// peerTable registers every peer server this process has ever forwarded to,
// keyed by the peer's IPv4 address, together with the two receiver sets the
// send-direction flag alternates between. Workers create entries and enqueue
// concurrently; connection state stays with the loop.
type peerTable struct {
	port  int
	peers *xsync.MapOf[uint32, *peerServer]

	rmu       sync.RWMutex
	receivers [2]map[*peerServer]struct{}

	stats *ServerStats
	log   logger.Logger
}

func newPeerTable(port int, stats *ServerStats, log logger.Logger) *peerTable {
	return &peerTable{
		port:  port,
		peers: xsync.NewMapOf[uint32, *peerServer](),
		receivers: [2]map[*peerServer]struct{}{
			make(map[*peerServer]struct{}),
			make(map[*peerServer]struct{}),
		},
		stats: stats,
		log:   log,
	}
}

// addToQueue queues the forwarded response toward its target server,
// creating the peer entry on first use, and returns the reference count the
// response gained: one, for the single peer queue now holding it.
func (t *peerTable) addToQueue(r *Response, side int) int {
	p, loaded := t.peers.LoadOrCompute(r.ServerIPv4(), func() *peerServer {
		return newPeerServer(r.ServerIPv4(), t.port)
	})
	if !loaded {
		t.log.Info("peer server registered",
			logger.Field{Key: "peer", Value: p.addr()})
	}
	p.enqueue(r, side)
	t.addReceiver(side, p, true)
	return 1
}

// addReceiver records p as having responses queued on side. lock is false
// only on the loop's own drain side.
func (t *peerTable) addReceiver(side int, p *peerServer, lock bool) {
	if lock {
		t.rmu.RLock()
	}
	_, ok := t.receivers[side][p]
	if lock {
		t.rmu.RUnlock()
	}
	if ok {
		return
	}
	if lock {
		t.rmu.Lock()
	}
	t.receivers[side][p] = struct{}{}
	if lock {
		t.rmu.Unlock()
	}
}

// lookup returns the peer entry for ip, or nil.
func (t *peerTable) lookup(ip uint32) *peerServer {
	p, _ := t.peers.Load(ip)
	return p
}

// all snapshots the registered peers.
func (t *peerTable) all() []*peerServer {
	out := make([]*peerServer, 0, t.peers.Size())
	t.peers.Range(func(_ uint32, p *peerServer) bool {
		out = append(out, p)
		return true
	})
	return out
}

// connectedCount is the number of peers currently CONNECTED, for the status
// snapshot. Loop side only.
func (t *peerTable) connectedCount() uint32 {
	var n uint32
	t.peers.Range(func(_ uint32, p *peerServer) bool {
		if p.status == PeerConnected {
			n++
		}
		return true
	})
	return n
}
