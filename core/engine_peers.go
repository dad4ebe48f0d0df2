package core

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/core/poller"
	"github.com/atuldpatil/pulsar/logger"
)

// connectPeer starts a nonblocking connection attempt to a peer server. The
// usual outcome is EINPROGRESS with the completion arriving as a writable
// event; a loopback connect may finish synchronously. Loop side only.
func (e *Engine) connectPeer(p *peerServer, now time.Time) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		e.log.Error("creating peer socket failed",
			logger.Field{Key: "peer", Value: p.addr()},
			logger.Field{Key: "error", Value: err.Error()})
		p.noteDisconnected(now)
		return
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	var sa unix.SockaddrInet4
	sa.Port = p.port
	binary.BigEndian.PutUint32(sa.Addr[:], p.ip)

	err = unix.Connect(fd, &sa)
	if err != nil && err != unix.EINPROGRESS {
		e.log.Warn("peer connect failed",
			logger.Field{Key: "peer", Value: p.addr()},
			logger.Field{Key: "error", Value: err.Error()})
		unix.Close(fd)
		p.noteDisconnected(now)
		return
	}

	if perr := e.poll.Add(fd); perr != nil {
		e.log.Error("registering peer socket failed",
			logger.Field{Key: "peer", Value: p.addr()},
			logger.Field{Key: "error", Value: perr.Error()})
		unix.Close(fd)
		p.noteDisconnected(now)
		return
	}

	p.fd = fd
	e.peerByFD[fd] = p

	if err == nil {
		p.noteConnected()
		e.log.Info("peer connected",
			logger.Field{Key: "peer", Value: p.addr()})
		return
	}

	p.noteConnecting(now)
	if perr := e.poll.SetWrite(fd, true); perr != nil {
		e.disconnectPeer(p, now)
	}
}

// handlePeerEvent routes a poller event on a peer socket: connect
// completion while connecting, otherwise ack ingress and write resumption.
func (e *Engine) handlePeerEvent(p *peerServer, ev poller.Event) {
	switch p.status {
	case PeerConnecting, PeerConnectingTimedOut:
		if ev.Writable {
			e.finishPeerConnect(p)
		}
		return
	case PeerConnected:
	default:
		return
	}

	if ev.Readable {
		e.readPeerAcks(p)
	}
	if ev.Writable && p.status == PeerConnected {
		if p.writeInFlight() {
			e.flushPeerBatch(p)
		} else {
			e.poll.SetWrite(p.fd, false)
		}
	}
}

// finishPeerConnect resolves a pending connect attempt. An attempt that
// already timed out is closed whatever its outcome: nothing waits on it any
// more and the retry clock starts from here.
func (e *Engine) finishPeerConnect(p *peerServer) {
	now := time.Now()
	soErr, err := unix.GetsockoptInt(p.fd, unix.SOL_SOCKET, unix.SO_ERROR)

	if p.status == PeerConnectingTimedOut || err != nil || soErr != 0 {
		reason := "connect timed out"
		if p.status != PeerConnectingTimedOut {
			reason = unix.Errno(soErr).Error()
			if err != nil {
				reason = err.Error()
			}
		}
		e.log.Warn("peer connect failed",
			logger.Field{Key: "peer", Value: p.addr()},
			logger.Field{Key: "error", Value: reason})
		e.disconnectPeer(p, now)
		return
	}

	e.poll.SetWrite(p.fd, false)
	p.noteConnected()
	e.log.Info("peer connected",
		logger.Field{Key: "peer", Value: p.addr()})

	// Forwards may have queued up while the connect was in flight.
	e.drainPending = true
}

// readPeerAcks consumes the control stream a peer sends back over the
// forwarding connection: acks of forwarded responses, keep-alives, error
// reports. Anything that does not parse as framework traffic tears the link
// down.
func (e *Engine) readPeerAcks(p *peerServer) {
	for {
		if p.ackIdx == len(p.ackBuf) {
			e.log.Error("peer control stream overran its buffer",
				logger.Field{Key: "peer", Value: p.addr()})
			e.disconnectPeer(p, time.Now())
			return
		}

		n, err := unix.Read(p.fd, p.ackBuf[p.ackIdx:])
		if n <= 0 {
			if n < 0 && (err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR) {
				return
			}
			e.log.Warn("peer connection closed",
				logger.Field{Key: "peer", Value: p.addr()})
			e.disconnectPeer(p, time.Now())
			return
		}
		p.ackIdx += n

		consumed := 0
		for {
			res := frame.Parse(p.ackBuf[consumed:p.ackIdx], p.ackVersion, e.sizeLimit)
			if res.Status == frame.WaitForMore {
				break
			}
			if res.Status != frame.Found || res.Version != frame.SpecialVersion {
				e.log.Error("invalid frame on peer control stream",
					logger.Field{Key: "peer", Value: p.addr()},
					logger.Field{Key: "status", Value: res.Status.String()})
				e.disconnectPeer(p, time.Now())
				return
			}
			p.ackVersion = res.Version
			e.handlePeerControl(p, res.Payload)
			consumed += res.FrameLen()
		}

		if consumed > 0 {
			copy(p.ackBuf, p.ackBuf[consumed:p.ackIdx])
			p.ackIdx -= consumed
		}
	}
}

// handlePeerControl acts on one control frame from the peer.
func (e *Engine) handlePeerControl(p *peerServer, payload []byte) {
	switch payload[0] {
	case frame.CodeAckOfForwarded:
		p.addOutstanding(-1)
	case frame.CodeKeepAlive:
		// Probe from an idle peer; receiving it already counted as activity.
	case frame.CodeError:
		e.log.Warn("peer reported an error",
			logger.Field{Key: "peer", Value: p.addr()},
			logger.Field{Key: "payload", Value: payload})
	default:
		e.log.Warn("unknown control code from peer",
			logger.Field{Key: "peer", Value: p.addr()},
			logger.Field{Key: "code", Value: payload[0]})
	}
}

// disconnectPeer tears the peer socket down and starts the retry clock.
// Queued responses are not touched here; the next drain visit expires them
// against the DISCONNECTED state.
func (e *Engine) disconnectPeer(p *peerServer, now time.Time) {
	if p.fd >= 0 {
		e.poll.Remove(p.fd)
		unix.Close(p.fd)
		delete(e.peerByFD, p.fd)
	}
	p.noteDisconnected(now)
}
