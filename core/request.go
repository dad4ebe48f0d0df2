package core

import (
	"time"
)

// Request carries one complete inbound frame from the event loop to a
// worker. The payload slice aliases the session's receive buffer, which
// stays reserved until the completion step runs back on the loop, so a
// processor that wants to keep payload bytes beyond ProcessRequest must
// copy them out.
//
// Creating a request pins the session in the client pool with a request
// reference; the completion step releases it. Creation fails when the
// session is already marked to disconnect or the pool is shutting down,
// and the caller counts the frame as rejected.
type Request struct {
	sess    *session
	handle  ClientHandle
	version uint16
	payload []byte
	arrived time.Time

	// deferred is set by the owning worker inside ProcessRequest and read
	// by the loop in the completion step; the task hand-off orders the
	// two accesses. A deferred request is resubmitted once with the flag
	// cleared, leaving counters and the receive buffer untouched.
	deferred bool

	// failed records a panic escaping ProcessRequest. The completion step
	// disconnects the sending client unless the frame arrived over the
	// peer link, where tearing the link down would hurt every forwarded
	// client behind it.
	failed bool
}

func newRequest(pool *ClientPool, sess *session, payload []byte, arrived time.Time) (*Request, error) {
	if _, err := pool.IncreaseCount(sess.handle, countRequest); err != nil {
		return nil, err
	}
	return &Request{
		sess:    sess,
		handle:  sess.handle,
		version: sess.version,
		payload: payload,
		arrived: arrived,
	}, nil
}

// Payload returns the request bytes without the frame header.
func (r *Request) Payload() []byte { return r.payload }

// Handle identifies the client that sent the request.
func (r *Request) Handle() ClientHandle { return r.handle }

// Version is the sender's negotiated protocol version.
func (r *Request) Version() uint16 { return r.version }

// ArrivalTime is when the frame completed on the socket.
func (r *Request) ArrivalTime() time.Time { return r.arrived }

func (r *Request) setDeferred(v bool) { r.deferred = v }

// Size is the payload length, used for queue-memory accounting.
func (r *Request) Size() int { return len(r.payload) }
