package core

import (
	"time"

	"github.com/atuldpatil/pulsar/core/frame"
)

// Response type codes. Control responses reuse the single-byte wire codes;
// ResponseOrdinary marks application payloads and never appears on the wire.
const (
	ResponseKeepAlive      = frame.CodeKeepAlive
	ResponseError          = frame.CodeError
	ResponseAckOfForwarded = frame.CodeAckOfForwarded
	ResponseFatalError     = frame.CodeFatalError

	ResponseOrdinary byte = 0xFF
)

// Response is one outbound message held in its final wire form. A single
// Response can sit on many local client queues (multicast) or on one peer
// server queue (forward); refs counts the queues holding it and sent counts
// completed deliveries, including synthesized failures. The response is
// released exactly when the two meet.
//
// refs is final before the response becomes drainable: the fan-out finishes
// queueing and calls setReferenceCount while holding the send-direction read
// lock, and the loop only drains a side after toggling the direction under
// the write lock. After that point sent, queuedAt and forwardStatus belong
// to the event loop alone, so none of the fields need their own lock.
type Response struct {
	wire []byte

	kind        byte
	isForward   bool
	isMulticast bool
	isUpdate    bool

	// All recipient handles live on this one server. Fan-out groups
	// handles per server before constructing responses, so a mixed
	// recipient set becomes several Response objects.
	serverIPv4 uint32
	handles    []ClientHandle

	refs int
	sent int

	addedToStat   bool
	forwardStatus PeerStatus

	queuedAt time.Time
	arrived  time.Time
}

// newLocalResponse builds the wire form for clients connected to this
// server: header with the sender's version followed by the payload.
func newLocalResponse(payload []byte, handles []ClientHandle, version uint16, update bool, arrived time.Time) (*Response, error) {
	wire, err := frame.Build(version, payload)
	if err != nil {
		return nil, err
	}
	kind := ResponseOrdinary
	if version == frame.SpecialVersion {
		kind = payload[0]
	}
	return &Response{
		wire:        wire,
		kind:        kind,
		isMulticast: len(handles) > 1,
		isUpdate:    update,
		serverIPv4:  handles[0].ServerIPv4,
		handles:     handles,
		arrived:     arrived,
	}, nil
}

// newForwardResponse builds the wire form for clients connected to another
// server: a SpecialVersion frame carrying the sender's version, the
// recipients' registration numbers and the payload. handles is the chunk
// of at most MaxForwardedHandles recipients this response covers.
func newForwardResponse(payload []byte, handles []ClientHandle, senderVersion uint16, update bool, arrived time.Time) (*Response, error) {
	regs := make([]uint64, len(handles))
	for i, h := range handles {
		regs[i] = h.Registration
	}
	wire, err := frame.BuildForwarded(senderVersion, regs, payload)
	if err != nil {
		return nil, err
	}
	return &Response{
		wire:        wire,
		kind:        ResponseOrdinary,
		isForward:   true,
		isMulticast: len(handles) > 1,
		isUpdate:    update,
		serverIPv4:  handles[0].ServerIPv4,
		handles:     handles,
		arrived:     arrived,
	}, nil
}

// Wire is the complete frame as written to the socket.
func (r *Response) Wire() []byte { return r.wire }

// Size is the wire length, used for queue-memory accounting.
func (r *Response) Size() int { return len(r.wire) }

// Kind reports the response type code.
func (r *Response) Kind() byte { return r.kind }

func (r *Response) IsForward() bool   { return r.isForward }
func (r *Response) IsMulticast() bool { return r.isMulticast }
func (r *Response) IsUpdate() bool    { return r.isUpdate }

// ServerIPv4 is the server every recipient of this response connects to.
func (r *Response) ServerIPv4() uint32 { return r.serverIPv4 }

// Handles lists the recipients covered by this response.
func (r *Response) Handles() []ClientHandle { return r.handles }

func (r *Response) setReferenceCount(n int) { r.refs = n }

func (r *Response) referenceCount() int { return r.refs }

// completeOne records one finished delivery, successful or synthesized,
// and reports whether every recipient queue has now let go of the
// response. Loop-side only.
func (r *Response) completeOne() bool {
	r.sent++
	return r.sent == r.refs
}

// fatalForLocalClient reports whether delivering this response must also
// disconnect the local client it is addressed to.
func (r *Response) fatalForLocalClient() bool {
	return !r.isForward && r.kind == ResponseFatalError
}
