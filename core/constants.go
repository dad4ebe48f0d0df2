package core

import "time"

// Timing constants of the event loop and the peer state machine. Intervals
// that applications may tune (keep-alive, status) live in config.Common.
const (
	// TickInterval drives the periodic activities of the event loop:
	// response drain, status logging, keep-alive scan, shutdown gates.
	TickInterval = 201 * time.Millisecond

	// RetryConnectionAfter is how long a peer server stays DISCONNECTED
	// before a queued response triggers a fresh connection attempt.
	RetryConnectionAfter = 30 * time.Second

	// MaxOverflowedTime bounds how long a peer may sit with unacked
	// forwards before it is considered stuck. The overflow disconnect is
	// disabled; the timestamp is still maintained.
	MaxOverflowedTime = 90 * time.Second

	// WaitForConnection bounds a single peer connection attempt. An
	// attempt cannot be canceled, so on timeout the peer is marked
	// connecting-timed-out and the completion is awaited before retrying.
	WaitForConnection = 150 * time.Second
)

const (
	// ListenBacklog is the accept queue depth of the listening socket.
	ListenBacklog = 256

	// MaxPendingRequests caps requests in flight per client session. The
	// read path stops consuming frames while a request is processing.
	MaxPendingRequests = 1
)

// peerAckBufferSize fits 1024 control frames from a peer's ack stream.
const peerAckBufferSize = 1024 * 10
