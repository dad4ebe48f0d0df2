// Package frame implements the wire format shared by clients, servers and
// peer servers:
//
//	+----------+-------------+--------------+=================+
//	| preamble |   version   | payload size |     payload     |
//	|  "MAI"   | 2B big-end. | 4B big-end.  | <size> bytes    |
//	+----------+-------------+--------------+=================+
//
// Version 0xFFFF is reserved for framework traffic: single-byte control
// messages (keep-alive, error, ack, fatal error) and forwarded responses
// whose payload carries the recipients of a cross-server delivery:
//
//	+----------------+--------------+------------------------+=========+
//	| sender version | handle count | count × registration   | payload |
//	| 2B big-end.    | 4B big-end.  | 8B big-end. each       |         |
//	+----------------+--------------+------------------------+=========+
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Preamble opens every frame on the wire.
	Preamble = "MAI"

	// HeaderSize is the fixed byte length of preamble + version + size.
	HeaderSize = 9

	versionOffset = 3
	sizeOffset    = 5

	// SpecialVersion marks framework traffic: control bytes and
	// forwarded responses.
	SpecialVersion uint16 = 0xFFFF

	// MaxPayloadSize caps what any application version may declare for a
	// request or response.
	MaxPayloadSize = 1 << 20

	// MaxForwardedHandles bounds the recipient list of a single forwarded
	// response (128 KiB of registration numbers at 8 bytes each).
	MaxForwardedHandles = (128 << 10) / 8

	// forwardedFixed is the sender-version + handle-count prefix of a
	// forwarded payload.
	forwardedFixed = 2 + 4

	// SpecialMaxPayloadSize caps the payload of a SpecialVersion frame:
	// a full recipient list plus a maximum-size inner payload.
	SpecialMaxPayloadSize = forwardedFixed + MaxForwardedHandles*8 + MaxPayloadSize
)

// Control codes travel as the single payload byte of a SpecialVersion frame.
const (
	CodeKeepAlive      byte = 0x00
	CodeError          byte = 0x01
	CodeAckOfForwarded byte = 0x02

	// CodeFatalError is never transmitted. Queueing it instructs the send
	// pipeline to disconnect the recipient.
	CodeFatalError byte = 0x03
)

// Status is the outcome of a Parse call.
type Status int

const (
	// Found means a complete, valid frame starts at the buffer head.
	Found Status = iota
	// WaitForMore means the bytes so far are a valid prefix of a frame.
	WaitForMore
	// InvalidHeader means the preamble bytes do not match.
	InvalidHeader
	// InvalidVersion means the version field is zero or contradicts the
	// version the connection already negotiated.
	InvalidVersion
	// InvalidSize means the declared payload size is zero or above the
	// limit for the frame's version.
	InvalidSize
)

func (s Status) String() string {
	switch s {
	case Found:
		return "FOUND"
	case WaitForMore:
		return "WAIT_FOR_MORE"
	case InvalidHeader:
		return "INVALID_HEADER"
	case InvalidVersion:
		return "INVALID_VERSION"
	case InvalidSize:
		return "INVALID_SIZE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

var (
	ErrTooManyHandles    = errors.New("frame: forwarded handle count exceeds limit")
	ErrPayloadTooLarge   = errors.New("frame: payload exceeds maximum size")
	ErrEmptyPayload      = errors.New("frame: empty payload")
	ErrForwardedTooShort = errors.New("frame: forwarded payload shorter than fixed prefix")
	ErrHandleListLength  = errors.New("frame: forwarded payload shorter than declared handle list")
)

// SizeLimit resolves the maximum payload size a given version may declare.
// The engine derives it from per-version configuration; SpecialVersion is
// always answered with SpecialMaxPayloadSize.
type SizeLimit func(version uint16) int

// Result carries everything Parse learned from the buffer head.
type Result struct {
	Status  Status
	Version uint16

	// PayloadLen is the declared payload length. It is populated whenever
	// at least HeaderSize bytes were available, regardless of Status, so
	// callers sizing a receive buffer on WaitForMore can rely on it.
	PayloadLen int

	// Payload aliases the payload bytes inside the parsed buffer. Set only
	// when Status == Found.
	Payload []byte
}

// FrameLen is the total wire length of the frame, header included. Valid
// once PayloadLen is populated.
func (r Result) FrameLen() int { return HeaderSize + r.PayloadLen }

// Parse examines the head of buf for one frame. knownVersion is the version
// the connection negotiated earlier, or zero when none has been seen yet; a
// frame carrying any other version is rejected, since a connection's version
// never changes once set. maxPayload bounds the declared size per version.
//
// Parse is prefix-stable: parsing a valid frame split at any byte boundary
// yields WaitForMore for every proper prefix and Found for the whole.
func Parse(buf []byte, knownVersion uint16, maxPayload SizeLimit) Result {
	n := len(buf)

	// Preamble, byte by byte, so a partial prefix can still fail fast.
	for i := 0; i < len(Preamble); i++ {
		if i >= n {
			return Result{Status: WaitForMore}
		}
		if buf[i] != Preamble[i] {
			return Result{Status: InvalidHeader}
		}
	}

	if n < HeaderSize {
		return Result{Status: WaitForMore}
	}

	r := Result{
		Version:    binary.BigEndian.Uint16(buf[versionOffset:]),
		PayloadLen: int(binary.BigEndian.Uint32(buf[sizeOffset:])),
	}

	if r.Version == 0 || (knownVersion != 0 && r.Version != knownVersion) {
		r.Status = InvalidVersion
		return r
	}

	if r.PayloadLen == 0 || r.PayloadLen > maxPayload(r.Version) {
		r.Status = InvalidSize
		return r
	}

	if n < HeaderSize+r.PayloadLen {
		r.Status = WaitForMore
		return r
	}

	r.Status = Found
	r.Payload = buf[HeaderSize : HeaderSize+r.PayloadLen]
	return r
}

// PutHeader writes the 9-byte header into buf, which must hold at least
// HeaderSize bytes.
func PutHeader(buf []byte, version uint16, payloadLen int) {
	_ = buf[HeaderSize-1]
	copy(buf, Preamble)
	binary.BigEndian.PutUint16(buf[versionOffset:], version)
	binary.BigEndian.PutUint32(buf[sizeOffset:], uint32(payloadLen))
}

// Build assembles a complete frame for version with the given payload.
func Build(version uint16, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	max := MaxPayloadSize
	if version == SpecialVersion {
		max = SpecialMaxPayloadSize
	}
	if len(payload) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), max)
	}
	buf := make([]byte, HeaderSize+len(payload))
	PutHeader(buf, version, len(payload))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// BuildControl assembles the single-byte SpecialVersion frame for code.
func BuildControl(code byte) []byte {
	buf := make([]byte, HeaderSize+1)
	PutHeader(buf, SpecialVersion, 1)
	buf[HeaderSize] = code
	return buf
}

// ForwardedSize is the payload length of a forwarded frame carrying n
// recipients and an inner payload of payloadLen bytes.
func ForwardedSize(n, payloadLen int) int {
	return forwardedFixed + 8*n + payloadLen
}

// BuildForwarded assembles a complete SpecialVersion frame that delivers
// payload, originally produced under senderVersion, to the clients whose
// registration numbers are listed. The receiving server resolves the
// registration numbers against its own client pool.
func BuildForwarded(senderVersion uint16, registrations []uint64, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	if len(registrations) > MaxForwardedHandles {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyHandles, len(registrations), MaxForwardedHandles)
	}

	size := ForwardedSize(len(registrations), len(payload))
	buf := make([]byte, HeaderSize+size)
	PutHeader(buf, SpecialVersion, size)

	at := HeaderSize
	binary.BigEndian.PutUint16(buf[at:], senderVersion)
	at += 2
	binary.BigEndian.PutUint32(buf[at:], uint32(len(registrations)))
	at += 4
	for _, reg := range registrations {
		binary.BigEndian.PutUint64(buf[at:], reg)
		at += 8
	}
	copy(buf[at:], payload)
	return buf, nil
}

// Forwarded is the decoded payload of a forwarded frame.
type Forwarded struct {
	SenderVersion uint16
	Registrations []uint64
	Payload       []byte
}

// DecodeForwarded splits the payload of a SpecialVersion frame into sender
// version, recipient registration numbers and the inner payload. The inner
// payload must be at least one byte; the handle list must fit entirely
// inside the declared length.
func DecodeForwarded(payload []byte) (Forwarded, error) {
	var f Forwarded
	if len(payload) < forwardedFixed+1 {
		return f, fmt.Errorf("%w: %d bytes", ErrForwardedTooShort, len(payload))
	}
	f.SenderVersion = binary.BigEndian.Uint16(payload)
	count := int(binary.BigEndian.Uint32(payload[2:]))
	if count < 0 || count > MaxForwardedHandles {
		return f, fmt.Errorf("%w: %d", ErrTooManyHandles, count)
	}

	at := forwardedFixed
	f.Registrations = make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		if at+8 > len(payload) {
			return f, fmt.Errorf("%w: %d handles declared, payload %d bytes",
				ErrHandleListLength, count, len(payload))
		}
		f.Registrations = append(f.Registrations, binary.BigEndian.Uint64(payload[at:]))
		at += 8
	}
	if at >= len(payload) {
		return f, fmt.Errorf("%w: no payload after handle list", ErrHandleListLength)
	}
	f.Payload = payload[at:]
	return f, nil
}
