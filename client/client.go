// Package client is a small blocking client for servers speaking the
// framework's wire format. It frames outgoing payloads, unframes incoming
// ones, and surfaces framework control traffic such as keep-alive probes to
// the caller. One Client is not safe for concurrent use; callers that need
// pipelining run one goroutine for each direction.
package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/atuldpatil/pulsar/core/frame"
)

var (
	ErrBadPreamble     = errors.New("client: response preamble mismatch")
	ErrResponseTooLong = errors.New("client: declared response size over limit")
)

// Message is one unframed message from the server. Control reports
// framework traffic: for a control message Payload holds the raw control
// bytes and Code the first of them.
type Message struct {
	Version uint16
	Payload []byte
	Control bool
	Code    byte
}

// Client is one framed connection to a server.
type Client struct {
	conn    net.Conn
	version uint16

	// maxResponse bounds the declared size of an accepted response frame.
	maxResponse int

	header [frame.HeaderSize]byte
}

// Option tunes a Client at construction.
type Option func(*Client)

// WithMaxResponseSize overrides the default 1 MiB response ceiling.
func WithMaxResponseSize(n int) Option {
	return func(c *Client) { c.maxResponse = n }
}

// Dial connects to addr and speaks the given protocol version.
func Dial(addr string, version uint16, timeout time.Duration, opts ...Option) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return New(conn, version, opts...), nil
}

// New wraps an existing connection.
func New(conn net.Conn, version uint16, opts ...Option) *Client {
	c := &Client{
		conn:        conn,
		version:     version,
		maxResponse: frame.MaxPayloadSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send frames payload under the client's version and writes it out.
func (c *Client) Send(payload []byte) error {
	wire, err := frame.Build(c.version, payload)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(wire)
	return err
}

// Receive blocks for the next message. Control frames come back with
// Control set; application payloads carry the sender's version.
func (c *Client) Receive() (Message, error) {
	var msg Message

	if _, err := io.ReadFull(c.conn, c.header[:]); err != nil {
		return msg, err
	}
	if string(c.header[:len(frame.Preamble)]) != frame.Preamble {
		return msg, ErrBadPreamble
	}

	msg.Version = binary.BigEndian.Uint16(c.header[3:])
	size := int(binary.BigEndian.Uint32(c.header[5:]))
	if size <= 0 || size > c.maxResponse {
		return msg, fmt.Errorf("%w: %d bytes", ErrResponseTooLong, size)
	}

	msg.Payload = make([]byte, size)
	if _, err := io.ReadFull(c.conn, msg.Payload); err != nil {
		return msg, err
	}

	if msg.Version == frame.SpecialVersion {
		msg.Control = true
		msg.Code = msg.Payload[0]
	}
	return msg, nil
}

// Call sends payload and blocks for the next application message, skipping
// any control traffic that arrives in between. A keep-alive between request
// and response is answered with nothing and dropped.
func (c *Client) Call(payload []byte) (Message, error) {
	if err := c.Send(payload); err != nil {
		return Message{}, err
	}
	for {
		msg, err := c.Receive()
		if err != nil {
			return msg, err
		}
		if !msg.Control {
			return msg, nil
		}
	}
}

// SetDeadline bounds the next Send or Receive.
func (c *Client) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
