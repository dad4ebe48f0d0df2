package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atuldpatil/pulsar/core/frame"
)

func pipePair(t *testing.T, version uint16) (*Client, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return New(local, version), remote
}

func TestSendFramesPayload(t *testing.T) {
	c, remote := pipePair(t, 7)

	go func() {
		_ = c.Send([]byte("hello"))
	}()

	buf := make([]byte, frame.HeaderSize+5)
	_, err := remote.Read(buf)
	require.NoError(t, err)

	res := frame.Parse(buf, 0, func(uint16) int { return frame.MaxPayloadSize })
	require.Equal(t, frame.Found, res.Status)
	assert.EqualValues(t, 7, res.Version)
	assert.Equal(t, []byte("hello"), res.Payload)
}

func TestReceiveUnframesResponse(t *testing.T) {
	c, remote := pipePair(t, 7)

	wire, err := frame.Build(7, []byte("world"))
	require.NoError(t, err)
	go remote.Write(wire)

	msg, err := c.Receive()
	require.NoError(t, err)
	assert.False(t, msg.Control)
	assert.EqualValues(t, 7, msg.Version)
	assert.Equal(t, []byte("world"), msg.Payload)
}

func TestReceiveSurfacesControlFrames(t *testing.T) {
	c, remote := pipePair(t, 7)

	go remote.Write(frame.BuildControl(frame.CodeKeepAlive))

	msg, err := c.Receive()
	require.NoError(t, err)
	assert.True(t, msg.Control)
	assert.Equal(t, frame.CodeKeepAlive, msg.Code)
}

func TestCallSkipsControlTraffic(t *testing.T) {
	c, remote := pipePair(t, 7)

	go func() {
		buf := make([]byte, frame.HeaderSize+4)
		remote.Read(buf)

		remote.Write(frame.BuildControl(frame.CodeKeepAlive))
		wire, _ := frame.Build(7, []byte("pong"))
		remote.Write(wire)
	}()

	msg, err := c.Call([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), msg.Payload)
}

func TestReceiveRejectsBadPreamble(t *testing.T) {
	c, remote := pipePair(t, 7)

	go remote.Write([]byte("XXX\x00\x07\x00\x00\x00\x01a"))

	_, err := c.Receive()
	assert.ErrorIs(t, err, ErrBadPreamble)
}

func TestReceiveRejectsOversizedDeclaration(t *testing.T) {
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	c := New(local, 7, WithMaxResponseSize(8))

	wire, err := frame.Build(7, []byte("way too long"))
	require.NoError(t, err)
	go remote.Write(wire)

	c.SetDeadline(time.Now().Add(time.Second))
	_, err = c.Receive()
	assert.ErrorIs(t, err, ErrResponseTooLong)
}
