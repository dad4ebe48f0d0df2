package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atuldpatil/pulsar/core/frame"
)

func TestLocalResponseWireForm(t *testing.T) {
	h := ClientHandle{Registration: 1, ServerIPv4: 0x0A000001}
	r, err := newLocalResponse([]byte("payload"), []ClientHandle{h}, 7, false, time.Now())
	require.NoError(t, err)

	res := frame.Parse(r.Wire(), 0, func(uint16) int { return 1 << 10 })
	require.Equal(t, frame.Found, res.Status)
	assert.EqualValues(t, 7, res.Version)
	assert.Equal(t, []byte("payload"), res.Payload)

	assert.Equal(t, ResponseOrdinary, r.Kind())
	assert.False(t, r.IsForward())
	assert.False(t, r.IsMulticast())
	assert.Equal(t, len(r.Wire()), r.Size())
}

func TestControlResponseKindComesFromPayload(t *testing.T) {
	h := ClientHandle{Registration: 1, ServerIPv4: 0x0A000001}

	for _, code := range []byte{ResponseKeepAlive, ResponseError, ResponseFatalError, ResponseAckOfForwarded} {
		r, err := newLocalResponse([]byte{code}, []ClientHandle{h}, frame.SpecialVersion, false, time.Now())
		require.NoError(t, err)
		assert.Equal(t, code, r.Kind())
	}
}

func TestForwardResponseDecodesOnTheFarSide(t *testing.T) {
	handles := []ClientHandle{
		{Registration: 11, ServerIPv4: 0x0A000002},
		{Registration: 12, ServerIPv4: 0x0A000002},
	}
	r, err := newForwardResponse([]byte("cross"), handles, 7, false, time.Now())
	require.NoError(t, err)
	assert.True(t, r.IsForward())
	assert.True(t, r.IsMulticast())
	assert.EqualValues(t, 0x0A000002, r.ServerIPv4())

	res := frame.Parse(r.Wire(), frame.SpecialVersion, func(uint16) int { return frame.SpecialMaxPayloadSize })
	require.Equal(t, frame.Found, res.Status)

	fwd, err := frame.DecodeForwarded(res.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 7, fwd.SenderVersion)
	assert.Equal(t, []uint64{11, 12}, fwd.Registrations)
	assert.Equal(t, []byte("cross"), fwd.Payload)
}

func TestCompleteOneReleasesAtReferenceCount(t *testing.T) {
	h := ClientHandle{Registration: 1, ServerIPv4: 0x0A000001}
	r, err := newLocalResponse([]byte("x"), []ClientHandle{h}, 7, false, time.Now())
	require.NoError(t, err)

	r.setReferenceCount(3)
	assert.False(t, r.completeOne())
	assert.False(t, r.completeOne())
	assert.True(t, r.completeOne(), "the last delivery releases the response")
}

func TestFatalForLocalClient(t *testing.T) {
	h := ClientHandle{Registration: 1, ServerIPv4: 0x0A000001}

	fatal, err := newLocalResponse([]byte{ResponseFatalError}, []ClientHandle{h}, frame.SpecialVersion, false, time.Now())
	require.NoError(t, err)
	assert.True(t, fatal.fatalForLocalClient())

	plain, err := newLocalResponse([]byte("x"), []ClientHandle{h}, 7, false, time.Now())
	require.NoError(t, err)
	assert.False(t, plain.fatalForLocalClient())

	// A forwarded frame is never fatal for the peer link itself.
	fwd, err := newForwardResponse([]byte{ResponseFatalError}, []ClientHandle{{Registration: 2, ServerIPv4: 0x0A000002}}, 7, false, time.Now())
	require.NoError(t, err)
	assert.False(t, fwd.fatalForLocalClient())
}
