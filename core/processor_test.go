package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atuldpatil/pulsar/config"
	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/logger"
)

// nopProcessor is the minimal processor used by registry tests.
type nopProcessor struct{}

func (nopProcessor) Clone() Processor                       { return nopProcessor{} }
func (nopProcessor) ProcessRequest(*Context) bool           { return true }
func (nopProcessor) ProcessDisconnection(ClientHandle, any) {}

// panicProcessor blows up on every request.
type panicProcessor struct{}

func (panicProcessor) Clone() Processor                       { return panicProcessor{} }
func (panicProcessor) ProcessRequest(*Context) bool           { panic("boom") }
func (panicProcessor) ProcessDisconnection(ClientHandle, any) {}

func TestRegistryRejectsReservedVersions(t *testing.T) {
	reg := NewRegistry()
	params := config.DefaultVersionParams()

	assert.ErrorIs(t, reg.Register(0, params, nopProcessor{}), ErrVersionReserved)
	assert.ErrorIs(t, reg.Register(frame.SpecialVersion, params, nopProcessor{}), ErrVersionReserved)
}

func TestRegistryRejectsDoubleRegistration(t *testing.T) {
	reg := NewRegistry()
	params := config.DefaultVersionParams()

	require.NoError(t, reg.Register(1, params, nopProcessor{}))
	assert.ErrorIs(t, reg.Register(1, params, nopProcessor{}), ErrVersionExists)
}

func TestRegistryValidatesSizeLimits(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(1, config.VersionParams{MaxRequestSize: 0, MaxResponseSize: 10}, nopProcessor{})
	assert.ErrorIs(t, err, ErrSizeNotPositive)

	err = reg.Register(1, config.VersionParams{MaxRequestSize: frame.MaxPayloadSize + 1, MaxResponseSize: 10}, nopProcessor{})
	assert.ErrorIs(t, err, ErrSizeAboveLimit)
}

func TestRegistryCommonParamsSetOnce(t *testing.T) {
	reg := NewRegistry()
	p := config.Default().Common
	p.Workers = 3

	require.NoError(t, reg.SetCommonParams(p))
	assert.Equal(t, 3, reg.CommonParams().Workers)
	assert.ErrorIs(t, reg.SetCommonParams(p), ErrCommonParamsOnce)
}

func TestRegistryVersionsSorted(t *testing.T) {
	reg := NewRegistry()
	params := config.DefaultVersionParams()
	for _, v := range []uint16{9, 2, 5} {
		require.NoError(t, reg.Register(v, params, nopProcessor{}))
	}
	assert.Equal(t, []uint16{2, 5, 9}, reg.Versions())
}

func TestProcessorTableClonesPerWorker(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(1, config.DefaultVersionParams(), nopProcessor{}))

	fan := &fanout{log: logger.Nop()}
	table := newProcessorTable(reg, 3, fan)

	for w := 0; w < 3; w++ {
		cell, ok := table.lookup(w, 1)
		require.True(t, ok)
		assert.Equal(t, w, cell.ctx.workerID)

		// Every worker also serves the framework version.
		_, ok = table.lookup(w, frame.SpecialVersion)
		assert.True(t, ok)
	}

	_, ok := table.lookup(0, 2)
	assert.False(t, ok, "unregistered versions have no cell")
}

func TestProcessPanicIsRecoveredAndFailsTheRequest(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(1, config.DefaultVersionParams(), panicProcessor{}))

	fan := &fanout{log: logger.Nop()}
	table := newProcessorTable(reg, 1, fan)

	cell, ok := table.lookup(0, 1)
	require.True(t, ok)

	s := newTestSession(t, 1, 0x0A000001)
	req := &Request{sess: s, handle: s.handle, version: 1, payload: []byte("x")}

	ok = cell.process(req)
	assert.False(t, ok)
	assert.True(t, req.failed, "a panic marks the request failed")
	assert.Nil(t, cell.ctx.req, "the context is unbound after the request")
}
