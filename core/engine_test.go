package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atuldpatil/pulsar/config"
	"github.com/atuldpatil/pulsar/logger"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BindIP = "127.0.0.1"
	return cfg
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(7, config.DefaultVersionParams(), nopProcessor{}))
	return reg
}

func TestNewEngineRejectsEmptyRegistry(t *testing.T) {
	_, err := NewEngine(testConfig(), NewRegistry(), logger.Nop())
	assert.ErrorIs(t, err, ErrNoProcessors)

	_, err = NewEngine(testConfig(), nil, logger.Nop())
	assert.ErrorIs(t, err, ErrNoProcessors)
}

func TestNewEngineRejectsBadAddresses(t *testing.T) {
	cfg := testConfig()
	cfg.BindIP = "0.0.0.0"
	_, err := NewEngine(cfg, testRegistry(t), logger.Nop())
	assert.ErrorIs(t, err, ErrWildcardAddress)

	cfg.BindIP = "::1"
	_, err = NewEngine(cfg, testRegistry(t), logger.Nop())
	assert.ErrorIs(t, err, ErrNotIPv4)

	cfg.BindIP = ""
	_, err = NewEngine(cfg, testRegistry(t), logger.Nop())
	assert.ErrorIs(t, err, config.ErrNoBindAddress)
}

func TestNewEngineRejectsBadCommonParams(t *testing.T) {
	cfg := testConfig()
	cfg.Common.Workers = 0
	_, err := NewEngine(cfg, testRegistry(t), logger.Nop())
	assert.ErrorIs(t, err, config.ErrNoWorkers)

	cfg = testConfig()
	cfg.Common.MaxPendingResponses = cfg.Common.Workers - 1
	_, err = NewEngine(cfg, testRegistry(t), logger.Nop())
	assert.ErrorIs(t, err, config.ErrPendingBelowWorker)
}

func TestNewEngineRegistryCommonParamsWin(t *testing.T) {
	reg := testRegistry(t)
	p := config.Default().Common
	p.Workers = 2
	p.MaxPendingResponses = 8
	require.NoError(t, reg.SetCommonParams(p))

	cfg := testConfig()
	cfg.Common.Workers = 9

	e, err := NewEngine(cfg, reg, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, e.common.Workers,
		"parameters set through the registry take precedence")
	assert.EqualValues(t, 0x7F000001, e.ServerIPv4())
	assert.NotNil(t, e.Stats())
}
