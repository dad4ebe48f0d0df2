package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessMonitorSamples(t *testing.T) {
	m := NewProcessMonitor()

	s := m.Sample()
	assert.NotZero(t, s.HeapAlloc)
	assert.Positive(t, s.Goroutines)
}

func TestProcessMonitorCachesWithinASecond(t *testing.T) {
	m := NewProcessMonitor()

	first := m.Sample()
	second := m.Sample()
	assert.Equal(t, first, second, "back-to-back samples reuse the reading")
}

func TestLoopProfilerStats(t *testing.T) {
	p := NewLoopProfiler()

	p.Observe(PhaseRead, 2*time.Millisecond)
	p.Observe(PhaseRead, 4*time.Millisecond)
	p.Observe(PhaseDrain, time.Millisecond)

	var read, drain, tick PhaseStats
	for _, st := range p.Stats() {
		switch st.Phase {
		case PhaseRead:
			read = st
		case PhaseDrain:
			drain = st
		case PhaseTick:
			tick = st
		}
	}

	assert.EqualValues(t, 2, read.Count)
	assert.Equal(t, 3*time.Millisecond, read.Mean)
	assert.Equal(t, 4*time.Millisecond, read.Max)
	assert.EqualValues(t, 1, drain.Count)
	assert.Zero(t, tick.Count)
}

func TestLoopProfilerReport(t *testing.T) {
	p := NewLoopProfiler()
	p.Observe(PhaseWait, 10*time.Millisecond)

	var b strings.Builder
	p.WriteReport(&b)

	report := b.String()
	require.NotEmpty(t, report)
	for _, phase := range []string{"wait", "accept", "read", "drain", "tick"} {
		assert.Contains(t, report, "phase="+phase)
	}
}
