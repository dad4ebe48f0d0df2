// Package observability carries the engine's self-measurement: a process
// monitor sampling the Go runtime for the status log, and a loop profiler
// recording how the event loop spends its time between waits.
package observability

import (
	"fmt"
	"io"
	"runtime"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// ProcessSample is one reading of the runtime, taken at status-log time.
type ProcessSample struct {
	HeapAlloc  uint64
	HeapSys    uint64
	NumGC      uint32
	PauseTotal time.Duration
	Goroutines int
}

// ProcessMonitor samples the Go runtime. Reading runtime.MemStats stops the
// world briefly, so samples are rate-limited: a Sample call within a second
// of the previous one returns the cached reading.
type ProcessMonitor struct {
	last      ProcessSample
	sampledAt time.Time
}

func NewProcessMonitor() *ProcessMonitor {
	return &ProcessMonitor{}
}

// Sample returns the current runtime reading, at most one second stale.
func (m *ProcessMonitor) Sample() ProcessSample {
	now := time.Now()
	if now.Sub(m.sampledAt) < time.Second && !m.sampledAt.IsZero() {
		return m.last
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.last = ProcessSample{
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		NumGC:      ms.NumGC,
		PauseTotal: time.Duration(ms.PauseTotalNs),
		Goroutines: runtime.NumGoroutine(),
	}
	m.sampledAt = now
	return m.last
}

// Phase names one kind of work the event loop does between two poller
// waits.
type Phase int

const (
	// PhaseWait is time blocked in the poller.
	PhaseWait Phase = iota
	// PhaseAccept is time spent accepting new connections.
	PhaseAccept
	// PhaseRead is time spent reading and parsing client bytes.
	PhaseRead
	// PhaseDrain is time spent in the send pipeline.
	PhaseDrain
	// PhaseTick is time spent in the periodic activities.
	PhaseTick

	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseWait:
		return "wait"
	case PhaseAccept:
		return "accept"
	case PhaseRead:
		return "read"
	case PhaseDrain:
		return "drain"
	case PhaseTick:
		return "tick"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// LoopProfiler accumulates per-phase duration histograms for the event
// loop. Observe is called from the loop itself; WriteReport may run from any
// goroutine, the histograms carry their own locking.
type LoopProfiler struct {
	phases [numPhases]gometrics.Histogram
}

func NewLoopProfiler() *LoopProfiler {
	p := &LoopProfiler{}
	for i := range p.phases {
		p.phases[i] = gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015))
	}
	return p
}

// Observe records one occurrence of the phase taking d.
func (p *LoopProfiler) Observe(phase Phase, d time.Duration) {
	p.phases[phase].Update(d.Nanoseconds())
}

// PhaseStats summarizes one phase for callers that want numbers rather than
// the text report.
type PhaseStats struct {
	Phase Phase
	Count int64
	Mean  time.Duration
	Max   time.Duration
}

// Stats snapshots every phase.
func (p *LoopProfiler) Stats() []PhaseStats {
	out := make([]PhaseStats, 0, int(numPhases))
	for i, h := range p.phases {
		s := h.Snapshot()
		out = append(out, PhaseStats{
			Phase: Phase(i),
			Count: s.Count(),
			Mean:  time.Duration(int64(s.Mean())),
			Max:   time.Duration(s.Max()),
		})
	}
	return out
}

// WriteReport appends the per-phase profile in Prometheus comment form.
func (p *LoopProfiler) WriteReport(w io.Writer) {
	fmt.Fprintf(w, "# event loop profile\n")
	for _, st := range p.Stats() {
		fmt.Fprintf(w, "# phase=%s count=%d mean=%s p95=%s max=%s\n",
			st.Phase, st.Count, st.Mean,
			time.Duration(int64(p.phases[st.Phase].Snapshot().Percentile(0.95))),
			st.Max)
	}
}
