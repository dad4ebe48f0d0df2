package core

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/atuldpatil/pulsar/config"
	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/core/observability"
	"github.com/atuldpatil/pulsar/core/poller"
	"github.com/atuldpatil/pulsar/core/pools"
	"github.com/atuldpatil/pulsar/filewriter"
	"github.com/atuldpatil/pulsar/logger"
)

// Engine is the connections manager: one event-loop goroutine owning every
// socket, the periodic tick and the shutdown sequence, plus the fixed worker
// pool processing requests. Applications construct it with a Registry of
// processors and call Run, which blocks until shutdown completes.
type Engine struct {
	cfg    config.Config
	common config.Common
	log    logger.Logger
	stats  *ServerStats

	table         *processorTable
	params        map[uint16]config.VersionParams
	maxRequestAll int

	pool  *ClientPool
	peers *peerTable
	sides *sendSides
	fan   *fanout

	poll     poller.Poller
	bytePool *pools.BytePool
	workers  *pools.WorkerPool

	serverIPv4   uint32
	listenFD     int
	listenerOpen bool

	// Loop-owned socket registries. closing holds sessions whose fd is
	// closed but whose pool removal has not succeeded yet.
	sessionsByFD map[int]*session
	peerByFD     map[int]*peerServer
	closing      map[*session]struct{}

	// nextRegistration is loop-owned; registration numbers are handed out
	// at accept time and never reused.
	nextRegistration uint64

	tasksMu sync.Mutex
	tasks   []func()

	running           atomic.Bool
	shutdownRequested atomic.Bool
	shut              shutdownState

	drainPending bool

	startedAt       time.Time
	lastStatusAt    time.Time
	lastKeepAliveAt time.Time
	prevSnapshot    Snapshot
	havePrev        bool
	keepAliveActive atomic.Bool

	hostnameVal atomic.Value

	monitor  *observability.ProcessMonitor
	profiler *observability.LoopProfiler
	fw       *filewriter.Writer

	unsupportedMu     sync.Mutex
	unsupportedLogged map[uint16]struct{}
}

// NewEngine validates the configuration and assembles an engine from the
// registered processors. Common parameters set on the registry, by a
// processor's registration path, take precedence over the configuration.
func NewEngine(cfg config.Config, reg *Registry, log logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil || reg.Len() == 0 {
		return nil, ErrNoProcessors
	}

	serverIPv4, err := ParseIPv4(cfg.BindIP)
	if err != nil {
		return nil, err
	}

	common := cfg.Common
	if reg.hasCommonParams() {
		common = reg.CommonParams()
	}
	if err := common.Validate(); err != nil {
		return nil, err
	}

	maxRequestAll, maxResponseAll := reg.maxSizesOfAllVersions()

	stats := NewServerStats(common.Workers)
	e := &Engine{
		cfg:    cfg,
		common: common,
		log:    log,
		stats:  stats,

		params:        reg.paramsByVersion(),
		maxRequestAll: maxRequestAll,

		pool:  NewClientPool(),
		peers: newPeerTable(cfg.Port, stats, log),
		sides: newSendSides(),

		bytePool: pools.NewBytePool(),

		serverIPv4: serverIPv4,
		listenFD:   -1,

		sessionsByFD: make(map[int]*session),
		peerByFD:     make(map[int]*peerServer),
		closing:      make(map[*session]struct{}),

		monitor:  observability.NewProcessMonitor(),
		profiler: observability.NewLoopProfiler(),

		unsupportedLogged: make(map[uint16]struct{}),
	}
	e.hostnameVal.Store("")

	e.fan = &fanout{
		pool:           e.pool,
		peers:          e.peers,
		sides:          e.sides,
		stats:          stats,
		log:            log,
		loop:           e,
		params:         e.params,
		maxPending:     common.MaxPendingResponses,
		maxResponseAll: maxResponseAll,
		serverIPv4:     serverIPv4,
		hostname:       e.Hostname,
		cycle:          e.runSendCycles,
	}

	e.poll, err = poller.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	e.workers = pools.NewWorkerPool(common.Workers)
	e.table = newProcessorTable(reg, common.Workers, e.fan)

	return e, nil
}

// UseFileWriter attaches the asynchronous file writer used for on-demand
// status dumps. Must be set before Run.
func (e *Engine) UseFileWriter(fw *filewriter.Writer) { e.fw = fw }

// Stats exposes the server statistics, primarily to the console and tests.
func (e *Engine) Stats() *ServerStats { return e.stats }

// Hostname is this server's hostname, resolved in the background at start;
// empty until the lookup completes.
func (e *Engine) Hostname() string {
	h, _ := e.hostnameVal.Load().(string)
	return h
}

// ServerIPv4 is the address embedded into every client handle.
func (e *Engine) ServerIPv4() uint32 { return e.serverIPv4 }

// RequestShutdown initiates the graceful shutdown sequence. Safe from any
// goroutine; repeated calls are no-ops.
func (e *Engine) RequestShutdown() {
	if e.shutdownRequested.CompareAndSwap(false, true) {
		e.log.Info("shutdown requested")
		e.poll.Wake()
	}
}

// DumpStatus logs a status snapshot and queues a Prometheus-format dump to
// the file writer. Safe from any goroutine.
func (e *Engine) DumpStatus() {
	e.postTask(func() {
		e.logStatistics(true)
		e.writeStatusDump()
	})
}

// postTask hands fn to the event loop. Tasks run on the loop in posting
// order, after the current wait cycle's events.
func (e *Engine) postTask(fn func()) {
	e.tasksMu.Lock()
	e.tasks = append(e.tasks, fn)
	e.tasksMu.Unlock()
	e.poll.Wake()
}

func (e *Engine) runTasks() {
	for {
		e.tasksMu.Lock()
		tasks := e.tasks
		e.tasks = nil
		e.tasksMu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			fn()
		}
	}
}

// Run opens the listener and drives the event loop until the shutdown
// sequence completes. It blocks; the caller typically supervises it with an
// errgroup alongside the console. Engines are single-use: once Run returns,
// the poller is released and the engine cannot be started again.
func (e *Engine) Run() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer e.running.Store(false)
	defer e.poll.Close()

	if err := e.openListener(); err != nil {
		return err
	}

	e.resolveHostname()

	e.startedAt = time.Now()
	e.lastStatusAt = e.startedAt
	e.lastKeepAliveAt = e.startedAt
	e.log.Info("server listening",
		logger.Field{Key: "address", Value: fmt.Sprintf("%s:%d", e.cfg.BindIP, e.cfg.Port)},
		logger.Field{Key: "workers", Value: e.common.Workers})

	nextTick := e.startedAt.Add(TickInterval)
	for !e.shut.done {
		timeout := int(time.Until(nextTick) / time.Millisecond)
		if timeout < 0 {
			timeout = 0
		}

		waitStart := time.Now()
		events, err := e.poll.Wait(timeout)
		e.profiler.Observe(observability.PhaseWait, time.Since(waitStart))
		if err != nil {
			e.log.Error("poller wait failed",
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		for _, ev := range events {
			e.handleEvent(ev)
		}

		e.runTasks()

		if e.drainPending {
			e.drainPending = false
			e.runSendCycles()
		}

		if now := time.Now(); !now.Before(nextTick) {
			tickStart := now
			e.periodicActivities(now)
			e.profiler.Observe(observability.PhaseTick, time.Since(tickStart))
			nextTick = now.Add(TickInterval)
		}
	}

	e.log.Info("event loop stopped",
		logger.Field{Key: "uptime", Value: time.Since(e.startedAt).Round(time.Second).String()})
	return nil
}

func (e *Engine) handleEvent(ev poller.Event) {
	if ev.FD == e.listenFD && e.listenerOpen {
		if ev.Readable {
			acceptStart := time.Now()
			e.acceptClients()
			e.profiler.Observe(observability.PhaseAccept, time.Since(acceptStart))
		}
		return
	}

	if p, ok := e.peerByFD[ev.FD]; ok {
		e.handlePeerEvent(p, ev)
		return
	}

	s, ok := e.sessionsByFD[ev.FD]
	if !ok {
		return
	}
	if ev.Readable {
		readStart := time.Now()
		e.handleClientReadable(s)
		e.profiler.Observe(observability.PhaseRead, time.Since(readStart))
	}
	if ev.Writable {
		e.continueClientWrite(s)
	}
}

// openListener binds the configured address and registers it for accepts.
func (e *Engine) openListener() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("create listen socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	var sa unix.SockaddrInet4
	sa.Port = e.cfg.Port
	copy(sa.Addr[:], net.ParseIP(e.cfg.BindIP).To4())
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s:%d: %w", e.cfg.BindIP, e.cfg.Port, err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}
	if err := e.poll.Add(fd); err != nil {
		unix.Close(fd)
		return fmt.Errorf("register listener: %w", err)
	}

	e.listenFD = fd
	e.listenerOpen = true
	return nil
}

func (e *Engine) closeListener() {
	if !e.listenerOpen {
		return
	}
	e.poll.Remove(e.listenFD)
	unix.Close(e.listenFD)
	e.listenerOpen = false
	e.log.Info("listener closed")
}

// acceptClients drains the accept queue. Each accepted socket becomes a
// session with the next registration number; accepting fails closed once
// shutdown was initiated.
func (e *Engine) acceptClients() {
	for {
		fd, _, err := unix.Accept4(e.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return
			}
			e.log.Error("accept failed",
				logger.Field{Key: "error", Value: err.Error()})
			return
		}

		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		e.nextRegistration++
		handle := ClientHandle{Registration: e.nextRegistration, ServerIPv4: e.serverIPv4}
		s := newSession(fd, handle, e.common.MaxPendingResponses, e.stats)

		if err := e.pool.Add(s); err != nil {
			e.stats.allocClient.Inc()
			unix.Close(fd)
			continue
		}
		if err := e.poll.Add(fd); err != nil {
			e.pool.Remove(s)
			e.stats.allocConnection.Inc()
			unix.Close(fd)
			e.log.Error("registering accepted client failed",
				logger.Field{Key: "client", Value: handle.String()},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		s.accepted = true
		s.inPool = true
		e.sessionsByFD[fd] = s
		e.stats.clientsConnected.Inc()
	}
}

// handleClientReadable pulls bytes off a client socket and feeds the frame
// parser until it needs more, yields a request, or rejects the stream.
func (e *Engine) handleClientReadable(s *session) {
	if s.disconnectInitiated {
		return
	}

	for {
		// While shutting down, marked, or a request is in flight, bytes
		// are consumed and ignored; nothing is parsed.
		if e.pool.ShutdownInitiated() || s.markedToDisconnect() || s.requestInFlight {
			var scratch [4096]byte
			n, err := unix.Read(s.fd, scratch[:])
			if n > 0 {
				e.stats.requestBytesIgnored.Add(n)
				s.discardReceived()
				continue
			}
			e.finishClientRead(s, n, err)
			return
		}

		window := s.readWindow(e.bytePool, e.maxRequestFor(s.version))
		n, err := unix.Read(s.fd, window)
		if n <= 0 {
			e.finishClientRead(s, n, err)
			return
		}
		s.idx += n

		res := frame.Parse(s.buf[:s.idx], s.version, e.sizeLimit)
		switch res.Status {
		case frame.WaitForMore:
			if res.PayloadLen > 0 {
				s.noteDeclared(res.PayloadLen)
			}
			if n < len(window) {
				return
			}

		case frame.Found:
			e.dispatchFrame(s, res)
			return

		default:
			e.rejectClientBytes(s, res)
			return
		}
	}
}

// finishClientRead handles the zero and error outcomes of a read.
func (e *Engine) finishClientRead(s *session, n int, err error) {
	if n < 0 && (err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR) {
		return
	}
	// Zero bytes is the client closing; anything else is a transport
	// error. Both tear the session down.
	byServer := n != 0
	s.markToDisconnect(byServer)
	e.maybeFinishDisconnect(s)
}

// rejectClientBytes handles an invalid frame header: count it per sub-kind,
// log the first invalid run since the last valid frame, and disconnect.
func (e *Engine) rejectClientBytes(s *session, res frame.Result) {
	switch res.Status {
	case frame.InvalidHeader:
		e.stats.headerErrPreamble.Inc()
	case frame.InvalidVersion:
		e.stats.headerErrVersion.Inc()
	case frame.InvalidSize:
		e.stats.headerErrSize.Inc()
	}

	if !s.rejectedPrevBytes {
		s.rejectedPrevBytes = true
		e.log.Error("invalid frame from client",
			logger.Field{Key: "client", Value: s.handle.String()},
			logger.Field{Key: "status", Value: res.Status.String()},
			logger.Field{Key: "bytes", Value: s.idx})
	}
	e.stats.requestBytesIgnored.Add(s.idx)
	s.discardReceived()
	s.markToDisconnect(true)
	e.maybeFinishDisconnect(s)
}

// sizeLimit resolves the per-version payload ceiling for the frame parser.
// Unknown versions fall back to the largest registered limit so the version
// error, not the size error, surfaces first.
func (e *Engine) sizeLimit(version uint16) int {
	if p, ok := e.params[version]; ok {
		return p.MaxRequestSize
	}
	return e.maxRequestAll
}

func (e *Engine) maxRequestFor(version uint16) int {
	if p, ok := e.params[version]; ok {
		return p.MaxRequestSize
	}
	return e.maxRequestAll
}

// maybeFinishDisconnect closes a marked session once nothing is in flight
// for it, then retires it from the pool when its counters allow. Called
// from every completion path and retried on the tick.
func (e *Engine) maybeFinishDisconnect(s *session) {
	if !s.markedToDisconnect() || s.disconnectInitiated {
		return
	}
	if s.requestInFlight || s.writeInFlight() {
		return
	}
	if s.queueLen(0) > 0 || s.queueLen(1) > 0 {
		return
	}

	s.disconnectInitiated = true
	delete(e.sessionsByFD, s.fd)
	e.poll.Remove(s.fd)
	unix.Close(s.fd)
	e.closing[s] = struct{}{}
	e.tryRetireSession(s)
}

// tryRetireSession removes a closed session from the pool. Removal succeeds
// only with both in-flight counters at zero; until then the session stays on
// the closing list and the tick retries.
func (e *Engine) tryRetireSession(s *session) bool {
	e.sides.removalGate.Lock()
	removed := e.pool.Remove(s)
	e.sides.removalGate.Unlock()
	if !removed {
		return false
	}

	delete(e.closing, s)
	s.inPool = false
	e.stats.clientsDisconnected.Inc()

	// Force the receive allocation back to the pool whatever mode the
	// session was in.
	s.streaming = false
	s.resetReceiveBuffer(e.bytePool)

	if version := s.version; version != 0 {
		handle, data := s.handle, s.SessionData()
		e.workers.Submit(func(workerID int) {
			if cell, ok := e.table.lookup(workerID, version); ok {
				cell.disconnect(handle, data)
			}
		})
	}
	return true
}

// retireClosing retries pool removal for sessions whose fd already closed.
func (e *Engine) retireClosing() {
	for s := range e.closing {
		e.tryRetireSession(s)
	}
}

// resolveHostname looks the bind address up in the background for the
// status record.
func (e *Engine) resolveHostname() {
	ip := e.cfg.BindIP
	go func() {
		names, err := net.LookupAddr(ip)
		if err != nil || len(names) == 0 {
			return
		}
		e.hostnameVal.Store(names[0])
	}()
}
