package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atuldpatil/pulsar/config"
	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/logger"
)

// DefaultVersion, passed to a Context send method, resolves to the version
// of the processor doing the sending. Applications serving a single
// protocol version never need anything else.
const DefaultVersion uint16 = 0

// Processor is the application extension point: one implementation per
// protocol version, cloned once per worker so implementations can keep
// per-worker state (a database handle, a scratch buffer) without locks.
//
// ProcessRequest runs on a worker goroutine with the request bound to ctx.
// Returning false counts the request as failed in the server statistics;
// the client stays connected. A panic escaping ProcessRequest is recovered
// and additionally disconnects the sending client, since the processor may
// have left its application state for that client half-changed. The request
// payload aliases the session's receive buffer, so it must be copied out if
// it has to outlive the call.
//
// ProcessDisconnection runs on a worker after the client left the pool,
// with whatever session data the processor attached. It is the place to
// release external resources tied to the client.
type Processor interface {
	Clone() Processor
	ProcessRequest(ctx *Context) bool
	ProcessDisconnection(handle ClientHandle, sessionData any)
}

// Registry collects the processors an engine starts with, one per protocol
// version, together with their size limits and the optional common
// parameters. Registration happens before the engine runs; the engine takes
// an immutable snapshot at start.
type Registry struct {
	mu        sync.Mutex
	entries   map[uint16]registryEntry
	common    config.Common
	hasCommon bool
}

type registryEntry struct {
	params config.VersionParams
	proto  Processor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint16]registryEntry)}
}

// Register binds proto to version with the given size limits. Version zero
// and the framework version 0xFFFF are reserved; the limits must be between
// one byte and the 1 MiB frame maximum.
func (g *Registry) Register(version uint16, params config.VersionParams, proto Processor) error {
	if version == 0 || version == frame.SpecialVersion {
		return fmt.Errorf("%w: 0x%04X", ErrVersionReserved, version)
	}
	if proto == nil {
		return fmt.Errorf("core: nil processor for version 0x%04X", version)
	}
	if params.MaxRequestSize < 1 || params.MaxResponseSize < 1 {
		return fmt.Errorf("%w: version 0x%04X", ErrSizeNotPositive, version)
	}
	if params.MaxRequestSize > frame.MaxPayloadSize || params.MaxResponseSize > frame.MaxPayloadSize {
		return fmt.Errorf("%w: version 0x%04X", ErrSizeAboveLimit, version)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[version]; ok {
		return fmt.Errorf("%w: 0x%04X", ErrVersionExists, version)
	}
	g.entries[version] = registryEntry{params: params, proto: proto}
	return nil
}

// SetCommonParams fixes the engine-wide parameters. They can be set once;
// an engine started from a registry without them uses the defaults.
func (g *Registry) SetCommonParams(p config.Common) error {
	if err := p.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasCommon {
		return ErrCommonParamsOnce
	}
	g.common = p
	g.hasCommon = true
	return nil
}

// CommonParams returns the engine-wide parameters, falling back to the
// defaults when none were set.
func (g *Registry) CommonParams() config.Common {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasCommon {
		return config.Default().Common
	}
	return g.common
}

func (g *Registry) hasCommonParams() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasCommon
}

// Versions lists the registered versions in ascending order.
func (g *Registry) Versions() []uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]uint16, 0, len(g.entries))
	for v := range g.entries {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len is the number of registered versions.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// paramsByVersion snapshots the per-version size limits, the framework
// version included. The engine resolves frame size checks and response
// validation against this map for its whole run.
func (g *Registry) paramsByVersion() map[uint16]config.VersionParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[uint16]config.VersionParams, len(g.entries)+1)
	for v, e := range g.entries {
		out[v] = e.params
	}
	out[frame.SpecialVersion] = specialVersionParams()
	return out
}

// maxSizesOfAllVersions returns the largest request and response limits
// over the registered versions. The framework version is excluded: its
// limits are derived from these, not part of them.
func (g *Registry) maxSizesOfAllVersions() (maxRequest, maxResponse int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entries {
		if e.params.MaxRequestSize > maxRequest {
			maxRequest = e.params.MaxRequestSize
		}
		if e.params.MaxResponseSize > maxResponse {
			maxResponse = e.params.MaxResponseSize
		}
	}
	return maxRequest, maxResponse
}

// boundProcessor is one (worker, version) cell of the processor table: the
// worker's clone of the version's processor plus the Context reused for
// every request the cell handles.
type boundProcessor struct {
	version uint16
	params  config.VersionParams
	impl    Processor
	ctx     Context
}

// process runs one request through the cell. A panic is recovered and
// logged, the request is flagged so the completion step disconnects the
// sender, and the cell stays usable for the next request.
func (bp *boundProcessor) process(req *Request) (ok bool) {
	bp.ctx.req = req
	defer func() {
		bp.ctx.req = nil
		if p := recover(); p != nil {
			bp.ctx.fan.log.Error("request processor panicked",
				logger.Field{Key: "version", Value: fmt.Sprintf("0x%04X", bp.version)},
				logger.Field{Key: "client", Value: req.handle.String()},
				logger.Field{Key: "panic", Value: fmt.Sprint(p)})
			req.failed = true
			ok = false
		}
	}()
	return bp.impl.ProcessRequest(&bp.ctx)
}

// disconnect runs the version's disconnection callback. Recovered like
// process, so one misbehaving processor cannot take the worker down.
func (bp *boundProcessor) disconnect(handle ClientHandle, sessionData any) {
	defer func() {
		if p := recover(); p != nil {
			bp.ctx.fan.log.Error("disconnection callback panicked",
				logger.Field{Key: "version", Value: fmt.Sprintf("0x%04X", bp.version)},
				logger.Field{Key: "client", Value: handle.String()},
				logger.Field{Key: "panic", Value: fmt.Sprint(p)})
		}
	}()
	bp.impl.ProcessDisconnection(handle, sessionData)
}

// processorTable holds the per-worker processor clones, workers[w][version].
// Built once at engine start and never mutated, so lookups are lock-free
// from any worker. Every worker additionally gets a clone of the built-in
// forwarded-response processor under the framework version.
type processorTable struct {
	workers []map[uint16]*boundProcessor
}

func newProcessorTable(reg *Registry, workers int, fan *fanout) *processorTable {
	reg.mu.Lock()
	entries := make(map[uint16]registryEntry, len(reg.entries)+1)
	for v, e := range reg.entries {
		entries[v] = e
	}
	reg.mu.Unlock()

	entries[frame.SpecialVersion] = registryEntry{
		params: specialVersionParams(),
		proto:  newForwardedProcessor(),
	}

	t := &processorTable{workers: make([]map[uint16]*boundProcessor, workers)}
	for w := 0; w < workers; w++ {
		cells := make(map[uint16]*boundProcessor, len(entries))
		for v, e := range entries {
			cell := &boundProcessor{version: v, params: e.params, impl: e.proto.Clone()}
			cell.ctx = Context{cell: cell, fan: fan, workerID: w}
			cells[v] = cell
		}
		t.workers[w] = cells
	}
	return t
}

// lookup resolves the cell serving version on the given worker.
func (t *processorTable) lookup(workerID int, version uint16) (*boundProcessor, bool) {
	cell, ok := t.workers[workerID][version]
	return cell, ok
}

// Context is the API surface a processor works through. One Context is
// bound to each (worker, version) cell and reused across requests, so
// implementations must not retain it beyond ProcessRequest.
type Context struct {
	cell     *boundProcessor
	fan      *fanout
	workerID int
	req      *Request
}

// Payload is the request body without the frame header. It aliases the
// session's receive buffer; copy it to keep it beyond ProcessRequest.
func (c *Context) Payload() []byte { return c.req.Payload() }

// Handle identifies the client whose request is being processed. Handles
// stay valid after the client disconnects; sends addressed to a gone
// client simply reach nobody.
func (c *Context) Handle() ClientHandle { return c.req.Handle() }

// ClientVersion is the protocol version of the sending client, which is
// also the version this processor was registered under.
func (c *Context) ClientVersion() uint16 { return c.cell.version }

// WorkerIndex is the index of the worker executing the request, in
// [0, Workers). Useful to address per-worker application state.
func (c *Context) WorkerIndex() int { return c.workerID }

// SessionData returns what SetSessionData stored for this client.
func (c *Context) SessionData() any { return c.req.sess.SessionData() }

// SetSessionData attaches application state to the client connection. The
// value is handed back on later requests and in ProcessDisconnection.
func (c *Context) SetSessionData(d any) { c.req.sess.SetSessionData(d) }

// Defer reschedules the current request: instead of completing, it is
// resubmitted and ProcessRequest runs again for it, on any worker, after
// the loop turns over. A retry may defer again. Use it when a dependency
// is not ready yet; blocking the worker would stall every queued request
// behind this one.
func (c *Context) Defer() { c.req.setDeferred(true) }

// SetStreamingMode switches the client's receive buffering. In streaming
// mode the session keeps one allocation sized for the version's maximum
// request across requests, trading memory for allocation-free receives
// from clients that send continuously.
func (c *Context) SetStreamingMode(on bool) { c.req.sess.SetStreaming(on) }

// SendResponse queues payload for one client under the given version, or
// under the processor's own when version is DefaultVersion. A nil error
// means the response is queued toward the recipient, not that it was
// delivered; delivery is asynchronous and only the application protocol
// can confirm it.
func (c *Context) SendResponse(h ClientHandle, payload []byte, version uint16) error {
	return c.fan.storeMessage(c.req, []ClientHandle{h}, payload, c.resolve(version), false)
}

// Multicast queues one response for many clients at once. Recipients
// connected to this server share a single response object; recipients on
// peer servers receive it through the forwarding link.
func (c *Context) Multicast(handles []ClientHandle, payload []byte, version uint16) error {
	return c.fan.storeMessage(c.req, handles, payload, c.resolve(version), false)
}

// SendUpdate queues payload like SendResponse and then blocks until the
// event loop has run a send cycle over it, so mid-request progress updates
// leave the server before processing continues. Worker side only: called
// on the event loop it would wait on itself.
func (c *Context) SendUpdate(h ClientHandle, payload []byte, version uint16) error {
	return c.fan.storeMessage(c.req, []ClientHandle{h}, payload, c.resolve(version), true)
}

// MulticastUpdate is Multicast with SendUpdate's send-cycle barrier.
func (c *Context) MulticastUpdate(handles []ClientHandle, payload []byte, version uint16) error {
	return c.fan.storeMessage(c.req, handles, payload, c.resolve(version), true)
}

// StoreError sends the client a framework error frame carrying code. The
// client receives it as a SpecialVersion response [ResponseError, code].
func (c *Context) StoreError(h ClientHandle, code byte) error {
	return c.fan.storeMessage(c.req, []ClientHandle{h},
		[]byte{ResponseError, code}, frame.SpecialVersion, false)
}

// DisconnectClient asks the engine to disconnect a client. The fatal-error
// response it queues is never written to the wire; draining it marks the
// client and tears the connection down.
func (c *Context) DisconnectClient(h ClientHandle) error {
	return c.fan.storeMessage(c.req, []ClientHandle{h},
		[]byte{ResponseFatalError}, frame.SpecialVersion, false)
}

// MaxResponseSizeOfAllVersions is the largest response limit over every
// registered version. Processors multicasting across versions can size
// buffers against it.
func (c *Context) MaxResponseSizeOfAllVersions() int { return c.fan.maxResponseAll }

// Hostname is this server's hostname, resolved in the background at start.
// Empty until the lookup completes.
func (c *Context) Hostname() string { return c.fan.hostname() }

// ServerIPv4 is the address clients of this server carry in their handles.
func (c *Context) ServerIPv4() uint32 { return c.fan.serverIPv4 }

func (c *Context) resolve(version uint16) uint16 {
	if version == DefaultVersion {
		return c.cell.version
	}
	return version
}
