package core

import (
	"fmt"
	"io"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// ServerStats is the flat counter record of one engine: request and
// response tallies by kind, per-worker processed counts, queue gauges,
// memory-by-category gauges, and error counters. The event loop and the
// workers update it concurrently; counters are atomic, the histograms carry
// their own locking. A comparable Snapshot is taken on the status interval
// and logged unless identical to the previous one.
type ServerStats struct {
	set *vm.Set

	// Clients connected and disconnected.
	clientsConnected       *vm.Counter
	clientsDisconnected    *vm.Counter
	disconnectionsByServer *vm.Counter
	disconnectionsByClient *vm.Counter
	memClients             *vm.Counter
	activeClientBuffers    *vm.Counter

	// Requests.
	requestsArrived       *vm.Counter
	requestsProcessed     *vm.Counter
	requestsNotAdvised    *vm.Counter
	requestsRejected      *vm.Counter
	requestsFailed        *vm.Counter
	requestBytesIgnored   *vm.Counter
	requestBytesProcessed *vm.Counter
	memRequestsQueued     *vm.Counter
	workerProcessed       []*vm.Counter

	// Responses by kind.
	responsesOrdinary  *vm.Counter
	responsesKeepAlive *vm.Counter
	responsesError     *vm.Counter
	responsesFatal     *vm.Counter
	responsesAck       *vm.Counter
	responsesForwarded *vm.Counter
	responsesMulticast *vm.Counter
	responsesUpdate    *vm.Counter

	// Response delivery.
	responsesSent         *vm.Counter
	responsesFailedQueue  *vm.Counter
	responsesFailedSend   *vm.Counter
	responsesFailedFwd    *vm.Counter
	responseBytesSent     *vm.Counter
	responsesBeingSent    *vm.Counter
	responsesClientQueues *vm.Counter
	responsesPeerQueues   *vm.Counter
	memResponsesQueued    *vm.Counter

	// Frame header errors.
	headerErrPreamble *vm.Counter
	headerErrVersion  *vm.Counter
	headerErrSize     *vm.Counter

	// Peer forwarding errors, by peer state at failure time.
	forwardErrWrite         *vm.Counter
	forwardErrTimeout       *vm.Counter
	forwardErrOverflow      *vm.Counter
	forwardErrDisconnecting *vm.Counter
	forwardErrDisconnected  *vm.Counter

	// Capacity failures, by what could not be created.
	allocRequest    *vm.Counter
	allocResponse   *vm.Counter
	allocClient     *vm.Counter
	allocConnection *vm.Counter

	// Durations and sizes.
	processingTime gometrics.Histogram
	queuedDuration gometrics.Histogram
	requestSize    gometrics.Histogram
}

// NewServerStats builds the counter record for an engine with the given
// worker count.
func NewServerStats(workers int) *ServerStats {
	set := vm.NewSet()
	s := &ServerStats{
		set: set,

		clientsConnected:       set.NewCounter("pulsar_clients_connected_total"),
		clientsDisconnected:    set.NewCounter("pulsar_clients_disconnected_total"),
		disconnectionsByServer: set.NewCounter(`pulsar_disconnections_total{origin="server"}`),
		disconnectionsByClient: set.NewCounter(`pulsar_disconnections_total{origin="client"}`),
		memClients:             set.NewCounter("pulsar_memory_clients_bytes"),
		activeClientBuffers:    set.NewCounter("pulsar_client_request_buffers_active"),

		requestsArrived:       set.NewCounter("pulsar_requests_arrived_total"),
		requestsProcessed:     set.NewCounter("pulsar_requests_processed_total"),
		requestsNotAdvised:    set.NewCounter("pulsar_requests_not_advised_total"),
		requestsRejected:      set.NewCounter("pulsar_requests_rejected_total"),
		requestsFailed:        set.NewCounter("pulsar_requests_failed_total"),
		requestBytesIgnored:   set.NewCounter("pulsar_request_bytes_ignored_total"),
		requestBytesProcessed: set.NewCounter("pulsar_request_bytes_processed_total"),
		memRequestsQueued:     set.NewCounter("pulsar_memory_requests_queued_bytes"),

		responsesOrdinary:  set.NewCounter(`pulsar_responses_total{kind="ordinary"}`),
		responsesKeepAlive: set.NewCounter(`pulsar_responses_total{kind="keep_alive"}`),
		responsesError:     set.NewCounter(`pulsar_responses_total{kind="error"}`),
		responsesFatal:     set.NewCounter(`pulsar_responses_total{kind="fatal_error"}`),
		responsesAck:       set.NewCounter(`pulsar_responses_total{kind="ack_of_forwarded"}`),
		responsesForwarded: set.NewCounter("pulsar_responses_forwarded_total"),
		responsesMulticast: set.NewCounter("pulsar_responses_multicast_total"),
		responsesUpdate:    set.NewCounter("pulsar_responses_update_total"),

		responsesSent:         set.NewCounter("pulsar_responses_sent_total"),
		responsesFailedQueue:  set.NewCounter("pulsar_responses_failed_to_queue_total"),
		responsesFailedSend:   set.NewCounter("pulsar_responses_failed_to_send_total"),
		responsesFailedFwd:    set.NewCounter("pulsar_responses_failed_to_forward_total"),
		responseBytesSent:     set.NewCounter("pulsar_response_bytes_sent_total"),
		responsesBeingSent:    set.NewCounter("pulsar_responses_being_sent"),
		responsesClientQueues: set.NewCounter("pulsar_responses_in_client_queues"),
		responsesPeerQueues:   set.NewCounter("pulsar_responses_in_peer_queues"),
		memResponsesQueued:    set.NewCounter("pulsar_memory_responses_queued_bytes"),

		headerErrPreamble: set.NewCounter(`pulsar_header_errors_total{field="preamble"}`),
		headerErrVersion:  set.NewCounter(`pulsar_header_errors_total{field="version"}`),
		headerErrSize:     set.NewCounter(`pulsar_header_errors_total{field="size"}`),

		forwardErrWrite:         set.NewCounter(`pulsar_forward_errors_total{reason="write"}`),
		forwardErrTimeout:       set.NewCounter(`pulsar_forward_errors_total{reason="connect_timeout"}`),
		forwardErrOverflow:      set.NewCounter(`pulsar_forward_errors_total{reason="overflowed"}`),
		forwardErrDisconnecting: set.NewCounter(`pulsar_forward_errors_total{reason="disconnecting"}`),
		forwardErrDisconnected:  set.NewCounter(`pulsar_forward_errors_total{reason="disconnected"}`),

		allocRequest:    set.NewCounter(`pulsar_alloc_failures_total{what="request"}`),
		allocResponse:   set.NewCounter(`pulsar_alloc_failures_total{what="response"}`),
		allocClient:     set.NewCounter(`pulsar_alloc_failures_total{what="client"}`),
		allocConnection: set.NewCounter(`pulsar_alloc_failures_total{what="connection"}`),

		processingTime: gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
		queuedDuration: gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
		requestSize:    gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
	}

	s.workerProcessed = make([]*vm.Counter, workers)
	for i := range s.workerProcessed {
		s.workerProcessed[i] = set.NewCounter(
			fmt.Sprintf(`pulsar_worker_requests_processed_total{worker="%d"}`, i))
	}
	return s
}

// countResponseKind bumps the per-kind counter for a queued response.
func (s *ServerStats) countResponseKind(kind byte) {
	switch kind {
	case ResponseKeepAlive:
		s.responsesKeepAlive.Inc()
	case ResponseError:
		s.responsesError.Inc()
	case ResponseAckOfForwarded:
		s.responsesAck.Inc()
	case ResponseFatalError:
		s.responsesFatal.Inc()
	default:
		s.responsesOrdinary.Inc()
	}
}

// countForwardError bumps the per-reason forward failure counter for a
// response that could not reach its peer.
func (s *ServerStats) countForwardError(status PeerStatus) {
	switch status {
	case PeerConnectingTimedOut:
		s.forwardErrTimeout.Inc()
	case PeerOverflowed:
		s.forwardErrOverflow.Inc()
	case PeerDisconnecting:
		s.forwardErrDisconnecting.Inc()
	default:
		s.forwardErrDisconnected.Inc()
	}
	s.responsesFailedFwd.Inc()
}

// ObserveProcessing records one request's processing duration.
func (s *ServerStats) ObserveProcessing(d time.Duration) {
	s.processingTime.Update(d.Nanoseconds())
}

// ObserveQueuedDuration records how long a response sat queued before its
// write completed.
func (s *ServerStats) ObserveQueuedDuration(d time.Duration) {
	s.queuedDuration.Update(d.Nanoseconds())
}

// ObserveRequestSize records one request's payload size.
func (s *ServerStats) ObserveRequestSize(n int) {
	s.requestSize.Update(int64(n))
}

// WritePrometheus dumps every counter in Prometheus text format.
func (s *ServerStats) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}

// WorkerProcessed returns the per-worker processed counts.
func (s *ServerStats) WorkerProcessed() []uint64 {
	out := make([]uint64, len(s.workerProcessed))
	for i, c := range s.workerProcessed {
		out[i] = c.Get()
	}
	return out
}

// Snapshot is the comparable counter record used for status logging. Two
// equal snapshots mean nothing observable happened between them, and the
// periodic status log is suppressed. Values derived after the comparison,
// such as process memory, are deliberately excluded.
type Snapshot struct {
	ClientsConnected       uint64
	ClientsDisconnected    uint64
	DisconnectionsByServer uint64
	DisconnectionsByClient uint64
	MemoryClients          uint64
	ActiveClientBuffers    uint64

	RequestsArrived       uint64
	RequestsProcessed     uint64
	RequestsNotAdvised    uint64
	RequestsRejected      uint64
	RequestsFailed        uint64
	RequestBytesIgnored   uint64
	RequestBytesProcessed uint64
	MemoryRequestsQueued  uint64

	ResponsesOrdinary  uint64
	ResponsesKeepAlive uint64
	ResponsesError     uint64
	ResponsesFatal     uint64
	ResponsesAck       uint64
	ResponsesForwarded uint64
	ResponsesMulticast uint64
	ResponsesUpdate    uint64

	ResponsesSent         uint64
	ResponsesFailedQueue  uint64
	ResponsesFailedSend   uint64
	ResponsesFailedFwd    uint64
	ResponseBytesSent     uint64
	ResponsesBeingSent    uint64
	ResponsesClientQueues uint64
	ResponsesPeerQueues   uint64
	MemoryResponsesQueued uint64

	HeaderErrPreamble uint64
	HeaderErrVersion  uint64
	HeaderErrSize     uint64

	ForwardErrWrite         uint64
	ForwardErrTimeout       uint64
	ForwardErrOverflow      uint64
	ForwardErrDisconnecting uint64
	ForwardErrDisconnected  uint64

	AllocFailRequest    uint64
	AllocFailResponse   uint64
	AllocFailClient     uint64
	AllocFailConnection uint64

	// Filled in by the engine at snapshot time.
	ClientsActive  uint32
	PeersConnected uint32
}

// Snapshot captures the current counter values.
func (s *ServerStats) Snapshot() Snapshot {
	return Snapshot{
		ClientsConnected:       s.clientsConnected.Get(),
		ClientsDisconnected:    s.clientsDisconnected.Get(),
		DisconnectionsByServer: s.disconnectionsByServer.Get(),
		DisconnectionsByClient: s.disconnectionsByClient.Get(),
		MemoryClients:          s.memClients.Get(),
		ActiveClientBuffers:    s.activeClientBuffers.Get(),

		RequestsArrived:       s.requestsArrived.Get(),
		RequestsProcessed:     s.requestsProcessed.Get(),
		RequestsNotAdvised:    s.requestsNotAdvised.Get(),
		RequestsRejected:      s.requestsRejected.Get(),
		RequestsFailed:        s.requestsFailed.Get(),
		RequestBytesIgnored:   s.requestBytesIgnored.Get(),
		RequestBytesProcessed: s.requestBytesProcessed.Get(),
		MemoryRequestsQueued:  s.memRequestsQueued.Get(),

		ResponsesOrdinary:  s.responsesOrdinary.Get(),
		ResponsesKeepAlive: s.responsesKeepAlive.Get(),
		ResponsesError:     s.responsesError.Get(),
		ResponsesFatal:     s.responsesFatal.Get(),
		ResponsesAck:       s.responsesAck.Get(),
		ResponsesForwarded: s.responsesForwarded.Get(),
		ResponsesMulticast: s.responsesMulticast.Get(),
		ResponsesUpdate:    s.responsesUpdate.Get(),

		ResponsesSent:         s.responsesSent.Get(),
		ResponsesFailedQueue:  s.responsesFailedQueue.Get(),
		ResponsesFailedSend:   s.responsesFailedSend.Get(),
		ResponsesFailedFwd:    s.responsesFailedFwd.Get(),
		ResponseBytesSent:     s.responseBytesSent.Get(),
		ResponsesBeingSent:    s.responsesBeingSent.Get(),
		ResponsesClientQueues: s.responsesClientQueues.Get(),
		ResponsesPeerQueues:   s.responsesPeerQueues.Get(),
		MemoryResponsesQueued: s.memResponsesQueued.Get(),

		HeaderErrPreamble: s.headerErrPreamble.Get(),
		HeaderErrVersion:  s.headerErrVersion.Get(),
		HeaderErrSize:     s.headerErrSize.Get(),

		ForwardErrWrite:         s.forwardErrWrite.Get(),
		ForwardErrTimeout:       s.forwardErrTimeout.Get(),
		ForwardErrOverflow:      s.forwardErrOverflow.Get(),
		ForwardErrDisconnecting: s.forwardErrDisconnecting.Get(),
		ForwardErrDisconnected:  s.forwardErrDisconnected.Get(),

		AllocFailRequest:    s.allocRequest.Get(),
		AllocFailResponse:   s.allocResponse.Get(),
		AllocFailClient:     s.allocClient.Get(),
		AllocFailConnection: s.allocConnection.Get(),
	}
}

// Rates are the per-interval derived values of a status log line.
type Rates struct {
	Interval           time.Duration
	RequestsPerSecond  float64
	ProcessedPerSecond float64
	AvgProcessingTime  time.Duration
	AvgRequestSize     int64
	MinQueuedDuration  time.Duration
	MaxQueuedDuration  time.Duration
}

// RatesSince derives interval rates from the previous snapshot and the
// histogram state.
func (s *ServerStats) RatesSince(prev Snapshot, elapsed time.Duration) Rates {
	cur := s.Snapshot()
	r := Rates{Interval: elapsed}
	if secs := elapsed.Seconds(); secs > 0 {
		r.RequestsPerSecond = float64(cur.RequestsArrived-prev.RequestsArrived) / secs
		r.ProcessedPerSecond = float64(cur.RequestsProcessed-prev.RequestsProcessed) / secs
	}
	r.AvgProcessingTime = time.Duration(s.processingTime.Mean())
	r.AvgRequestSize = int64(s.requestSize.Mean())
	r.MinQueuedDuration = time.Duration(s.queuedDuration.Min())
	r.MaxQueuedDuration = time.Duration(s.queuedDuration.Max())
	return r
}
