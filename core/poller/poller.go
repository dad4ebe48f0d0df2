// Package poller abstracts the platform's readiness notification facility
// (epoll on Linux, kqueue on macOS) behind one interface sized for a single
// event-loop goroutine that owns every socket.
package poller

// Event reports readiness for one file descriptor. A descriptor can be
// readable and writable in the same wait cycle.
type Event struct {
	FD       int
	Readable bool
	Writable bool
}

// Poller is the I/O multiplexing interface.
//
// A registered descriptor starts out watched for read readiness. SetRead
// pauses that while the owner cannot consume more bytes, which keeps a
// level-triggered poller from spinning. Write readiness is opt-in per
// descriptor via SetWrite, used for nonblocking connects and for finishing
// short writes. Wake is the only method safe to call from goroutines other
// than the one calling Wait.
type Poller interface {
	// Add registers fd for read readiness.
	Add(fd int) error

	// SetRead enables or disables read readiness reporting for an
	// already registered fd.
	SetRead(fd int, enable bool) error

	// SetWrite enables or disables write readiness reporting for an
	// already registered fd.
	SetWrite(fd int, enable bool) error

	// Remove deregisters fd.
	Remove(fd int) error

	// Wait blocks until at least one descriptor is ready, the timeout (in
	// milliseconds, -1 for none) elapses, or Wake is called. The returned
	// slice is reused by the next Wait call.
	Wait(timeoutMs int) ([]Event, error)

	// Wake makes a concurrent Wait return promptly. Safe for concurrent
	// use; wakes coalesce.
	Wake() error

	// Close releases the poller. Registered descriptors are not closed.
	Close() error
}
