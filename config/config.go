// Package config carries the tunables of a server process: bind address,
// worker pool size, queue depths, keep-alive and status intervals, and
// logging destinations. Values are layered from defaults, an optional .env
// file, and PULSAR_* environment variables; the example binaries bind
// command-line flags on top through viper.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors.
var (
	ErrNoBindAddress      = errors.New("config: bind address is required")
	ErrBadPort            = errors.New("config: port must be between 1 and 65535")
	ErrNoWorkers          = errors.New("config: at least one request processing worker is required")
	ErrPendingBelowWorker = errors.New("config: max pending responses must be at least the worker count")
	ErrIntervalTooShort   = errors.New("config: intervals must be at least one second")
)

// Common holds the parameters shared by every processor and the engine.
// They are fixed before the event loop starts; there is no reconfiguration
// at runtime.
type Common struct {
	// KeepAliveInterval is how often idle clients are probed. Idle
	// versioned clients receive a keep-alive control frame; idle clients
	// that never sent a first frame are disconnected.
	KeepAliveInterval time.Duration

	// StatusInterval is how often server statistics are snapshotted and
	// logged.
	StatusInterval time.Duration

	// MaxPendingResponses bounds responses queued per client. Each of the
	// session's two queues holds at most half of it.
	MaxPendingResponses int

	// Workers is the number of request processing goroutines.
	Workers int
}

// VersionParams sizes the wire traffic of one protocol version. A request
// larger than MaxRequestSize is rejected at the frame parser; a response
// larger than MaxResponseSize is refused before it is queued.
type VersionParams struct {
	MaxRequestSize  int
	MaxResponseSize int
}

// DefaultVersionParams returns the per-version limits applied when a
// processor registers without overriding them.
func DefaultVersionParams() VersionParams {
	return VersionParams{
		MaxRequestSize:  64 * 1024,
		MaxResponseSize: 64 * 1024,
	}
}

// Log holds the logging destinations.
type Log struct {
	// Level is a zerolog level name: debug, info, warn, error.
	Level string

	// Dir enables daily-rotated JSON files in the given directory when
	// non-empty; otherwise logs go to the console only.
	Dir string

	// StatusDir is where on-demand status dumps are written.
	StatusDir string
}

// Config is the full configuration of one server process.
type Config struct {
	// BindIP is the server's IPv4 address. It becomes part of every
	// client handle, so the wildcard address is rejected at startup.
	BindIP string

	// Port is the TCP listen port.
	Port int

	Common Common
	Log    Log
}

// Default returns the configuration the framework ships with.
func Default() Config {
	return Config{
		Port: 9099,
		Common: Common{
			KeepAliveInterval:   30 * time.Second,
			StatusInterval:      5 * time.Second,
			MaxPendingResponses: 16,
			Workers:             5,
		},
		Log: Log{
			Level:     "info",
			StatusDir: "server_status",
		},
	}
}

// Validate checks the semantic constraints the engine relies on.
func (c Config) Validate() error {
	if c.BindIP == "" {
		return ErrNoBindAddress
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrBadPort, c.Port)
	}
	return c.Common.Validate()
}

// Validate checks the shared parameters. MaxPendingResponses must cover the
// worker count so a full batch of workers can each have a response in
// flight for the same client.
func (p Common) Validate() error {
	if p.Workers < 1 {
		return fmt.Errorf("%w: %d", ErrNoWorkers, p.Workers)
	}
	if p.MaxPendingResponses < p.Workers {
		return fmt.Errorf("%w: %d < %d", ErrPendingBelowWorker, p.MaxPendingResponses, p.Workers)
	}
	if p.KeepAliveInterval < time.Second || p.StatusInterval < time.Second {
		return fmt.Errorf("%w: keep-alive %s, status %s", ErrIntervalTooShort,
			p.KeepAliveInterval, p.StatusInterval)
	}
	return nil
}
