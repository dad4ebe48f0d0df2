package core

import "errors"

// Client pool errors.
var (
	// ErrShutdownInProgress rejects new clients and new work once server
	// shutdown was initiated.
	ErrShutdownInProgress = errors.New("core: shutdown in progress")

	// ErrUnknownClient means the handle resolves to no pooled session,
	// typically because the client already disconnected.
	ErrUnknownClient = errors.New("core: unknown client handle")

	// ErrClientDisconnecting rejects work for a session already marked
	// for disconnection.
	ErrClientDisconnecting = errors.New("core: client marked for disconnection")
)

// Response fan-out errors.
var (
	ErrNoRecipients     = errors.New("core: response has no recipients")
	ErrEmptyResponse    = errors.New("core: empty response payload")
	ErrResponseTooLarge = errors.New("core: response exceeds the version's maximum size")

	// ErrResponseQueueFull means a recipient's pending-response queue is
	// at capacity; the response is not queued for that recipient.
	ErrResponseQueueFull = errors.New("core: response queue full")
)

// Engine lifecycle and configuration errors.
var (
	ErrWildcardAddress  = errors.New("core: 0.0.0.0 is not a valid server address; client handles embed it")
	ErrNotIPv4          = errors.New("core: server address must be an IPv4 address")
	ErrEngineRunning    = errors.New("core: engine already running")
	ErrEngineStopped    = errors.New("core: engine not running")
	ErrNoProcessors     = errors.New("core: no request processors registered")
	ErrVersionReserved  = errors.New("core: version is reserved for framework traffic")
	ErrVersionExists    = errors.New("core: processor already registered for version")
	ErrUnknownVersion   = errors.New("core: no processor registered for version")
	ErrSizeNotPositive  = errors.New("core: request/response size limit must be positive")
	ErrSizeAboveLimit   = errors.New("core: request/response size limit above the 1 MiB maximum")
	ErrCommonParamsOnce = errors.New("core: common parameters already set")
)
