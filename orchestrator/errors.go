package orchestrator

import "errors"

var (
	// ErrAdapterUnavailable reports that an adapter's underlying capability is
	// absent. Scanning continues in degraded mode.
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	// ErrPeer wraps per-peer adapter failures.
	ErrPeer = errors.New("peer error")
	// ErrPeerDisconnected is a per-peer failure that moves the peer to
	// Disconnected rather than Error.
	ErrPeerDisconnected = errors.New("peer disconnected")
	// ErrInternalInconsistency reports an event that referenced unexpected
	// internal state. The triggering operation is dropped.
	ErrInternalInconsistency = errors.New("internal inconsistency")
	// ErrClosed is returned by commands after Cleanup.
	ErrClosed = errors.New("orchestrator closed")
)
