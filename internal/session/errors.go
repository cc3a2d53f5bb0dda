package session

import "errors"

// Sentinel errors for the session layer. Callers branch with errors.Is; the
// wrapped forms carry node and request detail.
var (
	// ErrConnectTimeout means dial or handshake missed the deadline
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrConnectRefused means the node rejected the connection or handshake
	ErrConnectRefused = errors.New("connect refused")
	// ErrExecTimeout means a request outlived its per-request deadline
	ErrExecTimeout = errors.New("execution timeout")
	// ErrDisconnected means the transport failed with requests in flight
	ErrDisconnected = errors.New("node disconnected")
	// ErrClosed means the session was closed locally
	ErrClosed = errors.New("session closed")
)
