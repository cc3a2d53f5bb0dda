package bridge

import "errors"

// Execution error taxonomy. Every failure out of Execute wraps exactly one
// of these so callers can branch with errors.Is.
var (
	// ErrInvalidMode means the mode is not in the closed enum; no network
	// activity happened
	ErrInvalidMode = errors.New("invalid execution mode")
	// ErrUnknownNode means the node is not in the registry; no dial happened
	ErrUnknownNode = errors.New("unknown node")
	// ErrConnectFailed means the on-demand session open failed
	ErrConnectFailed = errors.New("connect failed")
	// ErrTimeout means the request outlived its deadline
	ErrTimeout = errors.New("execution timed out")
	// ErrDisconnected means the session died with the request in flight
	ErrDisconnected = errors.New("node disconnected")
	// ErrOverloaded means the node's queue is full; the request was never
	// sent
	ErrOverloaded = errors.New("node overloaded")
)
