package pgmux

import "errors"

var (
	// ErrConnectFailed is returned when the transport cannot establish a
	// session with the target endpoint. Check for it with errors.Is.
	ErrConnectFailed = errors.New("unable to connect to endpoint")

	// ErrAuthenticationFailed is returned when the server rejects the
	// session's credentials during connection establishment.
	ErrAuthenticationFailed = errors.New("authentication rejected by server")

	// ErrConnectTimeout is returned when connection establishment exceeds the
	// configured connection timeout.
	ErrConnectTimeout = errors.New("connection establishment timed out")

	// ErrPoolTimeout is returned when Acquire exceeds the configured
	// acquisition timeout before a connection becomes available.
	ErrPoolTimeout = errors.New("connection pool acquisition timed out")

	// ErrAcquireCancelled is returned when the caller's context is cancelled
	// while waiting for a connection.
	ErrAcquireCancelled = errors.New("connection acquisition cancelled")

	// ErrCommandQueueFull is returned when a multiplexed link's outbound
	// queue is full and the multiplexer is configured to fail fast.
	ErrCommandQueueFull = errors.New("multiplexer command queue is full")

	// ErrConnectionBroken is returned to every holder of a physical
	// connection that suffered an I/O fault mid-use. The connection is
	// discarded and callers must re-acquire.
	ErrConnectionBroken = errors.New("physical connection is broken")

	// ErrNoSuitableHost is returned when the router exhausts the candidate
	// host list without finding a host matching the requested attributes.
	ErrNoSuitableHost = errors.New("no suitable host found")

	// ErrPoolClosed is returned when a connection pool shutdown has been
	// triggered and the pool is used afterwards.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrDataSourceClosed is returned when the data source has been shut
	// down and is used afterwards.
	ErrDataSourceClosed = errors.New("data source closed")

	// ErrConnectionClosed is returned when a closed logical connection is
	// used.
	ErrConnectionClosed = errors.New("connection is already closed")
)
