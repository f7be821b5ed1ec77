package pgmux

import "time"

// EventKind identifies a connection lifecycle notification.
type EventKind string

const (
	// EventConnectionOpened fires after a physical connection is established.
	EventConnectionOpened EventKind = "ConnectionOpened"

	// EventConnectionClosed fires after a physical connection is destroyed.
	EventConnectionClosed EventKind = "ConnectionClosed"

	// EventAcquired fires when a caller takes ownership of a connection.
	EventAcquired EventKind = "Acquired"

	// EventReleased fires when a connection returns to the idle set.
	EventReleased EventKind = "Released"

	// EventBroken fires when an I/O fault removes a connection from
	// circulation.
	EventBroken EventKind = "Broken"
)

// Event is a plain lifecycle notification. How it is consumed is up to the
// handler; the engine only emits.
type Event struct {
	Kind         EventKind
	ConnectionID uint64
	Endpoint     Endpoint
	Err          error
	OccurredAt   time.Time
}

// EventHandler receives lifecycle events. Handlers run inline on engine
// goroutines and must not block.
type EventHandler func(Event)
