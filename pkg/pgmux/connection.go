package pgmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState tracks where a physical connection is in its lifecycle.
type ConnectionState int32

const (
	// StateConnecting means the transport session is being established.
	StateConnecting ConnectionState = iota

	// StateIdle means the connection sits in its pool's idle set.
	StateIdle

	// StateBusy means the connection is owned by a logical connection or by
	// the multiplexer.
	StateBusy

	// StateBroken means an I/O fault removed the connection from
	// circulation; it is never reused.
	StateBroken

	// StateClosed means the transport session has been terminated.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateIdle:
		return "Idle"
	case StateBusy:
		return "Busy"
	case StateBroken:
		return "Broken"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PhysicalConnection is one live session to one server endpoint. It belongs
// to exactly one ConnectionPool for its lifetime and carries the pool
// generation it was created under.
type PhysicalConnection struct {
	ID       uint64
	Name     string
	Endpoint Endpoint
	Session  Session

	generation uint64
	state      int32
	inFlight   int64
	lastUsed   int64 // unix nanos, atomic

	transport Transport
	brokenErr error
	connLock  *sync.Mutex
}

func newPhysicalConnection(id uint64, name string, endpoint Endpoint, transport Transport, generation uint64) *PhysicalConnection {
	return &PhysicalConnection{
		ID:         id,
		Name:       name,
		Endpoint:   endpoint,
		generation: generation,
		state:      int32(StateConnecting),
		transport:  transport,
		connLock:   &sync.Mutex{},
	}
}

// Open establishes the transport session one time. Transport failures map
// onto the connect-time error taxonomy: a context deadline becomes
// ErrConnectTimeout, an authentication rejection passes through as
// ErrAuthenticationFailed and anything else wraps ErrConnectFailed.
func (pc *PhysicalConnection) Open(ctx context.Context, timeout time.Duration) error {
	pc.connLock.Lock()
	defer pc.connLock.Unlock()

	if pc.State() != StateConnecting {
		return fmt.Errorf("open called on %s connection: %w", pc.State(), ErrConnectionClosed)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	session, err := pc.transport.Connect(ctx, pc.Endpoint)
	if err != nil {
		pc.setState(StateClosed)
		switch {
		case errors.Is(err, ErrAuthenticationFailed):
			return err
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("connect to %s: %w", pc.Endpoint, ErrConnectTimeout)
		default:
			return fmt.Errorf("connect to %s: %v: %w", pc.Endpoint, err, ErrConnectFailed)
		}
	}

	pc.Session = session
	pc.touch()
	pc.setState(StateIdle)
	return nil
}

// Reset clears server-side session state before the connection re-enters the
// idle set. A reset failure marks the connection Broken instead of Idle.
func (pc *PhysicalConnection) Reset() error {
	if pc.State() == StateBroken {
		return pc.BrokenError()
	}

	if err := pc.Session.Reset(); err != nil {
		pc.MarkBroken(err)
		return fmt.Errorf("session reset failed: %v: %w", err, ErrConnectionBroken)
	}
	return nil
}

// MarkBroken removes the connection from circulation after an I/O fault. The
// first fault wins; later calls are no-ops.
func (pc *PhysicalConnection) MarkBroken(err error) {
	for {
		current := atomic.LoadInt32(&pc.state)
		if ConnectionState(current) == StateBroken || ConnectionState(current) == StateClosed {
			return
		}
		if atomic.CompareAndSwapInt32(&pc.state, current, int32(StateBroken)) {
			pc.connLock.Lock()
			pc.brokenErr = err
			pc.connLock.Unlock()
			return
		}
	}
}

// BrokenError reports the fault that broke the connection, if any.
func (pc *PhysicalConnection) BrokenError() error {
	pc.connLock.Lock()
	defer pc.connLock.Unlock()
	return pc.brokenErr
}

// Close terminates the transport session irrespective of state.
func (pc *PhysicalConnection) Close() {
	for {
		current := atomic.LoadInt32(&pc.state)
		if ConnectionState(current) == StateClosed {
			return
		}
		if atomic.CompareAndSwapInt32(&pc.state, current, int32(StateClosed)) {
			break
		}
	}

	if pc.Session != nil {
		_ = pc.Session.Close()
	}
}

// State returns the connection's current lifecycle state.
func (pc *PhysicalConnection) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&pc.state))
}

// Generation returns the pool generation the connection was created under.
func (pc *PhysicalConnection) Generation() uint64 {
	return pc.generation
}

// LastUsed returns the time the connection last changed hands.
func (pc *PhysicalConnection) LastUsed() time.Time {
	return time.Unix(0, atomic.LoadInt64(&pc.lastUsed))
}

// InFlight returns the number of requests currently written but unanswered
// on this connection.
func (pc *PhysicalConnection) InFlight() int64 {
	return atomic.LoadInt64(&pc.inFlight)
}

func (pc *PhysicalConnection) addInFlight(delta int64) {
	atomic.AddInt64(&pc.inFlight, delta)
}

func (pc *PhysicalConnection) setState(state ConnectionState) {
	atomic.StoreInt32(&pc.state, int32(state))
}

func (pc *PhysicalConnection) touch() {
	atomic.StoreInt64(&pc.lastUsed, time.Now().UnixNano())
}
