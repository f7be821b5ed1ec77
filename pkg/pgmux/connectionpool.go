package pgmux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionPool houses the bounded set of physical connections for one
// endpoint. Idle connections are kept as a stack so the most recently
// released one is handed out first; callers beyond the max bound wait in a
// FIFO queue and are woken in arrival order.
type ConnectionPool struct {
	Config   PoolConfig
	endpoint Endpoint

	transport         Transport
	connectionTimeout time.Duration
	acquireTimeout    time.Duration
	idleLifetime      time.Duration
	pruningInterval   time.Duration

	mu           sync.Mutex
	idle         []*PhysicalConnection // tail is the most recently released
	waiters      []*waiter
	live         int // established connections, idle + busy
	opening      int // connections being established, count toward the max bound
	generation   uint64
	createdCount uint64
	closed       bool

	connectionSeq uint64

	reaperStop chan struct{}
	reaperDone chan struct{}

	eventHandler EventHandler
	errorHandler func(error)
}

type acquireResult struct {
	conn *PhysicalConnection
	err  error
}

type waiter struct {
	res chan acquireResult // buffered; senders never block
}

// NewConnectionPool creates the hosting structure for a ConnectionPool and
// opens MinConnectionCount connections up front.
func NewConnectionPool(endpoint Endpoint, config *PoolConfig, transport Transport) (*ConnectionPool, error) {
	return NewConnectionPoolWithHandlers(endpoint, config, transport, nil, nil)
}

// NewConnectionPoolWithHandlers creates a ConnectionPool with an event
// and/or error handler.
func NewConnectionPoolWithHandlers(
	endpoint Endpoint,
	config *PoolConfig,
	transport Transport,
	eventHandler EventHandler,
	errorHandler func(error)) (*ConnectionPool, error) {

	if config == nil || config.MaxConnectionCount == 0 {
		return nil, errors.New("connectionpool maxconnectioncount can't be 0")
	}

	if config.MinConnectionCount > config.MaxConnectionCount {
		return nil, errors.New("connectionpool minconnectioncount can't exceed maxconnectioncount")
	}

	if transport == nil {
		return nil, errors.New("connectionpool transport can't be nil")
	}

	idleLifetime := time.Duration(config.ConnectionIdleLifetime) * time.Second
	if idleLifetime == 0 {
		idleLifetime = 5 * time.Minute
	}

	cp := &ConnectionPool{
		Config:            *config,
		endpoint:          endpoint,
		transport:         transport,
		connectionTimeout: time.Duration(config.ConnectionTimeout) * time.Second,
		acquireTimeout:    time.Duration(config.AcquireTimeout) * time.Millisecond,
		idleLifetime:      idleLifetime,
		pruningInterval:   time.Duration(config.PruningInterval) * time.Second,
		eventHandler:      eventHandler,
		errorHandler:      errorHandler,
	}

	if err := cp.initializeConnections(); err != nil {
		cp.Shutdown()
		return nil, fmt.Errorf("initialization failed during connection creation: %w", err)
	}

	if cp.pruningInterval > 0 {
		cp.reaperStop = make(chan struct{})
		cp.reaperDone = make(chan struct{})
		go cp.reap()
	}

	return cp, nil
}

func (cp *ConnectionPool) initializeConnections() error {
	for i := uint64(0); i < cp.Config.MinConnectionCount; i++ {
		conn, err := cp.open(context.Background(), 0)
		if err != nil {
			return err
		}

		cp.mu.Lock()
		cp.live++
		cp.createdCount++
		cp.idle = append(cp.idle, conn)
		cp.mu.Unlock()
	}
	return nil
}

// Acquire hands out a physical connection, waiting when the pool is at its
// max bound. The wait honors the caller's context and the configured
// AcquireTimeout; cancellation while queued resolves deterministically to
// exactly one outcome even when it races a wake-up.
func (cp *ConnectionPool) Acquire(ctx context.Context) (*PhysicalConnection, error) {
	if cp.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cp.acquireTimeout)
		defer cancel()
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if conn := cp.popIdleLocked(); conn != nil {
		conn.setState(StateBusy)
		conn.touch()
		cp.mu.Unlock()
		cp.emit(EventAcquired, conn, nil)
		return conn, nil
	}

	w := &waiter{res: make(chan acquireResult, 1)}
	cp.waiters = append(cp.waiters, w)
	cp.growLocked()
	cp.mu.Unlock()

	select {
	case r := <-w.res:
		if r.err != nil {
			return nil, r.err
		}
		cp.emit(EventAcquired, r.conn, nil)
		return r.conn, nil
	case <-ctx.Done():
	}

	// Cancelled or timed out while queued. Removal and hand-off both happen
	// under the pool lock, so exactly one side wins.
	cp.mu.Lock()
	removed := cp.removeWaiterLocked(w)
	cp.mu.Unlock()

	if !removed {
		// A result was already handed to us; the channel is buffered so the
		// sender never blocked. Put the connection straight back.
		r := <-w.res
		if r.err == nil {
			cp.Release(r.conn)
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, ErrPoolTimeout
	}
	return nil, fmt.Errorf("%v: %w", context.Cause(ctx), ErrAcquireCancelled)
}

// Release returns a connection to the pool. Broken or stale-generation
// connections are destroyed instead of re-idled; otherwise the session is
// reset and the connection is handed directly to the head waiter, bypassing
// the idle set, or parked idle when nobody waits.
func (cp *ConnectionPool) Release(conn *PhysicalConnection) {
	cp.mu.Lock()
	if cp.closed {
		cp.live--
		cp.mu.Unlock()
		cp.destroy(conn)
		return
	}

	if conn.Generation() != cp.generation || conn.State() == StateBroken {
		cp.live--
		cp.growLocked()
		cp.mu.Unlock()
		cp.destroy(conn)
		return
	}
	cp.mu.Unlock()

	if !cp.Config.DisableConnectionReset {
		if err := conn.Reset(); err != nil {
			cp.handleError(err)
			cp.mu.Lock()
			cp.live--
			cp.growLocked()
			cp.mu.Unlock()
			cp.destroy(conn)
			return
		}
	}

	cp.mu.Lock()
	// Clear or Shutdown may have run while the session was resetting.
	if cp.closed || conn.Generation() != cp.generation {
		cp.live--
		cp.mu.Unlock()
		cp.destroy(conn)
		return
	}

	if cp.handOffLocked(acquireResult{conn: conn}) {
		cp.mu.Unlock()
		return
	}

	conn.setState(StateIdle)
	conn.touch()
	cp.idle = append(cp.idle, conn)
	cp.mu.Unlock()
	cp.emit(EventReleased, conn, nil)
}

// Clear increments the pool generation. Current idle connections are
// destroyed immediately; busy ones are destroyed lazily at their next
// Release via the stale-generation check.
func (cp *ConnectionPool) Clear() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.generation++
	drained := cp.idle
	cp.idle = nil
	cp.live -= len(drained)
	cp.growLocked()
	cp.mu.Unlock()

	for _, conn := range drained {
		cp.destroy(conn)
	}
}

// Shutdown closes every idle connection, fails all queued waiters and stops
// the reaper. Busy connections are destroyed as they are released.
func (cp *ConnectionPool) Shutdown() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true
	waiters := cp.waiters
	cp.waiters = nil
	drained := cp.idle
	cp.idle = nil
	cp.live -= len(drained)
	cp.mu.Unlock()

	for _, w := range waiters {
		w.res <- acquireResult{err: ErrPoolClosed}
	}

	for _, conn := range drained {
		cp.destroy(conn)
	}

	if cp.reaperStop != nil {
		close(cp.reaperStop)
		<-cp.reaperDone
	}
}

// Stats returns a point-in-time snapshot of the pool's counters.
func (cp *ConnectionPool) Stats() PoolStats {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	idle := len(cp.idle)
	return PoolStats{
		IdleCount:    idle,
		BusyCount:    cp.live - idle,
		TotalCount:   cp.live + cp.opening,
		CreatedCount: cp.createdCount,
	}
}

// Endpoint returns the endpoint this pool connects to.
func (cp *ConnectionPool) Endpoint() Endpoint {
	return cp.endpoint
}

// popIdleLocked prefers the most recently released connection. Stale or
// non-idle entries found here are defensively destroyed; Clear normally
// drains them first.
func (cp *ConnectionPool) popIdleLocked() *PhysicalConnection {
	for n := len(cp.idle); n > 0; n = len(cp.idle) {
		conn := cp.idle[n-1]
		cp.idle = cp.idle[:n-1]

		if conn.Generation() != cp.generation || conn.State() != StateIdle {
			cp.live--
			go cp.destroy(conn)
			continue
		}
		return conn
	}
	return nil
}

// growLocked starts one opener per waiter that lacks one, never exceeding
// the max bound. Openers deliver straight to the waiter FIFO.
func (cp *ConnectionPool) growLocked() {
	for len(cp.waiters) > cp.opening && cp.live+cp.opening < int(cp.Config.MaxConnectionCount) {
		cp.opening++
		go cp.openForWaiter(cp.generation)
	}
}

func (cp *ConnectionPool) openForWaiter(generation uint64) {
	conn, err := cp.open(context.Background(), generation)

	cp.mu.Lock()
	cp.opening--

	if err != nil {
		// Connect errors propagate to the acquiring caller, never retried
		// here. The slot freed up, so another waiter may trigger growth.
		cp.handOffLocked(acquireResult{err: err})
		cp.growLocked()
		cp.mu.Unlock()
		cp.handleError(err)
		return
	}

	cp.live++
	cp.createdCount++

	if cp.closed || conn.Generation() != cp.generation {
		cp.live--
		cp.mu.Unlock()
		cp.destroy(conn)
		return
	}

	conn.setState(StateBusy)
	if cp.handOffLocked(acquireResult{conn: conn}) {
		cp.mu.Unlock()
		return
	}

	// Every waiter cancelled in the meantime; park the new connection.
	conn.setState(StateIdle)
	conn.touch()
	cp.idle = append(cp.idle, conn)
	cp.mu.Unlock()
}

func (cp *ConnectionPool) open(ctx context.Context, generation uint64) (*PhysicalConnection, error) {
	id := atomic.AddUint64(&cp.connectionSeq, 1)
	name := cp.Config.ApplicationName + "-" + strconv.FormatUint(id, 10)

	conn := newPhysicalConnection(id, name, cp.endpoint, cp.transport, generation)
	if err := conn.Open(ctx, cp.connectionTimeout); err != nil {
		return nil, err
	}

	cp.emit(EventConnectionOpened, conn, nil)
	return conn, nil
}

func (cp *ConnectionPool) handOffLocked(r acquireResult) bool {
	if len(cp.waiters) == 0 {
		return false
	}
	w := cp.waiters[0]
	cp.waiters = cp.waiters[1:]
	w.res <- r
	return true
}

func (cp *ConnectionPool) removeWaiterLocked(target *waiter) bool {
	for i, w := range cp.waiters {
		if w == target {
			cp.waiters = append(cp.waiters[:i], cp.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (cp *ConnectionPool) destroy(conn *PhysicalConnection) {
	if conn.State() == StateBroken {
		cp.emit(EventBroken, conn, conn.BrokenError())
	}
	conn.Close()
	cp.emit(EventConnectionClosed, conn, nil)
}

func (cp *ConnectionPool) reap() {
	defer close(cp.reaperDone)

	ticker := time.NewTicker(cp.pruningInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.reaperStop:
			return
		case <-ticker.C:
			cp.pruneIdle()
		}
	}
}

// pruneIdle destroys connections beyond the min floor that sat idle past the
// idle lifetime. The idle stack's head end holds the least recently used
// connections, so pruning scans from the front.
func (cp *ConnectionPool) pruneIdle() {
	cutoff := time.Now().Add(-cp.idleLifetime)
	var victims []*PhysicalConnection

	cp.mu.Lock()
	for len(cp.idle) > 0 && cp.live > int(cp.Config.MinConnectionCount) {
		oldest := cp.idle[0]
		if oldest.LastUsed().After(cutoff) {
			break
		}
		cp.idle = cp.idle[1:]
		cp.live--
		victims = append(victims, oldest)
	}
	cp.mu.Unlock()

	for _, conn := range victims {
		cp.destroy(conn)
	}
}

func (cp *ConnectionPool) emit(kind EventKind, conn *PhysicalConnection, err error) {
	if cp.eventHandler == nil {
		return
	}
	cp.eventHandler(Event{
		Kind:         kind,
		ConnectionID: conn.ID,
		Endpoint:     conn.Endpoint,
		Err:          err,
		OccurredAt:   time.Now().UTC(),
	})
}

func (cp *ConnectionPool) handleError(err error) {
	if cp.errorHandler != nil {
		cp.errorHandler(err)
	}
}
