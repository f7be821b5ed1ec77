package pgmux

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// LogicalConnection is the caller-visible handle returned by a DataSource.
// In pooled and unpooled modes it is bound to one physical connection for
// its lifetime; in multiplexed mode commands ride shared links instead and
// no binding exists.
type LogicalConnection struct {
	ID uuid.UUID

	conn    *PhysicalConnection
	release func(*PhysicalConnection)
	mux     *Multiplexer

	closed int32
}

// Do round-trips one serialized command. On a bound connection an I/O fault
// marks the physical connection broken and fails with ErrConnectionBroken;
// the caller must close this handle and open a new one.
func (lc *LogicalConnection) Do(ctx context.Context, payload []byte) ([]byte, error) {
	if atomic.LoadInt32(&lc.closed) == 1 {
		return nil, ErrConnectionClosed
	}

	if lc.mux != nil {
		return lc.mux.Do(ctx, payload)
	}

	conn := lc.conn
	if conn.State() == StateBroken {
		return nil, fmt.Errorf("%v: %w", conn.BrokenError(), ErrConnectionBroken)
	}

	conn.addInFlight(1)
	defer conn.addInFlight(-1)

	if err := conn.Session.WritePacket(payload); err != nil {
		conn.MarkBroken(err)
		return nil, fmt.Errorf("%v: %w", err, ErrConnectionBroken)
	}

	response, err := conn.Session.ReadPacket()
	if err != nil {
		conn.MarkBroken(err)
		return nil, fmt.Errorf("%v: %w", err, ErrConnectionBroken)
	}

	conn.touch()
	return response, nil
}

// Broken reports whether the bound physical connection suffered an I/O
// fault. Always false in multiplexed mode.
func (lc *LogicalConnection) Broken() bool {
	return lc.conn != nil && lc.conn.State() == StateBroken
}

// PhysicalID identifies the bound physical connection, or 0 when the handle
// is multiplexed.
func (lc *LogicalConnection) PhysicalID() uint64 {
	if lc.conn == nil {
		return 0
	}
	return lc.conn.ID
}

// Close releases the binding back to its owner. Closing twice is a no-op.
func (lc *LogicalConnection) Close() {
	if !atomic.CompareAndSwapInt32(&lc.closed, 0, 1) {
		return
	}
	if lc.conn != nil && lc.release != nil {
		lc.release(lc.conn)
	}
}
