package pgmux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
)

const (
	commandQueued int32 = iota
	commandWritten
)

type commandResult struct {
	response []byte
	err      error
}

// CommandRequest is one logical command riding a multiplexed link. Its
// completion handle is fulfilled when the matching response is fully read.
type CommandRequest struct {
	ID      uuid.UUID
	Payload []byte

	phase     int32
	completed int32
	done      chan commandResult
	link      *muxLink
}

// complete fulfills the request exactly once and reports whether this call
// won the completion.
func (r *CommandRequest) complete(response []byte, err error) bool {
	if !atomic.CompareAndSwapInt32(&r.completed, 0, 1) {
		return false
	}
	r.done <- commandResult{response: response, err: err}
	return true
}

// Wait blocks until the response arrives or the context ends. Cancelling a
// request that was already written requires the out-of-band protocol cancel
// signal, after which the link's pipeline is unusable and gets discarded.
func (r *CommandRequest) Wait(ctx context.Context) ([]byte, error) {
	select {
	case res := <-r.done:
		return res.response, res.err
	case <-ctx.Done():
	}

	r.link.cancelRequest(r, context.Cause(ctx))

	res := <-r.done
	return res.response, res.err
}

// muxLink binds one physical connection to a bounded outbound queue, a
// single batching writer and a single in-order reader. The in-flight FIFO is
// the correlation mechanism: the protocol pipeline answers request N with
// response N, so the reader completes pending requests strictly in write
// order.
type muxLink struct {
	conn     *PhysicalConnection
	session  Session
	outbound chan *CommandRequest
	inflight *queue.Queue
	shutdown chan struct{}
	downOnce sync.Once
	wg       sync.WaitGroup
	mux      *Multiplexer
}

func newMuxLink(conn *PhysicalConnection, mux *Multiplexer) *muxLink {
	l := &muxLink{
		conn:     conn,
		session:  conn.Session,
		outbound: make(chan *CommandRequest, mux.Config.MaxQueueLength),
		inflight: queue.New(int64(mux.Config.MaxQueueLength)),
		shutdown: make(chan struct{}),
		mux:      mux,
	}

	l.wg.Add(2)
	go l.writeLoop()
	go l.readLoop()

	return l
}

func (l *muxLink) writeLoop() {
	defer l.wg.Done()

	batch := make([]*CommandRequest, 0, l.mux.Config.WriteBatchSize)
	for {
		select {
		case <-l.shutdown:
			return
		case req := <-l.outbound:
			batch = append(batch[:0], req)

			// Coalesce whatever else is already queued so one writer pass
			// amortizes several commands.
		drain:
			for uint64(len(batch)) < l.mux.Config.WriteBatchSize {
				select {
				case more := <-l.outbound:
					batch = append(batch, more)
				default:
					break drain
				}
			}

			for i, r := range batch {
				if atomic.LoadInt32(&r.completed) == 1 {
					continue // cancelled before it was written
				}

				atomic.StoreInt32(&r.phase, commandWritten)
				if err := l.inflight.Put(r); err != nil {
					r.complete(nil, fmt.Errorf("link torn down: %w", ErrConnectionBroken))
					l.failBatch(batch[i+1:])
					return
				}
				l.conn.addInFlight(1)

				if err := l.session.WritePacket(r.Payload); err != nil {
					l.fail(err, ErrConnectionBroken)
					l.failBatch(batch[i+1:])
					return
				}
			}
		}
	}
}

// failBatch completes requests the writer coalesced but never dispatched.
// They sit in neither outbound nor the in-flight queue, so the teardown
// drains cannot reach them.
func (l *muxLink) failBatch(remaining []*CommandRequest) {
	for _, r := range remaining {
		r.complete(nil, fmt.Errorf("link torn down before write: %w", ErrConnectionBroken))
	}
}

func (l *muxLink) readLoop() {
	defer l.wg.Done()

	for {
		items, err := l.inflight.Get(1)
		if err != nil {
			return // queue disposed during teardown
		}
		req := items[0].(*CommandRequest)

		response, err := l.session.ReadPacket()
		l.conn.addInFlight(-1)
		if err != nil {
			req.complete(nil, fmt.Errorf("%v: %w", err, ErrConnectionBroken))
			l.fail(err, ErrConnectionBroken)
			return
		}

		req.complete(response, nil)
	}
}

// fail tears the link down exactly once: every request still queued or in
// flight is completed with failErr, the physical connection is marked broken
// and handed back to the pool for destruction.
func (l *muxLink) fail(cause error, failErr error) {
	l.downOnce.Do(func() {
		close(l.shutdown)
		l.conn.MarkBroken(cause)

		go func() {
			remaining := l.inflight.Dispose()
			for _, item := range remaining {
				item.(*CommandRequest).complete(nil, fmt.Errorf("%v: %w", cause, failErr))
			}
			l.drainOutbound(cause, failErr)

			l.mux.removeLink(l)
			l.mux.pool.Release(l.conn)
			l.mux.handleError(cause)
		}()
	})
}

func (l *muxLink) drainOutbound(cause error, failErr error) {
	for {
		select {
		case req := <-l.outbound:
			req.complete(nil, fmt.Errorf("%v: %w", cause, failErr))
		default:
			return
		}
	}
}

func (l *muxLink) isDown() bool {
	select {
	case <-l.shutdown:
		return true
	default:
		return false
	}
}

// cancelRequest aborts one request. Requests not yet written complete
// immediately and the link stays healthy; written ones need the protocol
// cancel signal and the link cannot be safely reused mid-pipeline, so it is
// discarded.
func (l *muxLink) cancelRequest(r *CommandRequest, cause error) {
	if atomic.LoadInt32(&r.phase) == commandQueued {
		r.complete(nil, fmt.Errorf("%v: %w", cause, ErrAcquireCancelled))
		return
	}

	// The response may have landed between the caller's select and this
	// call. When it did there is nothing to cancel and the link is sound.
	if !r.complete(nil, fmt.Errorf("%v: %w", cause, ErrAcquireCancelled)) {
		return
	}
	_ = l.session.SendCancelSignal()
	l.fail(fmt.Errorf("cancel signal sent for request %s: %w", r.ID, ErrConnectionBroken), ErrConnectionBroken)
}

// Multiplexer batches many logical command requests onto a small set of
// physical connections drawn from a pool. Links are created lazily up to
// MaxLinkCount and replaced after faults.
type Multiplexer struct {
	Config MultiplexerConfig

	pool *ConnectionPool

	mu       sync.Mutex
	links    []*muxLink
	opening  int
	linkWait chan struct{}
	closed   bool
	rr       uint64

	errorHandler func(error)
}

// NewMultiplexer creates the dispatcher on top of an existing pool.
func NewMultiplexer(config *MultiplexerConfig, pool *ConnectionPool, errorHandler func(error)) *Multiplexer {
	return &Multiplexer{
		Config:       config.withDefaults(),
		pool:         pool,
		errorHandler: errorHandler,
	}
}

// Submit queues one command for dispatch. Under backpressure it waits for
// queue room unless FailOnQueueFull is set, in which case it fails fast with
// ErrCommandQueueFull.
func (m *Multiplexer) Submit(ctx context.Context, payload []byte) (*CommandRequest, error) {
	l, err := m.pickLink(ctx)
	if err != nil {
		return nil, err
	}

	req := &CommandRequest{
		ID:      uuid.New(),
		Payload: payload,
		done:    make(chan commandResult, 1),
		link:    l,
	}

	if m.Config.FailOnQueueFull {
		select {
		case l.outbound <- req:
		case <-l.shutdown:
			return nil, ErrConnectionBroken
		default:
			return nil, ErrCommandQueueFull
		}
	} else {
		select {
		case l.outbound <- req:
		case <-l.shutdown:
			return nil, ErrConnectionBroken
		case <-ctx.Done():
			return nil, fmt.Errorf("%v: %w", context.Cause(ctx), ErrAcquireCancelled)
		}
	}

	// The link may have gone down between the enqueue and now; the teardown
	// drain and this one are both safe to run, completion is exactly-once.
	if l.isDown() {
		l.drainOutbound(ErrConnectionBroken, ErrConnectionBroken)
	}

	return req, nil
}

// Do submits one command and waits for its response.
func (m *Multiplexer) Do(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := m.Submit(ctx, payload)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

func (m *Multiplexer) pickLink(ctx context.Context) (*muxLink, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrDataSourceClosed
		}

		alive := m.links[:0]
		for _, l := range m.links {
			if !l.isDown() {
				alive = append(alive, l)
			}
		}
		m.links = alive

		if len(m.links)+m.opening < int(m.Config.MaxLinkCount) {
			m.opening++
			m.mu.Unlock()
			return m.openLink(ctx)
		}

		if len(m.links) > 0 {
			i := m.rr
			m.rr++
			l := m.links[i%uint64(len(m.links))]
			m.mu.Unlock()
			return l, nil
		}

		// Every slot is taken by a link still being opened; wait for the
		// opener's broadcast and re-evaluate.
		if m.linkWait == nil {
			m.linkWait = make(chan struct{})
		}
		wait := m.linkWait
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%v: %w", context.Cause(ctx), ErrAcquireCancelled)
		}
	}
}

func (m *Multiplexer) openLink(ctx context.Context) (*muxLink, error) {
	conn, err := m.pool.Acquire(ctx)

	m.mu.Lock()
	m.opening--
	if err != nil {
		m.broadcastLocked()
		m.mu.Unlock()
		return nil, err
	}
	if m.closed {
		m.broadcastLocked()
		m.mu.Unlock()
		m.pool.Release(conn)
		return nil, ErrDataSourceClosed
	}

	l := newMuxLink(conn, m)
	m.links = append(m.links, l)
	m.broadcastLocked()
	m.mu.Unlock()

	return l, nil
}

func (m *Multiplexer) broadcastLocked() {
	if m.linkWait != nil {
		close(m.linkWait)
		m.linkWait = nil
	}
}

func (m *Multiplexer) removeLink(target *muxLink) {
	m.mu.Lock()
	for i, l := range m.links {
		if l == target {
			m.links = append(m.links[:i], m.links[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// Clear discards every live link, failing their pending requests, and
// clears the underlying pool's generation.
func (m *Multiplexer) Clear() {
	m.mu.Lock()
	links := append([]*muxLink(nil), m.links...)
	m.mu.Unlock()

	for _, l := range links {
		l.fail(ErrConnectionBroken, ErrConnectionBroken)
	}
	m.pool.Clear()
}

// Shutdown tears down every link and fails outstanding requests with
// ErrDataSourceClosed. The underlying pool is shut down by its owner.
func (m *Multiplexer) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := append([]*muxLink(nil), m.links...)
	m.mu.Unlock()

	for _, l := range links {
		l.fail(ErrDataSourceClosed, ErrDataSourceClosed)
	}
	for _, l := range links {
		l.wg.Wait()
	}
}

func (m *Multiplexer) handleError(err error) {
	if m.errorHandler != nil {
		m.errorHandler(err)
	}
}
