package pgmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var errSessionClosed = errors.New("session closed")

// MemTransport is an in-process Transport backed by scriptable servers. It
// drives the test suite and doubles as a harness for embedders: servers can
// change role, refuse connections, delay responses and sever live sessions.
type MemTransport struct {
	mu      sync.Mutex
	servers map[string]*MemServer
}

// NewMemTransport creates an empty transport; add servers before connecting.
func NewMemTransport() *MemTransport {
	return &MemTransport{servers: make(map[string]*MemServer)}
}

// AddServer registers a server for the endpoint and returns its handle.
func (t *MemTransport) AddServer(endpoint Endpoint, role HostRole) *MemServer {
	t.mu.Lock()
	defer t.mu.Unlock()

	server := &MemServer{
		endpoint: endpoint,
		role:     role,
		respond:  func(p []byte) []byte { return p },
	}
	t.servers[endpoint.Address()] = server
	return server
}

// Server returns the handle registered for the endpoint, if any.
func (t *MemTransport) Server(endpoint Endpoint) (*MemServer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	server, ok := t.servers[endpoint.Address()]
	return server, ok
}

// Connect implements Transport.
func (t *MemTransport) Connect(ctx context.Context, endpoint Endpoint) (Session, error) {
	t.mu.Lock()
	server, ok := t.servers[endpoint.Address()]
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no route to %s: %w", endpoint, ErrConnectFailed)
	}
	return server.connect(ctx)
}

// MemServer scripts one endpoint's behavior.
type MemServer struct {
	mu           sync.Mutex
	endpoint     Endpoint
	role         HostRole
	connectErr   error
	connectDelay time.Duration
	respondDelay time.Duration
	writeDelay   time.Duration
	respond      func([]byte) []byte
	connectCount int
	sessions     []*MemSession
}

// SetRole flips the server's reported role; live sessions observe it on
// their next probe.
func (s *MemServer) SetRole(role HostRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
}

// Role returns the currently scripted role.
func (s *MemServer) Role() HostRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// RefuseConnections makes subsequent connects fail with the given cause
// wrapped in ErrConnectFailed. Pass nil to accept connections again.
func (s *MemServer) RefuseConnections(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = cause
}

// RejectAuth makes subsequent connects fail with ErrAuthenticationFailed.
func (s *MemServer) RejectAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = fmt.Errorf("password rejected: %w", ErrAuthenticationFailed)
}

// SetConnectDelay stalls connection establishment, useful for exercising
// connect timeouts.
func (s *MemServer) SetConnectDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectDelay = d
}

// SetRespondDelay stalls each response read.
func (s *MemServer) SetRespondDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respondDelay = d
}

// SetWriteDelay stalls each packet write, useful for filling outbound
// queues.
func (s *MemServer) SetWriteDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDelay = d
}

// Sessions returns every session established against this server, live or
// closed, in connect order.
func (s *MemServer) Sessions() []*MemSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MemSession(nil), s.sessions...)
}

// SetResponder replaces the default echo responder.
func (s *MemServer) SetResponder(fn func([]byte) []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond = fn
}

// ConnectCount reports how many sessions were successfully established.
func (s *MemServer) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCount
}

// SeverSessions breaks every live session; blocked reads fail immediately.
func (s *MemServer) SeverSessions() {
	s.mu.Lock()
	sessions := append([]*MemSession(nil), s.sessions...)
	s.mu.Unlock()

	for _, session := range sessions {
		session.Sever()
	}
}

func (s *MemServer) connect(ctx context.Context) (Session, error) {
	s.mu.Lock()
	delay := s.connectDelay
	connectErr := s.connectErr
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if connectErr != nil {
		if errors.Is(connectErr, ErrAuthenticationFailed) {
			return nil, connectErr
		}
		return nil, fmt.Errorf("%v: %w", connectErr, ErrConnectFailed)
	}

	session := &MemSession{
		server:  s,
		pending: make(chan []byte, 4096),
		closeCh: make(chan struct{}),
	}

	s.mu.Lock()
	s.connectCount++
	s.sessions = append(s.sessions, session)
	s.mu.Unlock()

	return session, nil
}

// MemSession is a loopback Session: each written packet queues one response
// in write order, so the pipelined request/response contract holds.
type MemSession struct {
	server    *MemServer
	pending   chan []byte
	closeOnce sync.Once
	closeCh   chan struct{}
	severed   int32

	resetCount  int32
	cancelCount int32
}

// WritePacket implements Session.
func (ms *MemSession) WritePacket(p []byte) error {
	if ms.isDown() {
		return errSessionClosed
	}

	ms.server.mu.Lock()
	respond := ms.server.respond
	writeDelay := ms.server.writeDelay
	ms.server.mu.Unlock()

	if writeDelay > 0 {
		time.Sleep(writeDelay)
		if ms.isDown() {
			return errSessionClosed
		}
	}

	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case ms.pending <- respond(buf):
		return nil
	default:
		return errors.New("session pipeline overflow")
	}
}

// ReadPacket implements Session; responses come back in write order.
func (ms *MemSession) ReadPacket() ([]byte, error) {
	ms.server.mu.Lock()
	delay := ms.server.respondDelay
	ms.server.mu.Unlock()

	select {
	case <-ms.closeCh:
		return nil, errSessionClosed
	case response := <-ms.pending:
		if delay > 0 {
			time.Sleep(delay)
		}
		if ms.isDown() {
			return nil, errSessionClosed
		}
		return response, nil
	}
}

// Reset implements Session; it drops any unread responses.
func (ms *MemSession) Reset() error {
	if ms.isDown() {
		return errSessionClosed
	}

	atomic.AddInt32(&ms.resetCount, 1)
	for {
		select {
		case <-ms.pending:
		default:
			return nil
		}
	}
}

// SendCancelSignal implements Session.
func (ms *MemSession) SendCancelSignal() error {
	atomic.AddInt32(&ms.cancelCount, 1)
	return nil
}

// Close implements Session.
func (ms *MemSession) Close() error {
	ms.closeOnce.Do(func() { close(ms.closeCh) })
	return nil
}

// ServerRole implements the RoleReporter capability; it reads the server's
// current scripted role.
func (ms *MemSession) ServerRole(ctx context.Context) (HostRole, error) {
	if ms.isDown() {
		return RoleUnknown, errSessionClosed
	}
	return ms.server.Role(), nil
}

// Sever simulates an abrupt network fault on this session.
func (ms *MemSession) Sever() {
	atomic.StoreInt32(&ms.severed, 1)
	ms.closeOnce.Do(func() { close(ms.closeCh) })
}

// ResetCount reports how many times the session state was reset.
func (ms *MemSession) ResetCount() int {
	return int(atomic.LoadInt32(&ms.resetCount))
}

// CancelCount reports how many protocol cancel signals were sent.
func (ms *MemSession) CancelCount() int {
	return int(atomic.LoadInt32(&ms.cancelCount))
}

func (ms *MemSession) isDown() bool {
	if atomic.LoadInt32(&ms.severed) == 1 {
		return true
	}
	select {
	case <-ms.closeCh:
		return true
	default:
		return false
	}
}
