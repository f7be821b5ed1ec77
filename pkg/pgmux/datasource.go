package pgmux

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultMaxConnectionCount = 10

// DataSource is the facade callers open logical connections through. The
// strategy is fixed at construction: unpooled, pooled, pooled behind a
// multi-host router, or multiplexed over a single host's pool.
type DataSource struct {
	config *ClientConfig
	attrs  TargetSessionAttrs

	transport Transport
	registry  *ResolverRegistry

	endpoint Endpoint
	unpooled bool
	pool     *ConnectionPool
	router   *HostRouter
	mux      *Multiplexer

	directSeq uint64
	closed    int32

	eventHandler EventHandler
	errorHandler func(error)
}

// NewDataSource creates a DataSource from configuration.
func NewDataSource(config *ClientConfig, transport Transport) (*DataSource, error) {
	return NewDataSourceWithHandlers(config, transport, nil, nil)
}

// NewDataSourceWithHandlers creates a DataSource with an event and/or error
// handler. Incompatible option combinations are rejected here, not at open
// time.
func NewDataSourceWithHandlers(
	config *ClientConfig,
	transport Transport,
	eventHandler EventHandler,
	errorHandler func(error)) (*DataSource, error) {

	if config == nil {
		return nil, errors.New("datasource config can't be nil")
	}
	if transport == nil {
		return nil, errors.New("datasource transport can't be nil")
	}
	if len(config.Hosts) == 0 {
		return nil, errors.New("datasource host list can't be empty")
	}

	endpoints := make([]Endpoint, 0, len(config.Hosts))
	for _, entry := range config.Hosts {
		endpoint, err := ParseEndpoint(entry)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}

	attrs, err := ParseTargetSessionAttrs(config.TargetSessionAttrs)
	if err != nil {
		return nil, err
	}

	multiHost := len(endpoints) > 1
	if config.EnableMultiplexing && multiHost {
		return nil, errors.New("multiplexing can't be combined with a multi-host setup")
	}
	if config.EnableMultiplexing && config.DisablePooling {
		return nil, errors.New("multiplexing requires pooling")
	}
	if config.DisablePooling && multiHost {
		return nil, errors.New("multi-host routing requires pooling")
	}

	// Defaults are filled into a copy; the caller keeps ownership of the
	// config it passed in.
	poolConfig := &PoolConfig{MaxConnectionCount: defaultMaxConnectionCount}
	if config.PoolConfig != nil {
		copied := *config.PoolConfig
		poolConfig = &copied
	}
	if poolConfig.ApplicationName == "" {
		poolConfig.ApplicationName = config.ApplicationName
	}

	ds := &DataSource{
		config:       config,
		attrs:        attrs,
		transport:    transport,
		registry:     NewResolverRegistry(),
		endpoint:     endpoints[0],
		eventHandler: eventHandler,
		errorHandler: errorHandler,
	}

	switch {
	case config.DisablePooling:
		ds.unpooled = true

	case multiHost:
		router, err := NewHostRouter(endpoints, attrs, poolConfig, config.RouterConfig, transport, ds.registry, eventHandler, errorHandler)
		if err != nil {
			return nil, err
		}
		ds.router = router

	default:
		pool, err := NewConnectionPoolWithHandlers(endpoints[0], poolConfig, transport, eventHandler, errorHandler)
		if err != nil {
			return nil, err
		}
		ds.pool = pool

		if config.EnableMultiplexing {
			ds.mux = NewMultiplexer(config.MultiplexerConfig, pool, errorHandler)
		}
	}

	return ds, nil
}

// Resolvers exposes the role resolver registry so embedders can install
// their own resolvers ahead of the defaults.
func (ds *DataSource) Resolvers() *ResolverRegistry {
	return ds.registry
}

// OpenConnection returns a logical connection under the construction-time
// strategy, honoring the caller's context for acquisition.
func (ds *DataSource) OpenConnection(ctx context.Context) (*LogicalConnection, error) {
	if ds.isClosed() {
		return nil, ErrDataSourceClosed
	}

	switch {
	case ds.unpooled:
		conn, err := ds.openDirect(ctx)
		if err != nil {
			return nil, err
		}
		return &LogicalConnection{
			ID:   uuid.New(),
			conn: conn,
			release: func(c *PhysicalConnection) {
				c.Close()
				ds.emit(EventConnectionClosed, c, nil)
			},
		}, nil

	case ds.mux != nil:
		return &LogicalConnection{ID: uuid.New(), mux: ds.mux}, nil

	case ds.router != nil:
		conn, pool, err := ds.router.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &LogicalConnection{ID: uuid.New(), conn: conn, release: pool.Release}, nil

	default:
		conn, err := ds.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &LogicalConnection{ID: uuid.New(), conn: conn, release: ds.pool.Release}, nil
	}
}

// openDirect establishes a fresh physical connection outside any pool; it is
// destroyed when the logical connection closes.
func (ds *DataSource) openDirect(ctx context.Context) (*PhysicalConnection, error) {
	var timeout time.Duration
	if ds.config.PoolConfig != nil {
		timeout = time.Duration(ds.config.PoolConfig.ConnectionTimeout) * time.Second
	}

	id := atomic.AddUint64(&ds.directSeq, 1)
	name := ds.config.ApplicationName + "-direct-" + strconv.FormatUint(id, 10)

	conn := newPhysicalConnection(id, name, ds.endpoint, ds.transport, 0)
	if err := conn.Open(ctx, timeout); err != nil {
		return nil, err
	}
	conn.setState(StateBusy)

	ds.emit(EventConnectionOpened, conn, nil)
	ds.emit(EventAcquired, conn, nil)
	return conn, nil
}

// Clear invalidates pooled connections: idle ones die now, busy ones die as
// they are released. In multiplexed mode pending commands on live links fail
// with ErrConnectionBroken.
func (ds *DataSource) Clear() {
	switch {
	case ds.mux != nil:
		ds.mux.Clear()
	case ds.router != nil:
		ds.router.Clear()
	case ds.pool != nil:
		ds.pool.Clear()
	}
}

// Stats returns pool snapshots keyed by endpoint address. Unpooled data
// sources have no pools and return an empty map.
func (ds *DataSource) Stats() map[string]PoolStats {
	switch {
	case ds.router != nil:
		return ds.router.Stats()
	case ds.pool != nil:
		return map[string]PoolStats{ds.pool.Endpoint().Address(): ds.pool.Stats()}
	default:
		return map[string]PoolStats{}
	}
}

// Shutdown closes all owned pools. Outstanding waiters and multiplexed
// commands fail; subsequent use of the facade fails fast with
// ErrDataSourceClosed.
func (ds *DataSource) Shutdown() {
	if !atomic.CompareAndSwapInt32(&ds.closed, 0, 1) {
		return
	}

	switch {
	case ds.mux != nil:
		ds.mux.Shutdown()
		ds.pool.Shutdown()
	case ds.router != nil:
		ds.router.Shutdown()
	case ds.pool != nil:
		ds.pool.Shutdown()
	}
}

func (ds *DataSource) isClosed() bool {
	return atomic.LoadInt32(&ds.closed) == 1
}

func (ds *DataSource) emit(kind EventKind, conn *PhysicalConnection, err error) {
	if ds.eventHandler == nil {
		return
	}
	ds.eventHandler(Event{
		Kind:         kind,
		ConnectionID: conn.ID,
		Endpoint:     conn.Endpoint,
		Err:          err,
		OccurredAt:   time.Now().UTC(),
	})
}
