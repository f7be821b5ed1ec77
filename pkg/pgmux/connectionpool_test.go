package pgmux_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pgmux/pgmux/pkg/pgmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConnectionPoolWithZeroMaxConnections(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	pool, err := pgmux.NewConnectionPool(endpoint, &pgmux.PoolConfig{}, transport)
	assert.Nil(t, pool)
	assert.Error(t, err)
}

func TestCreateConnectionPoolWithMinAboveMax(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	pool, err := pgmux.NewConnectionPool(endpoint, &pgmux.PoolConfig{MinConnectionCount: 3, MaxConnectionCount: 2}, transport)
	assert.Nil(t, pool)
	assert.Error(t, err)
}

func TestCreateConnectionPoolWarmsUpMinConnections(t *testing.T) {
	transport, endpoint, server := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MinConnectionCount: 2, MaxConnectionCount: 4})
	defer pool.Shutdown()

	stats := pool.Stats()
	assert.Equal(t, 2, stats.IdleCount)
	assert.Equal(t, 2, stats.TotalCount)
	assert.Equal(t, 2, server.ConnectCount())
}

func TestAcquireAndReleaseLoop(t *testing.T) {
	transport, endpoint, server := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 1})
	defer pool.Shutdown()

	for i := 0; i < 1000; i++ {
		conn, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		pool.Release(conn)
	}

	assert.Equal(t, 1, server.ConnectCount())
}

func TestPoolNeverExceedsMaxUnderConcurrency(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 2})
	defer pool.Shutdown()

	var held, peak int64
	wg := &sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			conn, err := pool.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}

			current := atomic.AddInt64(&held, 1)
			for {
				observed := atomic.LoadInt64(&peak)
				if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
					break
				}
			}

			time.Sleep(time.Millisecond * 5)
			atomic.AddInt64(&held, -1)
			pool.Release(conn)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	assert.LessOrEqual(t, pool.Stats().TotalCount, 2)
}

func TestWaitersServedInFIFOOrder(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 1})
	defer pool.Shutdown()

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	wg := &sync.WaitGroup{}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			conn, err := pool.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			pool.Release(conn)
		}(i)
		time.Sleep(time.Millisecond * 50) // fix arrival order in the waiter queue
	}

	pool.Release(holder)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAcquireTimeoutWhenPoolExhausted(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 1, AcquireTimeout: 50})
	defer pool.Shutdown()

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(holder)

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, pgmux.ErrPoolTimeout)
}

func TestCancelledAcquireLeavesCountersAlone(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 1})
	defer pool.Shutdown()

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	created := pool.Stats().CreatedCount

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Millisecond * 30)
		cancel()
	}()

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, pgmux.ErrAcquireCancelled)
	assert.Equal(t, created, pool.Stats().CreatedCount)

	pool.Release(holder)
}

func TestClearDestroysPreClearConnections(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 2})
	defer pool.Shutdown()

	idleBefore, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	busyAcross, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Release(idleBefore) // idle at Clear time, destroyed immediately
	pool.Clear()

	assert.Equal(t, 0, pool.Stats().IdleCount)

	next, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, idleBefore.ID, next.ID)

	// Busy across the Clear: destroyed lazily at release, never reused.
	pool.Release(busyAcross)
	assert.Equal(t, 0, pool.Stats().IdleCount)

	after, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, busyAcross.ID, after.ID)

	pool.Release(next)
	pool.Release(after)
}

func TestBrokenConnectionNeverReused(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 1})
	defer pool.Shutdown()

	conn, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	conn.MarkBroken(errors.New("simulated io fault"))
	pool.Release(conn)

	assert.Equal(t, 0, pool.Stats().IdleCount)

	replacement, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, conn.ID, replacement.ID)
	assert.Equal(t, pgmux.StateBusy, replacement.State())

	pool.Release(replacement)
}

func TestConnectFailurePropagatesToAcquirer(t *testing.T) {
	transport, endpoint, server := newTestBackend()
	server.RefuseConnections(errors.New("connection refused"))

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 2})
	defer pool.Shutdown()

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, pgmux.ErrConnectFailed)
}

func TestAuthFailurePropagatesToAcquirer(t *testing.T) {
	transport, endpoint, server := newTestBackend()
	server.RejectAuth()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 2})
	defer pool.Shutdown()

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, pgmux.ErrAuthenticationFailed)
}

func TestConnectTimeoutPropagatesToAcquirer(t *testing.T) {
	transport, endpoint, server := newTestBackend()
	server.SetConnectDelay(time.Millisecond * 1500)

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 2, ConnectionTimeout: 1})
	defer pool.Shutdown()

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, pgmux.ErrConnectTimeout)
}

func TestResetFailureDestroysConnection(t *testing.T) {
	transport, endpoint, server := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 1})
	defer pool.Shutdown()

	conn, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// Severing the session makes the pre-idle reset fail, so the connection
	// must be destroyed instead of parked.
	server.SeverSessions()
	pool.Release(conn)

	assert.Equal(t, 0, pool.Stats().IdleCount)
	assert.Equal(t, 0, pool.Stats().TotalCount)
}

func TestReaperPrunesIdleConnectionsPastLifetime(t *testing.T) {
	defer leaktest.Check(t)()

	transport, endpoint, _ := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{
		MaxConnectionCount:     5,
		ConnectionIdleLifetime: 1,
		PruningInterval:        1,
	})

	var conns []*pgmux.PhysicalConnection
	for i := 0; i < 3; i++ {
		conn, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		pool.Release(conn)
	}
	require.Equal(t, 3, pool.Stats().IdleCount)

	assert.Eventually(t, func() bool {
		return pool.Stats().TotalCount == 0
	}, time.Second*5, time.Millisecond*100)

	pool.Shutdown()
}

func TestShutdownFailsQueuedWaiters(t *testing.T) {
	defer leaktest.Check(t)()

	transport, endpoint, _ := newTestBackend()

	pool := newTestPool(t, transport, endpoint, &pgmux.PoolConfig{MaxConnectionCount: 1, PruningInterval: 1})

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		waiterErr <- err
	}()

	time.Sleep(time.Millisecond * 100)
	pool.Shutdown()

	assert.ErrorIs(t, <-waiterErr, pgmux.ErrPoolClosed)

	// Busy at shutdown time: destroyed on release.
	pool.Release(holder)

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, pgmux.ErrPoolClosed)
}
