package pgmux_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pgmux/pgmux/pkg/pgmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, transport *pgmux.MemTransport, hosts []pgmux.Endpoint, attrs pgmux.TargetSessionAttrs) *pgmux.HostRouter {
	t.Helper()

	router, err := pgmux.NewHostRouter(
		hosts,
		attrs,
		&pgmux.PoolConfig{MaxConnectionCount: 2},
		nil,
		transport,
		nil,
		nil,
		nil)
	require.NoError(t, err)
	return router
}

func TestRouterSelectsPrimaryAndCachesStandbyRole(t *testing.T) {
	transport := pgmux.NewMemTransport()
	h1 := testEndpoint("h1")
	h2 := testEndpoint("h2")
	transport.AddServer(h1, pgmux.RoleStandby)
	transport.AddServer(h2, pgmux.RolePrimary)

	router := newTestRouter(t, transport, []pgmux.Endpoint{h1, h2}, pgmux.TargetPrimary)
	defer router.Shutdown()

	conn, pool, err := router.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h2, conn.Endpoint)

	status, ok := router.Status(h1)
	require.True(t, ok)
	assert.Equal(t, pgmux.RoleStandby, status.Role)
	assert.True(t, status.Reachable)

	pool.Release(conn)
}

func TestRouterFailsWhenNoHostMatchesExactPolicy(t *testing.T) {
	transport := pgmux.NewMemTransport()
	h1 := testEndpoint("h1")
	h2 := testEndpoint("h2")
	transport.AddServer(h1, pgmux.RoleStandby)
	transport.AddServer(h2, pgmux.RoleStandby)

	router := newTestRouter(t, transport, []pgmux.Endpoint{h1, h2}, pgmux.TargetReadWrite)
	defer router.Shutdown()

	_, _, err := router.Acquire(context.Background())
	assert.ErrorIs(t, err, pgmux.ErrNoSuitableHost)

	// Probe connections were released back, not leaked.
	for host, stats := range router.Stats() {
		assert.Equal(t, 0, stats.BusyCount, "host %s", host)
	}
}

func TestRouterPreferStandbyFallsBackToPrimary(t *testing.T) {
	transport := pgmux.NewMemTransport()
	h1 := testEndpoint("h1")
	transport.AddServer(h1, pgmux.RolePrimary)

	router := newTestRouter(t, transport, []pgmux.Endpoint{h1}, pgmux.TargetPreferStandby)
	defer router.Shutdown()

	// No standby anywhere: prefer-standby accepts the mismatch.
	conn, pool, err := router.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h1, conn.Endpoint)
	pool.Release(conn)
}

func TestRouterPreferStandbyPicksStandbyWhenPresent(t *testing.T) {
	transport := pgmux.NewMemTransport()
	h1 := testEndpoint("h1")
	h2 := testEndpoint("h2")
	transport.AddServer(h1, pgmux.RolePrimary)
	transport.AddServer(h2, pgmux.RoleStandby)

	router := newTestRouter(t, transport, []pgmux.Endpoint{h1, h2}, pgmux.TargetPreferStandby)
	defer router.Shutdown()

	conn, pool, err := router.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h2, conn.Endpoint)
	pool.Release(conn)
}

func TestRouterSkipsDownHostAndCachesFailure(t *testing.T) {
	transport := pgmux.NewMemTransport()
	h1 := testEndpoint("h1")
	h2 := testEndpoint("h2")
	transport.AddServer(h1, pgmux.RolePrimary).RefuseConnections(errors.New("connection refused"))
	transport.AddServer(h2, pgmux.RolePrimary)

	router := newTestRouter(t, transport, []pgmux.Endpoint{h1, h2}, pgmux.TargetAny)
	defer router.Shutdown()

	conn, pool, err := router.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h2, conn.Endpoint)
	pool.Release(conn)

	status, ok := router.Status(h1)
	require.True(t, ok)
	assert.False(t, status.Reachable)

	// The Down cache skips h1 without another connect attempt.
	conn, pool, err = router.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h2, conn.Endpoint)
	pool.Release(conn)
}

func TestRouterExhaustsAllHosts(t *testing.T) {
	transport := pgmux.NewMemTransport()
	h1 := testEndpoint("h1")
	h2 := testEndpoint("h2")
	transport.AddServer(h1, pgmux.RolePrimary).RefuseConnections(errors.New("connection refused"))
	transport.AddServer(h2, pgmux.RolePrimary).RefuseConnections(errors.New("connection refused"))

	router := newTestRouter(t, transport, []pgmux.Endpoint{h1, h2}, pgmux.TargetAny)
	defer router.Shutdown()

	_, _, err := router.Acquire(context.Background())
	assert.ErrorIs(t, err, pgmux.ErrNoSuitableHost)
}

func TestRouterTrustsFreshRoleCache(t *testing.T) {
	transport := pgmux.NewMemTransport()
	h1 := testEndpoint("h1")
	server := transport.AddServer(h1, pgmux.RolePrimary)

	router := newTestRouter(t, transport, []pgmux.Endpoint{h1}, pgmux.TargetPrimary)
	defer router.Shutdown()

	conn, pool, err := router.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(conn)

	// The cached role stays trusted inside its validity window even though
	// the live role changed underneath.
	server.SetRole(pgmux.RoleStandby)

	conn, pool, err = router.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h1, conn.Endpoint)
	pool.Release(conn)
}

func TestCancelledProbeTriggerDoesNotFailCollapsedCallers(t *testing.T) {
	transport := pgmux.NewMemTransport()
	h1 := testEndpoint("h1")
	server := transport.AddServer(h1, pgmux.RolePrimary)
	server.SetConnectDelay(time.Millisecond * 200)

	router := newTestRouter(t, transport, []pgmux.Endpoint{h1}, pgmux.TargetPrimary)
	defer router.Shutdown()

	ctx1, cancel1 := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		conn, pool, err := router.Acquire(ctx1)
		if err == nil {
			pool.Release(conn)
		}
	}()

	// The first caller triggers the probe; the second collapses onto it.
	time.Sleep(time.Millisecond * 50)
	secondErr := make(chan error, 1)
	go func() {
		conn, pool, err := router.Acquire(context.Background())
		if err == nil {
			pool.Release(conn)
		}
		secondErr <- err
	}()

	// Cancelling the caller that happened to trigger the probe must not fail
	// the probe for everyone collapsed onto it.
	time.Sleep(time.Millisecond * 50)
	cancel1()

	assert.NoError(t, <-secondErr)
	<-firstDone
}

func TestParseTargetSessionAttrs(t *testing.T) {
	cases := []struct {
		value    string
		expected pgmux.TargetSessionAttrs
		valid    bool
	}{
		{"", pgmux.TargetAny, true},
		{"any", pgmux.TargetAny, true},
		{"primary", pgmux.TargetPrimary, true},
		{"Standby", pgmux.TargetStandby, true},
		{"prefer-primary", pgmux.TargetPreferPrimary, true},
		{"prefer-standby", pgmux.TargetPreferStandby, true},
		{"read-write", pgmux.TargetReadWrite, true},
		{"read-only", pgmux.TargetReadOnly, true},
		{"leader", pgmux.TargetAny, false},
	}

	for _, tc := range cases {
		attrs, err := pgmux.ParseTargetSessionAttrs(tc.value)
		if tc.valid {
			assert.NoError(t, err, tc.value)
			assert.Equal(t, tc.expected, attrs, tc.value)
		} else {
			assert.Error(t, err, tc.value)
		}
	}
}
