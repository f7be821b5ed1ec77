package pgmux_test

import (
	"testing"

	"github.com/pgmux/pgmux/pkg/pgmux"
	"github.com/stretchr/testify/require"
)

func testEndpoint(host string) pgmux.Endpoint {
	return pgmux.Endpoint{Host: host, Port: pgmux.DefaultPort}
}

// newTestBackend registers one primary server and returns the transport,
// its endpoint and the server handle.
func newTestBackend() (*pgmux.MemTransport, pgmux.Endpoint, *pgmux.MemServer) {
	transport := pgmux.NewMemTransport()
	endpoint := testEndpoint("pg1")
	server := transport.AddServer(endpoint, pgmux.RolePrimary)
	return transport, endpoint, server
}

func newTestPool(t *testing.T, transport *pgmux.MemTransport, endpoint pgmux.Endpoint, config *pgmux.PoolConfig) *pgmux.ConnectionPool {
	t.Helper()

	pool, err := pgmux.NewConnectionPool(endpoint, config, transport)
	require.NoError(t, err)
	return pool
}
