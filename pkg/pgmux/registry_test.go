package pgmux_test

import (
	"context"
	"errors"
	"testing"

	"github.com/pgmux/pgmux/pkg/pgmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	name string
	role pgmux.HostRole
	ok   bool
	err  error

	calls int
}

func (s *stubResolver) Name() string { return s.name }

func (s *stubResolver) ResolveRole(_ context.Context, _ pgmux.Session) (pgmux.HostRole, bool, error) {
	s.calls++
	return s.role, s.ok, s.err
}

func TestRegistryResolvesThroughSessionReporter(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	session, err := transport.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	defer session.Close()

	registry := pgmux.NewResolverRegistry()

	role, err := registry.Resolve(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, pgmux.RolePrimary, role)
}

func TestRegistryNewestRegistrationWins(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	session, err := transport.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	defer session.Close()

	registry := pgmux.NewResolverRegistry()
	override := &stubResolver{name: "override", role: pgmux.RoleStandby, ok: true}
	registry.Register(override)

	// The override sits in front of the preloaded reporter resolver even
	// though the session could report its own role.
	role, err := registry.Resolve(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, pgmux.RoleStandby, role)
	assert.Equal(t, 1, override.calls)
}

func TestRegistrySameNameReplacesPriorEntry(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	session, err := transport.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	defer session.Close()

	registry := pgmux.NewResolverRegistry()
	stale := &stubResolver{name: "custom", role: pgmux.RolePrimary, ok: true}
	registry.Register(stale)

	replacement := &stubResolver{name: "custom", role: pgmux.RoleStandby, ok: true}
	registry.Register(replacement)

	role, err := registry.Resolve(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, pgmux.RoleStandby, role)
	assert.Equal(t, 0, stale.calls)
}

func TestRegistrySkipsResolversThatDecline(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	session, err := transport.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	defer session.Close()

	registry := pgmux.NewResolverRegistry()
	declining := &stubResolver{name: "declines-everything", ok: false}
	registry.Register(declining)

	// The declining resolver is consulted first but resolution falls through
	// to the session reporter.
	role, err := registry.Resolve(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, pgmux.RolePrimary, role)
	assert.Equal(t, 1, declining.calls)
}

func TestRegistryPropagatesResolverError(t *testing.T) {
	transport, endpoint, _ := newTestBackend()

	session, err := transport.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	defer session.Close()

	registry := pgmux.NewResolverRegistry()
	failure := errors.New("role query failed")
	registry.Register(&stubResolver{name: "failing", ok: true, err: failure})

	_, err = registry.Resolve(context.Background(), session)
	assert.ErrorIs(t, err, failure)
}
