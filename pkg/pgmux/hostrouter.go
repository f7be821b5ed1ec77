package pgmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"golang.org/x/sync/singleflight"
)

// HostRole is a host's current designation in a replicated topology.
type HostRole int32

const (
	// RoleUnknown means the role has not been determined yet.
	RoleUnknown HostRole = iota

	// RolePrimary accepts writes.
	RolePrimary

	// RoleStandby serves reads from replication.
	RoleStandby
)

func (r HostRole) String() string {
	switch r {
	case RolePrimary:
		return "Primary"
	case RoleStandby:
		return "Standby"
	default:
		return "Unknown"
	}
}

// TargetSessionAttrs is the requested session-role policy for multi-host
// routing.
type TargetSessionAttrs string

const (
	TargetAny           TargetSessionAttrs = "any"
	TargetPrimary       TargetSessionAttrs = "primary"
	TargetStandby       TargetSessionAttrs = "standby"
	TargetPreferPrimary TargetSessionAttrs = "prefer-primary"
	TargetPreferStandby TargetSessionAttrs = "prefer-standby"
	TargetReadWrite     TargetSessionAttrs = "read-write"
	TargetReadOnly      TargetSessionAttrs = "read-only"
)

// ParseTargetSessionAttrs validates a configured policy string. An empty
// string means any.
func ParseTargetSessionAttrs(value string) (TargetSessionAttrs, error) {
	attrs := TargetSessionAttrs(strings.ToLower(strings.TrimSpace(value)))
	switch attrs {
	case "":
		return TargetAny, nil
	case TargetAny, TargetPrimary, TargetStandby, TargetPreferPrimary, TargetPreferStandby, TargetReadWrite, TargetReadOnly:
		return attrs, nil
	default:
		return TargetAny, fmt.Errorf("unrecognized target session attributes %q", value)
	}
}

// requiredRole maps the policy onto the role an exact pass must find.
func (t TargetSessionAttrs) requiredRole() HostRole {
	switch t {
	case TargetPrimary, TargetReadWrite, TargetPreferPrimary:
		return RolePrimary
	case TargetStandby, TargetReadOnly, TargetPreferStandby:
		return RoleStandby
	default:
		return RoleUnknown
	}
}

// preferred policies accept a role mismatch, but only after the whole list
// failed to produce an exact match.
func (t TargetSessionAttrs) preferred() bool {
	return t == TargetPreferPrimary || t == TargetPreferStandby
}

// HostStatus is the cached outcome of the last probe of one host. Entries
// are refreshed in place and ignored once their validity window passes.
type HostStatus struct {
	Endpoint  Endpoint
	Role      HostRole
	Reachable bool
	CheckedAt time.Time

	expiresAt time.Time
}

func (hs *HostStatus) fresh() bool {
	return time.Now().Before(hs.expiresAt)
}

// HostRouter evaluates an ordered host list against a session-role policy,
// keeping one ConnectionPool per host and a role/reachability cache.
// Confirmed roles are trusted for RoleCacheTTL without re-probing; hosts
// that failed to connect are skipped for DownCacheTTL so a slow-failing
// host is not retried on every acquisition.
type HostRouter struct {
	hosts    []Endpoint
	attrs    TargetSessionAttrs
	registry *ResolverRegistry

	transport  Transport
	poolConfig PoolConfig

	pools  cmap.ConcurrentMap // endpoint address -> *ConnectionPool
	status cmap.ConcurrentMap // endpoint address -> *HostStatus
	probes singleflight.Group
	poolMu sync.Mutex

	roleTTL time.Duration
	downTTL time.Duration

	eventHandler EventHandler
	errorHandler func(error)
}

// NewHostRouter creates a router over the ordered host list. Pools are
// created lazily per host on first use.
func NewHostRouter(
	hosts []Endpoint,
	attrs TargetSessionAttrs,
	poolConfig *PoolConfig,
	routerConfig *RouterConfig,
	transport Transport,
	registry *ResolverRegistry,
	eventHandler EventHandler,
	errorHandler func(error)) (*HostRouter, error) {

	if len(hosts) == 0 {
		return nil, errors.New("hostrouter host list can't be empty")
	}
	if poolConfig == nil || poolConfig.MaxConnectionCount == 0 {
		return nil, errors.New("hostrouter pool maxconnectioncount can't be 0")
	}
	if registry == nil {
		registry = NewResolverRegistry()
	}

	rc := routerConfig.withDefaults()

	return &HostRouter{
		hosts:        hosts,
		attrs:        attrs,
		registry:     registry,
		transport:    transport,
		poolConfig:   *poolConfig,
		pools:        cmap.New(),
		status:       cmap.New(),
		roleTTL:      time.Duration(rc.RoleCacheTTL) * time.Second,
		downTTL:      time.Duration(rc.DownCacheTTL) * time.Second,
		eventHandler: eventHandler,
		errorHandler: errorHandler,
	}, nil
}

// Acquire walks the host list under the configured policy and returns a
// connection from the first acceptable host, together with the pool it must
// be released to.
func (hr *HostRouter) Acquire(ctx context.Context) (*PhysicalConnection, *ConnectionPool, error) {
	required := hr.attrs.requiredRole()

	if required == RoleUnknown {
		return hr.acquireAnyReachable(ctx, false)
	}

	// Exact pass: role caches are trusted while fresh, stale entries force a
	// re-probe before the host can be used for routing.
	for _, endpoint := range hr.hosts {
		status, err := hr.statusFor(ctx, endpoint)
		if err != nil {
			if isAcquireInterrupt(err) {
				return nil, nil, err
			}
			hr.handleError(err)
			continue
		}
		if !status.Reachable || status.Role != required {
			continue
		}

		conn, pool, err := hr.acquireFrom(ctx, endpoint)
		if err != nil {
			if isAcquireInterrupt(err) {
				return nil, nil, err
			}
			hr.markDown(endpoint, err)
			continue
		}
		return conn, pool, nil
	}

	if hr.attrs.preferred() {
		return hr.acquireAnyReachable(ctx, true)
	}

	return nil, nil, fmt.Errorf("no host matched policy %q: %w", hr.attrs, ErrNoSuitableHost)
}

// acquireAnyReachable connects to the first host that accepts, ignoring
// roles. Used for the any policy and as the fallback pass of prefer-*.
func (hr *HostRouter) acquireAnyReachable(ctx context.Context, fallback bool) (*PhysicalConnection, *ConnectionPool, error) {
	for _, endpoint := range hr.hosts {
		if status := hr.cachedStatus(endpoint); status != nil && !status.Reachable {
			continue
		}

		conn, pool, err := hr.acquireFrom(ctx, endpoint)
		if err != nil {
			if isAcquireInterrupt(err) {
				return nil, nil, err
			}
			hr.markDown(endpoint, err)
			continue
		}
		return conn, pool, nil
	}

	if fallback {
		return nil, nil, fmt.Errorf("no fallback host reachable for policy %q: %w", hr.attrs, ErrNoSuitableHost)
	}
	return nil, nil, fmt.Errorf("all hosts unreachable: %w", ErrNoSuitableHost)
}

func (hr *HostRouter) acquireFrom(ctx context.Context, endpoint Endpoint) (*PhysicalConnection, *ConnectionPool, error) {
	pool, err := hr.poolFor(endpoint)
	if err != nil {
		return nil, nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, pool, nil
}

// statusFor returns a fresh status for the host, probing when the cache has
// expired. Concurrent probes of the same host collapse into one.
func (hr *HostRouter) statusFor(ctx context.Context, endpoint Endpoint) (*HostStatus, error) {
	if status := hr.cachedStatus(endpoint); status != nil {
		return status, nil
	}

	// Collapsed callers share one probe, so it must not die with whichever
	// caller happened to trigger it.
	v, err, _ := hr.probes.Do(endpoint.Address(), func() (interface{}, error) {
		return hr.probe(context.WithoutCancel(ctx), endpoint)
	})
	if err != nil {
		return nil, err
	}
	return v.(*HostStatus), nil
}

// probe acquires a connection, resolves the live role through the resolver
// registry and refreshes the cache. Connect failures mark the host Down
// under the short validity window instead of failing the probe.
func (hr *HostRouter) probe(ctx context.Context, endpoint Endpoint) (*HostStatus, error) {
	conn, pool, err := hr.acquireFrom(ctx, endpoint)
	if err != nil {
		if isAcquireInterrupt(err) {
			return nil, err
		}
		return hr.markDown(endpoint, err), nil
	}

	role, err := hr.registry.Resolve(ctx, conn.Session)
	if err != nil {
		conn.MarkBroken(err)
		pool.Release(conn)
		return hr.markDown(endpoint, err), nil
	}
	pool.Release(conn)

	now := time.Now()
	status := &HostStatus{
		Endpoint:  endpoint,
		Role:      role,
		Reachable: true,
		CheckedAt: now,
		expiresAt: now.Add(hr.roleTTL),
	}
	hr.status.Set(endpoint.Address(), status)
	return status, nil
}

func (hr *HostRouter) markDown(endpoint Endpoint, cause error) *HostStatus {
	hr.handleError(cause)

	now := time.Now()
	status := &HostStatus{
		Endpoint:  endpoint,
		Role:      RoleUnknown,
		Reachable: false,
		CheckedAt: now,
		expiresAt: now.Add(hr.downTTL),
	}
	hr.status.Set(endpoint.Address(), status)
	return status
}

// cachedStatus returns the host's entry only while its validity window
// holds.
func (hr *HostRouter) cachedStatus(endpoint Endpoint) *HostStatus {
	v, ok := hr.status.Get(endpoint.Address())
	if !ok {
		return nil
	}
	status := v.(*HostStatus)
	if !status.fresh() {
		return nil
	}
	return status
}

// Status reports the last observed status for a host, fresh or not.
func (hr *HostRouter) Status(endpoint Endpoint) (*HostStatus, bool) {
	v, ok := hr.status.Get(endpoint.Address())
	if !ok {
		return nil, false
	}
	return v.(*HostStatus), true
}

func (hr *HostRouter) poolFor(endpoint Endpoint) (*ConnectionPool, error) {
	if v, ok := hr.pools.Get(endpoint.Address()); ok {
		return v.(*ConnectionPool), nil
	}

	hr.poolMu.Lock()
	defer hr.poolMu.Unlock()

	if v, ok := hr.pools.Get(endpoint.Address()); ok {
		return v.(*ConnectionPool), nil
	}

	pool, err := NewConnectionPoolWithHandlers(endpoint, &hr.poolConfig, hr.transport, hr.eventHandler, hr.errorHandler)
	if err != nil {
		return nil, err
	}

	hr.pools.Set(endpoint.Address(), pool)
	return pool, nil
}

// Clear bumps the generation of every pool the router has created.
func (hr *HostRouter) Clear() {
	for tuple := range hr.pools.IterBuffered() {
		tuple.Val.(*ConnectionPool).Clear()
	}
}

// Shutdown closes every pool the router has created.
func (hr *HostRouter) Shutdown() {
	for tuple := range hr.pools.IterBuffered() {
		tuple.Val.(*ConnectionPool).Shutdown()
	}
}

// Stats returns per-host pool snapshots keyed by endpoint address.
func (hr *HostRouter) Stats() map[string]PoolStats {
	stats := make(map[string]PoolStats, hr.pools.Count())
	for tuple := range hr.pools.IterBuffered() {
		stats[tuple.Key] = tuple.Val.(*ConnectionPool).Stats()
	}
	return stats
}

func (hr *HostRouter) handleError(err error) {
	if hr.errorHandler != nil {
		hr.errorHandler(err)
	}
}

// isAcquireInterrupt separates caller-driven interruptions, which must
// propagate immediately, from host failures, which move routing along to
// the next candidate.
func isAcquireInterrupt(err error) bool {
	return errors.Is(err, ErrAcquireCancelled) ||
		errors.Is(err, ErrPoolTimeout) ||
		errors.Is(err, ErrPoolClosed) ||
		errors.Is(err, ErrDataSourceClosed)
}
