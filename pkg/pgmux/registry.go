package pgmux

import (
	"context"
	"fmt"
	"sync"
)

// RoleResolver determines a host's role from a live session. Resolvers are
// capability-based: a resolver that cannot work with the given session
// reports ok=false and the registry moves on to the next one.
type RoleResolver interface {
	Name() string
	ResolveRole(ctx context.Context, session Session) (role HostRole, ok bool, err error)
}

// ResolverRegistry is an ordered collection of role resolvers. Registering a
// resolver removes any prior entry with the same name and inserts the new
// one at the front, so the newest registration wins; resolution walks the
// order and the first resolver that accepts the session decides.
type ResolverRegistry struct {
	mu      sync.RWMutex
	entries []RoleResolver
}

// NewResolverRegistry creates a registry preloaded with the session-report
// resolver.
func NewResolverRegistry() *ResolverRegistry {
	rr := &ResolverRegistry{}
	rr.Register(reporterResolver{})
	return rr
}

// Register inserts the resolver at the front, replacing any prior entry
// registered under the same name.
func (rr *ResolverRegistry) Register(resolver RoleResolver) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	kept := rr.entries[:0]
	for _, entry := range rr.entries {
		if entry.Name() != resolver.Name() {
			kept = append(kept, entry)
		}
	}
	rr.entries = append([]RoleResolver{resolver}, kept...)
}

// Resolve walks the registered resolvers in order and returns the first
// successful role determination.
func (rr *ResolverRegistry) Resolve(ctx context.Context, session Session) (HostRole, error) {
	rr.mu.RLock()
	entries := append([]RoleResolver(nil), rr.entries...)
	rr.mu.RUnlock()

	for _, resolver := range entries {
		role, ok, err := resolver.ResolveRole(ctx, session)
		if err != nil {
			return RoleUnknown, fmt.Errorf("resolver %s: %w", resolver.Name(), err)
		}
		if ok {
			return role, nil
		}
	}
	return RoleUnknown, fmt.Errorf("no registered resolver could determine the session role")
}

// reporterResolver handles sessions that implement the RoleReporter
// capability.
type reporterResolver struct{}

func (reporterResolver) Name() string { return "session-role-reporter" }

func (reporterResolver) ResolveRole(ctx context.Context, session Session) (HostRole, bool, error) {
	reporter, ok := session.(RoleReporter)
	if !ok {
		return RoleUnknown, false, nil
	}

	role, err := reporter.ServerRole(ctx)
	if err != nil {
		return RoleUnknown, true, err
	}
	return role, true, nil
}
