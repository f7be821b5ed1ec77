package pgmux

// PoolStats is a point-in-time snapshot of one pool's counters. TotalCount
// includes connections still being established; CreatedCount is cumulative
// over the pool's lifetime.
type PoolStats struct {
	IdleCount    int
	BusyCount    int
	TotalCount   int
	CreatedCount uint64
}
