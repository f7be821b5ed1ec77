package pgmux

// ClientConfig represents the configuration values for a DataSource.
type ClientConfig struct {
	ApplicationName    string             `json:"ApplicationName" yaml:"ApplicationName"`
	Hosts              []string           `json:"Hosts" yaml:"Hosts"`                           // ordered candidate endpoints
	TargetSessionAttrs string             `json:"TargetSessionAttrs" yaml:"TargetSessionAttrs"` // routing policy for multi-host setups
	DisablePooling     bool               `json:"DisablePooling" yaml:"DisablePooling"`         // open a fresh connection per logical connection
	EnableMultiplexing bool               `json:"EnableMultiplexing" yaml:"EnableMultiplexing"` // incompatible with multi-host setups
	PoolConfig         *PoolConfig        `json:"PoolConfig" yaml:"PoolConfig"`
	MultiplexerConfig  *MultiplexerConfig `json:"MultiplexerConfig" yaml:"MultiplexerConfig"`
	RouterConfig       *RouterConfig      `json:"RouterConfig" yaml:"RouterConfig"`
}

// PoolConfig represents settings for creating/configuring connection pools.
type PoolConfig struct {
	ApplicationName        string `json:"ApplicationName" yaml:"ApplicationName"`               // prefix for connection names
	MinConnectionCount     uint64 `json:"MinConnectionCount" yaml:"MinConnectionCount"`         // floor kept open by the reaper
	MaxConnectionCount     uint64 `json:"MaxConnectionCount" yaml:"MaxConnectionCount"`         // hard cap on live connections
	ConnectionTimeout      uint32 `json:"ConnectionTimeout" yaml:"ConnectionTimeout"`           // seconds, bound on establishing a session
	AcquireTimeout         uint32 `json:"AcquireTimeout" yaml:"AcquireTimeout"`                 // milliseconds, bound on Acquire; 0 waits on the caller's context alone
	ConnectionIdleLifetime uint32 `json:"ConnectionIdleLifetime" yaml:"ConnectionIdleLifetime"` // seconds idle before the reaper may destroy a connection
	PruningInterval        uint32 `json:"PruningInterval" yaml:"PruningInterval"`               // seconds between reaper sweeps; 0 disables the reaper
	DisableConnectionReset bool   `json:"DisableConnectionReset" yaml:"DisableConnectionReset"` // skip the session reset before re-idling
}

// MultiplexerConfig represents settings for the multiplexing dispatcher.
type MultiplexerConfig struct {
	MaxLinkCount    uint64 `json:"MaxLinkCount" yaml:"MaxLinkCount"`       // physical connections the dispatcher may hold
	MaxQueueLength  uint64 `json:"MaxQueueLength" yaml:"MaxQueueLength"`   // outbound queue bound per link
	WriteBatchSize  uint64 `json:"WriteBatchSize" yaml:"WriteBatchSize"`   // requests coalesced per writer pass
	FailOnQueueFull bool   `json:"FailOnQueueFull" yaml:"FailOnQueueFull"` // fail fast instead of waiting under backpressure
}

// RouterConfig represents settings for multi-host routing.
type RouterConfig struct {
	RoleCacheTTL uint32 `json:"RoleCacheTTL" yaml:"RoleCacheTTL"` // seconds a confirmed host role is trusted
	DownCacheTTL uint32 `json:"DownCacheTTL" yaml:"DownCacheTTL"` // seconds an unreachable host is skipped
}

const (
	defaultMaxLinkCount   = 1
	defaultMaxQueueLength = 1000
	defaultWriteBatch     = 16
	defaultRoleCacheTTL   = 30
	defaultDownCacheTTL   = 5
)

func (c *MultiplexerConfig) withDefaults() MultiplexerConfig {
	out := MultiplexerConfig{}
	if c != nil {
		out = *c
	}
	if out.MaxLinkCount == 0 {
		out.MaxLinkCount = defaultMaxLinkCount
	}
	if out.MaxQueueLength == 0 {
		out.MaxQueueLength = defaultMaxQueueLength
	}
	if out.WriteBatchSize == 0 {
		out.WriteBatchSize = defaultWriteBatch
	}
	return out
}

func (c *RouterConfig) withDefaults() RouterConfig {
	out := RouterConfig{}
	if c != nil {
		out = *c
	}
	if out.RoleCacheTTL == 0 {
		out.RoleCacheTTL = defaultRoleCacheTTL
	}
	if out.DownCacheTTL == 0 {
		out.DownCacheTTL = defaultDownCacheTTL
	}
	return out
}
