package config

import "time"

// Default timing configurations used throughout the bridge
const (
	// DefaultBeaconInterval is how often the bridge announces itself on the
	// multicast group; engine nodes beacon on roughly the same cadence
	DefaultBeaconInterval = 2 * time.Second

	// DefaultStaleMultiplier scales the beacon interval into the staleness
	// threshold when no explicit threshold is configured
	DefaultStaleMultiplier = 3

	// DefaultGracePeriod is how long an unreachable node is kept in the
	// registry before it is dropped entirely
	DefaultGracePeriod = 30 * time.Second

	// DefaultSweepInterval is how often the registry checks node liveness
	DefaultSweepInterval = 1 * time.Second

	// DefaultHandshakeTimeout bounds dial plus ConnectAck for a new session
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultRequestTimeout is the per-request execution deadline
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxInflightPerNode is the concurrent execution limit per node
	DefaultMaxInflightPerNode = 4

	// DefaultMaxQueuedPerNode is the overflow queue depth per node
	DefaultMaxQueuedPerNode = 16

	// DefaultMaxFrameBytes caps a single wire frame payload
	DefaultMaxFrameBytes = 8 << 20
)

// DefaultMulticastGroup is the discovery group engine nodes beacon on.
const DefaultMulticastGroup = "239.0.0.1:6766"
