package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration for the bridge: discovery group,
// liveness timing, session deadlines and per-node execution limits.
type Config struct {
	// MulticastGroup is the host:port of the discovery multicast group
	MulticastGroup string
	// ClientID identifies this bridge in beacons and handshakes; generated
	// when empty
	ClientID string

	// BeaconInterval is the announcement cadence
	BeaconInterval time.Duration
	// StaleTimeout is how long without traffic before a node is Unreachable
	StaleTimeout time.Duration
	// GracePeriod is how long an Unreachable node survives before removal
	GracePeriod time.Duration
	// SweepInterval is the registry liveness check cadence
	SweepInterval time.Duration

	// HandshakeTimeout bounds session dial plus ConnectAck
	HandshakeTimeout time.Duration
	// RequestTimeout is the default per-request execution deadline
	RequestTimeout time.Duration

	// MaxInflightPerNode caps concurrent requests on one node
	MaxInflightPerNode int
	// MaxQueuedPerNode caps the overflow queue behind that limit
	MaxQueuedPerNode int
	// MaxFrameBytes caps a single wire frame payload
	MaxFrameBytes int

	// LogLevel is one of debug, info, warn, error
	LogLevel string
	// LogFile, when set, duplicates logs to a file alongside stderr
	LogFile string
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		MulticastGroup:     DefaultMulticastGroup,
		BeaconInterval:     DefaultBeaconInterval,
		StaleTimeout:       DefaultStaleMultiplier * DefaultBeaconInterval,
		GracePeriod:        DefaultGracePeriod,
		SweepInterval:      DefaultSweepInterval,
		HandshakeTimeout:   DefaultHandshakeTimeout,
		RequestTimeout:     DefaultRequestTimeout,
		MaxInflightPerNode: DefaultMaxInflightPerNode,
		MaxQueuedPerNode:   DefaultMaxQueuedPerNode,
		MaxFrameBytes:      DefaultMaxFrameBytes,
		LogLevel:           "info",
	}
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	addr, err := net.ResolveUDPAddr("udp4", c.MulticastGroup)
	if err != nil {
		return fmt.Errorf("multicast group %q: %w", c.MulticastGroup, err)
	}
	if !addr.IP.IsMulticast() {
		return fmt.Errorf("multicast group %q: %s is not a multicast address", c.MulticastGroup, addr.IP)
	}
	if c.BeaconInterval <= 0 {
		return fmt.Errorf("beacon interval must be positive, got %v", c.BeaconInterval)
	}
	if c.StaleTimeout < c.BeaconInterval {
		return fmt.Errorf("stale timeout %v is shorter than beacon interval %v", c.StaleTimeout, c.BeaconInterval)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive, got %v", c.GracePeriod)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.SweepInterval)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %v", c.HandshakeTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.MaxInflightPerNode < 1 {
		return fmt.Errorf("max inflight per node must be at least 1, got %d", c.MaxInflightPerNode)
	}
	if c.MaxQueuedPerNode < 0 {
		return fmt.Errorf("max queued per node must not be negative, got %d", c.MaxQueuedPerNode)
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("max frame bytes must be at least 1024, got %d", c.MaxFrameBytes)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// ApplyEnv overlays ENGINELINK_* environment variables onto the config.
// Unset variables leave the current values untouched.
func (c *Config) ApplyEnv() error {
	c.MulticastGroup = getEnv("ENGINELINK_MULTICAST_GROUP", c.MulticastGroup)
	c.ClientID = getEnv("ENGINELINK_CLIENT_ID", c.ClientID)
	c.LogLevel = getEnv("ENGINELINK_LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("ENGINELINK_LOG_FILE", c.LogFile)

	var err error
	if c.BeaconInterval, err = getEnvDuration("ENGINELINK_BEACON_INTERVAL", c.BeaconInterval); err != nil {
		return err
	}
	if c.StaleTimeout, err = getEnvDuration("ENGINELINK_STALE_TIMEOUT", c.StaleTimeout); err != nil {
		return err
	}
	if c.RequestTimeout, err = getEnvDuration("ENGINELINK_REQUEST_TIMEOUT", c.RequestTimeout); err != nil {
		return err
	}
	if c.MaxInflightPerNode, err = getEnvInt("ENGINELINK_MAX_INFLIGHT", c.MaxInflightPerNode); err != nil {
		return err
	}
	if c.MaxQueuedPerNode, err = getEnvInt("ENGINELINK_MAX_QUEUED", c.MaxQueuedPerNode); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, value, err)
	}
	return d, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, value, err)
	}
	return n, nil
}
