package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig maps enginelink.toml keys onto runtime settings. Durations are
// written as Go duration strings ("2s", "500ms").
type fileConfig struct {
	MulticastGroup   string `toml:"multicast_group"`
	ClientID         string `toml:"client_id"`
	BeaconInterval   string `toml:"beacon_interval"`
	StaleTimeout     string `toml:"stale_timeout"`
	GracePeriod      string `toml:"grace_period"`
	SweepInterval    string `toml:"sweep_interval"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	RequestTimeout   string `toml:"request_timeout"`
	MaxInflight      int    `toml:"max_inflight_per_node"`
	MaxQueued        int    `toml:"max_queued_per_node"`
	MaxFrameBytes    int    `toml:"max_frame_bytes"`
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
}

// LoadFile overlays a TOML config file onto the defaults. Keys absent from
// the file keep their default values. A beacon_interval without an explicit
// stale_timeout rescales the staleness threshold to 3x the new interval.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("multicast_group") {
		cfg.MulticastGroup = strings.TrimSpace(raw.MulticastGroup)
	}
	if meta.IsDefined("client_id") {
		cfg.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("beacon_interval") {
		if cfg.BeaconInterval, err = parseDuration(path, "beacon_interval", raw.BeaconInterval); err != nil {
			return Config{}, err
		}
		if !meta.IsDefined("stale_timeout") {
			cfg.StaleTimeout = DefaultStaleMultiplier * cfg.BeaconInterval
		}
	}
	if meta.IsDefined("stale_timeout") {
		if cfg.StaleTimeout, err = parseDuration(path, "stale_timeout", raw.StaleTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("grace_period") {
		if cfg.GracePeriod, err = parseDuration(path, "grace_period", raw.GracePeriod); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("sweep_interval") {
		if cfg.SweepInterval, err = parseDuration(path, "sweep_interval", raw.SweepInterval); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("handshake_timeout") {
		if cfg.HandshakeTimeout, err = parseDuration(path, "handshake_timeout", raw.HandshakeTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("request_timeout") {
		if cfg.RequestTimeout, err = parseDuration(path, "request_timeout", raw.RequestTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("max_inflight_per_node") {
		cfg.MaxInflightPerNode = raw.MaxInflight
	}
	if meta.IsDefined("max_queued_per_node") {
		cfg.MaxQueuedPerNode = raw.MaxQueued
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}

	return cfg, nil
}

func parseDuration(path, key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("load config %s: %s=%q: %w", path, key, value, err)
	}
	return d, nil
}
