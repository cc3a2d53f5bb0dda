// nodesim is a simulated engine node for developing and demonstrating the
// bridge without a real engine: it beacons on the multicast group and answers
// execution requests with scripted results.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/kestrelworks/enginelink/internal/config"
)

const (
	defaultListenAddr    = "0.0.0.0:0"
	defaultEngineVersion = "5.4.0-sim"
	defaultProject       = "NodeSim"
	defaultCapabilities  = "python,eval"
)

var (
	version = flag.Bool("version", false, "Print version and exit")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

type nodeConfig struct {
	nodeID         string
	listenAddr     string
	advertiseHost  string
	group          string
	beaconInterval time.Duration
	engineVersion  string
	project        string
	capabilities   []string
}

func configFromEnv() nodeConfig {
	return nodeConfig{
		nodeID:         getEnv("NODESIM_ID", "nodesim-"+uuid.NewString()[:8]),
		listenAddr:     getEnv("NODESIM_LISTEN", defaultListenAddr),
		advertiseHost:  getEnv("NODESIM_ADVERTISE_HOST", ""),
		group:          getEnv("NODESIM_GROUP", config.DefaultMulticastGroup),
		beaconInterval: getEnvDuration("NODESIM_BEACON_INTERVAL", config.DefaultBeaconInterval),
		engineVersion:  getEnv("NODESIM_ENGINE_VERSION", defaultEngineVersion),
		project:        getEnv("NODESIM_PROJECT", defaultProject),
		capabilities:   splitList(getEnv("NODESIM_CAPABILITIES", defaultCapabilities)),
	}
}

func main() {
	flag.Parse()

	if *version {
		fmt.Println("EngineLink NodeSim v0.1.0")
		os.Exit(0)
	}

	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := configFromEnv()
	logger.Info("Starting EngineLink NodeSim",
		"node_id", cfg.nodeID,
		"listen", cfg.listenAddr,
		"group", cfg.group,
		"project", cfg.project,
	)

	node := newNode(cfg, logger)
	if err := node.Start(); err != nil {
		logger.Error("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down node")
	node.Stop()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// splitList parses a comma-separated capability list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
