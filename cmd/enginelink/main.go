package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/kestrelworks/enginelink/internal/bridge"
	"github.com/kestrelworks/enginelink/internal/config"
	"github.com/kestrelworks/enginelink/internal/discovery"
	"github.com/kestrelworks/enginelink/internal/mcpserver"
	"github.com/kestrelworks/enginelink/internal/registry"
	"github.com/kestrelworks/enginelink/internal/session"
	"github.com/kestrelworks/enginelink/internal/wire"
)

const (
	serverName    = "enginelink"
	serverVersion = "0.1.0"
)

var (
	version    = flag.Bool("version", false, "Print version and exit")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	configPath = flag.String("config", "", "Path to TOML config file")
	httpAddr   = flag.String("http", "", "Serve MCP over HTTP/SSE on this address instead of stdio")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", serverName, serverVersion)
		os.Exit(0)
	}

	// .env before reading the environment, so local overrides land.
	_ = godotenv.Load()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "bridge-" + uuid.NewString()[:8]
	}

	// MCP owns stdout in stdio mode, so logs go to stderr.
	logger, closeLogs, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLogs()
	slog.SetDefault(logger)

	logger.Info("Starting EngineLink MCP bridge",
		"version", serverVersion,
		"client_id", cfg.ClientID,
		"multicast_group", cfg.MulticastGroup,
		"http_addr", *httpAddr,
		"log_level", cfg.LogLevel,
	)

	reg := registry.New(registry.Config{
		StaleTimeout: cfg.StaleTimeout,
		GracePeriod:  cfg.GracePeriod,
	}, logger)

	// The bridge's own beacon carries no address, so peers see its presence
	// but never register it as an executable node.
	listener := discovery.New(discovery.Config{
		Group:        cfg.MulticastGroup,
		SelfID:       cfg.ClientID,
		Announcement: &wire.Beacon{NodeID: cfg.ClientID},
	}, reg.ObserveBeacon, logger)

	sessions := session.NewManager(session.Config{
		ClientID:         cfg.ClientID,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxFrameBytes:    cfg.MaxFrameBytes,
	}, &net.Dialer{}, reg, logger)
	reg.OnEvict(sessions.HandleEviction)

	coord := bridge.New(bridge.Config{
		MaxInflightPerNode: cfg.MaxInflightPerNode,
		MaxQueuedPerNode:   cfg.MaxQueuedPerNode,
		RequestTimeout:     cfg.RequestTimeout,
	}, reg, sessions, listener, logger)

	mcpSrv := mcpserver.New(mcpserver.Config{
		Name:    serverName,
		Version: serverVersion,
	}, coord, listener, logger)

	// Discovery failing to bind is survivable: engine.connect can retune
	// onto another group later.
	if err := listener.Start(); err != nil {
		logger.Error("Discovery failed to start", "error", err, "group", cfg.MulticastGroup)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Serve MCP; on stdio the call returns when the client disconnects.
	go func() {
		var err error
		if *httpAddr != "" {
			err = mcpSrv.ServeHTTP(*httpAddr)
		} else {
			err = mcpSrv.Serve()
		}
		if err != nil {
			logger.Error("MCP server error", "error", err)
		}
		cancel()
	}()

	// Registry liveness sweep
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stale, removed := reg.Sweep()
				if stale > 0 || removed > 0 {
					logger.Debug("registry sweep", "stale", stale, "removed", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context canceled")
	}

	logger.Info("Shutting down gracefully")
	cancel()
	mcpSrv.Close()
	coord.Close()
	listener.Stop()
	logger.Info("Bridge shutdown complete")
}

// buildLogger sets up JSON logging on stderr, optionally duplicated to a
// file. The returned closer flushes the file handle.
func buildLogger(cfg config.Config) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeLogs := func() {}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.LogFile, err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeLogs = func() { f.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	return logger, closeLogs, nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
