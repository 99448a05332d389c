package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/ksummers/bridgemcp"
	"golang.org/x/term"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults to $BRIDGE_CONFIG)")
	port := flag.Int("port", 0, "Backend TCP port (overrides config)")
	clientName := flag.String("client-name", "", "Tool-caller display name (overrides config)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := bridgemcp.LoadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.BackendPort = *port
		if err := cfg.Validate(); err != nil {
			slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("invalid configuration", "err", err)
			os.Exit(1)
		}
	}
	if *clientName != "" {
		cfg.ClientName = *clientName
	}

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	// All diagnostics go to stderr: stdout carries the MCP channel and
	// one stray line would corrupt it.
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := bridgemcp.NewBackendClient(cfg.BackendPort, logger)
	if cfg.ClientName != "" {
		client.SetClientName(cfg.ClientName)
	}
	discovery := bridgemcp.NewDiscovery(client, logger)
	discovery.Ports = cfg.Ports()
	orch := bridgemcp.NewOrchestrator(client, discovery, logger)

	guard := bridgemcp.NewGuard(orch, logger)
	guard.Install()
	defer guard.HandlePanic()

	server := bridgemcp.NewBridgeServer(cfg, orch, logger)
	logger.Info("bridge starting", "port", cfg.BackendPort, "candidates", cfg.Ports())
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("mcp server error", "err", err)
		guard.Shutdown()
		os.Exit(1)
	}

	// Stdio transport returned: the parent closed our stdin.
	guard.Shutdown()
}
