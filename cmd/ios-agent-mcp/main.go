// Command ios-agent-mcp serves the agent's tools over MCP stdio.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/stephengodman/ios-agent-runner/internal/config"
	"github.com/stephengodman/ios-agent-runner/internal/mcp"
	"github.com/stephengodman/ios-agent-runner/internal/runstate"
)

func main() {
	_ = godotenv.Load()

	// stdout carries the MCP transport; all logging goes to stderr.
	level := slog.LevelInfo
	if os.Getenv("IOSAGENT_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	store := runstate.NewStore(cfg.RunsRoot, logger)
	server := mcp.New(cfg, store, logger)

	logger.Info("ios-agent-mcp serving stdio")
	if err := server.ServeStdio(); err != nil {
		logger.Error("mcp server exited", "error", err)
		os.Exit(1)
	}
}
