// riskengine - risk scoring and threshold-action engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting riskengine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Re-create the logger with configured level and format
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"postgres", cfg.UsesPostgres(),
		"redis", cfg.RedisURL != "",
		"recompute_workers", cfg.RecomputeWorkers,
		"whitelist_sweep_interval", cfg.WhitelistSweepInterval.String(),
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
