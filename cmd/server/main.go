// Task escrow - holds client payments until work is delivered, and resolves disputes
package main

import (
	"context"
	"os"

	"github.com/mbd888/taskescrow/internal/config"
	"github.com/mbd888/taskescrow/internal/logging"
	"github.com/mbd888/taskescrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is known
	logger := logging.New("info", "text")

	logger.Info("starting taskescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.DefaultCurrency,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"stripe", cfg.StripeSecretKey != "",
		"milestones", cfg.EnableMilestones,
	)

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
