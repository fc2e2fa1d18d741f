// ticketd - Ticket reservation and settlement over a double-entry ledger
package main

import (
	"context"
	"os"

	"github.com/ticketd/ticketd/internal/config"
	"github.com/ticketd/ticketd/internal/logging"
	"github.com/ticketd/ticketd/internal/server"
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

	logger.Info("starting ticketd",
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

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"hold_timeout_s", cfg.HoldTimeoutSeconds,
		"supply_a", cfg.TicketSupplyA,
		"supply_b", cfg.TicketSupplyB,
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
