package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"salharness/internal/cli"
	"salharness/internal/config"
	"salharness/internal/logging"
	"salharness/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	// The run ledger is optional; commands work without it.
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("run database unavailable", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, logger, store).ExecuteContext(ctx); err != nil {
		stop()
		if store != nil {
			store.Close()
		}
		os.Exit(1)
	}
}
