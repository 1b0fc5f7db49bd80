package main

import (
	"context"
	"fmt"
	"os"

	"subgrade/internal/cli"
	"subgrade/internal/config"
	"subgrade/internal/logging"
	"subgrade/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	rootCmd := cli.NewRootCmd(cfg, logger, store)
	return rootCmd.ExecuteContext(context.Background())
}
