package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"classroom_clicker/pkg/config"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	synthetic  = flag.Bool("synthetic", false, "Force the synthetic vote generator")
	debug      = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *synthetic {
		cfg.Sources.ForceSynthetic = true
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger, err := newLogger(cfg, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error("Application exited with error", zap.Error(err))
		os.Exit(1)
	}
}
