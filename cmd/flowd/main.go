package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plantflow/flowengine/pkg/config"
	"github.com/plantflow/flowengine/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load("flowd")
	if err != nil {
		panic(err)
	}

	// Initialize logger
	log := logger.New(cfg.Logger.ToLoggerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize runtime", "error", err)
	}

	log.Info("Starting flow runtime", "flowsDir", cfg.Runtime.FlowsDir, "addr", cfg.Server.Addr())
	if err := a.start(ctx); err != nil {
		log.Fatal("Failed to start runtime", "error", err)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down flow runtime...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	a.shutdown(shutdownCtx)

	log.Info("Flow runtime exited")
}
