// Package main is the entry point for the convoflow server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tcmartin/convoflow/pkg/config"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to config file")
	version    = flag.Bool("version", false, "Print version information")
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "convoflow"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	// Load configuration: .env, then the config file, then CONVOFLOW_* variables
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	// Handle graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			app.logger.Error(fmt.Sprintf("Application failed: %v", err))
			app.Close()
			os.Exit(1)
		}
	case <-stop:
		app.logger.Info("Shutting down gracefully...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), config.Seconds(cfg.Server.ShutdownTimeout))
		defer done()
		if err := app.Stop(shutdownCtx); err != nil {
			log.Fatalf("Error during shutdown: %v", err)
		}
	}
}
