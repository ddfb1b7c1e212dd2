// Package main is the entry point for the animad agent daemon.
// The single binary runs the whole runtime: storage, the service
// registry and buses, the observer ingress, the processing loop, and
// the HTTP/WebSocket/MCP boundary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/common/config"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/runtime"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var configPathFlag = flag.String("config", "", "directory containing config.yaml")

func main() {
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting animad", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("shutdown signal received")
		cancel()
	}()

	rt, err := runtime.New(ctx, cfg, log, runtime.Options{Version: version})
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrIdentityUnavailable):
			log.Error("identity could not be established; refusing to run", zap.Error(err))
		case errors.Is(err, runtime.ErrSigningKeyInit):
			log.Error("audit signing key unavailable; refusing to run unsigned", zap.Error(err))
		case errors.Is(err, runtime.ErrDatabaseUnavailable):
			log.Error("storage unavailable", zap.Error(err))
		default:
			log.Error("runtime construction failed", zap.Error(err))
		}
		os.Exit(1)
	}

	if err := rt.Run(ctx); err != nil {
		log.Error("runtime exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("animad stopped")
}
