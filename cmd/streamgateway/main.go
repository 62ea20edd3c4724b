package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vedacore/streamgateway/internal/config"
	"github.com/vedacore/streamgateway/internal/server"
)

func main() {
	var logger *zap.Logger
	var err error

	if os.Getenv("STREAM_DEV") == "true" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		os.Stderr.WriteString("FATAL: failed to create logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.Load()

	logger.Info("starting streamgateway",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("health_addr", cfg.HealthAddr),
		zap.String("resume_backend", cfg.ResumeBackend),
		zap.Bool("nats_ingest", cfg.NATSEnabled),
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("streamgateway shutdown complete")
}
