// Package main provides the HTTP server for sitekb.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/sitekb/internal/api"
	"github.com/raphaelgruber/sitekb/internal/app"
	"github.com/raphaelgruber/sitekb/internal/config"
)

const version = "0.1.0"

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all data from the store on startup (testing only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel, "binary", "sitekb-server", "instance", cfg.InstanceID)
	defer func() { _ = cleanup() }()

	logger.Info("starting sitekb-server",
		"version", version,
		"addr", cfg.ServerAddr,
		"store", cfg.Store,
		"embed_provider", cfg.EmbedProvider,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(ctx, cfg, nil, logger)
	cancel()
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	if *wipeDB || os.Getenv("SITEKB_WIPE_DB") == "true" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := a.WipeData(ctx)
		cancel()
		if err != nil {
			logger.Error("failed to wipe store", "error", err)
			os.Exit(1)
		}
		logger.Warn("store wiped")
	}

	if err := a.Start(context.Background()); err != nil {
		logger.Error("failed to start services", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      api.New(a, logger).Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("API available", "addr", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serveErr:
		logger.Error("server error", "error", err)
		exitCode = 1
	}

	logger.Info("shutting down server...")
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		exitCode = 1
	}
	cancel()

	// Running jobs are cancelled and record their final state before the store closes.
	if err := a.Close(context.Background()); err != nil {
		logger.Error("failed to close services", "error", err)
		exitCode = 1
	}

	logger.Info("server stopped")
	if exitCode != 0 {
		_ = cleanup()
		os.Exit(exitCode)
	}
}
