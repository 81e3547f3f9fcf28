// Package main provides the entry point for the sitekb MCP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/sitekb/internal/app"
	"github.com/raphaelgruber/sitekb/internal/config"
	"github.com/raphaelgruber/sitekb/internal/server"
	"github.com/raphaelgruber/sitekb/internal/tools"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Stdout carries the MCP protocol, so logs go to stderr and the log file only.
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel, "binary", "sitekb-mcp", "instance", cfg.InstanceID)
	defer func() { _ = cleanup() }()

	logger.Info("sitekb-mcp starting",
		"version", version,
		"store", cfg.Store,
		"embed_provider", cfg.EmbedProvider,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	a, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("closing services")
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to close services", "error", err)
		}
	}()
	if err := a.Start(ctx); err != nil {
		logger.Error("failed to start services", "error", err)
		os.Exit(1)
	}

	srv := server.New(version, logger, a.Metrics)
	srv.Setup()
	tools.RegisterAll(srv.MCPServer(), &tools.Dependencies{
		Coordinator: a.Coordinator,
		Retrieval:   a.Retrieval,
		Logger:      logger,
		Ping:        a.Ping,
	})
	logger.Info("server ready, awaiting connections")

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("server error", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
