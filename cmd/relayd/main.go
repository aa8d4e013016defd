package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duskrelay/duskrelay/internal/config"
	"github.com/duskrelay/duskrelay/internal/serverapp"
	"github.com/duskrelay/duskrelay/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to relayd config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("starting duskrelay server")

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setLogLevel(cfg.LogLevel)

	slog.Info("configuration loaded",
		"listen_addr", cfg.ListenAddr,
		"tunnel_domain", cfg.TunnelDomain,
		"request_timeout", cfg.RequestTimeout,
		"max_body_size", cfg.MaxBodySize,
	)

	tel := telemetry.NewRegistry()
	srv := serverapp.NewServer(cfg, tel)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streamed responses and long-lived WS upgrades
		IdleTimeout:  60 * time.Second,
	}

	sweepDone := make(chan struct{})
	go srv.RunAdmissionSweeper(sweepDone)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP ingress listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server error, shutting down", "error", err)
	}

	slog.Info("initiating graceful shutdown")
	close(sweepDone)
	srv.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("duskrelay server shut down cleanly")
}

func setLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}
