// Command agent is the GFX sync agent binary. It loads a YAML configuration
// file, watches the registered producer subtrees on the network share,
// reflects new and changed export files into the remote store, exposes the
// operator HTTP surface, and shuts down gracefully on SIGTERM or SIGINT.
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

	"github.com/gfxsync/agent/internal/agent"
	"github.com/gfxsync/agent/internal/config"
	"github.com/gfxsync/agent/internal/ops"
)

func main() {
	configPath := flag.String("config", "/etc/gfx-sync/config.yaml", "path to the sync agent YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gfx-sync-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("base_path", cfg.BasePath),
		slog.String("remote_url", cfg.Remote.URL),
		slog.String("remote_secret", cfg.MaskedSecret()),
		slog.String("mode", string(cfg.Mode)),
		slog.String("log_level", cfg.LogLevel),
	)

	ag, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build agent", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Operator HTTP surface: liveness, status, dead letters, metrics. A bind
	// failure is fatal when the surface is enabled.
	var opsServer *http.Server
	opsErr := make(chan error, 1)
	if cfg.HealthServerEnabled() {
		router := ops.NewRouter(ops.NewServer(ag, ag.Offline(), ag.Remote().Metrics().Handler()))
		opsServer = &http.Server{
			Addr:         cfg.HealthAddr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("ops server listening", slog.String("addr", cfg.HealthAddr))
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				opsErr <- err
			}
		}()
	}

	// Run the agent until it fails or the shutdown signal arrives.
	runErr := make(chan error, 1)
	go func() { runErr <- ag.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		if err := <-runErr; err != nil {
			logger.Error("agent run error during shutdown", slog.Any("error", err))
			exitCode = 1
		}
	case err := <-runErr:
		if err != nil {
			logger.Error("agent exited with error", slog.Any("error", err))
			exitCode = 1
		}
	case err := <-opsErr:
		logger.Error("ops server failed", slog.Any("error", err))
		cancel()
		<-runErr
		exitCode = 1
	}

	ag.Close()

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ops server shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("gfx sync agent exited")
	os.Exit(exitCode)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
