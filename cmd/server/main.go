// Command server is the CyberSentinel manager binary. It loads a YAML
// configuration file, opens a PostgreSQL connection pool (applying the
// schema), and serves the REST control-plane API: agent lifecycle, policy
// administration, policy bundle sync, and event ingestion. Shuts down
// gracefully on SIGTERM or SIGINT, flushing buffered event writes.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cybersentinel/dlp/internal/logging"
	"github.com/cybersentinel/dlp/internal/server/bundle"
	serverconfig "github.com/cybersentinel/dlp/internal/server/config"
	"github.com/cybersentinel/dlp/internal/server/ingest"
	"github.com/cybersentinel/dlp/internal/server/rest"
	"github.com/cybersentinel/dlp/internal/server/storage"
)

func main() {
	configPath := flag.String("config", "/etc/cybersentinel/server.yaml", "path to the manager YAML configuration file")
	flag.Parse()

	cfg, err := serverconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cybersentinel-server: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.LogLevel, cfg.LogDir, logging.ServerFileName)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("manager starting",
		slog.String("config_path", *configPath),
		slog.String("listen_addr", cfg.ListenAddr),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// PostgreSQL storage with the batched event write path.
	store, err := storage.New(ctx, cfg.DatabaseURL, storage.Options{
		BatchSize:      cfg.Ingest.BatchSize,
		FlushInterval:  cfg.Ingest.FlushInterval,
		HighWater:      cfg.Ingest.HighWater,
		LivenessWindow: cfg.LivenessWindow,
	})
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close(context.Background())
	logger.Info("PostgreSQL storage connected")

	// Optional RS256 JWT verification on the API routes.
	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt_public_key not configured; API authentication disabled (dev mode)")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := rest.NewServer(store, ingest.New(logger, store), bundle.New(logger), logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rest.NewRouter(srv, pubKey, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("cybersentinel manager exited cleanly")
}
