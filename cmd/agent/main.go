// Command agent is the CyberSentinel endpoint agent binary. It loads the
// local JSON configuration (generating a persistent agent identity on first
// run), starts the monitors, spooled uploader, enforcer, and manager control
// loop, exposes a local /healthz and /metrics endpoint, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cybersentinel/dlp/internal/agent"
	"github.com/cybersentinel/dlp/internal/config"
	"github.com/cybersentinel/dlp/internal/enforcer"
	"github.com/cybersentinel/dlp/internal/logging"
	"github.com/cybersentinel/dlp/internal/monitor"
	"github.com/cybersentinel/dlp/internal/policy"
	"github.com/cybersentinel/dlp/internal/transport"
	"github.com/cybersentinel/dlp/internal/uploader"
)

const spoolFileName = "event_spool.db"

func main() {
	configPath := flag.String("config", "/etc/cybersentinel/config.json", "path to the agent JSON configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	healthAddr := flag.String("health-addr", "127.0.0.1:9309", "local /healthz and /metrics listener address (empty disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cybersentinel-agent: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(*logLevel, cfg.LogDir, logging.AgentFileName)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("server_url", cfg.ServerURL),
		slog.String("agent_id", cfg.AgentID),
		slog.String("log_dir", cfg.LogDir),
	)

	// Manager transport.
	client := transport.New(cfg.ServerURL, transport.WithLogger(logger))

	// Durable event spool and uploader metrics.
	spool, err := uploader.OpenSpool(filepath.Join(cfg.LogDir, spoolFileName), uploader.DefaultMaxSpool)
	if err != nil {
		logger.Error("failed to open event spool", slog.Any("error", err))
		os.Exit(1)
	}
	defer spool.Close()

	reg := prometheus.NewRegistry()
	metrics := uploader.NewMetrics(reg, func() float64 { return float64(spool.Depth()) })

	// Enforcement: content cache, crash-safe quarantine journal, USB control.
	journal, err := enforcer.OpenJournal(filepath.Join(cfg.LogDir, "quarantine_journal.jsonl"))
	if err != nil {
		logger.Error("failed to open quarantine journal", slog.Any("error", err))
		os.Exit(1)
	}
	enf := enforcer.New(logger,
		enforcer.WithCache(enforcer.NewContentCache(enforcer.DefaultCacheEntries)),
		enforcer.WithJournal(journal),
		enforcer.WithUSBController(enforcer.NewUSBController(logger)),
		enforcer.WithQuarantineDir(cfg.QuarantineDir),
	)

	// The agent is constructed after the components that need to call back
	// into it; the closures below bind late and are only invoked once the
	// agent is running.
	var ag *agent.Agent
	snapshot := monitor.PolicySource(func() *policy.Snapshot { return ag.Snapshot() })
	gate := func() bool { return ag.HasPolicies() }

	upl := uploader.New(logger, spool, client, gate, metrics)

	ag = agent.New(cfg, logger, client,
		agent.WithEventSink(upl),
		agent.WithEnforcer(enf),
		agent.WithMonitors(
			monitor.NewFileMonitor(logger, cfg.AgentID, snapshot, enf, cfg.MaxFileBytes()),
			monitor.NewClipboardMonitor(logger, cfg.AgentID, snapshot),
			monitor.NewDeviceMonitor(logger, cfg.AgentID, snapshot, enf),
			monitor.NewTransferMonitor(logger, cfg.AgentID, snapshot, enf, cfg.MaxFileBytes()),
		),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	var healthServer *http.Server
	if *healthAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(ag.Health())
		})
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		healthServer = &http.Server{
			Addr:         *healthAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("health server listening", slog.String("addr", *healthAddr))
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", slog.Any("error", err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	// Stop the agent first so in-flight events drain to the spool, then the
	// health server.
	ag.Stop()

	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("cybersentinel agent exited cleanly")
}
