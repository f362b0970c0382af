// Package agent contains the CyberSentinel endpoint agent orchestrator. It
// wires together the monitors, the enforcer, the event uploader, and the
// manager transport client, managing their lifecycle through a shared
// context.
//
// The orchestrator owns the policy snapshot: the sync loop fetches bundles
// from the manager, decodes them, and publishes each new snapshot atomically.
// Monitors read the snapshot on every observation, so a bundle swap takes
// effect without restarting anything. Until the first successful sync the
// snapshot is empty and the monitors observe nothing actionable.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cybersentinel/dlp/internal/config"
	"github.com/cybersentinel/dlp/internal/enforcer"
	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/monitor"
	"github.com/cybersentinel/dlp/internal/policy"
	"github.com/cybersentinel/dlp/internal/transport"
)

// Version is the agent release version reported to the manager.
const Version = "1.0.0"

// registerMaxBackoff caps the retry interval while the manager is
// unreachable at startup.
const registerMaxBackoff = 60 * time.Second

// ManagerClient is the subset of the transport client the orchestrator uses.
// Satisfied by *transport.Client; stubbed in tests.
type ManagerClient interface {
	Register(ctx context.Context, info transport.AgentInfo) (transport.RegisteredAgent, error)
	Heartbeat(ctx context.Context, agentID string, hb transport.HeartbeatInfo) error
	SyncPolicies(ctx context.Context, agentID, platform, installedVersion string) (*policy.SyncResponse, error)
	Unregister(ctx context.Context, agentID string) error
}

// EventSink accepts monitor events for delivery. Satisfied by
// *uploader.Uploader.
type EventSink interface {
	Start(ctx context.Context) error
	Stop()
	Enqueue(ctx context.Context, e *event.Event)
	Depth() int
}

// Health is a point-in-time view of the agent for the local stats endpoint.
type Health struct {
	AgentID       string    `json:"agent_id"`
	Version       string    `json:"version"`
	Registered    bool      `json:"registered"`
	PolicyVersion string    `json:"policy_version"`
	PolicyCount   int       `json:"policy_count"`
	QueueDepth    int       `json:"queue_depth"`
	StartedAt     time.Time `json:"started_at"`
}

// Agent is the endpoint orchestrator. Construct with New, then Start once;
// Stop shuts everything down in reverse order.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   ManagerClient
	sink     EventSink
	enf      *enforcer.Enforcer
	monitors []monitor.Monitor

	snapshot   atomic.Pointer[policy.Snapshot]
	registered atomic.Bool
	startTime  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithMonitors registers one or more monitors with the agent.
func WithMonitors(ms ...monitor.Monitor) Option {
	return func(a *Agent) { a.monitors = append(a.monitors, ms...) }
}

// WithEventSink registers the event uploader.
func WithEventSink(s EventSink) Option {
	return func(a *Agent) { a.sink = s }
}

// WithEnforcer registers the enforcer.
func WithEnforcer(e *enforcer.Enforcer) Option {
	return func(a *Agent) { a.enf = e }
}

// New creates an Agent from the provided configuration, logger, and manager
// client. Monitors, sink, and enforcer are provided via options; the agent
// tolerates their absence, which is useful in tests.
func New(cfg *config.Config, logger *slog.Logger, client ManagerClient, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
		client: client,
	}
	a.snapshot.Store(policy.EmptySnapshot())
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Snapshot returns the currently installed policy snapshot. It is the
// monitor.PolicySource for every monitor.
func (a *Agent) Snapshot() *policy.Snapshot { return a.snapshot.Load() }

// HasPolicies reports whether any policy is installed; the uploader's gate.
func (a *Agent) HasPolicies() bool { return a.Snapshot().Any() }

// Health returns the agent's current status.
func (a *Agent) Health() Health {
	snap := a.Snapshot()
	h := Health{
		AgentID:       a.cfg.AgentID,
		Version:       Version,
		Registered:    a.registered.Load(),
		PolicyVersion: snap.Version(),
		PolicyCount:   snap.Count(),
		StartedAt:     a.startTime,
	}
	if a.sink != nil {
		h.QueueDepth = a.sink.Depth()
	}
	return h
}

// Start brings up all components and begins the register, heartbeat, and
// policy sync loops. Monitors start immediately but observe nothing until
// the first bundle arrives.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting cybersentinel agent",
		slog.String("agent_id", a.cfg.AgentID),
		slog.String("server_url", a.cfg.ServerURL),
		slog.String("version", Version),
	)

	if a.enf != nil {
		if err := a.enf.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("agent: enforcer failed to start: %w", err)
		}
	}
	if a.sink != nil {
		if err := a.sink.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("agent: uploader failed to start: %w", err)
		}
	}

	for i, m := range a.monitors {
		if err := m.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("agent: monitor %d failed to start: %w", i, err)
		}
		a.wg.Add(1)
		go a.pump(ctx, m)
	}

	a.wg.Add(1)
	go a.controlLoop(ctx)
	return nil
}

// Stop shuts the agent down: best-effort unregister, monitors, loops, then
// uploader and enforcer (which restores initial USB state).
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.registered.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.client.Unregister(ctx, a.cfg.AgentID); err != nil {
			a.logger.Warn("unregister failed", slog.Any("error", err))
		}
		cancel()
	}

	for _, m := range a.monitors {
		m.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.sink != nil {
		a.sink.Stop()
	}
	if a.enf != nil {
		a.enf.Stop()
	}
	a.logger.Info("cybersentinel agent stopped")
}

// pump drains one monitor's events into the uploader.
func (a *Agent) pump(ctx context.Context, m monitor.Monitor) {
	defer a.wg.Done()
	for e := range m.Events() {
		if a.sink == nil {
			continue
		}
		a.sink.Enqueue(ctx, &e)
	}
}

// controlLoop registers (retrying until the manager is reachable), performs
// an immediate policy sync, then runs the heartbeat and sync tickers. Sync
// failures leave the last good snapshot installed; enforcement continues
// against it.
func (a *Agent) controlLoop(ctx context.Context) {
	defer a.wg.Done()

	if err := a.registerWithRetry(ctx); err != nil {
		return // context ended before we ever registered
	}
	a.syncPolicies(ctx)

	heartbeat := time.NewTicker(a.cfg.Heartbeat())
	defer heartbeat.Stop()
	syncTicker := time.NewTicker(a.cfg.PolicySync())
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			a.sendHeartbeat(ctx)
		case <-syncTicker.C:
			a.syncPolicies(ctx)
		}
	}
}

func (a *Agent) registerWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = registerMaxBackoff
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		info := a.hostInfo()
		reg, err := a.client.Register(ctx, info)
		if err != nil {
			a.logger.Warn("registration failed, will retry", slog.Any("error", err))
			return err
		}
		a.registered.Store(true)
		a.logger.Info("registered with manager",
			slog.String("agent_id", reg.AgentID), slog.String("status", reg.Status))
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	hb := transport.HeartbeatInfo{
		Hostname:      hostname(),
		IPAddress:     outboundIP(),
		Platform:      runtime.GOOS,
		Version:       Version,
		PolicyVersion: a.Snapshot().Version(),
	}
	if a.sink != nil {
		hb.QueueDepth = a.sink.Depth()
	}
	if err := a.client.Heartbeat(ctx, a.cfg.AgentID, hb); err != nil {
		a.logger.Warn("heartbeat failed", slog.Any("error", err))
	}
}

// syncPolicies fetches the bundle and, when it changed, publishes the new
// snapshot, reconciles the USB posture, and refreshes monitor subscriptions.
func (a *Agent) syncPolicies(ctx context.Context) {
	current := a.Snapshot()
	resp, err := a.client.SyncPolicies(ctx, a.cfg.AgentID, runtime.GOOS, current.Version())
	if err != nil {
		a.logger.Warn("policy sync failed, keeping installed bundle",
			slog.String("installed_version", current.Version()), slog.Any("error", err))
		return
	}
	if resp.UpToDate() || resp.Version == "" {
		a.logger.Debug("policy bundle up to date", slog.String("version", current.Version()))
		return
	}

	snap, errs := policy.NewSnapshot(&resp.Bundle)
	for _, decodeErr := range errs {
		a.logger.Warn("skipping undecodable policy", slog.Any("error", decodeErr))
	}
	a.snapshot.Store(snap)

	if a.enf != nil {
		if usb := a.enf.USB(); usb != nil {
			usb.Reconcile(snap.USBBlockingActive())
		}
	}
	for _, m := range a.monitors {
		if r, ok := m.(monitor.Refresher); ok {
			if err := r.Refresh(); err != nil {
				a.logger.Warn("monitor refresh incomplete", slog.Any("error", err))
			}
		}
	}

	a.logger.Info("policy bundle applied",
		slog.String("version", snap.Version()),
		slog.Int("policies", snap.Count()))
}

func (a *Agent) hostInfo() transport.AgentInfo {
	return transport.AgentInfo{
		AgentID:   a.cfg.AgentID,
		Name:      a.cfg.AgentName,
		Hostname:  hostname(),
		IPAddress: outboundIP(),
		Platform:  runtime.GOOS,
		Version:   Version,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// outboundIP reports the local address the host would use for external
// traffic. No packets are sent; UDP "dialing" only selects a route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
