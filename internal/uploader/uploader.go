package uploader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/transport"
)

const (
	// deliverBatchSize is how many pending events one delivery pass takes
	// from the spool.
	deliverBatchSize = 50

	// idlePoll is how often the delivery loop re-checks an empty spool.
	idlePoll = time.Second

	// maxSendBackoff caps the per-event retry interval.
	maxSendBackoff = 60 * time.Second
)

// Sender delivers a single event to the manager. Satisfied by
// *transport.Client; stubbed in tests.
type Sender interface {
	SendEvent(ctx context.Context, e *event.Event) error
}

// Metrics are the uploader's Prometheus collectors. They are optional; a nil
// Metrics disables instrumentation.
type Metrics struct {
	Enqueued   prometheus.Counter
	Delivered  prometheus.Counter
	Dropped    prometheus.Counter
	QueueDepth prometheus.GaugeFunc
}

// NewMetrics builds and registers the uploader collectors against reg.
func NewMetrics(reg prometheus.Registerer, depth func() float64) *Metrics {
	m := &Metrics{
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cybersentinel_agent_events_enqueued_total",
			Help: "Events accepted into the delivery spool.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cybersentinel_agent_events_delivered_total",
			Help: "Events accepted by the manager.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cybersentinel_agent_events_dropped_total",
			Help: "Events discarded: rejected by the manager, displaced by spool overflow, or suppressed while no policies are installed.",
		}),
		QueueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cybersentinel_agent_spool_depth",
			Help: "Pending events in the delivery spool.",
		}, depth),
	}
	reg.MustRegister(m.Enqueued, m.Delivered, m.Dropped, m.QueueDepth)
	return m
}

// Uploader drains monitor events into the spool and delivers them to the
// manager in order with capped exponential retry. New events are discarded
// while the gate reports false (no policies installed), so an unconfigured
// agent never floods the manager; events already spooled are still delivered.
type Uploader struct {
	logger  *slog.Logger
	spool   *Spool
	sender  Sender
	gate    func() bool
	metrics *Metrics

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New constructs an uploader. gate may be nil, which admits everything.
func New(logger *slog.Logger, spool *Spool, sender Sender, gate func() bool, metrics *Metrics) *Uploader {
	if gate == nil {
		gate = func() bool { return true }
	}
	return &Uploader{
		logger:  logger.With(slog.String("component", "uploader")),
		spool:   spool,
		sender:  sender,
		gate:    gate,
		metrics: metrics,
	}
}

// Enqueue admits one event into the spool. Events offered while the gate is
// closed are dropped.
func (u *Uploader) Enqueue(ctx context.Context, e *event.Event) {
	if !u.gate() {
		if u.metrics != nil {
			u.metrics.Dropped.Inc()
		}
		u.logger.Debug("dropping event, no policies installed", slog.String("event_id", e.EventID))
		return
	}
	dropped, err := u.spool.Enqueue(ctx, e)
	if err != nil {
		u.logger.Error("spool enqueue failed", slog.String("event_id", e.EventID), slog.Any("error", err))
		return
	}
	if u.metrics != nil {
		u.metrics.Enqueued.Inc()
		if dropped > 0 {
			u.metrics.Dropped.Add(float64(dropped))
		}
	}
	if dropped > 0 {
		u.logger.Warn("spool at capacity, discarded oldest events", slog.Int64("discarded", dropped))
	}
}

// Depth reports pending events.
func (u *Uploader) Depth() int { return u.spool.Depth() }

// Start launches the delivery loop.
func (u *Uploader) Start(ctx context.Context) error {
	ctx, u.cancel = context.WithCancel(ctx)
	u.wg.Add(1)
	go u.run(ctx)
	return nil
}

// Stop halts delivery. Pending events stay in the spool for the next run.
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() {
		if u.cancel != nil {
			u.cancel()
		}
		u.wg.Wait()
	})
}

func (u *Uploader) run(ctx context.Context) {
	defer u.wg.Done()
	for {
		pending, err := u.spool.Dequeue(ctx, deliverBatchSize)
		if err != nil {
			u.logger.Error("spool dequeue failed", slog.Any("error", err))
		}
		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
				continue
			}
		}

		for _, pe := range pending {
			if err := u.deliver(ctx, &pe.Event); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Rejected permanently: drop so the spool keeps moving.
				if u.metrics != nil {
					u.metrics.Dropped.Inc()
				}
				u.logger.Warn("event rejected by manager, dropping",
					slog.String("event_id", pe.Event.EventID), slog.Any("error", err))
			} else if u.metrics != nil {
				u.metrics.Delivered.Inc()
			}
			if err := u.spool.Ack(ctx, []int64{pe.ID}); err != nil {
				u.logger.Error("spool ack failed", slog.Int64("id", pe.ID), slog.Any("error", err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// deliver sends one event, retrying transient failures with capped
// exponential backoff until the context ends. It returns nil on acceptance
// and a non-nil error only for permanent rejection or shutdown.
func (u *Uploader) deliver(ctx context.Context, e *event.Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxSendBackoff
	policy.MaxElapsedTime = 0 // retry until shutdown

	return backoff.Retry(func() error {
		err := u.sender.SendEvent(ctx, e)
		if err == nil {
			return nil
		}
		if errors.Is(err, transport.ErrTransient) {
			u.logger.Debug("event delivery will retry",
				slog.String("event_id", e.EventID), slog.Any("error", err))
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}
