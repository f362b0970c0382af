package monitor

import (
	"context"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/atotto/clipboard"

	"github.com/cybersentinel/dlp/internal/classify"
	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
)

// DefaultClipboardPoll is how often the clipboard is sampled for changes.
const DefaultClipboardPoll = 2 * time.Second

// platformWindowTitle is registered by platform files (window_windows.go) in
// their init(). When nil, events carry no source-window attribution.
var platformWindowTitle func() string

// sourceFileRe extracts a file name from window titles of the common
// "document.ext - Application" form.
var sourceFileRe = regexp.MustCompile(`^(.+?\.[A-Za-z0-9]{1,8})\s*[-\x{2013}\x{2014}]\s+.+$`)

// ClipboardMonitor polls the system clipboard and classifies new text
// contents against clipboard_monitoring policies. It emits an event only when
// a policy's match threshold is met and at least one data type was detected:
// routine copying never produces traffic.
type ClipboardMonitor struct {
	logger   *slog.Logger
	agentID  string
	policies PolicySource
	events   chan event.Event

	pollMu sync.Mutex
	poll   time.Duration
	pollCh chan time.Duration

	// read and windowTitle are indirected for tests.
	read        func() (string, error)
	windowTitle func() string

	last string

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewClipboardMonitor constructs a clipboard monitor.
func NewClipboardMonitor(logger *slog.Logger, agentID string, policies PolicySource) *ClipboardMonitor {
	return &ClipboardMonitor{
		logger:      logger.With(slog.String("monitor", "clipboard")),
		agentID:     agentID,
		policies:    policies,
		poll:        DefaultClipboardPoll,
		pollCh:      make(chan time.Duration, 1),
		events:      make(chan event.Event, defaultBufferSize),
		read:        clipboard.ReadAll,
		windowTitle: platformWindowTitle,
	}
}

// Start primes the change detector with the current clipboard contents so
// text copied before the agent started is never reported, then begins
// polling.
func (m *ClipboardMonitor) Start(ctx context.Context) error {
	if current, err := m.read(); err == nil {
		m.last = current
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop halts polling and closes the event channel.
func (m *ClipboardMonitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		close(m.events)
	})
}

// Events returns the monitor's event channel.
func (m *ClipboardMonitor) Events() <-chan event.Event { return m.events }

// Refresh adopts the sampling interval demanded by the installed clipboard
// policies: the smallest configured pollIntervalSeconds wins, and with none
// configured the default applies. Called by the agent after every bundle
// swap.
func (m *ClipboardMonitor) Refresh() error {
	var interval time.Duration
	for _, r := range m.policies().Rules(policy.TypeClipboard) {
		if r.PollInterval > 0 && (interval == 0 || r.PollInterval < interval) {
			interval = r.PollInterval
		}
	}
	if interval == 0 {
		interval = DefaultClipboardPoll
	}

	m.pollMu.Lock()
	changed := interval != m.poll
	m.poll = interval
	m.pollMu.Unlock()
	if changed {
		select {
		case m.pollCh <- interval:
		default: // an unconsumed reset is pending; the latest interval is in m.poll
		}
		m.logger.Info("clipboard poll interval updated", slog.Duration("interval", interval))
	}
	return nil
}

func (m *ClipboardMonitor) currentPoll() time.Duration {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	return m.poll
}

func (m *ClipboardMonitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.currentPoll())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.pollCh:
			ticker.Reset(m.currentPoll())
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *ClipboardMonitor) sample(ctx context.Context) {
	text, err := m.read()
	if err != nil {
		// Headless sessions and locked desktops fail here routinely.
		m.logger.Debug("clipboard read failed", slog.Any("error", err))
		return
	}
	if text == "" || text == m.last {
		return
	}
	m.last = text

	snap := m.policies()
	rules := snap.Rules(policy.TypeClipboard)
	if len(rules) == 0 {
		return
	}

	// Clipboard rules select the "clipboard" event, not the emitted subtype.
	res := classify.Classify(text, "clipboard", rules)
	if !res.Matched() || len(res.DetectedContent) == 0 {
		return
	}

	e := newEvent(m.agentID, event.TypeClipboard, event.SubtypeClipboardCopy)
	applyClassification(&e, &res)
	e.Content = capContent(text)

	if m.windowTitle != nil {
		if title := m.windowTitle(); title != "" {
			e.Description = "copied from window: " + title
			if match := sourceFileRe.FindStringSubmatch(title); match != nil {
				e.FilePath = match[1]
				e.FileName = filepath.Base(match[1])
			}
		}
	}

	select {
	case m.events <- e:
	case <-ctx.Done():
	default:
		m.logger.Warn("event buffer full, dropping clipboard event", slog.String("event_id", e.EventID))
	}
}
