// Package monitor implements the endpoint monitors: filesystem, clipboard,
// USB device, and USB file transfer. Each monitor consults the current policy
// snapshot on every observation, classifies captured content, applies any
// demanded enforcement through the enforcer, and publishes the resulting
// events on the channel returned by Events.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cybersentinel/dlp/internal/classify"
	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
)

// defaultBufferSize is the capacity of each monitor's event channel. A
// buffered channel keeps a momentarily-slow consumer from stalling the
// observation loop; events beyond the buffer are dropped with a log line.
const defaultBufferSize = 64

// eventContentCap bounds the captured text carried on an event for
// manager-side re-evaluation.
const eventContentCap = 100_000

// PolicySource returns the policy snapshot a monitor should evaluate against.
// The agent publishes snapshots atomically, so the returned value is safe to
// read without synchronisation; monitors call it on every observation rather
// than caching it.
type PolicySource func() *policy.Snapshot

// Monitor is the common interface implemented by the filesystem, clipboard,
// and USB monitors. Implementations must be safe for concurrent use.
type Monitor interface {
	// Start begins monitoring and sends events to the channel returned by
	// Events. It returns an error if initialisation fails.
	Start(ctx context.Context) error
	// Stop signals the monitor to cease observing and release resources.
	// It blocks until all internal goroutines have exited.
	Stop()
	// Events returns a read-only channel from which callers receive DLP
	// events. The channel is closed when the monitor stops.
	Events() <-chan event.Event
}

// Refresher is implemented by monitors whose OS-level subscriptions depend on
// policy content (the filesystem monitor's watch roots). The agent calls
// Refresh after every bundle swap.
type Refresher interface {
	Refresh() error
}

// newEvent constructs an event with the identity and timestamp fields every
// monitor-produced event carries.
func newEvent(agentID, eventType, subtype string) event.Event {
	return event.Event{
		EventID:      uuid.NewString(),
		AgentID:      agentID,
		SourceType:   event.SourceAgent,
		EventType:    eventType,
		EventSubtype: subtype,
		Severity:     policy.SeverityLow,
		Action:       classify.ActionLogged,
		Timestamp:    event.Now(),
	}
}

// capContent truncates captured text to the per-event carry limit.
func capContent(s string) string {
	if len(s) > eventContentCap {
		return s[:eventContentCap]
	}
	return s
}

func hashBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// applyClassification copies a classification result onto an event, redacting
// samples on the way.
func applyClassification(e *event.Event, res *classify.Result) {
	e.Severity = res.Severity
	e.Action = res.SuggestedAction
	e.DataTypes = res.DataTypes
	e.MatchedPolicies = res.MatchedPolicies
	e.TotalMatches = res.TotalMatches
	e.DetectedContent = classify.Summarize(res.DetectedContent)
}

// deduper suppresses repeat observations of the same key inside a fixed
// window. The filesystem monitor keys on (path, subtype) so editor write
// bursts collapse to one event.
type deduper struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func newDeduper(window time.Duration) *deduper {
	return &deduper{window: window, seen: make(map[string]time.Time)}
}

// Duplicate records key and reports whether it was already recorded within
// the window. Expired entries are pruned opportunistically.
func (d *deduper) Duplicate(key string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return true
	}
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	d.seen[key] = now
	return false
}
