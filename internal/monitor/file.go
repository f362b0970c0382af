package monitor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cybersentinel/dlp/internal/classify"
	"github.com/cybersentinel/dlp/internal/enforcer"
	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
)

const (
	// DefaultDedupWindow collapses repeat (path, subtype) observations, such
	// as the write bursts editors produce while saving.
	DefaultDedupWindow = 2 * time.Second

	// DefaultReadDelay is how long the monitor waits after a create or write
	// notification before reading the file, giving the writer a moment to
	// finish.
	DefaultReadDelay = 200 * time.Millisecond
)

// FileMonitor watches the directories named by file_system_monitoring and
// file_transfer_monitoring policies and emits file events. Captured content
// is classified; quarantine and block outcomes are applied through the
// enforcer before the event is published.
//
// Watch roots follow the installed policy snapshot: the agent calls Refresh
// after every bundle swap, and newly added roots are baseline-scanned into
// the content cache (without emitting events) so that later deletions of
// pre-existing files can still be classified.
type FileMonitor struct {
	logger   *slog.Logger
	agentID  string
	policies PolicySource
	enf      *enforcer.Enforcer
	maxBytes int64

	readDelay time.Duration
	dedup     *deduper
	events    chan event.Event

	mu    sync.Mutex
	fsw   *fsnotify.Watcher
	roots map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewFileMonitor constructs a filesystem monitor. maxBytes caps both baseline
// reads and per-event content capture; files above it are reported but never
// classified.
func NewFileMonitor(logger *slog.Logger, agentID string, policies PolicySource, enf *enforcer.Enforcer, maxBytes int64) *FileMonitor {
	return &FileMonitor{
		logger:    logger.With(slog.String("monitor", "file")),
		agentID:   agentID,
		policies:  policies,
		enf:       enf,
		maxBytes:  maxBytes,
		readDelay: DefaultReadDelay,
		dedup:     newDeduper(DefaultDedupWindow),
		events:    make(chan event.Event, defaultBufferSize),
		roots:     make(map[string]struct{}),
	}
}

// Start creates the OS watcher, applies the current snapshot's watch roots,
// and begins the event loop.
func (m *FileMonitor) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file monitor: create watcher: %w", err)
	}
	m.mu.Lock()
	m.fsw = fsw
	m.mu.Unlock()

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(fsw)

	if err := m.Refresh(); err != nil {
		m.logger.Warn("initial watch setup incomplete", slog.Any("error", err))
	}
	return nil
}

// Stop shuts the watcher down and closes the event channel.
func (m *FileMonitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Lock()
		if m.fsw != nil {
			_ = m.fsw.Close()
		}
		m.mu.Unlock()
		m.wg.Wait()
		close(m.events)
	})
}

// Events returns the monitor's event channel.
func (m *FileMonitor) Events() <-chan event.Event { return m.events }

// Refresh reconciles the OS watch set against the current snapshot's
// monitored paths. Roots that appear are watched recursively and
// baseline-scanned; roots that disappear are unwatched.
func (m *FileMonitor) Refresh() error {
	snap := m.policies()
	rules := snap.FileRules()

	desired := make(map[string]struct{})
	for _, r := range rules {
		for _, p := range r.MonitoredPaths {
			desired[filepath.Clean(p)] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsw == nil {
		return fmt.Errorf("file monitor: not started")
	}

	var firstErr error
	for root := range m.roots {
		if _, keep := desired[root]; !keep {
			m.removeRecursiveLocked(root)
			delete(m.roots, root)
		}
	}
	for root := range desired {
		if _, have := m.roots[root]; have {
			continue
		}
		if err := m.addRecursiveLocked(root); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn("cannot watch monitored path", slog.String("path", root), slog.Any("error", err))
			continue
		}
		m.roots[root] = struct{}{}
		m.baseline(root, rules)
	}
	return firstErr
}

func (m *FileMonitor) addRecursiveLocked(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // unreadable subtree, keep walking siblings
		}
		if d.IsDir() {
			if err := m.fsw.Add(path); err != nil {
				m.logger.Debug("watch add failed", slog.String("path", path), slog.Any("error", err))
			}
		}
		return nil
	})
}

func (m *FileMonitor) removeRecursiveLocked(root string) {
	for _, watched := range m.fsw.WatchList() {
		if watched == root || isUnder(watched, root) {
			_ = m.fsw.Remove(watched)
		}
	}
}

// baseline primes the content cache with the pre-existing files a new watch
// root contains. No events are emitted: only activity observed after the
// watch is live is reported.
func (m *FileMonitor) baseline(root string, rules []policy.Rule) {
	cache := m.enf.Cache()
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !anyRuleCovers(rules, path) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > m.maxBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		cache.Put(path, data)
		return nil
	})
}

func anyRuleCovers(rules []policy.Rule, path string) bool {
	for i := range rules {
		if rules[i].MatchesPath(path) && rules[i].MatchesExtension(path) {
			return true
		}
	}
	return false
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (m *FileMonitor) run(fsw *fsnotify.Watcher) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			m.dispatch(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", slog.Any("error", err))
		}
	}
}

// dispatch maps a raw notification to a file event subtype and hands it to a
// worker goroutine. The event loop itself never reads files, so a slow disk
// cannot back up the kernel queue.
func (m *FileMonitor) dispatch(ev fsnotify.Event) {
	var subtype string
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// A directory created under a watched root joins the watch set.
			m.mu.Lock()
			if m.fsw != nil {
				_ = m.addRecursiveLocked(ev.Name)
			}
			m.mu.Unlock()
			return
		}
		subtype = event.SubtypeFileCreated
	case ev.Has(fsnotify.Write):
		subtype = event.SubtypeFileModified
	case ev.Has(fsnotify.Remove):
		subtype = event.SubtypeFileDeleted
	case ev.Has(fsnotify.Rename):
		subtype = event.SubtypeFileRenamed
	default:
		return
	}

	path := ev.Name
	if m.enf.Suppressed(path) {
		return
	}
	if m.dedup.Duplicate(path + "|" + subtype) {
		return
	}

	select {
	case <-m.ctx.Done():
		return
	default:
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.process(path, subtype)
	}()
}

func (m *FileMonitor) process(path, subtype string) {
	snap := m.policies()
	// covering rules decide whether the file concerns us at all (and whether
	// its content gets cached); matched rules additionally select this event
	// subtype and gate classification and emission.
	var covering, matched []policy.Rule
	for _, r := range snap.FileRules() {
		if !r.MatchesPath(path) || !r.MatchesExtension(path) {
			continue
		}
		covering = append(covering, r)
		if r.MonitorsEvent(subtype) {
			matched = append(matched, r)
		}
	}
	if len(covering) == 0 {
		return
	}
	reported := len(matched) > 0

	e := newEvent(m.agentID, event.TypeFile, subtype)
	e.FilePath = path
	e.FileName = filepath.Base(path)

	var content []byte
	switch subtype {
	case event.SubtypeFileCreated, event.SubtypeFileModified:
		time.Sleep(m.readDelay)
		info, err := os.Stat(path)
		if err != nil {
			return // gone before we could read it; the delete event will follow
		}
		e.FileSize = info.Size()
		if info.Size() > m.maxBytes {
			if reported {
				e.Description = fmt.Sprintf("file exceeds %d byte classification limit", m.maxBytes)
				m.emit(e)
			}
			return
		}
		content, err = os.ReadFile(path)
		if err != nil {
			m.logger.Debug("cannot read monitored file", slog.String("path", path), slog.Any("error", err))
			return
		}
		if subtype == event.SubtypeFileCreated {
			// The cache keeps the first observed content so a later delete of
			// this file can still be classified and, if needed, preserved.
			// Caching happens for every covered creation, even when the
			// covering rules only report other events (a delete-only
			// quarantine policy depends on it). Modifications never refresh
			// the cached original.
			m.enf.Cache().Put(path, content)
		}
		if !reported {
			return
		}
	case event.SubtypeFileDeleted, event.SubtypeFileRenamed:
		if !reported {
			return
		}
		if data, ok := m.enf.Cache().Get(path); ok {
			content = data
			e.FileSize = int64(len(data))
		}
	}
	e.FileHash = hashBytes(content)

	res := classify.Classify(string(content), subtype, matched)
	if res.Matched() {
		applyClassification(&e, &res)
		e.Content = capContent(string(content))
		m.enforce(&e, &res, path, subtype)
	}
	m.emit(e)
}

// enforce applies quarantine or block outcomes and records the actual result
// on the event. Detection-only outcomes pass through unchanged.
func (m *FileMonitor) enforce(e *event.Event, res *classify.Result, path, subtype string) {
	switch res.SuggestedAction {
	case classify.ActionQuarantine:
		var outcome string
		var err error
		if subtype == event.SubtypeFileDeleted {
			outcome, err = m.enf.QuarantineDeleted(path, res.QuarantinePath, res.MatchedPolicies)
		} else {
			outcome, err = m.enf.Quarantine(path, res.QuarantinePath, res.MatchedPolicies)
		}
		e.Action = outcome
		if err != nil {
			m.logger.Error("quarantine failed", slog.String("path", path), slog.Any("error", err))
			e.Description = "quarantine failed: " + err.Error()
		}
	case classify.ActionBlock:
		if subtype != event.SubtypeFileCreated && subtype != event.SubtypeFileModified {
			return // nothing left on disk to remove
		}
		outcome, err := m.enf.Block(path)
		e.Action = outcome
		if err != nil {
			m.logger.Error("block failed", slog.String("path", path), slog.Any("error", err))
			e.Description = "block failed: " + err.Error()
		}
	}
}

func (m *FileMonitor) emit(e event.Event) {
	select {
	case m.events <- e:
	case <-m.ctx.Done():
	default:
		m.logger.Warn("event buffer full, dropping event",
			slog.String("event_id", e.EventID), slog.String("subtype", e.EventSubtype))
	}
}
