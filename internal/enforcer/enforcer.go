package enforcer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Action outcomes recorded on events. The outcome always reflects what
// actually happened, including failures.
const (
	OutcomeQuarantined         = "quarantined"
	OutcomeQuarantinedOnDelete = "quarantined_on_delete"
	OutcomeQuarantineFailed    = "quarantine_failed"
	OutcomeDeleted             = "deleted"
	OutcomeBlockFailed         = "block_failed"
	OutcomeRestored            = "restored"
)

// Defaults for the quarantine lifecycle.
const (
	DefaultRestorationWindow = 10 * time.Minute
	DefaultRestoredGrace     = 30 * time.Second
)

// Enforcer owns quarantine state on the endpoint: the being-quarantined and
// recently-restored suppression sets, the original-content cache, the restore
// journal, and the global USB controller. Monitors consult Suppressed before
// emitting events for a path and call the action methods after
// classification.
type Enforcer struct {
	logger  *slog.Logger
	cache   *ContentCache
	journal *Journal
	usb     *USBController

	window      time.Duration
	grace       time.Duration
	fallbackDir string

	mu           sync.Mutex
	quarantining map[string]struct{}
	restored     map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithRestorationWindow overrides how long quarantined files wait before
// restoration.
func WithRestorationWindow(d time.Duration) Option {
	return func(e *Enforcer) { e.window = d }
}

// WithRestoredGrace overrides how long restored paths stay suppressed.
func WithRestoredGrace(d time.Duration) Option {
	return func(e *Enforcer) { e.grace = d }
}

// WithCache supplies a pre-built content cache (tests; the default cache
// holds DefaultCacheEntries).
func WithCache(c *ContentCache) Option {
	return func(e *Enforcer) { e.cache = c }
}

// WithJournal enables the on-disk restore journal.
func WithJournal(j *Journal) Option {
	return func(e *Enforcer) { e.journal = j }
}

// WithQuarantineDir sets the fallback quarantine directory used when a
// matched policy names none.
func WithQuarantineDir(dir string) Option {
	return func(e *Enforcer) { e.fallbackDir = dir }
}

// WithUSBController supplies the USB desired-state controller.
func WithUSBController(c *USBController) Option {
	return func(e *Enforcer) { e.usb = c }
}

// New constructs an Enforcer. Call Start before use and Stop on shutdown.
func New(logger *slog.Logger, opts ...Option) *Enforcer {
	e := &Enforcer{
		logger:       logger,
		window:       DefaultRestorationWindow,
		grace:        DefaultRestoredGrace,
		quarantining: make(map[string]struct{}),
		restored:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = NewContentCache(DefaultCacheEntries)
	}
	return e
}

// Start replays the restore journal, rescheduling every pending restoration
// (overdue entries restore immediately). Restorations scheduled by this run
// are abandoned on Stop and picked up by the next Start.
func (e *Enforcer) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if e.journal == nil {
		return nil
	}
	pending, err := e.journal.Pending()
	if err != nil {
		return fmt.Errorf("enforcer: replay journal: %w", err)
	}
	for _, entry := range pending {
		if _, err := os.Stat(entry.QuarantinePath); err != nil {
			// Quarantine copy is gone (operator intervened); drop the entry.
			e.appendJournal(JournalEntry{Op: opRestored, Path: entry.Path, QuarantinePath: entry.QuarantinePath})
			continue
		}
		e.markQuarantining(entry.Path)
		e.scheduleRestore(entry)
		e.logger.Info("rescheduled pending restoration",
			slog.String("path", entry.Path),
			slog.Time("restore_at", entry.RestoreAt))
	}
	return nil
}

// Stop cancels pending restoration timers and waits for in-flight
// restorations to finish. Unfinished restorations stay journalled.
func (e *Enforcer) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.usb != nil {
		if err := e.usb.RestoreInitial(); err != nil {
			e.logger.Error("restore usb storage state on shutdown", slog.Any("error", err))
		}
	}
	if e.journal != nil {
		_ = e.journal.Close()
	}
}

// Cache exposes the original-content cache to the filesystem monitor.
func (e *Enforcer) Cache() *ContentCache { return e.cache }

// USB exposes the USB controller, or nil when none is configured.
func (e *Enforcer) USB() *USBController { return e.usb }

// Suppressed reports whether monitor events for path must be dropped: the
// path is mid-quarantine, or was restored within the grace window.
func (e *Enforcer) Suppressed(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.quarantining[path]; ok {
		return true
	}
	if at, ok := e.restored[path]; ok {
		if time.Since(at) < e.grace {
			return true
		}
		delete(e.restored, path)
	}
	return false
}

// Quarantine moves path into the quarantine directory and schedules its
// restoration after the restoration window. The cached original for path (if
// any) is pinned so eviction cannot lose the bytes restoration needs.
// The returned outcome is OutcomeQuarantined or OutcomeQuarantineFailed.
func (e *Enforcer) Quarantine(path, quarantineDir string, policyIDs []string) (string, error) {
	return e.QuarantineTo(path, path, quarantineDir, e.window, policyIDs)
}

// QuarantineTo moves srcPath into quarantine and schedules restoration to
// restorePath after the given window. The filesystem monitor quarantines in
// place (srcPath == restorePath, default window); the USB transfer monitor
// quarantines a removable-drive copy back into the monitored source
// directory on a shorter window.
func (e *Enforcer) QuarantineTo(srcPath, restorePath, quarantineDir string, window time.Duration, policyIDs []string) (string, error) {
	dir := e.resolveDir(quarantineDir)
	if dir == "" {
		return OutcomeQuarantineFailed, errors.New("no quarantine directory configured")
	}
	if window <= 0 {
		window = e.window
	}

	e.markQuarantining(restorePath)
	e.cache.Pin(restorePath)

	dest := quarantineName(dir, srcPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		e.unmarkQuarantining(restorePath)
		e.cache.Unpin(restorePath)
		return OutcomeQuarantineFailed, fmt.Errorf("create quarantine dir: %w", err)
	}
	if err := moveFile(srcPath, dest); err != nil {
		e.unmarkQuarantining(restorePath)
		e.cache.Unpin(restorePath)
		return OutcomeQuarantineFailed, fmt.Errorf("move to quarantine: %w", err)
	}

	entry := JournalEntry{
		Op:             opScheduled,
		Path:           restorePath,
		QuarantinePath: dest,
		StoredAt:       time.Now().UTC(),
		RestoreAt:      time.Now().UTC().Add(window),
		PolicyIDs:      policyIDs,
	}
	e.appendJournal(entry)
	e.scheduleRestore(entry)

	e.logger.Info("file quarantined",
		slog.String("path", srcPath),
		slog.String("quarantine_path", dest),
		slog.Time("restore_at", entry.RestoreAt))
	return OutcomeQuarantined, nil
}

// QuarantineDeleted handles delete interception: the OS already removed
// path, but the content cache holds the original bytes, so a saved copy is
// written into quarantine and restoration is scheduled. The returned outcome
// is OutcomeQuarantinedOnDelete or OutcomeQuarantineFailed.
func (e *Enforcer) QuarantineDeleted(path, quarantineDir string, policyIDs []string) (string, error) {
	data, ok := e.cache.Get(path)
	if !ok {
		return OutcomeQuarantineFailed, fmt.Errorf("no cached original for %s", path)
	}
	dir := e.resolveDir(quarantineDir)
	if dir == "" {
		return OutcomeQuarantineFailed, errors.New("no quarantine directory configured")
	}

	e.markQuarantining(path)
	e.cache.Pin(path)

	dest := quarantineName(dir, path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		e.unmarkQuarantining(path)
		e.cache.Unpin(path)
		return OutcomeQuarantineFailed, fmt.Errorf("create quarantine dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		e.unmarkQuarantining(path)
		e.cache.Unpin(path)
		return OutcomeQuarantineFailed, fmt.Errorf("write saved copy: %w", err)
	}

	entry := JournalEntry{
		Op:             opScheduled,
		Path:           path,
		QuarantinePath: dest,
		StoredAt:       time.Now().UTC(),
		RestoreAt:      time.Now().UTC().Add(e.window),
		PolicyIDs:      policyIDs,
		SavedCopy:      true,
	}
	e.appendJournal(entry)
	e.scheduleRestore(entry)

	e.logger.Info("deleted file saved for restoration",
		slog.String("path", path),
		slog.String("quarantine_path", dest))
	return OutcomeQuarantinedOnDelete, nil
}

// Block removes path. The returned outcome is OutcomeDeleted or
// OutcomeBlockFailed.
func (e *Enforcer) Block(path string) (string, error) {
	if err := os.Remove(path); err != nil {
		return OutcomeBlockFailed, fmt.Errorf("remove blocked file: %w", err)
	}
	e.logger.Info("file removed by block policy", slog.String("path", path))
	return OutcomeDeleted, nil
}

// scheduleRestore runs the restoration after its deadline unless the
// enforcer is stopped first.
func (e *Enforcer) scheduleRestore(entry JournalEntry) {
	delay := time.Until(entry.RestoreAt)
	if delay < 0 {
		delay = 0
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-e.ctx.Done():
			// Abandoned; the journal entry stays pending for next startup.
			return
		case <-timer.C:
		}
		e.restore(entry)
	}()
}

// restore puts the original file back at entry.Path. When the content cache
// holds the original bytes they win (restoration faithfulness); otherwise
// the quarantine copy is moved back. Failures fall back to moving the
// quarantine copy; a path is only marked restored when some content is back
// in place.
func (e *Enforcer) restore(entry JournalEntry) {
	restoredFromCache := false
	if data, ok := e.cache.Get(entry.Path); ok {
		if err := os.MkdirAll(filepath.Dir(entry.Path), 0o755); err == nil {
			if err := os.WriteFile(entry.Path, data, 0o644); err == nil {
				restoredFromCache = true
				_ = os.Remove(entry.QuarantinePath)
				e.cache.Delete(entry.Path)
			} else {
				e.logger.Error("write original bytes on restore", slog.String("path", entry.Path), slog.Any("error", err))
			}
		}
	}
	if !restoredFromCache {
		if err := moveFile(entry.QuarantinePath, entry.Path); err != nil {
			e.logger.Error("move quarantine copy back",
				slog.String("path", entry.Path),
				slog.String("quarantine_path", entry.QuarantinePath),
				slog.Any("error", err))
			e.unmarkQuarantining(entry.Path)
			return
		}
		e.cache.Unpin(entry.Path)
	}

	e.mu.Lock()
	delete(e.quarantining, entry.Path)
	e.restored[entry.Path] = time.Now()
	e.mu.Unlock()

	e.appendJournal(JournalEntry{Op: opRestored, Path: entry.Path, QuarantinePath: entry.QuarantinePath})
	e.logger.Info("file restored", slog.String("path", entry.Path), slog.Bool("from_cache", restoredFromCache))
}

func (e *Enforcer) resolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	return e.fallbackDir
}

func (e *Enforcer) markQuarantining(path string) {
	e.mu.Lock()
	e.quarantining[path] = struct{}{}
	e.mu.Unlock()
}

func (e *Enforcer) unmarkQuarantining(path string) {
	e.mu.Lock()
	delete(e.quarantining, path)
	e.mu.Unlock()
}

func (e *Enforcer) appendJournal(entry JournalEntry) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(entry); err != nil {
		e.logger.Error("journal append", slog.Any("error", err))
	}
}

// quarantineName builds the storage name for a quarantined file:
// <dir>/<epoch_ns>_<basename>.
func quarantineName(dir, path string) string {
	return filepath.Join(dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(path)))
}

// moveFile renames src to dst, falling back to copy+remove when the rename
// crosses filesystems (quarantine directories often live on another volume).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
