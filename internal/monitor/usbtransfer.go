package monitor

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cybersentinel/dlp/internal/classify"
	"github.com/cybersentinel/dlp/internal/enforcer"
	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
)

const (
	// DefaultTransferScanInterval is how often removable drives are scanned
	// for newly appeared files.
	DefaultTransferScanInterval = time.Second

	// DefaultTransferRestorationWindow is how long a quarantined USB transfer
	// stays in quarantine before being restored to the monitored source
	// directory.
	DefaultTransferRestorationWindow = 2 * time.Minute
)

// sourceRef ties a monitored file name back to the rule and source location
// that cover it.
type sourceRef struct {
	path string
	rule policy.Rule
}

// driveState tracks what the monitor knows about one removable drive. Files
// present when the drive is first sighted are marked pre-existing and never
// reported; only files that appear afterwards count as transfers.
type driveState struct {
	preexisting map[string]struct{}
	seen        map[string]struct{}
}

// TransferMonitor detects files from monitored directories appearing on
// removable drives and applies usb_file_transfer_monitoring policies. A
// transfer is classified as a copy or a move by whether the source file
// still exists; block removes the drive copy (reinstating the source first
// for moves), quarantine moves the drive copy into quarantine with a short
// restoration window back to the source directory.
type TransferMonitor struct {
	logger   *slog.Logger
	agentID  string
	policies PolicySource
	enf      *enforcer.Enforcer
	scan     time.Duration
	window   time.Duration
	maxBytes int64
	events   chan event.Event

	// list is indirected for tests.
	list func() ([]Mount, error)

	drives map[string]*driveState

	// tracked accumulates the monitored files seen across scans, keyed by
	// base name. Entries outlive their source file so that a move (source
	// already gone) is still recognised when its copy appears on a drive.
	tracked map[string][]sourceRef

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTransferMonitor constructs a USB file transfer monitor. maxBytes caps
// content reads for data-type aware rules.
func NewTransferMonitor(logger *slog.Logger, agentID string, policies PolicySource, enf *enforcer.Enforcer, maxBytes int64) *TransferMonitor {
	return &TransferMonitor{
		logger:   logger.With(slog.String("monitor", "usb_transfer")),
		agentID:  agentID,
		policies: policies,
		enf:      enf,
		scan:     DefaultTransferScanInterval,
		window:   DefaultTransferRestorationWindow,
		maxBytes: maxBytes,
		events:   make(chan event.Event, defaultBufferSize),
		list:     listRemovableMounts,
		drives:   make(map[string]*driveState),
		tracked:  make(map[string][]sourceRef),
	}
}

// Start begins the differential scan loop.
func (m *TransferMonitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop halts scanning and closes the event channel.
func (m *TransferMonitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		close(m.events)
	})
}

// Events returns the monitor's event channel.
func (m *TransferMonitor) Events() <-chan event.Event { return m.events }

func (m *TransferMonitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.scan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *TransferMonitor) tick(ctx context.Context) {
	snap := m.policies()
	rules := snap.Rules(policy.TypeUSBFileTransfer)
	if len(rules) == 0 {
		return
	}

	mounts, err := m.list()
	if err != nil {
		m.logger.Debug("removable mount scan failed", slog.Any("error", err))
		return
	}

	current := make(map[string]struct{}, len(mounts))
	for _, mnt := range mounts {
		current[mnt.Path] = struct{}{}
	}
	for path := range m.drives {
		if _, still := current[path]; !still {
			delete(m.drives, path)
		}
	}

	for base, refs := range monitoredSources(rules) {
		m.tracked[base] = refs
	}

	for _, mnt := range mounts {
		files, err := listDriveFiles(mnt.Path)
		if err != nil {
			// Drive yanked or filesystem wedged mid-scan: forget it quietly
			// and pick it up fresh when it reappears.
			delete(m.drives, mnt.Path)
			continue
		}

		st, sighted := m.drives[mnt.Path]
		if !sighted {
			pre := make(map[string]struct{}, len(files))
			for base := range files {
				pre[base] = struct{}{}
			}
			m.drives[mnt.Path] = &driveState{preexisting: pre, seen: map[string]struct{}{}}
			continue
		}

		nextSeen := make(map[string]struct{}, len(files))
		for base, usbPath := range files {
			nextSeen[base] = struct{}{}
			if _, old := st.preexisting[base]; old {
				continue
			}
			if _, already := st.seen[base]; already {
				continue
			}
			refs := m.tracked[base]
			if len(refs) == 0 {
				continue
			}
			m.handleTransfer(ctx, mnt, usbPath, base, refs)
		}
		st.seen = nextSeen
	}
}

// monitoredSources walks every rule's monitored directories and indexes the
// files found there by base name, so a drive scan can recognise them.
func monitoredSources(rules []policy.Rule) map[string][]sourceRef {
	out := make(map[string][]sourceRef)
	for _, r := range rules {
		for _, root := range r.MonitoredPaths {
			rule := r
			_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return nil
				}
				if !rule.MatchesExtension(path) {
					return nil
				}
				base := filepath.Base(path)
				out[base] = append(out[base], sourceRef{path: path, rule: rule})
				return nil
			})
		}
	}
	return out
}

// listDriveFiles returns base name to full path for every file on the drive.
func listDriveFiles(root string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			files[filepath.Base(path)] = path
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (m *TransferMonitor) handleTransfer(ctx context.Context, mnt Mount, usbPath, base string, refs []sourceRef) {
	deciding := refs[0]
	var ids []string
	for _, ref := range refs {
		ids = append(ids, ref.rule.ID)
		if strictestRef(ref, deciding) {
			deciding = ref
		}
	}

	_, statErr := os.Stat(deciding.path)
	moved := os.IsNotExist(statErr)
	kind := "copy"
	if moved {
		kind = "move"
	}

	e := newEvent(m.agentID, event.TypeUSB, event.SubtypeUSBFileTransfer)
	e.FilePath = usbPath
	e.FileName = base
	e.DeviceID = mnt.Device
	e.MatchedPolicies = ids
	e.Description = fmt.Sprintf("file %s to removable drive %s from %s", kind, mnt.Path, deciding.path)

	if len(deciding.rule.DataTypes) > 0 {
		if data, err := readCapped(usbPath, m.maxBytes); err == nil {
			e.FileSize = int64(len(data))
			e.FileHash = hashBytes(data)
			res := classify.Classify(string(data), event.SubtypeUSBFileTransfer, []policy.Rule{deciding.rule})
			if res.Matched() {
				e.DataTypes = res.DataTypes
				e.TotalMatches = res.TotalMatches
				e.DetectedContent = classify.Summarize(res.DetectedContent)
				e.Content = capContent(string(data))
			}
		}
	}

	switch deciding.rule.Action {
	case policy.ActionBlock:
		e.Severity = policy.SeverityCritical
		e.Action = "blocked_" + kind
		if err := m.blockTransfer(usbPath, deciding.path, moved); err != nil {
			m.logger.Error("block usb transfer", slog.String("path", usbPath), slog.Any("error", err))
			e.Action = enforcer.OutcomeBlockFailed
			e.Description += "; block failed: " + err.Error()
		}
	case policy.ActionQuarantine:
		e.Severity = policy.SeverityCritical
		e.Action = "quarantined_" + kind
		restoreTo := deciding.path
		outcome, err := m.enf.QuarantineTo(usbPath, restoreTo, deciding.rule.QuarantinePath, m.window, ids)
		if err != nil {
			m.logger.Error("quarantine usb transfer", slog.String("path", usbPath), slog.Any("error", err))
			e.Action = outcome
			e.Description += "; quarantine failed: " + err.Error()
		}
	case policy.ActionAlert:
		e.Severity = policy.SeverityHigh
		e.Action = classify.ActionAlerted
	}

	m.logger.Info("usb file transfer detected",
		slog.String("file", base), slog.String("drive", mnt.Path),
		slog.String("kind", kind), slog.String("action", e.Action))

	select {
	case m.events <- e:
	case <-ctx.Done():
	default:
		m.logger.Warn("event buffer full, dropping transfer event", slog.String("event_id", e.EventID))
	}
}

// blockTransfer removes the drive copy. For a move the source is reinstated
// from the drive copy first so the user keeps their file.
func (m *TransferMonitor) blockTransfer(usbPath, srcPath string, moved bool) error {
	if moved {
		if err := copyFile(usbPath, srcPath); err != nil {
			return fmt.Errorf("reinstate source: %w", err)
		}
	}
	if err := os.Remove(usbPath); err != nil {
		return fmt.Errorf("remove drive copy: %w", err)
	}
	return nil
}

// strictestRef reports whether a should displace b as the deciding transfer
// rule: stricter action, then lower priority integer, then lower id.
func strictestRef(a, b sourceRef) bool {
	if a.rule.Action != b.rule.Action {
		return policy.StricterAction(a.rule.Action, b.rule.Action) == a.rule.Action
	}
	if a.rule.Priority != b.rule.Priority {
		return a.rule.Priority < b.rule.Priority
	}
	return a.rule.ID < b.rule.ID
}

func readCapped(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxBytes))
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
