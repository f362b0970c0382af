package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cybersentinel/dlp/internal/enforcer"
	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// fakeMounts is an injectable removable-volume table.
type fakeMounts struct {
	mu     sync.Mutex
	mounts []Mount
}

func (f *fakeMounts) list() ([]Mount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Mount(nil), f.mounts...), nil
}

func (f *fakeMounts) set(mounts ...Mount) {
	f.mu.Lock()
	f.mounts = mounts
	f.mu.Unlock()
}

func startDeviceMonitor(t *testing.T, fm *fakeMounts, snap *policy.Snapshot) *DeviceMonitor {
	t.Helper()
	m := NewDeviceMonitor(testLogger(), "agent-1", fixedSource(snap), startedEnforcer(t))
	m.scan = 10 * time.Millisecond
	m.list = fm.list
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func deviceSnapshot(t *testing.T, action policy.Action, events ...string) *policy.Snapshot {
	t.Helper()
	cfg := `{"monitoredEvents":[`
	for i, ev := range events {
		if i > 0 {
			cfg += ","
		}
		cfg += fmt.Sprintf("%q", ev)
	}
	cfg += fmt.Sprintf(`],"action":%q}`, action)
	return snapshotOf(t, policy.TypeUSBDevice,
		policy.Wire{ID: "usb-1", Name: "usb watch", Enabled: true, Config: []byte(cfg)})
}

// ---------------------------------------------------------------------------
// Device arrivals and departures
// ---------------------------------------------------------------------------

func TestDeviceMonitor_ConnectAlert(t *testing.T) {
	fm := &fakeMounts{}
	m := startDeviceMonitor(t, fm, deviceSnapshot(t, policy.ActionAlert, "usb_connect"))

	fm.set(Mount{Device: "fake0", Path: "/mnt/flash"})

	e := collectEvent(t, m.Events(), 2*time.Second)
	if e.EventType != event.TypeUSB || e.EventSubtype != event.SubtypeUSBConnect {
		t.Errorf("event = %s/%s, want usb/usb_connect", e.EventType, e.EventSubtype)
	}
	if e.Severity != policy.SeverityHigh || e.Action != "alerted" {
		t.Errorf("classification = (%s, %s), want (high, alerted)", e.Severity, e.Action)
	}
	if e.DeviceID != "fake0" || e.FilePath != "/mnt/flash" {
		t.Errorf("device identity = (%q, %q), want (fake0, /mnt/flash)", e.DeviceID, e.FilePath)
	}
	if len(e.MatchedPolicies) != 1 || e.MatchedPolicies[0] != "usb-1" {
		t.Errorf("MatchedPolicies = %v, want [usb-1]", e.MatchedPolicies)
	}
}

func TestDeviceMonitor_PreexistingDeviceNotReported(t *testing.T) {
	fm := &fakeMounts{}
	fm.set(Mount{Device: "fake0", Path: "/mnt/flash"})
	m := startDeviceMonitor(t, fm, deviceSnapshot(t, policy.ActionAlert, "usb_connect"))

	expectNoEvent(t, m.Events(), 200*time.Millisecond)
}

func TestDeviceMonitor_Disconnect(t *testing.T) {
	fm := &fakeMounts{}
	m := startDeviceMonitor(t, fm, deviceSnapshot(t, policy.ActionLog, "usb_connect", "usb_disconnect"))

	fm.set(Mount{Device: "fake0", Path: "/mnt/flash"})
	connect := collectEvent(t, m.Events(), 2*time.Second)
	if connect.EventSubtype != event.SubtypeUSBConnect || connect.Action != "logged" {
		t.Errorf("connect = (%s, %s), want (usb_connect, logged)", connect.EventSubtype, connect.Action)
	}

	fm.set()
	disconnect := collectEvent(t, m.Events(), 2*time.Second)
	if disconnect.EventSubtype != event.SubtypeUSBDisconnect {
		t.Errorf("subtype = %s, want usb_disconnect", disconnect.EventSubtype)
	}
	if disconnect.DeviceID != "fake0" {
		t.Errorf("DeviceID = %q, want fake0", disconnect.DeviceID)
	}
}

func TestDeviceMonitor_BlockWithoutControllerReportsFailure(t *testing.T) {
	fm := &fakeMounts{}
	// Enforcer built without a USB controller; a block policy must degrade to
	// a reported failure rather than crash the monitor.
	enf := enforcer.New(testLogger(), enforcer.WithQuarantineDir(t.TempDir()))
	if err := enf.Start(context.Background()); err != nil {
		t.Fatalf("enforcer start: %v", err)
	}
	t.Cleanup(enf.Stop)

	m := NewDeviceMonitor(testLogger(), "agent-1",
		fixedSource(deviceSnapshot(t, policy.ActionBlock, "usb_connect")), enf)
	m.scan = 10 * time.Millisecond
	m.list = fm.list
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)

	fm.set(Mount{Device: "fake0", Path: "/mnt/flash"})

	e := collectEvent(t, m.Events(), 2*time.Second)
	if e.EventSubtype != event.SubtypeUSBBlocked {
		t.Errorf("subtype = %s, want usb_blocked", e.EventSubtype)
	}
	if e.Action != enforcer.OutcomeBlockFailed {
		t.Errorf("action = %q, want %q", e.Action, enforcer.OutcomeBlockFailed)
	}
	if e.Description == "" {
		t.Error("failure description missing")
	}
}

func TestDeviceMonitor_UnmonitoredEventsSilent(t *testing.T) {
	fm := &fakeMounts{}
	m := startDeviceMonitor(t, fm, deviceSnapshot(t, policy.ActionAlert, "usb_disconnect"))

	// Arrival is not in the policy's monitored events.
	fm.set(Mount{Device: "fake0", Path: "/mnt/flash"})
	expectNoEvent(t, m.Events(), 200*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Transfer monitor
// ---------------------------------------------------------------------------

func startTransferMonitor(t *testing.T, fm *fakeMounts, snap *policy.Snapshot, enf *enforcer.Enforcer, window time.Duration) *TransferMonitor {
	t.Helper()
	m := NewTransferMonitor(testLogger(), "agent-1", fixedSource(snap), enf, 1<<20)
	m.scan = 10 * time.Millisecond
	m.window = window
	m.list = fm.list
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func transferSnapshot(t *testing.T, srcDir string, action policy.Action, quarantinePath string) *policy.Snapshot {
	t.Helper()
	cfg := fmt.Sprintf(`{"monitoredPaths":[%q],"action":%q`, srcDir, action)
	if quarantinePath != "" {
		cfg += fmt.Sprintf(`,"quarantinePath":%q`, quarantinePath)
	}
	cfg += "}"
	return snapshotOf(t, policy.TypeUSBFileTransfer,
		policy.Wire{ID: "xfer-1", Name: "transfer watch", Enabled: true, Config: []byte(cfg)})
}

// settleDrive waits long enough for the monitor to sight the drive and index
// the monitored sources.
func settleDrive() { time.Sleep(100 * time.Millisecond) }

func TestTransferMonitor_CopyAlert(t *testing.T) {
	srcDir := t.TempDir()
	drive := t.TempDir()
	src := renameIn(t, srcDir, "plan.txt", "q3 roadmap")

	fm := &fakeMounts{}
	fm.set(Mount{Device: "fake0", Path: drive})
	enf := startedEnforcer(t)
	m := startTransferMonitor(t, fm, transferSnapshot(t, srcDir, policy.ActionAlert, ""), enf, time.Hour)
	settleDrive()

	onDrive := filepath.Join(drive, "plan.txt")
	if err := os.WriteFile(onDrive, []byte("q3 roadmap"), 0o644); err != nil {
		t.Fatalf("write drive copy: %v", err)
	}

	e := collectEvent(t, m.Events(), 2*time.Second)
	if e.EventSubtype != event.SubtypeUSBFileTransfer {
		t.Errorf("subtype = %s, want usb_file_transfer", e.EventSubtype)
	}
	if e.Severity != policy.SeverityHigh || e.Action != "alerted" {
		t.Errorf("classification = (%s, %s), want (high, alerted)", e.Severity, e.Action)
	}
	if e.FileName != "plan.txt" || e.FilePath != onDrive {
		t.Errorf("file identity = (%q, %q)", e.FileName, e.FilePath)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("alert removed the source file")
	}
	if _, err := os.Stat(onDrive); err != nil {
		t.Error("alert removed the drive copy")
	}
}

func TestTransferMonitor_PreexistingDriveFilesNotReported(t *testing.T) {
	srcDir := t.TempDir()
	drive := t.TempDir()
	renameIn(t, srcDir, "plan.txt", "q3 roadmap")
	// The same file name is already on the stick when it is first sighted.
	if err := os.WriteFile(filepath.Join(drive, "plan.txt"), []byte("old copy"), 0o644); err != nil {
		t.Fatalf("write preexisting drive file: %v", err)
	}

	fm := &fakeMounts{}
	fm.set(Mount{Device: "fake0", Path: drive})
	enf := startedEnforcer(t)
	m := startTransferMonitor(t, fm, transferSnapshot(t, srcDir, policy.ActionAlert, ""), enf, time.Hour)

	expectNoEvent(t, m.Events(), 300*time.Millisecond)
}

func TestTransferMonitor_BlockedCopy(t *testing.T) {
	srcDir := t.TempDir()
	drive := t.TempDir()
	src := renameIn(t, srcDir, "payroll.txt", "salaries")

	fm := &fakeMounts{}
	fm.set(Mount{Device: "fake0", Path: drive})
	enf := startedEnforcer(t)
	m := startTransferMonitor(t, fm, transferSnapshot(t, srcDir, policy.ActionBlock, ""), enf, time.Hour)
	settleDrive()

	onDrive := filepath.Join(drive, "payroll.txt")
	if err := os.WriteFile(onDrive, []byte("salaries"), 0o644); err != nil {
		t.Fatalf("write drive copy: %v", err)
	}

	e := collectEvent(t, m.Events(), 2*time.Second)
	if e.Action != "blocked_copy" || e.Severity != policy.SeverityCritical {
		t.Errorf("outcome = (%s, %s), want (blocked_copy, critical)", e.Action, e.Severity)
	}
	if _, err := os.Stat(onDrive); !os.IsNotExist(err) {
		t.Error("drive copy not removed")
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("source file lost during a copy block")
	}
}

func TestTransferMonitor_BlockedMoveReinstatesSource(t *testing.T) {
	srcDir := t.TempDir()
	drive := t.TempDir()
	src := renameIn(t, srcDir, "designs.txt", "cad payload")

	fm := &fakeMounts{}
	fm.set(Mount{Device: "fake0", Path: drive})
	enf := startedEnforcer(t)
	m := startTransferMonitor(t, fm, transferSnapshot(t, srcDir, policy.ActionBlock, ""), enf, time.Hour)
	settleDrive()

	// A move: the source disappears, the drive copy appears.
	if err := os.Remove(src); err != nil {
		t.Fatalf("remove source: %v", err)
	}
	onDrive := filepath.Join(drive, "designs.txt")
	if err := os.WriteFile(onDrive, []byte("cad payload"), 0o644); err != nil {
		t.Fatalf("write drive copy: %v", err)
	}

	e := collectEvent(t, m.Events(), 2*time.Second)
	if e.Action != "blocked_move" {
		t.Errorf("action = %q, want blocked_move", e.Action)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("source not reinstated: %v", err)
	}
	if string(data) != "cad payload" {
		t.Errorf("reinstated content = %q, want the moved bytes", data)
	}
	if _, err := os.Stat(onDrive); !os.IsNotExist(err) {
		t.Error("drive copy not removed after reinstating the source")
	}
}

func TestTransferMonitor_QuarantinedMoveRestoresSource(t *testing.T) {
	srcDir := t.TempDir()
	drive := t.TempDir()
	qdir := t.TempDir()
	src := renameIn(t, srcDir, "contract.txt", "signed terms")

	fm := &fakeMounts{}
	fm.set(Mount{Device: "fake0", Path: drive})
	enf := startedEnforcer(t)
	m := startTransferMonitor(t, fm, transferSnapshot(t, srcDir, policy.ActionQuarantine, qdir), enf, 50*time.Millisecond)
	settleDrive()

	if err := os.Remove(src); err != nil {
		t.Fatalf("remove source: %v", err)
	}
	onDrive := filepath.Join(drive, "contract.txt")
	if err := os.WriteFile(onDrive, []byte("signed terms"), 0o644); err != nil {
		t.Fatalf("write drive copy: %v", err)
	}

	e := collectEvent(t, m.Events(), 2*time.Second)
	if e.Action != "quarantined_move" {
		t.Errorf("action = %q, want quarantined_move", e.Action)
	}
	if _, err := os.Stat(onDrive); !os.IsNotExist(err) {
		t.Error("drive copy still present after quarantine")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(src); err == nil && string(data) == "signed terms" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("quarantined transfer not restored to the source directory")
}
