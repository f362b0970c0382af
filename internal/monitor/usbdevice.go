package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cybersentinel/dlp/internal/classify"
	"github.com/cybersentinel/dlp/internal/enforcer"
	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/policy"
)

// DefaultDeviceScanInterval is how often the removable-volume table is
// polled for arrivals and departures.
const DefaultDeviceScanInterval = time.Second

// DeviceInfo identifies a connected removable device as well as the OS lets
// us.
type DeviceInfo struct {
	Name      string
	DeviceID  string
	VendorID  string
	ProductID string
}

// platformDescribeDevice resolves a mount to richer device identity (product
// name, vendor and product ids). Registered by platform files in init();
// when nil, identity falls back to the mount itself.
var platformDescribeDevice func(Mount) DeviceInfo

// describeDevice returns the best identity available for a mount. When only
// the ids are known the name follows the "USB Device (VID:xxxx PID:yyyy)"
// convention.
func describeDevice(mnt Mount) DeviceInfo {
	var info DeviceInfo
	if platformDescribeDevice != nil {
		info = platformDescribeDevice(mnt)
	}
	if info.DeviceID == "" {
		info.DeviceID = mnt.Device
	}
	if info.Name == "" {
		if info.VendorID != "" || info.ProductID != "" {
			info.Name = fmt.Sprintf("USB Device (VID:%s PID:%s)", info.VendorID, info.ProductID)
		} else {
			info.Name = filepath.Base(mnt.Path)
		}
	}
	return info
}

// DeviceMonitor watches for removable-device arrivals and departures and
// applies usb_device_monitoring policies. A connect that meets an installed
// block rule triggers the enforcer's global mass-storage block; the emitted
// usb_blocked event reports how much of the two-step block succeeded.
type DeviceMonitor struct {
	logger   *slog.Logger
	agentID  string
	policies PolicySource
	enf      *enforcer.Enforcer
	scan     time.Duration
	events   chan event.Event

	// list is indirected for tests.
	list func() ([]Mount, error)

	known map[string]Mount // keyed by mount path

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDeviceMonitor constructs a USB device monitor.
func NewDeviceMonitor(logger *slog.Logger, agentID string, policies PolicySource, enf *enforcer.Enforcer) *DeviceMonitor {
	return &DeviceMonitor{
		logger:   logger.With(slog.String("monitor", "usb_device")),
		agentID:  agentID,
		policies: policies,
		enf:      enf,
		scan:     DefaultDeviceScanInterval,
		events:   make(chan event.Event, defaultBufferSize),
		list:     listRemovableMounts,
		known:    make(map[string]Mount),
	}
}

// Start records the devices already connected (no events for them) and
// begins polling.
func (m *DeviceMonitor) Start(ctx context.Context) error {
	if mounts, err := m.list(); err == nil {
		for _, mnt := range mounts {
			m.known[mnt.Path] = mnt
		}
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Stop halts polling and closes the event channel.
func (m *DeviceMonitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		close(m.events)
	})
}

// Events returns the monitor's event channel.
func (m *DeviceMonitor) Events() <-chan event.Event { return m.events }

func (m *DeviceMonitor) run(ctx context.Context) {
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

func (m *DeviceMonitor) tick(ctx context.Context) {
	mounts, err := m.list()
	if err != nil {
		m.logger.Debug("removable mount scan failed", slog.Any("error", err))
		return
	}

	current := make(map[string]Mount, len(mounts))
	for _, mnt := range mounts {
		current[mnt.Path] = mnt
		if _, seen := m.known[mnt.Path]; !seen {
			m.arrived(ctx, mnt)
		}
	}
	for path, mnt := range m.known {
		if _, still := current[path]; !still {
			m.departed(ctx, mnt)
		}
	}
	m.known = current
}

func (m *DeviceMonitor) arrived(ctx context.Context, mnt Mount) {
	snap := m.policies()
	var matched []policy.Rule
	for _, r := range snap.Rules(policy.TypeUSBDevice) {
		if r.MonitorsEvent(event.SubtypeUSBConnect) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return
	}

	action := policy.ActionLog
	var ids []string
	for _, r := range matched {
		action = policy.StricterAction(action, r.Action)
		ids = append(ids, r.ID)
	}

	info := describeDevice(mnt)
	m.logger.Info("usb device connected",
		slog.String("device", info.Name), slog.String("mount", mnt.Path),
		slog.String("action", string(action)))

	if action == policy.ActionBlock && snap.USBBlockingActive() {
		e := newEvent(m.agentID, event.TypeUSB, event.SubtypeUSBBlocked)
		m.setDevice(&e, mnt, info)
		e.MatchedPolicies = ids
		e.Severity = policy.SeverityCritical
		if usb := m.enf.USB(); usb != nil {
			res := usb.Block()
			e.Action = "blocked"
			if !res.Success {
				e.Action = enforcer.OutcomeBlockFailed
			}
			e.Description = fmt.Sprintf(
				"usb mass storage blocked: registry_blocked=%t devices_disabled=%d drives_ejected=%d",
				res.RegistryBlocked, res.DevicesDisabled, res.DrivesEjected)
		} else {
			e.Action = enforcer.OutcomeBlockFailed
			e.Description = "usb mass storage block unavailable: no storage controller configured"
			m.logger.Warn("usb blocking demanded but no controller configured",
				slog.String("device", info.Name))
		}
		m.emit(ctx, e)
		return
	}

	e := newEvent(m.agentID, event.TypeUSB, event.SubtypeUSBConnect)
	m.setDevice(&e, mnt, info)
	e.MatchedPolicies = ids
	if action == policy.ActionAlert {
		e.Severity = policy.SeverityHigh
		e.Action = classify.ActionAlerted
	}
	m.emit(ctx, e)
}

func (m *DeviceMonitor) departed(ctx context.Context, mnt Mount) {
	snap := m.policies()
	var ids []string
	for _, r := range snap.Rules(policy.TypeUSBDevice) {
		if r.MonitorsEvent(event.SubtypeUSBDisconnect) {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	info := describeDevice(mnt)
	e := newEvent(m.agentID, event.TypeUSB, event.SubtypeUSBDisconnect)
	m.setDevice(&e, mnt, info)
	e.MatchedPolicies = ids
	m.emit(ctx, e)
}

func (m *DeviceMonitor) setDevice(e *event.Event, mnt Mount, info DeviceInfo) {
	e.DeviceName = info.Name
	e.DeviceID = info.DeviceID
	e.VendorID = info.VendorID
	e.ProductID = info.ProductID
	e.FilePath = mnt.Path
}

func (m *DeviceMonitor) emit(ctx context.Context, e event.Event) {
	select {
	case m.events <- e:
	case <-ctx.Done():
	default:
		m.logger.Warn("event buffer full, dropping usb event", slog.String("event_id", e.EventID))
	}
}
