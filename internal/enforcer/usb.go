package enforcer

import (
	"log/slog"
	"sync"
)

// StorageDriver abstracts the OS USB mass-storage singleton the controller
// reconciles. Implementations are registered per platform; the in-memory
// fallback keeps the controller functional (and testable) everywhere else.
type StorageDriver interface {
	// Disabled reports whether the mass-storage driver is currently
	// disabled.
	Disabled() (bool, error)

	// SetDisabled disables or enables the mass-storage driver. The call is
	// idempotent.
	SetDisabled(disabled bool) error

	// DisableDeviceInstances disables each currently-enumerated USB storage
	// device instance, returning how many were disabled.
	DisableDeviceInstances() (int, error)

	// EjectRemovableDrives best-effort ejects every mounted removable
	// drive, returning how many were ejected.
	EjectRemovableDrives() (int, error)
}

// platformStorageDriver is registered by platform-specific files
// (usb_linux.go, usb_windows.go) in their init(). When nil, NewUSBController
// falls back to an in-memory driver that tracks state but touches no OS
// global.
var platformStorageDriver func() (StorageDriver, error)

// BlockResult reflects the (possibly partial) outcome of a global block.
type BlockResult struct {
	Success         bool
	RegistryBlocked bool
	DevicesDisabled int
	DrivesEjected   int
}

// USBController owns the process-external USB mass-storage state. All
// callers express a desired state; the controller reconciles the OS toward
// it and can always restore the state observed at startup. Transitions are
// idempotent.
type USBController struct {
	logger *slog.Logger

	mu              sync.Mutex
	driver          StorageDriver
	initialDisabled bool
	blocked         bool
}

// NewUSBController captures the current OS state as the restore target and
// returns the controller. When no platform driver is registered (or it fails
// to initialise) an in-memory driver is used.
func NewUSBController(logger *slog.Logger) *USBController {
	var driver StorageDriver
	if platformStorageDriver != nil {
		if d, err := platformStorageDriver(); err == nil {
			driver = d
		} else {
			logger.Warn("usb storage driver unavailable, using in-memory state", slog.Any("error", err))
		}
	}
	if driver == nil {
		driver = &memoryStorageDriver{}
	}

	initial, err := driver.Disabled()
	if err != nil {
		logger.Warn("cannot read usb storage driver state, assuming enabled", slog.Any("error", err))
		initial = false
	}
	return &USBController{logger: logger, driver: driver, initialDisabled: initial, blocked: initial}
}

// Blocked reports whether the controller currently holds the global block.
func (c *USBController) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// Block applies the two-step global block: disable the mass-storage driver,
// disable enumerated storage device instances, then best-effort eject
// already-mounted removable drives. Partial success is reported, not
// failed. Calling Block while blocked is a no-op reporting success.
func (c *USBController) Block() BlockResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blocked {
		return BlockResult{Success: true, RegistryBlocked: true}
	}

	var res BlockResult
	if err := c.driver.SetDisabled(true); err != nil {
		c.logger.Error("disable usb storage driver", slog.Any("error", err))
	} else {
		res.RegistryBlocked = true
	}

	n, err := c.driver.DisableDeviceInstances()
	if err != nil {
		c.logger.Warn("disable usb device instances", slog.Any("error", err))
	}
	res.DevicesDisabled = n

	n, err = c.driver.EjectRemovableDrives()
	if err != nil {
		c.logger.Warn("eject removable drives", slog.Any("error", err))
	}
	res.DrivesEjected = n

	res.Success = res.RegistryBlocked
	c.blocked = res.RegistryBlocked || c.blocked
	return res
}

// Unblock re-enables the mass-storage driver. Per the policy-transition
// safety rule this is unconditional: it re-enables even when the block was
// not applied by this process.
func (c *USBController) Unblock() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.driver.SetDisabled(false); err != nil {
		return err
	}
	c.blocked = false
	return nil
}

// Reconcile moves the OS state toward the desired blocking posture. It is
// called on every bundle swap; a bundle that stops demanding blocking
// releases the global block immediately.
func (c *USBController) Reconcile(blockDesired bool) {
	if blockDesired {
		return // blocks are applied on device arrival, not eagerly
	}
	c.mu.Lock()
	blocked := c.blocked
	c.mu.Unlock()
	if blocked {
		if err := c.Unblock(); err != nil {
			c.logger.Error("restore usb storage driver on policy transition", slog.Any("error", err))
		} else {
			c.logger.Info("usb storage driver re-enabled after policy transition")
		}
	}
}

// RestoreInitial returns the OS to the state observed at controller
// creation. Called unconditionally on shutdown.
func (c *USBController) RestoreInitial() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.driver.SetDisabled(c.initialDisabled); err != nil {
		return err
	}
	c.blocked = c.initialDisabled
	return nil
}

// memoryStorageDriver tracks desired state without touching the OS. Used on
// platforms without a registered driver and in tests.
type memoryStorageDriver struct {
	mu       sync.Mutex
	disabled bool
}

func (m *memoryStorageDriver) Disabled() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled, nil
}

func (m *memoryStorageDriver) SetDisabled(disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = disabled
	return nil
}

func (m *memoryStorageDriver) DisableDeviceInstances() (int, error) { return 0, nil }

func (m *memoryStorageDriver) EjectRemovableDrives() (int, error) { return 0, nil }
