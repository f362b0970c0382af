//go:build linux

package enforcer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

func init() {
	platformStorageDriver = newSysfsStorageDriver
}

const (
	// autoprobePath controls whether newly attached USB devices are bound
	// to their drivers. Writing "0" prevents new mass-storage devices from
	// appearing; already-bound devices are handled per-instance.
	autoprobePath = "/sys/bus/usb/drivers_autoprobe"

	usbDevicesGlob = "/sys/bus/usb/devices/*"

	// massStorageClass is the USB interface class for mass storage.
	massStorageClass = "08"
)

// sysfsStorageDriver manipulates USB mass-storage availability through
// sysfs. It needs root; permission errors surface to the controller, which
// logs and reports partial success.
type sysfsStorageDriver struct{}

func newSysfsStorageDriver() (StorageDriver, error) {
	if _, err := os.Stat(autoprobePath); err != nil {
		return nil, fmt.Errorf("usb sysfs unavailable: %w", err)
	}
	return &sysfsStorageDriver{}, nil
}

func (d *sysfsStorageDriver) Disabled() (bool, error) {
	data, err := os.ReadFile(autoprobePath)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(data)) == "0", nil
}

func (d *sysfsStorageDriver) SetDisabled(disabled bool) error {
	v := "1"
	if disabled {
		v = "0"
	}
	return os.WriteFile(autoprobePath, []byte(v), 0o644)
}

// DisableDeviceInstances deauthorizes every USB device that exposes a
// mass-storage interface by writing 0 to its sysfs authorized attribute.
func (d *sysfsStorageDriver) DisableDeviceInstances() (int, error) {
	entries, err := filepath.Glob(usbDevicesGlob)
	if err != nil {
		return 0, err
	}
	disabled := 0
	var lastErr error
	for _, entry := range entries {
		// Interface entries look like "1-1:1.0"; the parent device is the
		// part before the colon.
		base := filepath.Base(entry)
		idx := strings.IndexByte(base, ':')
		if idx < 0 {
			continue
		}
		class, err := os.ReadFile(filepath.Join(entry, "bInterfaceClass"))
		if err != nil || strings.TrimSpace(string(class)) != massStorageClass {
			continue
		}
		parent := filepath.Join(filepath.Dir(entry), base[:idx])
		if err := os.WriteFile(filepath.Join(parent, "authorized"), []byte("0"), 0o644); err != nil {
			lastErr = err
			continue
		}
		disabled++
	}
	return disabled, lastErr
}

// EjectRemovableDrives lazily unmounts every mounted filesystem backed by a
// removable block device.
func (d *sysfsStorageDriver) EjectRemovableDrives() (int, error) {
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return 0, err
	}
	ejected := 0
	var lastErr error
	for _, line := range strings.Split(string(mounts), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "/dev/sd") {
			continue
		}
		if !isRemovableDevice(fields[0]) {
			continue
		}
		if err := unix.Unmount(fields[1], unix.MNT_DETACH); err != nil {
			lastErr = err
			continue
		}
		ejected++
	}
	return ejected, lastErr
}

// isRemovableDevice consults /sys/block/<disk>/removable for the disk
// backing dev (partition suffixes stripped).
func isRemovableDevice(dev string) bool {
	name := strings.TrimPrefix(dev, "/dev/")
	name = strings.TrimRightFunc(name, func(r rune) bool { return r >= '0' && r <= '9' })
	data, err := os.ReadFile(filepath.Join("/sys/block", name, "removable"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}
