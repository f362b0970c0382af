//go:build windows

package enforcer

import (
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

func init() {
	platformStorageDriver = newRegistryStorageDriver
}

const (
	usbstorKey = `SYSTEM\CurrentControlSet\Services\USBSTOR`
	enumKey    = `SYSTEM\CurrentControlSet\Enum\USBSTOR`

	// Service start values for the USBSTOR driver.
	startDemand   = 3 // enabled (demand start)
	startDisabled = 4

	// CONFIG_FLAG_DISABLE in a device instance's ConfigFlags value.
	configFlagDisable = 0x1

	ioctlStorageEjectMedia = 0x2D4808
)

// registryStorageDriver toggles the USBSTOR service start type, the knob the
// Windows storage stack consults before binding newly attached mass-storage
// devices.
type registryStorageDriver struct{}

func newRegistryStorageDriver() (StorageDriver, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, usbstorKey, registry.QUERY_VALUE)
	if err != nil {
		return nil, fmt.Errorf("open USBSTOR key: %w", err)
	}
	k.Close()
	return &registryStorageDriver{}, nil
}

func (d *registryStorageDriver) Disabled() (bool, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, usbstorKey, registry.QUERY_VALUE)
	if err != nil {
		return false, err
	}
	defer k.Close()
	start, _, err := k.GetIntegerValue("Start")
	if err != nil {
		return false, err
	}
	return start == startDisabled, nil
}

func (d *registryStorageDriver) SetDisabled(disabled bool) error {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, usbstorKey, registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer k.Close()
	v := uint32(startDemand)
	if disabled {
		v = startDisabled
	}
	return k.SetDWordValue("Start", v)
}

// DisableDeviceInstances sets CONFIG_FLAG_DISABLE on every enumerated
// USBSTOR device instance so already-bound sticks stop working without a
// reboot of the storage stack.
func (d *registryStorageDriver) DisableDeviceInstances() (int, error) {
	root, err := registry.OpenKey(registry.LOCAL_MACHINE, enumKey, registry.ENUMERATE_SUB_KEYS)
	if err != nil {
		return 0, err
	}
	defer root.Close()

	devices, err := root.ReadSubKeyNames(-1)
	if err != nil {
		return 0, err
	}

	disabled := 0
	var lastErr error
	for _, device := range devices {
		dk, err := registry.OpenKey(root, device, registry.ENUMERATE_SUB_KEYS)
		if err != nil {
			lastErr = err
			continue
		}
		instances, err := dk.ReadSubKeyNames(-1)
		dk.Close()
		if err != nil {
			lastErr = err
			continue
		}
		for _, instance := range instances {
			ik, err := registry.OpenKey(root, device+`\`+instance, registry.SET_VALUE)
			if err != nil {
				lastErr = err
				continue
			}
			if err := ik.SetDWordValue("ConfigFlags", configFlagDisable); err != nil {
				lastErr = err
			} else {
				disabled++
			}
			ik.Close()
		}
	}
	return disabled, lastErr
}

// EjectRemovableDrives issues IOCTL_STORAGE_EJECT_MEDIA against every
// removable drive letter.
func (d *registryStorageDriver) EjectRemovableDrives() (int, error) {
	ejected := 0
	var lastErr error
	for letter := 'D'; letter <= 'Z'; letter++ {
		rootPath := string(letter) + `:\`
		p, err := windows.UTF16PtrFromString(rootPath)
		if err != nil {
			continue
		}
		if windows.GetDriveType(p) != windows.DRIVE_REMOVABLE {
			continue
		}
		volPath, err := windows.UTF16PtrFromString(`\\.\` + string(letter) + `:`)
		if err != nil {
			continue
		}
		h, err := windows.CreateFile(volPath,
			windows.GENERIC_READ|windows.GENERIC_WRITE,
			windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
			nil, windows.OPEN_EXISTING, 0, 0)
		if err != nil {
			lastErr = err
			continue
		}
		var returned uint32
		err = windows.DeviceIoControl(h, ioctlStorageEjectMedia, nil, 0, nil, 0, &returned, nil)
		windows.CloseHandle(h)
		if err != nil {
			lastErr = err
			continue
		}
		ejected++
	}
	return ejected, lastErr
}
