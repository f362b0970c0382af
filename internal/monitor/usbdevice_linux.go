//go:build linux

package monitor

import (
	"os"
	"path/filepath"
	"strings"
)

func init() {
	platformDescribeDevice = sysfsDescribeDevice
}

// sysfsDescribeDevice walks up the sysfs device tree from the block device
// backing the mount until it finds the USB device node, which carries the
// idVendor, idProduct, and product attributes.
func sysfsDescribeDevice(mnt Mount) DeviceInfo {
	var info DeviceInfo
	if !strings.HasPrefix(mnt.Device, "/dev/") {
		return info
	}
	name := strings.TrimPrefix(mnt.Device, "/dev/")
	name = strings.TrimRightFunc(name, func(r rune) bool { return r >= '0' && r <= '9' })

	dev, err := filepath.EvalSymlinks(filepath.Join("/sys/block", name))
	if err != nil {
		return info
	}
	for dir := dev; dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		vid := readSysfsAttr(dir, "idVendor")
		if vid == "" {
			continue
		}
		info.VendorID = vid
		info.ProductID = readSysfsAttr(dir, "idProduct")
		info.Name = readSysfsAttr(dir, "product")
		info.DeviceID = readSysfsAttr(dir, "serial")
		return info
	}
	return info
}

func readSysfsAttr(dir, attr string) string {
	data, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
