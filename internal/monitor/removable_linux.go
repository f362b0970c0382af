//go:build linux

package monitor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

func init() {
	isRemovable = sysfsRemovable
}

// sysfsRemovable consults /sys/block/<disk>/removable for the disk backing
// the partition, which is authoritative regardless of where the volume is
// mounted.
func sysfsRemovable(p disk.PartitionStat) bool {
	if !strings.HasPrefix(p.Device, "/dev/") {
		return false
	}
	name := strings.TrimPrefix(p.Device, "/dev/")
	name = strings.TrimRightFunc(name, func(r rune) bool { return r >= '0' && r <= '9' })
	data, err := os.ReadFile(filepath.Join("/sys/block", name, "removable"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}
