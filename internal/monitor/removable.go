package monitor

import (
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// Mount describes one mounted removable volume.
type Mount struct {
	Device string
	Path   string
}

// isRemovable decides whether a partition belongs to a removable volume.
// Platform files override it with a real OS test; the portable fallback
// recognises the mount-point conventions of desktop Linux automounters.
var isRemovable = func(p disk.PartitionStat) bool {
	for _, prefix := range []string{"/media/", "/run/media/", "/mnt/"} {
		if strings.HasPrefix(p.Mountpoint, prefix) {
			return true
		}
	}
	return false
}

// listRemovableMounts returns the currently mounted removable volumes. Both
// USB monitors poll it; an error (partition table momentarily unreadable)
// skips the scan rather than being treated as all drives removed.
func listRemovableMounts() ([]Mount, error) {
	parts, err := disk.Partitions(false)
	if err != nil {
		return nil, err
	}
	var mounts []Mount
	for _, p := range parts {
		if isRemovable(p) {
			mounts = append(mounts, Mount{Device: p.Device, Path: p.Mountpoint})
		}
	}
	return mounts, nil
}
