//go:build windows

package monitor

import (
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/windows"
)

func init() {
	isRemovable = driveTypeRemovable
}

// driveTypeRemovable asks the OS for the drive type of the volume's root
// path.
func driveTypeRemovable(p disk.PartitionStat) bool {
	root := p.Mountpoint
	if root == "" {
		return false
	}
	if root[len(root)-1] != '\\' {
		root += `\`
	}
	ptr, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return false
	}
	return windows.GetDriveType(ptr) == windows.DRIVE_REMOVABLE
}
