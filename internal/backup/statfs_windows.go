//go:build windows

package backup

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// statfsFree is the production FreeBytesFunc on Windows, using
// GetDiskFreeSpaceEx via golang.org/x/sys/windows.
func statfsFree(dir string) (uint64, error) {
	var freeBytesAvailable uint64
	path, err := syscall.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(path, &freeBytesAvailable, nil, nil); err != nil {
		return 0, err
	}
	return freeBytesAvailable, nil
}
