//go:build linux

package qbind

import "golang.org/x/sys/unix"

// totalSystemMemoryImpl reads total system memory via sysinfo(2).
func totalSystemMemoryImpl() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}
