//go:build linux

package sysmem

import "golang.org/x/sys/unix"

// systemMemory reads total and free RAM on Linux using sysinfo(2).
func systemMemory() (total, avail uint64, ok bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, false
	}
	unit := uint64(info.Unit)
	return uint64(info.Totalram) * unit, (uint64(info.Freeram) + uint64(info.Bufferram)) * unit, true
}
