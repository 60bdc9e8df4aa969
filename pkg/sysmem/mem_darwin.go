//go:build darwin

package sysmem

import "golang.org/x/sys/unix"

// systemMemory reads total RAM on macOS via sysctl. Available memory is not
// exposed through a single sysctl and is reported as unknown.
func systemMemory() (total, avail uint64, ok bool) {
	mem, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, 0, false
	}
	return mem, 0, true
}
