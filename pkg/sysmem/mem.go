// Package sysmem detects total and currently available system memory.
//
// Detection is platform-specific; unsupported platforms get safe defaults.
package sysmem

// DefaultMemoryBytes is the fallback memory value (4 GB) used when
// platform-specific detection fails or is unsupported.
const DefaultMemoryBytes uint64 = 4 * 1024 * 1024 * 1024

// Result holds the result of memory detection.
type Result struct {
	// TotalBytes is the total system memory in bytes.
	TotalBytes uint64

	// AvailableBytes is memory not currently in use, or 0 if unknown.
	AvailableBytes uint64

	// Reliable indicates whether TotalBytes came from a platform-specific
	// method (true) or is the fallback default (false).
	Reliable bool
}

// Total returns the system memory.
// If detection fails or is unsupported, TotalBytes is DefaultMemoryBytes and
// Reliable is false.
func Total() Result {
	total, avail, ok := systemMemory()
	if !ok || total == 0 {
		return Result{TotalBytes: DefaultMemoryBytes}
	}
	return Result{
		TotalBytes:     total,
		AvailableBytes: avail,
		Reliable:       true,
	}
}

// TotalBytes is a convenience function that returns just the total.
func TotalBytes() uint64 {
	return Total().TotalBytes
}
