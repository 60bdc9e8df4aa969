package benchutil

import (
	"os"
	"testing"
)

// Shared constants for benchmarks across packages.

// BenchmarkSeed is the default seed for reproducible benchmark data generation.
const BenchmarkSeed = 42

// BenchmarkSizes are deal-row counts for quick runs.
var BenchmarkSizes = []int{1000, 10000, 100000}

// ScalingSizes are larger deal-row counts for scaling runs.
// Used with DEALQAP_LONG_BENCH=1 environment variable.
var ScalingSizes = []int{250000, 1000000, 4000000}

// SkipIfNoLongBench skips the benchmark if DEALQAP_LONG_BENCH is not set.
func SkipIfNoLongBench(b *testing.B) {
	if os.Getenv("DEALQAP_LONG_BENCH") == "" {
		b.Skip("set DEALQAP_LONG_BENCH=1 to run scaling benchmark")
	}
}
