// Package membudget caps the memory the piece index may occupy.
//
// The piece index must live entirely in memory, while the deal stream runs in
// constant memory. The budget is reserved while the index is built so an
// oversized generation log fails early with a clear error instead of swapping.
package membudget

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/eunmann/deal-qap/pkg/humanfmt"
	"github.com/eunmann/deal-qap/pkg/sysmem"
)

// DefaultBudgetBytes is the fallback memory budget when system RAM cannot be detected.
const DefaultBudgetBytes uint64 = 8 * 1024 * 1024 * 1024

// ErrBudgetExceeded is returned when a reservation does not fit.
var ErrBudgetExceeded = errors.New("memory budget exceeded")

// BudgetSource indicates how the memory budget was determined.
type BudgetSource string

const (
	// BudgetSourceAuto50Pct indicates the budget was set to 50% of detected RAM.
	BudgetSourceAuto50Pct BudgetSource = "auto-50pct"
	// BudgetSourceDefault indicates the budget used the fallback default.
	BudgetSourceDefault BudgetSource = "default"
	// BudgetSourceConfig indicates the budget came from flags, env or a config file.
	BudgetSourceConfig BudgetSource = "config"
	// BudgetSourceUnlimited indicates no cap is enforced.
	BudgetSourceUnlimited BudgetSource = "unlimited"
)

// Budget tracks reserved bytes against a fixed total. It is safe for concurrent use.
type Budget struct {
	total  uint64
	inUse  atomic.Uint64
	source BudgetSource
}

// New creates a Budget with the given total. A zero total means unlimited.
func New(total uint64, source BudgetSource) *Budget {
	if total == 0 {
		source = BudgetSourceUnlimited
	}
	return &Budget{total: total, source: source}
}

// NewFromSystemRAM creates a Budget set to 50% of system RAM.
// If RAM cannot be detected, uses DefaultBudgetBytes.
func NewFromSystemRAM() *Budget {
	result := sysmem.Total()
	if !result.Reliable {
		return New(DefaultBudgetBytes, BudgetSourceDefault)
	}
	return New(result.TotalBytes/2, BudgetSourceAuto50Pct)
}

// Total returns the total budget in bytes, 0 when unlimited.
func (b *Budget) Total() uint64 { return b.total }

// InUse returns the currently reserved bytes.
func (b *Budget) InUse() uint64 { return b.inUse.Load() }

// Source returns how the budget was determined.
func (b *Budget) Source() BudgetSource { return b.source }

// Unlimited reports whether reservations always succeed.
func (b *Budget) Unlimited() bool { return b.total == 0 }

// Available returns the unreserved bytes.
func (b *Budget) Available() uint64 {
	inUse := b.inUse.Load()
	if inUse >= b.total {
		return 0
	}
	return b.total - inUse
}

// TryReserve attempts to reserve n bytes without blocking.
func (b *Budget) TryReserve(n uint64) bool {
	for {
		cur := b.inUse.Load()
		next := cur + n
		if next < cur || (!b.Unlimited() && next > b.total) {
			return false
		}
		if b.inUse.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Reserve reserves n bytes for what, or returns an error wrapping
// ErrBudgetExceeded that names the shortfall.
func (b *Budget) Reserve(n uint64, what string) error {
	if b.TryReserve(n) {
		return nil
	}
	return fmt.Errorf("%s needs %s more, %s of %s available (%s): %w",
		what, humanfmt.BytesUint64(n), humanfmt.BytesUint64(b.Available()),
		humanfmt.BytesUint64(b.total), b.source, ErrBudgetExceeded)
}

// Release returns n bytes to the budget.
func (b *Budget) Release(n uint64) {
	for {
		cur := b.inUse.Load()
		next := cur - n
		if n > cur {
			next = 0
		}
		if b.inUse.CompareAndSwap(cur, next) {
			return
		}
	}
}

// ParseHumanSize parses a human-readable size string (e.g., "4GiB", "512MB").
// Supported suffixes: B, KB, KiB, MB, MiB, GB, GiB, TB, TiB (single-letter
// K/M/G/T are binary).
func ParseHumanSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size string")
	}

	numEnd := len(s)
	for i, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			numEnd = i
			break
		}
	}

	num, err := strconv.ParseFloat(s[:numEnd], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", s[:numEnd])
	}

	var multiplier float64
	switch strings.TrimSpace(s[numEnd:]) {
	case "", "B":
		multiplier = 1
	case "KB":
		multiplier = 1e3
	case "KiB", "K":
		multiplier = humanfmt.KiB
	case "MB":
		multiplier = 1e6
	case "MiB", "M":
		multiplier = humanfmt.MiB
	case "GB":
		multiplier = 1e9
	case "GiB", "G":
		multiplier = humanfmt.GiB
	case "TB":
		multiplier = 1e12
	case "TiB", "T":
		multiplier = humanfmt.TiB
	default:
		return 0, fmt.Errorf("unknown size suffix: %s", s[numEnd:])
	}

	return uint64(num * multiplier), nil
}
