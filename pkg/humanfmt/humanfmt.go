// Package humanfmt provides human-readable formatting for bytes, counts, durations,
// and capacity totals that exceed 64 bits.
package humanfmt

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Binary (IEC) units for bytes.
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
	PiB = 1024 * TiB
	EiB = 1024 * PiB
)

type unit struct {
	size float64
	name string
}

// Largest first.
var iecUnits = []unit{
	{EiB, "EiB"},
	{PiB, "PiB"},
	{TiB, "TiB"},
	{GiB, "GiB"},
	{MiB, "MiB"},
	{KiB, "KiB"},
}

// Bytes formats a byte count using IEC binary units.
// Returns a compact string like "1.23 GiB".
func Bytes(b int64) string {
	if b < 0 {
		return fmt.Sprintf("%d B", b)
	}
	return BytesUint64(uint64(b))
}

// BytesUint64 is like Bytes but for uint64.
func BytesUint64(b uint64) string {
	f := float64(b)
	for _, u := range iecUnits {
		if f >= u.size {
			return fmt.Sprintf("%.2f %s", f/u.size, u.name)
		}
	}
	return fmt.Sprintf("%d B", b)
}

var bigUnits = func() []struct {
	size decimal.Decimal
	name string
} {
	out := make([]struct {
		size decimal.Decimal
		name string
	}, len(iecUnits))
	for i, u := range iecUnits {
		out[i].size = decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(u.size)), 0)
		out[i].name = u.name
	}
	return out
}()

// BigBytes formats an arbitrary-precision byte count with IEC units. The
// division is exact decimal arithmetic, so totals above 2^53 do not lose digits
// before rounding. Values beyond EiB stay in EiB.
func BigBytes(b *big.Int) string {
	if b == nil {
		return "0 B"
	}
	if b.Sign() < 0 {
		return b.String() + " B"
	}
	d := decimal.NewFromBigInt(b, 0)
	for _, u := range bigUnits {
		if d.GreaterThanOrEqual(u.size) {
			return d.DivRound(u.size, 16).StringFixed(2) + " " + u.name
		}
	}
	return b.String() + " B"
}

// InEiB returns b expressed in exbibytes with the given number of decimal places.
func InEiB(b *big.Int, places int32) string {
	if b == nil {
		return decimal.Zero.StringFixed(places)
	}
	return decimal.NewFromBigInt(b, 0).DivRound(bigUnits[0].size, places+8).StringFixed(places)
}

// Duration examples: "1.23s", "45.6ms", "789µs", "1m30s", "2h15m".
func Duration(d time.Duration) string {
	if d < 0 {
		return d.String()
	}

	switch {
	case d >= time.Hour:
		h := d / time.Hour
		m := (d % time.Hour) / time.Minute
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	case d >= time.Minute:
		m := d / time.Minute
		s := (d % time.Minute) / time.Second
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm%ds", m, s)
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.1fµs", float64(d)/float64(time.Microsecond))
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}

// Rate formats rows per duration, e.g. "1.25M rows/s".
func Rate(n int64, d time.Duration) string {
	if d <= 0 {
		return "∞"
	}
	perSec := float64(n) / d.Seconds()
	return Count(int64(perSec)) + " rows/s"
}

// Count examples: "1.23M", "456K", "789".
func Count(n int64) string {
	if n < 0 {
		return strconv.FormatInt(n, 10)
	}

	const (
		thousand = 1000
		million  = 1000 * thousand
		billion  = 1000 * million
	)

	switch {
	case n >= billion:
		return fmt.Sprintf("%.2fB", float64(n)/billion)
	case n >= million:
		return fmt.Sprintf("%.2fM", float64(n)/million)
	case n >= thousand:
		return fmt.Sprintf("%.2fK", float64(n)/thousand)
	default:
		return strconv.FormatInt(n, 10)
	}
}
