package dealagg

import (
	"fmt"
	"strings"

	"github.com/eunmann/deal-qap/pkg/source"
)

// VerifiedMultiplier is the quality-adjusted power factor of a verified deal.
const VerifiedMultiplier = 10

// EpochFilter says where deals whose sector has not started are removed.
type EpochFilter int

const (
	// EpochInline skips negative epochs row by row.
	EpochInline EpochFilter = iota
	// EpochUpstream asks the source to drop them in the query. The inline
	// guard still runs, so sources that cannot push the predicate are safe.
	EpochUpstream
)

func (f EpochFilter) String() string {
	if f == EpochUpstream {
		return "upstream"
	}
	return "inline"
}

// ProgressBasis selects which counter drives the progress cadence.
type ProgressBasis int

const (
	ProgressExamined ProgressBasis = iota
	ProgressMatched
)

func (b ProgressBasis) String() string {
	if b == ProgressMatched {
		return "matched"
	}
	return "examined"
}

// Profile configures one variant of the aggregation.
type Profile struct {
	Name          string
	Weighting     bool
	EpochFilter   EpochFilter
	ProgressBasis ProgressBasis
}

var (
	// WeightedProfile counts verified deals ten times, filters epochs inline
	// and reports progress on every examined row.
	WeightedProfile = Profile{
		Name:          "weighted",
		Weighting:     true,
		EpochFilter:   EpochInline,
		ProgressBasis: ProgressExamined,
	}

	// UnweightedProfile counts every matched deal once, pushes the epoch
	// filter into the source query and reports progress on matched rows.
	UnweightedProfile = Profile{
		Name:          "unweighted",
		Weighting:     false,
		EpochFilter:   EpochUpstream,
		ProgressBasis: ProgressMatched,
	}
)

// ProfileByName returns the preset called name. An empty name selects
// WeightedProfile.
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", WeightedProfile.Name:
		return WeightedProfile, nil
	case UnweightedProfile.Name:
		return UnweightedProfile, nil
	default:
		return Profile{}, fmt.Errorf("unknown profile %q (want %s or %s)", name, WeightedProfile.Name, UnweightedProfile.Name)
	}
}

// StreamOptions returns the source options this profile needs.
func (p Profile) StreamOptions(batchSize int) source.StreamOptions {
	opts := source.StreamOptions{
		BatchSize:       batchSize,
		IncludeVerified: p.Weighting,
		ActiveOnly:      p.EpochFilter == EpochUpstream,
	}
	opts.Normalize()
	return opts
}

// weight returns the multiplier for row.
func (p Profile) weight(row source.DealRow) uint64 {
	if p.Weighting && row.Verified {
		return VerifiedMultiplier
	}
	return 1
}
