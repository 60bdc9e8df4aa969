// Package source defines the capabilities the tally core consumes from its two
// datasets: a one-shot bulk reader for generated pieces and a pull-based stream
// of market deals. Concrete implementations live in the subpackages.
package source

import (
	"context"
)

// Piece is one (identifier, declared size) pair from the generation log.
type Piece struct {
	CID  string
	Size uint64
}

// DealRow is one row of the deal-state table. HasVerified is false when the
// source does not select the verification flag at all.
type DealRow struct {
	PieceCID         string
	Verified         bool
	HasVerified      bool
	SectorStartEpoch int64
}

// BulkReader executes a single bulk query over the generation log.
type BulkReader interface {
	// ScanPieces calls fn for every row of the result set, in result order.
	// It is executed once; an error from fn stops the scan and is returned.
	ScanPieces(ctx context.Context, fn func(Piece) error) error
}

// RowStream delivers deal rows incrementally.
//
// Next returns io.EOF exactly once the data is exhausted. Any other error is
// terminal. After a terminal result, Next keeps returning it and never yields
// another row.
type RowStream interface {
	Next(ctx context.Context) (DealRow, error)
	Close() error
}

// StreamOptions are passed to whatever opens a RowStream.
type StreamOptions struct {
	// BatchSize is the number of rows fetched per round trip (>= 1).
	BatchSize int
	// IncludeVerified selects the verification flag column.
	IncludeVerified bool
	// ActiveOnly pushes the sector-start filter into the query when the source
	// supports it.
	ActiveOnly bool
}

// DefaultBatchSize matches the batch size the deal stream has always used.
const DefaultBatchSize = 100_000

// Normalize fills zero values with defaults.
func (o *StreamOptions) Normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
}

// Opener opens a deal stream. It is called only after the piece index is built.
type Opener func(ctx context.Context, opts StreamOptions) (RowStream, error)

// Terminal remembers the first terminal result of a stream so later calls to
// Next can replay it. Implementations embed it.
type Terminal struct {
	err error
}

// Done reports the recorded terminal error, if any.
func (t *Terminal) Done() error { return t.err }

// Finish records err as terminal (first call wins) and returns the recorded value.
func (t *Terminal) Finish(err error) error {
	if t.err == nil {
		t.err = err
	}
	return t.err
}
