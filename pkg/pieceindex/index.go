// Package pieceindex builds the in-memory lookup from piece CID to declared
// size that the deal aggregator joins against.
//
// The index is built from exactly one bulk scan of the generation log, must be
// complete before any deal is matched, and is read-only afterwards.
package pieceindex

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/eunmann/deal-qap/internal/logctx"
	"github.com/eunmann/deal-qap/pkg/logging"
	"github.com/eunmann/deal-qap/pkg/membudget"
	"github.com/eunmann/deal-qap/pkg/qaperr"
	"github.com/eunmann/deal-qap/pkg/source"
)

// EntryOverhead approximates the bytes a map entry costs beyond the key's
// characters: string header, value, and bucket bookkeeping.
const EntryOverhead = 48

// Index maps piece CIDs to declared sizes. It is immutable once Build returns
// and safe for concurrent readers.
type Index struct {
	sizes      map[string]uint64
	declared   *big.Int
	rows       int64
	duplicates int64
	reserved   uint64
}

// Options controls index construction.
type Options struct {
	// Budget caps the estimated index footprint. Nil means unlimited.
	Budget *membudget.Budget

	// SizeHint pre-sizes the map when the row count is roughly known.
	SizeHint int
}

// Build scans reader once and materializes the index. Duplicate CIDs keep the
// last size seen.
//
// Errors wrap qaperr.ErrSourceUnavailable when the scan cannot run,
// qaperr.ErrMalformedRow for bad rows, and membudget.ErrBudgetExceeded when
// the index would not fit the budget.
func Build(ctx context.Context, reader source.BulkReader, opts Options) (*Index, error) {
	log := logctx.Phase(ctx, "build_index")
	start := time.Now()

	idx := &Index{
		sizes:    make(map[string]uint64, opts.SizeHint),
		declared: new(big.Int),
	}
	var (
		scratch big.Int
		fnErr   error
	)

	err := reader.ScanPieces(ctx, func(p source.Piece) error {
		idx.rows++
		if prev, ok := idx.sizes[p.CID]; ok {
			idx.duplicates++
			idx.declared.Sub(idx.declared, scratch.SetUint64(prev))
		} else if opts.Budget != nil {
			need := uint64(len(p.CID)) + EntryOverhead
			if fnErr = opts.Budget.Reserve(need, "piece index"); fnErr != nil {
				return fnErr
			}
			idx.reserved += need
		}
		idx.sizes[p.CID] = p.Size
		idx.declared.Add(idx.declared, scratch.SetUint64(p.Size))
		return nil
	})
	if err != nil {
		idx.Release(opts.Budget)
		err = classify(ctx, err, fnErr)
		logging.PhaseFailed(log, time.Since(start), err)
		return nil, err
	}

	logging.PhaseComplete(log, time.Since(start)).
		Count("pieces", int64(len(idx.sizes))).
		Count("rows", idx.rows).
		Int64("duplicates", idx.duplicates).
		BigBytes("declared_bytes", idx.declared).
		Log(fmt.Sprintf("Found %d pieces.", len(idx.sizes)))

	return idx, nil
}

// classify makes sure every failure carries one of the taxonomy sentinels.
func classify(ctx context.Context, err, fnErr error) error {
	switch {
	case fnErr != nil && errors.Is(err, fnErr):
		return err
	case errors.Is(err, qaperr.ErrMalformedRow), errors.Is(err, qaperr.ErrSourceUnavailable):
		return err
	case ctx.Err() != nil:
		return qaperr.Unavailable("pieces", fmt.Errorf("scan interrupted: %w", err))
	default:
		return qaperr.Unavailable("pieces", err)
	}
}

// Lookup returns the declared size of cid.
func (idx *Index) Lookup(cid string) (uint64, bool) {
	size, ok := idx.sizes[cid]
	return size, ok
}

// Len returns the number of distinct CIDs.
func (idx *Index) Len() int { return len(idx.sizes) }

// Rows returns how many rows the scan delivered, duplicates included.
func (idx *Index) Rows() int64 { return idx.rows }

// Duplicates returns how many rows repeated an already indexed CID.
func (idx *Index) Duplicates() int64 { return idx.duplicates }

// DeclaredBytes returns the sum of declared sizes over distinct CIDs.
func (idx *Index) DeclaredBytes() *big.Int { return new(big.Int).Set(idx.declared) }

// EstimatedBytes returns the footprint reserved from the budget.
func (idx *Index) EstimatedBytes() uint64 { return idx.reserved }

// Release returns the index's reservation to b. The index stays usable.
func (idx *Index) Release(b *membudget.Budget) {
	if b != nil && idx.reserved > 0 {
		b.Release(idx.reserved)
		idx.reserved = 0
	}
}

// FromMap builds an index directly from a map. The map is copied.
func FromMap(m map[string]uint64) *Index {
	idx := &Index{
		sizes:    make(map[string]uint64, len(m)),
		declared: new(big.Int),
	}
	var scratch big.Int
	for cid, size := range m {
		idx.sizes[cid] = size
		idx.declared.Add(idx.declared, scratch.SetUint64(size))
		idx.rows++
	}
	return idx
}
