// Package tally runs the whole computation: build the piece index, then open
// the deal stream and aggregate it into a report.
//
// The deal stream is opened only after the index is complete, so no cursor
// is held while the piece log is being read and no deal is ever looked up in
// a partial index.
package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/eunmann/deal-qap/internal/logctx"
	"github.com/eunmann/deal-qap/pkg/dealagg"
	"github.com/eunmann/deal-qap/pkg/membudget"
	"github.com/eunmann/deal-qap/pkg/memdiag"
	"github.com/eunmann/deal-qap/pkg/metrics"
	"github.com/eunmann/deal-qap/pkg/pieceindex"
	"github.com/eunmann/deal-qap/pkg/report"
	"github.com/eunmann/deal-qap/pkg/source"
)

// Phase names used in logs and metrics.
const (
	PhaseBuildIndex  = "build_index"
	PhaseOpenDeals   = "open_deals"
	PhaseStreamDeals = "stream_deals"
)

// Options configures a run.
type Options struct {
	RunID         string
	Profile       dealagg.Profile
	BatchSize     int
	ProgressEvery int64

	// Budget caps the piece index. Nil means unlimited.
	Budget *membudget.Budget
	// Heap adds heap usage to progress events when enabled.
	Heap *memdiag.Sampler
	// OnProgress observes aggregator progress.
	OnProgress func(dealagg.Snapshot)
}

// BuildIndex builds the piece index and records its metrics. The caller owns
// the index and releases it from opts.Budget.
func BuildIndex(ctx context.Context, pieces source.BulkReader, opts Options) (*pieceindex.Index, error) {
	start := time.Now()
	idx, err := pieceindex.Build(ctx, pieces, pieceindex.Options{Budget: opts.Budget})
	metrics.RecordPhase(opts.Profile.Name, PhaseBuildIndex, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("build piece index: %w", err)
	}
	metrics.RecordIndex(idx.Len(), idx.DeclaredBytes())
	return idx, nil
}

// Run executes one tally. On any failure it returns a nil report: a partial
// total is never reported.
func Run(ctx context.Context, pieces source.BulkReader, deals source.Opener, opts Options) (*report.Report, error) {
	start := time.Now()
	profile := opts.Profile.Name

	idx, err := BuildIndex(ctx, pieces, opts)
	if err != nil {
		return nil, err
	}
	defer idx.Release(opts.Budget)

	log := logctx.Phase(ctx, PhaseStreamDeals)
	log.Info().
		Str("epoch_filter", opts.Profile.EpochFilter.String()).
		Bool("weighting", opts.Profile.Weighting).
		Msg("Querying StateMarketDeals DB... for all deals")

	openStart := time.Now()
	stream, err := deals(ctx, opts.Profile.StreamOptions(opts.BatchSize))
	metrics.RecordPhase(profile, PhaseOpenDeals, err, time.Since(openStart))
	if err != nil {
		return nil, fmt.Errorf("open deal stream: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("closing deal stream")
		}
	}()

	streamStart := time.Now()
	agg := dealagg.New(idx, dealagg.Options{
		Profile:       opts.Profile,
		ProgressEvery: opts.ProgressEvery,
		Heap:          opts.Heap,
		OnProgress:    opts.OnProgress,
	})
	res, err := agg.Run(ctx, stream)
	metrics.RecordPhase(profile, PhaseStreamDeals, err, time.Since(streamStart))
	if err != nil {
		return nil, fmt.Errorf("aggregate deals: %w", err)
	}

	metrics.RecordRows(profile, "examined", res.RowsExamined)
	metrics.RecordRows(profile, "matched", res.RowsMatched)
	metrics.RecordRows(profile, "skipped_epoch", res.RowsSkippedEpoch)
	metrics.RecordRows(profile, "unmatched", res.RowsUnmatched)
	metrics.RecordRows(profile, "verified", res.VerifiedMatched)
	metrics.RecordTotal(profile, res.TotalSize)

	return report.New(opts.RunID, start, report.IndexStats{
		Pieces:     idx.Len(),
		Duplicates: idx.Duplicates(),
		Declared:   idx.DeclaredBytes(),
	}, res), nil
}
