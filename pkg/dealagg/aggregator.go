// Package dealagg joins a stream of market deals against the piece index and
// sums the quality-adjusted size of every active, tracked deal.
//
// Rows are processed one at a time in stream order on the caller's goroutine.
// Memory use is constant in the number of deals: only counters and the running
// total are kept.
package dealagg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/eunmann/deal-qap/internal/logctx"
	"github.com/eunmann/deal-qap/pkg/logging"
	"github.com/eunmann/deal-qap/pkg/memdiag"
	"github.com/eunmann/deal-qap/pkg/qaperr"
	"github.com/eunmann/deal-qap/pkg/source"
	"github.com/rs/zerolog"
)

// ErrAlreadyRun is returned when Run is called on an aggregator that has left
// the NotStarted state.
var ErrAlreadyRun = errors.New("dealagg: aggregator already ran")

var errMissingVerified = errors.New("verification flag not selected by the source")

const phase = "stream_deals"

// SizeLookup is the read side of the piece index.
type SizeLookup interface {
	Lookup(cid string) (uint64, bool)
}

// State is the lifecycle of one aggregation.
type State int

const (
	NotStarted State = iota
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Counters are the row tallies of a run. Every examined row lands in exactly
// one of RowsSkippedEpoch, RowsUnmatched or RowsMatched.
type Counters struct {
	RowsExamined     int64
	RowsMatched      int64
	RowsSkippedEpoch int64
	RowsUnmatched    int64
	VerifiedMatched  int64
}

// Snapshot is handed to the progress observer.
type Snapshot struct {
	Counters
	TotalSize *big.Int
	Elapsed   time.Duration
}

// Result is the outcome of a completed run.
type Result struct {
	Counters
	Profile   string
	TotalSize *big.Int
	Elapsed   time.Duration
}

// Options configures an Aggregator.
type Options struct {
	Profile Profile

	// ProgressEvery is the progress cadence; <= 0 means
	// logging.DefaultProgressEvery.
	ProgressEvery int64

	// Heap, when enabled, adds heap usage to progress events.
	Heap *memdiag.Sampler

	// OnProgress is called after each progress event with a private copy of
	// the running total.
	OnProgress func(Snapshot)
}

// Aggregator runs a single aggregation. It is not safe for concurrent use.
type Aggregator struct {
	index SizeLookup
	opts  Options
	state State
}

// New returns an aggregator over index. The index must be complete: lookups
// made before it is fully built would undercount.
func New(index SizeLookup, opts Options) *Aggregator {
	return &Aggregator{index: index, opts: opts}
}

// State returns the current lifecycle state.
func (a *Aggregator) State() State { return a.state }

// Run drains stream and returns the total. It may be called once.
//
// A stream failure returns a *qaperr.StreamError, a bad row an error matching
// qaperr.ErrMalformedRow. In both cases the partial total is dropped and the
// Result is nil. Run does not close the stream.
func (a *Aggregator) Run(ctx context.Context, stream source.RowStream) (*Result, error) {
	if a.state != NotStarted {
		return nil, ErrAlreadyRun
	}
	a.state = Streaming

	log := logctx.Phase(ctx, phase)
	start := time.Now()
	profile := a.opts.Profile
	progress := logging.NewRowProgress(log, a.opts.ProgressEvery)

	log.Info().
		Str("profile", profile.Name).
		Bool("weighting", profile.Weighting).
		Str("epoch_filter", profile.EpochFilter.String()).
		Str("progress_basis", profile.ProgressBasis.String()).
		Msg("streaming deals")

	var (
		c     Counters
		total runningTotal
	)
	for {
		row, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, a.fail(log, start, streamFailure(c.RowsExamined, err))
		}

		c.RowsExamined++
		matched, err := a.apply(row, &c, &total)
		if err != nil {
			return nil, a.fail(log, start, err)
		}

		tick := c.RowsExamined
		if profile.ProgressBasis == ProgressMatched {
			if !matched {
				continue
			}
			tick = c.RowsMatched
		}
		if progress.Due(tick) {
			a.report(progress, c, &total, start)
		}
	}

	a.state = Completed
	res := &Result{
		Counters:  c,
		Profile:   profile.Name,
		TotalSize: total.value(),
		Elapsed:   time.Since(start),
	}

	logging.PhaseComplete(log, res.Elapsed).
		Str("profile", profile.Name).
		Count("rows_examined", c.RowsExamined).
		Count("rows_matched", c.RowsMatched).
		Int64("rows_skipped_epoch", c.RowsSkippedEpoch).
		Int64("rows_unmatched", c.RowsUnmatched).
		Int64("verified_matched", c.VerifiedMatched).
		BigBytes("total_bytes", res.TotalSize).
		Rate("rows_per_sec", c.RowsExamined).
		Log("deal stream complete")

	return res, nil
}

// apply runs the per-row decision procedure and reports whether the row
// contributed to the total.
func (a *Aggregator) apply(row source.DealRow, c *Counters, total *runningTotal) (bool, error) {
	if row.PieceCID == "" {
		return false, qaperr.Malformed("deals", c.RowsExamined, "piece_cid", errors.New("empty piece CID"))
	}
	if a.opts.Profile.Weighting && !row.HasVerified {
		return false, qaperr.Malformed("deals", c.RowsExamined, "verified_deal", errMissingVerified)
	}
	if row.SectorStartEpoch < 0 {
		c.RowsSkippedEpoch++
		return false, nil
	}
	size, ok := a.index.Lookup(row.PieceCID)
	if !ok {
		c.RowsUnmatched++
		return false, nil
	}

	w := a.opts.Profile.weight(row)
	if w != 1 {
		c.VerifiedMatched++
	}
	total.add(size, w)
	c.RowsMatched++
	return true, nil
}

func (a *Aggregator) report(p *logging.RowProgress, c Counters, total *runningTotal, start time.Time) {
	v := total.value()
	p.Log(c.RowsExamined, c.RowsMatched, v, a.opts.Heap.Heap())
	if a.opts.OnProgress != nil {
		a.opts.OnProgress(Snapshot{Counters: c, TotalSize: v, Elapsed: time.Since(start)})
	}
}

func (a *Aggregator) fail(log zerolog.Logger, start time.Time, err error) error {
	a.state = Failed
	logging.PhaseFailed(log, time.Since(start), err)
	return err
}

// streamFailure classifies an error returned by the stream. Malformed rows
// decoded by the source keep their kind; everything else, including context
// cancellation, becomes a StreamError.
func streamFailure(examined int64, err error) error {
	if errors.Is(err, qaperr.ErrMalformedRow) {
		return err
	}
	var se *qaperr.StreamError
	if errors.As(err, &se) {
		return err
	}
	return &qaperr.StreamError{RowsExamined: examined, Cause: err}
}
