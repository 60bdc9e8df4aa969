// Package report renders the outcome of a completed tally. A report only
// exists for a run that reached Completed; failed runs produce none.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/eunmann/deal-qap/pkg/dealagg"
	"github.com/eunmann/deal-qap/pkg/fileutil"
	"github.com/eunmann/deal-qap/pkg/humanfmt"
	"github.com/eunmann/deal-qap/pkg/s3fetch"
)

// EiBPlaces is the number of decimals printed for the EiB figure.
const EiBPlaces = 6

// ErrNoUploader is returned when an s3:// destination is given without a client.
var ErrNoUploader = errors.New("report: s3 destination requires an uploader")

// Report is the JSON document written for a completed run. Byte totals are
// decimal strings so no consumer rounds them through a float.
type Report struct {
	RunID      string    `json:"run_id"`
	Profile    string    `json:"profile"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`

	PiecesIndexed   int    `json:"pieces_indexed"`
	DuplicatePieces int64  `json:"duplicate_pieces"`
	DeclaredBytes   string `json:"declared_bytes"`

	RowsExamined     int64 `json:"rows_examined"`
	RowsMatched      int64 `json:"rows_matched"`
	RowsSkippedEpoch int64 `json:"rows_skipped_epoch"`
	RowsUnmatched    int64 `json:"rows_unmatched"`
	VerifiedMatched  int64 `json:"verified_matched"`

	TotalSizeBytes string `json:"total_size_bytes"`
	TotalSizeEiB   string `json:"total_size_eib"`

	total *big.Int
}

// IndexStats describes the piece index a run was computed against.
type IndexStats struct {
	Pieces     int
	Duplicates int64
	Declared   *big.Int
}

// New builds a report from a completed aggregation.
func New(runID string, startedAt time.Time, idx IndexStats, res *dealagg.Result) *Report {
	total := new(big.Int)
	if res.TotalSize != nil {
		total.Set(res.TotalSize)
	}
	declared := idx.Declared
	if declared == nil {
		declared = new(big.Int)
	}
	return &Report{
		RunID:            runID,
		Profile:          res.Profile,
		StartedAt:        startedAt.UTC(),
		DurationMS:       time.Since(startedAt).Milliseconds(),
		PiecesIndexed:    idx.Pieces,
		DuplicatePieces:  idx.Duplicates,
		DeclaredBytes:    declared.String(),
		RowsExamined:     res.RowsExamined,
		RowsMatched:      res.RowsMatched,
		RowsSkippedEpoch: res.RowsSkippedEpoch,
		RowsUnmatched:    res.RowsUnmatched,
		VerifiedMatched:  res.VerifiedMatched,
		TotalSizeBytes:   total.String(),
		TotalSizeEiB:     humanfmt.InEiB(total, EiBPlaces),
		total:            total,
	}
}

// Total returns a copy of the exact total.
func (r *Report) Total() *big.Int {
	if r.total == nil {
		t, ok := new(big.Int).SetString(r.TotalSizeBytes, 10)
		if !ok {
			return new(big.Int)
		}
		return t
	}
	return new(big.Int).Set(r.total)
}

// Summary writes the two human lines printed at the end of a run.
func (r *Report) Summary(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Total size of QAP with deals: %s bytes\n This is equivalent to %s EiB\n",
		r.TotalSizeBytes, r.TotalSizeEiB)
	return err
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// Uploader stores a document at an s3:// URI.
type Uploader interface {
	Upload(ctx context.Context, uri string, body []byte, contentType string) error
}

// Save writes the JSON report to dest: an s3:// URI through up, otherwise a
// local path replaced atomically.
func (r *Report) Save(ctx context.Context, dest string, up Uploader) error {
	if s3fetch.IsURI(dest) {
		if up == nil {
			return ErrNoUploader
		}
		var buf bytes.Buffer
		if err := r.WriteJSON(&buf); err != nil {
			return err
		}
		return up.Upload(ctx, dest, buf.Bytes(), "application/json")
	}
	if err := fileutil.WriteFileAtomic(dest, r.WriteJSON); err != nil {
		return fmt.Errorf("write report %s: %w", dest, err)
	}
	return nil
}

// Load reads a report written by WriteJSON.
func Load(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	t, ok := new(big.Int).SetString(r.TotalSizeBytes, 10)
	if !ok {
		return nil, fmt.Errorf("decode report: total_size_bytes %q is not an integer", r.TotalSizeBytes)
	}
	r.total = t
	return &r, nil
}
