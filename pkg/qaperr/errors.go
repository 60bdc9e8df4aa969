// Package qaperr defines the error taxonomy shared by the piece index, the deal
// aggregator and the data sources. All three kinds are fatal to a run.
package qaperr

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable indicates a data source could not be reached or queried.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMalformedRow indicates a row violated the expected schema or types.
	ErrMalformedRow = errors.New("malformed row")
	// ErrStream indicates the deal stream failed after it started.
	ErrStream = errors.New("stream error")
)

// Unavailable wraps err so that errors.Is(err, ErrSourceUnavailable) holds.
func Unavailable(source string, err error) error {
	return fmt.Errorf("%s: %w: %w", source, ErrSourceUnavailable, err)
}

// RowError describes a single row that could not be decoded.
type RowError struct {
	Source string // "pieces" or "deals"
	Row    int64  // 1-based row number within the source
	Column string
	Err    error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s row %d: column %s: %v", e.Source, e.Row, e.Column, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Is reports true for ErrMalformedRow.
func (e *RowError) Is(target error) bool { return target == ErrMalformedRow }

// Malformed returns a RowError for the given position.
func Malformed(source string, row int64, column string, err error) *RowError {
	return &RowError{Source: source, Row: row, Column: column, Err: err}
}

// StreamError carries the cause of a mid-stream failure. RowsExamined is how
// far the stream got; any total accumulated up to that point is discarded.
type StreamError struct {
	RowsExamined int64
	Cause        error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("deal stream failed after %d rows: %v", e.RowsExamined, e.Cause)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// Is reports true for ErrStream.
func (e *StreamError) Is(target error) bool { return target == ErrStream }
