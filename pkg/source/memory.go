package source

import (
	"context"
	"io"
)

// PieceSlice is an in-memory BulkReader.
type PieceSlice []Piece

// ScanPieces implements BulkReader.
func (p PieceSlice) ScanPieces(ctx context.Context, fn func(Piece) error) error {
	for _, piece := range p {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(piece); err != nil {
			return err
		}
	}
	return nil
}

// SliceStream is an in-memory RowStream. If Err is set it is returned after
// the rows instead of io.EOF.
type SliceStream struct {
	Rows []DealRow
	Err  error

	pos    int
	closed bool
	term   Terminal
}

// NewSliceStream returns a stream over rows.
func NewSliceStream(rows ...DealRow) *SliceStream {
	return &SliceStream{Rows: rows}
}

// Next implements RowStream.
func (s *SliceStream) Next(ctx context.Context) (DealRow, error) {
	if err := s.term.Done(); err != nil {
		return DealRow{}, err
	}
	if err := ctx.Err(); err != nil {
		return DealRow{}, s.term.Finish(err)
	}
	if s.pos < len(s.Rows) {
		row := s.Rows[s.pos]
		s.pos++
		return row, nil
	}
	if s.Err != nil {
		return DealRow{}, s.term.Finish(s.Err)
	}
	return DealRow{}, s.term.Finish(io.EOF)
}

// Close implements RowStream.
func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *SliceStream) Closed() bool { return s.closed }
