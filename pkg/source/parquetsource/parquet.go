// Package parquetsource reads columnar exports of both datasets.
//
// A pieces file carries piece_cid and piece_size. A deals file carries
// piece_cid, sector_start_epoch and optionally verified_deal. Rows are read one
// row group at a time through a fixed buffer.
package parquetsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/eunmann/deal-qap/internal/logctx"
	"github.com/eunmann/deal-qap/pkg/qaperr"
	"github.com/eunmann/deal-qap/pkg/source"
	"github.com/parquet-go/parquet-go"
)

// Column names.
const (
	ColPieceCID         = "piece_cid"
	ColPieceSize        = "piece_size"
	ColVerifiedDeal     = "verified_deal"
	ColSectorStartEpoch = "sector_start_epoch"
)

const rowBufSize = 1024

// File is an open parquet export.
type File struct {
	name string
	path string
	f    *os.File
	pf   *parquet.File
}

// Open opens the parquet file at path. name labels errors ("pieces" or "deals").
func Open(ctx context.Context, name, path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, qaperr.Unavailable(name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, qaperr.Unavailable(name, err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, qaperr.Unavailable(name, fmt.Errorf("open parquet file: %w", err))
	}
	log := logctx.FromContext(ctx)
	log.Info().
		Str("source", name).
		Str("path", path).
		Int64("rows", pf.NumRows()).
		Int("row_groups", len(pf.RowGroups())).
		Msg("opened parquet export")
	return &File{name: name, path: path, f: f, pf: pf}, nil
}

// Close closes the underlying file.
func (p *File) Close() error { return p.f.Close() }

// columns resolves names to leaf column indexes. A negative index means the
// optional column is absent.
func (p *File) columns(required []string, optional ...string) (map[string]int, error) {
	idx := make(map[string]int, len(required)+len(optional))
	schema := p.pf.Schema()
	for _, name := range required {
		leaf, ok := schema.Lookup(name)
		if !ok {
			return nil, qaperr.Unavailable(p.name, fmt.Errorf("%s: schema has no %q column", p.path, name))
		}
		idx[name] = leaf.ColumnIndex
	}
	for _, name := range optional {
		idx[name] = -1
		if leaf, ok := schema.Lookup(name); ok {
			idx[name] = leaf.ColumnIndex
		}
	}
	return idx, nil
}

// Pieces returns a BulkReader over the file.
func (p *File) Pieces() source.BulkReader { return pieceReader{p} }

type pieceReader struct{ p *File }

func (r pieceReader) ScanPieces(ctx context.Context, fn func(source.Piece) error) error {
	cols, err := r.p.columns([]string{ColPieceCID, ColPieceSize})
	if err != nil {
		return err
	}
	it := newRowIter(r.p.pf)
	defer it.close()

	vals := make([]any, 2)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := it.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return qaperr.Unavailable("pieces", err)
		}
		n++
		project(row, vals, cols[ColPieceCID], cols[ColPieceSize])
		piece, err := source.DecodePieceValues(vals, n)
		if err != nil {
			return err
		}
		if err := fn(piece); err != nil {
			return err
		}
	}
}

// Deals returns an Opener streaming the file. Parquet has no query engine, so
// ActiveOnly drops negative epochs while reading, before rows reach the
// caller, the way a pushed-down predicate would.
func (p *File) Deals() source.Opener {
	return func(ctx context.Context, opts source.StreamOptions) (source.RowStream, error) {
		cols, err := p.columns([]string{ColPieceCID, ColSectorStartEpoch}, ColVerifiedDeal)
		if err != nil {
			return nil, err
		}
		if opts.IncludeVerified && cols[ColVerifiedDeal] < 0 {
			return nil, qaperr.Unavailable("deals", fmt.Errorf("%s: schema has no %q column", p.path, ColVerifiedDeal))
		}
		s := &DealStream{
			it:         newRowIter(p.pf),
			cid:        cols[ColPieceCID],
			epoch:      cols[ColSectorStartEpoch],
			verified:   -1,
			activeOnly: opts.ActiveOnly,
		}
		if opts.IncludeVerified {
			s.verified = cols[ColVerifiedDeal]
			s.vals = make([]any, 3)
		} else {
			s.vals = make([]any, 2)
		}
		return s, nil
	}
}

// DealStream implements source.RowStream over a parquet deals file.
type DealStream struct {
	it                   *rowIter
	cid, verified, epoch int
	activeOnly           bool
	vals                 []any
	row                  int64
	term                 source.Terminal
}

// Next implements source.RowStream.
func (s *DealStream) Next(ctx context.Context) (source.DealRow, error) {
	for {
		if err := s.term.Done(); err != nil {
			return source.DealRow{}, err
		}
		if err := ctx.Err(); err != nil {
			return source.DealRow{}, s.term.Finish(err)
		}
		raw, err := s.it.next()
		if err != nil {
			return source.DealRow{}, s.term.Finish(err)
		}
		s.row++
		if s.verified >= 0 {
			project(raw, s.vals, s.cid, s.verified, s.epoch)
		} else {
			project(raw, s.vals, s.cid, s.epoch)
		}
		row, err := source.DecodeDealValues(s.vals, s.verified >= 0, s.row)
		if err != nil {
			return source.DealRow{}, s.term.Finish(err)
		}
		if s.activeOnly && row.SectorStartEpoch < 0 {
			continue
		}
		return row, nil
	}
}

// Close implements source.RowStream.
func (s *DealStream) Close() error {
	s.it.close()
	return nil
}

// project copies the values of the given leaf columns into out, in order.
// Missing and null values become nil.
func project(row parquet.Row, out []any, cols ...int) {
	for i := range out {
		out[i] = nil
	}
	for _, v := range row {
		if v.IsNull() {
			continue
		}
		for i, c := range cols {
			if v.Column() == c {
				out[i] = goValue(v)
			}
		}
	}
}

func goValue(v parquet.Value) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return v.Int32()
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return v.String()
	default:
		return nil
	}
}

// rowIter walks every row group of a file through a reusable buffer.
type rowIter struct {
	groups []parquet.RowGroup
	gi     int
	rows   parquet.Rows
	buf    []parquet.Row
	pos    int
	n      int
}

func newRowIter(pf *parquet.File) *rowIter {
	return &rowIter{groups: pf.RowGroups(), gi: -1, buf: make([]parquet.Row, rowBufSize)}
}

// next returns the next row. The row is only valid until the following call.
func (it *rowIter) next() (parquet.Row, error) {
	for {
		if it.pos < it.n {
			row := it.buf[it.pos]
			it.pos++
			return row, nil
		}
		if it.rows != nil {
			n, err := it.rows.ReadRows(it.buf)
			if n > 0 {
				it.pos, it.n = 0, n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read parquet rows: %w", err)
			}
			it.rows.Close()
			it.rows = nil
		}
		it.gi++
		if it.gi >= len(it.groups) {
			return nil, io.EOF
		}
		it.rows = it.groups[it.gi].Rows()
	}
}

func (it *rowIter) close() {
	if it.rows != nil {
		it.rows.Close()
		it.rows = nil
	}
}
