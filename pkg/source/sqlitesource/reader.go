// Package sqlitesource reads and writes offline snapshots of both datasets in
// a single SQLite file. A snapshot holds a pieces table and a current_state
// table with the same columns the Postgres deal table exposes.
package sqlitesource

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/eunmann/deal-qap/internal/logctx"
	"github.com/eunmann/deal-qap/pkg/qaperr"
	"github.com/eunmann/deal-qap/pkg/source"
	_ "github.com/mattn/go-sqlite3"
)

// Table names in a snapshot file.
const (
	PiecesTable = "pieces"
	DealsTable  = "current_state"
)

// PiecesQuery is the default bulk query over a snapshot.
const PiecesQuery = `SELECT DISTINCT piece_cid, piece_size FROM pieces`

// DealsQuery builds the deal query for opts.
func DealsQuery(opts source.StreamOptions) string {
	cols := "piece_cid, sector_start_epoch"
	if opts.IncludeVerified {
		cols = "piece_cid, verified_deal, sector_start_epoch"
	}
	q := "SELECT " + cols + " FROM " + DealsTable
	if opts.ActiveOnly {
		q += " WHERE sector_start_epoch >= 0"
	}
	return q
}

// DB is a read-only snapshot handle.
type DB struct {
	path string
	db   *sql.DB
}

// Open opens the snapshot at path read-only and checks that it is reachable.
func Open(ctx context.Context, name, path string) (*DB, error) {
	dsn := "file:" + path + "?mode=ro&_query_only=true"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, qaperr.Unavailable(name, fmt.Errorf("open sqlite snapshot: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, qaperr.Unavailable(name, fmt.Errorf("open sqlite snapshot %s: %w", path, err))
	}
	log := logctx.FromContext(ctx)
	log.Info().Str("source", name).Str("db_path", path).Msg("opened SQLite snapshot")
	return &DB{path: path, db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Pieces returns a BulkReader running query, or PiecesQuery when empty.
func (d *DB) Pieces(query string) source.BulkReader {
	if query == "" {
		query = PiecesQuery
	}
	return &pieceReader{db: d.db, query: query}
}

// Deals returns an Opener streaming query, or the generated deal query when
// empty. SQLite steps rows one at a time, so BatchSize has no effect.
func (d *DB) Deals(query string) source.Opener {
	return func(ctx context.Context, opts source.StreamOptions) (source.RowStream, error) {
		q := query
		if q == "" {
			q = DealsQuery(opts)
		}
		rows, err := d.db.QueryContext(ctx, q)
		if err != nil {
			return nil, qaperr.Unavailable("deals", err)
		}
		return newDealStream(rows, opts.IncludeVerified), nil
	}
}

type pieceReader struct {
	db    *sql.DB
	query string
}

func (r *pieceReader) ScanPieces(ctx context.Context, fn func(source.Piece) error) error {
	rows, err := r.db.QueryContext(ctx, r.query)
	if err != nil {
		return qaperr.Unavailable("pieces", err)
	}
	defer rows.Close()

	vals, dest := scanBuffers(2)
	var n int64
	for rows.Next() {
		n++
		if err := rows.Scan(dest...); err != nil {
			return qaperr.Malformed("pieces", n, "row", err)
		}
		p, err := source.DecodePieceValues(vals, n)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return qaperr.Unavailable("pieces", err)
	}
	return nil
}

// DealStream adapts *sql.Rows to source.RowStream.
type DealStream struct {
	rows         *sql.Rows
	vals         []any
	dest         []any
	withVerified bool
	row          int64
	term         source.Terminal
}

func newDealStream(rows *sql.Rows, withVerified bool) *DealStream {
	n := 2
	if withVerified {
		n = 3
	}
	vals, dest := scanBuffers(n)
	return &DealStream{rows: rows, vals: vals, dest: dest, withVerified: withVerified}
}

// Next implements source.RowStream.
func (s *DealStream) Next(ctx context.Context) (source.DealRow, error) {
	if err := s.term.Done(); err != nil {
		return source.DealRow{}, err
	}
	if err := ctx.Err(); err != nil {
		return source.DealRow{}, s.term.Finish(err)
	}
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return source.DealRow{}, s.term.Finish(err)
		}
		return source.DealRow{}, s.term.Finish(io.EOF)
	}
	s.row++
	if err := s.rows.Scan(s.dest...); err != nil {
		return source.DealRow{}, s.term.Finish(qaperr.Malformed("deals", s.row, "row", err))
	}
	row, err := source.DecodeDealValues(s.vals, s.withVerified, s.row)
	if err != nil {
		return source.DealRow{}, s.term.Finish(err)
	}
	return row, nil
}

// Close implements source.RowStream.
func (s *DealStream) Close() error { return s.rows.Close() }

// scanBuffers returns n positional values and the pointers Scan writes to.
func scanBuffers(n int) (vals, dest []any) {
	vals = make([]any, n)
	dest = make([]any, n)
	for i := range vals {
		dest[i] = &vals[i]
	}
	return vals, dest
}
