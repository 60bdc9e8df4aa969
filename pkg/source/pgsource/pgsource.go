// Package pgsource reads both datasets from Postgres with pgx.
//
// The piece list comes from one positional query over the generation event
// log. Deals are streamed through a server-side cursor inside a read-only
// transaction, fetched BatchSize rows per round trip, so client memory stays
// bounded by one batch.
package pgsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/eunmann/deal-qap/internal/logctx"
	"github.com/eunmann/deal-qap/pkg/qaperr"
	"github.com/eunmann/deal-qap/pkg/source"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PiecesQuery selects the distinct (pieceCid, pieceSize) pairs of completed
// generation events.
const PiecesQuery = `select distinct values['pieceCid'], values['pieceSize'] from events where type = 'generation_complete'`

// DealsTable is the deal-state table streamed by default.
const DealsTable = "current_state"

const cursorName = "dealqap_deals"

// DealsQuery builds the deal query for opts. The column order is the one
// source.DecodeDealValues expects.
func DealsQuery(table string, opts source.StreamOptions) string {
	if table == "" {
		table = DealsTable
	}
	cols := "piece_cid, sector_start_epoch"
	if opts.IncludeVerified {
		cols = "piece_cid, verified_deal, sector_start_epoch"
	}
	q := "select " + cols + " from " + pgx.Identifier(strings.Split(table, ".")).Sanitize()
	if opts.ActiveOnly {
		q += " where sector_start_epoch >= 0"
	}
	return q
}

// querier is the subset of *pgx.Conn used for the bulk read.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// cursorTx is the subset of pgx.Tx used by DealCursor.
type cursorTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Rollback(ctx context.Context) error
}

// beginFunc starts the transaction that owns the cursor.
type beginFunc func(ctx context.Context) (cursorTx, error)

// DB is one Postgres connection. The piece and deal sides each get their own.
type DB struct {
	name string
	conn *pgx.Conn
}

// Connect opens and pings a connection. name labels errors and logs.
func Connect(ctx context.Context, name, dsn string) (*DB, error) {
	log := logctx.FromContext(ctx)
	log.Info().Str("source", name).Msgf("Connecting to %s DB...", name)

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, qaperr.Unavailable(name, err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, qaperr.Unavailable(name, err)
	}
	return &DB{name: name, conn: conn}, nil
}

// Pieces returns a BulkReader running query, or PiecesQuery when empty.
func (db *DB) Pieces(query string) *PieceReader {
	return NewPieceReader(db.conn, query)
}

// Deals returns an Opener for the deal cursor. A non-empty query replaces the
// generated one and must produce the columns the profile expects.
func (db *DB) Deals(table, query string) source.Opener {
	begin := func(ctx context.Context) (cursorTx, error) {
		return db.conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	}
	return func(ctx context.Context, opts source.StreamOptions) (source.RowStream, error) {
		q := query
		if q == "" {
			q = DealsQuery(table, opts)
		}
		return OpenDealCursor(ctx, begin, q, opts)
	}
}

// Close closes the connection.
func (db *DB) Close(ctx context.Context) error {
	log := logctx.FromContext(ctx)
	log.Info().Str("source", db.name).Msgf("Closing %s DB...", db.name)
	return db.conn.Close(ctx)
}

// PieceReader implements source.BulkReader over one query.
type PieceReader struct {
	q     querier
	query string
}

// NewPieceReader returns a reader issuing query on q.
func NewPieceReader(q querier, query string) *PieceReader {
	if query == "" {
		query = PiecesQuery
	}
	return &PieceReader{q: q, query: query}
}

// ScanPieces implements source.BulkReader.
func (r *PieceReader) ScanPieces(ctx context.Context, fn func(source.Piece) error) error {
	rows, err := r.q.Query(ctx, r.query)
	if err != nil {
		return qaperr.Unavailable("pieces", err)
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
		vals, err := rows.Values()
		if err != nil {
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

// DealCursor streams deal rows from a server-side cursor.
type DealCursor struct {
	tx           cursorTx
	fetchSQL     string
	batch        int
	withVerified bool

	buf       [][]any
	pos       int
	row       int64
	exhausted bool
	closed    bool
	term      source.Terminal
}

// OpenDealCursor begins a read-only transaction and declares a cursor for
// query. Failures here are reported as an unavailable source.
func OpenDealCursor(ctx context.Context, begin beginFunc, query string, opts source.StreamOptions) (*DealCursor, error) {
	opts.Normalize()

	log := logctx.FromContext(ctx)
	log.Debug().Int("batch_size", opts.BatchSize).Msg("declaring deal cursor")

	tx, err := begin(ctx)
	if err != nil {
		return nil, qaperr.Unavailable("deals", err)
	}
	declare := fmt.Sprintf("declare %s no scroll cursor for %s", cursorName, query)
	if _, err := tx.Exec(ctx, declare); err != nil {
		_ = tx.Rollback(ctx)
		return nil, qaperr.Unavailable("deals", err)
	}
	return &DealCursor{
		tx:           tx,
		fetchSQL:     fmt.Sprintf("fetch forward %d from %s", opts.BatchSize, cursorName),
		batch:        opts.BatchSize,
		withVerified: opts.IncludeVerified,
		buf:          make([][]any, 0, min(opts.BatchSize, 1<<16)),
	}, nil
}

// Next implements source.RowStream.
func (c *DealCursor) Next(ctx context.Context) (source.DealRow, error) {
	if err := c.term.Done(); err != nil {
		return source.DealRow{}, err
	}
	if err := ctx.Err(); err != nil {
		return source.DealRow{}, c.term.Finish(err)
	}
	if c.closed {
		return source.DealRow{}, c.term.Finish(errors.New("pgsource: cursor closed"))
	}
	if c.pos >= len(c.buf) {
		if c.exhausted {
			return source.DealRow{}, c.term.Finish(io.EOF)
		}
		if err := c.fetch(ctx); err != nil {
			return source.DealRow{}, c.term.Finish(err)
		}
		if len(c.buf) == 0 {
			return source.DealRow{}, c.term.Finish(io.EOF)
		}
	}

	vals := c.buf[c.pos]
	c.buf[c.pos] = nil
	c.pos++
	c.row++
	row, err := source.DecodeDealValues(vals, c.withVerified, c.row)
	if err != nil {
		return source.DealRow{}, c.term.Finish(err)
	}
	return row, nil
}

func (c *DealCursor) fetch(ctx context.Context) error {
	rows, err := c.tx.Query(ctx, c.fetchSQL)
	if err != nil {
		return fmt.Errorf("fetch after row %d: %w", c.row, err)
	}
	c.buf = c.buf[:0]
	c.pos = 0
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			rows.Close()
			return qaperr.Malformed("deals", c.row+int64(len(c.buf))+1, "row", err)
		}
		c.buf = append(c.buf, vals)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fetch after row %d: %w", c.row, err)
	}
	if len(c.buf) < c.batch {
		c.exhausted = true
	}
	return nil
}

// Close ends the transaction, which also releases the cursor.
func (c *DealCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.buf = nil
	err := c.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
