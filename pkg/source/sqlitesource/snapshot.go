package sqlitesource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/eunmann/deal-qap/internal/logctx"
	"github.com/eunmann/deal-qap/pkg/fileutil"
	"github.com/eunmann/deal-qap/pkg/logging"
	"github.com/eunmann/deal-qap/pkg/source"
	"github.com/rs/zerolog"
)

// DefaultInsertBatch is the number of rows per multi-row INSERT.
const DefaultInsertBatch = 256

// SnapshotOptions configures WriteSnapshot.
type SnapshotOptions struct {
	// InsertBatch is the number of rows per INSERT statement.
	InsertBatch int
	// ProgressEvery is the deal-row cadence of progress logs.
	ProgressEvery int64
}

// SnapshotStats reports what WriteSnapshot stored.
type SnapshotStats struct {
	Pieces int64
	Deals  int64
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pieces (
		piece_cid  TEXT NOT NULL,
		piece_size INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS current_state (
		piece_cid          TEXT NOT NULL,
		verified_deal      INTEGER NOT NULL,
		sector_start_epoch INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pieces_cid ON pieces(piece_cid)`,
}

// WriteSnapshot copies both datasets into a SQLite file at path, replacing
// any existing file only once the copy has succeeded. deals must carry the
// verification flag.
func WriteSnapshot(ctx context.Context, path string, pieces source.BulkReader, deals source.RowStream, opts SnapshotOptions) (SnapshotStats, error) {
	if opts.InsertBatch <= 0 {
		opts.InsertBatch = DefaultInsertBatch
	}
	log := logctx.Phase(ctx, "snapshot")
	start := time.Now()

	var stats SnapshotStats
	err := fileutil.WriteTmpThenMove(path, func(tmpPath string) error {
		var err error
		stats, err = writeSnapshot(ctx, tmpPath, pieces, deals, opts, log)
		return err
	})
	if err != nil {
		logging.PhaseFailed(log, time.Since(start), err)
		return SnapshotStats{}, err
	}

	logging.PhaseComplete(log, time.Since(start)).
		Str("db_path", path).
		Count("pieces", stats.Pieces).
		Count("deals", stats.Deals).
		Log("wrote SQLite snapshot")
	return stats, nil
}

func writeSnapshot(ctx context.Context, path string, pieces source.BulkReader, deals source.RowStream, opts SnapshotOptions, log zerolog.Logger) (SnapshotStats, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("open sqlite database: %w", err)
	}
	defer db.Close()
	// Pragmas are per connection and the transaction must see them.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA page_size=32768",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return SnapshotStats{}, fmt.Errorf("execute pragma %q: %w", pragma, err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return SnapshotStats{}, fmt.Errorf("create schema: %w", err)
		}
	}

	var stats SnapshotStats

	pw := newBatchInserter(tx, PiecesTable, []string{"piece_cid", "piece_size"}, opts.InsertBatch)
	err = pieces.ScanPieces(ctx, func(p source.Piece) error {
		if p.Size > math.MaxInt64 {
			return fmt.Errorf("piece %s: size %d does not fit an SQLite integer", p.CID, p.Size)
		}
		stats.Pieces++
		return pw.add(ctx, p.CID, int64(p.Size))
	})
	if err == nil {
		err = pw.flush(ctx)
	}
	if err != nil {
		return SnapshotStats{}, fmt.Errorf("copy pieces: %w", err)
	}
	pw.close()

	progress := logging.NewRowProgress(log, opts.ProgressEvery)
	dw := newBatchInserter(tx, DealsTable, []string{"piece_cid", "verified_deal", "sector_start_epoch"}, opts.InsertBatch)
	defer dw.close()
	for {
		row, err := deals.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return SnapshotStats{}, fmt.Errorf("copy deals after %d rows: %w", stats.Deals, err)
		}
		if !row.HasVerified {
			return SnapshotStats{}, errors.New("copy deals: stream does not carry verified_deal")
		}
		verified := 0
		if row.Verified {
			verified = 1
		}
		if err := dw.add(ctx, row.PieceCID, verified, row.SectorStartEpoch); err != nil {
			return SnapshotStats{}, fmt.Errorf("copy deals: %w", err)
		}
		stats.Deals++
		if progress.Due(stats.Deals) {
			progress.Log(stats.Deals, stats.Deals, nil, 0)
		}
	}
	if err := dw.flush(ctx); err != nil {
		return SnapshotStats{}, fmt.Errorf("copy deals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SnapshotStats{}, fmt.Errorf("commit transaction: %w", err)
	}
	return stats, db.Close()
}

// batchInserter buffers rows and writes them with one multi-row INSERT per
// batch through a prepared statement.
type batchInserter struct {
	tx      *sql.Tx
	table   string
	cols    []string
	batch   int
	pending []any
	stmt    *sql.Stmt
}

func newBatchInserter(tx *sql.Tx, table string, cols []string, batch int) *batchInserter {
	return &batchInserter{tx: tx, table: table, cols: cols, batch: batch}
}

func (b *batchInserter) add(ctx context.Context, vals ...any) error {
	b.pending = append(b.pending, vals...)
	if len(b.pending) < b.batch*len(b.cols) {
		return nil
	}
	if b.stmt == nil {
		stmt, err := b.tx.PrepareContext(ctx, buildMultiRowInsertSQL(b.table, b.cols, b.batch))
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		b.stmt = stmt
	}
	if _, err := b.stmt.ExecContext(ctx, b.pending...); err != nil {
		return fmt.Errorf("insert into %s: %w", b.table, err)
	}
	b.pending = b.pending[:0]
	return nil
}

// flush writes the remaining partial batch.
func (b *batchInserter) flush(ctx context.Context) error {
	n := len(b.pending) / len(b.cols)
	if n == 0 {
		return nil
	}
	if _, err := b.tx.ExecContext(ctx, buildMultiRowInsertSQL(b.table, b.cols, n), b.pending...); err != nil {
		return fmt.Errorf("insert into %s: %w", b.table, err)
	}
	b.pending = b.pending[:0]
	return nil
}

func (b *batchInserter) close() {
	if b.stmt != nil {
		_ = b.stmt.Close()
		b.stmt = nil
	}
}

// buildMultiRowInsertSQL builds an INSERT for n rows of cols.
func buildMultiRowInsertSQL(table string, cols []string, n int) string {
	oneRow := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	rows := make([]string, n)
	for i := range rows {
		rows[i] = oneRow
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, strings.Join(cols, ", "), strings.Join(rows, ", "))
}
