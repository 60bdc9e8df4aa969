package pgsource

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/eunmann/deal-qap/pkg/qaperr"
	"github.com/eunmann/deal-qap/pkg/source"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRows implements pgx.Rows over in-memory positional values.
type fakeRows struct {
	vals   [][]any
	pos    int
	err    error // returned from Err after the rows
	valErr error // returned from Values
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Scan(...any) error                            { return errors.New("not supported") }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.vals) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	if r.valErr != nil {
		return nil, r.valErr
	}
	return r.vals[r.pos-1], nil
}

type fakeQuerier struct {
	rows    *fakeRows
	err     error
	queries []string
}

func (q *fakeQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	q.queries = append(q.queries, sql)
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

// fakeTx serves batches to successive FETCH statements.
type fakeTx struct {
	execs      []string
	fetches    []string
	batches    []*fakeRows
	execErr    error
	queryErr   error // returned from the fetch numbered failAt
	failAt     int
	rolledBack int
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	return pgconn.CommandTag{}, t.execErr
}

func (t *fakeTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	t.fetches = append(t.fetches, sql)
	n := len(t.fetches)
	if t.queryErr != nil && n == t.failAt {
		return nil, t.queryErr
	}
	if n > len(t.batches) {
		return &fakeRows{}, nil
	}
	return t.batches[n-1], nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack++
	return nil
}

func beginWith(tx *fakeTx) beginFunc {
	return func(context.Context) (cursorTx, error) { return tx, nil }
}

func TestDealsQuery(t *testing.T) {
	tests := []struct {
		name  string
		table string
		opts  source.StreamOptions
		want  string
	}{
		{
			name: "weighted",
			opts: source.StreamOptions{IncludeVerified: true},
			want: `select piece_cid, verified_deal, sector_start_epoch from "current_state"`,
		},
		{
			name: "unweighted",
			opts: source.StreamOptions{ActiveOnly: true},
			want: `select piece_cid, sector_start_epoch from "current_state" where sector_start_epoch >= 0`,
		},
		{
			name:  "schema qualified",
			table: "market.current_state",
			opts:  source.StreamOptions{IncludeVerified: true},
			want:  `select piece_cid, verified_deal, sector_start_epoch from "market"."current_state"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DealsQuery(tt.table, tt.opts); got != tt.want {
				t.Errorf("DealsQuery() = %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestPieceReader(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{vals: [][]any{
		{"bafyA", float64(34359738368)},
		{"bafyB", int64(1024)},
	}}}

	var got []source.Piece
	err := NewPieceReader(q, "").ScanPieces(context.Background(), func(p source.Piece) error {
		got = append(got, p)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanPieces: %v", err)
	}
	if len(q.queries) != 1 || q.queries[0] != PiecesQuery {
		t.Errorf("queries = %v, want exactly one PiecesQuery", q.queries)
	}
	want := []source.Piece{{CID: "bafyA", Size: 34359738368}, {CID: "bafyB", Size: 1024}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("pieces = %+v, want %+v", got, want)
	}
	if !q.rows.closed {
		t.Error("rows should be closed")
	}
}

func TestPieceReaderErrors(t *testing.T) {
	tests := []struct {
		name string
		q    *fakeQuerier
		want error
	}{
		{"query fails", &fakeQuerier{err: errors.New("auth failed")}, qaperr.ErrSourceUnavailable},
		{"rows fail", &fakeQuerier{rows: &fakeRows{err: errors.New("timeout")}}, qaperr.ErrSourceUnavailable},
		{"negative size", &fakeQuerier{rows: &fakeRows{vals: [][]any{{"bafyA", int64(-1)}}}}, qaperr.ErrMalformedRow},
		{"missing column", &fakeQuerier{rows: &fakeRows{vals: [][]any{{"bafyA"}}}}, qaperr.ErrMalformedRow},
		{"undecodable", &fakeQuerier{rows: &fakeRows{vals: [][]any{{}}, valErr: errors.New("bad jsonb")}}, qaperr.ErrMalformedRow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPieceReader(tt.q, "").ScanPieces(context.Background(), func(source.Piece) error { return nil })
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDealCursorBatches(t *testing.T) {
	tx := &fakeTx{batches: []*fakeRows{
		{vals: [][]any{{"A", true, int64(5)}, {"B", false, int64(-1)}}},
		{vals: [][]any{{"C", true, int64(5)}, {"A", false, int64(0)}}},
		{vals: [][]any{{"D", false, int32(7)}}},
	}}
	opts := source.StreamOptions{BatchSize: 2, IncludeVerified: true}

	cur, err := OpenDealCursor(context.Background(), beginWith(tx), DealsQuery("", opts), opts)
	if err != nil {
		t.Fatalf("OpenDealCursor: %v", err)
	}
	if len(tx.execs) != 1 || !strings.HasPrefix(tx.execs[0], "declare dealqap_deals no scroll cursor for select") {
		t.Errorf("execs = %v", tx.execs)
	}

	var got []source.DealRow
	for {
		row, err := cur.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, row)
	}
	if len(got) != 5 {
		t.Fatalf("got %d rows, want 5", len(got))
	}
	if got[0] != (source.DealRow{PieceCID: "A", Verified: true, HasVerified: true, SectorStartEpoch: 5}) {
		t.Errorf("first row = %+v", got[0])
	}
	if got[4].SectorStartEpoch != 7 {
		t.Errorf("last row = %+v", got[4])
	}
	// The short third batch ends the stream without another round trip.
	if len(tx.fetches) != 3 || tx.fetches[0] != "fetch forward 2 from dealqap_deals" {
		t.Errorf("fetches = %v", tx.fetches)
	}
	if _, err := cur.Next(context.Background()); err != io.EOF {
		t.Errorf("Next after EOF = %v, want io.EOF again", err)
	}

	if err := cur.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cur.Close(); err != nil || tx.rolledBack != 1 {
		t.Errorf("second Close err=%v, rollbacks=%d", err, tx.rolledBack)
	}
}

func TestDealCursorExactBatchBoundary(t *testing.T) {
	tx := &fakeTx{batches: []*fakeRows{
		{vals: [][]any{{"A", int64(1)}}},
	}}
	opts := source.StreamOptions{BatchSize: 1}
	cur, err := OpenDealCursor(context.Background(), beginWith(tx), "select 1", opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cur.Next(context.Background()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := cur.Next(context.Background()); err != io.EOF {
		t.Fatalf("Next = %v, want io.EOF", err)
	}
	if len(tx.fetches) != 2 {
		t.Errorf("fetches = %d, want 2 (full batch then empty)", len(tx.fetches))
	}
}

func TestDealCursorFetchErrorIsSticky(t *testing.T) {
	cause := errors.New("server closed the connection unexpectedly")
	tx := &fakeTx{
		batches:  []*fakeRows{{vals: [][]any{{"A", true, int64(1)}}}},
		queryErr: cause,
		failAt:   2,
	}
	opts := source.StreamOptions{BatchSize: 1, IncludeVerified: true}
	cur, err := OpenDealCursor(context.Background(), beginWith(tx), "select 1", opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cur.Next(context.Background()); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	for range 2 {
		if _, err := cur.Next(context.Background()); !errors.Is(err, cause) {
			t.Fatalf("Next = %v, want %v", err, cause)
		}
	}
	if len(tx.fetches) != 2 {
		t.Errorf("terminal error should not trigger more fetches, got %d", len(tx.fetches))
	}
}

func TestDealCursorStopsOnCancel(t *testing.T) {
	tx := &fakeTx{batches: []*fakeRows{
		{vals: [][]any{{"A", int64(1)}, {"B", int64(2)}, {"C", int64(3)}}},
	}}
	opts := source.StreamOptions{BatchSize: 3}
	cur, err := OpenDealCursor(context.Background(), beginWith(tx), "select 1", opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := cur.Next(ctx); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	cancel()

	// Two rows are still buffered; neither may be returned.
	for range 2 {
		row, err := cur.Next(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Next = %+v, %v; want context.Canceled", row, err)
		}
		if row != (source.DealRow{}) {
			t.Errorf("Next returned a row after cancellation: %+v", row)
		}
	}
	if _, err := cur.Next(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation should be terminal, got %v", err)
	}
	if len(tx.fetches) != 1 {
		t.Errorf("fetches = %d, want 1", len(tx.fetches))
	}
}

func TestDealCursorMalformedRow(t *testing.T) {
	tx := &fakeTx{batches: []*fakeRows{{vals: [][]any{{"A", "maybe", int64(1)}}}}}
	opts := source.StreamOptions{BatchSize: 10, IncludeVerified: true}
	cur, err := OpenDealCursor(context.Background(), beginWith(tx), "select 1", opts)
	if err != nil {
		t.Fatal(err)
	}
	_, err = cur.Next(context.Background())
	var re *qaperr.RowError
	if !errors.As(err, &re) || re.Column != "verified_deal" || re.Row != 1 {
		t.Errorf("err = %v, want RowError on verified_deal row 1", err)
	}
}

func TestOpenDealCursorUnavailable(t *testing.T) {
	t.Run("begin", func(t *testing.T) {
		begin := func(context.Context) (cursorTx, error) { return nil, errors.New("connection refused") }
		_, err := OpenDealCursor(context.Background(), begin, "select 1", source.StreamOptions{})
		if !errors.Is(err, qaperr.ErrSourceUnavailable) {
			t.Errorf("err = %v, want ErrSourceUnavailable", err)
		}
	})
	t.Run("declare", func(t *testing.T) {
		tx := &fakeTx{execErr: errors.New(`relation "current_state" does not exist`)}
		_, err := OpenDealCursor(context.Background(), beginWith(tx), "select 1", source.StreamOptions{})
		if !errors.Is(err, qaperr.ErrSourceUnavailable) {
			t.Errorf("err = %v, want ErrSourceUnavailable", err)
		}
		if tx.rolledBack != 1 {
			t.Errorf("failed declare should roll back, rollbacks=%d", tx.rolledBack)
		}
	})
}
