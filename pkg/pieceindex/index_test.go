package pieceindex

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"testing"

	"github.com/eunmann/deal-qap/pkg/benchutil"
	"github.com/eunmann/deal-qap/pkg/membudget"
	"github.com/eunmann/deal-qap/pkg/qaperr"
	"github.com/eunmann/deal-qap/pkg/source"
)

// scanFunc adapts a function to source.BulkReader.
type scanFunc func(ctx context.Context, fn func(source.Piece) error) error

func (f scanFunc) ScanPieces(ctx context.Context, fn func(source.Piece) error) error {
	return f(ctx, fn)
}

func TestBuildDistinct(t *testing.T) {
	pieces := source.PieceSlice{
		{CID: "bafyA", Size: 10},
		{CID: "bafyB", Size: 20},
	}

	idx, err := Build(context.Background(), pieces, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx.Len() != 2 {
		t.Errorf("Len() = %d, want 2", idx.Len())
	}
	for _, p := range pieces {
		got, ok := idx.Lookup(p.CID)
		if !ok || got != p.Size {
			t.Errorf("Lookup(%q) = %d, %v; want %d, true", p.CID, got, ok, p.Size)
		}
	}
	if _, ok := idx.Lookup("bafyZ"); ok {
		t.Error("Lookup of absent CID should miss")
	}
	if got := idx.DeclaredBytes(); got.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("DeclaredBytes() = %s, want 30", got)
	}
}

func TestBuildDuplicatesLastWins(t *testing.T) {
	pieces := source.PieceSlice{
		{CID: "bafyA", Size: 10},
		{CID: "bafyB", Size: 20},
		{CID: "bafyA", Size: 15},
	}

	idx, err := Build(context.Background(), pieces, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got, _ := idx.Lookup("bafyA"); got != 15 {
		t.Errorf("Lookup(bafyA) = %d, want 15", got)
	}
	if idx.Len() != 2 || idx.Rows() != 3 || idx.Duplicates() != 1 {
		t.Errorf("Len/Rows/Duplicates = %d/%d/%d, want 2/3/1", idx.Len(), idx.Rows(), idx.Duplicates())
	}
	if got := idx.DeclaredBytes(); got.Cmp(big.NewInt(35)) != 0 {
		t.Errorf("DeclaredBytes() = %s, want 35", got)
	}
}

func TestBuildEmpty(t *testing.T) {
	idx, err := Build(context.Background(), source.PieceSlice{}, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx.Len() != 0 || idx.DeclaredBytes().Sign() != 0 {
		t.Errorf("empty source should give empty index, got %d entries", idx.Len())
	}
}

func TestBuildErrors(t *testing.T) {
	connErr := errors.New("connection refused")
	rowErr := qaperr.Malformed("pieces", 2, "piece_size", errors.New("negative size"))

	tests := []struct {
		name   string
		reader source.BulkReader
		want   error
	}{
		{
			name: "unreachable",
			reader: scanFunc(func(context.Context, func(source.Piece) error) error {
				return connErr
			}),
			want: qaperr.ErrSourceUnavailable,
		},
		{
			name: "already classified",
			reader: scanFunc(func(context.Context, func(source.Piece) error) error {
				return qaperr.Unavailable("pieces", connErr)
			}),
			want: qaperr.ErrSourceUnavailable,
		},
		{
			name: "malformed after rows",
			reader: scanFunc(func(_ context.Context, fn func(source.Piece) error) error {
				if err := fn(source.Piece{CID: "bafyA", Size: 1}); err != nil {
					return err
				}
				return rowErr
			}),
			want: qaperr.ErrMalformedRow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := Build(context.Background(), tt.reader, Options{})
			if idx != nil {
				t.Error("failed build should not return an index")
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuildUnavailableKeepsCause(t *testing.T) {
	cause := errors.New("password authentication failed")
	_, err := Build(context.Background(), scanFunc(func(context.Context, func(source.Piece) error) error {
		return cause
	}), Options{})
	if !errors.Is(err, cause) {
		t.Errorf("err = %v, should wrap the driver error", err)
	}
}

func TestBuildCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, source.PieceSlice{{CID: "bafyA", Size: 1}}, Options{})
	if !errors.Is(err, qaperr.ErrSourceUnavailable) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want unavailable wrapping context.Canceled", err)
	}
}

func TestBuildBudget(t *testing.T) {
	pieces := source.PieceSlice{
		{CID: "bafyA", Size: 10},
		{CID: "bafyB", Size: 20},
		{CID: "bafyA", Size: 30},
	}
	perEntry := uint64(len("bafyA")) + EntryOverhead

	t.Run("fits", func(t *testing.T) {
		b := membudget.New(2*perEntry, membudget.BudgetSourceConfig)
		idx, err := Build(context.Background(), pieces, Options{Budget: b})
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if b.InUse() != 2*perEntry || idx.EstimatedBytes() != 2*perEntry {
			t.Errorf("InUse = %d, Estimated = %d, want %d", b.InUse(), idx.EstimatedBytes(), 2*perEntry)
		}
		idx.Release(b)
		if b.InUse() != 0 {
			t.Errorf("InUse after Release = %d, want 0", b.InUse())
		}
		if _, ok := idx.Lookup("bafyB"); !ok {
			t.Error("index should stay usable after Release")
		}
	})

	t.Run("exceeded", func(t *testing.T) {
		b := membudget.New(perEntry, membudget.BudgetSourceConfig)
		_, err := Build(context.Background(), pieces, Options{Budget: b})
		if !errors.Is(err, membudget.ErrBudgetExceeded) {
			t.Fatalf("err = %v, want ErrBudgetExceeded", err)
		}
		if errors.Is(err, qaperr.ErrSourceUnavailable) {
			t.Error("budget failure should not be reported as an unavailable source")
		}
		if b.InUse() != 0 {
			t.Errorf("failed build should release its reservation, InUse = %d", b.InUse())
		}
	})
}

func TestFromMap(t *testing.T) {
	idx := FromMap(map[string]uint64{"a": 1, "b": 2})
	if idx.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", idx.Len())
	}
	if got := idx.DeclaredBytes(); got.Cmp(big.NewInt(3)) != 0 {
		t.Errorf("DeclaredBytes() = %s, want 3", got)
	}
}

func BenchmarkBuild(b *testing.B) {
	for _, n := range benchutil.BenchmarkSizes {
		cfg := benchutil.DefaultConfig(0)
		cfg.NumPieces = n
		pieces := benchutil.NewGenerator(cfg).Generate().Pieces
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			b.ReportAllocs()
			for range b.N {
				if _, err := Build(context.Background(), pieces, Options{SizeHint: n}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkBuildScaling(b *testing.B) {
	benchutil.SkipIfNoLongBench(b)
	for _, n := range benchutil.ScalingSizes {
		cfg := benchutil.DefaultConfig(0)
		cfg.NumPieces = n
		pieces := benchutil.NewGenerator(cfg).Generate().Pieces
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			for range b.N {
				if _, err := Build(context.Background(), pieces, Options{}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkLookup(b *testing.B) {
	cfg := benchutil.DefaultConfig(0)
	cfg.NumPieces = 1 << 16
	pieces := benchutil.NewGenerator(cfg).Generate().Pieces
	idx, err := Build(context.Background(), pieces, Options{})
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := range b.N {
		_, _ = idx.Lookup(pieces[i&(len(pieces)-1)].CID)
	}
}
