// Package benchutil provides synthetic piece and deal data for benchmarks and testing.
package benchutil

import (
	"fmt"
	"math/big"
	"math/rand/v2"

	"github.com/eunmann/deal-qap/pkg/source"
)

// GeneratorConfig configures synthetic data generation.
type GeneratorConfig struct {
	// NumPieces is the number of distinct pieces in the generation log.
	NumPieces int
	// NumDeals is the number of deal rows.
	NumDeals int
	// UnmatchedRatio is the share of deals whose piece is not in the log.
	UnmatchedRatio float64
	// VerifiedRatio is the share of deals flagged as verified.
	VerifiedRatio float64
	// PendingRatio is the share of deals whose sector has not started.
	PendingRatio float64
	// MinSizeExp and MaxSizeExp bound piece sizes to powers of two.
	MinSizeExp int
	MaxSizeExp int
	// Seed for reproducible generation. 0 = use default seed.
	Seed uint64
}

// DefaultConfig returns a mix close to a production deal table: most deals
// match a generated piece, a majority are verified and a few are pending.
func DefaultConfig(numDeals int) GeneratorConfig {
	return GeneratorConfig{
		NumPieces:      numDeals/4 + 1,
		NumDeals:       numDeals,
		UnmatchedRatio: 0.10,
		VerifiedRatio:  0.60,
		PendingRatio:   0.15,
		MinSizeExp:     20, // 1 MiB
		MaxSizeExp:     36, // 64 GiB
		Seed:           BenchmarkSeed,
	}
}

// Dataset is a generated piece log with its deal rows and the totals each
// aggregation profile must produce from them.
type Dataset struct {
	Pieces source.PieceSlice
	Deals  []source.DealRow

	// Weighted counts matched active deals, verified ones ten times.
	Weighted *big.Int
	// Unweighted counts matched active deals once.
	Unweighted *big.Int
	// Matched is the number of active deals whose piece is in the log.
	Matched int64
}

// Generator generates synthetic datasets.
type Generator struct {
	cfg GeneratorConfig
	rng *rand.Rand
}

// NewGenerator creates a new data generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = BenchmarkSeed
	}
	if cfg.MaxSizeExp < cfg.MinSizeExp {
		cfg.MaxSizeExp = cfg.MinSizeExp
	}
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Generate builds a dataset.
func (g *Generator) Generate() *Dataset {
	ds := &Dataset{
		Pieces:     make(source.PieceSlice, g.cfg.NumPieces),
		Deals:      make([]source.DealRow, g.cfg.NumDeals),
		Weighted:   new(big.Int),
		Unweighted: new(big.Int),
	}
	for i := range ds.Pieces {
		ds.Pieces[i] = source.Piece{CID: g.pieceCID(i), Size: g.pieceSize()}
	}

	var size, weighted big.Int
	for i := range ds.Deals {
		row, piece := g.deal(ds.Pieces, i)
		ds.Deals[i] = row
		if row.SectorStartEpoch < 0 || piece < 0 {
			continue
		}
		ds.Matched++
		size.SetUint64(ds.Pieces[piece].Size)
		ds.Unweighted.Add(ds.Unweighted, &size)
		if row.Verified {
			weighted.Mul(&size, big.NewInt(10))
			ds.Weighted.Add(ds.Weighted, &weighted)
		} else {
			ds.Weighted.Add(ds.Weighted, &size)
		}
	}
	return ds
}

const (
	piecePrefix     = "baga6ea4seaq"
	unmatchedPrefix = "bagaunmatched"
)

func (g *Generator) pieceCID(i int) string {
	return fmt.Sprintf("%s%08x%016x", piecePrefix, i, g.rng.Uint64())
}

func (g *Generator) pieceSize() uint64 {
	exp := g.cfg.MinSizeExp + g.rng.IntN(g.cfg.MaxSizeExp-g.cfg.MinSizeExp+1)
	return 1 << exp
}

// deal returns a row and the position of its piece, or -1 when unmatched.
func (g *Generator) deal(pieces source.PieceSlice, i int) (source.DealRow, int) {
	row := source.DealRow{
		Verified:         g.rng.Float64() < g.cfg.VerifiedRatio,
		HasVerified:      true,
		SectorStartEpoch: g.rng.Int64N(4_000_000),
	}
	if g.rng.Float64() < g.cfg.PendingRatio {
		row.SectorStartEpoch = -1
	}
	if len(pieces) == 0 || g.rng.Float64() < g.cfg.UnmatchedRatio {
		row.PieceCID = fmt.Sprintf("%s%08x", unmatchedPrefix, i)
		return row, -1
	}
	piece := g.rng.IntN(len(pieces))
	row.PieceCID = pieces[piece].CID
	return row, piece
}
