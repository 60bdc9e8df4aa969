package benchutil

import (
	"math/big"
	"testing"
)

func TestGenerateDeterministic(t *testing.T) {
	a := NewGenerator(DefaultConfig(1000)).Generate()
	b := NewGenerator(DefaultConfig(1000)).Generate()
	if a.Weighted.Cmp(b.Weighted) != 0 || a.Deals[999] != b.Deals[999] || a.Pieces[0] != b.Pieces[0] {
		t.Error("same seed produced different datasets")
	}
	c := NewGenerator(GeneratorConfig{NumPieces: 251, NumDeals: 1000, Seed: 7, MinSizeExp: 20, MaxSizeExp: 36}).Generate()
	if c.Pieces[0] == a.Pieces[0] {
		t.Error("different seeds produced the same first piece")
	}
}

func TestGenerateShape(t *testing.T) {
	cfg := DefaultConfig(20_000)
	ds := NewGenerator(cfg).Generate()

	if len(ds.Pieces) != cfg.NumPieces || len(ds.Deals) != cfg.NumDeals {
		t.Fatalf("got %d pieces, %d deals", len(ds.Pieces), len(ds.Deals))
	}
	seen := make(map[string]bool, len(ds.Pieces))
	for _, p := range ds.Pieces {
		if seen[p.CID] {
			t.Fatalf("duplicate CID %s", p.CID)
		}
		seen[p.CID] = true
		if p.Size < 1<<cfg.MinSizeExp || p.Size > 1<<cfg.MaxSizeExp || p.Size&(p.Size-1) != 0 {
			t.Fatalf("size %d is not a power of two in range", p.Size)
		}
	}

	var pending, verified int
	for _, d := range ds.Deals {
		if d.SectorStartEpoch < 0 {
			pending++
		}
		if d.Verified {
			verified++
		}
	}
	if r := float64(pending) / float64(len(ds.Deals)); r < 0.12 || r > 0.18 {
		t.Errorf("pending ratio = %.3f, want about %.2f", r, cfg.PendingRatio)
	}
	if r := float64(verified) / float64(len(ds.Deals)); r < 0.56 || r > 0.64 {
		t.Errorf("verified ratio = %.3f, want about %.2f", r, cfg.VerifiedRatio)
	}
	if ds.Weighted.Cmp(ds.Unweighted) <= 0 {
		t.Errorf("weighted %s should exceed unweighted %s", ds.Weighted, ds.Unweighted)
	}
}

func TestGenerateNoPieces(t *testing.T) {
	ds := NewGenerator(GeneratorConfig{NumDeals: 10}).Generate()
	if ds.Matched != 0 || ds.Weighted.Sign() != 0 || ds.Unweighted.Cmp(big.NewInt(0)) != 0 {
		t.Errorf("dataset without pieces matched %d deals", ds.Matched)
	}
}
