package dealagg

import (
	"math/big"
	"math/bits"
)

// runningTotal accumulates weighted sizes without a width limit. Sums stay in
// a machine word until they would overflow; the overflow spills into a
// big.Int so the common case does not allocate.
type runningTotal struct {
	word    uint64
	spill   big.Int
	scratch big.Int
	lo      big.Int
}

// add adds size*weight.
func (t *runningTotal) add(size, weight uint64) {
	hi, lo := bits.Mul64(size, weight)
	if hi == 0 {
		if sum, carry := bits.Add64(t.word, lo, 0); carry == 0 {
			t.word = sum
			return
		}
	}
	t.flush()
	t.scratch.SetUint64(hi)
	t.scratch.Lsh(&t.scratch, 64)
	t.scratch.Or(&t.scratch, t.lo.SetUint64(lo))
	t.spill.Add(&t.spill, &t.scratch)
}

func (t *runningTotal) flush() {
	if t.word == 0 {
		return
	}
	t.spill.Add(&t.spill, t.lo.SetUint64(t.word))
	t.word = 0
}

// value returns a copy of the current total.
func (t *runningTotal) value() *big.Int {
	out := new(big.Int).SetUint64(t.word)
	return out.Add(out, &t.spill)
}
