package lx

import "math/big"

var (
	seedBaseReserves  = Units(1_000)
	seedQuoteReserves = Units(1_000_000)
)

// VirtualAMM derives a synthetic price from two virtual reserves. Opens push
// the price in the direction of the trade; closes leave the reserves alone.
// x*y is not preserved.
type VirtualAMM struct {
	base  *big.Int
	quote *big.Int

	j *journal
}

func newVirtualAMM(j *journal) *VirtualAMM {
	return &VirtualAMM{
		base:  clone(seedBaseReserves),
		quote: clone(seedQuoteReserves),
		j:     j,
	}
}

// Price returns quote * Precision / base.
func (a *VirtualAMM) Price() *big.Int {
	return mulDiv(a.quote, Precision, a.base)
}

// Reserves returns copies of the base and quote reserves.
func (a *VirtualAMM) Reserves() (base, quote *big.Int) {
	return clone(a.base), clone(a.quote)
}

// applyOpen moves the reserves for a new position of the given notional
// opened at price. A long takes size/price base out and puts size quote in;
// a short does the reverse. The move is rejected if it would leave either
// reserve or the resulting price at zero.
func (a *VirtualAMM) applyOpen(dir Direction, size, price *big.Int) error {
	if price.Sign() <= 0 {
		return ErrReservesExhausted
	}
	baseDelta := mulDiv(size, Precision, price)
	var base, quote *big.Int
	switch dir {
	case Long:
		if baseDelta.Cmp(a.base) >= 0 {
			return ErrReservesExhausted
		}
		base = new(big.Int).Sub(a.base, baseDelta)
		quote = new(big.Int).Add(a.quote, size)
	case Short:
		if size.Cmp(a.quote) >= 0 {
			return ErrReservesExhausted
		}
		base = new(big.Int).Add(a.base, baseDelta)
		quote = new(big.Int).Sub(a.quote, size)
	}
	if mulDiv(quote, Precision, base).Sign() == 0 {
		return ErrReservesExhausted
	}
	set(a.j, &a.base, base)
	set(a.j, &a.quote, quote)
	return nil
}
