package lx

import (
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionManager owns the per-account positions. Absence from the map is
// the closed state.
type PositionManager struct {
	positions map[common.Address]*Position

	j *journal
}

func newPositionManager(j *journal) *PositionManager {
	return &PositionManager{
		positions: make(map[common.Address]*Position),
		j:         j,
	}
}

// Get returns a copy of the account's position; IsOpen is false if flat.
func (pm *PositionManager) Get(account common.Address) Position {
	p, ok := pm.positions[account]
	if !ok {
		return Position{Size: new(big.Int), EntryPrice: new(big.Int), FundingSnapshot: new(big.Int)}
	}
	return p.copy()
}

// HasOpen reports whether the account has an open position.
func (pm *PositionManager) HasOpen(account common.Address) bool {
	_, ok := pm.positions[account]
	return ok
}

// Accounts returns every account with an open position, sorted.
func (pm *PositionManager) Accounts() []common.Address {
	out := make([]common.Address, 0, len(pm.positions))
	for a := range pm.positions {
		out = append(out, a)
	}
	sortAddresses(out)
	return out
}

func sortAddresses(a []common.Address) {
	sort.Slice(a, func(i, k int) bool { return a[i].Cmp(a[k]) < 0 })
}

// Len is the number of open positions.
func (pm *PositionManager) Len() int {
	return len(pm.positions)
}

// LockedMargin sums the margin committed to open positions.
func (pm *PositionManager) LockedMargin() *big.Int {
	sum := new(big.Int)
	for _, p := range pm.positions {
		sum.Add(sum, p.Margin())
	}
	return sum
}

func (pm *PositionManager) store(account common.Address, margin *big.Int, leverage uint64, dir Direction, price, funding *big.Int, now time.Time) Position {
	p := &Position{
		Size:            new(big.Int).Mul(margin, new(big.Int).SetUint64(leverage)),
		Leverage:        leverage,
		Direction:       dir,
		EntryPrice:      clone(price),
		FundingSnapshot: clone(funding),
		IsOpen:          true,
		OpenedAt:        now,
	}
	setKey(pm.j, pm.positions, account, p)
	return p.copy()
}

func (pm *PositionManager) remove(account common.Address) {
	deleteKey(pm.j, pm.positions, account)
}

// Settlement is the valuation of a position at a price and funding index.
type Settlement struct {
	Margin      *big.Int
	PnL         *big.Int // price PnL minus funding
	FundingCost *big.Int
	Equity      *big.Int // Margin + PnL, may be negative
}

// settle values p at price with the given cumulative funding index:
//
//	pnl     = (long ? price-entry : entry-price) * size / entry
//	pnl    -= (cumulative - snapshot) * size / Precision
//	equity  = size/leverage + pnl
func settle(p *Position, price, cumulative *big.Int) Settlement {
	diff := new(big.Int).Sub(price, p.EntryPrice)
	if p.Direction == Short {
		diff.Neg(diff)
	}
	pnl := mulDiv(diff, p.Size, p.EntryPrice)

	fundingDiff := new(big.Int).Sub(cumulative, p.FundingSnapshot)
	fundingCost := mulDiv(fundingDiff, p.Size, Precision)
	pnl.Sub(pnl, fundingCost)

	margin := p.Margin()
	return Settlement{
		Margin:      margin,
		PnL:         pnl,
		FundingCost: fundingCost,
		Equity:      new(big.Int).Add(margin, pnl),
	}
}
