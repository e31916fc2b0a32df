package lx

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func (e *Engine) Owner() common.Address   { return e.owner }
func (e *Engine) Custody() common.Address { return e.custody }

// Position returns a copy of account's position. IsOpen is false when the
// account is flat.
func (e *Engine) Position(account common.Address) Position {
	return e.positions.Get(account)
}

// Margin returns the margin committed to account's open position, or zero.
func (e *Engine) Margin(account common.Address) *big.Int {
	p := e.positions.Get(account)
	return p.Margin()
}

// MarginBalance returns account's free (uncommitted) margin.
func (e *Engine) MarginBalance(account common.Address) *big.Int {
	return e.ledger.MarginOf(account)
}

// LPShares returns account's liquidity shares.
func (e *Engine) LPShares(account common.Address) *big.Int {
	return e.ledger.SharesOf(account)
}

func (e *Engine) TotalLiquidity() *big.Int { return e.ledger.TotalLiquidity() }
func (e *Engine) VammPrice() *big.Int      { return e.amm.Price() }
func (e *Engine) OraclePrice() *big.Int    { return e.oracle.Price() }
func (e *Engine) BadDebt() *big.Int        { return clone(e.badDebt) }

// CumulativeFunding returns the funding index as of the last accrual.
func (e *Engine) CumulativeFunding() *big.Int { return e.funding.CumulativeFunding() }

func (e *Engine) LastFundingTime() time.Time { return e.funding.LastFundingTime() }
func (e *Engine) NextFundingTime() time.Time { return e.funding.NextFundingTime() }

// FundingHistory returns up to limit of the most recent accruals.
func (e *Engine) FundingHistory(limit int) []FundingRate {
	return e.funding.FundingHistory(limit)
}

// Valuation values account's open position at the current vAMM price and
// the current funding index, without accruing. ok is false if flat.
func (e *Engine) Valuation(account common.Address) (s Settlement, ok bool) {
	pos, ok := e.positions.positions[account]
	if !ok {
		return Settlement{}, false
	}
	return settle(pos, e.amm.Price(), e.funding.cumulative), true
}

// UnrealizedPnL is account's price PnL net of funding, zero if flat.
func (e *Engine) UnrealizedPnL(account common.Address) *big.Int {
	s, ok := e.Valuation(account)
	if !ok {
		return new(big.Int)
	}
	return s.PnL
}

// Equity is margin plus unrealized PnL, zero if flat. It may be negative.
func (e *Engine) Equity(account common.Address) *big.Int {
	s, ok := e.Valuation(account)
	if !ok {
		return new(big.Int)
	}
	return s.Equity
}

// MaintenanceRequirement is the equity account's position must keep.
func (e *Engine) MaintenanceRequirement(account common.Address) *big.Int {
	pos, ok := e.positions.positions[account]
	if !ok {
		return new(big.Int)
	}
	return e.liquidation.MaintenanceRequirement(pos.Size)
}

// OpenAccounts lists accounts holding an open position, sorted.
func (e *Engine) OpenAccounts() []common.Address {
	return e.positions.Accounts()
}

// MarketState snapshots the reserves, prices and funding index.
func (e *Engine) MarketState() MarketState {
	base, quote := e.amm.Reserves()
	return MarketState{
		BaseReserves:      base,
		QuoteReserves:     quote,
		VammPrice:         e.amm.Price(),
		OraclePrice:       e.oracle.Price(),
		CumulativeFunding: e.funding.CumulativeFunding(),
		LastFundingTime:   e.funding.LastFundingTime(),
		TotalLiquidity:    e.ledger.TotalLiquidity(),
		BadDebt:           clone(e.badDebt),
		OpenPositions:     e.positions.Len(),
	}
}

// Liabilities is what the engine owes out of custody: free margin, LP
// contributions and margin locked in open positions.
func (e *Engine) Liabilities() *big.Int {
	sum := e.ledger.TotalMargin()
	sum.Add(sum, e.ledger.TotalLiquidity())
	return sum.Add(sum, e.positions.LockedMargin())
}
