package lx

import "math/big"

// LiquidationEngine decides solvency against the maintenance margin and
// splits the remaining equity of a liquidated position.
type LiquidationEngine struct {
	maintenanceRatio *big.Int
	penalty          *big.Int
}

func newLiquidationEngine() *LiquidationEngine {
	return &LiquidationEngine{
		maintenanceRatio: MaintenanceMarginRatio,
		penalty:          LiquidationPenalty,
	}
}

// MaintenanceRequirement is size * MaintenanceMarginRatio / Precision.
func (le *LiquidationEngine) MaintenanceRequirement(size *big.Int) *big.Int {
	return mulDiv(size, le.maintenanceRatio, Precision)
}

// breached reports whether equity is below the maintenance requirement.
func (le *LiquidationEngine) breached(p *Position, s Settlement) bool {
	return s.Equity.Cmp(le.MaintenanceRequirement(p.Size)) < 0
}

// LiquidationResult describes a completed liquidation.
type LiquidationResult struct {
	Equity    *big.Int // may be negative
	Reward    *big.Int // paid to the liquidator
	Remainder *big.Int // returned to the liquidated account
	BadDebt   *big.Int // shortfall absorbed by the system
}

// split divides positive equity into the liquidator reward and the
// remainder. Non-positive equity pays nobody and is recorded as bad debt.
func (le *LiquidationEngine) split(equity *big.Int) LiquidationResult {
	res := LiquidationResult{
		Equity:    clone(equity),
		Reward:    new(big.Int),
		Remainder: new(big.Int),
		BadDebt:   new(big.Int),
	}
	if equity.Sign() <= 0 {
		res.BadDebt.Neg(equity)
		return res
	}
	res.Reward = mulDiv(equity, le.penalty, Precision)
	res.Remainder = new(big.Int).Sub(equity, res.Reward)
	return res
}
