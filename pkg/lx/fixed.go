package lx

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const precisionDecimals = 18

var (
	// Precision is the fixed-point scale (1e18) shared by every amount and
	// price in the engine, oracle prices included.
	Precision = new(big.Int).Exp(big.NewInt(10), big.NewInt(precisionDecimals), nil)

	// MaintenanceMarginRatio is 5% of notional.
	MaintenanceMarginRatio = new(big.Int).Div(Precision, big.NewInt(20))

	// LiquidationPenalty is the 1% share of remaining equity paid to the liquidator.
	LiquidationPenalty = new(big.Int).Div(Precision, big.NewInt(100))
)

// Units returns n whole units scaled by Precision.
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Precision)
}

// mulDiv returns a*b/c truncated toward zero. c must be non-zero.
func mulDiv(a, b, c *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

func isZero(x *big.Int) bool {
	return x == nil || x.Sign() == 0
}

func clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// ParseAmount converts a human-readable decimal ("12.5") into its
// Precision-scaled integer form. Digits beyond 18 decimals are rejected.
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	scaled := d.Shift(precisionDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", s, precisionDecimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders a Precision-scaled integer as a decimal string.
func FormatAmount(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -precisionDecimals).String()
}
