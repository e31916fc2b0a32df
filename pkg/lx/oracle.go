package lx

import (
	"math/big"
	"time"
)

// PriceOracle holds the externally supplied index price. It is written only
// through Engine.SetOraclePrice, which enforces owner access; the rest of
// the engine only reads it.
type PriceOracle struct {
	price     *big.Int
	updatedAt time.Time

	j *journal
}

func newPriceOracle(j *journal, price *big.Int, now time.Time) (*PriceOracle, error) {
	if isZero(price) || price.Sign() < 0 {
		return nil, ErrInvalidPrice
	}
	return &PriceOracle{price: clone(price), updatedAt: now, j: j}, nil
}

// Price returns the current oracle price, Precision-scaled.
func (o *PriceOracle) Price() *big.Int {
	return clone(o.price)
}

// UpdatedAt is when the price was last set.
func (o *PriceOracle) UpdatedAt() time.Time {
	return o.updatedAt
}

func (o *PriceOracle) set(price *big.Int, now time.Time) error {
	if isZero(price) || price.Sign() < 0 {
		return ErrInvalidPrice
	}
	set(o.j, &o.price, clone(price))
	set(o.j, &o.updatedAt, now)
	return nil
}
