package lx

import (
	"math/big"
	"time"
)

var secondsPerInterval = big.NewInt(int64(FundingInterval / time.Second))

// FundingRate is one accrual of the cumulative funding index.
type FundingRate struct {
	Rate        *big.Int // vAMM price minus oracle price
	Delta       *big.Int // Rate scaled by elapsed/interval
	Cumulative  *big.Int // index after this accrual
	VammPrice   *big.Int
	OraclePrice *big.Int
	Elapsed     time.Duration
	Timestamp   time.Time
}

// FundingEngine accrues the cumulative funding index from the deviation of
// the vAMM price from the oracle price. Funding is never settled into
// balances here; positions realize it lazily by diffing the index between
// open and close.
type FundingEngine struct {
	cumulative      *big.Int
	lastFundingTime time.Time
	history         []FundingRate
	historyLimit    int

	amm    *VirtualAMM
	oracle *PriceOracle
	j      *journal
}

func newFundingEngine(j *journal, amm *VirtualAMM, oracle *PriceOracle, now time.Time, historyLimit int) *FundingEngine {
	return &FundingEngine{
		cumulative:      new(big.Int),
		lastFundingTime: now,
		historyLimit:    historyLimit,
		amm:             amm,
		oracle:          oracle,
		j:               j,
	}
}

// CumulativeFunding returns the signed funding index.
func (fe *FundingEngine) CumulativeFunding() *big.Int {
	return clone(fe.cumulative)
}

// LastFundingTime is when the index last accrued.
func (fe *FundingEngine) LastFundingTime() time.Time {
	return fe.lastFundingTime
}

// NextFundingTime is the earliest time the next accrual can happen.
func (fe *FundingEngine) NextFundingTime() time.Time {
	return fe.lastFundingTime.Add(FundingInterval)
}

// update accrues funding if at least one interval has elapsed since the last
// accrual. It returns the accrual, or nil when it was a no-op.
func (fe *FundingEngine) update(now time.Time) *FundingRate {
	elapsed := now.Sub(fe.lastFundingTime)
	if elapsed < FundingInterval {
		return nil
	}
	elapsed = elapsed.Truncate(time.Second)

	vammPrice := fe.amm.Price()
	oraclePrice := fe.oracle.Price()
	rate := new(big.Int).Sub(vammPrice, oraclePrice)
	delta := mulDiv(rate, big.NewInt(int64(elapsed/time.Second)), secondsPerInterval)
	cumulative := new(big.Int).Add(fe.cumulative, delta)

	set(fe.j, &fe.cumulative, cumulative)
	set(fe.j, &fe.lastFundingTime, now)

	fr := FundingRate{
		Rate:        rate,
		Delta:       delta,
		Cumulative:  clone(cumulative),
		VammPrice:   vammPrice,
		OraclePrice: oraclePrice,
		Elapsed:     elapsed,
		Timestamp:   now,
	}
	fe.addToHistory(fr)
	return &fr
}

func (fe *FundingEngine) addToHistory(fr FundingRate) {
	history := append(fe.history[:len(fe.history):len(fe.history)], fr)
	if fe.historyLimit > 0 && len(history) > fe.historyLimit {
		history = history[len(history)-fe.historyLimit:]
	}
	set(fe.j, &fe.history, history)
}

// FundingHistory returns up to limit of the most recent accruals, oldest
// first. A limit <= 0 returns everything retained.
func (fe *FundingEngine) FundingHistory(limit int) []FundingRate {
	history := fe.history
	if limit > 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}
	out := make([]FundingRate, len(history))
	copy(out, history)
	return out
}
