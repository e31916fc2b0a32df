package lx

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralLedger tracks free margin per account and LP shares. It holds no
// pricing logic. Stored values are never mutated in place; every write
// replaces the pointer so the journal can restore the old one.
type CollateralLedger struct {
	margin         map[common.Address]*big.Int
	lpShares       map[common.Address]*big.Int
	totalLiquidity *big.Int

	j *journal
}

func newCollateralLedger(j *journal) *CollateralLedger {
	return &CollateralLedger{
		margin:         make(map[common.Address]*big.Int),
		lpShares:       make(map[common.Address]*big.Int),
		totalLiquidity: new(big.Int),
		j:              j,
	}
}

// MarginOf returns the account's free margin.
func (l *CollateralLedger) MarginOf(account common.Address) *big.Int {
	return clone(l.margin[account])
}

// SharesOf returns the account's LP shares.
func (l *CollateralLedger) SharesOf(account common.Address) *big.Int {
	return clone(l.lpShares[account])
}

// TotalLiquidity is the sum of all LP contributions.
func (l *CollateralLedger) TotalLiquidity() *big.Int {
	return clone(l.totalLiquidity)
}

// TotalMargin sums free margin over all accounts.
func (l *CollateralLedger) TotalMargin() *big.Int {
	sum := new(big.Int)
	for _, m := range l.margin {
		sum.Add(sum, m)
	}
	return sum
}

func (l *CollateralLedger) credit(account common.Address, amount *big.Int) {
	if isZero(amount) {
		return
	}
	setKey(l.j, l.margin, account, new(big.Int).Add(l.MarginOf(account), amount))
}

func (l *CollateralLedger) debit(account common.Address, amount *big.Int) error {
	bal := l.MarginOf(account)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientMargin
	}
	l.store(l.margin, account, bal.Sub(bal, amount))
	return nil
}

func (l *CollateralLedger) addShares(account common.Address, amount *big.Int) {
	setKey(l.j, l.lpShares, account, new(big.Int).Add(l.SharesOf(account), amount))
	set(l.j, &l.totalLiquidity, new(big.Int).Add(l.totalLiquidity, amount))
}

func (l *CollateralLedger) removeShares(account common.Address, amount *big.Int) error {
	shares := l.SharesOf(account)
	if shares.Cmp(amount) < 0 {
		return ErrNotEnoughLiquidity
	}
	l.store(l.lpShares, account, shares.Sub(shares, amount))
	set(l.j, &l.totalLiquidity, new(big.Int).Sub(l.totalLiquidity, amount))
	return nil
}

// store writes v, dropping the key once it reaches zero so empty accounts
// do not linger in snapshots.
func (l *CollateralLedger) store(m map[common.Address]*big.Int, account common.Address, v *big.Int) {
	if v.Sign() == 0 {
		deleteKey(l.j, m, account)
		return
	}
	setKey(l.j, m, account, v)
}
