package collateral

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// TransferHook is called before a MemToken moves funds, outside the token's
// lock. Returning false fails the transfer.
type TransferHook func(from, to common.Address, amount *big.Int) bool

// MemToken is an in-memory fungible token. Transfer moves funds out of the
// custody address; TransferFrom moves funds between any two accounts.
// Insufficient balances fail the transfer with false rather than an error.
type MemToken struct {
	mu       sync.Mutex
	custody  common.Address
	balances map[common.Address]*big.Int
	supply   *big.Int
	hook     TransferHook
}

// NewMemToken creates an empty token whose Transfer spends from custody.
func NewMemToken(custody common.Address) *MemToken {
	return &MemToken{
		custody:  custody,
		balances: make(map[common.Address]*big.Int),
		supply:   new(big.Int),
	}
}

// Mint credits amount to account.
func (t *MemToken) Mint(account common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[account] = new(big.Int).Add(t.balanceOf(account), amount)
	t.supply = new(big.Int).Add(t.supply, amount)
}

// BalanceOf returns account's balance.
func (t *MemToken) BalanceOf(account common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balanceOf(account)
}

// TotalSupply is everything minted.
func (t *MemToken) TotalSupply() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.supply)
}

// OnTransfer installs hook, replacing any previous one. nil removes it.
func (t *MemToken) OnTransfer(hook TransferHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = hook
}

func (t *MemToken) Transfer(to common.Address, amount *big.Int) (bool, error) {
	return t.move(t.custody, to, amount), nil
}

func (t *MemToken) TransferFrom(from, to common.Address, amount *big.Int) (bool, error) {
	return t.move(from, to, amount), nil
}

func (t *MemToken) move(from, to common.Address, amount *big.Int) bool {
	if amount.Sign() < 0 {
		return false
	}
	t.mu.Lock()
	hook := t.hook
	t.mu.Unlock()
	if hook != nil && !hook(from, to, amount) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balanceOf(from)
	if bal.Cmp(amount) < 0 {
		return false
	}
	t.balances[from] = bal.Sub(bal, amount)
	t.balances[to] = new(big.Int).Add(t.balanceOf(to), amount)
	return true
}

func (t *MemToken) balanceOf(account common.Address) *big.Int {
	if b, ok := t.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}
