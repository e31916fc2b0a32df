package lx

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Collateral is the external fungible asset backing margin and liquidity.
// A false result and a non-nil error are both treated as a failed transfer.
type Collateral interface {
	// Transfer moves amount from the engine's custody address to to.
	Transfer(to common.Address, amount *big.Int) (bool, error)
	// TransferFrom pulls amount from from into to.
	TransferFrom(from, to common.Address, amount *big.Int) (bool, error)
}

func (e *Engine) pull(from common.Address, amount *big.Int) error {
	ok, err := e.collateral.TransferFrom(from, e.custody, amount)
	return transferResult(ok, err)
}

func (e *Engine) push(to common.Address, amount *big.Int) error {
	ok, err := e.collateral.Transfer(to, amount)
	return transferResult(ok, err)
}

func transferResult(ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return ErrTransferFailed
	}
	return nil
}
