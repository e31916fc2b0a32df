package collateral

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/luxfi/log"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// DefaultReceiptTimeout bounds submission of a transfer and each receipt
// lookup. A broadcast transfer is waited on past it.
const DefaultReceiptTimeout = 2 * time.Minute

const defaultPollInterval = time.Second

// Backend is what the ERC-20 adapter needs from a chain client such as
// ethclient.Client.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// ERC20 moves collateral through an on-chain ERC-20 token. The transactor
// is the engine's custody account, which must hold an allowance from every
// depositor for TransferFrom to succeed.
type ERC20 struct {
	address  common.Address
	contract *bind.BoundContract
	backend  Backend
	opts     *bind.TransactOpts
	timeout  time.Duration
	poll     time.Duration
	log      log.Logger
}

// NewERC20 binds the token at address.
func NewERC20(address common.Address, backend Backend, opts *bind.TransactOpts) (*ERC20, error) {
	if opts == nil {
		return nil, errors.New("transact opts are required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &ERC20{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		backend:  backend,
		opts:     opts,
		timeout:  DefaultReceiptTimeout,
		poll:     defaultPollInterval,
		log:      log.Root().New("module", "collateral", "token", address),
	}, nil
}

// SetReceiptTimeout overrides DefaultReceiptTimeout.
func (t *ERC20) SetReceiptTimeout(d time.Duration) {
	t.timeout = d
}

func (t *ERC20) Address() common.Address { return t.address }

// Transfer sends amount from the custody account to to.
func (t *ERC20) Transfer(to common.Address, amount *big.Int) (bool, error) {
	return t.send("transfer", to, amount)
}

// TransferFrom pulls amount from from into to using the custody account's
// allowance.
func (t *ERC20) TransferFrom(from, to common.Address, amount *big.Int) (bool, error) {
	return t.send("transferFrom", from, to, amount)
}

// BalanceOf reads account's token balance.
func (t *ERC20) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf: unexpected result %v", out)
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// send submits the call and waits for its receipt. A reverted transaction
// is a failed transfer, not an error. Only a transaction that was never
// broadcast fails with an error: once sent it may still be mined, so send
// does not return until its receipt is known.
func (t *ERC20) send(method string, args ...interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	opts := *t.opts
	opts.Context = ctx
	tx, err := t.contract.Transact(&opts, method, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", method, err)
	}
	receipt := t.waitMined(tx.Hash())
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.log.Warn("token transfer reverted", "method", method, "tx", tx.Hash().Hex())
		return false, nil
	}
	t.log.Debug("token transfer mined", "method", method, "tx", tx.Hash().Hex(), "block", receipt.BlockNumber)
	return true, nil
}

// waitMined polls until hash has a receipt. Lookup errors are retried.
func (t *ERC20) waitMined(hash common.Hash) *types.Receipt {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	start := time.Now()
	warned := false
	for {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		cancel()
		switch {
		case err == nil && receipt != nil:
			return receipt
		case err != nil && !errors.Is(err, ethereum.NotFound):
			t.log.Debug("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}
		if !warned && time.Since(start) > t.timeout {
			t.log.Warn("token transfer still pending", "tx", hash.Hex(), "elapsed", time.Since(start))
			warned = true
		}
		<-ticker.C
	}
}
