package collateral

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perp/pkg/lx"
)

var (
	custody = common.HexToAddress("0xc0")
	alice   = common.HexToAddress("0xa1")
	bob     = common.HexToAddress("0xb2")
)

var _ lx.Collateral = (*MemToken)(nil)
var _ lx.Collateral = (*ERC20)(nil)

func TestMemToken(t *testing.T) {
	tok := NewMemToken(custody)
	tok.Mint(alice, big.NewInt(100))

	t.Run("TransferFrom", func(t *testing.T) {
		ok, err := tok.TransferFrom(alice, custody, big.NewInt(40))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(60), tok.BalanceOf(alice).Int64())
		assert.Equal(t, int64(40), tok.BalanceOf(custody).Int64())
	})

	t.Run("TransferFromCustody", func(t *testing.T) {
		ok, err := tok.Transfer(bob, big.NewInt(15))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(25), tok.BalanceOf(custody).Int64())
		assert.Equal(t, int64(15), tok.BalanceOf(bob).Int64())
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		ok, err := tok.Transfer(bob, big.NewInt(1000))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(25), tok.BalanceOf(custody).Int64())
	})

	t.Run("HookRejects", func(t *testing.T) {
		var seen *big.Int
		tok.OnTransfer(func(from, to common.Address, amount *big.Int) bool {
			seen = amount
			return false
		})
		defer tok.OnTransfer(nil)

		ok, err := tok.TransferFrom(alice, custody, big.NewInt(1))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(1), seen.Int64())
		assert.Equal(t, int64(60), tok.BalanceOf(alice).Int64())
	})

	assert.Equal(t, int64(100), tok.TotalSupply().Int64())
}
