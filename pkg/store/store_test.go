package store

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perp/pkg/collateral"
	"github.com/luxfi/perp/pkg/lx"
)

var (
	owner   = common.HexToAddress("0x01")
	custody = common.HexToAddress("0xc0")
	alice   = common.HexToAddress("0xa1")
)

func newTestStore(retain uint64) *Store {
	level, _ := log.ToLevel("error")
	return New(memdb.New(), retain, log.NewTestLogger(level))
}

func newSequencer(t *testing.T, s *Store) (*lx.Sequencer, *collateral.MemToken) {
	t.Helper()
	tok := collateral.NewMemToken(custody)
	cfg := lx.DefaultConfig()
	cfg.Owner = owner
	cfg.Custody = custody
	cfg.Collateral = tok
	cfg.Clock = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }
	e, err := lx.NewEngine(cfg)
	require.NoError(t, err)
	return lx.NewSequencer(e, 0, s), tok
}

func TestStoreEmpty(t *testing.T) {
	s := newTestStore(0)

	_, err := s.Head()
	assert.ErrorIs(t, err, ErrNoState)
	_, err = s.Latest()
	assert.ErrorIs(t, err, ErrNoState)
	_, err = s.RootAt(1)
	assert.ErrorIs(t, err, ErrNoState)
}

func TestStoreCommitAndRestore(t *testing.T) {
	s := newTestStore(0)
	seq, tok := newSequencer(t, s)
	tok.Mint(alice, lx.Units(100))

	require.NoError(t, seq.Execute(func(e *lx.Engine) error {
		return e.DepositMargin(alice, lx.Units(100))
	}))
	require.NoError(t, seq.Execute(func(e *lx.Engine) error {
		_, err := e.OpenPosition(alice, lx.Units(50), 3, lx.Long)
		return err
	}))

	head, err := s.Head()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)

	snap, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Height)
	require.Len(t, snap.Positions, 1)

	root, err := s.RootAt(2)
	require.NoError(t, err)
	want, err := snap.Root()
	require.NoError(t, err)
	assert.Equal(t, want, root)

	cfg := lx.DefaultConfig()
	cfg.Collateral = tok
	restored, err := lx.Restore(cfg, snap)
	require.NoError(t, err)
	assert.Equal(t, lx.Units(50), restored.MarginBalance(alice))
	assert.Equal(t, lx.Units(150), restored.Position(alice).Size)

	var price *big.Int
	seq.Read(func(e *lx.Engine) { price = e.VammPrice() })
	assert.Equal(t, price, restored.VammPrice())

	first, err := s.At(1)
	require.NoError(t, err)
	assert.Empty(t, first.Positions)
}

func TestStoreRetention(t *testing.T) {
	s := newTestStore(2)
	seq, tok := newSequencer(t, s)
	tok.Mint(alice, lx.Units(10))

	for i := 0; i < 4; i++ {
		require.NoError(t, seq.Execute(func(e *lx.Engine) error {
			return e.DepositMargin(alice, lx.Units(1))
		}))
	}

	_, err := s.At(1)
	assert.ErrorIs(t, err, ErrNoState)
	_, err = s.At(2)
	assert.ErrorIs(t, err, ErrNoState)
	_, err = s.At(3)
	assert.NoError(t, err)

	// roots outlive pruned snapshots
	_, err = s.RootAt(1)
	assert.NoError(t, err)
}

func TestStoreNonces(t *testing.T) {
	db := memdb.New()
	s := New(db, 0, nil)

	_, ok, err := s.LastNonce(alice)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetNonce(alice, 7))
	require.NoError(t, s.SetNonce(alice, 9))

	// a reopened store over the same database sees the last nonce
	reopened := New(db, 0, nil)
	nonce, ok, err := reopened.LastNonce(alice)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(9), nonce)

	_, ok, err = reopened.LastNonce(owner)
	require.NoError(t, err)
	assert.False(t, ok)

	// nonces live beside snapshots without disturbing the head
	_, err = reopened.Head()
	assert.ErrorIs(t, err, ErrNoState)
}
