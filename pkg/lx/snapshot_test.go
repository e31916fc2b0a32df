package lx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populatedEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	e := env.engine
	env.fund(t, alice, 100)
	env.fund(t, bob, 300)
	env.token.Mint(keeper, Units(50))
	require.NoError(t, e.ProvideLiquidity(keeper, Units(50)))
	require.NoError(t, e.SetOraclePrice(owner, Units(1001)))

	_, err := e.OpenPosition(alice, Units(40), 4, Long)
	require.NoError(t, err)
	env.advance(time.Hour)
	_, err = e.OpenPosition(bob, Units(100), 2, Short)
	require.NoError(t, err)
	return env
}

func TestSnapshotRoundTrip(t *testing.T) {
	env := populatedEnv(t)
	snap := env.engine.Snapshot()

	data, err := snap.Encode()
	require.NoError(t, err)
	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap, decoded)

	cfg := DefaultConfig()
	cfg.Collateral = env.token
	cfg.Clock = func() time.Time { return env.now }
	restored, err := Restore(cfg, decoded)
	require.NoError(t, err)

	want, err := snap.Root()
	require.NoError(t, err)
	got, err := restored.Snapshot().Root()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	e := env.engine
	assert.Equal(t, e.Owner(), restored.Owner())
	assert.Equal(t, e.MarketState(), restored.MarketState())
	assert.Equal(t, e.Position(alice), restored.Position(alice))
	assert.Equal(t, e.MarginBalance(bob), restored.MarginBalance(bob))
	assert.Equal(t, e.FundingHistory(0), restored.FundingHistory(0))
}

func TestSnapshotRootTracksState(t *testing.T) {
	env := populatedEnv(t)
	before, err := env.engine.Snapshot().Root()
	require.NoError(t, err)

	again, err := env.engine.Snapshot().Root()
	require.NoError(t, err)
	assert.Equal(t, before, again)

	env.fund(t, alice, 1)
	after, err := env.engine.Snapshot().Root()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestRestoreRejectsBadIntegers(t *testing.T) {
	env := populatedEnv(t)
	snap := env.engine.Snapshot()
	snap.Margins[0].Amount = "12x"

	cfg := DefaultConfig()
	cfg.Collateral = env.token
	_, err := Restore(cfg, snap)
	assert.ErrorContains(t, err, "margin")

	_, err = DecodeSnapshot([]byte{0xc1})
	assert.Error(t, err)
}
