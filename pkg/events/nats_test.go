package events

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perp/pkg/api"
	"github.com/luxfi/perp/pkg/collateral"
	"github.com/luxfi/perp/pkg/lx"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []message
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, message{subject, data})
	return nil
}

var (
	custody = common.HexToAddress("0xc0")
	alice   = common.HexToAddress("0xa1")
)

func TestPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "", nil)
	count := 0
	p.OnPublished(func() { count++ })

	p.Publish(lx.Event{
		Type:      lx.EventMarginDeposited,
		Account:   alice,
		Amount:    lx.Units(12),
		Timestamp: time.Unix(1_700_000_000, 0),
	})
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "perp.events.margin_deposited", conn.msgs[0].subject)
	assert.Equal(t, 1, count)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &body))
	assert.Equal(t, "12", body["amount"])
	assert.Equal(t, alice.Hex(), body["account"])
	assert.Equal(t, float64(1_700_000_000), body["timestamp"])

	conn.err = errors.New("connection closed")
	p.Publish(lx.Event{Type: lx.EventFundingUpdated})
	assert.Equal(t, 1, count)
}

func TestOracleFeed(t *testing.T) {
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := lx.DefaultConfig()
	cfg.Owner = crypto.PubkeyToAddress(ownerKey.PublicKey)
	cfg.Custody = custody
	cfg.Collateral = collateral.NewMemToken(custody)
	e, err := lx.NewEngine(cfg)
	require.NoError(t, err)
	seq := lx.NewSequencer(e, 0, nil)
	feed := NewOracleFeed(seq, api.NewAuthenticator(""), nil)

	update := func(t *testing.T, key *ecdsa.PrivateKey, price string, nonce uint64) []byte {
		t.Helper()
		upd := &PriceUpdate{Price: price, Nonce: nonce}
		require.NoError(t, upd.Sign(key, api.DefaultDomain))
		data, err := json.Marshal(upd)
		require.NoError(t, err)
		return data
	}
	initial := e.OraclePrice()

	t.Run("Unsigned", func(t *testing.T) {
		err := feed.Handle([]byte(`{"price":"1","nonce":1}`))
		assert.ErrorIs(t, err, lx.ErrUnauthorized)
		assert.Equal(t, initial, e.OraclePrice())
		assert.Equal(t, uint64(0), seq.Height())
	})

	t.Run("NotOwner", func(t *testing.T) {
		err := feed.Handle(update(t, otherKey, "1", 1))
		assert.ErrorIs(t, err, lx.ErrUnauthorized)
		assert.Equal(t, initial, e.OraclePrice())
		assert.Equal(t, uint64(0), seq.Height())
	})

	t.Run("Owner", func(t *testing.T) {
		require.NoError(t, feed.Handle(update(t, ownerKey, "1012.5", 1)))

		want, err := lx.ParseAmount("1012.5")
		require.NoError(t, err)
		assert.Equal(t, want, e.OraclePrice())
		assert.Equal(t, uint64(1), seq.Height())
	})

	t.Run("Replay", func(t *testing.T) {
		data := update(t, ownerKey, "1200", 2)
		require.NoError(t, feed.Handle(data))
		assert.ErrorIs(t, feed.Handle(data), lx.ErrUnauthorized)
		assert.Equal(t, uint64(2), seq.Height())
	})

	t.Run("TamperedPrice", func(t *testing.T) {
		var upd PriceUpdate
		require.NoError(t, json.Unmarshal(update(t, ownerKey, "900", 3), &upd))
		upd.Price = "1"
		data, err := json.Marshal(upd)
		require.NoError(t, err)

		// a different price recovers a different signer
		assert.ErrorIs(t, feed.Handle(data), lx.ErrUnauthorized)
		assert.NotEqual(t, lx.Units(1), e.OraclePrice())
	})

	t.Run("Malformed", func(t *testing.T) {
		assert.Error(t, feed.Handle([]byte(`not json`)))
		assert.ErrorIs(t, feed.Handle(update(t, ownerKey, "0", 10)), lx.ErrInvalidPrice)
	})
}
