package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perp/pkg/lx"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type frame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	Data     json.RawMessage `json:"data"`
	Sequence uint64          `json:"sequence"`
}

func newTestServer(t *testing.T) (*Server, *websocket.Conn) {
	t.Helper()
	level, _ := log.ToLevel("error")
	state := func() lx.MarketState {
		return lx.MarketState{
			BaseReserves:      lx.Units(1000),
			QuoteReserves:     lx.Units(1_000_000),
			VammPrice:         lx.Units(1000),
			OraclePrice:       lx.Units(1000),
			CumulativeFunding: lx.Units(0),
			TotalLiquidity:    lx.Units(0),
			BadDebt:           lx.Units(0),
		}
	}
	s := NewServer(state, log.NewTestLogger(level), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := readFrame(t, conn)
	require.Equal(t, "welcome", welcome.Type)
	return s, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestSubscribeAndStream(t *testing.T) {
	s, conn := newTestServer(t)

	require.NoError(t, conn.WriteJSON(Request{
		Type:     "subscribe",
		Channels: []string{ChannelMarket, "account:" + strings.ToLower(alice.Hex())},
	}))

	sub := readFrame(t, conn)
	assert.Equal(t, "subscribed", sub.Type)
	assert.Contains(t, string(sub.Data), "account:"+alice.Hex())

	snap := readFrame(t, conn)
	assert.Equal(t, "snapshot", snap.Type)
	var view lx.MarketView
	require.NoError(t, json.Unmarshal(snap.Data, &view))
	assert.Equal(t, "1000", view.VammPrice)

	s.Publish(lx.Event{
		Type:      lx.EventMarginDeposited,
		Account:   alice,
		Amount:    lx.Units(5),
		Timestamp: time.Unix(1_700_000_000, 0),
	})
	f := readFrame(t, conn)
	assert.Equal(t, string(lx.EventMarginDeposited), f.Type)
	assert.Equal(t, "account:"+alice.Hex(), f.Channel)
	assert.Contains(t, string(f.Data), `"amount":"5"`)

	s.Publish(lx.Event{Type: lx.EventOraclePriceUpdated, Amount: lx.Units(990)})
	f = readFrame(t, conn)
	assert.Equal(t, ChannelMarket, f.Channel)
	assert.Equal(t, uint64(2), f.Sequence)
}

func TestUnknownRequests(t *testing.T) {
	_, conn := newTestServer(t)

	require.NoError(t, conn.WriteJSON(Request{Type: "subscribe", Channels: []string{"orderbook:BTC"}}))
	assert.Equal(t, "error", readFrame(t, conn).Type)
	assert.Equal(t, "subscribed", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Request{Type: "bogus"}))
	assert.Equal(t, "error", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Request{Type: "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestChannelsFor(t *testing.T) {
	keeper := common.HexToAddress("0xe3")
	chs := channelsFor(lx.Event{Type: lx.EventPositionLiquidated, Account: alice, Keeper: keeper})
	assert.Equal(t, []string{
		ChannelLiquidations,
		ChannelMarket,
		"account:" + alice.Hex(),
		"account:" + keeper.Hex(),
	}, chs)

	assert.Equal(t, []string{ChannelFunding, ChannelMarket}, channelsFor(lx.Event{Type: lx.EventFundingUpdated}))

	_, ok := normalizeChannel("account:nothex")
	assert.False(t, ok)
}
