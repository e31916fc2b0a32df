package metrics

import (
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perp/pkg/lx"
)

func TestPublishEvents(t *testing.T) {
	m := NewPerpMetrics("perp_test")

	m.Publish(lx.Event{Type: lx.EventMarginDeposited, Amount: lx.Units(100), Price: lx.Units(1000)})
	m.Publish(lx.Event{Type: lx.EventMarginWithdrawn, Amount: lx.Units(40)})
	m.Publish(lx.Event{Type: lx.EventPositionOpened, Amount: lx.Units(10)})
	m.Publish(lx.Event{Type: lx.EventPositionOpened, Amount: lx.Units(10)})
	m.Publish(lx.Event{Type: lx.EventPositionLiquidated, Amount: new(big.Int).Div(lx.Units(1), big.NewInt(2))})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues(string(lx.EventPositionOpened))))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.marginFlow.WithLabelValues("in")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.marginFlow.WithLabelValues("out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openPositions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liquidations))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.keeperRewards))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.vammPrice))
}

func TestObserveMarket(t *testing.T) {
	m := NewPerpMetrics("perp_test")
	m.ObserveMarket(lx.MarketState{
		BaseReserves:      lx.Units(999),
		QuoteReserves:     lx.Units(1_001_000),
		VammPrice:         lx.Units(1002),
		OraclePrice:       lx.Units(1000),
		CumulativeFunding: lx.Units(-3),
		TotalLiquidity:    lx.Units(50),
		BadDebt:           new(big.Int),
		OpenPositions:     4,
	})
	m.UpdateHeight(12)

	assert.Equal(t, 999.0, testutil.ToFloat64(m.baseReserves))
	assert.Equal(t, -3.0, testutil.ToFloat64(m.cumulativeFunding))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.openPositions))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.height))
}

func TestHandler(t *testing.T) {
	m := NewPerpMetrics("perp_test")
	m.RecordRPC("perp_ping", true, 0)
	m.RecordNATSPublish()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `perp_test_rpc_requests_total{method="perp_ping",result="ok"} 1`))
	assert.True(t, strings.Contains(body, "perp_test_nats_messages_published_total 1"))
}
