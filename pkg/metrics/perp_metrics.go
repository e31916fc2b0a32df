package metrics

import (
	"context"
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/lx"
)

// PerpMetrics exports engine activity to Prometheus. It is an lx.EventSink;
// market gauges are refreshed through ObserveMarket.
type PerpMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Engine events
	events          *prometheus.CounterVec
	marginFlow      *prometheus.CounterVec
	liquidityFlow   *prometheus.CounterVec
	liquidations    prometheus.Counter
	keeperRewards   prometheus.Counter
	fundingAccruals prometheus.Counter

	// Market state
	vammPrice         prometheus.Gauge
	oraclePrice       prometheus.Gauge
	cumulativeFunding prometheus.Gauge
	baseReserves      prometheus.Gauge
	quoteReserves     prometheus.Gauge
	totalLiquidity    prometheus.Gauge
	badDebt           prometheus.Gauge
	openPositions     prometheus.Gauge
	height            prometheus.Gauge

	// Transports
	rpcRequests   *prometheus.CounterVec
	rpcLatency    *prometheus.HistogramVec
	natsPublished prometheus.Counter
	wsClients     prometheus.Gauge

	// System
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

var _ lx.EventSink = (*PerpMetrics)(nil)

// NewPerpMetrics creates the metrics on a private registry.
func NewPerpMetrics(namespace string) *PerpMetrics {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	m := &PerpMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed engine events by type",
		}, []string{"type"}),

		marginFlow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "margin_flow_total",
			Help:      "Collateral moved in and out of margin, in units",
		}, []string{"direction"}),

		liquidityFlow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidity_flow_total",
			Help:      "Collateral moved in and out of the liquidity pool, in units",
		}, []string{"direction"}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Positions liquidated",
		}),

		keeperRewards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_rewards_total",
			Help:      "Liquidation rewards paid, in units",
		}),

		fundingAccruals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_accruals_total",
			Help:      "Funding index accruals",
		}),

		vammPrice:         gauge("vamm_price", "Current vAMM price"),
		oraclePrice:       gauge("oracle_price", "Current oracle price"),
		cumulativeFunding: gauge("cumulative_funding", "Cumulative funding index"),
		baseReserves:      gauge("vamm_base_reserves", "Virtual base reserves"),
		quoteReserves:     gauge("vamm_quote_reserves", "Virtual quote reserves"),
		totalLiquidity:    gauge("total_liquidity", "Liquidity provided by LPs"),
		badDebt:           gauge("bad_debt", "Accumulated unrecovered negative equity"),
		openPositions:     gauge("open_positions", "Number of open positions"),
		height:            gauge("height", "Committed sequencer height"),

		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and result",
		}, []string{"method", "result"}),

		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_latency_seconds",
			Help:      "JSON-RPC request latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"method"}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		wsClients:   gauge("websocket_clients", "Connected WebSocket clients"),
		memoryUsage: gauge("memory_usage_bytes", "Current memory usage in bytes"),
		goroutines:  gauge("goroutines_count", "Current number of goroutines"),
	}

	registry.MustRegister(
		m.events,
		m.marginFlow,
		m.liquidityFlow,
		m.liquidations,
		m.keeperRewards,
		m.fundingAccruals,
		m.vammPrice,
		m.oraclePrice,
		m.cumulativeFunding,
		m.baseReserves,
		m.quoteReserves,
		m.totalLiquidity,
		m.badDebt,
		m.openPositions,
		m.height,
		m.rpcRequests,
		m.rpcLatency,
		m.natsPublished,
		m.wsClients,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *PerpMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PerpMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done.
func (m *PerpMetrics) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Prometheus metrics available", "endpoint", "http://"+addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		m.logger.Error("Metrics server failed", "error", err)
		return err
	}
	return nil
}

// Publish implements lx.EventSink.
func (m *PerpMetrics) Publish(ev lx.Event) {
	m.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case lx.EventMarginDeposited:
		m.marginFlow.WithLabelValues("in").Add(units(ev.Amount))
	case lx.EventMarginWithdrawn:
		m.marginFlow.WithLabelValues("out").Add(units(ev.Amount))
	case lx.EventLiquidityProvided:
		m.liquidityFlow.WithLabelValues("in").Add(units(ev.Amount))
	case lx.EventLiquidityWithdrawn:
		m.liquidityFlow.WithLabelValues("out").Add(units(ev.Amount))
	case lx.EventPositionOpened:
		m.openPositions.Inc()
	case lx.EventPositionClosed:
		m.openPositions.Dec()
	case lx.EventPositionLiquidated:
		m.openPositions.Dec()
		m.liquidations.Inc()
		m.keeperRewards.Add(units(ev.Amount))
	case lx.EventFundingUpdated:
		m.fundingAccruals.Inc()
		if ev.Funding != nil {
			m.cumulativeFunding.Set(units(ev.Funding.Cumulative))
			m.oraclePrice.Set(units(ev.Funding.OraclePrice))
		}
	case lx.EventOraclePriceUpdated:
		m.oraclePrice.Set(units(ev.Amount))
	}
	if ev.Price != nil {
		m.vammPrice.Set(units(ev.Price))
	}
}

// ObserveMarket sets every market gauge from state.
func (m *PerpMetrics) ObserveMarket(state lx.MarketState) {
	m.vammPrice.Set(units(state.VammPrice))
	m.oraclePrice.Set(units(state.OraclePrice))
	m.cumulativeFunding.Set(units(state.CumulativeFunding))
	m.baseReserves.Set(units(state.BaseReserves))
	m.quoteReserves.Set(units(state.QuoteReserves))
	m.totalLiquidity.Set(units(state.TotalLiquidity))
	m.badDebt.Set(units(state.BadDebt))
	m.openPositions.Set(float64(state.OpenPositions))
}

// UpdateHeight records the committed sequencer height.
func (m *PerpMetrics) UpdateHeight(height uint64) {
	m.height.Set(float64(height))
}

// RecordRPC records one JSON-RPC request.
func (m *PerpMetrics) RecordRPC(method string, ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.rpcRequests.WithLabelValues(method, result).Inc()
	m.rpcLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordNATSPublish counts a published NATS message.
func (m *PerpMetrics) RecordNATSPublish() {
	m.natsPublished.Inc()
}

// SetWebSocketClients records the connected client count.
func (m *PerpMetrics) SetWebSocketClients(n int) {
	m.wsClients.Set(float64(n))
}

// CollectSystemMetrics samples runtime stats until ctx is done.
func (m *PerpMetrics) CollectSystemMetrics(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// units converts a Precision-scaled amount to a float number of units.
func units(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	return decimal.NewFromBigInt(x, -18).InexactFloat64()
}
