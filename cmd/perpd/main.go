package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perp/pkg/api"
	"github.com/luxfi/perp/pkg/collateral"
	"github.com/luxfi/perp/pkg/events"
	"github.com/luxfi/perp/pkg/lx"
	"github.com/luxfi/perp/pkg/metrics"
	"github.com/luxfi/perp/pkg/store"
	"github.com/luxfi/perp/pkg/websocket"
)

// errIdle marks a keeper step that had nothing to commit.
var errIdle = errors.New("nothing to do")

type node struct {
	config *Config
	logger log.Logger

	store   *store.Store
	seq     *lx.Sequencer
	metrics *metrics.PerpMetrics
	ws      *websocket.Server
	rpc     *api.JSONRPCServer
	nc      *nats.Conn
	eth     *ethclient.Client
	keeper  common.Address

	wg sync.WaitGroup
}

func newNode(cfg *Config, logger log.Logger) (*node, error) {
	n := &node{
		config:  cfg,
		logger:  logger,
		metrics: metrics.NewPerpMetrics("perp"),
		keeper:  common.HexToAddress(cfg.Keeper.Address),
	}

	dataDir := cfg.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(os.Getenv("HOME"), dataDir)
	}
	db, err := store.Open(dataDir, cfg.DBBackend, "perpd", logger.New("component", "db"))
	if err != nil {
		return nil, err
	}
	n.store = store.New(db, cfg.Retain, logger.New("component", "store"))

	engineCfg := lx.DefaultConfig()
	engineCfg.Owner = common.HexToAddress(cfg.Market.Owner)
	engineCfg.FundingHistoryLimit = cfg.Market.FundingHistoryLimit
	engineCfg.Logger = logger.New("component", "engine")
	engineCfg.InitialOraclePrice, _ = lx.ParseAmount(cfg.Market.InitialOraclePrice)

	token, err := n.openCollateral(&engineCfg)
	if err != nil {
		n.close()
		return nil, err
	}

	var (
		engine  *lx.Engine
		height  uint64
		genesis bool
	)
	snap, err := n.store.Latest()
	switch {
	case errors.Is(err, store.ErrNoState):
		engine, err = lx.NewEngine(engineCfg)
		if err != nil {
			n.close()
			return nil, err
		}
		genesis = true
		logger.Info("Starting from genesis", "owner", engineCfg.Owner, "custody", engineCfg.Custody)
	case err != nil:
		n.close()
		return nil, fmt.Errorf("failed to load state: %w", err)
	default:
		engine, err = lx.Restore(engineCfg, snap)
		if err != nil {
			n.close()
			return nil, err
		}
		height = snap.Height
		root, _ := snap.Root()
		logger.Info("Restored state", "height", height, "root", root.Hex(), "positions", len(snap.Positions))
	}

	if token != nil {
		n.fund(token, engine, genesis)
	}

	auth := api.NewAuthenticator(cfg.Domain)
	auth.SetNonceStore(n.store)

	n.seq = lx.NewSequencer(engine, height, n.store)
	n.ws = websocket.NewServer(n.marketState, logger.New("component", "websocket"), websocket.DefaultConfig())
	n.ws.OnClientsChanged(n.metrics.SetWebSocketClients)
	engine.AddSink(n.metrics)
	engine.AddSink(n.ws)

	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL)
		if err != nil {
			n.close()
			return nil, err
		}
		n.nc = nc
		pub := events.NewPublisher(nc, cfg.NATS.SubjectPrefix, logger.New("component", "nats"))
		pub.OnPublished(n.metrics.RecordNATSPublish)
		engine.AddSink(pub)

		feed := events.NewOracleFeed(n.seq, auth, logger.New("component", "oracle"))
		if _, err := feed.Subscribe(nc, cfg.NATS.OracleSubject); err != nil {
			n.close()
			return nil, fmt.Errorf("failed to subscribe to oracle feed: %w", err)
		}
	}

	n.rpc = api.NewJSONRPCServer(n.seq, auth, logger.New("component", "rpc"))
	n.rpc.SetRecorder(n.metrics)
	return n, nil
}

// openCollateral fills in cfg.Collateral and cfg.Custody. It returns the
// token in memory mode so it can be funded.
func (n *node) openCollateral(cfg *lx.Config) (*collateral.MemToken, error) {
	cc := n.config.Collateral
	if cc.Mode == collateralMemory {
		cfg.Custody = common.HexToAddress(n.config.Market.Custody)
		token := collateral.NewMemToken(cfg.Custody)
		cfg.Collateral = token
		n.logger.Warn("Using in-memory collateral", "custody", cfg.Custody)
		return token, nil
	}

	key, err := crypto.HexToECDSA(os.Getenv(custodyKeyEnv))
	if err != nil {
		return nil, fmt.Errorf("fail to load %s: %w", custodyKeyEnv, err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cc.ChainID))
	if err != nil {
		return nil, err
	}
	eth, err := ethclient.Dial(cc.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cc.RPCURL, err)
	}
	n.eth = eth
	token, err := collateral.NewERC20(common.HexToAddress(cc.Token), eth, opts)
	if err != nil {
		return nil, err
	}
	if cc.ReceiptTimeout > 0 {
		token.SetReceiptTimeout(cc.ReceiptTimeout)
	}
	cfg.Custody = opts.From
	cfg.Collateral = token
	n.logger.Info("Using ERC-20 collateral", "token", token.Address(), "custody", opts.From, "chainId", cc.ChainID)
	return nil, nil
}

// fund seeds the in-memory token, which does not survive restarts. Custody
// is refunded with everything the engine owes. Wallets are funded once, at
// genesis; after that their collateral lives in the restored ledger.
func (n *node) fund(token *collateral.MemToken, engine *lx.Engine, genesis bool) {
	token.Mint(engine.Custody(), engine.Liabilities())
	if !genesis {
		return
	}
	for account, amount := range n.config.Collateral.Mint {
		units, _ := lx.ParseAmount(amount)
		token.Mint(common.HexToAddress(account), units)
	}
}

func (n *node) marketState() lx.MarketState {
	var state lx.MarketState
	n.seq.Read(func(e *lx.Engine) { state = e.MarketState() })
	return state
}

func (n *node) Start(ctx context.Context) {
	n.logger.Info("Starting perpd",
		"height", n.seq.Height(),
		"rpc", n.config.RPCAddr,
		"ws", n.config.WSAddr,
		"metrics", n.config.MetricsAddr)

	n.serve("JSON-RPC", func() error {
		return api.StartJSONRPCServer(ctx, n.config.RPCAddr, n.rpc, n.logger)
	})
	n.serve("WebSocket", func() error {
		return n.ws.Start(ctx, n.config.WSAddr)
	})
	n.serve("metrics", func() error {
		return n.metrics.StartServer(ctx, n.config.MetricsAddr)
	})

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.metrics.CollectSystemMetrics(ctx, 15*time.Second)
	}()

	if n.config.Keeper.Enabled {
		n.wg.Add(1)
		go n.runKeeper(ctx)
	}
}

func (n *node) serve(name string, fn func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := fn(); err != nil {
			n.logger.Error("Server failed", "server", name, "error", err)
		}
	}()
}

func (n *node) runKeeper(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.Keeper.Interval)
	defer ticker.Stop()

	n.logger.Info("Keeper started", "address", n.keeper, "interval", n.config.Keeper.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.keep()
		}
	}
}

// keep pokes funding, liquidates every underwater position and refreshes
// the market gauges.
func (n *node) keep() {
	err := n.seq.Execute(func(e *lx.Engine) error {
		if e.UpdateFundingRate() == nil {
			return errIdle
		}
		return nil
	})
	if err != nil && !errors.Is(err, errIdle) {
		n.logger.Warn("Funding update failed", "error", err)
	}

	var accounts []common.Address
	n.seq.Read(func(e *lx.Engine) { accounts = e.OpenAccounts() })
	for _, account := range accounts {
		var res lx.LiquidationResult
		err := n.seq.Execute(func(e *lx.Engine) error {
			if !e.IsLiquidatable(account) {
				return errIdle
			}
			var err error
			res, err = e.Liquidate(n.keeper, account)
			return err
		})
		switch {
		case errors.Is(err, errIdle):
		case err != nil:
			n.logger.Warn("Liquidation failed", "account", account, "error", err)
		default:
			n.logger.Info("Liquidated position",
				"account", account,
				"reward", lx.FormatAmount(res.Reward),
				"badDebt", lx.FormatAmount(res.BadDebt))
		}
	}

	n.metrics.ObserveMarket(n.marketState())
	n.metrics.UpdateHeight(n.seq.Height())
}

func (n *node) Shutdown() {
	n.wg.Wait()
	n.close()
	n.logger.Info("Node shutdown complete", "height", n.seq.Height())
}

func (n *node) close() {
	if n.nc != nil {
		if err := n.nc.Drain(); err != nil {
			n.logger.Warn("Failed to drain NATS", "error", err)
		}
	}
	if n.eth != nil {
		n.eth.Close()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn("Failed to close database", "error", err)
		}
	}
}

func main() {
	fs := flag.NewFlagSet("perpd", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	overrides := bindFlags(fs)
	fs.Parse(os.Args[1:])

	rootLogger := log.Root()

	config, err := LoadConfig(*configPath)
	if err != nil {
		rootLogger.Crit("Failed to load config", "error", err)
		os.Exit(1)
	}
	if err := config.applyEnv(); err != nil {
		rootLogger.Crit("Failed to read environment", "error", err)
		os.Exit(1)
	}
	config.applyFlags(fs, overrides)
	if err := config.Validate(); err != nil {
		rootLogger.Crit("Invalid config", "error", err)
		os.Exit(1)
	}

	level, err := log.ToLevel(config.LogLevel)
	if err != nil {
		rootLogger.Crit("Invalid log level", "level", config.LogLevel, "error", err)
		os.Exit(1)
	}
	logger := log.NewTestLogger(level)

	logger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", config.DataDir,
		"collateral", config.Collateral.Mode)

	node, err := newNode(config, logger)
	if err != nil {
		logger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node.Start(ctx)

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	cancel()
	node.Shutdown()
}
