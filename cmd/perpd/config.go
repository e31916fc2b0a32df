package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/perp/pkg/api"
	"github.com/luxfi/perp/pkg/events"
	"github.com/luxfi/perp/pkg/lx"
)

const (
	defaultDataDir     = ".perpd"
	defaultRPCAddr     = ":8080"
	defaultWSAddr      = ":8081"
	defaultMetricsAddr = ":9090"
)

// Collateral modes.
const (
	collateralMemory = "memory"
	collateralERC20  = "erc20"
)

// custodyKeyEnv holds the hex private key of the custody account in erc20
// mode. It is only ever read from the environment.
const custodyKeyEnv = "PERP_CUSTODY_KEY"

type Config struct {
	DataDir   string `yaml:"dataDir"`
	DBBackend string `yaml:"dbBackend"` // badgerdb or memory
	Retain    uint64 `yaml:"retain"`
	LogLevel  string `yaml:"logLevel"`

	RPCAddr     string `yaml:"rpcAddr"`
	WSAddr      string `yaml:"wsAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
	Domain      string `yaml:"domain"`

	Market     MarketConfig     `yaml:"market"`
	Collateral CollateralConfig `yaml:"collateral"`
	NATS       NATSConfig       `yaml:"nats"`
	Keeper     KeeperConfig     `yaml:"keeper"`
}

type MarketConfig struct {
	Owner               string `yaml:"owner"`
	Custody             string `yaml:"custody"`
	InitialOraclePrice  string `yaml:"initialOraclePrice"`
	FundingHistoryLimit int    `yaml:"fundingHistoryLimit"`
}

type CollateralConfig struct {
	Mode           string            `yaml:"mode"`
	Token          string            `yaml:"token"`
	RPCURL         string            `yaml:"rpcUrl"`
	ChainID        int64             `yaml:"chainId"`
	ReceiptTimeout time.Duration     `yaml:"receiptTimeout"`
	Mint           map[string]string `yaml:"mint"` // memory mode only
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	OracleSubject string `yaml:"oracleSubject"`
}

type KeeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir:     defaultDataDir,
		DBBackend:   "badgerdb",
		Retain:      1024,
		LogLevel:    "info",
		RPCAddr:     defaultRPCAddr,
		WSAddr:      defaultWSAddr,
		MetricsAddr: defaultMetricsAddr,
		Domain:      api.DefaultDomain,
		Market: MarketConfig{
			InitialOraclePrice:  "1000",
			FundingHistoryLimit: lx.DefaultConfig().FundingHistoryLimit,
		},
		Collateral: CollateralConfig{
			Mode:           collateralMemory,
			ReceiptTimeout: 2 * time.Minute,
		},
		NATS: NATSConfig{
			SubjectPrefix: events.DefaultSubjectPrefix,
			OracleSubject: events.DefaultOracleSubject,
		},
		Keeper: KeeperConfig{
			Interval: 10 * time.Second,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fail to load config file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("fail to decode config file '%s': %w", path, err)
	}
	return cfg, nil
}

// applyEnv overlays PERP_* variables, loading .env first if present.
func (c *Config) applyEnv() error {
	_ = godotenv.Load()

	strs := []struct {
		key string
		dst *string
	}{
		{"PERP_DATA_DIR", &c.DataDir},
		{"PERP_DB_BACKEND", &c.DBBackend},
		{"PERP_LOG_LEVEL", &c.LogLevel},
		{"PERP_RPC_ADDR", &c.RPCAddr},
		{"PERP_WS_ADDR", &c.WSAddr},
		{"PERP_METRICS_ADDR", &c.MetricsAddr},
		{"PERP_OWNER", &c.Market.Owner},
		{"PERP_CUSTODY", &c.Market.Custody},
		{"PERP_COLLATERAL_MODE", &c.Collateral.Mode},
		{"PERP_COLLATERAL_TOKEN", &c.Collateral.Token},
		{"PERP_ETH_RPC", &c.Collateral.RPCURL},
		{"PERP_NATS_URL", &c.NATS.URL},
		{"PERP_KEEPER_ADDRESS", &c.Keeper.Address},
	}
	for _, s := range strs {
		if v, ok := os.LookupEnv(s.key); ok && v != "" {
			*s.dst = v
		}
	}
	if v, ok := os.LookupEnv("PERP_CHAIN_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PERP_CHAIN_ID: %w", err)
		}
		c.Collateral.ChainID = id
	}
	return nil
}

// bindFlags registers command-line overrides on fs. Only flags that were
// set on the command line are applied, by applyFlags.
func bindFlags(fs *flag.FlagSet) map[string]*string {
	return map[string]*string{
		"data-dir":     fs.String("data-dir", "", "Data directory"),
		"db":           fs.String("db", "", "Database backend (badgerdb, memory)"),
		"log-level":    fs.String("log-level", "", "Log level (debug, info, warn, error)"),
		"rpc-addr":     fs.String("rpc-addr", "", "JSON-RPC listen address"),
		"ws-addr":      fs.String("ws-addr", "", "WebSocket listen address"),
		"metrics-addr": fs.String("metrics-addr", "", "Prometheus metrics listen address"),
		"nats":         fs.String("nats", "", "NATS server URL"),
	}
}

func (c *Config) applyFlags(fs *flag.FlagSet, values map[string]*string) {
	dst := map[string]*string{
		"data-dir":     &c.DataDir,
		"db":           &c.DBBackend,
		"log-level":    &c.LogLevel,
		"rpc-addr":     &c.RPCAddr,
		"ws-addr":      &c.WSAddr,
		"metrics-addr": &c.MetricsAddr,
		"nats":         &c.NATS.URL,
	}
	fs.Visit(func(f *flag.Flag) {
		if v, ok := values[f.Name]; ok {
			*dst[f.Name] = *v
		}
	})
}

// Validate checks addresses and amounts before anything is opened.
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Market.Owner) {
		return fmt.Errorf("market.owner: invalid address %q", c.Market.Owner)
	}
	if _, err := lx.ParseAmount(c.Market.InitialOraclePrice); err != nil {
		return fmt.Errorf("market.initialOraclePrice: %w", err)
	}
	switch c.Collateral.Mode {
	case collateralMemory:
		if !common.IsHexAddress(c.Market.Custody) {
			return fmt.Errorf("market.custody: invalid address %q", c.Market.Custody)
		}
		for account, amount := range c.Collateral.Mint {
			if !common.IsHexAddress(account) {
				return fmt.Errorf("collateral.mint: invalid address %q", account)
			}
			if _, err := lx.ParseAmount(amount); err != nil {
				return fmt.Errorf("collateral.mint[%s]: %w", account, err)
			}
		}
	case collateralERC20:
		if !common.IsHexAddress(c.Collateral.Token) {
			return fmt.Errorf("collateral.token: invalid address %q", c.Collateral.Token)
		}
		if c.Collateral.RPCURL == "" {
			return errors.New("collateral.rpcUrl is required in erc20 mode")
		}
		if c.Collateral.ChainID <= 0 {
			return errors.New("collateral.chainId is required in erc20 mode")
		}
	default:
		return fmt.Errorf("collateral.mode: unknown mode %q", c.Collateral.Mode)
	}
	if c.Keeper.Enabled {
		if !common.IsHexAddress(c.Keeper.Address) {
			return fmt.Errorf("keeper.address: invalid address %q", c.Keeper.Address)
		}
		if c.Keeper.Interval <= 0 {
			return errors.New("keeper.interval must be positive")
		}
	}
	return nil
}
