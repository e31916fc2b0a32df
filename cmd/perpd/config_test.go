package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOwner   = "0x0000000000000000000000000000000000000001"
	testCustody = "0x00000000000000000000000000000000000000c0"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
		assert.Equal(t, collateralMemory, cfg.Collateral.Mode)
		assert.Equal(t, 720, cfg.Market.FundingHistoryLimit)
	})

	t.Run("YAMLOverDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "perpd.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
logLevel: debug
rpcAddr: ":18080"
market:
  owner: "`+testOwner+`"
  custody: "`+testCustody+`"
  initialOraclePrice: "1250.5"
collateral:
  mint:
    "0x00000000000000000000000000000000000000a1": "1000"
keeper:
  enabled: true
  address: "0x00000000000000000000000000000000000000e3"
  interval: 30s
`), 0o644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, ":18080", cfg.RPCAddr)
		assert.Equal(t, defaultWSAddr, cfg.WSAddr)
		assert.Equal(t, "1250.5", cfg.Market.InitialOraclePrice)
		assert.Equal(t, "1000", cfg.Collateral.Mint["0x00000000000000000000000000000000000000a1"])
		assert.Equal(t, 30*time.Second, cfg.Keeper.Interval)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("MalformedFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("market: [unclosed"), 0o644))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestConfigOverlays(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("PERP_OWNER", testOwner)
	t.Setenv("PERP_LOG_LEVEL", "warn")
	t.Setenv("PERP_CHAIN_ID", "96369")
	require.NoError(t, cfg.applyEnv())
	assert.Equal(t, testOwner, cfg.Market.Owner)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, int64(96369), cfg.Collateral.ChainID)

	fs := flag.NewFlagSet("perpd", flag.ContinueOnError)
	values := bindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-log-level", "error", "-db", "memory"}))
	cfg.applyFlags(fs, values)

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.DBBackend)
	// unset flags leave earlier layers alone
	assert.Equal(t, defaultRPCAddr, cfg.RPCAddr)

	t.Run("BadChainID", func(t *testing.T) {
		t.Setenv("PERP_CHAIN_ID", "lux")
		assert.Error(t, DefaultConfig().applyEnv())
	})
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Market.Owner = testOwner
		cfg.Market.Custody = testCustody
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"BadOwner", func(c *Config) { c.Market.Owner = "owner" }},
		{"BadCustody", func(c *Config) { c.Market.Custody = "" }},
		{"BadOraclePrice", func(c *Config) { c.Market.InitialOraclePrice = "cheap" }},
		{"BadMintAccount", func(c *Config) { c.Collateral.Mint = map[string]string{"alice": "1"} }},
		{"BadMintAmount", func(c *Config) { c.Collateral.Mint = map[string]string{testOwner: "x"} }},
		{"UnknownMode", func(c *Config) { c.Collateral.Mode = "paper" }},
		{"ERC20WithoutToken", func(c *Config) { c.Collateral.Mode = collateralERC20 }},
		{"ERC20WithoutRPC", func(c *Config) {
			c.Collateral.Mode = collateralERC20
			c.Collateral.Token = testCustody
			c.Collateral.ChainID = 1
		}},
		{"ERC20WithoutChainID", func(c *Config) {
			c.Collateral.Mode = collateralERC20
			c.Collateral.Token = testCustody
			c.Collateral.RPCURL = "http://localhost:8545"
		}},
		{"KeeperWithoutAddress", func(c *Config) { c.Keeper.Enabled = true }},
		{"KeeperWithoutInterval", func(c *Config) {
			c.Keeper.Enabled = true
			c.Keeper.Address = testOwner
			c.Keeper.Interval = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
