package lx

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
)

// Direction is the side of a position.
type Direction uint8

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ParseDirection accepts "long" or "short".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "long", "Long", "LONG":
		return Long, nil
	case "short", "Short", "SHORT":
		return Short, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Leverage bounds, inclusive.
const (
	MinLeverage uint64 = 1
	MaxLeverage uint64 = 10
)

// FundingInterval is the minimum spacing between funding accruals.
const FundingInterval = time.Hour

// Position is a leveraged exposure. An account holds at most one; a zero
// Position (IsOpen false) means the account is flat.
type Position struct {
	Size            *big.Int // notional, margin * leverage
	Leverage        uint64
	Direction       Direction
	EntryPrice      *big.Int
	FundingSnapshot *big.Int // cumulative funding index at open
	IsOpen          bool
	OpenedAt        time.Time
}

// Margin is the collateral committed at open.
func (p *Position) Margin() *big.Int {
	if p == nil || !p.IsOpen || p.Leverage == 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(p.Size, new(big.Int).SetUint64(p.Leverage))
}

func (p *Position) copy() Position {
	return Position{
		Size:            clone(p.Size),
		Leverage:        p.Leverage,
		Direction:       p.Direction,
		EntryPrice:      clone(p.EntryPrice),
		FundingSnapshot: clone(p.FundingSnapshot),
		IsOpen:          p.IsOpen,
		OpenedAt:        p.OpenedAt,
	}
}

// MarketState is the raw reserve, oracle and funding state.
type MarketState struct {
	BaseReserves      *big.Int
	QuoteReserves     *big.Int
	VammPrice         *big.Int
	OraclePrice       *big.Int
	CumulativeFunding *big.Int
	LastFundingTime   time.Time
	TotalLiquidity    *big.Int
	BadDebt           *big.Int
	OpenPositions     int
}

// Config configures an Engine.
type Config struct {
	// Owner may set the oracle price.
	Owner common.Address
	// Custody is the address that holds deposited collateral.
	Custody common.Address
	// Collateral is the external collateral asset.
	Collateral Collateral
	// InitialOraclePrice must be non-zero; nil means the seed vAMM price.
	InitialOraclePrice *big.Int
	// FundingHistoryLimit bounds the retained funding accruals.
	FundingHistoryLimit int
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger log.Logger
	Sinks  []EventSink
}

// DefaultConfig returns a Config with the seed oracle price and default
// history depth. Owner, Custody and Collateral must still be set.
func DefaultConfig() Config {
	return Config{
		InitialOraclePrice:  Units(1000),
		FundingHistoryLimit: 720,
		Clock:               time.Now,
	}
}
