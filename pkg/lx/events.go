package lx

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType identifies an engine event.
type EventType string

const (
	EventMarginDeposited    EventType = "margin_deposited"
	EventMarginWithdrawn    EventType = "margin_withdrawn"
	EventLiquidityProvided  EventType = "liquidity_provided"
	EventLiquidityWithdrawn EventType = "liquidity_withdrawn"
	EventPositionOpened     EventType = "position_opened"
	EventPositionClosed     EventType = "position_closed"
	EventPositionLiquidated EventType = "position_liquidated"
	EventFundingUpdated     EventType = "funding_updated"
	EventOraclePriceUpdated EventType = "oracle_price_updated"
)

// Event is emitted once the operation that produced it has committed.
type Event struct {
	Type      EventType
	Account   common.Address
	Keeper    common.Address // liquidator, for liquidations
	Amount    *big.Int       // deposit/withdraw amount, margin, settled equity or reward
	Position  *Position
	Price     *big.Int // vAMM price after the operation
	Funding   *FundingRate
	Timestamp time.Time
}

// EventSink receives committed engine events. Publish is called while the
// engine is still inside the committing call and must not call back into it.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

type eventJSON struct {
	Type      EventType     `json:"type"`
	Account   string        `json:"account,omitempty"`
	Keeper    string        `json:"keeper,omitempty"`
	Amount    string        `json:"amount,omitempty"`
	Position  *PositionView `json:"position,omitempty"`
	Price     string        `json:"price,omitempty"`
	Funding   *FundingView  `json:"funding,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// MarshalJSON renders amounts as decimal strings.
func (ev Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Type:      ev.Type,
		Timestamp: ev.Timestamp.Unix(),
	}
	if ev.Account != (common.Address{}) {
		out.Account = ev.Account.Hex()
	}
	if ev.Keeper != (common.Address{}) {
		out.Keeper = ev.Keeper.Hex()
	}
	if ev.Amount != nil {
		out.Amount = FormatAmount(ev.Amount)
	}
	if ev.Price != nil {
		out.Price = FormatAmount(ev.Price)
	}
	if ev.Position != nil {
		v := NewPositionView(*ev.Position)
		out.Position = &v
	}
	if ev.Funding != nil {
		v := NewFundingView(*ev.Funding)
		out.Funding = &v
	}
	return json.Marshal(out)
}

// PositionView is the wire form of a Position.
type PositionView struct {
	IsOpen          bool   `json:"isOpen"`
	Direction       string `json:"direction,omitempty"`
	Size            string `json:"size"`
	Margin          string `json:"margin"`
	Leverage        uint64 `json:"leverage"`
	EntryPrice      string `json:"entryPrice"`
	FundingSnapshot string `json:"fundingSnapshot"`
	OpenedAt        int64  `json:"openedAt,omitempty"`
}

func NewPositionView(p Position) PositionView {
	v := PositionView{
		IsOpen:          p.IsOpen,
		Size:            FormatAmount(p.Size),
		Margin:          FormatAmount(p.Margin()),
		Leverage:        p.Leverage,
		EntryPrice:      FormatAmount(p.EntryPrice),
		FundingSnapshot: FormatAmount(p.FundingSnapshot),
	}
	if p.IsOpen {
		v.Direction = p.Direction.String()
		v.OpenedAt = p.OpenedAt.Unix()
	}
	return v
}

// FundingView is the wire form of a FundingRate.
type FundingView struct {
	Rate        string `json:"rate"`
	Delta       string `json:"delta"`
	Cumulative  string `json:"cumulative"`
	VammPrice   string `json:"vammPrice"`
	OraclePrice string `json:"oraclePrice"`
	ElapsedSecs int64  `json:"elapsedSeconds"`
	Timestamp   int64  `json:"timestamp"`
}

func NewFundingView(fr FundingRate) FundingView {
	return FundingView{
		Rate:        FormatAmount(fr.Rate),
		Delta:       FormatAmount(fr.Delta),
		Cumulative:  FormatAmount(fr.Cumulative),
		VammPrice:   FormatAmount(fr.VammPrice),
		OraclePrice: FormatAmount(fr.OraclePrice),
		ElapsedSecs: int64(fr.Elapsed / time.Second),
		Timestamp:   fr.Timestamp.Unix(),
	}
}

// MarketView is the wire form of a MarketState.
type MarketView struct {
	BaseReserves      string `json:"baseReserves"`
	QuoteReserves     string `json:"quoteReserves"`
	VammPrice         string `json:"vammPrice"`
	OraclePrice       string `json:"oraclePrice"`
	CumulativeFunding string `json:"cumulativeFunding"`
	LastFundingTime   int64  `json:"lastFundingTime"`
	TotalLiquidity    string `json:"totalLiquidity"`
	BadDebt           string `json:"badDebt"`
	OpenPositions     int    `json:"openPositions"`
}

func NewMarketView(s MarketState) MarketView {
	return MarketView{
		BaseReserves:      FormatAmount(s.BaseReserves),
		QuoteReserves:     FormatAmount(s.QuoteReserves),
		VammPrice:         FormatAmount(s.VammPrice),
		OraclePrice:       FormatAmount(s.OraclePrice),
		CumulativeFunding: FormatAmount(s.CumulativeFunding),
		LastFundingTime:   s.LastFundingTime.Unix(),
		TotalLiquidity:    FormatAmount(s.TotalLiquidity),
		BadDebt:           FormatAmount(s.BadDebt),
		OpenPositions:     s.OpenPositions,
	}
}
