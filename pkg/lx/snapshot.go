package lx

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is the complete committed state of an Engine. Amounts are
// base-10 strings of the Precision-scaled integers and every list is sorted
// by account, so equal states encode to equal bytes.
type Snapshot struct {
	Height            uint64            `msgpack:"height"`
	Owner             string            `msgpack:"owner"`
	Custody           string            `msgpack:"custody"`
	BaseReserves      string            `msgpack:"baseReserves"`
	QuoteReserves     string            `msgpack:"quoteReserves"`
	OraclePrice       string            `msgpack:"oraclePrice"`
	OracleUpdatedAt   int64             `msgpack:"oracleUpdatedAt"`
	CumulativeFunding string            `msgpack:"cumulativeFunding"`
	LastFundingTime   int64             `msgpack:"lastFundingTime"`
	TotalLiquidity    string            `msgpack:"totalLiquidity"`
	BadDebt           string            `msgpack:"badDebt"`
	Margins           []AccountBalance  `msgpack:"margins"`
	Shares            []AccountBalance  `msgpack:"shares"`
	Positions         []AccountPosition `msgpack:"positions"`
	Funding           []FundingRecord   `msgpack:"funding"`
}

type AccountBalance struct {
	Account string `msgpack:"account"`
	Amount  string `msgpack:"amount"`
}

type AccountPosition struct {
	Account         string `msgpack:"account"`
	Size            string `msgpack:"size"`
	Leverage        uint64 `msgpack:"leverage"`
	Direction       uint8  `msgpack:"direction"`
	EntryPrice      string `msgpack:"entryPrice"`
	FundingSnapshot string `msgpack:"fundingSnapshot"`
	OpenedAt        int64  `msgpack:"openedAt"`
}

type FundingRecord struct {
	Rate        string `msgpack:"rate"`
	Delta       string `msgpack:"delta"`
	Cumulative  string `msgpack:"cumulative"`
	VammPrice   string `msgpack:"vammPrice"`
	OraclePrice string `msgpack:"oraclePrice"`
	Elapsed     int64  `msgpack:"elapsed"`
	Timestamp   int64  `msgpack:"timestamp"`
}

// Encode serializes the snapshot with msgpack.
func (s *Snapshot) Encode() ([]byte, error) {
	return msgpack.Marshal(s)
}

// DecodeSnapshot parses bytes produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// Root is the keccak256 of the encoded snapshot.
func (s *Snapshot) Root() (common.Hash, error) {
	data, err := s.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(data), nil
}

// Snapshot captures the engine's committed state. It must not be called
// from inside a running operation.
func (e *Engine) Snapshot() *Snapshot {
	base, quote := e.amm.Reserves()
	s := &Snapshot{
		Owner:             e.owner.Hex(),
		Custody:           e.custody.Hex(),
		BaseReserves:      base.String(),
		QuoteReserves:     quote.String(),
		OraclePrice:       e.oracle.price.String(),
		OracleUpdatedAt:   e.oracle.updatedAt.UnixNano(),
		CumulativeFunding: e.funding.cumulative.String(),
		LastFundingTime:   e.funding.lastFundingTime.UnixNano(),
		TotalLiquidity:    e.ledger.totalLiquidity.String(),
		BadDebt:           e.badDebt.String(),
		Margins:           balances(e.ledger.margin),
		Shares:            balances(e.ledger.lpShares),
	}
	for _, a := range e.positions.Accounts() {
		p := e.positions.positions[a]
		s.Positions = append(s.Positions, AccountPosition{
			Account:         a.Hex(),
			Size:            p.Size.String(),
			Leverage:        p.Leverage,
			Direction:       uint8(p.Direction),
			EntryPrice:      p.EntryPrice.String(),
			FundingSnapshot: p.FundingSnapshot.String(),
			OpenedAt:        p.OpenedAt.UnixNano(),
		})
	}
	for _, fr := range e.funding.history {
		s.Funding = append(s.Funding, FundingRecord{
			Rate:        fr.Rate.String(),
			Delta:       fr.Delta.String(),
			Cumulative:  fr.Cumulative.String(),
			VammPrice:   fr.VammPrice.String(),
			OraclePrice: fr.OraclePrice.String(),
			Elapsed:     int64(fr.Elapsed),
			Timestamp:   fr.Timestamp.UnixNano(),
		})
	}
	return s
}

func balances(m map[common.Address]*big.Int) []AccountBalance {
	accounts := make([]common.Address, 0, len(m))
	for a := range m {
		accounts = append(accounts, a)
	}
	sortAddresses(accounts)
	out := make([]AccountBalance, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountBalance{Account: a.Hex(), Amount: m[a].String()})
	}
	return out
}

// Restore builds an engine from cfg and loads snap into it. Owner and
// custody come from the snapshot.
func Restore(cfg Config, snap *Snapshot) (*Engine, error) {
	cfg.Owner = common.HexToAddress(snap.Owner)
	cfg.Custody = common.HexToAddress(snap.Custody)
	oraclePrice, err := parseInt("oraclePrice", snap.OraclePrice)
	if err != nil {
		return nil, err
	}
	cfg.InitialOraclePrice = oraclePrice

	e, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	var r restorer
	e.amm.base = r.int("baseReserves", snap.BaseReserves)
	e.amm.quote = r.int("quoteReserves", snap.QuoteReserves)
	e.oracle.updatedAt = unixTime(snap.OracleUpdatedAt)
	e.funding.cumulative = r.int("cumulativeFunding", snap.CumulativeFunding)
	e.funding.lastFundingTime = unixTime(snap.LastFundingTime)
	e.ledger.totalLiquidity = r.int("totalLiquidity", snap.TotalLiquidity)
	e.badDebt = r.int("badDebt", snap.BadDebt)
	for _, b := range snap.Margins {
		e.ledger.margin[common.HexToAddress(b.Account)] = r.int("margin", b.Amount)
	}
	for _, b := range snap.Shares {
		e.ledger.lpShares[common.HexToAddress(b.Account)] = r.int("shares", b.Amount)
	}
	for _, p := range snap.Positions {
		e.positions.positions[common.HexToAddress(p.Account)] = &Position{
			Size:            r.int("size", p.Size),
			Leverage:        p.Leverage,
			Direction:       Direction(p.Direction),
			EntryPrice:      r.int("entryPrice", p.EntryPrice),
			FundingSnapshot: r.int("fundingSnapshot", p.FundingSnapshot),
			IsOpen:          true,
			OpenedAt:        unixTime(p.OpenedAt),
		}
	}
	for _, f := range snap.Funding {
		e.funding.history = append(e.funding.history, FundingRate{
			Rate:        r.int("rate", f.Rate),
			Delta:       r.int("delta", f.Delta),
			Cumulative:  r.int("cumulative", f.Cumulative),
			VammPrice:   r.int("vammPrice", f.VammPrice),
			OraclePrice: r.int("oraclePrice", f.OraclePrice),
			Elapsed:     time.Duration(f.Elapsed),
			Timestamp:   unixTime(f.Timestamp),
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	return e, nil
}

// restorer parses integers, keeping the first error.
type restorer struct {
	err error
}

func (r *restorer) int(field, s string) *big.Int {
	v, err := parseInt(field, s)
	if err != nil {
		if r.err == nil {
			r.err = err
		}
		return new(big.Int)
	}
	return v
}

func parseInt(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("snapshot field %s: invalid integer %q", field, s)
	}
	if v.Sign() == 0 {
		return new(big.Int), nil
	}
	return v, nil
}

func unixTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}
