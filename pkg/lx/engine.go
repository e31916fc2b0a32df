package lx

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
)

// Engine is a single perpetual market: collateral ledger, vAMM, oracle,
// funding index, positions and liquidations.
//
// Every exported mutating method is one atomic transaction: on error all of
// its writes, including any funding accrual it triggered, are reverted and
// no events are emitted. An Engine is not safe for concurrent use; callers
// serialize access, normally through a Sequencer.
type Engine struct {
	owner      common.Address
	custody    common.Address
	collateral Collateral
	clock      func() time.Time
	logger     log.Logger
	sinks      []EventSink

	ledger      *CollateralLedger
	amm         *VirtualAMM
	oracle      *PriceOracle
	funding     *FundingEngine
	positions   *PositionManager
	liquidation *LiquidationEngine

	badDebt *big.Int

	journal *journal
	depth   int
	guard   reentrancyGuard
}

// NewEngine creates a market seeded with the fixed reserves.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Collateral == nil {
		return nil, errors.New("collateral asset is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root().New("module", "lx")
	}
	oraclePrice := cfg.InitialOraclePrice
	if oraclePrice == nil {
		oraclePrice = mulDiv(seedQuoteReserves, Precision, seedBaseReserves)
	}

	now := cfg.Clock()
	j := &journal{}
	oracle, err := newPriceOracle(j, oraclePrice, now)
	if err != nil {
		return nil, fmt.Errorf("initial oracle price: %w", err)
	}
	amm := newVirtualAMM(j)

	e := &Engine{
		owner:       cfg.Owner,
		custody:     cfg.Custody,
		collateral:  cfg.Collateral,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		sinks:       cfg.Sinks,
		ledger:      newCollateralLedger(j),
		amm:         amm,
		oracle:      oracle,
		funding:     newFundingEngine(j, amm, oracle, now, cfg.FundingHistoryLimit),
		positions:   newPositionManager(j),
		liquidation: newLiquidationEngine(),
		badDebt:     new(big.Int),
		journal:     j,
	}
	e.logger.Info("perp engine initialized",
		"owner", e.owner,
		"custody", e.custody,
		"price", FormatAmount(amm.Price()),
		"oracle", FormatAmount(oracle.Price()))
	return e, nil
}

// AddSink registers an event sink.
func (e *Engine) AddSink(sink EventSink) {
	e.sinks = append(e.sinks, sink)
}

// transact runs fn as one atomic unit. Nested calls (a reentrant operation
// reached through an external transfer) share the outer journal and only
// the outermost commit releases events.
func (e *Engine) transact(fn func() error) (err error) {
	m := e.journal.mark()
	e.depth++
	defer func() {
		if r := recover(); r != nil {
			e.depth--
			e.journal.revertTo(m)
			panic(r)
		}
	}()
	err = fn()
	e.depth--
	if err != nil {
		e.journal.revertTo(m)
		return err
	}
	if e.depth == 0 {
		e.publish(e.journal.commit())
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock()
	}
	if ev.Price == nil {
		ev.Price = e.amm.Price()
	}
	e.journal.emit(ev)
}

func (e *Engine) publish(events []Event) {
	for _, ev := range events {
		for _, sink := range e.sinks {
			sink.Publish(ev)
		}
	}
}

// accrueFunding brings the funding index current.
func (e *Engine) accrueFunding(now time.Time) *FundingRate {
	fr := e.funding.update(now)
	if fr == nil {
		return nil
	}
	e.emit(Event{Type: EventFundingUpdated, Funding: fr, Timestamp: now})
	e.logger.Debug("funding accrued",
		"rate", FormatAmount(fr.Rate),
		"delta", FormatAmount(fr.Delta),
		"cumulative", FormatAmount(fr.Cumulative))
	return fr
}

func (e *Engine) addBadDebt(amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	set(e.journal, &e.badDebt, new(big.Int).Add(e.badDebt, amount))
}

// checkAmount rejects zero amounts. Amounts are unsigned, so negative values
// are rejected the same way.
func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return nil
}

// DepositMargin pulls amount from caller and credits it as free margin.
func (e *Engine) DepositMargin(caller common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return e.transact(func() error {
		if err := e.pull(caller, amount); err != nil {
			e.logger.Warn("margin deposit transfer failed", "account", caller, "error", err)
			return err
		}
		e.ledger.credit(caller, amount)
		e.emit(Event{Type: EventMarginDeposited, Account: caller, Amount: clone(amount)})
		return nil
	})
}

// WithdrawMargin debits free margin and pushes it back to caller. The debit
// is undone if the transfer fails.
func (e *Engine) WithdrawMargin(caller common.Address, amount *big.Int) error {
	release, err := e.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := checkAmount(amount); err != nil {
		return err
	}
	return e.transact(func() error {
		if err := e.ledger.debit(caller, amount); err != nil {
			return err
		}
		if err := e.push(caller, amount); err != nil {
			e.logger.Warn("margin withdrawal transfer failed", "account", caller, "error", err)
			return err
		}
		e.emit(Event{Type: EventMarginWithdrawn, Account: caller, Amount: clone(amount)})
		return nil
	})
}

// ProvideLiquidity pulls amount from caller and mints the same number of
// LP shares.
func (e *Engine) ProvideLiquidity(caller common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return e.transact(func() error {
		if err := e.pull(caller, amount); err != nil {
			e.logger.Warn("liquidity transfer failed", "account", caller, "error", err)
			return err
		}
		e.ledger.addShares(caller, amount)
		e.emit(Event{Type: EventLiquidityProvided, Account: caller, Amount: clone(amount)})
		return nil
	})
}

// WithdrawLiquidity burns amount shares and pushes the same amount of
// collateral to caller.
func (e *Engine) WithdrawLiquidity(caller common.Address, amount *big.Int) error {
	release, err := e.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	if err := checkAmount(amount); err != nil {
		return err
	}
	return e.transact(func() error {
		if err := e.ledger.removeShares(caller, amount); err != nil {
			return err
		}
		if err := e.push(caller, amount); err != nil {
			e.logger.Warn("liquidity withdrawal transfer failed", "account", caller, "error", err)
			return err
		}
		e.emit(Event{Type: EventLiquidityWithdrawn, Account: caller, Amount: clone(amount)})
		return nil
	})
}

// OpenPosition commits margin from caller's free balance to a new position
// of size margin*leverage at the current vAMM price.
func (e *Engine) OpenPosition(caller common.Address, margin *big.Int, leverage uint64, dir Direction) (Position, error) {
	if margin == nil {
		margin = new(big.Int)
	}
	var opened Position
	err := e.transact(func() error {
		if e.ledger.MarginOf(caller).Cmp(margin) < 0 {
			return ErrInsufficientMargin
		}
		if margin.Sign() <= 0 {
			return ErrZeroAmount
		}
		if leverage < MinLeverage || leverage > MaxLeverage {
			return ErrInvalidLeverage
		}
		if dir != Long && dir != Short {
			return fmt.Errorf("unknown direction %d", dir)
		}
		if e.positions.HasOpen(caller) {
			return ErrPositionAlreadyOpen
		}

		now := e.clock()
		e.accrueFunding(now)

		price := e.amm.Price()
		size := new(big.Int).Mul(margin, new(big.Int).SetUint64(leverage))
		if err := e.amm.applyOpen(dir, size, price); err != nil {
			return err
		}
		opened = e.positions.store(caller, margin, leverage, dir, price, e.funding.cumulative, now)
		if err := e.ledger.debit(caller, margin); err != nil {
			return err
		}

		e.emit(Event{Type: EventPositionOpened, Account: caller, Amount: clone(margin), Position: &opened, Timestamp: now})
		e.logger.Info("position opened",
			"account", caller,
			"direction", dir,
			"margin", FormatAmount(margin),
			"leverage", leverage,
			"size", FormatAmount(size),
			"entry", FormatAmount(price))
		return nil
	})
	if err != nil {
		return Position{}, err
	}
	return opened, nil
}

// ClosePosition settles caller's position at the current vAMM price and
// funding index. Positive equity is credited to caller's free margin;
// a loss beyond the margin is not clawed back and is recorded as bad debt.
func (e *Engine) ClosePosition(caller common.Address) (Settlement, error) {
	release, err := e.guard.enter()
	if err != nil {
		return Settlement{}, err
	}
	defer release()

	var s Settlement
	err = e.transact(func() error {
		pos, ok := e.positions.positions[caller]
		if !ok {
			return ErrNoOpenPosition
		}
		now := e.clock()
		e.accrueFunding(now)

		price := e.amm.Price()
		s = settle(pos, price, e.funding.cumulative)
		closed := pos.copy()
		closed.IsOpen = false
		e.positions.remove(caller)

		settled := new(big.Int)
		if s.Equity.Sign() > 0 {
			settled.Set(s.Equity)
			e.ledger.credit(caller, settled)
		} else {
			e.addBadDebt(new(big.Int).Neg(s.Equity))
		}

		e.emit(Event{Type: EventPositionClosed, Account: caller, Amount: settled, Position: &closed, Timestamp: now})
		e.logger.Info("position closed",
			"account", caller,
			"exit", FormatAmount(price),
			"pnl", FormatAmount(s.PnL),
			"settled", FormatAmount(settled))
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	return s, nil
}

// Liquidate force-closes account's position if its equity is under the
// maintenance requirement. caller receives LiquidationPenalty of any
// positive equity and account receives the rest.
func (e *Engine) Liquidate(caller, account common.Address) (LiquidationResult, error) {
	release, err := e.guard.enter()
	if err != nil {
		return LiquidationResult{}, err
	}
	defer release()

	var res LiquidationResult
	err = e.transact(func() error {
		pos, ok := e.positions.positions[account]
		if !ok {
			return ErrNoOpenPosition
		}
		now := e.clock()
		e.accrueFunding(now)

		s := settle(pos, e.amm.Price(), e.funding.cumulative)
		if !e.liquidation.breached(pos, s) {
			return ErrNotLiquidatable
		}
		closed := pos.copy()
		closed.IsOpen = false
		e.positions.remove(account)

		res = e.liquidation.split(s.Equity)
		e.ledger.credit(caller, res.Reward)
		e.ledger.credit(account, res.Remainder)
		e.addBadDebt(res.BadDebt)

		e.emit(Event{Type: EventPositionLiquidated, Account: account, Keeper: caller, Amount: clone(res.Reward), Position: &closed, Timestamp: now})
		e.logger.Info("position liquidated",
			"account", account,
			"keeper", caller,
			"equity", FormatAmount(res.Equity),
			"reward", FormatAmount(res.Reward),
			"badDebt", FormatAmount(res.BadDebt))
		return nil
	})
	if err != nil {
		return LiquidationResult{}, err
	}
	return res, nil
}

// IsLiquidatable reports whether account's position is under the
// maintenance requirement. It does not accrue funding; the answer is only
// exact when the index is current.
func (e *Engine) IsLiquidatable(account common.Address) bool {
	pos, ok := e.positions.positions[account]
	if !ok {
		return false
	}
	return e.liquidation.breached(pos, settle(pos, e.amm.Price(), e.funding.cumulative))
}

// UpdateFundingRate accrues funding if a full interval has passed. It
// returns the accrual, or nil if it was a no-op.
func (e *Engine) UpdateFundingRate() *FundingRate {
	var fr *FundingRate
	_ = e.transact(func() error {
		fr = e.accrueFunding(e.clock())
		return nil
	})
	return fr
}

// SetOraclePrice replaces the oracle price. Only the owner may call it.
func (e *Engine) SetOraclePrice(caller common.Address, price *big.Int) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	return e.transact(func() error {
		if err := e.oracle.set(price, e.clock()); err != nil {
			return err
		}
		e.emit(Event{Type: EventOraclePriceUpdated, Account: caller, Amount: clone(price)})
		e.logger.Info("oracle price updated", "price", FormatAmount(price))
		return nil
	})
}
