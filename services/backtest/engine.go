// Package backtest replays trade signals against a price series, simulating
// fills, positions, and cash into an equity curve and trade ledger.
//
// A run is a single sequential pass over bars in time order: each bar's
// outcome depends on position and cash carried from prior bars, so there is
// no parallelism inside one run, and no lookahead — a signal observed at bar
// t is actable only per the configured execution-lag policy.
package backtest

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"quantlab/services/market"
	"quantlab/strategies"
)

// ExecutionLag picks the price a signal executes at. The default is the next
// bar's open; same-bar close is the optimistic alternative.
type ExecutionLag int

const (
	LagNextBarOpen ExecutionLag = iota
	LagSameBarClose
)

// ConflictPolicy resolves a signal that would open a position conflicting
// with the current one. Never silently ambiguous: force-close exits the
// existing position at the same execution price and then opens the new one;
// reject records the signal as rejected and skips it.
type ConflictPolicy int

const (
	ConflictForceClose ConflictPolicy = iota
	ConflictReject
)

var (
	ErrConflictingSignal = errors.New("backtest: conflicting position signal")
	ErrBadConfig         = errors.New("backtest: bad config")
)

// Config is the execution surface of a run.
type Config struct {
	InitialCapital decimal.Decimal
	CommissionRate decimal.Decimal // fraction of notional per fill
	Slippage       SlippageModel   // nil means no slippage
	Lag            ExecutionLag
	Conflict       ConflictPolicy
	AllowShort     bool
	// PositionFraction is the share of cash allocated per entry; zero means
	// all of it.
	PositionFraction decimal.Decimal
}

func (c Config) fraction() decimal.Decimal {
	if c.PositionFraction.IsPositive() {
		return c.PositionFraction
	}
	return decimal.NewFromInt(1)
}

func (c Config) slippage() SlippageModel {
	if c.Slippage == nil {
		return NoSlippage{}
	}
	return c.Slippage
}

// EquityPoint marks equity to market at one bar close. Continuity holds: one
// point per series timestamp, flat bars included.
type EquityPoint struct {
	Timestamp     int64           `json:"timestamp"`
	Cash          decimal.Decimal `json:"cash"`
	PositionValue decimal.Decimal `json:"position_value"`
	Equity        decimal.Decimal `json:"equity"`
}

// RejectedSignal records a signal the engine declined to act on.
type RejectedSignal struct {
	Timestamp int64            `json:"timestamp"`
	Grade     strategies.Grade `json:"grade"`
	Reason    string           `json:"reason"`
}

// Result is the full outcome of one run.
type Result struct {
	Symbol         string           `json:"symbol"`
	InitialCapital decimal.Decimal  `json:"initial_capital"`
	FinalEquity    decimal.Decimal  `json:"final_equity"`
	EquityCurve    []EquityPoint    `json:"equity_curve"`
	Trades         []Trade          `json:"trades"`
	Rejected       []RejectedSignal `json:"rejected,omitempty"`
}

type engine struct {
	cfg    Config
	series *market.Series

	cash     decimal.Decimal
	pos      *Position
	trades   []Trade
	rejected []RejectedSignal
}

// Run replays signals against the series. Signals must align 1:1 with bars.
// Output is bit-identical across runs on identical inputs.
func Run(series *market.Series, signals []strategies.Signal, cfg Config) (*Result, error) {
	if !cfg.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("%w: initial capital %s must be positive", ErrBadConfig, cfg.InitialCapital)
	}
	if cfg.CommissionRate.IsNegative() {
		return nil, fmt.Errorf("%w: negative commission rate %s", ErrBadConfig, cfg.CommissionRate)
	}
	if len(signals) != series.Len() {
		return nil, fmt.Errorf("%w: %d signals for %d bars", ErrBadConfig, len(signals), series.Len())
	}
	for i, sig := range signals {
		if sig.Timestamp != series.Bars[i].Timestamp {
			return nil, fmt.Errorf("%w: signal %d timestamp %d does not match bar %d", ErrBadConfig, i, sig.Timestamp, series.Bars[i].Timestamp)
		}
	}

	e := &engine{cfg: cfg, series: series, cash: cfg.InitialCapital}
	curve := make([]EquityPoint, 0, series.Len())

	var pending strategies.Grade // executes at the next bar's open
	last := series.Len() - 1

	for i, bar := range series.Bars {
		if pending != strategies.Hold {
			e.act(pending, bar.Open, bar, i == last)
			pending = strategies.Hold
		}

		if grade := signals[i].Grade; grade != strategies.Hold {
			if cfg.Lag == LagSameBarClose {
				e.act(grade, bar.Close, bar, i == last)
			} else if i < last {
				pending = grade
			}
			// A next-bar-open signal on the final bar has no bar to fill on.
		}

		if i == last && e.pos != nil {
			e.closePosition(e.execPrice(e.exitSide(), bar.Close, bar, e.pos.Quantity), bar.Timestamp, "final_close")
		}

		posValue := decimal.Zero
		if e.pos != nil {
			posValue = e.pos.marketValue(bar.Close)
		}
		curve = append(curve, EquityPoint{
			Timestamp:     bar.Timestamp,
			Cash:          e.cash,
			PositionValue: posValue,
			Equity:        e.cash.Add(posValue),
		})
	}

	return &Result{
		Symbol:         series.Symbol,
		InitialCapital: cfg.InitialCapital,
		FinalEquity:    curve[len(curve)-1].Equity,
		EquityCurve:    curve,
		Trades:         e.trades,
		Rejected:       e.rejected,
	}, nil
}

func (e *engine) exitSide() TradeSide {
	if e.pos != nil && e.pos.Direction == DirectionShort {
		return SideBuy
	}
	return SideSell
}

func (e *engine) execPrice(side TradeSide, ref decimal.Decimal, bar market.Bar, qty decimal.Decimal) fill {
	price := e.cfg.slippage().Adjust(side, ref, bar, qty)
	return fill{ref: ref, price: price}
}

// fill pairs a reference price with the slippage-adjusted execution price.
type fill struct {
	ref   decimal.Decimal
	price decimal.Decimal
}

// act applies one non-HOLD signal at the given reference price. On the final
// bar only exits execute: an entry there could never be closed on a later
// bar, so it is rejected instead.
func (e *engine) act(grade strategies.Grade, ref decimal.Decimal, bar market.Bar, lastBar bool) {
	switch {
	case grade.IsBuy():
		if e.pos != nil {
			e.onConflict(grade, ref, bar, DirectionLong, lastBar)
			return
		}
		if lastBar {
			e.reject(bar.Timestamp, grade, "end of series")
			return
		}
		e.openPosition(DirectionLong, ref, bar)
	case grade.IsSell():
		switch {
		case e.pos == nil:
			if !e.cfg.AllowShort || lastBar {
				e.reject(bar.Timestamp, grade, "no open position")
				return
			}
			e.openPosition(DirectionShort, ref, bar)
		case e.pos.Direction == DirectionLong:
			e.closePosition(e.execPrice(SideSell, ref, bar, e.pos.Quantity), bar.Timestamp, "signal")
			if e.cfg.AllowShort && !lastBar {
				e.openPosition(DirectionShort, ref, bar)
			}
		default: // already short
			e.onConflict(grade, ref, bar, DirectionShort, lastBar)
		}
	}
}

// onConflict resolves a signal that conflicts with the open position.
func (e *engine) onConflict(grade strategies.Grade, ref decimal.Decimal, bar market.Bar, want Direction, lastBar bool) {
	if e.cfg.Conflict == ConflictReject {
		e.reject(bar.Timestamp, grade, ErrConflictingSignal.Error())
		return
	}
	e.closePosition(e.execPrice(e.exitSide(), ref, bar, e.pos.Quantity), bar.Timestamp, "force_close")
	if lastBar {
		return
	}
	if want == DirectionShort && !e.cfg.AllowShort {
		return
	}
	e.openPosition(want, ref, bar)
}

func (e *engine) reject(ts int64, grade strategies.Grade, reason string) {
	e.rejected = append(e.rejected, RejectedSignal{Timestamp: ts, Grade: grade, Reason: reason})
}

func (e *engine) openPosition(dir Direction, ref decimal.Decimal, bar market.Bar) {
	alloc := e.cash.Mul(e.cfg.fraction())
	if !alloc.IsPositive() || !ref.IsPositive() {
		e.reject(bar.Timestamp, gradeFor(dir), "insufficient cash")
		return
	}

	side := SideBuy
	if dir == DirectionShort {
		side = SideSell
	}
	estQty := alloc.Div(ref)
	price := e.cfg.slippage().Adjust(side, ref, bar, estQty)
	if !price.IsPositive() {
		e.reject(bar.Timestamp, gradeFor(dir), "degenerate execution price")
		return
	}

	// Size so that notional plus commission fits inside the allocation.
	one := decimal.NewFromInt(1)
	qty := alloc.Div(price.Mul(one.Add(e.cfg.CommissionRate)))
	if !qty.IsPositive() {
		e.reject(bar.Timestamp, gradeFor(dir), "insufficient cash")
		return
	}
	notional := qty.Mul(price)
	commission := notional.Mul(e.cfg.CommissionRate)
	slipCost := price.Sub(ref).Abs().Mul(qty)

	if dir == DirectionLong {
		e.cash = e.cash.Sub(notional).Sub(commission)
	} else {
		// Short proceeds stay escrowed; only the commission leaves cash.
		e.cash = e.cash.Sub(commission)
	}

	e.pos = &Position{
		Symbol:          e.series.Symbol,
		Direction:       dir,
		Quantity:        qty,
		AvgEntry:        price,
		EntryTimestamp:  bar.Timestamp,
		entryCommission: commission,
		entrySlippage:   slipCost,
	}
}

func (e *engine) closePosition(f fill, ts int64, reason string) {
	pos := e.pos
	exitNotional := pos.Quantity.Mul(f.price)
	commission := exitNotional.Mul(e.cfg.CommissionRate)
	slipCost := f.price.Sub(f.ref).Abs().Mul(pos.Quantity)

	move := f.price.Sub(pos.AvgEntry)
	if pos.Direction == DirectionShort {
		move = pos.AvgEntry.Sub(f.price)
	}
	totalCommission := pos.entryCommission.Add(commission)
	pnl := move.Mul(pos.Quantity).Sub(totalCommission)

	if pos.Direction == DirectionLong {
		e.cash = e.cash.Add(exitNotional).Sub(commission)
	} else {
		e.cash = e.cash.Add(pos.AvgEntry.Sub(f.price).Mul(pos.Quantity)).Sub(commission)
	}

	e.trades = append(e.trades, Trade{
		Symbol:         pos.Symbol,
		Direction:      pos.Direction,
		DirectionLabel: pos.Direction.String(),
		EntryTimestamp: pos.EntryTimestamp,
		ExitTimestamp:  ts,
		Quantity:       pos.Quantity,
		EntryPrice:     pos.AvgEntry,
		ExitPrice:      f.price,
		Commission:     totalCommission,
		Slippage:       pos.entrySlippage.Add(slipCost),
		Pnl:            pnl,
		ExitReason:     reason,
	})
	e.pos = nil
}

func gradeFor(dir Direction) strategies.Grade {
	if dir == DirectionShort {
		return strategies.Sell
	}
	return strategies.Buy
}
