package backtest

import (
	"github.com/shopspring/decimal"
)

// Direction is the side of an open position or completed trade.
type Direction int

const (
	DirectionLong Direction = iota
	DirectionShort
)

func (d Direction) String() string {
	if d == DirectionShort {
		return "short"
	}
	return "long"
}

// TradeSide is the side of a single fill.
type TradeSide int

const (
	SideBuy TradeSide = iota
	SideSell
)

// Position is the single open position of a run. Mutated only by the engine.
type Position struct {
	Symbol          string
	Direction       Direction
	Quantity        decimal.Decimal
	AvgEntry        decimal.Decimal
	EntryTimestamp  int64
	entryCommission decimal.Decimal
	entrySlippage   decimal.Decimal
}

// marketValue returns the liquidation value of the position at a price: for
// longs the notional at market, for shorts the unrealized gain over entry
// (short proceeds stay escrowed outside cash).
func (p *Position) marketValue(price decimal.Decimal) decimal.Decimal {
	if p.Direction == DirectionShort {
		return p.AvgEntry.Sub(price).Mul(p.Quantity)
	}
	return price.Mul(p.Quantity)
}

// Trade is one completed round trip, created only when a position closes.
type Trade struct {
	Symbol         string          `json:"symbol"`
	Direction      Direction       `json:"-"`
	DirectionLabel string          `json:"direction"`
	EntryTimestamp int64           `json:"entry_timestamp"`
	ExitTimestamp  int64           `json:"exit_timestamp"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	Commission     decimal.Decimal `json:"commission"`
	Slippage       decimal.Decimal `json:"slippage"`
	Pnl            decimal.Decimal `json:"pnl"`
	ExitReason     string          `json:"exit_reason"`
}

// pnl recomputes realized pnl from the trade's own fields: direction-signed
// price move times quantity, minus total commission. Entry and exit prices
// already include slippage; the Slippage field records that deviation cost.
func (t Trade) pnl() decimal.Decimal {
	move := t.ExitPrice.Sub(t.EntryPrice)
	if t.Direction == DirectionShort {
		move = t.EntryPrice.Sub(t.ExitPrice)
	}
	return move.Mul(t.Quantity).Sub(t.Commission)
}
