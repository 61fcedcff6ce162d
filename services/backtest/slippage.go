package backtest

import (
	"github.com/shopspring/decimal"

	"quantlab/services/market"
)

// SlippageModel turns a reference price into an execution price. Buys slip
// up, sells slip down. Models must be deterministic: identical inputs yield
// identical prices.
type SlippageModel interface {
	Name() string
	Adjust(side TradeSide, price decimal.Decimal, bar market.Bar, quantity decimal.Decimal) decimal.Decimal
}

// NoSlippage fills at the reference price.
type NoSlippage struct{}

func (NoSlippage) Name() string { return "none" }

func (NoSlippage) Adjust(_ TradeSide, price decimal.Decimal, _ market.Bar, _ decimal.Decimal) decimal.Decimal {
	return price
}

// FixedBps applies a constant basis-point penalty against the order.
type FixedBps struct {
	Bps decimal.Decimal
}

func (m FixedBps) Name() string { return "fixed-bps" }

func (m FixedBps) Adjust(side TradeSide, price decimal.Decimal, _ market.Bar, _ decimal.Decimal) decimal.Decimal {
	frac := m.Bps.Div(decimal.NewFromInt(10000))
	if side == SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(frac))
}

// VolumeProportional scales impact with order size relative to the bar's
// volume: impact_bps = ImpactBps * quantity / bar_volume, capped at MaxBps.
// Bars with zero volume fall back to the cap.
type VolumeProportional struct {
	ImpactBps decimal.Decimal
	MaxBps    decimal.Decimal
}

func (m VolumeProportional) Name() string { return "volume-proportional" }

func (m VolumeProportional) Adjust(side TradeSide, price decimal.Decimal, bar market.Bar, quantity decimal.Decimal) decimal.Decimal {
	bps := m.MaxBps
	if bar.Volume.IsPositive() {
		bps = m.ImpactBps.Mul(quantity).Div(bar.Volume)
		if m.MaxBps.IsPositive() && bps.GreaterThan(m.MaxBps) {
			bps = m.MaxBps
		}
	}
	frac := bps.Div(decimal.NewFromInt(10000))
	if side == SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(frac))
}
