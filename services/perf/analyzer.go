// Package perf computes performance metrics from a backtest result: return
// and risk statistics over the equity curve, and trade statistics over the
// closed-trade ledger.
//
// Metrics that are undefined for a given input (Sharpe on a flat curve, win
// rate with no trades, profit factor with no losers) are nil pointers and
// render as JSON null rather than a misleading zero.
package perf

import (
	"errors"
	"math"

	"quantlab/services/backtest"
)

var ErrEmptyCurve = errors.New("perf: empty equity curve")

// Metrics is the full statistics block for one run.
type Metrics struct {
	TotalReturn      float64  `json:"total_return"`
	AnnualizedReturn *float64 `json:"annualized_return"`

	Volatility *float64 `json:"volatility"`
	// MaxDrawdown is a fraction of peak equity in [0, 1].
	MaxDrawdown         float64 `json:"max_drawdown"`
	MaxDrawdownDuration int     `json:"max_drawdown_duration"`

	SharpeRatio  *float64 `json:"sharpe_ratio"`
	SortinoRatio *float64 `json:"sortino_ratio"`
	CalmarRatio  *float64 `json:"calmar_ratio"`

	TradeCount    int      `json:"trade_count"`
	WinningTrades int      `json:"winning_trades"`
	LosingTrades  int      `json:"losing_trades"`
	WinRate       *float64 `json:"win_rate"`
	AvgWin        *float64 `json:"avg_win"`
	AvgLoss       *float64 `json:"avg_loss"`
	ProfitFactor  *float64 `json:"profit_factor"`
	LargestWin    *float64 `json:"largest_win"`
	LargestLoss   *float64 `json:"largest_loss"`
}

// Analyze computes all metrics for one run. periodsPerYear scales per-bar
// statistics to annual figures, typically market.Series.PeriodsPerYear().
func Analyze(curve []backtest.EquityPoint, trades []backtest.Trade, periodsPerYear float64) (*Metrics, error) {
	if len(curve) == 0 {
		return nil, ErrEmptyCurve
	}
	if periodsPerYear <= 0 {
		periodsPerYear = 252
	}

	equity := make([]float64, len(curve))
	for i, p := range curve {
		equity[i] = p.Equity.InexactFloat64()
	}
	returns := barReturns(equity)

	m := &Metrics{}

	initial, final := equity[0], equity[len(equity)-1]
	if initial > 0 {
		m.TotalReturn = final/initial - 1
	}
	m.AnnualizedReturn = annualize(m.TotalReturn, len(returns), periodsPerYear)

	if sd, ok := stdDev(returns); ok {
		m.Volatility = ptr(sd * math.Sqrt(periodsPerYear))
	}
	m.MaxDrawdown, m.MaxDrawdownDuration = maxDrawdown(equity)

	m.SharpeRatio = sharpe(returns, periodsPerYear)
	m.SortinoRatio = sortino(returns, periodsPerYear)
	if m.AnnualizedReturn != nil && m.MaxDrawdown > 0 {
		m.CalmarRatio = ptr(*m.AnnualizedReturn / m.MaxDrawdown)
	}

	tradeStats(m, trades)
	return m, nil
}

// Report flattens the metrics into a name-to-value map for logs and ad hoc
// ranking; nil metrics are omitted.
func (m *Metrics) Report() map[string]float64 {
	out := map[string]float64{
		"total_return":          m.TotalReturn,
		"max_drawdown":          m.MaxDrawdown,
		"max_drawdown_duration": float64(m.MaxDrawdownDuration),
		"trade_count":           float64(m.TradeCount),
		"winning_trades":        float64(m.WinningTrades),
		"losing_trades":         float64(m.LosingTrades),
	}
	add := func(name string, v *float64) {
		if v != nil {
			out[name] = *v
		}
	}
	add("annualized_return", m.AnnualizedReturn)
	add("volatility", m.Volatility)
	add("sharpe_ratio", m.SharpeRatio)
	add("sortino_ratio", m.SortinoRatio)
	add("calmar_ratio", m.CalmarRatio)
	add("win_rate", m.WinRate)
	add("avg_win", m.AvgWin)
	add("avg_loss", m.AvgLoss)
	add("profit_factor", m.ProfitFactor)
	add("largest_win", m.LargestWin)
	add("largest_loss", m.LargestLoss)
	return out
}

// barReturns is the simple per-bar percentage change of equity. Bars where
// the prior equity is non-positive contribute no return.
func barReturns(equity []float64) []float64 {
	returns := make([]float64, 0, len(equity))
	for i := 1; i < len(equity); i++ {
		if equity[i-1] > 0 {
			returns = append(returns, equity[i]/equity[i-1]-1)
		}
	}
	return returns
}

// annualize compounds the total return over the observed span: nil when the
// span is empty or the compounding base is non-positive.
func annualize(totalReturn float64, periods int, periodsPerYear float64) *float64 {
	if periods == 0 {
		return nil
	}
	base := 1 + totalReturn
	if base <= 0 {
		return nil
	}
	years := float64(periods) / periodsPerYear
	return ptr(math.Pow(base, 1/years) - 1)
}

// sharpe is mean return over sample standard deviation, scaled by the square
// root of periods per year. Undefined on fewer than two returns or zero
// variance.
func sharpe(returns []float64, periodsPerYear float64) *float64 {
	sd, ok := stdDev(returns)
	if !ok || sd == 0 {
		return nil
	}
	return ptr(mean(returns) / sd * math.Sqrt(periodsPerYear))
}

// sortino replaces the denominator with the standard deviation of negative
// returns only. Undefined when there is no downside to measure.
func sortino(returns []float64, periodsPerYear float64) *float64 {
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	sd, ok := stdDev(downside)
	if !ok || sd == 0 {
		return nil
	}
	return ptr(mean(returns) / sd * math.Sqrt(periodsPerYear))
}

// maxDrawdown returns the deepest peak-to-trough loss as a fraction of the
// running peak, and the length in bars of the longest stretch spent below a
// prior peak. The fraction is capped at 1: equity marked below zero mid-trade
// counts as a full loss of the peak, never more.
func maxDrawdown(equity []float64) (float64, int) {
	var (
		peak        = equity[0]
		maxDD       float64
		maxDuration int
		duration    int
	)
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if v < peak {
			duration++
			if duration > maxDuration {
				maxDuration = duration
			}
			if peak > 0 {
				dd := (peak - v) / peak
				if dd > 1 {
					dd = 1
				}
				if dd > maxDD {
					maxDD = dd
				}
			}
		} else {
			duration = 0
		}
	}
	return maxDD, maxDuration
}

func tradeStats(m *Metrics, trades []backtest.Trade) {
	m.TradeCount = len(trades)
	if len(trades) == 0 {
		return
	}

	var (
		grossWin, grossLoss float64
		largestW, largestL  float64
		haveWin, haveLoss   bool
	)
	for _, t := range trades {
		pnl := t.Pnl.InexactFloat64()
		if pnl > 0 {
			m.WinningTrades++
			grossWin += pnl
			if !haveWin || pnl > largestW {
				largestW = pnl
				haveWin = true
			}
		} else if pnl < 0 {
			m.LosingTrades++
			grossLoss += -pnl
			if !haveLoss || pnl < largestL {
				largestL = pnl
				haveLoss = true
			}
		}
	}

	m.WinRate = ptr(float64(m.WinningTrades) / float64(len(trades)))
	if m.WinningTrades > 0 {
		m.AvgWin = ptr(grossWin / float64(m.WinningTrades))
		m.LargestWin = ptr(largestW)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = ptr(-grossLoss / float64(m.LosingTrades))
		m.LargestLoss = ptr(largestL)
	}
	if grossLoss > 0 {
		m.ProfitFactor = ptr(grossWin / grossLoss)
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the sample standard deviation (n-1 denominator); ok is false on
// fewer than two values.
func stdDev(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	mu := mean(values)
	var ss float64
	for _, v := range values {
		d := v - mu
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1)), true
}

func ptr(v float64) *float64 { return &v }
