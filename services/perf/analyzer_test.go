package perf

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"quantlab/services/backtest"
)

func curveOf(equities ...float64) []backtest.EquityPoint {
	out := make([]backtest.EquityPoint, len(equities))
	for i, e := range equities {
		out[i] = backtest.EquityPoint{
			Timestamp: int64(i+1) * 24 * 60 * 60 * 1000,
			Equity:    decimal.NewFromFloat(e),
		}
	}
	return out
}

func tradeWithPnl(pnl float64) backtest.Trade {
	return backtest.Trade{Pnl: decimal.NewFromFloat(pnl)}
}

func TestAnalyzeEmptyCurve(t *testing.T) {
	if _, err := Analyze(nil, nil, 252); !errors.Is(err, ErrEmptyCurve) {
		t.Fatalf("err = %v, want ErrEmptyCurve", err)
	}
}

func TestFlatCurveNullableMetrics(t *testing.T) {
	m, err := Analyze(curveOf(100, 100, 100, 100), nil, 252)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if m.TotalReturn != 0 {
		t.Errorf("total return = %v, want 0", m.TotalReturn)
	}
	if m.SharpeRatio != nil {
		t.Error("Sharpe should be nil on zero variance")
	}
	if m.SortinoRatio != nil {
		t.Error("Sortino should be nil with no downside")
	}
	if m.WinRate != nil {
		t.Error("win rate should be nil with zero trades")
	}
	if m.MaxDrawdown != 0 || m.MaxDrawdownDuration != 0 {
		t.Errorf("drawdown = %v/%d, want 0/0", m.MaxDrawdown, m.MaxDrawdownDuration)
	}
}

func TestNullMetricsRenderAsJSONNull(t *testing.T) {
	m, err := Analyze(curveOf(100, 100, 100), nil, 252)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"sharpe_ratio":null`) {
		t.Errorf("expected sharpe_ratio null in %s", data)
	}
	if !strings.Contains(string(data), `"win_rate":null`) {
		t.Errorf("expected win_rate null in %s", data)
	}
}

func TestTotalReturnAndDrawdown(t *testing.T) {
	// Peak 120, trough 90: drawdown 25% lasting 2 bars below the peak.
	m, err := Analyze(curveOf(100, 120, 90, 110, 130), nil, 252)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if math.Abs(m.TotalReturn-0.3) > 1e-9 {
		t.Errorf("total return = %v, want 0.3", m.TotalReturn)
	}
	if math.Abs(m.MaxDrawdown-0.25) > 1e-9 {
		t.Errorf("max drawdown = %v, want 0.25", m.MaxDrawdown)
	}
	if m.MaxDrawdown < 0 || m.MaxDrawdown > 1 {
		t.Errorf("max drawdown %v outside [0, 1]", m.MaxDrawdown)
	}
	if m.MaxDrawdownDuration != 2 {
		t.Errorf("drawdown duration = %d, want 2", m.MaxDrawdownDuration)
	}
	if m.SharpeRatio == nil {
		t.Fatal("Sharpe should be defined on a varying curve")
	}
}

func TestMaxDrawdownClampedAtFullLoss(t *testing.T) {
	// A short moving against the account can mark equity below zero mid-run;
	// the drawdown fraction still stays within [0, 1].
	m, err := Analyze(curveOf(100, -50, 10), nil, 252)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if m.MaxDrawdown != 1 {
		t.Errorf("max drawdown = %v, want 1 with equity below zero", m.MaxDrawdown)
	}
	if m.MaxDrawdown < 0 || m.MaxDrawdown > 1 {
		t.Errorf("max drawdown %v outside [0, 1]", m.MaxDrawdown)
	}
	if m.MaxDrawdownDuration != 2 {
		t.Errorf("drawdown duration = %d, want 2", m.MaxDrawdownDuration)
	}
}

func TestTradeStats(t *testing.T) {
	trades := []backtest.Trade{
		tradeWithPnl(100),
		tradeWithPnl(300),
		tradeWithPnl(-200),
		tradeWithPnl(-50),
	}
	m, err := Analyze(curveOf(100, 101, 102, 103), trades, 252)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if m.TradeCount != 4 || m.WinningTrades != 2 || m.LosingTrades != 2 {
		t.Fatalf("counts = %d/%d/%d, want 4/2/2", m.TradeCount, m.WinningTrades, m.LosingTrades)
	}
	check := func(name string, got *float64, want float64) {
		t.Helper()
		if got == nil {
			t.Fatalf("%s is nil", name)
		}
		if math.Abs(*got-want) > 1e-9 {
			t.Errorf("%s = %v, want %v", name, *got, want)
		}
	}
	check("win rate", m.WinRate, 0.5)
	check("avg win", m.AvgWin, 200)
	check("avg loss", m.AvgLoss, -125)
	check("profit factor", m.ProfitFactor, 400.0/250.0)
	check("largest win", m.LargestWin, 300)
	check("largest loss", m.LargestLoss, -200)
}

func TestProfitFactorNilWithoutLosses(t *testing.T) {
	m, err := Analyze(curveOf(100, 110, 120), []backtest.Trade{tradeWithPnl(100)}, 252)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if m.ProfitFactor != nil {
		t.Error("profit factor should be nil with zero gross loss")
	}
	if m.AvgLoss != nil || m.LargestLoss != nil {
		t.Error("loss metrics should be nil with no losing trades")
	}
}

func TestReportOmitsNilMetrics(t *testing.T) {
	m, err := Analyze(curveOf(100, 100, 100), nil, 252)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	report := m.Report()
	if _, ok := report["sharpe_ratio"]; ok {
		t.Error("report should omit the undefined sharpe_ratio")
	}
	if _, ok := report["total_return"]; !ok {
		t.Error("report should always carry total_return")
	}
}
