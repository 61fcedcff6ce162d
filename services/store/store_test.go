package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"quantlab/services/backtest"
	"quantlab/services/optimize"
	"quantlab/services/perf"
)

func sampleSweep() *optimize.Sweep {
	obj := 1.25
	return &optimize.Sweep{
		ID:        "sweep-test-1",
		Template:  "MA_CROSSOVER",
		Objective: "sharpe_ratio",
		Seed:      42,
		Evaluated: 2,
		Results: []optimize.Result{
			{
				Rank:      1,
				Params:    map[string]float64{"fast_period": 5, "slow_period": 20},
				Objective: &obj,
				Metrics:   &perf.Metrics{TotalReturn: 0.3, MaxDrawdown: 0.1, TradeCount: 4},
			},
			{
				Rank:    2,
				Params:  map[string]float64{"fast_period": 10, "slow_period": 20},
				Metrics: &perf.Metrics{TotalReturn: 0.1, MaxDrawdown: 0.2, TradeCount: 7},
			},
		},
	}
}

func TestSweepJournalRoundTrip(t *testing.T) {
	journal, err := NewSweepJournal(filepath.Join(t.TempDir(), "sweeps.db"))
	if err != nil {
		t.Fatalf("NewSweepJournal: %v", err)
	}
	defer journal.Close()

	ctx := context.Background()
	sw := sampleSweep()
	if err := journal.SaveSweep(ctx, sw); err != nil {
		t.Fatalf("SaveSweep: %v", err)
	}

	sweeps, err := journal.ListSweeps(ctx, 10)
	if err != nil {
		t.Fatalf("ListSweeps: %v", err)
	}
	if len(sweeps) != 1 || sweeps[0].ID != sw.ID {
		t.Fatalf("sweeps = %+v, want the saved one", sweeps)
	}
	if sweeps[0].Seed != 42 || sweeps[0].Evaluated != 2 {
		t.Errorf("header fields lost: %+v", sweeps[0])
	}

	results, err := journal.TopResults(ctx, sw.ID, 10)
	if err != nil {
		t.Fatalf("TopResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	best := results[0]
	if best.Rank != 1 || best.Objective == nil || *best.Objective != 1.25 {
		t.Errorf("best result = %+v", best)
	}
	if best.Params["fast_period"] != 5 {
		t.Errorf("params lost: %v", best.Params)
	}
	if results[1].Objective != nil {
		t.Error("nil objective should survive the round trip as nil")
	}
}

func TestResultStoreRoundTrip(t *testing.T) {
	rs := NewResultStore(t.TempDir())
	res := &backtest.Result{
		Symbol:         "TEST",
		InitialCapital: decimal.NewFromInt(100000),
		FinalEquity:    decimal.NewFromInt(110000),
		EquityCurve: []backtest.EquityPoint{
			{Timestamp: 1000, Cash: decimal.NewFromInt(100000), Equity: decimal.NewFromInt(100000)},
			{Timestamp: 2000, Cash: decimal.NewFromInt(110000), Equity: decimal.NewFromInt(110000)},
		},
		Trades: []backtest.Trade{{
			Symbol:         "TEST",
			DirectionLabel: "long",
			EntryTimestamp: 1000,
			ExitTimestamp:  2000,
			Quantity:       decimal.NewFromInt(10),
			EntryPrice:     decimal.NewFromInt(100),
			ExitPrice:      decimal.NewFromInt(110),
			Pnl:            decimal.NewFromInt(100),
			ExitReason:     "signal",
		}},
	}

	if err := rs.WriteRun("run-1", res); err != nil {
		t.Fatalf("WriteRun: %v", err)
	}

	equity, err := rs.ReadEquity("run-1")
	if err != nil {
		t.Fatalf("ReadEquity: %v", err)
	}
	if len(equity) != 2 || equity[1].Equity != 110000 {
		t.Fatalf("equity = %+v", equity)
	}

	trades, err := rs.ReadTrades("run-1")
	if err != nil {
		t.Fatalf("ReadTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].Pnl != 100 || trades[0].Direction != "long" {
		t.Fatalf("trades = %+v", trades)
	}
}

func TestResultStoreNoTrades(t *testing.T) {
	rs := NewResultStore(t.TempDir())
	res := &backtest.Result{
		Symbol: "TEST",
		EquityCurve: []backtest.EquityPoint{
			{Timestamp: 1000, Equity: decimal.NewFromInt(100000)},
		},
	}
	if err := rs.WriteRun("run-empty", res); err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	trades, err := rs.ReadTrades("run-empty")
	if err != nil {
		t.Fatalf("ReadTrades: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("trades = %d, want 0 for a run without trades", len(trades))
	}
}
