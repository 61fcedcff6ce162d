package optimize

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"quantlab/services/backtest"
	"quantlab/services/indicator"
	"quantlab/services/market"
	"quantlab/strategies"
)

const dayMs = int64(24 * 60 * 60 * 1000)

func testSeries(t *testing.T) *market.Series {
	t.Helper()
	// A dip followed by a sustained rise, so crossover strategies trade.
	closes := make([]float64, 80)
	v := 120.0
	for i := 0; i < 25; i++ {
		v -= 1
		closes[i] = v
	}
	for i := 25; i < 80; i++ {
		v += 2
		closes[i] = v
	}
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			Timestamp: int64(i+1) * dayMs,
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c + 1),
			Low:       decimal.NewFromFloat(c - 1),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromFloat(1000),
		}
	}
	s, err := market.NewSeries("TEST", bars)
	if err != nil {
		t.Fatalf("NewSeries: %v", err)
	}
	return s
}

func baseRequest(t *testing.T, grid Grid) Request {
	return Request{
		Template:  strategies.MACrossover,
		Series:    testSeries(t),
		Grid:      grid,
		Objective: "total_return",
		Backtest:  backtest.Config{InitialCapital: decimal.NewFromInt(100000)},
		Workers:   2,
	}
}

func TestSearchEmptyGrid(t *testing.T) {
	_, err := Search(context.Background(), nil, indicator.NewCache(), baseRequest(t, Grid{}))
	if !errors.Is(err, ErrEmptyGrid) {
		t.Fatalf("err = %v, want ErrEmptyGrid", err)
	}
	_, err = Search(context.Background(), nil, indicator.NewCache(), baseRequest(t, Grid{"fast_period": nil}))
	if !errors.Is(err, ErrEmptyGrid) {
		t.Fatalf("err = %v, want ErrEmptyGrid for a keyed empty list", err)
	}
}

func TestSearchSingleCombination(t *testing.T) {
	grid := Grid{"fast_period": {5}, "slow_period": {20}}
	sweep, err := Search(context.Background(), nil, indicator.NewCache(), baseRequest(t, grid))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(sweep.Results) != 1 {
		t.Fatalf("results = %d, want exactly 1", len(sweep.Results))
	}
	r := sweep.Results[0]
	if r.Rank != 1 {
		t.Errorf("rank = %d, want 1", r.Rank)
	}
	if r.Objective == nil {
		t.Fatal("objective should be defined for total_return")
	}
	if r.Params["fast_period"] != 5 || r.Params["slow_period"] != 20 {
		t.Errorf("params = %v", r.Params)
	}
	if sweep.ID == "" {
		t.Error("sweep should carry an id")
	}
}

func TestSearchRankedDescending(t *testing.T) {
	grid := Grid{"fast_period": {3, 5}, "slow_period": {15, 20}}
	sweep, err := Search(context.Background(), nil, indicator.NewCache(), baseRequest(t, grid))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(sweep.Results) != 4 {
		t.Fatalf("results = %d, want 4", len(sweep.Results))
	}
	for i, r := range sweep.Results {
		if r.Rank != i+1 {
			t.Errorf("result %d has rank %d", i, r.Rank)
		}
		if i == 0 {
			continue
		}
		prev := sweep.Results[i-1]
		if prev.Objective != nil && r.Objective != nil && *prev.Objective < *r.Objective {
			t.Errorf("objective not descending at %d: %v then %v", i, *prev.Objective, *r.Objective)
		}
	}
}

func TestSearchIsolatesFailingCombination(t *testing.T) {
	// fast 30 >= slow 20 is invalid and must fail alone.
	grid := Grid{"fast_period": {5, 30}, "slow_period": {20}}
	sweep, err := Search(context.Background(), nil, indicator.NewCache(), baseRequest(t, grid))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(sweep.Results) != 1 {
		t.Fatalf("results = %d, want 1 surviving combination", len(sweep.Results))
	}
	if len(sweep.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(sweep.Failures))
	}
	if sweep.Failures[0].Params["fast_period"] != 30 {
		t.Errorf("failed params = %v, want the invalid combination", sweep.Failures[0].Params)
	}
}

func TestSearchDeterministicWithSeed(t *testing.T) {
	grid := Grid{"fast_period": {3, 4, 5, 6}, "slow_period": {15, 20, 25}}
	req := baseRequest(t, grid)
	req.MaxCombinations = 5
	req.Seed = 42

	run := func() *Sweep {
		sweep, err := Search(context.Background(), nil, indicator.NewCache(), req)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		return sweep
	}
	a, b := run(), run()
	if len(a.Results)+len(a.Failures) != 5 {
		t.Fatalf("evaluated %d, want the 5-combination cap", len(a.Results)+len(a.Failures))
	}
	if len(a.Results) != len(b.Results) {
		t.Fatalf("runs differ in result count: %d vs %d", len(a.Results), len(b.Results))
	}
	for i := range a.Results {
		ra, rb := a.Results[i], b.Results[i]
		for k, v := range ra.Params {
			if rb.Params[k] != v {
				t.Fatalf("seeded subsample differs at rank %d", i+1)
			}
		}
	}
}

func TestSearchCancelledReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	grid := Grid{"fast_period": {3, 5}, "slow_period": {15, 20}}
	sweep, err := Search(ctx, nil, indicator.NewCache(), baseRequest(t, grid))
	if err != nil {
		t.Fatalf("Search on cancelled context: %v", err)
	}
	if !sweep.Truncated {
		t.Error("sweep should report truncation")
	}
}

func TestCombinationsDeterministicOrder(t *testing.T) {
	grid := Grid{"b": {1, 2}, "a": {10}}
	combos, err := combinations(grid)
	if err != nil {
		t.Fatalf("combinations: %v", err)
	}
	if len(combos) != 2 {
		t.Fatalf("combos = %d, want 2", len(combos))
	}
	if combos[0]["b"] != 1 || combos[1]["b"] != 2 {
		t.Errorf("combos out of order: %v", combos)
	}
}
