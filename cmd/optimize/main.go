// Sweep a strategy's parameter grid over a CSV price file and print the
// ranked results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quantlab/services/backtest"
	"quantlab/services/indicator"
	"quantlab/services/market"
	"quantlab/services/optimize"
	"quantlab/services/store"
	"quantlab/strategies"
)

func main() {
	var (
		csvFile    = flag.String("csv", "", "Path to CSV file with OHLCV data")
		symbol     = flag.String("symbol", "BTCUSDT", "Symbol label for the series")
		template   = flag.String("template", "MA_CROSSOVER", "Strategy template id")
		gridFlag   = flag.String("grid", "", "Parameter grid as k=v1|v2|v3,k=v1|v2 (e.g. 'fast_period=5|10,slow_period=20|30')")
		objective  = flag.String("objective", "sharpe_ratio", "Metric to rank by (a perf report key)")
		capital    = flag.Float64("capital", 100000, "Initial capital")
		commission = flag.Float64("commission", 0.001, "Commission rate as a fraction of notional")
		workers    = flag.Int("workers", 4, "Concurrent combinations")
		maxCombos  = flag.Int("max-combinations", 0, "Cap on evaluated combinations (0 = no cap)")
		seed       = flag.Int64("seed", 1, "Seed for the subsample when the grid exceeds the cap")
		timeout    = flag.Duration("timeout", 0, "Wall-clock limit for the sweep (0 = none)")
		topK       = flag.Int("top", 10, "How many ranked results to print (0 = all)")
		allowShort = flag.Bool("allow-short", false, "Let sell signals open short positions")
		journalDB  = flag.String("journal", "", "If set, record the sweep in this SQLite journal")
	)
	flag.Parse()

	if *csvFile == "" || *gridFlag == "" {
		fmt.Println("Error: -csv and -grid flags are required")
		flag.Usage()
		os.Exit(1)
	}

	series, err := market.LoadCSV(*symbol, *csvFile)
	if err != nil {
		log.Fatalf("Failed to load CSV: %v", err)
	}

	grid, err := parseGrid(*gridFlag)
	if err != nil {
		log.Fatalf("Bad -grid: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	req := optimize.Request{
		Template:  strategies.TemplateID(*template),
		Series:    series,
		Grid:      grid,
		Objective: *objective,
		Backtest: backtest.Config{
			InitialCapital: decimal.NewFromFloat(*capital),
			CommissionRate: decimal.NewFromFloat(*commission),
			AllowShort:     *allowShort,
		},
		MaxCombinations: *maxCombos,
		Seed:            *seed,
		Workers:         *workers,
		Timeout:         *timeout,
		TopK:            *topK,
		AllowShort:      *allowShort,
	}

	sweep, err := optimize.Search(context.Background(), logger, indicator.NewCache(), req)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}

	fmt.Printf("=== sweep %s | %s on %s | objective %s ===\n", sweep.ID, *template, series.Symbol, *objective)
	for _, r := range sweep.Results {
		obj := "n/a"
		if r.Objective != nil {
			obj = strconv.FormatFloat(*r.Objective, 'f', 4, 64)
		}
		params, _ := json.Marshal(r.Params)
		fmt.Printf("#%-3d %s=%s  max_dd=%.4f trades=%d  %s\n",
			r.Rank, *objective, obj, r.Metrics.MaxDrawdown, r.Metrics.TradeCount, params)
	}
	if len(sweep.Failures) > 0 {
		fmt.Printf("%d combinations failed\n", len(sweep.Failures))
	}
	if sweep.Truncated {
		fmt.Println("sweep truncated before completion; partial ranking shown")
	}

	if *journalDB != "" {
		journal, err := store.NewSweepJournal(*journalDB)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		defer journal.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := journal.SaveSweep(ctx, sweep); err != nil {
			log.Fatalf("Failed to journal sweep: %v", err)
		}
		log.Printf("Journaled sweep %s to %s", sweep.ID, *journalDB)
	}
}

// parseGrid turns "fast_period=5|10,slow_period=20|30" into a grid.
func parseGrid(s string) (optimize.Grid, error) {
	grid := optimize.Grid{}
	for _, pair := range strings.Split(s, ",") {
		k, vs, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		for _, v := range strings.Split(vs, "|") {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("value of %q: %w", k, err)
			}
			grid[strings.TrimSpace(k)] = append(grid[strings.TrimSpace(k)], f)
		}
	}
	return grid, nil
}
