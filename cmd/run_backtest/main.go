// Run one strategy backtest over a CSV price file and print the performance
// summary.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantlab/services/backtest"
	"quantlab/services/market"
	"quantlab/services/perf"
	"quantlab/services/store"
	"quantlab/strategies"
)

func main() {
	var (
		csvFile     = flag.String("csv", "", "Path to CSV file with OHLCV data")
		symbol      = flag.String("symbol", "BTCUSDT", "Symbol label for the series")
		template    = flag.String("template", "MA_CROSSOVER", "Strategy template id")
		paramsFlag  = flag.String("params", "", "Strategy parameters as k=v,k=v (e.g. 'fast_period=10,slow_period=30')")
		capital     = flag.Float64("capital", 100000, "Initial capital")
		commission  = flag.Float64("commission", 0.001, "Commission rate as a fraction of notional")
		slipMode    = flag.String("slippage-mode", "none", "Slippage model: 'none', 'fixed-bps', or 'volume-proportional'")
		slipBps     = flag.Float64("slippage-bps", 5, "Slippage basis points (impact bps for volume-proportional)")
		entryMode   = flag.String("entry-mode", "next-open", "Execution lag: 'next-open' or 'signal-close'")
		allowShort  = flag.Bool("allow-short", false, "Let sell signals open short positions")
		exportDir   = flag.String("export", "", "If set, write equity/trades Parquet files under this directory")
		printTrades = flag.Bool("print-trades", false, "Print the full trade ledger as JSON")
	)
	flag.Parse()

	if *csvFile == "" {
		fmt.Println("Error: -csv flag is required")
		flag.Usage()
		os.Exit(1)
	}

	series, err := market.LoadCSV(*symbol, *csvFile)
	if err != nil {
		log.Fatalf("Failed to load CSV: %v", err)
	}
	log.Printf("Loaded %d bars for %s", series.Len(), series.Symbol)

	params, err := parseParams(*paramsFlag)
	if err != nil {
		log.Fatalf("Bad -params: %v", err)
	}
	rules, err := strategies.Resolve(strategies.TemplateID(*template), params)
	if err != nil {
		log.Fatalf("Failed to resolve template: %v", err)
	}

	gen := &strategies.Generator{Rules: rules, AllowShort: *allowShort}
	signals, err := gen.Generate(series)
	if err != nil {
		log.Fatalf("Signal generation failed: %v", err)
	}

	cfg := backtest.Config{
		InitialCapital: decimal.NewFromFloat(*capital),
		CommissionRate: decimal.NewFromFloat(*commission),
		AllowShort:     *allowShort,
	}
	if *entryMode == "signal-close" {
		cfg.Lag = backtest.LagSameBarClose
	}
	switch *slipMode {
	case "none":
	case "fixed-bps":
		cfg.Slippage = backtest.FixedBps{Bps: decimal.NewFromFloat(*slipBps)}
	case "volume-proportional":
		cfg.Slippage = backtest.VolumeProportional{
			ImpactBps: decimal.NewFromFloat(*slipBps),
			MaxBps:    decimal.NewFromFloat(*slipBps * 10),
		}
	default:
		log.Fatalf("Unknown slippage mode: %s", *slipMode)
	}

	result, err := backtest.Run(series, signals, cfg)
	if err != nil {
		log.Fatalf("Backtest failed: %v", err)
	}
	metrics, err := perf.Analyze(result.EquityCurve, result.Trades, series.PeriodsPerYear())
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	fmt.Printf("=== %s | %s ===\n", series.Symbol, *template)
	fmt.Printf("Initial capital: %s\n", result.InitialCapital)
	fmt.Printf("Final equity:    %s\n", result.FinalEquity)
	fmt.Printf("Trades:          %d (rejected signals: %d)\n", len(result.Trades), len(result.Rejected))
	out, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		log.Fatalf("Marshal metrics: %v", err)
	}
	fmt.Println(string(out))

	if *printTrades {
		ledger, err := json.MarshalIndent(result.Trades, "", "  ")
		if err != nil {
			log.Fatalf("Marshal trades: %v", err)
		}
		fmt.Println(string(ledger))
	}

	if *exportDir != "" {
		runID := uuid.New().String()
		if err := store.NewResultStore(*exportDir).WriteRun(runID, result); err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		log.Printf("Exported run %s under %s/runs/%s", runID, *exportDir, runID)
	}
}

// parseParams turns "fast_period=10,slow_period=30" into a parameter map.
func parseParams(s string) (map[string]float64, error) {
	params := map[string]float64{}
	if strings.TrimSpace(s) == "" {
		return params, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("value of %q: %w", k, err)
		}
		params[strings.TrimSpace(k)] = f
	}
	return params, nil
}
