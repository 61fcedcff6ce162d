// Load OHLCV CSV files into the ClickHouse bar warehouse. Re-running over
// the same files is safe: the table dedups on (symbol, interval, timestamp).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"quantlab/services/clickhouse"
	"quantlab/services/market"
)

func mustEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		symbol   = flag.String("symbol", "", "Symbol the files belong to")
		interval = flag.String("interval", "1d", "Interval label to store under (e.g. 1m, 1h, 1d)")
	)
	flag.Parse()

	if *symbol == "" || flag.NArg() == 0 {
		fmt.Println("Usage: ingest -symbol SYM [-interval 1d] file.csv [file.csv ...]")
		flag.Usage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	client, err := clickhouse.Open(ctx, clickhouse.Options{
		Addr:     mustEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		Database: mustEnv("CH_DATABASE", "quantlab"),
		Table:    mustEnv("CH_TABLE", "bars"),
		Username: mustEnv("CH_USER", "default"),
		Password: mustEnv("CH_PASSWORD", ""),
	}, logger)
	if err != nil {
		logger.Fatal("clickhouse connect failed", zap.Error(err))
	}
	defer client.Close()

	if err := client.EnsureSchema(ctx); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	var total int
	for _, path := range flag.Args() {
		series, err := market.LoadCSV(*symbol, path)
		if err != nil {
			// Non-fatal: continue other files.
			logger.Warn("skipping file", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := client.InsertBars(ctx, series, *interval); err != nil {
			logger.Warn("insert failed", zap.String("path", path), zap.Error(err))
			continue
		}
		total += series.Len()
	}
	logger.Info("ingest finished", zap.String("symbol", *symbol), zap.Int("rows", total))
}
