package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"quantlab/services/backtest"
)

// ResultStore exports backtest artifacts as Parquet files for downstream
// notebooks and dashboards.
type ResultStore struct {
	DataDir string
}

func NewResultStore(dataDir string) *ResultStore {
	return &ResultStore{DataDir: dataDir}
}

// EquityRecord is the Parquet schema for one equity curve point.
type EquityRecord struct {
	RunID         string  `parquet:"run_id"`
	Symbol        string  `parquet:"symbol"`
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Cash          float64 `parquet:"cash"`
	PositionValue float64 `parquet:"position_value"`
	Equity        float64 `parquet:"equity"`
}

// TradeRecord is the Parquet schema for one closed trade.
type TradeRecord struct {
	RunID          string  `parquet:"run_id"`
	Symbol         string  `parquet:"symbol"`
	Direction      string  `parquet:"direction"`
	EntryTimestamp int64   `parquet:"entry_timestamp,timestamp(millisecond)"` // Unix ms
	ExitTimestamp  int64   `parquet:"exit_timestamp,timestamp(millisecond)"`  // Unix ms
	Quantity       float64 `parquet:"quantity"`
	EntryPrice     float64 `parquet:"entry_price"`
	ExitPrice      float64 `parquet:"exit_price"`
	Commission     float64 `parquet:"commission"`
	Slippage       float64 `parquet:"slippage"`
	Pnl            float64 `parquet:"pnl"`
	ExitReason     string  `parquet:"exit_reason"`
}

// WriteRun exports one backtest result under <DataDir>/runs/<runID>/.
func (s *ResultStore) WriteRun(runID string, res *backtest.Result) error {
	equity := make([]EquityRecord, 0, len(res.EquityCurve))
	for _, p := range res.EquityCurve {
		equity = append(equity, EquityRecord{
			RunID:         runID,
			Symbol:        res.Symbol,
			Timestamp:     p.Timestamp,
			Cash:          p.Cash.InexactFloat64(),
			PositionValue: p.PositionValue.InexactFloat64(),
			Equity:        p.Equity.InexactFloat64(),
		})
	}
	if err := writeParquetFile(s.runPath(runID, "equity.parquet"), equity); err != nil {
		return fmt.Errorf("writing equity curve: %w", err)
	}

	trades := make([]TradeRecord, 0, len(res.Trades))
	for _, t := range res.Trades {
		trades = append(trades, TradeRecord{
			RunID:          runID,
			Symbol:         t.Symbol,
			Direction:      t.DirectionLabel,
			EntryTimestamp: t.EntryTimestamp,
			ExitTimestamp:  t.ExitTimestamp,
			Quantity:       t.Quantity.InexactFloat64(),
			EntryPrice:     t.EntryPrice.InexactFloat64(),
			ExitPrice:      t.ExitPrice.InexactFloat64(),
			Commission:     t.Commission.InexactFloat64(),
			Slippage:       t.Slippage.InexactFloat64(),
			Pnl:            t.Pnl.InexactFloat64(),
			ExitReason:     t.ExitReason,
		})
	}
	if len(trades) == 0 {
		// parquet.WriteFile needs at least one row to infer the schema; an
		// all-HOLD run simply has no trades file.
		return nil
	}
	if err := writeParquetFile(s.runPath(runID, "trades.parquet"), trades); err != nil {
		return fmt.Errorf("writing trade ledger: %w", err)
	}
	return nil
}

// ReadEquity loads a previously exported equity curve.
func (s *ResultStore) ReadEquity(runID string) ([]EquityRecord, error) {
	return parquet.ReadFile[EquityRecord](s.runPath(runID, "equity.parquet"))
}

// ReadTrades loads a previously exported trade ledger. A run with no trades
// has no file; that reads back as an empty ledger.
func (s *ResultStore) ReadTrades(runID string) ([]TradeRecord, error) {
	path := s.runPath(runID, "trades.parquet")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return parquet.ReadFile[TradeRecord](path)
}

func (s *ResultStore) runPath(runID, name string) string {
	return filepath.Join(s.DataDir, "runs", runID, name)
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}
