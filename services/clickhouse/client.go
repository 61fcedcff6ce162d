// Package clickhouse stores and serves OHLCV history in ClickHouse. It is a
// thin data collaborator: the research pipeline consumes the Series it
// returns and never talks to the database directly.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quantlab/services/market"
)

// Options configures the connection.
type Options struct {
	Addr     string
	Database string
	Table    string
	Username string
	Password string
}

func (o Options) table() string {
	if o.Table == "" {
		return "bars"
	}
	return o.Table
}

// Client wraps one native-protocol connection.
type Client struct {
	conn  ch.Conn
	opts  Options
	log   *zap.Logger
	table string
}

// Open connects and pings. The caller owns Close.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := ch.Open(&ch.Options{
		Addr: []string{opts.Addr},
		Auth: ch.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: ch.Settings{
			"max_execution_time": uint64(0),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	logger.Info("connected to clickhouse",
		zap.String("addr", opts.Addr),
		zap.String("database", opts.Database))
	return &Client{conn: conn, opts: opts, log: logger, table: opts.table()}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// EnsureSchema creates the database and bars table if missing. The
// ReplacingMergeTree keeps the highest-version row per (symbol, interval,
// timestamp), so re-ingesting a file is idempotent.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.opts.Database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			symbol String,
			interval LowCardinality(String),
			timestamp_ms UInt64,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			ingested_at DateTime64(3),
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, interval, timestamp_ms)
		SETTINGS index_granularity = 8192
	`, c.opts.Database, c.table)
	return c.conn.Exec(ctx, ddl)
}

// InsertBars writes one series under the given interval label in a single
// batch. All rows of the batch share a version, so the last successful
// ingest of a series wins.
func (c *Client) InsertBars(ctx context.Context, s *market.Series, interval string) error {
	batch, err := c.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s.%s SETTINGS insert_deduplicate=1", c.opts.Database, c.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	now := time.Now().UTC()
	ver := uint64(now.UnixNano())
	for _, b := range s.Bars {
		if err := batch.Append(
			s.Symbol, interval,
			uint64(b.Timestamp),
			b.Open.InexactFloat64(),
			b.High.InexactFloat64(),
			b.Low.InexactFloat64(),
			b.Close.InexactFloat64(),
			b.Volume.InexactFloat64(),
			now,
			ver,
		); err != nil {
			return fmt.Errorf("batch append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("batch send: %w", err)
	}
	c.log.Info("inserted bars",
		zap.String("symbol", s.Symbol),
		zap.String("interval", interval),
		zap.Int("rows", s.Len()))
	return nil
}

// QueryBars reads one symbol's bars in [startMs, endMs] (zero endMs means no
// upper bound) and returns them as a validated Series. FINAL collapses
// ReplacingMergeTree duplicates at read time.
func (c *Client) QueryBars(ctx context.Context, symbol, interval string, startMs, endMs int64) (*market.Series, error) {
	q := fmt.Sprintf(`
		SELECT timestamp_ms, open, high, low, close, volume
		FROM %s.%s FINAL
		WHERE symbol = ? AND interval = ? AND timestamp_ms >= ?
	`, c.opts.Database, c.table)
	args := []any{symbol, interval, uint64(startMs)}
	if endMs > 0 {
		q += " AND timestamp_ms <= ?"
		args = append(args, uint64(endMs))
	}
	q += " ORDER BY timestamp_ms"

	rows, err := c.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []market.Bar
	for rows.Next() {
		var (
			ts                  uint64
			o, h, l, cl, volume float64
		)
		if err := rows.Scan(&ts, &o, &h, &l, &cl, &volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, market.Bar{
			Timestamp: int64(ts),
			Open:      decimal.NewFromFloat(o),
			High:      decimal.NewFromFloat(h),
			Low:       decimal.NewFromFloat(l),
			Close:     decimal.NewFromFloat(cl),
			Volume:    decimal.NewFromFloat(volume),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read bars: %w", err)
	}
	return market.NewSeries(symbol, bars)
}
