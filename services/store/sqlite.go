// Package store persists research artifacts: a SQLite journal of parameter
// sweeps and Parquet exports of equity curves and trade ledgers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"quantlab/services/optimize"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS sweeps (
	id          TEXT PRIMARY KEY,
	template    TEXT NOT NULL,
	objective   TEXT NOT NULL,
	seed        INTEGER NOT NULL,
	evaluated   INTEGER NOT NULL,
	truncated   INTEGER NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sweep_results (
	sweep_id      TEXT NOT NULL REFERENCES sweeps(id),
	rank          INTEGER NOT NULL,
	params        TEXT NOT NULL,
	objective     REAL,
	total_return  REAL NOT NULL,
	max_drawdown  REAL NOT NULL,
	trade_count   INTEGER NOT NULL,
	PRIMARY KEY (sweep_id, rank)
);
`

// SweepJournal records finished sweeps so past searches can be compared
// without re-running them.
type SweepJournal struct {
	db *sql.DB
}

// NewSweepJournal opens (or creates) the journal database at path.
func NewSweepJournal(path string) (*SweepJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &SweepJournal{db: db}, nil
}

func (j *SweepJournal) Close() error { return j.db.Close() }

// SaveSweep writes the sweep header and all ranked results in one
// transaction.
func (j *SweepJournal) SaveSweep(ctx context.Context, sw *optimize.Sweep) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sweeps (id, template, objective, seed, evaluated, truncated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sw.ID, sw.Template, sw.Objective, sw.Seed, sw.Evaluated, boolToInt(sw.Truncated),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert sweep %s: %w", sw.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sweep_results (sweep_id, rank, params, objective, total_return, max_drawdown, trade_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare results: %w", err)
	}
	defer stmt.Close()

	for _, r := range sw.Results {
		params, err := json.Marshal(r.Params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		var objective sql.NullFloat64
		if r.Objective != nil {
			objective = sql.NullFloat64{Float64: *r.Objective, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			sw.ID, r.Rank, string(params), objective,
			r.Metrics.TotalReturn, r.Metrics.MaxDrawdown, r.Metrics.TradeCount,
		); err != nil {
			return fmt.Errorf("insert result rank %d: %w", r.Rank, err)
		}
	}
	return tx.Commit()
}

// SweepSummary is one journal row.
type SweepSummary struct {
	ID        string
	Template  string
	Objective string
	Seed      int64
	Evaluated int
	Truncated bool
	CreatedAt time.Time
}

// ListSweeps returns journal headers, newest first.
func (j *SweepJournal) ListSweeps(ctx context.Context, limit int) ([]SweepSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, template, objective, seed, evaluated, truncated, created_at
		 FROM sweeps ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweeps: %w", err)
	}
	defer rows.Close()

	var out []SweepSummary
	for rows.Next() {
		var (
			s         SweepSummary
			truncated int
			created   string
		)
		if err := rows.Scan(&s.ID, &s.Template, &s.Objective, &s.Seed, &s.Evaluated, &truncated, &created); err != nil {
			return nil, fmt.Errorf("scan sweep: %w", err)
		}
		s.Truncated = truncated != 0
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			s.CreatedAt = t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// JournaledResult is one persisted ranked result.
type JournaledResult struct {
	Rank        int
	Params      map[string]float64
	Objective   *float64
	TotalReturn float64
	MaxDrawdown float64
	TradeCount  int
}

// TopResults returns the best n results of one sweep in rank order.
func (j *SweepJournal) TopResults(ctx context.Context, sweepID string, n int) ([]JournaledResult, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT rank, params, objective, total_return, max_drawdown, trade_count
		 FROM sweep_results WHERE sweep_id = ? ORDER BY rank LIMIT ?`, sweepID, n)
	if err != nil {
		return nil, fmt.Errorf("top results: %w", err)
	}
	defer rows.Close()

	var out []JournaledResult
	for rows.Next() {
		var (
			r         JournaledResult
			params    string
			objective sql.NullFloat64
		)
		if err := rows.Scan(&r.Rank, &params, &objective, &r.TotalReturn, &r.MaxDrawdown, &r.TradeCount); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
		if objective.Valid {
			v := objective.Float64
			r.Objective = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
