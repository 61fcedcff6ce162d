// Package optimize sweeps a strategy's parameter grid, running the full
// signal/backtest/analysis pipeline once per combination and ranking the
// outcomes.
//
// Combinations share only the read-only series and the concurrency-safe
// indicator cache; every run gets its own generator and engine, so a failing
// combination is reported and skipped without touching its neighbors.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quantlab/services/backtest"
	"quantlab/services/indicator"
	"quantlab/services/market"
	"quantlab/services/perf"
	"quantlab/strategies"
)

var ErrEmptyGrid = errors.New("optimize: empty parameter grid")

// Grid maps a parameter name to its candidate values. The sweep enumerates
// the cartesian product of all value lists.
type Grid map[string][]float64

// Request describes one sweep.
type Request struct {
	Template  strategies.TemplateID
	Series    *market.Series
	Grid      Grid
	Objective string // metric name from perf.Metrics.Report, e.g. "sharpe_ratio"

	Backtest backtest.Config

	// MaxCombinations caps the sweep; when the grid product exceeds it, a
	// seeded random subsample of that size is evaluated instead. Zero means
	// no cap.
	MaxCombinations int
	Seed            int64
	Workers         int
	Timeout         time.Duration
	// TopK trims the ranked list; zero keeps everything.
	TopK int

	AllowShort bool
}

// Result is one evaluated combination.
type Result struct {
	Params    map[string]float64 `json:"params"`
	Metrics   *perf.Metrics      `json:"metrics"`
	Objective *float64           `json:"objective"`
	Rank      int                `json:"rank"`
}

// Failure records a combination whose run errored.
type Failure struct {
	Params map[string]float64 `json:"params"`
	Err    string             `json:"error"`
}

// Sweep is the outcome of one Search call.
type Sweep struct {
	ID        string    `json:"id"`
	Template  string    `json:"template"`
	Objective string    `json:"objective"`
	Seed      int64     `json:"seed"`
	Evaluated int       `json:"evaluated"`
	Truncated bool      `json:"truncated"` // cancelled or timed out before finishing
	Results   []Result  `json:"results"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Search evaluates the grid and returns results ranked by the objective,
// descending. Ties rank the lower max drawdown first, then the fewer trades.
// Combinations whose objective is undefined rank after all defined ones.
// Cancellation or timeout stops scheduling new combinations; whatever
// finished is still ranked and returned.
func Search(ctx context.Context, logger *zap.Logger, cache *indicator.Cache, req Request) (*Sweep, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	combos, err := combinations(req.Grid)
	if err != nil {
		return nil, err
	}

	sweep := &Sweep{
		ID:        uuid.New().String(),
		Template:  string(req.Template),
		Objective: req.Objective,
		Seed:      req.Seed,
	}
	if req.MaxCombinations > 0 && len(combos) > req.MaxCombinations {
		combos = subsample(combos, req.MaxCombinations, req.Seed)
		logger.Info("grid capped to random subsample",
			zap.String("sweep_id", sweep.ID),
			zap.Int("max_combinations", req.MaxCombinations),
			zap.Int64("seed", req.Seed))
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	workers := req.Workers
	if workers <= 0 {
		workers = 4
	}
	logger.Info("starting parameter sweep",
		zap.String("sweep_id", sweep.ID),
		zap.String("template", string(req.Template)),
		zap.String("objective", req.Objective),
		zap.Int("combinations", len(combos)),
		zap.Int("workers", workers))

	ppy := req.Series.PeriodsPerYear()
	outcomes := make([]*Result, len(combos))
	failures := make([]*Failure, len(combos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, params := range combos {
		i, params := i, params
		if gctx.Err() != nil {
			sweep.Truncated = true
			break
		}
		g.Go(func() error {
			res, err := evaluate(req, cache, params, ppy)
			if err != nil {
				logger.Warn("combination failed",
					zap.String("sweep_id", sweep.ID),
					zap.Any("params", params),
					zap.Error(err))
				failures[i] = &Failure{Params: params, Err: err.Error()}
				return nil
			}
			outcomes[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if ctx.Err() != nil {
		sweep.Truncated = true
	}

	for _, r := range outcomes {
		if r != nil {
			sweep.Results = append(sweep.Results, *r)
			sweep.Evaluated++
		}
	}
	for _, f := range failures {
		if f != nil {
			sweep.Failures = append(sweep.Failures, *f)
			sweep.Evaluated++
		}
	}

	rank(sweep.Results)
	if req.TopK > 0 && len(sweep.Results) > req.TopK {
		sweep.Results = sweep.Results[:req.TopK]
	}

	logger.Info("sweep finished",
		zap.String("sweep_id", sweep.ID),
		zap.Int("ranked", len(sweep.Results)),
		zap.Int("failed", len(sweep.Failures)),
		zap.Bool("truncated", sweep.Truncated))
	return sweep, nil
}

// evaluate runs one combination through the full pipeline.
func evaluate(req Request, cache *indicator.Cache, params map[string]float64, periodsPerYear float64) (*Result, error) {
	rules, err := strategies.Resolve(req.Template, params)
	if err != nil {
		return nil, err
	}
	gen := &strategies.Generator{Rules: rules, Cache: cache, AllowShort: req.AllowShort}
	signals, err := gen.Generate(req.Series)
	if err != nil {
		return nil, err
	}
	run, err := backtest.Run(req.Series, signals, req.Backtest)
	if err != nil {
		return nil, err
	}
	metrics, err := perf.Analyze(run.EquityCurve, run.Trades, periodsPerYear)
	if err != nil {
		return nil, err
	}

	res := &Result{Params: params, Metrics: metrics}
	if v, ok := metrics.Report()[req.Objective]; ok {
		obj := v
		res.Objective = &obj
	}
	return res, nil
}

// combinations enumerates the cartesian product over sorted key order, so
// the output is deterministic for a given grid.
func combinations(grid Grid) ([]map[string]float64, error) {
	if len(grid) == 0 {
		return nil, ErrEmptyGrid
	}
	keys := make([]string, 0, len(grid))
	for k, values := range grid {
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: no values for %q", ErrEmptyGrid, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []map[string]float64{{}}
	for _, k := range keys {
		next := make([]map[string]float64, 0, len(combos)*len(grid[k]))
		for _, base := range combos {
			for _, v := range grid[k] {
				c := make(map[string]float64, len(base)+1)
				for bk, bv := range base {
					c[bk] = bv
				}
				c[k] = v
				next = append(next, c)
			}
		}
		combos = next
	}
	return combos, nil
}

// subsample picks n combinations with a seeded shuffle, so a recorded seed
// reproduces the same sweep.
func subsample(combos []map[string]float64, n int, seed int64) []map[string]float64 {
	rng := rand.New(rand.NewSource(seed))
	idx := rng.Perm(len(combos))[:n]
	sort.Ints(idx)
	out := make([]map[string]float64, 0, n)
	for _, i := range idx {
		out = append(out, combos[i])
	}
	return out
}

// rank orders results by objective descending, breaking ties toward lower
// max drawdown and then fewer trades, and stamps 1-based ranks.
func rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		switch {
		case a.Objective == nil && b.Objective == nil:
		case a.Objective == nil:
			return false
		case b.Objective == nil:
			return true
		case *a.Objective != *b.Objective:
			return *a.Objective > *b.Objective
		}
		if a.Metrics.MaxDrawdown != b.Metrics.MaxDrawdown {
			return a.Metrics.MaxDrawdown < b.Metrics.MaxDrawdown
		}
		return a.Metrics.TradeCount < b.Metrics.TradeCount
	})
	for i := range results {
		results[i].Rank = i + 1
	}
}
