// Package server exposes the research pipeline over HTTP: run one backtest,
// sweep a parameter grid, and browse the sweep journal.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quantlab/services/backtest"
	"quantlab/services/clickhouse"
	"quantlab/services/config"
	"quantlab/services/indicator"
	"quantlab/services/market"
	"quantlab/services/optimize"
	"quantlab/services/perf"
	"quantlab/services/store"
	"quantlab/strategies"
)

// Service wires the pipeline to its collaborators. ClickHouse and the
// journal are optional; endpoints needing a missing collaborator report
// DATA_NOT_FOUND instead of failing startup.
type Service struct {
	logger  *zap.Logger
	cfg     *config.Config
	cache   *indicator.Cache
	bars    *clickhouse.Client
	journal *store.SweepJournal
	results *store.ResultStore
}

func New(cfg *config.Config, logger *zap.Logger, bars *clickhouse.Client, journal *store.SweepJournal) *Service {
	return &Service{
		logger:  logger,
		cfg:     cfg,
		cache:   indicator.NewCache(),
		bars:    bars,
		journal: journal,
		results: store.NewResultStore(cfg.Storage.DataDir),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Service) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	api := r.Group("/api/v1")
	{
		api.POST("/backtest", s.handleBacktest)
		api.POST("/optimize", s.handleOptimize)
		api.GET("/sweeps", s.handleListSweeps)
		api.GET("/sweeps/:id", s.handleSweepResults)
	}
	return r
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Service) handleBacktest(c *gin.Context) {
	start := time.Now()
	runID := uuid.New().String()

	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, ErrBadRequest, err)
		return
	}

	series, err := s.loadSeries(c.Request.Context(), req.Data)
	if err != nil {
		s.fail(c, http.StatusNotFound, ErrDataNotFound, err)
		return
	}

	rules, err := strategies.Resolve(strategies.TemplateID(req.Template), req.Params)
	if err != nil {
		s.fail(c, http.StatusBadRequest, ErrInvalidParams, err)
		return
	}
	gen := &strategies.Generator{Rules: rules, Cache: s.cache, AllowShort: req.Config.AllowShort}
	signals, err := gen.Generate(series)
	if err != nil {
		s.fail(c, http.StatusUnprocessableEntity, ErrExecutionError, err)
		return
	}

	btCfg, err := toBacktestConfig(req.Config)
	if err != nil {
		s.fail(c, http.StatusBadRequest, ErrInvalidParams, err)
		return
	}
	result, err := backtest.Run(series, signals, btCfg)
	if err != nil {
		s.fail(c, http.StatusUnprocessableEntity, ErrExecutionError, err)
		return
	}
	metrics, err := perf.Analyze(result.EquityCurve, result.Trades, series.PeriodsPerYear())
	if err != nil {
		s.fail(c, http.StatusUnprocessableEntity, ErrExecutionError, err)
		return
	}

	if req.Export {
		if err := s.results.WriteRun(runID, result); err != nil {
			s.logger.Warn("run export failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	s.logger.Info("backtest completed",
		zap.String("run_id", runID),
		zap.String("symbol", series.Symbol),
		zap.String("template", req.Template),
		zap.Int("trades", len(result.Trades)),
		zap.Duration("elapsed", time.Since(start)))
	c.JSON(http.StatusOK, BacktestResponse{
		RunID:    runID,
		Status:   "completed",
		Result:   result,
		Metrics:  metrics,
		Duration: time.Since(start).String(),
	})
}

func (s *Service) handleOptimize(c *gin.Context) {
	start := time.Now()

	var req OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, ErrBadRequest, err)
		return
	}

	series, err := s.loadSeries(c.Request.Context(), req.Data)
	if err != nil {
		s.fail(c, http.StatusNotFound, ErrDataNotFound, err)
		return
	}
	btCfg, err := toBacktestConfig(req.Config)
	if err != nil {
		s.fail(c, http.StatusBadRequest, ErrInvalidParams, err)
		return
	}

	opt := optimize.Request{
		Template:        strategies.TemplateID(req.Template),
		Series:          series,
		Grid:            optimize.Grid(req.Grid),
		Objective:       req.Objective,
		Backtest:        btCfg,
		MaxCombinations: req.MaxCombinations,
		Seed:            req.Seed,
		Workers:         req.Workers,
		TopK:            req.TopK,
		AllowShort:      req.Config.AllowShort,
	}
	if opt.Objective == "" {
		opt.Objective = "sharpe_ratio"
	}
	if opt.Workers <= 0 {
		opt.Workers = s.cfg.Optimizer.Workers
	}
	if opt.MaxCombinations <= 0 {
		opt.MaxCombinations = s.cfg.Optimizer.MaxCombinations
	}
	if req.TimeoutSeconds > 0 {
		opt.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	} else if s.cfg.Optimizer.TimeoutSeconds > 0 {
		opt.Timeout = time.Duration(s.cfg.Optimizer.TimeoutSeconds) * time.Second
	}

	sweep, err := optimize.Search(c.Request.Context(), s.logger, s.cache, opt)
	if err != nil {
		s.fail(c, http.StatusUnprocessableEntity, ErrExecutionError, err)
		return
	}

	if s.journal != nil {
		if err := s.journal.SaveSweep(c.Request.Context(), sweep); err != nil {
			s.logger.Warn("sweep journal write failed", zap.String("sweep_id", sweep.ID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, OptimizeResponse{
		SweepID:  sweep.ID,
		Status:   "completed",
		Sweep:    sweep,
		Duration: time.Since(start).String(),
	})
}

func (s *Service) handleListSweeps(c *gin.Context) {
	if s.journal == nil {
		s.fail(c, http.StatusNotFound, ErrDataNotFound, fmt.Errorf("sweep journal not configured"))
		return
	}
	sweeps, err := s.journal.ListSweeps(c.Request.Context(), 0)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, ErrExecutionError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweeps": sweeps})
}

func (s *Service) handleSweepResults(c *gin.Context) {
	if s.journal == nil {
		s.fail(c, http.StatusNotFound, ErrDataNotFound, fmt.Errorf("sweep journal not configured"))
		return
	}
	results, err := s.journal.TopResults(c.Request.Context(), c.Param("id"), 0)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, ErrExecutionError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep_id": c.Param("id"), "results": results})
}

func (s *Service) fail(c *gin.Context, status int, apiErr APIError, err error) {
	apiErr.Details = err.Error()
	s.logger.Warn("request failed",
		zap.String("path", c.FullPath()),
		zap.String("code", apiErr.Code),
		zap.Error(err))
	c.JSON(status, gin.H{"error": apiErr})
}

func (s *Service) loadSeries(ctx context.Context, src DataSource) (*market.Series, error) {
	if src.CSVPath != "" {
		return market.LoadCSV(src.Symbol, src.CSVPath)
	}
	if s.bars == nil {
		return nil, fmt.Errorf("no csv_path given and clickhouse not configured")
	}
	interval := src.Interval
	if interval == "" {
		interval = "1d"
	}
	series, err := s.bars.QueryBars(ctx, src.Symbol, interval, src.StartMs, src.EndMs)
	if err != nil {
		return nil, err
	}
	if series.Len() == 0 {
		return nil, fmt.Errorf("no bars for %s %s in range", src.Symbol, interval)
	}
	return series, nil
}

// toBacktestConfig maps the wire DTO onto the engine config.
func toBacktestConfig(dto BacktestConfigDTO) (backtest.Config, error) {
	cfg := backtest.Config{
		InitialCapital:   decimal.NewFromFloat(dto.InitialCapital),
		CommissionRate:   decimal.NewFromFloat(dto.CommissionRate),
		AllowShort:       dto.AllowShort,
		PositionFraction: decimal.NewFromFloat(dto.PositionFraction),
	}
	if !cfg.InitialCapital.IsPositive() {
		cfg.InitialCapital = decimal.NewFromInt(100000)
	}

	switch dto.ExecutionLag {
	case "", "next-bar-open":
	case "same-bar-close":
		cfg.Lag = backtest.LagSameBarClose
	default:
		return cfg, fmt.Errorf("unknown execution_lag %q", dto.ExecutionLag)
	}
	switch dto.ConflictPolicy {
	case "", "force-close":
	case "reject":
		cfg.Conflict = backtest.ConflictReject
	default:
		return cfg, fmt.Errorf("unknown conflict_policy %q", dto.ConflictPolicy)
	}
	switch dto.SlippageModel {
	case "", "none":
	case "fixed-bps":
		cfg.Slippage = backtest.FixedBps{Bps: decimal.NewFromFloat(dto.SlippageBps)}
	case "volume-proportional":
		cfg.Slippage = backtest.VolumeProportional{
			ImpactBps: decimal.NewFromFloat(dto.SlippageBps),
			MaxBps:    decimal.NewFromFloat(dto.SlippageBps * 10),
		}
	default:
		return cfg, fmt.Errorf("unknown slippage_model %q", dto.SlippageModel)
	}
	return cfg, nil
}
