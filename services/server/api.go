package server

// Request/response DTOs with error taxonomy.

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

var (
	ErrBadRequest     = APIError{Code: "BAD_REQUEST", Message: "Malformed request body"}
	ErrInvalidParams  = APIError{Code: "INVALID_PARAMS", Message: "Invalid strategy parameters"}
	ErrDataNotFound   = APIError{Code: "DATA_NOT_FOUND", Message: "Required price data not available"}
	ErrExecutionError = APIError{Code: "EXECUTION_FAILED", Message: "Pipeline execution failed"}
)

// DataSource selects the bars a request runs against: a CSV file on the
// server's disk, or a symbol range in the ClickHouse warehouse.
type DataSource struct {
	CSVPath  string `json:"csv_path,omitempty"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval,omitempty"`
	StartMs  int64  `json:"start_ms,omitempty"`
	EndMs    int64  `json:"end_ms,omitempty"`
}

// BacktestConfigDTO is the execution surface exposed over the API.
type BacktestConfigDTO struct {
	InitialCapital   float64 `json:"initial_capital"`
	CommissionRate   float64 `json:"commission_rate"`
	SlippageModel    string  `json:"slippage_model,omitempty"` // none, fixed-bps, volume-proportional
	SlippageBps      float64 `json:"slippage_bps,omitempty"`
	ExecutionLag     string  `json:"execution_lag,omitempty"` // next-bar-open, same-bar-close
	ConflictPolicy   string  `json:"conflict_policy,omitempty"`
	AllowShort       bool    `json:"allow_short,omitempty"`
	PositionFraction float64 `json:"position_fraction,omitempty"`
}

type BacktestRequest struct {
	Data     DataSource         `json:"data"`
	Template string             `json:"template"`
	Params   map[string]float64 `json:"params"`
	Config   BacktestConfigDTO  `json:"config"`
	// Export writes equity/trades Parquet files under the run id.
	Export bool `json:"export,omitempty"`
}

type BacktestResponse struct {
	RunID    string    `json:"run_id"`
	Status   string    `json:"status"`
	Result   any       `json:"result,omitempty"`
	Metrics  any       `json:"metrics,omitempty"`
	Error    *APIError `json:"error,omitempty"`
	Duration string    `json:"duration,omitempty"`
}

type OptimizeRequest struct {
	Data      DataSource           `json:"data"`
	Template  string               `json:"template"`
	Grid      map[string][]float64 `json:"grid"`
	Objective string               `json:"objective"`
	Config    BacktestConfigDTO    `json:"config"`

	MaxCombinations int   `json:"max_combinations,omitempty"`
	Seed            int64 `json:"seed,omitempty"`
	Workers         int   `json:"workers,omitempty"`
	TimeoutSeconds  int   `json:"timeout_seconds,omitempty"`
	TopK            int   `json:"top_k,omitempty"`
}

type OptimizeResponse struct {
	SweepID  string    `json:"sweep_id"`
	Status   string    `json:"status"`
	Sweep    any       `json:"sweep,omitempty"`
	Error    *APIError `json:"error,omitempty"`
	Duration string    `json:"duration,omitempty"`
}
