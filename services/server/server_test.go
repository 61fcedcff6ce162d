package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"quantlab/services/config"
)

const dayMs = int64(24 * 60 * 60 * 1000)

// writeCSV produces a v-shaped daily price file a crossover strategy will
// trade on.
func writeCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.csv")
	var buf bytes.Buffer
	buf.WriteString("timestamp,open,high,low,close,volume\n")
	v := 120.0
	for i := 0; i < 80; i++ {
		if i < 25 {
			v -= 1
		} else {
			v += 2
		}
		fmt.Fprintf(&buf, "%d,%.2f,%.2f,%.2f,%.2f,1000\n", int64(i+1)*dayMs, v, v+1, v-1, v)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func testService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	return New(cfg, zap.NewNop(), nil, nil)
}

func post(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router := testService(t).Router()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestBacktestEndpoint(t *testing.T) {
	router := testService(t).Router()
	req := BacktestRequest{
		Data:     DataSource{CSVPath: writeCSV(t), Symbol: "TEST"},
		Template: "MA_CROSSOVER",
		Params:   map[string]float64{"fast_period": 5, "slow_period": 20},
		Config:   BacktestConfigDTO{InitialCapital: 100000, CommissionRate: 0.001},
	}
	w := post(t, router, "/api/v1/backtest", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp BacktestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RunID == "" || resp.Status != "completed" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Result == nil || resp.Metrics == nil {
		t.Error("expected result and metrics blocks")
	}
}

func TestBacktestEndpointBadTemplate(t *testing.T) {
	router := testService(t).Router()
	req := BacktestRequest{
		Data:     DataSource{CSVPath: writeCSV(t), Symbol: "TEST"},
		Template: "NOPE",
		Config:   BacktestConfigDTO{InitialCapital: 100000},
	}
	w := post(t, router, "/api/v1/backtest", req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("INVALID_PARAMS")) {
		t.Errorf("body = %s, want INVALID_PARAMS code", w.Body.String())
	}
}

func TestBacktestEndpointMissingData(t *testing.T) {
	router := testService(t).Router()
	req := BacktestRequest{
		Data:     DataSource{Symbol: "TEST"}, // no CSV and no warehouse configured
		Template: "MA_CROSSOVER",
		Config:   BacktestConfigDTO{InitialCapital: 100000},
	}
	w := post(t, router, "/api/v1/backtest", req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("DATA_NOT_FOUND")) {
		t.Errorf("body = %s, want DATA_NOT_FOUND code", w.Body.String())
	}
}

func TestOptimizeEndpoint(t *testing.T) {
	router := testService(t).Router()
	req := OptimizeRequest{
		Data:      DataSource{CSVPath: writeCSV(t), Symbol: "TEST"},
		Template:  "MA_CROSSOVER",
		Grid:      map[string][]float64{"fast_period": {3, 5}, "slow_period": {15, 20}},
		Objective: "total_return",
		Config:    BacktestConfigDTO{InitialCapital: 100000},
	}
	w := post(t, router, "/api/v1/optimize", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		SweepID string `json:"sweep_id"`
		Status  string `json:"status"`
		Sweep   struct {
			Results []struct {
				Rank int `json:"rank"`
			} `json:"results"`
		} `json:"sweep"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.SweepID == "" || resp.Status != "completed" {
		t.Errorf("resp header = %+v", resp)
	}
	if len(resp.Sweep.Results) != 4 {
		t.Errorf("results = %d, want 4", len(resp.Sweep.Results))
	}
}

func TestToBacktestConfigRejectsUnknownEnums(t *testing.T) {
	if _, err := toBacktestConfig(BacktestConfigDTO{InitialCapital: 1000, ExecutionLag: "yesterday"}); err == nil {
		t.Error("expected error for unknown execution_lag")
	}
	if _, err := toBacktestConfig(BacktestConfigDTO{InitialCapital: 1000, SlippageModel: "psychic"}); err == nil {
		t.Error("expected error for unknown slippage_model")
	}
}
