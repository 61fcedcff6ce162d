// Package indicator computes technical indicators over a price series.
//
// Every indicator is a deterministic, pure function of a lookback window:
// identical inputs always produce identical outputs. Values before an
// indicator's warm-up are NaN and must be treated as undefined, not zero;
// callers check Defined before consuming a value.
package indicator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"quantlab/services/market"
)

// Name identifies one indicator output. Multi-line indicators (MACD,
// Bollinger, stochastic, Keltner, Donchian) expose each line under its own
// name so that results stay aligned 1:1 with the series.
type Name string

const (
	SMA Name = "sma"
	EMA Name = "ema"

	RSI       Name = "rsi"
	StochK    Name = "stoch_k"
	StochD    Name = "stoch_d"
	CCI       Name = "cci"
	WilliamsR Name = "williams_r"

	ATR           Name = "atr"
	BollUpper     Name = "boll_upper"
	BollMiddle    Name = "boll_middle"
	BollLower     Name = "boll_lower"
	KeltnerUpper  Name = "keltner_upper"
	KeltnerMiddle Name = "keltner_middle"
	KeltnerLower  Name = "keltner_lower"
	DonchianUpper Name = "donchian_upper"
	DonchianLower Name = "donchian_lower"

	OBV Name = "obv"
	ADL Name = "adl"
	MFI Name = "mfi"
	ADX Name = "adx"

	MACDLine   Name = "macd"
	MACDSignal Name = "macd_signal"
	MACDHist   Name = "macd_hist"
)

// Params holds indicator parameters keyed by name.
type Params map[string]float64

var (
	// ErrInvalidParameter reports a non-positive period, an out-of-range
	// value, or an unrecognized parameter key.
	ErrInvalidParameter = errors.New("indicator: invalid parameter")
	// ErrInsufficientData reports a series shorter than the indicator's
	// warm-up requirement.
	ErrInsufficientData = errors.New("indicator: insufficient data")
	// ErrUnknownIndicator reports an unrecognized indicator name.
	ErrUnknownIndicator = errors.New("indicator: unknown indicator")
)

// Result carries one indicator line aligned 1:1 with the source series.
// Values[i] for i < Warmup is NaN (undefined).
type Result struct {
	Name   Name
	Params Params
	Values []float64
	Warmup int

	ext *extState
}

// Defined reports whether the value at index i is past warm-up.
func (r *Result) Defined(i int) bool {
	return i >= r.Warmup && i < len(r.Values) && !math.IsNaN(r.Values[i])
}

// At returns the value at index i; NaN when undefined.
func (r *Result) At(i int) float64 {
	if i < 0 || i >= len(r.Values) {
		return math.NaN()
	}
	return r.Values[i]
}

// spec describes one indicator's parameter surface and warm-up arithmetic.
type spec struct {
	keys    []string
	warmup  func(p Params) int
	compute func(s *market.Series, p Params) (*Result, error)
}

// Compute evaluates one indicator over the full series.
func Compute(s *market.Series, name Name, params Params) (*Result, error) {
	sp, ok := specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndicator, name)
	}
	if err := validateParams(name, sp, params); err != nil {
		return nil, err
	}
	warmup := sp.warmup(params)
	if s.Len() <= warmup {
		return nil, fmt.Errorf("%w: %s needs at least %d bars, series has %d",
			ErrInsufficientData, name, warmup+1, s.Len())
	}
	return sp.compute(s, params)
}

// Warmup returns the first defined index for an indicator/params pair without
// computing it.
func Warmup(name Name, params Params) (int, error) {
	sp, ok := specs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownIndicator, name)
	}
	if err := validateParams(name, sp, params); err != nil {
		return 0, err
	}
	return sp.warmup(params), nil
}

func validateParams(name Name, sp spec, params Params) error {
	for k := range params {
		known := false
		for _, allowed := range sp.keys {
			if k == allowed {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: %s does not accept %q", ErrInvalidParameter, name, k)
		}
	}
	for _, k := range sp.keys {
		v, ok := params[k]
		if !ok {
			continue
		}
		if strings.HasSuffix(k, "period") {
			if v <= 0 || v != math.Trunc(v) {
				return fmt.Errorf("%w: %s %s=%v must be a positive integer", ErrInvalidParameter, name, k, v)
			}
		}
		if k == "std_dev" || k == "mult" {
			if v <= 0 {
				return fmt.Errorf("%w: %s %s=%v must be positive", ErrInvalidParameter, name, k, v)
			}
		}
	}
	return nil
}

// period reads an integer period parameter with a default.
func (p Params) period(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

func (p Params) value(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// key renders params in deterministic order for cache keys.
func (p Params) key() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(p[k], 'g', -1, 64))
	}
	return b.String()
}

// undefined allocates a values slice prefilled with NaN.
func undefined(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
