// Package market defines the OHLCV value types consumed by the research core.
package market

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a single OHLCV observation. Timestamp is the bar open time in Unix
// milliseconds. Bars are immutable once created.
type Bar struct {
	Timestamp int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Time returns the bar open time as UTC.
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// Series is an ordered run of bars for a single symbol with strictly
// increasing timestamps. The core holds it read-only for the duration of a
// run; nothing in this module mutates a Series after construction.
type Series struct {
	Symbol string
	Bars   []Bar
}

var (
	ErrEmptySeries = errors.New("market: empty series")
)

// NewSeries builds a Series from raw bars: sorts by timestamp, keeps the last
// bar for duplicate timestamps, and validates OHLC sanity.
func NewSeries(symbol string, bars []Bar) (*Series, error) {
	if len(bars) == 0 {
		return nil, ErrEmptySeries
	}

	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	uniq := sorted[:0]
	var lastTs int64 = -1
	for _, b := range sorted {
		if b.Timestamp == lastTs {
			uniq[len(uniq)-1] = b
			continue
		}
		uniq = append(uniq, b)
		lastTs = b.Timestamp
	}

	s := &Series{Symbol: symbol, Bars: uniq}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Series) validate() error {
	for i, b := range s.Bars {
		if b.High.LessThan(b.Low) {
			return fmt.Errorf("market: bar %d (%d): high %s below low %s", i, b.Timestamp, b.High, b.Low)
		}
		if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) {
			return fmt.Errorf("market: bar %d (%d): open %s outside [low, high]", i, b.Timestamp, b.Open)
		}
		if b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
			return fmt.Errorf("market: bar %d (%d): close %s outside [low, high]", i, b.Timestamp, b.Close)
		}
		if b.Volume.IsNegative() {
			return fmt.Errorf("market: bar %d (%d): negative volume %s", i, b.Timestamp, b.Volume)
		}
	}
	return nil
}

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.Bars) }

// Closes extracts close prices as float64 for indicator math.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// Highs extracts high prices as float64.
func (s *Series) Highs() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.High.InexactFloat64()
	}
	return out
}

// Lows extracts low prices as float64.
func (s *Series) Lows() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Low.InexactFloat64()
	}
	return out
}

// Volumes extracts volumes as float64.
func (s *Series) Volumes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Volume.InexactFloat64()
	}
	return out
}

// CadenceMs returns the most common delta between consecutive bars, or 0 when
// the series has fewer than two bars. Used to pick an annualization factor.
func (s *Series) CadenceMs() int64 {
	if len(s.Bars) < 2 {
		return 0
	}
	deltaCount := make(map[int64]int)
	limit := len(s.Bars)
	if limit > 2000 {
		limit = 2000
	}
	for i := 1; i < limit; i++ {
		d := s.Bars[i].Timestamp - s.Bars[i-1].Timestamp
		if d > 0 {
			deltaCount[d]++
		}
	}
	var best int64
	bestCount := -1
	for d, c := range deltaCount {
		if c > bestCount || (c == bestCount && d < best) {
			bestCount = c
			best = d
		}
	}
	return best
}

// PeriodsPerYear derives an annualization factor from bar cadence. Daily bars
// map to 252 trading periods; anything else scales by wall-clock time.
func (s *Series) PeriodsPerYear() float64 {
	const dayMs = 24 * 60 * 60 * 1000
	cadence := s.CadenceMs()
	switch {
	case cadence == 0:
		return 252
	case cadence >= dayMs:
		return 252 * float64(dayMs) / float64(cadence)
	default:
		return 365.25 * float64(dayMs) / float64(cadence)
	}
}
