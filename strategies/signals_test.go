package strategies

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"quantlab/services/indicator"
	"quantlab/services/market"
)

const dayMs = int64(24 * 60 * 60 * 1000)

func testSeries(t *testing.T, closes []float64) *market.Series {
	t.Helper()
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			Timestamp: int64(i+1) * dayMs,
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c + 1),
			Low:       decimal.NewFromFloat(c - 1),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromFloat(1000),
		}
	}
	s, err := market.NewSeries("TEST", bars)
	if err != nil {
		t.Fatalf("NewSeries: %v", err)
	}
	return s
}

// vShape dips for the first `down` bars and then rises steadily, so a fast
// moving average crosses a slow one exactly once.
func vShape(down, total int) []float64 {
	closes := make([]float64, total)
	v := 120.0
	for i := 0; i < down; i++ {
		v -= 1
		closes[i] = v
	}
	for i := down; i < total; i++ {
		v += 2.5
		closes[i] = v
	}
	return closes
}

func countGrades(signals []Signal) (buys, sells, holds int) {
	for _, s := range signals {
		switch {
		case s.Grade.IsBuy():
			buys++
		case s.Grade.IsSell():
			sells++
		default:
			holds++
		}
	}
	return
}

func TestMACrossoverSingleBuy(t *testing.T) {
	s := testSeries(t, vShape(25, 60))
	rules, err := Resolve(MACrossover, Params{"fast_period": 5, "slow_period": 20})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	gen := &Generator{Rules: rules}
	signals, err := gen.Generate(s)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(signals) != s.Len() {
		t.Fatalf("got %d signals for %d bars", len(signals), s.Len())
	}
	for i, sig := range signals {
		if sig.Timestamp != s.Bars[i].Timestamp {
			t.Fatalf("signal %d timestamp mismatch", i)
		}
	}

	buys, sells, _ := countGrades(signals)
	if buys != 1 || sells != 0 {
		t.Fatalf("buys=%d sells=%d, want exactly 1 buy and 0 sells", buys, sells)
	}
	// Warm-up bars always hold.
	for i := 0; i < 20; i++ {
		if signals[i].Grade != Hold {
			t.Fatalf("bar %d inside warm-up emitted %v", i, signals[i].Grade)
		}
	}
}

func TestMACrossoverRisingSeriesEntersOnFirstDefinedBar(t *testing.T) {
	// Monotonically rising 100 -> 200: the fast MA sits above the slow MA
	// from the first bar both are defined, so that bar is the one crossover.
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)*100/59
	}
	s := testSeries(t, closes)
	rules, err := Resolve(MACrossover, Params{"fast_period": 5, "slow_period": 20})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	signals, err := (&Generator{Rules: rules}).Generate(s)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	buys, sells, _ := countGrades(signals)
	if buys != 1 || sells != 0 {
		t.Fatalf("buys=%d sells=%d, want exactly 1 buy and 0 sells", buys, sells)
	}
	if signals[19].Grade != Buy {
		t.Errorf("grade at the slow MA's first defined bar = %v, want BUY", signals[19].Grade)
	}
}

func TestMomentumDuplicateBuysSuppressed(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100 * (1 + 0.05*float64(i)) // strong steady uptrend
	}
	s := testSeries(t, closes)
	rules, err := Resolve(Momentum, Params{"period": 5, "threshold": 0.01})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	gen := &Generator{Rules: rules}
	signals, err := gen.Generate(s)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	buys, sells, _ := countGrades(signals)
	if buys != 1 {
		t.Errorf("buys = %d, want 1 (repeats suppressed without pyramiding)", buys)
	}
	if sells != 0 {
		t.Errorf("sells = %d, want 0", sells)
	}

	// With pyramiding the raw repeats come through.
	gen = &Generator{Rules: rules, Pyramiding: true}
	signals, err = gen.Generate(s)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	buys, _, _ = countGrades(signals)
	if buys <= 1 {
		t.Errorf("buys = %d with pyramiding, want repeated signals", buys)
	}
}

func TestSellWhileFlatNeedsShorts(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 200 / (1 + 0.05*float64(i)) // steady downtrend
	}
	s := testSeries(t, closes)
	rules, err := Resolve(Momentum, Params{"period": 5, "threshold": 0.01})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	signals, err := (&Generator{Rules: rules}).Generate(s)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, sells, _ := countGrades(signals)
	if sells != 0 {
		t.Errorf("sells = %d while flat without AllowShort, want 0", sells)
	}

	signals, err = (&Generator{Rules: rules, AllowShort: true}).Generate(s)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, sells, _ = countGrades(signals)
	if sells != 1 {
		t.Errorf("sells = %d with AllowShort, want 1 (repeats suppressed)", sells)
	}
}

func TestFlatSeriesAllHold(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100
	}
	s := testSeries(t, closes)

	for _, id := range []TemplateID{MACrossover, RSIStrategy, MACDTrend, Momentum, Combined} {
		rules, err := Resolve(id, Params{})
		if err != nil {
			t.Fatalf("Resolve %s: %v", id, err)
		}
		signals, err := (&Generator{Rules: rules}).Generate(s)
		if err != nil {
			t.Fatalf("Generate %s: %v", id, err)
		}
		buys, sells, _ := countGrades(signals)
		if buys != 0 || sells != 0 {
			t.Errorf("%s on a constant series: buys=%d sells=%d, want none", id, buys, sells)
		}
	}
}

func TestCombinedTwoAgreeingSubsFireBuy(t *testing.T) {
	rules, err := buildCombined(Params{}, "")
	if err != nil {
		t.Fatalf("buildCombined: %v", err)
	}

	nan := math.NaN()
	mk := func(name indicator.Name, warmup int, values ...float64) *indicator.Result {
		return &indicator.Result{Name: name, Values: values, Warmup: warmup}
	}
	s := testSeries(t, []float64{50, 50, 50})
	// At i=2 the MA and MACD subs both cross up (BUY), RSI and Bollinger
	// hold. Two agreeing quarter-weight subs score 0.5 against the default
	// 0.3/0.6 thresholds: BUY, not STRONG_BUY.
	e := &env{
		series:  s,
		closesF: s.Closes(),
		results: map[string]*indicator.Result{
			"c_ma_fast_ma":       mk(indicator.SMA, 1, nan, 1, 3),
			"c_ma_slow_ma":       mk(indicator.SMA, 1, nan, 2, 2),
			"c_rsi_rsi":          mk(indicator.RSI, 0, 50, 50, 50),
			"c_macd_macd":        mk(indicator.MACDLine, 0, -3, -2, -1),
			"c_macd_macd_signal": mk(indicator.MACDSignal, 0, -1.5, -1.8, -1.5),
			"c_boll_boll_upper":  mk(indicator.BollUpper, 0, 100, 100, 100),
			"c_boll_boll_lower":  mk(indicator.BollLower, 0, 0, 0, 0),
		},
	}

	if got := rules.evaluate(e, 2, StateNone); got != Buy {
		t.Fatalf("grade = %v, want BUY when two equally weighted subs agree", got)
	}
	if got := rules.evaluate(e, 1, StateNone); got != Hold {
		t.Errorf("grade at bar 1 = %v, want HOLD with no agreeing subs", got)
	}
}

func TestResolveValidation(t *testing.T) {
	cases := []struct {
		name   string
		id     TemplateID
		params Params
		want   error
	}{
		{"unknown template", TemplateID("NOPE"), Params{}, ErrUnknownTemplate},
		{"unknown key", MACrossover, Params{"bogus": 1}, ErrInvalidParameter},
		{"fast not below slow", MACrossover, Params{"fast_period": 20, "slow_period": 10}, ErrInvalidParameter},
		{"fractional period", RSIStrategy, Params{"period": 14.5}, ErrInvalidParameter},
		{"oversold above overbought", RSIStrategy, Params{"oversold": 80, "overbought": 20}, ErrInvalidParameter},
		{"oversold out of range", RSIStrategy, Params{"oversold": 0}, ErrInvalidParameter},
		{"bad reversion", BollBreakout, Params{"reversion": 2}, ErrInvalidParameter},
		{"negative weight", Combined, Params{"weight_ma": -1}, ErrInvalidParameter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Resolve(tc.id, tc.params); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGenerateInsufficientData(t *testing.T) {
	s := testSeries(t, vShape(3, 10)) // 10 bars cannot warm up a 20-bar MA
	rules, err := Resolve(MACrossover, Params{"fast_period": 5, "slow_period": 20})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	_, err = (&Generator{Rules: rules}).Generate(s)
	if !errors.Is(err, indicator.ErrInsufficientData) {
		t.Fatalf("err = %v, want indicator.ErrInsufficientData", err)
	}
}
