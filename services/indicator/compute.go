package indicator

import (
	"fmt"
	"math"

	"quantlab/services/market"
)

// specs binds each indicator name to its parameter surface, warm-up
// arithmetic, and computation.
var specs = map[Name]spec{
	SMA: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return p.period("period", 20) - 1 },
		compute: computeSMA,
	},
	EMA: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return p.period("period", 20) - 1 },
		compute: computeEMA,
	},
	RSI: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return p.period("period", 14) },
		compute: computeRSI,
	},
	StochK: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return p.period("period", 14) - 1 },
		compute: computeStochK,
	},
	StochD: {
		keys:    []string{"period", "smooth_period"},
		warmup:  func(p Params) int { return p.period("period", 14) + p.period("smooth_period", 3) - 2 },
		compute: computeStochD,
	},
	CCI: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return p.period("period", 20) - 1 },
		compute: computeCCI,
	},
	WilliamsR: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return p.period("period", 14) - 1 },
		compute: computeWilliamsR,
	},
	ATR: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return p.period("period", 14) },
		compute: computeATR,
	},
	BollUpper:  bollSpec(+1),
	BollMiddle: bollSpec(0),
	BollLower:  bollSpec(-1),
	KeltnerUpper:  keltnerSpec(+1),
	KeltnerMiddle: keltnerSpec(0),
	KeltnerLower:  keltnerSpec(-1),
	DonchianUpper: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return p.period("period", 20) - 1 },
		compute: func(s *market.Series, p Params) (*Result, error) { return computeDonchian(s, p, true) },
	},
	DonchianLower: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return p.period("period", 20) - 1 },
		compute: func(s *market.Series, p Params) (*Result, error) { return computeDonchian(s, p, false) },
	},
	OBV: {
		keys:    []string{},
		warmup:  func(Params) int { return 0 },
		compute: computeOBV,
	},
	ADL: {
		keys:    []string{},
		warmup:  func(Params) int { return 0 },
		compute: computeADL,
	},
	MFI: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return p.period("period", 14) },
		compute: computeMFI,
	},
	ADX: {
		keys:    []string{"period"},
		warmup:  func(p Params) int { return 2*p.period("period", 14) - 1 },
		compute: computeADX,
	},
	MACDLine:   macdSpec(MACDLine),
	MACDSignal: macdSpec(MACDSignal),
	MACDHist:   macdSpec(MACDHist),
}

func bollSpec(side int) spec {
	return spec{
		keys:    []string{"period", "std_dev"},
		warmup:  func(p Params) int { return p.period("period", 20) - 1 },
		compute: func(s *market.Series, p Params) (*Result, error) { return computeBollinger(s, p, side) },
	}
}

func keltnerSpec(side int) spec {
	return spec{
		keys:    []string{"period", "mult"},
		warmup:  func(p Params) int { return p.period("period", 20) },
		compute: func(s *market.Series, p Params) (*Result, error) { return computeKeltner(s, p, side) },
	}
}

func macdSpec(name Name) spec {
	return spec{
		keys: []string{"fast_period", "slow_period", "signal_period"},
		warmup: func(p Params) int {
			slow := p.period("slow_period", 26)
			if name == MACDLine {
				return slow - 1
			}
			return slow + p.period("signal_period", 9) - 2
		},
		compute: func(s *market.Series, p Params) (*Result, error) { return computeMACD(s, p, name) },
	}
}

// --- moving averages ---

func computeSMA(s *market.Series, p Params) (*Result, error) {
	period := p.period("period", 20)
	values := smaSeries(s.Closes(), period)
	return &Result{Name: SMA, Params: p, Values: values, Warmup: period - 1}, nil
}

// smaSeries uses a running window sum; O(n) regardless of period.
func smaSeries(values []float64, period int) []float64 {
	out := undefined(len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

func computeEMA(s *market.Series, p Params) (*Result, error) {
	period := p.period("period", 20)
	values, last := emaSeries(s.Closes(), period)
	r := &Result{Name: EMA, Params: p, Values: values, Warmup: period - 1}
	r.ext = &extState{ema: last}
	return r, nil
}

// emaSeries seeds the EMA with the SMA of the first N closes, then applies
// EMA = close*α + prev*(1-α) with α = 2/(N+1). Returns the final EMA for
// incremental extension.
func emaSeries(values []float64, period int) ([]float64, float64) {
	out := undefined(len(values))
	var seed float64
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	alpha := 2.0 / float64(period+1)
	oneMinusAlpha := 1.0 - alpha
	ema := seed
	for i := period; i < len(values); i++ {
		ema = values[i]*alpha + ema*oneMinusAlpha
		out[i] = ema
	}
	return out, ema
}

// --- oscillators ---

func computeRSI(s *market.Series, p Params) (*Result, error) {
	period := p.period("period", 14)
	closes := s.Closes()
	out := undefined(len(closes))

	// Seed Wilder's averages with the simple mean of the first N changes.
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	n := float64(period)
	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*(n-1) + gain) / n
		avgLoss = (avgLoss*(n-1) + loss) / n
		out[i] = rsiValue(avgGain, avgLoss)
	}

	r := &Result{Name: RSI, Params: p, Values: out, Warmup: period}
	r.ext = &extState{avgGain: avgGain, avgLoss: avgLoss, prevClose: closes[len(closes)-1]}
	return r, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func computeStochK(s *market.Series, p Params) (*Result, error) {
	period := p.period("period", 14)
	highs, lows, closes := s.Highs(), s.Lows(), s.Closes()
	out := undefined(len(closes))
	for i := period - 1; i < len(closes); i++ {
		hh := sliceMax(highs[i-period+1 : i+1])
		ll := sliceMin(lows[i-period+1 : i+1])
		if hh == ll {
			out[i] = 50 // flat window, price pinned mid-range
			continue
		}
		out[i] = 100 * (closes[i] - ll) / (hh - ll)
	}
	return &Result{Name: StochK, Params: p, Values: out, Warmup: period - 1}, nil
}

func computeStochD(s *market.Series, p Params) (*Result, error) {
	kPeriod := p.period("period", 14)
	dPeriod := p.period("smooth_period", 3)
	k, err := computeStochK(s, Params{"period": float64(kPeriod)})
	if err != nil {
		return nil, err
	}
	warmup := kPeriod + dPeriod - 2
	out := undefined(s.Len())
	for i := warmup; i < s.Len(); i++ {
		var sum float64
		for j := i - dPeriod + 1; j <= i; j++ {
			sum += k.Values[j]
		}
		out[i] = sum / float64(dPeriod)
	}
	return &Result{Name: StochD, Params: p, Values: out, Warmup: warmup}, nil
}

func computeCCI(s *market.Series, p Params) (*Result, error) {
	period := p.period("period", 20)
	tp := typicalPrices(s)
	out := undefined(len(tp))
	for i := period - 1; i < len(tp); i++ {
		window := tp[i-period+1 : i+1]
		var mean float64
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)
		var meanDev float64
		for _, v := range window {
			meanDev += math.Abs(v - mean)
		}
		meanDev /= float64(period)
		if meanDev == 0 {
			out[i] = 0
			continue
		}
		out[i] = (tp[i] - mean) / (0.015 * meanDev)
	}
	return &Result{Name: CCI, Params: p, Values: out, Warmup: period - 1}, nil
}

func computeWilliamsR(s *market.Series, p Params) (*Result, error) {
	period := p.period("period", 14)
	highs, lows, closes := s.Highs(), s.Lows(), s.Closes()
	out := undefined(len(closes))
	for i := period - 1; i < len(closes); i++ {
		hh := sliceMax(highs[i-period+1 : i+1])
		ll := sliceMin(lows[i-period+1 : i+1])
		if hh == ll {
			out[i] = -50
			continue
		}
		out[i] = -100 * (hh - closes[i]) / (hh - ll)
	}
	return &Result{Name: WilliamsR, Params: p, Values: out, Warmup: period - 1}, nil
}

// --- volatility ---

func computeATR(s *market.Series, p Params) (*Result, error) {
	period := p.period("period", 14)
	values, last := atrSeries(s.Highs(), s.Lows(), s.Closes(), period)
	r := &Result{Name: ATR, Params: p, Values: values, Warmup: period}
	r.ext = &extState{atr: last, prevClose: s.Bars[s.Len()-1].Close.InexactFloat64()}
	return r, nil
}

// atrSeries seeds Wilder's RMA with the SMA of the first N true ranges, then
// applies RMA = (RMA*(N-1) + TR) / N. Returns the final ATR for incremental
// extension.
func atrSeries(highs, lows, closes []float64, period int) ([]float64, float64) {
	out := undefined(len(closes))
	var atr float64
	for i := 1; i <= period; i++ {
		atr += trueRange(highs[i], lows[i], closes[i-1])
	}
	atr /= float64(period)
	out[period] = atr

	n := float64(period)
	for i := period + 1; i < len(closes); i++ {
		atr = (atr*(n-1) + trueRange(highs[i], lows[i], closes[i-1])) / n
		out[i] = atr
	}
	return out, atr
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if v := math.Abs(high - prevClose); v > tr {
		tr = v
	}
	if v := math.Abs(low - prevClose); v > tr {
		tr = v
	}
	return tr
}

func computeBollinger(s *market.Series, p Params, side int) (*Result, error) {
	period := p.period("period", 20)
	stdDev := p.value("std_dev", 2)
	closes := s.Closes()
	name := BollMiddle
	if side > 0 {
		name = BollUpper
	} else if side < 0 {
		name = BollLower
	}
	out := undefined(len(closes))
	for i := period - 1; i < len(closes); i++ {
		window := closes[i-period+1 : i+1]
		var mean float64
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)
		if side == 0 {
			out[i] = mean
			continue
		}
		var variance float64
		for _, v := range window {
			variance += (v - mean) * (v - mean)
		}
		sigma := math.Sqrt(variance / float64(period))
		out[i] = mean + float64(side)*stdDev*sigma
	}
	return &Result{Name: name, Params: p, Values: out, Warmup: period - 1}, nil
}

func computeKeltner(s *market.Series, p Params, side int) (*Result, error) {
	period := p.period("period", 20)
	mult := p.value("mult", 2)
	name := KeltnerMiddle
	if side > 0 {
		name = KeltnerUpper
	} else if side < 0 {
		name = KeltnerLower
	}
	ema, _ := emaSeries(s.Closes(), period)
	atr, _ := atrSeries(s.Highs(), s.Lows(), s.Closes(), period)
	out := undefined(s.Len())
	for i := period; i < s.Len(); i++ {
		out[i] = ema[i] + float64(side)*mult*atr[i]
	}
	return &Result{Name: name, Params: p, Values: out, Warmup: period}, nil
}

func computeDonchian(s *market.Series, p Params, upper bool) (*Result, error) {
	period := p.period("period", 20)
	highs, lows := s.Highs(), s.Lows()
	name := DonchianLower
	if upper {
		name = DonchianUpper
	}
	out := undefined(s.Len())
	for i := period - 1; i < s.Len(); i++ {
		if upper {
			out[i] = sliceMax(highs[i-period+1 : i+1])
		} else {
			out[i] = sliceMin(lows[i-period+1 : i+1])
		}
	}
	return &Result{Name: name, Params: p, Values: out, Warmup: period - 1}, nil
}

// --- volume ---

func computeOBV(s *market.Series, p Params) (*Result, error) {
	closes, volumes := s.Closes(), s.Volumes()
	out := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		switch {
		case closes[i] > closes[i-1]:
			out[i] = out[i-1] + volumes[i]
		case closes[i] < closes[i-1]:
			out[i] = out[i-1] - volumes[i]
		default:
			out[i] = out[i-1]
		}
	}
	r := &Result{Name: OBV, Params: p, Values: out, Warmup: 0}
	r.ext = &extState{obv: out[len(out)-1], prevClose: closes[len(closes)-1]}
	return r, nil
}

func computeADL(s *market.Series, p Params) (*Result, error) {
	highs, lows, closes, volumes := s.Highs(), s.Lows(), s.Closes(), s.Volumes()
	out := make([]float64, len(closes))
	var adl float64
	for i := range closes {
		adl += moneyFlowVolume(highs[i], lows[i], closes[i], volumes[i])
		out[i] = adl
	}
	r := &Result{Name: ADL, Params: p, Values: out, Warmup: 0}
	r.ext = &extState{adl: adl}
	return r, nil
}

func moneyFlowVolume(high, low, closeP, volume float64) float64 {
	if high == low {
		return 0
	}
	mfm := ((closeP - low) - (high - closeP)) / (high - low)
	return mfm * volume
}

func computeMFI(s *market.Series, p Params) (*Result, error) {
	period := p.period("period", 14)
	highs, lows, closes, volumes := s.Highs(), s.Lows(), s.Closes(), s.Volumes()
	n := s.Len()

	tp := make([]float64, n)
	for i := 0; i < n; i++ {
		tp[i] = (highs[i] + lows[i] + closes[i]) / 3
	}

	posFlow := make([]float64, n)
	negFlow := make([]float64, n)
	for i := 1; i < n; i++ {
		raw := tp[i] * volumes[i]
		if tp[i] > tp[i-1] {
			posFlow[i] = raw
		} else if tp[i] < tp[i-1] {
			negFlow[i] = raw
		}
	}

	out := undefined(n)
	for i := period; i < n; i++ {
		var pos, neg float64
		for j := i - period + 1; j <= i; j++ {
			pos += posFlow[j]
			neg += negFlow[j]
		}
		switch {
		case pos == 0 && neg == 0:
			out[i] = 50
		case neg == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+pos/neg)
		}
	}
	return &Result{Name: MFI, Params: p, Values: out, Warmup: period}, nil
}

func computeADX(s *market.Series, p Params) (*Result, error) {
	period := p.period("period", 14)
	highs, lows, closes := s.Highs(), s.Lows(), s.Closes()
	n := s.Len()

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = trueRange(highs[i], lows[i], closes[i-1])
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder smoothed sums seeded over the first N movements.
	var smTR, smPlus, smMinus float64
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := undefined(n)
	dx[period] = dxValue(smPlus, smMinus, smTR)
	for i := period + 1; i < n; i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		dx[i] = dxValue(smPlus, smMinus, smTR)
	}

	warmup := 2*period - 1
	out := undefined(n)
	var adx float64
	for i := period; i <= warmup; i++ {
		adx += dx[i]
	}
	adx /= float64(period)
	out[warmup] = adx
	for i := warmup + 1; i < n; i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
		out[i] = adx
	}
	return &Result{Name: ADX, Params: p, Values: out, Warmup: warmup}, nil
}

func dxValue(smPlus, smMinus, smTR float64) float64 {
	if smTR == 0 {
		return 0
	}
	plusDI := 100 * smPlus / smTR
	minusDI := 100 * smMinus / smTR
	if plusDI+minusDI == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
}

// --- MACD ---

func computeMACD(s *market.Series, p Params, name Name) (*Result, error) {
	fast := p.period("fast_period", 12)
	slow := p.period("slow_period", 26)
	signal := p.period("signal_period", 9)
	if fast >= slow {
		return nil, fmt.Errorf("%w: macd fast_period %d must be below slow_period %d", ErrInvalidParameter, fast, slow)
	}

	closes := s.Closes()
	emaFast, _ := emaSeries(closes, fast)
	emaSlow, _ := emaSeries(closes, slow)

	macdWarmup := slow - 1
	macd := undefined(len(closes))
	for i := macdWarmup; i < len(closes); i++ {
		macd[i] = emaFast[i] - emaSlow[i]
	}
	if name == MACDLine {
		return &Result{Name: name, Params: p, Values: macd, Warmup: macdWarmup}, nil
	}

	// Signal line: EMA over the defined MACD region, seeded with its SMA.
	sigWarmup := macdWarmup + signal - 1
	sig := undefined(len(closes))
	if sigWarmup < len(closes) {
		var seed float64
		for i := macdWarmup; i <= sigWarmup; i++ {
			seed += macd[i]
		}
		seed /= float64(signal)
		sig[sigWarmup] = seed
		alpha := 2.0 / float64(signal+1)
		ema := seed
		for i := sigWarmup + 1; i < len(closes); i++ {
			ema = macd[i]*alpha + ema*(1-alpha)
			sig[i] = ema
		}
	}
	if name == MACDSignal {
		return &Result{Name: name, Params: p, Values: sig, Warmup: sigWarmup}, nil
	}

	hist := undefined(len(closes))
	for i := sigWarmup; i < len(closes); i++ {
		hist[i] = macd[i] - sig[i]
	}
	return &Result{Name: MACDHist, Params: p, Values: hist, Warmup: sigWarmup}, nil
}

// --- helpers ---

func typicalPrices(s *market.Series) []float64 {
	highs, lows, closes := s.Highs(), s.Lows(), s.Closes()
	out := make([]float64, len(closes))
	for i := range closes {
		out[i] = (highs[i] + lows[i] + closes[i]) / 3
	}
	return out
}

func sliceMax(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func sliceMin(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
