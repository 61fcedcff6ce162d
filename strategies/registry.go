// Package strategies maps strategy templates to concrete rule sets and turns
// indicator values into discrete trade signals.
package strategies

import (
	"errors"
	"fmt"
	"math"

	"quantlab/services/indicator"
)

// TemplateID identifies a strategy template. Unknown identifiers are a typed
// error, never a default.
type TemplateID string

const (
	MACrossover  TemplateID = "MA_CROSSOVER"
	RSIStrategy  TemplateID = "RSI_STRATEGY"
	MACDTrend    TemplateID = "MACD_TREND"
	BollBreakout TemplateID = "BOLL_BREAKOUT"
	Momentum     TemplateID = "MOMENTUM"
	Combined     TemplateID = "COMBINED"
)

// Params maps parameter names to values. Integer-valued parameters (periods)
// are carried as float64 and validated for integrality.
type Params map[string]float64

var (
	ErrUnknownTemplate  = errors.New("strategies: unknown template")
	ErrInvalidParameter = errors.New("strategies: invalid parameter")
)

// Request names one indicator line a rule set needs, under a local alias so
// the same indicator can appear twice with different parameters.
type Request struct {
	Alias  string
	Name   indicator.Name
	Params indicator.Params
}

// RuleSet is a resolved template: the indicators it needs plus the per-bar
// evaluation producing a raw graded signal before state filtering.
type RuleSet struct {
	Template TemplateID
	Params   Params

	requests []Request
	evaluate func(env *env, i int, state State) Grade
}

// Requests returns the indicator lines the rule set consumes.
func (r *RuleSet) Requests() []Request { return r.requests }

type templateDef struct {
	keys  []string
	build func(p Params, prefix string) (*RuleSet, error)
}

var templates = map[TemplateID]templateDef{
	MACrossover: {
		keys:  []string{"fast_period", "slow_period"},
		build: buildMACrossover,
	},
	RSIStrategy: {
		keys:  []string{"period", "oversold", "overbought"},
		build: buildRSI,
	},
	MACDTrend: {
		keys:  []string{"fast_period", "slow_period", "signal_period"},
		build: buildMACD,
	},
	BollBreakout: {
		keys:  []string{"period", "std_dev", "reversion"},
		build: buildBoll,
	},
	Momentum: {
		keys:  []string{"period", "threshold"},
		build: buildMomentum,
	},
	Combined: {
		keys: []string{
			"weight_ma", "weight_rsi", "weight_macd", "weight_boll",
			"buy_threshold", "strong_threshold",
			"fast_period", "slow_period", "signal_period",
			"period", "oversold", "overbought", "std_dev", "reversion",
		},
		build: buildCombined,
	},
}

// Templates lists the recognized template identifiers.
func Templates() []TemplateID {
	return []TemplateID{MACrossover, RSIStrategy, MACDTrend, BollBreakout, Momentum, Combined}
}

// Resolve maps a template identifier plus parameters to a concrete rule set.
func Resolve(id TemplateID, params Params) (*RuleSet, error) {
	def, ok := templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	for k := range params {
		known := false
		for _, allowed := range def.keys {
			if k == allowed {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("%w: %s does not accept %q", ErrInvalidParameter, id, k)
		}
	}
	if err := validateRanges(id, params); err != nil {
		return nil, err
	}
	return def.build(params, "")
}

func validateRanges(id TemplateID, p Params) error {
	for k, v := range p {
		switch k {
		case "period", "fast_period", "slow_period", "signal_period":
			if v <= 0 || v != math.Trunc(v) {
				return fmt.Errorf("%w: %s %s=%v must be a positive integer", ErrInvalidParameter, id, k, v)
			}
		case "oversold", "overbought":
			if v <= 0 || v >= 100 {
				return fmt.Errorf("%w: %s %s=%v must be in (0, 100)", ErrInvalidParameter, id, k, v)
			}
		case "std_dev", "threshold":
			if v <= 0 {
				return fmt.Errorf("%w: %s %s=%v must be positive", ErrInvalidParameter, id, k, v)
			}
		case "reversion":
			if v != 0 && v != 1 {
				return fmt.Errorf("%w: %s reversion=%v must be 0 or 1", ErrInvalidParameter, id, v)
			}
		case "weight_ma", "weight_rsi", "weight_macd", "weight_boll":
			if v < 0 {
				return fmt.Errorf("%w: %s %s=%v must be non-negative", ErrInvalidParameter, id, k, v)
			}
		case "buy_threshold", "strong_threshold":
			if v <= 0 || v > 1 {
				return fmt.Errorf("%w: %s %s=%v must be in (0, 1]", ErrInvalidParameter, id, k, v)
			}
		}
	}
	fast, hasFast := p["fast_period"]
	slow, hasSlow := p["slow_period"]
	if hasFast && hasSlow && fast >= slow {
		return fmt.Errorf("%w: %s fast_period %v must be below slow_period %v", ErrInvalidParameter, id, fast, slow)
	}
	over, hasOver := p["oversold"]
	bought, hasBought := p["overbought"]
	if hasOver && hasBought && over >= bought {
		return fmt.Errorf("%w: %s oversold %v must be below overbought %v", ErrInvalidParameter, id, over, bought)
	}
	return nil
}

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

// --- template builders ---

func buildMACrossover(p Params, prefix string) (*RuleSet, error) {
	fast := p.period("fast_period", 5)
	slow := p.period("slow_period", 20)
	if fast >= slow {
		return nil, fmt.Errorf("%w: MA_CROSSOVER fast_period %d must be below slow_period %d", ErrInvalidParameter, fast, slow)
	}
	fastAlias, slowAlias := prefix+"fast_ma", prefix+"slow_ma"
	rs := &RuleSet{
		Template: MACrossover,
		Params:   p,
		requests: []Request{
			{fastAlias, indicator.SMA, indicator.Params{"period": float64(fast)}},
			{slowAlias, indicator.SMA, indicator.Params{"period": float64(slow)}},
		},
	}
	rs.evaluate = func(env *env, i int, _ State) Grade {
		fastLine, slowLine := env.line(fastAlias), env.line(slowAlias)
		switch {
		case crossUp(fastLine, slowLine, i):
			return Buy
		case crossDown(fastLine, slowLine, i):
			return Sell
		}
		return Hold
	}
	return rs, nil
}

func buildRSI(p Params, prefix string) (*RuleSet, error) {
	period := p.period("period", 14)
	oversold := p.value("oversold", 30)
	overbought := p.value("overbought", 70)
	alias := prefix + "rsi"
	rs := &RuleSet{
		Template: RSIStrategy,
		Params:   p,
		requests: []Request{
			{alias, indicator.RSI, indicator.Params{"period": float64(period)}},
		},
	}
	rs.evaluate = func(env *env, i int, state State) Grade {
		rsi := env.line(alias)
		v, ok := rsi(i)
		if !ok {
			return Hold
		}
		if state != StateLong && crossDown(rsi, constLine(oversold), i) {
			if v < oversold-10 {
				return StrongBuy
			}
			return Buy
		}
		if state == StateLong && crossUp(rsi, constLine(overbought), i) {
			if v > overbought+10 {
				return StrongSell
			}
			return Sell
		}
		return Hold
	}
	return rs, nil
}

func buildMACD(p Params, prefix string) (*RuleSet, error) {
	ip := indicator.Params{
		"fast_period":   float64(p.period("fast_period", 12)),
		"slow_period":   float64(p.period("slow_period", 26)),
		"signal_period": float64(p.period("signal_period", 9)),
	}
	lineAlias, sigAlias := prefix+"macd", prefix+"macd_signal"
	rs := &RuleSet{
		Template: MACDTrend,
		Params:   p,
		requests: []Request{
			{lineAlias, indicator.MACDLine, ip},
			{sigAlias, indicator.MACDSignal, ip},
		},
	}
	rs.evaluate = func(env *env, i int, _ State) Grade {
		macd, sig := env.line(lineAlias), env.line(sigAlias)
		grade := Hold
		switch {
		case crossUp(macd, sig, i):
			grade = Buy
		case crossDown(macd, sig, i):
			grade = Sell
		}
		// A zero-axis cross outranks a signal-line cross.
		switch {
		case crossUp(macd, constLine(0), i):
			grade = StrongBuy
		case crossDown(macd, constLine(0), i):
			grade = StrongSell
		}
		return grade
	}
	return rs, nil
}

func buildBoll(p Params, prefix string) (*RuleSet, error) {
	ip := indicator.Params{
		"period":  float64(p.period("period", 20)),
		"std_dev": p.value("std_dev", 2),
	}
	reversion := p.value("reversion", 0) == 1
	upAlias, loAlias := prefix+"boll_upper", prefix+"boll_lower"
	rs := &RuleSet{
		Template: BollBreakout,
		Params:   p,
		requests: []Request{
			{upAlias, indicator.BollUpper, ip},
			{loAlias, indicator.BollLower, ip},
		},
	}
	rs.evaluate = func(env *env, i int, _ State) Grade {
		closeL := env.closes()
		upper, lower := env.line(upAlias), env.line(loAlias)
		brokeUp := crossUp(closeL, upper, i)
		brokeDown := crossDown(closeL, lower, i)
		if reversion {
			// Mean reversion: fade the band touches.
			switch {
			case brokeDown:
				return Buy
			case brokeUp:
				return Sell
			}
			return Hold
		}
		switch {
		case brokeUp:
			return Buy
		case brokeDown:
			return Sell
		}
		return Hold
	}
	return rs, nil
}

func buildMomentum(p Params, prefix string) (*RuleSet, error) {
	period := p.period("period", 10)
	threshold := p.value("threshold", 0.02)
	_ = prefix
	rs := &RuleSet{
		Template: Momentum,
		Params:   p,
		requests: nil, // works on raw closes
	}
	rs.evaluate = func(env *env, i int, _ State) Grade {
		if i < period {
			return Hold
		}
		closes := env.series.Closes()
		base := closes[i-period]
		if base == 0 {
			return Hold
		}
		ret := closes[i]/base - 1
		switch {
		case ret > threshold:
			return Buy
		case ret < -threshold:
			return Sell
		}
		return Hold
	}
	return rs, nil
}

func buildCombined(p Params, prefix string) (*RuleSet, error) {
	type weighted struct {
		weight float64
		rules  *RuleSet
	}

	subParams := func(keys ...string) Params {
		out := Params{}
		for _, k := range keys {
			if v, ok := p[k]; ok {
				out[k] = v
			}
		}
		return out
	}

	ma, err := buildMACrossover(subParams("fast_period", "slow_period"), prefix+"c_ma_")
	if err != nil {
		return nil, err
	}
	rsi, err := buildRSI(subParams("period", "oversold", "overbought"), prefix+"c_rsi_")
	if err != nil {
		return nil, err
	}
	// MACD sub-signal runs on its conventional periods; the fast/slow keys
	// here belong to the MA legs.
	macd, err := buildMACD(Params{}, prefix+"c_macd_")
	if err != nil {
		return nil, err
	}
	boll, err := buildBoll(subParams("period", "std_dev", "reversion"), prefix+"c_boll_")
	if err != nil {
		return nil, err
	}

	subs := []weighted{
		{p.value("weight_ma", 0.25), ma},
		{p.value("weight_rsi", 0.25), rsi},
		{p.value("weight_macd", 0.25), macd},
		{p.value("weight_boll", 0.25), boll},
	}
	var totalWeight float64
	for _, s := range subs {
		totalWeight += s.weight
	}
	if totalWeight <= 0 {
		return nil, fmt.Errorf("%w: COMBINED weights sum to zero", ErrInvalidParameter)
	}
	buyThreshold := p.value("buy_threshold", 0.3)
	strongThreshold := p.value("strong_threshold", 0.6)
	if strongThreshold < buyThreshold {
		return nil, fmt.Errorf("%w: COMBINED strong_threshold %v below buy_threshold %v", ErrInvalidParameter, strongThreshold, buyThreshold)
	}

	rs := &RuleSet{Template: Combined, Params: p}
	for _, s := range subs {
		rs.requests = append(rs.requests, s.rules.requests...)
	}
	rs.evaluate = func(env *env, i int, state State) Grade {
		// Raw sub-grades (±1 regular, ±2 strong) are weight-averaged, so two
		// agreeing quarter-weight subs score 0.5 and clear the default buy
		// threshold. Opposing sub-signals net out; a score inside the dead
		// zone is a HOLD.
		var score float64
		for _, s := range subs {
			score += float64(s.rules.evaluate(env, i, state)) * (s.weight / totalWeight)
		}
		switch {
		case score > strongThreshold:
			return StrongBuy
		case score > buyThreshold:
			return Buy
		case score < -strongThreshold:
			return StrongSell
		case score < -buyThreshold:
			return Sell
		}
		return Hold
	}
	return rs, nil
}
