package strategies

import (
	"fmt"

	"quantlab/services/indicator"
	"quantlab/services/market"
)

// Grade is the five-level signal value.
type Grade int

const (
	StrongSell Grade = -2
	Sell       Grade = -1
	Hold       Grade = 0
	Buy        Grade = 1
	StrongBuy  Grade = 2
)

func (g Grade) String() string {
	switch g {
	case StrongSell:
		return "STRONG_SELL"
	case Sell:
		return "SELL"
	case Hold:
		return "HOLD"
	case Buy:
		return "BUY"
	case StrongBuy:
		return "STRONG_BUY"
	}
	return fmt.Sprintf("Grade(%d)", int(g))
}

// IsBuy reports a buy-side grade.
func (g Grade) IsBuy() bool { return g > 0 }

// IsSell reports a sell-side grade.
func (g Grade) IsSell() bool { return g < 0 }

// Signal is one graded observation per bar per strategy instance. Immutable
// once produced.
type Signal struct {
	Timestamp int64
	Grade     Grade
}

// State is the position stance of the signal state machine.
type State int

const (
	StateNone State = iota
	StateLong
	StateShort
)

func (s State) String() string {
	switch s {
	case StateLong:
		return "LONG"
	case StateShort:
		return "SHORT"
	}
	return "NONE"
}

// line reads one value stream at a bar index; ok is false during warm-up.
type line func(i int) (float64, bool)

// crossUp reports an upward cross of a over ref at bar i: a[i] > ref[i] while
// bar i-1 was not above. An undefined i-1 counts as "not above", so the first
// defined bar with a already over ref is itself the cross. Touching without
// strict inequality at i is not a cross.
func crossUp(a, ref line, i int) bool {
	if i < 1 {
		return false
	}
	a1, ok1 := a(i)
	r1, ok2 := ref(i)
	if !ok1 || !ok2 || a1 <= r1 {
		return false
	}
	a0, ok3 := a(i - 1)
	r0, ok4 := ref(i - 1)
	if !ok3 || !ok4 {
		return true
	}
	return a0 <= r0
}

// crossDown mirrors crossUp: an undefined i-1 counts as "not below".
func crossDown(a, ref line, i int) bool {
	if i < 1 {
		return false
	}
	a1, ok1 := a(i)
	r1, ok2 := ref(i)
	if !ok1 || !ok2 || a1 >= r1 {
		return false
	}
	a0, ok3 := a(i - 1)
	r0, ok4 := ref(i - 1)
	if !ok3 || !ok4 {
		return true
	}
	return a0 >= r0
}

func constLine(v float64) line {
	return func(int) (float64, bool) { return v, true }
}

// env holds the computed indicator lines a rule set evaluates against.
type env struct {
	series  *market.Series
	results map[string]*indicator.Result
	closesF []float64
}

func (e *env) line(alias string) line {
	r := e.results[alias]
	return func(i int) (float64, bool) {
		if r == nil || !r.Defined(i) {
			return 0, false
		}
		return r.At(i), true
	}
}

func (e *env) closes() line {
	return func(i int) (float64, bool) {
		if i < 0 || i >= len(e.closesF) {
			return 0, false
		}
		return e.closesF[i], true
	}
}

// Generator evaluates a rule set bar by bar through the {NONE, LONG, SHORT}
// state machine, emitting exactly one signal per bar.
type Generator struct {
	Rules *RuleSet
	Cache *indicator.Cache

	// AllowShort lets sell signals flip the stance to SHORT instead of only
	// exiting to NONE.
	AllowShort bool
	// Pyramiding permits repeated same-direction signals while already in
	// that stance. Off by default; duplicates are suppressed to HOLD.
	Pyramiding bool
}

// Generate produces one signal per bar in time order. Bars where a required
// indicator is still warming up emit HOLD. Returns InsufficientData when the
// whole series is shorter than a required indicator's warm-up.
func (g *Generator) Generate(s *market.Series) ([]Signal, error) {
	e := &env{
		series:  s,
		results: make(map[string]*indicator.Result, len(g.Rules.requests)),
		closesF: s.Closes(),
	}
	for _, req := range g.Rules.requests {
		var (
			r   *indicator.Result
			err error
		)
		if g.Cache != nil {
			r, err = g.Cache.Compute(s, req.Name, req.Params)
		} else {
			r, err = indicator.Compute(s, req.Name, req.Params)
		}
		if err != nil {
			return nil, fmt.Errorf("strategies: %s: %w", g.Rules.Template, err)
		}
		e.results[req.Alias] = r
	}

	signals := make([]Signal, s.Len())
	state := StateNone
	for i, bar := range s.Bars {
		raw := g.Rules.evaluate(e, i, state)
		signals[i] = Signal{Timestamp: bar.Timestamp, Grade: g.step(&state, raw)}
	}
	return signals, nil
}

// step applies the state transition table and suppression rules, returning
// the emitted grade.
func (g *Generator) step(state *State, raw Grade) Grade {
	switch {
	case raw.IsBuy():
		if *state == StateLong && !g.Pyramiding {
			return Hold
		}
		*state = StateLong
		return raw
	case raw.IsSell():
		switch *state {
		case StateLong:
			if g.AllowShort {
				*state = StateShort
			} else {
				*state = StateNone
			}
			return raw
		case StateShort:
			if !g.Pyramiding {
				return Hold
			}
			return raw
		default: // flat
			if !g.AllowShort {
				return Hold
			}
			*state = StateShort
			return raw
		}
	}
	return Hold
}
