package indicator

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"quantlab/services/market"
)

// extState carries the recursive tail of an indicator so a cached result can
// be extended over appended bars without recomputing history.
type extState struct {
	ema       float64
	avgGain   float64
	avgLoss   float64
	atr       float64
	obv       float64
	adl       float64
	prevClose float64
}

// Cache stores computed indicator results keyed by (symbol, indicator,
// params). Writes are idempotent: recomputing the same key always yields the
// same values, so a duplicate computation on a race is tolerated rather than
// serialized behind the lock.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// entry pins a cached result to the exact bars it was computed from. Symbol
// labels are caller-supplied, so a second series under the same label must
// miss rather than be served the first one's values.
type entry struct {
	result *Result
	sum    uint64 // fingerprint of the bars the result covers
}

// matches reports whether s starts with the bars this entry was computed
// from.
func (e *entry) matches(s *market.Series) bool {
	n := len(e.result.Values)
	return s.Len() >= n && fingerprint(s, n) == e.sum
}

// fingerprint hashes the first n bars, all OHLCV fields included.
func fingerprint(s *market.Series, n int) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	field := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for _, b := range s.Bars[:n] {
		field(uint64(b.Timestamp))
		field(math.Float64bits(b.Open.InexactFloat64()))
		field(math.Float64bits(b.High.InexactFloat64()))
		field(math.Float64bits(b.Low.InexactFloat64()))
		field(math.Float64bits(b.Close.InexactFloat64()))
		field(math.Float64bits(b.Volume.InexactFloat64()))
	}
	return h.Sum64()
}

// NewCache returns an empty indicator cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

func cacheKey(symbol string, name Name, params Params) string {
	return symbol + "|" + string(name) + "|" + params.key()
}

// Compute returns the indicator result for the series, consulting the cache
// first. When the cached result covers a shorter prefix of the same series
// and the indicator has a recursive form (EMA, Wilder RSI/ATR, OBV, ADL),
// only the new suffix is computed.
func (c *Cache) Compute(s *market.Series, name Name, params Params) (*Result, error) {
	warmup, err := Warmup(name, params)
	if err != nil {
		return nil, err
	}
	if s.Len() <= warmup {
		// Delegate for the canonical InsufficientData error.
		return Compute(s, name, params)
	}

	key := cacheKey(s.Symbol, name, params)

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && cached.matches(s) {
		switch {
		case len(cached.result.Values) == s.Len():
			return cached.result, nil
		case cached.result.ext != nil:
			extended := extend(cached.result, s, name, params)
			if extended != nil {
				c.put(key, extended, s)
				return extended, nil
			}
		}
	}

	result, err := Compute(s, name, params)
	if err != nil {
		return nil, err
	}
	c.put(key, result, s)
	return result, nil
}

func (c *Cache) put(key string, r *Result, s *market.Series) {
	e := &entry{result: r, sum: fingerprint(s, len(r.Values))}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Invalidate drops all cached results for a symbol.
func (c *Cache) Invalidate(symbol string) {
	prefix := symbol + "|"
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// extend continues a cached recursive indicator over the appended suffix.
// Returns nil when the indicator has no incremental form.
func extend(cached *Result, s *market.Series, name Name, params Params) *Result {
	m := len(cached.Values)
	n := s.Len()

	values := make([]float64, n)
	copy(values, cached.Values)
	st := *cached.ext

	switch name {
	case EMA:
		period := params.period("period", 20)
		alpha := 2.0 / float64(period+1)
		closes := s.Closes()
		for i := m; i < n; i++ {
			st.ema = closes[i]*alpha + st.ema*(1-alpha)
			values[i] = st.ema
		}
		st.prevClose = closes[n-1]
	case RSI:
		period := float64(params.period("period", 14))
		closes := s.Closes()
		for i := m; i < n; i++ {
			change := closes[i] - st.prevClose
			gain, loss := 0.0, 0.0
			if change > 0 {
				gain = change
			} else {
				loss = -change
			}
			st.avgGain = (st.avgGain*(period-1) + gain) / period
			st.avgLoss = (st.avgLoss*(period-1) + loss) / period
			values[i] = rsiValue(st.avgGain, st.avgLoss)
			st.prevClose = closes[i]
		}
	case ATR:
		period := float64(params.period("period", 14))
		highs, lows, closes := s.Highs(), s.Lows(), s.Closes()
		for i := m; i < n; i++ {
			st.atr = (st.atr*(period-1) + trueRange(highs[i], lows[i], st.prevClose)) / period
			values[i] = st.atr
			st.prevClose = closes[i]
		}
	case OBV:
		closes, volumes := s.Closes(), s.Volumes()
		for i := m; i < n; i++ {
			switch {
			case closes[i] > st.prevClose:
				st.obv += volumes[i]
			case closes[i] < st.prevClose:
				st.obv -= volumes[i]
			}
			values[i] = st.obv
			st.prevClose = closes[i]
		}
	case ADL:
		highs, lows, closes, volumes := s.Highs(), s.Lows(), s.Closes(), s.Volumes()
		for i := m; i < n; i++ {
			st.adl += moneyFlowVolume(highs[i], lows[i], closes[i], volumes[i])
			values[i] = st.adl
		}
	default:
		return nil
	}

	// Cached prefixes shorter than warm-up never carry defined values, so the
	// extension path only runs once the seed exists.
	if cached.Warmup < n && math.IsNaN(values[cached.Warmup]) {
		return nil
	}

	return &Result{
		Name:   name,
		Params: params,
		Values: values,
		Warmup: cached.Warmup,
		ext:    &st,
	}
}
