package market

import "fmt"

// Resample aggregates bars into coarser buckets aligned to the epoch in UTC:
// open from the first bar of each bucket, high/low from the extremes, close
// from the last, volume summed. targetMs must be a multiple of the series
// cadence.
func Resample(s *Series, targetMs int64) (*Series, error) {
	if s.Len() == 0 {
		return nil, ErrEmptySeries
	}
	cadence := s.CadenceMs()
	if cadence > 0 && targetMs%cadence != 0 {
		return nil, fmt.Errorf("market: target cadence %dms is not a multiple of source %dms", targetMs, cadence)
	}
	if targetMs <= 0 {
		return nil, fmt.Errorf("market: non-positive target cadence %dms", targetMs)
	}

	var (
		out    []Bar
		cur    Bar
		curKey int64 = -1
	)
	flush := func() {
		if curKey >= 0 {
			out = append(out, cur)
		}
	}
	for _, b := range s.Bars {
		key := b.Timestamp - b.Timestamp%targetMs
		if key != curKey {
			flush()
			curKey = key
			cur = Bar{
				Timestamp: key,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			}
			continue
		}
		if b.High.GreaterThan(cur.High) {
			cur.High = b.High
		}
		if b.Low.LessThan(cur.Low) {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume = cur.Volume.Add(b.Volume)
	}
	flush()

	// Rebuild through the constructor so ordering and OHLC checks still hold.
	return NewSeries(s.Symbol, out)
}
