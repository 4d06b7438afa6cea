package candles

import (
	"math"
	"time"
)

// TransformCandles converts backend records into Candles. Records whose timestamp is
// non-positive or not a finite number are dropped and counted, never fatal: partial
// data is better than none. The function keeps no state, so calling it twice on the
// same input gives equal results.
func TransformCandles(raw []RawCandle) ([]Candle, int) {
	out := make([]Candle, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		ts := float64(r.Time)
		if math.IsNaN(ts) || math.IsInf(ts, 0) || ts <= 0 {
			dropped++
			continue
		}
		sec, frac := math.Modf(ts)
		out = append(out, Candle{
			Time:   time.Unix(int64(sec), int64(math.Round(frac*1e3))*int64(time.Millisecond)).UTC(),
			Open:   float64(r.Open),
			High:   float64(r.High),
			Low:    float64(r.Low),
			Close:  float64(r.Close),
			Volume: volume(r.Volume),
		})
	}
	return out, dropped
}

func volume(n Number) int64 {
	v := float64(n)
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return int64(v)
}
