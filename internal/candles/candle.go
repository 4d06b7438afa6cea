package candles

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Candle is one OHLCV sample. Low <= Open, Close <= High is trusted, not checked.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// RawCandle is a candle as the backend sends it: epoch seconds, numbers that may
// arrive quoted.
type RawCandle struct {
	Time   Number `json:"time"`
	Open   Number `json:"open"`
	High   Number `json:"high"`
	Low    Number `json:"low"`
	Close  Number `json:"close"`
	Volume Number `json:"volume"`
}

// Number decodes a JSON number or a numeric string. Anything else decodes to NaN
// so that a single bad record cannot fail a whole response.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*n = Number(math.NaN())
			return nil
		}
		b = []byte(s)
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		*n = Number(math.NaN())
		return nil
	}
	*n = Number(v)
	return nil
}

// Range is a half-open time window [From, To).
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// IsZero reports whether no range was given.
func (r Range) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

// Valid reports whether both ends are set and From < To.
func (r Range) Valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.From.Before(r.To)
}

// Duration is To - From.
func (r Range) Duration() time.Duration { return r.To.Sub(r.From) }

// Contains reports whether t lies in [From, To].
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

var granularities = map[string]time.Duration{
	"S5":  5 * time.Second,
	"S10": 10 * time.Second,
	"S30": 30 * time.Second,
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"D":   24 * time.Hour,
	"W":   7 * 24 * time.Hour,
}

// GranularityDuration returns the bucket width of a granularity code such as "M5" or "H1".
func GranularityDuration(g string) (time.Duration, bool) {
	d, ok := granularities[g]
	return d, ok
}
