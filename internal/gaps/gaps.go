// Package gaps finds intervals of a requested window that have no candles.
//
// Three thresholds are used because missing data has three different causes:
// providers start a little late (start), the last period is often incomplete (end)
// and markets close over weekends and holidays (middle).
package gaps

import (
	"fmt"
	"time"

	"fx-dashboard/internal/candles"
)

// DefaultInterval is used when the series is too short to estimate its spacing.
const DefaultInterval = time.Hour

const (
	startFactor  = 2.0
	endFactor    = 0.5
	middleFactor = 1.5
)

// Kind tells where in the window a gap lies.
type Kind int

const (
	Start Kind = iota
	Middle
	End
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case Middle:
		return "middle"
	case End:
		return "end"
	default:
		return "unknown"
	}
}

// MarshalText lets Kind render as a word in JSON.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "start":
		*k = Start
	case "middle":
		*k = Middle
	case "end":
		*k = End
	default:
		return fmt.Errorf("unknown gap kind %q", b)
	}
	return nil
}

// Gap is a sub-interval of the requested window with no candle.
type Gap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Kind  Kind      `json:"kind"`
}

// Duration is End - Start.
func (g Gap) Duration() time.Duration { return g.End.Sub(g.Start) }

// AverageInterval estimates the series spacing from its first three candles.
func AverageInterval(series []candles.Candle) time.Duration {
	if len(series) < 3 {
		return DefaultInterval
	}
	return series[2].Time.Sub(series[0].Time) / 2
}

// Detect returns the gaps of series within r in temporal order. Overlapping gaps
// are not merged. The same interval estimate is used for all three checks.
func Detect(series []candles.Candle, r candles.Range) []Gap {
	if len(series) < 2 || r.IsZero() {
		return nil
	}

	avg := float64(AverageInterval(series))
	first := series[0].Time
	last := series[len(series)-1].Time

	var out []Gap
	if float64(first.Sub(r.From)) > startFactor*avg {
		out = append(out, Gap{Start: r.From, End: first, Kind: Start})
	}

	for i := 1; i < len(series); i++ {
		prev, next := series[i-1].Time, series[i].Time
		if float64(next.Sub(prev)) > middleFactor*avg {
			out = append(out, Gap{Start: prev, End: next, Kind: Middle})
		}
	}

	if float64(r.To.Sub(last)) > endFactor*avg {
		out = append(out, Gap{Start: last, End: r.To, Kind: End})
	}
	return out
}

// Filter returns the gaps of the given kind.
func Filter(gs []Gap, kind Kind) []Gap {
	var out []Gap
	for _, g := range gs {
		if g.Kind == kind {
			out = append(out, g)
		}
	}
	return out
}
