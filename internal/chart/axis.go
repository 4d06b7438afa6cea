package chart

import (
	"math"
	"strconv"
	"time"

	"fx-dashboard/internal/candles"
)

const (
	// minTickSpacing keeps time labels from colliding.
	minTickSpacing = 80
	minTicks       = 2
	maxTicks       = 12

	day = 24 * time.Hour
)

// Label formats, chosen by span and data density rather than by calendar rules.
const (
	FormatTimeOfDay = "15:04"
	FormatDateTime  = "01-02 15:04"
	FormatDate      = "2006-01-02"
)

// Axis is the time-axis configuration for one frame.
type Axis struct {
	Format string
	Ticks  int
}

// ChooseAxis picks the label format from the visible span and the average spacing of
// the data, and the tick count from the available width.
func ChooseAxis(span, density time.Duration, width int) Axis {
	var format string
	switch {
	case density >= day:
		format = FormatDate
	case span <= day:
		format = FormatTimeOfDay
	default:
		format = FormatDateTime
	}

	ticks := width / minTickSpacing
	if ticks < minTicks {
		ticks = minTicks
	}
	if ticks > maxTicks {
		ticks = maxTicks
	}
	return Axis{Format: format, Ticks: ticks}
}

// density is the mean spacing of the candles, or fallback when there are fewer than two.
func density(series []candles.Candle, fallback time.Duration) time.Duration {
	if len(series) < 2 {
		return fallback
	}
	return series[len(series)-1].Time.Sub(series[0].Time) / time.Duration(len(series)-1)
}

// timeTicks spreads n ticks evenly across r, both ends included.
func timeTicks(r candles.Range, n int) []time.Time {
	if n < 2 {
		n = 2
	}
	out := make([]time.Time, n)
	step := r.Duration() / time.Duration(n-1)
	for i := range out {
		out[i] = r.From.Add(step * time.Duration(i))
	}
	out[n-1] = r.To
	return out
}

// priceTicks returns n evenly spaced levels between lo and hi inclusive.
func priceTicks(lo, hi float64, n int) []float64 {
	if n < 2 || hi <= lo {
		return []float64{lo}
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	return out
}

// priceDecimals follows FX quoting: five decimals for most pairs, three for JPY-sized prices.
func priceDecimals(p float64) int {
	if math.Abs(p) >= 10 {
		return 3
	}
	return 5
}

func formatPrice(p float64, decimals int) string {
	return strconv.FormatFloat(p, 'f', decimals, 64)
}
