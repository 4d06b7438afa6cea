package markers

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"fx-dashboard/internal/candles"
)

// MinTolerance is the smallest matching window.
const MinTolerance = time.Millisecond

// Align maps events to markers in event order. Events without a usable price are
// dropped; that is not an error.
func Align(events []Event) []Marker {
	out := make([]Marker, 0, len(events))
	for i, ev := range events {
		price, ok := usablePrice(ev.Price)
		if !ok {
			continue
		}
		r := lookup(ev.Type, ev.Direction)
		id := ev.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d-%d", ev.Type, ev.Time.UnixMilli(), i)
		}
		out = append(out, Marker{
			ID:    id,
			Date:  ev.Time,
			Price: price,
			Kind:  r.kind,
			Visual: Visual{
				Shape:   r.shape,
				Color:   r.color,
				Label:   r.label,
				Tooltip: tooltip(r.label, ev.Time, price, ev.Metadata),
			},
		})
	}
	return out
}

func usablePrice(p *float64) (float64, bool) {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) || *p <= 0 {
		return 0, false
	}
	return *p, true
}

func tooltip(label string, t time.Time, price float64, meta map[string]string) string {
	var b strings.Builder
	b.WriteString(label)
	b.WriteString(" @ ")
	b.WriteString(strconv.FormatFloat(price, 'f', -1, 64))
	b.WriteString("\n")
	b.WriteString(t.UTC().Format("2006-01-02 15:04:05"))

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(meta[k])
	}
	return b.String()
}

// Tolerance is half the spacing of the first two candles, at least MinTolerance.
// Irregular series get whatever the first two candles say; see DESIGN.md.
func Tolerance(series []candles.Candle) time.Duration {
	if len(series) < 2 {
		return MinTolerance
	}
	interval := series[1].Time.Sub(series[0].Time)
	half := (interval / 2).Truncate(time.Millisecond)
	if half < MinTolerance {
		return MinTolerance
	}
	return half
}

// MatchCandle reports whether m lies within tol of c.
func MatchCandle(m Marker, c candles.Candle, tol time.Duration) bool {
	d := m.Date.Sub(c.Time)
	if d < 0 {
		d = -d
	}
	return d <= tol
}

// Nearest returns the index of the closest candle matching m within tol. series must
// be sorted by time.
func Nearest(m Marker, series []candles.Candle, tol time.Duration) (int, bool) {
	i := sort.Search(len(series), func(i int) bool { return !series[i].Time.Before(m.Date) })

	best, found := -1, false
	var bestDist time.Duration
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(series) || !MatchCandle(m, series[j], tol) {
			continue
		}
		d := m.Date.Sub(series[j].Time)
		if d < 0 {
			d = -d
		}
		if !found || d < bestDist {
			best, bestDist, found = j, d, true
		}
	}
	return best, found
}
