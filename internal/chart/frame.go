package chart

import (
	"fmt"
	"math"
	"time"

	"fx-dashboard/internal/candles"
	"fx-dashboard/internal/gaps"
	"fx-dashboard/internal/markers"
)

const (
	marginLeft   = 10
	marginRight  = 70
	marginTop    = 10
	marginBottom = 30

	pricePadding   = 0.05
	bodyFill       = 0.7
	priceTickCount = 5
)

// Rect is a pixel rectangle.
type Rect struct {
	X, Y, W, H float64
}

// XTick is a labelled position on the time axis.
type XTick struct {
	X     float64
	Label string
}

// YTick is a labelled position on the price axis.
type YTick struct {
	Y     float64
	Label string
}

// CandleGlyph is a candlestick in pixel space.
type CandleGlyph struct {
	X, Width      float64
	OpenY, CloseY float64
	HighY, LowY   float64
	Up            bool
	Candle        candles.Candle
}

// GapGlyph is a decorative overlay for a gap.
type GapGlyph struct {
	X0, X1 float64
	Kind   gaps.Kind
}

// MarkerGlyph is a marker attached to a candle.
type MarkerGlyph struct {
	X, Y   float64
	Marker markers.Marker
}

// Crosshair is the hover line with its tooltip.
type Crosshair struct {
	X      float64
	Candle candles.Candle
	Label  string
}

// Frame is everything needed to draw one picture of the view.
type Frame struct {
	Width, Height int
	Status        Status
	Message       string
	Plot          Rect
	Axis          Axis
	XTicks        []XTick
	YTicks        []YTick
	Gaps          []GapGlyph
	Candles       []CandleGlyph
	Markers       []MarkerGlyph
	Crosshair     *Crosshair
}

// Frame lays out the current state in pixel space. Anything that would produce a
// non-finite coordinate is left out rather than failing the frame.
func (v *View) Frame() Frame {
	v.mu.Lock()
	defer v.mu.Unlock()

	st, msg := v.statusLocked()
	f := Frame{Width: v.width, Height: v.height, Status: st, Message: msg}
	if st != StatusReady {
		return f
	}

	f.Plot = Rect{
		X: marginLeft,
		Y: marginTop,
		W: float64(v.width - marginLeft - marginRight),
		H: float64(v.height - marginTop - marginBottom),
	}
	if f.Plot.W <= 0 || f.Plot.H <= 0 {
		return f
	}

	r := v.visible
	span := r.Duration()
	visible := visibleCandles(v.series, r)
	dens := density(visible, span)
	f.Axis = ChooseAxis(span, dens, int(f.Plot.W))

	xOf := func(t time.Time) float64 {
		return f.Plot.X + float64(t.Sub(r.From))/float64(span)*f.Plot.W
	}
	for _, t := range timeTicks(r, f.Axis.Ticks) {
		f.XTicks = append(f.XTicks, XTick{X: xOf(t), Label: t.UTC().Format(f.Axis.Format)})
	}

	// gap overlays never take part in marker matching
	for _, g := range v.gaps {
		x0, x1 := clamp(xOf(g.Start), f.Plot.X, f.Plot.X+f.Plot.W), clamp(xOf(g.End), f.Plot.X, f.Plot.X+f.Plot.W)
		if !finite(x0, x1) || x1 <= x0 {
			continue
		}
		f.Gaps = append(f.Gaps, GapGlyph{X0: x0, X1: x1, Kind: g.Kind})
	}

	if len(visible) == 0 {
		return f
	}

	lo, hi := priceBounds(visible)
	yOf := func(p float64) float64 {
		return f.Plot.Y + (hi-p)/(hi-lo)*f.Plot.H
	}
	decimals := priceDecimals(hi)
	for _, p := range priceTicks(lo, hi, priceTickCount) {
		f.YTicks = append(f.YTicks, YTick{Y: yOf(p), Label: formatPrice(p, decimals)})
	}

	width := math.Max(1, float64(dens)/float64(span)*f.Plot.W*bodyFill)
	for _, c := range visible {
		g := CandleGlyph{
			X:      xOf(c.Time),
			Width:  width,
			OpenY:  yOf(c.Open),
			CloseY: yOf(c.Close),
			HighY:  yOf(c.High),
			LowY:   yOf(c.Low),
			Up:     c.Close >= c.Open,
			Candle: c,
		}
		if !finite(g.X, g.OpenY, g.CloseY, g.HighY, g.LowY) {
			continue
		}
		f.Candles = append(f.Candles, g)
	}

	tol := markers.Tolerance(v.series)
	for _, m := range v.markers {
		if (m.Kind.IsTrade() && !v.showTrades) || (m.Kind.IsBoundary() && !v.showBoundary) {
			continue
		}
		i, ok := markers.Nearest(m, visible, tol)
		if !ok {
			continue
		}
		x, y := xOf(visible[i].Time), yOf(m.Price)
		if !finite(x, y) {
			continue
		}
		f.Markers = append(f.Markers, MarkerGlyph{X: x, Y: y, Marker: m})
	}

	if v.crosshairOn {
		f.Crosshair = crosshair(float64(v.crosshairX), f.Plot, r, visible, xOf, decimals)
	}
	return f
}

func crosshair(x float64, plot Rect, r candles.Range, visible []candles.Candle, xOf func(time.Time) float64, decimals int) *Crosshair {
	if x < plot.X || x > plot.X+plot.W {
		return nil
	}
	t := r.From.Add(time.Duration((x - plot.X) / plot.W * float64(r.Duration())))
	best := 0
	for i := range visible {
		if absDur(visible[i].Time.Sub(t)) < absDur(visible[best].Time.Sub(t)) {
			best = i
		}
	}
	c := visible[best]
	return &Crosshair{
		X:      xOf(c.Time),
		Candle: c,
		Label: fmt.Sprintf("%s O %s H %s L %s C %s V %d",
			c.Time.UTC().Format("2006-01-02 15:04"),
			formatPrice(c.Open, decimals), formatPrice(c.High, decimals),
			formatPrice(c.Low, decimals), formatPrice(c.Close, decimals), c.Volume),
	}
}

func visibleCandles(series []candles.Candle, r candles.Range) []candles.Candle {
	var out []candles.Candle
	for _, c := range series {
		if r.Contains(c.Time) {
			out = append(out, c)
		}
	}
	return out
}

func priceBounds(series []candles.Candle) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, c := range series {
		if finite(c.Low) && c.Low < lo {
			lo = c.Low
		}
		if finite(c.High) && c.High > hi {
			hi = c.High
		}
	}
	if !finite(lo, hi) {
		return 0, 1
	}
	pad := (hi - lo) * pricePadding
	if pad == 0 {
		pad = math.Max(math.Abs(hi)*0.001, 1e-5)
	}
	return lo - pad, hi + pad
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
