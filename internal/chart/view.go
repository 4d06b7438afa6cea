package chart

import (
	"fmt"
	"sync"
	"time"

	"fx-dashboard/internal/apperr"
	"fx-dashboard/internal/candles"
	"fx-dashboard/internal/gaps"
	"fx-dashboard/internal/markers"
)

// Status is the viewport state.
type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "loading"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Token identifies one fetch. Only the most recent token may update the view.
type Token uint64

const minSpan = time.Minute

// View owns the visible window of a chart and everything drawn in it. It is safe
// for concurrent use.
type View struct {
	mu sync.Mutex

	initial candles.Range
	visible candles.Range
	loaded  candles.Range
	pending candles.Range

	width, height int

	generation uint64
	inFlight   bool
	errMsg     string

	series  []candles.Candle
	gaps    []gaps.Gap
	markers []markers.Marker

	showTrades   bool
	showBoundary bool

	crosshairX  int
	crosshairOn bool
}

// NewView creates a view that starts (and resets) at initial. An invalid initial
// range puts the view in the error state.
func NewView(initial candles.Range) *View {
	v := &View{
		initial:      initial,
		visible:      initial,
		showTrades:   true,
		showBoundary: true,
	}
	if err := validateRange(initial); err != nil {
		v.errMsg = err.Error()
	}
	return v
}

func validateRange(r candles.Range) error {
	if r.From.IsZero() || r.To.IsZero() {
		return apperr.Validation("chart.range", "range bounds must be set")
	}
	if !r.From.Before(r.To) {
		return apperr.Validation("chart.range", "invalid range: from %s is not before to %s",
			r.From.UTC().Format(time.RFC3339), r.To.UTC().Format(time.RFC3339))
	}
	return nil
}

// Status returns the current viewport state and, for StatusError, its message.
// Error wins until a fetch succeeds; otherwise Loading covers in-flight fetches and
// an unmeasured container.
func (v *View) Status() (Status, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.statusLocked()
}

func (v *View) statusLocked() (Status, string) {
	switch {
	case v.errMsg != "":
		return StatusError, v.errMsg
	case v.inFlight || v.width <= 0 || v.height <= 0:
		return StatusLoading, ""
	default:
		return StatusReady, ""
	}
}

// Resize records the measured container size.
func (v *View) Resize(width, height int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.width, v.height = width, height
}

// VisibleRange returns the current window.
func (v *View) VisibleRange() candles.Range {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

// SetRange moves the window to r. An invalid r puts the view in the error state.
func (v *View) SetRange(r candles.Range) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := validateRange(r); err != nil {
		v.errMsg = err.Error()
		return err
	}
	v.setVisibleLocked(r)
	return nil
}

// NeedsFetch reports whether the visible window extends beyond the loaded data, and
// which range should be requested.
func (v *View) NeedsFetch() (candles.Range, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loaded.IsZero() {
		return v.visible, true
	}
	covered := !v.visible.From.Before(v.loaded.From) && !v.visible.To.After(v.loaded.To)
	return v.visible, !covered
}

// BeginFetch starts a fetch for r and returns its token. Any earlier token becomes stale.
func (v *View) BeginFetch(r candles.Range) Token {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.generation++
	v.inFlight = true
	v.pending = r
	return Token(v.generation)
}

// CompleteFetch installs series if tok is still current. It returns false for a
// superseded fetch, whose data is discarded.
func (v *View) CompleteFetch(tok Token, series []candles.Candle) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if uint64(tok) != v.generation {
		return false
	}
	v.inFlight = false
	v.errMsg = ""
	v.series = series
	v.loaded = v.pending
	v.gaps = gaps.Detect(v.series, v.visible)
	return true
}

// FailFetch records a fetch failure if tok is still current.
func (v *View) FailFetch(tok Token, err error) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if uint64(tok) != v.generation {
		return false
	}
	v.inFlight = false
	v.errMsg = err.Error()
	return true
}

// Pan shifts the window by d (negative moves back in time).
func (v *View) Pan(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setVisibleLocked(candles.Range{From: v.visible.From.Add(d), To: v.visible.To.Add(d)})
}

// Zoom scales the window around anchor. factor > 1 zooms in. The span never drops
// below a minute, nor below two candle intervals once candles are loaded.
func (v *View) Zoom(factor float64, anchor time.Time) {
	if factor <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	span := v.visible.Duration()
	newSpan := time.Duration(float64(span) / factor)
	floor := minSpan
	if d := 2 * density(v.series, 0); d > floor {
		floor = d
	}
	if newSpan < floor {
		newSpan = floor
	}
	if anchor.Before(v.visible.From) || anchor.After(v.visible.To) {
		anchor = v.visible.From.Add(span / 2)
	}
	ratio := float64(anchor.Sub(v.visible.From)) / float64(span)
	from := anchor.Add(-time.Duration(ratio * float64(newSpan)))
	v.setVisibleLocked(candles.Range{From: from, To: from.Add(newSpan)})
}

// Reset restores the initial window.
func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setVisibleLocked(v.initial)
}

func (v *View) setVisibleLocked(r candles.Range) {
	v.visible = r
	v.gaps = gaps.Detect(v.series, v.visible)
}

// SetMarkers replaces the marker set.
func (v *View) SetMarkers(ms []markers.Marker) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.markers = ms
}

// ShowTradeMarkers toggles buy/sell/entry/close markers as one group.
func (v *View) ShowTradeMarkers(show bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.showTrades = show
}

// ShowBoundaryMarkers toggles start/end markers.
func (v *View) ShowBoundaryMarkers(show bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.showBoundary = show
}

// MoveCrosshair places the crosshair at pixel column x.
func (v *View) MoveCrosshair(x int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.crosshairX, v.crosshairOn = x, true
}

// HideCrosshair removes the crosshair.
func (v *View) HideCrosshair() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.crosshairOn = false
}

// Gaps returns the gaps of the loaded series within the visible window.
func (v *View) Gaps() []gaps.Gap {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]gaps.Gap(nil), v.gaps...)
}

// Series returns the loaded candles.
func (v *View) Series() []candles.Candle {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]candles.Candle(nil), v.series...)
}

func (v *View) String() string {
	st, msg := v.Status()
	r := v.VisibleRange()
	return fmt.Sprintf("chart(%s %s..%s %s)", st, r.From.Format(time.RFC3339), r.To.Format(time.RFC3339), msg)
}
