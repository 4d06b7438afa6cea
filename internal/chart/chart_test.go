package chart

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"fx-dashboard/internal/candles"
	"fx-dashboard/internal/gaps"
	"fx-dashboard/internal/markers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func createTestCandles(start time.Time, interval time.Duration, count int) []candles.Candle {
	out := make([]candles.Candle, count)
	for i := range out {
		base := 1.1000 + float64(i)*0.0010
		out[i] = candles.Candle{
			Time:   start.Add(time.Duration(i) * interval),
			Open:   base,
			High:   base + 0.0020,
			Low:    base - 0.0015,
			Close:  base + 0.0005,
			Volume: int64(100 + i),
		}
	}
	return out
}

func readyView(t *testing.T, r candles.Range, series []candles.Candle) *View {
	t.Helper()
	v := NewView(r)
	v.Resize(800, 400)
	tok := v.BeginFetch(r)
	require.True(t, v.CompleteFetch(tok, series))
	st, _ := v.Status()
	require.Equal(t, StatusReady, st)
	return v
}

func TestStateMachine(t *testing.T) {
	r := candles.Range{From: t0, To: t0.Add(10 * time.Hour)}
	v := NewView(r)

	st, _ := v.Status()
	assert.Equal(t, StatusLoading, st, "unmeasured container")

	v.Resize(800, 400)
	tok := v.BeginFetch(r)
	st, _ = v.Status()
	assert.Equal(t, StatusLoading, st, "fetch in flight")

	v.FailFetch(tok, errors.New("candles: transient error (status 503): maintenance"))
	st, msg := v.Status()
	assert.Equal(t, StatusError, st)
	assert.Contains(t, msg, "maintenance")

	// a new fetch does not clear the error until it succeeds
	tok = v.BeginFetch(r)
	st, _ = v.Status()
	assert.Equal(t, StatusError, st)

	require.True(t, v.CompleteFetch(tok, createTestCandles(t0, time.Hour, 10)))
	st, _ = v.Status()
	assert.Equal(t, StatusReady, st)
}

func TestInvalidRangeEntersError(t *testing.T) {
	v := NewView(candles.Range{From: t0.Add(time.Hour), To: t0})
	st, _ := v.Status()
	assert.Equal(t, StatusError, st)

	good := readyView(t, candles.Range{From: t0, To: t0.Add(time.Hour)}, createTestCandles(t0, time.Minute, 60))
	err := good.SetRange(candles.Range{From: t0, To: t0})
	assert.Error(t, err)
	st, _ = good.Status()
	assert.Equal(t, StatusError, st)

	assert.Error(t, good.SetRange(candles.Range{To: t0}))
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	r := candles.Range{From: t0, To: t0.Add(5 * time.Hour)}
	v := NewView(r)
	v.Resize(800, 400)

	first := v.BeginFetch(r)
	second := v.BeginFetch(r)

	assert.True(t, v.CompleteFetch(second, createTestCandles(t0, time.Hour, 5)))
	assert.False(t, v.CompleteFetch(first, createTestCandles(t0, time.Hour, 2)))
	assert.False(t, v.FailFetch(first, errors.New("late failure")))

	assert.Len(t, v.Series(), 5)
	st, _ := v.Status()
	assert.Equal(t, StatusReady, st)
}

func TestPanZoomReset(t *testing.T) {
	r := candles.Range{From: t0, To: t0.Add(10 * time.Hour)}
	v := readyView(t, r, createTestCandles(t0, time.Hour, 11))

	v.Pan(2 * time.Hour)
	assert.Equal(t, candles.Range{From: t0.Add(2 * time.Hour), To: t0.Add(12 * time.Hour)}, v.VisibleRange())

	_, needs := v.NeedsFetch()
	assert.True(t, needs, "panned past loaded data")

	v.Zoom(2, t0.Add(7*time.Hour))
	got := v.VisibleRange()
	assert.Equal(t, 5*time.Hour, got.Duration())
	assert.True(t, got.Contains(t0.Add(7*time.Hour)))

	v.Zoom(1000, t0.Add(7*time.Hour))
	assert.Equal(t, 2*time.Hour, v.VisibleRange().Duration(), "span floors at two intervals")

	v.Reset()
	assert.Equal(t, r, v.VisibleRange())
	_, needs = v.NeedsFetch()
	assert.False(t, needs)
}

func TestZoomWithoutCandleDensity(t *testing.T) {
	r := candles.Range{From: t0, To: t0.Add(10 * time.Hour)}
	mid := t0.Add(5 * time.Hour)

	tests := []struct {
		name   string
		series []candles.Candle
	}{
		{"empty view", nil},
		{"single candle", createTestCandles(t0, time.Hour, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := readyView(t, r, tt.series)

			v.Zoom(2, mid)
			got := v.VisibleRange()
			assert.Equal(t, 5*time.Hour, got.Duration(), "zooming in must narrow the window")
			assert.Equal(t, t0.Add(150*time.Minute), got.From)

			v.Zoom(1e6, mid)
			assert.Equal(t, minSpan, v.VisibleRange().Duration())
		})
	}
}

func TestGapsFollowVisibleRange(t *testing.T) {
	series := []candles.Candle{
		{Time: t0, Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15},
		{Time: t0.Add(2 * time.Hour), Open: 1.15, High: 1.2, Low: 1.1, Close: 1.12},
	}
	v := readyView(t, candles.Range{From: t0, To: t0.Add(3 * time.Hour)}, series)

	middles := gaps.Filter(v.Gaps(), gaps.Middle)
	require.Len(t, middles, 1)
	assert.Equal(t, t0, middles[0].Start)
	assert.Equal(t, t0.Add(2*time.Hour), middles[0].End)

	f := v.Frame()
	assert.Len(t, f.Candles, 2)
	assert.NotEmpty(t, f.Gaps)
}

func TestChooseAxis(t *testing.T) {
	tests := []struct {
		name    string
		span    time.Duration
		density time.Duration
		width   int
		want    Axis
	}{
		{"intraday span", 6 * time.Hour, 5 * time.Minute, 800, Axis{FormatTimeOfDay, 10}},
		{"multi-day intraday data", 3 * day, time.Hour, 400, Axis{FormatDateTime, 5}},
		{"daily data", 90 * day, day, 2000, Axis{FormatDate, 12}},
		{"tiny container", time.Hour, time.Minute, 50, Axis{FormatTimeOfDay, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseAxis(tt.span, tt.density, tt.width))
		})
	}
}

func TestTickCountFollowsResize(t *testing.T) {
	r := candles.Range{From: t0, To: t0.Add(10 * time.Hour)}
	v := readyView(t, r, createTestCandles(t0, time.Hour, 11))

	narrow := v.Frame()
	v.Resize(1600, 400)
	wide := v.Frame()

	assert.Greater(t, len(wide.XTicks), len(narrow.XTicks))
	assert.Equal(t, "00:00", narrow.XTicks[0].Label)
}

func TestMarkerGroupsAndMatching(t *testing.T) {
	r := candles.Range{From: t0, To: t0.Add(10 * time.Hour)}
	v := readyView(t, r, createTestCandles(t0, time.Hour, 11))
	p := 1.1030
	v.SetMarkers(markers.Align([]markers.Event{
		{ID: "buy", Time: t0.Add(3*time.Hour + 10*time.Minute), Price: &p, Type: markers.EventEntry, Direction: markers.DirectionLong},
		{ID: "start", Time: t0, Price: &p, Type: markers.EventStrategyStart},
		{ID: "orphan", Time: t0.Add(-5 * time.Hour), Price: &p, Type: markers.EventExit},
	}))

	f := v.Frame()
	require.Len(t, f.Markers, 2, "orphan has no candle and is skipped")
	assert.Equal(t, "buy", f.Markers[0].Marker.ID)
	assert.Equal(t, f.Candles[3].X, f.Markers[0].X)

	v.ShowTradeMarkers(false)
	f = v.Frame()
	require.Len(t, f.Markers, 1)
	assert.Equal(t, "start", f.Markers[0].Marker.ID)

	v.ShowTradeMarkers(true)
	v.ShowBoundaryMarkers(false)
	f = v.Frame()
	require.Len(t, f.Markers, 1)
	assert.Equal(t, "buy", f.Markers[0].Marker.ID)
}

func TestFrameSkipsNonFiniteCoordinates(t *testing.T) {
	r := candles.Range{From: t0, To: t0.Add(4 * time.Hour)}
	series := createTestCandles(t0, time.Hour, 4)
	series[2].Open = nanValue()
	v := readyView(t, r, series)

	f := v.Frame()
	assert.Len(t, f.Candles, 3)
}

func TestCrosshair(t *testing.T) {
	r := candles.Range{From: t0, To: t0.Add(10 * time.Hour)}
	v := readyView(t, r, createTestCandles(t0, time.Hour, 11))

	f := v.Frame()
	v.MoveCrosshair(int(f.Candles[4].X) + 2)
	f = v.Frame()
	require.NotNil(t, f.Crosshair)
	assert.Equal(t, t0.Add(4*time.Hour), f.Crosshair.Candle.Time)
	assert.Contains(t, f.Crosshair.Label, "2024-01-01 04:00")

	v.HideCrosshair()
	assert.Nil(t, v.Frame().Crosshair)
}

func TestRenderSVG(t *testing.T) {
	r := candles.Range{From: t0, To: t0.Add(10 * time.Hour)}
	v := readyView(t, r, createTestCandles(t0, time.Hour, 8))
	p := 1.1050
	v.SetMarkers(markers.Align([]markers.Event{
		{ID: "sell", Time: t0.Add(2 * time.Hour), Price: &p, Type: markers.EventSignal, Direction: markers.DirectionShort},
	}))

	var buf bytes.Buffer
	require.NoError(t, v.RenderSVG(&buf))
	out := buf.String()

	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "<?xml"))
	assert.Contains(t, out, `class="candles"`)
	assert.Contains(t, out, `class="gaps"`, "end gap between last candle and range end")
	assert.Contains(t, out, `class="marker sell"`)
	assert.Contains(t, out, "<polygon")
	assert.Contains(t, out, "</svg>")
}

func TestRenderPlaceholders(t *testing.T) {
	var buf bytes.Buffer
	v := NewView(candles.Range{From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, v.RenderSVG(&buf))
	assert.Contains(t, buf.String(), "Loading")

	buf.Reset()
	bad := NewView(candles.Range{From: t0, To: t0})
	require.NoError(t, bad.RenderSVG(&buf))
	assert.Contains(t, buf.String(), "invalid range")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderReportsWriteErrors(t *testing.T) {
	v := NewView(candles.Range{From: t0, To: t0.Add(time.Hour)})
	assert.EqualError(t, v.RenderSVG(failingWriter{}), "disk full")
}

func nanValue() float64 {
	zero := 0.0
	return zero / zero
}
