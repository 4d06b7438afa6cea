package markers

import (
	"math"
	"testing"
	"time"

	"fx-dashboard/internal/candles"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func price(p float64) *float64 { return &p }

func hourly(n int) []candles.Candle {
	out := make([]candles.Candle, n)
	for i := range out {
		out[i] = candles.Candle{Time: t0.Add(time.Duration(i) * time.Hour), Open: 1.08, High: 1.09, Low: 1.07, Close: 1.085}
	}
	return out
}

func TestPaletteIsExhaustive(t *testing.T) {
	for et := EventType(0); et < numEventTypes; et++ {
		assert.NotEqual(t, "", eventTypeNames[et], "missing name for %d", et)
		for d := Direction(0); d < numDirections; d++ {
			r := palette[et][d]
			assert.NotEmpty(t, r.color, "missing palette cell %s/%s", et, d)
			assert.NotEmpty(t, r.label, "missing palette label %s/%s", et, d)
		}
	}
}

func TestUnknownMapsToNeutralFallback(t *testing.T) {
	got := Align([]Event{
		{Time: t0, Price: price(1.1), Type: EventType(99), Direction: DirectionLong},
		{Time: t0, Price: price(1.1), Type: ParseEventType("margin_call")},
	})

	require.Len(t, got, 2)
	for _, m := range got {
		assert.Equal(t, KindInfo, m.Kind)
		assert.Equal(t, fallback.color, m.Visual.Color)
		assert.Equal(t, ShapeDiamond, m.Visual.Shape)
	}
}

func TestVisualMapping(t *testing.T) {
	events := []Event{
		{ID: "a", Time: t0, Price: price(1.1), Type: EventEntry, Direction: DirectionLong},
		{ID: "b", Time: t0, Price: price(1.1), Type: EventScaleIn, Direction: DirectionLong},
		{ID: "c", Time: t0, Price: price(1.1), Type: EventEntry, Direction: DirectionShort},
		{ID: "d", Time: t0, Price: price(1.1), Type: EventStopLoss, Direction: DirectionShort},
		{ID: "e", Time: t0, Price: price(1.1), Type: EventStrategyStart},
	}

	got := Align(events)
	require.Len(t, got, 5)

	longEntry, scaleIn, shortEntry, stop, start := got[0], got[1], got[2], got[3], got[4]
	assert.Equal(t, KindInitialEntry, longEntry.Kind)
	assert.Equal(t, ShapeTriangleUp, longEntry.Visual.Shape)
	assert.Equal(t, ShapeTriangleUp, scaleIn.Visual.Shape)
	assert.NotEqual(t, longEntry.Visual.Color, scaleIn.Visual.Color)
	assert.Equal(t, KindBuy, scaleIn.Kind)
	assert.Equal(t, ShapeTriangleDown, shortEntry.Visual.Shape)
	assert.Equal(t, ShapeCircle, stop.Visual.Shape)
	assert.Equal(t, KindClose, stop.Kind)
	assert.Equal(t, KindStart, start.Kind)
	assert.True(t, start.Kind.IsBoundary())
	assert.True(t, stop.Kind.IsTrade())
}

func TestAlignDropsEventsWithoutPrice(t *testing.T) {
	got := Align([]Event{
		{ID: "nil", Time: t0, Type: EventExit},
		{ID: "nan", Time: t0, Price: price(math.NaN()), Type: EventExit},
		{ID: "zero", Time: t0, Price: price(0), Type: EventExit},
		{ID: "ok", Time: t0, Price: price(1.2345), Type: EventExit, Metadata: map[string]string{"pnl": "12.5", "units": "1000"}},
	})

	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ID)
	assert.Equal(t, "Close @ 1.2345\n2024-03-04 09:00:00\npnl: 12.5\nunits: 1000", got[0].Visual.Tooltip)
}

func TestAlignIsPure(t *testing.T) {
	events := []Event{
		{Time: t0, Price: price(1.1), Type: EventSignal, Direction: DirectionShort},
		{Time: t0.Add(time.Hour), Price: price(1.2), Type: EventExit},
	}
	assert.Equal(t, Align(events), Align(events))
	assert.Equal(t, "signal-1709542800000-0", Align(events)[0].ID)
}

func TestToleranceBoundary(t *testing.T) {
	for _, interval := range []time.Duration{time.Minute, 5 * time.Minute, time.Hour} {
		series := []candles.Candle{{Time: t0}, {Time: t0.Add(interval)}}
		tol := Tolerance(series)
		require.Equal(t, interval/2, tol)

		exact := Marker{Date: t0.Add(interval / 2)}
		over := Marker{Date: t0.Add(interval/2 + time.Millisecond)}
		before := Marker{Date: t0.Add(-interval / 2)}

		assert.True(t, MatchCandle(exact, series[0], tol), "interval %s", interval)
		assert.False(t, MatchCandle(over, series[0], tol), "interval %s", interval)
		assert.True(t, MatchCandle(before, series[0], tol), "interval %s", interval)
	}
}

func TestToleranceFloor(t *testing.T) {
	assert.Equal(t, MinTolerance, Tolerance(nil))
	assert.Equal(t, MinTolerance, Tolerance([]candles.Candle{{Time: t0}, {Time: t0.Add(time.Millisecond)}}))
	assert.Equal(t, 1500*time.Millisecond, Tolerance([]candles.Candle{{Time: t0}, {Time: t0.Add(3001 * time.Millisecond)}}))
}

func TestNearest(t *testing.T) {
	series := hourly(5)
	tol := Tolerance(series)

	idx, ok := Nearest(Marker{Date: t0.Add(2*time.Hour + 10*time.Minute)}, series, tol)
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	idx, ok = Nearest(Marker{Date: t0.Add(2*time.Hour + 50*time.Minute)}, series, tol)
	assert.True(t, ok)
	assert.Equal(t, 3, idx)

	_, ok = Nearest(Marker{Date: t0.Add(-2 * time.Hour)}, series, tol)
	assert.False(t, ok)

	_, ok = Nearest(Marker{Date: t0}, nil, tol)
	assert.False(t, ok)
}

func TestParsers(t *testing.T) {
	assert.Equal(t, EventExit, ParseEventType("trade_closed"))
	assert.Equal(t, EventEntry, ParseEventType("ORDER_FILLED"))
	assert.Equal(t, DirectionLong, ParseDirection("BUY"))
	assert.Equal(t, DirectionShort, ParseDirection("short"))
	assert.Equal(t, DirectionNone, ParseDirection(""))
}
