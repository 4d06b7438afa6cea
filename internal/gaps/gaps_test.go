package gaps

import (
	"testing"
	"time"

	"fx-dashboard/internal/candles"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func series(start time.Time, interval time.Duration, count int) []candles.Candle {
	out := make([]candles.Candle, count)
	for i := range out {
		out[i] = candles.Candle{Time: start.Add(time.Duration(i) * interval), Open: 1, High: 1, Low: 1, Close: 1}
	}
	return out
}

func scaled(d time.Duration, f float64) time.Duration { return time.Duration(float64(d) * f) }

func TestStartGapThreshold(t *testing.T) {
	for _, interval := range []time.Duration{time.Minute, 5 * time.Minute, time.Hour, 24 * time.Hour} {
		s := series(t0, interval, 10)
		last := s[len(s)-1].Time

		withGap := Detect(s, candles.Range{From: t0.Add(-scaled(interval, 2.5)), To: last})
		require.Len(t, Filter(withGap, Start), 1, "interval %s", interval)
		assert.Equal(t, t0, Filter(withGap, Start)[0].End)

		noGap := Detect(s, candles.Range{From: t0.Add(-scaled(interval, 1.5)), To: last})
		assert.Empty(t, Filter(noGap, Start), "interval %s", interval)
	}
}

func TestEndGapAsymmetry(t *testing.T) {
	for _, interval := range []time.Duration{time.Minute, time.Hour, 4 * time.Hour} {
		s := series(t0, interval, 10)
		last := s[len(s)-1].Time

		withGap := Detect(s, candles.Range{From: t0, To: last.Add(scaled(interval, 0.6))})
		ends := Filter(withGap, End)
		require.Len(t, ends, 1, "interval %s", interval)
		assert.Equal(t, last, ends[0].Start)

		noGap := Detect(s, candles.Range{From: t0, To: last.Add(scaled(interval, 0.4))})
		assert.Empty(t, Filter(noGap, End), "interval %s", interval)
	}
}

func TestMiddleGapForMissingHour(t *testing.T) {
	s := []candles.Candle{
		{Time: t0, Open: 1.10, High: 1.11, Low: 1.09, Close: 1.105},
		{Time: t0.Add(2 * time.Hour), Open: 1.105, High: 1.12, Low: 1.10, Close: 1.11},
	}
	r := candles.Range{From: t0, To: t0.Add(3 * time.Hour)}

	middles := Filter(Detect(s, r), Middle)

	require.Len(t, middles, 1)
	assert.Equal(t, Gap{Start: t0, End: t0.Add(2 * time.Hour), Kind: Middle}, middles[0])
	assert.Empty(t, Filter(Detect(s, r), Start))
}

func TestWeekendClosure(t *testing.T) {
	friday := time.Date(2024, 1, 5, 20, 0, 0, 0, time.UTC)
	s := series(friday, time.Hour, 3)
	s = append(s, series(friday.Add(50*time.Hour), time.Hour, 3)...)
	r := candles.Range{From: friday, To: s[len(s)-1].Time}

	got := Detect(s, r)

	require.Len(t, got, 1)
	assert.Equal(t, Middle, got[0].Kind)
	assert.Equal(t, 48*time.Hour, got[0].Duration())
}

func TestTemporalOrder(t *testing.T) {
	s := series(t0.Add(3*time.Hour), time.Hour, 3)
	s = append(s, series(t0.Add(8*time.Hour), time.Hour, 2)...)
	r := candles.Range{From: t0, To: t0.Add(12 * time.Hour)}

	got := Detect(s, r)

	require.Len(t, got, 3)
	assert.Equal(t, []Kind{Start, Middle, End}, []Kind{got[0].Kind, got[1].Kind, got[2].Kind})
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Start.Before(got[i-1].Start))
	}
}

func TestDegenerateInputs(t *testing.T) {
	r := candles.Range{From: t0, To: t0.Add(time.Hour)}
	assert.Nil(t, Detect(nil, r))
	assert.Nil(t, Detect(series(t0, time.Minute, 1), r))
	assert.Nil(t, Detect(series(t0, time.Minute, 5), candles.Range{}))
}

func TestAverageIntervalUsesFirstThreeCandles(t *testing.T) {
	s := series(t0, 5*time.Minute, 3)
	s = append(s, candles.Candle{Time: s[2].Time.Add(3 * time.Hour)})

	assert.Equal(t, 5*time.Minute, AverageInterval(s))
	assert.Equal(t, DefaultInterval, AverageInterval(s[:2]))
}
