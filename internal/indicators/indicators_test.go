package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdelgatto/permabull/internal/models"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func closes(vals ...float64) []models.Candle {
	out := make([]models.Candle, len(vals))
	for i, v := range vals {
		out[i] = models.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      v, High: v + 1, Low: v - 1, Close: v,
		}
	}
	return out
}

func rising(n int, start, step float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		v := start + float64(i)*step
		out[i] = models.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      v, High: v + step, Low: v - step, Close: v + step/2,
		}
	}
	return out
}

func TestEMAWarmupAndSeed(t *testing.T) {
	cs := closes(10, 20, 30, 40, 50)
	series := EMA(cs, 3)
	require.Len(t, series, 5)
	assert.True(t, math.IsNaN(series[0]))
	assert.True(t, math.IsNaN(series[1]))
	assert.Equal(t, 20.0, series[2], "seeded with the simple average")

	// k = 2/(3+1) = 0.5
	assert.Equal(t, 30.0, series[3])
	assert.Equal(t, 40.0, series[4])

	assert.True(t, math.IsNaN(LastEMA(cs, 10)), "not enough data")
	assert.Equal(t, 40.0, LastEMA(cs, 3))
}

func TestEMASlope(t *testing.T) {
	dir, rel := EMASlope([]float64{math.NaN(), 100, 101, 102}, 3)
	assert.Equal(t, SlopeUp, dir)
	assert.InDelta(t, 0.02, rel, 1e-9)

	dir, _ = EMASlope([]float64{102, 101, 100}, 3)
	assert.Equal(t, SlopeDown, dir)

	dir, _ = EMASlope([]float64{100, 100.05, 100.08}, 3)
	assert.Equal(t, SlopeFlat, dir, "inside the flat band")

	dir, rel = EMASlope([]float64{100, 101}, 3)
	assert.Equal(t, SlopeFlat, dir, "too few valid values")
	assert.Zero(t, rel)
}

func TestATR(t *testing.T) {
	assert.True(t, math.IsNaN(ATR(closes(1, 2, 3), 3)), "needs period+1 candles")

	// Constant 2-wide candles with no gaps: every true range is 2.
	cs := make([]models.Candle, 10)
	for i := range cs {
		cs[i] = models.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      100, High: 101, Low: 99, Close: 100,
		}
	}
	assert.InDelta(t, 2.0, ATR(cs, 5), 1e-9)
}

func TestTrueRangeUsesGaps(t *testing.T) {
	prev := models.Candle{Close: 100}
	gapped := models.Candle{High: 111, Low: 109}
	assert.Equal(t, 11.0, trueRange(gapped, prev), "gap from prior close dominates")
}

func TestRSIExtremes(t *testing.T) {
	assert.True(t, math.IsNaN(RSI(closes(1, 2), 14)))

	allUp := rising(30, 100, 1)
	assert.Equal(t, 100.0, RSI(allUp, 14), "no losses")

	allDown := make([]models.Candle, 30)
	for i := range allDown {
		v := 200 - float64(i)
		allDown[i] = models.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      v, High: v + 1, Low: v - 1, Close: v,
		}
	}
	assert.InDelta(t, 0.0, RSI(allDown, 14), 1e-9, "no gains")
}

func TestADXTrendingVsChopping(t *testing.T) {
	assert.True(t, math.IsNaN(ADX(closes(1, 2, 3), 14)))

	trend := rising(120, 100, 2)
	strong := ADX(trend, 14)
	require.False(t, math.IsNaN(strong))
	assert.Greater(t, strong, 25.0, "a one-way trend reads as strongly directional")

	// Alternating up/down closes with no net drift.
	chop := make([]models.Candle, 120)
	for i := range chop {
		v := 100.0
		if i%2 == 1 {
			v = 101
		}
		chop[i] = models.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      v, High: v + 1, Low: v - 1, Close: v,
		}
	}
	weak := ADX(chop, 14)
	require.False(t, math.IsNaN(weak))
	assert.Less(t, weak, strong)
}

func TestMedianRange(t *testing.T) {
	cs := []models.Candle{
		{High: 10, Low: 0},  // 10
		{High: 10, Low: 6},  // 4
		{High: 10, Low: 8},  // 2
	}
	assert.Equal(t, 4.0, MedianRange(cs, 3))
	assert.Equal(t, 3.0, MedianRange(cs, 2), "even window averages the middle pair")
	assert.Equal(t, 0.0, MedianRange(nil, 5))
	assert.Equal(t, 4.0, MedianRange(cs, 99), "window clamps to available data")
}

func TestRSIDivergenceBearish(t *testing.T) {
	assert.Equal(t, 0, RSIDivergence(closes(1, 2, 3), 14, 4))

	// A long rally whose final leg wicks to a higher high while closes fade:
	// price higher high, RSI lower high.
	cs := rising(40, 100, 2)
	n := len(cs)
	for i := n - 4; i < n; i++ {
		prev := cs[i-1].Close
		v := prev - 0.5
		cs[i] = models.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      prev, High: prev + 90, Low: v - 0.2, Close: v,
		}
	}
	assert.Equal(t, -1, RSIDivergence(cs, 14, 4))
}
