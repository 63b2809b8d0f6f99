// Package indicators provides pure technical-analysis functions over closed
// candle slices. Everything here is deterministic: same input, same output,
// no clocks, no state.
package indicators

import (
	"math"

	"github.com/rdelgatto/permabull/internal/models"
)

// EMA returns the exponential moving average series for the close prices.
// The first period values are seeded with a simple average; the returned
// slice is aligned with candles (leading values before warmup are NaN).
func EMA(candles []models.Candle, period int) []float64 {
	out := make([]float64, len(candles))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(candles) < period {
		return out
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += candles[i].Close
	}
	prev := sum / float64(period)
	out[period-1] = prev

	k := 2.0 / (float64(period) + 1.0)
	for i := period; i < len(candles); i++ {
		prev = (candles[i].Close-prev)*k + prev
		out[i] = prev
	}
	return out
}

// LastEMA returns the most recent EMA value, or NaN when there is not enough
// data.
func LastEMA(candles []models.Candle, period int) float64 {
	series := EMA(candles, period)
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// SlopeDirection classifies an EMA slope.
type SlopeDirection int

const (
	// SlopeFlat means the EMA moved less than the flat band.
	SlopeFlat SlopeDirection = 0
	// SlopeUp means the EMA is rising.
	SlopeUp SlopeDirection = 1
	// SlopeDown means the EMA is falling.
	SlopeDown SlopeDirection = -1
)

// slopeFlatBand is the ±0.1% band treated as flat.
const slopeFlatBand = 0.001

// EMASlope computes the direction and relative magnitude of the EMA over the
// last lookback values. The magnitude is (last-first)/first.
func EMASlope(series []float64, lookback int) (SlopeDirection, float64) {
	// Strip NaN warmup values.
	valid := series[:0:0]
	for _, v := range series {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if lookback < 2 || len(valid) < lookback {
		return SlopeFlat, 0
	}
	window := valid[len(valid)-lookback:]
	first, last := window[0], window[len(window)-1]
	if first == 0 {
		return SlopeFlat, 0
	}
	rel := (last - first) / first
	switch {
	case rel > slopeFlatBand:
		return SlopeUp, rel
	case rel < -slopeFlatBand:
		return SlopeDown, rel
	default:
		return SlopeFlat, rel
	}
}

// ATR returns the Wilder-smoothed average true range, or NaN when there is
// not enough data.
func ATR(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return math.NaN()
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1]))
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

func trueRange(c, prev models.Candle) float64 {
	hl := c.High - c.Low
	hc := math.Abs(c.High - prev.Close)
	lc := math.Abs(c.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// RSI returns Wilder's relative strength index, or NaN when there is not
// enough data.
func RSI(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return math.NaN()
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := candles[i].Close - candles[i-1].Close
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	for i := period + 1; i < len(candles); i++ {
		d := candles[i].Close - candles[i-1].Close
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ADX returns Wilder's average directional index, or NaN when there is not
// enough data (needs roughly 2*period candles).
func ADX(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) < 2*period+1 {
		return math.NaN()
	}

	var trSum, pdmSum, mdmSum float64
	trS := make([]float64, 0, len(candles)-1)
	pdmS := make([]float64, 0, len(candles)-1)
	mdmS := make([]float64, 0, len(candles)-1)

	for i := 1; i < len(candles); i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low
		var pdm, mdm float64
		if up > down && up > 0 {
			pdm = up
		}
		if down > up && down > 0 {
			mdm = down
		}
		trS = append(trS, trueRange(candles[i], candles[i-1]))
		pdmS = append(pdmS, pdm)
		mdmS = append(mdmS, mdm)
	}

	for i := 0; i < period; i++ {
		trSum += trS[i]
		pdmSum += pdmS[i]
		mdmSum += mdmS[i]
	}

	dxs := make([]float64, 0, len(trS)-period)
	tr14, pdm14, mdm14 := trSum, pdmSum, mdmSum
	for i := period; i < len(trS); i++ {
		tr14 = tr14 - tr14/float64(period) + trS[i]
		pdm14 = pdm14 - pdm14/float64(period) + pdmS[i]
		mdm14 = mdm14 - mdm14/float64(period) + mdmS[i]
		if tr14 == 0 {
			dxs = append(dxs, 0)
			continue
		}
		pdi := 100 * pdm14 / tr14
		mdi := 100 * mdm14 / tr14
		den := pdi + mdi
		if den == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, 100*math.Abs(pdi-mdi)/den)
	}

	if len(dxs) < period {
		return math.NaN()
	}
	var dxSum float64
	for i := 0; i < period; i++ {
		dxSum += dxs[i]
	}
	adx := dxSum / float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx
}

// RSIDivergence reports a simple two-swing divergence between price and RSI:
// price makes a higher high while RSI makes a lower high (bearish, -1), or
// price a lower low while RSI a higher low (bullish, +1). Informational only.
func RSIDivergence(candles []models.Candle, period, swingLookback int) int {
	if len(candles) < period+2*swingLookback+2 {
		return 0
	}
	mid := len(candles) - swingLookback
	older := candles[:mid]
	recent := candles[mid:]

	oHigh, oLow := extremes(older[len(older)-swingLookback:])
	rHigh, rLow := extremes(recent)

	oRSI := RSI(older, period)
	rRSI := RSI(candles, period)
	if math.IsNaN(oRSI) || math.IsNaN(rRSI) {
		return 0
	}
	if rHigh > oHigh && rRSI < oRSI {
		return -1
	}
	if rLow < oLow && rRSI > oRSI {
		return 1
	}
	return 0
}

func extremes(candles []models.Candle) (high, low float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	high, low = candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

// MedianRange returns the median high-low range of the last n candles.
func MedianRange(candles []models.Candle, n int) float64 {
	if n <= 0 || len(candles) == 0 {
		return 0
	}
	if n > len(candles) {
		n = len(candles)
	}
	window := candles[len(candles)-n:]
	ranges := make([]float64, len(window))
	for i, c := range window {
		ranges[i] = c.Range()
	}
	// Insertion sort; n is small (20).
	for i := 1; i < len(ranges); i++ {
		for j := i; j > 0 && ranges[j] < ranges[j-1]; j-- {
			ranges[j], ranges[j-1] = ranges[j-1], ranges[j]
		}
	}
	mid := len(ranges) / 2
	if len(ranges)%2 == 1 {
		return ranges[mid]
	}
	return (ranges[mid-1] + ranges[mid]) / 2
}
