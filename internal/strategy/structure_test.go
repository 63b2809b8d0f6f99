package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdelgatto/permabull/internal/models"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func c4h(i int, o, h, l, cl float64) models.Candle {
	return models.Candle{
		Timestamp: base.Add(time.Duration(i) * 4 * time.Hour),
		Symbol:    "BTC/USD", Timeframe: models.Timeframe4h,
		Open: o, High: h, Low: l, Close: cl, Volume: 100,
	}
}

// flat returns n doji candles at price p; no range, no gaps, no swings.
func flat(n int, p float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = c4h(i, p, p, p, p)
	}
	return out
}

func TestSwingLevels(t *testing.T) {
	cs := []models.Candle{
		c4h(0, 100, 110, 98, 105),
		c4h(1, 105, 112, 100, 108),
		c4h(2, 108, 120, 106, 118), // swing high 120
		c4h(3, 118, 115, 96, 100),  // swing low 96
		c4h(4, 100, 110, 99, 104),
		c4h(5, 104, 108, 101, 103),
	}
	highs, lows := swingLevels(cs, 2)
	assert.Equal(t, []float64{120}, highs)
	assert.Equal(t, []float64{96}, lows)

	h, l := swingLevels(cs[:3], 2)
	assert.Empty(t, h, "too short for any fractal")
	assert.Empty(t, l)
}

func TestFindOrderBlockLong(t *testing.T) {
	p := NewPipeline(DefaultConfig())

	cs := make([]models.Candle, 0, 22)
	for i := 0; i < 20; i++ {
		cs = append(cs, c4h(i, 100, 105, 95, 101))
	}
	cs = append(cs, c4h(20, 101, 105, 95, 99))   // bearish candle: the order block
	cs = append(cs, c4h(21, 100, 185, 95, 180))  // displacement impulse

	res, ok := p.findOrderBlock(cs)
	require.True(t, ok)
	assert.Equal(t, models.SetupOB, res.setup)
	assert.Equal(t, models.SignalLong, res.direction)
	assert.Equal(t, 95.0, res.zoneLow)
	assert.Equal(t, 105.0, res.zoneHigh)
	assert.Equal(t, 20, res.anchorIndex)
}

func TestFindOrderBlockMitigated(t *testing.T) {
	p := NewPipeline(DefaultConfig())

	cs := make([]models.Candle, 0, 23)
	for i := 0; i < 20; i++ {
		cs = append(cs, c4h(i, 100, 105, 95, 101))
	}
	cs = append(cs, c4h(20, 101, 105, 95, 99))
	cs = append(cs, c4h(21, 100, 185, 95, 180))
	// Close below the zone low invalidates the long OB.
	cs = append(cs, c4h(22, 98, 99, 91, 92))

	_, ok := p.findOrderBlock(cs)
	assert.False(t, ok)
}

func TestFindOrderBlockNeedsDisplacement(t *testing.T) {
	p := NewPipeline(DefaultConfig())
	cs := make([]models.Candle, 0, 22)
	for i := 0; i < 22; i++ {
		cs = append(cs, c4h(i, 100, 105, 95, 101))
	}
	_, ok := p.findOrderBlock(cs)
	assert.False(t, ok, "uniform ranges never clear the displacement factor")
}

func TestFindFVG(t *testing.T) {
	p := NewPipeline(DefaultConfig())

	bullish := []models.Candle{
		c4h(0, 98, 100, 95, 99),
		c4h(1, 99, 112, 99, 111),
		c4h(2, 111, 118, 110, 116), // low 110 > first high 100: gap [100, 110]
	}
	res, ok := p.findFVG(bullish)
	require.True(t, ok)
	assert.Equal(t, models.SetupFVG, res.setup)
	assert.Equal(t, models.SignalLong, res.direction)
	assert.Equal(t, 100.0, res.zoneLow)
	assert.Equal(t, 110.0, res.zoneHigh)

	// Any later wick into the zone mitigates it.
	mitigated := append(append([]models.Candle{}, bullish...), c4h(3, 116, 117, 108, 112))
	_, ok = p.findFVG(mitigated)
	assert.False(t, ok)
}

func TestFindFVGBearish(t *testing.T) {
	p := NewPipeline(DefaultConfig())
	cs := []models.Candle{
		c4h(0, 112, 115, 110, 111),
		c4h(1, 110, 110, 98, 99),
		c4h(2, 98, 100, 92, 94), // high 100 < first low 110: gap [100, 110]
	}
	res, ok := p.findFVG(cs)
	require.True(t, ok)
	assert.Equal(t, models.SignalShort, res.direction)
	assert.Equal(t, 100.0, res.zoneLow)
	assert.Equal(t, 110.0, res.zoneHigh)
}

func TestFindBOSBullish(t *testing.T) {
	p := NewPipeline(DefaultConfig())

	cs := []models.Candle{
		c4h(0, 100, 110, 98, 105),
		c4h(1, 105, 111, 100, 108),
		c4h(2, 108, 115, 106, 112), // swing high 115
		c4h(3, 112, 111, 104, 106),
		c4h(4, 106, 110, 103, 105),
		c4h(5, 105, 109, 102, 104),
		c4h(6, 104, 108, 101, 103),
		c4h(7, 103, 107, 100, 102),
	}
	// Recent window rallies through the prior swing high.
	for i := 8; i < 16; i++ {
		px := 104 + float64(i-8)*2
		cs = append(cs, c4h(i, px, px+3, px-1, px+2))
	}

	res, ok := p.findBOS(cs)
	require.True(t, ok)
	assert.Equal(t, models.SetupBOS, res.setup)
	assert.Equal(t, models.SignalLong, res.direction)
	assert.Equal(t, models.RegimeWideStructure, res.regime())
}

func TestDetectStructurePrefersMostRecentAnchor(t *testing.T) {
	p := NewPipeline(DefaultConfig())

	// OB setup with the anchor at index 20, then an FVG right at the end.
	cs := make([]models.Candle, 0, 25)
	for i := 0; i < 20; i++ {
		cs = append(cs, c4h(i, 100, 105, 95, 101))
	}
	cs = append(cs, c4h(20, 101, 105, 95, 99))
	cs = append(cs, c4h(21, 100, 185, 95, 180))
	cs = append(cs, c4h(22, 180, 190, 178, 188))
	cs = append(cs, c4h(23, 196, 210, 195, 208)) // low 195 above the gap candle's high 185

	res := p.detectStructure(cs, nil)
	require.True(t, res.found)
	assert.Equal(t, models.SetupFVG, res.setup, "newer anchor wins")
}
