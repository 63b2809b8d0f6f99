package strategy

import (
	"fmt"

	"github.com/rdelgatto/permabull/internal/indicators"
	"github.com/rdelgatto/permabull/internal/models"
)

// structureResult describes the most recent valid, unmitigated setup found on
// the decision timeframe.
type structureResult struct {
	found       bool
	setup       models.SetupType
	direction   models.SignalType
	zoneLow     float64 // OB/FVG zone; zero for BOS
	zoneHigh    float64
	anchorIndex int // index of the defining candle, for recency comparison
	refPrice    float64
	swingHighs  []float64
	swingLows   []float64
	desc        string
}

func (r structureResult) regime() models.Regime {
	if r.setup == models.SetupOB || r.setup == models.SetupFVG {
		return models.RegimeTightSMC
	}
	return models.RegimeWideStructure
}

// detectStructure finds the best setup on 4h, using 1h swings to refine the
// take-profit ladder. When several setups exist the most recent anchor wins;
// ties prefer OB over FVG over BOS.
func (p *Pipeline) detectStructure(h4, h1 []models.Candle) structureResult {
	candidates := []structureResult{}
	if ob, ok := p.findOrderBlock(h4); ok {
		candidates = append(candidates, ob)
	}
	if fvg, ok := p.findFVG(h4); ok {
		candidates = append(candidates, fvg)
	}
	if bos, ok := p.findBOS(h4); ok {
		candidates = append(candidates, bos)
	}
	if len(candidates) == 0 {
		return structureResult{}
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.anchorIndex > best.anchorIndex {
			best = c
		}
	}

	// Refine TP material with 1h swings in addition to 4h swings.
	h4Highs, h4Lows := swingLevels(h4, p.cfg.SwingStrength)
	h1Highs, h1Lows := swingLevels(h1, p.cfg.SwingStrength)
	best.swingHighs = append(h4Highs, h1Highs...)
	best.swingLows = append(h4Lows, h1Lows...)
	best.refPrice = h4[len(h4)-1].Close
	best.found = true
	return best
}

// findOrderBlock locates the last opposite-direction candle before a
// displacement impulse whose range is at least DisplacementFactor times the
// median range of the last MedianRangeLookback candles.
func (p *Pipeline) findOrderBlock(candles []models.Candle) (structureResult, bool) {
	if len(candles) < p.cfg.MedianRangeLookback+2 {
		return structureResult{}, false
	}
	median := indicators.MedianRange(candles, p.cfg.MedianRangeLookback)
	if median <= 0 {
		return structureResult{}, false
	}
	threshold := median * p.cfg.DisplacementFactor

	for i := len(candles) - 1; i >= 1; i-- {
		impulse := candles[i]
		if impulse.Range() < threshold {
			continue
		}
		var dir models.SignalType
		switch {
		case impulse.Bullish():
			dir = models.SignalLong
		case impulse.Bearish():
			dir = models.SignalShort
		default:
			continue
		}

		// Walk back to the last candle of the opposite color.
		obIdx := -1
		for j := i - 1; j >= 0 && j >= i-5; j-- {
			if (dir == models.SignalLong && candles[j].Bearish()) ||
				(dir == models.SignalShort && candles[j].Bullish()) {
				obIdx = j
				break
			}
		}
		if obIdx < 0 {
			continue
		}

		ob := candles[obIdx]
		if p.obMitigated(candles, obIdx, i, dir, ob.Low, ob.High) {
			continue
		}
		return structureResult{
			setup:       models.SetupOB,
			direction:   dir,
			zoneLow:     ob.Low,
			zoneHigh:    ob.High,
			anchorIndex: obIdx,
			desc: fmt.Sprintf("%s OB zone [%.8g, %.8g] before displacement (range %.8g >= %.2fx median)",
				dir, ob.Low, ob.High, impulse.Range(), p.cfg.DisplacementFactor),
		}, true
	}
	return structureResult{}, false
}

// obMitigated reports whether the zone was invalidated after the impulse: a
// close beyond the far edge of the zone kills the setup.
func (p *Pipeline) obMitigated(candles []models.Candle, obIdx, impulseIdx int,
	dir models.SignalType, zoneLow, zoneHigh float64) bool {
	for k := impulseIdx + 1; k < len(candles); k++ {
		if dir == models.SignalLong && candles[k].Close < zoneLow {
			return true
		}
		if dir == models.SignalShort && candles[k].Close > zoneHigh {
			return true
		}
	}
	return false
}

// findFVG locates the most recent unmitigated three-candle gap. A gap is
// mitigated as soon as any later wick enters the zone.
func (p *Pipeline) findFVG(candles []models.Candle) (structureResult, bool) {
	for i := len(candles) - 1; i >= 2; i-- {
		c1, c3 := candles[i-2], candles[i]
		switch {
		case c3.Low > c1.High: // bullish gap
			zoneLow, zoneHigh := c1.High, c3.Low
			if fvgMitigated(candles[i+1:], zoneLow, zoneHigh) {
				continue
			}
			return structureResult{
				setup:       models.SetupFVG,
				direction:   models.SignalLong,
				zoneLow:     zoneLow,
				zoneHigh:    zoneHigh,
				anchorIndex: i - 1,
				desc:        fmt.Sprintf("LONG FVG zone [%.8g, %.8g]", zoneLow, zoneHigh),
			}, true
		case c1.Low > c3.High: // bearish gap
			zoneLow, zoneHigh := c3.High, c1.Low
			if fvgMitigated(candles[i+1:], zoneLow, zoneHigh) {
				continue
			}
			return structureResult{
				setup:       models.SetupFVG,
				direction:   models.SignalShort,
				zoneLow:     zoneLow,
				zoneHigh:    zoneHigh,
				anchorIndex: i - 1,
				desc:        fmt.Sprintf("SHORT FVG zone [%.8g, %.8g]", zoneLow, zoneHigh),
			}, true
		}
	}
	return structureResult{}, false
}

func fvgMitigated(later []models.Candle, zoneLow, zoneHigh float64) bool {
	for _, c := range later {
		if c.Low <= zoneHigh && c.High >= zoneLow {
			return true
		}
	}
	return false
}

// findBOS checks whether the last BOSLookback candles broke the prior swing
// high (bullish) or low (bearish).
func (p *Pipeline) findBOS(candles []models.Candle) (structureResult, bool) {
	n := p.cfg.BOSLookback
	if len(candles) < n+2*p.cfg.SwingStrength+2 {
		return structureResult{}, false
	}
	older := candles[:len(candles)-n]
	recent := candles[len(candles)-n:]

	highs, lows := swingLevels(older, p.cfg.SwingStrength)
	if len(highs) == 0 && len(lows) == 0 {
		return structureResult{}, false
	}

	var maxClose, minClose float64
	maxIdx, minIdx := -1, -1
	for i, c := range recent {
		if maxIdx < 0 || c.Close > maxClose {
			maxClose, maxIdx = c.Close, i
		}
		if minIdx < 0 || c.Close < minClose {
			minClose, minIdx = c.Close, i
		}
	}

	base := len(candles) - n
	if len(highs) > 0 && maxClose > highs[len(highs)-1] {
		return structureResult{
			setup:       models.SetupBOS,
			direction:   models.SignalLong,
			anchorIndex: base + maxIdx,
			desc:        fmt.Sprintf("bullish BOS: close %.8g above swing high %.8g", maxClose, highs[len(highs)-1]),
		}, true
	}
	if len(lows) > 0 && minClose < lows[len(lows)-1] {
		return structureResult{
			setup:       models.SetupBOS,
			direction:   models.SignalShort,
			anchorIndex: base + minIdx,
			desc:        fmt.Sprintf("bearish BOS: close %.8g below swing low %.8g", minClose, lows[len(lows)-1]),
		}, true
	}
	return structureResult{}, false
}

// swingLevels finds fractal swing highs/lows: a high (low) with strength
// neighbors lower (higher) on both sides. Returned in chronological order.
func swingLevels(candles []models.Candle, strength int) (highs, lows []float64) {
	if strength <= 0 {
		strength = 2
	}
	for i := strength; i < len(candles)-strength; i++ {
		isHigh, isLow := true, true
		for k := 1; k <= strength; k++ {
			if candles[i].High <= candles[i-k].High || candles[i].High <= candles[i+k].High {
				isHigh = false
			}
			if candles[i].Low >= candles[i-k].Low || candles[i].Low >= candles[i+k].Low {
				isLow = false
			}
		}
		if isHigh {
			highs = append(highs, candles[i].High)
		}
		if isLow {
			lows = append(lows, candles[i].Low)
		}
	}
	return highs, lows
}
