package strategy

import (
	"math"

	"github.com/rdelgatto/permabull/internal/models"
)

// Component caps. The total score lives in [0, 100].
const (
	smcCap  = 25.0
	fibCap  = 20.0
	htfCap  = 20.0
	adxCap  = 15.0
	costCap = 20.0
)

// score computes the five capped components for a validated setup.
func (p *Pipeline) score(s structureResult, lv tradeLevels, bias models.Bias, adx float64) models.ScoreBreakdown {
	return models.ScoreBreakdown{
		SMC:  p.scoreSMC(s),
		Fib:  p.scoreFib(s, lv),
		HTF:  scoreHTF(bias, s.direction),
		ADX:  scoreADX(adx),
		Cost: p.scoreCost(lv),
	}
}

// scoreSMC: OB +10, FVG +8, BOS +7. The selected setup contributes its own
// component; a BOS in the recent window adds confluence for zone setups.
func (p *Pipeline) scoreSMC(s structureResult) float64 {
	var pts float64
	switch s.setup {
	case models.SetupOB:
		pts += 10
	case models.SetupFVG:
		pts += 8
	case models.SetupBOS, models.SetupTrend:
		pts += 7
	}
	// Confluence: a zone setup backed by broken structure in the same
	// direction counts the BOS component as well.
	if s.setup == models.SetupOB || s.setup == models.SetupFVG {
		if s.direction == models.SignalLong && len(s.swingHighs) > 0 &&
			s.refPrice > s.swingHighs[len(s.swingHighs)-1] {
			pts += 7
		}
		if s.direction == models.SignalShort && len(s.swingLows) > 0 &&
			s.refPrice < s.swingLows[len(s.swingLows)-1] {
			pts += 7
		}
	}
	return math.Min(pts, smcCap)
}

// Fibonacci reference ratios.
var (
	retraceRatios   = []float64{0.382, 0.5, 0.618, 0.786}
	extensionRatios = []float64{1.272, 1.618}
)

// scoreFib measures confluence of the entry with the retracement of the last
// swing leg: OTE zone +15, a named retracement ratio +10, an extension +5.
func (p *Pipeline) scoreFib(s structureResult, lv tradeLevels) float64 {
	legLow, legHigh := lastLeg(s)
	if legHigh <= legLow {
		return 0
	}
	span := legHigh - legLow

	// Retracement of the entry within the leg, measured against the move
	// direction: 0 at the origin of the pullback, 1 at its full reversal.
	var ratio float64
	if s.direction == models.SignalLong {
		ratio = (legHigh - lv.entry) / span
	} else {
		ratio = (lv.entry - legLow) / span
	}

	tol := p.cfg.FibToleranceBps / 10000.0
	var pts float64

	// Optimal trade entry zone: 0.62 to 0.79 retracement.
	if ratio >= 0.62-tol && ratio <= 0.79+tol {
		pts += 15
	}
	for _, r := range retraceRatios {
		if math.Abs(ratio-r) <= tol {
			pts += 10
			break
		}
	}
	for _, r := range extensionRatios {
		if math.Abs(ratio-r) <= tol {
			pts += 5
			break
		}
	}
	return math.Min(pts, fibCap)
}

// lastLeg returns the bounds of the most recent swing leg usable for
// retracement measurement.
func lastLeg(s structureResult) (low, high float64) {
	if len(s.swingLows) > 0 {
		low = s.swingLows[len(s.swingLows)-1]
	}
	if len(s.swingHighs) > 0 {
		high = s.swingHighs[len(s.swingHighs)-1]
	}
	if low == 0 || high == 0 {
		return 0, 0
	}
	if low > high {
		low, high = high, low
	}
	return low, high
}

// scoreHTF: aligned +20, neutral +10, counter-trend 0.
func scoreHTF(bias models.Bias, dir models.SignalType) float64 {
	switch bias {
	case models.BiasNeutral:
		return 10
	case models.BiasBullish:
		if dir == models.SignalLong {
			return htfCap
		}
	case models.BiasBearish:
		if dir == models.SignalShort {
			return htfCap
		}
	}
	return 0
}

// scoreADX: step function at 20/25/30/40.
func scoreADX(adx float64) float64 {
	switch {
	case adx >= 40:
		return adxCap
	case adx >= 30:
		return 12
	case adx >= 25:
		return 9
	case adx >= 20:
		return 6
	default:
		return 0
	}
}

// scoreCost: step function on the estimated round-trip cost in basis points
// of the entry price. Cheap trades score high; expensive ones approach zero.
func (p *Pipeline) scoreCost(lv tradeLevels) float64 {
	bps := p.estimateRoundTripBps()
	switch {
	case bps <= 5:
		return costCap
	case bps <= 10:
		return 15
	case bps <= 20:
		return 10
	case bps <= 40:
		return 5
	default:
		return 0
	}
}

// estimateRoundTripBps models two taker fills plus expected funding over the
// configured average hold. Funding direction is unknown ahead of time, so
// half the per-hour rate is charged.
func (p *Pipeline) estimateRoundTripBps() float64 {
	return 2*p.cfg.TakerFeeBps + 0.5*p.cfg.FundingBpsPerHour*p.cfg.AvgHoldHours
}
