package strategy

import (
	"fmt"
	"sort"

	"github.com/rdelgatto/permabull/internal/models"
)

// tradeLevels is the regime-dependent entry/stop/take-profit set.
type tradeLevels struct {
	entry  float64
	stop   float64
	tp1    float64
	ladder []float64
}

// computeLevels derives the order levels from the detected structure.
//
// Entry sits at the zone edge facing the impulse (LONG: zone high, SHORT:
// zone low). The stop sits beyond the opposite edge, padded by k*ATR with the
// regime-specific multiplier. BOS/TREND setups anchor on the last close.
func (p *Pipeline) computeLevels(s structureResult, atr float64, h4 []models.Candle) (tradeLevels, error) {
	var entry, stop float64
	k := p.cfg.TightStopATRMult
	if s.regime() == models.RegimeWideStructure {
		k = p.cfg.WideStopATRMult
	}

	switch s.setup {
	case models.SetupOB, models.SetupFVG:
		if s.direction == models.SignalLong {
			entry = s.zoneHigh
			stop = s.zoneLow - k*atr
		} else {
			entry = s.zoneLow
			stop = s.zoneHigh + k*atr
		}
	default: // BOS, TREND
		entry = h4[len(h4)-1].Close
		if s.direction == models.SignalLong {
			stop = lastBelow(s.swingLows, entry)
			if stop == 0 {
				stop = entry
			}
			stop -= k * atr
		} else {
			stop = firstAbove(s.swingHighs, entry)
			if stop == 0 {
				stop = entry
			}
			stop += k * atr
		}
	}

	if entry <= 0 || stop <= 0 {
		return tradeLevels{}, fmt.Errorf("invalid levels: entry %.8g stop %.8g", entry, stop)
	}
	if s.direction == models.SignalLong && stop >= entry {
		return tradeLevels{}, fmt.Errorf("long stop %.8g not below entry %.8g", stop, entry)
	}
	if s.direction == models.SignalShort && stop <= entry {
		return tradeLevels{}, fmt.Errorf("short stop %.8g not above entry %.8g", stop, entry)
	}

	ladder := p.buildTPLadder(s, entry, stop)
	if len(ladder) == 0 {
		return tradeLevels{}, fmt.Errorf("no take-profit candidates above entry")
	}
	return tradeLevels{entry: entry, stop: stop, tp1: ladder[0], ladder: ladder}, nil
}

// buildTPLadder collects structural swing levels beyond the entry, dedupes
// them, bounds the ladder to MaxTPCandidates and supplements with R-multiple
// fallbacks (1R, 2R, 3R) when structure is thin.
func (p *Pipeline) buildTPLadder(s structureResult, entry, stop float64) []float64 {
	risk := entry - stop
	if risk < 0 {
		risk = -risk
	}

	var raw []float64
	if s.direction == models.SignalLong {
		for _, h := range s.swingHighs {
			if h > entry {
				raw = append(raw, h)
			}
		}
	} else {
		for _, l := range s.swingLows {
			if l < entry && l > 0 {
				raw = append(raw, l)
			}
		}
	}

	// R-multiple fallbacks keep the ladder usable in fresh trends.
	for _, mult := range []float64{1, 2, 3} {
		if s.direction == models.SignalLong {
			raw = append(raw, entry+mult*risk)
		} else {
			tp := entry - mult*risk
			if tp > 0 {
				raw = append(raw, tp)
			}
		}
	}

	// Sort nearest-first from the entry.
	sort.Float64s(raw)
	if s.direction == models.SignalShort {
		for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
			raw[i], raw[j] = raw[j], raw[i]
		}
	}

	// Dedupe within a fraction of risk so stacked swing levels collapse.
	tolerance := risk * 0.1
	var ladder []float64
	for _, v := range raw {
		if len(ladder) > 0 {
			d := v - ladder[len(ladder)-1]
			if d < 0 {
				d = -d
			}
			if d <= tolerance {
				continue
			}
		}
		ladder = append(ladder, v)
		if len(ladder) >= p.cfg.MaxTPCandidates {
			break
		}
	}
	return ladder
}

// lastBelow returns the greatest level strictly below x, or 0.
func lastBelow(levels []float64, x float64) float64 {
	best := 0.0
	for _, v := range levels {
		if v < x && v > best {
			best = v
		}
	}
	return best
}

// firstAbove returns the smallest level strictly above x, or 0.
func firstAbove(levels []float64, x float64) float64 {
	best := 0.0
	for _, v := range levels {
		if v > x && (best == 0 || v < best) {
			best = v
		}
	}
	return best
}
