package executor

import (
	"fmt"
	"math"

	"github.com/rdelgatto/permabull/internal/models"
)

// FuturesLevels are the signal's levels re-anchored onto the futures market.
type FuturesLevels struct {
	Entry  float64
	Stop   float64
	TP1    float64
	TP2    float64
	Final  float64
	Ladder []float64
}

// ConvertLevels maps spot-derived signal prices onto the futures market.
//
// The signal's percentage distances are preserved: each level keeps its
// relative distance from the signal entry, re-anchored at the futures mark.
// Absolute spot prices never cross over, only their geometry does.
func ConvertLevels(sig models.Signal, futuresMark float64, tick float64) (FuturesLevels, error) {
	if sig.EntryPrice <= 0 {
		return FuturesLevels{}, fmt.Errorf("signal entry price %.10g not positive", sig.EntryPrice)
	}
	if futuresMark <= 0 {
		return FuturesLevels{}, fmt.Errorf("futures mark %.10g not positive", futuresMark)
	}

	scale := func(spotPrice float64) float64 {
		return futuresMark * (spotPrice / sig.EntryPrice)
	}

	lv := FuturesLevels{
		Entry: futuresMark,
		Stop:  scale(sig.StopLoss),
		TP1:   scale(sig.TakeProfit),
	}
	for _, tp := range sig.TPCandidates {
		lv.Ladder = append(lv.Ladder, scale(tp))
	}
	if len(lv.Ladder) > 1 {
		lv.TP2 = lv.Ladder[1]
	}
	if len(lv.Ladder) > 0 {
		lv.Final = lv.Ladder[len(lv.Ladder)-1]
	} else {
		lv.Final = lv.TP1
	}

	if tick > 0 {
		// The stop rounds away from the entry so tick snapping never
		// tightens the protective distance below what risk approved.
		if sig.Type == models.SignalLong {
			lv.Stop = roundDownToTick(lv.Stop, tick)
		} else {
			lv.Stop = roundUpToTick(lv.Stop, tick)
		}
		lv.Entry = roundToTick(lv.Entry, tick)
		lv.TP1 = roundToTick(lv.TP1, tick)
		lv.TP2 = roundToTick(lv.TP2, tick)
		lv.Final = roundToTick(lv.Final, tick)
		for i := range lv.Ladder {
			lv.Ladder[i] = roundToTick(lv.Ladder[i], tick)
		}
	}

	// Conversion must not invert the level ordering.
	if sig.Type == models.SignalLong && lv.Stop >= lv.Entry {
		return FuturesLevels{}, fmt.Errorf("converted long stop %.10g not below entry %.10g", lv.Stop, lv.Entry)
	}
	if sig.Type == models.SignalShort && lv.Stop <= lv.Entry {
		return FuturesLevels{}, fmt.Errorf("converted short stop %.10g not above entry %.10g", lv.Stop, lv.Entry)
	}
	return lv, nil
}

func roundToTick(price, tick float64) float64 {
	return math.Round(price/tick) * tick
}

func roundDownToTick(price, tick float64) float64 {
	return math.Floor(price/tick) * tick
}

func roundUpToTick(price, tick float64) float64 {
	return math.Ceil(price/tick) * tick
}
