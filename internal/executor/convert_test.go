package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdelgatto/permabull/internal/models"
)

func spotSignal(dir models.SignalType, entry, stop, tp float64, ladder ...float64) models.Signal {
	return models.Signal{
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Symbol:       "BTC/USD",
		Type:         dir,
		EntryPrice:   entry,
		StopLoss:     stop,
		TakeProfit:   tp,
		TPCandidates: ladder,
		Setup:        models.SetupOB,
		Regime:       models.RegimeTightSMC,
	}
}

func TestConvertLevelsPreservesPercentDistances(t *testing.T) {
	// Spot: entry 100, stop 98 (2% below), tp 104 (4% above). Futures mark
	// trades at a premium of 2x; distances carry over proportionally.
	sig := spotSignal(models.SignalLong, 100, 98, 104, 104, 106)

	lv, err := ConvertLevels(sig, 200, 0)
	require.NoError(t, err)
	assert.Equal(t, 200.0, lv.Entry)
	assert.InDelta(t, 196.0, lv.Stop, 1e-9)
	assert.InDelta(t, 208.0, lv.TP1, 1e-9)
	assert.InDelta(t, 212.0, lv.TP2, 1e-9)
	assert.InDelta(t, 212.0, lv.Final, 1e-9)

	// Relative distances are unchanged.
	assert.InDelta(t, (sig.EntryPrice-sig.StopLoss)/sig.EntryPrice,
		(lv.Entry-lv.Stop)/lv.Entry, 1e-12)
}

func TestConvertLevelsShort(t *testing.T) {
	sig := spotSignal(models.SignalShort, 100, 102, 96, 96)
	lv, err := ConvertLevels(sig, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 50.0, lv.Entry)
	assert.InDelta(t, 51.0, lv.Stop, 1e-9)
	assert.InDelta(t, 48.0, lv.TP1, 1e-9)
}

func TestConvertLevelsStopRoundsAwayFromEntry(t *testing.T) {
	// With a 0.5 tick, a long stop rounds down, a short stop rounds up: tick
	// snapping must never shrink the protective distance.
	long := spotSignal(models.SignalLong, 100, 98.3, 104, 104)
	lv, err := ConvertLevels(long, 100, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 98.0, lv.Stop)

	short := spotSignal(models.SignalShort, 100, 101.7, 96, 96)
	lv, err = ConvertLevels(short, 100, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 102.0, lv.Stop)
}

func TestConvertLevelsRejectsInvertedLevels(t *testing.T) {
	// A degenerate stop equal to the entry survives scaling but fails the
	// ordering check.
	sig := spotSignal(models.SignalLong, 100, 100, 104, 104)
	_, err := ConvertLevels(sig, 200, 0)
	assert.Error(t, err)

	sig = spotSignal(models.SignalLong, 0, 98, 104)
	_, err = ConvertLevels(sig, 200, 0)
	assert.Error(t, err)
}
