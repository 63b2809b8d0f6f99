package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortPosition() *ManagedPosition {
	sig := Signal{
		Symbol: "ETH/USD", Type: SignalShort,
		EntryPrice: 3000, StopLoss: 3100, TakeProfit: 2900, ATR: 40,
		Setup: SetupBOS, Regime: RegimeWideStructure, Score: 70,
	}
	return NewManagedPosition("PF_ETHUSD", sig, 0.5, 1500, 3, 3000, 3100, 2900, 2800, 2700)
}

func TestTightenStopLongOnlyRises(t *testing.T) {
	pos := ladderPosition()
	pos.CurrentStop = 49000

	require.NoError(t, pos.TightenStop(49500))
	assert.Equal(t, 49500.0, pos.CurrentStop)

	err := pos.TightenStop(49200)
	require.Error(t, err)
	assert.Equal(t, 49500.0, pos.CurrentStop, "failed tighten leaves the stop unchanged")

	assert.Error(t, pos.TightenStop(49500), "equal level is not a tighten")
}

func TestTightenStopShortOnlyFalls(t *testing.T) {
	pos := shortPosition()
	pos.CurrentStop = 3100

	require.NoError(t, pos.TightenStop(3050))
	assert.Error(t, pos.TightenStop(3080))
	assert.Equal(t, 3050.0, pos.CurrentStop)
}

func TestTightenStopFallsBackToInitial(t *testing.T) {
	pos := ladderPosition()
	// No live stop yet; the initial level is the baseline.
	require.NoError(t, pos.TightenStop(49100))
	assert.Error(t, ladderPosition().TightenStop(48900))
}

func TestIsStopTighteningDoesNotMutate(t *testing.T) {
	pos := ladderPosition()
	pos.CurrentStop = 49000
	assert.True(t, pos.IsStopTightening(49500))
	assert.False(t, pos.IsStopTightening(48500))
	assert.Equal(t, 49000.0, pos.CurrentStop)
}

func TestStopCrossed(t *testing.T) {
	long := ladderPosition()
	assert.True(t, long.StopCrossed(48999))
	assert.True(t, long.StopCrossed(49000))
	assert.False(t, long.StopCrossed(49001))
	assert.False(t, long.StopCrossed(0), "missing mark never triggers")

	short := shortPosition()
	assert.True(t, short.StopCrossed(3100))
	assert.False(t, short.StopCrossed(3099))
}

func TestStopCrossedUsesOriginalLevel(t *testing.T) {
	pos := ladderPosition()
	require.NoError(t, pos.TightenStop(49800))
	// The tightened ORDER level does not move the absolute trigger.
	assert.False(t, pos.StopCrossed(49500))
	assert.True(t, pos.StopCrossed(48900))
}

func TestRemainingSizeAndAvgEntry(t *testing.T) {
	pos := ladderPosition()
	pos.ApplyEntryFill(FillRecord{OrderID: "e1", Size: 0.006, Price: 50000}, 0.40, 0.40)
	pos.ApplyEntryFill(FillRecord{OrderID: "e2", Size: 0.004, Price: 50100}, 0.40, 0.40)
	pos.ApplyExitFill(FillRecord{OrderID: "x1", Size: 0.004, Price: 51000})

	assert.InDelta(t, 0.01, pos.FilledEntrySize(), 1e-12)
	assert.InDelta(t, 0.006, pos.RemainingSize(), 1e-12)
	assert.InDelta(t, 50040, pos.AvgEntryPrice(), 1e-9)

	assert.Equal(t, 0.006, pos.EntrySizeInitial, "targets freeze on the first fill only")
	assert.InDelta(t, 0.0024, pos.TP1QtyTarget, 1e-12)
}

func TestUnrealizedR(t *testing.T) {
	pos := ladderPosition()
	pos.ApplyEntryFill(FillRecord{OrderID: "e1", Size: 0.01, Price: 50000}, 0.40, 0.40)

	assert.InDelta(t, 0.5, pos.UnrealizedR(50500), 1e-9)
	assert.InDelta(t, -1.0, pos.UnrealizedR(49000), 1e-9)
	assert.Equal(t, 0.0, pos.UnrealizedR(0))

	short := shortPosition()
	short.ApplyEntryFill(FillRecord{OrderID: "e1", Size: 0.5, Price: 3000}, 0.40, 0.40)
	assert.InDelta(t, 1.0, short.UnrealizedR(2900), 1e-9)
}

func TestMarkProtectedAdvancesOpen(t *testing.T) {
	pos := ladderPosition()
	pos.ApplyEntryFill(FillRecord{OrderID: "e1", Size: 0.01, Price: 50000}, 0.40, 0.40)
	require.NoError(t, pos.TransitionState(StateOpen, ConditionEntryFilled))

	require.NoError(t, pos.MarkProtected("stop-1", 49000))
	assert.Equal(t, StateProtected, pos.State)
	assert.True(t, pos.IsProtected)
	assert.Equal(t, "stop-1", pos.StopOrderID)
	assert.Equal(t, 49000.0, pos.CurrentStop)
}

func TestMarkUnprotectedClearsStopOrder(t *testing.T) {
	pos := ladderPosition()
	pos.StopOrderID = "stop-1"
	pos.IsProtected = true
	pos.MarkUnprotected("stop placement failed")
	assert.False(t, pos.IsProtected)
	assert.Empty(t, pos.StopOrderID)
	assert.Equal(t, "stop placement failed", pos.ProtectionReason)
}

func TestValidateState(t *testing.T) {
	pos := ladderPosition()
	require.NoError(t, pos.ValidateState(), "pending needs no fills")

	pos.ApplyEntryFill(FillRecord{OrderID: "e1", Size: 0.01, Price: 50000}, 0.40, 0.40)
	require.NoError(t, pos.TransitionState(StateOpen, ConditionEntryFilled))
	require.NoError(t, pos.ValidateState())

	bad := ladderPosition()
	bad.State = StateOpen
	assert.Error(t, bad.ValidateState(), "active without entry fills")

	wrongSide := ladderPosition()
	wrongSide.InitialStopPrice = 51000
	wrongSide.ApplyEntryFill(FillRecord{OrderID: "e1", Size: 0.01, Price: 50000}, 0.40, 0.40)
	wrongSide.State = StateOpen
	assert.Error(t, wrongSide.ValidateState(), "long stop above entry")

	partial := ladderPosition()
	partial.ApplyEntryFill(FillRecord{OrderID: "e1", Size: 0.01, Price: 50000}, 0.40, 0.40)
	partial.State = StatePartial
	assert.Error(t, partial.ValidateState(), "PARTIAL requires tp1_filled")
}

func TestCopyIsDeep(t *testing.T) {
	pos := ladderPosition()
	pos.ApplyEntryFill(FillRecord{OrderID: "e1", Size: 0.01, Price: 50000}, 0.40, 0.40)
	pos.TPOrderIDs = []string{"tp-1", "tp-2"}

	cp := pos.Copy()
	cp.EntryFills[0].Size = 99
	cp.TPOrderIDs[0] = "mutated"
	cp.CurrentStop = 12345

	assert.Equal(t, 0.01, pos.EntryFills[0].Size)
	assert.Equal(t, "tp-1", pos.TPOrderIDs[0])
	assert.Zero(t, pos.CurrentStop)
}

func TestOpenedAtOrCreated(t *testing.T) {
	pos := ladderPosition()
	assert.Equal(t, pos.CreatedAt, pos.OpenedAtOrCreated())
	opened := time.Now().UTC().Add(-time.Hour)
	pos.OpenedAt = opened
	assert.Equal(t, opened, pos.OpenedAtOrCreated())
}
