package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ladderPosition() *ManagedPosition {
	sig := Signal{
		Symbol: "BTC/USD", Type: SignalLong,
		EntryPrice: 50000, StopLoss: 49000, TakeProfit: 51000, ATR: 500,
		Setup: SetupOB, Regime: RegimeTightSMC, Score: 80,
	}
	pos := NewManagedPosition("PF_XBTUSD", sig, 0.01, 500, 5, 50000, 49000, 51000, 52000, 53000)
	pos.EntryOrderID = "entry-1"
	return pos
}

func filled(id string, size, price float64) Order {
	return Order{
		OrderID: id, Status: OrderStatusFilled,
		FilledSize: size, FilledPrice: price, FilledAt: time.Now().UTC(),
	}
}

func TestEntryFillPlacesStopBeforeTPs(t *testing.T) {
	pos := ladderPosition()
	actions, err := pos.ProcessOrderUpdate(filled("entry-1", 0.01, 50000), DefaultManagementRules())
	require.NoError(t, err)

	require.Len(t, actions, 3)
	assert.Equal(t, ActionPlaceStop, actions[0].Kind)
	assert.Equal(t, 49000.0, actions[0].Price)
	assert.Equal(t, ActionPlaceTP1, actions[1].Kind)
	assert.InDelta(t, 0.004, actions[1].Qty, 1e-12)
	assert.Equal(t, ActionPlaceTP2, actions[2].Kind)
	assert.InDelta(t, 0.004, actions[2].Qty, 1e-12)

	assert.Equal(t, StateOpen, pos.State)
	assert.Equal(t, 0.01, pos.EntrySizeInitial)
	assert.True(t, pos.EntryAcknowledged)
}

func TestEntryFillFixedTP3Mode(t *testing.T) {
	pos := ladderPosition()
	rules := DefaultManagementRules()
	rules.RunnerMode = false

	actions, err := pos.ProcessOrderUpdate(filled("entry-1", 0.01, 50000), rules)
	require.NoError(t, err)
	require.Len(t, actions, 4)
	assert.Equal(t, ActionPlaceTP3, actions[3].Kind)
	assert.Equal(t, 53000.0, actions[3].Price)
	assert.InDelta(t, 0.002, actions[3].Qty, 1e-12)
}

func TestEntryRejectedCancelsPending(t *testing.T) {
	pos := ladderPosition()
	actions, err := pos.ProcessOrderUpdate(Order{OrderID: "entry-1", Status: OrderStatusRejected},
		DefaultManagementRules())
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Equal(t, StateCancelled, pos.State)
}

func TestEntryMatchedByClientOrderID(t *testing.T) {
	pos := ladderPosition()
	order := filled("venue-9", 0.01, 50000)
	order.OrderID = "venue-9"
	order.ClientOrderID = "entry-1"

	actions, err := pos.ProcessOrderUpdate(order, DefaultManagementRules())
	require.NoError(t, err)
	assert.NotEmpty(t, actions)
	assert.Equal(t, StateOpen, pos.State)
}

func TestStopFillClosesAndCancelsProtective(t *testing.T) {
	pos := ladderPosition()
	_, err := pos.ProcessOrderUpdate(filled("entry-1", 0.01, 50000), DefaultManagementRules())
	require.NoError(t, err)
	require.NoError(t, pos.MarkProtected("stop-1", 49000))

	actions, err := pos.ProcessOrderUpdate(filled("stop-1", 0.01, 49000), DefaultManagementRules())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionCancelProtective, actions[0].Kind)
	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, 0.0, pos.RemainingSize())
}

func TestTP1FillBreakEvenAndTrailing(t *testing.T) {
	pos := ladderPosition()
	rules := DefaultManagementRules()
	rules.BreakEvenOffsetTicks = 2
	rules.PriceTick = 0.5
	_, err := pos.ProcessOrderUpdate(filled("entry-1", 0.01, 50000), rules)
	require.NoError(t, err)
	require.NoError(t, pos.MarkProtected("stop-1", 49000))
	pos.TPOrderIDs = []string{"tp-1", "tp-2"}

	actions, err := pos.ProcessOrderUpdate(filled("tp-1", 0.004, 51000), rules)
	require.NoError(t, err)
	assert.Equal(t, StatePartial, pos.State)
	assert.True(t, pos.TP1Filled)

	require.Len(t, actions, 2)
	assert.Equal(t, ActionUpdateStop, actions[0].Kind)
	assert.Equal(t, 50001.0, actions[0].Price, "entry plus two ticks")
	assert.True(t, pos.BreakEvenActive)
	assert.Equal(t, ActionActivateTrailing, actions[1].Kind)
	assert.True(t, pos.TrailingActive)
}

func TestTP1FillTrailingGatedByATR(t *testing.T) {
	pos := ladderPosition()
	rules := DefaultManagementRules()
	rules.TrailingActivationATRMin = 0.05 // ATR 500 on entry 50000 is only 1%
	_, err := pos.ProcessOrderUpdate(filled("entry-1", 0.01, 50000), rules)
	require.NoError(t, err)
	require.NoError(t, pos.MarkProtected("stop-1", 49000))
	pos.TPOrderIDs = []string{"tp-1", "tp-2"}

	actions, err := pos.ProcessOrderUpdate(filled("tp-1", 0.004, 51000), rules)
	require.NoError(t, err)
	assert.False(t, pos.TrailingActive)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionUpdateStop, actions[0].Kind)
}

func TestTP2FillExtraClose(t *testing.T) {
	pos := ladderPosition()
	rules := DefaultManagementRules()
	rules.TP2ExtraClosePct = 0.5
	_, err := pos.ProcessOrderUpdate(filled("entry-1", 0.01, 50000), rules)
	require.NoError(t, err)
	require.NoError(t, pos.MarkProtected("stop-1", 49000))
	pos.TPOrderIDs = []string{"tp-1", "tp-2"}

	_, err = pos.ProcessOrderUpdate(filled("tp-1", 0.004, 51000), rules)
	require.NoError(t, err)
	actions, err := pos.ProcessOrderUpdate(filled("tp-2", 0.004, 52000), rules)
	require.NoError(t, err)

	assert.True(t, pos.TP2Filled)
	assert.Equal(t, StatePartial, pos.State)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPartialClose, actions[0].Kind)
	assert.InDelta(t, 0.001, actions[0].Qty, 1e-12, "half of the 0.002 runner")
}

func TestFinalTPFillClosesPosition(t *testing.T) {
	pos := ladderPosition()
	_, err := pos.ProcessOrderUpdate(filled("entry-1", 0.01, 50000), DefaultManagementRules())
	require.NoError(t, err)
	require.NoError(t, pos.MarkProtected("stop-1", 49000))
	pos.TPOrderIDs = []string{"tp-1"}

	actions, err := pos.ProcessOrderUpdate(filled("tp-1", 0.01, 51000), DefaultManagementRules())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionCancelProtective, actions[0].Kind)
	assert.Equal(t, StateClosed, pos.State)
}

func TestUnknownOrderIsIgnored(t *testing.T) {
	pos := ladderPosition()
	actions, err := pos.ProcessOrderUpdate(filled("someone-elses", 1, 100), DefaultManagementRules())
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Equal(t, StatePending, pos.State)
}

func TestNonTerminalEntryStatusesDoNothing(t *testing.T) {
	pos := ladderPosition()
	for _, st := range []OrderStatus{OrderStatusPending, OrderStatusSubmitted} {
		actions, err := pos.ProcessOrderUpdate(Order{OrderID: "entry-1", Status: st},
			DefaultManagementRules())
		require.NoError(t, err)
		assert.Empty(t, actions)
		assert.Equal(t, StatePending, pos.State)
	}
}
