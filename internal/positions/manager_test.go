package positions

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdelgatto/permabull/internal/models"
	"github.com/rdelgatto/permabull/internal/storage"
)

type fakeExec struct {
	protective []string
	actions    []models.ManagementAction
	applyErr   error
}

func (f *fakeExec) PlaceProtective(_ context.Context, _ string, pos *models.ManagedPosition, _ models.ManagementRules) error {
	f.protective = append(f.protective, pos.Symbol)
	return pos.MarkProtected("stop-1", pos.InitialStopPrice)
}

func (f *fakeExec) ApplyAction(_ context.Context, _ string, _ *models.ManagedPosition, act models.ManagementAction) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.actions = append(f.actions, act)
	return nil
}

func (f *fakeExec) actionKinds() []models.ActionKind {
	out := make([]models.ActionKind, 0, len(f.actions))
	for _, a := range f.actions {
		out = append(out, a.Kind)
	}
	return out
}

type fixedSpecs struct{ spec models.InstrumentSpec }

func (s fixedSpecs) Get(string) (models.InstrumentSpec, bool) { return s.spec, true }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func btcSignal() models.Signal {
	return models.Signal{
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Symbol:     "BTC/USD",
		Type:       models.SignalLong,
		EntryPrice: 50000,
		StopLoss:   49000,
		TakeProfit: 51000,
		ATR:        500,
		Setup:      models.SetupOB,
		Regime:     models.RegimeTightSMC,
		Score:      80,
	}
}

func pendingPosition() *models.ManagedPosition {
	return models.NewManagedPosition("PF_XBTUSD", btcSignal(),
		0.01, 500, 5, 50000, 49000, 51000, 52000, 53000)
}

func protectedPosition(t *testing.T) *models.ManagedPosition {
	t.Helper()
	pos := pendingPosition()
	pos.EntryOrderID = "entry-1"
	pos.ApplyEntryFill(models.FillRecord{OrderID: "entry-1", Size: 0.01, Price: 50000}, 0.40, 0.40)
	require.NoError(t, pos.TransitionState(models.StateOpen, models.ConditionEntryFilled))
	require.NoError(t, pos.MarkProtected("stop-1", 49000))
	return pos
}

func newTestManager(t *testing.T, markOf func(string) float64,
	premiseDead func(*models.ManagedPosition) bool) (*Manager, *Registry, *fakeExec, *storage.MockStorage) {
	t.Helper()
	store := storage.NewMockStorage()
	reg := NewRegistry(store)
	exec := &fakeExec{}
	specs := fixedSpecs{spec: models.InstrumentSpec{
		SymbolRaw:    "PF_XBTUSD",
		ContractSize: 1,
		MinSize:      0.0001,
		SizeStep:     0.0001,
		PriceTick:    0.5,
	}}
	if markOf == nil {
		markOf = func(string) float64 { return 0 }
	}
	cfg := Config{
		TrailingATRMultiple: 2.0,
		TrailingMinTicks:    5,
		Rules:               models.DefaultManagementRules(),
	}
	m := NewManager(reg, exec, specs, quietLogger(), cfg, markOf, premiseDead)
	return m, reg, exec, store
}

func TestHandleOrderUpdateEntryFillPlacesProtectiveOnce(t *testing.T) {
	m, reg, exec, _ := newTestManager(t, nil, nil)
	pos := pendingPosition()
	pos.EntryOrderID = "entry-1"
	require.NoError(t, reg.Register(pos))

	err := m.HandleOrderUpdate(context.Background(), "d1", models.Order{
		OrderID:     "entry-1",
		Symbol:      "PF_XBTUSD",
		Status:      models.OrderStatusFilled,
		FilledSize:  0.01,
		FilledPrice: 50000,
		FilledAt:    time.Now(),
	})
	require.NoError(t, err)

	// The protective batch collapses into a single bracket placement; no
	// separate TP actions reach the executor.
	assert.Equal(t, []string{"PF_XBTUSD"}, exec.protective)
	assert.Empty(t, exec.actions)

	got, ok := reg.Get("PF_XBTUSD")
	require.True(t, ok)
	assert.Equal(t, models.StateProtected, got.State)
	assert.InDelta(t, 0.004, got.TP1QtyTarget, 1e-12)
}

func TestHandleOrderUpdateTP1MovesStopToBreakEven(t *testing.T) {
	m, reg, exec, _ := newTestManager(t, nil, nil)
	pos := protectedPosition(t)
	pos.TPOrderIDs = []string{"tp-1", "tp-2"}
	require.NoError(t, reg.Register(pos))

	err := m.HandleOrderUpdate(context.Background(), "d2", models.Order{
		OrderID:     "tp-1",
		Symbol:      "PF_XBTUSD",
		Status:      models.OrderStatusFilled,
		FilledSize:  0.004,
		FilledPrice: 51000,
		FilledAt:    time.Now(),
	})
	require.NoError(t, err)

	kinds := exec.actionKinds()
	require.Contains(t, kinds, models.ActionUpdateStop)
	require.Contains(t, kinds, models.ActionActivateTrailing)
	for _, a := range exec.actions {
		if a.Kind == models.ActionUpdateStop {
			assert.Equal(t, 50000.0, a.Price, "break-even sits at entry with zero offset")
		}
	}

	got, ok := reg.Get("PF_XBTUSD")
	require.True(t, ok)
	assert.Equal(t, models.StatePartial, got.State)
	assert.True(t, got.TP1Filled)
}

func TestHandleOrderUpdateStopFillArchivesWithPnL(t *testing.T) {
	m, reg, exec, store := newTestManager(t, nil, nil)
	pos := protectedPosition(t)
	require.NoError(t, reg.Register(pos))

	err := m.HandleOrderUpdate(context.Background(), "d3", models.Order{
		OrderID:     "stop-1",
		Symbol:      "PF_XBTUSD",
		Status:      models.OrderStatusFilled,
		FilledSize:  0.01,
		FilledPrice: 49000,
		FilledAt:    time.Now(),
	})
	require.NoError(t, err)

	assert.Contains(t, exec.actionKinds(), models.ActionCancelProtective)
	assert.Equal(t, 0, reg.Len(), "terminal position leaves the registry")

	hist, err := store.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.InDelta(t, -10.0, hist[0].PnL, 1e-9, "0.01 contracts losing 1000 per unit")
}

func TestHandleOrderUpdateUnknownOrderIsIgnored(t *testing.T) {
	m, reg, exec, _ := newTestManager(t, nil, nil)
	require.NoError(t, reg.Register(protectedPosition(t)))

	err := m.HandleOrderUpdate(context.Background(), "d4", models.Order{
		OrderID: "someone-elses-order",
		Symbol:  "PF_XBTUSD",
		Status:  models.OrderStatusFilled,
	})
	require.NoError(t, err)
	assert.Empty(t, exec.actions)
	assert.Empty(t, exec.protective)
	assert.Equal(t, 1, reg.Len())
}

func TestManageOnceStopCrossedForcesClose(t *testing.T) {
	mark := 48900.0 // through the 49000 stop
	m, reg, exec, _ := newTestManager(t, func(string) float64 { return mark }, nil)
	pos := protectedPosition(t)
	pos.TrailingActive = true // close still wins over trailing
	require.NoError(t, reg.Register(pos))

	m.ManageOnce(context.Background())

	kinds := exec.actionKinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, models.ActionClosePosition, kinds[0])
	assert.Contains(t, kinds, models.ActionCancelProtective)
	assert.NotContains(t, kinds, models.ActionUpdateStop)
}

func TestManageOncePremiseInvalidationCloses(t *testing.T) {
	m, reg, exec, _ := newTestManager(t,
		func(string) float64 { return 50500 },
		func(*models.ManagedPosition) bool { return true })
	require.NoError(t, reg.Register(protectedPosition(t)))

	m.ManageOnce(context.Background())

	require.NotEmpty(t, exec.actions)
	assert.Equal(t, models.ActionClosePosition, exec.actions[0].Kind)
	assert.Equal(t, "premise invalidated", exec.actions[0].Reason)
}

func TestManageOnceTrailingTightensFromPeak(t *testing.T) {
	mark := 52000.0
	m, reg, exec, _ := newTestManager(t, func(string) float64 { return mark }, nil)
	pos := protectedPosition(t)
	pos.TrailingActive = true
	require.NoError(t, reg.Register(pos))

	m.ManageOnce(context.Background())

	require.Len(t, exec.actions, 1)
	act := exec.actions[0]
	assert.Equal(t, models.ActionUpdateStop, act.Kind)
	// Peak 52000 minus 2x ATR(500) = 51000.
	assert.Equal(t, 51000.0, act.Price)

	got, ok := reg.Get("PF_XBTUSD")
	require.True(t, ok)
	assert.Equal(t, 52000.0, got.PeakPrice)
	assert.False(t, got.LastChecked.IsZero())
}

func TestManageOnceTrailingGatedByMinTicks(t *testing.T) {
	mark := 52000.0
	m, reg, exec, _ := newTestManager(t, func(string) float64 { return mark }, nil)
	pos := protectedPosition(t)
	pos.TrailingActive = true
	// Stop already trailed to 50999: the candidate 51000 improves by two
	// ticks, below the five-tick threshold.
	pos.CurrentStop = 50999
	require.NoError(t, reg.Register(pos))

	m.ManageOnce(context.Background())
	assert.Empty(t, exec.actions)
}

func TestManageOnceNeverLoosensTrailingStop(t *testing.T) {
	m, reg, exec, _ := newTestManager(t, func(string) float64 { return 50200 }, nil)
	pos := protectedPosition(t)
	pos.TrailingActive = true
	pos.CurrentStop = 50000 // candidate 50200-1000 = 49200 would loosen
	require.NoError(t, reg.Register(pos))

	m.ManageOnce(context.Background())
	assert.Empty(t, exec.actions)
}

func TestManageOnceSkipsSymbolsWithoutMark(t *testing.T) {
	m, reg, exec, _ := newTestManager(t, func(string) float64 { return 0 }, nil)
	pos := protectedPosition(t)
	pos.TrailingActive = true
	require.NoError(t, reg.Register(pos))

	m.ManageOnce(context.Background())
	assert.Empty(t, exec.actions)
}

func TestShortPeakTracksValley(t *testing.T) {
	marks := []float64{48000, 47000, 47500}
	i := 0
	m, reg, _, _ := newTestManager(t, func(string) float64 {
		v := marks[i%len(marks)]
		i++
		return v
	}, nil)

	sig := btcSignal()
	sig.Type = models.SignalShort
	sig.StopLoss = 51000
	pos := models.NewManagedPosition("PF_XBTUSD", sig, 0.01, 500, 5, 50000, 51000, 49000, 48000, 47000)
	pos.EntryOrderID = "entry-1"
	pos.ApplyEntryFill(models.FillRecord{OrderID: "entry-1", Size: 0.01, Price: 50000}, 0.40, 0.40)
	require.NoError(t, pos.TransitionState(models.StateOpen, models.ConditionEntryFilled))
	require.NoError(t, pos.MarkProtected("stop-1", 51000))
	require.NoError(t, reg.Register(pos))

	for range marks {
		m.ManageOnce(context.Background())
	}
	got, ok := reg.Get("PF_XBTUSD")
	require.True(t, ok)
	assert.Equal(t, 47000.0, got.PeakPrice, "short peak is the lowest mark seen")
}
