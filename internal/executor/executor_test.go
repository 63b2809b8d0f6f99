package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdelgatto/permabull/internal/exchange"
	"github.com/rdelgatto/permabull/internal/models"
	"github.com/rdelgatto/permabull/internal/specs"
	"github.com/rdelgatto/permabull/internal/storage"
)

// fakeExchange records trading calls and serves a canned instrument listing.
type fakeExchange struct {
	exchange.Exchange
	mu          sync.Mutex
	orders      []exchange.OrderRequest
	cancelled   []string
	leverages   map[string]float64
	placeErr    error
	nextOrderID int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{leverages: map[string]float64{}}
}

func (f *fakeExchange) GetFuturesInstruments(context.Context) ([]exchange.RawInstrument, error) {
	return []exchange.RawInstrument{
		{
			Symbol: "PF_XBTUSD",
			Raw: map[string]any{
				"symbol":                      "PF_XBTUSD",
				"tradeable":                   true,
				"contractSize":                1.0,
				"tickSize":                    0.5,
				"maxLeverage":                 50.0,
				"contractValueTradePrecision": 4.0,
				"flexibleLeverage":            true,
				"limits": map[string]any{
					"amount": map[string]any{"min": 0.0001},
				},
			},
		},
		{
			// No flexibleLeverage field: the leverage mode stays unknown.
			Symbol: "PF_ETHUSD",
			Raw: map[string]any{
				"symbol":                      "PF_ETHUSD",
				"tradeable":                   true,
				"contractSize":                1.0,
				"tickSize":                    0.05,
				"maxLeverage":                 25.0,
				"contractValueTradePrecision": 3.0,
				"limits": map[string]any{
					"amount": map[string]any{"min": 0.001},
				},
			},
		},
	}, nil
}

func (f *fakeExchange) SetLeverage(_ context.Context, symbol string, lv float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverages[symbol] = lv
	return nil
}

func (f *fakeExchange) PlaceFuturesOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.orders = append(f.orders, req)
	f.nextOrderID++
	return &exchange.OrderAck{
		OrderID:       fmt.Sprintf("oid-%d", f.nextOrderID),
		ClientOrderID: req.ClientOrderID,
		Status:        models.OrderStatusSubmitted,
	}, nil
}

func (f *fakeExchange) CancelFuturesOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) placed() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OrderRequest, len(f.orders))
	copy(out, f.orders)
	return out
}

func newTestExecutor(t *testing.T) (*Executor, *fakeExchange, *storage.MockStorage) {
	t.Helper()
	ex := newFakeExchange()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	reg := specs.NewRegistry(ex, filepath.Join(t.TempDir(), "specs.json"), log)
	require.NoError(t, reg.Refresh(context.Background()))

	store := storage.NewMockStorage()
	e, err := New(ex, reg, store, DefaultConfig(), log)
	require.NoError(t, err)
	return e, ex, store
}

func longSignal() models.Signal {
	return models.Signal{
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Symbol:       "BTC/USD",
		Type:         models.SignalLong,
		EntryPrice:   100,
		StopLoss:     98,
		TakeProfit:   104,
		TPCandidates: []float64{104, 106, 110},
		Setup:        models.SetupOB,
		Regime:       models.RegimeTightSMC,
		Score:        80,
	}
}

func TestPlaceEntryHappyPath(t *testing.T) {
	e, ex, store := newTestExecutor(t)

	pos, err := e.PlaceEntry(context.Background(), "dec-1", longSignal(),
		1000, 5, 50000, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, models.StatePending, pos.State)
	assert.Equal(t, "BTC/USD:USD", pos.Symbol)
	assert.Equal(t, "oid-1", pos.EntryOrderID)
	assert.Equal(t, 0.02, pos.InitialSize)

	orders := ex.placed()
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderTypeLimit, orders[0].Type)
	assert.Equal(t, models.OrderSideBuy, orders[0].Side)
	assert.NotEmpty(t, orders[0].ClientOrderID)
	assert.Equal(t, 5.0, ex.leverages["BTC/USD:USD"])

	// The pending position is durable.
	saved, err := store.GetPosition("BTC/USD:USD")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, saved.State)
}

func TestPlaceEntryIdempotent(t *testing.T) {
	e, ex, _ := newTestExecutor(t)
	sig := longSignal()

	first, err := e.PlaceEntry(context.Background(), "dec-1", sig, 1000, 5, 50000, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Identical signal and notional inside the window: silently skipped.
	second, err := e.PlaceEntry(context.Background(), "dec-2", sig, 1000, 5, 50000, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, ex.placed(), 1)
}

func TestPlaceEntryIntentPersistsOnFailure(t *testing.T) {
	e, ex, _ := newTestExecutor(t)
	sig := longSignal()

	ex.placeErr = fmt.Errorf("venue timeout")
	_, err := e.PlaceEntry(context.Background(), "dec-1", sig, 1000, 5, 50000, nil, nil)
	require.Error(t, err)

	// The failed attempt may have reached the venue; the retry must be
	// treated as a duplicate, not replayed.
	ex.placeErr = nil
	pos, err := e.PlaceEntry(context.Background(), "dec-2", sig, 1000, 5, 50000, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.Empty(t, ex.placed())
}

func TestPlaceEntryUnknownLeverageSkipsVenueCall(t *testing.T) {
	e, ex, _ := newTestExecutor(t)

	sig := longSignal()
	sig.Symbol = "ETH/USD"
	pos, err := e.PlaceEntry(context.Background(), "dec-1", sig, 1000, 5, 3000, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.NotContains(t, ex.leverages, "ETH/USD:USD", "no leverage parameter on an unparsed listing")
	assert.Len(t, ex.placed(), 1)
	assert.Equal(t, 0.0, pos.Leverage)
}

func TestPlaceEntryPyramidingGuardAcrossSpellings(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	open := models.NewManagedPosition("PF_XBTUSD", longSignal(), 0.02, 1000, 5, 50000, 49000, 52000, 53000, 55000)
	require.NoError(t, open.TransitionState(models.StateOpen, models.ConditionEntryFilled))

	// Signal arrives spelled differently; the guard still matches.
	_, err := e.PlaceEntry(context.Background(), "dec-1", longSignal(),
		1000, 5, 50000, []*models.ManagedPosition{open}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already open")
}

func TestPlaceEntryStalePendingOrderCleaned(t *testing.T) {
	e, ex, _ := newTestExecutor(t)
	now := time.Now()
	e.SetClock(func() time.Time { return now })

	stale := exchange.OpenOrder{
		OrderID:   "old-entry",
		Symbol:    "PF_XBTUSD",
		Side:      "buy",
		CreatedAt: now.Add(-5 * time.Minute),
	}
	pos, err := e.PlaceEntry(context.Background(), "dec-1", longSignal(),
		1000, 5, 50000, nil, []exchange.OpenOrder{stale})
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Contains(t, ex.cancelled, "old-entry")
}

func TestPlaceEntryFreshPendingOrderBlocks(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	now := time.Now()
	e.SetClock(func() time.Time { return now })

	fresh := exchange.OpenOrder{
		OrderID:   "live-entry",
		Symbol:    "PF_XBTUSD",
		Side:      "buy",
		CreatedAt: now.Add(-5 * time.Second),
	}
	_, err := e.PlaceEntry(context.Background(), "dec-1", longSignal(),
		1000, 5, 50000, nil, []exchange.OpenOrder{fresh})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending entry")
}

func TestPlaceEntryBlocklistAndStablecoins(t *testing.T) {
	ex := newFakeExchange()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	reg := specs.NewRegistry(ex, filepath.Join(t.TempDir(), "specs.json"), log)
	require.NoError(t, reg.Refresh(context.Background()))

	cfg := DefaultConfig()
	cfg.Blocklist = []string{"DOGE"}
	e, err := New(ex, reg, storage.NewMockStorage(), cfg, log)
	require.NoError(t, err)

	doge := longSignal()
	doge.Symbol = "DOGE/USD"
	_, err = e.PlaceEntry(context.Background(), "dec-1", doge, 1000, 5, 1, nil, nil)
	assert.ErrorContains(t, err, "blocklisted")

	usdt := longSignal()
	usdt.Symbol = "USDT/USD"
	_, err = e.PlaceEntry(context.Background(), "dec-1", usdt, 1000, 5, 1, nil, nil)
	assert.ErrorContains(t, err, "stablecoin")
}

func filledPosition(t *testing.T, contracts float64) *models.ManagedPosition {
	t.Helper()
	pos := models.NewManagedPosition("BTC/USD:USD", longSignal(), contracts,
		contracts*50000, 5, 50000, 49000, 52000, 53000, 55000)
	pos.EntryOrderID = "entry-1"
	pos.ApplyEntryFill(models.FillRecord{
		OrderID: "entry-1", Timestamp: time.Now().UTC(),
		Size: contracts, Price: 50000,
	}, 0.40, 0.40)
	require.NoError(t, pos.TransitionState(models.StateOpen, models.ConditionEntryFilled))
	return pos
}

func TestPlaceProtectiveStopComesFirst(t *testing.T) {
	e, ex, _ := newTestExecutor(t)
	pos := filledPosition(t, 1.0)

	require.NoError(t, e.PlaceProtective(context.Background(), "dec-1", pos, models.DefaultManagementRules()))

	orders := ex.placed()
	require.NotEmpty(t, orders)
	assert.Equal(t, models.OrderTypeStopLoss, orders[0].Type, "stop is always the first protective order")
	assert.True(t, orders[0].ReduceOnly)
	assert.Equal(t, models.OrderSideSell, orders[0].Side)
	assert.Equal(t, 49000.0, orders[0].Price)

	// Runner mode: two TP rungs follow, 40/40, the rest trails.
	require.Len(t, orders, 3)
	assert.Equal(t, models.OrderTypeTakeProfit, orders[1].Type)
	assert.InDelta(t, 0.4, orders[1].Size, 1e-9)
	assert.Equal(t, 52000.0, orders[1].Price)
	assert.InDelta(t, 0.4, orders[2].Size, 1e-9)
	assert.Equal(t, 53000.0, orders[2].Price)

	assert.True(t, pos.IsProtected)
	assert.Equal(t, models.StateProtected, pos.State)
	assert.Len(t, pos.TPOrderIDs, 2)
}

func TestPlaceProtectiveFixedTP3Mode(t *testing.T) {
	e, ex, _ := newTestExecutor(t)
	pos := filledPosition(t, 1.0)

	rules := models.DefaultManagementRules()
	rules.RunnerMode = false
	require.NoError(t, e.PlaceProtective(context.Background(), "dec-1", pos, rules))

	orders := ex.placed()
	require.Len(t, orders, 4)
	assert.Equal(t, 55000.0, orders[3].Price)
	assert.InDelta(t, 0.2, orders[3].Size, 1e-9)
}

func TestPlaceProtectiveUnsplittableRunsStopOnly(t *testing.T) {
	e, ex, _ := newTestExecutor(t)
	// 0.0002 contracts: every 40% rung is 0.00008, below the 0.0001 minimum.
	pos := filledPosition(t, 0.0002)

	require.NoError(t, e.PlaceProtective(context.Background(), "dec-1", pos, models.DefaultManagementRules()))

	orders := ex.placed()
	require.Len(t, orders, 1, "no rung passes the minimum, stop only")
	assert.Equal(t, models.OrderTypeStopLoss, orders[0].Type)
	assert.True(t, pos.IsProtected)
	assert.Empty(t, pos.TPOrderIDs)
}

func TestPlaceProtectiveSkipsSubMinimumRungsIndividually(t *testing.T) {
	e, ex, _ := newTestExecutor(t)

	// 60/20 split over 0.0003 contracts: TP1 is 0.00018, TP2 is 0.00006.
	// Only the rung below the 0.0001 minimum is dropped.
	pos := models.NewManagedPosition("BTC/USD:USD", longSignal(), 0.0003,
		0.0003*50000, 5, 50000, 49000, 52000, 53000, 55000)
	pos.EntryOrderID = "entry-1"
	pos.ApplyEntryFill(models.FillRecord{
		OrderID: "entry-1", Timestamp: time.Now().UTC(),
		Size: 0.0003, Price: 50000,
	}, 0.60, 0.20)
	require.NoError(t, pos.TransitionState(models.StateOpen, models.ConditionEntryFilled))

	require.NoError(t, e.PlaceProtective(context.Background(), "dec-1", pos, models.DefaultManagementRules()))

	orders := ex.placed()
	require.Len(t, orders, 2)
	assert.Equal(t, models.OrderTypeStopLoss, orders[0].Type)
	assert.Equal(t, models.OrderTypeTakeProfit, orders[1].Type)
	assert.Equal(t, 52000.0, orders[1].Price, "the surviving rung is the first target")
	assert.InDelta(t, 0.0002, orders[1].Size, 1e-9, "reduce-only alignment rounds the rung up")
	assert.Len(t, pos.TPOrderIDs, 1)
}

func TestPlaceProtectiveDustRunsStopOnlyNoTP(t *testing.T) {
	e, ex, _ := newTestExecutor(t)
	pos := filledPosition(t, 0.0001)
	// Shrink remaining below the minimum via a partial exit.
	pos.ApplyExitFill(models.FillRecord{OrderID: "x", Size: 0.00005, Price: 51000})

	require.NoError(t, e.PlaceProtective(context.Background(), "dec-1", pos, models.DefaultManagementRules()))

	orders := ex.placed()
	require.Len(t, orders, 1, "stop only")
	assert.Equal(t, models.OrderTypeStopLoss, orders[0].Type)
}

func TestUpdateStopRefusesLoosening(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	pos := filledPosition(t, 1.0)
	pos.StopOrderID = "stop-1"
	require.NoError(t, pos.MarkProtected("stop-1", 49000))

	err := e.ApplyAction(context.Background(), "dec-1", pos, models.ManagementAction{
		Kind:  models.ActionUpdateStop,
		Price: 48000, // looser than 49000 on a long
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tighten")
}

func TestUpdateStopCancelAndReplace(t *testing.T) {
	e, ex, _ := newTestExecutor(t)
	pos := filledPosition(t, 1.0)
	pos.StopOrderID = "stop-1"
	require.NoError(t, pos.MarkProtected("stop-1", 49000))

	require.NoError(t, e.ApplyAction(context.Background(), "dec-1", pos, models.ManagementAction{
		Kind:  models.ActionUpdateStop,
		Price: 50000,
	}))
	assert.Contains(t, ex.cancelled, "stop-1")
	assert.Equal(t, 50000.0, pos.CurrentStop)
	assert.True(t, pos.IsProtected)
	assert.NotEqual(t, "stop-1", pos.StopOrderID)
}

func TestMonitorCancelsTimedOutEntry(t *testing.T) {
	e, ex, store := newTestExecutor(t)
	now := time.Now()
	e.SetClock(func() time.Time { return now })

	pos, err := e.PlaceEntry(context.Background(), "dec-1", longSignal(), 1000, 5, 50000, nil, nil)
	require.NoError(t, err)

	e.SetClock(func() time.Time { return now.Add(time.Minute) })
	e.MonitorPendingEntries(context.Background(), []*models.ManagedPosition{pos}, func(string) float64 { return 50000 })

	assert.Contains(t, ex.cancelled, pos.EntryOrderID)
	assert.Equal(t, models.StateCancelled, pos.State)
	_, err = store.GetPosition("BTC/USD:USD")
	assert.ErrorIs(t, err, storage.ErrPositionNotFound)
}

func TestMonitorCancelsPriceInvalidatedEntry(t *testing.T) {
	e, ex, _ := newTestExecutor(t)
	now := time.Now()
	e.SetClock(func() time.Time { return now })

	pos, err := e.PlaceEntry(context.Background(), "dec-1", longSignal(), 1000, 5, 50000, nil, nil)
	require.NoError(t, err)

	// Still inside the timeout, but the mark drifted 4% from the 50000
	// limit, past the 2% invalidation band.
	e.SetClock(func() time.Time { return now.Add(5 * time.Second) })
	e.MonitorPendingEntries(context.Background(), []*models.ManagedPosition{pos}, func(string) float64 { return 48000 })

	assert.Contains(t, ex.cancelled, pos.EntryOrderID)
}

func TestMonitorKeepsEntryInsideDriftBand(t *testing.T) {
	ex := newFakeExchange()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	reg := specs.NewRegistry(ex, filepath.Join(t.TempDir(), "specs.json"), log)
	require.NoError(t, reg.Refresh(context.Background()))

	cfg := DefaultConfig()
	cfg.OrderPriceInvalidationPct = 0.05
	e, err := New(ex, reg, storage.NewMockStorage(), cfg, log)
	require.NoError(t, err)

	now := time.Now()
	e.SetClock(func() time.Time { return now })
	pos, err := e.PlaceEntry(context.Background(), "dec-1", longSignal(), 1000, 5, 50000, nil, nil)
	require.NoError(t, err)

	// 4% below the limit: through the stop level, but inside the configured
	// band, so the resting order stays working.
	e.SetClock(func() time.Time { return now.Add(5 * time.Second) })
	e.MonitorPendingEntries(context.Background(), []*models.ManagedPosition{pos}, func(string) float64 { return 48000 })
	assert.Empty(t, ex.cancelled)
	assert.Equal(t, models.StatePending, pos.State)

	// 6% drift leaves the band; now it cancels.
	e.MonitorPendingEntries(context.Background(), []*models.ManagedPosition{pos}, func(string) float64 { return 47000 })
	assert.Contains(t, ex.cancelled, pos.EntryOrderID)
}

func TestMonitorNeverTouchesUnknownOrders(t *testing.T) {
	e, ex, _ := newTestExecutor(t)
	now := time.Now()
	e.SetClock(func() time.Time { return now })

	pos := models.NewManagedPosition("BTC/USD:USD", longSignal(), 0.02, 1000, 5, 50000, 49000, 52000, 53000, 55000)
	pos.EntryOrderID = "unknown_adopted-1"

	e.SetClock(func() time.Time { return now.Add(time.Hour) })
	e.MonitorPendingEntries(context.Background(), []*models.ManagedPosition{pos}, func(string) float64 { return 10 })
	assert.Empty(t, ex.cancelled)
}
