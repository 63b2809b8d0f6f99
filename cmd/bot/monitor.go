package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/exchange"
	"github.com/rdelgatto/permabull/internal/executor"
	"github.com/rdelgatto/permabull/internal/models"
	"github.com/rdelgatto/permabull/internal/positions"
)

// OrderMonitor polls the venue order book to detect fills and to cancel
// stale or invalidated entry orders. Fill detection is by disappearance: an
// order we track that is no longer resting either filled or was cancelled,
// and the venue position tells the two cases apart.
type OrderMonitor struct {
	log      *logrus.Logger
	ex       exchange.Exchange
	registry *positions.Registry
	exec     *executor.Executor
	manager  *positions.Manager
	markOf   func(string) float64

	// OnFill, when set, is signalled after any fill is processed so the
	// reconciler can converge immediately.
	OnFill chan<- struct{}

	interval time.Duration
	now      func() time.Time
}

// NewOrderMonitor wires the monitor with the default 5s poll.
func NewOrderMonitor(log *logrus.Logger, ex exchange.Exchange, registry *positions.Registry,
	exec *executor.Executor, manager *positions.Manager, markOf func(string) float64) *OrderMonitor {
	return &OrderMonitor{
		log:      log,
		ex:       ex,
		registry: registry,
		exec:     exec,
		manager:  manager,
		markOf:   markOf,
		interval: 5 * time.Second,
		now:      time.Now,
	}
}

// Run polls until the context ends.
func (m *OrderMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.PollOnce(ctx)
		}
	}
}

// PollOnce runs one detection pass.
func (m *OrderMonitor) PollOnce(ctx context.Context) {
	openOrders, err := m.ex.GetFuturesOpenOrders(ctx)
	if err != nil {
		m.log.WithError(err).Warn("order monitor: open orders fetch failed")
		return
	}
	venuePositions, err := m.ex.GetAllFuturesPositions(ctx)
	if err != nil {
		m.log.WithError(err).Warn("order monitor: positions fetch failed")
		return
	}

	live := map[string]bool{}
	for _, o := range openOrders {
		live[o.OrderID] = true
	}

	filled := false
	for _, pos := range m.registry.Snapshot() {
		switch pos.State {
		case models.StatePending:
			if m.detectEntryFill(ctx, pos, live, venuePositions) {
				filled = true
			}
		case models.StateProtected, models.StatePartial:
			if m.detectExitFills(ctx, pos, live, venuePositions) {
				filled = true
			}
		}
	}

	// Timeout and price-invalidation cancels for entries that never filled.
	// The executor archives cancelled entries itself; evict them from the
	// registry so they stop appearing in snapshots.
	pending := m.registry.Snapshot()
	m.exec.MonitorPendingEntries(ctx, pending, m.markOf)
	for _, p := range pending {
		if p.State.Terminal() {
			m.registry.Evict(p.Symbol)
		}
	}

	if filled && m.OnFill != nil {
		select {
		case m.OnFill <- struct{}{}:
		default:
		}
	}
}

// detectEntryFill reports the entry order as filled when it left the book
// and the venue now carries the position.
func (m *OrderMonitor) detectEntryFill(ctx context.Context, pos *models.ManagedPosition,
	live map[string]bool, venuePositions []exchange.FuturesPosition) bool {
	if pos.EntryOrderID == "" || live[pos.EntryOrderID] {
		return false
	}
	vp := findVenuePosition(venuePositions, pos.Symbol)
	if vp == nil {
		// Order gone and no position: cancelled or rejected upstream; the
		// pending-entry monitor and reconciler handle the record.
		return false
	}
	size := vp.Size
	if size < 0 {
		size = -size
	}
	if vp.SizeIsNotional && vp.MarkPrice > 0 {
		size = size / vp.MarkPrice
	}
	price := vp.EntryPrice
	if price == 0 {
		price = pos.InitialEntryPrice
	}
	err := m.manager.HandleOrderUpdate(ctx, "fill-"+pos.EntryOrderID, models.Order{
		OrderID:     pos.EntryOrderID,
		Symbol:      pos.Symbol,
		Status:      models.OrderStatusFilled,
		FilledSize:  size,
		FilledPrice: price,
		FilledAt:    m.now().UTC(),
	})
	if err != nil {
		m.log.WithError(err).WithField("symbol", pos.Symbol).Error("processing entry fill")
		return false
	}
	m.log.WithFields(logrus.Fields{
		"symbol": pos.Symbol, "size": size, "price": price,
	}).Info("entry fill detected")
	return true
}

// detectExitFills walks the protective orders that left the book and feeds
// them to the state machine, sized from the venue position delta.
func (m *OrderMonitor) detectExitFills(ctx context.Context, pos *models.ManagedPosition,
	live map[string]bool, venuePositions []exchange.FuturesPosition) bool {
	vp := findVenuePosition(venuePositions, pos.Symbol)
	venueSize := 0.0
	if vp != nil {
		venueSize = vp.Size
		if venueSize < 0 {
			venueSize = -venueSize
		}
		if vp.SizeIsNotional && vp.MarkPrice > 0 {
			venueSize = venueSize / vp.MarkPrice
		}
	}
	localRemaining := pos.RemainingSize()
	delta := localRemaining - venueSize
	if delta <= 0 {
		return false
	}

	// Stop fill flattens; take the stop first when both are missing.
	if pos.StopOrderID != "" && !live[pos.StopOrderID] && venueSize == 0 {
		return m.applyExit(ctx, pos, pos.StopOrderID, delta, pos.CurrentStop)
	}
	for _, tpID := range pos.TPOrderIDs {
		if live[tpID] {
			continue
		}
		price := pos.InitialTP1Price
		if pos.TP1Filled {
			price = pos.InitialTP2Price
		}
		return m.applyExit(ctx, pos, tpID, delta, price)
	}
	return false
}

func (m *OrderMonitor) applyExit(ctx context.Context, pos *models.ManagedPosition,
	orderID string, size, price float64) bool {
	err := m.manager.HandleOrderUpdate(ctx, "fill-"+orderID, models.Order{
		OrderID:     orderID,
		Symbol:      pos.Symbol,
		Status:      models.OrderStatusFilled,
		FilledSize:  size,
		FilledPrice: price,
		FilledAt:    m.now().UTC(),
	})
	if err != nil {
		m.log.WithError(err).WithField("symbol", pos.Symbol).Error("processing exit fill")
		return false
	}
	m.log.WithFields(logrus.Fields{
		"symbol": pos.Symbol, "order_id": orderID, "size": size, "price": price,
	}).Info("exit fill detected")
	return true
}

func findVenuePosition(venuePositions []exchange.FuturesPosition, symbol string) *exchange.FuturesPosition {
	for i := range venuePositions {
		if venuePositions[i].Size != 0 && exchange.SameMarket(venuePositions[i].Symbol, symbol) {
			return &venuePositions[i]
		}
	}
	return nil
}
