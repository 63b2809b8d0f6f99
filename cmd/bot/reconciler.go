package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/config"
	"github.com/rdelgatto/permabull/internal/exchange"
	"github.com/rdelgatto/permabull/internal/executor"
	"github.com/rdelgatto/permabull/internal/metrics"
	"github.com/rdelgatto/permabull/internal/models"
	"github.com/rdelgatto/permabull/internal/positions"
	"github.com/rdelgatto/permabull/internal/specs"
	"github.com/rdelgatto/permabull/internal/storage"
)

// Reconciler converges local position state with the venue: it adopts
// positions the venue has that we do not, deletes zombies we have that the
// venue does not, and re-arms ghosted protective orders.
type Reconciler struct {
	cfg      *config.Config
	log      *logrus.Logger
	ex       exchange.Exchange
	store    storage.Interface
	registry *positions.Registry
	specs    *specs.Registry
	exec     *executor.Executor
	met      *metrics.Metrics

	// Wake is signalled on fills so convergence does not wait for the timer.
	Wake chan struct{}

	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewReconciler wires a reconciler.
func NewReconciler(cfg *config.Config, log *logrus.Logger, ex exchange.Exchange,
	store storage.Interface, registry *positions.Registry, specReg *specs.Registry,
	exec *executor.Executor, met *metrics.Metrics) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		log:      log,
		ex:       ex,
		store:    store,
		registry: registry,
		specs:    specReg,
		exec:     exec,
		met:      met,
		Wake:     make(chan struct{}, 1),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano()+1)), 0), // #nosec G404 -- id entropy, not crypto
		now:      time.Now,
	}
}

// Run reconciles on the configured interval and on every wake signal.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ReconcileInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.Wake:
		}
		if err := r.ReconcileOnce(ctx); err != nil {
			r.log.WithError(err).Error("reconciliation failed")
		}
	}
}

// ReconcileOnce runs one full convergence pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	venuePositions, err := r.ex.GetAllFuturesPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch venue positions: %w", err)
	}
	openOrders, err := r.ex.GetFuturesOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch venue orders: %w", err)
	}
	local := r.registry.Snapshot()
	decisionID := "recon-" + ulid.MustNew(ulid.Timestamp(r.now()), r.entropy).String()

	adopted := r.adoptUnknownPositions(ctx, decisionID, venuePositions, openOrders, local)
	r.cleanZombies(decisionID, venuePositions, local)
	r.rearmGhostStops(ctx, decisionID, venuePositions, openOrders, adopted)
	r.ingestUnknownOrders(decisionID, openOrders)
	return nil
}

// adoptUnknownPositions registers venue positions with no local record,
// reconstructing protection from an existing reduce-only stop or placing an
// emergency stop.
func (r *Reconciler) adoptUnknownPositions(ctx context.Context, decisionID string,
	venuePositions []exchange.FuturesPosition, openOrders []exchange.OpenOrder,
	local []*models.ManagedPosition) map[string]bool {
	adopted := map[string]bool{}
	for _, vp := range venuePositions {
		if vp.Size == 0 {
			continue
		}
		if r.findLocal(local, vp.Symbol) != nil {
			continue
		}

		contracts := vp.Size
		if vp.SizeIsNotional && vp.MarkPrice > 0 {
			contracts = vp.Size / vp.MarkPrice
		}
		side := models.SignalLong
		if strings.EqualFold(vp.Side, "short") || vp.Size < 0 {
			side = models.SignalShort
			if contracts < 0 {
				contracts = -contracts
			}
		}

		stopOrder := r.findReduceOnlyStop(openOrders, vp.Symbol, side)
		stopPrice := 0.0
		if stopOrder != nil {
			stopPrice = stopOrder.Price
		} else {
			stopPrice = r.emergencyStopPrice(side, vp.EntryPrice, vp.LiquidationPrice)
		}

		pos := &models.ManagedPosition{
			StateMachine:      models.NewStateMachineFromState(models.StateOpen),
			State:             models.StateOpen,
			Symbol:            vp.Symbol,
			Side:              side,
			InitialSize:       contracts,
			InitialEntryPrice: vp.EntryPrice,
			InitialStopPrice:  stopPrice,
			SizeNotional:      contracts * vp.MarkPrice,
			Leverage:          vp.Leverage,
			Cluster:           exchange.BaseOf(vp.Symbol),
			CreatedAt:         r.now().UTC(),
			OpenedAt:          r.now().UTC(),
			EntryOrderID:      "unknown_" + ulid.MustNew(ulid.Timestamp(r.now()), r.entropy).String(),
			EntryAcknowledged: true,
		}
		pos.ApplyEntryFill(models.FillRecord{
			OrderID:   pos.EntryOrderID,
			Timestamp: r.now().UTC(),
			Size:      contracts,
			Price:     vp.EntryPrice,
		}, 0.40, 0.40)

		if stopOrder != nil {
			if err := pos.MarkProtected(stopOrder.OrderID, stopOrder.Price); err != nil {
				r.log.WithError(err).WithField("symbol", vp.Symbol).Error("adopt: marking protected")
			}
		} else if stopPrice > 0 {
			ack, err := r.ex.PlaceFuturesOrder(ctx, exchange.OrderRequest{
				Symbol:     vp.Symbol,
				Side:       models.SideForSignal(side).Opposite(),
				Type:       models.OrderTypeStopLoss,
				Size:       contracts,
				Price:      stopPrice,
				ReduceOnly: true,
			})
			if err != nil {
				pos.MarkUnprotected(fmt.Sprintf("emergency stop placement failed: %v", err))
				r.log.WithError(err).WithField("symbol", vp.Symbol).Error("adopt: emergency stop")
			} else if err := pos.MarkProtected(ack.OrderID, stopPrice); err != nil {
				r.log.WithError(err).WithField("symbol", vp.Symbol).Error("adopt: marking protected")
			}
		} else {
			pos.MarkUnprotected("adopted without reconstructable stop")
		}

		if err := r.registry.Register(pos); err != nil {
			r.log.WithError(err).WithField("symbol", vp.Symbol).Error("adopt: registering")
			continue
		}
		adopted[pos.Symbol] = true
		r.met.ReconcileAdopted.Inc()
		r.trace(decisionID, vp.Symbol, map[string]any{
			"action": "adopt", "contracts": contracts, "entry": vp.EntryPrice,
			"stop": stopPrice, "stop_reconstructed": stopOrder != nil,
		})
		r.log.WithFields(logrus.Fields{
			"symbol": vp.Symbol, "contracts": contracts, "stop": stopPrice,
		}).Warn("adopted venue position")
	}
	return adopted
}

// cleanZombies deletes local active positions the venue no longer has.
func (r *Reconciler) cleanZombies(decisionID string, venuePositions []exchange.FuturesPosition,
	local []*models.ManagedPosition) {
	for _, pos := range local {
		// PENDING positions have no venue position yet by definition.
		if pos.State == models.StatePending || pos.State.Terminal() {
			continue
		}
		if r.findVenue(venuePositions, pos.Symbol) != nil {
			continue
		}
		if err := r.registry.Forget(pos.Symbol); err != nil {
			r.log.WithError(err).WithField("symbol", pos.Symbol).Error("zombie cleanup")
			continue
		}
		r.met.ReconcileZombies.Inc()
		r.trace(decisionID, pos.Symbol, map[string]any{"action": "zombie delete"})
		r.log.WithField("symbol", pos.Symbol).Warn("deleted zombie position")
	}
}

// rearmGhostStops detects protected positions whose stop order vanished from
// the venue without a fill and re-places the bracket.
func (r *Reconciler) rearmGhostStops(ctx context.Context, decisionID string,
	venuePositions []exchange.FuturesPosition, openOrders []exchange.OpenOrder,
	adopted map[string]bool) {
	live := map[string]bool{}
	for _, o := range openOrders {
		live[o.OrderID] = true
	}
	for _, pos := range r.registry.Snapshot() {
		// Stops placed during adoption postdate the open-orders snapshot and
		// would look ghosted here.
		if adopted[pos.Symbol] {
			continue
		}
		if !pos.IsProtected || pos.StopOrderID == "" || live[pos.StopOrderID] {
			continue
		}
		if r.findVenue(venuePositions, pos.Symbol) == nil {
			// Position is gone too; the zombie path owns this case.
			continue
		}
		r.met.ReconcileGhosts.Inc()
		r.trace(decisionID, pos.Symbol, map[string]any{
			"action": "ghost stop", "order_id": pos.StopOrderID,
		})
		err := r.registry.Update(pos.Symbol, func(p *models.ManagedPosition) error {
			p.MarkUnprotected("stop order ghosted")
			return r.exec.PlaceProtective(ctx, decisionID, p, r.cfg.MultiTP)
		})
		if err != nil {
			r.log.WithError(err).WithField("symbol", pos.Symbol).Error("re-arming ghosted stop")
		}
	}
}

// ingestUnknownOrders records venue orders no local position owns. They are
// never cancelled here; an operator or the owning system gets to decide.
func (r *Reconciler) ingestUnknownOrders(decisionID string, openOrders []exchange.OpenOrder) {
	owned := map[string]bool{}
	for _, pos := range r.registry.Snapshot() {
		owned[pos.EntryOrderID] = true
		owned[pos.StopOrderID] = true
		for _, id := range pos.TPOrderIDs {
			owned[id] = true
		}
	}
	for _, o := range openOrders {
		if owned[o.OrderID] {
			continue
		}
		r.trace(decisionID, o.Symbol, map[string]any{
			"action": "unknown order ingested", "order_id": o.OrderID,
			"type": o.Type, "reduce_only": o.ReduceOnly, "status": "SUBMITTED",
		})
	}
}

// GhostSweep logs protective orders that are locally tracked but missing on
// the venue. Used during shutdown, where re-placement is no longer safe.
func (r *Reconciler) GhostSweep(ctx context.Context) error {
	openOrders, err := r.ex.GetFuturesOpenOrders(ctx)
	if err != nil {
		return err
	}
	live := map[string]bool{}
	for _, o := range openOrders {
		live[o.OrderID] = true
	}
	for _, pos := range r.registry.Snapshot() {
		if pos.StopOrderID != "" && !live[pos.StopOrderID] && !strings.HasPrefix(pos.StopOrderID, "unknown_") {
			r.log.WithFields(logrus.Fields{
				"symbol": pos.Symbol, "order_id": pos.StopOrderID,
			}).Warn("shutdown: stop order not on venue")
		}
	}
	return nil
}

// emergencyStopPrice places the stop risk-distance away from entry, clamped
// so it always keeps the configured fraction of the liquidation distance.
func (r *Reconciler) emergencyStopPrice(side models.SignalType, entry, liquidation float64) float64 {
	if entry <= 0 {
		return 0
	}
	pct := r.cfg.Reconciliation.AdoptStopLossPct
	minLiqFrac := r.cfg.Reconciliation.EmergencyStopMinLiqDistancePct

	var stop float64
	if side == models.SignalShort {
		stop = entry * (1 + pct)
		if liquidation > entry {
			// Stop must stay at least minLiqFrac of the way from liquidation
			// back toward entry.
			maxStop := liquidation - minLiqFrac*(liquidation-entry)
			if stop > maxStop {
				stop = maxStop
			}
		}
	} else {
		stop = entry * (1 - pct)
		if liquidation > 0 && liquidation < entry {
			minStop := liquidation + minLiqFrac*(entry-liquidation)
			if stop < minStop {
				stop = minStop
			}
		}
	}
	return stop
}

func (r *Reconciler) findLocal(local []*models.ManagedPosition, symbol string) *models.ManagedPosition {
	for _, pos := range local {
		if exchange.SameMarket(pos.Symbol, symbol) {
			return pos
		}
	}
	return nil
}

func (r *Reconciler) findVenue(venuePositions []exchange.FuturesPosition, symbol string) *exchange.FuturesPosition {
	for i := range venuePositions {
		if venuePositions[i].Size != 0 && exchange.SameMarket(venuePositions[i].Symbol, symbol) {
			return &venuePositions[i]
		}
	}
	return nil
}

// findReduceOnlyStop locates an existing stop order that would protect the
// given side.
func (r *Reconciler) findReduceOnlyStop(openOrders []exchange.OpenOrder, symbol string, side models.SignalType) *exchange.OpenOrder {
	want := string(models.SideForSignal(side).Opposite())
	for i := range openOrders {
		o := &openOrders[i]
		if !o.ReduceOnly || !exchange.SameMarket(o.Symbol, symbol) {
			continue
		}
		if !strings.Contains(strings.ToLower(o.Type), "stp") && !strings.Contains(strings.ToLower(o.Type), "stop") {
			continue
		}
		if !strings.EqualFold(o.Side, want) {
			continue
		}
		return o
	}
	return nil
}

func (r *Reconciler) trace(decisionID, symbol string, payload map[string]any) {
	if err := r.store.AppendTrace(models.Trace{
		Timestamp:  r.now().UTC(),
		DecisionID: decisionID,
		Symbol:     symbol,
		Kind:       models.TraceReconciliation,
		Payload:    payload,
	}); err != nil {
		r.log.WithError(err).Warn("reconciliation trace not persisted")
	}
}
