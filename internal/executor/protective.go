package executor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/exchange"
	"github.com/rdelgatto/permabull/internal/models"
)

// PlaceProtective installs the protective bracket after an entry fill: the
// stop first, unconditionally, then the take-profit ladder. A position is
// never left exposed waiting on TP placement; if anything after the stop
// fails, the stop is already live.
func (e *Executor) PlaceProtective(ctx context.Context, decisionID string, pos *models.ManagedPosition, rules models.ManagementRules) error {
	spec, ok := e.specs.Get(pos.Symbol)
	if !ok {
		return fmt.Errorf("no instrument spec for %s", pos.Symbol)
	}

	remaining := pos.RemainingSize()
	if remaining <= 0 {
		return fmt.Errorf("no remaining size on %s to protect", pos.Symbol)
	}
	stopQty, err := AlignSizeToStep(remaining, spec, true)
	if err != nil {
		return err
	}

	stopPrice := pos.CurrentStop
	if stopPrice == 0 {
		stopPrice = pos.InitialStopPrice
	}
	ack, err := e.ex.PlaceFuturesOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       models.SideForSignal(pos.Side).Opposite(),
		Type:       models.OrderTypeStopLoss,
		Size:       stopQty,
		Price:      stopPrice,
		ReduceOnly: true,
	})
	if err != nil {
		pos.MarkUnprotected(fmt.Sprintf("stop placement failed: %v", err))
		if saveErr := e.store.SavePosition(pos); saveErr != nil {
			e.log.WithError(saveErr).Error("persisting unprotected flag")
		}
		e.trace(decisionID, pos.Symbol, models.TraceError, map[string]any{
			"stage": "stop placement", "error": err.Error(),
		})
		return fmt.Errorf("place stop: %w", err)
	}
	if err := pos.MarkProtected(ack.OrderID, stopPrice); err != nil {
		return err
	}
	if err := e.store.SavePosition(pos); err != nil {
		return fmt.Errorf("persist protected position: %w", err)
	}
	e.trace(decisionID, pos.Symbol, models.TraceOrderEvent, map[string]any{
		"event": "stop placed", "order_id": ack.OrderID, "price": stopPrice, "qty": stopQty,
	})

	return e.placeTPLadder(ctx, decisionID, pos, rules, spec)
}

// placeTPLadder places the take-profit split. A rung below the instrument
// minimum is skipped individually; when every rung is too small the position
// runs stop-only.
func (e *Executor) placeTPLadder(ctx context.Context, decisionID string, pos *models.ManagedPosition,
	rules models.ManagementRules, spec models.InstrumentSpec) error {
	minSize := spec.EffectiveMinSize()

	type rung struct {
		price float64
		qty   float64
	}
	var rungs []rung
	if pos.InitialTP1Price > 0 {
		rungs = append(rungs, rung{pos.InitialTP1Price, pos.TP1QtyTarget})
	}
	if pos.InitialTP2Price > 0 && pos.TP2QtyTarget > 0 {
		rungs = append(rungs, rung{pos.InitialTP2Price, pos.TP2QtyTarget})
	}
	if !rules.RunnerMode && pos.FinalTargetPrice > 0 {
		runnerQty := pos.EntrySizeInitial - pos.TP1QtyTarget - pos.TP2QtyTarget
		if runnerQty > 0 {
			rungs = append(rungs, rung{pos.FinalTargetPrice, runnerQty})
		}
	}

	placeable := rungs[:0]
	for i, r := range rungs {
		if r.qty < minSize {
			e.log.WithFields(logrus.Fields{
				"symbol": pos.Symbol,
				"rung":   i + 1,
				"qty":    r.qty,
				"min":    minSize,
			}).Warn("take-profit rung below instrument minimum, skipped")
			e.trace(decisionID, pos.Symbol, models.TraceOrderEvent, map[string]any{
				"event": "tp rung skipped", "rung": i + 1, "qty": r.qty, "min": minSize,
			})
			continue
		}
		placeable = append(placeable, r)
	}
	if len(placeable) == 0 {
		// Stop-only mode: the stop still covers the full size.
		e.log.WithFields(logrus.Fields{
			"symbol": pos.Symbol,
			"size":   pos.RemainingSize(),
			"min":    minSize,
		}).Warn("position too small to split, running stop-only")
		e.trace(decisionID, pos.Symbol, models.TraceOrderEvent, map[string]any{
			"event": "tp ladder skipped", "reason": "below instrument minimum",
		})
		return nil
	}

	for i, r := range placeable {
		qty, err := AlignSizeToStep(r.qty, spec, true)
		if err != nil {
			return err
		}
		ack, err := e.ex.PlaceFuturesOrder(ctx, exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       models.SideForSignal(pos.Side).Opposite(),
			Type:       models.OrderTypeTakeProfit,
			Size:       qty,
			Price:      r.price,
			ReduceOnly: true,
		})
		if err != nil {
			// The stop is live; a missing TP rung degrades profit taking,
			// not safety.
			e.log.WithError(err).WithFields(logrus.Fields{
				"symbol": pos.Symbol,
				"rung":   i + 1,
			}).Error("take-profit placement failed")
			e.trace(decisionID, pos.Symbol, models.TraceError, map[string]any{
				"stage": fmt.Sprintf("tp%d placement", i+1), "error": err.Error(),
			})
			continue
		}
		pos.TPOrderIDs = append(pos.TPOrderIDs, ack.OrderID)
		e.trace(decisionID, pos.Symbol, models.TraceOrderEvent, map[string]any{
			"event": "take profit placed", "order_id": ack.OrderID, "price": r.price, "qty": qty,
		})
	}
	return e.store.SavePosition(pos)
}

// ApplyAction executes one management action emitted by the position state
// machine.
func (e *Executor) ApplyAction(ctx context.Context, decisionID string, pos *models.ManagedPosition, act models.ManagementAction) error {
	spec, ok := e.specs.Get(pos.Symbol)
	if !ok {
		return fmt.Errorf("no instrument spec for %s", pos.Symbol)
	}

	switch act.Kind {
	case models.ActionUpdateStop:
		return e.updateStop(ctx, decisionID, pos, act.Price, spec)

	case models.ActionPartialClose, models.ActionClosePosition:
		qty := act.Qty
		if act.Kind == models.ActionClosePosition || qty <= 0 || qty > pos.RemainingSize() {
			qty = pos.RemainingSize()
		}
		aligned, err := AlignSizeToStep(qty, spec, true)
		if err != nil {
			return err
		}
		ack, err := e.ex.ClosePosition(ctx, pos.Symbol, aligned)
		if err != nil {
			return fmt.Errorf("close %s: %w", pos.Symbol, err)
		}
		e.trace(decisionID, pos.Symbol, models.TraceOrderEvent, map[string]any{
			"event": "close submitted", "order_id": ack.OrderID, "qty": aligned, "reason": act.Reason,
		})
		return nil

	case models.ActionCancelProtective:
		return e.cancelProtective(ctx, decisionID, pos)

	case models.ActionActivateTrailing:
		pos.TrailingActive = true
		return e.store.SavePosition(pos)

	default:
		return fmt.Errorf("unhandled management action %s", act.Kind)
	}
}

// updateStop moves the stop by cancel-and-replace. Monotonicity is enforced
// by the position itself; a non-tightening update is refused before any
// venue call happens.
func (e *Executor) updateStop(ctx context.Context, decisionID string, pos *models.ManagedPosition, newStop float64, spec models.InstrumentSpec) error {
	if !pos.IsStopTightening(newStop) {
		return fmt.Errorf("stop update %.10g on %s does not tighten %.10g",
			newStop, pos.Symbol, pos.CurrentStop)
	}
	qty, err := AlignSizeToStep(pos.RemainingSize(), spec, true)
	if err != nil {
		return err
	}

	// Replace-then-cancel would double the stop exposure on a venue without
	// atomic replace; cancel-then-place leaves a short unprotected window
	// instead, which the UNPROTECTED flag covers.
	oldStopID := pos.StopOrderID
	if oldStopID != "" {
		if err := e.ex.CancelFuturesOrder(ctx, oldStopID); err != nil {
			return fmt.Errorf("cancel stop %s: %w", oldStopID, err)
		}
	}
	pos.MarkUnprotected("stop replacement in flight")
	if err := e.store.SavePosition(pos); err != nil {
		return err
	}

	ack, err := e.ex.PlaceFuturesOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       models.SideForSignal(pos.Side).Opposite(),
		Type:       models.OrderTypeStopLoss,
		Size:       qty,
		Price:      newStop,
		ReduceOnly: true,
	})
	if err != nil {
		e.trace(decisionID, pos.Symbol, models.TraceError, map[string]any{
			"stage": "stop replace", "error": err.Error(),
		})
		return fmt.Errorf("replace stop: %w", err)
	}
	if err := pos.TightenStop(newStop); err != nil {
		return err
	}
	pos.StopOrderID = ack.OrderID
	pos.IsProtected = true
	pos.ProtectionReason = ""
	if err := e.store.SavePosition(pos); err != nil {
		return err
	}
	e.trace(decisionID, pos.Symbol, models.TraceOrderEvent, map[string]any{
		"event": "stop updated", "order_id": ack.OrderID, "price": newStop,
	})
	return nil
}

// cancelProtective tears down the remaining bracket orders of a finished
// position.
func (e *Executor) cancelProtective(ctx context.Context, decisionID string, pos *models.ManagedPosition) error {
	var firstErr error
	cancel := func(orderID string) {
		if orderID == "" {
			return
		}
		if err := e.ex.CancelFuturesOrder(ctx, orderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	cancel(pos.StopOrderID)
	for _, id := range pos.TPOrderIDs {
		cancel(id)
	}
	if firstErr != nil {
		return fmt.Errorf("cancel protective orders on %s: %w", pos.Symbol, firstErr)
	}
	pos.StopOrderID = ""
	pos.TPOrderIDs = nil
	e.trace(decisionID, pos.Symbol, models.TraceOrderEvent, map[string]any{
		"event": "protective orders cancelled",
	})
	return e.store.SavePosition(pos)
}
