package models

import "fmt"

// ActionKind identifies a follow-up the executor must perform.
type ActionKind string

const (
	// ActionPlaceStop places the protective stop.
	ActionPlaceStop ActionKind = "PLACE_STOP"
	// ActionPlaceTP1 places the first take-profit.
	ActionPlaceTP1 ActionKind = "PLACE_TP1"
	// ActionPlaceTP2 places the second take-profit.
	ActionPlaceTP2 ActionKind = "PLACE_TP2"
	// ActionPlaceTP3 places the third take-profit (fixed-TP3 mode only).
	ActionPlaceTP3 ActionKind = "PLACE_TP3"
	// ActionUpdateStop tightens the stop order (cancel-and-replace).
	ActionUpdateStop ActionKind = "UPDATE_STOP"
	// ActionActivateTrailing switches the runner to trailing management.
	ActionActivateTrailing ActionKind = "ACTIVATE_TRAILING"
	// ActionPartialClose reduces the position at market, reduce-only.
	ActionPartialClose ActionKind = "PARTIAL_CLOSE"
	// ActionClosePosition flattens the position at market.
	ActionClosePosition ActionKind = "CLOSE_POSITION"
	// ActionCancelProtective cancels remaining stop/TP orders after a close.
	ActionCancelProtective ActionKind = "CANCEL_PROTECTIVE"
)

// ManagementAction is one follow-up emitted by ProcessOrderUpdate. The caller
// executes the emitted list in order, inside the same cycle.
type ManagementAction struct {
	Kind   ActionKind
	Symbol string
	Price  float64
	Qty    float64 // contracts; zero means "whole remaining size"
	Reason string
}

func (a ManagementAction) String() string {
	return fmt.Sprintf("%s %s qty=%.8f px=%.8f (%s)", a.Kind, a.Symbol, a.Qty, a.Price, a.Reason)
}

// ManagementRules carries the configuration ProcessOrderUpdate needs. Kept as
// a plain value so the state machine stays free of config plumbing.
type ManagementRules struct {
	// RunnerMode places two TPs and trails the remainder; otherwise a third
	// fixed TP is placed.
	RunnerMode bool `yaml:"runner_mode"`
	// TP1SplitPct / TP2SplitPct / TP3SplitPct are fractions of the initial
	// entry size (defaults 0.40/0.40/0.20).
	TP1SplitPct float64 `yaml:"tp1_split_pct"`
	TP2SplitPct float64 `yaml:"tp2_split_pct"`
	TP3SplitPct float64 `yaml:"tp3_split_pct"`
	// BreakEvenOffsetTicks offsets the break-even stop from entry.
	BreakEvenOffsetTicks float64 `yaml:"break_even_offset_ticks"`
	PriceTick            float64 `yaml:"-"`
	// TrailingActivationATRMin gates trailing activation: entry ATR must be
	// at least this fraction of the entry price.
	TrailingActivationATRMin float64 `yaml:"trailing_activation_atr_min"`
	// TP2ExtraClosePct optionally closes an extra slice of the remaining size
	// when TP2 fills (0 disables).
	TP2ExtraClosePct float64 `yaml:"tp2_extra_close_pct"`
}

// DefaultManagementRules mirrors the 40/40/20 ladder with runner trailing.
func DefaultManagementRules() ManagementRules {
	return ManagementRules{
		RunnerMode:  true,
		TP1SplitPct: 0.40,
		TP2SplitPct: 0.40,
		TP3SplitPct: 0.20,
	}
}

// ProcessOrderUpdate advances the position from an order update and returns
// the follow-up actions the executor must run, in order. A filled entry
// always emits exactly one PLACE_STOP before any PLACE_TP.
func (p *ManagedPosition) ProcessOrderUpdate(order Order, rules ManagementRules) ([]ManagementAction, error) {
	switch {
	case order.OrderID == p.EntryOrderID || (order.ClientOrderID != "" && order.ClientOrderID == p.EntryOrderID):
		return p.processEntryUpdate(order, rules)
	case order.OrderID == p.StopOrderID:
		return p.processStopUpdate(order)
	case p.isTPOrder(order.OrderID):
		return p.processTPUpdate(order, rules)
	default:
		// Unknown order for this position; nothing to do.
		return nil, nil
	}
}

func (p *ManagedPosition) isTPOrder(orderID string) bool {
	for _, id := range p.TPOrderIDs {
		if id == orderID {
			return true
		}
	}
	return false
}

func (p *ManagedPosition) processEntryUpdate(order Order, rules ManagementRules) ([]ManagementAction, error) {
	switch order.Status {
	case OrderStatusRejected, OrderStatusCancelled:
		if p.State == StatePending {
			if err := p.TransitionState(StateCancelled, ConditionEntryRejected); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case OrderStatusFilled:
	default:
		return nil, nil
	}

	if order.FilledSize <= 0 {
		return nil, nil
	}

	p.ApplyEntryFill(FillRecord{
		OrderID:   order.OrderID,
		Timestamp: order.FilledAt,
		Size:      order.FilledSize,
		Price:     order.FilledPrice,
	}, rules.TP1SplitPct, rules.TP2SplitPct)

	if p.State == StatePending {
		if err := p.TransitionState(StateOpen, ConditionEntryFilled); err != nil {
			return nil, err
		}
	}

	// The stop comes first, always.
	actions := []ManagementAction{
		{Kind: ActionPlaceStop, Symbol: p.Symbol, Price: p.InitialStopPrice,
			Reason: "entry filled"},
		{Kind: ActionPlaceTP1, Symbol: p.Symbol, Price: p.InitialTP1Price,
			Qty: p.TP1QtyTarget, Reason: "entry filled"},
		{Kind: ActionPlaceTP2, Symbol: p.Symbol, Price: p.InitialTP2Price,
			Qty: p.TP2QtyTarget, Reason: "entry filled"},
	}
	if !rules.RunnerMode {
		tp3Qty := p.EntrySizeInitial * rules.TP3SplitPct
		actions = append(actions, ManagementAction{
			Kind: ActionPlaceTP3, Symbol: p.Symbol, Price: p.FinalTargetPrice,
			Qty: tp3Qty, Reason: "entry filled",
		})
	}
	return actions, nil
}

func (p *ManagedPosition) processStopUpdate(order Order) ([]ManagementAction, error) {
	if order.Status != OrderStatusFilled {
		return nil, nil
	}
	p.ApplyExitFill(FillRecord{
		OrderID:   order.OrderID,
		Timestamp: order.FilledAt,
		Size:      order.FilledSize,
		Price:     order.FilledPrice,
	})
	if !p.State.Terminal() {
		if err := p.TransitionState(StateClosed, ConditionStopFilled); err != nil {
			return nil, err
		}
	}
	return []ManagementAction{
		{Kind: ActionCancelProtective, Symbol: p.Symbol, Reason: "stop filled"},
	}, nil
}

func (p *ManagedPosition) processTPUpdate(order Order, rules ManagementRules) ([]ManagementAction, error) {
	if order.Status != OrderStatusFilled {
		return nil, nil
	}
	p.ApplyExitFill(FillRecord{
		OrderID:   order.OrderID,
		Timestamp: order.FilledAt,
		Size:      order.FilledSize,
		Price:     order.FilledPrice,
	})

	if p.RemainingSize() <= 0 {
		if !p.State.Terminal() {
			if err := p.TransitionState(StateClosed, ConditionFinalExit); err != nil {
				return nil, err
			}
		}
		return []ManagementAction{
			{Kind: ActionCancelProtective, Symbol: p.Symbol, Reason: "final tp filled"},
		}, nil
	}

	if !p.TP1Filled {
		return p.onTP1Filled(rules)
	}
	return p.onTP2Filled(rules)
}

func (p *ManagedPosition) onTP1Filled(rules ManagementRules) ([]ManagementAction, error) {
	p.TP1Filled = true
	if p.State == StateProtected || p.State == StateOpen {
		if err := p.TransitionState(StatePartial, ConditionTP1Filled); err != nil {
			return nil, err
		}
	}

	var actions []ManagementAction

	// Break-even stop, offset by configured ticks, only if it tightens.
	be := p.InitialEntryPrice
	offset := rules.BreakEvenOffsetTicks * rules.PriceTick
	if p.Side == SignalShort {
		be -= offset
	} else {
		be += offset
	}
	if p.IsStopTightening(be) {
		p.BreakEvenActive = true
		actions = append(actions, ManagementAction{
			Kind: ActionUpdateStop, Symbol: p.Symbol, Price: be, Reason: "break-even after tp1",
		})
	}

	// Trailing activation guard: only trail when entry volatility is material.
	if rules.TrailingActivationATRMin == 0 ||
		(p.InitialEntryPrice > 0 && p.EntryATR/p.InitialEntryPrice >= rules.TrailingActivationATRMin) {
		p.TrailingActive = true
		actions = append(actions, ManagementAction{
			Kind: ActionActivateTrailing, Symbol: p.Symbol, Reason: "tp1 filled",
		})
	}
	return actions, nil
}

func (p *ManagedPosition) onTP2Filled(rules ManagementRules) ([]ManagementAction, error) {
	p.TP2Filled = true
	if p.State == StatePartial {
		if err := p.TransitionState(StatePartial, ConditionTP2Filled); err != nil {
			return nil, err
		}
	}
	var actions []ManagementAction
	if rules.TP2ExtraClosePct > 0 {
		qty := p.RemainingSize() * rules.TP2ExtraClosePct
		if qty > 0 {
			actions = append(actions, ManagementAction{
				Kind: ActionPartialClose, Symbol: p.Symbol, Qty: qty, Reason: "tp2 rule close",
			})
		}
	}
	return actions, nil
}
