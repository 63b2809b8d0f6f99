package models

import (
	"fmt"
	"time"
)

// ManagedPosition is the authoritative local record for one futures position,
// keyed by the venue symbol. Orders are referenced by id only.
type ManagedPosition struct {
	StateMachine *StateMachine `json:"-"`     // runtime only
	State        PositionState `json:"state"` // canonical persisted state

	Symbol string     `json:"symbol"` // futures symbol, venue form
	Side   SignalType `json:"side"`   // LONG or SHORT

	InitialSize       float64 `json:"initial_size"` // contracts requested
	InitialEntryPrice float64 `json:"initial_entry_price"`
	// InitialStopPrice is immutable after registration. The stop ORDER may
	// tighten; the original level is the absolute-priority close trigger.
	InitialStopPrice float64 `json:"initial_stop_price"`
	InitialTP1Price  float64 `json:"initial_tp1_price"`
	InitialTP2Price  float64 `json:"initial_tp2_price"`
	FinalTargetPrice float64 `json:"final_target_price"`

	// Snapshot targets, frozen on the first entry fill and never overwritten.
	EntrySizeInitial float64 `json:"entry_size_initial"`
	TP1QtyTarget     float64 `json:"tp1_qty_target"`
	TP2QtyTarget     float64 `json:"tp2_qty_target"`

	EntryFills []FillRecord `json:"entry_fills"`
	ExitFills  []FillRecord `json:"exit_fills"`

	EntryOrderID   string   `json:"entry_order_id,omitempty"`
	StopOrderID    string   `json:"stop_order_id,omitempty"`
	TPOrderIDs     []string `json:"tp_order_ids,omitempty"`
	CurrentStop    float64  `json:"current_stop,omitempty"` // live stop level
	SizeNotional   float64  `json:"size_notional"`
	Leverage       float64  `json:"leverage"`
	EntryATR       float64  `json:"entry_atr,omitempty"`
	PeakPrice      float64  `json:"peak_price,omitempty"` // best mark since entry

	EntryAcknowledged bool `json:"entry_acknowledged"`
	TP1Filled         bool `json:"tp1_filled"`
	TP2Filled         bool `json:"tp2_filled"`
	TrailingActive    bool `json:"trailing_active"`
	BreakEvenActive   bool `json:"break_even_active"`

	Cluster          string    `json:"cluster"`
	Regime           Regime    `json:"regime"`
	Setup            SetupType `json:"setup_type"`
	EntryScore       float64   `json:"entry_score"`
	CreatedAt        time.Time `json:"created_at"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
	LastChecked      time.Time `json:"last_checked,omitempty"`
	IsProtected      bool      `json:"is_protected"`
	ProtectionReason string    `json:"protection_reason,omitempty"`
}

// NewManagedPosition registers a position in PENDING from an approved intent.
func NewManagedPosition(symbol string, sig Signal, contracts, notional, leverage float64,
	futEntry, futStop, futTP1, futTP2, futFinal float64) *ManagedPosition {
	return &ManagedPosition{
		StateMachine:      NewStateMachine(),
		State:             StatePending,
		Symbol:            symbol,
		Side:              sig.Type,
		InitialSize:       contracts,
		InitialEntryPrice: futEntry,
		InitialStopPrice:  futStop,
		InitialTP1Price:   futTP1,
		InitialTP2Price:   futTP2,
		FinalTargetPrice:  futFinal,
		SizeNotional:      notional,
		Leverage:          leverage,
		EntryATR:          sig.ATR,
		Cluster:           sig.Cluster(),
		Regime:            sig.Regime,
		Setup:             sig.Setup,
		EntryScore:        sig.Score,
		CreatedAt:         time.Now().UTC(),
	}
}

// OpenedAtOrCreated returns the fill time for open positions and the
// registration time for positions still waiting on their entry.
func (p *ManagedPosition) OpenedAtOrCreated() time.Time {
	if !p.OpenedAt.IsZero() {
		return p.OpenedAt
	}
	return p.CreatedAt
}

func (p *ManagedPosition) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachineFromState(p.State)
	}
	return p.StateMachine
}

// GetCurrentState returns the canonical persisted state.
func (p *ManagedPosition) GetCurrentState() PositionState {
	return p.State
}

// TransitionState moves the position to a new state.
func (p *ManagedPosition) TransitionState(to PositionState, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("position %s state transition failed: %w", p.Symbol, err)
	}
	p.State = to
	if to == StateOpen && p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	return nil
}

// ApplyEntryFill appends a fill record and, exactly once, freezes the
// snapshot targets from the first entry fills.
func (p *ManagedPosition) ApplyEntryFill(fill FillRecord, tp1SplitPct, tp2SplitPct float64) {
	p.EntryFills = append(p.EntryFills, fill)
	p.EntryAcknowledged = true
	if p.EntrySizeInitial == 0 {
		p.EntrySizeInitial = p.FilledEntrySize()
		p.TP1QtyTarget = p.EntrySizeInitial * tp1SplitPct
		p.TP2QtyTarget = p.EntrySizeInitial * tp2SplitPct
	}
	if p.InitialEntryPrice == 0 && fill.Price > 0 {
		p.InitialEntryPrice = fill.Price
	}
}

// ApplyExitFill appends an exit fill.
func (p *ManagedPosition) ApplyExitFill(fill FillRecord) {
	p.ExitFills = append(p.ExitFills, fill)
}

// FilledEntrySize is the sum of entry fills in contracts.
func (p *ManagedPosition) FilledEntrySize() float64 {
	var total float64
	for _, f := range p.EntryFills {
		total += f.Size
	}
	return total
}

// FilledExitSize is the sum of exit fills in contracts.
func (p *ManagedPosition) FilledExitSize() float64 {
	var total float64
	for _, f := range p.ExitFills {
		total += f.Size
	}
	return total
}

// RemainingSize is the open exposure in contracts.
func (p *ManagedPosition) RemainingSize() float64 {
	rem := p.FilledEntrySize() - p.FilledExitSize()
	if rem < 0 {
		return 0
	}
	return rem
}

// AvgEntryPrice is the size-weighted average entry fill price.
func (p *ManagedPosition) AvgEntryPrice() float64 {
	var qty, cost float64
	for _, f := range p.EntryFills {
		qty += f.Size
		cost += f.Size * f.Price
	}
	if qty == 0 {
		return p.InitialEntryPrice
	}
	return cost / qty
}

// UnrealizedR returns open profit in risk units at the given mark price.
func (p *ManagedPosition) UnrealizedR(mark float64) float64 {
	risk := p.riskDistance()
	if risk == 0 || mark == 0 {
		return 0
	}
	entry := p.AvgEntryPrice()
	if p.Side == SignalShort {
		return (entry - mark) / risk
	}
	return (mark - entry) / risk
}

func (p *ManagedPosition) riskDistance() float64 {
	d := p.InitialEntryPrice - p.InitialStopPrice
	if d < 0 {
		return -d
	}
	return d
}

// stopOnLosingSide reports whether stop sits strictly on the losing side of
// entry for the position's side.
func stopOnLosingSide(side SignalType, entry, stop float64) bool {
	if side == SignalShort {
		return stop > entry
	}
	return stop < entry
}

// TightenStop moves the live stop level, enforcing monotonic movement toward
// profit: long stops only rise, short stops only fall.
func (p *ManagedPosition) TightenStop(newStop float64) error {
	current := p.CurrentStop
	if current == 0 {
		current = p.InitialStopPrice
	}
	if p.Side == SignalShort {
		if newStop >= current {
			return fmt.Errorf("position %s: stop %.8f does not tighten short stop %.8f",
				p.Symbol, newStop, current)
		}
	} else {
		if newStop <= current {
			return fmt.Errorf("position %s: stop %.8f does not tighten long stop %.8f",
				p.Symbol, newStop, current)
		}
	}
	p.CurrentStop = newStop
	return nil
}

// IsStopTightening reports whether moving to newStop would respect the
// monotonic-stop invariant without applying the move.
func (p *ManagedPosition) IsStopTightening(newStop float64) bool {
	current := p.CurrentStop
	if current == 0 {
		current = p.InitialStopPrice
	}
	if p.Side == SignalShort {
		return newStop < current
	}
	return newStop > current
}

// StopCrossed reports whether the mark price has crossed the ORIGINAL stop
// level. This backs the absolute-priority market close that protects against
// stop-order ghosting.
func (p *ManagedPosition) StopCrossed(mark float64) bool {
	if p.InitialStopPrice == 0 || mark == 0 {
		return false
	}
	if p.Side == SignalShort {
		return mark >= p.InitialStopPrice
	}
	return mark <= p.InitialStopPrice
}

// MarkUnprotected flags the position as lacking a live stop and records why.
func (p *ManagedPosition) MarkUnprotected(reason string) {
	p.IsProtected = false
	p.ProtectionReason = reason
	p.StopOrderID = ""
}

// MarkProtected records a confirmed live stop order and advances OPEN to
// PROTECTED.
func (p *ManagedPosition) MarkProtected(stopOrderID string, stopPrice float64) error {
	p.StopOrderID = stopOrderID
	p.CurrentStop = stopPrice
	p.IsProtected = true
	p.ProtectionReason = ""
	if p.State == StateOpen {
		return p.TransitionState(StateProtected, ConditionStopPlaced)
	}
	return nil
}

// AgeSeconds returns seconds since the position opened.
func (p *ManagedPosition) AgeSeconds(now time.Time) float64 {
	if p.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(p.OpenedAt).Seconds()
}

// ValidateState enforces the structural invariants for the current state.
func (p *ManagedPosition) ValidateState() error {
	if p.Side != SignalLong && p.Side != SignalShort {
		return fmt.Errorf("position %s: invalid side %q", p.Symbol, p.Side)
	}
	if p.State.Active() {
		// Every active position must carry a stop strictly on the losing side.
		if p.InitialStopPrice == 0 {
			return fmt.Errorf("position %s in state %s: initial stop price unset", p.Symbol, p.State)
		}
		if p.InitialEntryPrice > 0 && !stopOnLosingSide(p.Side, p.InitialEntryPrice, p.InitialStopPrice) {
			return fmt.Errorf("position %s in state %s: stop %.8f not on losing side of entry %.8f for %s",
				p.Symbol, p.State, p.InitialStopPrice, p.InitialEntryPrice, p.Side)
		}
		if len(p.EntryFills) == 0 {
			return fmt.Errorf("position %s in state %s: no entry fills", p.Symbol, p.State)
		}
	}
	if p.State == StatePartial && !p.TP1Filled {
		return fmt.Errorf("position %s in state PARTIAL: tp1_filled not set", p.Symbol)
	}
	if p.EntrySizeInitial > 0 && p.TP1QtyTarget+p.TP2QtyTarget > p.EntrySizeInitial+1e-9 {
		return fmt.Errorf("position %s: tp targets %.8f exceed initial entry size %.8f",
			p.Symbol, p.TP1QtyTarget+p.TP2QtyTarget, p.EntrySizeInitial)
	}
	return nil
}

// Copy returns a deep copy for snapshot readers.
func (p *ManagedPosition) Copy() *ManagedPosition {
	if p == nil {
		return nil
	}
	cp := *p
	cp.StateMachine = p.StateMachine.Copy()
	cp.EntryFills = append([]FillRecord(nil), p.EntryFills...)
	cp.ExitFills = append([]FillRecord(nil), p.ExitFills...)
	cp.TPOrderIDs = append([]string(nil), p.TPOrderIDs...)
	return &cp
}
