package models

import (
	"fmt"
	"time"
)

// PositionState represents the lifecycle state of a managed position.
type PositionState string

const (
	// StatePending means the entry order is registered but not filled.
	StatePending PositionState = "PENDING"
	// StateOpen means the entry filled but the stop is not confirmed yet.
	StateOpen PositionState = "OPEN"
	// StateProtected means entry filled and the stop order is live.
	StateProtected PositionState = "PROTECTED"
	// StatePartial means at least one take-profit has filled.
	StatePartial PositionState = "PARTIAL"
	// StateClosed is terminal: the position is flat.
	StateClosed PositionState = "CLOSED"
	// StateCancelled is terminal: the entry never filled.
	StateCancelled PositionState = "CANCELLED"
)

// Active reports whether the position holds exchange exposure.
func (s PositionState) Active() bool {
	return s == StateOpen || s == StateProtected || s == StatePartial
}

// Terminal reports whether the state can no longer change.
func (s PositionState) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

// Transition conditions.
const (
	ConditionEntryFilled    = "entry_filled"
	ConditionEntryRejected  = "entry_rejected"
	ConditionStopPlaced     = "stop_placed"
	ConditionTP1Filled      = "tp1_filled"
	ConditionTP2Filled      = "tp2_filled"
	ConditionStopFilled     = "stop_filled"
	ConditionFinalExit      = "final_exit"
	ConditionManagerClose   = "manager_close"
	ConditionReconcileAdopt = "reconcile_adopt"
	ConditionReconcileFlat  = "reconcile_flat"
)

// StateTransition defines one valid state transition.
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions is the canonical transition table.
var ValidTransitions = []StateTransition{
	// Entry lifecycle
	{StatePending, StateOpen, ConditionEntryFilled, "Entry order filled"},
	{StatePending, StateCancelled, ConditionEntryRejected, "Entry rejected or cancelled before fill"},

	// Protection
	{StateOpen, StateProtected, ConditionStopPlaced, "Stop-loss order confirmed live"},
	{StateOpen, StateClosed, ConditionManagerClose, "Closed before protection (emergency)"},
	{StateOpen, StatePartial, ConditionTP1Filled, "TP filled while stop placement in flight"},

	// Protected management
	{StateProtected, StatePartial, ConditionTP1Filled, "First take-profit filled"},
	{StateProtected, StateClosed, ConditionStopFilled, "Stop-loss filled"},
	{StateProtected, StateClosed, ConditionManagerClose, "Manager closed at market"},
	{StateProtected, StateClosed, ConditionFinalExit, "Full exit fill"},

	// Partial management; TP2 keeps the state, runner exit or SL finishes it
	{StatePartial, StatePartial, ConditionTP2Filled, "Second take-profit filled"},
	{StatePartial, StateClosed, ConditionStopFilled, "Stop-loss filled remaining size"},
	{StatePartial, StateClosed, ConditionFinalExit, "Final exit fill"},
	{StatePartial, StateClosed, ConditionManagerClose, "Manager closed remaining size"},

	// Reconciliation
	{StatePending, StateClosed, ConditionReconcileFlat, "Venue reports flat before fill"},
	{StateOpen, StateClosed, ConditionReconcileFlat, "Venue reports flat"},
	{StateProtected, StateClosed, ConditionReconcileFlat, "Venue reports flat"},
	{StatePartial, StateClosed, ConditionReconcileFlat, "Venue reports flat"},
}

// StateMachine tracks and validates position state transitions.
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[PositionState]int
	currentState    PositionState
	previousState   PositionState
}

// NewStateMachine creates a state machine in PENDING.
func NewStateMachine() *StateMachine {
	return NewStateMachineFromState(StatePending)
}

// NewStateMachineFromState rehydrates a state machine from a persisted state.
func NewStateMachineFromState(state PositionState) *StateMachine {
	if state == "" {
		state = StatePending
	}
	return &StateMachine{
		currentState:    state,
		previousState:   state,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionState]int),
	}
}

// GetCurrentState returns the current state.
func (sm *StateMachine) GetCurrentState() PositionState {
	return sm.currentState
}

// GetPreviousState returns the previous state.
func (sm *StateMachine) GetPreviousState() PositionState {
	return sm.previousState
}

// IsValidTransition checks whether the transition is defined in the table.
func (sm *StateMachine) IsValidTransition(to PositionState, condition string) error {
	for _, tr := range ValidTransitions {
		if tr.From == sm.currentState && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state, or returns an error leaving state unchanged.
func (sm *StateMachine) Transition(to PositionState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times the machine entered a state.
func (sm *StateMachine) GetTransitionCount(state PositionState) int {
	return sm.transitionCount[state]
}

// Copy creates a deep copy of the state machine.
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	cp := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}
	cp.transitionCount = make(map[PositionState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		cp.transitionCount[k] = v
	}
	return cp
}
