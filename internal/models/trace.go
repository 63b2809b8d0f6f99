package models

import "time"

// TraceKind classifies an audit record.
type TraceKind string

const (
	// TraceSignalGenerated records an emitted signal.
	TraceSignalGenerated TraceKind = "SIGNAL_GENERATED"
	// TraceSignalRejected records a pipeline or gate rejection.
	TraceSignalRejected TraceKind = "SIGNAL_REJECTED"
	// TraceRiskValidation records the gate's numeric inputs and verdict.
	TraceRiskValidation TraceKind = "RISK_VALIDATION"
	// TraceAuctionResult records an allocation plan.
	TraceAuctionResult TraceKind = "AUCTION_RESULT"
	// TraceOrderEvent records an order placement, fill or cancel.
	TraceOrderEvent TraceKind = "ORDER_EVENT"
	// TraceReconciliation records an adoption, zombie or ghost action.
	TraceReconciliation TraceKind = "RECONCILIATION"
	// TraceError records an operational error.
	TraceError TraceKind = "ERROR"
)

// Trace is an append-only audit record used for replay and offline debugging.
// Control logic never reads traces back.
type Trace struct {
	Timestamp  time.Time      `json:"timestamp"`
	DecisionID string         `json:"decision_id"`
	Symbol     string         `json:"symbol"`
	Kind       TraceKind      `json:"kind"`
	Payload    map[string]any `json:"payload"`
}
