package models

// LeverageMode describes how a venue accepts leverage for a contract.
type LeverageMode string

const (
	// LeverageFlexible allows any leverage up to the max.
	LeverageFlexible LeverageMode = "flexible"
	// LeverageFixed restricts leverage to an allowed list.
	LeverageFixed LeverageMode = "fixed"
	// LeverageUnknown means the venue did not say; do not send leverage.
	LeverageUnknown LeverageMode = "unknown"
)

// InstrumentSpec is the per-contract trading specification loaded from the
// exchange at startup and cached to disk.
type InstrumentSpec struct {
	SymbolRaw          string       `json:"symbol_raw"`  // venue form, e.g. PF_XBTUSD
	SymbolCCXT         string       `json:"symbol_ccxt"` // unified form, e.g. BTC/USD:USD
	Base               string       `json:"base"`
	Quote              string       `json:"quote"`
	ContractSize       float64      `json:"contract_size"`
	MinSize            float64      `json:"min_size"`
	SizeStep           float64      `json:"size_step"`
	SizeStepSource     string       `json:"size_step_source"`
	PriceTick          float64      `json:"price_tick,omitempty"`
	MaxLeverage        float64      `json:"max_leverage"`
	LeverageMode       LeverageMode `json:"leverage_mode"`
	AllowedLeverages   []float64    `json:"allowed_leverages,omitempty"`
	SupportsReduceOnly bool         `json:"supports_reduce_only"`
}

// EffectiveMinSize returns the larger of MinSize and SizeStep: an order below
// the step can never be represented on the venue.
func (s InstrumentSpec) EffectiveMinSize() float64 {
	if s.SizeStep > s.MinSize {
		return s.SizeStep
	}
	return s.MinSize
}
