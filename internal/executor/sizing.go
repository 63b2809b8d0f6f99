package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rdelgatto/permabull/internal/models"
)

// Sizing rejection codes. They surface in rejection traces so operators can
// distinguish a dust-sized intent from a venue minimum.
const (
	RejectSizeStepRoundToZero = "SIZE_STEP_ROUND_TO_ZERO"
	RejectSizeBelowMin        = "SIZE_BELOW_MIN"
	RejectSizeStepMisaligned  = "SIZE_STEP_MISALIGNED"
)

// SizingError is a structured sizing rejection.
type SizingError struct {
	Code   string
	Detail string
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// ComputeSizeContracts converts a notional in quote currency into a contract
// quantity on the instrument's size grid. Quantity math runs on decimals;
// binary floats do not land on venue steps reliably.
//
// Entries always round down: never risk more than the gate approved.
func ComputeSizeContracts(notionalUSD, price float64, spec models.InstrumentSpec) (float64, error) {
	if price <= 0 {
		return 0, &SizingError{Code: RejectSizeStepRoundToZero, Detail: fmt.Sprintf("price %.10g not positive", price)}
	}
	contractSize := spec.ContractSize
	if contractSize <= 0 {
		contractSize = 1
	}

	notional := decimal.NewFromFloat(notionalUSD)
	denom := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(contractSize))
	raw := notional.Div(denom)

	step := decimal.NewFromFloat(spec.SizeStep)
	if step.IsZero() {
		return 0, &SizingError{Code: RejectSizeStepMisaligned, Detail: "instrument has zero size step"}
	}

	// Floor to the step grid.
	contracts := raw.Div(step).Floor().Mul(step)
	if contracts.IsZero() {
		return 0, &SizingError{
			Code: RejectSizeStepRoundToZero,
			Detail: fmt.Sprintf("notional $%.2f at price %.10g is below one step %s",
				notionalUSD, price, step.String()),
		}
	}

	min := decimal.NewFromFloat(spec.EffectiveMinSize())
	if contracts.LessThan(min) {
		return 0, &SizingError{
			Code: RejectSizeBelowMin,
			Detail: fmt.Sprintf("size %s below instrument minimum %s",
				contracts.String(), min.String()),
		}
	}

	f, _ := contracts.Float64()
	return f, nil
}

// AlignSizeToStep snaps a quantity onto the instrument's size grid.
//
// Entry quantities round down so exposure never exceeds the approved size.
// Reduce-only quantities round up so a close always covers the remaining
// exposure rather than leaving dust behind.
func AlignSizeToStep(qty float64, spec models.InstrumentSpec, reduceOnly bool) (float64, error) {
	step := decimal.NewFromFloat(spec.SizeStep)
	if step.IsZero() {
		return 0, &SizingError{Code: RejectSizeStepMisaligned, Detail: "instrument has zero size step"}
	}
	d := decimal.NewFromFloat(qty)
	steps := d.Div(step)
	if steps.Equal(steps.Floor()) {
		return qty, nil // already on the grid
	}
	if reduceOnly {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	aligned, _ := steps.Mul(step).Float64()
	if aligned <= 0 && !reduceOnly {
		return 0, &SizingError{
			Code:   RejectSizeStepRoundToZero,
			Detail: fmt.Sprintf("quantity %.10g rounds to zero on step %s", qty, step.String()),
		}
	}
	return aligned, nil
}

// NotionalOfContracts is the inverse of ComputeSizeContracts, for round-trip
// verification and margin accounting.
func NotionalOfContracts(contracts, price float64, spec models.InstrumentSpec) float64 {
	contractSize := spec.ContractSize
	if contractSize <= 0 {
		contractSize = 1
	}
	n, _ := decimal.NewFromFloat(contracts).
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromFloat(contractSize)).Float64()
	return n
}

// ResolveLeverage maps the desired leverage onto what the instrument allows.
//
// Flexible listings clamp to [1, max]. Fixed listings pick the smallest
// allowed level at or above the target, falling back to the highest level
// below it when nothing above exists. Unknown modes resolve to zero, meaning
// no leverage parameter is sent and the venue default applies.
func ResolveLeverage(target float64, spec models.InstrumentSpec) (float64, error) {
	if target <= 0 {
		target = 1
	}
	switch spec.LeverageMode {
	case models.LeverageFlexible:
		if spec.MaxLeverage > 0 && target > spec.MaxLeverage {
			return spec.MaxLeverage, nil
		}
		if target < 1 {
			return 1, nil
		}
		return target, nil
	case models.LeverageFixed:
		if len(spec.AllowedLeverages) == 0 {
			return 0, fmt.Errorf("fixed leverage instrument %s has no allowed levels", spec.SymbolCCXT)
		}
		// AllowedLeverages is ascending.
		for _, lv := range spec.AllowedLeverages {
			if lv >= target {
				return lv, nil
			}
		}
		return spec.AllowedLeverages[len(spec.AllowedLeverages)-1], nil
	default:
		return 0, nil
	}
}
