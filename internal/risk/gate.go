// Package risk validates and sizes trade proposals. The gate is a pure
// function: it does no I/O and returns a Decision value instead of raising
// errors for ordinary rejections.
package risk

import (
	"fmt"
	"math"

	"github.com/rdelgatto/permabull/internal/models"
)

// rrEpsilon absorbs binary floating-point error in the R:R comparison. The
// comparison itself is >=, not >; the epsilon only prevents a mathematical
// tie from reading as a hair below the threshold.
const rrEpsilon = 1e-9

// SizingMode selects the position sizing formula.
type SizingMode string

const (
	// SizingLeverageBased sizes as equity * leverage * risk_pct.
	SizingLeverageBased SizingMode = "leverage_based"
	// SizingFixed risks a fixed equity fraction against the stop distance.
	SizingFixed SizingMode = "fixed"
	// SizingKelly sizes by capped Kelly fraction over the stop distance.
	SizingKelly SizingMode = "kelly"
	// SizingKellyVolatility is Kelly scaled by the ATR ratio.
	SizingKellyVolatility SizingMode = "kelly_volatility"
)

// Config holds the risk gate parameters.
type Config struct {
	SizingMode      SizingMode `yaml:"sizing_mode"`
	RiskPerTradePct float64    `yaml:"risk_per_trade_pct"`
	TargetLeverage  float64    `yaml:"target_leverage"`
	MaxLeverage     float64    `yaml:"max_leverage"`

	KellyFraction  float64 `yaml:"kelly_fraction"`
	KellyCap       float64 `yaml:"kelly_cap"`
	BaselineATRPct float64 `yaml:"baseline_atr_pct"`

	MaxPositionSizeUSD    float64 `yaml:"max_position_size_usd"`
	TierMaxSizeUSD        float64 `yaml:"tier_max_size_usd"`     // 0 disables
	TierMaxLeverage       float64 `yaml:"tier_max_leverage"`     // 0 disables
	SinglePositionCapPct  float64 `yaml:"single_position_cap_pct"`
	AvailableMarginCapPct float64 `yaml:"available_margin_cap_pct"`
	MinNotionalUSD        float64 `yaml:"min_notional_usd"`
	MarginBufferPct       float64 `yaml:"margin_buffer_pct"`
	BasisMaxPct           float64 `yaml:"basis_max_pct"`
	MaxConcurrent         int     `yaml:"max_concurrent_positions"`
	AuctionMode           bool    `yaml:"auction_mode"`

	UtilisationTargetPct      float64 `yaml:"utilisation_target_pct"`
	UtilisationBoostMaxFactor float64 `yaml:"utilisation_boost_max_factor"`

	TakerFeeBps       float64 `yaml:"taker_fee_bps"`
	FundingBpsPer8h   float64 `yaml:"funding_bps_per_8h"`
	FundingApplyProb  float64 `yaml:"funding_apply_prob"`

	TightSMCAvgHoldHours  float64 `yaml:"tight_smc_avg_hold_hours"`
	TightSMCCostCapBps    float64 `yaml:"tight_smc_cost_cap_bps"`
	TightSMCMinRRMultiple float64 `yaml:"tight_smc_min_rr_multiple"`

	WideStructureAvgHoldHours     float64 `yaml:"wide_structure_avg_hold_hours"`
	WideStructureMaxDistortionPct float64 `yaml:"wide_structure_max_distortion_pct"`

	LossStreakMinLossBps float64 `yaml:"loss_streak_min_loss_bps"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SizingMode:            SizingFixed,
		RiskPerTradePct:       0.03,
		TargetLeverage:        5,
		MaxLeverage:           10,
		KellyFraction:         0.10,
		KellyCap:              0.05,
		BaselineATRPct:        0.02,
		MaxPositionSizeUSD:    50000,
		SinglePositionCapPct:  0.25,
		AvailableMarginCapPct: 0.95,
		MinNotionalUSD:        10,
		MarginBufferPct:       0.15,
		BasisMaxPct:           0.005,
		MaxConcurrent:         6,
		AuctionMode:           true,

		UtilisationTargetPct:      0.60,
		UtilisationBoostMaxFactor: 1.5,

		TakerFeeBps:      5,
		FundingBpsPer8h:  8,
		FundingApplyProb: 0.5,

		TightSMCAvgHoldHours:  8,
		TightSMCCostCapBps:    25,
		TightSMCMinRRMultiple: 2.0,

		WideStructureAvgHoldHours:     36,
		WideStructureMaxDistortionPct: 0.15,

		LossStreakMinLossBps: 10,
	}
}

// Input is everything the gate needs for one validation. All fields are
// values; the gate never fetches anything itself.
type Input struct {
	Signal           models.Signal
	AccountEquity    float64
	SpotPrice        float64
	FuturesMarkPrice float64
	AvailableMargin  float64
	OpenPositions    int
	Cooldowns        CooldownState
}

// Decision is the gate verdict with the full numeric trail for tracing.
type Decision struct {
	Approved                bool
	PositionNotional        float64
	Leverage                float64
	MarginRequired          float64
	RejectionReasons        []string
	UtilisationBoostApplied bool
	// Metrics carries every numeric input that contributed to the verdict,
	// for the structured rejection trace.
	Metrics map[string]float64
}

func (d *Decision) reject(reason string) {
	d.Approved = false
	d.RejectionReasons = append(d.RejectionReasons, reason)
}

// Gate validates and sizes order intents.
type Gate struct {
	cfg Config
}

// NewGate creates a risk gate.
func NewGate(cfg Config) *Gate {
	if cfg.MinNotionalUSD == 0 {
		cfg.MinNotionalUSD = 10
	}
	return &Gate{cfg: cfg}
}

// Evaluate runs the complete validation and sizing sequence.
func (g *Gate) Evaluate(in Input) Decision {
	d := Decision{Approved: true, Metrics: map[string]float64{}}
	sig := in.Signal

	stopDistPct := 0.0
	if sig.EntryPrice > 0 {
		stopDistPct = sig.RiskDistance() / sig.EntryPrice
	}
	d.Metrics["stop_distance_pct"] = stopDistPct
	d.Metrics["account_equity"] = in.AccountEquity
	d.Metrics["available_margin"] = in.AvailableMargin

	// Hard safety gates first; any failure aborts before sizing.
	if sig.EntryPrice <= 0 {
		d.reject("entry price not positive")
		return d
	}
	if stopDistPct <= 0 {
		d.reject("stop distance not positive")
		return d
	}
	if in.AccountEquity <= 0 {
		d.reject("account equity not positive")
		return d
	}
	if in.Cooldowns.Active(sig.Regime) {
		d.reject(fmt.Sprintf("%s cooldown active", sig.Regime))
		return d
	}

	// Basis divergence between spot signal prices and the futures mark.
	if in.SpotPrice > 0 && in.FuturesMarkPrice > 0 {
		basis := math.Abs(in.SpotPrice-in.FuturesMarkPrice) / in.SpotPrice
		d.Metrics["basis_divergence_pct"] = basis
		if basis > g.cfg.BasisMaxPct {
			d.reject(fmt.Sprintf("basis divergence %.4f%% exceeds %.4f%%",
				basis*100, g.cfg.BasisMaxPct*100))
			return d
		}
	}

	// Leverage resolution and cap.
	leverage := g.resolveLeverage()
	d.Leverage = leverage
	d.Metrics["leverage"] = leverage

	// Without a venue liquidation distance, effective leverage is capped at
	// 90% of the configured maximum.
	if leverage > 0.9*g.cfg.MaxLeverage {
		leverage = 0.9 * g.cfg.MaxLeverage
		d.Leverage = leverage
	}

	// Sizing.
	notional, boostApplied := g.sizeNotional(in, stopDistPct, leverage)
	d.UtilisationBoostApplied = boostApplied

	// Caps, in order, last-wins.
	notional = g.applyCaps(notional, in, leverage, &d)
	d.PositionNotional = notional
	d.Metrics["position_notional"] = notional

	if notional < g.cfg.MinNotionalUSD {
		d.reject(fmt.Sprintf("notional $%.2f below minimum $%.2f", notional, g.cfg.MinNotionalUSD))
		return d
	}

	d.MarginRequired = notional / leverage
	d.Metrics["margin_required"] = d.MarginRequired

	// Regime-specific gates.
	if !g.checkRegimeGates(sig, notional, stopDistPct, &d) {
		return d
	}

	// Free-margin buffer after the trade.
	if in.AvailableMargin-d.MarginRequired < g.cfg.MarginBufferPct*in.AccountEquity {
		d.reject(fmt.Sprintf("free margin after trade $%.2f below buffer %.0f%% of equity",
			in.AvailableMargin-d.MarginRequired, g.cfg.MarginBufferPct*100))
		return d
	}

	// Concurrent position cap; delegated to auction caps in auction mode.
	if !g.cfg.AuctionMode && g.cfg.MaxConcurrent > 0 && in.OpenPositions >= g.cfg.MaxConcurrent {
		d.reject(fmt.Sprintf("max concurrent positions (%d) reached", g.cfg.MaxConcurrent))
		return d
	}

	return d
}

func (g *Gate) resolveLeverage() float64 {
	lev := g.cfg.TargetLeverage
	if g.cfg.TierMaxLeverage > 0 && lev > g.cfg.TierMaxLeverage {
		lev = g.cfg.TierMaxLeverage
	}
	if lev > g.cfg.MaxLeverage {
		lev = g.cfg.MaxLeverage
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}

// sizeNotional applies the configured sizing mode plus the utilisation boost.
func (g *Gate) sizeNotional(in Input, stopDistPct, leverage float64) (float64, bool) {
	equity := in.AccountEquity
	var notional float64

	switch g.cfg.SizingMode {
	case SizingLeverageBased:
		notional = equity * leverage * g.cfg.RiskPerTradePct
	case SizingKelly, SizingKellyVolatility:
		frac := math.Min(g.cfg.KellyFraction, g.cfg.KellyCap)
		notional = equity * frac / stopDistPct
		if g.cfg.SizingMode == SizingKellyVolatility {
			notional *= g.volatilityScalar(in.Signal)
		}
	default: // fixed
		notional = equity * g.cfg.RiskPerTradePct / stopDistPct
	}

	// Utilisation boost: only in leverage_based auction sizing, and only
	// when utilisation is below target.
	boosted := false
	if g.cfg.SizingMode == SizingLeverageBased && g.cfg.AuctionMode && equity > 0 {
		utilisation := 1 - in.AvailableMargin/equity
		if utilisation < g.cfg.UtilisationTargetPct && g.cfg.UtilisationBoostMaxFactor > 1 {
			boostedNotional := notional * g.cfg.UtilisationBoostMaxFactor
			if g.cfg.SinglePositionCapPct > 0 {
				boostedNotional = math.Min(boostedNotional, equity*g.cfg.SinglePositionCapPct*leverage)
			}
			if in.AvailableMargin > 0 {
				boostedNotional = math.Min(boostedNotional, g.cfg.AvailableMarginCapPct*in.AvailableMargin*leverage)
			}
			if boostedNotional > notional {
				notional = boostedNotional
				boosted = true
			}
		}
	}
	return notional, boosted
}

// volatilityScalar penalizes high-volatility entries and boosts quiet ones.
func (g *Gate) volatilityScalar(sig models.Signal) float64 {
	if sig.EntryPrice <= 0 || sig.ATR <= 0 || g.cfg.BaselineATRPct <= 0 {
		return 1
	}
	atrPct := sig.ATR / sig.EntryPrice
	scalar := g.cfg.BaselineATRPct / atrPct
	return math.Max(0.5, math.Min(scalar, 1.5))
}

// applyCaps clamps the notional through the ordered cap chain.
func (g *Gate) applyCaps(notional float64, in Input, leverage float64, d *Decision) float64 {
	equity := in.AccountEquity

	// 1. Absolute cap.
	if g.cfg.MaxPositionSizeUSD > 0 {
		notional = math.Min(notional, g.cfg.MaxPositionSizeUSD)
	}
	// 2. Liquidity tier cap.
	if g.cfg.TierMaxSizeUSD > 0 {
		notional = math.Min(notional, math.Min(g.cfg.MaxPositionSizeUSD, g.cfg.TierMaxSizeUSD))
	}
	// 3. Buying power.
	notional = math.Min(notional, equity*leverage)
	// 4. Single-position cap: the position's margin share of equity.
	if g.cfg.SinglePositionCapPct > 0 {
		notional = math.Min(notional, equity*g.cfg.SinglePositionCapPct*leverage)
	}
	// 5. Available margin.
	if in.AvailableMargin > 0 {
		notional = math.Min(notional, g.cfg.AvailableMarginCapPct*in.AvailableMargin*leverage)
	}
	return notional
}

// checkRegimeGates applies the tight_smc cost/R:R gate or the wide_structure
// distortion gate.
func (g *Gate) checkRegimeGates(sig models.Signal, notional, stopDistPct float64, d *Decision) bool {
	riskAmount := notional * stopDistPct

	switch sig.Regime {
	case models.RegimeTightSMC:
		costBps := g.roundTripCostBps(g.cfg.TightSMCAvgHoldHours)
		d.Metrics["round_trip_cost_bps"] = costBps
		if costBps > g.cfg.TightSMCCostCapBps {
			d.reject(fmt.Sprintf("tight_smc round-trip cost %.1f bps exceeds cap %.1f",
				costBps, g.cfg.TightSMCCostCapBps))
			return false
		}
		rr := sig.RewardRisk()
		d.Metrics["rr_multiple"] = rr
		if g.cfg.TightSMCMinRRMultiple > 0 && rr+rrEpsilon < g.cfg.TightSMCMinRRMultiple {
			d.reject(fmt.Sprintf("tight_smc R:R %.5f below minimum %.2f",
				rr, g.cfg.TightSMCMinRRMultiple))
			return false
		}
	case models.RegimeWideStructure:
		costs := notional * g.roundTripCostBps(g.cfg.WideStructureAvgHoldHours) / 10000
		if riskAmount > 0 {
			distortion := costs / riskAmount
			d.Metrics["rr_distortion"] = distortion
			if distortion > g.cfg.WideStructureMaxDistortionPct {
				d.reject(fmt.Sprintf("wide_structure cost distortion %.2f%% exceeds %.2f%%",
					distortion*100, g.cfg.WideStructureMaxDistortionPct*100))
				return false
			}
		}
	}
	return true
}

// roundTripCostBps models two taker fills plus probabilistic funding over the
// expected hold, charged per 8h funding interval.
func (g *Gate) roundTripCostBps(holdHours float64) float64 {
	intervals := math.Ceil(holdHours / 8)
	if intervals < 1 {
		intervals = 1
	}
	return 2*g.cfg.TakerFeeBps + g.cfg.FundingApplyProb*g.cfg.FundingBpsPer8h*intervals
}
