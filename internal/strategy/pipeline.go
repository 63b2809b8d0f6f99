// Package strategy implements the deterministic signal pipeline: candles in,
// a structured trade proposal (or NO_SIGNAL) out.
//
// The pipeline is a pure function of the four candle slices it is given. It
// reads no clock, no network, no tickers, and keeps no per-symbol state, so
// replaying the same inputs reproduces the same Signal bit for bit.
package strategy

import (
	"fmt"
	"math"
	"strings"

	"github.com/rdelgatto/permabull/internal/indicators"
	"github.com/rdelgatto/permabull/internal/models"
)

// Config holds the pipeline tuning parameters.
type Config struct {
	EMAPeriod     int     `yaml:"ema_period"`
	SlopeLookback int     `yaml:"slope_lookback"`
	ADXPeriod     int     `yaml:"adx_period"`
	ATRPeriod     int     `yaml:"atr_period"`
	RSIPeriod     int     `yaml:"rsi_period"`
	MinADX        float64 `yaml:"min_adx"`

	DisplacementFactor  float64 `yaml:"displacement_factor"`
	MedianRangeLookback int     `yaml:"median_range_lookback"`
	SwingStrength       int     `yaml:"swing_strength"`
	BOSLookback         int     `yaml:"bos_lookback"`

	TightStopATRMult float64 `yaml:"tight_stop_atr_mult"`
	WideStopATRMult  float64 `yaml:"wide_stop_atr_mult"`
	MaxTPCandidates  int     `yaml:"max_tp_candidates"`
	FibToleranceBps  float64 `yaml:"fib_tolerance_bps"`

	TakerFeeBps       float64 `yaml:"taker_fee_bps"`
	FundingBpsPerHour float64 `yaml:"funding_bps_per_hour"`
	AvgHoldHours      float64 `yaml:"avg_hold_hours"`

	// Regime-specific score gates.
	TightAlignedMinScore float64 `yaml:"tight_aligned_min_score"`
	TightNeutralMinScore float64 `yaml:"tight_neutral_min_score"`
	WideAlignedMinScore  float64 `yaml:"wide_aligned_min_score"`
	WideNeutralMinScore  float64 `yaml:"wide_neutral_min_score"`
	AllowCounterTrend    bool    `yaml:"allow_counter_trend"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EMAPeriod:     200,
		SlopeLookback: 5,
		ADXPeriod:     14,
		ATRPeriod:     14,
		RSIPeriod:     14,
		MinADX:        20,

		DisplacementFactor:  1.5,
		MedianRangeLookback: 20,
		SwingStrength:       2,
		BOSLookback:         8,

		TightStopATRMult: 0.5,
		WideStopATRMult:  1.5,
		MaxTPCandidates:  5,
		FibToleranceBps:  30,

		TakerFeeBps:       5,
		FundingBpsPerHour: 1,
		AvgHoldHours:      12,

		TightAlignedMinScore: 75,
		TightNeutralMinScore: 80,
		WideAlignedMinScore:  70,
		WideNeutralMinScore:  75,
	}
}

// Pipeline runs the bias → structure → filters → levels → score sequence.
type Pipeline struct {
	cfg Config
}

// NewPipeline creates a signal pipeline.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.EMAPeriod == 0 {
		cfg = DefaultConfig()
	}
	return &Pipeline{cfg: cfg}
}

// CandleSet is the complete pipeline input for one symbol.
type CandleSet struct {
	Daily []models.Candle // bias
	H4    []models.Candle // structure
	H1    []models.Candle // filters, refinement
	M15   []models.Candle // execution timeframe
}

// Analyze runs the pipeline. Any step that fails short-circuits to NO_SIGNAL
// with the accumulated reasoning string.
func (p *Pipeline) Analyze(symbol string, set CandleSet) models.Signal {
	var reasons []string

	noSignal := func() models.Signal {
		sig := models.Signal{
			Symbol:    symbol,
			Type:      models.SignalNone,
			Reasoning: strings.Join(reasons, "; "),
		}
		if n := len(set.M15); n > 0 {
			sig.Timestamp = set.M15[n-1].Timestamp
		}
		return sig
	}

	if len(set.M15) == 0 || len(set.H1) == 0 || len(set.H4) == 0 || len(set.Daily) == 0 {
		reasons = append(reasons, "insufficient candle data")
		return noSignal()
	}

	// Step 1: higher-timeframe bias.
	bias, slope, biasDesc := p.computeBias(set.Daily)
	reasons = append(reasons, biasDesc)

	// Step 2: structure on the decision timeframe.
	structure := p.detectStructure(set.H4, set.H1)
	if !structure.found {
		reasons = append(reasons, "no valid unmitigated structure on 4h")
		return noSignal()
	}
	reasons = append(reasons, structure.desc)

	if bias != models.BiasNeutral {
		aligned := (bias == models.BiasBullish && structure.direction == models.SignalLong) ||
			(bias == models.BiasBearish && structure.direction == models.SignalShort)
		if !aligned && !p.cfg.AllowCounterTrend {
			reasons = append(reasons, fmt.Sprintf("%s setup against %s bias", structure.direction, bias))
			return noSignal()
		}
	}

	// Step 3: filters.
	adx := indicators.ADX(set.H1, p.cfg.ADXPeriod)
	if math.IsNaN(adx) {
		reasons = append(reasons, "ADX unavailable (warmup)")
		return noSignal()
	}
	if adx < p.cfg.MinADX {
		reasons = append(reasons, fmt.Sprintf("ADX %.1f below threshold %.1f", adx, p.cfg.MinADX))
		return noSignal()
	}
	reasons = append(reasons, fmt.Sprintf("ADX %.1f", adx))

	atr := indicators.ATR(set.H1, p.cfg.ATRPeriod)
	if math.IsNaN(atr) || atr <= 0 {
		reasons = append(reasons, "ATR unavailable or zero")
		return noSignal()
	}

	// RSI divergence is informational only; it never blocks a signal.
	if div := indicators.RSIDivergence(set.H1, p.cfg.RSIPeriod, p.cfg.SwingStrength*2); div != 0 {
		if div > 0 {
			reasons = append(reasons, "bullish RSI divergence")
		} else {
			reasons = append(reasons, "bearish RSI divergence")
		}
	}

	// Step 4: regime-dependent levels.
	levels, err := p.computeLevels(structure, atr, set.H4)
	if err != nil {
		reasons = append(reasons, err.Error())
		return noSignal()
	}
	reasons = append(reasons, fmt.Sprintf("entry %.8g stop %.8g tp1 %.8g",
		levels.entry, levels.stop, levels.tp1))

	// Step 5: score.
	breakdown := p.score(structure, levels, bias, adx)
	score := breakdown.Total()
	regime := structure.regime()

	gate := p.scoreGate(regime, bias, structure.direction)
	if score < gate {
		reasons = append(reasons, fmt.Sprintf("score %.1f below %s gate %.1f", score, regime, gate))
		return noSignal()
	}
	reasons = append(reasons, fmt.Sprintf("score %.1f (smc %.0f fib %.0f htf %.0f adx %.0f cost %.0f)",
		score, breakdown.SMC, breakdown.Fib, breakdown.HTF, breakdown.ADX, breakdown.Cost))

	sig := models.Signal{
		Timestamp:    set.M15[len(set.M15)-1].Timestamp,
		Symbol:       symbol,
		Type:         structure.direction,
		EntryPrice:   levels.entry,
		StopLoss:     levels.stop,
		TakeProfit:   levels.tp1,
		Setup:        structure.setup,
		Regime:       regime,
		HigherTFBias: bias,
		ADX:          adx,
		ATR:          atr,
		EMA200Slope:  slope,
		TPCandidates: levels.ladder,
		Score:        score,
		Breakdown:    breakdown,
		Reasoning:    strings.Join(reasons, "; "),
	}
	if err := sig.Validate(); err != nil {
		reasons = append(reasons, "level invariant failed: "+err.Error())
		return noSignal()
	}
	return sig
}

// computeBias derives the daily bias from EMA(200) and its slope.
func (p *Pipeline) computeBias(daily []models.Candle) (models.Bias, float64, string) {
	series := indicators.EMA(daily, p.cfg.EMAPeriod)
	ema := math.NaN()
	if len(series) > 0 {
		ema = series[len(series)-1]
	}
	if math.IsNaN(ema) {
		return models.BiasNeutral, 0, "EMA200 warmup, neutral bias"
	}

	dir, slope := indicators.EMASlope(series, p.cfg.SlopeLookback)
	lastClose := daily[len(daily)-1].Close

	switch {
	case lastClose > ema && dir == indicators.SlopeUp:
		return models.BiasBullish, slope,
			fmt.Sprintf("bullish bias: close %.8g > EMA200 %.8g, slope up", lastClose, ema)
	case lastClose < ema && dir == indicators.SlopeDown:
		return models.BiasBearish, slope,
			fmt.Sprintf("bearish bias: close %.8g < EMA200 %.8g, slope down", lastClose, ema)
	default:
		return models.BiasNeutral, slope,
			fmt.Sprintf("neutral bias: close %.8g vs EMA200 %.8g", lastClose, ema)
	}
}

// scoreGate returns the minimum score for the regime/alignment combination.
func (p *Pipeline) scoreGate(regime models.Regime, bias models.Bias, dir models.SignalType) float64 {
	aligned := (bias == models.BiasBullish && dir == models.SignalLong) ||
		(bias == models.BiasBearish && dir == models.SignalShort)
	if regime == models.RegimeTightSMC {
		if aligned {
			return p.cfg.TightAlignedMinScore
		}
		return p.cfg.TightNeutralMinScore
	}
	if aligned {
		return p.cfg.WideAlignedMinScore
	}
	return p.cfg.WideNeutralMinScore
}
