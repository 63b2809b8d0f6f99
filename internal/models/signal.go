package models

import (
	"fmt"
	"time"
)

// SignalType is the direction of a trade proposal.
type SignalType string

const (
	// SignalLong proposes a long entry.
	SignalLong SignalType = "LONG"
	// SignalShort proposes a short entry.
	SignalShort SignalType = "SHORT"
	// SignalNone means the pipeline found nothing tradeable.
	SignalNone SignalType = "NO_SIGNAL"
)

// SetupType classifies the structural setup behind a signal.
type SetupType string

const (
	// SetupOB is an order-block setup.
	SetupOB SetupType = "OB"
	// SetupFVG is a fair-value-gap setup.
	SetupFVG SetupType = "FVG"
	// SetupBOS is a break-of-structure setup.
	SetupBOS SetupType = "BOS"
	// SetupTrend is a plain trend continuation setup.
	SetupTrend SetupType = "TREND"
)

// Regime drives stop sizing, cost limits and cooldown buckets.
type Regime string

const (
	// RegimeTightSMC covers OB/FVG setups with tight structural stops.
	RegimeTightSMC Regime = "tight_smc"
	// RegimeWideStructure covers BOS/TREND setups with wider stops.
	RegimeWideStructure Regime = "wide_structure"
)

// Bias is the higher-timeframe directional bias.
type Bias string

const (
	// BiasBullish means daily close above EMA200 with an up slope.
	BiasBullish Bias = "bullish"
	// BiasBearish means daily close below EMA200 with a down slope.
	BiasBearish Bias = "bearish"
	// BiasNeutral means no clear daily direction.
	BiasNeutral Bias = "neutral"
)

// ScoreBreakdown itemizes the five capped scoring components.
type ScoreBreakdown struct {
	SMC  float64 `json:"smc"`  // 0-25
	Fib  float64 `json:"fib"`  // 0-20
	HTF  float64 `json:"htf"`  // 0-20
	ADX  float64 `json:"adx"`  // 0-15
	Cost float64 `json:"cost"` // 0-20
}

// Total sums the components.
func (b ScoreBreakdown) Total() float64 {
	return b.SMC + b.Fib + b.HTF + b.ADX + b.Cost
}

// Signal is a structured trade proposal emitted by the pipeline. It is a pure
// value: no hidden references, safe to copy.
type Signal struct {
	Timestamp    time.Time      `json:"timestamp"`
	Symbol       string         `json:"symbol"`
	Type         SignalType     `json:"signal_type"`
	EntryPrice   float64        `json:"entry_price"`
	StopLoss     float64        `json:"stop_loss"`
	TakeProfit   float64        `json:"take_profit,omitempty"`
	Setup        SetupType      `json:"setup_type"`
	Regime       Regime         `json:"regime"`
	HigherTFBias Bias           `json:"higher_tf_bias"`
	ADX          float64        `json:"adx"`
	ATR          float64        `json:"atr"`
	EMA200Slope  float64        `json:"ema200_slope"`
	TPCandidates []float64      `json:"tp_candidates"`
	Score        float64        `json:"score"`
	Breakdown    ScoreBreakdown `json:"score_breakdown"`
	Reasoning    string         `json:"reasoning"`
}

// IsActionable reports whether the signal proposes a trade.
func (s Signal) IsActionable() bool {
	return s.Type == SignalLong || s.Type == SignalShort
}

// RiskDistance returns the absolute entry-to-stop distance (one R).
func (s Signal) RiskDistance() float64 {
	d := s.EntryPrice - s.StopLoss
	if d < 0 {
		return -d
	}
	return d
}

// RewardRisk returns the R:R multiple to the first take-profit, or 0 when
// undefined.
func (s Signal) RewardRisk() float64 {
	r := s.RiskDistance()
	if r == 0 || s.TakeProfit == 0 {
		return 0
	}
	reward := s.TakeProfit - s.EntryPrice
	if reward < 0 {
		reward = -reward
	}
	return reward / r
}

// Validate checks the structural invariants of an actionable signal: stop and
// take-profit must sit on opposite sides of the entry.
func (s Signal) Validate() error {
	if !s.IsActionable() {
		return nil
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("signal %s %s: entry price %.8f not positive", s.Symbol, s.Type, s.EntryPrice)
	}
	if s.StopLoss <= 0 {
		return fmt.Errorf("signal %s %s: stop loss %.8f not positive", s.Symbol, s.Type, s.StopLoss)
	}
	switch s.Type {
	case SignalLong:
		if s.StopLoss >= s.EntryPrice {
			return fmt.Errorf("signal %s LONG: stop %.8f not below entry %.8f", s.Symbol, s.StopLoss, s.EntryPrice)
		}
		if s.TakeProfit != 0 && s.TakeProfit <= s.EntryPrice {
			return fmt.Errorf("signal %s LONG: tp %.8f not above entry %.8f", s.Symbol, s.TakeProfit, s.EntryPrice)
		}
	case SignalShort:
		if s.StopLoss <= s.EntryPrice {
			return fmt.Errorf("signal %s SHORT: stop %.8f not above entry %.8f", s.Symbol, s.StopLoss, s.EntryPrice)
		}
		if s.TakeProfit != 0 && s.TakeProfit >= s.EntryPrice {
			return fmt.Errorf("signal %s SHORT: tp %.8f not below entry %.8f", s.Symbol, s.TakeProfit, s.EntryPrice)
		}
	}
	return nil
}

// Cluster returns the auction bucket for the signal, regime + "_" + setup.
func (s Signal) Cluster() string {
	return string(s.Regime) + "_" + string(s.Setup)
}
