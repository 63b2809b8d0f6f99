package risk

import (
	"sync"
	"time"
)

// ShockAdvice is what the guard recommends for one open position.
type ShockAdvice string

const (
	// ShockHold leaves the position alone.
	ShockHold ShockAdvice = "HOLD"
	// ShockTrim reduces the position to widen the liquidation buffer.
	ShockTrim ShockAdvice = "TRIM"
	// ShockClose exits the position entirely.
	ShockClose ShockAdvice = "CLOSE"
)

// ShockConfig sets the liquidation-buffer thresholds and the entry embargo.
type ShockConfig struct {
	Enabled            bool    `yaml:"enabled"`
	CloseBufferPct     float64 `yaml:"close_buffer_pct"`
	TrimBufferPct      float64 `yaml:"trim_buffer_pct"`
	TrimFractionPct    float64 `yaml:"trim_fraction_pct"`
	EntryEmbargoMinute int     `yaml:"entry_embargo_minutes"`
	// Equity drawdown over the detection window that triggers shock mode.
	TriggerDrawdownPct float64 `yaml:"trigger_drawdown_pct"`
}

// DefaultShockConfig returns the production thresholds.
func DefaultShockConfig() ShockConfig {
	return ShockConfig{
		Enabled:            true,
		CloseBufferPct:     0.10,
		TrimBufferPct:      0.18,
		TrimFractionPct:    0.50,
		EntryEmbargoMinute: 60,
		TriggerDrawdownPct: 0.08,
	}
}

// ShockGuard tracks whether the account is in shock mode. Shock mode is
// entered explicitly (venue-wide move detected by the caller) or via the
// equity drawdown trigger, and suppresses new entries until the embargo ends.
type ShockGuard struct {
	mu  sync.Mutex
	cfg ShockConfig

	active      bool
	activeUntil time.Time
	reason      string
	peakEquity  float64
}

// NewShockGuard creates a guard.
func NewShockGuard(cfg ShockConfig) *ShockGuard {
	return &ShockGuard{cfg: cfg}
}

// ObserveEquity feeds the drawdown trigger. Returns true when the observation
// just activated shock mode.
func (g *ShockGuard) ObserveEquity(equity float64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cfg.Enabled {
		return false
	}
	if equity > g.peakEquity {
		g.peakEquity = equity
		return false
	}
	if g.peakEquity <= 0 {
		return false
	}
	dd := (g.peakEquity - equity) / g.peakEquity
	if dd >= g.cfg.TriggerDrawdownPct && !g.active {
		g.activate("equity drawdown", now)
		return true
	}
	return false
}

// Trigger activates shock mode manually (e.g. a venue-wide price shock).
func (g *ShockGuard) Trigger(reason string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cfg.Enabled {
		return
	}
	g.activate(reason, now)
}

func (g *ShockGuard) activate(reason string, now time.Time) {
	g.active = true
	g.reason = reason
	g.activeUntil = now.Add(time.Duration(g.cfg.EntryEmbargoMinute) * time.Minute)
}

// Active reports whether new entries are embargoed at now. The flag clears
// itself once the embargo window passes.
func (g *ShockGuard) Active(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active && now.After(g.activeUntil) {
		g.active = false
		g.reason = ""
		// Drawdown reference resets with the episode.
		g.peakEquity = 0
	}
	return g.active
}

// Reason returns why shock mode is active, empty when it is not.
func (g *ShockGuard) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Advise maps a position's liquidation buffer to an action. The buffer is the
// relative distance between mark and liquidation price.
func (g *ShockGuard) Advise(liquidationBufferPct float64) ShockAdvice {
	g.mu.Lock()
	cfg := g.cfg
	active := g.active
	g.mu.Unlock()

	if !active || !cfg.Enabled {
		return ShockHold
	}
	switch {
	case liquidationBufferPct < cfg.CloseBufferPct:
		return ShockClose
	case liquidationBufferPct < cfg.TrimBufferPct:
		return ShockTrim
	default:
		return ShockHold
	}
}

// TrimFraction returns the fraction of size to cut on a TRIM advice.
func (g *ShockGuard) TrimFraction() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.TrimFractionPct
}
