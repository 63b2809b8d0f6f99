package risk

import (
	"sync"
	"time"

	"github.com/rdelgatto/permabull/internal/models"
)

// CooldownState is the value the gate sees: per-regime active flags. It is
// immutable once taken from the tracker, which keeps Evaluate pure.
type CooldownState struct {
	TightUntil time.Time
	WideUntil  time.Time
	Now        time.Time
}

// Active reports whether the regime is cooling down at State.Now.
func (s CooldownState) Active(regime models.Regime) bool {
	switch regime {
	case models.RegimeTightSMC:
		return s.Now.Before(s.TightUntil)
	case models.RegimeWideStructure:
		return s.Now.Before(s.WideUntil)
	}
	return false
}

// CooldownConfig sets the per-regime streak thresholds.
type CooldownConfig struct {
	TightLosses  int     `yaml:"tight_losses"`
	TightMinutes int     `yaml:"tight_minutes"`
	WideLosses   int     `yaml:"wide_losses"`
	WideMinutes  int     `yaml:"wide_minutes"`
	MinLossBps   float64 `yaml:"min_loss_bps"`
}

// DefaultCooldownConfig returns the production thresholds.
func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		TightLosses:  3,
		TightMinutes: 120,
		WideLosses:   4,
		WideMinutes:  90,
		MinLossBps:   10,
	}
}

// CooldownTracker counts consecutive qualifying losses per regime and opens a
// cooldown window when a streak threshold is hit.
//
// A win in either regime resets both streaks and clears any active pause.
// Activating a cooldown also resets both streaks so a window cannot
// immediately re-trigger.
type CooldownTracker struct {
	mu  sync.Mutex
	cfg CooldownConfig

	tightStreak int
	wideStreak  int
	tightUntil  time.Time
	wideUntil   time.Time
}

// NewCooldownTracker creates a tracker.
func NewCooldownTracker(cfg CooldownConfig) *CooldownTracker {
	return &CooldownTracker{cfg: cfg}
}

// RecordResult ingests a closed trade. pnl and equity are in account
// currency; losses smaller than MinLossBps of equity do not extend a streak.
func (t *CooldownTracker) RecordResult(regime models.Regime, pnl, equity float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pnl >= 0 {
		if pnl > 0 {
			t.tightStreak = 0
			t.wideStreak = 0
			t.tightUntil = time.Time{}
			t.wideUntil = time.Time{}
		}
		return
	}
	if equity > 0 && -pnl/equity*10000 < t.cfg.MinLossBps {
		return // noise loss, streak unaffected
	}

	switch regime {
	case models.RegimeTightSMC:
		t.tightStreak++
		if t.cfg.TightLosses > 0 && t.tightStreak >= t.cfg.TightLosses {
			t.tightUntil = now.Add(time.Duration(t.cfg.TightMinutes) * time.Minute)
			t.tightStreak = 0
			t.wideStreak = 0
		}
	case models.RegimeWideStructure:
		t.wideStreak++
		if t.cfg.WideLosses > 0 && t.wideStreak >= t.cfg.WideLosses {
			t.wideUntil = now.Add(time.Duration(t.cfg.WideMinutes) * time.Minute)
			t.tightStreak = 0
			t.wideStreak = 0
		}
	}
}

// State snapshots the tracker for a gate evaluation at now.
func (t *CooldownTracker) State(now time.Time) CooldownState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return CooldownState{TightUntil: t.tightUntil, WideUntil: t.wideUntil, Now: now}
}

// Streaks returns the current per-regime loss streaks, for tracing.
func (t *CooldownTracker) Streaks() (tight, wide int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tightStreak, t.wideStreak
}
