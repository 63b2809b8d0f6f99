package auction

import (
	"fmt"
	"sort"
)

// RebalanceConfig tunes the reduce-only position rebalancer.
type RebalanceConfig struct {
	// TriggerNotionalPct trips a trim when one position's notional exceeds
	// this fraction of equity; ClearNotionalPct is the level the trim
	// reduces it to.
	TriggerNotionalPct   float64 `yaml:"trigger_pct_equity"`
	ClearNotionalPct     float64 `yaml:"clear_pct_equity"`
	PerSymbolCooldown    int     `yaml:"per_symbol_trim_cooldown_cycles"`
	MaxReductionsPerRun  int     `yaml:"max_reductions_per_cycle"`
	MaxMarginFreedPerRun float64 `yaml:"max_total_margin_reduced_per_cycle"`
}

// DefaultRebalanceConfig returns the production defaults.
func DefaultRebalanceConfig() RebalanceConfig {
	return RebalanceConfig{
		TriggerNotionalPct:   0.32,
		ClearNotionalPct:     0.24,
		PerSymbolCooldown:    3,
		MaxReductionsPerRun:  2,
		MaxMarginFreedPerRun: 0.10,
	}
}

// Trim is one reduce-only size reduction.
type Trim struct {
	Symbol      string
	FractionPct float64
	MarginFreed float64
	Reason      string
}

// Rebalancer trims positions whose notional has outgrown their equity share.
// Locked positions are left alone while entries are enabled; once a recovery
// gate closes new entries, margin pressure outranks hold protections.
type Rebalancer struct {
	cfg Config
	rc  RebalanceConfig

	cycle       int
	lastTrimmed map[string]int
}

// NewRebalancer creates a rebalancer.
func NewRebalancer(cfg Config, rc RebalanceConfig) *Rebalancer {
	return &Rebalancer{cfg: cfg, rc: rc, lastTrimmed: map[string]int{}}
}

// Run evaluates one cycle. Every open position whose notional-to-equity ratio
// exceeds the trigger is reduced toward the clear level, most oversized
// first, bounded by the per-cycle reduction and margin-freed caps.
func (r *Rebalancer) Run(opens []Contender, equity float64, entriesDisabled bool) []Trim {
	r.cycle++
	if equity <= 0 || r.rc.TriggerNotionalPct <= 0 {
		return nil
	}

	var over []Contender
	for _, c := range opens {
		if c.NotionalUSD/equity <= r.rc.TriggerNotionalPct {
			continue
		}
		if c.Locked && !entriesDisabled {
			continue
		}
		if last, ok := r.lastTrimmed[c.Symbol]; ok && r.cycle-last < r.rc.PerSymbolCooldown {
			continue
		}
		over = append(over, c)
	}
	sort.SliceStable(over, func(i, j int) bool {
		if over[i].NotionalUSD != over[j].NotionalUSD {
			return over[i].NotionalUSD > over[j].NotionalUSD
		}
		return over[i].Symbol < over[j].Symbol
	})

	freedCap := r.rc.MaxMarginFreedPerRun * equity
	var trims []Trim
	var freed float64

	for _, c := range over {
		if r.rc.MaxReductionsPerRun > 0 && len(trims) >= r.rc.MaxReductionsPerRun {
			break
		}
		fraction := 1 - r.rc.ClearNotionalPct*equity/c.NotionalUSD
		if fraction <= 0 {
			continue
		}
		if fraction > 1 {
			fraction = 1
		}
		marginFreed := fraction * c.MarginUSD
		if freedCap > 0 && freed+marginFreed > freedCap {
			allowed := freedCap - freed
			if allowed <= 0 {
				break
			}
			fraction *= allowed / marginFreed
			marginFreed = allowed
		}
		trims = append(trims, Trim{
			Symbol:      c.Symbol,
			FractionPct: fraction,
			MarginFreed: marginFreed,
			Reason: fmt.Sprintf("notional %.0f%% of equity exceeds %.0f%%",
				c.NotionalUSD/equity*100, r.rc.TriggerNotionalPct*100),
		})
		r.lastTrimmed[c.Symbol] = r.cycle
		freed += marginFreed
	}
	return trims
}
