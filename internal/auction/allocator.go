// Package auction decides which positions deserve capital. Every cycle the
// open positions and the fresh signals compete as contenders; the allocator
// ranks them deterministically and emits keep/close/open decisions.
package auction

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rdelgatto/permabull/internal/models"
)

// Kind orders contender classes: open positions rank ahead of new candidates
// on value ties.
type Kind int

const (
	// KindOpen is an existing position defending its slot.
	KindOpen Kind = iota
	// KindNew is a fresh signal bidding for a slot.
	KindNew
)

func (k Kind) String() string {
	if k == KindOpen {
		return "OPEN"
	}
	return "NEW"
}

// Contender is one bidder in the auction.
type Contender struct {
	Symbol     string
	Cluster    string
	Direction  models.SignalType
	Kind       Kind
	Score       float64
	PnLR        float64 // open positions only
	AgeSeconds  float64
	MarginUSD   float64
	NotionalUSD float64 // open positions only, feeds the rebalancer

	Signal   *models.Signal          // set for NEW
	Position *models.ManagedPosition // set for OPEN

	Locked     bool
	LockReason string

	value float64 // computed by the allocator
}

// Value returns the computed auction value. Valid after Run.
func (c *Contender) Value() float64 { return c.value }

// Config tunes the allocator.
type Config struct {
	MaxPositions          int     `yaml:"max_positions"`
	MaxAggregateMarginPct float64 `yaml:"max_aggregate_margin_pct"`
	MaxPerCluster         int     `yaml:"max_per_cluster"`
	NetDirectionCapPct    float64 `yaml:"net_direction_cap_pct"`
	HysteresisThreshold   float64 `yaml:"hysteresis_threshold"`
	MinHoldSeconds        float64 `yaml:"min_hold_seconds"`
	PartialCloseCooldown  float64 `yaml:"partial_close_cooldown_seconds"`
	MaxOpensPerCycle      int     `yaml:"max_opens_per_cycle"`
	MaxClosesPerCycle     int     `yaml:"max_closes_per_cycle"`
	// NoSignalPersistCycles suppresses strategic closes once no new signals
	// have appeared for this many consecutive cycles. Zero disables.
	NoSignalPersistCycles int `yaml:"no_signal_close_persistence_cycles"`

	PnLWeight    float64 `yaml:"pnl_weight"`
	EntryCostBps float64 `yaml:"entry_cost_bps"`
	ExitCostBps  float64 `yaml:"exit_cost_bps"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPositions:          6,
		MaxAggregateMarginPct: 0.80,
		MaxPerCluster:         2,
		NetDirectionCapPct:    0.50,
		HysteresisThreshold:   10,
		MinHoldSeconds:        1800,
		PartialCloseCooldown:  900,
		MaxOpensPerCycle:      3,
		MaxClosesPerCycle:     3,
		NoSignalPersistCycles: 3,
		PnLWeight:             5,
		EntryCostBps:          10,
		ExitCostBps:           10,
	}
}

// Input is one auction round.
type Input struct {
	EquityUSD  float64
	Contenders []Contender
	Now        time.Time
}

// CloseDecision names a position to exit and why.
type CloseDecision struct {
	Symbol string
	Reason string
}

// OpenDecision names a signal that won a slot.
type OpenDecision struct {
	Signal models.Signal
}

// Result is the allocator output. Slices are ordered deterministically.
type Result struct {
	Keep   []string
	Close  []CloseDecision
	Open   []OpenDecision
	Skews  map[models.SignalType]float64
	Detail []string
}

// Allocator runs the capital auction. It carries two pieces of cross-cycle
// state: the quiet-market streak and the time of the last partial close.
type Allocator struct {
	cfg Config

	noSignalStreak   int
	lastPartialClose time.Time
}

// New creates an allocator.
func New(cfg Config) *Allocator {
	if cfg.MaxPositions == 0 {
		cfg = DefaultConfig()
	}
	return &Allocator{cfg: cfg}
}

// OpenContender builds the contender for an existing position. markPrice
// feeds the unrealized R term; a position stays in the auction even when no
// fresh signal exists for its symbol.
func (a *Allocator) OpenContender(pos *models.ManagedPosition, markPrice float64, now time.Time) Contender {
	c := Contender{
		Symbol:     pos.Symbol,
		Cluster:    pos.Cluster,
		Direction:  pos.Side,
		Kind:       KindOpen,
		Score:      pos.EntryScore,
		PnLR:       pos.UnrealizedR(markPrice),
		AgeSeconds:  pos.AgeSeconds(now),
		MarginUSD:   pos.SizeNotional / math.Max(pos.Leverage, 1),
		NotionalUSD: pos.SizeNotional,
		Position:    pos,
	}

	switch {
	case pos.State == models.StateOpen || !pos.IsProtected:
		c.Locked = true
		c.LockReason = "protection not live"
	case c.AgeSeconds < a.cfg.MinHoldSeconds:
		c.Locked = true
		c.LockReason = "minimum hold"
	}
	return c
}

// NotePartialClose records a partial close; new opens are suppressed for the
// configured cooldown afterwards.
func (a *Allocator) NotePartialClose(at time.Time) {
	if at.After(a.lastPartialClose) {
		a.lastPartialClose = at
	}
}

func (a *Allocator) inPartialCloseCooldown(now time.Time) bool {
	return a.cfg.PartialCloseCooldown > 0 && !a.lastPartialClose.IsZero() &&
		now.Sub(a.lastPartialClose).Seconds() < a.cfg.PartialCloseCooldown
}

// NewContender builds the contender for a fresh signal.
func NewContender(sig models.Signal, marginUSD float64) Contender {
	return Contender{
		Symbol:    sig.Symbol,
		Cluster:   sig.Cluster(),
		Direction: sig.Type,
		Kind:      KindNew,
		Score:     sig.Score,
		MarginUSD: marginUSD,
		Signal:    &sig,
	}
}

// Run executes one auction round.
func (a *Allocator) Run(in Input) Result {
	res := Result{Skews: map[models.SignalType]float64{}}

	hasNew := false
	for _, c := range in.Contenders {
		if c.Kind == KindNew {
			hasNew = true
			break
		}
	}
	if hasNew {
		a.noSignalStreak = 0
	} else {
		a.noSignalStreak++
	}

	contenders := a.dedupe(in.Contenders)
	if a.inPartialCloseCooldown(in.Now) {
		withoutNew := contenders[:0]
		for _, c := range contenders {
			if c.Kind == KindNew {
				res.Detail = append(res.Detail,
					fmt.Sprintf("%s: open suppressed, capital reallocation cooldown", c.Symbol))
				continue
			}
			withoutNew = append(withoutNew, c)
		}
		contenders = withoutNew
	}

	skew := directionSkew(contenders)
	res.Skews = skew

	for i := range contenders {
		a.computeValue(&contenders[i], skew)
	}
	sortContenders(contenders)

	kept, opened, displaced := a.selectWinners(contenders, in.EquityUSD)
	kept, opened, displaced = a.applyHysteresis(kept, opened, displaced)
	kept, opened, displaced = a.applyRateLimits(kept, opened, displaced)

	for _, c := range kept {
		res.Keep = append(res.Keep, c.Symbol)
	}
	for _, c := range opened {
		res.Open = append(res.Open, OpenDecision{Signal: *c.Signal})
	}
	quiet := a.cfg.NoSignalPersistCycles > 0 && a.noSignalStreak >= a.cfg.NoSignalPersistCycles
	for _, c := range displaced {
		if c.Kind != KindOpen {
			continue
		}
		if quiet {
			// No fresh signals for several cycles: strategic closes would only
			// shed exposure into a quiet market. Margin-driven trims still run
			// through the rebalancer.
			res.Keep = append(res.Keep, c.Symbol)
			res.Detail = append(res.Detail,
				fmt.Sprintf("%s: close suppressed, %d cycles without signals", c.Symbol, a.noSignalStreak))
			continue
		}
		res.Close = append(res.Close, CloseDecision{
			Symbol: c.Symbol,
			Reason: fmt.Sprintf("displaced at value %.2f", c.value),
		})
	}
	sort.Strings(res.Keep)
	sort.Slice(res.Close, func(i, j int) bool { return res.Close[i].Symbol < res.Close[j].Symbol })
	return res
}

// dedupe enforces one contender per symbol. An open position always
// represents its symbol; among duplicate new signals the best-ranked one
// survives.
func (a *Allocator) dedupe(contenders []Contender) []Contender {
	bySymbol := map[string]Contender{}
	var order []string
	for _, c := range contenders {
		cur, seen := bySymbol[c.Symbol]
		if !seen {
			bySymbol[c.Symbol] = c
			order = append(order, c.Symbol)
			continue
		}
		if better(c, cur) {
			bySymbol[c.Symbol] = c
		}
	}
	sort.Strings(order)
	out := make([]Contender, 0, len(order))
	for _, sym := range order {
		out = append(out, bySymbol[sym])
	}
	return out
}

// better ranks duplicates before values exist: OPEN beats NEW, then higher
// score, then older.
func better(c, cur Contender) bool {
	if c.Kind != cur.Kind {
		return c.Kind == KindOpen
	}
	if c.Score != cur.Score {
		return c.Score > cur.Score
	}
	return c.AgeSeconds > cur.AgeSeconds
}

// directionSkew returns the margin-weighted share of each direction among
// open contenders.
func directionSkew(contenders []Contender) map[models.SignalType]float64 {
	totals := map[models.SignalType]float64{}
	var sum float64
	for _, c := range contenders {
		if c.Kind != KindOpen {
			continue
		}
		totals[c.Direction] += c.MarginUSD
		sum += c.MarginUSD
	}
	out := map[models.SignalType]float64{}
	if sum <= 0 {
		return out
	}
	for dir, v := range totals {
		out[dir] = v / sum
	}
	return out
}

// computeValue assigns the auction value. Open positions defend with their
// entry score plus weighted unrealized R minus the cost of exiting; new
// signals bid with their score minus the cost of entering, scaled down when
// the portfolio already leans their way.
func (a *Allocator) computeValue(c *Contender, skew map[models.SignalType]float64) {
	switch c.Kind {
	case KindOpen:
		c.value = c.Score + a.cfg.PnLWeight*c.PnLR - a.cfg.ExitCostBps/10
	case KindNew:
		c.value = c.Score - a.cfg.EntryCostBps/10
		c.value *= a.directionalPenalty(c.Direction, skew)
	}
}

// directionalPenalty scales a new contender's value linearly from 1.0 at the
// configured skew cap down to 0.0 at full one-sided exposure.
func (a *Allocator) directionalPenalty(dir models.SignalType, skew map[models.SignalType]float64) float64 {
	limit := a.cfg.NetDirectionCapPct
	if limit <= 0 || limit >= 1 {
		return 1
	}
	s := skew[dir]
	if s <= limit {
		return 1
	}
	return math.Max(0, 1-(s-limit)/(1-limit))
}

// sortContenders orders by descending value, OPEN before NEW, older first,
// smaller margin first, then symbol. Every tie-break is total, so two runs
// over the same inputs produce the same order.
func sortContenders(cs []Contender) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.value != b.value {
			return a.value > b.value
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.AgeSeconds != b.AgeSeconds {
			return a.AgeSeconds > b.AgeSeconds
		}
		if a.MarginUSD != b.MarginUSD {
			return a.MarginUSD < b.MarginUSD
		}
		return a.Symbol < b.Symbol
	})
}

// selectWinners fills slots greedily in sorted order. Locked opens are seated
// first regardless of value.
func (a *Allocator) selectWinners(sorted []Contender, equity float64) (kept, opened, displaced []Contender) {
	marginCap := a.cfg.MaxAggregateMarginPct * equity
	clusterCount := map[string]int{}
	slots := a.cfg.MaxPositions
	var marginUsed float64

	seat := func(c Contender) {
		clusterCount[c.Cluster]++
		marginUsed += c.MarginUSD
		slots--
		if c.Kind == KindOpen {
			kept = append(kept, c)
		} else {
			opened = append(opened, c)
		}
	}

	var free []Contender
	for _, c := range sorted {
		if c.Kind == KindOpen && c.Locked {
			seat(c)
			continue
		}
		free = append(free, c)
	}

	for _, c := range free {
		switch {
		case slots <= 0:
			displaced = append(displaced, c)
		case c.Kind == KindNew && a.cfg.MaxPerCluster > 0 && clusterCount[c.Cluster] >= a.cfg.MaxPerCluster:
			displaced = append(displaced, c)
		case c.Kind == KindNew && equity > 0 && marginUsed+c.MarginUSD > marginCap:
			displaced = append(displaced, c)
		default:
			seat(c)
		}
	}
	return kept, opened, displaced
}

// applyHysteresis reverses displacements of open positions that a new signal
// did not beat by the threshold. Churn is only worth paying for when the
// challenger is clearly better.
func (a *Allocator) applyHysteresis(kept, opened, displaced []Contender) ([]Contender, []Contender, []Contender) {
	for {
		// Weakest displaced open and weakest seated new.
		openIdx := -1
		for i := len(displaced) - 1; i >= 0; i-- {
			if displaced[i].Kind == KindOpen {
				openIdx = i
				break
			}
		}
		if openIdx < 0 || len(opened) == 0 {
			return kept, opened, displaced
		}
		weakNew := opened[len(opened)-1]
		dispOpen := displaced[openIdx]

		if weakNew.value >= dispOpen.value+a.cfg.HysteresisThreshold {
			return kept, opened, displaced
		}
		// Swap back: the open keeps its slot, the new signal is dropped.
		opened = opened[:len(opened)-1]
		displaced = append(displaced[:openIdx], displaced[openIdx+1:]...)
		kept = append(kept, dispOpen)
		displaced = append(displaced, weakNew)
	}
}

// applyRateLimits bounds opens per cycle and keeps net opens within the slots
// freed by closes.
func (a *Allocator) applyRateLimits(kept, opened, displaced []Contender) ([]Contender, []Contender, []Contender) {
	closes := 0
	for _, c := range displaced {
		if c.Kind == KindOpen {
			closes++
		}
	}
	if a.cfg.MaxClosesPerCycle > 0 && closes > a.cfg.MaxClosesPerCycle {
		// Reinstate the strongest surplus closes.
		surplus := closes - a.cfg.MaxClosesPerCycle
		var rest []Contender
		reinstated := 0
		for _, c := range displaced {
			if c.Kind == KindOpen && reinstated < surplus {
				kept = append(kept, c)
				reinstated++
				continue
			}
			rest = append(rest, c)
		}
		displaced = rest
		closes = a.cfg.MaxClosesPerCycle
	}

	freeSlots := a.cfg.MaxPositions - len(kept) - closes
	if freeSlots < 0 {
		freeSlots = 0
	}
	maxOpens := closes + freeSlots
	if a.cfg.MaxOpensPerCycle > 0 && maxOpens > a.cfg.MaxOpensPerCycle {
		maxOpens = a.cfg.MaxOpensPerCycle
	}
	if len(opened) > maxOpens {
		opened = opened[:maxOpens]
	}
	return kept, opened, displaced
}
