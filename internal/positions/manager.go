package positions

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/models"
)

// OrderExecutor is the slice of the execution core the manager drives.
type OrderExecutor interface {
	PlaceProtective(ctx context.Context, decisionID string, pos *models.ManagedPosition, rules models.ManagementRules) error
	ApplyAction(ctx context.Context, decisionID string, pos *models.ManagedPosition, act models.ManagementAction) error
}

// SpecSource resolves instrument specs for tick and contract math.
type SpecSource interface {
	Get(symbol string) (models.InstrumentSpec, bool)
}

// Config tunes the management loop.
type Config struct {
	// Interval is the loop period. Zero means 10s.
	Interval time.Duration `yaml:"interval"`
	// TrailingATRMultiple is the trailing distance in entry-ATR units.
	TrailingATRMultiple float64 `yaml:"trailing_atr_multiple"`
	// TrailingMinTicks is the minimum stop improvement, in price ticks,
	// before a trailing update is worth a cancel-and-replace round trip.
	TrailingMinTicks float64                `yaml:"trailing_min_ticks"`
	Rules            models.ManagementRules `yaml:"rules"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.TrailingATRMultiple <= 0 {
		c.TrailingATRMultiple = 2.0
	}
	if c.TrailingMinTicks <= 0 {
		c.TrailingMinTicks = 5
	}
	return c
}

// Manager runs the periodic position-management pass and routes order
// updates into the state machine. All mutation goes through the registry,
// which serializes writers.
type Manager struct {
	reg   *Registry
	exec  OrderExecutor
	specs SpecSource
	log   *logrus.Logger
	cfg   Config

	// markOf returns the current futures mark, zero when unknown.
	markOf func(symbol string) float64
	// premiseDead reports whether the setup that justified the position no
	// longer holds. Nil disables premise checks.
	premiseDead func(pos *models.ManagedPosition) bool

	now func() time.Time
}

// NewManager wires the management loop.
func NewManager(reg *Registry, exec OrderExecutor, specs SpecSource, log *logrus.Logger,
	cfg Config, markOf func(string) float64, premiseDead func(*models.ManagedPosition) bool) *Manager {
	return &Manager{
		reg:         reg,
		exec:        exec,
		specs:       specs,
		log:         log,
		cfg:         cfg.withDefaults(),
		markOf:      markOf,
		premiseDead: premiseDead,
		now:         time.Now,
	}
}

// Run executes the management pass on the configured interval until the
// context ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.ManageOnce(ctx)
		}
	}
}

// ManageOnce runs one management pass over every live position.
func (m *Manager) ManageOnce(ctx context.Context) {
	for _, snap := range m.reg.Snapshot() {
		switch snap.State {
		case models.StateOpen, models.StateProtected, models.StatePartial:
		default:
			continue
		}
		mark := m.markOf(snap.Symbol)
		if mark <= 0 {
			continue
		}
		if err := m.manageOne(ctx, snap.Symbol, mark); err != nil {
			m.log.WithError(err).WithField("symbol", snap.Symbol).Error("position management")
		}
	}
}

func (m *Manager) manageOne(ctx context.Context, symbol string, mark float64) error {
	decisionID := fmt.Sprintf("mgmt-%s-%d", symbol, m.now().UnixMilli())
	return m.reg.Update(symbol, func(pos *models.ManagedPosition) error {
		m.updatePeak(pos, mark)
		pos.LastChecked = m.now()

		// Absolute priority: the mark went through the original stop. The
		// stop order may have ghosted; flatten at market regardless.
		if pos.StopCrossed(mark) {
			return m.forceClose(ctx, decisionID, pos, "stop level crossed")
		}

		if m.premiseDead != nil && m.premiseDead(pos) {
			return m.forceClose(ctx, decisionID, pos, "premise invalidated")
		}

		if pos.TrailingActive {
			return m.trail(ctx, decisionID, pos)
		}
		return nil
	})
}

// updatePeak tracks the best mark since entry: highest for longs, lowest for
// shorts.
func (m *Manager) updatePeak(pos *models.ManagedPosition, mark float64) {
	if pos.PeakPrice == 0 {
		pos.PeakPrice = mark
		return
	}
	if pos.Side == models.SignalShort {
		if mark < pos.PeakPrice {
			pos.PeakPrice = mark
		}
	} else if mark > pos.PeakPrice {
		pos.PeakPrice = mark
	}
}

// trail computes the ATR-anchored candidate stop from the peak and submits
// an update when it both tightens and clears the minimum-tick threshold.
func (m *Manager) trail(ctx context.Context, decisionID string, pos *models.ManagedPosition) error {
	if pos.EntryATR <= 0 || pos.PeakPrice <= 0 {
		return nil
	}
	dist := m.cfg.TrailingATRMultiple * pos.EntryATR
	var candidate float64
	if pos.Side == models.SignalShort {
		candidate = pos.PeakPrice + dist
	} else {
		candidate = pos.PeakPrice - dist
	}
	if !pos.IsStopTightening(candidate) {
		return nil
	}

	current := pos.CurrentStop
	if current == 0 {
		current = pos.InitialStopPrice
	}
	tick := 0.0
	if spec, ok := m.specs.Get(pos.Symbol); ok {
		tick = spec.PriceTick
	}
	if tick > 0 && math.Abs(candidate-current) < m.cfg.TrailingMinTicks*tick {
		return nil
	}

	return m.exec.ApplyAction(ctx, decisionID, pos, models.ManagementAction{
		Kind:   models.ActionUpdateStop,
		Symbol: pos.Symbol,
		Price:  candidate,
		Reason: "trailing",
	})
}

func (m *Manager) forceClose(ctx context.Context, decisionID string, pos *models.ManagedPosition, reason string) error {
	m.log.WithFields(logrus.Fields{
		"symbol": pos.Symbol,
		"reason": reason,
	}).Warn("forcing position close")
	if err := m.exec.ApplyAction(ctx, decisionID, pos, models.ManagementAction{
		Kind:   models.ActionClosePosition,
		Symbol: pos.Symbol,
		Reason: reason,
	}); err != nil {
		return err
	}
	// Protective orders are torn down after the close is on the wire so the
	// position is never both unprotected and open.
	return m.exec.ApplyAction(ctx, decisionID, pos, models.ManagementAction{
		Kind:   models.ActionCancelProtective,
		Symbol: pos.Symbol,
		Reason: reason,
	})
}

// HandleOrderUpdate routes one order update into the owning position's state
// machine and executes the emitted follow-ups. A PLACE_STOP leading the list
// collapses the whole protective batch into a single PlaceProtective call,
// which places the stop first and the TP ladder after.
func (m *Manager) HandleOrderUpdate(ctx context.Context, decisionID string, order models.Order) error {
	err := m.reg.Update(order.Symbol, func(pos *models.ManagedPosition) error {
		actions, err := pos.ProcessOrderUpdate(order, m.cfg.Rules)
		if err != nil {
			return err
		}
		return m.runActions(ctx, decisionID, pos, actions)
	})
	if err != nil {
		return err
	}
	return m.archiveIfTerminal(order.Symbol)
}

func (m *Manager) runActions(ctx context.Context, decisionID string, pos *models.ManagedPosition, actions []models.ManagementAction) error {
	if len(actions) > 0 && actions[0].Kind == models.ActionPlaceStop {
		if err := m.exec.PlaceProtective(ctx, decisionID, pos, m.cfg.Rules); err != nil {
			return err
		}
		actions = actions[1:]
	}
	for _, act := range actions {
		switch act.Kind {
		case models.ActionPlaceTP1, models.ActionPlaceTP2, models.ActionPlaceTP3:
			// Covered by PlaceProtective's ladder.
			continue
		}
		if err := m.exec.ApplyAction(ctx, decisionID, pos, act); err != nil {
			return err
		}
	}
	return nil
}

// archiveIfTerminal moves CLOSED and CANCELLED positions into history with
// their realized PnL.
func (m *Manager) archiveIfTerminal(symbol string) error {
	snap, ok := m.reg.Get(symbol)
	if !ok || !snap.State.Terminal() {
		return nil
	}
	reason := "closed"
	if snap.State == models.StateCancelled {
		reason = "cancelled"
	}
	return m.reg.Archive(symbol, m.realizedPnL(snap), reason)
}

// realizedPnL sums exit fills against the average entry, in quote currency.
func (m *Manager) realizedPnL(pos *models.ManagedPosition) float64 {
	entry := pos.AvgEntryPrice()
	if entry == 0 {
		return 0
	}
	contractSize := 1.0
	if spec, ok := m.specs.Get(pos.Symbol); ok && spec.ContractSize > 0 {
		contractSize = spec.ContractSize
	}
	var pnl float64
	for _, f := range pos.ExitFills {
		d := f.Price - entry
		if pos.Side == models.SignalShort {
			d = -d
		}
		pnl += d * f.Size * contractSize
	}
	return pnl
}
