// Package executor turns approved trade intents into venue orders and owns
// the protective order lifecycle around them.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/exchange"
	"github.com/rdelgatto/permabull/internal/models"
	"github.com/rdelgatto/permabull/internal/specs"
	"github.com/rdelgatto/permabull/internal/storage"
)

// Config tunes the executor.
type Config struct {
	// IntentWindow is how long a placement intent blocks identical retries.
	IntentWindow time.Duration `yaml:"intent_window"`
	// PendingEntryTimeout cancels unfilled entry orders after this long.
	PendingEntryTimeout time.Duration `yaml:"pending_entry_timeout"`
	// OrderPriceInvalidationPct cancels a resting entry when the mark drifts
	// further than this fraction from the limit price.
	OrderPriceInvalidationPct float64 `yaml:"order_price_invalidation_pct"`
	// Blocklist names base assets that are never traded.
	Blocklist []string `yaml:"blocklist"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		IntentWindow:              24 * time.Hour,
		PendingEntryTimeout:       30 * time.Second,
		OrderPriceInvalidationPct: 0.02,
	}
}

// Executor places entries and manages protective orders.
type Executor struct {
	ex    exchange.Exchange
	specs *specs.Registry
	store storage.Interface
	log   *logrus.Logger
	cfg   Config

	mu      sync.Mutex
	intents map[string]time.Time
	blocked map[string]bool

	now func() time.Time
}

// New creates an executor. The intent window is warmed from storage so a
// restart cannot replay recent placements.
func New(ex exchange.Exchange, reg *specs.Registry, store storage.Interface, cfg Config, log *logrus.Logger) (*Executor, error) {
	if log == nil {
		log = logrus.New()
	}
	if cfg.IntentWindow == 0 {
		cfg.IntentWindow = 24 * time.Hour
	}
	if cfg.PendingEntryTimeout == 0 {
		cfg.PendingEntryTimeout = 30 * time.Second
	}

	e := &Executor{
		ex:      ex,
		specs:   reg,
		store:   store,
		log:     log,
		cfg:     cfg,
		intents: map[string]time.Time{},
		blocked: map[string]bool{},
		now:     time.Now,
	}
	for _, b := range cfg.Blocklist {
		e.blocked[exchange.NormalizeBase(b)] = true
	}
	warm, err := store.LoadIntentHashes(e.now().Add(-cfg.IntentWindow))
	if err != nil {
		return nil, fmt.Errorf("warm intent window: %w", err)
	}
	e.intents = warm
	return e, nil
}

// SetClock overrides the clock for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// IntentHash fingerprints a placement intent. Identical signals sized to the
// same notional hash identically, which is exactly the property the
// idempotency window needs.
func IntentHash(sig models.Signal, notionalUSD float64) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s|%.2f",
		sig.Symbol, sig.Timestamp.UTC().UnixMilli(), sig.Type, notionalUSD))
	return hex.EncodeToString(h[:])
}

// PlaceEntry submits the entry order for an approved signal and returns the
// tracked position in PENDING state.
//
// The intent hash is recorded before the venue call and persists even when
// placement fails: a failed placement may still have reached the venue, and
// a retry with the same intent must not double the exposure.
func (e *Executor) PlaceEntry(
	ctx context.Context,
	decisionID string,
	sig models.Signal,
	notionalUSD, leverage float64,
	futuresMark float64,
	openPositions []*models.ManagedPosition,
	openOrders []exchange.OpenOrder,
) (*models.ManagedPosition, error) {
	if sig.Type != models.SignalLong && sig.Type != models.SignalShort {
		return nil, fmt.Errorf("signal for %s is not actionable", sig.Symbol)
	}
	if e.blocked[exchange.BaseOf(sig.Symbol)] {
		return nil, fmt.Errorf("%s is blocklisted", sig.Symbol)
	}
	if exchange.IsStablecoin(sig.Symbol) {
		return nil, fmt.Errorf("%s is a stablecoin market", sig.Symbol)
	}

	if err := e.pyramidingGuard(ctx, sig.Symbol, openPositions, openOrders); err != nil {
		return nil, err
	}

	hash := IntentHash(sig, notionalUSD)
	if seen, err := e.seenIntent(hash); err != nil {
		return nil, err
	} else if seen {
		e.log.WithFields(logrus.Fields{
			"symbol": sig.Symbol,
			"hash":   hash[:12],
		}).Info("duplicate placement intent, skipping")
		return nil, nil
	}
	if err := e.recordIntent(hash); err != nil {
		return nil, err
	}

	spec, ok := e.specs.Get(sig.Symbol)
	if !ok {
		return nil, fmt.Errorf("no instrument spec for %s", sig.Symbol)
	}

	lv, err := ConvertLevels(sig, futuresMark, spec.PriceTick)
	if err != nil {
		return nil, fmt.Errorf("convert levels: %w", err)
	}
	contracts, err := ComputeSizeContracts(notionalUSD, lv.Entry, spec)
	if err != nil {
		return nil, err
	}
	resolvedLev, err := ResolveLeverage(leverage, spec)
	if err != nil {
		return nil, err
	}
	// Zero means the leverage mode could not be parsed; the order goes out
	// without a leverage parameter and the venue default applies.
	if resolvedLev > 0 {
		if err := e.ex.SetLeverage(ctx, spec.SymbolCCXT, resolvedLev); err != nil {
			return nil, fmt.Errorf("set leverage: %w", err)
		}
	} else {
		e.log.WithField("symbol", spec.SymbolCCXT).Warn("unknown leverage mode, using venue default")
	}

	clientID := uuid.New().String()
	ack, err := e.ex.PlaceFuturesOrder(ctx, exchange.OrderRequest{
		Symbol:        spec.SymbolCCXT,
		Side:          models.SideForSignal(sig.Type),
		Type:          models.OrderTypeLimit,
		Size:          contracts,
		Price:         lv.Entry,
		ClientOrderID: clientID,
	})
	if err != nil {
		e.trace(decisionID, sig.Symbol, models.TraceError, map[string]any{
			"stage": "entry placement", "error": err.Error(),
		})
		return nil, fmt.Errorf("place entry: %w", err)
	}

	pos := models.NewManagedPosition(spec.SymbolCCXT, sig, contracts,
		NotionalOfContracts(contracts, lv.Entry, spec), resolvedLev,
		lv.Entry, lv.Stop, lv.TP1, lv.TP2, lv.Final)
	pos.EntryOrderID = ack.OrderID
	if err := e.store.SavePosition(pos); err != nil {
		return nil, fmt.Errorf("persist pending position: %w", err)
	}

	e.trace(decisionID, sig.Symbol, models.TraceOrderEvent, map[string]any{
		"event":           "entry placed",
		"order_id":        ack.OrderID,
		"client_order_id": clientID,
		"contracts":       contracts,
		"entry":           lv.Entry,
		"stop":            lv.Stop,
		"leverage":        resolvedLev,
	})
	e.log.WithFields(logrus.Fields{
		"symbol":    spec.SymbolCCXT,
		"side":      sig.Type,
		"contracts": contracts,
		"entry":     lv.Entry,
		"order_id":  ack.OrderID,
	}).Info("entry order placed")
	return pos, nil
}

// pyramidingGuard rejects a second exposure on the same market, across every
// symbol spelling. Stale pending entries are cancelled rather than allowed
// to block the market forever.
func (e *Executor) pyramidingGuard(ctx context.Context, symbol string,
	openPositions []*models.ManagedPosition, openOrders []exchange.OpenOrder) error {
	for _, pos := range openPositions {
		if pos.State.Active() && exchange.SameMarket(pos.Symbol, symbol) {
			return fmt.Errorf("position already open on %s", pos.Symbol)
		}
	}
	now := e.now()
	for _, o := range openOrders {
		if o.ReduceOnly || !exchange.SameMarket(o.Symbol, symbol) {
			continue
		}
		if !o.CreatedAt.IsZero() && now.Sub(o.CreatedAt) > e.cfg.PendingEntryTimeout {
			e.log.WithFields(logrus.Fields{
				"symbol":   o.Symbol,
				"order_id": o.OrderID,
				"age":      now.Sub(o.CreatedAt).Round(time.Second).String(),
			}).Warn("cancelling stale pending entry")
			if err := e.ex.CancelFuturesOrder(ctx, o.OrderID); err != nil {
				return fmt.Errorf("cancel stale entry on %s: %w", o.Symbol, err)
			}
			continue
		}
		return fmt.Errorf("pending entry order already exists on %s", o.Symbol)
	}
	return nil
}

func (e *Executor) seenIntent(hash string) (bool, error) {
	cutoff := e.now().Add(-e.cfg.IntentWindow)
	e.mu.Lock()
	at, ok := e.intents[hash]
	e.mu.Unlock()
	if ok && !at.Before(cutoff) {
		return true, nil
	}
	return e.store.SeenIntentHash(hash, cutoff)
}

func (e *Executor) recordIntent(hash string) error {
	now := e.now()
	e.mu.Lock()
	e.intents[hash] = now
	e.mu.Unlock()
	return e.store.SaveIntentHash(hash, now)
}

// PruneIntents drops expired hashes from memory and storage.
func (e *Executor) PruneIntents() {
	cutoff := e.now().Add(-e.cfg.IntentWindow)
	e.mu.Lock()
	for h, at := range e.intents {
		if at.Before(cutoff) {
			delete(e.intents, h)
		}
	}
	e.mu.Unlock()
	if err := e.store.PruneIntentHashes(cutoff); err != nil {
		e.log.WithError(err).Warn("pruning intent hashes")
	}
}

func (e *Executor) trace(decisionID, symbol string, kind models.TraceKind, payload map[string]any) {
	err := e.store.AppendTrace(models.Trace{
		Timestamp:  e.now().UTC(),
		DecisionID: decisionID,
		Symbol:     symbol,
		Kind:       kind,
		Payload:    payload,
	})
	if err != nil {
		e.log.WithError(err).Warn("appending trace")
	}
}
