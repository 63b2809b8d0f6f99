package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/auction"
	"github.com/rdelgatto/permabull/internal/config"
	"github.com/rdelgatto/permabull/internal/exchange"
	"github.com/rdelgatto/permabull/internal/executor"
	"github.com/rdelgatto/permabull/internal/killswitch"
	"github.com/rdelgatto/permabull/internal/market"
	"github.com/rdelgatto/permabull/internal/metrics"
	"github.com/rdelgatto/permabull/internal/models"
	"github.com/rdelgatto/permabull/internal/positions"
	"github.com/rdelgatto/permabull/internal/retry"
	"github.com/rdelgatto/permabull/internal/risk"
	"github.com/rdelgatto/permabull/internal/specs"
	"github.com/rdelgatto/permabull/internal/storage"
	"github.com/rdelgatto/permabull/internal/strategy"
)

// candleFetchLimits is how much history each timeframe needs for the
// pipeline's longest lookback.
var candleFetchLimits = map[models.Timeframe]int{
	models.Timeframe1d:  250,
	models.Timeframe4h:  120,
	models.Timeframe1h:  120,
	models.Timeframe15m: 120,
}

type cycleDeps struct {
	cfg        *config.Config
	log        *logrus.Logger
	ex         exchange.Exchange
	store      storage.Interface
	specs      *specs.Registry
	candles    *market.Store
	pipeline   *strategy.Pipeline
	gate       *risk.Gate
	cooldowns  *risk.CooldownTracker
	shock      *risk.ShockGuard
	allocator  *auction.Allocator
	rebalancer *auction.Rebalancer
	exec       *executor.Executor
	retrier    *retry.Client
	registry   *positions.Registry
	ks         *killswitch.Switch
	met        *metrics.Metrics
}

// TradingCycle drives one full decision round: candles, signals, auction,
// closes, opens. It is the single writer for everything except the position
// registry, which serializes its own writers.
type TradingCycle struct {
	cycleDeps
	manager *positions.Manager

	marksMu sync.RWMutex
	marks   map[string]float64

	entryMuMu sync.Mutex
	entryMu   map[string]*sync.Mutex

	lastArchiveAt time.Time
	entropy       *ulid.MonotonicEntropy
	now           func() time.Time
}

// NewTradingCycle wires a cycle driver.
func NewTradingCycle(deps cycleDeps) *TradingCycle {
	return &TradingCycle{
		cycleDeps:     deps,
		marks:         map[string]float64{},
		entryMu:       map[string]*sync.Mutex{},
		lastArchiveAt: time.Now().UTC(),
		entropy:       ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), // #nosec G404 -- id entropy, not crypto
		now:           time.Now,
	}
}

// Run executes cycles on the configured interval until the context ends.
func (tc *TradingCycle) Run(ctx context.Context) error {
	interval := tc.cfg.CycleInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tc.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tc.RunOnce(ctx)
		}
	}
}

// RunOnce executes one full cycle. Errors degrade to skipped symbols or
// skipped phases; the cycle itself never aborts the process.
func (tc *TradingCycle) RunOnce(ctx context.Context) {
	start := tc.now()
	defer func() { tc.met.ObserveCycle(time.Since(start)) }()
	decisionID := tc.newDecisionID()

	if err := tc.refreshMarks(ctx); err != nil {
		tc.log.WithError(err).Error("ticker refresh failed, skipping cycle")
		return
	}

	if tc.ks.Active() {
		tc.met.KillSwitchOn.Set(1)
		tc.log.Warn("kill switch active, cycle suppressed")
		return
	}
	tc.met.KillSwitchOn.Set(0)

	balance, err := tc.ex.GetFuturesBalance(ctx)
	if err != nil {
		tc.log.WithError(err).Error("balance fetch failed, skipping cycle")
		return
	}
	tc.observeAccount(balance)
	tc.recordTradeResults(balance.Equity)

	tc.refreshCandles(ctx)
	signals := tc.generateSignals(decisionID, balance)
	result := tc.runAuction(decisionID, signals, balance)

	// Closes first: freed margin funds the opens.
	tc.executeCloses(ctx, decisionID, result.Close)
	tc.executeTrims(ctx, decisionID, result, balance.Equity)

	// Margin refresh after closes so opens size against reality.
	balance, err = tc.ex.GetFuturesBalance(ctx)
	if err != nil {
		tc.log.WithError(err).Error("margin refresh failed, opens skipped")
		return
	}
	tc.executeOpens(ctx, decisionID, result.Open, balance)

	tc.exec.PruneIntents()
	tc.met.OpenPositions.Set(float64(tc.registry.Len()))
}

// MarkOf returns the latest futures mark for a symbol in any spelling, zero
// when unknown.
func (tc *TradingCycle) MarkOf(symbol string) float64 {
	tc.marksMu.RLock()
	defer tc.marksMu.RUnlock()
	if m, ok := tc.marks[symbol]; ok {
		return m
	}
	for s, m := range tc.marks {
		if exchange.SameMarket(s, symbol) {
			return m
		}
	}
	return 0
}

func (tc *TradingCycle) refreshMarks(ctx context.Context) error {
	tickers, err := tc.ex.GetFuturesTickersBulk(ctx)
	if err != nil {
		return err
	}
	tc.marksMu.Lock()
	defer tc.marksMu.Unlock()
	for sym, t := range tickers {
		if mid := t.Mid(); mid > 0 {
			tc.marks[sym] = mid
		}
	}
	return nil
}

func (tc *TradingCycle) observeAccount(balance exchange.Balance) {
	tc.met.AccountEquity.Set(balance.Equity)
	usage := 0.0
	if balance.Equity > 0 {
		usage = balance.UsedMargin / balance.Equity
	}
	tc.met.MarginUsedPct.Set(usage)

	if tc.shock.ObserveEquity(balance.Equity, tc.now()) {
		tc.log.WithField("equity", balance.Equity).Warn("shock guard triggered by drawdown")
	}

	if err := tc.store.SaveAccountSnapshot(storage.AccountSnapshot{
		Timestamp:       tc.now().UTC(),
		Equity:          balance.Equity,
		AvailableMargin: balance.AvailableMargin,
		UsedMargin:      balance.UsedMargin,
		UnrealizedPnL:   balance.UnrealizedPnL,
	}); err != nil {
		tc.log.WithError(err).Warn("account snapshot not persisted")
	}
}

// recordTradeResults feeds freshly archived trades into the loss-streak
// cooldowns.
func (tc *TradingCycle) recordTradeResults(equity float64) {
	hist, err := tc.store.GetHistory(20)
	if err != nil {
		tc.log.WithError(err).Warn("history fetch for cooldowns failed")
		return
	}
	latest := tc.lastArchiveAt
	for _, cp := range hist {
		if !cp.ClosedAt.After(tc.lastArchiveAt) {
			continue
		}
		tc.cooldowns.RecordResult(cp.Position.Regime, cp.PnL, equity, tc.now())
		if cp.ClosedAt.After(latest) {
			latest = cp.ClosedAt
		}
	}
	tc.lastArchiveAt = latest
}

// refreshCandles pulls every timeframe for every configured symbol. A fetch
// failure skips that symbol's update, not the cycle.
func (tc *TradingCycle) refreshCandles(ctx context.Context) {
	for _, symbol := range tc.cfg.Strategy.Symbols {
		for tf, limit := range candleFetchLimits {
			candles, err := tc.ex.GetOHLCV(ctx, symbol, tf, limit)
			if err != nil {
				tc.log.WithError(err).WithFields(logrus.Fields{
					"symbol": symbol, "timeframe": tf,
				}).Warn("candle fetch failed")
				continue
			}
			tc.candles.Merge(symbol, tf, candles)
		}
	}
}

func (tc *TradingCycle) generateSignals(decisionID string, balance exchange.Balance) []models.Signal {
	var out []models.Signal
	for _, symbol := range tc.cfg.Strategy.Symbols {
		if !tc.candles.IsFresh(symbol, models.Timeframe15m) {
			tc.met.SignalsRejected.WithLabelValues("stale candles").Inc()
			continue
		}
		set := strategy.CandleSet{
			Daily: tc.candles.Get(symbol, models.Timeframe1d, 0),
			H4:    tc.candles.Get(symbol, models.Timeframe4h, 0),
			H1:    tc.candles.Get(symbol, models.Timeframe1h, 0),
			M15:   tc.candles.Get(symbol, models.Timeframe15m, 0),
		}
		sig := tc.pipeline.Analyze(symbol, set)
		if !sig.IsActionable() {
			continue
		}
		tc.met.SignalsEmitted.WithLabelValues(string(sig.Regime)).Inc()
		tc.trace(decisionID, symbol, models.TraceSignalGenerated, map[string]any{
			"type": sig.Type, "score": sig.Score, "entry": sig.EntryPrice,
			"stop": sig.StopLoss, "regime": sig.Regime, "reasoning": sig.Reasoning,
		})
		out = append(out, sig)
	}
	return out
}

// runAuction builds contenders from open positions and gate-approved signals
// and runs the allocator.
func (tc *TradingCycle) runAuction(decisionID string, signals []models.Signal, balance exchange.Balance) auction.Result {
	now := tc.now()
	var contenders []auction.Contender

	for _, pos := range tc.registry.Snapshot() {
		if !pos.State.Active() {
			continue
		}
		// TP fills and manager-driven partial closes arm the reallocation
		// cooldown the same way auction trims do.
		if n := len(pos.ExitFills); n > 0 {
			tc.allocator.NotePartialClose(pos.ExitFills[n-1].Timestamp)
		}
		contenders = append(contenders, tc.allocator.OpenContender(pos, tc.MarkOf(pos.Symbol), now))
	}

	for _, sig := range signals {
		decision := tc.evaluateGate(decisionID, sig, balance)
		if !decision.Approved {
			continue
		}
		margin := decision.MarginRequired
		contenders = append(contenders, auction.NewContender(sig, margin))
	}

	result := tc.allocator.Run(auction.Input{
		EquityUSD:  balance.Equity,
		Contenders: contenders,
		Now:        now,
	})
	tc.trace(decisionID, "", models.TraceAuctionResult, map[string]any{
		"keep": result.Keep, "close": len(result.Close), "open": len(result.Open),
		"detail": result.Detail,
	})
	return result
}

func (tc *TradingCycle) evaluateGate(decisionID string, sig models.Signal, balance exchange.Balance) risk.Decision {
	mark := tc.MarkOf(sig.Symbol)
	decision := tc.gate.Evaluate(risk.Input{
		Signal:           sig,
		AccountEquity:    balance.Equity,
		SpotPrice:        sig.EntryPrice,
		FuturesMarkPrice: mark,
		AvailableMargin:  balance.AvailableMargin,
		OpenPositions:    tc.registry.Len(),
		Cooldowns:        tc.cooldowns.State(tc.now()),
	})
	payload := map[string]any{"approved": decision.Approved}
	for k, v := range decision.Metrics {
		payload[k] = v
	}
	if decision.Approved {
		tc.met.GateApprovals.Inc()
	} else {
		payload["reasons"] = decision.RejectionReasons
		if len(decision.RejectionReasons) > 0 {
			tc.met.GateRejections.WithLabelValues(decision.RejectionReasons[0]).Inc()
		}
	}
	tc.trace(decisionID, sig.Symbol, models.TraceRiskValidation, payload)
	return decision
}

func (tc *TradingCycle) executeCloses(ctx context.Context, decisionID string, closes []auction.CloseDecision) {
	for _, cd := range closes {
		cd := cd
		err := tc.registry.Update(cd.Symbol, func(pos *models.ManagedPosition) error {
			// Displacement closes are safety-relevant: a transiently failing
			// venue gets retried instead of leaving the slot occupied.
			if _, err := tc.retrier.ClosePositionWithRetry(ctx, pos.Symbol, pos.RemainingSize()); err != nil {
				return err
			}
			return tc.exec.ApplyAction(ctx, decisionID, pos, models.ManagementAction{
				Kind: models.ActionCancelProtective, Symbol: cd.Symbol, Reason: cd.Reason,
			})
		})
		if err != nil {
			tc.log.WithError(err).WithField("symbol", cd.Symbol).Error("auction close failed")
			continue
		}
		tc.met.AuctionCloses.Inc()
	}
}

func (tc *TradingCycle) executeTrims(ctx context.Context, decisionID string, result auction.Result, equity float64) {
	var opens []auction.Contender
	now := tc.now()
	for _, pos := range tc.registry.Snapshot() {
		if pos.State.Active() {
			opens = append(opens, tc.allocator.OpenContender(pos, tc.MarkOf(pos.Symbol), now))
		}
	}
	for _, trim := range tc.rebalancer.Run(opens, equity, !tc.ks.EntriesAllowed()) {
		trim := trim
		err := tc.registry.Update(trim.Symbol, func(pos *models.ManagedPosition) error {
			qty := pos.RemainingSize() * trim.FractionPct
			return tc.exec.ApplyAction(ctx, decisionID, pos, models.ManagementAction{
				Kind: models.ActionPartialClose, Symbol: trim.Symbol, Qty: qty, Reason: trim.Reason,
			})
		})
		if err != nil {
			tc.log.WithError(err).WithField("symbol", trim.Symbol).Error("rebalance trim failed")
			continue
		}
		tc.allocator.NotePartialClose(tc.now())
	}
}

// CloseAll flattens every active position through the retrying close path and
// cancels its protective orders. It is an operator command and ignores the
// kill switch: the whole point is getting flat when something is wrong.
func (tc *TradingCycle) CloseAll(ctx context.Context, reason string) (int, error) {
	decisionID := tc.newDecisionID()
	var closed int
	var firstErr error
	for _, snap := range tc.registry.Snapshot() {
		if !snap.State.Active() {
			continue
		}
		symbol := snap.Symbol
		err := tc.registry.Update(symbol, func(pos *models.ManagedPosition) error {
			if _, err := tc.retrier.ClosePositionWithRetry(ctx, pos.Symbol, pos.RemainingSize()); err != nil {
				return err
			}
			return tc.exec.ApplyAction(ctx, decisionID, pos, models.ManagementAction{
				Kind: models.ActionCancelProtective, Symbol: symbol, Reason: reason,
			})
		})
		if err != nil {
			tc.log.WithError(err).WithField("symbol", symbol).Error("close-all failed for position")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed++
		tc.met.AuctionCloses.Inc()
	}
	tc.log.WithFields(logrus.Fields{"closed": closed, "reason": reason}).Warn("close-all executed")
	return closed, firstErr
}

func (tc *TradingCycle) executeOpens(ctx context.Context, decisionID string, opens []auction.OpenDecision, balance exchange.Balance) {
	if len(opens) == 0 {
		return
	}
	if !tc.ks.EntriesAllowed() {
		tc.log.Warn("entries disabled, skipping auction opens")
		return
	}
	if tc.shock.Active(tc.now()) {
		tc.log.WithField("reason", tc.shock.Reason()).Warn("shock embargo, skipping auction opens")
		return
	}

	openOrders, err := tc.ex.GetFuturesOpenOrders(ctx)
	if err != nil {
		tc.log.WithError(err).Error("open orders fetch failed, opens skipped")
		return
	}

	for _, od := range opens {
		sig := od.Signal
		mu := tc.entryMutex(sig.Symbol)
		mu.Lock()

		decision := tc.evaluateGate(decisionID, sig, balance)
		if !decision.Approved {
			mu.Unlock()
			continue
		}
		pos, err := tc.exec.PlaceEntry(ctx, decisionID, sig,
			decision.PositionNotional, decision.Leverage, tc.MarkOf(sig.Symbol),
			tc.registry.Snapshot(), openOrders)
		mu.Unlock()

		if err != nil {
			tc.met.OrdersFailed.WithLabelValues("entry").Inc()
			tc.log.WithError(err).WithField("symbol", sig.Symbol).Error("entry placement failed")
			continue
		}
		if pos == nil {
			// Duplicate intent inside the dedupe window.
			continue
		}
		if err := tc.registry.Register(pos); err != nil {
			tc.log.WithError(err).WithField("symbol", pos.Symbol).Error("registering new position")
			continue
		}
		tc.met.OrdersPlaced.WithLabelValues("entry").Inc()
		tc.met.AuctionOpens.Inc()
	}
}

func (tc *TradingCycle) entryMutex(symbol string) *sync.Mutex {
	tc.entryMuMu.Lock()
	defer tc.entryMuMu.Unlock()
	mu, ok := tc.entryMu[symbol]
	if !ok {
		mu = &sync.Mutex{}
		tc.entryMu[symbol] = mu
	}
	return mu
}

func (tc *TradingCycle) newDecisionID() string {
	return ulid.MustNew(ulid.Timestamp(tc.now()), tc.entropy).String()
}

func (tc *TradingCycle) trace(decisionID, symbol string, kind models.TraceKind, payload map[string]any) {
	if err := tc.store.AppendTrace(models.Trace{
		Timestamp:  tc.now().UTC(),
		DecisionID: decisionID,
		Symbol:     symbol,
		Kind:       kind,
		Payload:    payload,
	}); err != nil {
		tc.log.WithError(err).Warn("trace append failed")
	}
}
