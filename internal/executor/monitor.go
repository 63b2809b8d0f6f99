package executor

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/models"
)

// unknownOrderPrefix marks orders adopted during reconciliation whose origin
// could not be established. They are never cancelled automatically; an
// operator owns them.
const unknownOrderPrefix = "unknown_"

// MonitorPendingEntries sweeps PENDING positions and cancels entry orders
// that timed out or whose premise has been invalidated by price.
//
// markOf returns the current futures mark for a symbol, zero when unknown.
func (e *Executor) MonitorPendingEntries(ctx context.Context, positions []*models.ManagedPosition, markOf func(string) float64) {
	now := e.now()
	for _, pos := range positions {
		if pos.State != models.StatePending || pos.EntryAcknowledged {
			continue
		}
		if strings.HasPrefix(pos.EntryOrderID, unknownOrderPrefix) {
			continue
		}

		var reason string
		if age := now.Sub(pos.OpenedAtOrCreated()); age > e.cfg.PendingEntryTimeout {
			reason = "entry timeout"
		} else if mark := markOf(pos.Symbol); mark > 0 && e.entryPriceInvalidated(pos, mark) {
			// The mark drifted too far from the limit price; the setup no
			// longer exists at this level.
			reason = "price invalidated entry"
		}
		if reason == "" {
			continue
		}

		if err := e.ex.CancelFuturesOrder(ctx, pos.EntryOrderID); err != nil {
			e.log.WithError(err).WithField("symbol", pos.Symbol).Error("cancelling pending entry")
			continue
		}
		if err := pos.TransitionState(models.StateCancelled, models.ConditionEntryRejected); err != nil {
			e.log.WithError(err).WithField("symbol", pos.Symbol).Error("cancelling pending position")
			continue
		}
		if err := e.store.ArchivePosition(pos, 0, reason); err != nil {
			e.log.WithError(err).WithField("symbol", pos.Symbol).Error("archiving cancelled entry")
			continue
		}
		e.log.WithFields(logrus.Fields{
			"symbol": pos.Symbol,
			"reason": reason,
			"age":    now.Sub(pos.OpenedAtOrCreated()).Round(time.Second).String(),
		}).Info("pending entry cancelled")
	}
}

// entryPriceInvalidated reports whether the mark has drifted further from the
// resting limit price than the configured fraction.
func (e *Executor) entryPriceInvalidated(pos *models.ManagedPosition, mark float64) bool {
	pct := e.cfg.OrderPriceInvalidationPct
	if pct <= 0 || pos.InitialEntryPrice <= 0 {
		return false
	}
	drift := math.Abs(mark-pos.InitialEntryPrice) / pos.InitialEntryPrice
	return drift > pct
}
