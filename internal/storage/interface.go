// Package storage persists positions, decision traces, intent hashes and
// account snapshots.
package storage

import (
	"errors"
	"time"

	"github.com/rdelgatto/permabull/internal/models"
)

// ErrPositionNotFound is returned when no position exists for a symbol.
var ErrPositionNotFound = errors.New("position not found")

// ClosedPosition is one archived trade.
type ClosedPosition struct {
	Symbol   string                 `json:"symbol"`
	Position models.ManagedPosition `json:"position"`
	PnL      float64                `json:"pnl"`
	Reason   string                 `json:"reason"`
	ClosedAt time.Time              `json:"closed_at"`
}

// Statistics aggregates closed-trade performance.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	TotalPnL      float64 `json:"total_pnl"`
	LargestWin    float64 `json:"largest_win"`
	LargestLoss   float64 `json:"largest_loss"`
	WinRate       float64 `json:"win_rate"`
}

// AccountSnapshot is one equity/margin observation.
type AccountSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	Equity          float64   `json:"equity"`
	AvailableMargin float64   `json:"available_margin"`
	UsedMargin      float64   `json:"used_margin"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
}

// Interface defines the persistence contract.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe.
type Interface interface {
	// Position management. Writes are synchronous: when SavePosition
	// returns, the state is durable.
	SavePosition(pos *models.ManagedPosition) error
	GetPosition(symbol string) (*models.ManagedPosition, error)
	GetOpenPositions() ([]*models.ManagedPosition, error)
	DeletePosition(symbol string) error
	ArchivePosition(pos *models.ManagedPosition, pnl float64, reason string) error

	// Historical data and analytics
	GetHistory(limit int) ([]ClosedPosition, error)
	GetStatistics() (*Statistics, error)

	// Decision traces, append-only
	AppendTrace(trace models.Trace) error
	GetTraces(decisionID string) ([]models.Trace, error)

	// Intent hash dedup window
	SaveIntentHash(hash string, at time.Time) error
	SeenIntentHash(hash string, since time.Time) (bool, error)
	PruneIntentHashes(before time.Time) error
	LoadIntentHashes(since time.Time) (map[string]time.Time, error)

	// Account snapshots
	SaveAccountSnapshot(snap AccountSnapshot) error
	LatestAccountSnapshot() (*AccountSnapshot, error)

	Close() error
}

// NewStorage creates the default storage implementation (SQLite-backed).
func NewStorage(path string) (Interface, error) {
	return NewSQLiteStorage(path)
}

// Ensure SQLiteStorage implements Interface
var _ Interface = (*SQLiteStorage)(nil)
