// Package market maintains the per-symbol, per-timeframe candle store that
// feeds the signal pipeline.
package market

import (
	"sort"
	"sync"
	"time"

	"github.com/rdelgatto/permabull/internal/models"
)

// DefaultCapacity bounds each (symbol, timeframe) series.
const DefaultCapacity = 300

// Freshness contract: candles older than these bounds make the series
// unusable for analysis.
const (
	MaxAge15m = 30 * time.Minute
	MaxAge1d  = 48 * time.Hour
)

type seriesKey struct {
	symbol    string
	timeframe models.Timeframe
}

// Store is a bounded candle store. It has a single writer (the candle feeder)
// and any number of snapshot readers.
type Store struct {
	mu       sync.RWMutex
	capacity int
	series   map[seriesKey][]models.Candle
	now      func() time.Time
}

// NewStore creates a candle store with the given per-series capacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		series:   make(map[seriesKey][]models.Candle),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock; used only by freshness tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Merge inserts candles into a series. Duplicate timestamps replace the
// existing entry; candles older than the oldest retained entry are dropped
// once newer data exists. Invalid candles are rejected and counted.
func (s *Store) Merge(symbol string, tf models.Timeframe, candles []models.Candle) (accepted, rejected int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey{symbol, tf}
	existing := s.series[key]

	for _, c := range candles {
		if err := c.Validate(); err != nil {
			rejected++
			continue
		}
		idx := sort.Search(len(existing), func(i int) bool {
			return !existing[i].Timestamp.Before(c.Timestamp)
		})
		switch {
		case idx < len(existing) && existing[idx].Timestamp.Equal(c.Timestamp):
			existing[idx] = c // replace in place
		case idx == len(existing):
			existing = append(existing, c)
		case idx == 0 && len(existing) >= s.capacity:
			// Out-of-order candle older than everything retained; ignore.
			rejected++
			continue
		default:
			existing = append(existing, models.Candle{})
			copy(existing[idx+1:], existing[idx:])
			existing[idx] = c
		}
		accepted++
	}

	if len(existing) > s.capacity {
		existing = existing[len(existing)-s.capacity:]
	}
	s.series[key] = existing
	return accepted, rejected
}

// Get returns up to maxCount most recent candles as a fresh slice, never a
// live reference into the store.
func (s *Store) Get(symbol string, tf models.Timeframe, maxCount int) []models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.series[seriesKey{symbol, tf}]
	if maxCount <= 0 || maxCount > len(existing) {
		maxCount = len(existing)
	}
	out := make([]models.Candle, maxCount)
	copy(out, existing[len(existing)-maxCount:])
	return out
}

// Len returns the number of candles held for a series.
func (s *Store) Len(symbol string, tf models.Timeframe) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[seriesKey{symbol, tf}])
}

// AgeOfLatest returns the age of the newest candle in a series, or a negative
// duration when the series is empty.
func (s *Store) AgeOfLatest(symbol string, tf models.Timeframe) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.series[seriesKey{symbol, tf}]
	if len(existing) == 0 {
		return -1
	}
	return s.now().Sub(existing[len(existing)-1].Timestamp)
}

// IsFresh applies the freshness contract for the timeframes the pipeline
// consumes. Unknown timeframes are considered fresh.
func (s *Store) IsFresh(symbol string, tf models.Timeframe) bool {
	age := s.AgeOfLatest(symbol, tf)
	if age < 0 {
		return false
	}
	switch tf {
	case models.Timeframe15m:
		return age <= MaxAge15m
	case models.Timeframe1d:
		return age <= MaxAge1d
	default:
		return true
	}
}

// Symbols lists symbols with at least one series, sorted for deterministic
// cycle iteration.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range s.series {
		seen[k.symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
