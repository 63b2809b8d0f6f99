package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/rdelgatto/permabull/internal/models"
)

// MockStorage implements Interface for testing.
type MockStorage struct {
	mu        sync.Mutex
	SaveError error

	positions map[string]*models.ManagedPosition
	history   []ClosedPosition
	traces    []models.Trace
	hashes    map[string]time.Time
	snapshots []AccountSnapshot

	SaveCallCount int
}

// NewMockStorage creates a new mock storage for testing.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		positions: map[string]*models.ManagedPosition{},
		hashes:    map[string]time.Time{},
	}
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)

func (m *MockStorage) SavePosition(pos *models.ManagedPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCallCount++
	if m.SaveError != nil {
		return m.SaveError
	}
	m.positions[pos.Symbol] = pos.Copy()
	return nil
}

func (m *MockStorage) GetPosition(symbol string) (*models.ManagedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return pos.Copy(), nil
}

func (m *MockStorage) GetOpenPositions() ([]*models.ManagedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbols := make([]string, 0, len(m.positions))
	for s := range m.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	out := make([]*models.ManagedPosition, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, m.positions[s].Copy())
	}
	return out, nil
}

func (m *MockStorage) DeletePosition(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[symbol]; !ok {
		return ErrPositionNotFound
	}
	delete(m.positions, symbol)
	return nil
}

func (m *MockStorage) ArchivePosition(pos *models.ManagedPosition, pnl float64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, ClosedPosition{
		Symbol:   pos.Symbol,
		Position: *pos.Copy(),
		PnL:      pnl,
		Reason:   reason,
		ClosedAt: time.Now().UTC(),
	})
	delete(m.positions, pos.Symbol)
	return nil
}

func (m *MockStorage) GetHistory(limit int) ([]ClosedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClosedPosition, len(m.history))
	copy(out, m.history)
	// Newest first, matching the real implementation.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStorage) GetStatistics() (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &Statistics{}
	for _, cp := range m.history {
		st.TotalTrades++
		st.TotalPnL += cp.PnL
		if cp.PnL > 0 {
			st.WinningTrades++
			if cp.PnL > st.LargestWin {
				st.LargestWin = cp.PnL
			}
		}
		if cp.PnL < 0 {
			st.LosingTrades++
			if cp.PnL < st.LargestLoss {
				st.LargestLoss = cp.PnL
			}
		}
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.WinningTrades) / float64(st.TotalTrades)
	}
	return st, nil
}

func (m *MockStorage) AppendTrace(trace models.Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces = append(m.traces, trace)
	return nil
}

func (m *MockStorage) GetTraces(decisionID string) ([]models.Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trace
	for _, tr := range m.traces {
		if tr.DecisionID == decisionID {
			out = append(out, tr)
		}
	}
	return out, nil
}

// Traces returns everything appended so far, for assertions.
func (m *MockStorage) Traces() []models.Trace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Trace, len(m.traces))
	copy(out, m.traces)
	return out
}

func (m *MockStorage) SaveIntentHash(hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hashes[hash]; !ok {
		m.hashes[hash] = at
	}
	return nil
}

func (m *MockStorage) SeenIntentHash(hash string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.hashes[hash]
	return ok && !at.Before(since), nil
}

func (m *MockStorage) PruneIntentHashes(before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, at := range m.hashes {
		if at.Before(before) {
			delete(m.hashes, h)
		}
	}
	return nil
}

func (m *MockStorage) LoadIntentHashes(since time.Time) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]time.Time{}
	for h, at := range m.hashes {
		if !at.Before(since) {
			out[h] = at
		}
	}
	return out, nil
}

func (m *MockStorage) SaveAccountSnapshot(snap AccountSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *MockStorage) LatestAccountSnapshot() (*AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return nil, nil
	}
	snap := m.snapshots[len(m.snapshots)-1]
	return &snap, nil
}

func (m *MockStorage) Close() error { return nil }
