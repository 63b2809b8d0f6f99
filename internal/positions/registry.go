// Package positions owns the in-memory position registry and the periodic
// management loop that trails stops, enforces break-even moves and closes
// positions whose premise died.
package positions

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rdelgatto/permabull/internal/models"
	"github.com/rdelgatto/permabull/internal/storage"
)

// Registry is the single authoritative holder of ManagedPosition records.
// All mutation flows through Update on the owning goroutine's behalf; readers
// get deep snapshots and can never alias live state. Every successful
// mutation is persisted synchronously before Update returns.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]*models.ManagedPosition
	store     storage.Interface
}

// NewRegistry builds an empty registry over the given store.
func NewRegistry(store storage.Interface) *Registry {
	return &Registry{
		positions: make(map[string]*models.ManagedPosition),
		store:     store,
	}
}

// Load rehydrates all open positions from storage. Called once at startup
// before any loop runs.
func (r *Registry) Load() error {
	open, err := r.store.GetOpenPositions()
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pos := range open {
		r.positions[pos.Symbol] = pos
	}
	return nil
}

// Register adds a freshly created position and persists it.
func (r *Registry) Register(pos *models.ManagedPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[pos.Symbol]; exists {
		return fmt.Errorf("position for %s already registered", pos.Symbol)
	}
	if err := r.store.SavePosition(pos); err != nil {
		return fmt.Errorf("persist new position %s: %w", pos.Symbol, err)
	}
	r.positions[pos.Symbol] = pos
	return nil
}

// Update runs fn against the live record under the write lock and persists
// the result. fn returning an error aborts the persist; the in-memory
// mutation is NOT rolled back, so fn must either fully apply or leave the
// record untouched.
func (r *Registry) Update(symbol string, fn func(pos *models.ManagedPosition) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[symbol]
	if !ok {
		return storage.ErrPositionNotFound
	}
	if err := fn(pos); err != nil {
		return err
	}
	return r.store.SavePosition(pos)
}

// Get returns a deep copy of one position.
func (r *Registry) Get(symbol string) (*models.ManagedPosition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[symbol]
	if !ok {
		return nil, false
	}
	return pos.Copy(), true
}

// Snapshot returns deep copies of every tracked position, sorted by symbol
// so iteration order is stable across calls.
func (r *Registry) Snapshot() []*models.ManagedPosition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ManagedPosition, 0, len(r.positions))
	for _, pos := range r.positions {
		out = append(out, pos.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len reports the number of tracked positions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

// Archive moves a terminal position out of the registry and into history.
func (r *Registry) Archive(symbol string, pnl float64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[symbol]
	if !ok {
		return storage.ErrPositionNotFound
	}
	if err := r.store.ArchivePosition(pos, pnl, reason); err != nil {
		return fmt.Errorf("archive %s: %w", symbol, err)
	}
	delete(r.positions, symbol)
	return nil
}

// Evict drops a position from the in-memory map only. Used when another
// component has already archived or deleted the stored record.
func (r *Registry) Evict(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, symbol)
}

// Forget drops a position without archiving. Used for zombies whose venue
// position disappeared with no fill we can account for.
func (r *Registry) Forget(symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.positions[symbol]; !ok {
		return storage.ErrPositionNotFound
	}
	if err := r.store.DeletePosition(symbol); err != nil {
		return err
	}
	delete(r.positions, symbol)
	return nil
}
