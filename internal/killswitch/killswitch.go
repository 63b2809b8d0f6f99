// Package killswitch provides the process-wide trading gate. The switch is
// consulted at the top of every cycle and before every order submission;
// protective-order placement on existing positions is exempt.
package killswitch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EnvNewEntries gates new opens independently of the state file. Unset or
// "true" allows entries; anything else blocks them.
const EnvNewEntries = "TRADING_NEW_ENTRIES_ENABLED"

// State is the persisted switch record.
type State struct {
	Active      bool      `json:"active"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ActivatedBy string    `json:"activated_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Switch is a single-writer gate backed by a JSON state file. Every change
// is persisted synchronously before the new state becomes visible.
type Switch struct {
	mu    sync.RWMutex
	state State
	path  string
	log   *logrus.Logger
}

// New loads or initialises the switch at path. A missing file means
// inactive; a corrupt file fails loudly rather than silently enabling
// trading.
func New(path string, log *logrus.Logger) (*Switch, error) {
	s := &Switch{path: path, log: log}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read kill-switch state: %w", err)
	}
	if err := json.Unmarshal(raw, &s.state); err != nil {
		return nil, fmt.Errorf("parse kill-switch state %s: %w", path, err)
	}
	if s.state.Active {
		log.WithFields(logrus.Fields{
			"activated_at": s.state.ActivatedAt,
			"activated_by": s.state.ActivatedBy,
			"reason":       s.state.Reason,
		}).Warn("kill switch active at startup")
	}
	return s, nil
}

// Active reports whether the switch blocks trading.
func (s *Switch) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Active
}

// State returns a copy of the current state.
func (s *Switch) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Activate trips the switch and persists before returning. Activating an
// already-active switch updates the reason.
func (s *Switch) Activate(by, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := State{
		Active:      true,
		ActivatedAt: time.Now().UTC(),
		ActivatedBy: by,
		Reason:      reason,
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.state = next
	s.log.WithFields(logrus.Fields{"by": by, "reason": reason}).Error("kill switch activated")
	return nil
}

// Deactivate clears the switch and persists before returning.
func (s *Switch) Deactivate(by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := State{}
	if err := s.persist(next); err != nil {
		return err
	}
	s.state = next
	s.log.WithField("by", by).Warn("kill switch deactivated")
	return nil
}

// EntriesAllowed reports whether new entries may be opened: the switch must
// be inactive AND the environment gate must not block.
func (s *Switch) EntriesAllowed() bool {
	if s.Active() {
		return false
	}
	return envEntriesEnabled()
}

func envEntriesEnabled() bool {
	v, ok := os.LookupEnv(EnvNewEntries)
	if !ok {
		return true
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		// An unparseable gate blocks entries; failing open here would
		// defeat the point of the switch.
		return false
	}
	return enabled
}

// persist writes atomically via temp file and rename. Called with the lock
// held.
func (s *Switch) persist(state State) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal kill-switch state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create kill-switch dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".killswitch-*")
	if err != nil {
		return fmt.Errorf("create kill-switch temp: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write kill-switch state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist kill-switch state: %w", err)
	}
	return nil
}
