package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rdelgatto/permabull/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	symbol     TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS position_history (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol    TEXT NOT NULL,
	data      TEXT NOT NULL,
	pnl       REAL NOT NULL,
	reason    TEXT NOT NULL,
	closed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS traces (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          TEXT NOT NULL,
	decision_id TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_decision ON traces(decision_id);
CREATE TABLE IF NOT EXISTS intent_hashes (
	hash       TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS account_snapshots (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	ts               TEXT NOT NULL,
	equity           REAL NOT NULL,
	available_margin REAL NOT NULL,
	used_margin      REAL NOT NULL,
	unrealized_pnl   REAL NOT NULL
);
`

// SQLiteStorage is the SQLite-backed persistence layer. A single writer
// mutex serializes mutations; SQLite handles read concurrency.
type SQLiteStorage struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// SavePosition upserts the position. The write is durable when this returns.
func (s *SQLiteStorage) SavePosition(pos *models.ManagedPosition) error {
	if pos == nil || pos.Symbol == "" {
		return fmt.Errorf("position missing symbol")
	}
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO positions(symbol, data, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		pos.Symbol, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save position %s: %w", pos.Symbol, err)
	}
	return nil
}

// GetPosition loads one position by symbol.
func (s *SQLiteStorage) GetPosition(symbol string) (*models.ManagedPosition, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM positions WHERE symbol = ?`, symbol).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", symbol, err)
	}
	return unmarshalPosition(data)
}

// GetOpenPositions loads every persisted position.
func (s *SQLiteStorage) GetOpenPositions() ([]*models.ManagedPosition, error) {
	rows, err := s.db.Query(`SELECT data FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ManagedPosition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		pos, err := unmarshalPosition(data)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// DeletePosition removes a position without archiving it. Used for zombie
// cleanup where no trade outcome exists.
func (s *SQLiteStorage) DeletePosition(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM positions WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// ArchivePosition moves a position to history in one transaction.
func (s *SQLiteStorage) ArchivePosition(pos *models.ManagedPosition, pnl float64, reason string) error {
	if pos == nil {
		return fmt.Errorf("nil position")
	}
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO position_history(symbol, data, pnl, reason, closed_at) VALUES(?, ?, ?, ?, ?)`,
		pos.Symbol, string(data), pnl, reason, now); err != nil {
		return fmt.Errorf("archive position %s: %w", pos.Symbol, err)
	}
	if _, err := tx.Exec(`DELETE FROM positions WHERE symbol = ?`, pos.Symbol); err != nil {
		return fmt.Errorf("clear archived position %s: %w", pos.Symbol, err)
	}
	return tx.Commit()
}

// GetHistory returns the most recent closed trades, newest first. limit <= 0
// returns everything.
func (s *SQLiteStorage) GetHistory(limit int) ([]ClosedPosition, error) {
	q := `SELECT symbol, data, pnl, reason, closed_at FROM position_history ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ClosedPosition
	for rows.Next() {
		var cp ClosedPosition
		var data, closedAt string
		if err := rows.Scan(&cp.Symbol, &data, &cp.PnL, &cp.Reason, &closedAt); err != nil {
			return nil, err
		}
		pos, err := unmarshalPosition(data)
		if err != nil {
			return nil, err
		}
		cp.Position = *pos
		cp.ClosedAt, _ = time.Parse(time.RFC3339Nano, closedAt)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// GetStatistics aggregates closed-trade performance.
func (s *SQLiteStorage) GetStatistics() (*Statistics, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(pnl), 0),
		       COALESCE(MAX(pnl), 0),
		       COALESCE(MIN(pnl), 0)
		FROM position_history`)

	st := &Statistics{}
	var maxPnL, minPnL float64
	if err := row.Scan(&st.TotalTrades, &st.WinningTrades, &st.LosingTrades,
		&st.TotalPnL, &maxPnL, &minPnL); err != nil {
		return nil, fmt.Errorf("load statistics: %w", err)
	}
	if maxPnL > 0 {
		st.LargestWin = maxPnL
	}
	if minPnL < 0 {
		st.LargestLoss = minPnL
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.WinningTrades) / float64(st.TotalTrades)
	}
	return st, nil
}

// AppendTrace writes one decision trace. Traces are append-only.
func (s *SQLiteStorage) AppendTrace(trace models.Trace) error {
	payload, err := json.Marshal(trace.Payload)
	if err != nil {
		return fmt.Errorf("marshal trace payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`INSERT INTO traces(ts, decision_id, symbol, kind, payload) VALUES(?, ?, ?, ?, ?)`,
		trace.Timestamp.UTC().Format(time.RFC3339Nano), trace.DecisionID, trace.Symbol,
		string(trace.Kind), string(payload))
	if err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// GetTraces returns all traces for one decision, oldest first.
func (s *SQLiteStorage) GetTraces(decisionID string) ([]models.Trace, error) {
	rows, err := s.db.Query(
		`SELECT ts, decision_id, symbol, kind, payload FROM traces WHERE decision_id = ? ORDER BY id`,
		decisionID)
	if err != nil {
		return nil, fmt.Errorf("load traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Trace
	for rows.Next() {
		var tr models.Trace
		var ts, kind, payload string
		if err := rows.Scan(&ts, &tr.DecisionID, &tr.Symbol, &kind, &payload); err != nil {
			return nil, err
		}
		tr.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		tr.Kind = models.TraceKind(kind)
		if err := json.Unmarshal([]byte(payload), &tr.Payload); err != nil {
			return nil, fmt.Errorf("decode trace payload: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// SaveIntentHash records a placement intent. Saving the same hash twice is
// not an error; the first timestamp wins.
func (s *SQLiteStorage) SaveIntentHash(hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR IGNORE INTO intent_hashes(hash, created_at) VALUES(?, ?)`,
		hash, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save intent hash: %w", err)
	}
	return nil
}

// SeenIntentHash reports whether the hash was recorded at or after since.
func (s *SQLiteStorage) SeenIntentHash(hash string, since time.Time) (bool, error) {
	var createdAt string
	err := s.db.QueryRow(`SELECT created_at FROM intent_hashes WHERE hash = ?`, hash).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup intent hash: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return false, fmt.Errorf("parse intent hash timestamp: %w", err)
	}
	return !at.Before(since), nil
}

// PruneIntentHashes drops hashes older than before.
func (s *SQLiteStorage) PruneIntentHashes(before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM intent_hashes WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("prune intent hashes: %w", err)
	}
	return nil
}

// LoadIntentHashes returns hashes recorded at or after since, for warming the
// executor's in-memory window on startup.
func (s *SQLiteStorage) LoadIntentHashes(since time.Time) (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT hash, created_at FROM intent_hashes WHERE created_at >= ?`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("load intent hashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]time.Time{}
	for rows.Next() {
		var hash, createdAt string
		if err := rows.Scan(&hash, &createdAt); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			continue
		}
		out[hash] = at
	}
	return out, rows.Err()
}

// SaveAccountSnapshot appends one equity observation.
func (s *SQLiteStorage) SaveAccountSnapshot(snap AccountSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO account_snapshots(ts, equity, available_margin, used_margin, unrealized_pnl)
		VALUES(?, ?, ?, ?, ?)`,
		snap.Timestamp.UTC().Format(time.RFC3339Nano), snap.Equity,
		snap.AvailableMargin, snap.UsedMargin, snap.UnrealizedPnL)
	if err != nil {
		return fmt.Errorf("save account snapshot: %w", err)
	}
	return nil
}

// LatestAccountSnapshot returns the most recent snapshot, nil when none
// exists yet.
func (s *SQLiteStorage) LatestAccountSnapshot() (*AccountSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT ts, equity, available_margin, used_margin, unrealized_pnl
		FROM account_snapshots ORDER BY id DESC LIMIT 1`)

	var snap AccountSnapshot
	var ts string
	err := row.Scan(&ts, &snap.Equity, &snap.AvailableMargin, &snap.UsedMargin, &snap.UnrealizedPnL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account snapshot: %w", err)
	}
	snap.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return &snap, nil
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func unmarshalPosition(data string) (*models.ManagedPosition, error) {
	var pos models.ManagedPosition
	if err := json.Unmarshal([]byte(data), &pos); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	return &pos, nil
}
