package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
)

// Snapshot is a persisted strategy with the time it was last written.
type Snapshot struct {
	Strategy models.Strategy
	SavedAt  time.Time
}

// SQLiteSnapshots persists the last known state of each strategy so it can be
// shown while the strategy service is unreachable.
type SQLiteSnapshots struct {
	db *sql.DB
}

// NewSQLiteSnapshots opens (creating if needed) the snapshot database.
func NewSQLiteSnapshots(dbPath string) (*SQLiteSnapshots, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer; the store serialises mutations anyway.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteSnapshots{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSnapshots) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS strategies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		underlying TEXT NOT NULL,
		expiry_date TEXT NOT NULL,
		strategy_type TEXT NOT NULL,
		total_pnl REAL NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		first_seen DATETIME NOT NULL,
		saved_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_strategies_underlying ON strategies(underlying);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteSnapshots) Close() error {
	return s.db.Close()
}

// =============================================================================
// Writes
// =============================================================================

// SaveStrategy upserts a strategy snapshot, keeping its first_seen time.
func (s *SQLiteSnapshots) SaveStrategy(ctx context.Context, st models.Strategy) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return errors.NewStoreError("save", fmt.Errorf("encoding strategy %s: %w", st.ID, err))
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, name, underlying, expiry_date, strategy_type, total_pnl, payload, first_seen, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			underlying = excluded.underlying,
			expiry_date = excluded.expiry_date,
			strategy_type = excluded.strategy_type,
			total_pnl = excluded.total_pnl,
			payload = excluded.payload,
			saved_at = excluded.saved_at
	`, st.ID, st.Name, st.Underlying, st.ExpiryDate, string(st.Type), st.TotalPnL, string(payload), now, now)
	if err != nil {
		return errors.NewStoreError("save", err)
	}
	return nil
}

// DeleteStrategy removes a snapshot. Deleting a missing id is not an error.
func (s *SQLiteSnapshots) DeleteStrategy(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id); err != nil {
		return errors.NewStoreError("delete", err)
	}
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// LoadSnapshots returns all snapshots in the order strategies were first seen.
func (s *SQLiteSnapshots) LoadSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, saved_at FROM strategies ORDER BY first_seen, id
	`)
	if err != nil {
		return nil, errors.NewStoreError("load", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var payload string
		var savedAt time.Time
		if err := rows.Scan(&payload, &savedAt); err != nil {
			return nil, errors.NewStoreError("load", err)
		}
		var st models.Strategy
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			return nil, errors.NewStoreError("load", fmt.Errorf("decoding snapshot: %w", err))
		}
		out = append(out, Snapshot{Strategy: st, SavedAt: savedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreError("load", err)
	}
	return out, nil
}

// GetSnapshot returns one snapshot by id.
func (s *SQLiteSnapshots) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	var payload string
	var savedAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT payload, saved_at FROM strategies WHERE id = ?`, id).
		Scan(&payload, &savedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, errors.ErrStrategyNotFound
	}
	if err != nil {
		return Snapshot{}, errors.NewStoreError("get", err)
	}
	var st models.Strategy
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return Snapshot{}, errors.NewStoreError("get", fmt.Errorf("decoding snapshot: %w", err))
	}
	return Snapshot{Strategy: st, SavedAt: savedAt}, nil
}

// Restore loads every snapshot into the store without re-persisting them.
func (s *SQLiteSnapshots) Restore(ctx context.Context, st *StrategyStore) (int, error) {
	snaps, err := s.LoadSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, snap := range snaps {
		if err := st.loadWithoutPersist(snap.Strategy); err == nil {
			loaded++
		}
	}
	return loaded, nil
}

var _ Persister = (*SQLiteSnapshots)(nil)
