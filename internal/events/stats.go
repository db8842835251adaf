package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	_ "modernc.org/sqlite"

	"github.com/accountorch/orchestrator/internal/breaker"
)

// Snapshot is one stats-report sample (spec.md §4.7 background loops):
// counters per status bucket, concurrent ops, breaker state, proxy
// assignment, rate-limit occupancy, memory.
type Snapshot struct {
	Timestamp       time.Time      `json:"ts"`
	StatusCounts    map[string]int `json:"status_counts"`
	ConcurrentOps   int            `json:"concurrent_ops"`
	GateCapacity    int            `json:"gate_capacity"`
	BreakerState    breaker.State  `json:"breaker_state"`
	ProxiesAssigned int            `json:"proxies_assigned"`
	RateLimited     int            `json:"rate_limited_accounts"`
	AllocBytes      uint64         `json:"alloc_bytes"`
}

// StatsStore persists periodic Snapshots to sqlite, grounded on the
// teacher's internal/store SQLiteStore (single open connection, WAL mode,
// schema created on New) — repurposed from account/session storage to a
// single append-only snapshots table, since the Account Registry already
// owns data.json per spec.md §6.
type StatsStore struct {
	db *sql.DB
}

func NewStatsStore(dbPath string) (*StatsStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		payload TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &StatsStore{db: db}, nil
}

func (s *StatsStore) Close() error { return s.db.Close() }

func (s *StatsStore) Record(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshots (ts, payload) VALUES (?, ?)`,
		snap.Timestamp.Format(time.RFC3339), string(payload))
	return err
}

// Recent returns the last n snapshots, most recent first.
func (s *StatsStore) Recent(ctx context.Context, n int) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM snapshots ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// CurrentMemory is a light helper the stats-report loop calls to populate
// AllocBytes without the dispatcher needing to import runtime directly.
func CurrentMemory() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}
