package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore backs the Store and TradingLogger interfaces with a local
// sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trading_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		symbol TEXT NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trading_log_ts ON trading_log (timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("store: remove %s: %w", key, err)
	}
	return nil
}

// AppendLog writes one entry and prunes the log to the configured cap.
func (s *SQLiteStore) AppendLog(entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO trading_log (timestamp, kind, symbol, message) VALUES (?, ?, ?, ?)`,
		entry.Timestamp.UnixMilli(), entry.Kind, entry.Symbol, entry.Message)
	if err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}
	_, err = s.db.Exec(`DELETE FROM trading_log WHERE id NOT IN (SELECT id FROM trading_log ORDER BY id DESC LIMIT ?)`,
		tradingLogCap)
	if err != nil {
		return fmt.Errorf("store: prune log: %w", err)
	}
	return nil
}

// RecentLogs returns up to limit entries, most recent first.
func (s *SQLiteStore) RecentLogs(limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > tradingLogCap {
		limit = tradingLogCap
	}
	rows, err := s.db.Query(`SELECT timestamp, kind, symbol, message FROM trading_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent logs: %w", err)
	}
	defer rows.Close()
	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts int64
		if err := rows.Scan(&ts, &e.Kind, &e.Symbol, &e.Message); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
