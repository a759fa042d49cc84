package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("store: key not found")

// Store is the key/value persistence surface used for credentials, proxy
// mode, permission snapshots, risk settings, strategy definitions and
// backtest results. Values are opaque strings; callers that need structure
// go through GetJSON/SetJSON.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
	Close() error
}

// Well-known keys.
const (
	KeyAPICredentials  = "api_credentials"
	KeyProxyMode       = "proxy_mode"
	KeyPermissions     = "exchange_permissions"
	KeyRiskSettings    = "risk_settings"
	KeyStrategies      = "strategy_definitions"
	KeyBacktestResults = "backtest_results"
)

// tradingLogCap bounds the persisted trading log to the most recent entries.
const tradingLogCap = 100

// LogEntry is one line of the persisted trading log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
}

// TradingLogger persists a capped, most-recent-first activity log.
type TradingLogger interface {
	AppendLog(entry LogEntry) error
	RecentLogs(limit int) ([]LogEntry, error)
}

// GetJSON fetches a key and unmarshals it into target.
func GetJSON(s Store, key string, target interface{}) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals value and stores it under key.
func SetJSON(s Store, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Set(key, string(raw))
}
