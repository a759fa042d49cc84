package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func openStores(t *testing.T) map[string]interface {
	Store
	TradingLogger
} {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]interface {
		Store
		TradingLogger
	}{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestKVRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
			}
			if err := s.Set(KeyProxyMode, "direct"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := s.Get(KeyProxyMode)
			if err != nil || got != "direct" {
				t.Fatalf("Get = %q, %v; want direct", got, err)
			}
			// Overwrite.
			if err := s.Set(KeyProxyMode, "proxy"); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			if got, _ := s.Get(KeyProxyMode); got != "proxy" {
				t.Fatalf("Get after overwrite = %q, want proxy", got)
			}
			if err := s.Remove(KeyProxyMode); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if _, err := s.Get(KeyProxyMode); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after remove = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			type settings struct {
				Threshold float64 `json:"threshold"`
				Enabled   bool    `json:"enabled"`
			}
			in := settings{Threshold: 2.5, Enabled: true}
			if err := SetJSON(s, KeyRiskSettings, in); err != nil {
				t.Fatalf("SetJSON: %v", err)
			}
			var out settings
			if err := GetJSON(s, KeyRiskSettings, &out); err != nil {
				t.Fatalf("GetJSON: %v", err)
			}
			if out != in {
				t.Fatalf("GetJSON = %+v, want %+v", out, in)
			}
		})
	}
}

func TestTradingLogCapAndOrder(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < tradingLogCap+20; i++ {
				err := s.AppendLog(LogEntry{
					Kind:    "buy_executed",
					Symbol:  "BTCUSDT",
					Message: fmt.Sprintf("entry %d", i),
				})
				if err != nil {
					t.Fatalf("AppendLog %d: %v", i, err)
				}
			}
			logs, err := s.RecentLogs(0)
			if err != nil {
				t.Fatalf("RecentLogs: %v", err)
			}
			if len(logs) != tradingLogCap {
				t.Fatalf("log length = %d, want capped at %d", len(logs), tradingLogCap)
			}
			// Most recent first; the newest entry is the last appended.
			want := fmt.Sprintf("entry %d", tradingLogCap+19)
			if logs[0].Message != want {
				t.Fatalf("logs[0] = %q, want %q", logs[0].Message, want)
			}
			// The oldest surviving entry is 100 back from the newest.
			wantOldest := fmt.Sprintf("entry %d", 20)
			if logs[len(logs)-1].Message != wantOldest {
				t.Fatalf("oldest = %q, want %q", logs[len(logs)-1].Message, wantOldest)
			}

			limited, err := s.RecentLogs(5)
			if err != nil {
				t.Fatalf("RecentLogs(5): %v", err)
			}
			if len(limited) != 5 {
				t.Fatalf("limited length = %d, want 5", len(limited))
			}
		})
	}
}
