package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saifsoub/smartpicks-trader-sub000/pkg/exchange"
	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

func newTestProvider(t *testing.T, handler http.Handler) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := utilities.NewLogger(utilities.Error)
	client := exchange.NewClient(utilities.ExchangeConfig{
		BaseURL:           srv.URL,
		UseProxy:          false,
		RequestTimeoutSec: 5,
		RetryBaseDelayMs:  1,
		RateLimitPerSec:   1000,
		RateLimitBurst:    1000,
	}, nil, logger)
	client.SetCredentials(exchange.Credentials{APIKey: "key", APISecret: "secret"})
	return NewProvider(client, logger), srv
}

const accountBody = `{"balances":[{"asset":"BTC","free":"0.5","locked":"0.1"},{"asset":"USDT","free":"1000","locked":"0"},{"asset":"DUST","free":"0","locked":"0"}]}`

func TestAccountBalanceCachesForTTL(t *testing.T) {
	var hits int32
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/account" {
			atomic.AddInt32(&hits, 1)
			w.Write([]byte(accountBody))
			return
		}
		w.Write([]byte(`{}`))
	}))

	ctx := context.Background()
	first, err := p.AccountBalance(ctx, false)
	if err != nil {
		t.Fatalf("AccountBalance: %v", err)
	}
	if first.IsFallback {
		t.Fatal("fresh fetch marked as fallback")
	}
	if got := first.Free("USDT"); got != 1000 {
		t.Fatalf("USDT free = %f, want 1000", got)
	}
	if got := first.Total("BTC"); got != 0.6 {
		t.Fatalf("BTC total = %f, want 0.6", got)
	}
	// Zero balances are dropped.
	if got := first.Total("DUST"); got != 0 {
		t.Fatalf("DUST total = %f, want 0", got)
	}

	for i := 0; i < 5; i++ {
		if _, err := p.AccountBalance(ctx, false); err != nil {
			t.Fatalf("cached AccountBalance: %v", err)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("account hits = %d, want 1 within the TTL", n)
	}

	if _, err := p.AccountBalance(ctx, true); err != nil {
		t.Fatalf("forced AccountBalance: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("account hits = %d, want 2 after a forced refresh", n)
	}
}

func TestAccountBalanceSingleFlight(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/account" {
			atomic.AddInt32(&hits, 1)
			<-release
			w.Write([]byte(accountBody))
			return
		}
		w.Write([]byte(`{}`))
	}))

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]AccountSnapshot, 8)
	for i := 0; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := p.AccountBalance(ctx, true)
			if err != nil {
				t.Errorf("concurrent AccountBalance: %v", err)
				return
			}
			results[i] = snap
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("account hits = %d, want 1 shared fetch", n)
	}
	for i, snap := range results {
		if got := snap.Free("USDT"); got != 1000 {
			t.Fatalf("caller %d saw USDT = %f, want 1000", i, got)
		}
	}
}

func TestAccountBalanceTimeoutFallsBackToLastGood(t *testing.T) {
	var slow int32
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/account" {
			if atomic.LoadInt32(&slow) == 1 {
				time.Sleep(500 * time.Millisecond)
			}
			w.Write([]byte(accountBody))
			return
		}
		w.Write([]byte(`{}`))
	}))
	p.waitTimeout = 50 * time.Millisecond

	ctx := context.Background()
	if _, err := p.AccountBalance(ctx, false); err != nil {
		t.Fatalf("seed AccountBalance: %v", err)
	}

	atomic.StoreInt32(&slow, 1)
	snap, err := p.AccountBalance(ctx, true)
	if err != nil {
		t.Fatalf("AccountBalance during slow fetch: %v", err)
	}
	if !snap.IsFallback {
		t.Fatal("snapshot not marked fallback after the wait timed out")
	}
	if got := snap.Free("USDT"); got != 1000 {
		t.Fatalf("fallback USDT = %f, want last good 1000", got)
	}
}

func TestAccountBalanceEmptyFallbackWhenNeverFetched(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	snap, err := p.AccountBalance(context.Background(), false)
	if err != nil {
		t.Fatalf("AccountBalance = %v, want flagged fallback instead of an error", err)
	}
	if !snap.IsFallback {
		t.Fatal("empty fallback set not marked IsFallback")
	}
	if len(snap.Balances) != 0 {
		t.Fatalf("fallback balances = %v, want none", snap.Balances)
	}
	if snap.Free("USDT") != 0 {
		t.Fatalf("fallback USDT = %f, want 0", snap.Free("USDT"))
	}
}

func TestAccountBalanceFallsBackToCapitalConfig(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/account":
			w.WriteHeader(http.StatusUnauthorized)
		case "/sapi/v1/capital/config/getall":
			w.Write([]byte(`[{"coin":"ETH","free":"2.5","locked":"0.5"}]`))
		default:
			w.Write([]byte(`{}`))
		}
	}))

	snap, err := p.AccountBalance(context.Background(), false)
	if err != nil {
		t.Fatalf("AccountBalance: %v", err)
	}
	if got := snap.Total("ETH"); got != 3 {
		t.Fatalf("ETH total = %f, want 3 from capital config", got)
	}
}

func TestPricesFiltersRequestedSymbols(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/ticker/price" {
			w.Write([]byte(`[{"symbol":"BTCUSDT","price":"50000.5"},{"symbol":"ETHUSDT","price":"3000"},{"symbol":"XRPUSDT","price":"1"}]`))
			return
		}
		w.Write([]byte(`{}`))
	}))

	prices, err := p.Prices(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("prices = %v, want exactly the two requested symbols", prices)
	}
	if prices["BTCUSDT"] != 50000.5 {
		t.Fatalf("BTCUSDT = %f, want 50000.5", prices["BTCUSDT"])
	}
}

func TestKlinesParsesAndSorts(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/klines" {
			// Second row is older; the provider must sort ascending.
			w.Write([]byte(`[
				[120000,"101","102","100","101.5","10",129999,"0",1,"0","0","0"],
				[60000,"100","101","99","100.5","12",119999,"0",1,"0","0","0"]
			]`))
			return
		}
		w.Write([]byte(`{}`))
	}))

	candles, err := p.Klines(context.Background(), "BTCUSDT", "1m", 2)
	if err != nil {
		t.Fatalf("Klines: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("candles = %d, want 2", len(candles))
	}
	if candles[0].OpenTime != 60000 || candles[1].OpenTime != 120000 {
		t.Fatalf("candles not sorted: %d, %d", candles[0].OpenTime, candles[1].OpenTime)
	}
	if candles[0].Close != 100.5 {
		t.Fatalf("close = %f, want 100.5", candles[0].Close)
	}
}

func TestSymbolsExtractsFilters(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/exchangeInfo" {
			w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","baseAsset":"BTC","quoteAsset":"USDT","filters":[
				{"filterType":"LOT_SIZE","stepSize":"0.00001","minQty":"0.00001"},
				{"filterType":"PRICE_FILTER","tickSize":"0.01"},
				{"filterType":"NOTIONAL","minNotional":"5"}
			]}]}`))
			return
		}
		w.Write([]byte(`{}`))
	}))

	infos, err := p.Symbols(context.Background(), []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	info, ok := infos["BTCUSDT"]
	if !ok {
		t.Fatal("BTCUSDT missing from exchange info")
	}
	if info.StepSize != 0.00001 || info.TickSize != 0.01 || info.MinNotional != 5 {
		t.Fatalf("filters = %+v, want step 0.00001, tick 0.01, notional 5", info)
	}
}
