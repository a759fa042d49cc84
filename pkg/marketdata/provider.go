package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/saifsoub/smartpicks-trader-sub000/pkg/exchange"
	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

const (
	balanceCacheTTL    = 30 * time.Second
	balanceWaitTimeout = 10 * time.Second
)

// Balance is one asset's free and locked amounts.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// AccountSnapshot is the balance set as of FetchedAt. IsFallback marks a
// snapshot served from the last good cache because a live fetch could not
// complete in time.
type AccountSnapshot struct {
	Balances   []Balance `json:"balances"`
	FetchedAt  time.Time `json:"fetchedAt"`
	IsFallback bool      `json:"isFallback"`
}

// Total returns free+locked for the given asset, zero when absent.
func (s AccountSnapshot) Total(asset string) float64 {
	for _, b := range s.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return b.Free + b.Locked
		}
	}
	return 0
}

// Free returns the free amount for the given asset, zero when absent.
func (s AccountSnapshot) Free(asset string) float64 {
	for _, b := range s.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return b.Free
		}
	}
	return 0
}

// SymbolInfo carries the trading filters needed to quantize orders.
type SymbolInfo struct {
	Symbol      string  `json:"symbol"`
	BaseAsset   string  `json:"baseAsset"`
	QuoteAsset  string  `json:"quoteAsset"`
	StepSize    float64 `json:"stepSize"`
	TickSize    float64 `json:"tickSize"`
	MinQty      float64 `json:"minQty"`
	MinNotional float64 `json:"minNotional"`
}

// Provider exposes prices, klines, symbol metadata and account balances on
// top of the exchange client. Balance reads are cached for 30 seconds and
// deduplicated so concurrent callers share one in-flight fetch.
type Provider struct {
	client *exchange.Client
	logger *utilities.Logger

	sfGroup singleflight.Group

	balMu    sync.Mutex
	balSnap  AccountSnapshot
	balValid bool

	waitTimeout time.Duration
	now         func() time.Time
}

func NewProvider(client *exchange.Client, logger *utilities.Logger) *Provider {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	return &Provider{
		client:      client,
		logger:      logger,
		waitTimeout: balanceWaitTimeout,
		now:         time.Now,
	}
}

// Price fetches the latest price for one symbol.
func (p *Provider) Price(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if err := p.client.Request(ctx, "ticker/price", params, "GET", &resp); err != nil {
		return 0, fmt.Errorf("marketdata: price %s: %w", symbol, err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: price %q for %s", exchange.ErrInvalidResponse, resp.Price, symbol)
	}
	return price, nil
}

// Prices fetches the latest price for every requested symbol in one call.
func (p *Provider) Prices(ctx context.Context, symbols []string) (map[string]float64, error) {
	var resp []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := p.client.Request(ctx, "ticker/price", nil, "GET", &resp); err != nil {
		return nil, fmt.Errorf("marketdata: prices: %w", err)
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	out := make(map[string]float64, len(symbols))
	for _, entry := range resp {
		if !wanted[entry.Symbol] {
			continue
		}
		price, err := strconv.ParseFloat(entry.Price, 64)
		if err != nil {
			p.logger.LogWarn("marketdata: skipping unparseable price %q for %s", entry.Price, entry.Symbol)
			continue
		}
		out[entry.Symbol] = price
	}
	return out, nil
}

// Klines fetches up to limit candles for symbol at the given interval,
// oldest first.
func (p *Provider) Klines(ctx context.Context, symbol, interval string, limit int) ([]utilities.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]json.RawMessage
	if err := p.client.Request(ctx, "klines", params, "GET", &raw); err != nil {
		return nil, fmt.Errorf("marketdata: klines %s %s: %w", symbol, interval, err)
	}
	candles := make([]utilities.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("%w: kline row has %d fields", exchange.ErrInvalidResponse, len(row))
		}
		c, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", exchange.ErrInvalidResponse, err)
		}
		candles = append(candles, c)
	}
	utilities.SortCandlesByOpenTime(candles)
	return candles, nil
}

func parseKlineRow(row []json.RawMessage) (utilities.Candle, error) {
	var c utilities.Candle
	if err := json.Unmarshal(row[0], &c.OpenTime); err != nil {
		return c, fmt.Errorf("kline open time: %v", err)
	}
	fields := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
	for i, dst := range fields {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return c, fmt.Errorf("kline field %d: %v", i+1, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return c, fmt.Errorf("kline field %d value %q: %v", i+1, s, err)
		}
		*dst = v
	}
	return c, nil
}

// Symbols fetches exchange metadata for the given symbols, including the
// lot-size step and price tick filters used for order quantization.
func (p *Provider) Symbols(ctx context.Context, symbols []string) (map[string]SymbolInfo, error) {
	var resp struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	params := url.Values{}
	if len(symbols) > 0 {
		encoded, _ := json.Marshal(symbols)
		params.Set("symbols", string(encoded))
	}
	if err := p.client.Request(ctx, "exchangeInfo", params, "GET", &resp); err != nil {
		return nil, fmt.Errorf("marketdata: exchangeInfo: %w", err)
	}
	out := make(map[string]SymbolInfo, len(resp.Symbols))
	for _, sym := range resp.Symbols {
		info := SymbolInfo{
			Symbol:     sym.Symbol,
			BaseAsset:  sym.BaseAsset,
			QuoteAsset: sym.QuoteAsset,
		}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				info.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
				info.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
			case "PRICE_FILTER":
				info.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			case "NOTIONAL", "MIN_NOTIONAL":
				info.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
			}
		}
		out[sym.Symbol] = info
	}
	return out, nil
}

// AccountBalance returns the account's balances. Results are cached for 30
// seconds; concurrent callers during a refresh share a single in-flight
// fetch and wait at most 10 seconds before falling back to the last good
// snapshot, or to an empty set when nothing was ever fetched — both marked
// IsFallback. forceRefresh bypasses the TTL but still shares any fetch
// already in flight.
func (p *Provider) AccountBalance(ctx context.Context, forceRefresh bool) (AccountSnapshot, error) {
	if !forceRefresh {
		if snap, ok := p.cachedSnapshot(); ok {
			return snap, nil
		}
	}

	ch := p.sfGroup.DoChan("account_balance", func() (interface{}, error) {
		snap, err := p.fetchBalances(context.WithoutCancel(ctx))
		if err != nil {
			return AccountSnapshot{}, err
		}
		p.storeSnapshot(snap)
		return snap, nil
	})

	timer := time.NewTimer(p.waitTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			if snap, ok := p.lastSnapshot(); ok {
				p.logger.LogWarn("marketdata: balance fetch failed (%v), serving cached snapshot from %s", res.Err, snap.FetchedAt.Format(time.RFC3339))
				snap.IsFallback = true
				return snap, nil
			}
			p.logger.LogError("marketdata: balance fetch failed with no cache (%v), serving empty fallback set", res.Err)
			return p.emptyFallback(), nil
		}
		return res.Val.(AccountSnapshot), nil
	case <-timer.C:
		if snap, ok := p.lastSnapshot(); ok {
			p.logger.LogWarn("marketdata: balance fetch still in flight after %s, serving cached snapshot", p.waitTimeout)
			snap.IsFallback = true
			return snap, nil
		}
		p.logger.LogError("marketdata: balance fetch exceeded %s with no cache, serving empty fallback set", p.waitTimeout)
		return p.emptyFallback(), nil
	case <-ctx.Done():
		return AccountSnapshot{}, ctx.Err()
	}
}

// emptyFallback is served when no balances were ever fetched: zero balances,
// unmistakably flagged, so sizing degrades instead of the pipeline failing.
func (p *Provider) emptyFallback() AccountSnapshot {
	return AccountSnapshot{FetchedAt: p.now(), IsFallback: true}
}

func (p *Provider) cachedSnapshot() (AccountSnapshot, bool) {
	snap, ok := p.lastSnapshot()
	if !ok {
		return AccountSnapshot{}, false
	}
	if p.now().Sub(snap.FetchedAt) > balanceCacheTTL {
		return AccountSnapshot{}, false
	}
	return snap, true
}

// fetchBalances prefers the account endpoint and falls back to the capital
// config listing, which some deployments expose with narrower permissions.
func (p *Provider) fetchBalances(ctx context.Context) (AccountSnapshot, error) {
	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	err := p.client.Request(ctx, "account", nil, "GET", &acct)
	if err == nil {
		snap := AccountSnapshot{FetchedAt: p.now()}
		for _, b := range acct.Balances {
			free, _ := strconv.ParseFloat(b.Free, 64)
			locked, _ := strconv.ParseFloat(b.Locked, 64)
			if free == 0 && locked == 0 {
				continue
			}
			snap.Balances = append(snap.Balances, Balance{Asset: b.Asset, Free: free, Locked: locked})
		}
		return snap, nil
	}
	p.logger.LogWarn("marketdata: account endpoint failed (%v), trying capital config", err)

	var coins []struct {
		Coin   string `json:"coin"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	}
	if err2 := p.client.Request(ctx, "capital/config/getall", nil, "GET", &coins); err2 != nil {
		return AccountSnapshot{}, err
	}
	snap := AccountSnapshot{FetchedAt: p.now()}
	for _, c := range coins {
		free, _ := strconv.ParseFloat(c.Free, 64)
		locked, _ := strconv.ParseFloat(c.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		snap.Balances = append(snap.Balances, Balance{Asset: c.Coin, Free: free, Locked: locked})
	}
	return snap, nil
}

func (p *Provider) storeSnapshot(snap AccountSnapshot) {
	p.balMu.Lock()
	p.balSnap = snap
	p.balValid = true
	p.balMu.Unlock()
}

func (p *Provider) lastSnapshot() (AccountSnapshot, bool) {
	p.balMu.Lock()
	defer p.balMu.Unlock()
	if !p.balValid {
		return AccountSnapshot{}, false
	}
	snap := p.balSnap
	snap.Balances = append([]Balance(nil), p.balSnap.Balances...)
	return snap, true
}
