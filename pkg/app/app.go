package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saifsoub/smartpicks-trader-sub000/pkg/events"
	"github.com/saifsoub/smartpicks-trader-sub000/pkg/exchange"
	"github.com/saifsoub/smartpicks-trader-sub000/pkg/executor"
	"github.com/saifsoub/smartpicks-trader-sub000/pkg/marketdata"
	"github.com/saifsoub/smartpicks-trader-sub000/pkg/risk"
	"github.com/saifsoub/smartpicks-trader-sub000/pkg/store"
	"github.com/saifsoub/smartpicks-trader-sub000/strategy"
	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

// App is the composition root: it wires the exchange client, market data,
// risk, execution and the event bus, and drives the decision cycle.
type App struct {
	cfg    utilities.AppConfig
	logger *utilities.Logger

	client   *exchange.Client
	provider *marketdata.Provider
	stream   *exchange.StreamClient
	bus      *events.Bus
	st       store.Store
	logbook  store.TradingLogger
	riskMgr  *risk.Manager
	exec     *executor.Executor

	ticker Ticker

	cycleRunning int32
	livePrices   sync.Map // symbol -> float64

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New builds the application from validated configuration. The store is
// opened here; network-dependent setup waits for Run.
func New(cfg utilities.AppConfig, logger *utilities.Logger) (*App, error) {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	var (
		st  store.Store
		lb  store.TradingLogger
		err error
	)
	if cfg.DB.DBPath != "" {
		sqliteStore, openErr := store.NewSQLiteStore(cfg.DB.DBPath)
		if openErr != nil {
			return nil, fmt.Errorf("app: open store: %w", openErr)
		}
		st, lb = sqliteStore, sqliteStore
	} else {
		mem := store.NewMemoryStore()
		st, lb = mem, mem
	}

	applyStoredSettings(st, &cfg, logger)

	client := exchange.NewClient(cfg.Exchange, nil, logger)
	if err = loadCredentials(st, cfg.Exchange, client); err != nil {
		logger.LogWarn("app: credentials: %v", err)
	}

	bus := events.NewBus(logger)
	provider := marketdata.NewProvider(client, logger)

	riskCfg := cfg.Risk
	var stored utilities.RiskConfig
	if err := store.GetJSON(st, store.KeyRiskSettings, &stored); err == nil {
		riskCfg = stored
		logger.LogInfo("app: risk parameters restored from store")
	}
	riskMgr := risk.NewManager(riskCfg, logger)

	a := &App{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		provider: provider,
		bus:      bus,
		st:       st,
		logbook:  lb,
		riskMgr:  riskMgr,
	}

	// Mirror every trading event into the debug log.
	bus.Subscribe("", func(ev events.TradingEvent) {
		logger.LogDebug("app: event %s %s @ %.8f", ev.Kind, ev.Symbol, ev.Price)
	})
	client.OnStatusChange(func(_, current exchange.ConnectionStatus) {
		bus.Publish(events.TradingEvent{Kind: events.KindConnectionState, Strategy: current.String()})
	})
	return a, nil
}

// strategySettings is the persisted strategy definition set.
type strategySettings struct {
	Aggressiveness string                 `json:"aggressiveness"`
	Timeframes     []string               `json:"timeframes"`
	Fusion         utilities.FusionConfig `json:"fusion"`
}

// applyStoredSettings overlays the persisted proxy-mode flag and strategy
// definitions onto the configuration, seeding the store from the config file
// on first run.
func applyStoredSettings(st store.Store, cfg *utilities.AppConfig, logger *utilities.Logger) {
	var useProxy bool
	switch err := store.GetJSON(st, store.KeyProxyMode, &useProxy); {
	case err == nil:
		if useProxy != cfg.Exchange.UseProxy {
			logger.LogInfo("app: proxy mode %v restored from store", useProxy)
			cfg.Exchange.UseProxy = useProxy
		}
	case errors.Is(err, store.ErrNotFound):
		if err := store.SetJSON(st, store.KeyProxyMode, cfg.Exchange.UseProxy); err != nil {
			logger.LogWarn("app: persist proxy mode: %v", err)
		}
	}

	var strat strategySettings
	switch err := store.GetJSON(st, store.KeyStrategies, &strat); {
	case err == nil:
		if strat.Aggressiveness != "" {
			cfg.Trading.Aggressiveness = strat.Aggressiveness
		}
		if len(strat.Timeframes) > 0 {
			cfg.Trading.Timeframes = strat.Timeframes
		}
		if strat.Fusion.AggressiveConfirmations > 0 {
			cfg.Fusion = strat.Fusion
		}
		logger.LogInfo("app: strategy definitions restored from store")
	case errors.Is(err, store.ErrNotFound):
		seed := strategySettings{
			Aggressiveness: cfg.Trading.Aggressiveness,
			Timeframes:     cfg.Trading.Timeframes,
			Fusion:         cfg.Fusion,
		}
		if err := store.SetJSON(st, store.KeyStrategies, seed); err != nil {
			logger.LogWarn("app: persist strategy definitions: %v", err)
		}
	}
}

// loadCredentials prefers persisted credentials and falls back to the
// config file, persisting them for the next start.
func loadCredentials(st store.Store, cfg utilities.ExchangeConfig, client *exchange.Client) error {
	var creds exchange.Credentials
	if err := store.GetJSON(st, store.KeyAPICredentials, &creds); err == nil && creds.IsSet() {
		client.SetCredentials(creds)
		return nil
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return errors.New("no credentials configured; public endpoints only")
	}
	creds = exchange.Credentials{APIKey: cfg.APIKey, APISecret: cfg.APISecret}
	client.SetCredentials(creds)
	return store.SetJSON(st, store.KeyAPICredentials, creds)
}

// Bus exposes the event bus for subscribers outside the core loop.
func (a *App) Bus() *events.Bus { return a.bus }

// Executor exposes the position ledger.
func (a *App) Executor() *executor.Executor { return a.exec }

// Run performs startup probes, builds the executor, starts the market
// stream and drives decision cycles until the context ends or Stop is
// called. The ticker may be injected beforehand via SetTicker; otherwise an
// interval ticker from configuration is used.
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	defer a.Stop()

	a.client.Probe(ctx)
	if a.client.Status() != exchange.StatusConnected {
		a.logger.LogWarn("app: exchange unreachable at startup, reconnection scheduled")
	}

	perms, err := a.client.ProbePermissions(ctx)
	if err != nil {
		a.logger.LogWarn("app: permission probe failed: %v", err)
		if restoreErr := store.GetJSON(a.st, store.KeyPermissions, &perms); restoreErr == nil {
			a.logger.LogInfo("app: using cached permissions from %s (read=%v trade=%v)",
				perms.CheckedAt.Format(time.RFC3339), perms.CanRead, perms.CanTrade)
		}
	} else {
		a.logger.LogInfo("app: permissions read=%v trade=%v", perms.CanRead, perms.CanTrade)
		if persistErr := store.SetJSON(a.st, store.KeyPermissions, perms); persistErr != nil {
			a.logger.LogWarn("app: persist permissions: %v", persistErr)
		}
	}

	symbolInfo, err := a.provider.Symbols(ctx, a.cfg.Trading.Symbols)
	if err != nil {
		a.logger.LogWarn("app: exchange info unavailable (%v), order quantization disabled", err)
		symbolInfo = map[string]marketdata.SymbolInfo{}
	}

	simulated := !perms.CanTrade || strings.EqualFold(a.cfg.Environment, "simulation")
	if simulated {
		a.logger.LogWarn("app: starting in simulated mode")
	}
	a.exec = executor.New(a.client, a.provider, a.riskMgr, a.bus, a.logbook, a.logger, executor.Config{
		QuoteCurrency: a.cfg.Trading.QuoteCurrency,
		Symbols:       symbolInfo,
		Simulated:     simulated,
	})

	a.startStream(ctx)

	if a.ticker == nil {
		interval := time.Duration(a.cfg.Trading.CycleIntervalSec) * time.Second
		a.ticker = NewIntervalTicker(interval)
	}
	defer a.ticker.Stop()

	a.logger.LogInfo("app: %s %s started, %d symbol(s), cycle every %ds",
		a.cfg.AppName, a.cfg.Version, len(a.cfg.Trading.Symbols), a.cfg.Trading.CycleIntervalSec)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.ticker.C():
			a.RunCycle(ctx)
		}
	}
}

// SetTicker injects the cycle clock. Must be called before Run.
func (a *App) SetTicker(t Ticker) { a.ticker = t }

// Stop shuts the app down. Idempotent.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		if a.stream != nil {
			a.stream.Stop()
		}
		a.client.StopReconnect()
		if err := a.st.Close(); err != nil {
			a.logger.LogWarn("app: store close: %v", err)
		}
		a.logger.LogInfo("app: stopped")
	})
}

// startStream subscribes to the mini-ticker stream for each symbol and
// keeps a live price map the cycle merges over REST prices.
func (a *App) startStream(ctx context.Context) {
	if a.cfg.Exchange.StreamURL == "" {
		a.logger.LogInfo("app: no stream URL configured, running REST-only")
		return
	}
	streams := make([]string, 0, len(a.cfg.Trading.Symbols))
	for _, s := range a.cfg.Trading.Symbols {
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	a.stream = exchange.NewStreamClient(a.cfg.Exchange, streams, a.logger)
	a.stream.Start(ctx)
	go func() {
		for msg := range a.stream.Messages() {
			var tick struct {
				Symbol string `json:"s"`
				Close  string `json:"c"`
			}
			if err := json.Unmarshal(msg.Data, &tick); err != nil || tick.Symbol == "" {
				continue
			}
			if price, err := utilities.ParseFloatFromInterface(tick.Close); err == nil && price > 0 {
				a.livePrices.Store(tick.Symbol, price)
			}
		}
	}()
}

// RunCycle executes one decision cycle: fetch prices, analyze every symbol
// across the configured timeframes, act on the fused signal, then mark all
// open positions. Reentrant calls while a cycle is in flight are skipped.
func (a *App) RunCycle(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&a.cycleRunning, 0, 1) {
		a.logger.LogWarn("app: previous cycle still running, skipping this tick")
		return
	}
	defer atomic.StoreInt32(&a.cycleRunning, 0)

	start := time.Now()
	prices, err := a.provider.Prices(ctx, a.cfg.Trading.Symbols)
	if err != nil {
		if connErr := a.client.ConnectionError(); connErr != nil {
			a.logger.LogError("app: cycle aborted (%v), re-probing exchange", connErr)
			a.client.Probe(ctx)
			return
		}
		a.logger.LogError("app: price fetch failed, cycle aborted: %v", err)
		return
	}
	// Stream prices are fresher than the REST snapshot when present.
	a.livePrices.Range(func(k, v interface{}) bool {
		prices[k.(string)] = v.(float64)
		return true
	})

	for _, symbol := range a.cfg.Trading.Symbols {
		price, ok := prices[symbol]
		if !ok {
			a.logger.LogWarn("app: no price for %s, skipping", symbol)
			continue
		}
		a.decideSymbol(ctx, symbol, price)
	}

	closed := a.exec.UpdatePositions(ctx, prices)
	for _, trade := range closed {
		a.logger.LogInfo("app: %s closed by %s at %.8f (%+.2f%%)",
			trade.Position.Symbol, trade.Reason, trade.ExitPrice, trade.PnLPct)
	}

	a.bus.Publish(events.TradingEvent{Kind: events.KindCycleComplete})
	a.logger.LogDebug("app: cycle finished in %s", time.Since(start).Round(time.Millisecond))
}

// decideSymbol runs the multi-timeframe analysis and acts on the decision.
func (a *App) decideSymbol(ctx context.Context, symbol string, price float64) {
	frames := make([]strategy.TimeframeAnalysis, 0, len(a.cfg.Trading.Timeframes))
	var lastATR float64
	for _, tf := range a.cfg.Trading.Timeframes {
		candles, err := a.provider.Klines(ctx, symbol, tf, a.cfg.Trading.KlineLimit)
		if err != nil {
			a.logger.LogWarn("app: klines %s %s: %v", symbol, tf, err)
			continue
		}
		analysis := strategy.AnalyzeTimeframe(tf, candles, a.cfg.Indicators)
		frames = append(frames, analysis)
		if analysis.ATR > 0 {
			lastATR = analysis.ATR
		}
	}
	if len(frames) == 0 {
		return
	}

	decision := strategy.Fuse(symbol, a.cfg.Trading.Aggressiveness, frames, a.cfg.Fusion)
	a.logger.LogDebug("app: %s%s%s fused %s (buy=%d sell=%d hold=%d)",
		utilities.ColorYellow, symbol, utilities.ColorReset, decision.Signal,
		decision.Votes[strategy.SignalBuy], decision.Votes[strategy.SignalSell], decision.Votes[strategy.SignalHold])

	_, hasPosition := a.exec.Position(symbol)
	switch decision.Signal {
	case strategy.SignalBuy:
		if hasPosition {
			return
		}
		if _, err := a.exec.Buy(ctx, symbol, price, lastATR, decision.Strategy); err != nil {
			if errors.Is(err, risk.ErrDailyLossLimit) || errors.Is(err, risk.ErrMaxPositions) || errors.Is(err, risk.ErrMaxExposure) {
				a.logger.LogInfo("app: buy %s blocked: %v", symbol, err)
			} else {
				a.logger.LogError("app: buy %s: %v", symbol, err)
			}
		}
	case strategy.SignalSell:
		if !hasPosition {
			return
		}
		if _, err := a.exec.Sell(ctx, symbol, price, "signal"); err != nil && !errors.Is(err, executor.ErrNoPosition) {
			a.logger.LogError("app: sell %s: %v", symbol, err)
		}
	}
}

// UpdateRiskParameters swaps the active risk settings and persists them.
func (a *App) UpdateRiskParameters(p utilities.RiskConfig) error {
	if err := a.riskMgr.UpdateParameters(p); err != nil {
		return err
	}
	return store.SetJSON(a.st, store.KeyRiskSettings, p)
}

// RunBacktests runs the simulator for each configured symbol and persists
// the results.
func (a *App) RunBacktests() ([]strategy.BacktestResult, error) {
	results := make([]strategy.BacktestResult, 0, len(a.cfg.Trading.Symbols))
	for _, symbol := range a.cfg.Trading.Symbols {
		results = append(results, strategy.RunBacktest(symbol, a.cfg.Backtest, a.cfg.Indicators, a.logger))
	}
	if err := store.SetJSON(a.st, store.KeyBacktestResults, results); err != nil {
		return results, fmt.Errorf("app: persist backtest results: %w", err)
	}
	return results, nil
}
