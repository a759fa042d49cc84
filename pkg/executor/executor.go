package executor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/saifsoub/smartpicks-trader-sub000/pkg/events"
	"github.com/saifsoub/smartpicks-trader-sub000/pkg/exchange"
	"github.com/saifsoub/smartpicks-trader-sub000/pkg/marketdata"
	"github.com/saifsoub/smartpicks-trader-sub000/pkg/risk"
	"github.com/saifsoub/smartpicks-trader-sub000/pkg/store"
	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

var (
	ErrPositionExists = errors.New("executor: position already open for symbol")
	ErrNoPosition     = errors.New("executor: no open position for symbol")
)

// degradeAfterNetworkErrors is the consecutive-failure count that flips the
// executor into simulated mode.
const degradeAfterNetworkErrors = 3

// Position is one open long, at most one per symbol.
type Position struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	HighWater    float64   `json:"high_water"`
	TrailingStop float64   `json:"trailing_stop"`
	Strategy     string    `json:"strategy"`
	Simulated    bool      `json:"simulated"`
	OpenedAt     time.Time `json:"opened_at"`
}

// ClosedTrade records a completed round trip.
type ClosedTrade struct {
	Position  Position  `json:"position"`
	ExitPrice float64   `json:"exit_price"`
	PnLPct    float64   `json:"pnl_pct"`
	Reason    string    `json:"reason"`
	ClosedAt  time.Time `json:"closed_at"`
}

// Executor owns the position ledger and order placement. After three
// consecutive network-class failures it degrades into simulated mode:
// orders are recorded locally without touching the exchange, and a single
// trading_degraded event announces the switch.
type Executor struct {
	client   *exchange.Client
	provider *marketdata.Provider
	riskMgr  *risk.Manager
	bus      *events.Bus
	logbook  store.TradingLogger
	logger   *utilities.Logger

	quote   string
	symbols map[string]marketdata.SymbolInfo

	mu        sync.Mutex
	positions map[string]*Position
	symLocks  map[string]*sync.Mutex

	netErrStreak int
	simulated    bool
	degradedSent bool

	now func() time.Time
}

type Config struct {
	QuoteCurrency string
	Symbols       map[string]marketdata.SymbolInfo
	Simulated     bool
}

func New(client *exchange.Client, provider *marketdata.Provider, riskMgr *risk.Manager, bus *events.Bus, logbook store.TradingLogger, logger *utilities.Logger, cfg Config) *Executor {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	return &Executor{
		client:    client,
		provider:  provider,
		riskMgr:   riskMgr,
		bus:       bus,
		logbook:   logbook,
		logger:    logger,
		quote:     cfg.QuoteCurrency,
		symbols:   cfg.Symbols,
		simulated: cfg.Simulated,
		positions: make(map[string]*Position),
		symLocks:  make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// symbolLock returns the per-symbol mutex, creating it on first use. All
// writes to a symbol's position go through this lock so concurrent cycles
// cannot interleave a buy and a sell on the same symbol.
func (e *Executor) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.symLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		e.symLocks[symbol] = lock
	}
	return lock
}

// Simulated reports whether orders bypass the exchange.
func (e *Executor) Simulated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.simulated
}

// DisableSimulatedMode re-arms live trading and the degradation latch.
func (e *Executor) DisableSimulatedMode() {
	e.mu.Lock()
	e.simulated = false
	e.degradedSent = false
	e.netErrStreak = 0
	e.mu.Unlock()
	e.logger.LogInfo("executor: simulated mode disabled, live trading re-armed")
}

// Positions returns a snapshot of all open positions.
func (e *Executor) Positions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// Position returns the open position for symbol, if any.
func (e *Executor) Position(symbol string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Buy opens a long on symbol at roughly price, sized by the risk manager
// against the current account equity. atr tunes stop placement. Returns the
// opened position.
func (e *Executor) Buy(ctx context.Context, symbol string, price, atr float64, strategy string) (Position, error) {
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	if _, open := e.Position(symbol); open {
		return Position{}, ErrPositionExists
	}
	equity, err := e.accountEquity(ctx)
	if err != nil {
		return Position{}, fmt.Errorf("executor: equity for %s: %w", symbol, err)
	}
	if err := e.riskMgr.CanOpen(e.openCount(), e.openExposurePct(equity)); err != nil {
		return Position{}, err
	}
	stop := e.riskMgr.StopLoss(price, atr)
	target := e.riskMgr.TakeProfit(price, atr)
	quoteAmount := e.riskMgr.PositionSize(equity, price, stop)
	qty := e.quantize(symbol, quoteAmount/price)
	if qty <= 0 {
		return Position{}, fmt.Errorf("executor: %s size %.8f below lot minimum", symbol, quoteAmount/price)
	}

	pos := &Position{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Quantity:   qty,
		EntryPrice: price,
		StopLoss:   stop,
		TakeProfit: target,
		HighWater:  price,
		Strategy:   strategy,
		OpenedAt:   e.now(),
	}

	if !e.Simulated() {
		if err := e.placeOrder(ctx, symbol, "BUY", qty, pos.ID); err != nil {
			if e.noteNetworkError(err) {
				pos.Simulated = true
			} else {
				return Position{}, fmt.Errorf("executor: buy %s: %w", symbol, err)
			}
		} else {
			e.resetNetworkErrors()
		}
	} else {
		pos.Simulated = true
	}

	e.mu.Lock()
	e.positions[symbol] = pos
	e.mu.Unlock()

	e.logger.LogInfo("executor: %sBUY%s %s qty %.8f @ %.8f (stop %.8f, target %.8f, simulated=%v)",
		utilities.ColorCyan, utilities.ColorReset, symbol, qty, price, stop, target, pos.Simulated)
	e.record(events.KindBuyExecuted, symbol, price, strategy,
		fmt.Sprintf("buy %.8f @ %.8f", qty, price))
	e.record(events.KindPositionOpened, symbol, price, strategy,
		fmt.Sprintf("position %s opened", pos.ID))
	return *pos, nil
}

// Sell closes the open position on symbol at roughly price.
func (e *Executor) Sell(ctx context.Context, symbol string, price float64, reason string) (ClosedTrade, error) {
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()
	return e.closeLocked(ctx, symbol, price, reason)
}

// closeLocked performs the close. Caller holds the symbol lock.
func (e *Executor) closeLocked(ctx context.Context, symbol string, price float64, reason string) (ClosedTrade, error) {
	e.mu.Lock()
	pos, ok := e.positions[symbol]
	e.mu.Unlock()
	if !ok {
		return ClosedTrade{}, ErrNoPosition
	}

	if !pos.Simulated && !e.Simulated() {
		if err := e.placeOrder(ctx, symbol, "SELL", pos.Quantity, uuid.NewString()); err != nil {
			if !e.noteNetworkError(err) {
				return ClosedTrade{}, fmt.Errorf("executor: sell %s: %w", symbol, err)
			}
			// Degraded mid-close: record the exit locally so the ledger
			// does not wedge on an unreachable exchange.
			e.logger.LogWarn("executor: closing %s locally after network failure", symbol)
		} else {
			e.resetNetworkErrors()
		}
	}

	e.mu.Lock()
	delete(e.positions, symbol)
	e.mu.Unlock()

	pnlPct := (price - pos.EntryPrice) / pos.EntryPrice * 100
	e.riskMgr.RecordTradeResult(pnlPct)
	trade := ClosedTrade{
		Position:  *pos,
		ExitPrice: price,
		PnLPct:    pnlPct,
		Reason:    reason,
		ClosedAt:  e.now(),
	}

	color := utilities.ColorCyan
	if pnlPct < 0 {
		color = utilities.ColorRed
	}
	e.logger.LogInfo("executor: %sSELL%s %s qty %.8f @ %.8f (%+.2f%%, %s)",
		color, utilities.ColorReset, symbol, pos.Quantity, price, pnlPct, reason)
	e.record(events.KindSellExecuted, symbol, price, pos.Strategy,
		fmt.Sprintf("sell %.8f @ %.8f (%s)", pos.Quantity, price, reason))
	e.record(events.KindPositionClosed, symbol, price, pos.Strategy,
		fmt.Sprintf("position %s closed %+.2f%%", pos.ID, pnlPct))
	return trade, nil
}

// UpdatePositions marks every open position to the latest prices, ratchets
// trailing stops, and closes positions whose stop or target has been hit.
func (e *Executor) UpdatePositions(ctx context.Context, prices map[string]float64) []ClosedTrade {
	var closed []ClosedTrade
	params := e.riskMgr.Parameters()
	for _, symbol := range e.openSymbols() {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}
		lock := e.symbolLock(symbol)
		lock.Lock()
		exit, reason := e.markLocked(symbol, price, params)
		if exit {
			if trade, err := e.closeLocked(ctx, symbol, price, reason); err == nil {
				closed = append(closed, trade)
			} else if !errors.Is(err, ErrNoPosition) {
				e.logger.LogError("executor: closing %s: %v", symbol, err)
			}
		}
		lock.Unlock()
	}
	return closed
}

// markLocked updates the high-water mark and trailing stop; reports whether
// the position should be exited. The trail arms only once price has advanced
// beyond entry by the trailing percentage; it then only moves up, and once
// it rises above the original stop it becomes the effective stop.
func (e *Executor) markLocked(symbol string, price float64, params utilities.RiskConfig) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return false, ""
	}
	if price > pos.HighWater {
		pos.HighWater = price
	}
	if params.TrailingStopEnabled && params.TrailingStopPct > 0 &&
		pos.HighWater > pos.EntryPrice*(1+params.TrailingStopPct/100) {
		candidate := pos.HighWater * (1 - params.TrailingStopPct/100)
		if candidate > pos.TrailingStop {
			pos.TrailingStop = candidate
		}
		if pos.TrailingStop > pos.StopLoss {
			pos.StopLoss = pos.TrailingStop
		}
	}
	if price >= pos.TakeProfit {
		return true, "take_profit"
	}
	if price <= pos.StopLoss {
		return true, "stop_loss"
	}
	return false, ""
}

func (e *Executor) openSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.positions))
	for s := range e.positions {
		out = append(out, s)
	}
	return out
}

func (e *Executor) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// openExposurePct values every open position at its entry price as a
// percentage of the given equity.
func (e *Executor) openExposurePct(equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	committed := 0.0
	for _, p := range e.positions {
		committed += p.Quantity * p.EntryPrice
	}
	return committed / equity * 100
}

// placeOrder submits a market order with a client-generated order ID. The
// call is detached from the caller's cancellation so an orchestrator
// shutdown cannot abort an order already on its way out.
func (e *Executor) placeOrder(ctx context.Context, symbol, side string, qty float64, clientOrderID string) error {
	ctx = context.WithoutCancel(ctx)
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", decimal.NewFromFloat(qty).String())
	params.Set("newClientOrderId", clientOrderID)
	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
	}
	if err := e.client.Request(ctx, "order", params, "POST", &resp); err != nil {
		return err
	}
	e.logger.LogDebug("executor: order %s accepted as %d (%s)", clientOrderID, resp.OrderID, resp.Status)
	return nil
}

// quantize floors qty to the symbol's lot step. Unknown symbols pass
// through unmodified.
func (e *Executor) quantize(symbol string, qty float64) float64 {
	info, ok := e.symbols[symbol]
	if !ok || info.StepSize <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(info.StepSize)
	q := decimal.NewFromFloat(qty).Div(step).Floor().Mul(step)
	out, _ := q.Float64()
	if out < info.MinQty {
		return 0
	}
	return out
}

// accountEquity values the quote-currency balance; fallback snapshots are
// accepted so a stale balance degrades sizing rather than blocking trades.
func (e *Executor) accountEquity(ctx context.Context) (float64, error) {
	snap, err := e.provider.AccountBalance(ctx, false)
	if err != nil {
		return 0, err
	}
	if snap.IsFallback {
		e.logger.LogWarn("executor: sizing from fallback balance snapshot (%s)", snap.FetchedAt.Format(time.RFC3339))
	}
	return snap.Free(e.quote), nil
}

// noteNetworkError bumps the consecutive network-failure streak. When the
// streak reaches the threshold the executor flips to simulated mode and
// emits trading_degraded exactly once. Returns true when the error was
// network-class (the caller should fall back to a simulated fill).
func (e *Executor) noteNetworkError(err error) bool {
	if !exchange.IsNetworkClass(err) {
		return false
	}
	e.mu.Lock()
	e.netErrStreak++
	streak := e.netErrStreak
	trip := streak >= degradeAfterNetworkErrors && !e.simulated
	if trip {
		e.simulated = true
	}
	announce := trip && !e.degradedSent
	if announce {
		e.degradedSent = true
	}
	e.mu.Unlock()

	e.logger.LogWarn("executor: network failure %d/%d: %v", streak, degradeAfterNetworkErrors, err)
	if announce {
		e.logger.LogError("executor: %d consecutive network failures, switching to simulated mode", degradeAfterNetworkErrors)
		e.record(events.KindTradingDegraded, "", 0, "",
			fmt.Sprintf("simulated mode after %d network failures", degradeAfterNetworkErrors))
	}
	e.mu.Lock()
	simulated := e.simulated
	e.mu.Unlock()
	return simulated
}

func (e *Executor) resetNetworkErrors() {
	e.mu.Lock()
	e.netErrStreak = 0
	e.mu.Unlock()
}

// record publishes a bus event and appends it to the persisted log.
func (e *Executor) record(kind, symbol string, price float64, strategy, message string) {
	if e.bus != nil {
		e.bus.Publish(events.TradingEvent{
			Kind:     kind,
			Symbol:   symbol,
			Price:    price,
			Strategy: strategy,
		})
	}
	if e.logbook != nil {
		if err := e.logbook.AppendLog(store.LogEntry{Kind: kind, Symbol: symbol, Message: message}); err != nil {
			e.logger.LogWarn("executor: trading log write failed: %v", err)
		}
	}
}
