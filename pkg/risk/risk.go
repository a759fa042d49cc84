package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

var (
	ErrDailyLossLimit   = errors.New("risk: daily loss limit reached")
	ErrMaxPositions     = errors.New("risk: max open positions reached")
	ErrMaxExposure      = errors.New("risk: max open exposure reached")
	ErrInvalidParameter = errors.New("risk: invalid parameter")
)

// Manager applies the configured risk parameters to sizing, stop and target
// placement, and per-day loss limits. Parameters are replaced atomically so
// in-flight reads never see a half-updated set.
type Manager struct {
	mu     sync.RWMutex
	params utilities.RiskConfig

	dayStart   time.Time
	dayPnLPct  float64
	dayTripped bool

	logger *utilities.Logger
	now    func() time.Time
}

func NewManager(params utilities.RiskConfig, logger *utilities.Logger) *Manager {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	m := &Manager{
		params: params,
		logger: logger,
		now:    time.Now,
	}
	m.dayStart = startOfDay(m.now())
	return m
}

// Parameters returns a copy of the current parameter set.
func (m *Manager) Parameters() utilities.RiskConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params
}

// UpdateParameters validates and swaps in a full replacement parameter set.
func (m *Manager) UpdateParameters(p utilities.RiskConfig) error {
	if p.StopLossPct <= 0 || p.TakeProfitPct <= 0 {
		return fmt.Errorf("%w: stop and target percentages must be positive", ErrInvalidParameter)
	}
	if p.StopLossPct >= p.TakeProfitPct {
		return fmt.Errorf("%w: stop %.2f%% must be below target %.2f%%", ErrInvalidParameter, p.StopLossPct, p.TakeProfitPct)
	}
	if p.MaxPositionSizePct <= 0 || p.MaxPositionSizePct > 100 {
		return fmt.Errorf("%w: max position size %.2f%% out of range", ErrInvalidParameter, p.MaxPositionSizePct)
	}
	if p.MaxOpenPositions <= 0 {
		return fmt.Errorf("%w: max open positions must be positive", ErrInvalidParameter)
	}
	m.mu.Lock()
	m.params = p
	m.mu.Unlock()
	m.logger.LogInfo("risk: parameters updated (stop %.2f%%, target %.2f%%, max size %.2f%%)",
		p.StopLossPct, p.TakeProfitPct, p.MaxPositionSizePct)
	return nil
}

// StopLoss returns the stop price for a long entered at entryPrice. An
// ATR-based stop is used when a positive ATR is supplied; otherwise the
// fixed percentage applies.
func (m *Manager) StopLoss(entryPrice, atr float64) float64 {
	p := m.Parameters()
	if atr > 0 && p.ATRMultiplier > 0 {
		return entryPrice - atr*p.ATRMultiplier
	}
	return entryPrice * (1 - p.StopLossPct/100)
}

// TakeProfit returns the target price for a long entered at entryPrice.
func (m *Manager) TakeProfit(entryPrice, atr float64) float64 {
	p := m.Parameters()
	if atr > 0 && p.ATRMultiplier > 0 {
		return entryPrice + atr*p.ATRMultiplier*(p.TakeProfitPct/p.StopLossPct)
	}
	return entryPrice * (1 + p.TakeProfitPct/100)
}

// PositionSize returns the quote-currency amount to commit. Fixed-fraction
// sizing uses MaxPositionSizePct of equity. Dynamic sizing risks
// RiskPerTradePct of equity against the stop distance and clips to the
// fixed-fraction cap; when the stop sits at the entry (no distance), it
// falls back to the fixed fraction.
func (m *Manager) PositionSize(equity, entryPrice, stopPrice float64) float64 {
	p := m.Parameters()
	capAmount := equity * p.MaxPositionSizePct / 100
	if !p.DynamicPositionSizing {
		return capAmount
	}
	dist := entryPrice - stopPrice
	if dist <= 0 || entryPrice <= 0 {
		return capAmount
	}
	riskAmount := equity * p.RiskPerTradePct / 100
	size := riskAmount / (dist / entryPrice)
	if size > capAmount {
		return capAmount
	}
	return size
}

// CanOpen reports whether a new position may be opened given the count of
// positions already held, the committed exposure as a percentage of equity,
// and today's realized loss. Exposure is capped at the per-position size
// limit times the position cap.
func (m *Manager) CanOpen(openPositions int, openExposurePct float64) error {
	m.mu.Lock()
	m.rollDayLocked()
	tripped := m.dayTripped
	maxPositions := m.params.MaxOpenPositions
	maxExposurePct := m.params.MaxPositionSizePct * float64(maxPositions)
	m.mu.Unlock()

	if tripped {
		return ErrDailyLossLimit
	}
	if openPositions >= maxPositions {
		return ErrMaxPositions
	}
	if maxExposurePct > 0 && openExposurePct >= maxExposurePct {
		return ErrMaxExposure
	}
	return nil
}

// RecordTradeResult feeds a realized trade P&L (percent of equity) into the
// daily loss tracking.
func (m *Manager) RecordTradeResult(pnlPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	m.dayPnLPct += pnlPct
	if m.params.MaxDailyLossPct > 0 && m.dayPnLPct <= -m.params.MaxDailyLossPct {
		if !m.dayTripped {
			m.logger.LogWarn("risk: daily loss %.2f%% breached the %.2f%% limit, halting new entries until tomorrow",
				-m.dayPnLPct, m.params.MaxDailyLossPct)
		}
		m.dayTripped = true
	}
}

// DailyPnLPct returns today's accumulated realized P&L percentage.
func (m *Manager) DailyPnLPct() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()
	return m.dayPnLPct
}

// rollDayLocked resets the daily state when the calendar day has turned.
// Caller holds m.mu.
func (m *Manager) rollDayLocked() {
	today := startOfDay(m.now())
	if today.After(m.dayStart) {
		m.dayStart = today
		m.dayPnLPct = 0
		m.dayTripped = false
	}
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
