package risk

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

func riskConfig() utilities.RiskConfig {
	return utilities.RiskConfig{
		MaxPositionSizePct:    10,
		StopLossPct:           2,
		TakeProfitPct:         4,
		MaxDailyLossPct:       5,
		MaxOpenPositions:      3,
		TrailingStopEnabled:   true,
		TrailingStopPct:       1.5,
		DynamicPositionSizing: false,
		RiskPerTradePct:       1,
		ATRMultiplier:         2.5,
	}
}

func newTestManager(cfg utilities.RiskConfig) *Manager {
	return NewManager(cfg, utilities.NewLogger(utilities.Error))
}

func TestStopAndTargetFixedPercent(t *testing.T) {
	m := newTestManager(riskConfig())
	entry := 100.0
	if got := m.StopLoss(entry, 0); math.Abs(got-98) > 1e-9 {
		t.Fatalf("StopLoss = %f, want 98", got)
	}
	if got := m.TakeProfit(entry, 0); math.Abs(got-104) > 1e-9 {
		t.Fatalf("TakeProfit = %f, want 104", got)
	}
}

func TestStopAndTargetATRBased(t *testing.T) {
	m := newTestManager(riskConfig())
	entry := 100.0
	atr := 2.0
	// Stop sits 2.5 ATRs below entry.
	if got := m.StopLoss(entry, atr); math.Abs(got-95) > 1e-9 {
		t.Fatalf("ATR StopLoss = %f, want 95", got)
	}
	// Target keeps the configured 2:1 reward-to-risk ratio.
	if got := m.TakeProfit(entry, atr); math.Abs(got-110) > 1e-9 {
		t.Fatalf("ATR TakeProfit = %f, want 110", got)
	}
}

func TestPositionSizeFixedFraction(t *testing.T) {
	m := newTestManager(riskConfig())
	if got := m.PositionSize(10_000, 100, 98); math.Abs(got-1000) > 1e-9 {
		t.Fatalf("fixed-fraction size = %f, want 1000", got)
	}
}

func TestPositionSizeDynamicClipsToCap(t *testing.T) {
	cfg := riskConfig()
	cfg.DynamicPositionSizing = true
	m := newTestManager(cfg)

	// Risking 1% of 10,000 = 100 against a 2% stop distance sizes to 5,000,
	// which the 10% cap clips to 1,000.
	if got := m.PositionSize(10_000, 100, 98); math.Abs(got-1000) > 1e-9 {
		t.Fatalf("dynamic size = %f, want clipped to 1000", got)
	}

	// A wide 20% stop distance sizes to 500, under the cap.
	if got := m.PositionSize(10_000, 100, 80); math.Abs(got-500) > 1e-9 {
		t.Fatalf("dynamic size = %f, want 500", got)
	}
}

func TestPositionSizeDynamicFallsBackOnZeroStopDistance(t *testing.T) {
	cfg := riskConfig()
	cfg.DynamicPositionSizing = true
	m := newTestManager(cfg)
	if got := m.PositionSize(10_000, 100, 100); math.Abs(got-1000) > 1e-9 {
		t.Fatalf("equal-price size = %f, want fixed-fraction fallback 1000", got)
	}
}

func TestCanOpenEnforcesPositionCap(t *testing.T) {
	m := newTestManager(riskConfig())
	if err := m.CanOpen(2, 0); err != nil {
		t.Fatalf("CanOpen(2, 0) = %v, want nil under the cap", err)
	}
	if err := m.CanOpen(3, 0); !errors.Is(err, ErrMaxPositions) {
		t.Fatalf("CanOpen(3, 0) = %v, want ErrMaxPositions", err)
	}
}

func TestCanOpenEnforcesExposureCap(t *testing.T) {
	// 10% per position across at most 3 positions caps exposure at 30%.
	m := newTestManager(riskConfig())
	if err := m.CanOpen(1, 29.9); err != nil {
		t.Fatalf("CanOpen under exposure cap = %v, want nil", err)
	}
	if err := m.CanOpen(1, 30); !errors.Is(err, ErrMaxExposure) {
		t.Fatalf("CanOpen at exposure cap = %v, want ErrMaxExposure", err)
	}
	if err := m.CanOpen(1, 55); !errors.Is(err, ErrMaxExposure) {
		t.Fatalf("CanOpen over exposure cap = %v, want ErrMaxExposure", err)
	}
}

func TestDailyLossLimitTripsAndResets(t *testing.T) {
	m := newTestManager(riskConfig())
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.dayStart = startOfDay(base)

	m.RecordTradeResult(-3)
	if err := m.CanOpen(0, 0); err != nil {
		t.Fatalf("CanOpen after -3%% = %v, want nil", err)
	}
	m.RecordTradeResult(-2.5)
	if err := m.CanOpen(0, 0); !errors.Is(err, ErrDailyLossLimit) {
		t.Fatalf("CanOpen after -5.5%% = %v, want ErrDailyLossLimit", err)
	}

	// The limit releases when the calendar day turns.
	base = base.Add(24 * time.Hour)
	if err := m.CanOpen(0, 0); err != nil {
		t.Fatalf("CanOpen next day = %v, want nil after reset", err)
	}
	if got := m.DailyPnLPct(); got != 0 {
		t.Fatalf("DailyPnLPct next day = %f, want 0", got)
	}
}

func TestUpdateParametersValidation(t *testing.T) {
	m := newTestManager(riskConfig())

	bad := riskConfig()
	bad.StopLossPct = 5
	bad.TakeProfitPct = 4
	if err := m.UpdateParameters(bad); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("UpdateParameters(stop>=target) = %v, want ErrInvalidParameter", err)
	}

	bad = riskConfig()
	bad.MaxPositionSizePct = 150
	if err := m.UpdateParameters(bad); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("UpdateParameters(size>100) = %v, want ErrInvalidParameter", err)
	}

	// A rejected update must leave the previous set intact.
	if got := m.Parameters(); got.MaxPositionSizePct != 10 {
		t.Fatalf("parameters mutated by rejected update: %+v", got)
	}

	good := riskConfig()
	good.StopLossPct = 1
	if err := m.UpdateParameters(good); err != nil {
		t.Fatalf("UpdateParameters(valid) = %v", err)
	}
	if got := m.Parameters(); got.StopLossPct != 1 {
		t.Fatalf("StopLossPct = %f, want 1 after update", got.StopLossPct)
	}
}
