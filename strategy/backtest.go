package strategy

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

// BacktestResult summarizes one simulated run.
type BacktestResult struct {
	Symbol         string    `json:"symbol"`
	Candles        int       `json:"candles"`
	Trades         int       `json:"trades"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	WinRatePct     float64   `json:"win_rate_pct"`
	NetPnLPct      float64   `json:"net_pnl_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	FinalEquity    float64   `json:"final_equity"`
	Seed           int64     `json:"seed"`
	RanAt          time.Time `json:"ran_at"`
}

// GenerateCandles builds a seeded geometric random-walk candle series so the
// same seed always produces the same market.
func GenerateCandles(cfg utilities.BacktestConfig) []utilities.Candle {
	rng := rand.New(rand.NewSource(cfg.Seed))
	candles := make([]utilities.Candle, 0, cfg.Candles)
	price := cfg.StartPrice
	openTime := time.Now().Add(-time.Duration(cfg.Candles) * time.Hour).UnixMilli()
	for i := 0; i < cfg.Candles; i++ {
		drift := rng.NormFloat64() * cfg.Volatility
		open := price
		close := open * (1 + drift)
		hi := math.Max(open, close) * (1 + rng.Float64()*cfg.Volatility/2)
		lo := math.Min(open, close) * (1 - rng.Float64()*cfg.Volatility/2)
		candles = append(candles, utilities.Candle{
			OpenTime: openTime + int64(i)*time.Hour.Milliseconds(),
			Open:     open,
			High:     hi,
			Low:      lo,
			Close:    close,
			Volume:   1000 + rng.Float64()*9000,
		})
		price = close
	}
	return candles
}

// RunBacktest replays the single-timeframe strategy over a generated series
// with a flat 1-unit position per trade, exiting on the opposite signal.
func RunBacktest(symbol string, btCfg utilities.BacktestConfig, indCfg utilities.IndicatorsConfig, logger *utilities.Logger) BacktestResult {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	candles := GenerateCandles(btCfg)
	result := BacktestResult{
		Symbol:  symbol,
		Candles: len(candles),
		Seed:    btCfg.Seed,
		RanAt:   time.Now(),
	}

	equity := 100.0
	peak := equity
	entryPrice := 0.0
	inPosition := false

	warmup := indCfg.MACDSlowPeriod + indCfg.MACDSignalPeriod + 1
	for i := warmup; i <= len(candles); i++ {
		analysis := AnalyzeTimeframe("backtest", candles[:i], indCfg)
		price := candles[i-1].Close
		switch {
		case analysis.Signal == SignalBuy && !inPosition:
			inPosition = true
			entryPrice = price
		case analysis.Signal == SignalSell && inPosition:
			inPosition = false
			pnlPct := (price - entryPrice) / entryPrice * 100
			equity *= 1 + pnlPct/100
			result.Trades++
			if pnlPct > 0 {
				result.Wins++
			} else {
				result.Losses++
			}
			if equity > peak {
				peak = equity
			}
			dd := (peak - equity) / peak * 100
			if dd > result.MaxDrawdownPct {
				result.MaxDrawdownPct = dd
			}
		}
	}
	// Mark any open position to the last close.
	if inPosition {
		price := candles[len(candles)-1].Close
		pnlPct := (price - entryPrice) / entryPrice * 100
		equity *= 1 + pnlPct/100
		result.Trades++
		if pnlPct > 0 {
			result.Wins++
		} else {
			result.Losses++
		}
	}

	result.FinalEquity = equity
	result.NetPnLPct = equity - 100
	if result.Trades > 0 {
		result.WinRatePct = float64(result.Wins) / float64(result.Trades) * 100
	}
	logger.LogInfo("backtest %s: %d trades, win rate %.1f%%, net %.2f%%, max drawdown %.2f%%",
		symbol, result.Trades, result.WinRatePct, result.NetPnLPct, result.MaxDrawdownPct)
	return result
}

// Summary renders a one-line human-readable result.
func (r BacktestResult) Summary() string {
	return fmt.Sprintf("%s: %d trades, %.1f%% win rate, %.2f%% net", r.Symbol, r.Trades, r.WinRatePct, r.NetPnLPct)
}
