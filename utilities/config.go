package utilities

import (
	"errors"
	"fmt"
	"strings"
)

// AppConfig is the root configuration structure, holding all other config sections.
type AppConfig struct {
	AppName     string           `mapstructure:"app_name"`
	Version     string           `mapstructure:"version"`
	Environment string           `mapstructure:"environment"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	DB          DatabaseConfig   `mapstructure:"database"`
	Exchange    ExchangeConfig   `mapstructure:"exchange"`
	Trading     TradingConfig    `mapstructure:"trading"`
	Indicators  IndicatorsConfig `mapstructure:"indicators"`
	Risk        RiskConfig       `mapstructure:"risk"`
	Fusion      FusionConfig     `mapstructure:"fusion"`
	Backtest    BacktestConfig   `mapstructure:"backtest"`
}

// LoggingConfig holds settings related to logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds settings for the sqlite-backed key-value store.
type DatabaseConfig struct {
	DBPath string `mapstructure:"database_path"`
}

// ExchangeConfig holds all settings for the exchange integration, covering both
// the direct and the proxied transport.
type ExchangeConfig struct {
	APIKey               string  `mapstructure:"api_key"`
	APISecret            string  `mapstructure:"api_secret"`
	BaseURL              string  `mapstructure:"base_url"`
	ProxyBaseURL         string  `mapstructure:"proxy_base_url"`
	UseProxy             bool    `mapstructure:"use_proxy"`
	StreamURL            string  `mapstructure:"stream_url"`
	RequestTimeoutSec    int     `mapstructure:"request_timeout_sec"`
	RetryBaseDelayMs     int     `mapstructure:"retry_base_delay_ms"`
	ReconnectBaseDelayMs int     `mapstructure:"reconnect_base_delay_ms"`
	ReconnectFactor      float64 `mapstructure:"reconnect_factor"`
	MaxReconnectAttempts int     `mapstructure:"max_reconnect_attempts"`
	RateLimitPerSec      float64 `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst       int     `mapstructure:"rate_limit_burst"`
	PermissionTTLSec     int     `mapstructure:"permission_ttl_sec"`
}

// TradingConfig holds general trading parameters.
type TradingConfig struct {
	Symbols          []string `mapstructure:"symbols"`
	QuoteCurrency    string   `mapstructure:"quote_currency"`
	Timeframes       []string `mapstructure:"timeframes"`
	KlineLimit       int      `mapstructure:"kline_limit"`
	CycleIntervalSec int      `mapstructure:"cycle_interval_sec"`
	Aggressiveness   string   `mapstructure:"aggressiveness"`
}

// IndicatorsConfig holds parameters for the technical indicators.
type IndicatorsConfig struct {
	RSIPeriod          int     `mapstructure:"rsi_period"`
	RSIOversold        float64 `mapstructure:"rsi_oversold"`
	RSIOverbought      float64 `mapstructure:"rsi_overbought"`
	MACDFastPeriod     int     `mapstructure:"macd_fast_period"`
	MACDSlowPeriod     int     `mapstructure:"macd_slow_period"`
	MACDSignalPeriod   int     `mapstructure:"macd_signal_period"`
	BollingerPeriod    int     `mapstructure:"bollinger_period"`
	BollingerK         float64 `mapstructure:"bollinger_k"`
	ATRPeriod          int     `mapstructure:"atr_period"`
	StochasticK        int     `mapstructure:"stochastic_k_period"`
	StochasticD        int     `mapstructure:"stochastic_d_period"`
	SupportWindow      int     `mapstructure:"support_window"`
	ClusterThresholdPc float64 `mapstructure:"cluster_threshold_pct"`
}

// RiskConfig holds the risk-management parameters. It is loaded from the
// persisted store at startup and only mutated through RiskManager.UpdateParameters.
type RiskConfig struct {
	MaxPositionSizePct    float64 `mapstructure:"max_position_size_pct" json:"max_position_size_pct"`
	StopLossPct           float64 `mapstructure:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct         float64 `mapstructure:"take_profit_pct" json:"take_profit_pct"`
	MaxDailyLossPct       float64 `mapstructure:"max_daily_loss_pct" json:"max_daily_loss_pct"`
	MaxOpenPositions      int     `mapstructure:"max_open_positions" json:"max_open_positions"`
	TrailingStopEnabled   bool    `mapstructure:"trailing_stop_enabled" json:"trailing_stop_enabled"`
	TrailingStopPct       float64 `mapstructure:"trailing_stop_pct" json:"trailing_stop_pct"`
	DynamicPositionSizing bool    `mapstructure:"dynamic_position_sizing" json:"dynamic_position_sizing"`
	RiskPerTradePct       float64 `mapstructure:"risk_per_trade_pct" json:"risk_per_trade_pct"`
	ATRMultiplier         float64 `mapstructure:"atr_multiplier" json:"atr_multiplier"`
}

// FusionConfig holds the cross-timeframe confirmation thresholds. The exact
// counts are policy, not law, so they live in configuration with defaults
// matching the shipped behavior.
type FusionConfig struct {
	AggressiveConfirmations  int `mapstructure:"aggressive_confirmations"`
	ModerateConfirmations    int `mapstructure:"moderate_confirmations"`
	ConservativeConfirmation int `mapstructure:"conservative_confirmations"`
	ConservativeMinFrames    int `mapstructure:"conservative_min_frames"`
}

// BacktestConfig holds settings for the stochastic backtest simulator.
type BacktestConfig struct {
	Candles    int     `mapstructure:"candles"`
	StartPrice float64 `mapstructure:"start_price"`
	Volatility float64 `mapstructure:"volatility"`
	Seed       int64   `mapstructure:"seed"`
}

// ApplyDefaults fills zero-valued fields with sane defaults. It is applied once
// at load time so the rest of the pipeline never has to guess.
func (c *AppConfig) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.DB.DBPath == "" {
		c.DB.DBPath = "data/smartpicks.db"
	}
	if c.Exchange.RequestTimeoutSec <= 0 {
		c.Exchange.RequestTimeoutSec = 15
	}
	if c.Exchange.RetryBaseDelayMs <= 0 {
		c.Exchange.RetryBaseDelayMs = 500
	}
	if c.Exchange.ReconnectBaseDelayMs <= 0 {
		c.Exchange.ReconnectBaseDelayMs = 1000
	}
	if c.Exchange.ReconnectFactor <= 1 {
		c.Exchange.ReconnectFactor = 2.0
	}
	if c.Exchange.MaxReconnectAttempts <= 0 {
		c.Exchange.MaxReconnectAttempts = 10
	}
	if c.Exchange.RateLimitPerSec <= 0 {
		c.Exchange.RateLimitPerSec = 10
	}
	if c.Exchange.RateLimitBurst <= 0 {
		c.Exchange.RateLimitBurst = 20
	}
	if c.Exchange.PermissionTTLSec < 60 {
		c.Exchange.PermissionTTLSec = 60
	}
	if len(c.Trading.Timeframes) == 0 {
		c.Trading.Timeframes = []string{"15m", "1h", "4h"}
	}
	if c.Trading.KlineLimit <= 0 {
		c.Trading.KlineLimit = 100
	}
	if c.Trading.CycleIntervalSec <= 0 {
		c.Trading.CycleIntervalSec = 60
	}
	if c.Trading.Aggressiveness == "" {
		c.Trading.Aggressiveness = "moderate"
	}
	if c.Trading.QuoteCurrency == "" {
		c.Trading.QuoteCurrency = "USDT"
	}
	c.Indicators.applyDefaults()
	c.Risk.ApplyDefaults()
	if c.Fusion.AggressiveConfirmations <= 0 {
		c.Fusion.AggressiveConfirmations = 1
	}
	if c.Fusion.ModerateConfirmations <= 0 {
		c.Fusion.ModerateConfirmations = 2
	}
	if c.Fusion.ConservativeConfirmation <= 0 {
		c.Fusion.ConservativeConfirmation = 2
	}
	if c.Fusion.ConservativeMinFrames <= 0 {
		c.Fusion.ConservativeMinFrames = 3
	}
	if c.Backtest.Candles <= 0 {
		c.Backtest.Candles = 500
	}
	if c.Backtest.StartPrice <= 0 {
		c.Backtest.StartPrice = 100.0
	}
	if c.Backtest.Volatility <= 0 {
		c.Backtest.Volatility = 0.02
	}
}

func (ic *IndicatorsConfig) applyDefaults() {
	if ic.RSIPeriod <= 0 {
		ic.RSIPeriod = 14
	}
	if ic.RSIOversold <= 0 {
		ic.RSIOversold = 30
	}
	if ic.RSIOverbought <= 0 {
		ic.RSIOverbought = 70
	}
	if ic.MACDFastPeriod <= 0 {
		ic.MACDFastPeriod = 12
	}
	if ic.MACDSlowPeriod <= 0 {
		ic.MACDSlowPeriod = 26
	}
	if ic.MACDSignalPeriod <= 0 {
		ic.MACDSignalPeriod = 9
	}
	if ic.BollingerPeriod <= 0 {
		ic.BollingerPeriod = 20
	}
	if ic.BollingerK <= 0 {
		ic.BollingerK = 2
	}
	if ic.ATRPeriod <= 0 {
		ic.ATRPeriod = 14
	}
	if ic.StochasticK <= 0 {
		ic.StochasticK = 14
	}
	if ic.StochasticD <= 0 {
		ic.StochasticD = 3
	}
	if ic.SupportWindow <= 0 {
		ic.SupportWindow = 5
	}
	if ic.ClusterThresholdPc <= 0 {
		ic.ClusterThresholdPc = 0.5
	}
}

// ApplyDefaults fills zero-valued risk parameters with the shipped defaults.
func (rc *RiskConfig) ApplyDefaults() {
	if rc.MaxPositionSizePct <= 0 {
		rc.MaxPositionSizePct = 10
	}
	if rc.StopLossPct <= 0 {
		rc.StopLossPct = 2
	}
	if rc.TakeProfitPct <= 0 {
		rc.TakeProfitPct = 4
	}
	if rc.MaxDailyLossPct <= 0 {
		rc.MaxDailyLossPct = 5
	}
	if rc.MaxOpenPositions <= 0 {
		rc.MaxOpenPositions = 3
	}
	if rc.TrailingStopPct <= 0 {
		rc.TrailingStopPct = 1.5
	}
	if rc.RiskPerTradePct <= 0 {
		rc.RiskPerTradePct = 1
	}
	if rc.ATRMultiplier <= 0 {
		rc.ATRMultiplier = 2.5
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *AppConfig) Validate() error {
	if len(c.Trading.Symbols) == 0 {
		return errors.New("config: trading.symbols must list at least one trading pair")
	}
	switch strings.ToLower(c.Trading.Aggressiveness) {
	case "aggressive", "moderate", "conservative":
	default:
		return fmt.Errorf("config: unknown aggressiveness level %q", c.Trading.Aggressiveness)
	}
	if c.Exchange.UseProxy && c.Exchange.ProxyBaseURL == "" {
		return errors.New("config: exchange.proxy_base_url required when use_proxy is set")
	}
	if c.Risk.StopLossPct >= c.Risk.TakeProfitPct {
		return fmt.Errorf("config: stop_loss_pct (%.2f) must be below take_profit_pct (%.2f)",
			c.Risk.StopLossPct, c.Risk.TakeProfitPct)
	}
	return nil
}
