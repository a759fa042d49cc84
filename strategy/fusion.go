package strategy

import (
	"math"
	"strings"

	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

// Signal is a per-timeframe or fused trading decision.
type Signal int

const (
	SignalHold Signal = iota
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// TimeframeAnalysis is the evaluated state of one timeframe: the vote plus
// the indicator readings that produced it.
type TimeframeAnalysis struct {
	Timeframe string
	Signal    Signal
	Reasons   []string

	RSI        float64
	MACDHist   float64
	MACDAbove  bool
	Trend      int
	LastClose  float64
	ATR        float64
	StochK     float64
	Levels     Levels
	BandsLower float64
	BandsUpper float64
}

// Decision is the fused cross-timeframe outcome for one symbol.
type Decision struct {
	Symbol     string
	Signal     Signal
	Strategy   string
	Votes      map[Signal]int
	Timeframes []TimeframeAnalysis
}

// AnalyzeTimeframe evaluates one timeframe's candles against the configured
// indicator thresholds and casts a vote. A timeframe with insufficient data
// votes HOLD.
func AnalyzeTimeframe(timeframe string, candles []utilities.Candle, cfg utilities.IndicatorsConfig) TimeframeAnalysis {
	out := TimeframeAnalysis{Timeframe: timeframe, Signal: SignalHold}
	closes := utilities.Closes(candles)
	if len(closes) == 0 {
		out.Reasons = append(out.Reasons, "no candles")
		return out
	}
	out.LastClose = closes[len(closes)-1]

	rsi := CalculateRSI(closes, cfg.RSIPeriod)
	macd := CalculateMACD(closes, cfg.MACDFastPeriod, cfg.MACDSlowPeriod, cfg.MACDSignalPeriod)
	bands := CalculateBollinger(closes, cfg.BollingerPeriod, cfg.BollingerK)
	atr := CalculateATR(candles, cfg.ATRPeriod)
	stoch := CalculateStochastic(candles, cfg.StochasticK, cfg.StochasticD)
	out.Trend = DetectTrend(closes, cfg.RSIPeriod)
	out.Levels = FindLevels(candles, cfg.SupportWindow, cfg.ClusterThresholdPc)

	if len(rsi) == 0 || len(macd.Histogram) == 0 || len(bands.Middle) == 0 {
		out.Reasons = append(out.Reasons, "insufficient history")
		return out
	}
	out.RSI = rsi[len(rsi)-1]
	out.MACDHist = macd.Histogram[len(macd.Histogram)-1]
	out.MACDAbove = macd.MACD[len(macd.MACD)-1] > 0
	out.BandsLower = bands.Lower[len(bands.Lower)-1]
	out.BandsUpper = bands.Upper[len(bands.Upper)-1]
	if len(atr) > 0 {
		out.ATR = atr[len(atr)-1]
	}
	if len(stoch.K) > 0 {
		out.StochK = stoch.K[len(stoch.K)-1]
	}

	buyScore, sellScore := 0, 0

	if out.RSI <= cfg.RSIOversold {
		buyScore++
		out.Reasons = append(out.Reasons, "RSI oversold")
	} else if out.RSI >= cfg.RSIOverbought {
		sellScore++
		out.Reasons = append(out.Reasons, "RSI overbought")
	}

	// MACD crossover direction with the zero line as a confirmation filter.
	if macdCrossedUp(macd) {
		buyScore++
		out.Reasons = append(out.Reasons, "MACD crossed up")
		if out.MACDAbove {
			buyScore++
		}
	} else if macdCrossedDown(macd) {
		sellScore++
		out.Reasons = append(out.Reasons, "MACD crossed down")
		if !out.MACDAbove {
			sellScore++
		}
	}

	// Price hugging a band edge.
	if nearLevel(out.LastClose, out.BandsLower, 0.5) {
		buyScore++
		out.Reasons = append(out.Reasons, "at lower band")
	} else if nearLevel(out.LastClose, out.BandsUpper, 0.5) {
		sellScore++
		out.Reasons = append(out.Reasons, "at upper band")
	}

	if out.Trend >= TrendUp {
		buyScore++
	} else if out.Trend <= TrendDown {
		sellScore++
	}

	switch {
	case buyScore >= 2 && buyScore > sellScore:
		out.Signal = SignalBuy
	case sellScore >= 2 && sellScore > buyScore:
		out.Signal = SignalSell
	default:
		out.Signal = SignalHold
	}
	return out
}

func macdCrossedUp(m MACDResult) bool {
	n := len(m.Histogram)
	if n < 2 {
		return false
	}
	return m.Histogram[n-1] > 0 && m.Histogram[n-2] <= 0
}

func macdCrossedDown(m MACDResult) bool {
	n := len(m.Histogram)
	if n < 2 {
		return false
	}
	return m.Histogram[n-1] < 0 && m.Histogram[n-2] >= 0
}

func nearLevel(price, level, pct float64) bool {
	if level == 0 {
		return false
	}
	return math.Abs(price-level)/level*100 <= pct
}

// Fuse aggregates the per-timeframe votes into one decision. The
// aggressiveness profile sets how many confirmations a side needs with zero
// opposing votes; when neither side clears its bar, a strict majority of
// votes decides, and a tie resolves to HOLD.
func Fuse(symbol, aggressiveness string, frames []TimeframeAnalysis, cfg utilities.FusionConfig) Decision {
	votes := map[Signal]int{}
	for _, f := range frames {
		votes[f.Signal]++
	}
	d := Decision{
		Symbol:     symbol,
		Signal:     SignalHold,
		Strategy:   "fusion_" + strings.ToLower(aggressiveness),
		Votes:      votes,
		Timeframes: frames,
	}

	required, minFrames := confirmationBar(aggressiveness, cfg)
	if len(frames) >= minFrames {
		if votes[SignalBuy] >= required && votes[SignalSell] == 0 {
			d.Signal = SignalBuy
			return d
		}
		if votes[SignalSell] >= required && votes[SignalBuy] == 0 {
			d.Signal = SignalSell
			return d
		}
	}

	// Majority fallback: strict majority wins, tie holds.
	if votes[SignalBuy] > votes[SignalSell] && votes[SignalBuy] > votes[SignalHold] {
		d.Signal = SignalBuy
	} else if votes[SignalSell] > votes[SignalBuy] && votes[SignalSell] > votes[SignalHold] {
		d.Signal = SignalSell
	}
	return d
}

func confirmationBar(aggressiveness string, cfg utilities.FusionConfig) (required, minFrames int) {
	switch strings.ToLower(aggressiveness) {
	case "aggressive":
		return cfg.AggressiveConfirmations, 1
	case "conservative":
		return cfg.ConservativeConfirmation, cfg.ConservativeMinFrames
	default:
		return cfg.ModerateConfirmations, 1
	}
}
