package strategy

import (
	"math"

	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

// rsiEpsilon guards the RSI division when a window has no losses.
const rsiEpsilon = 1e-10

// CalculateSMA returns the simple moving average series for the given
// period. The result has len(values)-period+1 entries; nil when the input
// is too short.
func CalculateSMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out
}

// CalculateEMA returns the exponential moving average series, seeded with
// the SMA of the first period values. The result has len(values)-period+1
// entries; nil when the input is too short.
func CalculateEMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, 0, len(values)-period+1)
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	ema := seed / float64(period)
	out = append(out, ema)
	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

// CalculateRSI returns the Wilder-smoothed relative strength index series.
// Needs at least period+1 closes; values are clamped to [0, 100].
func CalculateRSI(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) < period+1 {
		return nil
	}
	gains := 0.0
	losses := 0.0
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	out := make([]float64, 0, len(closes)-period)
	out = append(out, rsiValue(avgGain, avgLoss))
	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain := 0.0
		loss := 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out = append(out, rsiValue(avgGain, avgLoss))
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	rs := avgGain / (avgLoss + rsiEpsilon)
	rsi := 100 - 100/(1+rs)
	if rsi < 0 {
		return 0
	}
	if rsi > 100 {
		return 100
	}
	return rsi
}

// MACDResult holds the tail-aligned MACD, signal and histogram series: the
// three slices share a length, ending at the most recent close.
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// CalculateMACD computes MACD (fast EMA − slow EMA), its signal EMA and the
// histogram. Returns an empty result when the input cannot cover
// slow+signal periods.
func CalculateMACD(closes []float64, fastPeriod, slowPeriod, signalPeriod int) MACDResult {
	fast := CalculateEMA(closes, fastPeriod)
	slow := CalculateEMA(closes, slowPeriod)
	if fast == nil || slow == nil {
		return MACDResult{}
	}
	// Align the fast series with the shorter slow series tail.
	offset := len(fast) - len(slow)
	macd := make([]float64, len(slow))
	for i := range slow {
		macd[i] = fast[i+offset] - slow[i]
	}
	signal := CalculateEMA(macd, signalPeriod)
	if signal == nil {
		return MACDResult{}
	}
	tail := macd[len(macd)-len(signal):]
	hist := make([]float64, len(signal))
	for i := range signal {
		hist[i] = tail[i] - signal[i]
	}
	return MACDResult{MACD: tail, Signal: signal, Histogram: hist}
}

// BollingerBands holds the aligned band series for the last windows.
type BollingerBands struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// CalculateBollinger computes period-SMA bands offset by mult standard
// deviations (population variance over each window).
func CalculateBollinger(closes []float64, period int, mult float64) BollingerBands {
	middle := CalculateSMA(closes, period)
	if middle == nil {
		return BollingerBands{}
	}
	upper := make([]float64, len(middle))
	lower := make([]float64, len(middle))
	for i := range middle {
		window := closes[i : i+period]
		variance := 0.0
		for _, v := range window {
			d := v - middle[i]
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))
		upper[i] = middle[i] + mult*sd
		lower[i] = middle[i] - mult*sd
	}
	return BollingerBands{Upper: upper, Middle: middle, Lower: lower}
}

// CalculateATR returns the Wilder-smoothed average true range series. Needs
// at least period+1 candles.
func CalculateATR(candles []utilities.Candle, period int) []float64 {
	if period <= 0 || len(candles) < period+1 {
		return nil
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trs = append(trs, tr)
	}
	seed := 0.0
	for _, tr := range trs[:period] {
		seed += tr
	}
	atr := seed / float64(period)
	out := make([]float64, 0, len(trs)-period+1)
	out = append(out, atr)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
		out = append(out, atr)
	}
	return out
}

// StochasticResult holds aligned %K and smoothed %D series.
type StochasticResult struct {
	K []float64
	D []float64
}

// CalculateStochastic computes the stochastic oscillator. When the window's
// high equals its low the value is 100 by convention.
func CalculateStochastic(candles []utilities.Candle, kPeriod, dPeriod int) StochasticResult {
	if kPeriod <= 0 || dPeriod <= 0 || len(candles) < kPeriod {
		return StochasticResult{}
	}
	k := make([]float64, 0, len(candles)-kPeriod+1)
	for i := kPeriod - 1; i < len(candles); i++ {
		hi := math.Inf(-1)
		lo := math.Inf(1)
		for _, c := range candles[i-kPeriod+1 : i+1] {
			hi = math.Max(hi, c.High)
			lo = math.Min(lo, c.Low)
		}
		if hi == lo {
			k = append(k, 100)
			continue
		}
		k = append(k, 100*(candles[i].Close-lo)/(hi-lo))
	}
	d := CalculateSMA(k, dPeriod)
	if d == nil {
		return StochasticResult{K: k}
	}
	return StochasticResult{K: k[len(k)-len(d):], D: d}
}

// Trend direction buckets from EMA alignment.
const (
	TrendStrongDown = -2
	TrendDown       = -1
	TrendNeutral    = 0
	TrendUp         = 1
	TrendStrongUp   = 2
)

// DetectTrend classifies the trend from the 9/21 EMA alignment and RSI
// posture, returning one of the five trend buckets. Neutral when the input
// is too short to compute both EMAs.
func DetectTrend(closes []float64, rsiPeriod int) int {
	fast := CalculateEMA(closes, 9)
	slow := CalculateEMA(closes, 21)
	if fast == nil || slow == nil {
		return TrendNeutral
	}
	rsi := CalculateRSI(closes, rsiPeriod)
	lastFast := fast[len(fast)-1]
	lastSlow := slow[len(slow)-1]
	price := closes[len(closes)-1]

	var lastRSI float64 = 50
	if len(rsi) > 0 {
		lastRSI = rsi[len(rsi)-1]
	}
	switch {
	case price > lastFast && lastFast > lastSlow && lastRSI > 60:
		return TrendStrongUp
	case lastFast > lastSlow:
		return TrendUp
	case price < lastFast && lastFast < lastSlow && lastRSI < 40:
		return TrendStrongDown
	case lastFast < lastSlow:
		return TrendDown
	default:
		return TrendNeutral
	}
}

// Levels holds clustered support and resistance prices, nearest first.
type Levels struct {
	Support    []float64
	Resistance []float64
}

// FindLevels locates local extrema over the window and clusters levels that
// sit within thresholdPc percent of each other, averaging each cluster.
func FindLevels(candles []utilities.Candle, window int, thresholdPc float64) Levels {
	if window < 2 || len(candles) < 2*window+1 {
		return Levels{}
	}
	highs := utilities.Highs(candles)
	lows := utilities.Lows(candles)
	var pivotLows, pivotHighs []float64
	for i := window; i < len(candles)-window; i++ {
		isLow, isHigh := true, true
		for j := i - window; j <= i+window; j++ {
			if j == i {
				continue
			}
			if lows[j] < lows[i] {
				isLow = false
			}
			if highs[j] > highs[i] {
				isHigh = false
			}
		}
		if isLow {
			pivotLows = append(pivotLows, lows[i])
		}
		if isHigh {
			pivotHighs = append(pivotHighs, highs[i])
		}
	}
	return Levels{
		Support:    clusterLevels(pivotLows, thresholdPc),
		Resistance: clusterLevels(pivotHighs, thresholdPc),
	}
}

// clusterLevels merges levels within thresholdPc percent of the cluster
// mean into one averaged level.
func clusterLevels(levels []float64, thresholdPc float64) []float64 {
	if len(levels) == 0 {
		return nil
	}
	sorted := append([]float64(nil), levels...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	var out []float64
	clusterSum := sorted[0]
	clusterN := 1
	for _, v := range sorted[1:] {
		mean := clusterSum / float64(clusterN)
		if mean != 0 && math.Abs(v-mean)/mean*100 <= thresholdPc {
			clusterSum += v
			clusterN++
			continue
		}
		out = append(out, mean)
		clusterSum = v
		clusterN = 1
	}
	out = append(out, clusterSum/float64(clusterN))
	return out
}
