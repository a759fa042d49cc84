package strategy

import (
	"math"
	"testing"

	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

func almostEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func candlesFromCloses(closes []float64) []utilities.Candle {
	out := make([]utilities.Candle, len(closes))
	for i, c := range closes {
		out[i] = utilities.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     c,
			High:     c * 1.01,
			Low:      c * 0.99,
			Close:    c,
			Volume:   1000,
		}
	}
	return out
}

func TestCalculateSMA(t *testing.T) {
	got := CalculateSMA([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("SMA length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !almostEqual(got[i], want[i], 1e-9) {
			t.Fatalf("SMA[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestCalculateSMAShortInput(t *testing.T) {
	if got := CalculateSMA([]float64{1, 2}, 3); got != nil {
		t.Fatalf("SMA on short input = %v, want nil", got)
	}
}

func TestCalculateEMASeededWithSMA(t *testing.T) {
	values := []float64{10, 20, 30, 40}
	got := CalculateEMA(values, 3)
	if len(got) != 2 {
		t.Fatalf("EMA length = %d, want 2", len(got))
	}
	// First value is the SMA of the first 3 inputs.
	if !almostEqual(got[0], 20, 1e-9) {
		t.Fatalf("EMA seed = %f, want 20", got[0])
	}
	// Second applies k = 2/(3+1) = 0.5: 40*0.5 + 20*0.5 = 30.
	if !almostEqual(got[1], 30, 1e-9) {
		t.Fatalf("EMA[1] = %f, want 30", got[1])
	}
}

func TestCalculateRSIBounds(t *testing.T) {
	// Monotonically rising closes: RSI must saturate near 100, never above.
	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	rsi := CalculateRSI(rising, 14)
	if len(rsi) == 0 {
		t.Fatal("RSI empty on sufficient input")
	}
	last := rsi[len(rsi)-1]
	if last < 99 || last > 100 {
		t.Fatalf("RSI on rising series = %f, want in [99, 100]", last)
	}

	falling := make([]float64, 30)
	for i := range falling {
		falling[i] = 100 - float64(i)
	}
	rsi = CalculateRSI(falling, 14)
	last = rsi[len(rsi)-1]
	if last < 0 || last > 1 {
		t.Fatalf("RSI on falling series = %f, want in [0, 1]", last)
	}
}

func TestCalculateRSIShortInput(t *testing.T) {
	if got := CalculateRSI(make([]float64, 14), 14); got != nil {
		t.Fatalf("RSI needs period+1 closes, got %v", got)
	}
}

func TestCalculateMACDAlignment(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i)/5)*10
	}
	m := CalculateMACD(closes, 12, 26, 9)
	if len(m.MACD) == 0 {
		t.Fatal("MACD empty on sufficient input")
	}
	if len(m.MACD) != len(m.Signal) || len(m.Signal) != len(m.Histogram) {
		t.Fatalf("MACD series misaligned: macd=%d signal=%d hist=%d", len(m.MACD), len(m.Signal), len(m.Histogram))
	}
	for i := range m.Histogram {
		if !almostEqual(m.Histogram[i], m.MACD[i]-m.Signal[i], 1e-9) {
			t.Fatalf("Histogram[%d] = %f, want MACD-Signal = %f", i, m.Histogram[i], m.MACD[i]-m.Signal[i])
		}
	}
}

func TestCalculateMACDShortInput(t *testing.T) {
	m := CalculateMACD(make([]float64, 20), 12, 26, 9)
	if len(m.MACD) != 0 {
		t.Fatalf("MACD on short input = %v, want empty", m.MACD)
	}
}

func TestCalculateBollingerFlatSeries(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 50
	}
	b := CalculateBollinger(closes, 20, 2)
	last := len(b.Middle) - 1
	if !almostEqual(b.Middle[last], 50, 1e-9) {
		t.Fatalf("middle band = %f, want 50", b.Middle[last])
	}
	// Zero variance collapses the bands onto the middle.
	if !almostEqual(b.Upper[last], 50, 1e-9) || !almostEqual(b.Lower[last], 50, 1e-9) {
		t.Fatalf("flat series bands = [%f, %f], want both 50", b.Lower[last], b.Upper[last])
	}
}

func TestCalculateATRConstantRange(t *testing.T) {
	candles := make([]utilities.Candle, 20)
	for i := range candles {
		candles[i] = utilities.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     100, High: 102, Low: 98, Close: 100, Volume: 1,
		}
	}
	atr := CalculateATR(candles, 14)
	if len(atr) == 0 {
		t.Fatal("ATR empty on sufficient input")
	}
	if !almostEqual(atr[len(atr)-1], 4, 1e-9) {
		t.Fatalf("ATR = %f, want 4 for a constant 4-point range", atr[len(atr)-1])
	}
}

func TestCalculateStochasticFlatWindowIsHundred(t *testing.T) {
	candles := make([]utilities.Candle, 20)
	for i := range candles {
		candles[i] = utilities.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     50, High: 50, Low: 50, Close: 50, Volume: 1,
		}
	}
	s := CalculateStochastic(candles, 14, 3)
	if len(s.K) == 0 {
		t.Fatal("stochastic empty on sufficient input")
	}
	for i, k := range s.K {
		if k != 100 {
			t.Fatalf("K[%d] = %f, want 100 when high == low", i, k)
		}
	}
}

func TestDetectTrendNeutralOnShortInput(t *testing.T) {
	if got := DetectTrend([]float64{1, 2, 3}, 14); got != TrendNeutral {
		t.Fatalf("DetectTrend on short input = %d, want neutral", got)
	}
}

func TestDetectTrendDirections(t *testing.T) {
	rising := make([]float64, 60)
	for i := range rising {
		rising[i] = 100 + float64(i)*2
	}
	if got := DetectTrend(rising, 14); got < TrendUp {
		t.Fatalf("DetectTrend on rising series = %d, want >= TrendUp", got)
	}

	falling := make([]float64, 60)
	for i := range falling {
		falling[i] = 200 - float64(i)*2
	}
	if got := DetectTrend(falling, 14); got > TrendDown {
		t.Fatalf("DetectTrend on falling series = %d, want <= TrendDown", got)
	}
}

func TestFindLevelsClustersNearbyExtrema(t *testing.T) {
	// Alternate around two well-separated levels with local dips at 90-ish
	// and peaks at 110-ish.
	var candles []utilities.Candle
	pattern := []float64{100, 95, 90, 95, 100, 105, 110, 105}
	for cycle := 0; cycle < 4; cycle++ {
		jitter := float64(cycle) * 0.05
		for _, p := range pattern {
			candles = append(candles, utilities.Candle{
				OpenTime: int64(len(candles)) * 60_000,
				Open:     p, High: p + 1 + jitter, Low: p - 1 - jitter, Close: p, Volume: 1,
			})
		}
	}
	levels := FindLevels(candles, 3, 1.0)
	if len(levels.Support) == 0 {
		t.Fatal("no support levels found")
	}
	if len(levels.Resistance) == 0 {
		t.Fatal("no resistance levels found")
	}
	for _, s := range levels.Support {
		if s > 95 {
			t.Fatalf("support level %f above the dip zone", s)
		}
	}
	for _, r := range levels.Resistance {
		if r < 105 {
			t.Fatalf("resistance level %f below the peak zone", r)
		}
	}
}
