// Package indicators provides the technical indicators used by strategies
// and by the trade-register entry snapshot. All functions are pure, operate
// on float64 slices (oldest first), and return neutral values instead of
// panicking on short or degenerate input.
package indicators

import (
	"math"

	"github.com/shopspring/decimal"

	"paperbot/internal/types"
)

// RSI calculates the Relative Strength Index with Wilder smoothing.
func RSI(prices []float64, period int) float64 {
	if period < 1 || len(prices) < period+1 {
		return 50 // neutral when there is not enough data
	}

	gains := make([]float64, 0, len(prices)-1)
	losses := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// SMA calculates the Simple Moving Average of the last period values.
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 || period < 1 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}
	return average(prices[len(prices)-period:])
}

// EMA calculates the Exponential Moving Average, seeded with the SMA of
// the first period values.
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 || period < 1 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}

	multiplier := 2.0 / float64(period+1)
	ema := average(prices[:period])
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}
	return ema
}

// emaSeries returns the EMA at every index from period-1 onward.
func emaSeries(prices []float64, period int) []float64 {
	if len(prices) < period || period < 1 {
		return nil
	}
	out := make([]float64, 0, len(prices)-period+1)
	multiplier := 2.0 / float64(period+1)
	ema := average(prices[:period])
	out = append(out, ema)
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out
}

// MACD calculates the MACD line, its signal line, and the histogram.
// The signal line is a true EMA over the MACD series, so the caller must
// provide at least slowPeriod+signalPeriod bars for a meaningful value.
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) (macd, signal, histogram float64) {
	if len(prices) < slowPeriod || slowPeriod <= fastPeriod {
		return 0, 0, 0
	}

	fast := emaSeries(prices, fastPeriod)
	slow := emaSeries(prices, slowPeriod)
	offset := len(fast) - len(slow)
	macdSeries := make([]float64, len(slow))
	for i := range slow {
		macdSeries[i] = fast[i+offset] - slow[i]
	}

	macd = macdSeries[len(macdSeries)-1]
	if len(macdSeries) >= signalPeriod {
		signal = EMA(macdSeries, signalPeriod)
	} else {
		signal = average(macdSeries)
	}
	return macd, signal, macd - signal
}

// Volatility calculates the standard deviation of the values.
func Volatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	avg := average(prices)
	sumSquares := 0.0
	for _, p := range prices {
		sumSquares += (p - avg) * (p - avg)
	}
	return math.Sqrt(sumSquares / float64(len(prices)))
}

// ReturnsVolatility calculates the standard deviation of percentage
// returns, expressed in percent. Used as the market-context volatility
// recorded at position entry.
func ReturnsVolatility(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1]*100)
	}
	return Volatility(returns)
}

// ATR calculates the Average True Range over the period.
func ATR(highs, lows, closes []float64, period int) float64 {
	if period < 1 || len(highs) < period+1 || len(lows) < period+1 || len(closes) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		tr := math.Max(
			highs[i]-lows[i],
			math.Max(
				math.Abs(highs[i]-closes[i-1]),
				math.Abs(lows[i]-closes[i-1]),
			),
		)
		trs = append(trs, tr)
	}
	return SMA(trs, period)
}

// BollingerBands calculates the upper, middle, and lower bands.
func BollingerBands(prices []float64, period int, stdDev float64) (upper, middle, lower float64) {
	if len(prices) < period || period < 1 {
		return 0, 0, 0
	}
	middle = SMA(prices, period)
	sigma := Volatility(prices[len(prices)-period:])
	upper = middle + sigma*stdDev
	lower = middle - sigma*stdDev
	return upper, middle, lower
}

// BollingerPosition returns where price sits inside the bands, 0 at the
// lower band and 1 at the upper, clamped to [0, 1]. Degenerate bands
// return 0.5.
func BollingerPosition(price, upper, lower float64) float64 {
	if upper <= lower {
		return 0.5
	}
	pos := (price - lower) / (upper - lower)
	return clamp(pos, 0, 1)
}

// VolumeZScore returns how many standard deviations the latest volume is
// from the window mean. Zero when the window is flat or too short.
func VolumeZScore(volumes []float64) float64 {
	if len(volumes) < 3 {
		return 0
	}
	history := volumes[:len(volumes)-1]
	sigma := Volatility(history)
	if sigma == 0 {
		return 0
	}
	return (volumes[len(volumes)-1] - average(history)) / sigma
}

// Snapshot is the indicator state recorded on a trade-register entry row.
type Snapshot struct {
	RSI               float64
	MACD              float64
	MACDSignal        float64
	BollingerPosition float64
	Volatility        float64 // stddev of percent returns
}

// TakeSnapshot computes the entry snapshot from closed candles,
// oldest first.
func TakeSnapshot(candles []types.Candle) Snapshot {
	closes := Closes(candles)
	if len(closes) == 0 {
		return Snapshot{RSI: 50, BollingerPosition: 0.5}
	}
	upper, _, lower := BollingerBands(closes, 20, 2)
	macd, signal, _ := MACD(closes, 12, 26, 9)
	return Snapshot{
		RSI:               RSI(closes, 14),
		MACD:              macd,
		MACDSignal:        signal,
		BollingerPosition: BollingerPosition(closes[len(closes)-1], upper, lower),
		Volatility:        ReturnsVolatility(closes),
	}
}

// Candle series extractors.

// Closes returns the close prices as float64, oldest first.
func Closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = DecimalToFloat(c.Close)
	}
	return out
}

// Highs returns the high prices as float64, oldest first.
func Highs(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = DecimalToFloat(c.High)
	}
	return out
}

// Lows returns the low prices as float64, oldest first.
func Lows(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = DecimalToFloat(c.Low)
	}
	return out
}

// Volumes returns the volumes as float64, oldest first.
func Volumes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = DecimalToFloat(c.Volume)
	}
	return out
}

// Helper functions

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DecimalToFloat converts decimal to float64.
func DecimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// FloatToDecimal converts float64 to decimal.
func FloatToDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
