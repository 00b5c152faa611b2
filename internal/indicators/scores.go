package indicators

import "math"

// Component scores for composite strategies. Each helper maps a raw
// indicator reading onto a signed score, positive bullish, negative
// bearish, with the magnitude bounded so components stay comparable
// when weighted together.

// Momentum returns the percent change over the last period bars.
func Momentum(prices []float64, period int) float64 {
	if period < 1 || len(prices) <= period {
		return 0
	}
	current := prices[len(prices)-1]
	previous := prices[len(prices)-1-period]
	if previous == 0 {
		return 0
	}
	return (current - previous) / previous * 100
}

// MomentumScore normalizes momentum into -30..+30. A 1% move over the
// period saturates the score.
func MomentumScore(prices []float64, period int) float64 {
	return clamp(Momentum(prices, period)*30, -30, 30)
}

// RSIScore converts an RSI reading into -20..+20. Oversold readings
// score bullish, overbought bearish, 40..60 is neutral.
func RSIScore(rsi float64) float64 {
	switch {
	case rsi < 30:
		return 10 + (30-rsi)/30*10
	case rsi < 40:
		return (40 - rsi) / 10 * 10
	case rsi > 70:
		return -10 - (rsi-70)/30*10
	case rsi > 60:
		return -(rsi - 60) / 10 * 10
	}
	return 0
}

// VolumeScore rates the latest volume against its average in -15..+15.
// Heavy volume confirms the price direction; a move on thin volume
// scores mildly against it.
func VolumeScore(currentVolume, avgVolume, priceDirection float64) float64 {
	if avgVolume == 0 {
		return 0
	}
	ratio := currentVolume / avgVolume
	confirm := func(magnitude float64) float64 {
		if priceDirection >= 0 {
			return magnitude
		}
		return -magnitude
	}
	switch {
	case ratio > 2.0:
		return confirm(15)
	case ratio > 1.5:
		return confirm(10)
	case ratio < 0.5:
		return confirm(-5)
	}
	return 0
}

// OrderBookImbalanceScore maps resting bid/ask volume into -20..+20.
// A 1.5x bid surplus saturates bullish, the inverse bearish.
func OrderBookImbalanceScore(bidVolume, askVolume float64) float64 {
	if askVolume == 0 && bidVolume == 0 {
		return 0
	}
	if askVolume == 0 {
		return 20
	}
	if bidVolume == 0 {
		return -20
	}
	ratio := bidVolume / askVolume
	if ratio >= 1 {
		return clamp((ratio-1)*40, 0, 20)
	}
	return -clamp((1-ratio)*40, 0, 20)
}

// FundingRateScore reads the funding rate as a contrarian crowding
// signal in -15..+15. Longs paying heavily is bearish, shorts paying
// heavily is bullish.
func FundingRateScore(fundingRate float64) float64 {
	rate := fundingRate * 100
	switch {
	case rate > 0.05:
		return -15
	case rate > 0.02:
		return -10
	case rate < -0.05:
		return 15
	case rate < -0.02:
		return 10
	}
	return 0
}

// PriceDirection is the sign of the latest bar's move, used to orient
// the volume score.
func PriceDirection(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	diff := prices[len(prices)-1] - prices[len(prices)-2]
	if diff == 0 {
		return 0
	}
	return math.Copysign(1, diff)
}
