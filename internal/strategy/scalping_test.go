package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperbot/internal/paper"
	"paperbot/internal/types"
)

// alternating builds an n-bar sawtooth between lo and hi, starting at lo.
// The final bar direction depends on the parity of n.
func alternating(n int, lo, hi float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = lo
		} else {
			out[i] = hi
		}
	}
	return out
}

func newTestScalping(t *testing.T, params map[string]any) *Scalping {
	t.Helper()
	s := NewScalping()
	require.NoError(t, s.Configure(params))
	return s
}

func TestScalpingConfigureRejectsBadEMAPair(t *testing.T) {
	s := NewScalping()

	err := s.Configure(map[string]any{"ema_fast": 21, "ema_slow": 21})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ema_fast")

	err = s.Configure(map[string]any{"ema_fast": 30, "ema_slow": 21})
	assert.Error(t, err)
}

func TestScalpingLongOnFreshCrossUp(t *testing.T) {
	s := newTestScalping(t, map[string]any{"cooldown_minutes": 0})
	// A sawtooth ending on an up-tick flips the fast EMA over the slow on
	// the last bar only.
	window := bars(alternating(60, 100, 101), nil, time.Minute, 0.1)

	sig, err := s.Analyze(context.Background(), "ETH-USD", window)

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindBuy, sig.Kind)
	assert.True(t, sig.Price.Equal(dec("101")))
	require.NotNil(t, sig.StopLoss)
	require.NotNil(t, sig.TakeProfit)
	assert.True(t, sig.StopLoss.LessThan(sig.Price))
	assert.True(t, sig.TakeProfit.GreaterThan(sig.Price))
	assert.True(t, sig.SizePercent.Equal(dec("5")))
	assert.True(t, sig.Confidence.GreaterThanOrEqual(dec("5")))
	assert.True(t, sig.Confidence.LessThanOrEqual(dec("8")))
}

func TestScalpingShortOnFreshCrossDown(t *testing.T) {
	s := newTestScalping(t, map[string]any{"cooldown_minutes": 0})
	window := bars(alternating(60, 101, 100), nil, time.Minute, 0.1)

	sig, err := s.Analyze(context.Background(), "ETH-USD", window)

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindSell, sig.Kind)
	assert.True(t, sig.StopLoss.GreaterThan(sig.Price))
	assert.True(t, sig.TakeProfit.LessThan(sig.Price))
}

func TestScalpingQuietTapeRejected(t *testing.T) {
	s := newTestScalping(t, map[string]any{"cooldown_minutes": 0, "min_volatility": 5.0})
	window := bars(alternating(60, 100, 101), nil, time.Minute, 0.1)

	sig, err := s.Analyze(context.Background(), "ETH-USD", window)

	require.NoError(t, err)
	assert.Nil(t, sig, "sub-floor volatility produces nothing")
}

func TestScalpingNeedsAFreshCross(t *testing.T) {
	s := newTestScalping(t, map[string]any{"cooldown_minutes": 0})
	// Two rising closes on top of the sawtooth: fast stays above slow on
	// both of the last two bars, so the cross is stale.
	closes := append(alternating(58, 100, 101), 103, 104)
	window := bars(closes, nil, time.Minute, 0.1)

	sig, err := s.Analyze(context.Background(), "ETH-USD", window)

	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestScalpingRejectsCrossIntoOverbought(t *testing.T) {
	s := newTestScalping(t, map[string]any{"cooldown_minutes": 0})
	// A slow drip down then one violent bar up: the cross is fresh but RSI
	// is pinned high.
	closes := make([]float64, 60)
	for i := 0; i < 59; i++ {
		closes[i] = 100 - 0.05*float64(i)
	}
	closes[59] = 110
	window := bars(closes, nil, time.Minute, 0.1)

	sig, err := s.Analyze(context.Background(), "ETH-USD", window)

	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestScalpingCooldownSuppressesRepeats(t *testing.T) {
	s := newTestScalping(t, nil)
	window := bars(alternating(60, 100, 101), nil, time.Minute, 0.1)

	sig, err := s.Analyze(context.Background(), "ETH-USD", window)
	require.NoError(t, err)
	require.NotNil(t, sig)

	sig, err = s.Analyze(context.Background(), "ETH-USD", window)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestScalpingShouldCloseOnOppositeCross(t *testing.T) {
	s := newTestScalping(t, nil)
	pos := paper.PositionView{Symbol: "ETH-USD", Side: types.SideLong}

	// EMA state against the long: close it.
	sig, err := s.ShouldClose(context.Background(), pos,
		bars(alternating(60, 101, 100), nil, time.Minute, 0.1))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindClose, sig.Kind)
	assert.Contains(t, sig.Reason, "EMA cross")

	// EMA state with the long: leave it.
	sig, err = s.ShouldClose(context.Background(), pos,
		bars(alternating(60, 100, 101), nil, time.Minute, 0.1))
	require.NoError(t, err)
	assert.Nil(t, sig)
}
