package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperbot/internal/paper"
	"paperbot/internal/types"
)

// anomalyWindow builds 50 bars of flat tape on alternating 10/12 volume,
// then replaces the last bar with the given close and volume. The
// alternation gives the volume baseline a nonzero deviation, so the spike
// produces a huge z-score.
func anomalyWindow(lastClose, lastVolume float64) []types.Candle {
	closes := flatSeries(50, 100)
	closes[49] = lastClose
	volumes := alternating(50, 10, 12)
	volumes[49] = lastVolume
	return bars(closes, volumes, 5*time.Minute, 0.2)
}

func newTestAnomaly(t *testing.T) *Anomaly {
	t.Helper()
	a := NewAnomaly()
	require.NoError(t, a.Configure(map[string]any{"cooldown_minutes": 0}))
	return a
}

func TestAnomalyLongOnBullishSpike(t *testing.T) {
	a := newTestAnomaly(t)

	sig, err := a.Analyze(context.Background(), "SOL-USD", anomalyWindow(102, 100))

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindBuy, sig.Kind)
	assert.True(t, sig.Price.Equal(dec("102")))
	assert.True(t, sig.StopLoss.LessThan(sig.Price))
	assert.True(t, sig.TakeProfit.GreaterThan(sig.Price))
	// No order book wired: entry fires with reduced conviction.
	assert.True(t, sig.Confidence.Equal(dec("5")))
	assert.Contains(t, sig.Observations, "order book unavailable or neutral")
}

func TestAnomalyBookConfirmationRaisesConviction(t *testing.T) {
	a := newTestAnomaly(t)
	src := newMarketStub()
	src.bookErr = nil
	src.book = &types.OrderBook{
		Symbol: "SOL-USD",
		Bids:   []types.OrderBookLevel{{Price: dec("101.9"), Quantity: dec("30")}},
		Asks:   []types.OrderBookLevel{{Price: dec("102.1"), Quantity: dec("10")}},
	}
	a.SetMarketSource(src)

	sig, err := a.Analyze(context.Background(), "SOL-USD", anomalyWindow(102, 100))

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindBuy, sig.Kind)
	assert.True(t, sig.Confidence.Equal(dec("7")))
	assert.Contains(t, sig.Observations, "order book confirms direction")
}

func TestAnomalyShortOnBearishSpike(t *testing.T) {
	a := newTestAnomaly(t)
	src := newMarketStub()
	src.bookErr = nil
	src.book = &types.OrderBook{
		Symbol: "SOL-USD",
		Bids:   []types.OrderBookLevel{{Price: dec("97.9"), Quantity: dec("10")}},
		Asks:   []types.OrderBookLevel{{Price: dec("98.1"), Quantity: dec("30")}},
	}
	a.SetMarketSource(src)

	sig, err := a.Analyze(context.Background(), "SOL-USD", anomalyWindow(98, 100))

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindSell, sig.Kind)
	assert.True(t, sig.Confidence.Equal(dec("7")))
	assert.True(t, sig.StopLoss.GreaterThan(sig.Price))
	assert.True(t, sig.TakeProfit.LessThan(sig.Price))
}

func TestAnomalyNeutralBookKeepsLowerConviction(t *testing.T) {
	a := newTestAnomaly(t)
	src := newMarketStub()
	src.bookErr = nil
	src.book = &types.OrderBook{
		Symbol: "SOL-USD",
		Bids:   []types.OrderBookLevel{{Price: dec("101.9"), Quantity: dec("15")}},
		Asks:   []types.OrderBookLevel{{Price: dec("102.1"), Quantity: dec("15")}},
	}
	a.SetMarketSource(src)

	sig, err := a.Analyze(context.Background(), "SOL-USD", anomalyWindow(102, 100))

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, sig.Confidence.Equal(dec("5")))
}

func TestAnomalySpikeWithoutMoveRejected(t *testing.T) {
	a := newTestAnomaly(t)

	sig, err := a.Analyze(context.Background(), "SOL-USD", anomalyWindow(100.5, 100))

	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestAnomalyNormalVolumeRejected(t *testing.T) {
	a := newTestAnomaly(t)

	sig, err := a.Analyze(context.Background(), "SOL-USD", anomalyWindow(102, 12))

	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestAnomalyBookErrorPropagates(t *testing.T) {
	a := newTestAnomaly(t)
	src := newMarketStub()
	src.bookErr = errors.New("depth feed down")
	a.SetMarketSource(src)

	_, err := a.Analyze(context.Background(), "SOL-USD", anomalyWindow(102, 100))

	assert.Error(t, err)
}

func TestAnomalyShouldCloseWhenVolumeNormalizes(t *testing.T) {
	a := newTestAnomaly(t)
	pos := paper.PositionView{Symbol: "SOL-USD", Side: types.SideLong}

	// Volume back in line: structure has normalized.
	sig, err := a.ShouldClose(context.Background(), pos, anomalyWindow(102, 11))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindClose, sig.Kind)
	assert.Equal(t, types.ExitStructureNormalized, sig.ExitReason)

	// Still elevated: hold.
	sig, err = a.ShouldClose(context.Background(), pos, anomalyWindow(102, 100))
	require.NoError(t, err)
	assert.Nil(t, sig)
}
