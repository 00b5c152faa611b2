package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperbot/internal/clock"
	"paperbot/internal/market"
	"paperbot/internal/paper"
	"paperbot/internal/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// bars builds n candles with the given closes, spaced spacing apart and
// ending well in the past so every bar counts as closed. High/low hug the
// close by spread.
func bars(closes []float64, volumes []float64, spacing time.Duration, spread float64) []types.Candle {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		vol := 10.0
		if volumes != nil {
			vol = volumes[i]
		}
		price := decimal.NewFromFloat(c)
		out[i] = types.Candle{
			Timestamp: base.Add(time.Duration(i) * spacing),
			Open:      price,
			High:      price.Add(decimal.NewFromFloat(spread)),
			Low:       price.Sub(decimal.NewFromFloat(spread)),
			Close:     price,
			Volume:    decimal.NewFromFloat(vol),
		}
	}
	return out
}

func flatSeries(n int, value float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}

// marketStub scripts the market.Source surface strategies consult.
type marketStub struct {
	candles      []types.Candle
	candlesErr   error
	candleLimits []int

	funding    []types.FundingRate
	fundingErr error

	book    *types.OrderBook
	bookErr error
}

func newMarketStub() *marketStub {
	return &marketStub{
		candlesErr: market.ErrNoData,
		fundingErr: market.ErrNoData,
		bookErr:    market.ErrNoData,
	}
}

func (m *marketStub) FetchCandles(_ context.Context, _, _ string, limit int) ([]types.Candle, error) {
	m.candleLimits = append(m.candleLimits, limit)
	if m.candlesErr != nil {
		return nil, m.candlesErr
	}
	return m.candles, nil
}

func (m *marketStub) GetTicker(context.Context, string) (*types.Ticker, error) {
	return nil, market.ErrNoData
}

func (m *marketStub) GetFundingRates(context.Context, string, int) ([]types.FundingRate, error) {
	if m.fundingErr != nil {
		return nil, m.fundingErr
	}
	return m.funding, nil
}

func (m *marketStub) GetOrderBook(context.Context, string, int) (*types.OrderBook, error) {
	if m.bookErr != nil {
		return nil, m.bookErr
	}
	return m.book, nil
}

func (m *marketStub) Name() string { return "stub" }

// scripted is a fully controllable strategy for harness tests.
type scripted struct {
	Base

	analyzeSig  *Signal
	analyzeErr  error
	analyzePank bool
	analyzed    int

	closeSig  *Signal
	closeErr  error
	closePank bool

	historyPank bool
	history     map[string][]types.Candle
}

func newScripted(minBars int, minConfidence string) *scripted {
	return &scripted{
		Base:    NewBase("scripted", "harness test stub", "1m", minBars, dec(minConfidence)),
		history: make(map[string][]types.Candle),
	}
}

func (s *scripted) Params() []ParamSpec { return nil }

func (s *scripted) Configure(map[string]any) error { return nil }

func (s *scripted) Analyze(_ context.Context, _ string, _ []types.Candle) (*Signal, error) {
	s.analyzed++
	if s.analyzePank {
		panic("analyze exploded")
	}
	return s.analyzeSig, s.analyzeErr
}

func (s *scripted) ShouldClose(_ context.Context, _ paper.PositionView, _ []types.Candle) (*Signal, error) {
	if s.closePank {
		panic("should_close exploded")
	}
	return s.closeSig, s.closeErr
}

func (s *scripted) UpdatePriceHistory(symbol string, candles []types.Candle) {
	if s.historyPank {
		panic("update exploded")
	}
	s.history[symbol] = candles
}

func newTestHarness(s Strategy) (*Harness, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC))
	return NewHarness(s, newMarketStub(), clk), clk
}

func TestEvaluateMinBarsGate(t *testing.T) {
	s := newScripted(5, "0")
	h, _ := newTestHarness(s)

	sig, err := h.Evaluate(context.Background(), "BTC-USD", bars(flatSeries(4, 100), nil, time.Minute, 1))

	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Zero(t, s.analyzed, "strategy never runs on thin history")
}

func TestEvaluatePanicIsolated(t *testing.T) {
	s := newScripted(1, "0")
	s.analyzePank = true
	h, _ := newTestHarness(s)

	sig, err := h.Evaluate(context.Background(), "BTC-USD", bars(flatSeries(3, 100), nil, time.Minute, 1))

	assert.ErrorIs(t, err, ErrStrategyFailed)
	assert.Nil(t, sig)
}

func TestEvaluateErrorWrapped(t *testing.T) {
	s := newScripted(1, "0")
	s.analyzeErr = errors.New("indicator blew up")
	h, _ := newTestHarness(s)

	_, err := h.Evaluate(context.Background(), "BTC-USD", bars(flatSeries(3, 100), nil, time.Minute, 1))

	assert.ErrorIs(t, err, ErrStrategyFailed)
	assert.Contains(t, err.Error(), "indicator blew up")
}

func TestEvaluateDropsHoldsAndNils(t *testing.T) {
	s := newScripted(1, "0")
	h, _ := newTestHarness(s)
	window := bars(flatSeries(3, 100), nil, time.Minute, 1)

	sig, err := h.Evaluate(context.Background(), "BTC-USD", window)
	require.NoError(t, err)
	assert.Nil(t, sig, "nil signal means no action")

	s.analyzeSig = &Signal{Kind: KindHold, Confidence: dec("9"), Reason: "waiting"}
	sig, err = h.Evaluate(context.Background(), "BTC-USD", window)
	require.NoError(t, err)
	assert.Nil(t, sig, "explicit hold is filtered")
}

func TestEvaluateConfidenceFloor(t *testing.T) {
	s := newScripted(1, "5")
	h, _ := newTestHarness(s)
	window := bars(flatSeries(3, 100), nil, time.Minute, 1)

	s.analyzeSig = &Signal{Kind: KindBuy, Confidence: dec("4.9"), Reason: "weak"}
	sig, err := h.Evaluate(context.Background(), "BTC-USD", window)
	require.NoError(t, err)
	assert.Nil(t, sig)

	// Exactly at the floor passes.
	s.analyzeSig = &Signal{Kind: KindBuy, Confidence: dec("5"), Reason: "enough"}
	sig, err = h.Evaluate(context.Background(), "BTC-USD", window)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindBuy, sig.Kind)
}

func TestEvaluateNormalizesSignal(t *testing.T) {
	s := newScripted(1, "0")
	s.analyzeSig = &Signal{Kind: KindBuy, Confidence: dec("15"), Reason: "breakout"}
	h, clk := newTestHarness(s)

	sig, err := h.Evaluate(context.Background(), "BTC-USD", bars(flatSeries(3, 100), nil, time.Minute, 1))

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, "BTC-USD", sig.Symbol)
	assert.Equal(t, "scripted", sig.Strategy)
	assert.Equal(t, clk.Now(), sig.GeneratedAt)
	assert.True(t, dec("10").Equal(sig.Confidence), "confidence is capped at 10")
}

func TestEvaluateCloseOnlyPassesCloseSignals(t *testing.T) {
	s := newScripted(1, "0")
	h, _ := newTestHarness(s)
	pos := paper.PositionView{Symbol: "BTC-USD", Side: types.SideLong}
	window := bars(flatSeries(3, 100), nil, time.Minute, 1)

	s.closeSig = &Signal{Kind: KindBuy, Confidence: dec("9"), Reason: "double down"}
	sig, err := h.EvaluateClose(context.Background(), pos, window)
	require.NoError(t, err)
	assert.Nil(t, sig, "only close kinds survive the close path")

	s.closeSig = &Signal{Kind: KindClose, Confidence: dec("-3"), Reason: "get out"}
	sig, err = h.EvaluateClose(context.Background(), pos, window)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindClose, sig.Kind)
	assert.Equal(t, "BTC-USD", sig.Symbol)
	assert.True(t, sig.Confidence.IsZero(), "negative confidence is floored")
}

func TestEvaluateClosePanicIsolated(t *testing.T) {
	s := newScripted(1, "0")
	s.closePank = true
	h, _ := newTestHarness(s)

	sig, err := h.EvaluateClose(context.Background(),
		paper.PositionView{Symbol: "BTC-USD"}, bars(flatSeries(3, 100), nil, time.Minute, 1))

	assert.ErrorIs(t, err, ErrStrategyFailed)
	assert.Nil(t, sig)
}

func TestUpdatePriceHistoryGetsACopy(t *testing.T) {
	s := newScripted(1, "0")
	h, _ := newTestHarness(s)
	window := bars(flatSeries(3, 100), nil, time.Minute, 1)

	_, err := h.Evaluate(context.Background(), "BTC-USD", window)
	require.NoError(t, err)

	held := s.history["BTC-USD"]
	require.Len(t, held, 3)
	held[0].Close = dec("1")

	assert.True(t, window[0].Close.Equal(dec("100")),
		"strategy mutations must not reach the shared window")
}

func TestUpdatePriceHistoryPanicIsolated(t *testing.T) {
	s := newScripted(1, "0")
	s.historyPank = true
	h, _ := newTestHarness(s)

	_, err := h.Evaluate(context.Background(), "BTC-USD", bars(flatSeries(3, 100), nil, time.Minute, 1))

	assert.ErrorIs(t, err, ErrStrategyFailed)
	assert.Zero(t, s.analyzed, "analyze is skipped when the history update fails")
}

func TestFetchWindowSizing(t *testing.T) {
	src := newMarketStub()
	clk := clock.NewFake(time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC))

	// Small strategies still fetch a useful window.
	h := NewHarness(newScripted(5, "0"), src, clk)
	_, _ = h.FetchWindow(context.Background(), "BTC-USD")
	require.Len(t, src.candleLimits, 1)
	assert.Equal(t, 100, src.candleLimits[0])

	// Hungry strategies get twice their minimum.
	h = NewHarness(newScripted(60, "0"), src, clk)
	_, _ = h.FetchWindow(context.Background(), "BTC-USD")
	require.Len(t, src.candleLimits, 2)
	assert.Equal(t, 120, src.candleLimits[1])
}

func TestClosedCandlesDropsFormingBar(t *testing.T) {
	s := newScripted(1, "0")
	h, clk := newTestHarness(s)

	assert.Empty(t, h.ClosedCandles(nil))

	window := bars(flatSeries(3, 100), nil, time.Minute, 1)
	// Pin the clock 30s into the newest bar: it is still forming.
	clk.Set(window[2].Timestamp.Add(30 * time.Second))
	assert.Len(t, h.ClosedCandles(window), 2)

	// One bar later the newest bar has closed.
	clk.Set(window[2].Timestamp.Add(time.Minute))
	assert.Len(t, h.ClosedCandles(window), 3)
}

func TestRegistryKnowsBuiltins(t *testing.T) {
	names := Names()
	for _, want := range []string{
		"anomaly-detection", "breakout", "funding-arbitrage",
		"llm-prompt", "momentum", "scalping",
	} {
		assert.Contains(t, names, want)
	}

	strat, err := New("breakout")
	require.NoError(t, err)
	assert.Equal(t, "breakout", strat.Name())

	_, err = New("definitely-not-registered")
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	const name = "harness-test-dup"
	if _, err := New(name); err != nil {
		Register(name, func() Strategy { return newScripted(1, "0") })
	}

	assert.Panics(t, func() {
		Register(name, func() Strategy { return newScripted(1, "0") })
	})
}

func TestSignalHelpers(t *testing.T) {
	var none *Signal
	assert.False(t, none.Actionable())
	assert.False(t, none.Entry())
	assert.Equal(t, "no signal", none.String())

	buy := &Signal{Kind: KindBuy, Symbol: "BTC-USD", Confidence: dec("7"), Reason: "up"}
	assert.True(t, buy.Actionable())
	assert.True(t, buy.Entry())
	assert.Equal(t, types.SideLong, buy.Side())

	sell := &Signal{Kind: KindSell}
	assert.Equal(t, types.SideShort, sell.Side())

	cls := &Signal{Kind: KindClose}
	assert.True(t, cls.Actionable())
	assert.False(t, cls.Entry())

	hold := &Signal{Kind: KindHold}
	assert.False(t, hold.Actionable())
}
