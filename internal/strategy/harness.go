package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/clock"
	"paperbot/internal/indicators"
	"paperbot/internal/market"
	"paperbot/internal/paper"
	"paperbot/internal/types"
)

// ErrStrategyFailed marks any failure inside a strategy callback, panics
// included. The strategy is skipped for the tick; the session continues.
var ErrStrategyFailed = errors.New("strategy: callback failed")

// defaultCallTimeout bounds each strategy callback. Sized for the LLM
// strategy; indicator strategies finish in microseconds.
const defaultCallTimeout = 10 * time.Second

var confidenceCap = decimal.NewFromInt(10)

// Harness runs one strategy instance against consistent candle windows.
// It owns panic isolation, the minimum-history gate, the confidence gate
// and signal normalization. Strategy instances are single-threaded; the
// orchestrator calls Evaluate and EvaluateClose sequentially.
type Harness struct {
	strategy Strategy
	source   market.Source
	clock    clock.Clock
	window   int
	timeout  time.Duration
}

// NewHarness wraps a configured strategy.
func NewHarness(s Strategy, source market.Source, clk clock.Clock) *Harness {
	window := s.MinBars() * 2
	if window < 100 {
		window = 100
	}
	return &Harness{
		strategy: s,
		source:   source,
		clock:    clk,
		window:   window,
		timeout:  defaultCallTimeout,
	}
}

// Strategy returns the wrapped strategy.
func (h *Harness) Strategy() Strategy { return h.strategy }

// FetchWindow pulls the strategy's candle window for a symbol, oldest
// first. Safe to call concurrently across symbols.
func (h *Harness) FetchWindow(ctx context.Context, symbol string) ([]types.Candle, error) {
	fctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.source.FetchCandles(fctx, symbol, h.strategy.Timeframe(), h.window)
}

// Evaluate asks the strategy for an entry decision on the given window.
// Nil means no action: not enough history, an explicit hold, or a signal
// under the confidence floor.
func (h *Harness) Evaluate(ctx context.Context, symbol string, candles []types.Candle) (*Signal, error) {
	if len(candles) < h.strategy.MinBars() {
		log.Debug().
			Str("strategy", h.strategy.Name()).
			Str("symbol", symbol).
			Int("bars", len(candles)).
			Int("min_bars", h.strategy.MinBars()).
			Msg("not enough history, skipping")
		return nil, nil
	}

	if updater, ok := h.strategy.(PriceHistoryUpdater); ok {
		if err := h.safeUpdateHistory(updater, symbol, candles); err != nil {
			return nil, err
		}
	}

	sig, err := h.safeAnalyze(ctx, symbol, candles)
	if err != nil {
		return nil, err
	}
	if sig == nil || sig.Kind == KindHold || sig.Kind == "" {
		return nil, nil
	}
	if sig.Confidence.LessThan(h.strategy.MinConfidence()) {
		log.Debug().
			Str("strategy", h.strategy.Name()).
			Str("symbol", symbol).
			Str("confidence", sig.Confidence.StringFixed(2)).
			Str("floor", h.strategy.MinConfidence().StringFixed(2)).
			Msg("signal under confidence floor, dropped")
		return nil, nil
	}

	h.normalize(sig, symbol)
	return sig, nil
}

// EvaluateClose asks the strategy whether one of its open positions should
// close. Only KindClose passes through.
func (h *Harness) EvaluateClose(ctx context.Context, pos paper.PositionView, candles []types.Candle) (*Signal, error) {
	if len(candles) < h.strategy.MinBars() {
		return nil, nil
	}
	sig, err := h.safeShouldClose(ctx, pos, candles)
	if err != nil {
		return nil, err
	}
	if sig == nil || sig.Kind != KindClose {
		return nil, nil
	}
	h.normalize(sig, pos.Symbol)
	return sig, nil
}

// Snapshot computes the entry indicator snapshot from the fully closed
// candles in the window, so a forming bar never leaks into the register.
func (h *Harness) Snapshot(candles []types.Candle) indicators.Snapshot {
	return indicators.TakeSnapshot(h.ClosedCandles(candles))
}

// ClosedCandles drops the newest bar when it is still forming.
func (h *Harness) ClosedCandles(candles []types.Candle) []types.Candle {
	if len(candles) == 0 {
		return candles
	}
	dur, ok := types.TimeframeDuration(h.strategy.Timeframe())
	if !ok {
		return candles
	}
	last := candles[len(candles)-1]
	if last.Timestamp.Add(dur).After(h.clock.Now()) {
		return candles[:len(candles)-1]
	}
	return candles
}

func (h *Harness) normalize(sig *Signal, symbol string) {
	if sig.Symbol == "" {
		sig.Symbol = symbol
	}
	if sig.Strategy == "" {
		sig.Strategy = h.strategy.Name()
	}
	if sig.GeneratedAt.IsZero() {
		sig.GeneratedAt = h.clock.Now()
	}
	if sig.Confidence.IsNegative() {
		sig.Confidence = decimal.Zero
	}
	if sig.Confidence.GreaterThan(confidenceCap) {
		sig.Confidence = confidenceCap
	}
}

func (h *Harness) safeAnalyze(ctx context.Context, symbol string, candles []types.Candle) (sig *Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s analyze panicked: %v", ErrStrategyFailed, h.strategy.Name(), r)
			sig = nil
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	sig, aerr := h.strategy.Analyze(cctx, symbol, candles)
	if aerr != nil {
		return nil, fmt.Errorf("%w: %s analyze: %v", ErrStrategyFailed, h.strategy.Name(), aerr)
	}
	return sig, nil
}

func (h *Harness) safeShouldClose(ctx context.Context, pos paper.PositionView, candles []types.Candle) (sig *Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s should_close panicked: %v", ErrStrategyFailed, h.strategy.Name(), r)
			sig = nil
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	sig, serr := h.strategy.ShouldClose(cctx, pos, candles)
	if serr != nil {
		return nil, fmt.Errorf("%w: %s should_close: %v", ErrStrategyFailed, h.strategy.Name(), serr)
	}
	return sig, nil
}

func (h *Harness) safeUpdateHistory(u PriceHistoryUpdater, symbol string, candles []types.Candle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s update_price_history panicked: %v", ErrStrategyFailed, h.strategy.Name(), r)
		}
	}()

	// Strategies keep their own history; hand them a copy so cached rows
	// stay immutable.
	window := make([]types.Candle, len(candles))
	copy(window, candles)
	u.UpdatePriceHistory(symbol, window)
	return nil
}
