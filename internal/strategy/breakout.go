package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/indicators"
	"paperbot/internal/paper"
	"paperbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BREAKOUT STRATEGY
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entry: close breaks the N-bar high (long) or N-bar low (short) on
// above-average volume, with an RSI sanity filter against chasing
// exhausted moves. Stops and targets are ATR multiples.
//
// Exit: a close back through the broken level is a failed breakout.
//
// ═══════════════════════════════════════════════════════════════════════════════

func init() {
	Register("breakout", func() Strategy { return NewBreakout() })
}

// Breakout trades range expansions on the 15m timeframe.
type Breakout struct {
	Base
	mu sync.Mutex

	lookback    int
	volumeMult  float64
	rsiFloor    float64
	rsiCeiling  float64
	atrSLMult   decimal.Decimal
	atrTPMult   decimal.Decimal
	sizePercent decimal.Decimal
	cooldown    time.Duration

	lastSignal  map[string]time.Time
	signalCount int
}

// NewBreakout creates the strategy with defaults; Configure overrides them.
func NewBreakout() *Breakout {
	b := &Breakout{
		Base:       NewBase("breakout", "N-bar high/low breakout with volume confirmation", "15m", 40, decimal.NewFromInt(5)),
		lastSignal: make(map[string]time.Time),
	}
	if err := b.Configure(nil); err != nil {
		panic(err) // defaults always validate
	}
	return b
}

// Params declares the tunables.
func (b *Breakout) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "lookback", Type: ParamInt, Default: 20, Min: Bound(5), Max: Bound(200), Description: "bars defining the breakout level"},
		{Name: "volume_mult", Type: ParamFloat, Default: 1.5, Min: Bound(1), Max: Bound(10), Description: "breakout bar volume vs average"},
		{Name: "rsi_floor", Type: ParamFloat, Default: 25, Min: Bound(0), Max: Bound(100), Description: "shorts need RSI above this"},
		{Name: "rsi_ceiling", Type: ParamFloat, Default: 75, Min: Bound(0), Max: Bound(100), Description: "longs need RSI below this"},
		{Name: "atr_sl_mult", Type: ParamFloat, Default: 1.5, Min: Bound(0.1), Max: Bound(10), Description: "stop distance in ATRs"},
		{Name: "atr_tp_mult", Type: ParamFloat, Default: 3.0, Min: Bound(0.1), Max: Bound(20), Description: "target distance in ATRs"},
		{Name: "size_percent", Type: ParamFloat, Default: 10, Min: Bound(0.1), Max: Bound(100), Description: "balance % deployed per entry"},
		{Name: "cooldown_minutes", Type: ParamInt, Default: 30, Min: Bound(0), Max: Bound(1440), Description: "wait after a signal per symbol"},
	}
}

// Configure applies validated parameters.
func (b *Breakout) Configure(params map[string]any) error {
	validated, err := ValidateParams(b.Params(), params)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookback = IntParam(validated, "lookback")
	b.volumeMult = FloatParam(validated, "volume_mult")
	b.rsiFloor = FloatParam(validated, "rsi_floor")
	b.rsiCeiling = FloatParam(validated, "rsi_ceiling")
	b.atrSLMult = decimal.NewFromFloat(FloatParam(validated, "atr_sl_mult"))
	b.atrTPMult = decimal.NewFromFloat(FloatParam(validated, "atr_tp_mult"))
	b.sizePercent = decimal.NewFromFloat(FloatParam(validated, "size_percent"))
	b.cooldown = time.Duration(IntParam(validated, "cooldown_minutes")) * time.Minute
	return nil
}

// Analyze looks for a volume-confirmed breakout on the latest bar.
func (b *Breakout) Analyze(ctx context.Context, symbol string, candles []types.Candle) (*Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	last := candles[len(candles)-1]
	history := candles[:len(candles)-1]
	if len(history) < b.lookback {
		return nil, nil
	}

	// === ENTRY FILTERS ===

	// 1. Cooldown per symbol
	if t, ok := b.lastSignal[symbol]; ok && time.Since(t) < b.cooldown {
		return nil, nil
	}

	// 2. Breakout level from the previous lookback bars
	window := history[len(history)-b.lookback:]
	high, low := rangeOf(window)

	var side types.Side
	switch {
	case last.Close.GreaterThan(high):
		side = types.SideLong
	case last.Close.LessThan(low):
		side = types.SideShort
	default:
		return nil, nil
	}

	// 3. Volume confirmation against the window average
	avgVol := averageVolume(window)
	if avgVol.IsZero() ||
		last.Volume.LessThan(avgVol.Mul(decimal.NewFromFloat(b.volumeMult))) {
		log.Debug().
			Str("symbol", symbol).
			Str("volume", last.Volume.String()).
			Str("avg", avgVol.String()).
			Msg("Rejected: breakout volume too thin")
		return nil, nil
	}

	// 4. RSI guard against chasing an exhausted move
	rsi := indicators.RSI(indicators.Closes(candles), 14)
	if side == types.SideLong && rsi > b.rsiCeiling {
		log.Debug().Str("symbol", symbol).Float64("rsi", rsi).
			Msg("Rejected: overbought breakout")
		return nil, nil
	}
	if side == types.SideShort && rsi < b.rsiFloor {
		log.Debug().Str("symbol", symbol).Float64("rsi", rsi).
			Msg("Rejected: oversold breakdown")
		return nil, nil
	}

	// === ALL FILTERS PASSED - GENERATE SIGNAL ===

	atr := decimal.NewFromFloat(indicators.ATR(
		indicators.Highs(candles), indicators.Lows(candles), indicators.Closes(candles), 14))
	if atr.IsZero() {
		atr = last.Close.Mul(decimal.NewFromFloat(0.005))
	}
	dir := side.Direction()
	stop := last.Close.Sub(atr.Mul(b.atrSLMult).Mul(dir))
	target := last.Close.Add(atr.Mul(b.atrTPMult).Mul(dir))

	// Confidence scales with how far the close cleared the level, in ATRs.
	level := high
	if side == types.SideShort {
		level = low
	}
	clearance := last.Close.Sub(level).Mul(dir).Div(atr)
	confidence := decimal.NewFromInt(6).Add(clearance)
	if confidence.GreaterThan(decimal.NewFromInt(9)) {
		confidence = decimal.NewFromInt(9)
	}

	b.signalCount++
	b.lastSignal[symbol] = time.Now()

	kind := KindBuy
	if side == types.SideShort {
		kind = KindSell
	}
	log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("level", level.StringFixed(2)).
		Str("close", last.Close.StringFixed(2)).
		Msg("🎯 Breakout signal generated")

	return &Signal{
		Kind:        kind,
		Symbol:      symbol,
		Confidence:  confidence,
		Price:       last.Close,
		StopLoss:    &stop,
		TakeProfit:  &target,
		SizePercent: b.sizePercent,
		Reason:      "breakout: close cleared " + b.Timeframe() + " " + string(side) + " level on volume",
		Observations: []string{
			"level " + level.StringFixed(2),
			"clearance " + clearance.StringFixed(2) + " ATR",
		},
	}, nil
}

// ShouldClose exits when price closes back through the broken level,
// approximated by the entry price.
func (b *Breakout) ShouldClose(ctx context.Context, pos paper.PositionView, candles []types.Candle) (*Signal, error) {
	last := candles[len(candles)-1]
	failed := false
	if pos.Side == types.SideLong && last.Close.LessThan(pos.EntryPrice) {
		failed = true
	}
	if pos.Side == types.SideShort && last.Close.GreaterThan(pos.EntryPrice) {
		failed = true
	}
	if !failed {
		return nil, nil
	}

	// Give the trade one bar of room before calling it failed.
	if time.Since(pos.OpenedAt) < barDuration(b.Timeframe()) {
		return nil, nil
	}

	return &Signal{
		Kind:       KindClose,
		Symbol:     pos.Symbol,
		Confidence: decimal.NewFromInt(7),
		Price:      last.Close,
		Reason:     "failed breakout: close back through entry",
	}, nil
}

func rangeOf(candles []types.Candle) (high, low decimal.Decimal) {
	high, low = candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		if c.High.GreaterThan(high) {
			high = c.High
		}
		if c.Low.LessThan(low) {
			low = c.Low
		}
	}
	return high, low
}

func averageVolume(candles []types.Candle) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, c := range candles {
		total = total.Add(c.Volume)
	}
	return total.Div(decimal.NewFromInt(int64(len(candles))))
}

func barDuration(timeframe string) time.Duration {
	if d, ok := types.TimeframeDuration(timeframe); ok {
		return d
	}
	return 15 * time.Minute
}
