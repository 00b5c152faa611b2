package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/indicators"
	"paperbot/internal/paper"
	"paperbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCALPING STRATEGY
// ═══════════════════════════════════════════════════════════════════════════════
//
// Entry: fresh EMA fast/slow cross on the 1m timeframe, with a volatility
// floor (dead tape produces nothing worth scalping) and an RSI guard
// against chasing an already stretched move.
//
// Exit: opposite cross. Targets and stops are tight percent brackets set
// at entry.
//
// ═══════════════════════════════════════════════════════════════════════════════

func init() {
	Register("scalping", func() Strategy { return NewScalping() })
}

// Scalping trades short EMA crosses with tight brackets.
type Scalping struct {
	Base
	mu sync.Mutex

	emaFast       int
	emaSlow       int
	rsiPeriod     int
	minVolatility float64
	targetPercent decimal.Decimal
	stopPercent   decimal.Decimal
	sizePercent   decimal.Decimal
	cooldown      time.Duration

	lastSignal map[string]time.Time
}

// NewScalping creates the strategy with defaults; Configure overrides them.
func NewScalping() *Scalping {
	s := &Scalping{
		Base:       NewBase("scalping", "EMA cross scalper with tight brackets", "1m", 60, decimal.NewFromInt(4)),
		lastSignal: make(map[string]time.Time),
	}
	if err := s.Configure(nil); err != nil {
		panic(err)
	}
	return s
}

// Params declares the tunables.
func (s *Scalping) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "ema_fast", Type: ParamInt, Default: 9, Min: Bound(2), Max: Bound(100), Description: "fast EMA period"},
		{Name: "ema_slow", Type: ParamInt, Default: 21, Min: Bound(3), Max: Bound(300), Description: "slow EMA period"},
		{Name: "rsi_period", Type: ParamInt, Default: 14, Min: Bound(2), Max: Bound(100), Description: "RSI period for the stretch guard"},
		{Name: "min_volatility", Type: ParamFloat, Default: 0.05, Min: Bound(0), Max: Bound(10), Description: "floor on returns volatility, percent"},
		{Name: "target_percent", Type: ParamFloat, Default: 0.6, Min: Bound(0.05), Max: Bound(10), Description: "take-profit distance from entry, percent"},
		{Name: "stop_percent", Type: ParamFloat, Default: 0.4, Min: Bound(0.05), Max: Bound(10), Description: "stop-loss distance from entry, percent"},
		{Name: "size_percent", Type: ParamFloat, Default: 5, Min: Bound(0.1), Max: Bound(100), Description: "balance % deployed per entry"},
		{Name: "cooldown_minutes", Type: ParamInt, Default: 5, Min: Bound(0), Max: Bound(1440), Description: "wait after a signal per symbol"},
	}
}

// Configure applies validated parameters. Fast must stay under slow.
func (s *Scalping) Configure(params map[string]any) error {
	validated, err := ValidateParams(s.Params(), params)
	if err != nil {
		return err
	}
	fast := IntParam(validated, "ema_fast")
	slow := IntParam(validated, "ema_slow")
	if fast >= slow {
		return fmt.Errorf("strategy: ema_fast (%d) must be below ema_slow (%d)", fast, slow)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.emaFast = fast
	s.emaSlow = slow
	s.rsiPeriod = IntParam(validated, "rsi_period")
	s.minVolatility = FloatParam(validated, "min_volatility")
	s.targetPercent = decimal.NewFromFloat(FloatParam(validated, "target_percent"))
	s.stopPercent = decimal.NewFromFloat(FloatParam(validated, "stop_percent"))
	s.sizePercent = decimal.NewFromFloat(FloatParam(validated, "size_percent"))
	s.cooldown = time.Duration(IntParam(validated, "cooldown_minutes")) * time.Minute
	return nil
}

// crossState computes the EMA relation on the last two bars.
// +1 means fast above slow, -1 below.
func (s *Scalping) crossState(closes []float64) (curr, prev int) {
	rel := func(prices []float64) int {
		fast := indicators.EMA(prices, s.emaFast)
		slow := indicators.EMA(prices, s.emaSlow)
		if fast > slow {
			return 1
		}
		return -1
	}
	return rel(closes), rel(closes[:len(closes)-1])
}

// Analyze enters on a fresh cross.
func (s *Scalping) Analyze(ctx context.Context, symbol string, candles []types.Candle) (*Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// === ENTRY FILTERS ===

	// 1. Cooldown per symbol
	if t, ok := s.lastSignal[symbol]; ok && time.Since(t) < s.cooldown {
		return nil, nil
	}

	closes := indicators.Closes(candles)
	last := candles[len(candles)-1]

	// 2. Volatility floor
	vol := indicators.ReturnsVolatility(closes)
	if vol < s.minVolatility {
		return nil, nil
	}

	// 3. Fresh cross on the latest bar
	curr, prev := s.crossState(closes)
	if curr == prev {
		return nil, nil
	}

	side := types.SideLong
	kind := KindBuy
	if curr < 0 {
		side = types.SideShort
		kind = KindSell
	}

	// 4. RSI guard: no longs into overbought, no shorts into oversold
	rsi := indicators.RSI(closes, s.rsiPeriod)
	if side == types.SideLong && rsi > 70 {
		log.Debug().Str("symbol", symbol).Float64("rsi", rsi).
			Msg("Rejected: cross into overbought")
		return nil, nil
	}
	if side == types.SideShort && rsi < 30 {
		log.Debug().Str("symbol", symbol).Float64("rsi", rsi).
			Msg("Rejected: cross into oversold")
		return nil, nil
	}

	// === ALL FILTERS PASSED - GENERATE SIGNAL ===

	dir := side.Direction()
	stop := last.Close.Mul(one.Sub(s.stopPercent.Div(hundred).Mul(dir)))
	target := last.Close.Mul(one.Add(s.targetPercent.Div(hundred).Mul(dir)))

	// More volatility, more conviction, capped well under breakout levels.
	confidence := decimal.NewFromInt(5).Add(decimal.NewFromFloat(vol))
	if confidence.GreaterThan(decimal.NewFromInt(8)) {
		confidence = decimal.NewFromInt(8)
	}

	s.lastSignal[symbol] = time.Now()
	log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("volatility", vol).
		Msg("🎯 Scalp signal generated")

	return &Signal{
		Kind:        kind,
		Symbol:      symbol,
		Confidence:  confidence,
		Price:       last.Close,
		StopLoss:    &stop,
		TakeProfit:  &target,
		SizePercent: s.sizePercent,
		Reason:      fmt.Sprintf("scalp: EMA %d/%d crossed %s", s.emaFast, s.emaSlow, side),
	}, nil
}

// ShouldClose exits on the opposite cross; the brackets handle the rest.
func (s *Scalping) ShouldClose(ctx context.Context, pos paper.PositionView, candles []types.Candle) (*Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closes := indicators.Closes(candles)
	curr, _ := s.crossState(closes)

	against := (pos.Side == types.SideLong && curr < 0) ||
		(pos.Side == types.SideShort && curr > 0)
	if !against {
		return nil, nil
	}

	return &Signal{
		Kind:       KindClose,
		Symbol:     pos.Symbol,
		Confidence: decimal.NewFromInt(6),
		Price:      candles[len(candles)-1].Close,
		Reason:     "scalp: EMA cross turned against position",
	}, nil
}
