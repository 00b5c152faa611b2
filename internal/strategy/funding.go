package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/market"
	"paperbot/internal/paper"
	"paperbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FUNDING CARRY STRATEGY
// ═══════════════════════════════════════════════════════════════════════════════
//
// Perp funding is paid by the crowded side. When the recent funding average
// runs persistently positive, longs pay shorts, so the strategy shorts to
// collect the carry; persistently negative funding flips it long. The
// direction bet is secondary, which is why the bracket is wide and the
// stop loose.
//
// Exit: carry normalizes (average falls back under half the entry
// threshold) or the position ages past the hold limit.
//
// ═══════════════════════════════════════════════════════════════════════════════

func init() {
	Register("funding-arbitrage", func() Strategy { return NewFunding() })
}

// Funding harvests perp funding when the rate runs persistently one-sided.
type Funding struct {
	Base
	mu     sync.Mutex
	source market.Source

	threshold   decimal.Decimal
	lookback    int
	stopPercent decimal.Decimal
	sizePercent decimal.Decimal
	maxHold     time.Duration
	cooldown    time.Duration

	lastSignal map[string]time.Time
}

// NewFunding creates the strategy with defaults; Configure overrides them.
func NewFunding() *Funding {
	f := &Funding{
		Base:       NewBase("funding-arbitrage", "funding-rate carry harvester", "1h", 24, decimal.NewFromInt(4)),
		lastSignal: make(map[string]time.Time),
	}
	if err := f.Configure(nil); err != nil {
		panic(err)
	}
	return f
}

// SetMarketSource wires the funding-rate feed.
func (f *Funding) SetMarketSource(src market.Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = src
}

// Params declares the tunables.
func (f *Funding) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "funding_threshold", Type: ParamFloat, Default: 0.0005, Min: Bound(0.00001), Max: Bound(0.1), Description: "absolute per-interval funding rate that counts as one-sided"},
		{Name: "lookback_rates", Type: ParamInt, Default: 3, Min: Bound(1), Max: Bound(100), Description: "funding intervals averaged"},
		{Name: "stop_percent", Type: ParamFloat, Default: 2.5, Min: Bound(0.1), Max: Bound(50), Description: "stop-loss distance from entry, percent"},
		{Name: "size_percent", Type: ParamFloat, Default: 10, Min: Bound(0.1), Max: Bound(100), Description: "balance % deployed per entry"},
		{Name: "max_hold_hours", Type: ParamInt, Default: 24, Min: Bound(1), Max: Bound(720), Description: "force-close positions older than this"},
		{Name: "cooldown_minutes", Type: ParamInt, Default: 60, Min: Bound(0), Max: Bound(10080), Description: "wait after a signal per symbol"},
	}
}

// Configure applies validated parameters.
func (f *Funding) Configure(params map[string]any) error {
	validated, err := ValidateParams(f.Params(), params)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = decimal.NewFromFloat(FloatParam(validated, "funding_threshold"))
	f.lookback = IntParam(validated, "lookback_rates")
	f.stopPercent = decimal.NewFromFloat(FloatParam(validated, "stop_percent"))
	f.sizePercent = decimal.NewFromFloat(FloatParam(validated, "size_percent"))
	f.maxHold = time.Duration(IntParam(validated, "max_hold_hours")) * time.Hour
	f.cooldown = time.Duration(IntParam(validated, "cooldown_minutes")) * time.Minute
	return nil
}

// averageFunding fetches the recent funding history and averages it.
func (f *Funding) averageFunding(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if f.source == nil {
		return decimal.Zero, errors.New("strategy: funding needs a market source")
	}
	rates, err := f.source.GetFundingRates(ctx, symbol, f.lookback)
	if err != nil {
		return decimal.Zero, err
	}
	if len(rates) == 0 {
		return decimal.Zero, market.ErrNoData
	}
	sum := decimal.Zero
	for _, r := range rates {
		sum = sum.Add(r.Rate)
	}
	return sum.Div(decimal.NewFromInt(int64(len(rates)))), nil
}

// Analyze enters against the side paying funding.
func (f *Funding) Analyze(ctx context.Context, symbol string, candles []types.Candle) (*Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// === ENTRY FILTERS ===

	// 1. Cooldown per symbol
	if t, ok := f.lastSignal[symbol]; ok && time.Since(t) < f.cooldown {
		return nil, nil
	}

	// 2. Funding average must clear the threshold
	avg, err := f.averageFunding(ctx, symbol)
	if errors.Is(err, market.ErrNoData) {
		log.Debug().Str("symbol", symbol).Msg("Rejected: no funding history")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if avg.Abs().LessThan(f.threshold) {
		return nil, nil
	}

	side := types.SideShort
	kind := KindSell
	if avg.IsNegative() {
		side = types.SideLong
		kind = KindBuy
	}

	last := candles[len(candles)-1]
	dir := side.Direction()
	stop := last.Close.Mul(one.Sub(f.stopPercent.Div(hundred).Mul(dir)))

	// Confidence scales with how far the carry clears the threshold.
	ratio := avg.Abs().Div(f.threshold)
	confidence := decimal.NewFromInt(4).Add(ratio)
	if confidence.GreaterThan(decimal.NewFromInt(8)) {
		confidence = decimal.NewFromInt(8)
	}

	f.lastSignal[symbol] = time.Now()
	log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("avg_funding", avg.StringFixed(6)).
		Msg("🎯 Funding carry signal generated")

	return &Signal{
		Kind:        kind,
		Symbol:      symbol,
		Confidence:  confidence,
		Price:       last.Close,
		StopLoss:    &stop,
		SizePercent: f.sizePercent,
		Reason:      fmt.Sprintf("funding: avg rate %s over %d intervals", avg.StringFixed(6), f.lookback),
		Observations: []string{
			fmt.Sprintf("threshold %s", f.threshold.StringFixed(6)),
		},
	}, nil
}

// ShouldClose exits once the carry fades or the position ages out.
func (f *Funding) ShouldClose(ctx context.Context, pos paper.PositionView, candles []types.Candle) (*Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	price := candles[len(candles)-1].Close

	if time.Since(pos.OpenedAt) >= f.maxHold {
		return &Signal{
			Kind:       KindClose,
			Symbol:     pos.Symbol,
			Confidence: decimal.NewFromInt(8),
			Price:      price,
			Reason:     fmt.Sprintf("funding: position held past %s", f.maxHold),
			ExitReason: types.ExitTimeout,
		}, nil
	}

	avg, err := f.averageFunding(ctx, pos.Symbol)
	if errors.Is(err, market.ErrNoData) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// The carry that justified the entry: shorts need positive funding,
	// longs negative. Half the threshold is the normalization line.
	carry := avg
	if pos.Side == types.SideLong {
		carry = avg.Neg()
	}
	if carry.GreaterThanOrEqual(f.threshold.Div(decimal.NewFromInt(2))) {
		return nil, nil
	}

	return &Signal{
		Kind:       KindClose,
		Symbol:     pos.Symbol,
		Confidence: decimal.NewFromInt(6),
		Price:      price,
		Reason:     fmt.Sprintf("funding: carry normalized to %s", avg.StringFixed(6)),
		ExitReason: types.ExitStructureNormalized,
	}, nil
}
