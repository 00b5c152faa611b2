package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/indicators"
	"paperbot/internal/market"
	"paperbot/internal/paper"
	"paperbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VOLUME ANOMALY STRATEGY
// ═══════════════════════════════════════════════════════════════════════════════
//
// A volume print several standard deviations above the recent norm,
// paired with a sharp single-bar move, marks aggressive flow. The
// strategy joins the direction of that flow and asks the live order book
// to confirm it; when the book is unavailable the entry still fires but
// with reduced conviction.
//
// Exit: volume z-score decays back toward the norm.
//
// ═══════════════════════════════════════════════════════════════════════════════

func init() {
	Register("anomaly-detection", func() Strategy { return NewAnomaly() })
}

// Anomaly joins sharp moves backed by abnormal volume.
type Anomaly struct {
	Base
	mu     sync.Mutex
	source market.Source

	zThreshold      float64
	returnThreshold decimal.Decimal
	imbalance       decimal.Decimal
	bookDepth       int
	stopPercent     decimal.Decimal
	targetPercent   decimal.Decimal
	sizePercent     decimal.Decimal
	cooldown        time.Duration

	lastSignal map[string]time.Time
}

// NewAnomaly creates the strategy with defaults; Configure overrides them.
func NewAnomaly() *Anomaly {
	a := &Anomaly{
		Base:       NewBase("anomaly-detection", "volume spike and order flow follower", "5m", 50, decimal.NewFromInt(5)),
		lastSignal: make(map[string]time.Time),
	}
	if err := a.Configure(nil); err != nil {
		panic(err)
	}
	return a
}

// SetMarketSource wires the order-book feed used for confirmation.
func (a *Anomaly) SetMarketSource(src market.Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.source = src
}

// Params declares the tunables.
func (a *Anomaly) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "zscore_threshold", Type: ParamFloat, Default: 3, Min: Bound(1), Max: Bound(10), Description: "volume z-score that counts as anomalous"},
		{Name: "return_threshold_percent", Type: ParamFloat, Default: 1, Min: Bound(0.05), Max: Bound(20), Description: "single-bar move that counts as sharp, percent"},
		{Name: "imbalance_threshold", Type: ParamFloat, Default: 0.2, Min: Bound(0), Max: Bound(1), Description: "order-book imbalance needed to confirm direction"},
		{Name: "book_depth", Type: ParamInt, Default: 10, Min: Bound(1), Max: Bound(100), Description: "order-book levels per side"},
		{Name: "stop_percent", Type: ParamFloat, Default: 1.5, Min: Bound(0.05), Max: Bound(20), Description: "stop-loss distance from entry, percent"},
		{Name: "target_percent", Type: ParamFloat, Default: 3, Min: Bound(0.05), Max: Bound(50), Description: "take-profit distance from entry, percent"},
		{Name: "size_percent", Type: ParamFloat, Default: 5, Min: Bound(0.1), Max: Bound(100), Description: "balance % deployed per entry"},
		{Name: "cooldown_minutes", Type: ParamInt, Default: 30, Min: Bound(0), Max: Bound(1440), Description: "wait after a signal per symbol"},
	}
}

// Configure applies validated parameters.
func (a *Anomaly) Configure(params map[string]any) error {
	validated, err := ValidateParams(a.Params(), params)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.zThreshold = FloatParam(validated, "zscore_threshold")
	a.returnThreshold = decimal.NewFromFloat(FloatParam(validated, "return_threshold_percent"))
	a.imbalance = decimal.NewFromFloat(FloatParam(validated, "imbalance_threshold"))
	a.bookDepth = IntParam(validated, "book_depth")
	a.stopPercent = decimal.NewFromFloat(FloatParam(validated, "stop_percent"))
	a.targetPercent = decimal.NewFromFloat(FloatParam(validated, "target_percent"))
	a.sizePercent = decimal.NewFromFloat(FloatParam(validated, "size_percent"))
	a.cooldown = time.Duration(IntParam(validated, "cooldown_minutes")) * time.Minute
	return nil
}

// Analyze enters in the direction of an abnormal-volume move.
func (a *Anomaly) Analyze(ctx context.Context, symbol string, candles []types.Candle) (*Signal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// === ENTRY FILTERS ===

	// 1. Cooldown per symbol
	if t, ok := a.lastSignal[symbol]; ok && time.Since(t) < a.cooldown {
		return nil, nil
	}

	// 2. Volume z-score on the latest bar
	z := indicators.VolumeZScore(indicators.Volumes(candles))
	if z < a.zThreshold {
		return nil, nil
	}

	// 3. The bar itself must move
	last := candles[len(candles)-1]
	prev := candles[len(candles)-2]
	if prev.Close.IsZero() {
		return nil, nil
	}
	ret := last.Close.Sub(prev.Close).Div(prev.Close).Mul(hundred)
	if ret.Abs().LessThan(a.returnThreshold) {
		log.Debug().Str("symbol", symbol).Float64("zscore", z).
			Msg("Rejected: volume spike without a move")
		return nil, nil
	}

	side := types.SideLong
	kind := KindBuy
	if ret.IsNegative() {
		side = types.SideShort
		kind = KindSell
	}

	// 4. Order-book confirmation, when a book exists
	confirmed, err := a.bookConfirms(ctx, symbol, side)
	if err != nil {
		return nil, err
	}
	observations := []string{
		fmt.Sprintf("volume z-score %.2f", z),
		fmt.Sprintf("bar return %s%%", ret.StringFixed(2)),
	}

	// === ALL FILTERS PASSED - GENERATE SIGNAL ===

	dir := side.Direction()
	stop := last.Close.Mul(one.Sub(a.stopPercent.Div(hundred).Mul(dir)))
	target := last.Close.Mul(one.Add(a.targetPercent.Div(hundred).Mul(dir)))

	confidence := decimal.NewFromInt(7)
	if !confirmed {
		confidence = decimal.NewFromInt(5)
		observations = append(observations, "order book unavailable or neutral")
	} else {
		observations = append(observations, "order book confirms direction")
	}

	a.lastSignal[symbol] = time.Now()
	log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("zscore", z).
		Bool("book_confirmed", confirmed).
		Msg("🎯 Anomaly signal generated")

	return &Signal{
		Kind:         kind,
		Symbol:       symbol,
		Confidence:   confidence,
		Price:        last.Close,
		StopLoss:     &stop,
		TakeProfit:   &target,
		SizePercent:  a.sizePercent,
		Reason:       fmt.Sprintf("anomaly: %.1f sigma volume with %s%% move", z, ret.StringFixed(2)),
		Observations: observations,
	}, nil
}

// bookConfirms checks whether order-book imbalance agrees with the side.
// A missing book is not an error, just an unconfirmed entry.
func (a *Anomaly) bookConfirms(ctx context.Context, symbol string, side types.Side) (bool, error) {
	if a.source == nil {
		return false, nil
	}
	book, err := a.source.GetOrderBook(ctx, symbol, a.bookDepth)
	if errors.Is(err, market.ErrNoData) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	imb := book.Imbalance()
	if side == types.SideLong {
		return imb.GreaterThanOrEqual(a.imbalance), nil
	}
	return imb.LessThanOrEqual(a.imbalance.Neg()), nil
}

// ShouldClose exits once volume decays back toward the norm.
func (a *Anomaly) ShouldClose(ctx context.Context, pos paper.PositionView, candles []types.Candle) (*Signal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	z := indicators.VolumeZScore(indicators.Volumes(candles))
	if z >= a.zThreshold/2 {
		return nil, nil
	}

	return &Signal{
		Kind:       KindClose,
		Symbol:     pos.Symbol,
		Confidence: decimal.NewFromInt(6),
		Price:      candles[len(candles)-1].Close,
		Reason:     fmt.Sprintf("anomaly: volume normalized, z-score %.2f", z),
		ExitReason: types.ExitStructureNormalized,
	}, nil
}
