package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
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
// MOMENTUM COMPOSITE STRATEGY
// ═══════════════════════════════════════════════════════════════════════════════
//
// Five components vote on direction: RSI, price momentum, volume
// confirmation, order-book imbalance and funding crowding. Each
// component lands on a common -100..+100 scale, the weighted blend is
// renormalized over the components that produced a reading, and the
// strategy trades only when the composite clears the entry threshold.
// Missing feeds (no order book, no funding history) shrink the vote
// instead of blocking it.
//
// Exit: composite swings against the position past the exit threshold.
//
// ═══════════════════════════════════════════════════════════════════════════════

func init() {
	Register("momentum", func() Strategy { return NewMomentum() })
}

// Native bounds of the component score helpers, used to rescale each
// reading to the common -100..+100 composite scale.
const (
	rsiScoreBound      = 20
	momentumScoreBound = 30
	volumeScoreBound   = 15
	bookScoreBound     = 20
	fundingScoreBound  = 15
)

// Momentum blends weighted indicator component scores into one signal.
type Momentum struct {
	Base
	mu     sync.Mutex
	source market.Source

	rsiPeriod      int
	momentumPeriod int
	volumeAvg      int
	bookDepth      int
	weightRSI      float64
	weightMomentum float64
	weightVolume   float64
	weightBook     float64
	weightFunding  float64
	entryScore     float64
	exitScore      float64
	stopPercent    decimal.Decimal
	targetPercent  decimal.Decimal
	sizePercent    decimal.Decimal
	cooldown       time.Duration

	lastSignal map[string]time.Time
}

// NewMomentum creates the strategy with defaults; Configure overrides them.
func NewMomentum() *Momentum {
	m := &Momentum{
		Base:       NewBase("momentum", "weighted multi-indicator composite", "15m", 40, decimal.NewFromInt(5)),
		lastSignal: make(map[string]time.Time),
	}
	if err := m.Configure(nil); err != nil {
		panic(err)
	}
	return m
}

// SetMarketSource wires the order-book and funding feeds.
func (m *Momentum) SetMarketSource(src market.Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = src
}

// Params declares the tunables.
func (m *Momentum) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "rsi_period", Type: ParamInt, Default: 14, Min: Bound(2), Max: Bound(100), Description: "RSI period"},
		{Name: "momentum_period", Type: ParamInt, Default: 10, Min: Bound(1), Max: Bound(100), Description: "bars for the momentum component"},
		{Name: "volume_avg_period", Type: ParamInt, Default: 20, Min: Bound(2), Max: Bound(200), Description: "bars averaged for the volume baseline"},
		{Name: "book_depth", Type: ParamInt, Default: 10, Min: Bound(1), Max: Bound(100), Description: "order-book levels per side"},
		{Name: "weight_rsi", Type: ParamFloat, Default: 0.20, Min: Bound(0), Max: Bound(1), Description: "weight of the RSI component"},
		{Name: "weight_momentum", Type: ParamFloat, Default: 0.25, Min: Bound(0), Max: Bound(1), Description: "weight of the momentum component"},
		{Name: "weight_volume", Type: ParamFloat, Default: 0.15, Min: Bound(0), Max: Bound(1), Description: "weight of the volume component"},
		{Name: "weight_orderbook", Type: ParamFloat, Default: 0.25, Min: Bound(0), Max: Bound(1), Description: "weight of the order-book component"},
		{Name: "weight_funding", Type: ParamFloat, Default: 0.15, Min: Bound(0), Max: Bound(1), Description: "weight of the funding component"},
		{Name: "entry_score", Type: ParamFloat, Default: 20, Min: Bound(1), Max: Bound(100), Description: "composite magnitude required to enter"},
		{Name: "exit_score", Type: ParamFloat, Default: 10, Min: Bound(0), Max: Bound(100), Description: "opposing composite magnitude that closes"},
		{Name: "stop_percent", Type: ParamFloat, Default: 2, Min: Bound(0.05), Max: Bound(20), Description: "stop-loss distance from entry, percent"},
		{Name: "target_percent", Type: ParamFloat, Default: 4, Min: Bound(0.05), Max: Bound(50), Description: "take-profit distance from entry, percent"},
		{Name: "size_percent", Type: ParamFloat, Default: 5, Min: Bound(0.1), Max: Bound(100), Description: "balance % deployed per entry"},
		{Name: "cooldown_minutes", Type: ParamInt, Default: 15, Min: Bound(0), Max: Bound(1440), Description: "wait after a signal per symbol"},
	}
}

// Configure applies validated parameters. At least one component must
// carry weight.
func (m *Momentum) Configure(params map[string]any) error {
	validated, err := ValidateParams(m.Params(), params)
	if err != nil {
		return err
	}
	wRSI := FloatParam(validated, "weight_rsi")
	wMom := FloatParam(validated, "weight_momentum")
	wVol := FloatParam(validated, "weight_volume")
	wBook := FloatParam(validated, "weight_orderbook")
	wFund := FloatParam(validated, "weight_funding")
	if wRSI+wMom+wVol+wBook+wFund == 0 {
		return fmt.Errorf("strategy: momentum component weights sum to zero")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rsiPeriod = IntParam(validated, "rsi_period")
	m.momentumPeriod = IntParam(validated, "momentum_period")
	m.volumeAvg = IntParam(validated, "volume_avg_period")
	m.bookDepth = IntParam(validated, "book_depth")
	m.weightRSI = wRSI
	m.weightMomentum = wMom
	m.weightVolume = wVol
	m.weightBook = wBook
	m.weightFunding = wFund
	m.entryScore = FloatParam(validated, "entry_score")
	m.exitScore = FloatParam(validated, "exit_score")
	m.stopPercent = decimal.NewFromFloat(FloatParam(validated, "stop_percent"))
	m.targetPercent = decimal.NewFromFloat(FloatParam(validated, "target_percent"))
	m.sizePercent = decimal.NewFromFloat(FloatParam(validated, "size_percent"))
	m.cooldown = time.Duration(IntParam(validated, "cooldown_minutes")) * time.Minute
	return nil
}

// compositeScore blends the weighted components, renormalizing over
// whichever ones produced a reading. Returned observations describe the
// extremes that drove the number.
func (m *Momentum) compositeScore(ctx context.Context, symbol string, candles []types.Candle) (float64, []string, error) {
	closes := indicators.Closes(candles)
	volumes := indicators.Volumes(candles)

	type component struct {
		weight float64
		score  float64 // rescaled to -100..+100
	}
	var parts []component
	var notes []string

	// 1. RSI
	rsi := indicators.RSI(closes, m.rsiPeriod)
	parts = append(parts, component{m.weightRSI, indicators.RSIScore(rsi) * 100 / rsiScoreBound})
	if rsi < 30 {
		notes = append(notes, fmt.Sprintf("RSI %.1f oversold", rsi))
	} else if rsi > 70 {
		notes = append(notes, fmt.Sprintf("RSI %.1f overbought", rsi))
	}

	// 2. Price momentum
	mom := indicators.Momentum(closes, m.momentumPeriod)
	parts = append(parts, component{m.weightMomentum, indicators.MomentumScore(closes, m.momentumPeriod) * 100 / momentumScoreBound})
	if math.Abs(mom) >= 1 {
		notes = append(notes, fmt.Sprintf("%.2f%% move over %d bars", mom, m.momentumPeriod))
	}

	// 3. Volume confirmation
	if len(volumes) > m.volumeAvg {
		avgVol := indicators.SMA(volumes[:len(volumes)-1], m.volumeAvg)
		volScore := indicators.VolumeScore(volumes[len(volumes)-1], avgVol, indicators.PriceDirection(closes))
		parts = append(parts, component{m.weightVolume, volScore * 100 / volumeScoreBound})
		if avgVol > 0 && volumes[len(volumes)-1]/avgVol > 1.5 {
			notes = append(notes, "volume surge")
		}
	}

	// 4. Order-book imbalance, when a book exists
	if m.source != nil {
		book, err := m.source.GetOrderBook(ctx, symbol, m.bookDepth)
		switch {
		case errors.Is(err, market.ErrNoData):
			// no book on this source, component sits out
		case err != nil:
			return 0, nil, err
		default:
			bookScore := indicators.OrderBookImbalanceScore(
				indicators.DecimalToFloat(book.BidVolume()),
				indicators.DecimalToFloat(book.AskVolume()),
			)
			parts = append(parts, component{m.weightBook, bookScore * 100 / bookScoreBound})
			if bookScore >= 10 {
				notes = append(notes, "heavy bid-side pressure")
			} else if bookScore <= -10 {
				notes = append(notes, "heavy ask-side pressure")
			}
		}
	}

	// 5. Funding crowding, when history exists
	if m.source != nil {
		rates, err := m.source.GetFundingRates(ctx, symbol, 1)
		switch {
		case errors.Is(err, market.ErrNoData):
		case err != nil:
			return 0, nil, err
		case len(rates) > 0:
			rate := indicators.DecimalToFloat(rates[len(rates)-1].Rate)
			fundScore := indicators.FundingRateScore(rate)
			parts = append(parts, component{m.weightFunding, fundScore * 100 / fundingScoreBound})
			if fundScore <= -10 {
				notes = append(notes, "crowded longs paying funding")
			} else if fundScore >= 10 {
				notes = append(notes, "crowded shorts paying funding")
			}
		}
	}

	var composite, total float64
	for _, c := range parts {
		composite += c.score * c.weight
		total += c.weight
	}
	if total > 0 {
		composite /= total
	}
	return composite, notes, nil
}

// Analyze enters when the weighted composite clears the threshold.
func (m *Momentum) Analyze(ctx context.Context, symbol string, candles []types.Candle) (*Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// === ENTRY FILTERS ===

	// 1. Cooldown per symbol
	if t, ok := m.lastSignal[symbol]; ok && time.Since(t) < m.cooldown {
		return nil, nil
	}

	// 2. Composite must clear the entry threshold
	composite, notes, err := m.compositeScore(ctx, symbol, candles)
	if err != nil {
		return nil, err
	}
	if math.Abs(composite) < m.entryScore {
		log.Debug().Str("symbol", symbol).Float64("composite", composite).
			Msg("Rejected: composite score too weak")
		return nil, nil
	}

	side := types.SideLong
	kind := KindBuy
	if composite < 0 {
		side = types.SideShort
		kind = KindSell
	}

	// === ALL FILTERS PASSED - GENERATE SIGNAL ===

	last := candles[len(candles)-1]
	dir := side.Direction()
	stop := last.Close.Mul(one.Sub(m.stopPercent.Div(hundred).Mul(dir)))
	target := last.Close.Mul(one.Add(m.targetPercent.Div(hundred).Mul(dir)))

	// Composite 0 reads as a coin flip, 100 as full conviction.
	confidence := decimal.NewFromFloat(5 + math.Abs(composite)/20)
	if confidence.GreaterThan(decimal.NewFromInt(10)) {
		confidence = decimal.NewFromInt(10)
	}

	m.lastSignal[symbol] = time.Now()
	log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("composite", composite).
		Msg("🎯 Momentum signal generated")

	return &Signal{
		Kind:         kind,
		Symbol:       symbol,
		Confidence:   confidence,
		Price:        last.Close,
		StopLoss:     &stop,
		TakeProfit:   &target,
		SizePercent:  m.sizePercent,
		Reason:       fmt.Sprintf("momentum: composite %+.1f", composite),
		Observations: notes,
	}, nil
}

// ShouldClose exits when the composite turns against the position.
func (m *Momentum) ShouldClose(ctx context.Context, pos paper.PositionView, candles []types.Candle) (*Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	composite, _, err := m.compositeScore(ctx, pos.Symbol, candles)
	if err != nil {
		return nil, err
	}

	against := (pos.Side == types.SideLong && composite <= -m.exitScore) ||
		(pos.Side == types.SideShort && composite >= m.exitScore)
	if !against {
		return nil, nil
	}

	return &Signal{
		Kind:       KindClose,
		Symbol:     pos.Symbol,
		Confidence: decimal.NewFromInt(6),
		Price:      candles[len(candles)-1].Close,
		Reason:     fmt.Sprintf("momentum: composite flipped to %+.1f", composite),
	}, nil
}
