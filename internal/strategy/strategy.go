// Package strategy defines the decision contract: strategies turn candle
// history into signals, the harness runs them with panic isolation, and a
// registry maps operator identifiers to constructors.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"paperbot/internal/llm"
	"paperbot/internal/market"
	"paperbot/internal/paper"
	"paperbot/internal/sentiment"
	"paperbot/internal/types"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Kind is the action a signal requests. Hold is an explicit decision, not
// the absence of one.
type Kind string

const (
	KindBuy   Kind = "buy"
	KindSell  Kind = "sell"
	KindHold  Kind = "hold"
	KindClose Kind = "close"
)

// Signal is the only output format for trading decisions.
type Signal struct {
	Kind         Kind
	Symbol       string
	Confidence   decimal.Decimal // 0 to 10
	Price        decimal.Decimal // reference price the decision was made at
	StopLoss     *decimal.Decimal
	TakeProfit   *decimal.Decimal
	SizePercent  decimal.Decimal // % of balance to deploy as notional
	Reason       string          // required for logging and the register
	Observations []string        // supporting observations
	Strategy     string
	GeneratedAt  time.Time

	// ExitReason refines KindClose signals. Empty means a plain strategy
	// close.
	ExitReason types.ExitReason
}

// Actionable reports whether the signal asks for something.
func (s *Signal) Actionable() bool {
	return s != nil && (s.Kind == KindBuy || s.Kind == KindSell || s.Kind == KindClose)
}

// Entry reports whether the signal opens a new position.
func (s *Signal) Entry() bool {
	return s != nil && (s.Kind == KindBuy || s.Kind == KindSell)
}

// Side maps buy/sell to a position side.
func (s *Signal) Side() types.Side {
	if s.Kind == KindSell {
		return types.SideShort
	}
	return types.SideLong
}

// String returns the reason for human logs.
func (s *Signal) String() string {
	if s == nil {
		return "no signal"
	}
	return fmt.Sprintf("%s %s (%s): %s", s.Kind, s.Symbol, s.Confidence.StringFixed(1), s.Reason)
}

// Strategy is the core contract every variant implements. A nil signal or
// KindHold means no action.
type Strategy interface {
	// Name returns the registry identifier.
	Name() string

	// Description returns a human-readable one-liner.
	Description() string

	// Timeframe returns the candle timeframe the strategy works on.
	Timeframe() string

	// MinBars returns how much history Analyze needs; fewer bars skip the
	// strategy for the tick.
	MinBars() int

	// MinConfidence is the floor below which signals are dropped.
	MinConfidence() decimal.Decimal

	// Params declares the parameter schema for session-start validation.
	Params() []ParamSpec

	// Configure applies validated parameters before the session starts.
	Configure(params map[string]any) error

	// Analyze inspects the candle window (oldest first, newest bar may be
	// forming) and proposes an entry.
	Analyze(ctx context.Context, symbol string, candles []types.Candle) (*Signal, error)

	// ShouldClose inspects an owned open position and may propose closing it.
	ShouldClose(ctx context.Context, pos paper.PositionView, candles []types.Candle) (*Signal, error)
}

// Optional capabilities, wired by the orchestrator when implemented.

// PriceHistoryUpdater receives each fresh candle window before Analyze.
type PriceHistoryUpdater interface {
	UpdatePriceHistory(symbol string, candles []types.Candle)
}

// SessionAware strategies receive the session context at start.
type SessionAware interface {
	SetSessionContext(sc paper.SessionContext)
}

// EngineAware strategies receive the read-only engine view at start.
// The view exposes exposure and prices, never balance mutation.
type EngineAware interface {
	SetEngineView(view paper.View)
}

// SourceAware strategies need market data beyond candles, such as funding
// rates or the order book.
type SourceAware interface {
	SetMarketSource(src market.Source)
}

// LLMClientSetter strategies consult a language model. A nil client leaves
// the strategy in hold-only mode.
type LLMClientSetter interface {
	SetLLMClient(client *llm.Client)
}

// SentimentProvider supplies the latest market-wide sentiment reading.
// ok is false when no fresh reading exists.
type SentimentProvider interface {
	Latest() (sentiment.Reading, bool)
}

// SentimentAware strategies fold crowd sentiment into their decisions.
type SentimentAware interface {
	SetSentimentProvider(p SentimentProvider)
}

// Base carries the common identity fields. Embed it and override what the
// variant needs.
type Base struct {
	name          string
	description   string
	timeframe     string
	minBars       int
	minConfidence decimal.Decimal
}

// NewBase builds the shared strategy identity.
func NewBase(name, description, timeframe string, minBars int, minConfidence decimal.Decimal) Base {
	return Base{
		name:          name,
		description:   description,
		timeframe:     timeframe,
		minBars:       minBars,
		minConfidence: minConfidence,
	}
}

func (b Base) Name() string                   { return b.name }
func (b Base) Description() string            { return b.description }
func (b Base) Timeframe() string              { return b.timeframe }
func (b Base) MinBars() int                   { return b.minBars }
func (b Base) MinConfidence() decimal.Decimal { return b.minConfidence }

// Factory constructs a fresh strategy instance per session.
type Factory func() Strategy

var registry = make(map[string]Factory)

// Register adds a strategy constructor under its identifier. Duplicate
// registration panics at init time.
func Register(name string, f Factory) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy: duplicate registration of %q", name))
	}
	registry[name] = f
}

// New instantiates a registered strategy.
func New(name string) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown strategy %q (registered: %v)", name, Names())
	}
	return f(), nil
}

// Names lists registered identifiers, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
