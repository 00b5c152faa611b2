package strategy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/indicators"
	"paperbot/internal/llm"
	"paperbot/internal/paper"
	"paperbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LLM ADVISOR STRATEGY
// ═══════════════════════════════════════════════════════════════════════════════
//
// The model sees a compact market summary (indicator snapshot, recent
// closes, market sentiment when a poller is wired) and answers with a
// JSON decision. Everything risky stays local:
// the model proposes direction and conviction, the strategy converts the
// answer into a bracketed signal and clamps whatever falls outside sane
// ranges. No client configured means the strategy holds forever.
//
// ═══════════════════════════════════════════════════════════════════════════════

const llmSystemPrompt = `You are a cautious crypto perpetual-futures analyst.
Reply with a single JSON object and nothing else:
{"action":"buy|sell|hold|close","confidence":0-10,"reason":"...","stop_loss_percent":N,"take_profit_percent":N}
Recommend buy or sell only when the evidence is clear. Prefer hold.`

func init() {
	Register("llm-prompt", func() Strategy { return NewLLM() })
}

// LLM asks a language model for a decision over an indicator summary.
type LLM struct {
	Base
	mu        sync.Mutex
	client    *llm.Client
	sentiment SentimentProvider

	recentCloses  int
	stopPercent   decimal.Decimal
	targetPercent decimal.Decimal
	sizePercent   decimal.Decimal
	cooldown      time.Duration

	lastSignal map[string]time.Time
}

// NewLLM creates the strategy with defaults; Configure overrides them.
func NewLLM() *LLM {
	l := &LLM{
		Base:       NewBase("llm-prompt", "language-model advisor over indicator summaries", "15m", 50, decimal.NewFromInt(6)),
		lastSignal: make(map[string]time.Time),
	}
	if err := l.Configure(nil); err != nil {
		panic(err)
	}
	return l
}

// SetLLMClient wires the model client. Nil keeps the strategy in hold mode.
func (l *LLM) SetLLMClient(client *llm.Client) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.client = client
}

// SetSentimentProvider adds the market-mood line to the prompt.
func (l *LLM) SetSentimentProvider(p SentimentProvider) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sentiment = p
}

// Params declares the tunables.
func (l *LLM) Params() []ParamSpec {
	return []ParamSpec{
		{Name: "recent_closes", Type: ParamInt, Default: 24, Min: Bound(5), Max: Bound(200), Description: "closes included in the prompt"},
		{Name: "stop_percent", Type: ParamFloat, Default: 2, Min: Bound(0.1), Max: Bound(20), Description: "fallback stop distance when the model omits one, percent"},
		{Name: "target_percent", Type: ParamFloat, Default: 4, Min: Bound(0.1), Max: Bound(50), Description: "fallback target distance when the model omits one, percent"},
		{Name: "size_percent", Type: ParamFloat, Default: 5, Min: Bound(0.1), Max: Bound(100), Description: "balance % deployed per entry"},
		{Name: "cooldown_minutes", Type: ParamInt, Default: 60, Min: Bound(0), Max: Bound(1440), Description: "wait after a signal per symbol"},
	}
}

// Configure applies validated parameters.
func (l *LLM) Configure(params map[string]any) error {
	validated, err := ValidateParams(l.Params(), params)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.recentCloses = IntParam(validated, "recent_closes")
	l.stopPercent = decimal.NewFromFloat(FloatParam(validated, "stop_percent"))
	l.targetPercent = decimal.NewFromFloat(FloatParam(validated, "target_percent"))
	l.sizePercent = decimal.NewFromFloat(FloatParam(validated, "size_percent"))
	l.cooldown = time.Duration(IntParam(validated, "cooldown_minutes")) * time.Minute
	return nil
}

// marketBrief renders the prompt body the model decides on.
func (l *LLM) marketBrief(symbol string, candles []types.Candle, pos *paper.PositionView) string {
	snap := indicators.TakeSnapshot(candles)
	closes := indicators.Closes(candles)
	if len(closes) > l.recentCloses {
		closes = closes[len(closes)-l.recentCloses:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", symbol)
	fmt.Fprintf(&b, "Timeframe: %s\n", l.Timeframe())
	fmt.Fprintf(&b, "Last price: %.4f\n", closes[len(closes)-1])
	fmt.Fprintf(&b, "RSI(14): %.1f\n", snap.RSI)
	fmt.Fprintf(&b, "MACD: %.4f signal %.4f\n", snap.MACD, snap.MACDSignal)
	fmt.Fprintf(&b, "Bollinger position: %.2f\n", snap.BollingerPosition)
	fmt.Fprintf(&b, "Volatility: %.2f%%\n", snap.Volatility)
	if l.sentiment != nil {
		if r, ok := l.sentiment.Latest(); ok {
			fmt.Fprintf(&b, "Market sentiment: %s (%s on a -1..+1 scale)\n", r.Label, r.Score.StringFixed(2))
		}
	}
	if pos != nil {
		fmt.Fprintf(&b, "Open position: %s %s entry %s unrealized %s%%\n",
			pos.Side, pos.Size.String(), pos.EntryPrice.String(), pos.UnrealizedPnLPercent.StringFixed(2))
	}
	b.WriteString("Recent closes, oldest first:")
	for _, c := range closes {
		fmt.Fprintf(&b, " %.4f", c)
	}
	b.WriteString("\n")
	if pos != nil {
		b.WriteString("Answer whether to close or hold the open position.\n")
	} else {
		b.WriteString("Answer whether to buy, sell or hold.\n")
	}
	return b.String()
}

// decide runs one round trip and converts the decision into a signal.
func (l *LLM) decide(ctx context.Context, symbol string, candles []types.Candle, pos *paper.PositionView) (*Signal, error) {
	if l.client == nil {
		return nil, nil
	}

	decision, err := l.client.GetDecision(ctx, llmSystemPrompt, l.marketBrief(symbol, candles, pos))
	if err != nil {
		return nil, fmt.Errorf("strategy: llm decision: %w", err)
	}
	if decision == nil {
		return nil, nil
	}

	price := candles[len(candles)-1].Close
	confidence := decimal.NewFromFloat(decision.Confidence)

	switch strings.ToLower(decision.Action) {
	case "hold":
		return nil, nil

	case "close":
		if pos == nil {
			return nil, nil
		}
		return &Signal{
			Kind:       KindClose,
			Symbol:     symbol,
			Confidence: confidence,
			Price:      price,
			Reason:     fmt.Sprintf("llm: %s", decision.Reason),
		}, nil

	case "buy", "sell":
		if pos != nil {
			// Entries are Analyze business; ShouldClose only closes.
			return nil, nil
		}
		kind := KindBuy
		side := types.SideLong
		if strings.ToLower(decision.Action) == "sell" {
			kind = KindSell
			side = types.SideShort
		}

		stopPct := l.stopPercent
		if decision.StopLossPercent > 0 {
			stopPct = clampPercent(decision.StopLossPercent, 0.1, 20)
		}
		targetPct := l.targetPercent
		if decision.TakeProfitPercent > 0 {
			targetPct = clampPercent(decision.TakeProfitPercent, 0.1, 50)
		}

		dir := side.Direction()
		stop := price.Mul(one.Sub(stopPct.Div(hundred).Mul(dir)))
		target := price.Mul(one.Add(targetPct.Div(hundred).Mul(dir)))

		log.Info().
			Str("symbol", symbol).
			Str("side", string(side)).
			Str("model", l.client.Model()).
			Float64("confidence", decision.Confidence).
			Msg("🎯 LLM signal generated")

		return &Signal{
			Kind:        kind,
			Symbol:      symbol,
			Confidence:  confidence,
			Price:       price,
			StopLoss:    &stop,
			TakeProfit:  &target,
			SizePercent: l.sizePercent,
			Reason:      fmt.Sprintf("llm: %s", decision.Reason),
		}, nil
	}

	return nil, nil
}

// Analyze asks the model for an entry decision.
func (l *LLM) Analyze(ctx context.Context, symbol string, candles []types.Candle) (*Signal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.lastSignal[symbol]; ok && time.Since(t) < l.cooldown {
		return nil, nil
	}

	sig, err := l.decide(ctx, symbol, candles, nil)
	if sig != nil {
		l.lastSignal[symbol] = time.Now()
	}
	return sig, err
}

// ShouldClose asks the model whether to keep the position.
func (l *LLM) ShouldClose(ctx context.Context, pos paper.PositionView, candles []types.Candle) (*Signal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.decide(ctx, pos.Symbol, candles, &pos)
}

func clampPercent(v, lo, hi float64) decimal.Decimal {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return decimal.NewFromFloat(v)
}
