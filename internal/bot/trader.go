// Package bot runs the trading session: it paces the tick loop, feeds the
// strategy, applies its signals through the paper engine and keeps the
// session row current.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/clock"
	"paperbot/internal/config"
	"paperbot/internal/llm"
	"paperbot/internal/market"
	"paperbot/internal/notify"
	"paperbot/internal/paper"
	"paperbot/internal/risk"
	"paperbot/internal/storage"
	"paperbot/internal/strategy"
	"paperbot/internal/types"
)

var (
	hundred            = decimal.NewFromInt(100)
	defaultSizePercent = decimal.NewFromInt(5)
)

// Trader owns one session from start row to end row.
type Trader struct {
	cfg       *config.Config
	db        *storage.Database
	engine    *paper.Engine
	harness   *strategy.Harness
	guard     *risk.Guard
	clock     clock.Clock
	hub       *notify.Hub
	source    market.Source
	sentiment strategy.SentimentProvider
	llm       *llm.Client
	account   *storage.PaperAccount

	session *storage.TradingSession
	ticks   int
}

// New wires a trader. The hub, sentiment provider and LLM client may be
// nil.
func New(cfg *config.Config, db *storage.Database, engine *paper.Engine,
	harness *strategy.Harness, guard *risk.Guard, clk clock.Clock,
	hub *notify.Hub, source market.Source, sent strategy.SentimentProvider,
	llmClient *llm.Client, account *storage.PaperAccount) *Trader {

	return &Trader{
		cfg:       cfg,
		db:        db,
		engine:    engine,
		harness:   harness,
		guard:     guard,
		clock:     clk,
		hub:       hub,
		source:    source,
		sentiment: sent,
		llm:       llmClient,
		account:   account,
	}
}

// Run executes the session until a limit fires, the context is canceled or
// storage fails. A nil return is a clean end; an error means the session
// ended abnormally.
func (t *Trader) Run(ctx context.Context) error {
	if err := t.startSession(ctx); err != nil {
		return err
	}

	for {
		if verdict := t.guard.PreTick(t.engine.Summary()); verdict != nil {
			return t.endSession(verdict.Reason, verdict.Detail)
		}

		select {
		case <-ctx.Done():
			return t.endSession(types.EndManual, "interrupted by operator")
		default:
		}

		t.tick(ctx)
		t.ticks++

		if verdict := t.guard.Stopped(); verdict != nil {
			err := t.endSession(verdict.Reason, verdict.Detail)
			if verdict.Reason == types.EndError {
				if err != nil {
					return err
				}
				return fmt.Errorf("session ended with error: %s", verdict.Detail)
			}
			return err
		}

		if t.cfg.SummaryEvery > 0 && t.ticks%t.cfg.SummaryEvery == 0 {
			t.logSummary()
			t.saveSessionProgress()
		}

		// Fixed pause after each tick; slow ticks never trigger catch-up
		// bursts.
		if err := t.clock.Sleep(ctx, t.cfg.CheckInterval); err != nil {
			return t.endSession(types.EndManual, "interrupted by operator")
		}
	}
}

// startSession prepares the account, strategy and session row.
func (t *Trader) startSession(ctx context.Context) error {
	now := t.clock.Now().UTC()

	if n, err := t.db.AbandonActiveSessions(t.account.ID, now); err != nil {
		return fmt.Errorf("abandon stale sessions: %w", err)
	} else if n > 0 {
		log.Warn().Int("sessions", n).Msg("⚠️ Closed stale sessions from a previous run")
	}

	if err := t.engine.LoadOpenState(ctx); err != nil {
		return fmt.Errorf("resume open positions: %w", err)
	}

	strat := t.harness.Strategy()
	if err := strat.Configure(t.cfg.StrategyParams); err != nil {
		return fmt.Errorf("configure strategy %s: %w", strat.Name(), err)
	}
	t.wireCapabilities(strat)

	sessionID := fmt.Sprintf("%s_%s", t.cfg.Account, now.Format("20060102T150405Z"))
	t.session = &storage.TradingSession{
		SessionID:        sessionID,
		AccountID:        t.account.ID,
		StrategyID:       strat.Name(),
		Mode:             types.ModePaper,
		Symbols:          strings.Join(t.cfg.Symbols, ","),
		StartedAt:        now,
		TimeLimitSeconds: int64(t.cfg.TimeLimit.Seconds()),
		MaxLossLimit:     t.cfg.MaxLoss,
		MaxPositions:     t.cfg.MaxPositions,
		StartingBalance:  t.account.CurrentBalance,
		PeakBalance:      t.account.CurrentBalance,
		BotVersion:       config.BotVersion,
	}
	if err := t.db.CreateSession(t.session); err != nil {
		return fmt.Errorf("create session row: %w", err)
	}

	t.engine.SetSessionContext(paper.SessionContext{
		SessionID:        sessionID,
		StrategyID:       strat.Name(),
		Mode:             types.ModePaper,
		BotVersion:       config.BotVersion,
		MaxLossLimit:     t.cfg.MaxLoss,
		TimeLimitSeconds: int64(t.cfg.TimeLimit.Seconds()),
	})
	if t.hub != nil {
		t.engine.SetNotifier(t.hub)
		t.hub.SessionStarted(sessionID, strat.Name(), t.account.CurrentBalance)
	}
	t.guard.Start()

	log.Info().
		Str("session_id", sessionID).
		Str("strategy", strat.Name()).
		Str("symbols", t.session.Symbols).
		Str("balance", t.account.CurrentBalance.StringFixed(2)).
		Str("time_limit", t.cfg.TimeLimit.String()).
		Msg("🚀 Trading session started")
	return nil
}

// wireCapabilities hands optional dependencies to strategies that ask for
// them.
func (t *Trader) wireCapabilities(strat strategy.Strategy) {
	if aware, ok := strat.(strategy.SessionAware); ok {
		aware.SetSessionContext(paper.SessionContext{
			SessionID:  t.session.SessionID,
			StrategyID: strat.Name(),
			Mode:       types.ModePaper,
			BotVersion: config.BotVersion,
		})
	}
	if aware, ok := strat.(strategy.EngineAware); ok {
		aware.SetEngineView(t.engine)
	}
	if aware, ok := strat.(strategy.SourceAware); ok {
		aware.SetMarketSource(t.source)
	}
	if setter, ok := strat.(strategy.LLMClientSetter); ok {
		setter.SetLLMClient(t.llm)
	}
	if aware, ok := strat.(strategy.SentimentAware); ok && t.sentiment != nil {
		aware.SetSentimentProvider(t.sentiment)
	}
}

// tick runs one full pass: exits, data, evaluation, application.
func (t *Trader) tick(ctx context.Context) {
	// 1. Bracket and liquidation sweep across every open position
	closed, err := t.engine.CheckExits(ctx)
	for _, trade := range closed {
		t.guard.RecordClose(trade)
	}
	if err != nil {
		log.Error().Err(err).Msg("💥 Exit sweep failed, ending session")
		t.guard.ForceStop(types.EndError, fmt.Sprintf("exit sweep: %v", err))
		return
	}

	// 2. Candle windows, fetched concurrently per symbol
	windows := t.fetchWindows(ctx)
	if len(windows) == 0 {
		log.Warn().Msg("⚠️ No market data this tick")
		return
	}

	// 3. Strategy-requested closes for positions it owns
	t.evaluateCloses(ctx, windows)

	// 4. Entry evaluation, sequential so the strategy stays single-threaded
	for _, symbol := range t.cfg.Symbols {
		candles, ok := windows[symbol]
		if !ok {
			continue
		}
		sig, err := t.harness.Evaluate(ctx, symbol, candles)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Strategy failed this tick")
			continue
		}
		if sig == nil {
			continue
		}
		if sig.Kind == strategy.KindClose {
			t.applyClose(ctx, sig)
			continue
		}
		t.applyEntry(ctx, sig, candles)
	}

	// 5. Persist fetched data for later replay
	if t.cfg.RecordMarketData {
		t.recordMarketData(ctx, windows)
	}
}

// fetchWindows pulls each symbol's candle window in parallel. Symbols with
// open positions are included even if dropped from the configured list.
func (t *Trader) fetchWindows(ctx context.Context) map[string][]types.Candle {
	need := make(map[string]bool, len(t.cfg.Symbols))
	for _, s := range t.cfg.Symbols {
		need[s] = true
	}
	for _, v := range t.engine.OpenViews() {
		need[v.Symbol] = true
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		windows = make(map[string][]types.Candle, len(need))
	)
	for symbol := range need {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			candles, err := t.harness.FetchWindow(ctx, symbol)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Candle fetch failed")
				return
			}
			mu.Lock()
			windows[symbol] = candles
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()
	return windows
}

// evaluateCloses asks the strategy about each open position it owns.
func (t *Trader) evaluateCloses(ctx context.Context, windows map[string][]types.Candle) {
	name := t.harness.Strategy().Name()
	for _, view := range t.engine.OpenViews() {
		if view.Strategy != name {
			continue
		}
		candles, ok := windows[view.Symbol]
		if !ok {
			continue
		}
		sig, err := t.harness.EvaluateClose(ctx, view, candles)
		if err != nil {
			log.Warn().Err(err).Str("symbol", view.Symbol).Msg("⚠️ Strategy failed this tick")
			continue
		}
		if sig == nil {
			continue
		}
		t.closePosition(ctx, view.ID, sig)
	}
}

// applyClose handles a close signal coming out of Analyze, which names a
// symbol rather than a position.
func (t *Trader) applyClose(ctx context.Context, sig *strategy.Signal) {
	name := t.harness.Strategy().Name()
	for _, view := range t.engine.OpenPositionsFor(sig.Symbol) {
		if view.Strategy != name {
			continue
		}
		t.closePosition(ctx, view.ID, sig)
	}
}

func (t *Trader) closePosition(ctx context.Context, positionID uint, sig *strategy.Signal) {
	reason := sig.ExitReason
	if reason == "" {
		reason = types.ExitStrategyClose
	}

	trade, err := t.engine.Close(ctx, positionID, reason, sig.Reason)
	switch {
	case errors.Is(err, paper.ErrPositionNotOpen):
		return
	case errors.Is(err, paper.ErrNoPrice):
		log.Warn().Uint("position_id", positionID).Msg("⚠️ No price for close, retrying next tick")
		return
	case err != nil:
		// Everything else out of Close is a storage failure.
		log.Error().Err(err).Msg("💥 Close failed on storage, ending session")
		t.guard.ForceStop(types.EndError, fmt.Sprintf("close position: %v", err))
		return
	}
	t.guard.RecordClose(trade)
}

// applyEntry validates and sizes an entry signal, then opens it.
func (t *Trader) applyEntry(ctx context.Context, sig *strategy.Signal, candles []types.Candle) {
	if allowed, why := t.guard.AllowEntry(); !allowed {
		log.Debug().Str("symbol", sig.Symbol).Str("why", why).Msg("Rejected: entry gated")
		return
	}

	name := t.harness.Strategy().Name()
	side := sig.Side()

	if t.engine.HasOpen(sig.Symbol, name, side) {
		log.Debug().Str("symbol", sig.Symbol).Str("side", string(side)).
			Msg("Rejected: duplicate position")
		return
	}

	// An entry against an existing position becomes a close of that
	// position; the reversal may re-enter next tick.
	if t.engine.HasOpen(sig.Symbol, name, side.Opposite()) {
		log.Info().Str("symbol", sig.Symbol).Str("side", string(side)).
			Msg("🔄 Opposite signal, closing existing position instead")
		closeSig := *sig
		closeSig.Kind = strategy.KindClose
		closeSig.Reason = "reversal: " + sig.Reason
		t.applyClose(ctx, &closeSig)
		return
	}

	if t.engine.OpenCount() >= t.cfg.MaxPositions {
		log.Debug().Str("symbol", sig.Symbol).Int("max", t.cfg.MaxPositions).
			Msg("Rejected: position limit reached")
		return
	}

	size, err := t.sizeFor(sig)
	if err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("⚠️ Cannot size entry")
		return
	}

	req := paper.OpenRequest{
		Symbol:     sig.Symbol,
		Side:       side,
		Size:       size,
		Leverage:   t.cfg.Leverage,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Strategy:   name,
		Notes:      sig.Reason,
		Context: paper.EntryContext{
			Confidence: sig.Confidence,
			Reason:     sig.Reason,
			Parameters: t.cfg.StrategyParams,
			Flags:      sig.Observations,
			Indicators: t.harness.Snapshot(candles),
		},
	}

	_, err = t.engine.Open(ctx, req)
	switch {
	case errors.Is(err, paper.ErrInsufficientFunds):
		// Open already logged the refusal.
	case errors.Is(err, paper.ErrNoPrice):
		log.Warn().Str("symbol", sig.Symbol).Msg("⚠️ No price for entry, skipping")
	case errors.Is(err, paper.ErrInvalidSide), errors.Is(err, paper.ErrInvalidSize),
		errors.Is(err, paper.ErrInvalidLeverage):
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("💥 Strategy produced an invalid entry")
	case err != nil:
		log.Error().Err(err).Msg("💥 Open failed on storage, ending session")
		t.guard.ForceStop(types.EndError, fmt.Sprintf("open position: %v", err))
	}
}

// sizeFor converts a signal into a contract size: a fixed per-asset
// override when configured, otherwise a balance percentage at the signal
// price.
func (t *Trader) sizeFor(sig *strategy.Signal) (decimal.Decimal, error) {
	if fixed, ok := t.cfg.FixedSizeFor(sig.Symbol); ok {
		return fixed, nil
	}

	price := sig.Price
	if !price.IsPositive() {
		price = t.engine.CurrentPrice(sig.Symbol)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no reference price for %s", sig.Symbol)
	}

	pct := sig.SizePercent
	if !pct.IsPositive() {
		pct = defaultSizePercent
	}
	balance := t.engine.Summary().Balance
	return balance.Mul(pct).Div(hundred).Div(price), nil
}

// recordMarketData persists the tick's candles and tickers so db-source
// replays can run later. Failures are logged, never fatal.
func (t *Trader) recordMarketData(ctx context.Context, windows map[string][]types.Candle) {
	timeframe := t.harness.Strategy().Timeframe()
	for symbol, candles := range windows {
		if err := t.db.SaveCandles(symbol, timeframe, candles); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Candle recording failed")
		}
		ticker, err := t.source.GetTicker(ctx, symbol)
		if err != nil {
			continue
		}
		if err := t.db.SaveTicker(*ticker); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("⚠️ Ticker recording failed")
		}
	}
}

// logSummary prints the periodic account block.
func (t *Trader) logSummary() {
	s := t.engine.Summary()
	g := t.guard.Snapshot()
	log.Info().
		Str("balance", s.Balance.StringFixed(2)).
		Str("equity", s.Equity.StringFixed(2)).
		Str("unrealized", s.UnrealizedPnL.StringFixed(2)).
		Str("session_pnl", g.RealizedPnL.StringFixed(2)).
		Int("open_positions", s.OpenPositions).
		Int("session_trades", g.Trades).
		Str("win_rate", s.WinRate.StringFixed(1)).
		Str("roi", s.ROI.StringFixed(2)).
		Int("tick", t.ticks).
		Msg("📊 Session summary")
}

// saveSessionProgress keeps the session row roughly current so a crash
// still leaves usable rollups.
func (t *Trader) saveSessionProgress() {
	t.fillSessionRollups()
	if err := t.db.SaveSession(t.session); err != nil {
		log.Warn().Err(err).Msg("⚠️ Session progress save failed")
	}
}

func (t *Trader) fillSessionRollups() {
	s := t.engine.Summary()
	g := t.guard.Snapshot()
	t.session.TotalTrades = g.Trades
	t.session.WinningTrades = g.Wins
	t.session.LosingTrades = g.Losses
	t.session.TotalPnL = g.RealizedPnL
	t.session.EndingBalance = s.Balance
	t.session.PeakBalance = s.PeakBalance
	t.session.MaxDrawdown = s.MaxDrawdown
}

// endSession finalizes the session row. Open positions stay open; the next
// run resumes them.
func (t *Trader) endSession(reason types.EndReason, detail string) error {
	now := t.clock.Now().UTC()
	ended := now
	t.session.EndedAt = &ended
	t.session.DurationSeconds = int64(now.Sub(t.session.StartedAt).Seconds())
	t.session.EndReason = reason
	t.fillSessionRollups()

	if err := t.db.SaveSession(t.session); err != nil {
		log.Error().Err(err).Msg("💥 Session row save failed")
		return fmt.Errorf("save session row: %w", err)
	}

	t.logSummary()
	if t.hub != nil {
		t.hub.SessionEnded(t.session.SessionID, reason, t.session.TotalPnL)
	}
	log.Info().
		Str("session_id", t.session.SessionID).
		Str("end_reason", string(reason)).
		Str("detail", detail).
		Str("duration", storage.FormatDurationHMS(now.Sub(t.session.StartedAt))).
		Int("open_positions", t.engine.OpenCount()).
		Msg("🏁 Trading session ended")
	return nil
}
