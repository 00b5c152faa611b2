// Package paper is the accounting engine: the sole authority over account,
// position and trade state. Every monetary change flows through it and is
// persisted atomically with its audit row.
package paper

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"paperbot/internal/clock"
	"paperbot/internal/indicators"
	"paperbot/internal/market"
	"paperbot/internal/storage"
	"paperbot/internal/types"
)

var (
	one      = decimal.NewFromInt(1)
	hundred  = decimal.NewFromInt(100)
	minusHundred = decimal.NewFromInt(-100)
)

// Notifier receives position lifecycle events after commit. Dispatch is
// fire-and-forget; the engine never waits on it.
type Notifier interface {
	PositionOpened(symbol string, side types.Side)
	PositionClosedProfit(symbol string, pnl decimal.Decimal)
	PositionClosedLoss(symbol string, pnl decimal.Decimal)
}

// SessionContext stamps audit rows with the run that produced them.
type SessionContext struct {
	SessionID        string
	StrategyID       string
	Mode             types.TradingMode
	BotVersion       string
	MaxLossLimit     decimal.Decimal
	TimeLimitSeconds int64
}

// Config tunes the execution model.
type Config struct {
	// SlippagePercent is the exit haircut, e.g. 0.75 for 0.75%. Entries
	// fill at mark.
	SlippagePercent decimal.Decimal

	// MarketTimeout bounds each market data call. Zero means 10s.
	MarketTimeout time.Duration
}

// Engine owns the virtual account. All mutations are serialized behind one
// mutex; market fetches happen outside it.
type Engine struct {
	mu sync.Mutex

	db       *storage.Database
	source   market.Source
	clock    clock.Clock
	notifier Notifier

	account   *storage.PaperAccount
	positions []*storage.PaperPosition // open, oldest first
	lastMark  map[string]decimal.Decimal

	cfg     Config
	session SessionContext
}

// NewEngine builds the engine around a loaded account.
func NewEngine(db *storage.Database, source market.Source, clk clock.Clock, account *storage.PaperAccount, cfg Config) *Engine {
	if cfg.MarketTimeout <= 0 {
		cfg.MarketTimeout = 10 * time.Second
	}
	return &Engine{
		db:       db,
		source:   source,
		clock:    clk,
		account:  account,
		cfg:      cfg,
		lastMark: make(map[string]decimal.Decimal),
		session:  SessionContext{Mode: types.ModePaper},
	}
}

// SetNotifier wires the notification sink. Nil disables notifications.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// SetSessionContext stamps subsequent audit rows with the session.
func (e *Engine) SetSessionContext(sc SessionContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sc.Mode == "" {
		sc.Mode = types.ModePaper
	}
	e.session = sc
}

// LoadOpenState resumes open positions from the store after a restart and
// reconciles them against open register rows. Mismatches are logged as
// data integrity alerts; the engine still starts.
func (e *Engine) LoadOpenState(ctx context.Context) error {
	positions, err := e.db.OpenPositions(e.account.ID)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	regRows, err := e.db.OpenRegisterRows(e.account.ID)
	if err != nil {
		return fmt.Errorf("load open register rows: %w", err)
	}

	byKey := make(map[string]bool, len(positions))
	for _, p := range positions {
		byKey[pairKey(p.Symbol, p.OpenedAt)] = true
	}
	matched := make(map[string]bool, len(regRows))
	for _, r := range regRows {
		k := pairKey(r.Symbol, r.EntryTimestamp)
		if !byKey[k] {
			log.Error().
				Str("register_id", r.RegisterID).
				Str("symbol", r.Symbol).
				Time("entry_timestamp", r.EntryTimestamp).
				Msg("⚠️ open register row has no matching open position")
			continue
		}
		matched[k] = true
	}
	for _, p := range positions {
		if !matched[pairKey(p.Symbol, p.OpenedAt)] {
			log.Error().
				Uint("position_id", p.ID).
				Str("symbol", p.Symbol).
				Time("opened_at", p.OpenedAt).
				Msg("⚠️ open position has no matching register row")
		}
	}

	e.mu.Lock()
	e.positions = positions
	e.mu.Unlock()

	if len(positions) > 0 {
		log.Info().Int("positions", len(positions)).
			Msg("♻️ Resumed open positions from previous run")
	}
	return nil
}

func pairKey(symbol string, ts time.Time) string {
	return symbol + "|" + ts.UTC().Format(time.RFC3339Nano)
}

// EntryContext carries strategy and market context onto the register row.
// Everything is optional; direct API callers can leave it zero.
type EntryContext struct {
	Confidence decimal.Decimal
	Reason     string
	Parameters map[string]any
	Flags      []string
	Indicators indicators.Snapshot
}

// OpenRequest describes one position to open.
type OpenRequest struct {
	Symbol     string
	Side       types.Side
	Size       decimal.Decimal
	Leverage   decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Strategy   string
	Notes      string
	Context    EntryContext
}

// Open opens a position at the current mark price. It debits margin plus
// entry fee, inserts the position, its filled order and the register entry
// row in one transaction, then notifies.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*storage.PaperPosition, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, req.Side)
	}
	if req.Size.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSize, req.Size)
	}
	if req.Leverage.LessThan(one) || req.Leverage.GreaterThan(e.account.MaxLeverage) {
		return nil, fmt.Errorf("%w: %s not in [1, %s]",
			ErrInvalidLeverage, req.Leverage, e.account.MaxLeverage)
	}

	ticker, err := e.fetchTicker(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	mark := ticker.MarkPrice

	e.mu.Lock()
	defer e.mu.Unlock()

	notional := req.Size.Mul(mark)
	margin := notional.Div(req.Leverage)
	entryFee := notional.Mul(e.account.TakerFee)
	cost := margin.Add(entryFee)
	if e.account.CurrentBalance.LessThan(cost) {
		log.Info().
			Str("symbol", req.Symbol).
			Str("required", cost.StringFixed(2)).
			Str("available", e.account.CurrentBalance.StringFixed(2)).
			Msg("open refused, not enough free margin")
		e.recordRejectedOrder(req, mark, fmt.Sprintf("insufficient funds: need %s, have %s",
			cost.StringFixed(2), e.account.CurrentBalance.StringFixed(2)))
		return nil, fmt.Errorf("%w: need %s, have %s",
			ErrInsufficientFunds, cost.StringFixed(2), e.account.CurrentBalance.StringFixed(2))
	}

	// Millisecond precision keeps the entry timestamp identical across
	// both database dialects, which the register pairing key relies on.
	now := e.clock.Now().Truncate(time.Millisecond)

	position := &storage.PaperPosition{
		AccountID:    e.account.ID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Size:         req.Size,
		EntryPrice:   mark,
		CurrentPrice: mark,
		Leverage:     req.Leverage,
		MarginUsed:   margin,
		StopLoss:     toNullDecimal(req.StopLoss),
		TakeProfit:   toNullDecimal(req.TakeProfit),
		Status:       types.PositionOpen,
		Strategy:     req.Strategy,
		Notes:        req.Notes,
		SessionID:    e.session.SessionID,
		OpenedAt:     now,
	}
	order := &storage.PaperOrder{
		OrderID:   uuid.NewString(),
		AccountID: e.account.ID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      types.OrderMarket,
		Size:      req.Size,
		Price:     mark,
		Status:    types.OrderFilled,
		CreatedAt: now,
		FilledAt:  &now,
	}
	register := e.entryRegisterRow(req, ticker, position, margin, entryFee, now)

	accountBefore := *e.account
	e.account.CurrentBalance = e.account.CurrentBalance.Sub(cost)

	if err := e.db.CommitOpen(ctx, &storage.OpenWrite{
		Account:  e.account,
		Position: position,
		Order:    order,
		Register: register,
	}); err != nil {
		*e.account = accountBefore
		return nil, fmt.Errorf("commit open: %w", err)
	}

	e.positions = append(e.positions, position)
	log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("size", req.Size.String()).
		Str("entry", mark.StringFixed(2)).
		Str("leverage", req.Leverage.String()).
		Str("margin", margin.StringFixed(2)).
		Str("strategy", req.Strategy).
		Msg("📈 Position opened")

	e.notifyOpened(req.Symbol, req.Side)
	return position, nil
}

// recordRejectedOrder keeps refused opens in the order history. Best
// effort: a write failure is logged, the refusal still stands.
func (e *Engine) recordRejectedOrder(req OpenRequest, mark decimal.Decimal, reason string) {
	order := &storage.PaperOrder{
		OrderID:   uuid.NewString(),
		AccountID: e.account.ID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      types.OrderMarket,
		Size:      req.Size,
		Price:     mark,
		Status:    types.OrderRejected,
		Reason:    reason,
		CreatedAt: e.clock.Now(),
	}
	if err := e.db.SaveOrder(order); err != nil {
		log.Warn().Err(err).Str("symbol", req.Symbol).Msg("⚠️ rejected order not recorded")
	}
}

func (e *Engine) entryRegisterRow(req OpenRequest, t *types.Ticker, p *storage.PaperPosition, margin, entryFee decimal.Decimal, now time.Time) *storage.TradeRegister {
	params := ""
	if len(req.Context.Parameters) > 0 {
		if b, err := json.Marshal(req.Context.Parameters); err == nil {
			params = string(b)
		}
	}
	strategyID := req.Strategy
	if strategyID == "" {
		strategyID = e.session.StrategyID
	}
	return &storage.TradeRegister{
		RegisterID: uuid.NewString(),
		AccountID:  e.account.ID,
		StrategyID: strategyID,
		Mode:       e.session.Mode,
		Symbol:     req.Symbol,
		Side:       req.Side,

		EntryTimestamp:        now,
		EntryPrice:            p.EntryPrice,
		Size:                  req.Size,
		ValueUSD:              req.Size.Mul(p.EntryPrice),
		Leverage:              req.Leverage,
		MarginRequired:        margin,
		MarginAvailableBefore: e.account.CurrentBalance,
		FeeEntry:              entryFee,
		ExpectedEntryPrice:    p.EntryPrice,
		ActualEntryPrice:      p.EntryPrice,

		MarketPriceAtEntry: p.EntryPrice,
		Volume24hAtEntry:   t.Volume24h,
		VolatilityAtEntry:  decimal.NewFromFloat(req.Context.Indicators.Volatility),

		RSIAtEntry:        req.Context.Indicators.RSI,
		MACDAtEntry:       req.Context.Indicators.MACD,
		BollingerPosition: req.Context.Indicators.BollingerPosition,

		SignalConfidence:   req.Context.Confidence,
		SignalReason:       req.Context.Reason,
		StrategyParameters: params,
		StopLossPrice:      toNullDecimal(req.StopLoss),
		TakeProfitPrice:    toNullDecimal(req.TakeProfit),
		Flags:              strings.Join(req.Context.Flags, ","),

		SessionID:        e.session.SessionID,
		BotVersion:       e.session.BotVersion,
		MaxLossLimit:     e.session.MaxLossLimit,
		TimeLimitSeconds: e.session.TimeLimitSeconds,

		Notes: req.Notes,
	}
}

// Close closes an open position at the current mark with the slippage
// haircut applied. Repeated closes on the same id return ErrPositionNotOpen.
func (e *Engine) Close(ctx context.Context, positionID uint, reason types.ExitReason, notes string) (*storage.PaperTrade, error) {
	e.mu.Lock()
	p := e.findOpen(positionID)
	e.mu.Unlock()
	if p == nil {
		return nil, ErrPositionNotOpen
	}

	ticker, err := e.fetchTicker(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked(ctx, positionID, ticker.MarkPrice, reason, notes)
}

// closeMath is every number a close produces. Slippage lives only in the
// effective price; the cost figure is reporting, it never debits balance.
type closeMath struct {
	effective    decimal.Decimal
	gross        decimal.Decimal
	entryFee     decimal.Decimal
	exitFee      decimal.Decimal
	slippageCost decimal.Decimal
	net          decimal.Decimal
	pnlPercent   decimal.Decimal
}

func computeClose(p *storage.PaperPosition, mark, takerFee, slippagePercent decimal.Decimal) closeMath {
	dir := p.Side.Direction()
	slip := slippagePercent.Div(hundred)

	// The haircut always trades against the close: longs sell below mark,
	// shorts buy back above it.
	effective := mark.Mul(one.Sub(dir.Mul(slip)))
	gross := p.Size.Mul(effective.Sub(p.EntryPrice)).Mul(dir)
	entryFee := p.Size.Mul(p.EntryPrice).Mul(takerFee)
	exitFee := p.Size.Mul(mark).Mul(takerFee)
	slippageCost := p.Size.Mul(mark).Mul(slip)
	net := gross.Sub(entryFee).Sub(exitFee).Sub(slippageCost)

	pnlPercent := decimal.Zero
	if !p.MarginUsed.IsZero() {
		pnlPercent = gross.Div(p.MarginUsed).Mul(hundred)
	}
	return closeMath{
		effective:    effective,
		gross:        gross,
		entryFee:     entryFee,
		exitFee:      exitFee,
		slippageCost: slippageCost,
		net:          net,
		pnlPercent:   pnlPercent,
	}
}

// unrealizedAt values a position at mark without slippage or fees.
func unrealizedAt(p *storage.PaperPosition, mark decimal.Decimal) (pnl, pnlPercent decimal.Decimal) {
	pnl = p.Size.Mul(mark.Sub(p.EntryPrice)).Mul(p.Side.Direction())
	if !p.MarginUsed.IsZero() {
		pnlPercent = pnl.Div(p.MarginUsed).Mul(hundred)
	}
	return pnl, pnlPercent
}

func (e *Engine) closeLocked(ctx context.Context, positionID uint, mark decimal.Decimal, reason types.ExitReason, notes string) (*storage.PaperTrade, error) {
	p := e.findOpen(positionID)
	if p == nil {
		return nil, ErrPositionNotOpen
	}
	if mark.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNoPrice
	}

	m := computeClose(p, mark, e.account.TakerFee, e.cfg.SlippagePercent)

	now := e.clock.Now().Truncate(time.Millisecond)
	if now.Before(p.OpenedAt) {
		now = p.OpenedAt
	}

	accountBefore := *e.account
	positionBefore := *p

	// Margin comes back with the gross result, minus the exit fee. The
	// entry fee already left the balance at open.
	e.account.CurrentBalance = e.account.CurrentBalance.
		Add(p.MarginUsed).Add(m.gross).Sub(m.exitFee)
	e.account.TotalTrades++
	win := m.net.GreaterThan(decimal.Zero)
	if win {
		e.account.WinningTrades++
	} else {
		e.account.LosingTrades++
	}
	e.account.TotalPnL = e.account.TotalPnL.Add(m.net)

	equity := e.account.CurrentBalance
	for _, other := range e.positions {
		if other.ID != p.ID {
			equity = equity.Add(other.UnrealizedPnL)
		}
	}
	if equity.GreaterThan(e.account.PeakBalance) {
		e.account.PeakBalance = equity
	} else if e.account.PeakBalance.IsPositive() {
		drawdown := e.account.PeakBalance.Sub(equity).
			Div(e.account.PeakBalance).Mul(hundred)
		if drawdown.GreaterThan(e.account.MaxDrawdown) {
			e.account.MaxDrawdown = drawdown
		}
	}

	p.Status = types.PositionClosed
	if reason == types.ExitLiquidation {
		p.Status = types.PositionLiquidated
	}
	p.CurrentPrice = mark
	p.UnrealizedPnL = decimal.Zero
	p.UnrealizedPnLPercent = decimal.Zero
	p.ClosedAt = &now
	if notes != "" {
		p.Notes = notes
	}

	trade := &storage.PaperTrade{
		AccountID:       e.account.ID,
		PositionID:      p.ID,
		SessionID:       e.session.SessionID,
		Symbol:          p.Symbol,
		Side:            p.Side,
		Size:            p.Size,
		Leverage:        p.Leverage,
		EntryPrice:      p.EntryPrice,
		EntryTime:       p.OpenedAt,
		ExitPrice:       m.effective,
		ExitTime:        now,
		EntryFee:        m.entryFee,
		ExitFee:         m.exitFee,
		TotalFees:       m.entryFee.Add(m.exitFee),
		SlippageCost:    m.slippageCost,
		GrossPnL:        m.gross,
		NetPnL:          m.net,
		PnLPercent:      m.pnlPercent,
		ExitReason:      reason,
		Strategy:        p.Strategy,
		DurationMinutes: now.Sub(p.OpenedAt).Minutes(),
	}
	order := &storage.PaperOrder{
		OrderID:   uuid.NewString(),
		AccountID: e.account.ID,
		Symbol:    p.Symbol,
		Side:      p.Side.Opposite(),
		Type:      orderTypeFor(reason),
		Size:      p.Size,
		Price:     m.effective,
		Status:    types.OrderFilled,
		Reason:    string(reason),
		CreatedAt: now,
		FilledAt:  &now,
	}

	if err := e.db.CommitClose(ctx, &storage.CloseWrite{
		Account:      e.account,
		Position:     p,
		Trade:        trade,
		Order:        order,
		ExpectedExit: mark,
	}); err != nil {
		*e.account = accountBefore
		*p = positionBefore
		return nil, fmt.Errorf("commit close: %w", err)
	}

	e.removeOpen(positionID)

	evt := log.Info().
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Str("exit", m.effective.StringFixed(2)).
		Str("net_pnl", m.net.StringFixed(2)).
		Str("pnl_percent", m.pnlPercent.StringFixed(2)).
		Str("reason", string(reason)).
		Str("balance", e.account.CurrentBalance.StringFixed(2))
	if win {
		evt.Msg("✅ Position closed in profit")
	} else {
		evt.Msg("🔻 Position closed at a loss")
	}

	e.notifyClosed(p.Symbol, win, m.net)
	return trade, nil
}

func orderTypeFor(reason types.ExitReason) types.OrderType {
	switch reason {
	case types.ExitStopLoss:
		return types.OrderStopLoss
	case types.ExitTakeProfit:
		return types.OrderTakeProfit
	}
	return types.OrderMarket
}

// CheckExits sweeps every open position once: liquidation first, then
// stop-loss, then take-profit; survivors get their mark refreshed. A
// symbol whose ticker fails is skipped without touching the others.
// Database failures abort the sweep and propagate.
func (e *Engine) CheckExits(ctx context.Context) ([]*storage.PaperTrade, error) {
	e.mu.Lock()
	open := make([]uint, 0, len(e.positions))
	symbols := make(map[uint]string, len(e.positions))
	for _, p := range e.positions {
		open = append(open, p.ID)
		symbols[p.ID] = p.Symbol
	}
	e.mu.Unlock()

	marks := make(map[string]decimal.Decimal)
	var trades []*storage.PaperTrade
	for _, id := range open {
		symbol := symbols[id]
		mark, seen := marks[symbol]
		if !seen {
			ticker, err := e.fetchTicker(ctx, symbol)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).
					Msg("ticker unavailable, skipping exit checks for symbol")
				marks[symbol] = decimal.Zero
				continue
			}
			mark = ticker.MarkPrice
			marks[symbol] = mark
		}
		if mark.IsZero() {
			continue
		}

		e.mu.Lock()
		trade, err := e.sweepOne(ctx, id, mark)
		e.mu.Unlock()
		if err != nil {
			return trades, fmt.Errorf("exit sweep for %s: %w", symbol, err)
		}
		if trade != nil {
			trades = append(trades, trade)
		}
	}
	return trades, nil
}

// sweepOne applies the exit ladder to one position. Caller holds the lock.
func (e *Engine) sweepOne(ctx context.Context, positionID uint, mark decimal.Decimal) (*storage.PaperTrade, error) {
	p := e.findOpen(positionID)
	if p == nil {
		return nil, nil
	}

	pnl, pnlPercent := unrealizedAt(p, mark)

	// Liquidation precedes stop-loss precedes take-profit, all inclusive.
	switch {
	case pnlPercent.LessThanOrEqual(minusHundred):
		log.Warn().
			Str("symbol", p.Symbol).
			Str("pnl_percent", pnlPercent.StringFixed(2)).
			Msg("💥 Liquidation threshold reached")
		return e.closeLocked(ctx, positionID, mark, types.ExitLiquidation, "")
	case stopLossHit(p, mark):
		return e.closeLocked(ctx, positionID, mark, types.ExitStopLoss, "")
	case takeProfitHit(p, mark):
		return e.closeLocked(ctx, positionID, mark, types.ExitTakeProfit, "")
	}

	p.CurrentPrice = mark
	p.UnrealizedPnL = pnl
	p.UnrealizedPnLPercent = pnlPercent
	if err := e.db.UpdatePositionMark(p); err != nil {
		log.Warn().Err(err).Uint("position_id", p.ID).
			Msg("failed to persist refreshed mark")
	}
	return nil, nil
}

func stopLossHit(p *storage.PaperPosition, mark decimal.Decimal) bool {
	if !p.StopLoss.Valid {
		return false
	}
	if p.Side == types.SideLong {
		return mark.LessThanOrEqual(p.StopLoss.Decimal)
	}
	return mark.GreaterThanOrEqual(p.StopLoss.Decimal)
}

func takeProfitHit(p *storage.PaperPosition, mark decimal.Decimal) bool {
	if !p.TakeProfit.Valid {
		return false
	}
	if p.Side == types.SideLong {
		return mark.GreaterThanOrEqual(p.TakeProfit.Decimal)
	}
	return mark.LessThanOrEqual(p.TakeProfit.Decimal)
}

// Summary is the read-only account snapshot.
type Summary struct {
	Account       string
	Balance       decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Equity        decimal.Decimal
	TotalPnL      decimal.Decimal
	ROI           decimal.Decimal
	OpenPositions int
	TotalTrades   int
	WinRate       decimal.Decimal
	PeakBalance   decimal.Decimal
	MaxDrawdown   decimal.Decimal
}

// Summary reads current account state. Unrealized PnL uses the marks from
// the latest sweep.
func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	unrealized := decimal.Zero
	for _, p := range e.positions {
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	return Summary{
		Account:       e.account.Name,
		Balance:       e.account.CurrentBalance,
		UnrealizedPnL: unrealized,
		Equity:        e.account.CurrentBalance.Add(unrealized),
		TotalPnL:      e.account.TotalPnL,
		ROI:           e.account.ROI(),
		OpenPositions: len(e.positions),
		TotalTrades:   e.account.TotalTrades,
		WinRate:       e.account.WinRate(),
		PeakBalance:   e.account.PeakBalance,
		MaxDrawdown:   e.account.MaxDrawdown,
	}
}

// Reset restores the account to the given balance, discarding open
// positions without writing trades. Dev and test use only.
func (e *Engine) Reset(ctx context.Context, initialBalance decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.ResetAccount(ctx, e.account.ID, initialBalance); err != nil {
		return fmt.Errorf("reset account: %w", err)
	}
	e.positions = nil
	e.account.InitialBalance = initialBalance
	e.account.CurrentBalance = initialBalance
	e.account.PeakBalance = initialBalance
	e.account.TotalTrades = 0
	e.account.WinningTrades = 0
	e.account.LosingTrades = 0
	e.account.TotalPnL = decimal.Zero
	e.account.MaxDrawdown = decimal.Zero

	log.Info().Str("balance", initialBalance.String()).Msg("🔄 Account reset")
	return nil
}

func (e *Engine) fetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	tctx, cancel := context.WithTimeout(ctx, e.cfg.MarketTimeout)
	defer cancel()

	ticker, err := e.source.GetTicker(tctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPrice, err)
	}
	if ticker == nil || ticker.MarkPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}

	e.mu.Lock()
	e.lastMark[symbol] = ticker.MarkPrice
	e.mu.Unlock()
	return ticker, nil
}

func (e *Engine) findOpen(positionID uint) *storage.PaperPosition {
	for _, p := range e.positions {
		if p.ID == positionID {
			return p
		}
	}
	return nil
}

func (e *Engine) removeOpen(positionID uint) {
	for i, p := range e.positions {
		if p.ID == positionID {
			e.positions = append(e.positions[:i], e.positions[i+1:]...)
			return
		}
	}
}

func (e *Engine) notifyOpened(symbol string, side types.Side) {
	if e.notifier == nil {
		return
	}
	n := e.notifier
	go n.PositionOpened(symbol, side)
}

func (e *Engine) notifyClosed(symbol string, win bool, pnl decimal.Decimal) {
	if e.notifier == nil {
		return
	}
	n := e.notifier
	if win {
		go n.PositionClosedProfit(symbol, pnl)
	} else {
		go n.PositionClosedLoss(symbol, pnl)
	}
}

func toNullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
