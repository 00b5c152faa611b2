package paper

import (
	"time"

	"github.com/shopspring/decimal"

	"paperbot/internal/storage"
	"paperbot/internal/types"
)

// PositionView is the read-only slice of position state exposed to
// strategies and the orchestrator. Copies only, no engine internals.
type PositionView struct {
	ID                   uint
	Symbol               string
	Side                 types.Side
	Size                 decimal.Decimal
	EntryPrice           decimal.Decimal
	Leverage             decimal.Decimal
	MarginUsed           decimal.Decimal
	StopLoss             *decimal.Decimal
	TakeProfit           *decimal.Decimal
	UnrealizedPnL        decimal.Decimal
	UnrealizedPnLPercent decimal.Decimal
	Strategy             string
	OpenedAt             time.Time
}

// View is the narrow engine surface strategies receive. Strategies can
// inspect exposure and prices but never mutate balances.
type View interface {
	// OpenPositionsFor returns open positions on one symbol, oldest first.
	OpenPositionsFor(symbol string) []PositionView

	// CurrentPrice returns the last mark price the engine saw for the
	// symbol, zero when it has not seen one yet.
	CurrentPrice(symbol string) decimal.Decimal
}

// OpenPositionsFor implements View.
func (e *Engine) OpenPositionsFor(symbol string) []PositionView {
	e.mu.Lock()
	defer e.mu.Unlock()
	var views []PositionView
	for _, p := range e.positions {
		if p.Symbol == symbol {
			views = append(views, viewOf(p))
		}
	}
	return views
}

// CurrentPrice implements View.
func (e *Engine) CurrentPrice(symbol string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMark[symbol]
}

// OpenViews returns every open position, oldest first.
func (e *Engine) OpenViews() []PositionView {
	e.mu.Lock()
	defer e.mu.Unlock()
	views := make([]PositionView, 0, len(e.positions))
	for _, p := range e.positions {
		views = append(views, viewOf(p))
	}
	return views
}

// OpenCount returns the number of open positions.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

// HasOpen reports whether an open position exists for the symbol and
// strategy on the given side.
func (e *Engine) HasOpen(symbol, strategy string, side types.Side) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.positions {
		if p.Symbol == symbol && p.Strategy == strategy && p.Side == side {
			return true
		}
	}
	return false
}

func viewOf(p *storage.PaperPosition) PositionView {
	v := PositionView{
		ID:                   p.ID,
		Symbol:               p.Symbol,
		Side:                 p.Side,
		Size:                 p.Size,
		EntryPrice:           p.EntryPrice,
		Leverage:             p.Leverage,
		MarginUsed:           p.MarginUsed,
		UnrealizedPnL:        p.UnrealizedPnL,
		UnrealizedPnLPercent: p.UnrealizedPnLPercent,
		Strategy:             p.Strategy,
		OpenedAt:             p.OpenedAt,
	}
	if p.StopLoss.Valid {
		sl := p.StopLoss.Decimal
		v.StopLoss = &sl
	}
	if p.TakeProfit.Valid {
		tp := p.TakeProfit.Decimal
		v.TakeProfit = &tp
	}
	return v
}
