// Package types holds the shared market and trading primitives used across
// the engine. Keeping them here avoids import cycles between the accounting
// engine, strategies, and storage.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Direction returns +1 for long, -1 for short.
func (s Side) Direction() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionStatus is the position state machine: open -> closed | liquidated.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// OrderType for paper orders.
type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStopLoss   OrderType = "stop_loss"
	OrderTakeProfit OrderType = "take_profit"
)

// OrderStatus machine: pending -> filled | partially_filled | cancelled | rejected.
// Terminal states are immutable.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// ExitReason recorded on every closed trade.
type ExitReason string

const (
	ExitManual              ExitReason = "manual"
	ExitStopLoss            ExitReason = "stop_loss"
	ExitTakeProfit          ExitReason = "take_profit"
	ExitLiquidation         ExitReason = "liquidation"
	ExitStrategyClose       ExitReason = "strategy_close"
	ExitTimeout             ExitReason = "timeout"
	ExitMaxLoss             ExitReason = "max_loss"
	ExitStructureNormalized ExitReason = "structure_normalized"
)

// EndReason recorded on the trading session row.
type EndReason string

const (
	EndManual    EndReason = "manual"
	EndTimeLimit EndReason = "time_limit"
	EndMaxLoss   EndReason = "max_loss"
	EndError     EndReason = "error"
)

// TradingMode distinguishes paper from live rows in shared tables.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeReal  TradingMode = "real"
)

// Candle is one OHLCV bar. Timestamp is the UTC open time of the bar.
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Ticker is a point-in-time market snapshot. MarkPrice is the reference
// price for PnL and exit checks; the remaining fields are best-effort.
type Ticker struct {
	Symbol       string
	MarkPrice    decimal.Decimal
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Volume24h    decimal.Decimal
	FundingRate  decimal.Decimal
	OpenInterest decimal.Decimal
	Timestamp    time.Time
}

// FundingRate is one periodic funding observation for a perpetual.
type FundingRate struct {
	Symbol    string
	Rate      decimal.Decimal
	Timestamp time.Time
}

// OrderBookLevel is a single price level.
type OrderBookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook holds the top of the book, bids and asks sorted best-first.
type OrderBook struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// BidVolume sums the bid quantities.
func (b OrderBook) BidVolume() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.Bids {
		total = total.Add(l.Quantity)
	}
	return total
}

// AskVolume sums the ask quantities.
func (b OrderBook) AskVolume() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.Asks {
		total = total.Add(l.Quantity)
	}
	return total
}

// Imbalance returns (bidVol-askVol)/(bidVol+askVol) in [-1, 1].
// Zero when the book is empty.
func (b OrderBook) Imbalance() decimal.Decimal {
	bid, ask := b.BidVolume(), b.AskVolume()
	total := bid.Add(ask)
	if total.IsZero() {
		return decimal.Zero
	}
	return bid.Sub(ask).Div(total)
}

// Supported candle timeframes, in venue notation.
var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// TimeframeDuration maps a timeframe identifier to its bar duration.
func TimeframeDuration(tf string) (time.Duration, bool) {
	d, ok := timeframes[tf]
	return d, ok
}

// SymbolBase extracts the base asset from an operator symbol,
// e.g. "BTC-USD" -> "BTC". Symbols without a separator return unchanged.
func SymbolBase(symbol string) string {
	if i := strings.IndexAny(symbol, "-/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}
