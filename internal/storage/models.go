package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"paperbot/internal/types"
)

// PaperAccount is a named virtual balance. CurrentBalance is free margin;
// margin reserved by open positions has already been debited from it.
type PaperAccount struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	Name            string `gorm:"uniqueIndex;size:64"`
	Description     string
	InitialBalance  decimal.Decimal `gorm:"type:decimal(20,8)"`
	CurrentBalance  decimal.Decimal `gorm:"type:decimal(20,8)"`
	PeakBalance     decimal.Decimal `gorm:"type:decimal(20,8)"`
	LeverageDefault decimal.Decimal `gorm:"type:decimal(10,2)"`
	MaxLeverage     decimal.Decimal `gorm:"type:decimal(10,2)"`
	MakerFee        decimal.Decimal `gorm:"type:decimal(10,6)"`
	TakerFee        decimal.Decimal `gorm:"type:decimal(10,6)"`
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	TotalPnL        decimal.Decimal `gorm:"column:total_pnl;type:decimal(20,8)"`
	MaxDrawdown     decimal.Decimal `gorm:"type:decimal(10,4)"` // percent
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WinRate returns winning/total in percent, zero when no trades closed.
func (a *PaperAccount) WinRate() decimal.Decimal {
	if a.TotalTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(a.WinningTrades)).
		Div(decimal.NewFromInt(int64(a.TotalTrades))).
		Mul(decimal.NewFromInt(100))
}

// ROI returns total PnL relative to the initial balance, in percent.
func (a *PaperAccount) ROI() decimal.Decimal {
	if a.InitialBalance.IsZero() {
		return decimal.Zero
	}
	return a.TotalPnL.Div(a.InitialBalance).Mul(decimal.NewFromInt(100))
}

// PaperPosition is an open exposure. While open, MarginUsed is reserved
// out of the account's CurrentBalance.
type PaperPosition struct {
	ID                   uint                 `gorm:"primaryKey;autoIncrement"`
	AccountID            uint                 `gorm:"index"`
	Symbol               string               `gorm:"size:32;index"`
	Side                 types.Side           `gorm:"size:8"`
	Size                 decimal.Decimal      `gorm:"type:decimal(20,8)"`
	EntryPrice           decimal.Decimal      `gorm:"type:decimal(20,8)"`
	CurrentPrice         decimal.Decimal      `gorm:"type:decimal(20,8)"`
	Leverage             decimal.Decimal      `gorm:"type:decimal(10,2)"`
	MarginUsed           decimal.Decimal      `gorm:"type:decimal(20,8)"`
	StopLoss             decimal.NullDecimal  `gorm:"type:decimal(20,8)"`
	TakeProfit           decimal.NullDecimal  `gorm:"type:decimal(20,8)"`
	UnrealizedPnL        decimal.Decimal      `gorm:"column:unrealized_pnl;type:decimal(20,8)"`
	UnrealizedPnLPercent decimal.Decimal      `gorm:"column:unrealized_pnl_percent;type:decimal(10,4)"`
	Status               types.PositionStatus `gorm:"size:16;index"`
	Strategy             string               `gorm:"size:64"`
	Notes                string
	SessionID            string    `gorm:"size:128;index"`
	OpenedAt             time.Time `gorm:"index"`
	ClosedAt             *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// PaperOrder is a pending or historical order request. Paper fills are
// immediate, so market orders go straight to filled; rejected requests
// are recorded with their reason.
type PaperOrder struct {
	ID         uint              `gorm:"primaryKey;autoIncrement"`
	OrderID    string            `gorm:"uniqueIndex;size:36"`
	AccountID  uint              `gorm:"index"`
	PositionID *uint             `gorm:"index"`
	Symbol     string            `gorm:"size:32"`
	Side       types.Side        `gorm:"size:8"`
	Type       types.OrderType   `gorm:"size:16"`
	Size       decimal.Decimal   `gorm:"type:decimal(20,8)"`
	Price      decimal.Decimal   `gorm:"type:decimal(20,8)"`
	Status     types.OrderStatus `gorm:"size:20;index"`
	Reason     string
	CreatedAt  time.Time
	FilledAt   *time.Time
	UpdatedAt  time.Time
}

// PaperTrade is a closed round-trip. ExitPrice is the effective execution
// price with slippage applied; the mark/expected pair lives on the
// register row.
type PaperTrade struct {
	ID              uint            `gorm:"primaryKey;autoIncrement"`
	AccountID       uint            `gorm:"index:idx_trades_account_exit,priority:1"`
	PositionID      uint            `gorm:"index"`
	SessionID       string          `gorm:"size:128;index"`
	Symbol          string          `gorm:"size:32;index"`
	Side            types.Side      `gorm:"size:8"`
	Size            decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leverage        decimal.Decimal `gorm:"type:decimal(10,2)"`
	EntryPrice      decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryTime       time.Time
	ExitPrice       decimal.Decimal  `gorm:"type:decimal(20,8)"`
	ExitTime        time.Time        `gorm:"index:idx_trades_account_exit,priority:2"`
	EntryFee        decimal.Decimal  `gorm:"type:decimal(20,8)"`
	ExitFee         decimal.Decimal  `gorm:"type:decimal(20,8)"`
	TotalFees       decimal.Decimal  `gorm:"type:decimal(20,8)"`
	SlippageCost    decimal.Decimal  `gorm:"type:decimal(20,8)"`
	GrossPnL        decimal.Decimal  `gorm:"column:gross_pnl;type:decimal(20,8)"`
	NetPnL          decimal.Decimal  `gorm:"column:net_pnl;type:decimal(20,8)"`
	PnLPercent      decimal.Decimal  `gorm:"column:pnl_percent;type:decimal(10,4)"`
	ExitReason      types.ExitReason `gorm:"size:32"`
	Strategy        string           `gorm:"size:64"`
	DurationMinutes float64
	CreatedAt       time.Time
}

// TradeRegister is the append-only audit row, one per position lifecycle.
// The entry half is written in the same transaction that inserts the
// position; the exit half patches the same row in the transaction that
// inserts the trade. ExitTimestamp IS NULL marks an open row.
type TradeRegister struct {
	ID         uint              `gorm:"primaryKey;autoIncrement"`
	RegisterID string            `gorm:"uniqueIndex;size:36"`
	AccountID  uint              `gorm:"index:idx_register_pair,priority:1"`
	StrategyID string            `gorm:"size:64"`
	Mode       types.TradingMode `gorm:"size:8"`
	Symbol     string            `gorm:"size:32;index:idx_register_pair,priority:2"`
	Side       types.Side        `gorm:"size:8"`

	PaperTradeID *uint `gorm:"index"`

	// Entry
	EntryTimestamp        time.Time       `gorm:"index:idx_register_pair,priority:3"`
	EntryPrice            decimal.Decimal `gorm:"type:decimal(20,8)"`
	Size                  decimal.Decimal `gorm:"type:decimal(20,8)"`
	ValueUSD              decimal.Decimal `gorm:"column:value_usd;type:decimal(20,8)"`
	Leverage              decimal.Decimal `gorm:"type:decimal(10,2)"`
	MarginRequired        decimal.Decimal `gorm:"type:decimal(20,8)"`
	MarginAvailableBefore decimal.Decimal `gorm:"type:decimal(20,8)"`
	FeeEntry              decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExpectedEntryPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	ActualEntryPrice      decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntrySlippagePercent  decimal.Decimal `gorm:"type:decimal(10,6)"`

	// Exit (zero until patched; ExitTimestamp is the null marker)
	ExitTimestamp       *time.Time      `gorm:"index"`
	ExitPrice           decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitReason          string          `gorm:"size:32"`
	FeeExit             decimal.Decimal `gorm:"type:decimal(20,8)"`
	FeeTotal            decimal.Decimal `gorm:"type:decimal(20,8)"`
	PnLGross            decimal.Decimal `gorm:"column:pnl_gross;type:decimal(20,8)"`
	PnLNet              decimal.Decimal `gorm:"column:pnl_net;type:decimal(20,8)"`
	PnLPercent          decimal.Decimal `gorm:"column:pnl_percent;type:decimal(10,4)"`
	DurationSeconds     int64
	ExpectedExitPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	ActualExitPrice     decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitSlippagePercent decimal.Decimal `gorm:"type:decimal(10,6)"`

	// Market context at entry
	MarketPriceAtEntry decimal.Decimal `gorm:"type:decimal(20,8)"`
	Volume24hAtEntry   decimal.Decimal `gorm:"column:volume_24h_at_entry;type:decimal(20,8)"`
	VolatilityAtEntry  decimal.Decimal `gorm:"type:decimal(10,4)"`

	// Indicators at entry (taken from the last fully closed candle)
	RSIAtEntry        float64 `gorm:"column:rsi_at_entry"`
	MACDAtEntry       float64 `gorm:"column:macd_at_entry"`
	BollingerPosition float64 `gorm:"column:bollinger_position"`

	// Strategy context
	SignalConfidence   decimal.Decimal `gorm:"type:decimal(10,4)"`
	SignalReason       string
	StrategyParameters string              `gorm:"type:text"` // JSON
	StopLossPrice      decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	TakeProfitPrice    decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	Flags              string              `gorm:"size:256"` // comma separated

	// Session context
	SessionID        string          `gorm:"size:128;index"`
	BotVersion       string          `gorm:"size:32"`
	MaxLossLimit     decimal.Decimal `gorm:"type:decimal(20,8)"`
	TimeLimitSeconds int64

	Notes string
	Tags  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open reports whether the exit half has not been written yet.
func (r *TradeRegister) Open() bool { return r.ExitTimestamp == nil }

// TradingSession is one run of the engine for one account.
type TradingSession struct {
	ID         uint              `gorm:"primaryKey;autoIncrement"`
	SessionID  string            `gorm:"uniqueIndex;size:128"`
	AccountID  uint              `gorm:"index"`
	StrategyID string            `gorm:"size:64"`
	Mode       types.TradingMode `gorm:"size:8"`
	Symbols    string            `gorm:"size:256"` // comma separated

	StartedAt       time.Time
	EndedAt         *time.Time `gorm:"index"`
	DurationSeconds int64

	TimeLimitSeconds int64
	MaxLossLimit     decimal.Decimal `gorm:"type:decimal(20,8)"`
	MaxPositions     int

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      decimal.Decimal `gorm:"column:total_pnl;type:decimal(20,8)"`

	StartingBalance decimal.Decimal `gorm:"type:decimal(20,8)"`
	EndingBalance   decimal.Decimal `gorm:"type:decimal(20,8)"`
	PeakBalance     decimal.Decimal `gorm:"type:decimal(20,8)"`
	MaxDrawdown     decimal.Decimal `gorm:"type:decimal(10,4)"`

	EndReason  types.EndReason `gorm:"size:16"`
	BotVersion string          `gorm:"size:32"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the session has not ended.
func (s *TradingSession) Active() bool { return s.EndedAt == nil }

// Time-series tables. Partitioning (TimescaleDB hypertables) is applied
// best-effort on postgres; plain tables elsewhere.

// OHLCV is one stored candle.
type OHLCV struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Symbol    string          `gorm:"size:32;uniqueIndex:idx_ohlcv_key,priority:1"`
	Timeframe string          `gorm:"size:8;uniqueIndex:idx_ohlcv_key,priority:2"`
	Timestamp time.Time       `gorm:"uniqueIndex:idx_ohlcv_key,priority:3;index"`
	Open      decimal.Decimal `gorm:"type:decimal(20,8)"`
	High      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Low       decimal.Decimal `gorm:"type:decimal(20,8)"`
	Close     decimal.Decimal `gorm:"type:decimal(20,8)"`
	Volume    decimal.Decimal `gorm:"type:decimal(20,8)"`
}

// TableName keeps the conventional ohlcv table name.
func (OHLCV) TableName() string { return "ohlcv" }

// TickerRecord is one stored ticker snapshot.
type TickerRecord struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	Symbol       string          `gorm:"size:32;index"`
	Timestamp    time.Time       `gorm:"index"`
	MarkPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	Bid          decimal.Decimal `gorm:"type:decimal(20,8)"`
	Ask          decimal.Decimal `gorm:"type:decimal(20,8)"`
	Volume24h    decimal.Decimal `gorm:"column:volume_24h;type:decimal(20,8)"`
	FundingRate  decimal.Decimal `gorm:"type:decimal(12,8)"`
	OpenInterest decimal.Decimal `gorm:"type:decimal(20,8)"`
}

// TableName pins the short table name.
func (TickerRecord) TableName() string { return "tickers" }

// FundingRateRecord is one stored funding observation.
type FundingRateRecord struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Symbol    string          `gorm:"size:32;uniqueIndex:idx_funding_key,priority:1"`
	Timestamp time.Time       `gorm:"uniqueIndex:idx_funding_key,priority:2;index"`
	Rate      decimal.Decimal `gorm:"type:decimal(12,8)"`
}

// TableName pins the table name for funding observations.
func (FundingRateRecord) TableName() string { return "funding_rates" }

// SentimentScore is a stored sentiment observation, written by the
// sentiment poller and read back into LLM market briefs.
type SentimentScore struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Symbol    string          `gorm:"size:32;index"`
	Timestamp time.Time       `gorm:"index"`
	Score     decimal.Decimal `gorm:"type:decimal(6,4)"` // -1 bearish .. +1 bullish
	Source    string          `gorm:"size:64"`
	Summary   string
}
