// Package market supplies candles, tickers, funding rates and order books
// to the engine. The binance source talks to the exchange, the db source
// replays recorded data; both satisfy Source.
package market

import (
	"context"
	"errors"

	"paperbot/internal/types"
)

// ErrNoData means the venue answered but had nothing for the symbol.
// Callers treat it like any other per-symbol fetch failure.
var ErrNoData = errors.New("market: no data for symbol")

// Source is the market data dependency of the engine. Implementations must
// be safe for concurrent use; the engine fans out candle fetches.
type Source interface {
	// FetchCandles returns up to limit bars oldest first. The last bar may
	// still be forming.
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error)

	// GetTicker returns the current snapshot. MarkPrice is mandatory,
	// everything else best-effort.
	GetTicker(ctx context.Context, symbol string) (*types.Ticker, error)

	// GetFundingRates returns recent funding observations oldest first.
	GetFundingRates(ctx context.Context, symbol string, limit int) ([]types.FundingRate, error)

	// GetOrderBook returns the top of the book at the given depth.
	GetOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error)

	// Name identifies the source in logs and session rows.
	Name() string
}
