package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"paperbot/internal/storage"
	"paperbot/internal/types"
)

// staleTickerWarn is how old a replayed ticker may be before a warning.
const staleTickerWarn = 5 * time.Minute

// DBSource replays recorded market data from the database. Used for dry
// runs against captured history and for air-gapped test environments.
// Order books are not recorded, so GetOrderBook always reports no data.
type DBSource struct {
	db *storage.Database
}

// NewDBSource wraps the database as a market source.
func NewDBSource(db *storage.Database) *DBSource {
	return &DBSource{db: db}
}

// Name identifies the source in logs and session rows.
func (s *DBSource) Name() string { return "db" }

// FetchCandles returns the newest stored candles, oldest first.
func (s *DBSource) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	if _, ok := types.TimeframeDuration(timeframe); !ok {
		return nil, fmt.Errorf("db source: unsupported timeframe %q", timeframe)
	}
	candles, err := s.db.RecentCandles(symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("read candles for %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("candles for %s %s: %w", symbol, timeframe, ErrNoData)
	}
	return candles, nil
}

// GetTicker returns the newest stored ticker.
func (s *DBSource) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	ticker, err := s.db.LatestTicker(symbol)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ticker for %s: %w", symbol, ErrNoData)
	}
	if err != nil {
		return nil, fmt.Errorf("read ticker for %s: %w", symbol, err)
	}
	if age := time.Since(ticker.Timestamp); age > staleTickerWarn {
		log.Warn().Str("symbol", symbol).Dur("age", age).
			Msg("replayed ticker is stale")
	}
	return ticker, nil
}

// GetFundingRates returns the newest stored funding observations,
// oldest first.
func (s *DBSource) GetFundingRates(ctx context.Context, symbol string, limit int) ([]types.FundingRate, error) {
	rates, err := s.db.RecentFundingRates(symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("read funding for %s: %w", symbol, err)
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("funding for %s: %w", symbol, ErrNoData)
	}
	return rates, nil
}

// GetOrderBook is unsupported for recorded data.
func (s *DBSource) GetOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	return nil, fmt.Errorf("order book for %s: %w", symbol, ErrNoData)
}
