package storage

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paperbot/internal/types"
)

// Market data operations. Written by the recording path, read back by the
// database-backed market source and the sentiment filter.

// SaveCandles upserts candles for one symbol and timeframe. Duplicate
// (symbol, timeframe, timestamp) rows are skipped so re-fetching a window
// is harmless.
func (d *Database) SaveCandles(symbol, timeframe string, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	rows := make([]OHLCV, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, OHLCV{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: c.Timestamp.UTC(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "timestamp"}},
		DoNothing: true,
	}).CreateInBatches(rows, 500).Error
}

// RecentCandles returns the newest candles for a symbol and timeframe,
// oldest first, at most limit rows.
func (d *Database) RecentCandles(symbol, timeframe string, limit int) ([]types.Candle, error) {
	var rows []OHLCV
	err := d.db.
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("timestamp desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	candles := make([]types.Candle, len(rows))
	for i, r := range rows {
		candles[len(rows)-1-i] = types.Candle{
			Timestamp: r.Timestamp,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		}
	}
	return candles, nil
}

// SaveTicker appends one ticker snapshot.
func (d *Database) SaveTicker(t types.Ticker) error {
	row := TickerRecord{
		Symbol:       t.Symbol,
		Timestamp:    t.Timestamp.UTC(),
		MarkPrice:    t.MarkPrice,
		Bid:          t.Bid,
		Ask:          t.Ask,
		Volume24h:    t.Volume24h,
		FundingRate:  t.FundingRate,
		OpenInterest: t.OpenInterest,
	}
	return d.db.Create(&row).Error
}

// LatestTicker returns the newest stored ticker for a symbol.
func (d *Database) LatestTicker(symbol string) (*types.Ticker, error) {
	var row TickerRecord
	err := d.db.
		Where("symbol = ?", symbol).
		Order("timestamp desc").
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &types.Ticker{
		Symbol:       row.Symbol,
		Timestamp:    row.Timestamp,
		MarkPrice:    row.MarkPrice,
		Bid:          row.Bid,
		Ask:          row.Ask,
		Volume24h:    row.Volume24h,
		FundingRate:  row.FundingRate,
		OpenInterest: row.OpenInterest,
	}, nil
}

// SaveFundingRates upserts funding observations for one symbol.
func (d *Database) SaveFundingRates(symbol string, rates []types.FundingRate) error {
	if len(rates) == 0 {
		return nil
	}
	rows := make([]FundingRateRecord, 0, len(rates))
	for _, r := range rates {
		rows = append(rows, FundingRateRecord{
			Symbol:    symbol,
			Timestamp: r.Timestamp.UTC(),
			Rate:      r.Rate,
		})
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timestamp"}},
		DoNothing: true,
	}).CreateInBatches(rows, 500).Error
}

// RecentFundingRates returns the newest funding observations for a symbol,
// oldest first.
func (d *Database) RecentFundingRates(symbol string, limit int) ([]types.FundingRate, error) {
	var rows []FundingRateRecord
	err := d.db.
		Where("symbol = ?", symbol).
		Order("timestamp desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	rates := make([]types.FundingRate, len(rows))
	for i, r := range rows {
		rates[len(rows)-1-i] = types.FundingRate{
			Symbol:    r.Symbol,
			Timestamp: r.Timestamp,
			Rate:      r.Rate,
		}
	}
	return rates, nil
}

// LatestSentiment returns the newest sentiment score for a symbol, nil
// when none is stored.
func (d *Database) LatestSentiment(symbol string) (*SentimentScore, error) {
	var row SentimentScore
	err := d.db.
		Where("symbol = ?", symbol).
		Order("timestamp desc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SaveSentiment stores one sentiment observation.
func (d *Database) SaveSentiment(s *SentimentScore) error {
	return d.db.Create(s).Error
}
