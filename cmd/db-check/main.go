// DB Check - verifies the paper-trading store end to end.
//
// Connects with the same DATABASE_URL the bot uses, runs the schema
// migration, prints per-table row counts and finishes with a candle
// write/read/delete round trip against a scratch symbol. Safe to run
// against a live store: nothing outside the scratch symbol is touched.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"paperbot/internal/storage"
	"paperbot/internal/types"
)

const scratchSymbol = "_DBCHECK"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_PATH")
	}
	if dsn == "" {
		dsn = "data/paperbot.db"
	}

	fmt.Println("🔌 Connecting to database...")
	db, err := storage.New(dsn)
	if err != nil {
		fmt.Printf("❌ Connection error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	fmt.Printf("✅ Database connected (%s), schema migrated!\n", db.Dialect())

	fmt.Println("\n📊 Row counts:")
	tables := []struct {
		name  string
		model any
	}{
		{"paper_accounts", &storage.PaperAccount{}},
		{"paper_positions", &storage.PaperPosition{}},
		{"paper_orders", &storage.PaperOrder{}},
		{"paper_trades", &storage.PaperTrade{}},
		{"trade_registers", &storage.TradeRegister{}},
		{"trading_sessions", &storage.TradingSession{}},
		{"ohlcv", &storage.OHLCV{}},
		{"tickers", &storage.TickerRecord{}},
		{"funding_rates", &storage.FundingRateRecord{}},
		{"sentiment_scores", &storage.SentimentScore{}},
	}
	for _, t := range tables {
		var count int64
		err := db.Transaction(func(tx *gorm.DB) error {
			return tx.Model(t.model).Count(&count).Error
		})
		if err != nil {
			fmt.Printf("  ⚠️ %s: %v\n", t.name, err)
			continue
		}
		fmt.Printf("  - %s: %d rows\n", t.name, count)
	}

	fmt.Println("\n🧪 Testing candle round trip...")
	now := time.Now().UTC().Truncate(time.Minute)
	candle := types.Candle{
		Timestamp: now,
		Open:      decimal.NewFromInt(1),
		High:      decimal.NewFromInt(2),
		Low:       decimal.NewFromInt(1),
		Close:     decimal.NewFromInt(2),
		Volume:    decimal.NewFromInt(10),
	}
	if err := db.SaveCandles(scratchSymbol, "1m", []types.Candle{candle}); err != nil {
		fmt.Printf("❌ Insert error: %v\n", err)
		os.Exit(1)
	}
	got, err := db.RecentCandles(scratchSymbol, "1m", 1)
	if err != nil || len(got) != 1 || !got[0].Close.Equal(candle.Close) {
		fmt.Printf("❌ Read-back error: %v (%d rows)\n", err, len(got))
		os.Exit(1)
	}
	fmt.Printf("✅ Candle round trip OK: %s close %s\n", scratchSymbol, got[0].Close.String())

	fmt.Println("\n🧹 Cleaning test data...")
	err = db.Transaction(func(tx *gorm.DB) error {
		return tx.Where("symbol = ?", scratchSymbol).Delete(&storage.OHLCV{}).Error
	})
	if err != nil {
		fmt.Printf("  ⚠️ Delete error: %v\n", err)
	} else {
		fmt.Println("✅ Test data cleaned!")
	}

	fmt.Println("\n✅ DATABASE READY!")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("Tables in use:")
	fmt.Println("  • paper_accounts    - Balances and fee schedules")
	fmt.Println("  • paper_positions   - Open positions")
	fmt.Println("  • paper_trades      - Completed round trips")
	fmt.Println("  • trade_registers   - Full entry/exit audit trail")
	fmt.Println("  • trading_sessions  - One row per bot run")
	fmt.Println("  • ohlcv             - Recorded candles for replay")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
