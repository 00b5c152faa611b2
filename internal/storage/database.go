package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"paperbot/internal/types"
)

// Database wraps the gorm handle. All persistence for accounts, positions,
// trades, the register, sessions and market data goes through here.
type Database struct {
	db      *gorm.DB
	dialect string
}

// retryBackoff is the wait before transient-error retries, doubled per attempt.
const (
	retryAttempts = 3
	retryBackoff  = 100 * time.Millisecond
)

// New opens a postgres or sqlite database depending on the DSN and runs
// migrations. DSNs starting with postgres:// or postgresql:// (or in
// key=value form) select postgres, anything else is treated as a sqlite
// file path.
func New(dsn string) (*Database, error) {
	var (
		db      *gorm.DB
		dialect string
		err     error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	if isPostgresDSN(dsn) {
		dialect = "postgres"
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	} else {
		dialect = "sqlite"
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create database dir: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Database{db: db, dialect: dialect}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log.Info().Str("dialect", dialect).Msg("💾 Database connected")
	return d, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

func (d *Database) migrate() error {
	if err := d.db.AutoMigrate(
		&PaperAccount{},
		&PaperPosition{},
		&PaperOrder{},
		&PaperTrade{},
		&TradeRegister{},
		&TradingSession{},
		&OHLCV{},
		&TickerRecord{},
		&FundingRateRecord{},
		&SentimentScore{},
	); err != nil {
		return err
	}
	d.createHypertables()
	return nil
}

// createHypertables converts the time-series tables when TimescaleDB is
// installed. Failure is not an error, the tables work as plain tables.
func (d *Database) createHypertables() {
	if d.dialect != "postgres" {
		return
	}
	for _, table := range []string{"ohlcv", "tickers", "funding_rates", "sentiment_scores"} {
		err := d.db.Exec(
			"SELECT create_hypertable(?, 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)",
			table,
		).Error
		if err != nil {
			log.Debug().Err(err).Str("table", table).Msg("hypertable not created")
			return
		}
	}
	log.Info().Msg("💾 TimescaleDB hypertables ready")
}

// Close releases the underlying connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Dialect returns "postgres" or "sqlite".
func (d *Database) Dialect() string { return d.dialect }

// transientPatterns match driver errors that are worth retrying. Refused
// connections are deliberately absent: a dead database is fatal.
var transientPatterns = []string{
	"deadlock",
	"could not serialize",
	"serialization failure",
	"database is locked",
	"database table is locked",
	"busy",
	"timeout",
	"connection reset",
	"broken pipe",
}

// IsTransient reports whether err looks like a momentary database failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") {
		return false
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Transaction runs fn in a single database transaction.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

// TransactionRetry runs fn in a transaction, retrying up to retryAttempts
// times on transient errors with doubling backoff. fn must be safe to run
// again after a rollback.
func (d *Database) TransactionRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	backoff := retryBackoff
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = d.db.WithContext(ctx).Transaction(fn)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("transient database error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// lockAccount takes the account row lock inside tx. The engine is already
// a single writer; the row lock additionally serializes any out-of-process
// writers on postgres. SQLite locks the whole file per transaction anyway.
func (d *Database) lockAccount(tx *gorm.DB, accountID uint) error {
	q := tx.Model(&PaperAccount{})
	if d.dialect == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var acc PaperAccount
	return q.Where("id = ?", accountID).First(&acc).Error
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// AccountDefaults seeds a paper account on first use.
type AccountDefaults struct {
	InitialBalance  decimal.Decimal
	LeverageDefault decimal.Decimal
	MaxLeverage     decimal.Decimal
	MakerFee        decimal.Decimal
	TakerFee        decimal.Decimal
}

// GetOrCreateAccount loads the account by name, creating it with the given
// defaults when it does not exist yet.
func (d *Database) GetOrCreateAccount(name string, defaults AccountDefaults) (*PaperAccount, error) {
	var acc PaperAccount
	err := d.db.Where("name = ?", name).First(&acc).Error
	if err == nil {
		return &acc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	acc = PaperAccount{
		Name:            name,
		InitialBalance:  defaults.InitialBalance,
		CurrentBalance:  defaults.InitialBalance,
		PeakBalance:     defaults.InitialBalance,
		LeverageDefault: defaults.LeverageDefault,
		MaxLeverage:     defaults.MaxLeverage,
		MakerFee:        defaults.MakerFee,
		TakerFee:        defaults.TakerFee,
	}
	if err := d.db.Create(&acc).Error; err != nil {
		return nil, err
	}
	log.Info().Str("account", name).
		Str("balance", acc.InitialBalance.String()).
		Msg("🏦 Paper account created")
	return &acc, nil
}

// GetAccount loads an account by id.
func (d *Database) GetAccount(id uint) (*PaperAccount, error) {
	var acc PaperAccount
	if err := d.db.First(&acc, id).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// AccountByName loads an account without creating it. Read-only tools use
// this so a typoed name fails instead of minting a fresh account.
func (d *Database) AccountByName(name string) (*PaperAccount, error) {
	var acc PaperAccount
	if err := d.db.Where("name = ?", name).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// SaveAccount persists the full account row.
func (d *Database) SaveAccount(acc *PaperAccount) error {
	return d.db.Save(acc).Error
}

// SaveOrder persists a standalone order row. Filled orders travel inside
// CommitOpen/CommitClose; this path records rejected requests.
func (d *Database) SaveOrder(o *PaperOrder) error {
	return d.db.Create(o).Error
}

// RecentOrders returns the account's newest order rows, newest first.
func (d *Database) RecentOrders(accountID uint, limit int) ([]*PaperOrder, error) {
	var orders []*PaperOrder
	err := d.db.
		Where("account_id = ?", accountID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// OpenPositions returns the account's open positions oldest first. The
// engine replays these into memory on startup.
func (d *Database) OpenPositions(accountID uint) ([]*PaperPosition, error) {
	var positions []*PaperPosition
	err := d.db.
		Where("account_id = ? AND status = ?", accountID, types.PositionOpen).
		Order("opened_at asc, id asc").
		Find(&positions).Error
	return positions, err
}

// UpdatePositionMark persists the refreshed mark price and unrealized PnL
// of an open position. Not part of the atomic open/close paths.
func (d *Database) UpdatePositionMark(p *PaperPosition) error {
	return d.db.Model(&PaperPosition{}).Where("id = ?", p.ID).Updates(map[string]any{
		"current_price":          p.CurrentPrice,
		"unrealized_pnl":         p.UnrealizedPnL,
		"unrealized_pnl_percent": p.UnrealizedPnLPercent,
		"updated_at":             time.Now().UTC(),
	}).Error
}

// ---------------------------------------------------------------------------
// Atomic open / close
// ---------------------------------------------------------------------------

// OpenWrite is everything one position open must persist together: the
// debited account, the new position, its filled entry order and the entry
// half of the register row.
type OpenWrite struct {
	Account  *PaperAccount
	Position *PaperPosition
	Order    *PaperOrder
	Register *TradeRegister
}

// CommitOpen persists an open atomically. Either every row lands or none
// does; transient failures are retried with the same precomputed values.
func (d *Database) CommitOpen(ctx context.Context, w *OpenWrite) error {
	return d.TransactionRetry(ctx, func(tx *gorm.DB) error {
		// Reset generated ids so a retried attempt inserts fresh rows.
		w.Position.ID = 0
		w.Order.ID = 0
		w.Register.ID = 0

		if err := d.lockAccount(tx, w.Account.ID); err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if err := tx.Create(w.Position).Error; err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
		w.Order.PositionID = &w.Position.ID
		if err := tx.Create(w.Order).Error; err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := tx.Create(w.Register).Error; err != nil {
			return fmt.Errorf("insert register row: %w", err)
		}
		if err := tx.Save(w.Account).Error; err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		return nil
	})
}

// CloseWrite is everything one position close must persist together: the
// credited account, the closed position, the trade row, the exit order and
// the exit patch for the register row. ExpectedExit is the mark price
// before the slippage haircut.
type CloseWrite struct {
	Account      *PaperAccount
	Position     *PaperPosition
	Trade        *PaperTrade
	Order        *PaperOrder
	ExpectedExit decimal.Decimal
}

// CommitClose persists a close atomically and patches the register row
// matched by (account, symbol, entry timestamp) with NULL exit. A missing
// register row is logged as a data integrity alert but does not fail the
// close; a row already carrying a trade id is left untouched.
// Lock discipline: account row lock, position update, trade insert,
// counter update, register patch, commit.
func (d *Database) CommitClose(ctx context.Context, w *CloseWrite) error {
	return d.TransactionRetry(ctx, func(tx *gorm.DB) error {
		w.Trade.ID = 0
		w.Order.ID = 0

		if err := d.lockAccount(tx, w.Account.ID); err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if err := tx.Save(w.Position).Error; err != nil {
			return fmt.Errorf("update position: %w", err)
		}
		w.Trade.PositionID = w.Position.ID
		if err := tx.Create(w.Trade).Error; err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		w.Order.PositionID = &w.Position.ID
		if err := tx.Create(w.Order).Error; err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := tx.Save(w.Account).Error; err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if err := patchRegisterExit(tx, w); err != nil {
			return fmt.Errorf("patch register row: %w", err)
		}
		return nil
	})
}

func patchRegisterExit(tx *gorm.DB, w *CloseWrite) error {
	var reg TradeRegister
	err := tx.
		Where("account_id = ? AND symbol = ? AND entry_timestamp = ? AND exit_timestamp IS NULL",
			w.Account.ID, w.Trade.Symbol, w.Trade.EntryTime).
		First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Error().
			Uint("account_id", w.Account.ID).
			Str("symbol", w.Trade.Symbol).
			Time("entry_timestamp", w.Trade.EntryTime).
			Msg("⚠️ register row missing for closed position")
		return nil
	}
	if err != nil {
		return err
	}
	if reg.PaperTradeID != nil {
		// Exit already recorded, nothing to patch twice.
		return nil
	}

	exitTime := w.Trade.ExitTime
	reg.PaperTradeID = &w.Trade.ID
	reg.ExitTimestamp = &exitTime
	reg.ExitPrice = w.Trade.ExitPrice
	reg.ExitReason = string(w.Trade.ExitReason)
	reg.FeeExit = w.Trade.ExitFee
	reg.FeeTotal = w.Trade.TotalFees
	reg.PnLGross = w.Trade.GrossPnL
	reg.PnLNet = w.Trade.NetPnL
	reg.PnLPercent = w.Trade.PnLPercent
	reg.DurationSeconds = int64(exitTime.Sub(reg.EntryTimestamp).Seconds())
	reg.ExpectedExitPrice = w.ExpectedExit
	reg.ActualExitPrice = w.Trade.ExitPrice
	if !reg.ExpectedExitPrice.IsZero() {
		reg.ExitSlippagePercent = reg.ActualExitPrice.Sub(reg.ExpectedExitPrice).
			Div(reg.ExpectedExitPrice).
			Mul(decimal.NewFromInt(100)).
			Abs()
	}
	return tx.Save(&reg).Error
}

// ---------------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------------

// ResetAccount restores the account to the given initial balance,
// force-closes its open position rows without writing trades, and deletes
// their dangling register rows. One transaction, meant for dev and test
// harness use.
func (d *Database) ResetAccount(ctx context.Context, accountID uint, initialBalance decimal.Decimal) error {
	return d.TransactionRetry(ctx, func(tx *gorm.DB) error {
		if err := d.lockAccount(tx, accountID); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.Model(&PaperPosition{}).
			Where("account_id = ? AND status = ?", accountID, types.PositionOpen).
			Updates(map[string]any{"status": types.PositionClosed, "closed_at": now}).Error; err != nil {
			return err
		}
		if err := tx.
			Where("account_id = ? AND exit_timestamp IS NULL", accountID).
			Delete(&TradeRegister{}).Error; err != nil {
			return err
		}
		return tx.Model(&PaperAccount{}).Where("id = ?", accountID).Updates(map[string]any{
			"initial_balance": initialBalance,
			"current_balance": initialBalance,
			"peak_balance":    initialBalance,
			"total_trades":    0,
			"winning_trades":  0,
			"losing_trades":   0,
			"total_pnl":       decimal.Zero,
			"max_drawdown":    decimal.Zero,
			"updated_at":      now,
		}).Error
	})
}
