package bot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperbot/internal/clock"
	"paperbot/internal/config"
	"paperbot/internal/market"
	"paperbot/internal/paper"
	"paperbot/internal/risk"
	"paperbot/internal/storage"
	"paperbot/internal/strategy"
	"paperbot/internal/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// scriptSource serves fixed candle windows and settable marks. Candle
// fetches run concurrently across symbols, so state sits behind one mutex.
type scriptSource struct {
	mu      sync.Mutex
	marks   map[string]decimal.Decimal
	windows map[string][]types.Candle
}

func newScriptSource() *scriptSource {
	return &scriptSource{
		marks:   make(map[string]decimal.Decimal),
		windows: make(map[string][]types.Candle),
	}
}

func (s *scriptSource) setMark(symbol, mark string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[symbol] = dec(mark)
}

func (s *scriptSource) serveWindow(symbol string, candles []types.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[symbol] = candles
}

func (s *scriptSource) FetchCandles(_ context.Context, symbol, _ string, _ int) ([]types.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candles, ok := s.windows[symbol]
	if !ok {
		return nil, market.ErrNoData
	}
	out := make([]types.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (s *scriptSource) GetTicker(_ context.Context, symbol string) (*types.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mark, ok := s.marks[symbol]
	if !ok {
		return nil, market.ErrNoData
	}
	return &types.Ticker{Symbol: symbol, MarkPrice: mark, Timestamp: time.Now().UTC()}, nil
}

func (s *scriptSource) GetFundingRates(context.Context, string, int) ([]types.FundingRate, error) {
	return nil, market.ErrNoData
}

func (s *scriptSource) GetOrderBook(context.Context, string, int) (*types.OrderBook, error) {
	return nil, market.ErrNoData
}

func (s *scriptSource) Name() string { return "stub" }

// scriptStrategy drives the loop from a per-call hook. call counts Analyze
// invocations across all symbols, starting at 1; the loop is
// single-threaded so the hook may safely mutate the fixture.
type scriptStrategy struct {
	strategy.Base
	calls        int
	onAnalyze    func(call int, symbol string) (*strategy.Signal, error)
	onClose      func(pos paper.PositionView) (*strategy.Signal, error)
	configureErr error
	params       map[string]any
	source       market.Source
}

func newScriptStrategy() *scriptStrategy {
	return &scriptStrategy{
		Base: strategy.NewBase("scripted", "test loop driver", "1m", 1, dec("1")),
	}
}

func (s *scriptStrategy) Params() []strategy.ParamSpec { return nil }

func (s *scriptStrategy) Configure(params map[string]any) error {
	if s.configureErr != nil {
		return s.configureErr
	}
	s.params = params
	return nil
}

func (s *scriptStrategy) SetMarketSource(src market.Source) { s.source = src }

func (s *scriptStrategy) Analyze(_ context.Context, symbol string, _ []types.Candle) (*strategy.Signal, error) {
	s.calls++
	if s.onAnalyze == nil {
		return nil, nil
	}
	return s.onAnalyze(s.calls, symbol)
}

func (s *scriptStrategy) ShouldClose(_ context.Context, pos paper.PositionView, _ []types.Candle) (*strategy.Signal, error) {
	if s.onClose == nil {
		return nil, nil
	}
	return s.onClose(pos)
}

// window builds n closed one-minute bars ending at now.
func window(now time.Time, n int) []types.Candle {
	candles := make([]types.Candle, n)
	start := now.Add(-time.Duration(n) * time.Minute)
	for i := range candles {
		candles[i] = types.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      dec("50000"),
			High:      dec("50100"),
			Low:       dec("49900"),
			Close:     dec("50000"),
			Volume:    dec("10"),
		}
	}
	return candles
}

func buySignal(price string) *strategy.Signal {
	return &strategy.Signal{
		Kind:       strategy.KindBuy,
		Symbol:     "BTC-USD",
		Confidence: dec("7"),
		Price:      dec(price),
		Reason:     "scripted entry",
	}
}

type traderFixture struct {
	trader  *Trader
	cfg     *config.Config
	db      *storage.Database
	engine  *paper.Engine
	source  *scriptSource
	strat   *scriptStrategy
	clk     *clock.Fake
	account *storage.PaperAccount
}

// newTrader wires the full loop over a throwaway sqlite store: one symbol
// at mark 50000, account "paper" with 10000 USD, taker fee 0.05%, zero
// slippage so the PnL arithmetic stays readable. The default one-minute
// time limit with a one-minute check interval yields exactly one tick.
func newTrader(t *testing.T, mutate func(cfg *config.Config)) *traderFixture {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "trader_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	account, err := db.GetOrCreateAccount("paper", storage.AccountDefaults{
		InitialBalance:  dec("10000"),
		LeverageDefault: dec("2"),
		MaxLeverage:     dec("100"),
		MakerFee:        dec("0.0002"),
		TakerFee:        dec("0.0005"),
	})
	require.NoError(t, err)

	cfg := &config.Config{
		Account:       "paper",
		Symbols:       []string{"BTC-USD"},
		Leverage:      dec("2"),
		TimeLimit:     time.Minute,
		CheckInterval: time.Minute,
		MaxPositions:  5,
	}
	if mutate != nil {
		mutate(cfg)
	}

	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	source := newScriptSource()
	source.setMark("BTC-USD", "50000")
	source.serveWindow("BTC-USD", window(clk.Now(), 3))

	engine := paper.NewEngine(db, source, clk, account, paper.Config{})
	guard := risk.NewGuard(clk, risk.Limits{
		TimeLimit:          cfg.TimeLimit,
		MaxLoss:            cfg.MaxLoss,
		MaxDrawdownPercent: cfg.MaxDrawdownPercent,
		CooldownAfterLoss:  cfg.CooldownAfterLoss,
	})
	strat := newScriptStrategy()
	harness := strategy.NewHarness(strat, source, clk)
	trader := New(cfg, db, engine, harness, guard, clk, nil, source, nil, nil, account)

	return &traderFixture{
		trader:  trader,
		cfg:     cfg,
		db:      db,
		engine:  engine,
		source:  source,
		strat:   strat,
		clk:     clk,
		account: account,
	}
}

// session loads the row created by the fixture's pinned start time.
func (f *traderFixture) session(t *testing.T) *storage.TradingSession {
	t.Helper()
	s, err := f.db.GetSession("paper_20240601T120000Z")
	require.NoError(t, err)
	return s
}

func TestRunEndsOnTimeLimit(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.TimeLimit = 3 * time.Minute
	})

	require.NoError(t, f.trader.Run(context.Background()))

	s := f.session(t)
	assert.Equal(t, types.EndTimeLimit, s.EndReason)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, int64(180), s.DurationSeconds)
	assert.Equal(t, "scripted", s.StrategyID)
	assert.Equal(t, types.ModePaper, s.Mode)
	assert.Equal(t, "BTC-USD", s.Symbols)
	assert.Equal(t, int64(180), s.TimeLimitSeconds)
	assert.True(t, s.StartingBalance.Equal(dec("10000")))
	assert.Equal(t, config.BotVersion, s.BotVersion)
	assert.Equal(t, 0, s.TotalTrades)
	assert.Equal(t, 3, f.strat.calls, "one evaluation per tick")
}

func TestRunAppliesEntrySignal(t *testing.T) {
	f := newTrader(t, nil)
	f.strat.onAnalyze = func(call int, _ string) (*strategy.Signal, error) {
		if call == 1 {
			return buySignal("50000"), nil
		}
		return nil, nil
	}

	require.NoError(t, f.trader.Run(context.Background()))

	views := f.engine.OpenViews()
	require.Len(t, views, 1)
	assert.Equal(t, "BTC-USD", views[0].Symbol)
	assert.Equal(t, types.SideLong, views[0].Side)
	assert.True(t, views[0].Size.Equal(dec("0.01")), "5%% of 10000 at 50000, got %s", views[0].Size)
	assert.True(t, views[0].EntryPrice.Equal(dec("50000")))
	assert.Equal(t, "scripted", views[0].Strategy)

	// 250 margin plus 0.25 entry fee left the balance.
	assert.True(t, f.engine.Summary().Balance.Equal(dec("9749.75")))

	// The session ended on time with the position still open.
	s := f.session(t)
	assert.Equal(t, types.EndTimeLimit, s.EndReason)
	assert.Equal(t, 0, s.TotalTrades)
}

func TestFixedSizeOverridesPercentSizing(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.PositionSizes = map[string]decimal.Decimal{"BTC": dec("0.2")}
	})
	f.strat.onAnalyze = func(call int, _ string) (*strategy.Signal, error) {
		if call == 1 {
			return buySignal("50000"), nil
		}
		return nil, nil
	}

	require.NoError(t, f.trader.Run(context.Background()))

	views := f.engine.OpenViews()
	require.Len(t, views, 1)
	assert.True(t, views[0].Size.Equal(dec("0.2")), "got %s", views[0].Size)
}

func TestDuplicateEntrySuppressed(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.TimeLimit = 2 * time.Minute
	})
	f.strat.onAnalyze = func(int, string) (*strategy.Signal, error) {
		return buySignal("50000"), nil
	}

	require.NoError(t, f.trader.Run(context.Background()))

	assert.Equal(t, 2, f.strat.calls)
	assert.Equal(t, 1, f.engine.OpenCount())
	assert.True(t, f.engine.Summary().Balance.Equal(dec("9749.75")), "debited once")
}

func TestOppositeSignalClosesInsteadOfReversing(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.TimeLimit = 2 * time.Minute
	})
	f.strat.onAnalyze = func(call int, _ string) (*strategy.Signal, error) {
		switch call {
		case 1:
			return buySignal("50000"), nil
		case 2:
			sig := buySignal("50000")
			sig.Kind = strategy.KindSell
			sig.Reason = "trend flipped"
			return sig, nil
		}
		return nil, nil
	}

	require.NoError(t, f.trader.Run(context.Background()))

	assert.Equal(t, 0, f.engine.OpenCount(), "the sell closed the long, no short opened")

	s := f.session(t)
	assert.Equal(t, 1, s.TotalTrades)
	assert.Equal(t, 1, s.LosingTrades, "a flat close still pays the fees")
	assert.True(t, s.TotalPnL.Equal(dec("-0.50")), "got %s", s.TotalPnL)
	assert.True(t, s.EndingBalance.Equal(dec("9999.50")), "got %s", s.EndingBalance)
}

func TestMaxPositionsCapsEntries(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.Symbols = []string{"BTC-USD", "ETH-USD"}
		cfg.MaxPositions = 1
	})
	f.source.setMark("ETH-USD", "3000")
	f.source.serveWindow("ETH-USD", window(f.clk.Now(), 3))
	f.strat.onAnalyze = func(_ int, symbol string) (*strategy.Signal, error) {
		sig := buySignal("50000")
		sig.Symbol = symbol
		if symbol == "ETH-USD" {
			sig.Price = dec("3000")
		}
		return sig, nil
	}

	require.NoError(t, f.trader.Run(context.Background()))

	views := f.engine.OpenViews()
	require.Len(t, views, 1)
	assert.Equal(t, "BTC-USD", views[0].Symbol, "configured order decides who takes the slot")
}

func TestMaxLossEndsSession(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.TimeLimit = 24 * time.Hour
		cfg.MaxLoss = dec("200")
	})
	f.strat.onAnalyze = func(call int, _ string) (*strategy.Signal, error) {
		switch call {
		case 1:
			sig := buySignal("50000")
			sig.StopLoss = decPtr("49000")
			return sig, nil
		case 2:
			f.source.setMark("BTC-USD", "30000")
		}
		return nil, nil
	}

	require.NoError(t, f.trader.Run(context.Background()))

	s := f.session(t)
	assert.Equal(t, types.EndMaxLoss, s.EndReason)
	assert.Equal(t, 1, s.TotalTrades)
	assert.Equal(t, 1, s.LosingTrades)
	assert.True(t, s.TotalPnL.Equal(dec("-200.40")), "got %s", s.TotalPnL)
	assert.True(t, s.EndingBalance.Equal(dec("9799.60")), "got %s", s.EndingBalance)
	assert.Equal(t, 0, f.engine.OpenCount(), "stop loss closed the position before the cap fired")
}

func TestCooldownBlocksReentryAfterLoss(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.TimeLimit = 5 * time.Minute
		cfg.CooldownAfterLoss = 10 * time.Minute
	})
	f.strat.onAnalyze = func(call int, _ string) (*strategy.Signal, error) {
		switch call {
		case 1:
			sig := buySignal("50000")
			sig.StopLoss = decPtr("49000")
			return sig, nil
		case 2:
			f.source.setMark("BTC-USD", "48000")
			return nil, nil
		}
		return buySignal("48000"), nil
	}

	require.NoError(t, f.trader.Run(context.Background()))

	assert.Equal(t, 5, f.strat.calls)
	assert.Equal(t, 1, f.engine.Summary().TotalTrades, "the stop-out is the only trade")
	assert.Equal(t, 0, f.engine.OpenCount(), "cooldown blocked every re-entry")
}

func TestDrawdownPausesEntriesWithoutEndingSession(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.TimeLimit = 5 * time.Minute
		cfg.MaxDrawdownPercent = dec("1")
	})
	f.strat.onAnalyze = func(call int, _ string) (*strategy.Signal, error) {
		switch call {
		case 1:
			sig := buySignal("50000")
			sig.StopLoss = decPtr("49000")
			return sig, nil
		case 2:
			f.source.setMark("BTC-USD", "30000")
			return nil, nil
		case 3:
			// The stop-out lands this tick; the pause arms on the next
			// PreTick.
			return nil, nil
		}
		return buySignal("30000"), nil
	}

	require.NoError(t, f.trader.Run(context.Background()))

	s := f.session(t)
	assert.Equal(t, types.EndTimeLimit, s.EndReason, "drawdown pauses entries, it does not stop the session")
	assert.Equal(t, 1, s.TotalTrades)
	assert.True(t, s.MaxDrawdown.Equal(dec("2.004")), "got %s", s.MaxDrawdown)
	assert.Equal(t, 0, f.engine.OpenCount())
}

func TestContextCancelEndsManually(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.TimeLimit = time.Hour
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.trader.Run(ctx))

	s := f.session(t)
	assert.Equal(t, types.EndManual, s.EndReason)
	assert.Equal(t, 0, f.strat.calls, "no tick ran")
}

func TestStaleSessionsAbandonedAtStart(t *testing.T) {
	f := newTrader(t, nil)
	stale := &storage.TradingSession{
		SessionID:  "paper_20240531T080000Z",
		AccountID:  f.account.ID,
		StrategyID: "scripted",
		Mode:       types.ModePaper,
		StartedAt:  f.clk.Now().Add(-28 * time.Hour),
	}
	require.NoError(t, f.db.CreateSession(stale))

	require.NoError(t, f.trader.Run(context.Background()))

	abandoned, err := f.db.GetSession("paper_20240531T080000Z")
	require.NoError(t, err)
	require.NotNil(t, abandoned.EndedAt)
	assert.Equal(t, types.EndError, abandoned.EndReason)
	assert.Equal(t, int64(28*3600), abandoned.DurationSeconds)

	fresh := f.session(t)
	assert.Equal(t, types.EndTimeLimit, fresh.EndReason)
}

func TestStrategyFailureDoesNotEndSession(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.TimeLimit = 2 * time.Minute
	})
	f.strat.onAnalyze = func(int, string) (*strategy.Signal, error) {
		return nil, errors.New("indicator blew up")
	}

	require.NoError(t, f.trader.Run(context.Background()))

	s := f.session(t)
	assert.Equal(t, types.EndTimeLimit, s.EndReason)
	assert.Equal(t, 2, f.strat.calls, "the strategy kept being asked")
	assert.Equal(t, 0, f.engine.OpenCount())
}

func TestEntryWithoutReferencePriceSkipped(t *testing.T) {
	f := newTrader(t, nil)
	f.strat.onAnalyze = func(call int, _ string) (*strategy.Signal, error) {
		if call == 1 {
			return buySignal("0"), nil
		}
		return nil, nil
	}

	require.NoError(t, f.trader.Run(context.Background()))

	assert.Equal(t, 0, f.engine.OpenCount())
}

func TestConfigureAndCapabilitiesWiredAtStart(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.StrategyParams = map[string]any{"lookback": 20.0}
	})

	require.NoError(t, f.trader.Run(context.Background()))

	assert.Equal(t, map[string]any{"lookback": 20.0}, f.strat.params)
	assert.Same(t, f.source, f.strat.source, "source-aware strategy got the market source")
}

func TestConfigureFailureAbortsStartup(t *testing.T) {
	f := newTrader(t, nil)
	f.strat.configureErr = errors.New("bad params")

	err := f.trader.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configure strategy scripted")
}

func TestRunFailsWhenStorageDown(t *testing.T) {
	f := newTrader(t, nil)
	require.NoError(t, f.db.Close())

	err := f.trader.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "abandon stale sessions")
}

func TestRecordMarketDataPersistsWindowAndTicker(t *testing.T) {
	f := newTrader(t, func(cfg *config.Config) {
		cfg.RecordMarketData = true
	})

	require.NoError(t, f.trader.Run(context.Background()))

	candles, err := f.db.RecentCandles("BTC-USD", "1m", 10)
	require.NoError(t, err)
	assert.Len(t, candles, 3)

	ticker, err := f.db.LatestTicker("BTC-USD")
	require.NoError(t, err)
	assert.True(t, ticker.MarkPrice.Equal(dec("50000")))
}
