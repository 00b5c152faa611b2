// Paperbot - Paper Trading Engine for Perpetual Futures
//
// Runs one trading session: a strategy reads live or recorded market data,
// and every order it produces is simulated against a virtual account with
// realistic fees, slippage and liquidations. Nothing here touches an
// exchange order endpoint.
//
// Exit codes: 0 clean session end, 1 runtime failure, 2 invalid
// configuration.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"paperbot/internal/bot"
	"paperbot/internal/clock"
	"paperbot/internal/config"
	"paperbot/internal/llm"
	"paperbot/internal/market"
	"paperbot/internal/notify"
	"paperbot/internal/paper"
	"paperbot/internal/risk"
	"paperbot/internal/sentiment"
	"paperbot/internal/storage"
	"paperbot/internal/strategy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return 2
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 2
	}
	if level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("version", config.BotVersion).
		Str("account", cfg.Account).
		Strs("symbols", cfg.Symbols).
		Str("strategy", cfg.Strategy).
		Str("source", cfg.MarketSource).
		Msg("📝 Paperbot starting...")

	// ====== CORE COMPONENTS ======

	// 1. Storage - accounts, positions, trades, register, market data
	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize database")
		return 1
	}
	defer db.Close()

	// 2. Market data source
	var source market.Source
	switch cfg.MarketSource {
	case "db":
		source = market.NewDBSource(db)
		log.Info().Msg("💾 Replaying recorded market data")
	default:
		binance := market.NewBinance(cfg.Symbols, true)
		if err := binance.Start(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Mark price stream unavailable, falling back to REST")
		}
		defer binance.Stop()
		source = binance
	}

	// 3. Paper account and execution engine
	account, err := db.GetOrCreateAccount(cfg.Account, storage.AccountDefaults{
		InitialBalance:  cfg.InitialBalance,
		LeverageDefault: cfg.Leverage,
		MaxLeverage:     cfg.MaxLeverage,
		MakerFee:        cfg.MakerFee,
		TakerFee:        cfg.TakerFee,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to load paper account")
		return 1
	}

	clk := clock.New()
	engine := paper.NewEngine(db, source, clk, account, paper.Config{
		SlippagePercent: cfg.SlippagePercent,
	})

	// 4. Strategy under its harness
	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 2
	}
	harness := strategy.NewHarness(strat, source, clk)

	// 5. Session guard
	guard := risk.NewGuard(clk, risk.Limits{
		TimeLimit:          cfg.TimeLimit,
		MaxLoss:            cfg.MaxLoss,
		MaxDrawdownPercent: cfg.MaxDrawdownPercent,
		CooldownAfterLoss:  cfg.CooldownAfterLoss,
	})

	// 6. Notifications
	hub := notify.NewHub()
	if cfg.SoundAlerts {
		hub.Add(notify.NewSoundSink(cfg.SoundTTSCmd))
		log.Info().Msg("🔔 Sound alerts enabled")
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		sink, err := notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
		} else {
			hub.Add(sink)
		}
	}

	// 7. Sentiment poller, strategies pick it up when they care
	var sentProvider strategy.SentimentProvider
	if cfg.SentimentEnabled {
		poller := sentiment.NewPoller(db, cfg.SentimentInterval)
		poller.Start()
		defer poller.Stop()
		sentProvider = poller
	}

	// 8. LLM client, only the llm strategy uses it
	var llmClient *llm.Client
	if cfg.LLMAPIKey != "" {
		llmClient = llm.NewClient(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL)
		if cfg.LLMJournalFile != "" {
			journal, err := llm.NewJournal(cfg.LLMJournalFile)
			if err != nil {
				log.Warn().Err(err).Msg("⚠️ LLM journal disabled")
			} else {
				llmClient.SetJournal(journal)
				defer journal.Close()
			}
		}
		log.Info().Str("model", cfg.LLMModel).Msg("🧠 LLM client ready")
	} else if cfg.Strategy == "llm-prompt" {
		log.Warn().Msg("⚠️ LLM_API_KEY not set, llm strategy will hold forever")
	}

	// ====== RUN ======

	trader := bot.New(cfg, db, engine, harness, guard, clk, hub, source, sentProvider, llmClient, account)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := trader.Run(ctx); err != nil {
		log.Error().Err(err).Msg("💥 Session failed")
		return 1
	}

	log.Info().Msg("👋 Goodbye!")
	return 0
}
