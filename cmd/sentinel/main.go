package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sentinel/bot"
	"github.com/web3guy0/sentinel/core"
	"github.com/web3guy0/sentinel/exec"
	"github.com/web3guy0/sentinel/feeds"
	"github.com/web3guy0/sentinel/internal/config"
	"github.com/web3guy0/sentinel/metrics"
	"github.com/web3guy0/sentinel/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	env := flag.String("env", config.EnvStaging, "environment: production or staging")
	smoke := flag.Bool("smoke", false, "check connectivity and exit without trading")
	candidates := flag.String("candidates", "", "candidate export path (overrides CANDIDATES_PATH)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*env, *smoke)
	if err != nil {
		log.Error().Err(err).Msg("❌ Invalid configuration")
		return 1
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *candidates != "" {
		cfg.CandidatesPath = *candidates
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("              SENTINEL - %s", cfg.Environment)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Ledger and run lock
	ledger, locker, err := openLedger(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("❌ Ledger unavailable")
		return 1
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Ledger close failed")
		}
	}()

	// 2. Notifier
	notifier, err := openNotifier(cfg)
	if err != nil {
		log.Error().Err(err).Msg("❌ Notifier unavailable")
		return 1
	}

	// 3. Broker
	binance := exec.NewBinanceBroker(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceTestnet, cfg.QtyPrecision)
	var broker exec.Broker = binance
	if !cfg.IsProduction() {
		broker = exec.NewPaperBroker(binance)
		log.Info().Msg("📝 Paper broker priced from Binance")
	}

	// 4. Engine
	engine := core.NewEngine(cfg, core.Deps{
		Ledger:   ledger,
		Locker:   locker,
		Broker:   broker,
		Notifier: notifier,
		Source:   feeds.NewFileSource(cfg.CandidatesPath),
		Metrics:  metrics.New(),
	})

	log.Info().
		Strs("symbols", cfg.Symbols).
		Str("ledger", cfg.LedgerBackend).
		Bool("auto_execute", cfg.AutoExecute).
		Msg("✅ Components initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════════

	_, err = engine.Run(ctx)
	switch {
	case errors.Is(err, core.ErrLockHeld):
		log.Info().Msg("⏭️ Previous run still active, skipping")
		return 0
	case err != nil:
		log.Error().Err(err).Msg("❌ Run failed")
		return 1
	}

	log.Info().Msg("👋 Done")
	return 0
}

func openLedger(ctx context.Context, cfg *config.Config) (storage.Ledger, storage.Locker, error) {
	switch cfg.LedgerBackend {
	case config.BackendGorm:
		db, err := storage.NewGormLedger(cfg.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	case config.BackendFirestore:
		fs, err := storage.NewFirestoreLedger(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentials)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	case config.BackendMemory:
		log.Warn().Msg("⚠️ In-memory ledger, nothing survives this run")
		return storage.NewMemoryLedger(), storage.NewMemoryLocker(), nil
	}
	return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
}

func openNotifier(cfg *config.Config) (bot.Notifier, error) {
	if cfg.TelegramToken == "" {
		if cfg.IsProduction() {
			return nil, errors.New("TELEGRAM_BOT_TOKEN is required in production")
		}
		log.Warn().Msg("⚠️ No Telegram token, notifications go to the log")
		return bot.LogNotifier{}, nil
	}

	signalChat, err := strconv.ParseInt(cfg.SignalChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("signal chat id: %w", err)
	}
	alertChat, err := strconv.ParseInt(cfg.AlertChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("alert chat id: %w", err)
	}
	return bot.NewTelegramNotifier(cfg.TelegramToken, signalChat, alertChat, cfg.RetryPolicy())
}
