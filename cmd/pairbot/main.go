package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pairbot/bot"
	"github.com/web3guy0/pairbot/core"
	"github.com/web3guy0/pairbot/execution"
	"github.com/web3guy0/pairbot/feeds"
	"github.com/web3guy0/pairbot/gateway"
	"github.com/web3guy0/pairbot/internal/config"
	"github.com/web3guy0/pairbot/metrics"
	"github.com/web3guy0/pairbot/risk"
	"github.com/web3guy0/pairbot/storage"
)

const version = "1.0.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("            PAIRBOT v%s - DELTA-NEUTRAL CYCLE ENGINE", version)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	pair, err := config.LoadPair(cfg.PairFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.PairFile).Msg("Failed to load pair definition")
	}
	instruments := pair.Instruments()
	log.Info().
		Str("pair", pair.Name).
		Str("leg_a", pair.LegA.Ticker).
		Str("leg_b", pair.LegB.Ticker).
		Msg("✅ Configuration loaded")

	if !cfg.PaperMode {
		log.Fatal().Msg("No live venue is wired in this build; set PAPER_MODE=true")
	}

	// 2. Journal (cycles, orders, risk state)
	journal, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Warn().Err(err).Msg("Journal unavailable, continuing without persistence")
		journal = nil
	} else {
		log.Info().Msg("✅ Journal initialized")
	}

	// 3. Paper venue, seeded from the pair file
	venue := gateway.NewPaperVenue(instruments, gateway.DefaultPaperConfig())
	for _, inst := range instruments {
		if inst.StaticMark.IsPositive() {
			venue.SetMark(inst.Ticker, inst.StaticMark)
		}
	}
	log.Info().Msg("✅ Paper venue initialized")

	// 4. Mark stream (optional, drives the venue books live)
	var stream *feeds.MarkStream
	if cfg.MarkStreamURL != "" {
		symbols := []string{}
		for _, inst := range instruments {
			if inst.StreamSymbol != "" {
				symbols = append(symbols, inst.StreamSymbol)
			}
		}
		stream = feeds.NewMarkStream(cfg.MarkStreamURL, symbols)
		if err := stream.Start(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Mark stream failed to start, books stay on static marks")
			stream = nil
		} else {
			venue.AttachMarkSource(stream)
			log.Info().Msg("✅ Mark stream attached")
		}
	}

	// 5. Position reconciler
	rec := execution.NewReconciler(venue, cfg.Tolerance, cfg.StalenessWindow)
	log.Info().Msg("✅ Reconciler initialized")

	// 6. Order router
	router := execution.NewRouter(venue, rec, instruments, execution.RouterConfig{
		PassiveWait:        cfg.PassiveWait,
		FillPollInterval:   cfg.FillPollInterval,
		GuaranteedWaitBase: cfg.GuaranteedWaitBase,
		GuaranteedWaitMax:  cfg.GuaranteedWaitMax,
		MinFillRatio:       cfg.MinFillRatio,
		MaxRetries:         2,
	})
	if journal != nil {
		router.OnOrder(func(ev execution.OrderEvent) {
			record := &storage.OrderRecord{
				CycleID:   ev.CycleID,
				Ticker:    ev.Ticker,
				Side:      string(ev.Side),
				Tier:      ev.Tier,
				Price:     ev.Price,
				Qty:       ev.Qty,
				FilledQty: ev.FilledQty,
				AvgPrice:  ev.AvgPrice,
				FeeBps:    ev.FeeBps,
				State:     string(ev.State),
				LatencyMs: ev.Latency.Milliseconds(),
			}
			if err := journal.SaveOrder(record); err != nil {
				log.Error().Err(err).Msg("❌ Failed to journal order")
			}
		})
	}

	// 7. Risk governor
	var store risk.StateStore
	if journal != nil {
		store = risk.NewJournalStore(journal)
	}
	governor := risk.NewGovernor(risk.GovernorConfig{
		DailyLossLimit:      cfg.DailyLossLimit,
		CumulativeLossLimit: cfg.CumulativeLossLimit,
		NetDeltaThreshold:   cfg.NetDeltaThreshold,
		LossFilterEnabled:   cfg.LossFilterEnabled,
		ProfitTarget:        cfg.ProfitTarget,
		VolumeTarget:        cfg.VolumeTarget,
	}, instruments, rec, store)

	// 8. Emergency unwinder
	unwinder := execution.NewUnwinder(rec, router, execution.UnwinderConfig{
		FlattenTimeout:      cfg.FlattenTimeout,
		FlattenPollInterval: cfg.FlattenPollInterval,
		ReorderInterval:     cfg.FlattenReorderInterval,
	})
	log.Info().Msg("✅ Execution layer initialized")

	// 9. Cycle controller
	controller := core.NewController(venue, router, rec, unwinder, governor, journal,
		pair.LegA, pair.LegB, core.ControllerConfig{
			TargetNotional:       cfg.TargetNotional,
			BuildVerifyAttempts:  cfg.BuildVerifyAttempts,
			BuildVerifyInterval:  cfg.BuildVerifyInterval,
			UnwindVerifyAttempts: cfg.UnwindVerifyAttempts,
			UnwindVerifyInterval: cfg.UnwindVerifyInterval,
			CycleHold:            cfg.CycleHold,
			Solver: risk.SolverConfig{
				WindowLots:   cfg.SolverWindowLots,
				MaxDeviation: cfg.SolverMaxDeviation,
			},
		})

	// 10. Scheduler
	scheduler := core.NewScheduler(controller, unwinder, rec, governor, venue,
		pair.LegA, pair.LegB, core.SchedulerConfig{
			Pattern:           cfg.Pattern,
			CycleInterval:     cfg.CycleInterval,
			MaxCycles:         cfg.MaxCycles,
			HealthInterval:    cfg.HealthInterval,
			NetDeltaThreshold: cfg.NetDeltaThreshold,
		})
	if stream != nil {
		scheduler.SetMarkSource(stream)
	}

	// 11. Telegram bot (optional)
	var telegramBot *bot.TelegramBot
	if cfg.TelegramToken != "" {
		var reader bot.JournalReader
		if journal != nil {
			reader = journal
		}
		telegramBot, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID,
			pair.Name, cfg.PaperMode, scheduler, reader)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram bot unavailable, continuing headless")
		} else {
			scheduler.SetNotifier(telegramBot)
			telegramBot.Start()
		}
	} else {
		log.Info().Msg("Telegram disabled (no token)")
	}

	// 12. Metrics listener (optional)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.Serve(cfg.MetricsAddr)
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// PRINT CONFIG
	// ═══════════════════════════════════════════════════════════════════════════════

	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════════════════════════╗")
	log.Info().Msg("║            ⚖️  DELTA-NEUTRAL PAIR CYCLES                      ║")
	log.Info().Msg("╠══════════════════════════════════════════════════════════════╣")
	log.Info().Msgf("║  Pair: %-54s ║", pair.LegA.Ticker+" / "+pair.LegB.Ticker)
	log.Info().Msgf("║  Pattern: %-51s ║", cfg.Pattern)
	log.Info().Msgf("║  Target notional: $%-42s ║", cfg.TargetNotional.StringFixed(2))
	log.Info().Msgf("║  Cycle interval: %-44s ║", cfg.CycleInterval)
	log.Info().Msgf("║  Daily loss limit: $%-41s ║", cfg.DailyLossLimit.StringFixed(2))
	log.Info().Msgf("║  Cumulative loss limit: $%-36s ║", cfg.CumulativeLossLimit.StringFixed(2))
	log.Info().Msgf("║  Net delta bound: $%-42s ║", cfg.NetDeltaThreshold.StringFixed(2))
	log.Info().Msg("║                                                              ║")
	log.Info().Msg("║  BUILD both legs → verify → UNWIND both legs → verify       ║")
	log.Info().Msg("║  One leg alone never outlives the recovery window            ║")
	log.Info().Msg("╚══════════════════════════════════════════════════════════════╝")
	log.Info().Msg("")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start(ctx)

	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")

	// Stop feeding new cycles first; Stop waits for the in-flight one.
	cancel()
	scheduler.Stop()

	if telegramBot != nil {
		telegramBot.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics listener shutdown failed")
		}
		shutdownCancel()
	}
	if journal != nil {
		journal.Close()
	}

	log.Info().Msg("👋 Goodbye!")
}
