// marlin-trader is the long-running execution daemon: it fetches signals,
// runs them through risk and the order lifecycle during market hours, keeps
// fills synced into the ledger, and reconciles against the broker.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marlin/internal/broker"
	"marlin/internal/config"
	"marlin/internal/engine"
	msignal "marlin/internal/signal"
	"marlin/internal/store"
	"marlin/internal/util"
)

func main() {
	// Local .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "config/marlin.yaml"
	if p := os.Getenv("MARLIN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var fileCfg *util.LogFileConfig
	if cfg.Logging.File != "" {
		fileCfg = &util.LogFileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}
	}
	logger := util.NewLogger(cfg.Logging.Level, fileCfg)
	util.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Storage.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	archive := store.NewParquetArchive(cfg.Storage.DataDir)

	b, err := broker.New(cfg)
	if err != nil {
		logger.Error("failed to create broker", "error", err)
		os.Exit(1)
	}

	var provider msignal.Provider
	if cfg.Signals.URL != "" {
		provider = msignal.NewHTTPProvider("remote", cfg.Signals.URL, cfg.Signals.Token,
			cfg.Signals.Timeout.Std())
	}

	eng := engine.New(cfg, b, engine.Stores{Signals: db, Orders: db, Decisions: db},
		archive, provider, logger)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("marlin-trader starting",
		"broker", b.Name(), "paper_mode", cfg.Trading.PaperMode,
		"poll_interval", cfg.Trading.PollInterval.Std().String())

	err = broker.WithSession(ctx, b, func(broker.Broker) error {
		return run(ctx, cfg, eng, provider != nil, logger)
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("trader stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("marlin-trader stopped")
}

// run is the trader loop. It returns when ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, eng *engine.Engine, fetch bool, logger *slog.Logger) error {
	cal := util.NewTradingCalendar()

	// Seed the ledger before anything trades.
	if _, err := eng.Reconcile(ctx); err != nil {
		return err
	}
	// Fold in fills for orders left active by a previous run.
	if err := eng.SyncOrders(ctx); err != nil {
		logger.Warn("startup order sync failed", "error", err)
	}

	poll := time.NewTicker(cfg.Trading.PollInterval.Std())
	defer poll.Stop()
	reconcile := time.NewTicker(cfg.Trading.ReconcileInterval.Std())
	defer reconcile.Stop()
	fetchTick := time.NewTicker(time.Minute)
	defer fetchTick.Stop()

	tradingDay := time.Now().Format("2006-01-02")

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-poll.C:
			if err := eng.SyncOrders(ctx); err != nil {
				logger.Warn("order sync failed", "error", err)
			}
			if cal.IsMarketOpen(time.Now()) {
				if err := eng.ExecuteSignals(ctx, false); err != nil && ctx.Err() == nil {
					logger.Error("signal execution failed", "error", err)
				}
			}

		case <-fetchTick.C:
			if !fetch {
				continue
			}
			if _, err := eng.FetchSignals(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("signal fetch failed", "error", err)
			}

		case <-reconcile.C:
			if day := time.Now().Format("2006-01-02"); day != tradingDay {
				tradingDay = day
				eng.Ledger().ResetDay()
				logger.Info("trading day rolled over", "day", day)
			}
			if _, err := eng.Reconcile(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("reconciliation failed", "error", err)
			}
		}
	}
}
