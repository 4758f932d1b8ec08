// Package settler wires the settlement pipeline into a long-running service.
package settler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/app/settler/controller"
	"github.com/fairbatch/settler/app/settler/orchestrator"
	"github.com/fairbatch/settler/pkg/db/history"
	"github.com/fairbatch/settler/pkg/fairorder"
	"github.com/fairbatch/settler/pkg/intent"
	"github.com/fairbatch/settler/pkg/ledger"
	"github.com/fairbatch/settler/pkg/logging"
	"github.com/fairbatch/settler/pkg/metrics"
	"github.com/fairbatch/settler/pkg/pricefeed"
	"github.com/fairbatch/settler/pkg/redis"
	"github.com/fairbatch/settler/pkg/repository"
	"github.com/fairbatch/settler/pkg/settlement"
	"github.com/fairbatch/settler/pkg/watcher"
)

type App struct {
	Config Config

	Ledger      *ledger.Client
	RedisClient *redis.Client
	History     *history.Recorder

	Repository   *repository.Repository
	Executor     *settlement.Executor
	Watcher      *watcher.Watcher
	Orchestrator *orchestrator.Orchestrator

	// Cron triggers the settlement cycle and the health check.
	Cron *cron.Cron

	Server *http.Server
	Logger *zap.Logger
}

// Initialize builds the application. Unrecoverable startup failures are fatal.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal("Unable to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	logger = logger.With(zap.String("instance", cfg.InstanceID))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ledgerClient, err := ledger.Dial(ctx, cfg.Ledger, logger)
	if err != nil {
		logger.Fatal("Unable to connect to the ledger", zap.Error(err))
	}
	if err := ledgerClient.VerifyContracts(ctx); err != nil {
		logger.Fatal("Contract verification failed", zap.Error(err))
	}
	logger.Info("Ledger ready", zap.String("solver", ledgerClient.Solver().Hex()))

	redisClient, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Unable to connect to Redis", zap.Error(err))
	}

	registry, err := intent.NewRegistry(cfg.Markets)
	if err != nil {
		logger.Fatal("Invalid market configuration", zap.Error(err))
	}

	prices, err := newPriceProvider(cfg, logger)
	if err != nil {
		logger.Fatal("Invalid reference price configuration", zap.Error(err))
	}

	sinks := []settlement.Sink{settlement.FeedSink(redisClient)}
	var recorder *history.Recorder
	if cfg.History.DSN != "" {
		// history is optional; settlement must not depend on it
		recorder, err = history.Open(ctx, cfg.History, logger)
		if err != nil {
			logger.Warn("Settlement history disabled: ClickHouse unavailable", zap.Error(err))
			recorder = nil
		} else {
			sinks = append(sinks, recorder)
		}
	}

	repo := repository.New(ledgerClient, registry, cfg.RepositoryWorkers, logger, m)
	seeds := fairorder.NewService(ledgerClient, cfg.Seeds, logger, m)
	exec := settlement.NewExecutor(ledgerClient, settlement.RedisLocker(redisClient), cfg.Executor, logger, m, sinks...)
	w := watcher.New(ledgerClient, ledgerClient, redisClient, redisClient, cfg.Watcher, logger, m)

	orch := orchestrator.New(orchestrator.Deps{
		Queue:    redisClient,
		Resolver: repo,
		Seeds:    seeds,
		Prices:   prices,
		Executor: exec,
		Markets:  registry,
		Chain:    ledgerClient,
		Redis:    redisClient,
	}, orchestrator.Config{
		BatchDrainSize:      cfg.BatchDrainSize,
		MaxRequeue:          cfg.MaxRequeue,
		MinSolverBalanceWei: cfg.MinSolverBalanceWei,
	}, logger, m)

	app := &App{
		Config:       cfg,
		Ledger:       ledgerClient,
		RedisClient:  redisClient,
		History:      recorder,
		Repository:   repo,
		Executor:     exec,
		Watcher:      w,
		Orchestrator: orch,
		Logger:       logger,
	}

	if err := app.SetupScheduler(ctx); err != nil {
		logger.Fatal("Unable to set up scheduler", zap.Error(err))
	}

	ctler, err := controller.New(orch, redisClient, reg, controller.OptionsFromEnv(), logger)
	if err != nil {
		logger.Fatal("Unable to set up admin API", zap.Error(err))
	}
	if recorder != nil {
		ctler.History = recorder
	}
	app.Server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           controller.WithCORS(ctler.NewRouter()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app
}

// newPriceProvider returns nil when no reference source is configured.
func newPriceProvider(cfg Config, logger *zap.Logger) (pricefeed.Provider, error) {
	switch {
	case cfg.ReferencePrices != "":
		static, err := pricefeed.ParseStatic(cfg.ReferencePrices)
		if err != nil {
			return nil, err
		}
		logger.Info("Using static reference prices", zap.Int("markets", len(static)))
		return static, nil
	case len(cfg.PriceFeedURLs) > 0:
		p := pricefeed.NewHTTPProvider(pricefeed.HTTPOpts{
			Endpoints: cfg.PriceFeedURLs,
			Path:      cfg.PriceFeedPath,
			Timeout:   cfg.PriceFeedTimeout,
			RPS:       cfg.PriceFeedRPS,
		})
		logger.Info("Using HTTP reference prices", zap.Strings("endpoints", cfg.PriceFeedURLs))
		return pricefeed.NewRetrying(p, cfg.PriceFeedAttempts, 0, logger.Named("pricefeed")), nil
	default:
		logger.Info("No reference price source; ties resolve to the lowest candidate")
		return nil, nil
	}
}

// SetupScheduler registers the settlement cycle and health check jobs. Each
// job skips a tick while its previous run is still going.
func (a *App) SetupScheduler(ctx context.Context) error {
	logger := logging.NewCronAdapter(a.Logger.Named("cron"))
	a.Cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	_, err := a.Cron.AddFunc("@every "+a.Config.SettlementInterval.String(), func() {
		rctx, cancel := context.WithTimeout(ctx, a.Config.CycleTimeout)
		defer cancel()
		if _, err := a.Orchestrator.RunCycle(rctx); err != nil {
			a.Logger.Warn("Settlement cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	_, err = a.Cron.AddFunc("@every "+a.Config.HealthInterval.String(), func() {
		rctx, cancel := context.WithTimeout(ctx, a.Config.HealthInterval)
		defer cancel()
		a.Orchestrator.CheckHealth(rctx)
	})
	return err
}

// Start runs the watcher, the scheduler and the admin server until ctx is done.
func (a *App) Start(ctx context.Context) {
	if a.Config.AutoStart {
		a.Orchestrator.Start()
	} else {
		a.Logger.Info("Settlement paused until started via the admin API")
	}

	go func() {
		if err := a.Watcher.Run(ctx, a.Orchestrator.Running); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("Watcher stopped", zap.Error(err))
		}
	}()

	a.Cron.Start()
	a.Logger.Info("Scheduler started",
		zap.Duration("settlement_interval", a.Config.SettlementInterval),
		zap.Duration("health_interval", a.Config.HealthInterval))

	go func() {
		a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Admin server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	a.Stop()
}

// Stop lets in-flight work finish and releases every connection.
func (a *App) Stop() {
	a.Orchestrator.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("Admin server shutdown", zap.Error(err))
	}

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}

	a.Executor.Close()
	a.Repository.Close()

	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.Logger.Warn("Failed to close history connection", zap.Error(err))
		}
	}
	if err := a.RedisClient.Close(); err != nil {
		a.Logger.Warn("Failed to close Redis connection", zap.Error(err))
	}
	a.Ledger.Close()

	a.Logger.Info("さようなら!")
	_ = a.Logger.Sync()
}
