// Package app wires configuration, backing stores and services into a
// runnable ROI server or worker.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/radiusdt/channel-roi/internal/attribution"
	"github.com/radiusdt/channel-roi/internal/config"
	"github.com/radiusdt/channel-roi/internal/database"
	"github.com/radiusdt/channel-roi/internal/events"
	"github.com/radiusdt/channel-roi/internal/httpserver"
	"github.com/radiusdt/channel-roi/internal/jobs"
	"github.com/radiusdt/channel-roi/internal/metrics"
	"github.com/radiusdt/channel-roi/internal/middleware"
	"github.com/radiusdt/channel-roi/internal/storage"
	"go.uber.org/zap"
)

// Stores are the persistence backends the services run on.
type Stores struct {
	Channels     storage.ChannelRepo
	Transactions storage.TransactionStore
	Rates        storage.RateRepo
	Expenses     storage.ExpenseRepo
	Roi          storage.RoiRepo
	Guard        storage.RecomputeGuard
	Queue        jobs.Queue
}

// MemoryStores returns process-local stores.
func MemoryStores() Stores {
	return Stores{
		Channels:     storage.NewInMemoryChannelRepo(),
		Transactions: storage.NewInMemoryTransactionStore(),
		Rates:        storage.NewInMemoryRateRepo(),
		Expenses:     storage.NewInMemoryExpenseRepo(),
		Roi:          storage.NewInMemoryRoiRepo(),
		Guard:        storage.NewInMemoryRecomputeGuard(),
		Queue:        jobs.NewMemoryQueue(),
	}
}

// App holds the wired services.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Stores    Stores
	Publisher events.Publisher

	Engine    *attribution.Engine
	Channels  *attribution.ChannelService
	Reference *attribution.ReferenceService
	Imports   *attribution.ImportService
	Refresh   *attribution.RefreshService
	Reporting *attribution.ReportingService
	Tasks     *attribution.Tasks
	Jobs      *jobs.Client
	Worker    *jobs.Worker
	RateLimit *middleware.RateLimitMiddleware

	checks  map[string]httpserver.HealthCheck
	closers []func()
}

// Build wires services on top of already opened stores.
func Build(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, stores Stores, publisher events.Publisher) *App {
	if publisher == nil {
		publisher = events.NewLoggingPublisher(logger)
	}

	engine := attribution.NewEngine(attribution.EngineDeps{
		Channels:     stores.Channels,
		Transactions: stores.Transactions,
		Rates:        stores.Rates,
		Expenses:     stores.Expenses,
		Roi:          stores.Roi,
		Metrics:      m,
		Logger:       logger.Named("engine"),
		ChunkSize:    cfg.Roi.BatchChunkSize,
	})

	client := jobs.NewClient(stores.Queue, logger.Named("jobs"))
	worker := jobs.NewWorker(stores.Queue, jobs.WorkerConfig{
		Concurrency: cfg.Jobs.Workers,
		MaxRetries:  cfg.Jobs.MaxRetries,
		RetryDelay:  cfg.Jobs.RetryDelay,
		Timeout:     cfg.Jobs.Timeout,
	}, logger.Named("worker"), m)

	imports := attribution.NewImportService(stores.Channels, stores.Transactions, stores.Guard, m, logger.Named("import"), cfg.Roi.ImportChunkSize)
	tasks := attribution.NewTasks(engine, imports, stores.Guard, client, publisher, logger.Named("tasks"), cfg.Roi.MaxDays)
	tasks.Register(worker)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   m,
		Stores:    stores,
		Publisher: publisher,
		Engine:    engine,
		Channels:  attribution.NewChannelService(stores.Channels),
		Reference: attribution.NewReferenceService(
			stores.Rates, stores.Expenses, stores.Channels, stores.Guard,
			tasks, publisher, cfg.Roi.DefaultChangeLookback, logger.Named("reference"),
		),
		Imports:   imports,
		Refresh:   attribution.NewRefreshService(engine, stores.Channels, stores.Guard, tasks, m, logger.Named("refresh"), cfg.Roi.MaxDays),
		Reporting: attribution.NewReportingService(stores.Channels, stores.Transactions, stores.Rates, stores.Expenses, stores.Roi, logger.Named("reporting")),
		Tasks:     tasks,
		Jobs:      client,
		Worker:    worker,
		RateLimit: middleware.NewRateLimitMiddleware(cfg.RateLimit, logger, m),
		checks:    make(map[string]httpserver.HealthCheck),
	}
	return a
}

// New connects to the configured infrastructure and builds the App.
// PostgreSQL and Redis are optional: when unreachable the App falls back to
// in-memory stores and logs a warning. An explicitly selected ClickHouse
// backend must be reachable.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	m := metrics.NewMetrics("channel_roi", prometheus.DefaultRegisterer)
	stores := MemoryStores()
	checks := make(map[string]httpserver.HealthCheck)
	var closers []func()

	pg, err := database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
	} else {
		closers = append(closers, pg.Close)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				closeAll(closers)
				return nil, err
			}
		}
		stores.Channels = storage.NewPostgresChannelRepo(pg.Pool)
		stores.Transactions = storage.NewPostgresTransactionStore(pg.Pool)
		stores.Rates = storage.NewPostgresRateRepo(pg.Pool)
		stores.Expenses = storage.NewPostgresExpenseRepo(pg.Pool)
		stores.Roi = storage.NewPostgresRoiRepo(pg.Pool)
		checks["postgres"] = pg.Health
	}

	if cfg.Transactions.Backend == config.BackendClickHouse {
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("clickhouse transaction backend: %w", err)
		}
		closers = append(closers, func() { _ = ch.Close() })
		if err := ch.Migrate(ctx); err != nil {
			closeAll(closers)
			return nil, err
		}
		stores.Transactions = storage.NewClickHouseTransactionStore(ch.Conn)
		checks["clickhouse"] = ch.Health
	}

	rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis not available, using in-process job queue and refresh guard", zap.Error(err))
	} else {
		closers = append(closers, func() { _ = rdb.Close() })
		stores.Guard = storage.NewRedisRecomputeGuard(rdb.Client)
		stores.Queue = jobs.NewRedisQueue(rdb.Client)
		checks["redis"] = rdb.Health
	}

	var publisher events.Publisher = events.NewLoggingPublisher(logger.Named("events"))
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("events"))
		if err != nil {
			logger.Warn("kafka publisher disabled, using logging publisher", zap.Error(err))
		} else {
			publisher = kp
		}
	}
	closers = append(closers, func() { _ = publisher.Close() })

	a := Build(cfg, logger, m, stores, publisher)
	a.checks = checks
	a.closers = closers
	if pg != nil {
		a.closers = append(a.closers, a.watchPool(pg))
	}
	return a, nil
}

// watchPool exports pool statistics until the returned stop func is called.
func (a *App) watchPool(pg *database.PostgresDB) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				st := pg.Stats()
				a.Metrics.UpdateDBStats(int(st.IdleConns()), int(st.AcquiredConns()), int(st.TotalConns()))
			}
		}
	}()
	return func() { close(done) }
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return httpserver.NewServer(&httpserver.Dependencies{
		Config:       a.Config,
		Logger:       a.Logger,
		Metrics:      a.Metrics,
		RateLimit:    a.RateLimit,
		Channels:     a.Channels,
		Reference:    a.Reference,
		Engine:       a.Engine,
		Refresh:      a.Refresh,
		Reporting:    a.Reporting,
		Tasks:        a.Tasks,
		Jobs:         a.Jobs,
		Roi:          a.Stores.Roi,
		HealthChecks: a.checks,
	})
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	closeAll(a.closers)
}

func closeAll(closers []func()) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
