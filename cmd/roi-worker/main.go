package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/radiusdt/channel-roi/internal/app"
	"github.com/radiusdt/channel-roi/internal/config"
	"github.com/radiusdt/channel-roi/internal/jobs"
	"github.com/radiusdt/channel-roi/internal/middleware"
	"go.uber.org/zap"
)

// roi-worker runs recompute and import jobs without serving HTTP. It needs
// the same Redis as the API so both share one job queue.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize worker", zap.Error(err))
	}
	defer a.Close()

	if _, ok := a.Stores.Queue.(*jobs.MemoryQueue); ok {
		logger.Fatal("redis is required for a standalone worker", zap.String("redis_addr", cfg.Redis.Addr))
	}

	logger.Info("starting ROI job worker",
		zap.String("env", cfg.Server.Env),
		zap.Int("workers", cfg.Jobs.Workers),
	)

	if err := a.Worker.Run(ctx); err != nil {
		logger.Error("job worker error", zap.Error(err))
	}
	logger.Info("worker stopped")
}
