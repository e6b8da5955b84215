package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/radiusdt/channel-roi/internal/app"
	"github.com/radiusdt/channel-roi/internal/config"
	"github.com/radiusdt/channel-roi/internal/middleware"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use logger yet
		panic("failed to load config: " + err.Error())
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting channel ROI service",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("transactions_backend", cfg.Transactions.Backend),
		zap.Bool("embedded_worker", cfg.Jobs.Embedded),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize service", zap.Error(err))
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous recomputes over long ranges can take a while.
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	if cfg.Jobs.Embedded {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Worker.Run(ctx); err != nil {
				logger.Error("job worker error", zap.Error(err))
			}
		}()
	}

	// Start rate limiter cleanup goroutine
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.RateLimit.CleanupIPLimiters(time.Hour)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop the worker and background goroutines; in-flight jobs finish.
	cancel()
	wg.Wait()

	logger.Info("server stopped")
}
