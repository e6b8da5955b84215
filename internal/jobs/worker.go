package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/radiusdt/channel-roi/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler executes one job attempt. A returned value is stored as the job
// result. Wrap an error with Permanent to fail without retrying.
type Handler func(ctx context.Context, job *Job) (any, error)

// WorkerConfig controls retries and concurrency.
type WorkerConfig struct {
	Concurrency int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	RetryDelay time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// PollWait is how long a dequeue blocks before re-checking shutdown
	// and delayed jobs.
	PollWait time.Duration
}

// Worker pulls jobs from a Queue and dispatches them by type.
type Worker struct {
	queue   Queue
	cfg     WorkerConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(queue Queue, cfg WorkerConfig, logger *zap.Logger, m *metrics.Metrics) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 2 * time.Second
	}
	return &Worker{
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Run processes jobs until ctx is cancelled. Attempts in flight when ctx is
// cancelled run to completion.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("job worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Int("max_retries", w.cfg.MaxRetries),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.promoteLoop(ctx) })
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				if _, err := w.ProcessNext(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					w.logger.Error("job loop error", zap.Error(err))
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(time.Second):
					}
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		})
	}

	err := g.Wait()
	w.logger.Info("job worker stopped")
	return err
}

func (w *Worker) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := w.queue.PromoteDue(ctx, w.now()); err != nil {
				if ctx.Err() == nil {
					w.logger.Error("failed to promote delayed jobs", zap.Error(err))
				}
			} else if n > 0 {
				w.logger.Debug("promoted delayed jobs", zap.Int("count", n))
			}
		}
	}
}

// ProcessNext runs at most one ready job. It reports whether a job was found.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	id, err := w.queue.Dequeue(ctx, w.cfg.PollWait)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}
	return true, w.execute(ctx, id)
}

func (w *Worker) execute(ctx context.Context, id string) error {
	// The attempt is detached from shutdown so a stopping worker does not
	// leave half-written ROI scopes behind.
	ctx = context.WithoutCancel(ctx)

	job, err := w.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		w.logger.Warn("dequeued unknown job", zap.String("job_id", id))
		return nil
	}
	if job.Status.Done() {
		return nil
	}

	job.Attempts++
	job.Status = StatusRunning
	job.UpdatedAt = w.now().UTC()
	if err := w.queue.Save(ctx, job); err != nil {
		return err
	}

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
	)

	start := time.Now()
	result, runErr := w.run(ctx, job)
	duration := time.Since(start)

	job.UpdatedAt = w.now().UTC()
	switch {
	case runErr == nil:
		job.Status = StatusSucceeded
		job.Error = ""
		if result != nil {
			if raw, err := json.Marshal(result); err == nil {
				job.Result = raw
			}
		}
		w.metrics.RecordJob(job.Type, string(StatusSucceeded), duration)
		logger.Info("job succeeded", zap.Duration("duration", duration))

	case IsPermanent(runErr) || job.Attempts > w.cfg.MaxRetries:
		job.Status = StatusFailed
		job.setError(runErr)
		w.metrics.RecordJob(job.Type, string(StatusFailed), duration)
		logger.Error("job failed", zap.Error(runErr), zap.Duration("duration", duration))

	default:
		job.Status = StatusRetrying
		job.setError(runErr)
		job.RunAfter = w.now().Add(w.cfg.RetryDelay).UTC()
		w.metrics.RecordJob(job.Type, string(StatusRetrying), duration)
		logger.Warn("job attempt failed, will retry",
			zap.Error(runErr),
			zap.Time("run_after", job.RunAfter),
		)
	}

	if err := w.queue.Save(ctx, job); err != nil {
		return err
	}
	if job.Status == StatusRetrying {
		return w.queue.Schedule(ctx, job.ID, job.RunAfter)
	}
	return nil
}

func (w *Worker) run(ctx context.Context, job *Job) (result any, err error) {
	h, ok := w.handler(job.Type)
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler for job type %q", job.Type))
	}

	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()

	result, err = h(ctx, job)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job exceeded timeout of %s", w.cfg.Timeout)
	}
	return result, err
}
