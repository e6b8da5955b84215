package attribution

import (
	"context"
	"errors"
	"time"

	"github.com/radiusdt/channel-roi/internal/events"
	"github.com/radiusdt/channel-roi/internal/jobs"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"go.uber.org/zap"
)

// Job types handled by Tasks.
const (
	JobRecompute = "roi.recompute"
	JobImport    = "transactions.import"
)

// RecomputePayload is the body of a roi.recompute job. Empty ChannelIDs
// means all channels. When Scope is set the guard is stamped with Stamp once
// the recompute finishes.
type RecomputePayload struct {
	Dates      []time.Time `json:"dates"`
	ChannelIDs []int64     `json:"channel_ids,omitempty"`
	MaxDays    int         `json:"max_days,omitempty"`
	Scope      string      `json:"scope,omitempty"`
	Stamp      string      `json:"stamp,omitempty"`
}

// RecomputeOutcome is the result stored on a finished roi.recompute job.
type RecomputeOutcome struct {
	Written int `json:"written"`
}

// Tasks submits and executes the background jobs of the ROI pipeline.
type Tasks struct {
	engine    *Engine
	imports   *ImportService
	guard     storage.RecomputeGuard
	client    *jobs.Client
	publisher events.Publisher
	logger    *zap.Logger
	maxDays   int
}

func NewTasks(
	engine *Engine,
	imports *ImportService,
	guard storage.RecomputeGuard,
	client *jobs.Client,
	publisher events.Publisher,
	logger *zap.Logger,
	maxDays int,
) *Tasks {
	if maxDays <= 0 {
		maxDays = models.MaxHorizon
	}
	return &Tasks{
		engine:    engine,
		imports:   imports,
		guard:     guard,
		client:    client,
		publisher: publisher,
		logger:    logger,
		maxDays:   maxDays,
	}
}

// Register binds the task handlers to w.
func (t *Tasks) Register(w *jobs.Worker) {
	w.Register(JobRecompute, t.handleRecompute)
	w.Register(JobImport, t.handleImport)
}

// ScheduleRecompute queues a recompute of p's scope.
func (t *Tasks) ScheduleRecompute(ctx context.Context, p RecomputePayload) (*jobs.Job, error) {
	if p.MaxDays <= 0 {
		p.MaxDays = t.maxDays
	}
	p.Dates = models.UniqueDates(p.Dates)
	return t.client.Submit(ctx, JobRecompute, p)
}

// SubmitImport validates req and queues it. Validation errors are returned
// immediately and nothing is queued.
func (t *Tasks) SubmitImport(ctx context.Context, req ImportRequest) (*jobs.Job, error) {
	if _, err := t.imports.Normalize(&req); err != nil {
		return nil, err
	}
	return t.client.Submit(ctx, JobImport, req)
}

func (t *Tasks) handleRecompute(ctx context.Context, job *jobs.Job) (any, error) {
	var p RecomputePayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	if p.MaxDays <= 0 || p.MaxDays > models.MaxHorizon {
		p.MaxDays = models.MaxHorizon
	}

	written, err := t.engine.Recompute(ctx, p.Dates, p.ChannelIDs, p.MaxDays)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			return nil, jobs.Permanent(err)
		}
		return nil, err
	}

	settleScope(ctx, t.guard, t.logger, p.Scope, p.Stamp, p.MaxDays)

	from, to, _ := models.DateBounds(p.Dates)
	t.publish(ctx, events.TypeRoiRecomputed, "", map[string]any{
		"job_id":      job.ID,
		"from":        models.FormatDate(from),
		"to":          models.FormatDate(to),
		"channel_ids": p.ChannelIDs,
		"written":     written,
	})
	return RecomputeOutcome{Written: written}, nil
}

func (t *Tasks) handleImport(ctx context.Context, job *jobs.Job) (any, error) {
	var req ImportRequest
	if err := job.Decode(&req); err != nil {
		return nil, err
	}

	res, err := t.imports.Import(ctx, req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return nil, jobs.Permanent(err)
		}
		return nil, err
	}

	if res.Written > 0 {
		if _, err := t.ScheduleRecompute(ctx, RecomputePayload{Dates: res.Dates, ChannelIDs: res.ChannelIDs}); err != nil {
			t.logger.Error("failed to schedule post-import recompute", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	t.publish(ctx, events.TypeTransactionsImported, models.FormatDate(res.InsertDate), res)
	return res, nil
}

func (t *Tasks) publish(ctx context.Context, eventType, key string, payload any) {
	if t.publisher == nil {
		return
	}
	e, err := events.New(eventType, key, payload)
	if err != nil {
		t.logger.Warn("failed to build event", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := t.publisher.Publish(ctx, e); err != nil {
		t.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
