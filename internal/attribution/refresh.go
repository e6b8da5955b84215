package attribution

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/radiusdt/channel-roi/internal/jobs"
	"github.com/radiusdt/channel-roi/internal/metrics"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"go.uber.org/zap"
)

// RefreshRequest asks for the ROI rows of a date range to be rebuilt.
type RefreshRequest struct {
	From      time.Time
	To        time.Time
	ChannelID *int64
	MaxDays   int
	// Force bypasses the recompute guard.
	Force bool
	// Async queues the recompute instead of running it inline.
	Async bool
}

// RefreshResult reports what a refresh did.
type RefreshResult struct {
	Scope   string    `json:"scope"`
	Skipped bool      `json:"skipped"`
	Written int       `json:"written"`
	Job     *jobs.Job `json:"job,omitempty"`
}

// RefreshService runs operator-requested recomputes, skipping scopes whose
// inputs have not changed since they were last computed today.
type RefreshService struct {
	engine    *Engine
	channels  storage.ChannelRepo
	guard     storage.RecomputeGuard
	scheduler RecomputeScheduler
	metrics   *metrics.Metrics
	logger    *zap.Logger
	maxDays   int
	now       func() time.Time
}

func NewRefreshService(
	engine *Engine,
	channels storage.ChannelRepo,
	guard storage.RecomputeGuard,
	scheduler RecomputeScheduler,
	m *metrics.Metrics,
	logger *zap.Logger,
	maxDays int,
) *RefreshService {
	if maxDays <= 0 {
		maxDays = models.MaxHorizon
	}
	return &RefreshService{
		engine:    engine,
		channels:  channels,
		guard:     guard,
		scheduler: scheduler,
		metrics:   m,
		logger:    logger,
		maxDays:   maxDays,
		now:       time.Now,
	}
}

// refreshScope names the guard entry for a range, channel filter and
// longest horizon.
func refreshScope(from, to time.Time, channelID *int64, maxDays int) string {
	ch := "all"
	if channelID != nil {
		ch = strconv.FormatInt(*channelID, 10)
	}
	return models.FormatDate(from) + ":" + models.FormatDate(to) + ":" + ch + ":" + strconv.Itoa(maxDays)
}

func refreshStamp(rev int64, day string) string {
	return strconv.FormatInt(rev, 10) + "|" + day
}

// settleScope stamps scope after a recompute. A recompute that stopped short
// of the longest horizon deleted rows it did not rewrite, so it bumps the
// revision first and no overlapping stamp computed before it matches again.
func settleScope(ctx context.Context, guard storage.RecomputeGuard, logger *zap.Logger, scope, stamp string, maxDays int) {
	if maxDays < models.MaxHorizon {
		rev, err := guard.Bump(ctx)
		if err != nil {
			logger.Warn("failed to bump input revision after partial recompute", zap.Int("max_days", maxDays), zap.Error(err))
			return
		}
		_, day, _ := strings.Cut(stamp, "|")
		stamp = refreshStamp(rev, day)
	}
	if scope == "" {
		return
	}
	if err := guard.Mark(ctx, scope, stamp); err != nil {
		logger.Warn("failed to stamp refresh scope", zap.String("scope", scope), zap.Error(err))
	}
}

// Refresh recomputes req's scope unless the guard shows it is current.
func (s *RefreshService) Refresh(ctx context.Context, req RefreshRequest) (*RefreshResult, error) {
	req.From, req.To = models.DateOf(req.From), models.DateOf(req.To)
	if req.To.Before(req.From) {
		return nil, validationError("from must not be after to")
	}
	if req.MaxDays <= 0 || req.MaxDays > models.MaxHorizon {
		req.MaxDays = s.maxDays
	}

	var channelIDs []int64
	if req.ChannelID != nil {
		ch, err := s.channels.GetByID(ctx, *req.ChannelID)
		if err != nil {
			return nil, err
		}
		if ch == nil {
			return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, *req.ChannelID)
		}
		channelIDs = []int64{ch.ID}
	}

	scope := refreshScope(req.From, req.To, req.ChannelID, req.MaxDays)
	rev, err := s.guard.Revision(ctx)
	if err != nil {
		return nil, err
	}
	stamp := refreshStamp(rev, models.FormatDate(s.now()))

	res := &RefreshResult{Scope: scope}
	if !req.Force {
		current, err := s.guard.Stamp(ctx, scope)
		if err != nil {
			return nil, err
		}
		if current == stamp {
			s.metrics.RecordRefresh("skipped")
			s.logger.Info("roi refresh skipped, inputs unchanged", zap.String("scope", scope), zap.String("stamp", stamp))
			res.Skipped = true
			return res, nil
		}
		s.metrics.RecordRefresh("recomputed")
	} else {
		s.metrics.RecordRefresh("forced")
	}

	dates := models.DateRange(req.From, req.To)
	if req.Async && s.scheduler != nil {
		job, err := s.scheduler.ScheduleRecompute(ctx, RecomputePayload{
			Dates:      dates,
			ChannelIDs: channelIDs,
			MaxDays:    req.MaxDays,
			Scope:      scope,
			Stamp:      stamp,
		})
		if err != nil {
			return nil, err
		}
		res.Job = job
		return res, nil
	}

	written, err := s.engine.Recompute(ctx, dates, channelIDs, req.MaxDays)
	if err != nil {
		return nil, err
	}
	res.Written = written
	settleScope(ctx, s.guard, s.logger, scope, stamp, req.MaxDays)
	return res, nil
}
