package attribution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// preloaded serves a batch from data read once up front.
type preloaded struct {
	snapshots map[time.Time]struct{}
	latest    time.Time
	hasLatest bool
	balances  map[storage.CohortKey]decimal.Decimal
}

func (p *preloaded) HasSnapshot(_ context.Context, date time.Time) (bool, error) {
	_, ok := p.snapshots[models.DateOf(date)]
	return ok, nil
}

func (p *preloaded) LatestSnapshot(_ context.Context) (time.Time, bool, error) {
	return p.latest, p.hasLatest, nil
}

// CohortBalance returns zero for combinations the store had no rows for.
func (p *preloaded) CohortBalance(_ context.Context, key storage.CohortKey) (decimal.Decimal, error) {
	return p.balances[key], nil
}

// Recompute rebuilds every ROI row for dates × channelIDs. Existing rows in
// that scope are deleted first, then every computable horizon up to maxDays
// is written in chunks. An empty channelIDs means all channels. It returns
// the number of rows written.
func (e *Engine) Recompute(ctx context.Context, dates []time.Time, channelIDs []int64, maxDays int) (int, error) {
	start := time.Now()

	dates = models.UniqueDates(dates)
	if len(dates) == 0 {
		return 0, nil
	}
	if maxDays <= 0 || maxDays > models.MaxHorizon {
		maxDays = models.MaxHorizon
	}

	channelIDs, err := e.resolveChannels(ctx, channelIDs)
	if err != nil {
		return 0, err
	}
	if len(channelIDs) == 0 {
		return 0, nil
	}

	deleted, err := e.roi.DeleteScope(ctx, dates, channelIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to clear roi scope: %w", err)
	}

	from, to, _ := models.DateBounds(dates)
	in := &preloaded{snapshots: make(map[time.Time]struct{})}
	var ref *ReferenceData

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snaps, err := e.txs.SnapshotDates(gctx)
		if err != nil {
			return fmt.Errorf("failed to load snapshot dates: %w", err)
		}
		for _, d := range snaps {
			in.snapshots[models.DateOf(d)] = struct{}{}
		}
		return nil
	})
	g.Go(func() (err error) {
		in.latest, in.hasLatest, err = e.txs.LatestSnapshot(gctx)
		return err
	})
	g.Go(func() (err error) {
		ref, err = LoadReference(gctx, e.rates, e.expenses, from, to, channelIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	today := e.today()
	horizons := models.HorizonsUpTo(maxDays)

	needed, err := e.neededSnapshots(ctx, in, dates, horizons, today)
	if err != nil {
		return 0, err
	}
	if len(needed) > 0 {
		in.balances, err = e.txs.CohortBalances(ctx, storage.CohortQuery{
			ChannelIDs:        channelIDs,
			RegistrationDates: dates,
			SnapshotDates:     needed,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to load cohort balances: %w", err)
		}
	}

	var (
		written     int
		failed      int
		skipped     = make(map[SkipReason]int)
		buffer      = make([]*models.RoiCalculation, 0, e.chunkSize)
		chunkNumber int
	)
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		chunkNumber++
		if err := e.roi.UpsertBatch(ctx, buffer); err != nil {
			failed++
			e.metrics.RecordChunkError()
			e.logger.Error("failed to write roi chunk",
				zap.Int("chunk", chunkNumber),
				zap.Int("rows", len(buffer)),
				zap.Error(err),
			)
		} else {
			written += len(buffer)
			for _, rec := range buffer {
				e.metrics.RecordHorizonComputed(rec.DayCount)
			}
		}
		buffer = make([]*models.RoiCalculation, 0, e.chunkSize)
	}

	for _, date := range dates {
		for _, channelID := range channelIDs {
			for _, dc := range horizons {
				res, err := e.evaluate(ctx, in, ref, date, channelID, dc, today)
				if err != nil {
					return written, err
				}
				if !res.Computable() {
					skipped[res.Skip]++
					e.metrics.RecordHorizonSkipped(string(res.Skip))
					continue
				}
				buffer = append(buffer, res.Record)
				if len(buffer) >= e.chunkSize {
					flush()
				}
			}
		}
	}
	flush()

	duration := time.Since(start)
	e.metrics.RecordBatch(written, duration)

	fields := []zap.Field{
		zap.String("from", models.FormatDate(from)),
		zap.String("to", models.FormatDate(to)),
		zap.Int("channels", len(channelIDs)),
		zap.Int("max_days", maxDays),
		zap.Int64("deleted", deleted),
		zap.Int("written", written),
		zap.Int("failed_chunks", failed),
		zap.Duration("duration", duration),
	}
	for reason, n := range skipped {
		fields = append(fields, zap.Int("skipped_"+string(reason), n))
	}
	e.logger.Info("roi recompute finished", fields...)

	return written, nil
}

func (e *Engine) resolveChannels(ctx context.Context, channelIDs []int64) ([]int64, error) {
	if len(channelIDs) == 0 {
		channels, err := e.channels.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list channels: %w", err)
		}
		ids := make([]int64, 0, len(channels))
		for _, c := range channels {
			ids = append(ids, c.ID)
		}
		return ids, nil
	}

	seen := make(map[int64]struct{}, len(channelIDs))
	ids := make([]int64, 0, len(channelIDs))
	for _, id := range channelIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// neededSnapshots lists the snapshot dates the batch will read balances from.
func (e *Engine) neededSnapshots(ctx context.Context, in *preloaded, dates []time.Time, horizons []int, today time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, date := range dates {
		for _, dc := range horizons {
			if !WindowElapsed(date, dc, today) {
				continue
			}
			snap, skip, err := SelectSnapshot(ctx, in, date, dc)
			if err != nil {
				return nil, err
			}
			if skip == SkipNone {
				out = append(out, snap)
			}
		}
	}
	return models.UniqueDates(out), nil
}
