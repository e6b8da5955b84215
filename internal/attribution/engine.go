// Package attribution computes per-channel ROI horizons from member balance
// snapshots and serves the reports built on them.
package attribution

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/channel-roi/internal/config"
	"github.com/radiusdt/channel-roi/internal/metrics"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SkipReason explains why a horizon produced no row.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipWindowNotElapsed SkipReason = "window_not_elapsed"
	SkipNoData           SkipReason = "no_data"
	SkipSnapshotMissing  SkipReason = "snapshot_missing"
	SkipZeroDivisor      SkipReason = "zero_divisor"
)

// roiScale is the number of decimal places kept for ROI percentages.
const roiScale = 4

var hundred = decimal.NewFromInt(100)

// HorizonResult is the outcome of one horizon evaluation. Record is nil when
// the horizon is not computable and Skip says why.
type HorizonResult struct {
	Record *models.RoiCalculation `json:"record,omitempty"`
	Skip   SkipReason             `json:"skip_reason,omitempty"`
}

// Computable reports whether the horizon produced a row.
func (r HorizonResult) Computable() bool {
	return r.Record != nil
}

// SnapshotLookup answers which snapshot dates exist.
type SnapshotLookup interface {
	HasSnapshot(ctx context.Context, date time.Time) (bool, error)
	LatestSnapshot(ctx context.Context) (time.Time, bool, error)
}

// horizonInputs is everything a single evaluation reads besides reference
// data. The live store and the batch preload both satisfy it.
type horizonInputs interface {
	SnapshotLookup
	CohortBalance(ctx context.Context, key storage.CohortKey) (decimal.Decimal, error)
}

// WindowElapsed reports whether the horizon's last day is not after today.
func WindowElapsed(date time.Time, dayCount int, today time.Time) bool {
	return !models.AddDays(date, dayCount-1).After(models.DateOf(today))
}

// SelectSnapshot picks the insert_date whose data represents the cohort of
// date at the given horizon.
func SelectSnapshot(ctx context.Context, lookup SnapshotLookup, date time.Time, dayCount int) (time.Time, SkipReason, error) {
	date = models.DateOf(date)

	var target time.Time
	switch {
	case dayCount <= 1:
		target = date
	case dayCount < models.MaxHorizon:
		target = models.AddDays(date, dayCount-1)
	default:
		target = models.AddDays(date, models.MaxHorizon-1)
		ok, err := lookup.HasSnapshot(ctx, target)
		if err != nil {
			return time.Time{}, SkipNone, err
		}
		if ok {
			return target, SkipNone, nil
		}
		latest, ok, err := lookup.LatestSnapshot(ctx)
		if err != nil {
			return time.Time{}, SkipNone, err
		}
		if !ok {
			return time.Time{}, SkipNoData, nil
		}
		return latest, SkipNone, nil
	}

	ok, err := lookup.HasSnapshot(ctx, target)
	if err != nil {
		return time.Time{}, SkipNone, err
	}
	if !ok {
		return time.Time{}, SkipSnapshotMissing, nil
	}
	return target, SkipNone, nil
}

// RoiPercent returns (balance / rate) / expense * 100 rounded to four places.
// ok is false when rate or expense is not positive.
func RoiPercent(balance, rate, expense decimal.Decimal) (decimal.Decimal, bool) {
	if !rate.IsPositive() || !expense.IsPositive() {
		return decimal.Zero, false
	}
	return balance.Div(rate).Div(expense).Mul(hundred).Round(roiScale), true
}

// EngineDeps groups the Engine's collaborators.
type EngineDeps struct {
	Channels     storage.ChannelRepo
	Transactions storage.TransactionStore
	Rates        storage.RateRepo
	Expenses     storage.ExpenseRepo
	Roi          storage.RoiRepo
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	// ChunkSize is the number of rows per batch write transaction.
	ChunkSize int
}

// Engine evaluates and persists ROI horizons.
type Engine struct {
	channels  storage.ChannelRepo
	txs       storage.TransactionStore
	rates     storage.RateRepo
	expenses  storage.ExpenseRepo
	roi       storage.RoiRepo
	metrics   *metrics.Metrics
	logger    *zap.Logger
	chunkSize int
	now       func() time.Time
}

func NewEngine(deps EngineDeps) *Engine {
	chunk := deps.ChunkSize
	if chunk <= 0 {
		chunk = config.DefaultBatchChunkSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		channels:  deps.Channels,
		txs:       deps.Transactions,
		rates:     deps.Rates,
		expenses:  deps.Expenses,
		roi:       deps.Roi,
		metrics:   deps.Metrics,
		logger:    logger,
		chunkSize: chunk,
		now:       time.Now,
	}
}

// SetClock replaces the engine's source of "today".
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) today() time.Time {
	return models.DateOf(e.now())
}

// ComputeHorizon evaluates one (date, channel, day_count) against live data
// and upserts the row when it is computable.
func (e *Engine) ComputeHorizon(ctx context.Context, date time.Time, channelID int64, dayCount int) (HorizonResult, error) {
	if !models.IsHorizon(dayCount) {
		return HorizonResult{}, ErrInvalidDayCount
	}
	ch, err := e.channels.GetByID(ctx, channelID)
	if err != nil {
		return HorizonResult{}, err
	}
	if ch == nil {
		return HorizonResult{}, fmt.Errorf("%w: %d", ErrChannelNotFound, channelID)
	}

	date = models.DateOf(date)
	ref, err := LoadReference(ctx, e.rates, e.expenses, date, date, []int64{channelID})
	if err != nil {
		return HorizonResult{}, err
	}

	res, err := e.evaluate(ctx, e.txs, ref, date, channelID, dayCount, e.today())
	if err != nil {
		return HorizonResult{}, err
	}

	if !res.Computable() {
		e.metrics.RecordHorizonSkipped(string(res.Skip))
		e.logger.Info("roi horizon not computable",
			zap.String("date", models.FormatDate(date)),
			zap.Int64("channel_id", channelID),
			zap.Int("day_count", dayCount),
			zap.String("reason", string(res.Skip)),
		)
		return res, nil
	}

	if err := e.roi.Upsert(ctx, res.Record); err != nil {
		return HorizonResult{}, fmt.Errorf("failed to store roi: %w", err)
	}
	e.metrics.RecordHorizonComputed(dayCount)
	return res, nil
}

func (e *Engine) evaluate(
	ctx context.Context,
	in horizonInputs,
	ref *ReferenceData,
	date time.Time,
	channelID int64,
	dayCount int,
	today time.Time,
) (HorizonResult, error) {
	if !WindowElapsed(date, dayCount, today) {
		return HorizonResult{Skip: SkipWindowNotElapsed}, nil
	}

	snapshot, skip, err := SelectSnapshot(ctx, in, date, dayCount)
	if err != nil {
		return HorizonResult{}, err
	}
	if skip != SkipNone {
		return HorizonResult{Skip: skip}, nil
	}

	balance, err := in.CohortBalance(ctx, storage.CohortKey{
		ChannelID:        channelID,
		RegistrationDate: date,
		SnapshotDate:     snapshot,
	})
	if err != nil {
		return HorizonResult{}, err
	}

	expense, _ := ref.Expense(date, channelID)
	rate, _ := ref.Rate(date)
	pct, ok := RoiPercent(balance, rate, expense)
	if !ok {
		return HorizonResult{Skip: SkipZeroDivisor}, nil
	}

	return HorizonResult{Record: &models.RoiCalculation{
		Date:              date,
		ChannelID:         channelID,
		DayCount:          dayCount,
		CumulativeBalance: balance,
		ExchangeRate:      rate,
		Expense:           expense,
		RoiPercentage:     pct,
		CalculatedAt:      e.now().UTC(),
	}}, nil
}
