package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/radiusdt/channel-roi/internal/events"
	"github.com/radiusdt/channel-roi/internal/jobs"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChannelService provides CRUD operations over channels.
type ChannelService struct {
	repo storage.ChannelRepo
}

// NewChannelService constructs a ChannelService backed by the given repo.
func NewChannelService(repo storage.ChannelRepo) *ChannelService {
	return &ChannelService{repo: repo}
}

// ListChannels returns all channels ordered by ID.
func (s *ChannelService) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	return s.repo.List(ctx)
}

// GetChannel returns a channel or ErrChannelNotFound.
func (s *ChannelService) GetChannel(ctx context.Context, id int64) (*models.Channel, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, id)
	}
	return c, nil
}

// CreateChannel validates and stores a new channel.
func (s *ChannelService) CreateChannel(ctx context.Context, c *models.Channel) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err)
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	return mapChannelErr(s.repo.Create(ctx, c), c)
}

// UpdateChannel renames or re-describes a channel. Its ROI history stays
// keyed by ID.
func (s *ChannelService) UpdateChannel(ctx context.Context, c *models.Channel) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err)
	}
	c.UpdatedAt = time.Now().UTC()
	return mapChannelErr(s.repo.Update(ctx, c), c)
}

func mapChannelErr(err error, c *models.Channel) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrDuplicate):
		return fmt.Errorf("%w: channel %q already exists", ErrConflict, c.Name)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %d", ErrChannelNotFound, c.ID)
	default:
		return err
	}
}

// RecomputeScheduler queues asynchronous ROI recomputes.
type RecomputeScheduler interface {
	ScheduleRecompute(ctx context.Context, p RecomputePayload) (*jobs.Job, error)
}

// ReferenceService manages exchange rates and expenses. Every write bumps
// the input revision and queues a recompute of the affected scope.
type ReferenceService struct {
	rates     storage.RateRepo
	expenses  storage.ExpenseRepo
	channels  storage.ChannelRepo
	guard     storage.RecomputeGuard
	scheduler RecomputeScheduler
	publisher events.Publisher
	lookback  int
	logger    *zap.Logger
	now       func() time.Time
}

// NewReferenceService constructs a ReferenceService. lookback is the number
// of days recomputed when a default value changes.
func NewReferenceService(
	rates storage.RateRepo,
	expenses storage.ExpenseRepo,
	channels storage.ChannelRepo,
	guard storage.RecomputeGuard,
	scheduler RecomputeScheduler,
	publisher events.Publisher,
	lookback int,
	logger *zap.Logger,
) *ReferenceService {
	if lookback < 1 {
		lookback = 1
	}
	return &ReferenceService{
		rates:     rates,
		expenses:  expenses,
		channels:  channels,
		guard:     guard,
		scheduler: scheduler,
		publisher: publisher,
		lookback:  lookback,
		logger:    logger,
		now:       time.Now,
	}
}

// ChangeResult reports the recompute queued by a reference write.
type ChangeResult struct {
	Job *jobs.Job `json:"job,omitempty"`
}

// ListRates returns dated exchange rates in [from, to].
func (s *ReferenceService) ListRates(ctx context.Context, from, to time.Time) ([]*models.ExchangeRate, error) {
	if to.Before(from) {
		return nil, validationError("from must not be after to")
	}
	return s.rates.ListRates(ctx, models.DateOf(from), models.DateOf(to))
}

// SetRate stores the exchange rate for a date and recomputes that date for
// every channel.
func (s *ReferenceService) SetRate(ctx context.Context, date time.Time, rate decimal.Decimal) (*models.ExchangeRate, *ChangeResult, error) {
	if !rate.IsPositive() {
		return nil, nil, validationError("rate must be positive")
	}
	r := &models.ExchangeRate{Date: models.DateOf(date), Rate: rate}
	if err := s.rates.UpsertRate(ctx, r); err != nil {
		return nil, nil, err
	}
	return r, s.changed(ctx, "exchange_rate", RecomputePayload{Dates: []time.Time{r.Date}}), nil
}

// DeleteRate removes a dated rate so the default applies again.
func (s *ReferenceService) DeleteRate(ctx context.Context, date time.Time) (*ChangeResult, error) {
	date = models.DateOf(date)
	ok, err := s.rates.DeleteRate(ctx, date)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no exchange rate for %s", ErrNotFound, models.FormatDate(date))
	}
	return s.changed(ctx, "exchange_rate", RecomputePayload{Dates: []time.Time{date}}), nil
}

// GetDefaultRate returns the default rate or ErrNotFound.
func (s *ReferenceService) GetDefaultRate(ctx context.Context) (*models.DefaultRate, error) {
	d, err := s.rates.GetDefaultRate(ctx)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: default exchange rate is not set", ErrNotFound)
	}
	return d, nil
}

// SetDefaultRate replaces the default rate and recomputes the lookback
// window for every channel.
func (s *ReferenceService) SetDefaultRate(ctx context.Context, rate decimal.Decimal) (*models.DefaultRate, *ChangeResult, error) {
	if !rate.IsPositive() {
		return nil, nil, validationError("rate must be positive")
	}
	d, err := s.rates.SetDefaultRate(ctx, rate)
	if err != nil {
		return nil, nil, err
	}
	return d, s.changed(ctx, "default_exchange_rate", RecomputePayload{Dates: s.lookbackDates()}), nil
}

// ListExpenses returns dated expenses matching q.
func (s *ReferenceService) ListExpenses(ctx context.Context, q storage.ExpenseQuery) ([]*models.Expense, error) {
	if q.To.Before(q.From) {
		return nil, validationError("from must not be after to")
	}
	q.From, q.To = models.DateOf(q.From), models.DateOf(q.To)
	return s.expenses.ListExpenses(ctx, q)
}

// SetExpense stores a channel's spend for a date and recomputes that cell.
func (s *ReferenceService) SetExpense(ctx context.Context, date time.Time, channelID int64, amount decimal.Decimal) (*models.Expense, *ChangeResult, error) {
	if amount.IsNegative() {
		return nil, nil, validationError("amount must not be negative")
	}
	if err := s.requireChannel(ctx, channelID); err != nil {
		return nil, nil, err
	}
	e := &models.Expense{Date: models.DateOf(date), ChannelID: channelID, Amount: amount}
	if err := s.expenses.UpsertExpense(ctx, e); err != nil {
		return nil, nil, err
	}
	return e, s.changed(ctx, "expense", RecomputePayload{Dates: []time.Time{e.Date}, ChannelIDs: []int64{channelID}}), nil
}

// DeleteExpense removes a dated expense so the channel default applies again.
func (s *ReferenceService) DeleteExpense(ctx context.Context, date time.Time, channelID int64) (*ChangeResult, error) {
	date = models.DateOf(date)
	ok, err := s.expenses.DeleteExpense(ctx, date, channelID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no expense for channel %d on %s", ErrNotFound, channelID, models.FormatDate(date))
	}
	return s.changed(ctx, "expense", RecomputePayload{Dates: []time.Time{date}, ChannelIDs: []int64{channelID}}), nil
}

// GetDefaultExpense returns a channel's default spend or ErrNotFound.
func (s *ReferenceService) GetDefaultExpense(ctx context.Context, channelID int64) (*models.DefaultExpense, error) {
	if err := s.requireChannel(ctx, channelID); err != nil {
		return nil, err
	}
	d, err := s.expenses.GetDefaultExpense(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: channel %d has no default expense", ErrNotFound, channelID)
	}
	return d, nil
}

// SetDefaultExpense replaces a channel's default spend and recomputes the
// lookback window for that channel.
func (s *ReferenceService) SetDefaultExpense(ctx context.Context, channelID int64, amount decimal.Decimal) (*models.DefaultExpense, *ChangeResult, error) {
	if amount.IsNegative() {
		return nil, nil, validationError("amount must not be negative")
	}
	if err := s.requireChannel(ctx, channelID); err != nil {
		return nil, nil, err
	}
	d, err := s.expenses.SetDefaultExpense(ctx, channelID, amount)
	if err != nil {
		return nil, nil, err
	}
	return d, s.changed(ctx, "default_expense", RecomputePayload{Dates: s.lookbackDates(), ChannelIDs: []int64{channelID}}), nil
}

func (s *ReferenceService) requireChannel(ctx context.Context, channelID int64) error {
	c, err := s.channels.GetByID(ctx, channelID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %d", ErrChannelNotFound, channelID)
	}
	return nil
}

func (s *ReferenceService) lookbackDates() []time.Time {
	today := models.DateOf(s.now())
	return models.DateRange(models.AddDays(today, 1-s.lookback), today)
}

// changed runs after a committed write, so its failures are only logged.
func (s *ReferenceService) changed(ctx context.Context, kind string, p RecomputePayload) *ChangeResult {
	if _, err := s.guard.Bump(ctx); err != nil {
		s.logger.Error("failed to bump input revision", zap.Error(err))
	}
	s.notify(ctx, kind, p)

	res := &ChangeResult{}
	if s.scheduler == nil {
		return res
	}
	job, err := s.scheduler.ScheduleRecompute(ctx, p)
	if err != nil {
		s.logger.Error("failed to schedule roi recompute",
			zap.String("kind", kind),
			zap.Int("dates", len(p.Dates)),
			zap.Int64s("channel_ids", p.ChannelIDs),
			zap.Error(err),
		)
		return res
	}
	res.Job = job
	return res
}

func (s *ReferenceService) notify(ctx context.Context, kind string, p RecomputePayload) {
	if s.publisher == nil {
		return
	}
	from, to, _ := models.DateBounds(p.Dates)
	e, err := events.New(events.TypeReferenceChanged, kind, map[string]any{
		"kind":        kind,
		"from":        models.FormatDate(from),
		"to":          models.FormatDate(to),
		"channel_ids": p.ChannelIDs,
	})
	if err == nil {
		err = s.publisher.Publish(ctx, e)
	}
	if err != nil {
		s.logger.Warn("failed to publish reference change", zap.String("kind", kind), zap.Error(err))
	}
}
