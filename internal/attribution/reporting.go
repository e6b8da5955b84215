package attribution

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SummaryPolicy selects how the summary row derives its trend values.
type SummaryPolicy string

const (
	// PolicyLatestDay shows the most recent displayed day, gated by elapsed time.
	PolicyLatestDay SummaryPolicy = "latest_day"
	// PolicyAverageNonZero averages the non-zero per-day values.
	PolicyAverageNonZero SummaryPolicy = "average_nonzero"
)

// Valid reports whether p is a known policy.
func (p SummaryPolicy) Valid() bool {
	return p == PolicyLatestDay || p == PolicyAverageNonZero
}

// ReportQuery selects a report. A nil ChannelID reports all channels merged.
type ReportQuery struct {
	From      time.Time
	To        time.Time
	ChannelID *int64
	Policy    SummaryPolicy
}

// RowMetrics are the figures shared by daily and summary rows.
type RowMetrics struct {
	Registrations     int64                   `json:"registrations"`
	PayingUsers       int64                   `json:"paying_users"`
	Balance           decimal.Decimal         `json:"balance"`
	Expense           decimal.Decimal         `json:"expense"`
	ConversionRate    decimal.Decimal         `json:"conversion_rate"`
	ARPU              decimal.Decimal         `json:"arpu"`
	CPA               decimal.Decimal         `json:"cpa"`
	FirstDepositPrice decimal.Decimal         `json:"first_deposit_price"`
	DailyROI          decimal.Decimal         `json:"daily_roi"`
	ROITrends         map[int]decimal.Decimal `json:"roi_trends"`
}

// DailyRow is one displayed date of a report.
type DailyRow struct {
	Date time.Time `json:"date"`
	RowMetrics
	// ExpenseIsDefault is true when no dated expense contributed.
	ExpenseIsDefault bool `json:"expense_is_default"`
}

// SummaryRow aggregates every displayed day.
type SummaryRow struct {
	RowMetrics
	Days   int           `json:"days"`
	Policy SummaryPolicy `json:"policy"`
}

// Report is the dashboard and ROI page payload.
type Report struct {
	From      time.Time   `json:"from"`
	To        time.Time   `json:"to"`
	ChannelID *int64      `json:"channel_id,omitempty"`
	Rows      []*DailyRow `json:"rows"`
	Summary   *SummaryRow `json:"summary"`
}

// ReportingService builds reports from live transactions, reference data
// and stored ROI rows.
type ReportingService struct {
	channels storage.ChannelRepo
	txs      storage.TransactionStore
	rates    storage.RateRepo
	expenses storage.ExpenseRepo
	roi      storage.RoiRepo
	logger   *zap.Logger
	now      func() time.Time
}

func NewReportingService(
	channels storage.ChannelRepo,
	txs storage.TransactionStore,
	rates storage.RateRepo,
	expenses storage.ExpenseRepo,
	roi storage.RoiRepo,
	logger *zap.Logger,
) *ReportingService {
	return &ReportingService{
		channels: channels,
		txs:      txs,
		rates:    rates,
		expenses: expenses,
		roi:      roi,
		logger:   logger,
		now:      time.Now,
	}
}

type activityKey struct {
	date      time.Time
	channelID int64
}

// Build assembles the report for q.
func (s *ReportingService) Build(ctx context.Context, q ReportQuery) (*Report, error) {
	q.From, q.To = models.DateOf(q.From), models.DateOf(q.To)
	if q.To.Before(q.From) {
		return nil, validationError("from must not be after to")
	}
	if q.Policy == "" {
		q.Policy = PolicyLatestDay
	}
	if !q.Policy.Valid() {
		return nil, validationError("unknown summary policy %q", q.Policy)
	}

	channelIDs, err := s.reportChannels(ctx, q.ChannelID)
	if err != nil {
		return nil, err
	}

	var (
		activity []*storage.DailyActivity
		ref      *ReferenceData
		roiRows  []*models.RoiCalculation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		activity, err = s.txs.DailyActivity(gctx, storage.ActivityQuery{From: q.From, To: q.To, ChannelID: q.ChannelID})
		return err
	})
	g.Go(func() (err error) {
		ref, err = LoadReference(gctx, s.rates, s.expenses, q.From, q.To, channelIDs)
		return err
	})
	g.Go(func() (err error) {
		roiRows, err = s.roi.List(gctx, storage.RoiQuery{From: q.From, To: q.To, ChannelID: q.ChannelID})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load report data: %w", err)
	}

	byDay := make(map[activityKey]*storage.DailyActivity, len(activity))
	for _, a := range activity {
		byDay[activityKey{models.DateOf(a.Date), a.ChannelID}] = a
	}
	stored := make(map[models.RoiKey]*models.RoiCalculation, len(roiRows))
	for _, r := range roiRows {
		stored[r.Key()] = r
	}

	today := models.DateOf(s.now())
	report := &Report{From: q.From, To: q.To, ChannelID: q.ChannelID, Rows: []*DailyRow{}}

	for _, date := range models.DateRange(q.From, q.To) {
		row := &DailyRow{
			Date:             date,
			ExpenseIsDefault: true,
			RowMetrics:       RowMetrics{ROITrends: make(map[int]decimal.Decimal, len(models.Horizons))},
		}
		datedExpense := decimal.Zero
		rate, _ := ref.Rate(date)

		for _, channelID := range channelIDs {
			if a, ok := byDay[activityKey{date, channelID}]; ok {
				row.Registrations += a.Registrations
				row.PayingUsers += a.PayingUsers
				row.Balance = row.Balance.Add(a.Balance)
			}
			amount, src := ref.Expense(date, channelID)
			row.Expense = row.Expense.Add(amount)
			if src == SourceDated {
				row.ExpenseIsDefault = false
				datedExpense = datedExpense.Add(amount)
			}
		}

		if row.Registrations == 0 && row.PayingUsers == 0 && !datedExpense.IsPositive() {
			continue
		}

		row.fillRatios()
		row.DailyROI, _ = RoiPercent(row.Balance, rate, row.Expense)
		for _, h := range models.Horizons {
			row.ROITrends[h] = trendCell(stored, date, channelIDs, h, today)
		}
		report.Rows = append(report.Rows, row)
	}

	report.Summary = summarize(report.Rows, q.Policy, today)

	s.logger.Debug("report built",
		zap.String("from", models.FormatDate(q.From)),
		zap.String("to", models.FormatDate(q.To)),
		zap.Int("rows", len(report.Rows)),
		zap.String("policy", string(q.Policy)),
	)
	return report, nil
}

func (s *ReportingService) reportChannels(ctx context.Context, channelID *int64) ([]int64, error) {
	if channelID != nil {
		ch, err := s.channels.GetByID(ctx, *channelID)
		if err != nil {
			return nil, err
		}
		if ch == nil {
			return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, *channelID)
		}
		return []int64{ch.ID}, nil
	}
	channels, err := s.channels.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(channels))
	for _, c := range channels {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// trendCell merges stored horizons across channels as
// Σ(balance_i / rate_i) / Σ expense_i * 100.
func trendCell(stored map[models.RoiKey]*models.RoiCalculation, date time.Time, channelIDs []int64, dayCount int, today time.Time) decimal.Decimal {
	if dayCount >= models.MaxHorizon && models.DaysBetween(date, today) < models.MaxHorizon {
		return decimal.Zero
	}

	if len(channelIDs) == 1 {
		if rec, ok := stored[models.RoiKey{Date: date, ChannelID: channelIDs[0], DayCount: dayCount}]; ok {
			return rec.RoiPercentage
		}
		return decimal.Zero
	}

	converted, expense := decimal.Zero, decimal.Zero
	for _, channelID := range channelIDs {
		rec, ok := stored[models.RoiKey{Date: date, ChannelID: channelID, DayCount: dayCount}]
		if !ok || !rec.ExchangeRate.IsPositive() {
			continue
		}
		converted = converted.Add(rec.CumulativeBalance.Div(rec.ExchangeRate))
		expense = expense.Add(rec.Expense)
	}
	if !expense.IsPositive() {
		return decimal.Zero
	}
	return converted.Div(expense).Mul(hundred).Round(roiScale)
}

func (m *RowMetrics) fillRatios() {
	regs := decimal.NewFromInt(m.Registrations)
	paying := decimal.NewFromInt(m.PayingUsers)
	m.ConversionRate = ratio(paying.Mul(hundred), regs)
	m.ARPU = ratio(m.Balance, regs)
	m.CPA = ratio(m.Expense, regs)
	m.FirstDepositPrice = ratio(m.Expense, paying)
}

func ratio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den).Round(roiScale)
}

func summarize(rows []*DailyRow, policy SummaryPolicy, today time.Time) *SummaryRow {
	sum := &SummaryRow{
		Days:       len(rows),
		Policy:     policy,
		RowMetrics: RowMetrics{ROITrends: make(map[int]decimal.Decimal, len(models.Horizons))},
	}
	for _, h := range models.Horizons {
		sum.ROITrends[h] = decimal.Zero
	}

	for _, r := range rows {
		sum.Registrations += r.Registrations
		sum.PayingUsers += r.PayingUsers
		sum.Balance = sum.Balance.Add(r.Balance)
		sum.Expense = sum.Expense.Add(r.Expense)
	}
	sum.fillRatios()
	if len(rows) == 0 {
		return sum
	}

	switch policy {
	case PolicyAverageNonZero:
		sum.DailyROI = averageNonZero(rows, func(r *DailyRow) decimal.Decimal { return r.DailyROI })
		for _, h := range models.Horizons {
			h := h
			sum.ROITrends[h] = averageNonZero(rows, func(r *DailyRow) decimal.Decimal { return r.ROITrends[h] })
		}
	default:
		latest := rows[len(rows)-1]
		elapsed := models.DaysBetween(latest.Date, today)
		sum.DailyROI = latest.DailyROI
		for _, h := range models.Horizons {
			need := h - 1
			if h >= models.MaxHorizon {
				need = models.MaxHorizon
			}
			if elapsed >= need {
				sum.ROITrends[h] = latest.ROITrends[h]
			}
		}
	}
	return sum
}

func averageNonZero(rows []*DailyRow, value func(*DailyRow) decimal.Decimal) decimal.Decimal {
	total, n := decimal.Zero, int64(0)
	for _, r := range rows {
		v := value(r)
		if v.IsZero() {
			continue
		}
		total = total.Add(v)
		n++
	}
	if n == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(n)).Round(roiScale)
}
