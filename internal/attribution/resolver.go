package attribution

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ValueSource tells where a resolved reference value came from.
type ValueSource string

const (
	SourceDated   ValueSource = "dated"
	SourceDefault ValueSource = "default"
	SourceNone    ValueSource = "none"
)

type channelDate struct {
	date      time.Time
	channelID int64
}

// ReferenceData resolves exchange rates and expenses with their fallbacks.
// It is an immutable snapshot of the reference tables for a date range.
type ReferenceData struct {
	rates           map[time.Time]decimal.Decimal
	defaultRate     *decimal.Decimal
	expenses        map[channelDate]decimal.Decimal
	defaultExpenses map[int64]decimal.Decimal
}

// NewReferenceData builds a resolver from already loaded rows.
func NewReferenceData(
	rates []*models.ExchangeRate,
	defaultRate *models.DefaultRate,
	expenses []*models.Expense,
	defaultExpenses []*models.DefaultExpense,
) *ReferenceData {
	ref := &ReferenceData{
		rates:           make(map[time.Time]decimal.Decimal, len(rates)),
		expenses:        make(map[channelDate]decimal.Decimal, len(expenses)),
		defaultExpenses: make(map[int64]decimal.Decimal, len(defaultExpenses)),
	}
	for _, r := range rates {
		ref.rates[models.DateOf(r.Date)] = r.Rate
	}
	if defaultRate != nil {
		rate := defaultRate.Rate
		ref.defaultRate = &rate
	}
	for _, e := range expenses {
		ref.expenses[channelDate{models.DateOf(e.Date), e.ChannelID}] = e.Amount
	}
	for _, d := range defaultExpenses {
		ref.defaultExpenses[d.ChannelID] = d.Amount
	}
	return ref
}

// Rate returns the rate for date: the dated row, else the default, else 0.
func (r *ReferenceData) Rate(date time.Time) (decimal.Decimal, ValueSource) {
	if rate, ok := r.rates[models.DateOf(date)]; ok {
		return rate, SourceDated
	}
	if r.defaultRate != nil {
		return *r.defaultRate, SourceDefault
	}
	return decimal.Zero, SourceNone
}

// Expense returns the channel's spend for date: the dated row, else the
// channel default, else 0.
func (r *ReferenceData) Expense(date time.Time, channelID int64) (decimal.Decimal, ValueSource) {
	if amount, ok := r.expenses[channelDate{models.DateOf(date), channelID}]; ok {
		return amount, SourceDated
	}
	if amount, ok := r.defaultExpenses[channelID]; ok {
		return amount, SourceDefault
	}
	return decimal.Zero, SourceNone
}

// LoadReference reads every reference row needed to resolve [from, to] for
// the given channels.
func LoadReference(ctx context.Context, rates storage.RateRepo, expenses storage.ExpenseRepo, from, to time.Time, channelIDs []int64) (*ReferenceData, error) {
	var (
		rateRows     []*models.ExchangeRate
		defaultRate  *models.DefaultRate
		expenseRows  []*models.Expense
		defaultSpend []*models.DefaultExpense
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rateRows, err = rates.ListRates(gctx, from, to)
		return err
	})
	g.Go(func() (err error) {
		defaultRate, err = rates.GetDefaultRate(gctx)
		return err
	})
	g.Go(func() (err error) {
		expenseRows, err = expenses.ListExpenses(gctx, storage.ExpenseQuery{From: from, To: to, ChannelIDs: channelIDs})
		return err
	})
	g.Go(func() (err error) {
		defaultSpend, err = expenses.ListDefaultExpenses(gctx, channelIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load reference data: %w", err)
	}

	return NewReferenceData(rateRows, defaultRate, expenseRows, defaultSpend), nil
}
