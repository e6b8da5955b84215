package storage

import (
	"context"
	"time"

	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/shopspring/decimal"
)

// =============================================
// CHANNEL REPOSITORY
// =============================================

// ChannelRepo defines operations for acquisition channels.
// Lookups return (nil, nil) when the channel does not exist.
type ChannelRepo interface {
	List(ctx context.Context) ([]*models.Channel, error)
	GetByID(ctx context.Context, id int64) (*models.Channel, error)
	GetByName(ctx context.Context, name string) (*models.Channel, error)
	Create(ctx context.Context, c *models.Channel) error
	Update(ctx context.Context, c *models.Channel) error

	// EnsureByName returns the channel with the given name, creating it when
	// missing. created reports whether a new row was inserted.
	EnsureByName(ctx context.Context, name string) (ch *models.Channel, created bool, err error)
}

// =============================================
// TRANSACTION STORE
// =============================================

// TransactionStore holds per-snapshot member balances.
type TransactionStore interface {
	// Append inserts rows, skipping any that already exist for the same
	// (channel, member, insert_date). Returns the number inserted.
	Append(ctx context.Context, txs []*models.Transaction) (int, error)
	// Upsert inserts rows or overwrites the balance of existing ones.
	Upsert(ctx context.Context, txs []*models.Transaction) (int, error)

	// SnapshotDates returns every distinct insert_date, ascending.
	SnapshotDates(ctx context.Context) ([]time.Time, error)
	HasSnapshot(ctx context.Context, date time.Time) (bool, error)
	// LatestSnapshot returns the global maximum insert_date; ok is false when
	// the store is empty.
	LatestSnapshot(ctx context.Context) (date time.Time, ok bool, err error)

	// CohortBalance sums balance_delta for one cohort as seen in one snapshot.
	CohortBalance(ctx context.Context, key CohortKey) (decimal.Decimal, error)
	// CohortBalances returns the sums for every existing combination of the
	// query's channels, registration dates and snapshot dates.
	CohortBalances(ctx context.Context, q CohortQuery) (map[CohortKey]decimal.Decimal, error)

	// DailyActivity aggregates each member's latest known row per
	// registration date and channel.
	DailyActivity(ctx context.Context, q ActivityQuery) ([]*DailyActivity, error)
}

// CohortKey identifies members registered on RegistrationDate in a channel,
// as observed in the snapshot ingested on SnapshotDate.
type CohortKey struct {
	ChannelID        int64
	RegistrationDate time.Time
	SnapshotDate     time.Time
}

// CohortQuery selects cohort sums for batch evaluation.
type CohortQuery struct {
	ChannelIDs        []int64
	RegistrationDates []time.Time
	SnapshotDates     []time.Time
}

// ActivityQuery selects registrations in [From, To] (dates, inclusive).
// A nil ChannelID selects every channel.
type ActivityQuery struct {
	From      time.Time
	To        time.Time
	ChannelID *int64
}

// DailyActivity is the live registration picture of a cohort.
type DailyActivity struct {
	Date          time.Time
	ChannelID     int64
	Registrations int64
	PayingUsers   int64
	Balance       decimal.Decimal
}

// =============================================
// REFERENCE DATA
// =============================================

// RateRepo stores dated exchange rates and the singleton default.
type RateRepo interface {
	UpsertRate(ctx context.Context, r *models.ExchangeRate) error
	DeleteRate(ctx context.Context, date time.Time) (bool, error)
	ListRates(ctx context.Context, from, to time.Time) ([]*models.ExchangeRate, error)

	// GetDefaultRate returns nil when no default was ever set.
	GetDefaultRate(ctx context.Context) (*models.DefaultRate, error)
	SetDefaultRate(ctx context.Context, rate decimal.Decimal) (*models.DefaultRate, error)
}

// ExpenseRepo stores dated channel spend and per-channel defaults.
type ExpenseRepo interface {
	UpsertExpense(ctx context.Context, e *models.Expense) error
	DeleteExpense(ctx context.Context, date time.Time, channelID int64) (bool, error)
	ListExpenses(ctx context.Context, q ExpenseQuery) ([]*models.Expense, error)

	GetDefaultExpense(ctx context.Context, channelID int64) (*models.DefaultExpense, error)
	SetDefaultExpense(ctx context.Context, channelID int64, amount decimal.Decimal) (*models.DefaultExpense, error)
	// ListDefaultExpenses returns defaults for the given channels, or for all
	// channels when channelIDs is empty.
	ListDefaultExpenses(ctx context.Context, channelIDs []int64) ([]*models.DefaultExpense, error)
}

// ExpenseQuery selects dated expenses in [From, To]; empty ChannelIDs selects all.
type ExpenseQuery struct {
	From       time.Time
	To         time.Time
	ChannelIDs []int64
}

// =============================================
// ROI CALCULATIONS
// =============================================

// RoiRepo stores materialized ROI rows keyed by (date, channel_id, day_count).
type RoiRepo interface {
	Get(ctx context.Context, key models.RoiKey) (*models.RoiCalculation, error)
	Upsert(ctx context.Context, rec *models.RoiCalculation) error
	// UpsertBatch writes all records in a single transaction.
	UpsertBatch(ctx context.Context, recs []*models.RoiCalculation) error
	// DeleteScope removes every row for dates × channelIDs.
	DeleteScope(ctx context.Context, dates []time.Time, channelIDs []int64) (int64, error)
	List(ctx context.Context, q RoiQuery) ([]*models.RoiCalculation, error)
}

// RoiQuery selects rows with date in [From, To]; a nil ChannelID selects all.
type RoiQuery struct {
	From      time.Time
	To        time.Time
	ChannelID *int64
}

// =============================================
// RECOMPUTE GUARD
// =============================================

// RecomputeGuard tracks a global input revision and which refresh scopes
// were already computed against it.
type RecomputeGuard interface {
	Bump(ctx context.Context) (int64, error)
	Revision(ctx context.Context) (int64, error)
	// Stamp returns the stamp recorded for scope, or "" when none.
	Stamp(ctx context.Context, scope string) (string, error)
	Mark(ctx context.Context, scope, stamp string) error
}
