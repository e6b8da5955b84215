package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/shopspring/decimal"
)

// PostgresRateRepo implements RateRepo using PostgreSQL.
type PostgresRateRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRateRepo(pool *pgxpool.Pool) *PostgresRateRepo {
	return &PostgresRateRepo{pool: pool}
}

func (r *PostgresRateRepo) UpsertRate(ctx context.Context, rate *models.ExchangeRate) error {
	rate.Date = models.DateOf(rate.Date)
	err := r.pool.QueryRow(ctx, `
		INSERT INTO exchange_rates (date, rate, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (date) DO UPDATE SET
			rate = EXCLUDED.rate,
			updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, rate.Date, rate.Rate).Scan(&rate.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert exchange rate: %w", err)
	}
	return nil
}

func (r *PostgresRateRepo) DeleteRate(ctx context.Context, date time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM exchange_rates WHERE date = $1`, models.DateOf(date))
	if err != nil {
		return false, fmt.Errorf("failed to delete exchange rate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRateRepo) ListRates(ctx context.Context, from, to time.Time) ([]*models.ExchangeRate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date, rate, updated_at FROM exchange_rates
		WHERE date BETWEEN $1 AND $2
		ORDER BY date
	`, models.DateOf(from), models.DateOf(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list exchange rates: %w", err)
	}
	defer rows.Close()

	var rates []*models.ExchangeRate
	for rows.Next() {
		var rate models.ExchangeRate
		if err := rows.Scan(&rate.Date, &rate.Rate, &rate.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exchange rate: %w", err)
		}
		rate.Date = models.DateOf(rate.Date)
		rates = append(rates, &rate)
	}
	return rates, rows.Err()
}

func (r *PostgresRateRepo) GetDefaultRate(ctx context.Context) (*models.DefaultRate, error) {
	var d models.DefaultRate
	err := r.pool.QueryRow(ctx, `SELECT rate, updated_at FROM default_exchange_rate WHERE id = 1`).
		Scan(&d.Rate, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default exchange rate: %w", err)
	}
	return &d, nil
}

func (r *PostgresRateRepo) SetDefaultRate(ctx context.Context, rate decimal.Decimal) (*models.DefaultRate, error) {
	d := models.DefaultRate{Rate: rate}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO default_exchange_rate (id, rate, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET
			rate = EXCLUDED.rate,
			updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, rate).Scan(&d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to set default exchange rate: %w", err)
	}
	return &d, nil
}

// PostgresExpenseRepo implements ExpenseRepo using PostgreSQL.
type PostgresExpenseRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresExpenseRepo(pool *pgxpool.Pool) *PostgresExpenseRepo {
	return &PostgresExpenseRepo{pool: pool}
}

func (r *PostgresExpenseRepo) UpsertExpense(ctx context.Context, e *models.Expense) error {
	e.Date = models.DateOf(e.Date)
	err := r.pool.QueryRow(ctx, `
		INSERT INTO expenses (date, channel_id, amount, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (date, channel_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, e.Date, e.ChannelID, e.Amount).Scan(&e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert expense: %w", err)
	}
	return nil
}

func (r *PostgresExpenseRepo) DeleteExpense(ctx context.Context, date time.Time, channelID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM expenses WHERE date = $1 AND channel_id = $2`,
		models.DateOf(date), channelID)
	if err != nil {
		return false, fmt.Errorf("failed to delete expense: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresExpenseRepo) ListExpenses(ctx context.Context, q ExpenseQuery) ([]*models.Expense, error) {
	sql := `
		SELECT date, channel_id, amount, updated_at FROM expenses
		WHERE date BETWEEN $1 AND $2`
	args := []any{models.DateOf(q.From), models.DateOf(q.To)}
	if len(q.ChannelIDs) > 0 {
		sql += ` AND channel_id = ANY($3)`
		args = append(args, q.ChannelIDs)
	}
	sql += ` ORDER BY date, channel_id`

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []*models.Expense
	for rows.Next() {
		var e models.Expense
		if err := rows.Scan(&e.Date, &e.ChannelID, &e.Amount, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		e.Date = models.DateOf(e.Date)
		expenses = append(expenses, &e)
	}
	return expenses, rows.Err()
}

func (r *PostgresExpenseRepo) GetDefaultExpense(ctx context.Context, channelID int64) (*models.DefaultExpense, error) {
	d := models.DefaultExpense{ChannelID: channelID}
	err := r.pool.QueryRow(ctx, `
		SELECT amount, updated_at FROM channel_default_expenses WHERE channel_id = $1
	`, channelID).Scan(&d.Amount, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default expense: %w", err)
	}
	return &d, nil
}

func (r *PostgresExpenseRepo) SetDefaultExpense(ctx context.Context, channelID int64, amount decimal.Decimal) (*models.DefaultExpense, error) {
	d := models.DefaultExpense{ChannelID: channelID, Amount: amount}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO channel_default_expenses (channel_id, amount, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (channel_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, channelID, amount).Scan(&d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to set default expense: %w", err)
	}
	return &d, nil
}

func (r *PostgresExpenseRepo) ListDefaultExpenses(ctx context.Context, channelIDs []int64) ([]*models.DefaultExpense, error) {
	sql := `SELECT channel_id, amount, updated_at FROM channel_default_expenses`
	var args []any
	if len(channelIDs) > 0 {
		sql += ` WHERE channel_id = ANY($1)`
		args = append(args, channelIDs)
	}
	sql += ` ORDER BY channel_id`

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list default expenses: %w", err)
	}
	defer rows.Close()

	var defaults []*models.DefaultExpense
	for rows.Next() {
		var d models.DefaultExpense
		if err := rows.Scan(&d.ChannelID, &d.Amount, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan default expense: %w", err)
		}
		defaults = append(defaults, &d)
	}
	return defaults, rows.Err()
}
