package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/shopspring/decimal"
)

// PostgresTransactionStore implements TransactionStore using PostgreSQL.
type PostgresTransactionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresTransactionStore(pool *pgxpool.Pool) *PostgresTransactionStore {
	return &PostgresTransactionStore{pool: pool}
}

const insertTransactionSQL = `
	INSERT INTO transactions (
		channel_id, member_id, registration_time, registration_date,
		balance_delta, insert_date, currency
	) VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (s *PostgresTransactionStore) Append(ctx context.Context, txs []*models.Transaction) (int, error) {
	return s.write(ctx, txs, insertTransactionSQL+`
		ON CONFLICT (channel_id, member_id, insert_date) DO NOTHING`)
}

func (s *PostgresTransactionStore) Upsert(ctx context.Context, txs []*models.Transaction) (int, error) {
	return s.write(ctx, txs, insertTransactionSQL+`
		ON CONFLICT (channel_id, member_id, insert_date) DO UPDATE SET
			registration_time = EXCLUDED.registration_time,
			registration_date = EXCLUDED.registration_date,
			balance_delta = EXCLUDED.balance_delta,
			currency = EXCLUDED.currency`)
}

func (s *PostgresTransactionStore) write(ctx context.Context, txs []*models.Transaction, sql string) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(sql,
			t.ChannelID, t.MemberID, t.RegistrationTime.UTC(), t.RegistrationDate(),
			t.BalanceDelta, models.DateOf(t.InsertDate), t.Currency,
		)
	}

	results := tx.SendBatch(ctx, batch)
	written := 0
	for range txs {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("failed to write transactions: %w", err)
		}
		written += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("failed to close transaction batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transactions: %w", err)
	}
	return written, nil
}

func (s *PostgresTransactionStore) SnapshotDates(ctx context.Context) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT insert_date FROM transactions ORDER BY insert_date`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot date: %w", err)
		}
		dates = append(dates, models.DateOf(d))
	}
	return dates, rows.Err()
}

func (s *PostgresTransactionStore) HasSnapshot(ctx context.Context, date time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM transactions WHERE insert_date = $1)
	`, models.DateOf(date)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check snapshot: %w", err)
	}
	return exists, nil
}

func (s *PostgresTransactionStore) LatestSnapshot(ctx context.Context) (time.Time, bool, error) {
	var latest *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT max(insert_date) FROM transactions`).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return models.DateOf(*latest), true, nil
}

func (s *PostgresTransactionStore) CohortBalance(ctx context.Context, key CohortKey) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(balance_delta), 0) FROM transactions
		WHERE channel_id = $1 AND registration_date = $2 AND insert_date = $3
	`, key.ChannelID, models.DateOf(key.RegistrationDate), models.DateOf(key.SnapshotDate)).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum cohort balance: %w", err)
	}
	return sum, nil
}

func (s *PostgresTransactionStore) CohortBalances(ctx context.Context, q CohortQuery) (map[CohortKey]decimal.Decimal, error) {
	out := make(map[CohortKey]decimal.Decimal)
	if len(q.ChannelIDs) == 0 || len(q.RegistrationDates) == 0 || len(q.SnapshotDates) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT channel_id, registration_date, insert_date, SUM(balance_delta)
		FROM transactions
		WHERE channel_id = ANY($1)
		  AND registration_date = ANY($2)
		  AND insert_date = ANY($3)
		GROUP BY channel_id, registration_date, insert_date
	`, q.ChannelIDs, models.UniqueDates(q.RegistrationDates), models.UniqueDates(q.SnapshotDates))
	if err != nil {
		return nil, fmt.Errorf("failed to sum cohort balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key CohortKey
			sum decimal.Decimal
		)
		if err := rows.Scan(&key.ChannelID, &key.RegistrationDate, &key.SnapshotDate, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan cohort balance: %w", err)
		}
		key.RegistrationDate = models.DateOf(key.RegistrationDate)
		key.SnapshotDate = models.DateOf(key.SnapshotDate)
		out[key] = sum
	}
	return out, rows.Err()
}

func (s *PostgresTransactionStore) DailyActivity(ctx context.Context, q ActivityQuery) ([]*DailyActivity, error) {
	filter := `registration_date BETWEEN $1 AND $2`
	args := []any{models.DateOf(q.From), models.DateOf(q.To)}
	if q.ChannelID != nil {
		filter += ` AND channel_id = $3`
		args = append(args, *q.ChannelID)
	}

	rows, err := s.pool.Query(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (channel_id, member_id, registration_date)
				channel_id, registration_date, balance_delta
			FROM transactions
			WHERE `+filter+`
			ORDER BY channel_id, member_id, registration_date, insert_date DESC
		)
		SELECT registration_date, channel_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE balance_delta > 0),
			COALESCE(SUM(balance_delta), 0)
		FROM latest
		GROUP BY registration_date, channel_id
		ORDER BY registration_date, channel_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily activity: %w", err)
	}
	defer rows.Close()

	var out []*DailyActivity
	for rows.Next() {
		var a DailyActivity
		if err := rows.Scan(&a.Date, &a.ChannelID, &a.Registrations, &a.PayingUsers, &a.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan daily activity: %w", err)
		}
		a.Date = models.DateOf(a.Date)
		out = append(out, &a)
	}
	return out, rows.Err()
}
