package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/channel-roi/internal/models"
)

// PostgresRoiRepo implements RoiRepo using PostgreSQL.
type PostgresRoiRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRoiRepo(pool *pgxpool.Pool) *PostgresRoiRepo {
	return &PostgresRoiRepo{pool: pool}
}

const roiColumns = `id, date, channel_id, day_count, cumulative_balance, exchange_rate, expense, roi_percentage, calculated_at`

const upsertRoiSQL = `
	INSERT INTO roi_calculations (
		date, channel_id, day_count, cumulative_balance,
		exchange_rate, expense, roi_percentage, calculated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (date, channel_id, day_count) DO UPDATE SET
		cumulative_balance = EXCLUDED.cumulative_balance,
		exchange_rate = EXCLUDED.exchange_rate,
		expense = EXCLUDED.expense,
		roi_percentage = EXCLUDED.roi_percentage,
		calculated_at = EXCLUDED.calculated_at
	RETURNING id`

func roiArgs(rec *models.RoiCalculation) []any {
	return []any{
		models.DateOf(rec.Date), rec.ChannelID, rec.DayCount, rec.CumulativeBalance,
		rec.ExchangeRate, rec.Expense, rec.RoiPercentage, rec.CalculatedAt,
	}
}

func scanRoi(row pgx.Row) (*models.RoiCalculation, error) {
	var rec models.RoiCalculation
	if err := row.Scan(
		&rec.ID, &rec.Date, &rec.ChannelID, &rec.DayCount, &rec.CumulativeBalance,
		&rec.ExchangeRate, &rec.Expense, &rec.RoiPercentage, &rec.CalculatedAt,
	); err != nil {
		return nil, err
	}
	rec.Date = models.DateOf(rec.Date)
	return &rec, nil
}

func (r *PostgresRoiRepo) Get(ctx context.Context, key models.RoiKey) (*models.RoiCalculation, error) {
	rec, err := scanRoi(r.pool.QueryRow(ctx, `
		SELECT `+roiColumns+` FROM roi_calculations
		WHERE date = $1 AND channel_id = $2 AND day_count = $3
	`, models.DateOf(key.Date), key.ChannelID, key.DayCount))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get roi calculation: %w", err)
	}
	return rec, nil
}

func (r *PostgresRoiRepo) Upsert(ctx context.Context, rec *models.RoiCalculation) error {
	if err := r.pool.QueryRow(ctx, upsertRoiSQL, roiArgs(rec)...).Scan(&rec.ID); err != nil {
		return fmt.Errorf("failed to upsert roi calculation: %w", err)
	}
	return nil
}

func (r *PostgresRoiRepo) UpsertBatch(ctx context.Context, recs []*models.RoiCalculation) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(upsertRoiSQL, roiArgs(rec)...)
	}

	results := tx.SendBatch(ctx, batch)
	for _, rec := range recs {
		if err := results.QueryRow().Scan(&rec.ID); err != nil {
			results.Close()
			return fmt.Errorf("failed to upsert roi batch: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close roi batch: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRoiRepo) DeleteScope(ctx context.Context, dates []time.Time, channelIDs []int64) (int64, error) {
	if len(dates) == 0 || len(channelIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM roi_calculations
		WHERE date = ANY($1) AND channel_id = ANY($2)
	`, models.UniqueDates(dates), channelIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete roi scope: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRoiRepo) List(ctx context.Context, q RoiQuery) ([]*models.RoiCalculation, error) {
	sql := `SELECT ` + roiColumns + ` FROM roi_calculations WHERE date BETWEEN $1 AND $2`
	args := []any{models.DateOf(q.From), models.DateOf(q.To)}
	if q.ChannelID != nil {
		sql += ` AND channel_id = $3`
		args = append(args, *q.ChannelID)
	}
	sql += ` ORDER BY date, channel_id, day_count`

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roi calculations: %w", err)
	}
	defer rows.Close()

	var recs []*models.RoiCalculation
	for rows.Next() {
		rec, err := scanRoi(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan roi calculation: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
