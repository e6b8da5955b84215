package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/channel-roi/internal/models"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// PostgresChannelRepo implements ChannelRepo using PostgreSQL.
type PostgresChannelRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresChannelRepo(pool *pgxpool.Pool) *PostgresChannelRepo {
	return &PostgresChannelRepo{pool: pool}
}

const channelColumns = `id, name, description, created_at, updated_at`

func scanChannel(row pgx.Row) (*models.Channel, error) {
	var c models.Channel
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresChannelRepo) List(ctx context.Context) ([]*models.Channel, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*models.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (r *PostgresChannelRepo) GetByID(ctx context.Context, id int64) (*models.Channel, error) {
	c, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return c, nil
}

func (r *PostgresChannelRepo) GetByName(ctx context.Context, name string) (*models.Channel, error) {
	c, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE lower(name) = lower($1)`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel by name: %w", err)
	}
	return c, nil
}

func (r *PostgresChannelRepo) Create(ctx context.Context, c *models.Channel) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO channels (name, description)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at
	`, c.Name, c.Description).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: channel %q", ErrDuplicate, c.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

func (r *PostgresChannelRepo) Update(ctx context.Context, c *models.Channel) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE channels SET name = $2, description = $3, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, c.ID, c.Name, c.Description).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: channel %q", ErrDuplicate, c.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	return nil
}

func (r *PostgresChannelRepo) EnsureByName(ctx context.Context, name string) (*models.Channel, bool, error) {
	c, err := scanChannel(r.pool.QueryRow(ctx, `
		INSERT INTO channels (name) VALUES ($1)
		ON CONFLICT ((lower(name))) DO NOTHING
		RETURNING `+channelColumns, name))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to ensure channel: %w", err)
	}

	c, err = r.GetByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, fmt.Errorf("channel %q vanished during ensure", name)
	}
	return c, false, nil
}
