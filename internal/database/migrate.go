package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Schema is the PostgreSQL schema for the ROI service. Every statement is
// idempotent so Migrate can run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
	id          BIGSERIAL PRIMARY KEY,
	name        VARCHAR(255) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_name_lower ON channels (lower(name));

CREATE TABLE IF NOT EXISTS transactions (
	id                BIGSERIAL PRIMARY KEY,
	channel_id        BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	member_id         VARCHAR(255) NOT NULL,
	registration_time TIMESTAMPTZ NOT NULL,
	registration_date DATE NOT NULL,
	balance_delta     NUMERIC(20, 4) NOT NULL DEFAULT 0,
	insert_date       DATE NOT NULL,
	currency          VARCHAR(8) NOT NULL DEFAULT '',
	CONSTRAINT uq_transactions_member_snapshot UNIQUE (channel_id, member_id, insert_date)
);

CREATE INDEX IF NOT EXISTS idx_transactions_cohort
	ON transactions (channel_id, registration_date, insert_date);
CREATE INDEX IF NOT EXISTS idx_transactions_insert_date ON transactions (insert_date);

CREATE TABLE IF NOT EXISTS exchange_rates (
	date       DATE PRIMARY KEY,
	rate       NUMERIC(20, 6) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS default_exchange_rate (
	id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	rate       NUMERIC(20, 6) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS expenses (
	date       DATE NOT NULL,
	channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	amount     NUMERIC(20, 4) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_expenses_date_channel UNIQUE (date, channel_id)
);

CREATE TABLE IF NOT EXISTS channel_default_expenses (
	channel_id BIGINT PRIMARY KEY REFERENCES channels(id) ON DELETE CASCADE,
	amount     NUMERIC(20, 4) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS roi_calculations (
	id                 BIGSERIAL PRIMARY KEY,
	date               DATE NOT NULL,
	channel_id         BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	day_count          INTEGER NOT NULL,
	cumulative_balance NUMERIC(20, 4) NOT NULL,
	exchange_rate      NUMERIC(20, 6) NOT NULL,
	expense            NUMERIC(20, 4) NOT NULL,
	roi_percentage     NUMERIC(20, 4) NOT NULL,
	calculated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_roi_date_channel_day UNIQUE (date, channel_id, day_count)
);

CREATE INDEX IF NOT EXISTS idx_roi_channel_date ON roi_calculations (channel_id, date);
`

// Migrate applies Schema to the database.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	db.logger.Info("database schema is up to date")
	return nil
}

// ClickHouseSchema creates the analytical transaction table. Rows with the
// same sorting key collapse to the highest version on merge.
const ClickHouseSchema = `
CREATE TABLE IF NOT EXISTS roi_transactions (
	channel_id        Int64,
	member_id         String,
	registration_time DateTime64(3, 'UTC'),
	registration_date Date,
	balance_delta     Decimal(20, 4),
	insert_date       Date,
	currency          LowCardinality(String),
	version           UInt64
) ENGINE = ReplacingMergeTree(version)
ORDER BY (channel_id, registration_date, insert_date, member_id)
`

// Migrate creates the ClickHouse tables.
func (db *ClickHouseDB) Migrate(ctx context.Context) error {
	if err := db.Conn.Exec(ctx, ClickHouseSchema); err != nil {
		return fmt.Errorf("failed to apply clickhouse schema: %w", err)
	}
	db.logger.Info("clickhouse schema is up to date", zap.String("table", "roi_transactions"))
	return nil
}
