package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/channel-roi/internal/config"
	"go.uber.org/zap"
)

const applicationName = "channel-roi"

// PostgresDB holds the pool shared by the channel, reference, transaction
// and ROI repositories.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// poolConfig builds the pgx pool settings from cfg. Batch recomputes hold a
// connection for a whole chunk, so the statement timeout is set per session
// rather than left to the server default.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pc.MaxConns = int32(cfg.MaxConns)
	if cfg.MinConns > 0 && cfg.MinConns <= cfg.MaxConns {
		pc.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.HealthCheckPeriod = time.Minute

	rp := pc.ConnConfig.RuntimeParams
	rp["application_name"] = applicationName
	if cfg.StatementTimeout > 0 {
		rp["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

// NewPostgresDB opens the pool and verifies the server is reachable.
func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DBName),
		zap.Int32("max_conns", pc.MaxConns),
		zap.Duration("statement_timeout", cfg.StatementTimeout),
	)

	return &PostgresDB{Pool: pool, logger: logger}, nil
}

func (db *PostgresDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("PostgreSQL connection pool closed")
	}
}

// Health pings the server.
func (db *PostgresDB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Stats feeds the db_connections gauge.
func (db *PostgresDB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}
