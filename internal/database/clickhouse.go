package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/radiusdt/channel-roi/internal/config"
	"go.uber.org/zap"
)

// ClickHouseDB wraps a native ClickHouse connection.
type ClickHouseDB struct {
	Conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseDB opens and pings a ClickHouse connection.
func NewClickHouseDB(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	logger.Info("connected to ClickHouse",
		zap.String("addr", cfg.Addr),
		zap.String("database", cfg.Database),
	)

	return &ClickHouseDB{Conn: conn, logger: logger}, nil
}

// Close closes the connection.
func (db *ClickHouseDB) Close() error {
	if db.Conn != nil {
		db.logger.Info("ClickHouse connection closed")
		return db.Conn.Close()
	}
	return nil
}

// Health checks if ClickHouse is reachable.
func (db *ClickHouseDB) Health(ctx context.Context) error {
	return db.Conn.Ping(ctx)
}
