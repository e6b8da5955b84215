package database

import (
	"testing"
	"time"

	"github.com/radiusdt/channel-roi/internal/config"
)

func TestPoolConfigFromDatabaseConfig(t *testing.T) {
	cfg := config.Defaults().Database
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 10 * time.Minute
	cfg.MaxConnIdleTime = time.Minute
	cfg.StatementTimeout = 90 * time.Second

	pc, err := poolConfig(cfg)
	if err != nil {
		t.Fatalf("poolConfig error: %v", err)
	}
	if pc.MaxConns != 10 || pc.MinConns != 2 {
		t.Errorf("conns = %d/%d, want 10/2", pc.MaxConns, pc.MinConns)
	}
	if pc.MaxConnLifetime != 10*time.Minute || pc.MaxConnIdleTime != time.Minute {
		t.Errorf("lifetime/idle = %s/%s", pc.MaxConnLifetime, pc.MaxConnIdleTime)
	}
	rp := pc.ConnConfig.RuntimeParams
	if rp["statement_timeout"] != "90000" || rp["application_name"] != applicationName {
		t.Errorf("runtime params = %v", rp)
	}
}

func TestPoolConfigKeepsServerStatementTimeout(t *testing.T) {
	cfg := config.Defaults().Database
	cfg.StatementTimeout = 0
	cfg.MinConns = cfg.MaxConns + 1

	pc, err := poolConfig(cfg)
	if err != nil {
		t.Fatalf("poolConfig error: %v", err)
	}
	if _, ok := pc.ConnConfig.RuntimeParams["statement_timeout"]; ok {
		t.Error("statement_timeout set with a zero timeout")
	}
	if pc.MinConns != 0 {
		t.Errorf("MinConns above MaxConns was applied: %d", pc.MinConns)
	}
}
