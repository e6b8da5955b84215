package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROI_API_KEY", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Roi.MaxDays != 40 {
		t.Errorf("MaxDays = %d, want 40", cfg.Roi.MaxDays)
	}
	if cfg.Roi.BatchChunkSize != 1000 || cfg.Roi.ImportChunkSize != 3000 {
		t.Errorf("chunk sizes = %d/%d", cfg.Roi.BatchChunkSize, cfg.Roi.ImportChunkSize)
	}
	if cfg.Jobs.MaxRetries != 3 || cfg.Jobs.RetryDelay != time.Minute || cfg.Jobs.Timeout != 2*time.Hour {
		t.Errorf("unexpected job settings: %+v", cfg.Jobs)
	}
	if cfg.Transactions.Backend != BackendPostgres {
		t.Errorf("Backend = %q", cfg.Transactions.Backend)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development environment by default")
	}
}

func TestLoadRequiresAPIKeyWhenAuthEnabled(t *testing.T) {
	t.Setenv("ROI_AUTH_ENABLED", "true")
	t.Setenv("ROI_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roi.yaml")
	content := `
server:
  addr: ":9999"
auth:
  enabled: false
roi:
  max_days: 30
  batch_chunk_size: 250
jobs:
  retry_delay: 5s
kafka:
  brokers: ["kafka-1:9092"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ROI_CONFIG_FILE", path)
	t.Setenv("ROI_BATCH_CHUNK_SIZE", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Roi.MaxDays != 30 {
		t.Errorf("MaxDays = %d, want 30 from file", cfg.Roi.MaxDays)
	}
	if cfg.Roi.BatchChunkSize != 500 {
		t.Errorf("BatchChunkSize = %d, want env override 500", cfg.Roi.BatchChunkSize)
	}
	if cfg.Roi.ImportChunkSize != 3000 {
		t.Errorf("ImportChunkSize = %d, want default", cfg.Roi.ImportChunkSize)
	}
	if cfg.Jobs.RetryDelay != 5*time.Second {
		t.Errorf("RetryDelay = %v", cfg.Jobs.RetryDelay)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "kafka-1:9092" {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.Enabled = false
	cfg.Transactions.Backend = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestGetSliceEnv(t *testing.T) {
	t.Setenv("ROI_TEST_SLICE", " a, ,b ,c")
	got := getSliceEnv("ROI_TEST_SLICE", nil)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("getSliceEnv = %v", got)
	}
}
