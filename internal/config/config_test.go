package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marlin.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MARLIN_DATA_DIR", "MARLIN_SQLITE_PATH", "MARLIN_BROKER",
		"MARLIN_SIGNAL_URL", "MARLIN_SIGNAL_TOKEN", "LOG_LEVEL",
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	// Load a non-existent path: defaults apply.
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Broker.Adapter != "sim" {
		t.Errorf("Broker.Adapter = %q, want %q", cfg.Broker.Adapter, "sim")
	}
	if cfg.Risk.MaxPositionWeight != 0.2 {
		t.Errorf("Risk.MaxPositionWeight = %v, want 0.2", cfg.Risk.MaxPositionWeight)
	}
	if cfg.Risk.MaxDailyLossPct != 0.05 {
		t.Errorf("Risk.MaxDailyLossPct = %v, want 0.05", cfg.Risk.MaxDailyLossPct)
	}
	if cfg.Risk.StopLossPct != 0.08 {
		t.Errorf("Risk.StopLossPct = %v, want 0.08", cfg.Risk.StopLossPct)
	}
	if cfg.Risk.MaxPositions != 10 {
		t.Errorf("Risk.MaxPositions = %d, want 10", cfg.Risk.MaxPositions)
	}
	if cfg.Risk.MaxOrderNotional != 100000 {
		t.Errorf("Risk.MaxOrderNotional = %v, want 100000", cfg.Risk.MaxOrderNotional)
	}
	if cfg.Trading.BrokerTimeout.Std() != 30*time.Second {
		t.Errorf("Trading.BrokerTimeout = %v, want 30s", cfg.Trading.BrokerTimeout)
	}
	if !cfg.Trading.PaperMode {
		t.Error("Trading.PaperMode = false, want true by default")
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
storage:
  data_dir: "/tmp/marlin/data"
  sqlite_path: "/tmp/marlin/marlin.db"
broker:
  adapter: "alpaca"
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
signals:
  url: "https://signals.example.com/v1/signals"
  timeout: 10s
trading:
  paper_mode: false
  max_workers: 8
  broker_timeout: 20s
  poll_interval: 2s
risk:
  enabled: true
  max_position_weight: 0.1
  max_daily_loss_pct: 0.02
  stop_loss_pct: 0.05
  take_profit_pct: 0.15
  max_positions: 5
  max_order_notional: 50000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/marlin/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/marlin/data")
	}
	if cfg.Broker.Adapter != "alpaca" {
		t.Errorf("Broker.Adapter = %q, want %q", cfg.Broker.Adapter, "alpaca")
	}
	if cfg.Alpaca.APIKey != "test-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "test-key")
	}
	if cfg.Signals.URL != "https://signals.example.com/v1/signals" {
		t.Errorf("Signals.URL = %q", cfg.Signals.URL)
	}
	if cfg.Signals.Timeout.Std() != 10*time.Second {
		t.Errorf("Signals.Timeout = %v, want 10s", cfg.Signals.Timeout)
	}
	if cfg.Trading.MaxWorkers != 8 {
		t.Errorf("Trading.MaxWorkers = %d, want 8", cfg.Trading.MaxWorkers)
	}
	if cfg.Trading.PollInterval.Std() != 2*time.Second {
		t.Errorf("Trading.PollInterval = %v, want 2s", cfg.Trading.PollInterval)
	}
	if cfg.Risk.MaxOrderNotional != 50000 {
		t.Errorf("Risk.MaxOrderNotional = %v, want 50000", cfg.Risk.MaxOrderNotional)
	}
	if cfg.Risk.MaxPositions != 5 {
		t.Errorf("Risk.MaxPositions = %d, want 5", cfg.Risk.MaxPositions)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	os.Setenv("ALPACA_API_KEY", "env-key")
	os.Setenv("MARLIN_DATA_DIR", "/env/data")
	defer os.Unsetenv("ALPACA_API_KEY")
	defer os.Unsetenv("MARLIN_DATA_DIR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
}

func TestValidateRejectsBadPercentages(t *testing.T) {
	clearEnv(t)

	cases := []struct {
		name string
		yaml string
	}{
		{"zero weight", "risk:\n  max_position_weight: 0\n"},
		{"weight above one", "risk:\n  max_position_weight: 1.5\n"},
		{"negative daily loss", "risk:\n  max_daily_loss_pct: -0.05\n"},
		{"zero stop loss", "risk:\n  stop_loss_pct: 0\n"},
		{"zero holdings", "risk:\n  max_positions: 0\n"},
		{"negative notional", "risk:\n  max_order_notional: -1\n"},
		{"unknown adapter", "broker:\n  adapter: \"etrade\"\n"},
	}
	for _, c := range cases {
		path := writeConfig(t, c.yaml)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load() succeeded, want validation error", c.name)
		}
	}
}
