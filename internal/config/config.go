// Package config loads the YAML configuration for the marlin engine and
// applies environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" decode
// directly.
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string or an integer second count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the marlin engine.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Broker  BrokerConfig  `yaml:"broker"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Signals SignalSource  `yaml:"signals"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
	Risk    RiskConfig    `yaml:"risk"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// BrokerConfig selects the broker adapter at startup.
type BrokerConfig struct {
	// Adapter is "alpaca" or "sim".
	Adapter string `yaml:"adapter"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// SignalSource configures the remote signal endpoint.
type SignalSource struct {
	URL             string   `yaml:"url"`
	Token           string   `yaml:"token"`
	Timeout         Duration `yaml:"timeout"`
	FetchPerMin     int      `yaml:"fetch_per_min"`
	FetchBatchLimit int      `yaml:"fetch_batch_limit"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
	// File enables rotated file output when set; empty logs to stdout only.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TradingConfig defines execution parameters.
type TradingConfig struct {
	PaperMode bool `yaml:"paper_mode"`
	// MaxWorkers bounds cross-symbol concurrency in the orchestrator.
	MaxWorkers int `yaml:"max_workers"`
	// BrokerTimeout converts a hung broker call into a broker_error
	// transition instead of blocking the per-symbol lease.
	BrokerTimeout Duration `yaml:"broker_timeout"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryBaseWait Duration `yaml:"retry_base_wait"`
	// PollInterval is the fill-sync cadence; ReconcileInterval is the
	// ledger-vs-broker reconciliation cadence.
	PollInterval      Duration `yaml:"poll_interval"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
	// ReconcileTolerance is the cash delta (in currency units) below which
	// reconciliation discrepancies are not reported.
	ReconcileTolerance float64 `yaml:"reconcile_tolerance"`
}

// RiskConfig is the fixed rule set enforced before any order reaches the
// broker. All percentage fields must be in (0, 1].
type RiskConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MaxPositionWeight float64 `yaml:"max_position_weight"`
	MaxDailyLossPct   float64 `yaml:"max_daily_loss_pct"`
	StopLossPct       float64 `yaml:"stop_loss_pct"`
	TakeProfitPct     float64 `yaml:"take_profit_pct"`
	MaxPositions      int     `yaml:"max_positions"`
	MaxOrderNotional  float64 `yaml:"max_order_notional"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file is present. Risk
// defaults follow the conventional conservative profile: 20% max position
// weight, 5% daily loss cap, 8% stop-loss, 20% take-profit, 10 holdings,
// 100k single-order notional.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/marlin.db",
		},
		Broker: BrokerConfig{Adapter: "sim"},
		Signals: SignalSource{
			Timeout:         Duration(30 * time.Second),
			FetchPerMin:     30,
			FetchBatchLimit: 100,
		},
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Trading: TradingConfig{
			PaperMode:          true,
			MaxWorkers:         4,
			BrokerTimeout:      Duration(30 * time.Second),
			RetryAttempts:      3,
			RetryBaseWait:      Duration(time.Second),
			PollInterval:       Duration(5 * time.Second),
			ReconcileInterval:  Duration(5 * time.Minute),
			ReconcileTolerance: 0.01,
		},
		Risk: RiskConfig{
			Enabled:           true,
			MaxPositionWeight: 0.2,
			MaxDailyLossPct:   0.05,
			StopLossPct:       0.08,
			TakeProfitPct:     0.20,
			MaxPositions:      10,
			MaxOrderNotional:  100000,
		},
	}
}

// Load reads the YAML configuration file at the given path on top of the
// defaults, applies environment variable overrides, and validates the
// result. A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants on the loaded configuration, most importantly
// that every risk percentage sits in (0, 1].
func (c *Config) Validate() error {
	pcts := map[string]float64{
		"risk.max_position_weight": c.Risk.MaxPositionWeight,
		"risk.max_daily_loss_pct":  c.Risk.MaxDailyLossPct,
		"risk.stop_loss_pct":       c.Risk.StopLossPct,
		"risk.take_profit_pct":     c.Risk.TakeProfitPct,
	}
	for name, v := range pcts {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s = %v, must be in (0, 1]", name, v)
		}
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions = %d, must be positive", c.Risk.MaxPositions)
	}
	if c.Risk.MaxOrderNotional <= 0 {
		return fmt.Errorf("risk.max_order_notional = %v, must be positive", c.Risk.MaxOrderNotional)
	}
	if c.Trading.MaxWorkers <= 0 {
		return fmt.Errorf("trading.max_workers = %d, must be positive", c.Trading.MaxWorkers)
	}
	if c.Trading.RetryAttempts <= 0 {
		return fmt.Errorf("trading.retry_attempts = %d, must be positive", c.Trading.RetryAttempts)
	}
	switch c.Broker.Adapter {
	case "alpaca", "sim":
	default:
		return fmt.Errorf("broker.adapter = %q, must be \"alpaca\" or \"sim\"", c.Broker.Adapter)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MARLIN_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("MARLIN_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("MARLIN_BROKER"); v != "" {
		cfg.Broker.Adapter = v
	}
	if v := os.Getenv("MARLIN_SIGNAL_URL"); v != "" {
		cfg.Signals.URL = v
	}
	if v := os.Getenv("MARLIN_SIGNAL_TOKEN"); v != "" {
		cfg.Signals.Token = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	// Standard Alpaca env vars take highest priority, matching the SDK's
	// canonical names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
