// Package config provides configuration management for the trading system.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/rdelgatto/permabull/internal/auction"
	"github.com/rdelgatto/permabull/internal/dashboard"
	"github.com/rdelgatto/permabull/internal/executor"
	"github.com/rdelgatto/permabull/internal/models"
	"github.com/rdelgatto/permabull/internal/positions"
	"github.com/rdelgatto/permabull/internal/risk"
	"github.com/rdelgatto/permabull/internal/strategy"
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig      `yaml:"environment"`
	Exchange       ExchangeConfig         `yaml:"exchange"`
	Strategy       StrategyConfig         `yaml:"strategy"`
	Risk           risk.Config            `yaml:"risk"`
	Execution      executor.Config        `yaml:"execution"`
	MultiTP        models.ManagementRules `yaml:"multi_tp"`
	Management     positions.Config       `yaml:"management"`
	Auction        auction.Config         `yaml:"auction"`
	Rebalance      auction.RebalanceConfig `yaml:"rebalance"`
	Reconciliation ReconciliationConfig   `yaml:"reconciliation"`
	ShockGuard     risk.ShockConfig       `yaml:"shock_guard"`
	Storage        StorageConfig          `yaml:"storage"`
	Metrics        MetricsConfig          `yaml:"metrics"`
	Dashboard      dashboard.Config       `yaml:"dashboard"`
}

// EnvironmentConfig defines the runtime environment.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	// PaperEquityUSD seeds the simulated wallet in paper mode.
	PaperEquityUSD float64 `yaml:"paper_equity_usd"`
}

// ExchangeConfig defines the venue connection.
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"` // empty means production
}

// StrategyConfig bundles the signal pipeline and the trading loop cadence.
type StrategyConfig struct {
	Symbols       []string        `yaml:"symbols"` // spot form, e.g. BTC/USD
	CycleInterval string          `yaml:"cycle_interval"`
	Pipeline      strategy.Config `yaml:"pipeline"`
}

// ReconciliationConfig tunes the startup and periodic venue reconciler.
type ReconciliationConfig struct {
	Interval string `yaml:"interval"`
	// EmergencyStopMinLiqDistancePct keeps reconstructed stops at least this
	// far from the liquidation estimate.
	EmergencyStopMinLiqDistancePct float64 `yaml:"emergency_stop_min_liq_distance_pct"`
	// AdoptStopLossPct places the emergency stop this far from entry when no
	// stop can be reconstructed.
	AdoptStopLossPct float64 `yaml:"adopt_stop_loss_pct"`
}

// StorageConfig defines the persistence location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig defines the /metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g. :9090
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	config := Defaults()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Defaults returns a Config pre-filled with production defaults; the yaml
// file only needs to override what differs.
func Defaults() Config {
	return Config{
		Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info", PaperEquityUSD: 10000},
		Strategy: StrategyConfig{
			CycleInterval: "45s",
			Pipeline:      strategy.DefaultConfig(),
		},
		Risk:      risk.DefaultConfig(),
		Execution: executor.DefaultConfig(),
		MultiTP:   models.DefaultManagementRules(),
		Management: positions.Config{
			Interval:            10 * time.Second,
			TrailingATRMultiple: 2.0,
			TrailingMinTicks:    5,
		},
		Auction:   auction.DefaultConfig(),
		Rebalance: auction.DefaultRebalanceConfig(),
		Reconciliation: ReconciliationConfig{
			Interval:                       "15s",
			EmergencyStopMinLiqDistancePct: 0.35,
			AdoptStopLossPct:               0.02,
		},
		ShockGuard: risk.DefaultShockConfig(),
		Storage:    StorageConfig{Path: "data/trader.db"},
		Metrics:    MetricsConfig{Enabled: true, Listen: ":9090"},
		Dashboard:  dashboard.Config{Enabled: false, Listen: ":8080"},
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level %q not recognised", c.Environment.LogLevel)
	}

	if c.Environment.Mode == "live" {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_key and exchange.api_secret are required in live mode")
		}
	}

	if len(c.Strategy.Symbols) == 0 {
		return fmt.Errorf("strategy.symbols must name at least one market")
	}
	for _, s := range c.Strategy.Symbols {
		if !strings.Contains(s, "/") {
			return fmt.Errorf("strategy.symbols entry %q must be BASE/QUOTE form", s)
		}
	}
	if _, err := time.ParseDuration(c.Strategy.CycleInterval); err != nil {
		return fmt.Errorf("strategy.cycle_interval invalid: %w", err)
	}

	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be > 0")
	}
	if c.Risk.TargetLeverage > c.Risk.MaxLeverage {
		return fmt.Errorf("risk.target_leverage (%.1f) must be <= risk.max_leverage (%.1f)",
			c.Risk.TargetLeverage, c.Risk.MaxLeverage)
	}
	if c.Risk.SinglePositionCapPct <= 0 || c.Risk.SinglePositionCapPct > 1 {
		return fmt.Errorf("risk.single_position_cap_pct must be in (0,1]")
	}
	if c.Risk.MinNotionalUSD < 0 {
		return fmt.Errorf("risk.min_notional_usd must be >= 0")
	}

	if c.MultiTP.TP1SplitPct+c.MultiTP.TP2SplitPct+c.MultiTP.TP3SplitPct > 1.0+1e-9 {
		return fmt.Errorf("multi_tp splits sum to more than the position")
	}
	if c.MultiTP.TP1SplitPct <= 0 {
		return fmt.Errorf("multi_tp.tp1_split_pct must be > 0")
	}

	if c.Auction.MaxPositions <= 0 {
		return fmt.Errorf("auction.max_positions must be > 0")
	}
	if c.Auction.MaxAggregateMarginPct <= 0 || c.Auction.MaxAggregateMarginPct > 1 {
		return fmt.Errorf("auction.max_aggregate_margin_pct must be in (0,1]")
	}
	if c.Rebalance.ClearNotionalPct >= c.Rebalance.TriggerNotionalPct {
		return fmt.Errorf("rebalance.clear_pct_equity (%.2f) must be < rebalance.trigger_pct_equity (%.2f)",
			c.Rebalance.ClearNotionalPct, c.Rebalance.TriggerNotionalPct)
	}

	if c.Execution.IntentWindow <= 0 {
		return fmt.Errorf("execution.intent_window must be > 0")
	}
	if c.Execution.PendingEntryTimeout <= 0 {
		return fmt.Errorf("execution.pending_entry_timeout must be > 0")
	}

	if _, err := time.ParseDuration(c.Reconciliation.Interval); err != nil {
		return fmt.Errorf("reconciliation.interval invalid: %w", err)
	}
	if c.Reconciliation.EmergencyStopMinLiqDistancePct < 0 || c.Reconciliation.EmergencyStopMinLiqDistancePct >= 1 {
		return fmt.Errorf("reconciliation.emergency_stop_min_liq_distance_pct must be in [0,1)")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}
	return nil
}

// IsPaperTrading returns true when no live orders should reach the venue.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// CycleInterval returns the trading-cycle period.
func (c *Config) CycleInterval() time.Duration {
	d, err := time.ParseDuration(c.Strategy.CycleInterval)
	if err != nil {
		return 45 * time.Second
	}
	return d
}

// ReconcileInterval returns the reconciler period.
func (c *Config) ReconcileInterval() time.Duration {
	d, err := time.ParseDuration(c.Reconciliation.Interval)
	if err != nil {
		return 15 * time.Second
	}
	return d
}
