// Package config provides configuration management for the trading service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultStartTimeout bounds the gateway startup polling loop.
	defaultStartTimeout = 15 * time.Minute
	// defaultPollInterval is how often startup polling re-checks status.
	defaultPollInterval = 30 * time.Second
	// defaultTwoFAMaxWait bounds the 2FA retry monitor.
	defaultTwoFAMaxWait = 120 * time.Minute
	// defaultTwoFARetryInterval is how often the monitor re-prompts.
	defaultTwoFARetryInterval = 3 * time.Minute
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Broker      BrokerConfig      `yaml:"broker"`
	Engine      EngineConfig      `yaml:"engine"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// GatewayConfig defines how the external gateway process is controlled.
type GatewayConfig struct {
	// ScriptPath is the gateway control script accepting start|stop|status|restart.
	ScriptPath string `yaml:"script_path"`
	// StartTimeout caps the startup polling loop (default 15m).
	StartTimeout string `yaml:"start_timeout"`
	// PollInterval is the startup status re-check period (default 30s).
	PollInterval string `yaml:"poll_interval"`
	// TwoFAMaxWait caps the 2FA retry monitor (default 120m).
	TwoFAMaxWait string `yaml:"twofa_max_wait"`
	// TwoFARetryInterval is how often the monitor retries (default 3m).
	TwoFARetryInterval string `yaml:"twofa_retry_interval"`
}

// BrokerConfig defines the brokerage API connection settings.
type BrokerConfig struct {
	Host      string `yaml:"host"`
	PaperPort int    `yaml:"paper_port"` // 4002
	LivePort  int    `yaml:"live_port"`  // 4001
	ClientID  int    `yaml:"client_id"`
}

// EngineConfig defines decision-engine behavior, selected once at startup.
type EngineConfig struct {
	// AllowMarketClosed permits order submission when the broker reports the
	// market closed, using the stored estimate as the limit.
	AllowMarketClosed bool `yaml:"allow_market_closed"`
	// EnableTakeProfit attaches a profit-target close order after entry.
	EnableTakeProfit bool `yaml:"enable_take_profit"`
	// AllowHistoricalFallback lets the trigger scan fall back to the prior
	// day's close when no live underlying quote is available.
	AllowHistoricalFallback bool `yaml:"allow_historical_fallback"`
	// TakeProfitRatio is the fraction of credit kept before closing (0-1).
	TakeProfitRatio float64 `yaml:"take_profit_ratio"`
	// CycleInterval is the pause between trading cycles.
	CycleInterval string `yaml:"cycle_interval"`
	// ValidationSchedule is a cron expression for the daily contract
	// validation pass, e.g. "0 9 * * 1-5".
	ValidationSchedule string `yaml:"validation_schedule"`
}

// StorageConfig defines storage settings for strategy rows.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the optional status server.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
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

	var config Config
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

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Gateway.ScriptPath == "" {
		return fmt.Errorf("gateway.script_path is required")
	}
	for name, v := range map[string]string{
		"gateway.start_timeout":        c.Gateway.StartTimeout,
		"gateway.poll_interval":        c.Gateway.PollInterval,
		"gateway.twofa_max_wait":       c.Gateway.TwoFAMaxWait,
		"gateway.twofa_retry_interval": c.Gateway.TwoFARetryInterval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if c.Broker.PaperPort <= 0 || c.Broker.PaperPort > 65535 {
		return fmt.Errorf("broker.paper_port must be a valid port")
	}
	if c.Broker.LivePort <= 0 || c.Broker.LivePort > 65535 {
		return fmt.Errorf("broker.live_port must be a valid port")
	}
	if c.Broker.PaperPort == c.Broker.LivePort {
		return fmt.Errorf("broker.paper_port and broker.live_port must differ")
	}
	if c.Broker.ClientID < 0 {
		return fmt.Errorf("broker.client_id must be >= 0")
	}

	if c.Engine.TakeProfitRatio < 0 || c.Engine.TakeProfitRatio > 1 {
		return fmt.Errorf("engine.take_profit_ratio must be in [0,1]")
	}
	if c.Engine.EnableTakeProfit && c.Engine.TakeProfitRatio == 0 {
		return fmt.Errorf("engine.take_profit_ratio required when take profit is enabled")
	}
	if c.Engine.CycleInterval != "" {
		if _, err := time.ParseDuration(c.Engine.CycleInterval); err != nil {
			return fmt.Errorf("engine.cycle_interval invalid: %w", err)
		}
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid port when dashboard is enabled")
	}

	return nil
}

// IsPaperTrading returns true if the service is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// TradingPort returns the API port for the configured mode.
func (c *Config) TradingPort() int {
	if c.IsPaperTrading() {
		return c.Broker.PaperPort
	}
	return c.Broker.LivePort
}

// GetCycleInterval returns the configured cycle interval duration.
func (c *Config) GetCycleInterval() time.Duration {
	d, err := time.ParseDuration(c.Engine.CycleInterval)
	if err != nil || d <= 0 {
		return time.Minute // default
	}
	return d
}

// GetStartTimeout returns the startup polling ceiling.
func (c *Config) GetStartTimeout() time.Duration {
	return durationOr(c.Gateway.StartTimeout, defaultStartTimeout)
}

// GetPollInterval returns the startup polling period.
func (c *Config) GetPollInterval() time.Duration {
	return durationOr(c.Gateway.PollInterval, defaultPollInterval)
}

// GetTwoFAMaxWait returns the 2FA monitoring ceiling.
func (c *Config) GetTwoFAMaxWait() time.Duration {
	return durationOr(c.Gateway.TwoFAMaxWait, defaultTwoFAMaxWait)
}

// GetTwoFARetryInterval returns the 2FA retry period.
func (c *Config) GetTwoFARetryInterval() time.Duration {
	return durationOr(c.Gateway.TwoFARetryInterval, defaultTwoFARetryInterval)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
