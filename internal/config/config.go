// Package config provides configuration management for the closure engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultThresholdDTE is used when escalation.threshold_dte is unset (start forcing closes at 7 DTE)
	defaultThresholdDTE = 7
	// defaultMaxRetries is used when escalation.max_retries is unset
	defaultMaxRetries = 3
	// defaultDTESweepInterval is used when schedule.dte_sweep_interval is unset
	defaultDTESweepInterval = 15 * time.Minute
	// defaultReconcileInterval is used when schedule.reconcile_interval is unset
	defaultReconcileInterval = time.Hour
)

// Config represents the complete application configuration.
type Config struct {
	Environment  EnvironmentConfig  `yaml:"environment"`
	Broker       BrokerConfig       `yaml:"broker"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Escalation   EscalationConfig   `yaml:"escalation"`
	Notification NotificationConfig `yaml:"notification"`
	Storage      StorageConfig      `yaml:"storage"`
	Dashboard    DashboardConfig    `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
}

// ScheduleConfig defines sweep cadence and market hours.
type ScheduleConfig struct {
	DTESweepInterval  string `yaml:"dte_sweep_interval"`
	ReconcileInterval string `yaml:"reconcile_interval"`
	Timezone          string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart      string `yaml:"trading_start"` // "HH:MM"
	TradingEnd        string `yaml:"trading_end"`   // "HH:MM"
}

// EscalationConfig defines the forced-closure ladder parameters.
type EscalationConfig struct {
	ThresholdDTE int `yaml:"threshold_dte"`
	MaxRetries   int `yaml:"max_retries"`
}

// NotificationConfig defines who receives closure notifications.
type NotificationConfig struct {
	UserID string `yaml:"user_id"`
}

// StorageConfig defines storage settings for the position ledger.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only HTTP dashboard settings.
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
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

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}

	c.normalizeEscalation()

	// Escalation validation
	if c.Escalation.ThresholdDTE < 0 {
		return fmt.Errorf("escalation.threshold_dte must be >= 0")
	}
	if c.Escalation.MaxRetries <= 0 {
		return fmt.Errorf("escalation.max_retries must be > 0")
	}

	// Storage validation
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	// Schedule validation
	if c.Schedule.DTESweepInterval != "" {
		if _, err := time.ParseDuration(c.Schedule.DTESweepInterval); err != nil {
			return fmt.Errorf("schedule.dte_sweep_interval invalid: %w", err)
		}
	}
	if c.Schedule.ReconcileInterval != "" {
		if _, err := time.ParseDuration(c.Schedule.ReconcileInterval); err != nil {
			return fmt.Errorf("schedule.reconcile_interval invalid: %w", err)
		}
	}
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	if c.Schedule.TradingStart != "" || c.Schedule.TradingEnd != "" {
		s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
		e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
		if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
			return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
		}
	}

	// Dashboard validation
	if c.Dashboard.Enabled && c.Dashboard.ListenAddr == "" {
		return fmt.Errorf("dashboard.listen_addr is required when dashboard is enabled")
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetDTESweepInterval returns the configured escalation sweep cadence.
func (c *Config) GetDTESweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.DTESweepInterval)
	if err != nil {
		return defaultDTESweepInterval
	}
	return d
}

// GetReconcileInterval returns the configured reconciliation cadence.
func (c *Config) GetReconcileInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.ReconcileInterval)
	if err != nil {
		return defaultReconcileInterval
	}
	return d
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Try fallback to America/New_York
		if fallbackLoc, err2 := time.LoadLocation("America/New_York"); err2 == nil {
			loc = fallbackLoc
		} else {
			// Final fallback to DST-agnostic FixedZone
			loc = time.FixedZone("ET", -5*60*60)
		}
	}
	today := now.In(loc)

	// Only allow Monday–Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 45, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 15, 45, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}

// normalizeEscalation sets default values for escalation configuration
func (c *Config) normalizeEscalation() {
	if c.Escalation.ThresholdDTE == 0 {
		c.Escalation.ThresholdDTE = defaultThresholdDTE
	}
	if c.Escalation.MaxRetries == 0 {
		c.Escalation.MaxRetries = defaultMaxRetries
	}
}
