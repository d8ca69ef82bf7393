package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
environment:
  mode: paper
  log_level: info
broker:
  provider: tradier
  api_key: test-key
  api_endpoint: https://sandbox.tradier.com/v1
  account_id: test-account
schedule:
  dte_sweep_interval: 15m
  reconcile_interval: 1h
  timezone: America/New_York
  trading_start: "09:45"
  trading_end: "15:45"
escalation:
  threshold_dte: 7
  max_retries: 3
notification:
  user_id: ops
storage:
  path: ledger.json
dashboard:
  enabled: true
  listen_addr: ":8081"
  auth_token: secret
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Expected config to load successfully, got error: %v", err)
	}
	if !cfg.IsPaperTrading() {
		t.Error("Expected paper trading mode")
	}
	if cfg.Escalation.ThresholdDTE != 7 {
		t.Errorf("Expected threshold_dte 7, got %d", cfg.Escalation.ThresholdDTE)
	}
	if got := cfg.GetDTESweepInterval(); got != 15*time.Minute {
		t.Errorf("Expected 15m sweep interval, got %v", got)
	}
	if got := cfg.GetReconcileInterval(); got != time.Hour {
		t.Errorf("Expected 1h reconcile interval, got %v", got)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_CLOSER_API_KEY", "expanded-key")
	contents := strings.Replace(validYAML, "api_key: test-key", "api_key: ${TEST_CLOSER_API_KEY}", 1)
	cfg, err := Load(writeConfig(t, contents))
	if err != nil {
		t.Fatalf("Expected config to load, got error: %v", err)
	}
	if cfg.Broker.APIKey != "expanded-key" {
		t.Errorf("Expected api_key to expand from environment, got %q", cfg.Broker.APIKey)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	contents := validYAML + "\nunknown_section:\n  foo: bar\n"
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Error("Expected error for unknown config fields, got nil")
	}
}

func TestValidate(t *testing.T) {
	baseConfig := &Config{
		Environment: EnvironmentConfig{
			Mode:     "paper",
			LogLevel: "info",
		},
		Broker: BrokerConfig{
			Provider:    "tradier",
			APIKey:      "test-key",
			APIEndpoint: "https://sandbox.tradier.com/v1",
			AccountID:   "test-account",
		},
		Schedule: ScheduleConfig{
			DTESweepInterval:  "15m",
			ReconcileInterval: "1h",
			TradingStart:      "09:45",
			TradingEnd:        "15:45",
		},
		Escalation: EscalationConfig{
			ThresholdDTE: 7,
			MaxRetries:   3,
		},
		Storage: StorageConfig{
			Path: "ledger.json",
		},
	}

	t.Run("valid config", func(t *testing.T) {
		config := *baseConfig
		if err := config.Validate(); err != nil {
			t.Errorf("Expected valid config, got error: %v", err)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		config := *baseConfig
		config.Environment.Mode = "demo"
		if err := config.Validate(); err == nil {
			t.Error("Expected error for invalid environment.mode")
		}
	})

	t.Run("missing api key", func(t *testing.T) {
		config := *baseConfig
		config.Broker.APIKey = ""
		err := config.Validate()
		if err == nil {
			t.Fatal("Expected error for missing broker.api_key")
		}
		if !strings.Contains(err.Error(), "broker.api_key") {
			t.Errorf("Expected api_key error, got: %v", err)
		}
	})

	t.Run("missing storage path", func(t *testing.T) {
		config := *baseConfig
		config.Storage.Path = ""
		if err := config.Validate(); err == nil {
			t.Error("Expected error for missing storage.path")
		}
	})

	t.Run("negative threshold dte", func(t *testing.T) {
		config := *baseConfig
		config.Escalation.ThresholdDTE = -1
		if err := config.Validate(); err == nil {
			t.Error("Expected error for negative escalation.threshold_dte")
		}
	})

	t.Run("escalation defaults applied", func(t *testing.T) {
		config := *baseConfig
		config.Escalation = EscalationConfig{}
		if err := config.Validate(); err != nil {
			t.Fatalf("Expected defaults to make config valid, got: %v", err)
		}
		if config.Escalation.ThresholdDTE != 7 || config.Escalation.MaxRetries != 3 {
			t.Errorf("Expected defaults 7/3, got %d/%d",
				config.Escalation.ThresholdDTE, config.Escalation.MaxRetries)
		}
	})

	t.Run("bad sweep interval", func(t *testing.T) {
		config := *baseConfig
		config.Schedule.DTESweepInterval = "soon"
		if err := config.Validate(); err == nil {
			t.Error("Expected error for invalid schedule.dte_sweep_interval")
		}
	})

	t.Run("inverted trading window", func(t *testing.T) {
		config := *baseConfig
		config.Schedule.TradingStart = "16:00"
		config.Schedule.TradingEnd = "09:45"
		if err := config.Validate(); err == nil {
			t.Error("Expected error for inverted trading window")
		}
	})

	t.Run("dashboard requires listen addr", func(t *testing.T) {
		config := *baseConfig
		config.Dashboard = DashboardConfig{Enabled: true}
		if err := config.Validate(); err == nil {
			t.Error("Expected error when dashboard enabled without listen_addr")
		}
	})
}

func TestIsWithinTradingHours(t *testing.T) {
	cfg := &Config{
		Schedule: ScheduleConfig{
			Timezone:     "America/New_York",
			TradingStart: "09:45",
			TradingEnd:   "15:45",
		},
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"midday weekday", time.Date(2026, 8, 26, 12, 0, 0, 0, loc), true},
		{"before open", time.Date(2026, 8, 26, 9, 30, 0, 0, loc), false},
		{"at close", time.Date(2026, 8, 26, 15, 45, 0, 0, loc), false},
		{"saturday", time.Date(2026, 8, 29, 12, 0, 0, 0, loc), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cfg.IsWithinTradingHours(tc.at); got != tc.want {
				t.Errorf("IsWithinTradingHours(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}
