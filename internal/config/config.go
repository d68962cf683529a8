// Package config provides configuration loading, validation, and hot-reload
// support for the QuoteHive multi-bot platform. Configuration is read from a
// YAML file with HIVE_* environment variable overrides, and published as an
// immutable snapshot that is replaced wholesale on reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// TaskConfig describes one scheduled task entry.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Config defines the application configuration. Values can be set via
// environment variables prefixed with HIVE_ (e.g., HIVE_WEBHOOK_SECRET)
// or through config.yaml.
//
// A loaded Config is immutable; hot reload builds a fresh value and swaps
// it through a Provider. Nothing may mutate a published Config.
type Config struct {
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogJSON  bool   `mapstructure:"log_json"`

	ListenAddr     string `mapstructure:"listen_addr"      validate:"required"`
	WebhookSecret  string `mapstructure:"webhook_secret"   validate:"required"`
	WebhookBaseURL string `mapstructure:"webhook_base_url" validate:"omitempty,url"`

	DBPath string `mapstructure:"db_path" validate:"required"`

	// Rate limiting: fixed window length and per-operation maximums.
	RateWindow      time.Duration `mapstructure:"rate_window"       validate:"min=1s,max=24h"`
	RateMaxSubmit   int           `mapstructure:"rate_max_submit"   validate:"min=1"`
	RateMaxModerate int           `mapstructure:"rate_max_moderate" validate:"min=1"`

	// Subscription periods. Free grants never expire.
	MonthlyPeriodDays int `mapstructure:"monthly_period_days" validate:"min=1"`
	YearlyPeriodDays  int `mapstructure:"yearly_period_days"  validate:"min=1"`
	GraceDays         int `mapstructure:"grace_days"          validate:"min=0"`

	// NotifyTimeout bounds every outbound Telegram call.
	NotifyTimeout time.Duration `mapstructure:"notify_timeout" validate:"min=1s,max=5m"`

	Scheduler map[string]TaskConfig `mapstructure:"scheduler"`
}

// Load reads configuration from the given path, applies defaults and
// HIVE_* environment overrides, and validates the result. A missing config
// file is not an error; defaults plus environment are used instead.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)

	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("db_path", "quotehive.db")

	v.SetDefault("rate_window", time.Minute)
	v.SetDefault("rate_max_submit", 3)
	v.SetDefault("rate_max_moderate", 30)

	v.SetDefault("monthly_period_days", 30)
	v.SetDefault("yearly_period_days", 365)
	v.SetDefault("grace_days", 3)

	v.SetDefault("notify_timeout", 10*time.Second)
}
