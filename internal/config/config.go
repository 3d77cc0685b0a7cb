// Package config loads engine settings from defaults, an optional watchman.yaml
// in the data directory, WATCHMAN_* environment variables and command flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/watchman/internal/daemon"
	"github.com/eliteGoblin/focusd/watchman/internal/infra"
	"github.com/eliteGoblin/focusd/watchman/internal/policy"
)

// Keys, shared by the config file, environment and flag bindings.
const (
	KeyConfigFile     = "config"
	KeyDataDir        = "data_dir"
	KeyChannelName    = "channel_name"
	KeyPollInterval   = "poll_interval"
	KeyWatchTimeout   = "watch_timeout"
	KeyRetryAttempts  = "retry.attempts"
	KeyRetryWait      = "retry.wait"
	KeyWatchRuleStore = "watch_rule_store"
	KeyReloadDebounce = "reload_debounce"
	KeyMetricsAddr    = "metrics_addr"
	KeyLogLevel       = "log_level"
)

// EnvPrefix prefixes every environment override, e.g. WATCHMAN_POLL_INTERVAL.
const EnvPrefix = "WATCHMAN"

// RetryConfig mirrors policy.RetryPolicy.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Wait     time.Duration `mapstructure:"wait"`
}

// Config holds the engine configuration.
type Config struct {
	DataDir        string        `mapstructure:"data_dir"`
	ChannelName    string        `mapstructure:"channel_name"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	WatchTimeout   time.Duration `mapstructure:"watch_timeout"` // 0 derives it from PollInterval
	Retry          RetryConfig   `mapstructure:"retry"`
	WatchRuleStore bool          `mapstructure:"watch_rule_store"`
	ReloadDebounce time.Duration `mapstructure:"reload_debounce"`
	MetricsAddr    string        `mapstructure:"metrics_addr"` // Empty disables /metrics
	LogLevel       string        `mapstructure:"log_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	retry := policy.DefaultRetryPolicy()
	return &Config{
		DataDir:        infra.DetectExecMode().DataDir,
		ChannelName:    infra.DefaultChannelName,
		PollInterval:   daemon.DefaultPollInterval,
		Retry:          RetryConfig{Attempts: retry.Attempts, Wait: retry.Wait},
		WatchRuleStore: true,
		ReloadDebounce: infra.DefaultReloadDebounce,
		LogLevel:       "info",
	}
}

// New returns a viper instance with defaults and environment binding applied.
// Callers bind their flags to it before Load.
func New() *viper.Viper {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault(KeyDataDir, d.DataDir)
	v.SetDefault(KeyChannelName, d.ChannelName)
	v.SetDefault(KeyPollInterval, d.PollInterval)
	v.SetDefault(KeyWatchTimeout, d.WatchTimeout)
	v.SetDefault(KeyRetryAttempts, d.Retry.Attempts)
	v.SetDefault(KeyRetryWait, d.Retry.Wait)
	v.SetDefault(KeyWatchRuleStore, d.WatchRuleStore)
	v.SetDefault(KeyReloadDebounce, d.ReloadDebounce)
	v.SetDefault(KeyMetricsAddr, d.MetricsAddr)
	v.SetDefault(KeyLogLevel, d.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file (an explicit --config, else watchman.yaml in the
// data directory, which may be absent) and returns the validated result.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(strings.TrimSuffix(infra.ConfigFileName, filepath.Ext(infra.ConfigFileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString(KeyDataDir))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.ChannelName == "" {
		return errors.New("channel_name must be set")
	}
	if err := c.Timing().Validate(); err != nil {
		return err
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Wait < 0 {
		return fmt.Errorf("retry.wait must not be negative, got %s", c.Retry.Wait)
	}
	if c.ReloadDebounce <= 0 {
		return fmt.Errorf("reload_debounce must be positive, got %s", c.ReloadDebounce)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Timing returns the watcher timing, deriving the watch timeout when unset.
func (c *Config) Timing() daemon.Timing {
	timing := daemon.Timing{PollInterval: c.PollInterval, WatchTimeout: c.WatchTimeout}
	if timing.WatchTimeout == 0 && timing.PollInterval > 0 {
		timing.WatchTimeout = timing.PollInterval * daemon.WatchTimeoutFactor
	}
	return timing
}

// RetryPolicy returns the task manager's re-check policy.
func (c *Config) RetryPolicy() policy.RetryPolicy {
	return policy.RetryPolicy{Attempts: c.Retry.Attempts, Wait: c.Retry.Wait}
}

// Layout returns the file layout under the configured data directory.
func (c *Config) Layout() *infra.Layout {
	d := infra.DetectExecMode()
	if filepath.Clean(c.DataDir) == filepath.Clean(d.DataDir) {
		return d
	}
	return infra.LayoutFor(infra.ExecModeUser, c.DataDir)
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
