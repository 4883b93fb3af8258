// Package config handles configuration loading for tripsmith.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the tripsmith engine.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Context   ContextConfig   `mapstructure:"context"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// AnthropicConfig holds Anthropic API settings for the LLM-backed planners.
type AnthropicConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	MaxTokens     int64  `mapstructure:"max_tokens"`
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// EngineConfig bounds orchestrator concurrency and run duration.
type EngineConfig struct {
	MaxConcurrentPerRun int           `mapstructure:"max_concurrent_per_run"`
	MaxConcurrentGlobal int           `mapstructure:"max_concurrent_global"`
	WallClockBudget     time.Duration `mapstructure:"wall_clock_budget"`
	EventBufferSize     int           `mapstructure:"event_buffer_size"`
}

// RetryConfig holds the agent runner's backoff policy.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Jitter         float64       `mapstructure:"jitter"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// BudgetConfig holds per-run cost caps in US dollars. Zero disables a cap.
type BudgetConfig struct {
	SoftCapUSD float64 `mapstructure:"soft_cap_usd"`
	HardCapUSD float64 `mapstructure:"hard_cap_usd"`
}

// CacheConfig holds the TTL durations per cache class.
type CacheConfig struct {
	VolatileTTL  time.Duration `mapstructure:"volatile_ttl"`
	StandardTTL  time.Duration `mapstructure:"standard_ttl"`
	ReferenceTTL time.Duration `mapstructure:"reference_ttl"`
}

// ContextConfig holds context-store index reconciliation settings.
type ContextConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	MaxIndexAttempts  int           `mapstructure:"max_index_attempts"`
}

// StorageConfig holds database settings.
type StorageConfig struct {
	// Path is the sqlite database file. Empty means the default under the
	// user data directory.
	Path string `mapstructure:"path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.tripsmith.yaml in current directory or parent)
// 3. User config (~/.config/tripsmith/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Project config overrides the user config.
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("anthropic.use_aws_bedrock", cfg.Anthropic.UseAWSBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("engine.max_concurrent_per_run", cfg.Engine.MaxConcurrentPerRun)
	v.Set("engine.max_concurrent_global", cfg.Engine.MaxConcurrentGlobal)
	v.Set("engine.wall_clock_budget", cfg.Engine.WallClockBudget.String())
	v.Set("engine.event_buffer_size", cfg.Engine.EventBufferSize)
	v.Set("retry.max_attempts", cfg.Retry.MaxAttempts)
	v.Set("retry.base_delay", cfg.Retry.BaseDelay.String())
	v.Set("retry.multiplier", cfg.Retry.Multiplier)
	v.Set("retry.max_delay", cfg.Retry.MaxDelay.String())
	v.Set("retry.jitter", cfg.Retry.Jitter)
	v.Set("retry.attempt_timeout", cfg.Retry.AttemptTimeout.String())
	v.Set("budget.soft_cap_usd", cfg.Budget.SoftCapUSD)
	v.Set("budget.hard_cap_usd", cfg.Budget.HardCapUSD)
	v.Set("cache.volatile_ttl", cfg.Cache.VolatileTTL.String())
	v.Set("cache.standard_ttl", cfg.Cache.StandardTTL.String())
	v.Set("cache.reference_ttl", cfg.Cache.ReferenceTTL.String())
	v.Set("context.reconcile_interval", cfg.Context.ReconcileInterval.String())
	v.Set("context.max_index_attempts", cfg.Context.MaxIndexAttempts)
	v.Set("storage.path", cfg.Storage.Path)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// DefaultDatabasePath returns the default sqlite database location.
func DefaultDatabasePath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "tripsmith", "tripsmith.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".tripsmith", "tripsmith.db")
	}
	return filepath.Join(home, ".local", "share", "tripsmith", "tripsmith.db")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.use_aws_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("engine.max_concurrent_per_run", 4)
	v.SetDefault("engine.max_concurrent_global", 16)
	v.SetDefault("engine.wall_clock_budget", "10m")
	v.SetDefault("engine.event_buffer_size", 64)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.attempt_timeout", "60s")

	v.SetDefault("budget.soft_cap_usd", 0.0)
	v.SetDefault("budget.hard_cap_usd", 0.0)

	v.SetDefault("cache.volatile_ttl", "15m")
	v.SetDefault("cache.standard_ttl", "6h")
	v.SetDefault("cache.reference_ttl", "168h")

	v.SetDefault("context.reconcile_interval", "2s")
	v.SetDefault("context.max_index_attempts", 5)

	v.SetDefault("storage.path", "")
}

// getUserConfigDir returns the XDG config directory for tripsmith.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tripsmith")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "tripsmith")
	}
	return filepath.Join(home, ".config", "tripsmith")
}

// findProjectConfig searches for .tripsmith.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".tripsmith.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			MaxTokens: 4096,
		},
		Engine: EngineConfig{
			MaxConcurrentPerRun: 4,
			MaxConcurrentGlobal: 16,
			WallClockBudget:     10 * time.Minute,
			EventBufferSize:     64,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      500 * time.Millisecond,
			Multiplier:     2.0,
			MaxDelay:       10 * time.Second,
			Jitter:         0.2,
			AttemptTimeout: 60 * time.Second,
		},
		Cache: CacheConfig{
			VolatileTTL:  15 * time.Minute,
			StandardTTL:  6 * time.Hour,
			ReferenceTTL: 168 * time.Hour,
		},
		Context: ContextConfig{
			ReconcileInterval: 2 * time.Second,
			MaxIndexAttempts:  5,
		},
	}
}
