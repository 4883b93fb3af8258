package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripsmith-ai/tripsmith/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify tripsmith configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/tripsmith/config.yaml
Project-specific overrides can be placed in .tripsmith.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("anthropic.api_key: %s (%s)\n", config.MaskAPIKey(cfg.Anthropic.APIKey), config.GetAPIKeySource(cfg))
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.max_tokens: %d\n", cfg.Anthropic.MaxTokens)
	fmt.Printf("anthropic.use_aws_bedrock: %t\n", cfg.Anthropic.UseAWSBedrock)
	fmt.Printf("engine.max_concurrent_per_run: %d\n", cfg.Engine.MaxConcurrentPerRun)
	fmt.Printf("engine.max_concurrent_global: %d\n", cfg.Engine.MaxConcurrentGlobal)
	fmt.Printf("engine.wall_clock_budget: %s\n", cfg.Engine.WallClockBudget)
	fmt.Printf("retry.max_attempts: %d\n", cfg.Retry.MaxAttempts)
	fmt.Printf("retry.base_delay: %s\n", cfg.Retry.BaseDelay)
	fmt.Printf("retry.attempt_timeout: %s\n", cfg.Retry.AttemptTimeout)
	fmt.Printf("budget.soft_cap_usd: %.2f\n", cfg.Budget.SoftCapUSD)
	fmt.Printf("budget.hard_cap_usd: %.2f\n", cfg.Budget.HardCapUSD)
	fmt.Printf("cache.volatile_ttl: %s\n", cfg.Cache.VolatileTTL)
	fmt.Printf("cache.standard_ttl: %s\n", cfg.Cache.StandardTTL)
	fmt.Printf("cache.reference_ttl: %s\n", cfg.Cache.ReferenceTTL)
	fmt.Printf("context.reconcile_interval: %s\n", cfg.Context.ReconcileInterval)
	fmt.Printf("storage.path: %s\n", effectiveStoragePath(cfg))
}

func effectiveStoragePath(cfg *config.Config) string {
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path
	}
	return config.DefaultDatabasePath()
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.max_tokens":
		return strconv.FormatInt(cfg.Anthropic.MaxTokens, 10), nil
	case "anthropic.use_aws_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseAWSBedrock), nil
	case "engine.max_concurrent_per_run":
		return strconv.Itoa(cfg.Engine.MaxConcurrentPerRun), nil
	case "engine.max_concurrent_global":
		return strconv.Itoa(cfg.Engine.MaxConcurrentGlobal), nil
	case "engine.wall_clock_budget":
		return cfg.Engine.WallClockBudget.String(), nil
	case "retry.max_attempts":
		return strconv.Itoa(cfg.Retry.MaxAttempts), nil
	case "retry.base_delay":
		return cfg.Retry.BaseDelay.String(), nil
	case "retry.attempt_timeout":
		return cfg.Retry.AttemptTimeout.String(), nil
	case "budget.soft_cap_usd":
		return strconv.FormatFloat(cfg.Budget.SoftCapUSD, 'f', 2, 64), nil
	case "budget.hard_cap_usd":
		return strconv.FormatFloat(cfg.Budget.HardCapUSD, 'f', 2, 64), nil
	case "cache.volatile_ttl":
		return cfg.Cache.VolatileTTL.String(), nil
	case "cache.standard_ttl":
		return cfg.Cache.StandardTTL.String(), nil
	case "cache.reference_ttl":
		return cfg.Cache.ReferenceTTL.String(), nil
	case "context.reconcile_interval":
		return cfg.Context.ReconcileInterval.String(), nil
	case "storage.path":
		return effectiveStoragePath(cfg), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	parseDuration := func(name string) (time.Duration, error) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %w", name, err)
		}
		return d, nil
	}

	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.max_tokens":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value for max_tokens: %w", err)
		}
		cfg.Anthropic.MaxTokens = n
	case "anthropic.use_aws_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_aws_bedrock: %w", err)
		}
		cfg.Anthropic.UseAWSBedrock = b
	case "engine.max_concurrent_per_run":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_concurrent_per_run: %w", err)
		}
		cfg.Engine.MaxConcurrentPerRun = n
	case "engine.max_concurrent_global":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_concurrent_global: %w", err)
		}
		cfg.Engine.MaxConcurrentGlobal = n
	case "engine.wall_clock_budget":
		d, err := parseDuration(key)
		if err != nil {
			return err
		}
		cfg.Engine.WallClockBudget = d
	case "retry.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_attempts: %w", err)
		}
		cfg.Retry.MaxAttempts = n
	case "retry.base_delay":
		d, err := parseDuration(key)
		if err != nil {
			return err
		}
		cfg.Retry.BaseDelay = d
	case "retry.attempt_timeout":
		d, err := parseDuration(key)
		if err != nil {
			return err
		}
		cfg.Retry.AttemptTimeout = d
	case "budget.soft_cap_usd":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for soft_cap_usd: %w", err)
		}
		cfg.Budget.SoftCapUSD = f
	case "budget.hard_cap_usd":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for hard_cap_usd: %w", err)
		}
		cfg.Budget.HardCapUSD = f
	case "cache.volatile_ttl":
		d, err := parseDuration(key)
		if err != nil {
			return err
		}
		cfg.Cache.VolatileTTL = d
	case "cache.standard_ttl":
		d, err := parseDuration(key)
		if err != nil {
			return err
		}
		cfg.Cache.StandardTTL = d
	case "cache.reference_ttl":
		d, err := parseDuration(key)
		if err != nil {
			return err
		}
		cfg.Cache.ReferenceTTL = d
	case "context.reconcile_interval":
		d, err := parseDuration(key)
		if err != nil {
			return err
		}
		cfg.Context.ReconcileInterval = d
	case "storage.path":
		cfg.Storage.Path = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
