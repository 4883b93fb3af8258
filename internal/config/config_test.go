package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromPathAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "engine:\n  max_concurrent_per_run: 2\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Engine.MaxConcurrentPerRun != 2 {
		t.Errorf("override lost: %d", cfg.Engine.MaxConcurrentPerRun)
	}
	// Everything else falls back to defaults.
	if cfg.Engine.MaxConcurrentGlobal != 16 {
		t.Errorf("default global concurrency wrong: %d", cfg.Engine.MaxConcurrentGlobal)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("default retry attempts wrong: %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Cache.StandardTTL != 6*time.Hour {
		t.Errorf("default standard TTL wrong: %v", cfg.Cache.StandardTTL)
	}
}

func TestLoadFromPathParsesDurations(t *testing.T) {
	path := writeConfig(t, `
engine:
  wall_clock_budget: 5m
retry:
  base_delay: 250ms
  attempt_timeout: 30s
cache:
  volatile_ttl: 1m
context:
  reconcile_interval: 500ms
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Engine.WallClockBudget != 5*time.Minute {
		t.Errorf("wall clock budget: %v", cfg.Engine.WallClockBudget)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("base delay: %v", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.AttemptTimeout != 30*time.Second {
		t.Errorf("attempt timeout: %v", cfg.Retry.AttemptTimeout)
	}
	if cfg.Cache.VolatileTTL != time.Minute {
		t.Errorf("volatile ttl: %v", cfg.Cache.VolatileTTL)
	}
	if cfg.Context.ReconcileInterval != 500*time.Millisecond {
		t.Errorf("reconcile interval: %v", cfg.Context.ReconcileInterval)
	}
}

func TestLoadFromPathExpandsAPIKeyEnv(t *testing.T) {
	t.Setenv("TRIPSMITH_TEST_KEY", "sk-ant-test-0123456789")
	path := writeConfig(t, "anthropic:\n  api_key: ${TRIPSMITH_TEST_KEY}\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-test-0123456789" {
		t.Errorf("env expansion failed: %q", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPathBudgetCaps(t *testing.T) {
	path := writeConfig(t, "budget:\n  soft_cap_usd: 1.5\n  hard_cap_usd: 3.0\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Budget.SoftCapUSD != 1.5 || cfg.Budget.HardCapUSD != 3.0 {
		t.Errorf("caps wrong: %+v", cfg.Budget)
	}
}

func TestDefaultMatchesSetDefaults(t *testing.T) {
	path := writeConfig(t, "")

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()

	if loaded.Engine != def.Engine {
		t.Errorf("engine defaults diverge: %+v vs %+v", loaded.Engine, def.Engine)
	}
	if loaded.Retry != def.Retry {
		t.Errorf("retry defaults diverge: %+v vs %+v", loaded.Retry, def.Retry)
	}
	if loaded.Cache != def.Cache {
		t.Errorf("cache defaults diverge: %+v vs %+v", loaded.Cache, def.Cache)
	}
	if loaded.Context != def.Context {
		t.Errorf("context defaults diverge: %+v vs %+v", loaded.Context, def.Context)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "engine:\n  max_concurrent_per_run: 2\n")

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("engine:\n  max_concurrent_per_run: 8\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Engine.MaxConcurrentPerRun != 8 {
			t.Errorf("reloaded config stale: %d", cfg.Engine.MaxConcurrentPerRun)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatchIgnoresInvalidReload(t *testing.T) {
	path := writeConfig(t, "engine:\n  max_concurrent_per_run: 2\n")

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	// Broken YAML must not reach the callback.
	if err := os.WriteFile(path, []byte("engine: [\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Errorf("callback fired for invalid config: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
