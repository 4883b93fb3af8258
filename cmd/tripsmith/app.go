package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/tripsmith-ai/tripsmith/internal/agent"
	"github.com/tripsmith-ai/tripsmith/internal/cache"
	"github.com/tripsmith-ai/tripsmith/internal/config"
	"github.com/tripsmith-ai/tripsmith/internal/contextstore"
	"github.com/tripsmith-ai/tripsmith/internal/graph"
	"github.com/tripsmith-ai/tripsmith/internal/ledger"
	"github.com/tripsmith-ai/tripsmith/internal/orchestrator"
	"github.com/tripsmith-ai/tripsmith/internal/state"
)

// app bundles the wired engine components behind one setup path so every
// command sees the same configuration precedence.
type app struct {
	cfg      *config.Config
	db       *state.DB
	costs    *ledger.Ledger
	graphs   *graph.Registry
	engine   *orchestrator.Engine
	contexts *contextstore.Store
}

func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.LoadFromPath(flagConfig)
	}
	return config.Load()
}

func openDatabase(cfg *config.Config) (*state.DB, error) {
	path := cfg.Storage.Path
	if flagDB != "" {
		path = flagDB
	}
	if path == "" {
		path = config.DefaultDatabasePath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// newApp wires the full engine from configuration. Commands that only read
// persisted state still go through it, so wiring stays in one place.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry()
	if key, err := config.GetAPIKey(cfg); err == nil || cfg.Anthropic.UseAWSBedrock {
		llm := agent.LLMConfig{
			Model:         anthropic.Model(cfg.Anthropic.Model),
			APIKey:        key,
			MaxTokens:     cfg.Anthropic.MaxTokens,
			UseAWSBedrock: cfg.Anthropic.UseAWSBedrock,
			AWSRegion:     cfg.Anthropic.AWSRegion,
			AWSProfile:    cfg.Anthropic.AWSProfile,
		}
		if err := agent.RegisterLLM(registry, llm); err != nil {
			db.Close()
			return nil, fmt.Errorf("register planners: %w", err)
		}
	} else if err := agent.RegisterBuiltins(registry); err != nil {
		db.Close()
		return nil, fmt.Errorf("register planners: %w", err)
	}

	costs := ledger.New(db, ledger.Budget{
		SoftCapUSD: cfg.Budget.SoftCapUSD,
		HardCapUSD: cfg.Budget.HardCapUSD,
	})

	cacheMgr := cache.NewManager(db, cache.TTLConfig{
		Volatile:  cfg.Cache.VolatileTTL,
		Standard:  cfg.Cache.StandardTTL,
		Reference: cfg.Cache.ReferenceTTL,
	})

	runner := agent.NewRunner(registry, cacheMgr, db, costs, agent.RunnerConfig{
		Backoff: agent.BackoffPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
		},
		AttemptTimeout: cfg.Retry.AttemptTimeout,
		EstimateUSD:    agent.DefaultRunnerConfig().EstimateUSD,
	})

	graphs := graph.NewRegistry()
	if err := graphs.Register(graph.DefaultTravelDefinition()); err != nil {
		db.Close()
		return nil, fmt.Errorf("register default graph: %w", err)
	}

	engine := orchestrator.New(graphs, runner, db, costs, orchestrator.Config{
		MaxConcurrentPerRun: cfg.Engine.MaxConcurrentPerRun,
		MaxConcurrentGlobal: cfg.Engine.MaxConcurrentGlobal,
		WallClockBudget:     cfg.Engine.WallClockBudget,
		EventBufferSize:     cfg.Engine.EventBufferSize,
	})

	contexts := contextstore.NewStore(db, contextstore.HashEmbedder{},
		contextstore.WithReconcileInterval(cfg.Context.ReconcileInterval),
		contextstore.WithMaxIndexAttempts(cfg.Context.MaxIndexAttempts),
	)

	return &app{
		cfg:      cfg,
		db:       db,
		costs:    costs,
		graphs:   graphs,
		engine:   engine,
		contexts: contexts,
	}, nil
}

func (a *app) close() {
	a.engine.Wait()
	a.db.Close()
}
