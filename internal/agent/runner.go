package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tripsmith-ai/tripsmith/internal/cache"
	"github.com/tripsmith-ai/tripsmith/internal/ledger"
	"github.com/tripsmith-ai/tripsmith/internal/state"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// RunnerConfig bounds each invocation.
type RunnerConfig struct {
	// Backoff is the retry policy for transient and timeout failures.
	Backoff BackoffPolicy
	// AttemptTimeout is the per-attempt deadline for a capability call.
	AttemptTimeout time.Duration
	// EstimateUSD is the projected cost of one invocation, used for the
	// budget check before any external call is made.
	EstimateUSD float64
}

// DefaultRunnerConfig returns the stock runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Backoff:        DefaultBackoffPolicy(),
		AttemptTimeout: 60 * time.Second,
		EstimateUSD:    0.05,
	}
}

// Invocation is the outcome of a successful Invoke.
type Invocation struct {
	// Output is the accepted planning output.
	Output map[string]any
	// TokensIn and TokensOut are the token counts of the call that produced
	// the output; zero for cache hits.
	TokensIn  int64
	TokensOut int64
	// CostUSD is the cost of the call; zero for cache hits.
	CostUSD float64
	// CacheHit indicates the output was served without an external call.
	CacheHit bool
	// Attempts is how many capability calls this invocation made.
	Attempts int
}

// Runner invokes capabilities with cache consultation, classified retries,
// per-attempt timeouts, and execution/cost recording.
type Runner struct {
	registry *Registry
	cache    *cache.Manager
	db       *state.DB
	ledger   *ledger.Ledger
	cfg      RunnerConfig
}

// NewRunner creates a runner over the shared stores.
func NewRunner(registry *Registry, cacheMgr *cache.Manager, db *state.DB, costs *ledger.Ledger, cfg RunnerConfig) *Runner {
	return &Runner{
		registry: registry,
		cache:    cacheMgr,
		db:       db,
		ledger:   costs,
		cfg:      cfg,
	}
}

// Invoke runs one agent for a run. The cache is consulted first; a hit
// short-circuits the external call. On a miss the capability runs under a
// per-attempt timeout, retrying only transient and timeout failures up to the
// attempt cap. Success writes through to the cache and records a Succeeded
// execution with token and cost metadata; exhaustion records Failed with the
// error kind preserved. Every attempt gets its own NodeExecution row, and
// attempt numbers strictly increase per (run, agent type).
func (r *Runner) Invoke(ctx context.Context, runID string, agentType models.AgentType, input map[string]any) (*Invocation, error) {
	capability, err := r.registry.Get(agentType)
	if err != nil {
		return nil, Permanent(err)
	}

	if status, err := r.ledger.Check(runID, r.cfg.EstimateUSD); err != nil {
		log.Printf("[runner] budget check unavailable for run %s: %v", runID, err)
	} else if status == ledger.BudgetHardExceeded {
		r.recordRejected(runID, agentType, input, models.ErrorKindBudgetExceeded, ledger.ErrBudgetExceeded.Error())
		return nil, &Error{Kind: models.ErrorKindBudgetExceeded, Err: ledger.ErrBudgetExceeded}
	}

	key, err := cache.Key(agentType, input)
	if err != nil {
		return nil, Permanent(fmt.Errorf("derive cache key: %w", err))
	}

	var (
		computed *Result
		attempts int
	)
	payload, _, err := r.cache.WithSingleFlight(ctx, key, agentType, capability.TTLClass(),
		func(ctx context.Context) (map[string]any, error) {
			res, tries, err := r.attempt(ctx, runID, agentType, capability, input)
			attempts = tries
			if err != nil {
				return nil, err
			}
			computed = res
			return res.Output, nil
		})
	if err != nil {
		return nil, err
	}

	if computed != nil {
		return &Invocation{
			Output:    payload,
			TokensIn:  computed.TokensIn,
			TokensOut: computed.TokensOut,
			CostUSD:   computed.CostUSD,
			Attempts:  attempts,
		}, nil
	}

	// Served from the cache, either warm or filled by a concurrent flight.
	// Either way this invocation made no capability call, so it reports a
	// cache hit, matching the execution row recorded for it.
	r.recordCacheHit(runID, agentType, input, payload)
	return &Invocation{Output: payload, CacheHit: true, Attempts: 0}, nil
}

// attempt runs the bounded retry loop for one invocation. Returns the result
// and how many capability calls were made.
func (r *Runner) attempt(ctx context.Context, runID string, agentType models.AgentType, capability Capability, input map[string]any) (*Result, int, error) {
	maxAttempts := r.cfg.Backoff.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for try := 1; try <= maxAttempts; try++ {
		if delay := r.cfg.Backoff.Delay(try); delay > 0 {
			select {
			case <-ctx.Done():
				return nil, try - 1, &Error{Kind: models.ErrorKindCancelled, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
		// Cancellation is checked before every attempt, not just the first.
		if ctx.Err() != nil {
			return nil, try - 1, &Error{Kind: models.ErrorKindCancelled, Err: ctx.Err()}
		}

		attempt, err := r.db.NextAttempt(runID, agentType)
		if err != nil {
			return nil, try - 1, Permanent(fmt.Errorf("allocate attempt number: %w", err))
		}

		exec := &models.NodeExecution{
			ID:        uuid.New().String(),
			RunID:     runID,
			AgentType: agentType,
			Attempt:   attempt,
			Status:    models.NodeStatusRunning,
			Input:     input,
			StartedAt: time.Now(),
		}
		if err := r.db.CreateExecution(exec); err != nil {
			return nil, try - 1, Permanent(fmt.Errorf("record execution: %w", err))
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if r.cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		}
		res, planErr := capability.Plan(attemptCtx, input)
		cancel()

		now := time.Now()
		exec.CompletedAt = &now

		if planErr == nil {
			exec.Status = models.NodeStatusSucceeded
			exec.Output = res.Output
			exec.TokensIn = res.TokensIn
			exec.TokensOut = res.TokensOut
			exec.CostUSD = res.CostUSD
			if err := r.db.UpdateExecution(exec); err != nil {
				log.Printf("[runner] update execution %s: %v", exec.ID, err)
			}
			if err := r.ledger.Record(exec); err != nil {
				log.Printf("[runner] record ledger entry for %s: %v", exec.ID, err)
			}
			return res, try, nil
		}

		kind := Classify(planErr)
		exec.Status = models.NodeStatusFailed
		exec.ErrorKind = kind
		exec.Error = planErr.Error()
		if err := r.db.UpdateExecution(exec); err != nil {
			log.Printf("[runner] update execution %s: %v", exec.ID, err)
		}

		lastErr = &Error{Kind: kind, Err: planErr}
		if !kind.Retryable() {
			return nil, try, lastErr
		}
		log.Printf("[runner] run %s agent %s attempt %d failed (%s), will retry: %v",
			runID, agentType, attempt, kind, planErr)
	}

	return nil, maxAttempts, lastErr
}

// recordCacheHit persists a zero-cost Succeeded execution for a cached serve.
func (r *Runner) recordCacheHit(runID string, agentType models.AgentType, input, output map[string]any) {
	attempt, err := r.db.NextAttempt(runID, agentType)
	if err != nil {
		log.Printf("[runner] allocate attempt for cache hit: %v", err)
		return
	}
	now := time.Now()
	exec := &models.NodeExecution{
		ID:          uuid.New().String(),
		RunID:       runID,
		AgentType:   agentType,
		Attempt:     attempt,
		Status:      models.NodeStatusSucceeded,
		Input:       input,
		Output:      output,
		StartedAt:   now,
		CompletedAt: &now,
		CacheHit:    true,
	}
	if err := r.db.CreateExecution(exec); err != nil {
		log.Printf("[runner] record cache hit execution: %v", err)
		return
	}
	if err := r.ledger.Record(exec); err != nil {
		log.Printf("[runner] record ledger entry for cache hit: %v", err)
	}
}

// recordRejected persists a Failed execution for an invocation rejected
// before any capability call was made.
func (r *Runner) recordRejected(runID string, agentType models.AgentType, input map[string]any, kind models.ErrorKind, msg string) {
	attempt, err := r.db.NextAttempt(runID, agentType)
	if err != nil {
		log.Printf("[runner] allocate attempt for rejection: %v", err)
		return
	}
	now := time.Now()
	exec := &models.NodeExecution{
		ID:          uuid.New().String(),
		RunID:       runID,
		AgentType:   agentType,
		Attempt:     attempt,
		Status:      models.NodeStatusFailed,
		Input:       input,
		StartedAt:   now,
		CompletedAt: &now,
		ErrorKind:   kind,
		Error:       msg,
	}
	if err := r.db.CreateExecution(exec); err != nil {
		log.Printf("[runner] record rejected execution: %v", err)
	}
}
