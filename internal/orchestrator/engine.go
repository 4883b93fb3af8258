// Package orchestrator drives plan runs over the agent graph: one coordinator
// goroutine per run owns the plan state, node tasks run in bounded worker
// goroutines and report immutable patches back over a channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripsmith-ai/tripsmith/internal/agent"
	"github.com/tripsmith-ai/tripsmith/internal/events"
	"github.com/tripsmith-ai/tripsmith/internal/graph"
	"github.com/tripsmith-ai/tripsmith/internal/ledger"
	"github.com/tripsmith-ai/tripsmith/internal/state"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// ErrRunNotFound indicates no run exists with the given ID.
var ErrRunNotFound = errors.New("run not found")

// Config bounds engine concurrency and run duration.
type Config struct {
	// MaxConcurrentPerRun caps in-flight node tasks within one run.
	MaxConcurrentPerRun int
	// MaxConcurrentGlobal caps in-flight node tasks across all runs.
	MaxConcurrentGlobal int
	// WallClockBudget cancels a run that outlives it. Zero disables.
	WallClockBudget time.Duration
	// EventBufferSize is the live-delivery buffer per event subscriber.
	EventBufferSize int
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerRun: 4,
		MaxConcurrentGlobal: 16,
		WallClockBudget:     10 * time.Minute,
		EventBufferSize:     64,
	}
}

// Engine starts, tracks, and cancels plan runs.
type Engine struct {
	graphs *graph.Registry
	runner *agent.Runner
	db     *state.DB
	costs  *ledger.Ledger
	events *events.Publisher
	cfg    Config

	globalSlots chan struct{}

	mu   sync.Mutex
	runs map[string]*runHandle
	wg   sync.WaitGroup
}

// runHandle tracks one active run.
type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state *models.PlanState
}

// snapshot returns a copy of the run's live plan state.
func (h *runHandle) snapshot() *models.PlanState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		return nil
	}
	return h.state.Clone()
}

func (h *runHandle) update(s *models.PlanState) {
	h.mu.Lock()
	h.state = s.Clone()
	h.mu.Unlock()
}

// New creates an engine over the shared stores.
func New(graphs *graph.Registry, runner *agent.Runner, db *state.DB, costs *ledger.Ledger, cfg Config) *Engine {
	if cfg.MaxConcurrentPerRun <= 0 {
		cfg.MaxConcurrentPerRun = 1
	}
	if cfg.MaxConcurrentGlobal <= 0 {
		cfg.MaxConcurrentGlobal = cfg.MaxConcurrentPerRun
	}
	return &Engine{
		graphs:      graphs,
		runner:      runner,
		db:          db,
		costs:       costs,
		events:      events.NewPublisher(cfg.EventBufferSize),
		cfg:         cfg,
		globalSlots: make(chan struct{}, cfg.MaxConcurrentGlobal),
		runs:        make(map[string]*runHandle),
	}
}

// Start creates a run and launches its coordinator. The context only covers
// the start itself; the run's lifetime is governed by Cancel and the
// wall-clock budget.
func (e *Engine) Start(ctx context.Context, planID, graphVersion string, input map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	def, err := e.graphs.Get(graphVersion)
	if err != nil {
		return "", fmt.Errorf("resolve graph version: %w", err)
	}

	run := &models.PlanRun{
		ID:           uuid.New().String(),
		PlanID:       planID,
		GraphVersion: graphVersion,
		Input:        input,
		Status:       models.RunStatusCreated,
		StartedAt:    time.Now(),
	}
	if err := e.db.CreateRun(run); err != nil {
		return "", err
	}

	runCtx := context.Background()
	var cancel context.CancelFunc
	if e.cfg.WallClockBudget > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, e.cfg.WallClockBudget)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	handle.update(models.NewPlanState(input))

	e.mu.Lock()
	e.runs[run.ID] = handle
	e.mu.Unlock()

	c := &coordinator{
		engine: e,
		handle: handle,
		def:    def,
		run:    run,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(handle.done)
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.runs, run.ID)
			e.mu.Unlock()
		}()
		c.runLoop(runCtx)
	}()

	return run.ID, nil
}

// Cancel requests cooperative cancellation of an active run. Cancelling a run
// that already finished is a no-op; an unknown ID is an error.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	handle, active := e.runs[runID]
	e.mu.Unlock()

	if active {
		handle.cancel()
		return nil
	}

	if _, err := e.db.GetRun(runID); errors.Is(err, state.ErrNotFound) {
		return ErrRunNotFound
	} else if err != nil {
		return err
	}
	return nil
}

// RunState is the inspectable state of a run.
type RunState struct {
	// Run is the persisted run record.
	Run *models.PlanRun
	// State is the plan state: live for active runs, reconstructed from
	// persisted executions for finished ones.
	State *models.PlanState
	// Executions is the run's full execution history.
	Executions []*models.NodeExecution
}

// GetRunState returns the run record, plan state, and execution history.
func (e *Engine) GetRunState(runID string) (*RunState, error) {
	run, err := e.db.GetRun(runID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	execs, err := e.db.ListExecutions(runID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	handle, active := e.runs[runID]
	e.mu.Unlock()

	var planState *models.PlanState
	if active {
		planState = handle.snapshot()
	}
	if planState == nil {
		planState = reconstructState(run, execs)
	}

	return &RunState{Run: run, State: planState, Executions: execs}, nil
}

// Subscribe returns the run's event channel: full history, then live events.
func (e *Engine) Subscribe(runID string) (<-chan events.Event, func()) {
	return e.events.Subscribe(runID)
}

// Events exposes the publisher, for wiring into CLIs and tests.
func (e *Engine) Events() *events.Publisher {
	return e.events
}

// Wait blocks until every active run finishes. For shutdown and tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// reconstructState rebuilds a PlanState from persisted records: the latest
// succeeded execution per agent type supplies the output. Identical inputs and
// outputs reconstruct an identical state regardless of original completion order.
func reconstructState(run *models.PlanRun, execs []*models.NodeExecution) *models.PlanState {
	s := models.NewPlanState(run.Input)
	latest := make(map[models.AgentType]*models.NodeExecution)
	for _, exec := range execs {
		if exec.Status != models.NodeStatusSucceeded {
			continue
		}
		if prev, ok := latest[exec.AgentType]; !ok || exec.Attempt > prev.Attempt {
			latest[exec.AgentType] = exec
		}
	}
	for _, t := range models.AllAgentTypes {
		if exec, ok := latest[t]; ok {
			s.Apply(models.StatePatch{AgentType: t, Output: exec.Output})
		}
	}
	for _, t := range run.Degraded {
		s.Apply(models.StatePatch{AgentType: t, Degraded: true})
	}
	return s
}
