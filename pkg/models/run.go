// Package models defines the core data types shared across the engine.
package models

import "time"

// RunStatus represents the lifecycle state of a plan run.
type RunStatus string

const (
	// RunStatusCreated indicates the run exists but the coordinator has not started.
	RunStatusCreated RunStatus = "created"
	// RunStatusRunning indicates the coordinator is scheduling nodes.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates all required nodes succeeded (possibly with degradations).
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates a required node exhausted its retries or the hard budget cap fired.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled or exceeded its wall-clock budget.
	RunStatusCancelled RunStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusCreated, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses that are immutable once set.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus represents the lifecycle state of a single node execution.
type NodeStatus string

const (
	// NodeStatusPending indicates the node is eligible but not yet picked up.
	NodeStatusPending NodeStatus = "pending"
	// NodeStatusRunning indicates an agent invocation is in flight.
	NodeStatusRunning NodeStatus = "running"
	// NodeStatusSucceeded indicates the invocation produced an accepted output.
	NodeStatusSucceeded NodeStatus = "succeeded"
	// NodeStatusFailed indicates the invocation exhausted its retries.
	NodeStatusFailed NodeStatus = "failed"
	// NodeStatusSkipped indicates the orchestrator bypassed the node
	// (conditional edge not taken, optional failure, or budget soft cap).
	NodeStatusSkipped NodeStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusPending, NodeStatusRunning, NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses a dependent node may observe as settled.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// ErrorKind classifies an agent invocation failure for retry decisions.
type ErrorKind string

const (
	// ErrorKindTransient is a retryable external failure.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindPermanent fails the node immediately, no retry.
	ErrorKindPermanent ErrorKind = "permanent"
	// ErrorKindTimeout is a per-attempt timeout, retryable up to the attempt cap.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindQuotaExceeded is a provider quota rejection, never retried.
	ErrorKindQuotaExceeded ErrorKind = "quota_exceeded"
	// ErrorKindBudgetExceeded indicates the hard cost cap aborted the run.
	ErrorKindBudgetExceeded ErrorKind = "budget_exceeded"
	// ErrorKindCancelled indicates the run was cancelled mid-invocation.
	ErrorKindCancelled ErrorKind = "cancelled"
)

// Retryable returns true if an invocation failing with this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient || k == ErrorKindTimeout
}

// PlanRun represents one end-to-end execution of the agent graph for a travel plan.
type PlanRun struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// PlanID identifies the travel plan this run belongs to.
	PlanID string `json:"plan_id"`
	// GraphVersion is the version of the graph definition the run executes.
	GraphVersion string `json:"graph_version"`
	// Input is the traveler's planning input the run started from.
	Input map[string]any `json:"input,omitempty"`
	// Status is the current lifecycle state.
	Status RunStatus `json:"status"`
	// StartedAt is when the run was created.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the run reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Degraded lists agent types whose optional nodes failed but the run completed.
	Degraded []AgentType `json:"degraded,omitempty"`
	// FailedNodes lists agent types whose nodes ended Failed.
	FailedNodes []AgentType `json:"failed_nodes,omitempty"`
	// Error contains the run-level error message, if the run failed.
	Error string `json:"error,omitempty"`
}

// NodeExecution represents one attempted invocation of a single agent within a run.
type NodeExecution struct {
	// ID is the unique identifier for this execution.
	ID string `json:"id"`
	// RunID is the plan run this execution belongs to.
	RunID string `json:"run_id"`
	// AgentType is the agent invoked.
	AgentType AgentType `json:"agent_type"`
	// Attempt is the 1-indexed attempt number, monotonic per (run, agent type).
	Attempt int `json:"attempt"`
	// Status is the current lifecycle state.
	Status NodeStatus `json:"status"`
	// Input is the snapshot of the normalized invocation input.
	Input map[string]any `json:"input,omitempty"`
	// Output is the snapshot of the accepted output, for succeeded executions.
	Output map[string]any `json:"output,omitempty"`
	// TokensIn is the number of input tokens consumed.
	TokensIn int64 `json:"tokens_in"`
	// TokensOut is the number of output tokens produced.
	TokensOut int64 `json:"tokens_out"`
	// CostUSD is the cost of this execution in US dollars.
	CostUSD float64 `json:"cost_usd"`
	// StartedAt is when the execution began.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the execution reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// ErrorKind classifies the failure, for failed executions.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	// Error contains the failure message, for failed executions.
	Error string `json:"error,omitempty"`
	// CacheHit indicates the output was served from the cache without an external call.
	CacheHit bool `json:"cache_hit,omitempty"`
}
