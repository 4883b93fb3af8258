// Package ledger provides append-only token/cost accounting per execution,
// aggregated per run, with configurable budget ceilings.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripsmith-ai/tripsmith/internal/state"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// ErrBudgetExceeded indicates the hard cost cap was reached. Non-retryable.
var ErrBudgetExceeded = errors.New("run budget exceeded")

// BudgetStatus represents the current state of budget consumption for a run.
type BudgetStatus int

const (
	// BudgetOK indicates projected cost is below every configured cap.
	BudgetOK BudgetStatus = iota
	// BudgetSoftExceeded indicates the soft cap would be crossed: the
	// orchestrator stops scheduling optional nodes but lets required work finish.
	BudgetSoftExceeded
	// BudgetHardExceeded indicates the hard cap would be crossed: the run aborts.
	BudgetHardExceeded
)

// String returns a human-readable representation of the budget status.
func (s BudgetStatus) String() string {
	switch s {
	case BudgetOK:
		return "ok"
	case BudgetSoftExceeded:
		return "soft_exceeded"
	case BudgetHardExceeded:
		return "hard_exceeded"
	default:
		return "unknown"
	}
}

// Budget holds the deployment-configured cost ceilings, in USD per run.
// A zero cap disables that ceiling. Which ceiling bites is configuration,
// not code: a deployment may set either, both, or neither.
type Budget struct {
	// SoftCapUSD blocks scheduling of further optional nodes once projected
	// run cost would exceed it.
	SoftCapUSD float64
	// HardCapUSD aborts the run with ErrBudgetExceeded once projected run
	// cost would exceed it.
	HardCapUSD float64
}

// Totals aggregates ledger entries.
type Totals struct {
	// Entries is the number of ledger rows aggregated.
	Entries int64
	// TokensIn is the total input tokens.
	TokensIn int64
	// TokensOut is the total output tokens.
	TokensOut int64
	// CostUSD is the total cost in US dollars.
	CostUSD float64
}

// Entry is one append-only ledger row, written once per node execution.
type Entry struct {
	ID          string
	RunID       string
	ExecutionID string
	AgentType   models.AgentType
	TokensIn    int64
	TokensOut   int64
	CostUSD     float64
	CreatedAt   time.Time
}

// Ledger records per-execution cost and answers aggregate and budget queries.
// The budget can be swapped at runtime; active runs see the new caps on their
// next check.
type Ledger struct {
	db *state.DB

	mu     sync.RWMutex
	budget Budget
}

// New creates a Ledger over the shared engine database.
func New(db *state.DB, budget Budget) *Ledger {
	return &Ledger{db: db, budget: budget}
}

// Record appends a ledger entry for a node execution. Entries are never
// updated or deleted; the run total is always the sum over its entries.
func (l *Ledger) Record(exec *models.NodeExecution) error {
	_, err := l.db.Exec(`
		INSERT INTO ledger_entries (id, run_id, execution_id, agent_type, tokens_in, tokens_out, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), exec.RunID, exec.ID, string(exec.AgentType),
		exec.TokensIn, exec.TokensOut, exec.CostUSD, state.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}

// RunTotal returns the aggregate for a run.
func (l *Ledger) RunTotal(runID string) (Totals, error) {
	row := l.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0)
		FROM ledger_entries WHERE run_id = ?
	`, runID)

	var t Totals
	if err := row.Scan(&t.Entries, &t.TokensIn, &t.TokensOut, &t.CostUSD); err != nil {
		return Totals{}, fmt.Errorf("run total: %w", err)
	}
	return t, nil
}

// AgentTotals returns per-agent-type aggregates for a run.
func (l *Ledger) AgentTotals(runID string) (map[models.AgentType]Totals, error) {
	rows, err := l.db.Query(`
		SELECT agent_type, COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0)
		FROM ledger_entries WHERE run_id = ?
		GROUP BY agent_type
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("agent totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[models.AgentType]Totals)
	for rows.Next() {
		var (
			agent string
			t     Totals
		)
		if err := rows.Scan(&agent, &t.Entries, &t.TokensIn, &t.TokensOut, &t.CostUSD); err != nil {
			return nil, fmt.Errorf("scan agent total: %w", err)
		}
		totals[models.AgentType(agent)] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent totals: %w", err)
	}
	return totals, nil
}

// Check evaluates the run's projected cost (current total plus the estimated
// cost of the next invocation) against the configured caps.
func (l *Ledger) Check(runID string, projectedNextUSD float64) (BudgetStatus, error) {
	total, err := l.RunTotal(runID)
	if err != nil {
		return BudgetOK, err
	}

	budget := l.Budget()
	projected := total.CostUSD + projectedNextUSD
	if budget.HardCapUSD > 0 && projected > budget.HardCapUSD {
		return BudgetHardExceeded, nil
	}
	if budget.SoftCapUSD > 0 && projected > budget.SoftCapUSD {
		return BudgetSoftExceeded, nil
	}
	return BudgetOK, nil
}

// Budget returns the configured budget.
func (l *Ledger) Budget() Budget {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.budget
}

// SetBudget replaces the configured caps, for live configuration reloads.
func (l *Ledger) SetBudget(budget Budget) {
	l.mu.Lock()
	l.budget = budget
	l.mu.Unlock()
}
