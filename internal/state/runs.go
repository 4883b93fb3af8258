package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// ErrRunTerminal indicates an attempt to mutate a run already in a terminal state.
var ErrRunTerminal = errors.New("run is in a terminal state")

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// CreateRun inserts a new plan run row.
func (db *DB) CreateRun(run *models.PlanRun) error {
	degraded, err := marshalAgentTypes(run.Degraded)
	if err != nil {
		return err
	}
	failed, err := marshalAgentTypes(run.FailedNodes)
	if err != nil {
		return err
	}
	input, err := marshalMap(run.Input)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO plan_runs (id, plan_id, graph_version, status, started_at, completed_at, degraded, failed_nodes, error, input)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.PlanID, run.GraphVersion, string(run.Status),
		FormatTime(run.StartedAt), nullableTime(run.CompletedAt), degraded, failed, nullString(run.Error), input)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun fetches a plan run by ID.
func (db *DB) GetRun(runID string) (*models.PlanRun, error) {
	row := db.QueryRow(`
		SELECT id, plan_id, graph_version, status, started_at, completed_at, degraded, failed_nodes, error, input
		FROM plan_runs WHERE id = ?
	`, runID)

	var (
		run           models.PlanRun
		status        string
		startedAt     string
		completedAt   sql.NullString
		degraded      sql.NullString
		failedNodes   sql.NullString
		runErrMessage sql.NullString
		input         sql.NullString
	)
	err := row.Scan(&run.ID, &run.PlanID, &run.GraphVersion, &status,
		&startedAt, &completedAt, &degraded, &failedNodes, &runErrMessage, &input)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	run.Status = models.RunStatus(status)
	if run.StartedAt, err = ParseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse run started_at: %w", err)
	}
	run.CompletedAt = ParseNullableTime(completedAt)
	if run.Degraded, err = unmarshalAgentTypes(degraded); err != nil {
		return nil, err
	}
	if run.FailedNodes, err = unmarshalAgentTypes(failedNodes); err != nil {
		return nil, err
	}
	run.Error = runErrMessage.String
	if run.Input, err = unmarshalMap(input); err != nil {
		return nil, err
	}

	return &run, nil
}

// UpdateRun persists the mutable fields of a run. Terminal rows are immutable:
// updating a run whose stored status is already terminal returns ErrRunTerminal.
func (db *DB) UpdateRun(run *models.PlanRun) error {
	existing, err := db.GetRun(run.ID)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() {
		return ErrRunTerminal
	}

	degraded, err := marshalAgentTypes(run.Degraded)
	if err != nil {
		return err
	}
	failed, err := marshalAgentTypes(run.FailedNodes)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		UPDATE plan_runs
		SET status = ?, completed_at = ?, degraded = ?, failed_nodes = ?, error = ?
		WHERE id = ?
	`, string(run.Status), nullableTime(run.CompletedAt), degraded, failed, nullString(run.Error), run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs up to the specified limit.
func (db *DB) ListRuns(limit int) ([]*models.PlanRun, error) {
	rows, err := db.Query(`
		SELECT id FROM plan_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	runs := make([]*models.PlanRun, 0, len(ids))
	for _, id := range ids {
		run, err := db.GetRun(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// CreateExecution inserts a new node execution row.
func (db *DB) CreateExecution(exec *models.NodeExecution) error {
	input, err := marshalMap(exec.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(exec.Output)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO node_executions
			(id, run_id, agent_type, attempt, status, input, output,
			 tokens_in, tokens_out, cost_usd, started_at, completed_at, error_kind, error, cache_hit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.RunID, string(exec.AgentType), exec.Attempt, string(exec.Status),
		input, output, exec.TokensIn, exec.TokensOut, exec.CostUSD,
		FormatTime(exec.StartedAt), nullableTime(exec.CompletedAt),
		nullString(string(exec.ErrorKind)), nullString(exec.Error), boolToInt(exec.CacheHit))
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// UpdateExecution persists the mutable fields of a node execution.
func (db *DB) UpdateExecution(exec *models.NodeExecution) error {
	output, err := marshalMap(exec.Output)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		UPDATE node_executions
		SET status = ?, output = ?, tokens_in = ?, tokens_out = ?, cost_usd = ?,
			completed_at = ?, error_kind = ?, error = ?, cache_hit = ?
		WHERE id = ?
	`, string(exec.Status), output, exec.TokensIn, exec.TokensOut, exec.CostUSD,
		nullableTime(exec.CompletedAt), nullString(string(exec.ErrorKind)),
		nullString(exec.Error), boolToInt(exec.CacheHit), exec.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// ListExecutions returns all executions for a run ordered by start time.
func (db *DB) ListExecutions(runID string) ([]*models.NodeExecution, error) {
	rows, err := db.Query(`
		SELECT id, run_id, agent_type, attempt, status, input, output,
			   tokens_in, tokens_out, cost_usd, started_at, completed_at, error_kind, error, cache_hit
		FROM node_executions
		WHERE run_id = ?
		ORDER BY started_at, attempt
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// NextAttempt returns the next attempt number for (run, agent type).
// Attempt counters strictly increase and never reset.
func (db *DB) NextAttempt(runID string, agent models.AgentType) (int, error) {
	row := db.QueryRow(`
		SELECT COALESCE(MAX(attempt), 0) FROM node_executions
		WHERE run_id = ? AND agent_type = ?
	`, runID, string(agent))

	var max int
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("next attempt: %w", err)
	}
	return max + 1, nil
}

// PurgeOldRuns deletes terminal runs (and their executions) older than the
// given duration. Returns the number of runs deleted.
func (db *DB) PurgeOldRuns(olderThan time.Duration) (int64, error) {
	cutoff := FormatTime(time.Now().Add(-olderThan))

	if _, err := db.Exec(`
		DELETE FROM node_executions WHERE run_id IN (
			SELECT id FROM plan_runs
			WHERE started_at < ? AND status IN ('completed', 'failed', 'cancelled')
		)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("purge old executions: %w", err)
	}

	result, err := db.Exec(`
		DELETE FROM plan_runs
		WHERE started_at < ? AND status IN ('completed', 'failed', 'cancelled')
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// scanExecutions scans rows into a slice of NodeExecution pointers.
func scanExecutions(rows *sql.Rows) ([]*models.NodeExecution, error) {
	var execs []*models.NodeExecution

	for rows.Next() {
		var (
			exec        models.NodeExecution
			agentType   string
			status      string
			input       sql.NullString
			output      sql.NullString
			startedAt   string
			completedAt sql.NullString
			errorKind   sql.NullString
			errMessage  sql.NullString
			cacheHit    int
		)
		err := rows.Scan(&exec.ID, &exec.RunID, &agentType, &exec.Attempt, &status,
			&input, &output, &exec.TokensIn, &exec.TokensOut, &exec.CostUSD,
			&startedAt, &completedAt, &errorKind, &errMessage, &cacheHit)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}

		exec.AgentType = models.AgentType(agentType)
		exec.Status = models.NodeStatus(status)
		if exec.Input, err = unmarshalMap(input); err != nil {
			return nil, err
		}
		if exec.Output, err = unmarshalMap(output); err != nil {
			return nil, err
		}
		if exec.StartedAt, err = ParseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse execution started_at: %w", err)
		}
		exec.CompletedAt = ParseNullableTime(completedAt)
		exec.ErrorKind = models.ErrorKind(errorKind.String)
		exec.Error = errMessage.String
		exec.CacheHit = cacheHit != 0

		execs = append(execs, &exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}

// Helper functions

func marshalMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal map: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal map: %w", err)
	}
	return m, nil
}

func marshalAgentTypes(agents []models.AgentType) (sql.NullString, error) {
	if len(agents) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(agents)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal agent types: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalAgentTypes(s sql.NullString) ([]models.AgentType, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var agents []models.AgentType
	if err := json.Unmarshal([]byte(s.String), &agents); err != nil {
		return nil, fmt.Errorf("unmarshal agent types: %w", err)
	}
	return agents, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
