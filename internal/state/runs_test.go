package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRunRoundTrip(t *testing.T) {
	db := testDB(t)

	run := &models.PlanRun{
		ID:           "run-1",
		PlanID:       "plan-1",
		GraphVersion: "travel-v1",
		Status:       models.RunStatusCreated,
		StartedAt:    time.Now(),
	}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.PlanID != "plan-1" || got.GraphVersion != "travel-v1" || got.Status != models.RunStatusCreated {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.CompletedAt != nil {
		t.Error("expected nil completed_at for fresh run")
	}
}

func TestGetRunNotFound(t *testing.T) {
	db := testDB(t)
	if _, err := db.GetRun("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminalRunIsImmutable(t *testing.T) {
	db := testDB(t)

	now := time.Now()
	run := &models.PlanRun{
		ID: "run-1", PlanID: "p", GraphVersion: "v",
		Status: models.RunStatusRunning, StartedAt: now,
	}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	run.Status = models.RunStatusCompleted
	run.CompletedAt = &now
	run.Degraded = []models.AgentType{models.AgentWeather}
	if err := db.UpdateRun(run); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	run.Status = models.RunStatusFailed
	if err := db.UpdateRun(run); err != ErrRunTerminal {
		t.Errorf("expected ErrRunTerminal, got %v", err)
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != models.RunStatusCompleted {
		t.Errorf("terminal status was overwritten: %s", got.Status)
	}
	if len(got.Degraded) != 1 || got.Degraded[0] != models.AgentWeather {
		t.Errorf("degraded list not persisted: %v", got.Degraded)
	}
}

func TestExecutionRoundTripAndAttempts(t *testing.T) {
	db := testDB(t)

	attempt, err := db.NextAttempt("run-1", models.AgentWeather)
	if err != nil {
		t.Fatalf("next attempt: %v", err)
	}
	if attempt != 1 {
		t.Errorf("expected first attempt 1, got %d", attempt)
	}

	exec := &models.NodeExecution{
		ID: "exec-1", RunID: "run-1", AgentType: models.AgentWeather,
		Attempt: attempt, Status: models.NodeStatusRunning,
		Input:     map[string]any{"destination": "Kyoto"},
		StartedAt: time.Now(),
	}
	if err := db.CreateExecution(exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	now := time.Now()
	exec.Status = models.NodeStatusFailed
	exec.ErrorKind = models.ErrorKindTransient
	exec.Error = "upstream flake"
	exec.CompletedAt = &now
	if err := db.UpdateExecution(exec); err != nil {
		t.Fatalf("update execution: %v", err)
	}

	attempt, err = db.NextAttempt("run-1", models.AgentWeather)
	if err != nil {
		t.Fatalf("next attempt: %v", err)
	}
	if attempt != 2 {
		t.Errorf("expected attempt counter to advance to 2, got %d", attempt)
	}

	// A different agent type has its own counter.
	attempt, err = db.NextAttempt("run-1", models.AgentBudget)
	if err != nil {
		t.Fatalf("next attempt: %v", err)
	}
	if attempt != 1 {
		t.Errorf("expected independent counter per agent type, got %d", attempt)
	}

	execs, err := db.ListExecutions("run-1")
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	got := execs[0]
	if got.Status != models.NodeStatusFailed || got.ErrorKind != models.ErrorKindTransient {
		t.Errorf("execution round trip mismatch: %+v", got)
	}
	if got.Input["destination"] != "Kyoto" {
		t.Errorf("input snapshot not preserved: %v", got.Input)
	}
}

func TestPurgeOldRunsKeepsActive(t *testing.T) {
	db := testDB(t)

	old := &models.PlanRun{
		ID: "old", PlanID: "p", GraphVersion: "v",
		Status: models.RunStatusRunning, StartedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := db.CreateRun(old); err != nil {
		t.Fatalf("create old run: %v", err)
	}
	done := time.Now().Add(-47 * time.Hour)
	old.Status = models.RunStatusCompleted
	old.CompletedAt = &done
	if err := db.UpdateRun(old); err != nil {
		t.Fatalf("complete old run: %v", err)
	}

	active := &models.PlanRun{
		ID: "active", PlanID: "p", GraphVersion: "v",
		Status: models.RunStatusRunning, StartedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := db.CreateRun(active); err != nil {
		t.Fatalf("create active run: %v", err)
	}

	count, err := db.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 purged run, got %d", count)
	}
	if _, err := db.GetRun("active"); err != nil {
		t.Errorf("active run should survive purge: %v", err)
	}
}
