package graph

import (
	"testing"

	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

func twoNodeChain() *Definition {
	return &Definition{
		Version: "test-v1",
		Nodes: []*Node{
			{ID: "location", Agent: models.AgentLocation, Required: true},
			{ID: "accommodation", Agent: models.AgentAccommodation, Required: true, DependsOn: []string{"location"}},
		},
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	def := &Definition{
		Version: "cyclic",
		Nodes: []*Node{
			{ID: "a", Agent: models.AgentLocation, DependsOn: []string{"b"}},
			{ID: "b", Agent: models.AgentBudget, DependsOn: []string{"a"}},
		},
	}
	if err := def.Validate(); err != ErrCycleDetected {
		t.Errorf("expected ErrCycleDetected, got %v", err)
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	def := &Definition{
		Version: "bad-dep",
		Nodes: []*Node{
			{ID: "a", Agent: models.AgentLocation, DependsOn: []string{"nope"}},
		},
	}
	if err := def.Validate(); err == nil {
		t.Error("expected error for unknown dependency")
	}
}

func TestValidateRejectsUnknownAgent(t *testing.T) {
	def := &Definition{
		Version: "bad-agent",
		Nodes:   []*Node{{ID: "a", Agent: "juggling"}},
	}
	if err := def.Validate(); err == nil {
		t.Error("expected error for unknown agent type")
	}
}

func TestFrontierRespectsDependencies(t *testing.T) {
	def := twoNodeChain()
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	state := models.NewPlanState(nil)
	statuses := map[string]models.NodeStatus{}

	run, skip := def.Frontier(statuses, state)
	if len(run) != 1 || run[0] != "location" {
		t.Fatalf("expected only location eligible, got run=%v skip=%v", run, skip)
	}

	statuses["location"] = models.NodeStatusRunning
	run, _ = def.Frontier(statuses, state)
	if len(run) != 0 {
		t.Fatalf("expected nothing eligible while location runs, got %v", run)
	}

	statuses["location"] = models.NodeStatusSucceeded
	run, _ = def.Frontier(statuses, state)
	if len(run) != 1 || run[0] != "accommodation" {
		t.Fatalf("expected accommodation eligible, got %v", run)
	}
}

func TestEvaluateMergeWaitsForAllPredecessors(t *testing.T) {
	def := DefaultTravelDefinition()
	state := models.NewPlanState(nil)
	statuses := map[string]models.NodeStatus{
		"location":      models.NodeStatusSucceeded,
		"accommodation": models.NodeStatusSucceeded,
		"activity":      models.NodeStatusSucceeded,
		"transport":     models.NodeStatusSucceeded,
		"weather":       models.NodeStatusRunning,
	}

	if got := def.Evaluate("budget", statuses, state); got != DecisionWait {
		t.Errorf("expected budget to wait on weather, got %s", got)
	}

	// Failed counts as terminal; budget explicitly allows weather to be skipped.
	statuses["weather"] = models.NodeStatusFailed
	if got := def.Evaluate("budget", statuses, state); got != DecisionRun {
		t.Errorf("expected budget to run once weather is terminal, got %s", got)
	}
}

func TestEvaluateSkipCascadesWhenNotAllowed(t *testing.T) {
	def := twoNodeChain()
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	statuses := map[string]models.NodeStatus{"location": models.NodeStatusSkipped}
	if got := def.Evaluate("accommodation", statuses, models.NewPlanState(nil)); got != DecisionSkip {
		t.Errorf("expected skip to cascade to accommodation, got %s", got)
	}
}

func TestConditionalEdgeEvaluatedAgainstLiveState(t *testing.T) {
	def := DefaultTravelDefinition()
	statuses := map[string]models.NodeStatus{"location": models.NodeStatusSucceeded}

	guided := models.NewPlanState(map[string]any{"travel_mode": "guided"})
	if got := def.Evaluate("transport", statuses, guided); got != DecisionRun {
		t.Errorf("expected transport to run for guided trip, got %s", got)
	}

	selfGuided := models.NewPlanState(map[string]any{"travel_mode": "self_guided"})
	if got := def.Evaluate("transport", statuses, selfGuided); got != DecisionSkip {
		t.Errorf("expected transport skipped for self-guided trip, got %s", got)
	}
}

func TestConditionExists(t *testing.T) {
	exists := true
	cond := &Condition{Path: "input.budget_usd", Exists: &exists}

	with := models.NewPlanState(map[string]any{"budget_usd": 2500})
	if !cond.Eval(with) {
		t.Error("expected condition to hold when key present")
	}
	without := models.NewPlanState(map[string]any{})
	if cond.Eval(without) {
		t.Error("expected condition to fail when key absent")
	}
}

func TestConditionNumericEquality(t *testing.T) {
	cond := &Condition{Path: "input.travelers", Equals: 2}
	state := models.NewPlanState(map[string]any{"travelers": float64(2)})
	if !cond.Eval(state) {
		t.Error("expected int literal to match float64 state value")
	}
}

func TestParseYAMLDefinition(t *testing.T) {
	data := []byte(`
version: custom-v1
nodes:
  - id: location
    agent: location
    required: true
  - id: weather
    agent: weather
    required: false
    depends_on: [location]
  - id: budget
    agent: budget
    required: true
    depends_on: [location, weather]
    allow_skipped: [weather]
    condition:
      path: input.budget_usd
      exists: true
`)
	def, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Version != "custom-v1" {
		t.Errorf("expected version custom-v1, got %s", def.Version)
	}
	if n := def.Node("budget"); n == nil || n.Condition == nil || n.Condition.Path != "input.budget_usd" {
		t.Error("expected budget node with exists condition")
	}
	if n := def.Node("budget"); !n.allowsSkipped("weather") {
		t.Error("expected budget to allow skipped weather")
	}
}

func TestRegistryRejectsDuplicateVersion(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(DefaultTravelDefinition()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(DefaultTravelDefinition()); err == nil {
		t.Error("expected duplicate version registration to fail")
	}
	if _, err := reg.Get("travel-v1"); err != nil {
		t.Errorf("expected travel-v1 to resolve: %v", err)
	}
	if _, err := reg.Get("travel-v999"); err == nil {
		t.Error("expected unknown version to error")
	}
}

func TestSettled(t *testing.T) {
	def := twoNodeChain()
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	statuses := map[string]models.NodeStatus{
		"location":      models.NodeStatusSucceeded,
		"accommodation": models.NodeStatusRunning,
	}
	if def.Settled(statuses) {
		t.Error("expected unsettled graph while a node runs")
	}
	statuses["accommodation"] = models.NodeStatusSucceeded
	if !def.Settled(statuses) {
		t.Error("expected settled graph when all nodes terminal")
	}
}

func TestDependents(t *testing.T) {
	def := DefaultTravelDefinition()
	deps := def.Dependents("location")
	if len(deps) != 4 {
		t.Errorf("expected 4 dependents of location, got %v", deps)
	}
}
