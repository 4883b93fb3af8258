package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

func TestRegistryClosedSet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&fakeCapability{agentType: models.AgentType("chef")}); err == nil {
		t.Error("unknown agent type should be rejected")
	}

	if err := r.Register(&fakeCapability{agentType: models.AgentLocation}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&fakeCapability{agentType: models.AgentLocation}); err == nil {
		t.Error("duplicate registration should be rejected")
	}

	if _, err := r.Get(models.AgentLocation); err != nil {
		t.Errorf("get registered: %v", err)
	}
	if _, err := r.Get(models.AgentBudget); err == nil {
		t.Error("get unregistered should fail")
	}
}

func TestRegisterBuiltinsCoversAllAgentTypes(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	if got := len(r.Types()); got != len(models.AllAgentTypes) {
		t.Errorf("expected %d capabilities, got %d", len(models.AllAgentTypes), got)
	}
}

func TestBuiltinPlannersAreDeterministic(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	input := map[string]any{
		"destination": "Kyoto",
		"start_date":  "2026-04-01",
		"days":        3,
		"budget_usd":  2000,
	}
	for _, agentType := range models.AllAgentTypes {
		c, err := r.Get(agentType)
		if err != nil {
			t.Fatalf("get %s: %v", agentType, err)
		}
		first, err := c.Plan(context.Background(), input)
		if err != nil {
			t.Fatalf("%s plan: %v", agentType, err)
		}
		second, err := c.Plan(context.Background(), input)
		if err != nil {
			t.Fatalf("%s second plan: %v", agentType, err)
		}
		for k, v := range first.Output {
			switch v.(type) {
			case map[string]any, []any:
				continue
			}
			if second.Output[k] != v {
				t.Errorf("%s output %q differs between identical calls: %v vs %v",
					agentType, k, v, second.Output[k])
			}
		}
		if first.CostUSD <= 0 {
			t.Errorf("%s should report a nominal cost", agentType)
		}
	}
}

func TestBudgetPlannerSumsUpstreamOutputs(t *testing.T) {
	out, err := planBudget(map[string]any{
		"budget_usd":    1000.0,
		"accommodation": map[string]any{"total_usd": 600.0},
		"transport":     map[string]any{"total_usd": 200.0},
	})
	if err != nil {
		t.Fatalf("plan budget: %v", err)
	}
	if out["total_usd"] != 800.0 {
		t.Errorf("expected total 800, got %v", out["total_usd"])
	}
	if out["within_budget"] != true {
		t.Errorf("expected within budget: %v", out)
	}

	// A skipped optional agent contributes nothing and does not break the sum.
	out, _ = planBudget(map[string]any{
		"budget_usd":    100.0,
		"accommodation": map[string]any{"total_usd": 600.0},
	})
	if out["within_budget"] != false {
		t.Errorf("expected over budget: %v", out)
	}
}

func TestLocationPlannerRequiresDestination(t *testing.T) {
	_, err := planLocation(map[string]any{})
	if Classify(err) != models.ErrorKindPermanent {
		t.Errorf("missing destination should be permanent, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want models.ErrorKind
	}{
		{Transient(errors.New("x")), models.ErrorKindTransient},
		{Permanent(errors.New("x")), models.ErrorKindPermanent},
		{Timeout(errors.New("x")), models.ErrorKindTimeout},
		{Quota(errors.New("x")), models.ErrorKindQuotaExceeded},
		{context.DeadlineExceeded, models.ErrorKindTimeout},
		{context.Canceled, models.ErrorKindCancelled},
		{errors.New("mystery"), models.ErrorKindTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}

	// Wrapped classified errors keep their kind.
	wrapped := errors.Join(errors.New("context"), Quota(errors.New("x")))
	if got := Classify(wrapped); got != models.ErrorKindQuotaExceeded {
		t.Errorf("wrapped classification lost: %s", got)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	p := BackoffPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    300 * time.Millisecond,
	}

	if d := p.Delay(1); d != 0 {
		t.Errorf("first attempt should not wait, got %v", d)
	}
	if d := p.Delay(2); d != 100*time.Millisecond {
		t.Errorf("expected base delay, got %v", d)
	}
	if d := p.Delay(3); d != 200*time.Millisecond {
		t.Errorf("expected doubled delay, got %v", d)
	}
	if d := p.Delay(5); d != 300*time.Millisecond {
		t.Errorf("expected capped delay, got %v", d)
	}
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	p := BackoffPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  1.0,
		Jitter:      0.5,
	}
	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay out of bounds: %v", d)
		}
	}
}

func TestParseJSONObjectToleratesFencesAndProse(t *testing.T) {
	out, err := parseJSONObject("Here is the plan:\n```json\n{\"hotel\": \"Gion Inn\"}\n```\nDone.")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out["hotel"] != "Gion Inn" {
		t.Errorf("wrong value: %v", out)
	}

	if _, err := parseJSONObject("no json here"); err == nil {
		t.Error("expected error for output with no object")
	}
}
