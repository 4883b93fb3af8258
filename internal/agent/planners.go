package agent

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/tripsmith-ai/tripsmith/internal/cache"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// builtinCapability is a deterministic planner. Outputs are pure functions of
// the input, so the engine runs end-to-end without network credentials and
// identical inputs always reproduce identical itineraries.
type builtinCapability struct {
	agentType models.AgentType
	ttl       cache.TTLClass
	plan      func(input map[string]any) (map[string]any, error)
}

func (c *builtinCapability) Type() models.AgentType   { return c.agentType }
func (c *builtinCapability) TTLClass() cache.TTLClass { return c.ttl }

func (c *builtinCapability) Plan(ctx context.Context, input map[string]any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	output, err := c.plan(input)
	if err != nil {
		return nil, err
	}

	tokensIn := estimateTokens(input)
	tokensOut := estimateTokens(output)
	return &Result{
		Output:    output,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   builtinPricing.Cost(tokensIn, tokensOut),
	}, nil
}

// builtinPricing is the nominal rate applied to deterministic planner calls,
// so ledger and budget behavior are exercised even without an LLM backend.
var builtinPricing = ModelPricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// estimateTokens approximates a token count from the JSON encoding, at the
// usual four characters per token.
func estimateTokens(payload map[string]any) int64 {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	return int64(len(data)/4) + 1
}

// RegisterBuiltins registers the deterministic planner for every agent type.
func RegisterBuiltins(r *Registry) error {
	builtins := []*builtinCapability{
		{models.AgentLocation, cache.TTLReference, planLocation},
		{models.AgentWeather, cache.TTLVolatile, planWeather},
		{models.AgentAccommodation, cache.TTLStandard, planAccommodation},
		{models.AgentActivity, cache.TTLStandard, planActivity},
		{models.AgentTransport, cache.TTLStandard, planTransport},
		{models.AgentBudget, cache.TTLStandard, planBudget},
	}
	for _, c := range builtins {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// pick selects deterministically from options by hashing the seed.
func pick(seed string, options []string) string {
	sum := sha256.Sum256([]byte(seed))
	return options[binary.BigEndian.Uint32(sum[:4])%uint32(len(options))]
}

// pickN selects a deterministic number in [min, max] from the seed.
func pickN(seed string, min, max int) int {
	sum := sha256.Sum256([]byte(seed))
	return min + int(binary.BigEndian.Uint32(sum[4:8])%uint32(max-min+1))
}

func stringField(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func numberField(input map[string]any, key string) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func planLocation(input map[string]any) (map[string]any, error) {
	destination := stringField(input, "destination")
	if destination == "" {
		return nil, Permanent(fmt.Errorf("input is missing destination"))
	}
	return map[string]any{
		"destination": destination,
		"region":      pick(destination+"|region", []string{"city center", "old town", "waterfront", "hillside"}),
		"currency":    pick(destination+"|currency", []string{"USD", "EUR", "JPY", "GBP"}),
		"timezone":    pick(destination+"|tz", []string{"UTC+0", "UTC+1", "UTC+9", "UTC-5"}),
	}, nil
}

func planWeather(input map[string]any) (map[string]any, error) {
	destination := stringField(input, "destination")
	seed := destination + "|" + stringField(input, "start_date")
	return map[string]any{
		"forecast":    pick(seed+"|sky", []string{"clear", "partly cloudy", "showers", "overcast"}),
		"high_c":      float64(pickN(seed+"|hi", 12, 32)),
		"low_c":       float64(pickN(seed+"|lo", 2, 18)),
		"rain_chance": float64(pickN(seed+"|rain", 0, 80)) / 100,
	}, nil
}

func planAccommodation(input map[string]any) (map[string]any, error) {
	destination := stringField(input, "destination")
	days := int(numberField(input, "days"))
	if days < 1 {
		days = 3
	}
	nightly := float64(pickN(destination+"|rate", 80, 260))
	return map[string]any{
		"hotel":       pick(destination+"|hotel", []string{"Grand Central Hotel", "Riverside Inn", "Garden Court", "Station House"}),
		"area":        pick(destination+"|area", []string{"downtown", "historic quarter", "near the station", "by the park"}),
		"nightly_usd": nightly,
		"nights":      days,
		"total_usd":   nightly * float64(days),
	}, nil
}

func planActivity(input map[string]any) (map[string]any, error) {
	destination := stringField(input, "destination")
	pool := []string{
		"walking tour", "local food market", "museum day", "day hike",
		"boat trip", "cooking class", "cycling loop", "gallery crawl",
	}
	count := pickN(destination+"|count", 2, 4)
	activities := make([]any, 0, count)
	seen := make(map[string]bool)
	for i := 0; len(activities) < count && i < len(pool)*2; i++ {
		a := pick(fmt.Sprintf("%s|act|%d", destination, i), pool)
		if !seen[a] {
			seen[a] = true
			activities = append(activities, a)
		}
	}
	return map[string]any{
		"activities": activities,
		"pace":       pick(destination+"|pace", []string{"relaxed", "balanced", "packed"}),
	}, nil
}

func planTransport(input map[string]any) (map[string]any, error) {
	destination := stringField(input, "destination")
	mode := stringField(input, "travel_mode")
	if mode == "" || mode == "self_guided" {
		mode = pick(destination+"|mode", []string{"train", "bus", "rental car"})
	}
	return map[string]any{
		"mode":      mode,
		"segments":  float64(pickN(destination+"|segments", 1, 4)),
		"total_usd": float64(pickN(destination+"|fare", 40, 320)),
	}, nil
}

// planBudget reconciles upstream outputs against the traveler's budget. It
// reads whatever upstream results the orchestrator merged into the input;
// skipped optional agents simply contribute nothing.
func planBudget(input map[string]any) (map[string]any, error) {
	total := 0.0
	breakdown := map[string]any{}

	if acc, ok := input["accommodation"].(map[string]any); ok {
		cost := numberField(acc, "total_usd")
		breakdown["accommodation"] = cost
		total += cost
	}
	if tr, ok := input["transport"].(map[string]any); ok {
		cost := numberField(tr, "total_usd")
		breakdown["transport"] = cost
		total += cost
	}
	if act, ok := input["activity"].(map[string]any); ok {
		if list, ok := act["activities"].([]any); ok {
			cost := float64(len(list)) * 45
			breakdown["activities"] = cost
			total += cost
		}
	}

	limit := numberField(input, "budget_usd")
	out := map[string]any{
		"total_usd": total,
		"breakdown": breakdown,
	}
	if limit > 0 {
		out["within_budget"] = total <= limit
		out["budget_usd"] = limit
	}
	return out, nil
}
