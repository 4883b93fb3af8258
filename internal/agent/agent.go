package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/tripsmith-ai/tripsmith/internal/cache"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// Result is the output of one successful capability call.
type Result struct {
	// Output is the structured planning output.
	Output map[string]any
	// TokensIn is the input token count reported or estimated by the capability.
	TokensIn int64
	// TokensOut is the output token count.
	TokensOut int64
	// CostUSD is the cost of the call.
	CostUSD float64
}

// Capability is one planning agent. Implementations must be safe for
// concurrent use; the runner may invoke the same capability from several runs.
type Capability interface {
	// Type returns the agent type this capability serves.
	Type() models.AgentType
	// TTLClass returns the freshness class for caching this capability's outputs.
	TTLClass() cache.TTLClass
	// Plan produces an output for the normalized input, or a classified error.
	Plan(ctx context.Context, input map[string]any) (*Result, error)
}

// Registry maps the closed set of agent types to capabilities. Dispatch is a
// map lookup; there is no reflection and no way to register an unknown type.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[models.AgentType]Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[models.AgentType]Capability)}
}

// Register adds a capability. Unknown agent types and duplicate registrations
// are rejected.
func (r *Registry) Register(c Capability) error {
	t := c.Type()
	if !t.Valid() {
		return fmt.Errorf("unknown agent type %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[t]; exists {
		return fmt.Errorf("agent type %q already registered", t)
	}
	r.capabilities[t] = c
	return nil
}

// Get returns the capability for an agent type.
func (r *Registry) Get(t models.AgentType) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[t]
	if !ok {
		return nil, fmt.Errorf("no capability registered for agent type %q", t)
	}
	return c, nil
}

// Types returns the registered agent types.
func (r *Registry) Types() []models.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []models.AgentType
	for _, t := range models.AllAgentTypes {
		if _, ok := r.capabilities[t]; ok {
			types = append(types, t)
		}
	}
	return types
}
