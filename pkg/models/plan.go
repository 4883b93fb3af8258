package models

import (
	"sort"
	"strings"
)

// PlanState is the versioned accumulator of node outputs for a run.
// It is owned exclusively by the run coordinator: node tasks never mutate it
// directly, they submit StatePatches which the coordinator applies serially.
type PlanState struct {
	// Version increments on every applied patch.
	Version int `json:"version"`
	// Input is the initial input the run was started with.
	Input map[string]any `json:"input,omitempty"`
	// Outputs holds the accepted output of each succeeded node, keyed by agent type.
	Outputs map[AgentType]map[string]any `json:"outputs,omitempty"`
	// Degraded lists agent types whose optional nodes failed, kept sorted.
	Degraded []AgentType `json:"degraded,omitempty"`
}

// StatePatch is an immutable result submitted by a completed node task.
type StatePatch struct {
	// NodeID is the graph node that produced the patch.
	NodeID string `json:"node_id"`
	// AgentType is the agent that produced the output.
	AgentType AgentType `json:"agent_type"`
	// Output is the node's accepted output. Nil for degraded patches.
	Output map[string]any `json:"output,omitempty"`
	// Degraded marks an optional node that failed; the run proceeds without it.
	Degraded bool `json:"degraded,omitempty"`
}

// NewPlanState creates a PlanState seeded with the run's initial input.
func NewPlanState(input map[string]any) *PlanState {
	return &PlanState{
		Input:   input,
		Outputs: make(map[AgentType]map[string]any),
	}
}

// Apply merges a patch into the state and bumps the version.
func (s *PlanState) Apply(patch StatePatch) {
	if s.Outputs == nil {
		s.Outputs = make(map[AgentType]map[string]any)
	}
	if patch.Degraded {
		s.markDegraded(patch.AgentType)
	} else {
		s.Outputs[patch.AgentType] = patch.Output
	}
	s.Version++
}

// markDegraded records an agent type as degraded, keeping the list sorted
// and free of duplicates so the final state is identical regardless of the
// order concurrent failures complete in.
func (s *PlanState) markDegraded(agent AgentType) {
	for _, d := range s.Degraded {
		if d == agent {
			return
		}
	}
	s.Degraded = append(s.Degraded, agent)
	sort.Slice(s.Degraded, func(i, j int) bool { return s.Degraded[i] < s.Degraded[j] })
}

// IsDegraded returns true if the agent type was marked degraded.
func (s *PlanState) IsDegraded(agent AgentType) bool {
	for _, d := range s.Degraded {
		if d == agent {
			return true
		}
	}
	return false
}

// Value resolves a dotted path against the state.
// "input.<key>" reads the initial input; "<agent>.<key>" reads a node output.
// A bare "<agent>" path returns the whole output map if the node succeeded.
func (s *PlanState) Value(path string) (any, bool) {
	head, rest, hasRest := strings.Cut(path, ".")

	if head == "input" {
		if !hasRest {
			return nil, false
		}
		return lookup(s.Input, rest)
	}

	out, ok := s.Outputs[AgentType(head)]
	if !ok {
		return nil, false
	}
	if !hasRest {
		return out, true
	}
	return lookup(out, rest)
}

// lookup walks a dotted path through nested string-keyed maps.
func lookup(m map[string]any, path string) (any, bool) {
	head, rest, hasRest := strings.Cut(path, ".")
	v, ok := m[head]
	if !ok {
		return nil, false
	}
	if !hasRest {
		return v, true
	}
	nested, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(nested, rest)
}

// Clone returns a deep-enough copy for handing to node tasks: the maps are
// copied one level down so tasks can read without racing the coordinator.
func (s *PlanState) Clone() *PlanState {
	c := &PlanState{
		Version: s.Version,
		Input:   copyMap(s.Input),
		Outputs: make(map[AgentType]map[string]any, len(s.Outputs)),
	}
	for agent, out := range s.Outputs {
		c.Outputs[agent] = copyMap(out)
	}
	c.Degraded = append(c.Degraded, s.Degraded...)
	return c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
