// Package graph provides the agent dependency graph the orchestrator schedules over.
package graph

import (
	"errors"
	"fmt"

	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the graph definition.
var ErrCycleDetected = errors.New("circular dependency detected")

// Condition is a declarative predicate evaluated against live plan state at
// traversal time. Evaluation at traversal time, not compile time, is what lets
// branch choice reflect upstream results.
type Condition struct {
	// Path is the dotted state path to inspect ("input.travel_mode", "location.country").
	Path string `yaml:"path" json:"path"`
	// Equals, if set, requires the value at Path to equal it.
	Equals any `yaml:"equals,omitempty" json:"equals,omitempty"`
	// NotEquals, if set, requires the value at Path to differ from it.
	NotEquals any `yaml:"not_equals,omitempty" json:"not_equals,omitempty"`
	// Exists, if set, requires the presence (true) or absence (false) of the value.
	Exists *bool `yaml:"exists,omitempty" json:"exists,omitempty"`
}

// Eval returns true if the condition holds against the given state.
func (c *Condition) Eval(state *models.PlanState) bool {
	if c == nil {
		return true
	}
	v, ok := state.Value(c.Path)
	if c.Exists != nil {
		return ok == *c.Exists
	}
	if !ok {
		return false
	}
	if c.Equals != nil {
		return equalValue(v, c.Equals)
	}
	if c.NotEquals != nil {
		return !equalValue(v, c.NotEquals)
	}
	return true
}

// equalValue compares a state value to a condition literal. YAML decodes
// numbers as int while JSON round-trips produce float64, so numeric values
// are compared through float64.
func equalValue(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Node is one agent invocation slot in the graph.
type Node struct {
	// ID is the unique node identifier within the definition.
	ID string `yaml:"id" json:"id"`
	// Agent is the agent type dispatched when the node runs.
	Agent models.AgentType `yaml:"agent" json:"agent"`
	// DependsOn lists node IDs that must be terminal before this node is eligible.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Required controls run outcome: a required node failing after retry
	// exhaustion fails the run, an optional one degrades it.
	Required bool `yaml:"required" json:"required"`
	// AllowSkipped lists dependency IDs whose Skipped or Failed terminal state
	// still satisfies this node (explicitly-allowed fan-in over degraded branches).
	AllowSkipped []string `yaml:"allow_skipped,omitempty" json:"allow_skipped,omitempty"`
	// Condition, if set, is evaluated when dependencies settle; a false
	// condition skips the node instead of running it.
	Condition *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
}

func (n *Node) allowsSkipped(depID string) bool {
	for _, id := range n.AllowSkipped {
		if id == depID {
			return true
		}
	}
	return false
}

// Decision is the traversal outcome for a node at a point in time.
type Decision int

const (
	// DecisionWait means at least one dependency is not yet terminal.
	DecisionWait Decision = iota
	// DecisionRun means the node is eligible to execute now.
	DecisionRun
	// DecisionSkip means the node should settle Skipped without executing.
	DecisionSkip
)

// String returns a human-readable representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionWait:
		return "wait"
	case DecisionRun:
		return "run"
	case DecisionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Definition is an immutable, versioned graph of agent nodes. It is built
// once, validated, and shared read-only between runs, so it carries no lock.
type Definition struct {
	// Version identifies this topology for auditing and replay.
	Version string `yaml:"version" json:"version"`
	// Nodes lists the graph nodes in declaration order. Declaration order is
	// the tiebreak for scheduling, which keeps traversal deterministic.
	Nodes []*Node `yaml:"nodes" json:"nodes"`

	byID map[string]*Node
}

// Validate checks the definition for duplicate IDs, unknown agents or
// dependencies, and cycles. It must be called before the definition is used.
func (d *Definition) Validate() error {
	if d.Version == "" {
		return errors.New("graph definition has no version")
	}
	if len(d.Nodes) == 0 {
		return errors.New("graph definition has no nodes")
	}

	d.byID = make(map[string]*Node, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return errors.New("node with empty id")
		}
		if _, dup := d.byID[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		if !n.Agent.Valid() {
			return fmt.Errorf("node %s: unknown agent type %q", n.ID, n.Agent)
		}
		d.byID[n.ID] = n
	}

	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := d.byID[dep]; !ok {
				return fmt.Errorf("node %s depends on unknown node %s", n.ID, dep)
			}
		}
		for _, dep := range n.AllowSkipped {
			if _, ok := d.byID[dep]; !ok {
				return fmt.Errorf("node %s allows skipped unknown node %s", n.ID, dep)
			}
		}
	}

	if d.hasCycle() {
		return ErrCycleDetected
	}
	return nil
}

// hasCycle detects back edges via DFS coloring.
func (d *Definition) hasCycle() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(d.Nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, dep := range d.byID[id].DependsOn {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, n := range d.Nodes {
		if colors[n.ID] == 0 && visit(n.ID) {
			return true
		}
	}
	return false
}

// Node returns the node for an ID, or nil if not present.
func (d *Definition) Node(id string) *Node {
	return d.byID[id]
}

// Evaluate decides whether a node can run, must wait, or should be skipped,
// given the current node statuses and live plan state.
//
// A node is eligible when every dependency is terminal and satisfied:
// Succeeded always satisfies; Skipped or Failed satisfies only when the
// dependency is explicitly allowed to be skipped. A terminal-but-unsatisfied
// dependency cascades a skip. Conditions are checked last, once dependencies
// have settled.
func (d *Definition) Evaluate(nodeID string, statuses map[string]models.NodeStatus, state *models.PlanState) Decision {
	n := d.byID[nodeID]
	if n == nil {
		return DecisionSkip
	}

	for _, dep := range n.DependsOn {
		st := statuses[dep]
		if !st.Terminal() {
			return DecisionWait
		}
		switch st {
		case models.NodeStatusSucceeded:
			// Satisfied.
		case models.NodeStatusSkipped, models.NodeStatusFailed:
			if !n.allowsSkipped(dep) {
				return DecisionSkip
			}
		}
	}

	if !n.Condition.Eval(state) {
		return DecisionSkip
	}
	return DecisionRun
}

// Frontier returns, in declaration order, the nodes that should run and the
// nodes that should settle Skipped, considering only nodes with no status yet.
func (d *Definition) Frontier(statuses map[string]models.NodeStatus, state *models.PlanState) (run, skip []string) {
	for _, n := range d.Nodes {
		if _, seen := statuses[n.ID]; seen {
			continue
		}
		switch d.Evaluate(n.ID, statuses, state) {
		case DecisionRun:
			run = append(run, n.ID)
		case DecisionSkip:
			skip = append(skip, n.ID)
		}
	}
	return run, skip
}

// Settled returns true once every node has a terminal status or a pending
// skip decision can no longer change, meaning the run can finish.
func (d *Definition) Settled(statuses map[string]models.NodeStatus) bool {
	for _, n := range d.Nodes {
		st, ok := statuses[n.ID]
		if !ok || !st.Terminal() {
			return false
		}
	}
	return true
}

// Dependents returns the IDs of nodes that depend on the given node.
func (d *Definition) Dependents(nodeID string) []string {
	var out []string
	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if dep == nodeID {
				out = append(out, n.ID)
				break
			}
		}
	}
	return out
}
