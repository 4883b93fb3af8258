package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tripsmith-ai/tripsmith/internal/agent"
	"github.com/tripsmith-ai/tripsmith/internal/events"
	"github.com/tripsmith-ai/tripsmith/internal/graph"
	"github.com/tripsmith-ai/tripsmith/internal/ledger"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// coordinator owns one run: it is the only goroutine that reads or writes the
// run's PlanState and node statuses. Node tasks report nodeResults over a
// channel and the coordinator applies them in completion order.
type coordinator struct {
	engine *Engine
	handle *runHandle
	def    *graph.Definition
	run    *models.PlanRun
}

// nodeResult is an immutable completion report from a node task.
type nodeResult struct {
	nodeID string
	inv    *agent.Invocation
	err    error
}

func (c *coordinator) runLoop(ctx context.Context) {
	e := c.engine
	statuses := make(map[string]models.NodeStatus, len(c.def.Nodes))
	planState := models.NewPlanState(c.run.Input)

	// Buffered to the node count so a worker can always deliver its result,
	// even when the coordinator has already decided the run's fate.
	results := make(chan nodeResult, len(c.def.Nodes))
	inflight := 0

	c.run.Status = models.RunStatusRunning
	if err := e.db.UpdateRun(c.run); err != nil {
		log.Printf("[orchestrator] mark run %s running: %v", c.run.ID, err)
	}
	c.publishRun(models.RunStatusRunning, nil)

	finalStatus := models.RunStatusCompleted
	runErrMsg := ""

loop:
	for {
		if ctx.Err() != nil {
			finalStatus = models.RunStatusCancelled
			break loop
		}

		runnable, skippable := c.def.Frontier(statuses, planState)

		// Settle skips first; a settled skip can cascade new decisions.
		if len(skippable) > 0 {
			for _, id := range skippable {
				node := c.def.Node(id)
				statuses[id] = models.NodeStatusSkipped
				c.recordSkip(node, "not eligible: condition false or upstream not satisfied")
				c.publishNode(node, models.NodeStatusSkipped, 0, nil)
			}
			continue
		}

		capSkipped := false
		for _, id := range runnable {
			if inflight >= e.cfg.MaxConcurrentPerRun {
				break
			}
			node := c.def.Node(id)

			// Budget gates apply to optional nodes only; required nodes always
			// reach the runner, which enforces the hard cap before any call.
			if !node.Required {
				status, err := e.costs.Check(c.run.ID, 0)
				if err != nil {
					log.Printf("[orchestrator] run %s: budget check unavailable: %v", c.run.ID, err)
				} else if status == ledger.BudgetHardExceeded {
					statuses[id] = models.NodeStatusFailed
					c.run.FailedNodes = append(c.run.FailedNodes, node.Agent)
					c.recordBudgetReject(node)
					c.publishNode(node, models.NodeStatusFailed, 0, map[string]any{
						"error": ledger.ErrBudgetExceeded.Error(), "error_kind": string(models.ErrorKindBudgetExceeded),
					})
					finalStatus = models.RunStatusFailed
					runErrMsg = ledger.ErrBudgetExceeded.Error()
					log.Printf("[orchestrator] run %s: hard budget cap reached at node %s, failing run", c.run.ID, id)
					break loop
				} else if status == ledger.BudgetSoftExceeded {
					statuses[id] = models.NodeStatusSkipped
					planState.Apply(models.StatePatch{NodeID: id, AgentType: node.Agent, Degraded: true})
					c.handle.update(planState)
					c.recordSkip(node, "soft budget cap reached")
					c.publishNode(node, models.NodeStatusSkipped, 0, map[string]any{"reason": "soft_budget_cap"})
					log.Printf("[orchestrator] run %s: skipping optional node %s, soft budget cap reached", c.run.ID, id)
					capSkipped = true
					continue
				}
			}

			statuses[id] = models.NodeStatusRunning
			c.publishNode(node, models.NodeStatusRunning, 0, nil)

			input := c.buildInput(node, planState)
			inflight++
			go c.invoke(ctx, node, input, results)
		}

		if capSkipped {
			// A settled skip can unblock a downstream node that declared this
			// dependency skippable; re-derive the frontier before deciding
			// the run is done.
			continue
		}

		if inflight == 0 {
			// Nothing running and nothing newly schedulable: the run is done.
			break loop
		}

		select {
		case <-ctx.Done():
			finalStatus = models.RunStatusCancelled
			break loop

		case res := <-results:
			inflight--
			if ctx.Err() != nil {
				// The run was cancelled while this task was in flight; its
				// result is discarded.
				finalStatus = models.RunStatusCancelled
				break loop
			}

			node := c.def.Node(res.nodeID)
			if res.err != nil {
				kind := agent.Classify(res.err)
				c.run.FailedNodes = append(c.run.FailedNodes, node.Agent)

				if node.Required {
					statuses[res.nodeID] = models.NodeStatusFailed
					c.publishNode(node, models.NodeStatusFailed, 0, map[string]any{
						"error": res.err.Error(), "error_kind": string(kind),
					})
					finalStatus = models.RunStatusFailed
					runErrMsg = res.err.Error()
					log.Printf("[orchestrator] run %s: required node %s failed (%s): %v", c.run.ID, res.nodeID, kind, res.err)
					break loop
				}

				// Optional node: the run proceeds degraded. Merges that
				// declared this dependency skippable still fire.
				statuses[res.nodeID] = models.NodeStatusSkipped
				planState.Apply(models.StatePatch{NodeID: res.nodeID, AgentType: node.Agent, Degraded: true})
				c.handle.update(planState)
				c.publishNode(node, models.NodeStatusSkipped, 0, map[string]any{
					"error": res.err.Error(), "error_kind": string(kind), "degraded": true,
				})
				log.Printf("[orchestrator] run %s: optional node %s failed (%s), continuing degraded", c.run.ID, res.nodeID, kind)
				continue
			}

			statuses[res.nodeID] = models.NodeStatusSucceeded
			planState.Apply(models.StatePatch{NodeID: res.nodeID, AgentType: node.Agent, Output: res.inv.Output})
			c.handle.update(planState)
			c.publishNode(node, models.NodeStatusSucceeded, res.inv.Attempts, map[string]any{
				"cache_hit": res.inv.CacheHit,
			})
		}
	}

	// Stop in-flight workers and collect their (discarded) results so the
	// buffered channel drains before the run record goes terminal.
	c.handle.cancel()
	for inflight > 0 {
		<-results
		inflight--
	}

	c.finalize(ctx, finalStatus, runErrMsg, planState)
}

// finalize writes the terminal run record and closes the event topic.
func (c *coordinator) finalize(ctx context.Context, status models.RunStatus, errMsg string, planState *models.PlanState) {
	now := time.Now()
	c.run.Status = status
	c.run.CompletedAt = &now
	c.run.Degraded = planState.Degraded

	if status == models.RunStatusCancelled && errMsg == "" {
		if ctx.Err() == context.DeadlineExceeded {
			errMsg = "wall-clock budget exceeded"
		} else {
			errMsg = "run cancelled"
		}
	}
	c.run.Error = errMsg

	if err := c.engine.db.UpdateRun(c.run); err != nil {
		log.Printf("[orchestrator] finalize run %s: %v", c.run.ID, err)
	}

	detail := map[string]any{}
	if len(planState.Degraded) > 0 {
		detail["degraded"] = agentTypeStrings(planState.Degraded)
	}
	if len(c.run.FailedNodes) > 0 {
		detail["failed_nodes"] = agentTypeStrings(c.run.FailedNodes)
	}
	if errMsg != "" {
		detail["error"] = errMsg
	}
	c.publishRun(status, detail)
	c.engine.events.CloseTopic(c.run.ID)

	log.Printf("[orchestrator] run %s finished: %s (degraded: %d, failed: %d)",
		c.run.ID, status, len(planState.Degraded), len(c.run.FailedNodes))
}

// invoke is the node task body. It takes a global concurrency slot, runs the
// agent, and always delivers exactly one result.
func (c *coordinator) invoke(ctx context.Context, node *graph.Node, input map[string]any, results chan<- nodeResult) {
	select {
	case c.engine.globalSlots <- struct{}{}:
		defer func() { <-c.engine.globalSlots }()
	case <-ctx.Done():
		results <- nodeResult{nodeID: node.ID, err: &agent.Error{Kind: models.ErrorKindCancelled, Err: ctx.Err()}}
		return
	}

	inv, err := c.engine.runner.Invoke(ctx, c.run.ID, node.Agent, input)
	results <- nodeResult{nodeID: node.ID, inv: inv, err: err}
}

// buildInput assembles a node's invocation input: the run input's fields at
// the top level plus each satisfied dependency's output under its agent type.
// Built from the coordinator's state snapshot at scheduling time, so it is a
// pure function of upstream outputs.
func (c *coordinator) buildInput(node *graph.Node, planState *models.PlanState) map[string]any {
	input := make(map[string]any, len(planState.Input)+len(node.DependsOn))
	for k, v := range planState.Input {
		input[k] = v
	}
	for _, depID := range node.DependsOn {
		dep := c.def.Node(depID)
		if out, ok := planState.Outputs[dep.Agent]; ok {
			input[string(dep.Agent)] = out
		}
	}
	return input
}

// recordSkip persists a Skipped execution row so the run history shows why
// the node never ran.
func (c *coordinator) recordSkip(node *graph.Node, reason string) {
	attempt, err := c.engine.db.NextAttempt(c.run.ID, node.Agent)
	if err != nil {
		log.Printf("[orchestrator] allocate attempt for skip: %v", err)
		return
	}
	now := time.Now()
	exec := &models.NodeExecution{
		ID:          uuid.New().String(),
		RunID:       c.run.ID,
		AgentType:   node.Agent,
		Attempt:     attempt,
		Status:      models.NodeStatusSkipped,
		StartedAt:   now,
		CompletedAt: &now,
		Error:       reason,
	}
	if err := c.engine.db.CreateExecution(exec); err != nil {
		log.Printf("[orchestrator] record skip for %s: %v", node.ID, err)
	}
}

// recordBudgetReject persists a Failed execution for a node refused because
// the hard budget cap was already spent before it could be scheduled.
func (c *coordinator) recordBudgetReject(node *graph.Node) {
	attempt, err := c.engine.db.NextAttempt(c.run.ID, node.Agent)
	if err != nil {
		log.Printf("[orchestrator] allocate attempt for budget reject: %v", err)
		return
	}
	now := time.Now()
	exec := &models.NodeExecution{
		ID:          uuid.New().String(),
		RunID:       c.run.ID,
		AgentType:   node.Agent,
		Attempt:     attempt,
		Status:      models.NodeStatusFailed,
		StartedAt:   now,
		CompletedAt: &now,
		ErrorKind:   models.ErrorKindBudgetExceeded,
		Error:       ledger.ErrBudgetExceeded.Error(),
	}
	if err := c.engine.db.CreateExecution(exec); err != nil {
		log.Printf("[orchestrator] record budget reject for %s: %v", node.ID, err)
	}
}

func (c *coordinator) publishRun(status models.RunStatus, detail map[string]any) {
	c.engine.events.Publish(events.Event{
		RunID:     c.run.ID,
		Type:      events.TypeRun,
		RunStatus: status,
		Detail:    detail,
	})
}

func (c *coordinator) publishNode(node *graph.Node, status models.NodeStatus, attempt int, detail map[string]any) {
	c.engine.events.Publish(events.Event{
		RunID:      c.run.ID,
		Type:       events.TypeNode,
		AgentType:  node.Agent,
		NodeStatus: status,
		Attempt:    attempt,
		Detail:     detail,
	})
}

func agentTypeStrings(agents []models.AgentType) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = string(a)
	}
	return out
}
