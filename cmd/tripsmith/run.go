package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tripsmith-ai/tripsmith/internal/config"
	"github.com/tripsmith-ai/tripsmith/internal/contextstore"
	"github.com/tripsmith-ai/tripsmith/internal/events"
	"github.com/tripsmith-ai/tripsmith/internal/graph"
	"github.com/tripsmith-ai/tripsmith/internal/ledger"
	"github.com/tripsmith-ai/tripsmith/internal/orchestrator"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

var (
	runPlanID    string
	runGraph     string
	runGraphsDir string
	runNoSave    bool
)

var runCmd = &cobra.Command{
	Use:   "run <input.yaml>",
	Short: "Start a plan run and stream its progress",
	Long: `Run a travel plan input through the agent graph.

The input file is a YAML mapping handed to the agents, for example:

  destination: Kyoto
  days: 5
  budget_usd: 2000
  travel_mode: guided

Progress events stream to stdout until the run reaches a terminal state.
A completed itinerary is saved to the context store under the plan ID.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPlanID, "plan", "", "Plan ID to group runs under (default: new ID)")
	runCmd.Flags().StringVar(&runGraph, "graph", graph.DefaultTravelVersion, "Graph version to execute")
	runCmd.Flags().StringVar(&runGraphsDir, "graphs-dir", "", "Directory of additional YAML graph definitions")
	runCmd.Flags().BoolVar(&runNoSave, "no-save", false, "Do not write the itinerary to the context store")
}

func runRun(cmd *cobra.Command, args []string) error {
	input, err := readRunInput(args[0])
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if runGraphsDir != "" {
		if err := a.graphs.LoadDir(runGraphsDir); err != nil {
			return err
		}
	}

	if watcher := watchBudgetConfig(a); watcher != nil {
		defer watcher.Close()
	}

	planID := runPlanID
	if planID == "" {
		planID = uuid.New().String()
	}

	runID, err := a.engine.Start(context.Background(), planID, runGraph, input)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started (plan %s, graph %s)\n\n", runID, planID, runGraph)

	ch, cancel := a.engine.Subscribe(runID)
	defer cancel()
	for ev := range ch {
		printEvent(ev)
	}

	rs, err := a.engine.GetRunState(runID)
	if err != nil {
		return err
	}

	fmt.Println()
	printRunSummary(a, rs)

	if rs.Run.Status == models.RunStatusCompleted && !runNoSave {
		if err := saveItinerary(a.contexts, planID, rs); err != nil {
			fmt.Fprintf(os.Stderr, "warning: save itinerary: %v\n", err)
		}
	}

	if rs.Run.Status != models.RunStatusCompleted {
		return fmt.Errorf("run %s: %s", rs.Run.Status, rs.Run.Error)
	}
	return nil
}

// watchBudgetConfig hot-reloads budget caps while the run streams, so an
// operator can tighten or lift the caps without restarting. Returns nil when
// no config file exists to watch.
func watchBudgetConfig(a *app) *config.Watcher {
	path := effectiveConfigPath()
	if path == "" {
		return nil
	}
	w, err := config.Watch(path, func(cfg *config.Config) {
		a.costs.SetBudget(ledger.Budget{
			SoftCapUSD: cfg.Budget.SoftCapUSD,
			HardCapUSD: cfg.Budget.HardCapUSD,
		})
		log.Printf("[cli] budget caps now soft=$%.2f hard=$%.2f", cfg.Budget.SoftCapUSD, cfg.Budget.HardCapUSD)
	})
	if err != nil {
		log.Printf("[cli] config watch: %v", err)
		return nil
	}
	return w
}

// effectiveConfigPath resolves the config file the run is actually using:
// the --config flag, then the project override, then the user config.
func effectiveConfigPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	for _, p := range []string{config.GetProjectConfigPath(), config.GetUserConfigPath()} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// readRunInput loads the YAML input mapping for a run.
func readRunInput(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	var input map[string]any
	if err := yaml.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("parse input file: %w", err)
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("input file %s is empty", path)
	}
	return input, nil
}

func printEvent(ev events.Event) {
	ts := ev.Timestamp.Format("15:04:05")

	if ev.Type == events.TypeRun {
		fmt.Printf("[%s] run %s\n", ts, runStatusString(ev.RunStatus))
		return
	}

	attempt := ""
	if ev.Attempt > 0 {
		attempt = fmt.Sprintf(" (attempt %d)", ev.Attempt)
	}
	note := ""
	if ev.Detail != nil {
		if hit, ok := ev.Detail["cache_hit"].(bool); ok && hit {
			note = " [cached]"
		}
		if reason, ok := ev.Detail["error"].(string); ok {
			note = " " + reason
		}
	}
	fmt.Printf("[%s]   %-13s %s%s%s\n", ts, ev.AgentType, nodeStatusString(ev.NodeStatus), attempt, note)
}

func runStatusString(s models.RunStatus) string {
	switch s {
	case models.RunStatusCompleted:
		return color.GreenString(string(s))
	case models.RunStatusFailed:
		return color.RedString(string(s))
	case models.RunStatusCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func nodeStatusString(s models.NodeStatus) string {
	switch s {
	case models.NodeStatusSucceeded:
		return color.GreenString(string(s))
	case models.NodeStatusFailed:
		return color.RedString(string(s))
	case models.NodeStatusSkipped:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func printRunSummary(a *app, rs *orchestrator.RunState) {
	fmt.Printf("Status: %s\n", runStatusString(rs.Run.Status))
	if rs.Run.Error != "" {
		fmt.Printf("Error: %s\n", rs.Run.Error)
	}
	if len(rs.Run.Degraded) > 0 {
		fmt.Printf("Degraded: %s\n", color.YellowString(joinAgents(rs.Run.Degraded)))
	}

	if len(rs.State.Outputs) > 0 {
		fmt.Println("\nItinerary:")
		out, err := yaml.Marshal(sortedOutputs(rs.State))
		if err == nil {
			fmt.Print(indent(string(out), "  "))
		}
	}

	printCosts(a, rs.Run.ID)
}

func printCosts(a *app, runID string) {
	totals, err := a.costs.RunTotal(runID)
	if err != nil || totals.Entries == 0 {
		return
	}
	perAgent, err := a.costs.AgentTotals(runID)
	if err != nil {
		return
	}

	fmt.Println("\nCost:")
	for _, agentType := range models.AllAgentTypes {
		t, ok := perAgent[agentType]
		if !ok {
			continue
		}
		fmt.Printf("  %-13s $%.4f  (%d in / %d out tokens)\n", agentType, t.CostUSD, t.TokensIn, t.TokensOut)
	}
	fmt.Printf("  %-13s $%.4f  (%d in / %d out tokens)\n", "total", totals.CostUSD, totals.TokensIn, totals.TokensOut)
}

// saveItinerary writes the final outputs to the context store so later plans
// in the same scope can search them.
func saveItinerary(store *contextstore.Store, planID string, rs *orchestrator.RunState) error {
	rec := &contextstore.Record{
		Scope:       planID,
		ContentType: "itinerary",
		Payload:     sortedOutputs(rs.State),
		SourceRunID: rs.Run.ID,
		Searchable:  true,
	}
	if err := store.Upsert(rec); err != nil {
		return err
	}
	// Index it now instead of leaving the write for a later reconciler.
	if _, err := store.Reconcile(); err != nil {
		return err
	}
	return nil
}

// sortedOutputs flattens PlanState outputs into a string-keyed map in agent
// declaration order, for stable YAML rendering.
func sortedOutputs(s *models.PlanState) map[string]any {
	out := make(map[string]any, len(s.Outputs))
	for agentType, payload := range s.Outputs {
		out[string(agentType)] = payload
	}
	return out
}

func joinAgents(agents []models.AgentType) string {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = string(a)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n") + "\n"
}
