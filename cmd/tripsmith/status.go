package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripsmith-ai/tripsmith/internal/orchestrator"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show persisted runs",
	Long: `Display persisted plan runs.

Without arguments, lists the most recent runs. With a run ID, shows the
run's execution history, per-agent cost breakdown, and outcome.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of recent runs to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) == 1 {
		return showRun(a, args[0])
	}
	return listRuns(a)
}

func listRuns(a *app) error {
	runs, err := a.db.ListRuns(statusLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded. Start one with 'tripsmith run <input.yaml>'.")
		return nil
	}

	fmt.Println("Recent runs:")
	for _, run := range runs {
		elapsed := formatDuration(time.Since(run.StartedAt))
		extra := ""
		if len(run.Degraded) > 0 {
			extra = fmt.Sprintf(" degraded=%s", joinAgents(run.Degraded))
		}
		fmt.Printf("  %s  %-10s %s ago%s\n", run.ID, runStatusString(run.Status), elapsed, extra)
	}
	return nil
}

func showRun(a *app, runID string) error {
	rs, err := a.engine.GetRunState(runID)
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run %s\n", rs.Run.ID)
	fmt.Printf("  Plan: %s\n", rs.Run.PlanID)
	fmt.Printf("  Graph: %s\n", rs.Run.GraphVersion)
	fmt.Printf("  Started: %s ago\n", formatDuration(time.Since(rs.Run.StartedAt)))
	if rs.Run.CompletedAt != nil {
		fmt.Printf("  Duration: %s\n", formatDuration(rs.Run.CompletedAt.Sub(rs.Run.StartedAt)))
	}

	if len(rs.Executions) > 0 {
		fmt.Println("\nExecutions:")
		for _, exec := range rs.Executions {
			note := ""
			switch {
			case exec.CacheHit:
				note = "[cached]"
			case exec.Error != "":
				note = exec.Error
			}
			fmt.Printf("  %-13s #%d %-10s %s\n", exec.AgentType, exec.Attempt, nodeStatusString(exec.Status), note)
		}
	}

	fmt.Println()
	printRunSummary(a, rs)
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
