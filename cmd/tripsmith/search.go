package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <plan-id> <query>",
	Short: "Search stored itineraries and context for a plan",
	Long: `Search the context store within one plan's scope.

Results are ranked by similarity to the query. A result flagged stale was
rewritten after its last indexing and will be re-ranked once the index
catches up.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 5, "Maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	scope := args[0]
	query := strings.Join(args[1:], " ")

	// Drain any pending index updates so the results reflect recent writes.
	if _, err := a.contexts.Reconcile(); err != nil {
		return err
	}

	results, err := a.contexts.Search(scope, query, searchLimit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Printf("No matches in plan %s.\n", scope)
		return nil
	}

	for i, res := range results {
		staleNote := ""
		if res.Stale {
			staleNote = " (stale index)"
		}
		fmt.Printf("%d. %s  score=%.3f%s\n", i+1, res.Record.ContentType, res.Score, staleNote)
		if res.Record.SourceRunID != "" {
			fmt.Printf("   run: %s\n", res.Record.SourceRunID)
		}
		out, err := yaml.Marshal(res.Record.Payload)
		if err == nil {
			fmt.Print(indent(string(out), "   "))
		}
	}
	return nil
}
