package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit      int
		workflowID string
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `List recent runs from the history database, or the events of one run.

History is recorded when history.enabled is set in the configuration.`,
		Example: `  # List the last runs
  flowgraph history

  # Show the node events of a run
  flowgraph history 0b5c3f1e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			store, err := env.openHistory(ctx)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("run history is disabled, set history.enabled in the configuration")
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := store.GetEvents(ctx, run.ID, nil, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(out).Encode(map[string]any{"run": run, "events": events})
				}
				fmt.Fprintf(out, "Run %s of %s: %s\n", run.ID, run.WorkflowName, run.Status)
				for _, e := range events {
					fmt.Fprintf(out, "  %s %-7s %s\n", e.Timestamp.Format(time.TimeOnly), e.Level, e.Message)
				}
				return nil
			}

			var filter *string
			if workflowID != "" {
				filter = &workflowID
			}
			runs, err := store.ListRuns(ctx, filter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(out).Encode(runs)
			}
			for _, r := range runs {
				finished := "-"
				if r.FinishedAt != nil {
					finished = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(out, "%s  %-20s %-9s %8s  %d errors\n",
					r.ID, r.WorkflowName, r.Status, finished, r.ErrorCount)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs or events")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "only list runs of this workflow uuid")

	return cmd
}
