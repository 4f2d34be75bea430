package commands

import (
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a workflow",
		Long: `Run a workflow definition once and print every node's outcome.

Deterministic nodes whose inputs did not change since a previous run are
served from the configured cache backend instead of executing. Workflows
denied by a policy do not run. The command exits non-zero when the run
fails.`,
		Example: `  # Run a workflow
  flowgraph run greeting.yaml

  # Override primitive values by node name
  flowgraph run --set num2=6 --set "text='Hi '" greeting.yaml

  # Serve Prometheus metrics while running
  flowgraph run --metrics-addr :9090 greeting.yaml

  # Stream run events as JSON lines
  flowgraph run --events events.jsonl greeting.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			_, wf, err := env.loadWorkflow(args[0])
			if err != nil {
				return err
			}
			if err := applyOverrides(wf, opts.sets); err != nil {
				return err
			}
			registry, tel, err := env.newRegistry(ctx, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			ctx = tel.WithContext(ctx)
			if err := env.checkPolicies(ctx, wf, cmd.ErrOrStderr()); err != nil {
				return err
			}
			e, err := registry.Register(wf)
			if err != nil {
				return err
			}
			defer e.Close()

			ok := e.Execute(ctx)
			if err := printRun(cmd.OutOrStdout(), e, jsonOutput); err != nil {
				return err
			}
			if !ok {
				return errRunFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.eventsPath, "events", "", "write run events as JSON lines to this file (- for stdout)")
	cmd.Flags().StringArrayVar(&opts.sets, "set", nil, "override the value of a primitive node (name=value, repeatable)")

	return cmd
}
