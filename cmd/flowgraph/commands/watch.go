package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flowgraph/pkg/definition"
)

func newWatchCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Run a workflow again whenever its definition changes",
		Long: `Run a workflow, then watch its definition file.

Every saved version is applied to the running workflow in place: removed
nodes are dropped, new nodes created and changed ones updated. Only nodes
whose definition or inputs changed execute again; the others are served
from the cache.`,
		Example: `  # Re-run on every save
  flowgraph watch greeting.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			_, wf, err := env.loadWorkflow(path)
			if err != nil {
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

			run := func() {
				e.Execute(ctx)
				if err := printRun(cmd.OutOrStdout(), e, jsonOutput); err != nil {
					log.Error().Err(err).Msg("Failed to print run")
				}
			}
			run()

			watcher := definition.NewWatcher(path, definition.WithWatchLogger(log.Logger))
			return watcher.Watch(ctx, func(doc *definition.Document) error {
				changes, err := definition.Apply(wf, doc)
				if err != nil {
					return err
				}
				if changes.Empty() {
					log.Info().Msg("Definition unchanged")
					return nil
				}
				log.Info().Str("changes", changes.String()).Msg("Definition applied")
				if err := env.checkPolicies(ctx, wf, cmd.ErrOrStderr()); err != nil {
					return err
				}
				run()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.eventsPath, "events", "", "write run events as JSON lines to this file (- for stdout)")

	return cmd
}
