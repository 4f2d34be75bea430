package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flowgraph/pkg/cache"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached node outputs",
	}

	cmd.AddCommand(newCacheClearCommand())

	return cmd
}

func newCacheClearCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear <file>",
		Short: "Clear the cached outputs of a workflow",
		Long: `Clear every cached output of a workflow from the configured backend,
so the next run executes all nodes.`,
		Example: `  flowgraph cache clear greeting.yaml`,
		Args:    cobra.ExactArgs(1),
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
			store, err := env.openCache(ctx)
			if err != nil {
				return err
			}
			if err := cache.New(wf, store).Clear(ctx); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s cache of %s (%s)\n", env.cfg.Cache.Backend, wf.Name(), wf.UUID())
			return nil
		},
	}

	return cmd
}
