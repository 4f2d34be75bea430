package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flowgraph/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition",
		Long: `Validate a workflow definition without running it.

This command checks:
  - the document structure (YAML, JSON or CUE)
  - that every connection names existing nodes and connectors
  - that the graph is non-empty, acyclic and connected
  - that every required input is connected with a compatible type
  - that no policy denies the workflow`,
		Example: `  # Validate a definition
  flowgraph validate greeting.yaml

  # Print the graph in Graphviz DOT format
  flowgraph validate --dot greeting.cue | dot -Tsvg > greeting.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer env.Close()

			_, wf, err := env.loadWorkflow(args[0])
			if err != nil {
				return err
			}

			log.Debug().Str("path", args[0]).Int("nodes", wf.Len()).Msg("Validating workflow")
			errs := errorStrings(wf.IsValid().List())

			var violations []policy.Violation
			if len(errs) == 0 {
				result, err := env.evaluatePolicies(cmd.Context(), wf)
				if err != nil {
					return err
				}
				if result != nil {
					violations = result.Violations
					for _, v := range violations {
						if v.Severity == policy.SeverityError {
							errs = append(errs, v.String())
						}
					}
				}
			}

			out := cmd.OutOrStdout()
			switch {
			case jsonOutput:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{
					"workflow": wf.Name(),
					"uuid":     wf.UUID().String(),
					"valid":    len(errs) == 0,
					"errors":   errs,
					"policy":   violations,
				}); err != nil {
					return err
				}
			case dot:
				fmt.Fprint(out, wf.ToDOT())
			case len(errs) == 0:
				fmt.Fprintf(out, "%s is valid (%d nodes, %d connections)\n", wf.Name(), wf.Len(), len(wf.Edges()))
				for _, v := range violations {
					fmt.Fprintf(out, "  policy %s\n", v)
				}
			default:
				fmt.Fprintf(out, "%s is invalid:\n", wf.Name())
				for _, e := range errs {
					fmt.Fprintf(out, "  - %s\n", e)
				}
			}

			if len(errs) > 0 {
				return fmt.Errorf("workflow %s is invalid", wf.Name())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in Graphviz DOT format")

	return cmd
}
