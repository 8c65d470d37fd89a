package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/engine"
)

func newIdentityCommand() *cobra.Command {
	var environment, branch, path, workspace string

	cmd := &cobra.Command{
		Use:   "identity <provisioner-id>",
		Short: "Print the entity ids for a provisioner",
		Long: `Print the entity id the engine derives for a provisioner, together with
the legacy id older snapshots may still be stored under. The path is the
rendered path, after expressions are evaluated.`,
		Example: `  provctl identity network --environment prod --branch main --path stacks/vpc`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := struct {
				EntityID       string `json:"entity_id"`
				LegacyEntityID string `json:"legacy_entity_id"`
			}{
				EntityID:       engine.DeriveEntityID(args[0], environment, branch, path, workspace),
				LegacyEntityID: engine.LegacyEntityID(args[0], environment, workspace),
			}
			return printResult(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "entity id:        %s\n", out.EntityID)
				fmt.Fprintf(w, "legacy entity id: %s\n", out.LegacyEntityID)
			})
		},
	}

	cmd.Flags().StringVar(&environment, "environment", "", "environment id")
	cmd.Flags().StringVar(&branch, "branch", "", "source branch")
	cmd.Flags().StringVar(&path, "path", "", "rendered source path")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace name")

	return cmd
}
