package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "validate [provisioners-dir]",
		Short: "Validate provisioner declarations and dispatch policies",
		Long: `Validate provisioner declarations and dispatch policies without starting
workers or opening the snapshot store.

This command checks:
  - YAML syntax and the declaration schema
  - Duplicate provisioner ids
  - Rego syntax of every policy and that each has its own package`,
		Example: `  # Validate the directories from the config file
  provctl validate --config engine.yaml

  # Validate a specific directory and policy tree
  provctl validate ./provisioners --policy ./policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			dir := cfg.Provisioners.Dir
			if len(args) > 0 {
				dir = args[0]
			}
			if cmd.Flags().Changed("policy") {
				cfg.Policy.Paths = policyPaths
			}

			catalog, err := config.NewCatalog(dir, log.Logger)
			if err != nil {
				return err
			}
			if err := catalog.Load(ctx); err != nil {
				return fmt.Errorf("provisioners invalid: %w", err)
			}

			pe, err := policy.NewEngine(ctx, log.Logger)
			if err != nil {
				return err
			}
			if len(cfg.Policy.Paths) > 0 {
				if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
					return fmt.Errorf("policies invalid: %w", err)
				}
			}

			type entry struct {
				ID     string `json:"id"`
				Source string `json:"source"`
			}
			report := struct {
				Provisioners []entry  `json:"provisioners"`
				Policies     []string `json:"policies"`
			}{}
			for _, id := range catalog.IDs() {
				report.Provisioners = append(report.Provisioners, entry{ID: id, Source: catalog.Source(id)})
			}
			for _, p := range pe.Policies() {
				report.Policies = append(report.Policies, p.Name)
			}

			return printResult(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "%d provisioner(s) valid\n", len(report.Provisioners))
				for _, e := range report.Provisioners {
					fmt.Fprintf(w, "  %s (%s)\n", e.ID, e.Source)
				}
				fmt.Fprintf(w, "%d polic(ies) compiled\n", len(report.Policies))
				for _, name := range report.Policies {
					fmt.Fprintf(w, "  %s\n", name)
				}
			})
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "policy file or directory (repeatable)")

	return cmd
}
