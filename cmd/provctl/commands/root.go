package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provctl",
		Short: "Provisioner engine for Terraform, Terragrunt and CloudFormation",
		Long: `provctl drives infrastructure provisioners through workers.

Provisioners are declared in YAML. Each execution is built into a request,
checked against dispatch policies, handed to a worker and correlated with
its result. Successful runs are recorded as snapshots so later plans can
reuse the last good inputs and failed applies can roll back.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newExecuteCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newIdentityCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newMigrateCommand())

	return rootCmd
}

// printResult writes v as indented JSON when --json is set, otherwise it
// calls human.
func printResult(w io.Writer, v interface{}, human func(io.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}
