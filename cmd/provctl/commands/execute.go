package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/engine"
)

func newExecuteCommand() *cobra.Command {
	var (
		overrides   engine.CallerOverrides
		timeout     time.Duration
		skipRefresh bool
	)

	cmd := &cobra.Command{
		Use:   "execute <provisioner-id> <command>",
		Short: "Run one execution and wait for its outcome",
		Long: `Run a single execution of a declared provisioner in this process.

The command is one of PLAN, APPLY or DESTROY. The request is built
from the declaration and flags, checked against dispatch policies and sent
to a worker. The command waits for the terminal outcome, including any
automatic rollback.`,
		Example: `  # Plan the network provisioner in staging
  provctl execute network PLAN --environment staging

  # Apply with an extra variable and a target
  provctl execute network APPLY --environment prod --var region=eu-west-1 --target module.vpc`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			command, err := engine.ParseCommandKind(args[1])
			if err != nil {
				return err
			}
			overrides.Timeout = timeout
			if cmd.Flags().Changed("skip-refresh") {
				overrides.SkipRefresh = &skipRefresh
			}

			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.start(ctx); err != nil {
				return err
			}

			handle, err := a.machine.Execute(ctx, args[0], command, overrides)
			if err != nil {
				return err
			}
			outcome, err := a.machine.Wait(ctx, handle.CorrelationID)
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), outcome, func(w io.Writer) { printOutcome(w, outcome) }); err != nil {
				return err
			}
			if outcome.State != engine.StateSucceeded {
				return fmt.Errorf("execution %s ended in %s", outcome.CorrelationID, outcome.State)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&overrides.EnvironmentID, "environment", "", "environment id")
	f.StringVar(&overrides.Workspace, "workspace", "", "workspace name")
	f.StringVar(&overrides.WorkflowExecutionID, "workflow-execution-id", "", "workflow execution id")
	f.StringVar(&overrides.Branch, "branch", "", "source branch")
	f.StringVar(&overrides.Commit, "commit", "", "source commit")
	f.StringVar(&overrides.Path, "path", "", "path within the source")
	f.StringVar(&overrides.TemplateURL, "template-url", "", "CloudFormation template URL")
	f.StringToStringVar(&overrides.Variables, "var", nil, "variable override (key=value)")
	f.StringToStringVar(&overrides.BackendConfigs, "backend-config", nil, "backend config override (key=value)")
	f.StringToStringVar(&overrides.EnvironmentVariables, "env", nil, "environment variable for the tool (KEY=value)")
	f.StringSliceVar(&overrides.Targets, "target", nil, "resource target (repeatable)")
	f.StringSliceVar(&overrides.VarFiles, "var-file", nil, "var file (repeatable)")
	f.BoolVar(&overrides.ExportPlan, "export-plan", false, "upload the plan file as an artifact")
	f.BoolVar(&skipRefresh, "skip-refresh", false, "skip state refresh")
	f.DurationVar(&timeout, "timeout", 0, "execution timeout")

	return cmd
}

func printOutcome(w io.Writer, o *engine.TerminalOutcome) {
	fmt.Fprintf(w, "correlation: %s\nentity:      %s\nstate:       %s\n", o.CorrelationID, o.EntityID, o.State)
	if o.ErrorMessage != "" {
		fmt.Fprintf(w, "error:       %s", o.ErrorMessage)
		if o.ErrorCode != "" {
			fmt.Fprintf(w, " (%s)", o.ErrorCode)
		}
		fmt.Fprintln(w)
	}
	if o.TimedOut {
		fmt.Fprintln(w, "timed out:   true")
	}
	if o.Degraded {
		fmt.Fprintln(w, "warning:     history was not recorded")
	}
	if o.Rollback != nil {
		fmt.Fprintf(w, "rollback:    %+v\n", *o.Rollback)
	}
}
