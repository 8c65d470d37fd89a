package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/files"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and delete execution snapshots",
	}
	cmd.AddCommand(newSnapshotGetCommand())
	cmd.AddCommand(newSnapshotDeleteCommand())
	return cmd
}

func newSnapshotGetCommand() *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "get <entity-id>",
		Short: "Show the latest snapshot of an entity",
		Example: `  # Latest snapshot
  provctl snapshot get 3f2a9c...

  # Last five snapshots as JSON
  provctl snapshot get 3f2a9c... --history 5 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			a, err := historyOnly(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if history > 0 {
				snaps, err := a.history.List(ctx, args[0], history)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), snaps, func(w io.Writer) {
					if len(snaps) == 0 {
						fmt.Fprintf(w, "no snapshots for %s\n", args[0])
					}
					for _, s := range snaps {
						printSnapshot(w, s)
						fmt.Fprintln(w)
					}
				})
			}

			snap, err := a.history.FindLatest(ctx, args[0])
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("no snapshot for %s", args[0])
			}
			return printResult(cmd.OutOrStdout(), snap, func(w io.Writer) { printSnapshot(w, snap) })
		},
	}

	cmd.Flags().IntVar(&history, "history", 0, "list the newest N snapshots instead of the latest")

	return cmd
}

func newSnapshotDeleteCommand() *cobra.Command {
	var (
		key        engine.HistoryKey
		purgeState bool
	)

	cmd := &cobra.Command{
		Use:   "delete <entity-id>",
		Short: "Delete the snapshot history of an entity",
		Long: `Delete snapshot rows for an entity.

With --legacy-entity-id, rows stored under the older identity are removed
as well. With --workflow-execution-id only the rows of that execution are
removed. --purge-state also deletes the stored state files.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key.EntityID = args[0]

			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			a, err := historyOnly(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			deleted, err := a.history.Delete(ctx, key)
			if err != nil {
				return err
			}

			var purged []string
			if purgeState {
				if a.artifacts == nil {
					return fmt.Errorf("--purge-state requires minio.endpoint")
				}
				for _, id := range []string{key.EntityID, key.LegacyEntityID} {
					if id == "" {
						continue
					}
					stateKey := files.StateKey(id)
					if err := a.artifacts.Delete(ctx, stateKey); err != nil {
						return fmt.Errorf("failed to delete %s: %w", stateKey, err)
					}
					purged = append(purged, stateKey)
				}
			}

			out := map[string]interface{}{
				"entity_id": key.EntityID,
				"deleted":   deleted,
				"purged":    purged,
			}
			return printResult(cmd.OutOrStdout(), out, func(w io.Writer) {
				if deleted {
					fmt.Fprintf(w, "deleted snapshots for %s\n", key.EntityID)
				} else {
					fmt.Fprintf(w, "no snapshots for %s\n", key.EntityID)
				}
				for _, k := range purged {
					fmt.Fprintf(w, "deleted %s\n", k)
				}
			})
		},
	}

	cmd.Flags().StringVar(&key.LegacyEntityID, "legacy-entity-id", "", "also delete rows stored under this legacy id")
	cmd.Flags().StringVar(&key.WorkflowExecutionID, "workflow-execution-id", "", "only delete rows of this workflow execution")
	cmd.Flags().BoolVar(&purgeState, "purge-state", false, "delete stored state files too")

	return cmd
}

func printSnapshot(w io.Writer, s *engine.ExecutionSnapshot) {
	fmt.Fprintf(w, "entity:      %s\n", s.EntityID)
	fmt.Fprintf(w, "provisioner: %s (%s)\n", s.ProvisionerID, s.Kind)
	fmt.Fprintf(w, "command:     %s\n", s.Command)
	fmt.Fprintf(w, "created:     %s\n", s.CreatedAt.Format(time.RFC3339))
	if s.EnvironmentID != "" {
		fmt.Fprintf(w, "environment: %s\n", s.EnvironmentID)
	}
	if s.WorkflowExecutionID != "" {
		fmt.Fprintf(w, "workflow:    %s\n", s.WorkflowExecutionID)
	}
	if s.Source.RepoURL != "" {
		fmt.Fprintf(w, "source:      %s@%s %s\n", s.Source.RepoURL, s.Source.Branch, s.Source.Commit)
	}
	if s.Path != "" {
		fmt.Fprintf(w, "path:        %s\n", s.Path)
	}
	for name, ref := range s.EncryptedVariables {
		fmt.Fprintf(w, "secret var:  %s -> %s\n", name, ref)
	}
}
