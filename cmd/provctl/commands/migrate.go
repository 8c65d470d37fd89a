package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply snapshot store migrations",
		Long: `Apply pending schema migrations to the configured snapshot store. Run
this before serving when store.auto_migrate is off.`,
		Example: `  provctl migrate --config engine.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if dsn != "" {
				cfg.Store.DSN = dsn
			}

			store, err := stores.New(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.Store.Driver).Msg("Migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "store DSN (overrides store.dsn)")

	return cmd
}
