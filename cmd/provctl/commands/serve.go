package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/api"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine HTTP service",
		Long: `Run the engine with its HTTP API.

The service accepts executions, receives worker results, serves snapshot
history and exposes /healthz and /metrics. With provisioners.watch or
policy.watch set, declaration and policy changes are picked up without a
restart.`,
		Example: `  # Serve with a config file
  provctl serve --config engine.yaml

  # Override the listen address
  provctl serve --listen :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.start(ctx); err != nil {
				return err
			}

			server := api.NewServer(api.Deps{
				Engine:    a.machine,
				Results:   a.dispatcher,
				Snapshots: a.history,
				Activity:  a.activity,
				Metrics:   a.tel.Metrics,
				Checks:    a.checks(),
			}, a.logger)

			a.logger.Info().
				Str("listen", cfg.API.Listen).
				Str("worker_mode", cfg.Worker.Mode).
				Strs("provisioners", a.catalog.IDs()).
				Msg("engine started")
			return server.ListenAndServe(ctx, cfg.API.Listen, cfg.API.ShutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides api.listen)")

	return cmd
}
