// Command provisioner-worker runs Terraform, Terragrunt and CloudFormation
// requests for the engine.
//
// By default it speaks the line protocol on stdin and stdout, which is how
// the process and SSH pools start it. The redis subcommand consumes the
// Redis request queue instead. Logs always go to stderr in stdio mode.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/files"
	"github.com/openfroyo/provisioner/pkg/secrets"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/worker/redisqueue"
	"github.com/openfroyo/provisioner/pkg/worker/runner"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var configPath string

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	runner.Version = Version

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Worker failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "provisioner-worker",
		Short:         "Execute provisioner requests",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newWorker(true)
			if err != nil {
				return err
			}
			defer w.shutdown()
			return w.runner.Serve(cmd.Context(), os.Stdin, os.Stdout, w.cfg.IdleTimeout)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(&cobra.Command{
		Use:   "redis",
		Short: "Consume requests from the Redis queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := newWorker(false)
			if err != nil {
				return err
			}
			defer w.shutdown()

			client, err := redisqueue.NewClient(ctx, w.cfg.Redis)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := w.tel.StartMetricsServer(); err != nil {
				return err
			}
			return redisqueue.NewConsumer(client, w.cfg.Redis, w.runner, w.logger).Run(ctx)
		},
	})

	return root
}

type worker struct {
	cfg    *config.WorkerNodeConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	runner *runner.Runner
}

func newWorker(stdio bool) (*worker, error) {
	cfg, err := config.LoadWorkerNodeConfig(configPath)
	if err != nil {
		return nil, err
	}
	if stdio && cfg.Telemetry.Logging.Output == "stdout" {
		// stdout carries the protocol.
		cfg.Telemetry.Logging.Output = "stderr"
	}
	cfg.Telemetry.ServiceVersion = Version

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	revealers := secrets.Revealers{
		secrets.ProviderStatic: secrets.NewStaticStore(nil),
	}
	if cfg.Vault.Address != "" {
		vault, err := secrets.NewVaultStore(cfg.Vault, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create vault client: %w", err)
		}
		revealers[secrets.ProviderVault] = vault
	}

	opts := []runner.Option{runner.WithTelemetry(tel)}
	if cfg.MinIO.Endpoint != "" {
		artifacts, err := files.NewArtifactStore(cfg.MinIO, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create artifact store: %w", err)
		}
		opts = append(opts, runner.WithArtifacts(artifacts))
	}

	var revealer engine.SecretRevealer = revealers
	return &worker{
		cfg:    cfg,
		tel:    tel,
		logger: logger,
		runner: runner.New(cfg.Runner, revealer, logger, opts...),
	}, nil
}

func (w *worker) shutdown() {
	if err := w.tel.Shutdown(context.Background()); err != nil {
		w.logger.Warn().Err(err).Msg("telemetry shutdown failed")
	}
}
