package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/api"
	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/files"
	"github.com/openfroyo/provisioner/pkg/policy"
	"github.com/openfroyo/provisioner/pkg/secrets"
	"github.com/openfroyo/provisioner/pkg/stores"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/worker/client"
	"github.com/openfroyo/provisioner/pkg/worker/redisqueue"
	"github.com/openfroyo/provisioner/pkg/worker/runner"
)

// app is the wired engine shared by the subcommands.
type app struct {
	cfg    *config.EngineConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	backend    engine.PersistenceBackend
	history    *engine.History
	catalog    *config.Catalog
	dispatcher *engine.Dispatcher
	machine    *engine.Machine
	policy     *policy.Engine
	activity   *telemetry.ActivityLog
	artifacts  *files.ArtifactStore
	vault      *secrets.VaultStore
	redis      goredis.UniversalClient

	// background loops started by start
	loops   []func(ctx context.Context) error
	closers []func() error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// loadConfig reads the engine config. CLI commands log to stderr so their
// output stays parseable.
func loadConfig(forServe bool) (*config.EngineConfig, error) {
	cfg, err := config.LoadEngineConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceName = "provctl"
	if buildVersion != "" {
		cfg.Telemetry.ServiceVersion = buildVersion
	}
	if !forServe && cfg.Telemetry.Logging.Output == "stdout" {
		cfg.Telemetry.Logging.Output = "stderr"
	}
	return cfg, nil
}

// historyOnly opens telemetry and the snapshot store without workers.
func historyOnly(ctx context.Context, cfg *config.EngineConfig) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.openBase(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// newApp wires every component. Call start to run background loops and
// close when done.
func newApp(ctx context.Context, cfg *config.EngineConfig) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openBase(ctx context.Context) error {
	tel, err := telemetry.NewTelemetry(a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel
	a.logger = tel.Logger.Zerolog()

	backend, err := stores.Open(ctx, a.cfg.Store, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	a.backend = backend
	a.closers = append(a.closers, backend.Close)
	a.history = engine.NewHistory(backend, a.logger, tel.Metrics)
	a.activity = telemetry.NewActivityLog(a.logger, a.cfg.API.ActivityLines)

	if a.cfg.MinIO.Endpoint != "" {
		store, err := files.NewArtifactStore(a.cfg.MinIO, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create artifact store: %w", err)
		}
		a.artifacts = store
	}
	return nil
}

func (a *app) build(ctx context.Context) error {
	if err := a.openBase(ctx); err != nil {
		return err
	}

	catalog, err := config.NewCatalog(a.cfg.Provisioners.Dir, a.logger)
	if err != nil {
		return err
	}
	if err := catalog.Load(ctx); err != nil {
		return fmt.Errorf("failed to load provisioners: %w", err)
	}
	a.catalog = catalog

	resolver, err := a.secretResolver()
	if err != nil {
		return err
	}

	if a.artifacts != nil {
		if err := a.artifacts.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to prepare artifact bucket: %w", err)
		}
	}

	pool, err := a.workerPool(ctx)
	if err != nil {
		return err
	}
	a.dispatcher = engine.NewDispatcher(pool, engine.DispatcherConfig{
		DefaultTimeout:     a.cfg.Dispatcher.DefaultTimeout,
		TombstoneRetention: a.cfg.Dispatcher.TombstoneRetention,
	}, a.logger, a.tel.Metrics)

	outcomes := a.tel.Logger.NewComponentLogger("outcomes").Zerolog()
	cutover := runner.NewCLICutover(runner.OSExecutor{}, a.cfg.Cutover.AWSBinary, a.logger)
	machineCfg := engine.MachineConfig{
		Configs:    catalog,
		Dispatcher: a.dispatcher,
		History:    a.history,
		Files: &files.Router{
			Local: files.NewLocalFetcher(a.cfg.Sources.Root, a.logger),
			S3:    files.NewS3Fetcher(a.cfg.S3, a.logger),
		},
		Compensator: engine.NewBlueGreenCompensator(cutover, cutover, a.logger),
		Activity:    a.activity,
		Telemetry:   a.tel,
		Logger:      a.logger,
		Retention:   a.cfg.Dispatcher.TombstoneRetention,
		OnOutcome: func(o engine.TerminalOutcome) {
			outcomes.Info().
				Str("correlation_id", o.CorrelationID).
				Str("entity_id", o.EntityID).
				Str("state", string(o.State)).
				Msg("execution settled")
		},
	}
	classifier := engine.NewVariableClassifier(resolver)
	machineCfg.Builder = engine.NewRequestBuilder(classifier, config.NewStarlarkRenderer(0), a.history)

	if len(a.cfg.Policy.Paths) > 0 {
		pe, err := policy.NewEngine(ctx, a.logger)
		if err != nil {
			return err
		}
		if err := pe.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		a.policy = pe
		machineCfg.Policy = pe
	}

	machine, err := engine.NewMachine(machineCfg)
	if err != nil {
		return err
	}
	a.machine = machine
	return nil
}

func (a *app) secretResolver() (engine.SecretResolver, error) {
	if a.cfg.Vault.Address == "" {
		return secrets.NewStaticStore(nil), nil
	}
	vault, err := secrets.NewVaultStore(a.cfg.Vault, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	a.vault = vault
	return vault, nil
}

func (a *app) workerPool(ctx context.Context) (engine.RemoteWorkerPool, error) {
	switch a.cfg.Worker.Mode {
	case config.WorkerModeRedis:
		rdb, err := redisqueue.NewClient(ctx, a.cfg.Worker.Redis)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
		a.closers = append(a.closers, rdb.Close)
		pool := redisqueue.NewPool(rdb, a.cfg.Worker.Redis, a.logger,
			redisqueue.WithMetrics(a.tel.Metrics),
			redisqueue.WithActivityLogger(a.activity))
		a.loops = append(a.loops, pool.Run)
		return pool, nil

	case config.WorkerModeSSH:
		transport, err := client.NewSSHTransport(a.cfg.Worker.Runner, a.logger)
		if err != nil {
			return nil, err
		}
		return a.processPool(transport), nil

	default:
		transport, err := client.NewProcessTransport(a.cfg.Worker.Runner, a.logger)
		if err != nil {
			return nil, err
		}
		return a.processPool(transport), nil
	}
}

func (a *app) processPool(transport client.Transport) *client.Pool {
	pool := client.NewPool(a.cfg.Worker.Runner, transport, a.logger,
		client.WithMetrics(a.tel.Metrics),
		client.WithActivityLogger(a.activity))
	a.closers = append(a.closers, pool.Close)
	return pool
}

// start runs background loops and, when enabled, the catalog and policy
// watchers until ctx ends.
func (a *app) start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	for _, loop := range a.loops {
		a.wg.Add(1)
		go func(run func(context.Context) error) {
			defer a.wg.Done()
			if err := run(ctx); err != nil {
				a.logger.Error().Err(err).Msg("background loop stopped")
			}
		}(loop)
	}

	if a.cfg.Provisioners.Watch && a.catalog != nil {
		err := a.catalog.Watch(ctx, a.cfg.Provisioners.ReloadDelay, func(ids []string, err error) {
			if err != nil {
				a.logger.Error().Err(err).Msg("provisioner reload failed, keeping previous declarations")
				return
			}
			a.logger.Info().Strs("provisioners", ids).Msg("provisioners reloaded")
		})
		if err != nil {
			return err
		}
	}
	if a.cfg.Policy.Watch && a.policy != nil {
		if err := a.policy.Watch(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}
	return nil
}

// checks are the readiness probes served on /healthz.
func (a *app) checks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{}
	if hc, ok := a.backend.(interface{ HealthCheck(context.Context) error }); ok {
		checks["store"] = hc.HealthCheck
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	if a.vault != nil {
		checks["vault"] = func(ctx context.Context) error {
			if !a.vault.Available(ctx) {
				return errors.New("vault is sealed or unreachable")
			}
			return nil
		}
	}
	return checks
}

// close stops background loops, then releases components in reverse
// construction order.
func (a *app) close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown step failed")
		}
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.API.ShutdownTimeout)
		defer cancel()
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}
}
