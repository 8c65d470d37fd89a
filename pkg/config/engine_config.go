package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provisioner/pkg/files"
	"github.com/openfroyo/provisioner/pkg/secrets"
	"github.com/openfroyo/provisioner/pkg/stores"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/worker/client"
	"github.com/openfroyo/provisioner/pkg/worker/redisqueue"
)

// EnvPrefix prefixes environment variables that override file settings.
const EnvPrefix = "PROVISIONER_"

// Worker pool modes.
const (
	WorkerModeRedis   = "redis"
	WorkerModeProcess = "process"
	WorkerModeSSH     = "ssh"
)

// EngineConfig is the service configuration file.
type EngineConfig struct {
	Telemetry *telemetry.Config `yaml:"telemetry"`

	Store stores.Config `yaml:"store"`

	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Worker     WorkerConfig     `yaml:"worker"`

	Vault secrets.VaultConfig `yaml:"vault"`
	S3    files.S3Config      `yaml:"s3"`
	MinIO files.MinIOConfig   `yaml:"minio"`

	API          APIConfig          `yaml:"api"`
	Policy       PolicyConfig       `yaml:"policy"`
	Provisioners ProvisionersConfig `yaml:"provisioners"`
	Sources      SourcesConfig      `yaml:"sources"`
	Cutover      CutoverConfig      `yaml:"cutover"`
}

// DispatcherConfig tunes request/response correlation.
type DispatcherConfig struct {
	// DefaultTimeout applies when neither the request nor the provisioner
	// sets one.
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`

	// TombstoneRetention is how long resolved correlation ids are remembered
	// so late responses can be recognized.
	TombstoneRetention time.Duration `yaml:"tombstone_retention" validate:"gte=0"`
}

// WorkerConfig selects how requests reach workers.
type WorkerConfig struct {
	Mode   string            `yaml:"mode" validate:"required,oneof=redis process ssh"`
	Redis  redisqueue.Config `yaml:"redis"`
	Runner client.Config     `yaml:"runner"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Listen          string        `yaml:"listen" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ActivityLines   int           `yaml:"activity_lines" validate:"gte=0"`
}

// PolicyConfig points at Rego dispatch policies. No paths disables the gate.
type PolicyConfig struct {
	Paths []string `yaml:"paths"`
	Watch bool     `yaml:"watch"`
}

// ProvisionersConfig locates provisioner declarations.
type ProvisionersConfig struct {
	Dir         string        `yaml:"dir" validate:"required"`
	Watch       bool          `yaml:"watch"`
	ReloadDelay time.Duration `yaml:"reload_delay"`
}

// SourcesConfig locates repository checkouts for the local fetcher. S3
// sources are read with the s3 settings.
type SourcesConfig struct {
	Root string `yaml:"root" validate:"required"`
}

// CutoverConfig configures how the engine compensates failed blue/green
// cutovers.
type CutoverConfig struct {
	// AWSBinary is the aws CLI used to restore routing and capacity.
	AWSBinary string `yaml:"aws_binary" validate:"required"`
}

// DefaultEngineConfig returns a configuration that runs locally with SQLite
// and process workers.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Telemetry: telemetry.DefaultConfig(),
		Store: stores.Config{
			Driver:      stores.DriverSQLite,
			DSN:         "provisioner.db",
			AutoMigrate: true,
		},
		Dispatcher: DispatcherConfig{
			DefaultTimeout:     30 * time.Minute,
			TombstoneRetention: 10 * time.Minute,
		},
		Worker: WorkerConfig{
			Mode: WorkerModeProcess,
			Redis: redisqueue.Config{
				Addr:         "localhost:6379",
				RequestQueue: "provisioner:requests",
				ResultQueue:  "provisioner:results",
			},
			Runner: client.Config{
				Binary:        "provisioner-worker",
				MaxConcurrent: 4,
			},
		},
		Vault: secrets.VaultConfig{
			Mount: "secret",
		},
		MinIO: files.MinIOConfig{
			Bucket: "provisioner-artifacts",
		},
		API: APIConfig{
			Listen:          ":8080",
			ShutdownTimeout: 15 * time.Second,
			ActivityLines:   200,
		},
		Provisioners: ProvisionersConfig{
			Dir:         "provisioners",
			ReloadDelay: 500 * time.Millisecond,
		},
		Sources: SourcesConfig{
			Root: "sources",
		},
		Cutover: CutoverConfig{
			AWSBinary: "aws",
		},
	}
}

// LoadEngineConfig reads a YAML file over the defaults, applies
// PROVISIONER_* environment overrides and validates the result. An empty
// path loads defaults and environment only.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables looked up with
// lookup.
func (c *EngineConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}

	strs := map[string]*string{
		"LOG_LEVEL":        &c.Telemetry.Logging.Level,
		"LOG_FORMAT":       &c.Telemetry.Logging.Format,
		"OTLP_ENDPOINT":    &c.Telemetry.Tracing.Endpoint,
		"STORE_DRIVER":     &c.Store.Driver,
		"STORE_DSN":        &c.Store.DSN,
		"WORKER_MODE":      &c.Worker.Mode,
		"WORKER_BINARY":    &c.Worker.Runner.Binary,
		"REDIS_ADDR":       &c.Worker.Redis.Addr,
		"REDIS_PASSWORD":   &c.Worker.Redis.Password,
		"VAULT_ADDR":       &c.Vault.Address,
		"VAULT_TOKEN":      &c.Vault.Token,
		"VAULT_MOUNT":      &c.Vault.Mount,
		"S3_REGION":        &c.S3.Region,
		"S3_ENDPOINT":      &c.S3.Endpoint,
		"MINIO_ENDPOINT":   &c.MinIO.Endpoint,
		"MINIO_ACCESS_KEY": &c.MinIO.AccessKey,
		"MINIO_SECRET_KEY": &c.MinIO.SecretKey,
		"MINIO_BUCKET":     &c.MinIO.Bucket,
		"API_LISTEN":       &c.API.Listen,
		"PROVISIONERS_DIR": &c.Provisioners.Dir,
		"SOURCE_ROOT":      &c.Sources.Root,
		"AWS_BIN":          &c.Cutover.AWSBinary,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"DEFAULT_TIMEOUT":     &c.Dispatcher.DefaultTimeout,
		"TOMBSTONE_RETENTION": &c.Dispatcher.TombstoneRetention,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"STORE_AUTO_MIGRATE": &c.Store.AutoMigrate,
		"TRACING_ENABLED":    &c.Telemetry.Tracing.Enabled,
		"MINIO_USE_SSL":      &c.MinIO.UseSSL,
		"PROVISIONERS_WATCH": &c.Provisioners.Watch,
	}
	for key, dst := range bools {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}

	if v, ok := lookup(EnvPrefix + "POLICY_PATHS"); ok {
		c.Policy.Paths = splitList(v)
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
func (c *EngineConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry config: %w", err)
		}
	}
	switch c.Worker.Mode {
	case WorkerModeRedis:
		if c.Worker.Redis.Addr == "" {
			return fmt.Errorf("worker mode redis requires worker.redis.addr")
		}
	case WorkerModeSSH:
		if c.Worker.Runner.SSH == nil || c.Worker.Runner.SSH.Host == "" {
			return fmt.Errorf("worker mode ssh requires worker.runner.ssh.host")
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
