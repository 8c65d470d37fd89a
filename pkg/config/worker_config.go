package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provisioner/pkg/files"
	"github.com/openfroyo/provisioner/pkg/secrets"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/worker/redisqueue"
	"github.com/openfroyo/provisioner/pkg/worker/runner"
)

// WorkerNodeConfig configures the worker binary.
type WorkerNodeConfig struct {
	Telemetry *telemetry.Config `yaml:"telemetry"`

	Runner runner.Config       `yaml:"runner"`
	Vault  secrets.VaultConfig `yaml:"vault"`
	MinIO  files.MinIOConfig   `yaml:"minio"`
	Redis  redisqueue.Config   `yaml:"redis"`

	// IdleTimeout ends a stdio worker that receives no command. Zero
	// disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout" validate:"gte=0"`
}

// DefaultWorkerNodeConfig logs to stderr so stdout stays free for the
// protocol.
func DefaultWorkerNodeConfig() *WorkerNodeConfig {
	tel := telemetry.DefaultConfig()
	tel.ServiceName = "provisioner-worker"
	tel.Logging.Output = "stderr"
	tel.Logging.Format = "json"
	tel.Metrics.Enabled = false
	tel.Events.Enabled = false

	return &WorkerNodeConfig{
		Telemetry: tel,
		Vault: secrets.VaultConfig{
			Mount: "secret",
		},
		MinIO: files.MinIOConfig{
			Bucket: "provisioner-artifacts",
		},
		IdleTimeout: 5 * time.Minute,
	}
}

// LoadWorkerNodeConfig reads an optional YAML file over the defaults and
// applies PROVISIONER_* overrides. Workers started by the engine usually
// rely on the environment alone.
func LoadWorkerNodeConfig(path string) (*WorkerNodeConfig, error) {
	cfg := DefaultWorkerNodeConfig()
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

// ApplyEnv overrides settings from environment variables.
func (c *WorkerNodeConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}

	strs := map[string]*string{
		"LOG_LEVEL":        &c.Telemetry.Logging.Level,
		"LOG_FORMAT":       &c.Telemetry.Logging.Format,
		"WORKER_ID":        &c.Runner.WorkerID,
		"SOURCE_ROOT":      &c.Runner.SourceRoot,
		"SCRATCH_DIR":      &c.Runner.ScratchDir,
		"TERRAFORM_BIN":    &c.Runner.Tools.Terraform,
		"TERRAGRUNT_BIN":   &c.Runner.Tools.Terragrunt,
		"AWS_BIN":          &c.Runner.Tools.AWS,
		"VAULT_ADDR":       &c.Vault.Address,
		"VAULT_TOKEN":      &c.Vault.Token,
		"VAULT_MOUNT":      &c.Vault.Mount,
		"MINIO_ENDPOINT":   &c.MinIO.Endpoint,
		"MINIO_ACCESS_KEY": &c.MinIO.AccessKey,
		"MINIO_SECRET_KEY": &c.MinIO.SecretKey,
		"MINIO_BUCKET":     &c.MinIO.Bucket,
		"REDIS_ADDR":       &c.Redis.Addr,
		"REDIS_PASSWORD":   &c.Redis.Password,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "IDLE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sIDLE_TIMEOUT: %w", EnvPrefix, err)
		}
		c.IdleTimeout = d
	}
	if v, ok := lookup(EnvPrefix + "MINIO_USE_SSL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sMINIO_USE_SSL: %w", EnvPrefix, err)
		}
		c.MinIO.UseSSL = b
	}
	if v, ok := lookup(EnvPrefix + "REDIS_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sREDIS_CONCURRENCY: %w", EnvPrefix, err)
		}
		c.Redis.Concurrency = n
	}
	return nil
}

// Validate checks struct tags and the telemetry section.
func (c *WorkerNodeConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry config: %w", err)
		}
	}
	if c.Redis.Concurrency < 0 {
		return fmt.Errorf("invalid worker config: redis concurrency must not be negative")
	}
	return nil
}
