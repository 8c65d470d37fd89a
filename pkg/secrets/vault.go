package secrets

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// VaultConfig configures the Vault KV v2 backend.
type VaultConfig struct {
	// Address is the Vault server, e.g. https://vault.example.com:8200.
	Address string `yaml:"address" json:"address"`

	// Token authenticates the client. Only workers need read access.
	Token string `yaml:"token" json:"-"`

	// Mount is the KV v2 mount path.
	Mount string `yaml:"mount" json:"mount"`

	Namespace string        `yaml:"namespace" json:"namespace"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`

	// VerifyOnResolve reads each secret while building a request so that
	// missing secrets fail before dispatch.
	VerifyOnResolve bool `yaml:"verify_on_resolve" json:"verify_on_resolve"`
}

// VaultStore resolves and reveals secrets in a Vault KV v2 mount.
type VaultStore struct {
	client *api.Client
	cfg    VaultConfig
	logger zerolog.Logger
}

// NewVaultStore creates a Vault client for cfg.
func NewVaultStore(cfg VaultConfig, logger zerolog.Logger) (*VaultStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.Mount = strings.Trim(cfg.Mount, "/")

	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.HttpClient = &http.Client{Timeout: cfg.Timeout}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &VaultStore{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "vault").Logger(),
	}, nil
}

// ResolveReference maps a declared value to a vault reference.
func (v *VaultStore) ResolveReference(ctx context.Context, name, value string) (engine.SecretRef, error) {
	ref, err := ParseReference(ProviderVault, name, value)
	if err != nil {
		return engine.SecretRef{}, err
	}
	if v.cfg.VerifyOnResolve {
		if _, err := v.Reveal(ctx, ref); err != nil {
			return engine.SecretRef{}, err
		}
	}
	return ref, nil
}

// EncryptionDetails tells a worker where to read the reference. It never
// includes the token.
func (v *VaultStore) EncryptionDetails(_ context.Context, ref engine.SecretRef) (map[string]string, error) {
	details := map[string]string{
		"provider": ProviderVault,
		"address":  v.cfg.Address,
		"mount":    v.cfg.Mount,
		"path":     ref.Path,
	}
	if v.cfg.Namespace != "" {
		details["namespace"] = v.cfg.Namespace
	}
	return details, nil
}

// Reveal reads the key of a KV v2 secret.
func (v *VaultStore) Reveal(ctx context.Context, ref engine.SecretRef) (string, error) {
	start := time.Now()
	path := fmt.Sprintf("%s/data/%s", v.cfg.Mount, ref.Path)

	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		v.logger.Error().Err(err).Str("path", path).Msg("failed to read from vault")
		return "", engine.NewTransientError("failed to read secret "+ref.String(), err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid data format in vault response for %s", ref)
	}
	raw, ok := data[ref.Key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("secret %s is not a string", ref)
	}

	v.logger.Debug().
		Str("ref", ref.String()).
		Dur("duration", time.Since(start)).
		Msg("revealed secret")
	return value, nil
}

// Available reports whether Vault is initialized and unsealed.
func (v *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := v.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		v.logger.Debug().Err(err).Msg("vault health check failed")
		return false
	}
	return health.Initialized && !health.Sealed
}
