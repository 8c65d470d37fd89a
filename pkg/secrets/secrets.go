// Package secrets resolves encrypted provisioner variables into references
// and reveals them on workers.
//
// The engine only ever handles references. A declared encrypted value names
// the secret as "path" or "path#key"; the key defaults to the variable name.
// Workers hold a Revealer for each provider and read the plaintext just
// before running the tool.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// Provider names stamped on references.
const (
	ProviderVault  = "vault"
	ProviderStatic = "static"
)

// ErrSecretNotFound is returned when a path or key does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// ParseReference splits a declared value into path and key. The key falls
// back to name when the value carries none.
func ParseReference(provider, name, value string) (engine.SecretRef, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return engine.SecretRef{}, fmt.Errorf("encrypted variable %s has no secret path", name)
	}

	path, key, _ := strings.Cut(value, "#")
	path = strings.Trim(path, "/")
	if path == "" {
		return engine.SecretRef{}, fmt.Errorf("encrypted variable %s has an empty secret path", name)
	}
	if key == "" {
		key = name
	}
	return engine.SecretRef{Provider: provider, Path: path, Key: key}, nil
}

// StaticStore is an in-memory secret store for tests and local runs. It
// resolves, describes and reveals references.
type StaticStore struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

// NewStaticStore creates a store holding path -> key -> value.
func NewStaticStore(secrets map[string]map[string]string) *StaticStore {
	s := &StaticStore{secrets: make(map[string]map[string]string)}
	for path, kv := range secrets {
		for k, v := range kv {
			s.Put(path, k, v)
		}
	}
	return s
}

// Put stores a value.
func (s *StaticStore) Put(path, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path = strings.Trim(path, "/")
	if s.secrets[path] == nil {
		s.secrets[path] = make(map[string]string)
	}
	s.secrets[path][key] = value
}

// ResolveReference returns a reference to an existing secret.
func (s *StaticStore) ResolveReference(ctx context.Context, name, value string) (engine.SecretRef, error) {
	ref, err := ParseReference(ProviderStatic, name, value)
	if err != nil {
		return engine.SecretRef{}, err
	}
	if _, err := s.Reveal(ctx, ref); err != nil {
		return engine.SecretRef{}, err
	}
	return ref, nil
}

// EncryptionDetails identifies the provider only.
func (s *StaticStore) EncryptionDetails(context.Context, engine.SecretRef) (map[string]string, error) {
	return map[string]string{"provider": ProviderStatic}, nil
}

// Reveal returns the stored value.
func (s *StaticStore) Reveal(_ context.Context, ref engine.SecretRef) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[ref.Path][ref.Key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	return v, nil
}

// Revealers routes Reveal to the revealer registered for a reference's
// provider.
type Revealers map[string]engine.SecretRevealer

// Reveal implements engine.SecretRevealer.
func (r Revealers) Reveal(ctx context.Context, ref engine.SecretRef) (string, error) {
	rev, ok := r[ref.Provider]
	if !ok {
		return "", fmt.Errorf("no secret provider %q for %s", ref.Provider, ref)
	}
	return rev.Reveal(ctx, ref)
}

// RevealAll reveals every reference in refs, keyed as the input.
func RevealAll(ctx context.Context, rev engine.SecretRevealer, refs map[string]engine.SecretRef) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for name, ref := range refs {
		v, err := rev.Reveal(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to reveal %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
