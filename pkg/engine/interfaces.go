package engine

import (
	"context"
	"io"
)

// ConfigSource looks up declared provisioner configurations.
type ConfigSource interface {
	// Get returns the configuration for a provisioner id.
	Get(ctx context.Context, provisionerID string) (*ProvisionerConfig, error)
}

// SecretResolver turns encrypted variable values into opaque references.
type SecretResolver interface {
	// ResolveReference maps a declared encrypted value (a secret name or
	// path) to a reference the worker can reveal.
	ResolveReference(ctx context.Context, name, value string) (SecretRef, error)

	// EncryptionDetails returns what a worker needs to reach the secret
	// backend for a reference, excluding credentials.
	EncryptionDetails(ctx context.Context, ref SecretRef) (map[string]string, error)
}

// SecretRevealer reads the plaintext behind a reference. Only workers use it.
type SecretRevealer interface {
	Reveal(ctx context.Context, ref SecretRef) (string, error)
}

// FileFetcher retrieves configuration files from a source.
type FileFetcher interface {
	// Fetch returns the contents of paths under src. Missing paths are
	// absent from the bundle rather than an error.
	Fetch(ctx context.Context, src SourceRef, paths []string) (FileBundle, error)
}

// ArtifactStore keeps state and plan files produced by workers.
type ArtifactStore interface {
	// Put uploads an artifact and returns its pointer.
	Put(ctx context.Context, key string, r io.Reader, size int64) (*ArtifactRef, error)

	// Get opens an artifact for reading.
	Get(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error)
}

// ResultHandler receives worker results from a pool.
type ResultHandler func(correlationID string, result ExecutionResult)

// RemoteWorkerPool delivers requests to workers and reports their results.
type RemoteWorkerPool interface {
	// Enqueue hands a request to the pool. It must not block until the
	// worker finishes.
	Enqueue(ctx context.Context, req ExecutionRequest, correlationID string) error

	// OnWorkerResult registers the callback invoked for every result.
	OnWorkerResult(handler ResultHandler)
}

// PersistenceBackend stores snapshot rows.
type PersistenceBackend interface {
	// Append inserts a row and sets its ID.
	Append(ctx context.Context, rec *SnapshotRecord) error

	// Latest returns the newest row for an entity, or nil when none exists.
	Latest(ctx context.Context, entityID string) (*SnapshotRecord, error)

	// List returns rows for an entity, newest first. A limit <= 0 means all.
	List(ctx context.Context, entityID string, limit int) ([]*SnapshotRecord, error)

	// DeleteAll removes rows for an entity, optionally restricted to one
	// workflow execution, and returns the number removed.
	DeleteAll(ctx context.Context, entityID, workflowExecutionID string) (int64, error)

	// Close releases the backend.
	Close() error
}

// ActivityLogger records user-visible execution log lines.
type ActivityLogger interface {
	AppendLog(ctx context.Context, entityID, correlationID, message string)
}

// ExpressionRenderer evaluates ${...} expressions in configuration strings.
type ExpressionRenderer interface {
	Render(ctx context.Context, expr string, vars map[string]interface{}) (string, error)
}

// PolicyDecision is the outcome of a dispatch policy evaluation.
type PolicyDecision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// DispatchPolicy gates requests before they reach a worker.
type DispatchPolicy interface {
	Evaluate(ctx context.Context, req ExecutionRequest) (*PolicyDecision, error)
}

// TrafficRouter moves traffic between blue/green services.
type TrafficRouter interface {
	// UpdateRecord sets the routing weights of the new and old services on
	// the DNS record or listener named by spec.
	UpdateRecord(ctx context.Context, spec BlueGreenSpec, newWeight, oldWeight int) error
}

// ServiceScaler resizes container services.
type ServiceScaler interface {
	// Scale sets a service's desired count.
	Scale(ctx context.Context, cluster, service string, desired int) error

	// RestoreAutoscaling reinstates a service's scaling range.
	RestoreAutoscaling(ctx context.Context, cluster, service string, spec AutoscalingSpec) error
}
