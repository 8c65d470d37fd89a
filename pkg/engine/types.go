package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Schema versions stamped on persisted and dispatched documents.
const (
	RequestSchemaVersion  = 1
	SnapshotSchemaVersion = 1
)

// SourceRef locates the configuration files a provisioner runs from.
type SourceRef struct {
	// RepoURL is the git repository or object-store prefix holding the files.
	RepoURL string `json:"repo_url,omitempty" yaml:"repo_url"`

	// Branch is the branch to check out. May contain expressions.
	Branch string `json:"branch,omitempty" yaml:"branch"`

	// Commit pins a specific revision and takes precedence over Branch.
	Commit string `json:"commit,omitempty" yaml:"commit"`

	// Bucket selects an S3 bucket instead of a git repository.
	Bucket string `json:"bucket,omitempty" yaml:"bucket"`
}

// DeclaredVariable is a variable, backend config or environment variable a
// provisioner accepts.
type DeclaredVariable struct {
	Name  string       `json:"name" yaml:"name" validate:"required"`
	Value string       `json:"value,omitempty" yaml:"value"`
	Type  VariableType `json:"type,omitempty" yaml:"type"`
}

// NetworkConfig describes where a containerised tool task runs.
type NetworkConfig struct {
	LaunchType       string   `json:"launch_type,omitempty" yaml:"launch_type"`
	NetworkMode      string   `json:"network_mode,omitempty" yaml:"network_mode"`
	VPCID            string   `json:"vpc_id,omitempty" yaml:"vpc_id"`
	SubnetIDs        []string `json:"subnet_ids,omitempty" yaml:"subnet_ids"`
	SecurityGroupIDs []string `json:"security_group_ids,omitempty" yaml:"security_group_ids"`
	ExecutionRoleARN string   `json:"execution_role_arn,omitempty" yaml:"execution_role_arn"`
	AssignPublicIP   bool     `json:"assign_public_ip,omitempty" yaml:"assign_public_ip"`
}

// AutoscalingSpec is the scaling range restored on an upsized service.
type AutoscalingSpec struct {
	MinCapacity int `json:"min_capacity" yaml:"min_capacity"`
	MaxCapacity int `json:"max_capacity" yaml:"max_capacity"`
}

// BlueGreenSpec describes an ECS blue/green cutover.
type BlueGreenSpec struct {
	// Cluster is the ECS cluster hosting both services.
	Cluster string `json:"cluster" yaml:"cluster" validate:"required"`

	// OldService is the service currently receiving traffic.
	OldService string `json:"old_service" yaml:"old_service" validate:"required"`

	// NewService is the service being cut over to.
	NewService string `json:"new_service" yaml:"new_service" validate:"required"`

	// HostedZoneID and RecordName identify the weighted DNS record.
	HostedZoneID string `json:"hosted_zone_id,omitempty" yaml:"hosted_zone_id"`
	RecordName   string `json:"record_name,omitempty" yaml:"record_name"`

	// ListenerARN and the target groups are used for ALB weighted routing.
	ListenerARN       string `json:"listener_arn,omitempty" yaml:"listener_arn"`
	OldTargetGroupARN string `json:"old_target_group_arn,omitempty" yaml:"old_target_group_arn"`
	NewTargetGroupARN string `json:"new_target_group_arn,omitempty" yaml:"new_target_group_arn"`

	// DownsizeOldService scales the old service to zero once traffic has moved.
	// OldServiceDesired and OldServiceAutoscaler are restored when it is upsized.
	DownsizeOldService   bool             `json:"downsize_old_service,omitempty" yaml:"downsize_old_service"`
	OldServiceDesired    int              `json:"old_service_desired,omitempty" yaml:"old_service_desired"`
	OldServiceAutoscaler *AutoscalingSpec `json:"old_service_autoscaler,omitempty" yaml:"old_service_autoscaler"`
}

// StackSettings configures a CloudFormation provisioner.
type StackSettings struct {
	StackName    string   `json:"stack_name" yaml:"stack_name" validate:"required"`
	Region       string   `json:"region,omitempty" yaml:"region"`
	TemplateURL  string   `json:"template_url,omitempty" yaml:"template_url"`
	TemplateBody string   `json:"template_body,omitempty" yaml:"template_body"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`

	// StatusesToMarkAsSuccess lists stack statuses that count as success even
	// when the tool reports failure, e.g. UPDATE_ROLLBACK_COMPLETE.
	StatusesToMarkAsSuccess []string `json:"statuses_to_mark_as_success,omitempty" yaml:"statuses_to_mark_as_success"`
}

// ProvisionerConfig is the declared configuration of a provisioner. The engine
// never modifies it.
type ProvisionerConfig struct {
	// ID is the stable provisioner identifier.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty" yaml:"name"`

	// Kind selects the strategy.
	Kind ProvisionerKind `json:"kind" yaml:"kind" validate:"required,oneof=TERRAFORM TERRAGRUNT CLOUDFORMATION ECS_BLUE_GREEN"`

	// Path is the working directory inside the source. May contain ${...}
	// expressions.
	Path string `json:"path,omitempty" yaml:"path"`

	// Source locates the files.
	Source SourceRef `json:"source" yaml:"source"`

	// Variables are the declared tool variables.
	Variables []DeclaredVariable `json:"variables,omitempty" yaml:"variables" validate:"dive"`

	// BackendConfigs are the declared state-backend settings.
	BackendConfigs []DeclaredVariable `json:"backend_configs,omitempty" yaml:"backend_configs" validate:"dive"`

	// EnvironmentVariables are exported into the tool process.
	EnvironmentVariables []DeclaredVariable `json:"environment_variables,omitempty" yaml:"environment_variables" validate:"dive"`

	// Workspace is the default workspace. May contain expressions.
	Workspace string `json:"workspace,omitempty" yaml:"workspace"`

	// VarFiles are var-file paths inside the source.
	VarFiles []string `json:"var_files,omitempty" yaml:"var_files"`

	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	SkipRefresh  bool          `json:"skip_refresh,omitempty" yaml:"skip_refresh"`
	AutoRollback bool          `json:"auto_rollback,omitempty" yaml:"auto_rollback"`

	Network   *NetworkConfig `json:"network,omitempty" yaml:"network"`
	BlueGreen *BlueGreenSpec `json:"blue_green,omitempty" yaml:"blue_green" validate:"required_if=Kind ECS_BLUE_GREEN"`
	Stack     *StackSettings `json:"stack,omitempty" yaml:"stack" validate:"required_if=Kind CLOUDFORMATION"`
}

// CallerOverrides carries per-invocation inputs. Nil maps mean the field was
// not overridden and the engine falls back to the last applied values.
type CallerOverrides struct {
	Command             CommandKind `json:"command"`
	EnvironmentID       string      `json:"environment_id"`
	WorkflowExecutionID string      `json:"workflow_execution_id,omitempty"`
	Workspace           string      `json:"workspace,omitempty"`

	Variables            map[string]string `json:"variables,omitempty"`
	BackendConfigs       map[string]string `json:"backend_configs,omitempty"`
	EnvironmentVariables map[string]string `json:"environment_variables,omitempty"`

	Targets  []string `json:"targets,omitempty"`
	VarFiles []string `json:"var_files,omitempty"`

	TemplateURL string `json:"template_url,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Commit      string `json:"commit,omitempty"`
	Path        string `json:"path,omitempty"`

	Timeout     time.Duration `json:"timeout,omitempty"`
	SkipRefresh *bool         `json:"skip_refresh,omitempty"`
	ExportPlan  bool          `json:"export_plan,omitempty"`

	// ExpressionContext is exposed to ${...} expressions.
	ExpressionContext map[string]interface{} `json:"expression_context,omitempty"`
}

// SecretRef is an opaque pointer to an encrypted value. Workers reveal it;
// the engine never sees the plaintext.
type SecretRef struct {
	Provider string `json:"provider"`
	Path     string `json:"path"`
	Key      string `json:"key,omitempty"`
}

// String renders the reference without the secret.
func (r SecretRef) String() string {
	if r.Key == "" {
		return fmt.Sprintf("%s:%s", r.Provider, r.Path)
	}
	return fmt.Sprintf("%s:%s#%s", r.Provider, r.Path, r.Key)
}

// VarFile is a var-file resolved from the FileBundle.
type VarFile struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// FileBundle maps a source-relative path to its contents.
type FileBundle map[string]string

// ArtifactRef points at a state or plan file in the ArtifactStore.
type ArtifactRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ETag   string `json:"etag,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// ExecutionRequest is the immutable message dispatched to a worker.
type ExecutionRequest struct {
	SchemaVersion int `json:"schema_version"`

	ProvisionerID       string          `json:"provisioner_id"`
	Kind                ProvisionerKind `json:"kind"`
	EntityID            string          `json:"entity_id"`
	LegacyEntityID      string          `json:"legacy_entity_id,omitempty"`
	EnvironmentID       string          `json:"environment_id"`
	WorkflowExecutionID string          `json:"workflow_execution_id,omitempty"`
	Command             CommandKind     `json:"command"`

	Variables                     map[string]string    `json:"variables,omitempty"`
	EncryptedVariables            map[string]SecretRef `json:"encrypted_variables,omitempty"`
	BackendConfigs                map[string]string    `json:"backend_configs,omitempty"`
	EncryptedBackendConfigs       map[string]SecretRef `json:"encrypted_backend_configs,omitempty"`
	EnvironmentVariables          map[string]string    `json:"environment_variables,omitempty"`
	EncryptedEnvironmentVariables map[string]SecretRef `json:"encrypted_environment_variables,omitempty"`

	Workspace   string    `json:"workspace,omitempty"`
	Targets     []string  `json:"targets,omitempty"`
	VarFiles    []VarFile `json:"var_files,omitempty"`
	TemplateURL string    `json:"template_url,omitempty"`
	Source      SourceRef `json:"source"`
	Path        string    `json:"path,omitempty"`

	Timeout     time.Duration `json:"timeout,omitempty"`
	SkipRefresh bool          `json:"skip_refresh,omitempty"`
	ExportPlan  bool          `json:"export_plan,omitempty"`

	// StateFile is the artifact the worker restores before running.
	StateFile *ArtifactRef `json:"state_file,omitempty"`

	Network   *NetworkConfig `json:"network,omitempty"`
	BlueGreen *BlueGreenSpec `json:"blue_green,omitempty"`
	Stack     *StackSettings `json:"stack,omitempty"`

	// Rollback marks a compensating request.
	Rollback bool `json:"rollback,omitempty"`
}

// IsTargeted reports whether the request only touches a subset of resources.
func (r *ExecutionRequest) IsTargeted() bool {
	return len(r.Targets) > 0
}

// Clone returns a deep copy.
func (r ExecutionRequest) Clone() ExecutionRequest {
	out := r
	out.Variables = cloneStrings(r.Variables)
	out.EncryptedVariables = cloneRefs(r.EncryptedVariables)
	out.BackendConfigs = cloneStrings(r.BackendConfigs)
	out.EncryptedBackendConfigs = cloneRefs(r.EncryptedBackendConfigs)
	out.EnvironmentVariables = cloneStrings(r.EnvironmentVariables)
	out.EncryptedEnvironmentVariables = cloneRefs(r.EncryptedEnvironmentVariables)
	out.Targets = cloneSlice(r.Targets)
	out.VarFiles = cloneSlice(r.VarFiles)
	if r.StateFile != nil {
		sf := *r.StateFile
		out.StateFile = &sf
	}
	if r.Network != nil {
		n := *r.Network
		n.SubnetIDs = cloneSlice(r.Network.SubnetIDs)
		n.SecurityGroupIDs = cloneSlice(r.Network.SecurityGroupIDs)
		out.Network = &n
	}
	if r.BlueGreen != nil {
		bg := *r.BlueGreen
		if r.BlueGreen.OldServiceAutoscaler != nil {
			as := *r.BlueGreen.OldServiceAutoscaler
			bg.OldServiceAutoscaler = &as
		}
		out.BlueGreen = &bg
	}
	if r.Stack != nil {
		st := *r.Stack
		st.Capabilities = cloneSlice(r.Stack.Capabilities)
		st.StatusesToMarkAsSuccess = cloneSlice(r.Stack.StatusesToMarkAsSuccess)
		out.Stack = &st
	}
	return out
}

// ExecutionSnapshot records what was last successfully applied for an entity.
type ExecutionSnapshot struct {
	SchemaVersion       int             `json:"schema_version"`
	EntityID            string          `json:"entity_id"`
	WorkflowExecutionID string          `json:"workflow_execution_id,omitempty"`
	ProvisionerID       string          `json:"provisioner_id"`
	Kind                ProvisionerKind `json:"kind"`
	EnvironmentID       string          `json:"environment_id,omitempty"`
	Command             CommandKind     `json:"command"`
	Source              SourceRef       `json:"source"`
	Path                string          `json:"path,omitempty"`

	Variables                     map[string]string    `json:"variables,omitempty"`
	EncryptedVariables            map[string]SecretRef `json:"encrypted_variables,omitempty"`
	BackendConfigs                map[string]string    `json:"backend_configs,omitempty"`
	EncryptedBackendConfigs       map[string]SecretRef `json:"encrypted_backend_configs,omitempty"`
	EnvironmentVariables          map[string]string    `json:"environment_variables,omitempty"`
	EncryptedEnvironmentVariables map[string]SecretRef `json:"encrypted_environment_variables,omitempty"`

	Workspace    string    `json:"workspace,omitempty"`
	Targets      []string  `json:"targets,omitempty"`
	VarFiles     []VarFile `json:"var_files,omitempty"`
	VarFilePaths []string  `json:"var_file_paths,omitempty"`
	TemplateURL  string    `json:"template_url,omitempty"`

	Stack *StackSettings `json:"stack,omitempty"`

	StateFile *ArtifactRef      `json:"state_file,omitempty"`
	PlanFile  *ArtifactRef      `json:"plan_file,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewSnapshot captures a successfully executed request.
func NewSnapshot(req ExecutionRequest, result ExecutionResult, now time.Time) *ExecutionSnapshot {
	req = req.Clone()
	snap := &ExecutionSnapshot{
		SchemaVersion:                 SnapshotSchemaVersion,
		EntityID:                      req.EntityID,
		WorkflowExecutionID:           req.WorkflowExecutionID,
		ProvisionerID:                 req.ProvisionerID,
		Kind:                          req.Kind,
		EnvironmentID:                 req.EnvironmentID,
		Command:                       req.Command,
		Source:                        req.Source,
		Path:                          req.Path,
		Variables:                     req.Variables,
		EncryptedVariables:            req.EncryptedVariables,
		BackendConfigs:                req.BackendConfigs,
		EncryptedBackendConfigs:       req.EncryptedBackendConfigs,
		EnvironmentVariables:          req.EnvironmentVariables,
		EncryptedEnvironmentVariables: req.EncryptedEnvironmentVariables,
		Workspace:                     req.Workspace,
		Targets:                       req.Targets,
		TemplateURL:                   req.TemplateURL,
		Stack:                         req.Stack,
		StateFile:                     result.StateFile,
		PlanFile:                      result.PlanFile,
		Outputs:                       cloneStrings(result.Outputs),
		CreatedAt:                     now.UTC(),
	}
	if snap.StateFile == nil {
		snap.StateFile = req.StateFile
	}
	snap.VarFiles = req.VarFiles
	for _, vf := range req.VarFiles {
		snap.VarFilePaths = append(snap.VarFilePaths, vf.Path)
	}
	return snap
}

// HasVarFileContents reports whether the snapshot carries the var-file
// contents it was applied with. Documents written before contents were
// persisted only list paths.
func (s *ExecutionSnapshot) HasVarFileContents() bool {
	return len(s.VarFiles) > 0 || len(s.VarFilePaths) == 0
}

// ToRequest reconstructs an APPLY request entirely from the snapshot.
// Path-only documents come back with empty contents; see
// HasVarFileContents.
func (s *ExecutionSnapshot) ToRequest() ExecutionRequest {
	req := ExecutionRequest{
		SchemaVersion:                 RequestSchemaVersion,
		ProvisionerID:                 s.ProvisionerID,
		Kind:                          s.Kind,
		EntityID:                      s.EntityID,
		EnvironmentID:                 s.EnvironmentID,
		WorkflowExecutionID:           s.WorkflowExecutionID,
		Command:                       CommandApply,
		Variables:                     s.Variables,
		EncryptedVariables:            s.EncryptedVariables,
		BackendConfigs:                s.BackendConfigs,
		EncryptedBackendConfigs:       s.EncryptedBackendConfigs,
		EnvironmentVariables:          s.EnvironmentVariables,
		EncryptedEnvironmentVariables: s.EncryptedEnvironmentVariables,
		Workspace:                     s.Workspace,
		Targets:                       s.Targets,
		TemplateURL:                   s.TemplateURL,
		Source:                        s.Source,
		Path:                          s.Path,
		Stack:                         s.Stack,
		StateFile:                     s.StateFile,
	}
	if len(s.VarFiles) > 0 {
		req.VarFiles = s.VarFiles
	} else {
		for _, p := range s.VarFilePaths {
			req.VarFiles = append(req.VarFiles, VarFile{Path: p})
		}
	}
	return req.Clone()
}

// MarshalSnapshot encodes a snapshot as its versioned JSON document.
func MarshalSnapshot(s *ExecutionSnapshot) ([]byte, error) {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SnapshotSchemaVersion
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot decodes a snapshot document. Unknown fields are ignored
// so newer writers stay readable.
func UnmarshalSnapshot(data []byte) (*ExecutionSnapshot, error) {
	var s ExecutionSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if s.SchemaVersion > SnapshotSchemaVersion {
		return nil, fmt.Errorf("unsupported snapshot schema version: %d", s.SchemaVersion)
	}
	return &s, nil
}

// ExistingStackInfo describes a CloudFormation stack as found before the
// worker touched it.
type ExistingStackInfo struct {
	StackExisted bool   `json:"stack_existed"`
	OldStackBody string `json:"old_stack_body,omitempty"`
}

// ExecutionResult is the worker's response to a request.
type ExecutionResult struct {
	CorrelationID string       `json:"correlation_id"`
	Status        ResultStatus `json:"status"`

	// ErrorMessage is the tool's error text, verbatim.
	ErrorMessage string `json:"error_message,omitempty"`

	// TimedOut is set on results the dispatcher synthesised.
	TimedOut bool `json:"timed_out,omitempty"`

	Outputs   map[string]string `json:"outputs,omitempty"`
	StateFile *ArtifactRef      `json:"state_file,omitempty"`
	PlanFile  *ArtifactRef      `json:"plan_file,omitempty"`

	// StackStatus and ExistingStack are reported by CloudFormation workers.
	StackStatus   string             `json:"stack_status,omitempty"`
	ExistingStack *ExistingStackInfo `json:"existing_stack,omitempty"`

	WorkerID    string    `json:"worker_id,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Succeeded returns true for SUCCESS results.
func (r ExecutionResult) Succeeded() bool {
	return r.Status == ResultSuccess
}

// RollbackInfo describes the compensating action taken after a failure.
type RollbackInfo struct {
	Action        RollbackKind `json:"action"`
	Reason        string       `json:"reason,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

// TerminalOutcome is reported once per execution when the machine settles or
// starts a rollback.
type TerminalOutcome struct {
	CorrelationID string           `json:"correlation_id"`
	EntityID      string           `json:"entity_id"`
	State         ProvisionerState `json:"state"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	ErrorCode     string           `json:"error_code,omitempty"`
	TimedOut      bool             `json:"timed_out,omitempty"`

	// Degraded is set when the tool succeeded but history could not be written.
	Degraded bool `json:"degraded,omitempty"`

	Rollback *RollbackInfo `json:"rollback,omitempty"`
}

// PendingHandle identifies a dispatched execution.
type PendingHandle struct {
	CorrelationID  string           `json:"correlation_id"`
	EntityID       string           `json:"entity_id"`
	LegacyEntityID string           `json:"legacy_entity_id,omitempty"`
	State          ProvisionerState `json:"state"`
	DispatchedAt   time.Time        `json:"dispatched_at"`
}

// SnapshotRecord is a persisted snapshot row.
type SnapshotRecord struct {
	ID                  int64     `json:"id"`
	EntityID            string    `json:"entity_id"`
	WorkflowExecutionID string    `json:"workflow_execution_id,omitempty"`
	ProvisionerID       string    `json:"provisioner_id"`
	Command             string    `json:"command"`
	SchemaVersion       int       `json:"schema_version"`
	Document            []byte    `json:"document"`
	CreatedAt           time.Time `json:"created_at"`
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRefs(m map[string]SecretRef) map[string]SecretRef {
	if m == nil {
		return nil
	}
	out := make(map[string]SecretRef, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
