package policy

import (
	"sort"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// Severity decides whether a violation blocks dispatch.
type Severity string

const (
	// SeverityWarning is logged but does not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks dispatch. Violations without a severity use it.
	SeverityError Severity = "error"
)

// Blocking reports whether violations of this severity deny a request.
func (s Severity) Blocking() bool {
	return s != SeverityWarning
}

// Policy is one Rego module. Its package must define a deny set whose
// members are strings or objects with message and severity keys.
type Policy struct {
	// Name identifies the policy, usually the file name without extension.
	Name string `json:"name"`

	// Description is taken from the leading comment block.
	Description string `json:"description,omitempty"`

	// Rego is the module source.
	Rego string `json:"rego"`

	// Source is the file the policy was read from. Empty for builtins.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one member of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Input is the document policies see as input. It carries names of
// encrypted values, never the values or their references.
type Input struct {
	ProvisionerID       string            `json:"provisioner_id"`
	Kind                string            `json:"kind"`
	Command             string            `json:"command"`
	EntityID            string            `json:"entity_id"`
	EnvironmentID       string            `json:"environment_id"`
	WorkflowExecutionID string            `json:"workflow_execution_id,omitempty"`
	Workspace           string            `json:"workspace,omitempty"`
	Targets             []string          `json:"targets"`
	Rollback            bool              `json:"rollback"`
	Variables           map[string]string `json:"variables"`
	EncryptedVariables  []string          `json:"encrypted_variables"`
	BackendConfigs      map[string]string `json:"backend_configs"`
	SourceRepo          string            `json:"source_repo,omitempty"`
	Path                string            `json:"path,omitempty"`
	StackName           string            `json:"stack_name,omitempty"`
	BlueGreen           bool              `json:"blue_green"`
}

// NewInput builds the policy input for a request.
func NewInput(req engine.ExecutionRequest) *Input {
	in := &Input{
		ProvisionerID:       req.ProvisionerID,
		Kind:                string(req.Kind),
		Command:             string(req.Command),
		EntityID:            req.EntityID,
		EnvironmentID:       req.EnvironmentID,
		WorkflowExecutionID: req.WorkflowExecutionID,
		Workspace:           req.Workspace,
		Targets:             append([]string{}, req.Targets...),
		Rollback:            req.Rollback,
		Variables:           copyMap(req.Variables),
		EncryptedVariables:  keys(req.EncryptedVariables),
		BackendConfigs:      copyMap(req.BackendConfigs),
		SourceRepo:          req.Source.RepoURL,
		Path:                req.Path,
		BlueGreen:           req.BlueGreen != nil,
	}
	if req.Stack != nil {
		in.StackName = req.Stack.StackName
	}
	return in
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func keys(m map[string]engine.SecretRef) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
