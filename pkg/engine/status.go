package engine

import (
	"fmt"
	"strings"
)

// ProvisionerState is the lifecycle state of one tracked execution.
type ProvisionerState string

const (
	// StateIdle indicates no execution is outstanding for the entity.
	StateIdle ProvisionerState = "IDLE"

	// StateDispatched indicates the request was handed to the worker pool and
	// the engine is waiting for a correlated response.
	StateDispatched ProvisionerState = "DISPATCHED"

	// StateSucceeded indicates the worker reported success.
	StateSucceeded ProvisionerState = "SUCCEEDED"

	// StateFailed indicates the worker reported failure or the response timed out.
	StateFailed ProvisionerState = "FAILED"

	// StateRollingBack indicates a compensating request is outstanding.
	StateRollingBack ProvisionerState = "ROLLING_BACK"

	// StateRolledBack indicates the compensating request succeeded.
	StateRolledBack ProvisionerState = "ROLLED_BACK"

	// StateRollbackFailed indicates the compensating request failed.
	StateRollbackFailed ProvisionerState = "ROLLBACK_FAILED"
)

// IsTerminal returns true if no further transition can follow the state.
// FAILED is only terminal once the machine has decided not to roll back,
// so it is not reported here.
func (s ProvisionerState) IsTerminal() bool {
	return s == StateSucceeded || s == StateRolledBack || s == StateRollbackFailed
}

// IsActive returns true while a worker response is awaited.
func (s ProvisionerState) IsActive() bool {
	return s == StateDispatched || s == StateRollingBack
}

// Validate checks if the state is valid.
func (s ProvisionerState) Validate() error {
	switch s {
	case StateIdle, StateDispatched, StateSucceeded, StateFailed,
		StateRollingBack, StateRolledBack, StateRollbackFailed:
		return nil
	default:
		return fmt.Errorf("invalid provisioner state: %s", s)
	}
}

var allowedTransitions = map[ProvisionerState][]ProvisionerState{
	StateIdle:        {StateDispatched},
	StateDispatched:  {StateSucceeded, StateFailed},
	StateFailed:      {StateRollingBack},
	StateRollingBack: {StateRolledBack, StateRollbackFailed},
}

// CanTransition reports whether the machine may move from s to next.
func (s ProvisionerState) CanTransition(next ProvisionerState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CommandKind is the operation the remote tool performs.
type CommandKind string

const (
	// CommandPlan computes changes without applying them.
	CommandPlan CommandKind = "PLAN"

	// CommandApply creates or updates infrastructure.
	CommandApply CommandKind = "APPLY"

	// CommandDestroy removes infrastructure.
	CommandDestroy CommandKind = "DESTROY"
)

// IsMutating returns true if the command changes infrastructure.
func (c CommandKind) IsMutating() bool {
	return c == CommandApply || c == CommandDestroy
}

// Validate checks if the command kind is valid.
func (c CommandKind) Validate() error {
	switch c {
	case CommandPlan, CommandApply, CommandDestroy:
		return nil
	default:
		return fmt.Errorf("invalid command: %s", c)
	}
}

// ParseCommandKind parses a command name case-insensitively.
func ParseCommandKind(s string) (CommandKind, error) {
	c := CommandKind(strings.ToUpper(strings.TrimSpace(s)))
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// ProvisionerKind selects the strategy used to build requests and derive rollbacks.
type ProvisionerKind string

const (
	// KindTerraform runs terraform in the worker.
	KindTerraform ProvisionerKind = "TERRAFORM"

	// KindTerragrunt runs terragrunt in the worker.
	KindTerragrunt ProvisionerKind = "TERRAGRUNT"

	// KindCloudFormation creates or deletes a CloudFormation stack.
	KindCloudFormation ProvisionerKind = "CLOUDFORMATION"

	// KindECSBlueGreen performs a container-service blue/green cutover.
	KindECSBlueGreen ProvisionerKind = "ECS_BLUE_GREEN"
)

// Validate checks if the provisioner kind is valid.
func (k ProvisionerKind) Validate() error {
	switch k {
	case KindTerraform, KindTerragrunt, KindCloudFormation, KindECSBlueGreen:
		return nil
	default:
		return fmt.Errorf("invalid provisioner kind: %s", k)
	}
}

// VariableType classifies a declared variable.
type VariableType string

const (
	// VariableTypePlain values are passed to the tool as-is.
	VariableTypePlain VariableType = "plain"

	// VariableTypeEncrypted values are replaced with an opaque secret reference.
	VariableTypeEncrypted VariableType = "encrypted"

	// Legacy spellings still found in stored declarations.
	variableTypeLegacyText      VariableType = "TEXT"
	variableTypeLegacyEncrypted VariableType = "ENCRYPTED_TEXT"
)

// IsEncrypted returns true for encrypted variables, accepting the legacy spelling.
// An unset type is plain.
func (t VariableType) IsEncrypted() bool {
	return t == VariableTypeEncrypted || t == variableTypeLegacyEncrypted
}

// Validate checks if the variable type is known.
func (t VariableType) Validate() error {
	switch t {
	case "", VariableTypePlain, VariableTypeEncrypted, variableTypeLegacyText, variableTypeLegacyEncrypted:
		return nil
	default:
		return fmt.Errorf("invalid variable type: %s", t)
	}
}

// ResultStatus is the worker-reported outcome of a request.
type ResultStatus string

const (
	// ResultSuccess indicates the tool exited cleanly.
	ResultSuccess ResultStatus = "SUCCESS"

	// ResultFailure indicates the tool failed or the response never arrived.
	ResultFailure ResultStatus = "FAILURE"
)

// RollbackKind is the compensating action chosen by a strategy.
type RollbackKind string

const (
	// RollbackReplayPrevious re-applies the last persisted snapshot.
	RollbackReplayPrevious RollbackKind = "REPLAY_PREVIOUS"

	// RollbackDestroy tears down what the failed step created.
	RollbackDestroy RollbackKind = "DESTROY"

	// RollbackNoOp means there is nothing to dispatch.
	RollbackNoOp RollbackKind = "NO_OP"
)
