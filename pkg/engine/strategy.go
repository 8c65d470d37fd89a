package engine

import (
	"context"
	"fmt"
	"strings"
)

// Strategy holds the per-kind behaviour of a provisioner.
type Strategy interface {
	// Kind returns the provisioner kind the strategy serves.
	Kind() ProvisionerKind

	// BuildRequest builds and checks the request for one invocation.
	BuildRequest(ctx context.Context, cfg *ProvisionerConfig, overrides CallerOverrides, files FileBundle) (ExecutionRequest, error)

	// ParseResponse normalises a worker result for the request it answers.
	ParseResponse(req ExecutionRequest, result ExecutionResult) ExecutionResult

	// DeriveRollback chooses the compensating action after a failure.
	DeriveRollback(intent RollbackIntent) RollbackAction
}

// Strategies indexes strategies by kind.
type Strategies map[ProvisionerKind]Strategy

// DefaultStrategies returns the built-in strategies sharing one builder.
func DefaultStrategies(builder *RequestBuilder) Strategies {
	s := Strategies{}
	for _, st := range []Strategy{
		&TerraformStrategy{builder: builder},
		&TerragruntStrategy{TerraformStrategy{builder: builder}},
		&CloudFormationStrategy{builder: builder},
		&BlueGreenStrategy{builder: builder},
	} {
		s[st.Kind()] = st
	}
	return s
}

// For returns the strategy for a kind.
func (s Strategies) For(kind ProvisionerKind) (Strategy, error) {
	st, ok := s[kind]
	if !ok {
		return nil, NewInvalidConfigurationError(fmt.Sprintf("unsupported provisioner kind: %s", kind), nil).
			WithCode(ErrCodeUnsupportedProvisioner)
	}
	return st, nil
}

// TerraformStrategy runs terraform plan/apply/destroy.
type TerraformStrategy struct {
	builder *RequestBuilder
}

// NewTerraformStrategy creates a terraform strategy.
func NewTerraformStrategy(builder *RequestBuilder) *TerraformStrategy {
	return &TerraformStrategy{builder: builder}
}

// Kind returns KindTerraform.
func (s *TerraformStrategy) Kind() ProvisionerKind { return KindTerraform }

// BuildRequest builds the request with the shared builder.
func (s *TerraformStrategy) BuildRequest(ctx context.Context, cfg *ProvisionerConfig, overrides CallerOverrides, files FileBundle) (ExecutionRequest, error) {
	return s.builder.Build(ctx, cfg, overrides, files)
}

// ParseResponse fills in a message for failures the tool left blank.
func (s *TerraformStrategy) ParseResponse(req ExecutionRequest, result ExecutionResult) ExecutionResult {
	if !result.Succeeded() && result.ErrorMessage == "" {
		result.ErrorMessage = fmt.Sprintf("%s %s failed", strings.ToLower(string(req.Kind)), strings.ToLower(string(req.Command)))
	}
	return result
}

// DeriveRollback replays the previous snapshot.
func (s *TerraformStrategy) DeriveRollback(intent RollbackIntent) RollbackAction {
	return PlanRollback(intent)
}

// TerragruntStrategy runs terragrunt against a module path.
type TerragruntStrategy struct {
	TerraformStrategy
}

// Kind returns KindTerragrunt.
func (s *TerragruntStrategy) Kind() ProvisionerKind { return KindTerragrunt }

// BuildRequest requires a module path.
func (s *TerragruntStrategy) BuildRequest(ctx context.Context, cfg *ProvisionerConfig, overrides CallerOverrides, files FileBundle) (ExecutionRequest, error) {
	req, err := s.builder.Build(ctx, cfg, overrides, files)
	if err != nil {
		return ExecutionRequest{}, err
	}
	if req.Path == "" {
		return ExecutionRequest{}, NewInvalidConfigurationError("terragrunt module path is required", nil).WithResource(cfg.ID)
	}
	return req, nil
}

// CloudFormationStrategy creates, updates and deletes stacks.
type CloudFormationStrategy struct {
	builder *RequestBuilder
}

// Kind returns KindCloudFormation.
func (s *CloudFormationStrategy) Kind() ProvisionerKind { return KindCloudFormation }

// BuildRequest requires a template for create and update.
func (s *CloudFormationStrategy) BuildRequest(ctx context.Context, cfg *ProvisionerConfig, overrides CallerOverrides, files FileBundle) (ExecutionRequest, error) {
	req, err := s.builder.Build(ctx, cfg, overrides, files)
	if err != nil {
		return ExecutionRequest{}, err
	}
	if req.Command != CommandDestroy && req.TemplateURL == "" && req.Stack.TemplateBody == "" {
		return ExecutionRequest{}, NewInvalidConfigurationError("template url or template body is required", nil).WithResource(cfg.ID)
	}
	return req, nil
}

// ParseResponse treats configured stack statuses as success.
func (s *CloudFormationStrategy) ParseResponse(req ExecutionRequest, result ExecutionResult) ExecutionResult {
	if result.Succeeded() || result.TimedOut || req.Stack == nil || result.StackStatus == "" {
		return result
	}
	for _, status := range req.Stack.StatusesToMarkAsSuccess {
		if strings.EqualFold(status, result.StackStatus) {
			result.Status = ResultSuccess
			result.ErrorMessage = ""
			return result
		}
	}
	return result
}

// DeriveRollback replays the previous snapshot when there is one. Otherwise
// it deletes a stack the failed step created, or restores the template of a
// stack that already existed.
func (s *CloudFormationStrategy) DeriveRollback(intent RollbackIntent) RollbackAction {
	if intent.Previous != nil || intent.Request.Command != CommandApply {
		return PlanRollback(intent)
	}
	existing := intent.Result.ExistingStack
	if existing == nil {
		return NoOp(ReasonNoPreviousExecution)
	}

	req := intent.Request.Clone()
	req.Rollback = true
	req.Targets = nil
	if !existing.StackExisted {
		req.Command = CommandDestroy
		return RollbackAction{Kind: RollbackDestroy, Request: &req, Reason: "deleting stack created by failed step"}
	}
	if existing.OldStackBody == "" || req.Stack == nil {
		return NoOp(ReasonNoPreviousExecution)
	}
	req.Command = CommandApply
	req.TemplateURL = ""
	req.Stack.TemplateURL = ""
	req.Stack.TemplateBody = existing.OldStackBody
	return RollbackAction{Kind: RollbackReplayPrevious, Request: &req, Reason: "restoring previous stack template"}
}

// BlueGreenStrategy performs ECS blue/green cutovers. Failures are
// compensated inline, so there is never a rollback request.
type BlueGreenStrategy struct {
	builder *RequestBuilder
}

// Kind returns KindECSBlueGreen.
func (s *BlueGreenStrategy) Kind() ProvisionerKind { return KindECSBlueGreen }

// BuildRequest builds the cutover request.
func (s *BlueGreenStrategy) BuildRequest(ctx context.Context, cfg *ProvisionerConfig, overrides CallerOverrides, files FileBundle) (ExecutionRequest, error) {
	req, err := s.builder.Build(ctx, cfg, overrides, files)
	if err != nil {
		return ExecutionRequest{}, err
	}
	if req.BlueGreen == nil {
		return ExecutionRequest{}, NewInvalidConfigurationError("blue/green settings are required", nil).WithResource(cfg.ID)
	}
	return req, nil
}

// ParseResponse returns the result unchanged.
func (s *BlueGreenStrategy) ParseResponse(_ ExecutionRequest, result ExecutionResult) ExecutionResult {
	return result
}

// DeriveRollback always returns NO_OP.
func (s *BlueGreenStrategy) DeriveRollback(RollbackIntent) RollbackAction {
	return NoOp(ReasonCompensatedInline)
}
