package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// snapshotFinder is the part of History the builder reads from.
type snapshotFinder interface {
	FindLatestByKey(ctx context.Context, key HistoryKey) (*ExecutionSnapshot, error)
}

// RequestBuilder turns a declared configuration and caller overrides into an
// immutable ExecutionRequest.
type RequestBuilder struct {
	classifier *VariableClassifier
	renderer   ExpressionRenderer
	history    snapshotFinder
	validate   *validator.Validate
}

// NewRequestBuilder creates a builder. The renderer is only required when a
// configuration uses ${...} expressions; history may be nil to disable the
// fallback to previously applied values.
func NewRequestBuilder(classifier *VariableClassifier, renderer ExpressionRenderer, history snapshotFinder) *RequestBuilder {
	if classifier == nil {
		classifier = NewVariableClassifier(nil)
	}
	return &RequestBuilder{
		classifier: classifier,
		renderer:   renderer,
		history:    history,
		validate:   validator.New(),
	}
}

// Build produces the request for one invocation.
func (b *RequestBuilder) Build(ctx context.Context, cfg *ProvisionerConfig, overrides CallerOverrides, files FileBundle) (ExecutionRequest, error) {
	if cfg == nil {
		return ExecutionRequest{}, NewInvalidConfigurationError("provisioner configuration is required", nil)
	}
	if err := b.validate.Struct(cfg); err != nil {
		return ExecutionRequest{}, NewInvalidConfigurationError("invalid provisioner configuration", err).WithResource(cfg.ID)
	}
	if err := overrides.Command.Validate(); err != nil {
		return ExecutionRequest{}, NewInvalidConfigurationError("invalid command", err).WithResource(cfg.ID)
	}
	if overrides.EnvironmentID == "" {
		return ExecutionRequest{}, NewInvalidConfigurationError("environment id is required", nil).WithResource(cfg.ID)
	}

	vars := b.expressionVars(cfg, overrides)
	render := func(field, expr string) (string, error) {
		out, err := b.render(ctx, expr, vars)
		if err != nil {
			return "", NewInvalidConfigurationError(fmt.Sprintf("failed to render %s", field), err).WithResource(cfg.ID)
		}
		return out, nil
	}

	workspace, err := render("workspace", firstNonEmpty(overrides.Workspace, cfg.Workspace))
	if err != nil {
		return ExecutionRequest{}, err
	}
	workspace = NormalizeWorkspace(workspace)

	source := cfg.Source
	if overrides.Branch != "" {
		source.Branch = overrides.Branch
	}
	if overrides.Commit != "" {
		source.Commit = overrides.Commit
	}
	if source.Branch, err = render("branch", source.Branch); err != nil {
		return ExecutionRequest{}, err
	}
	renderedPath, err := render("path", firstNonEmpty(overrides.Path, cfg.Path))
	if err != nil {
		return ExecutionRequest{}, err
	}

	renderedVarFiles, err := b.RenderVarFilePaths(ctx, cfg, overrides)
	if err != nil {
		return ExecutionRequest{}, err
	}

	req := ExecutionRequest{
		SchemaVersion:       RequestSchemaVersion,
		ProvisionerID:       cfg.ID,
		Kind:                cfg.Kind,
		EntityID:            DeriveEntityID(cfg.ID, overrides.EnvironmentID, source.Branch, renderedPath, workspace),
		LegacyEntityID:      LegacyEntityID(cfg.ID, overrides.EnvironmentID, workspace),
		EnvironmentID:       overrides.EnvironmentID,
		WorkflowExecutionID: overrides.WorkflowExecutionID,
		Command:             overrides.Command,
		Workspace:           workspace,
		Targets:             cloneSlice(overrides.Targets),
		Source:              source,
		Path:                renderedPath,
		Timeout:             cfg.Timeout,
		SkipRefresh:         cfg.SkipRefresh,
		ExportPlan:          overrides.ExportPlan,
		Network:             cfg.Network,
		BlueGreen:           cfg.BlueGreen,
		Stack:               cfg.Stack,
	}
	if overrides.Timeout > 0 {
		req.Timeout = overrides.Timeout
	}
	if overrides.SkipRefresh != nil {
		req.SkipRefresh = *overrides.SkipRefresh
	}
	req.TemplateURL = overrides.TemplateURL
	if req.TemplateURL == "" && cfg.Stack != nil {
		req.TemplateURL = cfg.Stack.TemplateURL
	}

	var previous *ExecutionSnapshot
	if b.history != nil {
		previous, err = b.history.FindLatestByKey(ctx, HistoryKey{EntityID: req.EntityID, LegacyEntityID: req.LegacyEntityID})
		if err != nil {
			return ExecutionRequest{}, err
		}
	}
	if previous != nil {
		req.StateFile = previous.StateFile
	}

	if req.Variables, req.EncryptedVariables, err = b.resolveMap(ctx, overrides.Variables, cfg.Variables, true,
		snapshotMaps(previous, func(s *ExecutionSnapshot) (map[string]string, map[string]SecretRef) {
			return s.Variables, s.EncryptedVariables
		})); err != nil {
		return ExecutionRequest{}, withResource(err, cfg.ID)
	}
	if req.BackendConfigs, req.EncryptedBackendConfigs, err = b.resolveMap(ctx, overrides.BackendConfigs, cfg.BackendConfigs, true,
		snapshotMaps(previous, func(s *ExecutionSnapshot) (map[string]string, map[string]SecretRef) {
			return s.BackendConfigs, s.EncryptedBackendConfigs
		})); err != nil {
		return ExecutionRequest{}, withResource(err, cfg.ID)
	}
	if req.EnvironmentVariables, req.EncryptedEnvironmentVariables, err = b.resolveMap(ctx, overrides.EnvironmentVariables, cfg.EnvironmentVariables, false,
		snapshotMaps(previous, func(s *ExecutionSnapshot) (map[string]string, map[string]SecretRef) {
			return s.EnvironmentVariables, s.EncryptedEnvironmentVariables
		})); err != nil {
		return ExecutionRequest{}, withResource(err, cfg.ID)
	}

	for _, p := range renderedVarFiles {
		content, ok := files[p]
		if !ok {
			return ExecutionRequest{}, NewInvalidConfigurationError(fmt.Sprintf("var file %s not found", p), nil).WithResource(cfg.ID)
		}
		req.VarFiles = append(req.VarFiles, VarFile{Path: p, Content: content})
	}

	if err := ValidateVariableNames(cfg.Variables); err != nil {
		return ExecutionRequest{}, withResource(err, cfg.ID)
	}

	return req.Clone(), nil
}

// RenderVarFilePaths returns the var-file paths an invocation will read,
// with expressions rendered. Caller paths replace the declared ones.
func (b *RequestBuilder) RenderVarFilePaths(ctx context.Context, cfg *ProvisionerConfig, overrides CallerOverrides) ([]string, error) {
	paths := cfg.VarFiles
	if overrides.VarFiles != nil {
		paths = overrides.VarFiles
	}
	vars := b.expressionVars(cfg, overrides)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rp, err := b.render(ctx, p, vars)
		if err != nil {
			return nil, NewInvalidConfigurationError("failed to render var file path", err).WithResource(cfg.ID)
		}
		out = append(out, rp)
	}
	return out, nil
}

// persistedMaps returns the plaintext and encrypted halves of a snapshot map.
type persistedMaps func() (map[string]string, map[string]SecretRef, bool)

func snapshotMaps(snap *ExecutionSnapshot, pick func(*ExecutionSnapshot) (map[string]string, map[string]SecretRef)) persistedMaps {
	return func() (map[string]string, map[string]SecretRef, bool) {
		if snap == nil {
			return nil, nil, false
		}
		plain, enc := pick(snap)
		return plain, enc, true
	}
}

// resolveMap applies the override rules for one variable family. Caller
// values win over declared defaults. Without caller values the last applied
// values are reused, and without those the declared defaults.
func (b *RequestBuilder) resolveMap(ctx context.Context, overrides map[string]string, declared []DeclaredVariable, whitelist bool, persisted persistedMaps) (map[string]string, map[string]SecretRef, error) {
	classify := b.classifier.ClassifyUnfiltered
	if whitelist {
		classify = b.classifier.Classify
	}
	if overrides != nil {
		return classify(ctx, mergeOverrides(declared, overrides), declared)
	}
	if plain, enc, ok := persisted(); ok {
		if whitelist {
			plain, enc = filterDeclared(plain, enc, declared)
		}
		return cloneStrings(plain), cloneRefs(enc), nil
	}
	return classify(ctx, declaredDefaults(declared), declared)
}

func filterDeclared(plain map[string]string, enc map[string]SecretRef, declared []DeclaredVariable) (map[string]string, map[string]SecretRef) {
	names := make(map[string]struct{}, len(declared))
	for _, d := range declared {
		names[d.Name] = struct{}{}
	}
	outPlain := make(map[string]string, len(plain))
	for k, v := range plain {
		if _, ok := names[k]; ok {
			outPlain[k] = v
		}
	}
	outEnc := make(map[string]SecretRef, len(enc))
	for k, v := range enc {
		if _, ok := names[k]; ok {
			outEnc[k] = v
		}
	}
	return outPlain, outEnc
}

func (b *RequestBuilder) expressionVars(cfg *ProvisionerConfig, overrides CallerOverrides) map[string]interface{} {
	vars := make(map[string]interface{}, len(overrides.ExpressionContext)+3)
	for k, v := range overrides.ExpressionContext {
		vars[k] = v
	}
	vars["provisioner_id"] = cfg.ID
	vars["environment_id"] = overrides.EnvironmentID
	if overrides.WorkflowExecutionID != "" {
		vars["workflow_execution_id"] = overrides.WorkflowExecutionID
	}
	return vars
}

func (b *RequestBuilder) render(ctx context.Context, expr string, vars map[string]interface{}) (string, error) {
	if !strings.Contains(expr, "${") {
		return expr, nil
	}
	if b.renderer == nil {
		return "", fmt.Errorf("expression %q requires a renderer", expr)
	}
	return b.renderer.Render(ctx, expr, vars)
}

func withResource(err error, resource string) error {
	if e, ok := err.(*EngineError); ok && e.Resource == "" {
		return e.WithResource(resource)
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
