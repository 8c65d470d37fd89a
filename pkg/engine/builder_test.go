package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// replaceRenderer substitutes ${name} with string variables.
type replaceRenderer struct{}

func (replaceRenderer) Render(_ context.Context, expr string, vars map[string]interface{}) (string, error) {
	out := expr
	for k, v := range vars {
		if s, ok := v.(string); ok {
			out = strings.ReplaceAll(out, "${"+k+"}", s)
		}
	}
	return out, nil
}

func terraformConfig() *ProvisionerConfig {
	return &ProvisionerConfig{
		ID:     "prov-1",
		Kind:   KindTerraform,
		Path:   "stacks/${environment_id}",
		Source: SourceRef{RepoURL: "https://git.example.com/infra.git", Branch: "main"},
		Variables: []DeclaredVariable{
			{Name: "region", Value: "eu-west-1"},
			{Name: "size", Value: "small"},
		},
		BackendConfigs: []DeclaredVariable{
			{Name: "bucket", Value: "tf-state"},
		},
		Timeout: 10 * time.Minute,
	}
}

func newTestBuilder(backend *memoryBackend) (*RequestBuilder, *History) {
	history := NewHistory(backend, zerolog.Nop(), nil)
	return NewRequestBuilder(NewVariableClassifier(&fakeResolver{}), replaceRenderer{}, history), history
}

func TestBuildUsesDeclaredDefaults(t *testing.T) {
	b, _ := newTestBuilder(&memoryBackend{})

	req, err := b.Build(context.Background(), terraformConfig(), CallerOverrides{
		Command:       CommandApply,
		EnvironmentID: "env-1",
	}, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if req.Path != "stacks/env-1" {
		t.Errorf("path = %q, want rendered path", req.Path)
	}
	if want := DeriveEntityID("prov-1", "env-1", "main", "stacks/env-1", ""); req.EntityID != want {
		t.Errorf("entity id = %q, want %q", req.EntityID, want)
	}
	if req.LegacyEntityID != "prov-1-env-1" {
		t.Errorf("legacy entity id = %q", req.LegacyEntityID)
	}
	if req.Variables["region"] != "eu-west-1" || req.Variables["size"] != "small" {
		t.Errorf("variables = %v", req.Variables)
	}
	if req.BackendConfigs["bucket"] != "tf-state" {
		t.Errorf("backend configs = %v", req.BackendConfigs)
	}
	if req.SchemaVersion != RequestSchemaVersion || req.Timeout != 10*time.Minute {
		t.Errorf("unexpected request header: %+v", req)
	}
}

func TestBuildCallerOverridesWin(t *testing.T) {
	b, _ := newTestBuilder(&memoryBackend{})

	skip := true
	req, err := b.Build(context.Background(), terraformConfig(), CallerOverrides{
		Command:              CommandPlan,
		EnvironmentID:        "env-1",
		Workspace:            "default",
		Variables:            map[string]string{"size": "large", "undeclared": "x"},
		EnvironmentVariables: map[string]string{"TF_LOG": "debug"},
		Targets:              []string{"module.vpc"},
		Timeout:              time.Minute,
		SkipRefresh:          &skip,
	}, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if req.Variables["size"] != "large" || req.Variables["region"] != "eu-west-1" {
		t.Errorf("variables = %v", req.Variables)
	}
	if _, ok := req.Variables["undeclared"]; ok {
		t.Error("undeclared variable was not dropped")
	}
	if req.EnvironmentVariables["TF_LOG"] != "debug" {
		t.Errorf("environment variables are not whitelisted: %v", req.EnvironmentVariables)
	}
	if req.Workspace != "" {
		t.Errorf("default workspace not normalised: %q", req.Workspace)
	}
	if !req.IsTargeted() || req.Timeout != time.Minute || !req.SkipRefresh {
		t.Errorf("overrides not applied: %+v", req)
	}
}

func TestBuildFallsBackToLastApplied(t *testing.T) {
	backend := &memoryBackend{}
	b, history := newTestBuilder(backend)
	cfg := terraformConfig()
	ctx := context.Background()

	first, err := b.Build(ctx, cfg, CallerOverrides{
		Command:       CommandApply,
		EnvironmentID: "env-1",
		Variables:     map[string]string{"size": "xlarge"},
	}, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	state := &ArtifactRef{Bucket: "artifacts", Key: "state/1.tfstate"}
	if err := history.Save(ctx, NewSnapshot(first, ExecutionResult{Status: ResultSuccess, StateFile: state}, time.Now())); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	second, err := b.Build(ctx, cfg, CallerOverrides{Command: CommandApply, EnvironmentID: "env-1"}, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if second.Variables["size"] != "xlarge" {
		t.Errorf("variables = %v, want last applied values", second.Variables)
	}
	if second.StateFile == nil || second.StateFile.Key != state.Key {
		t.Errorf("state file = %+v, want %+v", second.StateFile, state)
	}
}

func TestBuildResolvesVarFiles(t *testing.T) {
	b, _ := newTestBuilder(&memoryBackend{})
	cfg := terraformConfig()
	cfg.VarFiles = []string{"vars/${environment_id}.tfvars"}

	req, err := b.Build(context.Background(), cfg, CallerOverrides{Command: CommandApply, EnvironmentID: "env-1"},
		FileBundle{"vars/env-1.tfvars": `size = "medium"`})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if len(req.VarFiles) != 1 || req.VarFiles[0].Content != `size = "medium"` {
		t.Errorf("var files = %+v", req.VarFiles)
	}

	_, err = b.Build(context.Background(), cfg, CallerOverrides{Command: CommandApply, EnvironmentID: "env-2"}, FileBundle{})
	if !IsInvalidConfiguration(err) || !strings.Contains(err.Error(), "var file vars/env-2.tfvars not found") {
		t.Errorf("expected missing var file error, got %v", err)
	}
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	b, _ := newTestBuilder(&memoryBackend{})
	ctx := context.Background()

	tests := []struct {
		name      string
		cfg       *ProvisionerConfig
		overrides CallerOverrides
	}{
		{name: "nil config", overrides: CallerOverrides{Command: CommandApply, EnvironmentID: "e"}},
		{name: "bad command", cfg: terraformConfig(), overrides: CallerOverrides{Command: "REFRESH", EnvironmentID: "e"}},
		{name: "missing environment", cfg: terraformConfig(), overrides: CallerOverrides{Command: CommandApply}},
		{
			name:      "blue green without settings",
			cfg:       &ProvisionerConfig{ID: "bg", Kind: KindECSBlueGreen},
			overrides: CallerOverrides{Command: CommandApply, EnvironmentID: "e"},
		},
		{
			name: "dotted variable name",
			cfg: &ProvisionerConfig{ID: "p", Kind: KindTerraform,
				Variables: []DeclaredVariable{{Name: "a.b", Value: "1"}}},
			overrides: CallerOverrides{Command: CommandApply, EnvironmentID: "e"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Build(ctx, tt.cfg, tt.overrides, nil); !IsInvalidConfiguration(err) {
				t.Errorf("expected invalid configuration, got %v", err)
			}
		})
	}
}
