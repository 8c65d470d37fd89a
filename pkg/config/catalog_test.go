package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

const terraformDecl = `
id: network
name: Core network
kind: TERRAFORM
path: stacks/${environment_id}/network
source:
  repo_url: https://git.example.com/infra.git
  branch: main
variables:
  - name: region
    value: us-east-1
  - name: db_password
    value: prod/db
    type: encrypted
backend_configs:
  - name: bucket
    value: tf-state
workspace: default
timeout: 20m
auto_rollback: true
`

const multiDecl = `
provisioners:
  - id: stack
    kind: CLOUDFORMATION
    source:
      bucket: templates
    stack:
      stack_name: app-stack
      capabilities: [CAPABILITY_IAM]
  - id: cutover
    kind: ECS_BLUE_GREEN
    source:
      repo_url: https://git.example.com/app.git
    network:
      launch_type: FARGATE
      network_mode: awsvpc
      execution_role_arn: arn:aws:iam::123:role/exec
    blue_green:
      cluster: prod
      old_service: api-blue
      new_service: api-green
      downsize_old_service: true
      old_service_desired: 4
      old_service_autoscaler:
        min_capacity: 2
        max_capacity: 8
`

func writeDecl(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func newTestCatalog(t *testing.T, dir string) *Catalog {
	t.Helper()
	c, err := NewCatalog(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCatalog() error: %v", err)
	}
	return c
}

func TestCatalogLoad(t *testing.T) {
	dir := t.TempDir()
	writeDecl(t, dir, "network.yaml", terraformDecl)
	writeDecl(t, dir, "apps.yml", multiDecl)
	writeDecl(t, dir, "README.md", "not a declaration")

	c := newTestCatalog(t, dir)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	ids := c.IDs()
	if strings.Join(ids, ",") != "cutover,network,stack" {
		t.Fatalf("IDs() = %v", ids)
	}

	cfg, err := c.Get(context.Background(), "network")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if cfg.Kind != engine.KindTerraform {
		t.Errorf("kind = %s", cfg.Kind)
	}
	if cfg.Timeout != 20*time.Minute {
		t.Errorf("timeout = %v, want 20m", cfg.Timeout)
	}
	if len(cfg.Variables) != 2 || !cfg.Variables[1].Type.IsEncrypted() {
		t.Errorf("variables = %+v", cfg.Variables)
	}
	if cfg.Path != "stacks/${environment_id}/network" {
		t.Errorf("path should be kept unrendered, got %q", cfg.Path)
	}
	if !strings.HasSuffix(c.Source("network"), "network.yaml") {
		t.Errorf("source = %q", c.Source("network"))
	}

	cutover, err := c.Get(context.Background(), "cutover")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if cutover.BlueGreen == nil || cutover.BlueGreen.OldServiceAutoscaler.MaxCapacity != 8 {
		t.Errorf("blue/green spec not decoded: %+v", cutover.BlueGreen)
	}
}

func TestCatalogGetUnknown(t *testing.T) {
	c := newTestCatalog(t, t.TempDir())
	_, err := c.Get(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if engine.ErrorCode(err) != engine.ErrCodeNotFound {
		t.Errorf("code = %q, want NOT_FOUND", engine.ErrorCode(err))
	}
}

func TestCatalogParseRejectsInvalid(t *testing.T) {
	c := newTestCatalog(t, t.TempDir())

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "unknown kind",
			content: "id: a\nkind: PULUMI\nsource: {}\n",
			want:    "kind",
		},
		{
			name:    "cloudformation without stack",
			content: "id: a\nkind: CLOUDFORMATION\nsource: {}\n",
			want:    "stack",
		},
		{
			name:    "blue green without services",
			content: "id: a\nkind: ECS_BLUE_GREEN\nsource: {}\nblue_green:\n  cluster: prod\n",
			want:    "old_service",
		},
		{
			name:    "unknown field",
			content: "id: a\nkind: TERRAFORM\nsource: {}\nregion: us-east-1\n",
			want:    "region",
		},
		{
			name:    "bad timeout",
			content: "id: a\nkind: TERRAFORM\nsource: {}\ntimeout: soon\n",
			want:    "timeout",
		},
		{
			name:    "invalid variable name",
			content: "id: a\nkind: TERRAFORM\nsource: {}\nvariables:\n  - name: a.b\n",
			want:    "not allowed in terraform variable names",
		},
		{
			name:    "duplicate variable name",
			content: "id: a\nkind: TERRAFORM\nsource: {}\nvariables:\n  - name: x\n  - name: x\n",
			want:    "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Parse("decl.yaml", []byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestCatalogParseMultipleDocuments(t *testing.T) {
	c := newTestCatalog(t, t.TempDir())
	content := "id: a\nkind: TERRAFORM\nsource: {}\n---\nid: b\nkind: TERRAGRUNT\nsource: {}\n"

	cfgs, err := c.Parse("decl.yaml", []byte(content))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(cfgs) != 2 || cfgs[1].Kind != engine.KindTerragrunt {
		t.Errorf("unexpected declarations: %+v", cfgs)
	}
}

func TestCatalogLoadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	writeDecl(t, dir, "network.yaml", terraformDecl)

	c := newTestCatalog(t, dir)
	ctx := context.Background()
	if err := c.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	writeDecl(t, dir, "dup.yaml", terraformDecl)
	err := c.Load(ctx)
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	if !engine.IsInvalidConfiguration(err) {
		t.Errorf("expected invalid configuration, got %v", err)
	}
	if _, err := c.Get(ctx, "network"); err != nil {
		t.Errorf("previous declarations lost: %v", err)
	}
}
