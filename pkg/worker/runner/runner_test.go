package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/files"
	"github.com/openfroyo/provisioner/pkg/secrets"
)

type fakeExec struct {
	mu      sync.Mutex
	cmds    []Cmd
	respond func(c Cmd) (CmdResult, error)
}

func (f *fakeExec) Run(_ context.Context, c Cmd, onLine LineFunc) (CmdResult, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, c)
	f.mu.Unlock()

	res := CmdResult{}
	var err error
	if f.respond != nil {
		res, err = f.respond(c)
	}
	if onLine != nil {
		for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
			if line != "" {
				onLine("stdout", line)
			}
		}
	}
	return res, err
}

func (f *fakeExec) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cmds))
	for i, c := range f.cmds {
		out[i] = strings.Join(c.Args, " ")
	}
	return out
}

type memArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{objects: map[string][]byte{}}
}

func (m *memArtifacts) Put(_ context.Context, key string, r io.Reader, _ int64) (*engine.ArtifactRef, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return &engine.ArtifactRef{Bucket: "artifacts", Key: key, Size: int64(len(data))}, nil
}

func (m *memArtifacts) Get(_ context.Context, ref engine.ArtifactRef) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[ref.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", files.ErrArtifactNotFound, ref.Key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memArtifacts) Stat(_ context.Context, key string) (*engine.ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", files.ErrArtifactNotFound, key)
	}
	return &engine.ArtifactRef{Bucket: "artifacts", Key: key, Size: int64(len(data))}, nil
}

func (m *memArtifacts) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.objects[key])
}

// newCheckout creates <root>/git.example.com/infra/<path>.
func newCheckout(t *testing.T, path string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "git.example.com", "infra", path), 0o755); err != nil {
		t.Fatalf("failed to create checkout: %v", err)
	}
	return root
}

func terraformRequest() engine.ExecutionRequest {
	return engine.ExecutionRequest{
		SchemaVersion: engine.RequestSchemaVersion,
		ProvisionerID: "network",
		Kind:          engine.KindTerraform,
		EntityID:      "ent-1",
		Command:       engine.CommandApply,
		Source:        engine.SourceRef{RepoURL: "https://git.example.com/infra.git"},
		Path:          "stacks/net",
		Variables:     map[string]string{"region": "us-east-1"},
		EncryptedVariables: map[string]engine.SecretRef{
			"db_password": {Provider: secrets.ProviderStatic, Path: "prod/db", Key: "password"},
		},
	}
}

func newTestRunner(t *testing.T, root string, ex Executor, opts ...Option) *Runner {
	t.Helper()
	store := secrets.NewStaticStore(map[string]map[string]string{"prod/db": {"password": "hunter2"}})
	opts = append([]Option{WithExecutor(ex)}, opts...)
	return New(Config{SourceRoot: root, ScratchDir: t.TempDir(), WorkerID: "w-1"}, secrets.Revealers{secrets.ProviderStatic: store}, zerolog.Nop(), opts...)
}

func hasEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}

func argValue(args []string, prefix string) string {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix)
		}
	}
	return ""
}

func TestRunTerraformApply(t *testing.T) {
	root := newCheckout(t, "stacks/net")
	var varFile string
	ex := &fakeExec{respond: func(c Cmd) (CmdResult, error) {
		switch c.Args[0] {
		case "apply":
			data, err := os.ReadFile(argValue(c.Args, "-var-file="))
			if err != nil {
				return CmdResult{}, err
			}
			varFile = string(data)
		case "output":
			return CmdResult{Stdout: `{"vpc_id":{"sensitive":false,"value":"vpc-1"},"azs":{"sensitive":false,"value":["a","b"]},"pw":{"sensitive":true,"value":"x"}}`}, nil
		}
		return CmdResult{}, nil
	}}
	r := newTestRunner(t, root, ex)

	req := terraformRequest()
	req.BackendConfigs = map[string]string{"bucket": "tf-state"}
	req.Workspace = "staging"
	req.Targets = []string{"module.vpc"}
	req.VarFiles = []engine.VarFile{{Path: "env/prod.tfvars", Content: `size = "large"`}}

	var events []string
	res, err := r.Run(context.Background(), "corr-1", req, func(level, msg string) { events = append(events, msg) })
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Status != engine.ResultSuccess || res.CorrelationID != "corr-1" || res.WorkerID != "w-1" {
		t.Errorf("result = %+v", res)
	}

	got := ex.lines()
	if len(got) != 4 {
		t.Fatalf("commands = %q", got)
	}
	if got[0] != "init -input=false -no-color -reconfigure -backend-config=bucket=tf-state" {
		t.Errorf("init = %q", got[0])
	}
	if got[1] != "workspace select -or-create=true staging" {
		t.Errorf("workspace = %q", got[1])
	}
	if !strings.HasPrefix(got[2], "apply -auto-approve -input=false -no-color -target=module.vpc -var-file=") {
		t.Errorf("apply = %q", got[2])
	}
	if varFile != `size = "large"` {
		t.Errorf("var-file content = %q", varFile)
	}

	apply := ex.cmds[2]
	if apply.Dir != filepath.Join(root, "git.example.com", "infra", "stacks", "net") {
		t.Errorf("dir = %s", apply.Dir)
	}
	if !hasEnv(apply.Env, "TF_VAR_db_password=hunter2") || !hasEnv(apply.Env, "TF_VAR_region=us-east-1") {
		t.Error("variables not exported to the tool")
	}
	for _, a := range apply.Args {
		if strings.Contains(a, "hunter2") {
			t.Error("secret leaked into arguments")
		}
	}

	if res.Outputs["vpc_id"] != "vpc-1" || res.Outputs["azs"] != `["a","b"]` {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if _, ok := res.Outputs["pw"]; ok {
		t.Error("sensitive output leaked")
	}
	if res.StateFile != nil {
		t.Errorf("remote backend must not upload state: %+v", res.StateFile)
	}
	if len(events) == 0 {
		t.Error("no events emitted")
	}
}

func TestRunTerraformLocalStateFallsBackToLegacyKey(t *testing.T) {
	root := newCheckout(t, "stacks/net")
	artifacts := newMemArtifacts()
	artifacts.objects[files.StateKey("legacy-1")] = []byte(`{"serial":1}`)

	var restored string
	ex := &fakeExec{respond: func(c Cmd) (CmdResult, error) {
		if c.Args[0] == "apply" {
			path := argValue(c.Args, "-state=")
			data, _ := os.ReadFile(path)
			restored = string(data)
			if err := os.WriteFile(path, []byte(`{"serial":2}`), 0o600); err != nil {
				return CmdResult{}, err
			}
		}
		return CmdResult{}, nil
	}}
	r := newTestRunner(t, root, ex, WithArtifacts(artifacts))

	req := terraformRequest()
	req.EntityID = "ent-new"
	req.LegacyEntityID = "legacy-1"

	res, err := r.Run(context.Background(), "corr-2", req, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if restored != `{"serial":1}` {
		t.Errorf("restored state = %q", restored)
	}
	if res.StateFile == nil || res.StateFile.Key != files.StateKey("ent-new") {
		t.Fatalf("state file = %+v", res.StateFile)
	}
	if artifacts.get(files.StateKey("ent-new")) != `{"serial":2}` {
		t.Error("new state not uploaded under the current key")
	}
}

func TestRunTerraformExportPlan(t *testing.T) {
	root := newCheckout(t, "stacks/net")
	artifacts := newMemArtifacts()
	ex := &fakeExec{respond: func(c Cmd) (CmdResult, error) {
		if c.Args[0] == "plan" {
			if err := os.WriteFile(argValue(c.Args, "-out="), []byte("planbytes"), 0o600); err != nil {
				return CmdResult{}, err
			}
		}
		return CmdResult{}, nil
	}}
	r := newTestRunner(t, root, ex, WithArtifacts(artifacts))

	req := terraformRequest()
	req.Kind = engine.KindTerragrunt
	req.Command = engine.CommandPlan
	req.ExportPlan = true
	req.SkipRefresh = true

	res, err := r.Run(context.Background(), "corr-3", req, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if ex.cmds[0].Name != "terragrunt" {
		t.Errorf("binary = %s", ex.cmds[0].Name)
	}
	if !strings.Contains(ex.lines()[1], "-refresh=false") {
		t.Errorf("plan = %q", ex.lines()[1])
	}
	if res.PlanFile == nil || artifacts.get(files.PlanKey("ent-1", "corr-3")) != "planbytes" {
		t.Errorf("plan not uploaded: %+v", res.PlanFile)
	}
	if res.StateFile != nil {
		t.Error("plan must not upload state")
	}
}

func TestRunToolFailureKeepsToolMessage(t *testing.T) {
	root := newCheckout(t, "stacks/net")
	ex := &fakeExec{respond: func(c Cmd) (CmdResult, error) {
		if c.Args[0] == "apply" {
			return CmdResult{ExitCode: 1, Stderr: "\nError: Invalid provider configuration\n"}, nil
		}
		return CmdResult{}, nil
	}}
	r := newTestRunner(t, root, ex)

	res, err := r.Run(context.Background(), "corr-4", terraformRequest(), nil)
	var re *RunError
	if !errors.As(err, &re) || re.Code != CodeToolFailed {
		t.Fatalf("error = %v", err)
	}
	if res.Status != engine.ResultFailure || res.ErrorMessage != "Error: Invalid provider configuration" {
		t.Errorf("result = %+v", res)
	}
	if res.CompletedAt.IsZero() {
		t.Error("completed_at not set")
	}
}

func TestRunFailures(t *testing.T) {
	root := newCheckout(t, "stacks/net")

	t.Run("no secret provider", func(t *testing.T) {
		r := New(Config{SourceRoot: root}, nil, zerolog.Nop(), WithExecutor(&fakeExec{}))
		_, err := r.Run(context.Background(), "c", terraformRequest(), nil)
		var re *RunError
		if !errors.As(err, &re) || re.Code != CodeSecretFailure {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("missing working directory", func(t *testing.T) {
		r := newTestRunner(t, root, &fakeExec{})
		req := terraformRequest()
		req.Path = "stacks/none"
		_, err := r.Run(context.Background(), "c", req, nil)
		var re *RunError
		if !errors.As(err, &re) || re.Code != CodeInvalidRequest {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("path escape", func(t *testing.T) {
		r := newTestRunner(t, root, &fakeExec{})
		req := terraformRequest()
		req.Path = "../../etc"
		_, err := r.Run(context.Background(), "c", req, nil)
		if err == nil {
			t.Error("expected error")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ex := &fakeExec{respond: func(c Cmd) (CmdResult, error) {
			cancel()
			return CmdResult{}, context.Canceled
		}}
		r := newTestRunner(t, root, ex)
		res, err := r.Run(ctx, "c", terraformRequest(), nil)
		var re *RunError
		if !errors.As(err, &re) || re.Code != CodeTimeout {
			t.Errorf("error = %v", err)
		}
		if res.Status != engine.ResultFailure {
			t.Errorf("status = %s", res.Status)
		}
	})
}

const stackNotFound = "An error occurred (ValidationError) when calling the DescribeStacks operation: Stack with id app does not exist"

func cloudFormationRequest(cmd engine.CommandKind) engine.ExecutionRequest {
	return engine.ExecutionRequest{
		ProvisionerID: "stack",
		Kind:          engine.KindCloudFormation,
		EntityID:      "ent-cf",
		Command:       cmd,
		Variables:     map[string]string{"Env": "prod"},
		Stack: &engine.StackSettings{
			StackName:    "app",
			Region:       "eu-west-1",
			TemplateURL:  "https://templates.s3.amazonaws.com/app.yaml",
			Capabilities: []string{"CAPABILITY_IAM"},
		},
	}
}

func TestRunCloudFormationCreate(t *testing.T) {
	describes := 0
	var params string
	ex := &fakeExec{respond: func(c Cmd) (CmdResult, error) {
		switch c.Args[1] {
		case "describe-stacks":
			describes++
			if describes == 1 {
				return CmdResult{ExitCode: 255, Stderr: stackNotFound}, nil
			}
			return CmdResult{Stdout: `{"Stacks":[{"StackName":"app","StackStatus":"CREATE_COMPLETE","Outputs":[{"OutputKey":"Url","OutputValue":"https://app"}]}]}`}, nil
		case "create-stack":
			data, _ := os.ReadFile(argValue(c.Args, "file://"))
			params = string(data)
		}
		return CmdResult{}, nil
	}}
	r := newTestRunner(t, t.TempDir(), ex)

	res, err := r.Run(context.Background(), "corr-cf", cloudFormationRequest(engine.CommandApply), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	got := ex.lines()
	if len(got) != 4 {
		t.Fatalf("commands = %q", got)
	}
	if !strings.HasPrefix(got[1], "cloudformation create-stack --template-url https://templates.s3.amazonaws.com/app.yaml --stack-name app --parameters file://") ||
		!strings.Contains(got[1], "--capabilities CAPABILITY_IAM --region eu-west-1") {
		t.Errorf("create = %q", got[1])
	}
	if got[2] != "cloudformation wait stack-create-complete --stack-name app --region eu-west-1 --output json" {
		t.Errorf("wait = %q", got[2])
	}
	if params != `[{"ParameterKey":"Env","ParameterValue":"prod"}]` {
		t.Errorf("parameters = %q", params)
	}
	if res.ExistingStack == nil || res.ExistingStack.StackExisted {
		t.Errorf("existing stack = %+v", res.ExistingStack)
	}
	if res.StackStatus != "CREATE_COMPLETE" || res.Outputs["Url"] != "https://app" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunCloudFormationUpdateWithoutChanges(t *testing.T) {
	ex := &fakeExec{respond: func(c Cmd) (CmdResult, error) {
		switch c.Args[1] {
		case "describe-stacks":
			return CmdResult{Stdout: `{"Stacks":[{"StackName":"app","StackStatus":"UPDATE_COMPLETE"}]}`}, nil
		case "get-template":
			return CmdResult{Stdout: `"Resources: {}\n"`}, nil
		case "update-stack":
			return CmdResult{ExitCode: 254, Stderr: "An error occurred (ValidationError) when calling the UpdateStack operation: No updates are to be performed."}, nil
		}
		return CmdResult{}, nil
	}}
	r := newTestRunner(t, t.TempDir(), ex)

	res, err := r.Run(context.Background(), "corr-cf", cloudFormationRequest(engine.CommandApply), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.ExistingStack == nil || !res.ExistingStack.StackExisted || res.ExistingStack.OldStackBody != "Resources: {}\n" {
		t.Errorf("existing stack = %+v", res.ExistingStack)
	}
	for _, l := range ex.lines() {
		if strings.Contains(l, "wait") {
			t.Errorf("unexpected waiter: %q", l)
		}
	}
	if res.StackStatus != "UPDATE_COMPLETE" {
		t.Errorf("status = %s", res.StackStatus)
	}
}

func TestRunCloudFormationWaitFailure(t *testing.T) {
	describes := 0
	ex := &fakeExec{respond: func(c Cmd) (CmdResult, error) {
		switch c.Args[1] {
		case "describe-stacks":
			describes++
			if describes == 1 {
				return CmdResult{ExitCode: 255, Stderr: stackNotFound}, nil
			}
			return CmdResult{Stdout: `{"Stacks":[{"StackName":"app","StackStatus":"ROLLBACK_COMPLETE","StackStatusReason":"Resource creation cancelled"}]}`}, nil
		case "wait":
			return CmdResult{ExitCode: 255, Stderr: "Waiter StackCreateComplete failed"}, nil
		}
		return CmdResult{}, nil
	}}
	r := newTestRunner(t, t.TempDir(), ex)

	res, err := r.Run(context.Background(), "corr-cf", cloudFormationRequest(engine.CommandApply), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.StackStatus != "ROLLBACK_COMPLETE" {
		t.Errorf("status = %s", res.StackStatus)
	}
	if res.ErrorMessage != "ROLLBACK_COMPLETE: Resource creation cancelled" {
		t.Errorf("error message = %q", res.ErrorMessage)
	}
}

func TestRunCloudFormationDestroyMissingStack(t *testing.T) {
	ex := &fakeExec{respond: func(c Cmd) (CmdResult, error) {
		return CmdResult{ExitCode: 255, Stderr: stackNotFound}, nil
	}}
	r := newTestRunner(t, t.TempDir(), ex)

	res, err := r.Run(context.Background(), "corr-cf", cloudFormationRequest(engine.CommandDestroy), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(ex.cmds) != 1 || res.Status != engine.ResultSuccess {
		t.Errorf("commands = %q, result = %+v", ex.lines(), res)
	}
}

func TestRunBlueGreenApply(t *testing.T) {
	ex := &fakeExec{}
	r := newTestRunner(t, t.TempDir(), ex)

	req := engine.ExecutionRequest{
		ProvisionerID: "cutover",
		Kind:          engine.KindECSBlueGreen,
		EntityID:      "ent-bg",
		Command:       engine.CommandApply,
		BlueGreen: &engine.BlueGreenSpec{
			Cluster:              "prod",
			OldService:           "api-blue",
			NewService:           "api-green",
			ListenerARN:          "arn:listener",
			OldTargetGroupARN:    "arn:tg-blue",
			NewTargetGroupARN:    "arn:tg-green",
			DownsizeOldService:   true,
			OldServiceDesired:    4,
			OldServiceAutoscaler: &engine.AutoscalingSpec{MinCapacity: 2, MaxCapacity: 8},
		},
	}

	res, err := r.Run(context.Background(), "corr-bg", req, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []string{
		"ecs wait services-stable --cluster prod --services api-green --output json",
		`elbv2 modify-listener --listener-arn arn:listener --default-actions [{"Type":"forward","ForwardConfig":{"TargetGroups":[{"TargetGroupArn":"arn:tg-green","Weight":100},{"TargetGroupArn":"arn:tg-blue","Weight":0}]}}] --output json`,
		"application-autoscaling register-scalable-target --service-namespace ecs --scalable-dimension ecs:service:DesiredCount --resource-id service/prod/api-blue --min-capacity 0 --max-capacity 0 --output json",
		"ecs update-service --cluster prod --service api-blue --desired-count 0 --output json",
	}
	got := ex.lines()
	if len(got) != len(want) {
		t.Fatalf("commands = %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}
	if res.Outputs["active_service"] != "api-green" {
		t.Errorf("outputs = %v", res.Outputs)
	}
}

func TestOSExecutor(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	res, err := OSExecutor{}.Run(context.Background(), Cmd{
		Name: "/bin/sh",
		Args: []string{"-c", "echo out; echo err 1>&2; exit 3"},
	}, func(stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, stream+":"+line)
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.ExitCode != 3 || res.Stdout != "out\n" || res.Stderr != "err\n" {
		t.Errorf("result = %+v", res)
	}
	if len(lines) != 2 {
		t.Errorf("lines = %v", lines)
	}
}

func TestRedactedCommand(t *testing.T) {
	got := redactedCommand(Cmd{Name: "terraform", Args: []string{"init", "-backend-config=password=hunter2", "-no-color"}})
	if got != "terraform init -backend-config=password=*** -no-color" {
		t.Errorf("redactedCommand() = %q", got)
	}
}

func TestParseOutputs(t *testing.T) {
	out, err := parseOutputs(`{"n":{"value":3},"s":{"value":"x"}}`)
	if err != nil {
		t.Fatalf("parseOutputs() error: %v", err)
	}
	if out["n"] != "3" || out["s"] != "x" {
		t.Errorf("outputs = %v", out)
	}
	if _, err := parseOutputs("not json"); err == nil {
		t.Error("expected error")
	}
}
