// Package runner executes provisioning requests on a worker by driving the
// terraform, terragrunt and aws command line tools.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/files"
	"github.com/openfroyo/provisioner/pkg/secrets"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/worker/protocol"
)

// Failure codes carried by RunError.
const (
	CodeToolFailed     = protocol.CodeToolFailed
	CodeInvalidRequest = protocol.CodeInvalidCommand
	CodeSecretFailure  = protocol.CodeSecretFailure
	CodeTimeout        = protocol.CodeTimeout
	CodeArtifact       = protocol.CodeArtifactFailure
)

// RunError describes why a request failed.
type RunError struct {
	Code    string
	Message string
}

func (e *RunError) Error() string {
	return e.Message
}

func failure(code, format string, args ...interface{}) *RunError {
	return &RunError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EventFunc receives progress lines while a request runs.
type EventFunc func(level, message string)

// ArtifactStore stores state and plan files and looks them up by key.
type ArtifactStore interface {
	engine.ArtifactStore
	files.StateLocator
}

// Tools maps each tool to the binary that runs it.
type Tools struct {
	Terraform  string `yaml:"terraform" json:"terraform"`
	Terragrunt string `yaml:"terragrunt" json:"terragrunt"`
	AWS        string `yaml:"aws" json:"aws"`
}

// Config configures a Runner.
type Config struct {
	// SourceRoot holds repository checkouts laid out as the local fetcher
	// expects.
	SourceRoot string `yaml:"source_root" json:"source_root"`

	// ScratchDir holds per-request temporary files. Defaults to the OS temp
	// directory.
	ScratchDir string `yaml:"scratch_dir" json:"scratch_dir"`

	WorkerID string `yaml:"worker_id" json:"worker_id"`
	Tools    Tools  `yaml:"tools" json:"tools"`
}

// Runner executes requests.
type Runner struct {
	cfg       Config
	exec      Executor
	sources   *files.LocalFetcher
	revealer  engine.SecretRevealer
	artifacts ArtifactStore
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor replaces the process executor.
func WithExecutor(e Executor) Option {
	return func(r *Runner) { r.exec = e }
}

// WithArtifacts enables state restore and upload.
func WithArtifacts(a ArtifactStore) Option {
	return func(r *Runner) { r.artifacts = a }
}

// WithTelemetry traces and counts each request.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Runner) { r.tel = t }
}

// New creates a runner. revealer reads encrypted values and may be nil
// when no request carries secrets.
func New(cfg Config, revealer engine.SecretRevealer, logger zerolog.Logger, opts ...Option) *Runner {
	if cfg.Tools.Terraform == "" {
		cfg.Tools.Terraform = "terraform"
	}
	if cfg.Tools.Terragrunt == "" {
		cfg.Tools.Terragrunt = "terragrunt"
	}
	if cfg.Tools.AWS == "" {
		cfg.Tools.AWS = "aws"
	}
	r := &Runner{
		cfg:      cfg,
		exec:     OSExecutor{},
		sources:  files.NewLocalFetcher(cfg.SourceRoot, logger),
		revealer: revealer,
		logger:   logger.With().Str("component", "runner").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SupportedTools lists the kinds this runner can execute.
func (r *Runner) SupportedTools() map[string]bool {
	return map[string]bool{
		string(engine.KindTerraform):      true,
		string(engine.KindTerragrunt):     true,
		string(engine.KindCloudFormation): true,
		string(engine.KindECSBlueGreen):   true,
	}
}

// job is the state of one request.
type job struct {
	id      string
	req     engine.ExecutionRequest
	scratch string
	vars    map[string]string
	backend map[string]string
	env     map[string]string
	emit    EventFunc
	result  engine.ExecutionResult
	logger  zerolog.Logger
}

// Run executes req. The result always carries the correlation id and a
// status; the error explains a failure.
func (r *Runner) Run(ctx context.Context, correlationID string, req engine.ExecutionRequest, emit EventFunc) (engine.ExecutionResult, error) {
	if emit == nil {
		emit = func(string, string) {}
	}
	j := &job{
		id:   correlationID,
		req:  req,
		emit: emit,
		result: engine.ExecutionResult{
			CorrelationID: correlationID,
			WorkerID:      r.cfg.WorkerID,
		},
		logger: r.logger.With().
			Str("correlation_id", correlationID).
			Str("entity_id", req.EntityID).
			Str("kind", string(req.Kind)).
			Str("command", string(req.Command)).
			Logger(),
	}

	if r.tel != nil {
		ctx = r.tel.WithContext(ctx)
	}
	err := telemetry.RecordWorkerCommand(ctx, string(req.Kind), correlationID, func(ctx context.Context) error {
		return r.run(ctx, j)
	})
	j.result.CompletedAt = r.now()
	if err != nil {
		if ctx.Err() != nil {
			err = failure(CodeTimeout, "execution timed out: %v", ctx.Err())
		}
		j.result.Status = engine.ResultFailure
		if j.result.ErrorMessage == "" {
			j.result.ErrorMessage = err.Error()
		}
		j.logger.Warn().Err(err).Msg("request failed")
		return j.result, err
	}

	j.result.Status = engine.ResultSuccess
	j.logger.Info().Msg("request succeeded")
	return j.result, nil
}

func (r *Runner) run(ctx context.Context, j *job) error {
	if err := j.req.Command.Validate(); err != nil {
		return failure(CodeInvalidRequest, "%v", err)
	}

	scratch, err := os.MkdirTemp(r.cfg.ScratchDir, "provisioner-"+safeName(j.id)+"-")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)
	j.scratch = scratch

	if err := r.reveal(ctx, j); err != nil {
		return err
	}

	switch j.req.Kind {
	case engine.KindTerraform:
		return r.runTerraform(ctx, j, r.cfg.Tools.Terraform)
	case engine.KindTerragrunt:
		return r.runTerraform(ctx, j, r.cfg.Tools.Terragrunt)
	case engine.KindCloudFormation:
		return r.runCloudFormation(ctx, j)
	case engine.KindECSBlueGreen:
		return r.runBlueGreen(ctx, j)
	default:
		return failure(CodeInvalidRequest, "unsupported provisioner kind: %s", j.req.Kind)
	}
}

// reveal merges plaintext and revealed values. Revealed values never leave
// the job.
func (r *Runner) reveal(ctx context.Context, j *job) error {
	groups := []struct {
		plain map[string]string
		refs  map[string]engine.SecretRef
		out   *map[string]string
	}{
		{j.req.Variables, j.req.EncryptedVariables, &j.vars},
		{j.req.BackendConfigs, j.req.EncryptedBackendConfigs, &j.backend},
		{j.req.EnvironmentVariables, j.req.EncryptedEnvironmentVariables, &j.env},
	}
	for _, g := range groups {
		merged := make(map[string]string, len(g.plain)+len(g.refs))
		for k, v := range g.plain {
			merged[k] = v
		}
		if len(g.refs) > 0 {
			if r.revealer == nil {
				return failure(CodeSecretFailure, "request carries encrypted values but no secret provider is configured")
			}
			revealed, err := secrets.RevealAll(ctx, r.revealer, g.refs)
			if err != nil {
				return failure(CodeSecretFailure, "%v", err)
			}
			for k, v := range revealed {
				merged[k] = v
			}
		}
		*g.out = merged
	}
	return nil
}

// workDir resolves the request path inside the source checkout.
func (r *Runner) workDir(j *job) (string, error) {
	base, err := r.sources.Dir(j.req.Source)
	if err != nil {
		return "", failure(CodeInvalidRequest, "%v", err)
	}
	if j.req.Path == "" {
		return base, nil
	}
	rel := filepath.Clean(filepath.FromSlash(j.req.Path))
	if !filepath.IsLocal(rel) {
		return "", failure(CodeInvalidRequest, "path %q escapes the source root", j.req.Path)
	}
	dir := filepath.Join(base, rel)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", failure(CodeInvalidRequest, "working directory %s does not exist", dir)
	}
	return dir, nil
}

// execTool runs one command, streaming its lines as events. A non-zero exit
// becomes a TOOL_FAILED error whose message is the tool's own output.
func (r *Runner) execTool(ctx context.Context, j *job, cmd Cmd) (CmdResult, error) {
	j.logger.Debug().Str("cmd", redactedCommand(cmd)).Msg("running tool")
	j.emit("debug", "$ "+redactedCommand(cmd))

	res, err := r.exec.Run(ctx, cmd, func(stream, line string) {
		level := "info"
		if stream == "stderr" {
			level = "warn"
		}
		j.emit(level, line)
	})
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &RunError{Code: CodeToolFailed, Message: toolError(res)}
	}
	return res, nil
}

// toolError returns the tool's error output verbatim.
func toolError(res CmdResult) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(res.Stdout); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit status %d", res.ExitCode)
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	for _, k := range sortedKeys(extra) {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// redactedCommand hides backend-config values, which may carry secrets.
func redactedCommand(c Cmd) string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		if k, _, ok := strings.Cut(strings.TrimPrefix(a, "-backend-config="), "="); ok && strings.HasPrefix(a, "-backend-config=") {
			a = "-backend-config=" + k + "=***"
		}
		args[i] = a
	}
	return Cmd{Name: c.Name, Args: args}.String()
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
