package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/files"
)

// runTerraform drives terraform or terragrunt, which share a command line.
func (r *Runner) runTerraform(ctx context.Context, j *job, binary string) error {
	dir, err := r.workDir(j)
	if err != nil {
		return err
	}

	env := map[string]string{
		"TF_IN_AUTOMATION":           "1",
		"TF_INPUT":                   "0",
		"TF_DATA_DIR":                filepath.Join(j.scratch, ".terraform"),
		"TERRAGRUNT_NON_INTERACTIVE": "true",
		"TG_NON_INTERACTIVE":         "true",
	}
	for k, v := range j.env {
		env[k] = v
	}
	for k, v := range j.vars {
		env["TF_VAR_"+k] = v
	}
	base := Cmd{Name: binary, Dir: dir, Env: environ(env)}
	run := func(args ...string) (CmdResult, error) {
		c := base
		c.Args = args
		return r.execTool(ctx, j, c)
	}

	varFiles, err := writeVarFiles(j)
	if err != nil {
		return err
	}

	// With no remote backend the state lives in the artifact store.
	statePath := ""
	if len(j.backend) == 0 && r.artifacts != nil {
		statePath = filepath.Join(j.scratch, "terraform.tfstate")
		if err := r.restoreState(ctx, j, statePath); err != nil {
			return err
		}
	}

	initArgs := []string{"init", "-input=false", "-no-color", "-reconfigure"}
	for _, k := range sortedKeys(j.backend) {
		initArgs = append(initArgs, "-backend-config="+k+"="+j.backend[k])
	}
	if _, err := run(initArgs...); err != nil {
		return err
	}

	if ws := j.req.Workspace; ws != "" && ws != "default" {
		if _, err := run("workspace", "select", "-or-create=true", ws); err != nil {
			return err
		}
	}

	args := terraformArgs(j.req, varFiles, statePath)
	planPath := ""
	if j.req.Command == engine.CommandPlan && j.req.ExportPlan {
		planPath = filepath.Join(j.scratch, "tfplan")
		args = append(args, "-out="+planPath)
	}
	if _, err := run(args...); err != nil {
		return err
	}

	if planPath != "" && r.artifacts != nil {
		ref, err := r.upload(ctx, planPath, files.PlanKey(j.req.EntityID, j.id))
		if err != nil {
			return err
		}
		j.result.PlanFile = ref
	}

	if j.req.Command == engine.CommandApply {
		outArgs := []string{"output", "-json", "-no-color"}
		if statePath != "" {
			outArgs = append(outArgs, "-state="+statePath)
		}
		res, err := run(outArgs...)
		if err != nil {
			return err
		}
		outputs, err := parseOutputs(res.Stdout)
		if err != nil {
			j.logger.Warn().Err(err).Msg("ignoring unreadable outputs")
		}
		j.result.Outputs = outputs
	}

	if statePath != "" && j.req.Command.IsMutating() {
		ref, err := r.upload(ctx, statePath, files.StateKey(j.req.EntityID))
		if err != nil {
			return err
		}
		j.result.StateFile = ref
	}
	return nil
}

// terraformArgs builds the plan, apply or destroy command line.
func terraformArgs(req engine.ExecutionRequest, varFiles []string, statePath string) []string {
	var args []string
	switch req.Command {
	case engine.CommandPlan:
		args = []string{"plan"}
	case engine.CommandApply:
		args = []string{"apply", "-auto-approve"}
	case engine.CommandDestroy:
		args = []string{"destroy", "-auto-approve"}
	}
	args = append(args, "-input=false", "-no-color")
	if req.SkipRefresh {
		args = append(args, "-refresh=false")
	}
	if statePath != "" {
		args = append(args, "-state="+statePath)
	}
	for _, t := range req.Targets {
		args = append(args, "-target="+t)
	}
	for _, f := range varFiles {
		args = append(args, "-var-file="+f)
	}
	return args
}

// writeVarFiles materialises the var-files carried in the request.
func writeVarFiles(j *job) ([]string, error) {
	var paths []string
	for i, vf := range j.req.VarFiles {
		ext := ".tfvars"
		if strings.HasSuffix(vf.Path, ".json") {
			ext = ".tfvars.json"
		}
		p := filepath.Join(j.scratch, fmt.Sprintf("vars-%02d%s", i, ext))
		if err := os.WriteFile(p, []byte(vf.Content), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write var-file %s: %w", vf.Path, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// restoreState downloads the previous state, preferring the pointer in the
// request and falling back to the entity keys.
func (r *Runner) restoreState(ctx context.Context, j *job, path string) error {
	ref := j.req.StateFile
	if ref == nil {
		found, err := files.ResolveState(ctx, r.artifacts, j.req.EntityID, j.req.LegacyEntityID)
		if err != nil {
			return failure(CodeArtifact, "failed to locate state: %v", err)
		}
		ref = found
	}
	if ref == nil {
		return nil
	}

	rc, err := r.artifacts.Get(ctx, *ref)
	if errors.Is(err, files.ErrArtifactNotFound) {
		j.logger.Warn().Str("key", ref.Key).Msg("state file missing, starting empty")
		return nil
	}
	if err != nil {
		return failure(CodeArtifact, "failed to download state %s: %v", ref.Key, err)
	}
	defer rc.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return failure(CodeArtifact, "failed to download state %s: %v", ref.Key, err)
	}
	j.logger.Debug().Str("key", ref.Key).Msg("restored state")
	return nil
}

func (r *Runner) upload(ctx context.Context, path, key string) (*engine.ArtifactRef, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	ref, err := r.artifacts.Put(ctx, key, f, info.Size())
	if err != nil {
		return nil, failure(CodeArtifact, "failed to upload %s: %v", key, err)
	}
	return ref, nil
}

// parseOutputs flattens `terraform output -json`. Sensitive outputs are
// dropped; non-string values are kept as JSON.
func parseOutputs(data string) (map[string]string, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var raw map[string]struct {
		Sensitive bool            `json:"sensitive"`
		Value     json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse outputs: %w", err)
	}

	out := make(map[string]string, len(raw))
	for name, o := range raw {
		if o.Sensitive {
			continue
		}
		var s string
		if err := json.Unmarshal(o.Value, &s); err == nil {
			out[name] = s
			continue
		}
		out[name] = string(o.Value)
	}
	return out, nil
}
