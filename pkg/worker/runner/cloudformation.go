package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/provisioner/pkg/engine"
)

type stackDescription struct {
	Stacks []struct {
		StackName         string `json:"StackName"`
		StackStatus       string `json:"StackStatus"`
		StackStatusReason string `json:"StackStatusReason"`
		Outputs           []struct {
			OutputKey   string `json:"OutputKey"`
			OutputValue string `json:"OutputValue"`
		} `json:"Outputs"`
	} `json:"Stacks"`
}

type stackParameter struct {
	ParameterKey   string `json:"ParameterKey"`
	ParameterValue string `json:"ParameterValue"`
}

// runCloudFormation creates, updates or deletes a stack with the aws CLI.
func (r *Runner) runCloudFormation(ctx context.Context, j *job) error {
	st := j.req.Stack
	if st == nil || st.StackName == "" {
		return failure(CodeInvalidRequest, "stack settings are required")
	}

	env := map[string]string{"AWS_PAGER": ""}
	for k, v := range j.env {
		env[k] = v
	}
	aws := func(args ...string) (CmdResult, error) {
		full := append([]string{"cloudformation"}, args...)
		if st.Region != "" {
			full = append(full, "--region", st.Region)
		}
		full = append(full, "--output", "json")
		return r.execTool(ctx, j, Cmd{Name: r.cfg.Tools.AWS, Args: full, Env: environ(env)})
	}

	existing, err := r.describeStack(aws, st.StackName)
	if err != nil {
		return err
	}
	info := &engine.ExistingStackInfo{StackExisted: existing != nil}
	if existing != nil && j.req.Command == engine.CommandApply {
		res, err := aws("get-template", "--stack-name", st.StackName, "--query", "TemplateBody")
		if err != nil {
			return err
		}
		info.OldStackBody = templateBody(res.Stdout)
	}
	j.result.ExistingStack = info

	switch j.req.Command {
	case engine.CommandPlan:
		template, err := templateArgs(j)
		if err != nil {
			return err
		}
		_, err = aws(append([]string{"validate-template"}, template...)...)
		return err

	case engine.CommandDestroy:
		if existing == nil {
			j.emit("info", "stack "+st.StackName+" does not exist")
			return nil
		}
		if _, err := aws("delete-stack", "--stack-name", st.StackName); err != nil {
			return err
		}
		if _, err := aws("wait", "stack-delete-complete", "--stack-name", st.StackName); err != nil {
			return r.finalStackStatus(aws, j, err)
		}
		j.result.StackStatus = "DELETE_COMPLETE"
		return nil
	}

	template, err := templateArgs(j)
	if err != nil {
		return err
	}
	args := append([]string{}, template...)
	args = append(args, "--stack-name", st.StackName)
	if len(j.vars) > 0 {
		paramFile, err := writeParameters(j)
		if err != nil {
			return err
		}
		args = append(args, "--parameters", "file://"+paramFile)
	}
	if len(st.Capabilities) > 0 {
		args = append(args, "--capabilities")
		args = append(args, st.Capabilities...)
	}

	verb, waiter := "create-stack", "stack-create-complete"
	if existing != nil {
		verb, waiter = "update-stack", "stack-update-complete"
	}
	if _, err := aws(append([]string{verb}, args...)...); err != nil {
		var re *RunError
		if existing == nil || !errors.As(err, &re) || !strings.Contains(re.Message, "No updates are to be performed") {
			return err
		}
		j.emit("info", "stack "+st.StackName+" is already up to date")
	} else if _, err := aws("wait", waiter, "--stack-name", st.StackName); err != nil {
		return r.finalStackStatus(aws, j, err)
	}

	final, err := r.describeStack(aws, st.StackName)
	if err != nil {
		return err
	}
	if final != nil {
		j.result.StackStatus = final.Stacks[0].StackStatus
		j.result.Outputs = stackOutputs(final)
	}
	return nil
}

// describeStack returns nil when the stack does not exist.
func (r *Runner) describeStack(aws func(...string) (CmdResult, error), name string) (*stackDescription, error) {
	res, err := aws("describe-stacks", "--stack-name", name)
	if err != nil {
		var re *RunError
		if errors.As(err, &re) && strings.Contains(re.Message, "does not exist") {
			return nil, nil
		}
		return nil, err
	}
	var desc stackDescription
	if err := json.Unmarshal([]byte(res.Stdout), &desc); err != nil {
		return nil, fmt.Errorf("failed to parse stack description: %w", err)
	}
	if len(desc.Stacks) == 0 {
		return nil, nil
	}
	return &desc, nil
}

// finalStackStatus records the status a failed waiter left the stack in and
// returns the stack's own reason as the error.
func (r *Runner) finalStackStatus(aws func(...string) (CmdResult, error), j *job, waitErr error) error {
	desc, err := r.describeStack(aws, j.req.Stack.StackName)
	if err != nil || desc == nil {
		return waitErr
	}
	s := desc.Stacks[0]
	j.result.StackStatus = s.StackStatus
	j.result.Outputs = stackOutputs(desc)
	if s.StackStatusReason != "" {
		return &RunError{Code: CodeToolFailed, Message: s.StackStatus + ": " + s.StackStatusReason}
	}
	return waitErr
}

func templateArgs(j *job) ([]string, error) {
	st := j.req.Stack
	if st.TemplateBody != "" {
		p := filepath.Join(j.scratch, "template")
		if err := os.WriteFile(p, []byte(st.TemplateBody), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write template: %w", err)
		}
		return []string{"--template-body", "file://" + p}, nil
	}
	url := j.req.TemplateURL
	if url == "" {
		url = st.TemplateURL
	}
	if url == "" {
		return nil, failure(CodeInvalidRequest, "stack %s has no template", st.StackName)
	}
	return []string{"--template-url", url}, nil
}

// writeParameters passes stack parameters through a file so revealed
// values stay out of the process list.
func writeParameters(j *job) (string, error) {
	params := make([]stackParameter, 0, len(j.vars))
	for _, k := range sortedKeys(j.vars) {
		params = append(params, stackParameter{ParameterKey: k, ParameterValue: j.vars[k]})
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode parameters: %w", err)
	}
	p := filepath.Join(j.scratch, "parameters.json")
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write parameters: %w", err)
	}
	return p, nil
}

// templateBody unwraps get-template output. YAML templates come back as a
// JSON string, JSON templates as an object.
func templateBody(out string) string {
	out = strings.TrimSpace(out)
	var s string
	if err := json.Unmarshal([]byte(out), &s); err == nil {
		return s
	}
	return out
}

func stackOutputs(desc *stackDescription) map[string]string {
	if desc == nil || len(desc.Stacks) == 0 || len(desc.Stacks[0].Outputs) == 0 {
		return nil
	}
	out := make(map[string]string, len(desc.Stacks[0].Outputs))
	for _, o := range desc.Stacks[0].Outputs {
		out[o.OutputKey] = o.OutputValue
	}
	return out
}
