package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkRenderer evaluates ${...} segments of configuration strings as
// Starlark expressions. Literal text around segments is kept as-is.
type StarlarkRenderer struct {
	timeout time.Duration
}

// NewStarlarkRenderer creates a renderer that aborts any single string after
// timeout.
func NewStarlarkRenderer(timeout time.Duration) *StarlarkRenderer {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkRenderer{timeout: timeout}
}

// Render replaces every ${expr} in s with the string form of expr evaluated
// against vars.
func (r *StarlarkRenderer) Render(ctx context.Context, s string, vars map[string]interface{}) (string, error) {
	segments, err := splitExpressions(s)
	if err != nil {
		return "", err
	}

	env, err := r.environment(vars)
	if err != nil {
		return "", err
	}

	evalCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "render",
		Print: func(*starlark.Thread, string) {},
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(fmt.Sprintf("expression timeout after %v", r.timeout))
		case <-done:
		}
	}()

	var b strings.Builder
	for _, seg := range segments {
		if !seg.expr {
			b.WriteString(seg.text)
			continue
		}
		val, err := starlark.Eval(thread, "expr", seg.text, env)
		if err != nil {
			return "", fmt.Errorf("failed to render ${%s}: %w", seg.text, err)
		}
		b.WriteString(stringify(val))
	}
	return b.String(), nil
}

func (r *StarlarkRenderer) environment(vars map[string]interface{}) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"coalesce": starlark.NewBuiltin("coalesce", builtinCoalesce),
	}
	for key, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert variable %s: %w", key, err)
		}
		env[key] = sv
	}
	return env, nil
}

type segment struct {
	text string
	expr bool
}

// splitExpressions cuts s into literal and ${...} parts. Braces inside an
// expression must balance.
func splitExpressions(s string) ([]segment, error) {
	var out []segment
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			if s != "" {
				out = append(out, segment{text: s})
			}
			return out, nil
		}
		if start > 0 {
			out = append(out, segment{text: s[:start]})
		}

		depth := 1
		end := -1
		for i := start + 2; i < len(s); i++ {
			switch s[i] {
			case '{':
				depth++
			case '}':
				depth--
			}
			if depth == 0 {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("unterminated expression in %q", s)
		}

		expr := strings.TrimSpace(s[start+2 : end])
		if expr == "" {
			return nil, fmt.Errorf("empty expression in %q", s)
		}
		out = append(out, segment{text: expr, expr: true})
		s = s[end+1:]
	}
}

func stringify(v starlark.Value) string {
	switch val := v.(type) {
	case starlark.String:
		return string(val)
	case starlark.NoneType:
		return ""
	default:
		return val.String()
	}
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(item)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// builtinCoalesce returns the first argument that is truthy, or "".
func builtinCoalesce(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("coalesce takes no keyword arguments")
	}
	for _, arg := range args {
		if arg.Truth() {
			return arg, nil
		}
	}
	return starlark.String(""), nil
}
