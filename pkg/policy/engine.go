package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// Engine evaluates Rego dispatch policies. It implements
// engine.DispatchPolicy.
type Engine struct {
	logger zerolog.Logger
	loader *Loader

	mu       sync.RWMutex
	builtins []*compiledPolicy
	loaded   []*compiledPolicy
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine holding only the builtin policies.
func NewEngine(ctx context.Context, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	builtins, err := compileAll(ctx, builtinPolicies())
	if err != nil {
		return nil, fmt.Errorf("failed to compile builtin policies: %w", err)
	}
	e.builtins = builtins
	return e, nil
}

// LoadPolicies replaces the loaded policies with the ones under paths. On
// error the previous set stays active.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(paths)
	if err != nil {
		return err
	}
	return e.replace(ctx, policies)
}

// Watch reloads policies whenever files under paths change, until ctx ends.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	compiled, err := compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.loaded = compiled
	e.mu.Unlock()

	e.logger.Info().Int("count", len(compiled)).Msg("policies loaded")
	return nil
}

// Policies lists every active policy, builtins first.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.builtins)+len(e.loaded))
	for _, cp := range e.builtins {
		out = append(out, cp.policy)
	}
	for _, cp := range e.loaded {
		out = append(out, cp.policy)
	}
	return out
}

// Violations evaluates every policy against req.
func (e *Engine) Violations(ctx context.Context, req engine.ExecutionRequest) ([]Violation, error) {
	e.mu.RLock()
	active := make([]*compiledPolicy, 0, len(e.builtins)+len(e.loaded))
	active = append(active, e.builtins...)
	active = append(active, e.loaded...)
	e.mu.RUnlock()

	input := NewInput(req)
	var violations []Violation
	for _, cp := range active {
		rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}
		for _, r := range rs {
			for _, expr := range r.Expressions {
				members, ok := expr.Value.([]interface{})
				if !ok {
					return nil, fmt.Errorf("policy %s: deny must be a set, got %T", cp.policy.Name, expr.Value)
				}
				for _, m := range members {
					violations = append(violations, newViolation(cp.policy.Name, m))
				}
			}
		}
	}
	return violations, nil
}

// Evaluate implements engine.DispatchPolicy. Warnings are logged and do
// not block.
func (e *Engine) Evaluate(ctx context.Context, req engine.ExecutionRequest) (*engine.PolicyDecision, error) {
	start := time.Now()
	violations, err := e.Violations(ctx, req)
	if err != nil {
		return nil, err
	}

	decision := &engine.PolicyDecision{Allowed: true}
	for _, v := range violations {
		if !v.Severity.Blocking() {
			e.logger.Warn().
				Str("policy", v.Policy).
				Str("entity_id", req.EntityID).
				Msg(v.Message)
			continue
		}
		decision.Allowed = false
		decision.Reasons = append(decision.Reasons, v.Policy+": "+v.Message)
	}

	e.logger.Debug().
		Str("entity_id", req.EntityID).
		Str("command", string(req.Command)).
		Bool("allowed", decision.Allowed).
		Dur("duration", time.Since(start)).
		Msg("dispatch policy evaluated")
	return decision, nil
}

func newViolation(policy string, member interface{}) Violation {
	v := Violation{Policy: policy, Severity: SeverityError}
	switch m := member.(type) {
	case string:
		v.Message = m
	case map[string]interface{}:
		if msg, ok := m["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := m["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", m)
	}
	return v
}

// compileAll prepares a deny query per policy, in name order.
func compileAll(ctx context.Context, policies []Policy) ([]*compiledPolicy, error) {
	sorted := append([]Policy(nil), policies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	out := make([]*compiledPolicy, 0, len(sorted))
	seen := make(map[string]string, len(sorted))
	for _, p := range sorted {
		module, err := ast.ParseModuleWithOpts(p.Name+".rego", p.Rego, ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
		}
		pkg := module.Package.Path.String()
		if other, ok := seen[pkg]; ok {
			return nil, fmt.Errorf("policies %s and %s share package %s", other, p.Name, pkg)
		}
		seen[pkg] = p.Name

		query, err := rego.New(
			rego.ParsedModule(module),
			rego.Query(pkg+".deny"),
		).PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		out = append(out, &compiledPolicy{policy: p, query: query})
	}
	return out, nil
}
