// Package governance decides whether a declared module may be loaded on this
// host, using CEL rules from the host configuration.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/skyforge-dev/skyforge/pkg/manifest"
)

// Rule is one admission expression. It must evaluate to true for a module to
// be admitted.
type Rule struct {
	Name    string `json:"name" yaml:"name"`
	Expr    string `json:"expr" yaml:"expr"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// PolicyDeniedError is returned when a rule evaluates to false.
type PolicyDeniedError struct {
	Module  string
	Rule    string
	Message string
}

func (e *PolicyDeniedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("module %s denied by rule %q: %s", e.Module, e.Rule, e.Message)
	}
	return fmt.Sprintf("module %s denied by rule %q", e.Module, e.Rule)
}

// PolicyRuleError is returned when a rule cannot be compiled or evaluated.
// Evaluation errors deny admission.
type PolicyRuleError struct {
	Rule string
	Err  error
}

func (e *PolicyRuleError) Error() string {
	return fmt.Sprintf("policy rule %q: %v", e.Rule, e.Err)
}

func (e *PolicyRuleError) Unwrap() error { return e.Err }

// PolicyEvaluator evaluates admission rules over module descriptors.
type PolicyEvaluator struct {
	env      *cel.Env
	rules    []Rule
	logger   *slog.Logger
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewPolicyEvaluator compiles rules. A rule that does not compile or cannot
// produce a bool fails construction. No rules admits every module.
func NewPolicyEvaluator(rules []Rule, logger *slog.Logger) (*PolicyEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("module", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &PolicyEvaluator{
		env:      env,
		logger:   logger.With("component", "governance"),
		prgCache: make(map[string]cel.Program),
	}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		if _, err := e.program(r.Expr); err != nil {
			return nil, &PolicyRuleError{Rule: r.Name, Err: err}
		}
		e.rules = append(e.rules, r)
	}
	return e, nil
}

// Rules returns the configured rules.
func (e *PolicyEvaluator) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Admit evaluates every rule against desc, in order, and fails on the first
// rule that does not hold.
func (e *PolicyEvaluator) Admit(ctx context.Context, desc *manifest.ModuleDescriptor) error {
	input := map[string]any{"module": Input(desc)}
	for _, r := range e.rules {
		ok, err := e.evaluate(ctx, r.Expr, input)
		if err != nil {
			return &PolicyRuleError{Rule: r.Name, Err: err}
		}
		if !ok {
			e.logger.Warn("module denied", "module", desc.String(), "rule", r.Name)
			return &PolicyDeniedError{Module: desc.String(), Rule: r.Name, Message: r.Message}
		}
	}
	return nil
}

// Input is the value bound to `module` in rule expressions.
func Input(desc *manifest.ModuleDescriptor) map[string]any {
	caps := make([]any, 0, desc.Capabilities().Len())
	for _, s := range desc.Capabilities().Strings() {
		caps = append(caps, s)
	}
	mounts := make([]any, 0, len(desc.Mounts()))
	for _, m := range desc.Mounts() {
		mounts = append(mounts, map[string]any{
			"host_path":  m.HostPath,
			"guest_path": m.GuestPath,
			"file_read":  m.FilePerms.Read,
			"file_write": m.FilePerms.Write,
			"dir_read":   m.DirPerms.Read,
			"dir_mutate": m.DirPerms.Mutate,
		})
	}
	return map[string]any{
		"name":         desc.Name(),
		"version":      desc.Version(),
		"capabilities": caps,
		"mounts":       mounts,
	}
}

func (e *PolicyEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression yields %s, want bool", out)
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

func (e *PolicyEvaluator) evaluate(ctx context.Context, expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
