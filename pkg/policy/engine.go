package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/stanza-tools/stanza/pkg/config"
	"github.com/stanza-tools/stanza/pkg/engine"
)

// Engine evaluates Rego policies against project configurations.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate evaluates every enabled policy against a project configuration.
func (e *Engine) Evaluate(ctx context.Context, cfg *config.ProjectConfig, mode engine.Mode) (*Result, error) {
	return e.EvaluateInput(ctx, NewInput(cfg, mode))
}

// EvaluateInput evaluates every enabled policy against a prepared input.
func (e *Engine) EvaluateInput(ctx context.Context, input *Input) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result.Evaluated = append(result.Evaluated, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.Failures = append(result.Failures, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}

		result.Violations = append(result.Violations, violations...)
	}

	sortViolations(result.Violations)
	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			result.Allowed = false
			break
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Int("policies", len(result.Evaluated)).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Configuration policy evaluation completed")

	return result, nil
}

// LoadPolicies loads policy files and adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if existing, ok := e.policies[policies[i].Name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", policies[i].Name)
		}
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// SetPolicies replaces every user policy with policies. Built-in policies are
// kept. Nothing changes when a policy fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[cp.policy.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("User policies replaced")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation

	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// deny is a set, which evaluates to a slice.
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, e.createViolation(cp.policy, d))
			}
		}
	}

	return violations, nil
}

// denyQuery returns the query selecting the deny set of a module.
func denyQuery(module *ast.Module) string {
	return module.Package.Path.String() + ".deny"
}

// createViolation creates a Violation from a deny entry.
func (e *Engine) createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(strings.ToLower(sev))
		}
		if bundle, ok := v["bundle"].(string); ok {
			violation.Bundle = bundle
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(denyQuery(module)),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold e.mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	cp, err := e.compile(ctx, policy)
	if err != nil {
		return err
	}

	e.policies[policy.Name] = cp

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", cp.module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
