package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/openfroyo/labforge/pkg/engine"
	"github.com/rs/zerolog"
)

// Engine compiles Rego admission policies and evaluates labs against them.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	limits   Limits
	loader   *Loader
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// NewEngine creates an engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		limits:   DefaultLimits(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loader = NewLoader(logger)

	// Load built-in policies
	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		cp, err := compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// Limits returns the limits bound to input.limits.
func (e *Engine) Limits() Limits {
	return e.limits
}

// Evaluate runs every enabled policy against the lab. Policies that fail to
// evaluate are reported as warnings.
func (e *Engine) Evaluate(ctx context.Context, lab *engine.Lab, machines []*engine.Machine) (*Result, error) {
	start := time.Now()
	input := NewInput(lab, machines, e.limits)

	e.mu.RLock()
	active := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			active = append(active, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].policy.Name < active[j].policy.Name })

	result := &Result{Allowed: true, EvaluatedAt: start}
	for _, cp := range active {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := cp.evaluate(ctx, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Str("lab_id", lab.ID).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   cp.policy.Name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		// Determine if allowed based on violations
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("lab_id", lab.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Admission evaluated")

	return result, nil
}

// Admit returns a configuration error coded policy_denied when any blocking
// violation is found.
func (e *Engine) Admit(ctx context.Context, lab *engine.Lab, machines []*engine.Machine) error {
	result, err := e.Evaluate(ctx, lab, machines)
	if err != nil {
		return fmt.Errorf("failed to evaluate policies: %w", err)
	}
	for _, w := range result.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("lab_id", lab.ID).Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewConfigurationError("admission denied: "+strings.Join(messages, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(lab.ID).
		WithDetail("violations", result.Violations)
}

// LoadPolicies compiles the policies found under paths and replaces any
// previously loaded user policies. On error nothing is replaced.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceUserPolicies(ctx, policies)
}

// Watch reloads user policies whenever a file under paths changes, until ctx
// is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceUserPolicies(ctx, policies)
	})
}

func (e *Engine) replaceUserPolicies(ctx context.Context, policies []Policy) error {
	// Compile and store policies
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if p.Builtin {
			return fmt.Errorf("policy %s: loaded policies cannot be marked builtin", p.Name)
		}
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	// Clear existing user policies
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("User policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
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
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// compile parses a policy and prepares a query for its deny set.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	// Parse the Rego module
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil || module.Package == nil {
		return nil, fmt.Errorf("policy has no package declaration")
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}

	// Create a query specifically for deny results
	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

func (cp *compiledPolicy) evaluate(ctx context.Context, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	// Process results
	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// The result should be a set of violations
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, cp.violation(d))
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// violation accepts either a message string or an object with message and
// optional severity and machine keys.
func (cp *compiledPolicy) violation(value interface{}) Violation {
	v := Violation{Policy: cp.policy.Name, Severity: cp.policy.Severity}

	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		// Extract message from result
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		} else if msg, ok := d["msg"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if machine, ok := d["machine"].(string); ok {
			v.Machine = machine
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}
	return v
}
