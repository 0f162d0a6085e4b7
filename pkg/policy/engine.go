package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/stackprobe/stackprobe/pkg/processor"
)

// Engine statically validates generated probes against Rego policies before
// they are accepted for deployment. It implements the driver's probe checker
// contract: a blocking violation rejects the probe as a permanent failure.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

var _ processor.ProbeChecker = (*Engine)(nil)

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Check validates one probe. Blocking violations come back as an error so
// the driver lands the item in a terminal ERROR state; warnings are logged
// only. A policy that fails to evaluate never rejects a probe.
func (e *Engine) Check(ctx context.Context, arch processor.Architecture, probe *processor.ProbeApp) error {
	result, err := e.Evaluate(ctx, arch, probe)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("arch_id", arch.ID).
			Str("policy", w.Policy).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Errorf("probe rejected by policy: %s", strings.Join(msgs, "; "))
}

// Evaluate runs every enabled policy against the probe and returns the full
// result including non-blocking warnings.
func (e *Engine) Evaluate(ctx context.Context, arch processor.Architecture, probe *processor.ProbeApp) (*CheckResult, error) {
	start := time.Now()

	input := CheckInput{
		Arch: archInput{
			ID:         arch.ID,
			Name:       arch.Name,
			Services:   arch.Services,
			Definition: arch.Definition,
		},
	}
	if probe != nil {
		input.Probe = probeInput{
			Deploy:   probe.Deploy,
			TestCode: probe.TestCode,
			Source:   probe.Source,
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &CheckResult{
		Allowed:     true,
		EvaluatedAt: start,
	}

	for _, name := range e.sortedNamesLocked() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evalPolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("arch_id", arch.ID).
				Msg("Policy evaluation failed")
			continue
		}

		for _, v := range violations {
			v.ArchID = arch.ID
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
		Str("arch_id", arch.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Probe checked")

	return result, nil
}

// evalPolicy runs one prepared deny query and decodes its violation set.
func (e *Engine) evalPolicy(ctx context.Context, cp *compiledPolicy, input CheckInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	now := time.Now()

	for _, result := range results {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, entry := range set {
				violations = append(violations, decodeViolation(cp.policy, entry, now))
			}
		}
	}

	return violations, nil
}

// decodeViolation converts one deny entry into a Violation, falling back to
// the policy's default severity.
func decodeViolation(p *Policy, entry interface{}, now time.Time) Violation {
	v := Violation{
		Policy:     p.Name,
		Severity:   p.Severity,
		DetectedAt: now,
	}

	switch val := entry.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}

	return v
}

// LoadPolicies loads and compiles user policies from files or directories,
// adding them to the built-ins. A policy with the same name as a builtin
// replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStoreLocked(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("User policies loaded")
	return nil
}

// ReplaceUserPolicies swaps every non-builtin policy for the given set.
// Used by the hot-reload watcher so removed files disappear from the
// engine.
func (e *Engine) ReplaceUserPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if cp.policy.Source != "builtin" {
			delete(e.policies, name)
		}
	}

	for i := range policies {
		if err := e.compileAndStoreLocked(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("User policies replaced")
	return nil
}

// compileAndStore compiles a policy and registers it under lock.
func (e *Engine) compileAndStore(ctx context.Context, p *Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStoreLocked(ctx, p)
}

func (e *Engine) compileAndStoreLocked(ctx context.Context, p *Policy) error {
	pkg := packageName(p.Rego)

	query, err := rego.New(
		rego.Query("data."+pkg+".deny"),
		rego.Module(p.Name+".rego", p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy query: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// packageName extracts the package path from Rego source.
func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			if parts := strings.Fields(trimmed); len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "stackprobe.policies"
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNamesLocked() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

func (e *Engine) sortedNamesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
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
