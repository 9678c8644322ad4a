package policy

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/projup/projup/pkg/engine"
)

// Engine evaluates Rego deny rules before each project write. It implements
// engine.RetargetGuard.
type Engine struct {
	mu     sync.RWMutex
	byName map[string]*prepared
	logger zerolog.Logger
}

var _ engine.RetargetGuard = (*Engine)(nil)

type prepared struct {
	policy *Policy
	deny   rego.PreparedEvalQuery
}

// prepare parses p and prepares the query for data.<package>.deny.
func prepare(ctx context.Context, p *Policy) (*prepared, error) {
	mod, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p.Name, err)
	}
	q, err := rego.New(
		rego.ParsedModule(mod),
		rego.Query(mod.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing %s: %w", p.Name, err)
	}
	return &prepared{policy: p, deny: q}, nil
}

// NewEngine compiles the built-in policies, all disabled, then enables the
// ones named in enable.
func NewEngine(ctx context.Context, logger zerolog.Logger, enable ...string) (*Engine, error) {
	e := &Engine{
		byName: make(map[string]*prepared),
		logger: logger.With().Str("component", "policy").Logger(),
	}
	if err := e.add(ctx, BuiltinPolicies()); err != nil {
		return nil, err
	}
	for _, name := range enable {
		if err := e.EnablePolicy(name); err != nil {
			return nil, err
		}
	}
	e.logger.Debug().Strs("enabled", enable).Msg("Built-in policies ready")
	return e, nil
}

// add prepares every policy before storing any, so a bad file leaves the
// engine unchanged.
func (e *Engine) add(ctx context.Context, policies []Policy) error {
	ready := make([]*prepared, 0, len(policies))
	for i := range policies {
		p, err := prepare(ctx, &policies[i])
		if err != nil {
			return err
		}
		ready = append(ready, p)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range ready {
		e.byName[p.policy.Name] = p
	}
	return nil
}

// Load adds policies, replacing any with the same name.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	if err := e.add(ctx, policies); err != nil {
		return err
	}
	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// LoadDir loads every .rego and .json policy below dir.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, []string{dir})
	if err != nil {
		return fmt.Errorf("policy dir %s: %w", dir, err)
	}
	return e.Load(ctx, policies)
}

// Check implements engine.RetargetGuard. Warnings are logged; only blocking
// violations become reasons.
func (e *Engine) Check(ctx context.Context, in engine.GuardInput) (engine.GuardDecision, error) {
	res, err := e.Evaluate(ctx, Input{
		Project: in.Project,
		Current: in.Current,
		Target:  in.Target,
		Context: Context{Timestamp: time.Now(), Operation: "retarget"},
	})
	if err != nil {
		return engine.GuardDecision{}, err
	}
	for _, w := range res.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("project", w.Project).Msg(w.Message)
	}

	d := engine.GuardDecision{Allowed: res.Allowed}
	for _, v := range res.Violations {
		d.Reasons = append(d.Reasons, v.Policy+": "+v.Message)
	}
	return d, nil
}

// Evaluate runs the enabled policies in name order. Any evaluation error
// fails the whole check.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Result, error) {
	began := time.Now()
	res := &Result{Allowed: true}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, name := range slices.Sorted(maps.Keys(e.byName)) {
		p := e.byName[name]
		if !p.policy.Enabled {
			continue
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, name)

		rs, err := p.deny.Eval(ctx, rego.EvalInput(in))
		if err != nil {
			return nil, fmt.Errorf("evaluating %s: %w", name, err)
		}
		for _, v := range denials(p.policy, rs, in.Project.FullName) {
			if v.Severity.Blocks() {
				res.Allowed = false
				res.Violations = append(res.Violations, v)
			} else {
				res.Warnings = append(res.Warnings, v)
			}
		}
	}
	res.Duration = time.Since(began)

	e.logger.Debug().
		Str("project", in.Project.FullName).
		Str("target", in.Target).
		Bool("allowed", res.Allowed).
		Dur("took", res.Duration).
		Msg("Policies evaluated")
	return res, nil
}

// denials flattens the deny set. Elements are either a message string or an
// object with message and an optional severity override.
func denials(p *Policy, rs rego.ResultSet, project string) []Violation {
	var out []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		set, _ := r.Expressions[0].Value.([]any)
		for _, elem := range set {
			v := Violation{Policy: p.Name, Project: project, Severity: p.Severity}
			switch x := elem.(type) {
			case string:
				v.Message = x
			case map[string]any:
				v.Message, _ = x["message"].(string)
				if sev, ok := x["severity"].(string); ok {
					v.Severity = Severity(sev)
				}
			default:
				v.Message = fmt.Sprint(elem)
			}
			out = append(out, v)
		}
	}
	return out
}

// GetPolicy returns the named policy.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown policy %q", name)
	}
	return p.policy, nil
}

// ListPolicies returns copies of every policy, ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.byName))
	for _, name := range slices.Sorted(maps.Keys(e.byName)) {
		out = append(out, *e.byName[name].policy)
	}
	return out
}

func (e *Engine) EnablePolicy(name string) error  { return e.toggle(name, true) }
func (e *Engine) DisablePolicy(name string) error { return e.toggle(name, false) }

func (e *Engine) toggle(name string, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.byName[name]
	if !ok {
		return fmt.Errorf("unknown policy %q", name)
	}
	p.policy.Enabled = on
	return nil
}
