package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/manticore/manticore/pkg/engine"
)

// Engine evaluates admission policies.
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
	query    rego.PreparedEvalQuery
	logger   zerolog.Logger
}

// NewEngine creates an engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.Load(context.Background(), BuiltinPolicies()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Load compiles policies and replaces the active set. On error the previous
// set stays active.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	opts := []func(*rego.Rego){rego.Query(AdmissionQuery)}
	enabled := 0
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		opts = append(opts, rego.Module(p.Name+".rego", p.Rego))
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled admission policy")
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.mu.Lock()
	e.policies = append([]Policy(nil), policies...)
	e.query = query
	e.mu.Unlock()

	e.logger.Info().Int("count", enabled).Msg("admission policies loaded")
	return nil
}

// LoadPolicies loads policy files from paths and replaces the active set.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Load(ctx, policies)
}

// Evaluate runs the admission query against input.
func (e *Engine) Evaluate(ctx context.Context, input AdmissionInput) (*Decision, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, engine.NewTransientError("policy evaluation failed", err).WithOperation("evaluate_admission")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, engine.NewInvariantError(fmt.Sprintf("policies do not define %s", AdmissionQuery), nil).
			WithOperation("evaluate_admission")
	}

	denied, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, engine.NewInvariantError(fmt.Sprintf("%s is not a set", AdmissionQuery), nil).
			WithOperation("evaluate_admission")
	}

	decision := &Decision{Allowed: len(denied) == 0}
	for _, d := range denied {
		decision.Reasons = append(decision.Reasons, reason(d))
	}
	sort.Strings(decision.Reasons)
	return decision, nil
}

// ListPolicies returns the active policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Policy(nil), e.policies...)
}

// reason extracts a message from a deny element, which may be a string or
// an object with a message field.
func reason(v interface{}) string {
	switch r := v.(type) {
	case string:
		return r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", v)
}
