package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// RuleInput is the evaluation context of a business rule.
type RuleInput struct {
	State     json.RawMessage // current state, null for create
	Next      json.RawMessage // state after the event
	Payload   json.RawMessage // payload data as submitted
	Requester string
	Owner     string
	Sequence  uint64
}

// RuleEngine evaluates policy rules written in CEL. Every rule must evaluate to
// true for an event to pass evaluation. Compiled programs are cached by source.
type RuleEngine struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func NewRuleEngine() (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.DynType),
		cel.Variable("next", cel.DynType),
		cel.Variable("payload", cel.DynType),
		cel.Variable("requester", cel.StringType),
		cel.Variable("owner", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &RuleEngine{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Check compiles every rule without evaluating it. Rules that could evaluate
// differently on two validators are rejected.
func (e *RuleEngine) Check(rules []string) error {
	for i, r := range rules {
		if _, err := e.program(r); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// Evaluate runs rules against in. A false result, an evaluation error or a
// non-boolean result wraps contracts.ErrEvaluationFailed.
func (e *RuleEngine) Evaluate(ctx context.Context, rules []string, in RuleInput) error {
	if len(rules) == 0 {
		return nil
	}
	vars, err := in.activation()
	if err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrEvaluationFailed, err)
	}
	for i, r := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		prg, err := e.program(r)
		if err != nil {
			return fmt.Errorf("%w: rule %d: %v", contracts.ErrEvaluationFailed, i, err)
		}
		out, _, err := prg.ContextEval(ctx, vars)
		if err != nil {
			return fmt.Errorf("%w: rule %d: eval: %v", contracts.ErrEvaluationFailed, i, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return fmt.Errorf("%w: rule %d: result not bool", contracts.ErrEvaluationFailed, i)
		}
		if !ok {
			return fmt.Errorf("%w: rule %d violated: %s", contracts.ErrEvaluationFailed, i, r)
		}
	}
	return nil
}

func (e *RuleEngine) program(expr string) (cel.Program, error) {
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
	if err := checkDeterministic(expr); err != nil {
		return nil, err
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
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

func (in RuleInput) activation() (map[string]any, error) {
	state, err := decodeAny(in.State)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	next, err := decodeAny(in.Next)
	if err != nil {
		return nil, fmt.Errorf("next: %w", err)
	}
	payload, err := decodeAny(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return map[string]any{
		"state":     state,
		"next":      next,
		"payload":   payload,
		"requester": in.Requester,
		"owner":     in.Owner,
		"sequence":  int64(in.Sequence),
	}, nil
}

func decodeAny(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
