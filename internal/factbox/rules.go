package factbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"

	"github.com/otrix/occam-agents/pkg/types"
)

// RuleEngine evaluates regulatory-rule applicability expressions. Rules
// declare a CEL predicate over the variables entity, jurisdiction, and now;
// an empty predicate is always applicable.
type RuleEngine struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

// NewRuleEngine creates a CEL environment for rule evaluation.
func NewRuleEngine() (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("entity", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("jurisdiction", decls.String),
			decls.NewVar("now", decls.Timestamp),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &RuleEngine{env: env}, nil
}

// compile compiles an expression and caches the program.
func (e *RuleEngine) compile(expr string) (cel.Program, error) {
	if prog, ok := e.programs.Load(expr); ok {
		return prog.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation failed: %w", issues.Err())
	}
	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed: %w", err)
	}

	e.programs.Store(expr, prog)
	return prog, nil
}

// Applicable filters rules to those in effect now whose predicate holds for
// the entity, preserving the rules' declared order.
func (e *RuleEngine) Applicable(rules []*types.RegulatoryRule, entity *types.Entity, now time.Time) ([]*types.RegulatoryRule, error) {
	entityVars, err := toVars(entity)
	if err != nil {
		return nil, err
	}

	var out []*types.RegulatoryRule
	for _, rule := range rules {
		if !rule.InEffect(now) {
			continue
		}
		if rule.Applicability == "" {
			out = append(out, rule)
			continue
		}

		prog, err := e.compile(rule.Applicability)
		if err != nil {
			return nil, types.WrapE(types.KindValidation, "factbox.rules", err)
		}

		result, _, err := prog.Eval(map[string]interface{}{
			"entity":       entityVars,
			"jurisdiction": entity.Jurisdiction,
			"now":          now,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %s: %w", rule.ID, err)
		}
		if applies, ok := result.Value().(bool); ok && applies {
			out = append(out, rule)
		}
	}
	return out, nil
}

// toVars converts the entity to the map shape CEL expressions address.
func toVars(entity *types.Entity) (map[string]interface{}, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity for rule evaluation: %w", err)
	}
	var vars map[string]interface{}
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("unmarshal entity for rule evaluation: %w", err)
	}
	return vars, nil
}
