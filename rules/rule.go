package rules

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/kapstong/integ-capstone-sub005/types"
)

// Evaluator defines the interface for evaluating workflow conditions.
type Evaluator interface {
	// Evaluate runs a boolean expression against env.
	Evaluate(expression string, env map[string]interface{}) (bool, error)
	// Match reports whether every condition holds for payload.
	Match(conditions []types.Condition, payload map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// program returns the compiled program for expression, compiling it once.
// Programs are compiled without a typed env so the same program serves
// payloads of any shape.
func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}

// Evaluate evaluates the given expression against the provided env.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Match evaluates conditions as a flat AND list. An empty list matches.
// A condition whose field is absent from payload, or whose operands cannot
// be compared, does not match; that is not an error. An error is only
// returned for an operator outside the closed set.
func (e *ExprEvaluator) Match(conditions []types.Condition, payload map[string]interface{}) (bool, error) {
	for _, c := range conditions {
		ok, err := e.matchOne(c, payload)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *ExprEvaluator) matchOne(c types.Condition, payload map[string]interface{}) (bool, error) {
	if !c.Operator.Valid() {
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
	actual, ok := payload[c.Field]
	if !ok {
		return false, nil
	}

	lhs, rhs := coerce(actual, c.Value)
	result, err := e.Evaluate("lhs "+string(c.Operator)+" rhs", map[string]interface{}{
		"lhs": lhs,
		"rhs": rhs,
	})
	if err != nil {
		// e.g. "abc" > 10: incomparable operands never match.
		return false, nil
	}
	return result, nil
}

// coerce aligns a numeric value with a numeric-looking string so form
// input such as "50000" compares against a JSON number.
func coerce(a, b interface{}) (interface{}, interface{}) {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	_, aStr := a.(string)
	_, bStr := b.(string)
	if aNum && bNum && (aStr || bStr) {
		return af, bf
	}
	return a, b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
