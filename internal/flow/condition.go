package flow

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/flowsend/flowsend/internal/models"
)

// evaluateCondition applies a condition node's predicate to the variable bag.
// Unknown operators and evaluation failures yield false, never an error.
func evaluateCondition(cfg models.ConditionConfig, vars map[string]string) bool {
	actual := vars[cfg.Variable]

	switch cfg.Operator {
	case models.OperatorEquals:
		return actual == cfg.Value
	case models.OperatorNotEquals:
		return actual != cfg.Value
	case models.OperatorContains:
		return strings.Contains(actual, cfg.Value)
	case models.OperatorGreaterThan:
		a, b, ok := parseNumericPair(actual, cfg.Value)
		return ok && a > b
	case models.OperatorLessThan:
		a, b, ok := parseNumericPair(actual, cfg.Value)
		return ok && a < b
	case models.OperatorExpression:
		return evaluateExpression(cfg.Expression, vars)
	default:
		slog.Debug("Unknown condition operator treated as false", "operator", cfg.Operator)
		return false
	}
}

func parseNumericPair(a, b string) (float64, float64, bool) {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	return fa, fb, errA == nil && errB == nil
}

// evaluateExpression runs a boolean expression with the variable bag as its
// environment. Compile or runtime failures are logged and count as false.
func evaluateExpression(expression string, vars map[string]string) bool {
	env := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		env[k] = v
	}
	result, err := expr.Eval(expression, env)
	if err != nil {
		slog.Error("Condition expression evaluation failed", "expression", expression, "error", err)
		return false
	}
	b, ok := result.(bool)
	if !ok {
		slog.Error("Condition expression did not produce a boolean", "expression", expression)
		return false
	}
	return b
}
