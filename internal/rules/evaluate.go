// Package rules evaluates fraud rule conditions and owns the rule lifecycle.
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// Visitor observes every leaf the evaluator visits and its outcome.
type Visitor func(leaf domain.Leaf, matched bool)

// Evaluate reports whether the condition holds for the transaction.
// A field missing from the transaction never matches. Evaluate is pure and
// safe for concurrent use.
func Evaluate(c domain.Condition, tx domain.Transaction) bool {
	return EvaluateWithVisitor(c, tx, nil)
}

// EvaluateWithVisitor is Evaluate with a hook called for each visited leaf.
// Groups short-circuit, so leaves after a deciding sibling are not visited.
func EvaluateWithVisitor(c domain.Condition, tx domain.Transaction, visit Visitor) bool {
	switch n := c.(type) {
	case domain.Leaf:
		return visitLeaf(n, tx, visit)
	case *domain.Leaf:
		if n == nil {
			return false
		}
		return visitLeaf(*n, tx, visit)
	case domain.Group:
		return evalGroup(n, tx, visit)
	case *domain.Group:
		if n == nil {
			return false
		}
		return evalGroup(*n, tx, visit)
	default:
		return false
	}
}

func visitLeaf(l domain.Leaf, tx domain.Transaction, visit Visitor) bool {
	matched := evalLeaf(l, tx)
	if visit != nil {
		visit(l, matched)
	}
	return matched
}

func evalGroup(g domain.Group, tx domain.Transaction, visit Visitor) bool {
	switch {
	case strings.EqualFold(g.Operator, domain.OpAnd):
		for _, child := range g.Conditions {
			if !EvaluateWithVisitor(child, tx, visit) {
				return false
			}
		}
		return len(g.Conditions) > 0
	case strings.EqualFold(g.Operator, domain.OpOr):
		for _, child := range g.Conditions {
			if EvaluateWithVisitor(child, tx, visit) {
				return true
			}
		}
		return false
	default:
		// Rejected at save time.
		return false
	}
}

func evalLeaf(l domain.Leaf, tx domain.Transaction) bool {
	actual, ok := tx[l.Field]
	if !ok || actual == nil {
		return false
	}

	switch l.Operator {
	case domain.OpGreater, domain.OpLess, domain.OpGreaterEqual, domain.OpLessEqual:
		c, ok := compare(actual, l.Value)
		if !ok {
			return false
		}
		switch l.Operator {
		case domain.OpGreater:
			return c > 0
		case domain.OpLess:
			return c < 0
		case domain.OpGreaterEqual:
			return c >= 0
		default:
			return c <= 0
		}
	case domain.OpEqual:
		return equal(actual, l.Value)
	case domain.OpNotEqual:
		return !equal(actual, l.Value)
	case domain.OpIn:
		for _, candidate := range members(l.Value) {
			if equal(actual, candidate) {
				return true
			}
		}
		return false
	case domain.OpContains:
		if l.Value == nil {
			return false
		}
		return strings.Contains(stringForm(actual), stringForm(l.Value))
	default:
		return false
	}
}

// compare orders two operands numerically, or chronologically when both are
// dates. ok is false when neither applies.
func compare(a, b any) (int, bool) {
	da, okA := domain.ToDecimal(a)
	db, okB := domain.ToDecimal(b)
	if okA && okB {
		return da.Cmp(db), true
	}
	ta, okA := domain.ToTime(a)
	tb, okB := domain.ToTime(b)
	if okA && okB {
		return ta.Compare(tb), true
	}
	return 0, false
}

// equal compares numerically when both sides are numbers, otherwise by string form.
func equal(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	da, okA := domain.ToDecimal(a)
	db, okB := domain.ToDecimal(b)
	if okA && okB {
		return da.Equal(db)
	}
	return stringForm(a) == stringForm(b)
}

func members(v any) []any {
	switch set := v.(type) {
	case []any:
		return set
	case []string:
		out := make([]any, len(set))
		for i, s := range set {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func stringForm(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
