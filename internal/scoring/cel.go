// Package scoring provides scoring model adapters for fraud detection.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// CELModel scores transactions with a CEL expression. The expression sees
// the whole transaction as tx plus shorthand variables for the standard fields.
type CELModel struct {
	program   cel.Program
	threshold float64
	bands     []domain.ScoringBand
}

// NewCELModel compiles the configured expression.
func NewCELModel(cfg domain.ScoringConfig) (*CELModel, error) {
	expr := cfg.Expression
	if expr == "" {
		expr = domain.DefaultScoringExpression
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = domain.DefaultScoringThreshold
	}

	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("payment_mode", cel.StringType),
		cel.Variable("payment_gateway", cel.StringType),
		cel.Variable("payer_id", cel.StringType),
		cel.Variable("payee_id", cel.StringType),
		cel.Variable("payer_txn_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile scoring expression: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("scoring expression must return bool, int, or double, got %s", outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create scoring program: %w", err)
	}

	return &CELModel{
		program:   program,
		threshold: threshold,
		bands:     cfg.Bands,
	}, nil
}

// Score evaluates the expression for one transaction.
func (m *CELModel) Score(ctx context.Context, tx domain.Transaction) (domain.ScoringResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ScoringResult{}, err
	}
	amount, err := tx.Amount()
	if err != nil {
		return domain.ScoringResult{}, err
	}
	amt, _ := amount.Float64()

	fields := make(map[string]any, len(tx))
	for k, v := range tx {
		fields[k] = celValue(v)
	}

	activation := map[string]any{
		"tx":              fields,
		"amount":          amt,
		"channel":         stringField(tx, domain.FieldChannel),
		"payment_mode":    stringField(tx, domain.FieldPaymentMode),
		"payment_gateway": stringField(tx, domain.FieldPaymentGateway),
		"payer_id":        stringField(tx, domain.FieldPayerID),
		"payee_id":        stringField(tx, domain.FieldPayeeID),
		"payer_txn_count": intField(tx, domain.FieldPayerTxnCount),
	}

	out, _, err := m.program.ContextEval(ctx, activation)
	if err != nil {
		return domain.ScoringResult{}, fmt.Errorf("scoring evaluation error: %w", err)
	}

	score := clamp(toScore(out))
	isFraud := score >= m.threshold
	return domain.ScoringResult{
		IsFraud: isFraud,
		Reason:  matchBand(score, isFraud, m.bands),
		Score:   score,
	}, nil
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the reason for a score. Bands are evaluated in order,
// lower inclusive and upper exclusive; a nil upper bound is unbounded.
func matchBand(score float64, isFraud bool, bands []domain.ScoringBand) string {
	for _, band := range bands {
		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if score < lower {
			continue
		}
		if band.UpperLimit == nil || score < *band.UpperLimit {
			return band.Reason
		}
	}
	if isFraud {
		return domain.ReasonHighRisk
	}
	return domain.ReasonLowRisk
}

func clamp(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Min(1, math.Max(0, score))
}

// celValue converts transaction values into types the CEL runtime adapts natively.
func celValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case decimal.Decimal:
		f, _ := x.Float64()
		return f
	case time.Time:
		return x.Format(time.RFC3339)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case nil, string, bool, int64, float64:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func stringField(tx domain.Transaction, key string) string {
	switch v := tx[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func intField(tx domain.Transaction, key string) int64 {
	d, ok := domain.ToDecimal(tx[key])
	if !ok {
		return 0
	}
	return d.IntPart()
}
