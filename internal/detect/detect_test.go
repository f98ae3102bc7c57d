package detect

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/scoring"
)

// modelFunc adapts a function to domain.ScoringModel.
type modelFunc func(ctx context.Context, tx domain.Transaction) (domain.ScoringResult, error)

func (f modelFunc) Score(ctx context.Context, tx domain.Transaction) (domain.ScoringResult, error) {
	return f(ctx, tx)
}

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func defaultDetector(t *testing.T, opts ...Option) *Detector {
	t.Helper()
	model, err := scoring.New(domain.DefaultConfig().Scoring)
	require.NoError(t, err)
	return New(model, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func tx(id string, amount any) domain.Transaction {
	return domain.Transaction{"transaction_id": id, "transaction_amount": amount}
}

var highValueWeb = domain.Rule{
	RuleID:      "high-value-web",
	FraudReason: "High-value web transaction",
	Priority:    1,
	Enabled:     true,
	Condition: domain.Group{Operator: domain.OpAnd, Conditions: []domain.Condition{
		domain.Leaf{Field: domain.FieldAmount, Operator: domain.OpGreater, Value: 10000},
		domain.Leaf{Field: domain.FieldChannel, Operator: domain.OpEqual, Value: "web"},
	}},
}

func TestDetect(t *testing.T) {
	d := defaultDetector(t)
	ctx := context.Background()

	t.Run("ModelFlags", func(t *testing.T) {
		res, err := d.Detect(ctx, tx("tx-1", 1500.0), nil)
		require.NoError(t, err)
		assert.Equal(t, domain.DetectionResult{
			TransactionID: "tx-1",
			IsFraud:       true,
			FraudSource:   domain.SourceModel,
			FraudReason:   domain.ReasonHighRisk,
			FraudScore:    0.92,
			DetectedAt:    fixedNow,
		}, res)
	})

	t.Run("ModelClears", func(t *testing.T) {
		res, err := d.Detect(ctx, tx("tx-2", 20.0), []domain.Rule{highValueWeb})
		require.NoError(t, err)
		assert.False(t, res.IsFraud)
		assert.Equal(t, domain.SourceModel, res.FraudSource)
		assert.Equal(t, domain.ReasonLowRisk, res.FraudReason)
		assert.InDelta(t, 0.10, res.FraudScore, 1e-9)
	})

	t.Run("RuleOverridesModel", func(t *testing.T) {
		lenient := New(modelFunc(func(context.Context, domain.Transaction) (domain.ScoringResult, error) {
			return domain.ScoringResult{IsFraud: false, Reason: "fine", Score: 0.05}, nil
		}))
		in := tx("tx-3", 15000)
		in[domain.FieldChannel] = "web"

		res, err := lenient.Detect(ctx, in, []domain.Rule{highValueWeb})
		require.NoError(t, err)
		assert.True(t, res.IsFraud)
		assert.Equal(t, domain.SourceRule, res.FraudSource)
		assert.Equal(t, "High-value web transaction", res.FraudReason)
		assert.Equal(t, "high-value-web", res.RuleID)
		assert.InDelta(t, 0.05, res.FraudScore, 1e-9, "score stays the model's")
	})

	t.Run("DisabledRuleIgnored", func(t *testing.T) {
		off := highValueWeb
		off.Enabled = false
		in := tx("tx-4", 15000.0)
		in[domain.FieldChannel] = "web"

		res, err := d.Detect(ctx, in, []domain.Rule{off})
		require.NoError(t, err)
		assert.Equal(t, domain.SourceModel, res.FraudSource)
	})

	t.Run("LegacyFieldNames", func(t *testing.T) {
		res, err := d.Detect(ctx, domain.Transaction{"transaction_id": "tx-5", "amount": 5000.0, "payment_method": "card"}, nil)
		require.NoError(t, err)
		assert.True(t, res.IsFraud)
	})

	t.Run("InvalidTransaction", func(t *testing.T) {
		_, err := d.Detect(ctx, domain.Transaction{"transaction_id": "tx-6"}, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
	})

	t.Run("NonFiniteAmount", func(t *testing.T) {
		for _, amount := range []any{math.NaN(), math.Inf(1), float32(math.Inf(-1))} {
			_, err := d.Detect(ctx, tx("tx-nan", amount), []domain.Rule{highValueWeb})
			assert.ErrorIs(t, err, domain.ErrInvalidTransaction, "amount %v", amount)
		}
	})

	t.Run("RecordsPayerAndPayee", func(t *testing.T) {
		res, err := d.Detect(ctx, domain.Transaction{
			"transaction_id":     "tx-pp",
			"transaction_amount": 10.0,
			"payer_id":           "payer-1",
			"payee_id":           json.Number("7001"),
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "payer-1", res.PayerID)
		assert.Equal(t, "7001", res.PayeeID)
	})

	t.Run("ScoringUnavailable", func(t *testing.T) {
		broken := New(modelFunc(func(context.Context, domain.Transaction) (domain.ScoringResult, error) {
			return domain.ScoringResult{}, errors.New("connection refused")
		}))
		_, err := broken.Detect(ctx, tx("tx-7", 1), nil)
		assert.ErrorIs(t, err, domain.ErrScoringUnavailable)
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("ScoreClamped", func(t *testing.T) {
		wild := New(modelFunc(func(context.Context, domain.Transaction) (domain.ScoringResult, error) {
			return domain.ScoringResult{IsFraud: true, Score: 7}, nil
		}))
		res, err := wild.Detect(ctx, tx("tx-8", 1), nil)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.FraudScore)
	})
}

type countingEnricher struct{ fail bool }

func (e countingEnricher) Enrich(_ context.Context, t domain.Transaction) (domain.Transaction, error) {
	if e.fail {
		return nil, errors.New("cache down")
	}
	out := t.Clone()
	out[domain.FieldPayerTxnCount] = int64(9)
	return out, nil
}

func TestDetectEnrichment(t *testing.T) {
	velocityRule := domain.Rule{
		RuleID: "burst", FraudReason: "Payer burst", Enabled: true,
		Condition: domain.Leaf{Field: domain.FieldPayerTxnCount, Operator: domain.OpGreater, Value: 5},
	}
	in := tx("tx-1", 10.0)

	res, err := defaultDetector(t, WithEnricher(countingEnricher{})).Detect(context.Background(), in, []domain.Rule{velocityRule})
	require.NoError(t, err)
	assert.Equal(t, "burst", res.RuleID)
	_, leaked := in[domain.FieldPayerTxnCount]
	assert.False(t, leaked, "caller's transaction is not mutated")

	res, err = defaultDetector(t, WithEnricher(countingEnricher{fail: true})).Detect(context.Background(), in, []domain.Rule{velocityRule})
	require.NoError(t, err, "enrichment failure does not fail detection")
	assert.Equal(t, domain.SourceModel, res.FraudSource)
}

func TestDetectBatch(t *testing.T) {
	ctx := context.Background()
	d := defaultDetector(t, WithMaxWorkers(3))

	t.Run("Empty", func(t *testing.T) {
		out := d.DetectBatch(ctx, nil, nil)
		require.NotNil(t, out)
		assert.Empty(t, out)
	})

	t.Run("OneInvalidAmongMany", func(t *testing.T) {
		txs := []domain.Transaction{
			tx("tx-1", 1500.0),
			tx("tx-2", 20.0),
			{"transaction_id": "tx-3"},
			tx("tx-4", 5000.0),
		}
		out := d.DetectBatch(ctx, txs, nil)
		require.Len(t, out, 4)

		assert.ErrorIs(t, out["tx-3"].Err, domain.ErrInvalidTransaction)
		assert.True(t, out["tx-1"].Flagged())
		assert.True(t, out["tx-2"].OK())
		assert.True(t, out["tx-4"].Flagged())

		assert.Equal(t, Summary{Total: 4, Flagged: 2, Failed: 1}, Summarize(out))
	})

	t.Run("UnusableIDsKeyedByIndex", func(t *testing.T) {
		out := d.DetectBatch(ctx, []domain.Transaction{
			tx("tx-1", 1.0),
			{"transaction_amount": 10.0},
			{"transaction_id": true, "transaction_amount": 10.0},
		}, nil)
		require.Len(t, out, 3)
		assert.ErrorIs(t, out["#1"].Err, domain.ErrInvalidTransaction)
		assert.ErrorIs(t, out["#2"].Err, domain.ErrInvalidTransaction)
	})

	t.Run("NumericIDs", func(t *testing.T) {
		out := d.DetectBatch(ctx, []domain.Transaction{
			{"transaction_id": json.Number("101"), "transaction_amount": json.Number("50")},
			{"transaction_id": 102, "transaction_amount": 5000.0},
		}, nil)
		require.Len(t, out, 2)
		require.True(t, out["101"].OK(), "got %+v", out["101"])
		assert.Equal(t, "101", out["101"].Result.TransactionID)
		assert.False(t, out["101"].Result.IsFraud)
		assert.True(t, out["102"].Flagged())
	})

	t.Run("ReservedPrefixDoesNotCollide", func(t *testing.T) {
		out := d.DetectBatch(ctx, []domain.Transaction{
			tx("#1", 10.0),
			{"transaction_amount": 10.0},
		}, nil)
		require.Len(t, out, 2)
		assert.ErrorIs(t, out["#0"].Err, domain.ErrInvalidTransaction)
		assert.ErrorIs(t, out["#1"].Err, domain.ErrInvalidTransaction)
	})

	t.Run("DuplicateIDsLastWins", func(t *testing.T) {
		out := d.DetectBatch(ctx, []domain.Transaction{
			tx("dup", 5000.0),
			tx("dup", 10.0),
		}, nil)
		require.Len(t, out, 1)
		require.True(t, out["dup"].OK())
		assert.False(t, out["dup"].Result.IsFraud)
	})

	t.Run("FailureIsolated", func(t *testing.T) {
		flaky := New(modelFunc(func(_ context.Context, t domain.Transaction) (domain.ScoringResult, error) {
			if id, _ := t.ID(); id == "tx-2" {
				return domain.ScoringResult{}, errors.New("timeout")
			}
			return domain.ScoringResult{IsFraud: true, Reason: "model", Score: 0.9}, nil
		}), WithMaxWorkers(2))

		txs := make([]domain.Transaction, 5)
		for i := range txs {
			txs[i] = tx(fmt.Sprintf("tx-%d", i+1), 100)
		}
		out := flaky.DetectBatch(ctx, txs, nil)
		require.Len(t, out, 5)
		assert.ErrorIs(t, out["tx-2"].Err, domain.ErrScoringUnavailable)
		assert.True(t, out["tx-5"].Flagged())
	})

	t.Run("PanicRecovered", func(t *testing.T) {
		explosive := New(modelFunc(func(_ context.Context, t domain.Transaction) (domain.ScoringResult, error) {
			if id, _ := t.ID(); id == "boom" {
				panic("model bug")
			}
			return domain.ScoringResult{Score: 0.1}, nil
		}))
		out := explosive.DetectBatch(ctx, []domain.Transaction{tx("boom", 1), tx("ok", 1)}, nil)
		assert.ErrorIs(t, out["boom"].Err, domain.ErrScoringUnavailable)
		assert.True(t, out["ok"].OK())
	})

	t.Run("BoundedConcurrency", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		slow := New(modelFunc(func(context.Context, domain.Transaction) (domain.ScoringResult, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return domain.ScoringResult{}, nil
		}), WithMaxWorkers(2))

		txs := make([]domain.Transaction, 10)
		for i := range txs {
			txs[i] = tx(fmt.Sprintf("tx-%d", i), 1)
		}
		out := slow.DetectBatch(ctx, txs, nil)
		assert.Len(t, out, 10)
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("Cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		out := d.DetectBatch(cancelled, []domain.Transaction{tx("tx-1", 1.0), tx("tx-2", 2.0)}, nil)
		require.Len(t, out, 2)
		for key, entry := range out {
			assert.ErrorIs(t, entry.Err, context.Canceled, key)
		}
	})
}

func TestBatchKey(t *testing.T) {
	assert.Equal(t, "tx-9", BatchKey(tx("tx-9", 1), 3))
	assert.Equal(t, "77", BatchKey(domain.Transaction{"transaction_id": 77}, 3))
	assert.Equal(t, "#3", BatchKey(tx("#1", 1), 3))
	assert.Equal(t, "#3", BatchKey(domain.Transaction{}, 3))
	assert.Equal(t, "#0", BatchKey(domain.Transaction{"transaction_id": ""}, 0))
}
