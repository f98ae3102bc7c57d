package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

func TestDefaultCELModel(t *testing.T) {
	model, err := New(domain.DefaultConfig().Scoring)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("HighAmount", func(t *testing.T) {
		res, err := model.Score(ctx, domain.Transaction{domain.FieldAmount: 1500.0})
		require.NoError(t, err)
		assert.True(t, res.IsFraud)
		assert.InDelta(t, 0.92, res.Score, 1e-9)
		assert.Equal(t, domain.ReasonHighRisk, res.Reason)
	})

	t.Run("LowAmount", func(t *testing.T) {
		res, err := model.Score(ctx, domain.Transaction{domain.FieldAmount: json.Number("1000")})
		require.NoError(t, err)
		assert.False(t, res.IsFraud)
		assert.InDelta(t, 0.10, res.Score, 1e-9)
		assert.Equal(t, domain.ReasonLowRisk, res.Reason)
	})

	t.Run("MissingAmount", func(t *testing.T) {
		_, err := model.Score(ctx, domain.Transaction{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := model.Score(cancelled, domain.Transaction{domain.FieldAmount: 1.0})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCELModelExpressions(t *testing.T) {
	ctx := context.Background()

	t.Run("BoolExpressionAndFields", func(t *testing.T) {
		model, err := NewCELModel(domain.ScoringConfig{
			Expression: `channel == "web" && payer_txn_count > 3`,
		})
		require.NoError(t, err)

		res, err := model.Score(ctx, domain.Transaction{
			domain.FieldAmount:        10,
			domain.FieldChannel:       "web",
			domain.FieldPayerTxnCount: int64(5),
		})
		require.NoError(t, err)
		assert.True(t, res.IsFraud)
		assert.Equal(t, 1.0, res.Score)
	})

	t.Run("TxMapAccess", func(t *testing.T) {
		model, err := NewCELModel(domain.ScoringConfig{
			Expression: `has(tx.device) && tx.device == "emulator" ? 0.8 : 0.0`,
		})
		require.NoError(t, err)

		res, err := model.Score(ctx, domain.Transaction{domain.FieldAmount: 1, "device": "emulator"})
		require.NoError(t, err)
		assert.InDelta(t, 0.8, res.Score, 1e-9)
	})

	t.Run("ScoreClamped", func(t *testing.T) {
		model, err := NewCELModel(domain.ScoringConfig{Expression: `amount / 10.0`})
		require.NoError(t, err)

		res, err := model.Score(ctx, domain.Transaction{domain.FieldAmount: 500})
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.Score)
	})

	t.Run("Bands", func(t *testing.T) {
		low, high := 0.3, 0.7
		model, err := NewCELModel(domain.ScoringConfig{
			Expression: `amount / 100.0`,
			Threshold:  0.7,
			Bands: []domain.ScoringBand{
				{UpperLimit: &low, Reason: "clear"},
				{LowerLimit: &low, UpperLimit: &high, Reason: "review"},
				{LowerLimit: &high, Reason: "block"},
			},
		})
		require.NoError(t, err)

		for amount, want := range map[float64]string{10: "clear", 50: "review", 90: "block"} {
			res, err := model.Score(ctx, domain.Transaction{domain.FieldAmount: amount})
			require.NoError(t, err)
			assert.Equal(t, want, res.Reason, "amount %v", amount)
		}
	})

	t.Run("CompileErrors", func(t *testing.T) {
		_, err := NewCELModel(domain.ScoringConfig{Expression: `amount >`})
		assert.Error(t, err)

		_, err = NewCELModel(domain.ScoringConfig{Expression: `"text"`})
		assert.Error(t, err)
	})
}

func TestHTTPModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tx map[string]any
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if tx["transaction_id"] == "tx-down" {
			http.Error(w, "model offline", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"is_fraud":true,"fraud_reason":"Velocity anomaly","fraud_score":1.4}`))
	}))
	defer server.Close()

	model, err := New(domain.ScoringConfig{Type: "http", Endpoint: server.URL, Timeout: time.Second})
	require.NoError(t, err)

	res, err := model.Score(context.Background(), domain.Transaction{"transaction_id": "tx-1"})
	require.NoError(t, err)
	assert.True(t, res.IsFraud)
	assert.Equal(t, "Velocity anomaly", res.Reason)
	assert.Equal(t, 1.0, res.Score)

	_, err = model.Score(context.Background(), domain.Transaction{"transaction_id": "tx-down"})
	assert.ErrorContains(t, err, "503")
}

func TestNew(t *testing.T) {
	_, err := New(domain.ScoringConfig{Type: "http"})
	assert.Error(t, err, "endpoint is required")

	_, err = New(domain.ScoringConfig{Type: "onnx"})
	assert.Error(t, err)
}
