package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// HTTPModel calls an external scoring service. The service receives the
// transaction as a JSON object and answers with
// {"is_fraud": bool, "fraud_reason": string, "fraud_score": number}.
type HTTPModel struct {
	endpoint string
	client   *http.Client
}

// NewHTTPModel creates a client for the scoring endpoint.
func NewHTTPModel(endpoint string, timeout time.Duration) (*HTTPModel, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("scoring endpoint is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPModel{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Score posts the transaction to the scoring service.
func (m *HTTPModel) Score(ctx context.Context, tx domain.Transaction) (domain.ScoringResult, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return domain.ScoringResult{}, fmt.Errorf("failed to encode transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ScoringResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return domain.ScoringResult{}, fmt.Errorf("scoring request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.ScoringResult{}, fmt.Errorf("scoring service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out domain.ScoringResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.ScoringResult{}, fmt.Errorf("failed to decode scoring response: %w", err)
	}
	out.Score = clamp(out.Score)
	return out, nil
}
