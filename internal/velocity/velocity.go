// Package velocity provides payer transaction velocity counting.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// Service counts transactions per payer within a sliding window and adds
// the count to the transaction so rules can reference payer_txn_count.
type Service struct {
	cache  domain.Cache
	window time.Duration
}

// NewService creates a new velocity service.
func NewService(cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Service{
		cache:  cache,
		window: window,
	}
}

// Record counts one transaction for the payer and returns the count in the
// current window.
func (s *Service) Record(ctx context.Context, payerID string) (int64, error) {
	if payerID == "" {
		return 0, fmt.Errorf("payerID is required")
	}
	count, err := s.cache.IncrementCounter(ctx, domain.CacheKeyVelocity+payerID, s.window)
	if err != nil {
		return 0, fmt.Errorf("failed to count payer transactions: %w", err)
	}
	return count, nil
}

// Enrich returns a copy of tx with payer_txn_count set. Transactions
// without a payer_id are returned unchanged.
func (s *Service) Enrich(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	payerID, ok := tx.Field(domain.FieldPayerID)
	if !ok {
		return tx, nil
	}
	count, err := s.Record(ctx, payerID)
	if err != nil {
		return tx, err
	}
	out := tx.Clone()
	out[domain.FieldPayerTxnCount] = count
	return out, nil
}

// Window returns the counting window.
func (s *Service) Window() time.Duration {
	return s.window
}
