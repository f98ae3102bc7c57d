// Package detect combines the scoring model verdict with rule matches to
// produce one DetectionResult per transaction.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/rules"
)

// Enricher adds derived fields to a transaction before evaluation.
type Enricher interface {
	Enrich(ctx context.Context, tx domain.Transaction) (domain.Transaction, error)
}

// Detector runs transactions through validation, enrichment, the scoring
// model and rule selection.
type Detector struct {
	model      domain.ScoringModel
	enricher   Enricher
	maxWorkers int
	timeout    time.Duration
	now        func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithEnricher sets an optional enrichment step.
func WithEnricher(e Enricher) Option {
	return func(d *Detector) { d.enricher = e }
}

// WithMaxWorkers bounds concurrent detections in a batch.
func WithMaxWorkers(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.maxWorkers = n
		}
	}
}

// WithTimeout bounds each scoring call.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Detector) { d.timeout = timeout }
}

// WithClock overrides the time source for DetectedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a detector over a scoring model.
func New(model domain.ScoringModel, opts ...Option) *Detector {
	d := &Detector{
		model:      model,
		maxWorkers: 10,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect produces the verdict for one transaction. It fails with
// ErrInvalidTransaction when transaction_id or transaction_amount is missing
// or malformed, and with ErrScoringUnavailable when the model call fails.
func (d *Detector) Detect(ctx context.Context, tx domain.Transaction, ruleList []domain.Rule) (domain.DetectionResult, error) {
	return d.detect(ctx, tx, rules.NewRuleSet(ruleList))
}

func (d *Detector) detect(ctx context.Context, tx domain.Transaction, set rules.RuleSet) (domain.DetectionResult, error) {
	norm := tx.Normalize()
	if err := norm.Validate(); err != nil {
		return domain.DetectionResult{}, err
	}
	txID, _ := norm.ID()

	if d.enricher != nil {
		enriched, err := d.enricher.Enrich(ctx, norm)
		if err != nil {
			slog.Warn("enrichment failed, continuing without it", "tx_id", txID, "error", err)
		} else {
			norm = enriched
		}
	}

	scoreCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		scoreCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	scored, err := d.model.Score(scoreCtx, norm)
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("%w: %w", domain.ErrScoringUnavailable, err)
	}

	payer, _ := norm.Field(domain.FieldPayerID)
	payee, _ := norm.Field(domain.FieldPayeeID)
	result := domain.DetectionResult{
		TransactionID: txID,
		PayerID:       payer,
		PayeeID:       payee,
		IsFraud:       scored.IsFraud,
		FraudSource:   domain.SourceModel,
		FraudReason:   scored.Reason,
		FraudScore:    clampScore(scored.Score),
		DetectedAt:    d.now(),
	}

	// A matching rule is authoritative; the score stays the model's.
	if rule, ok := set.Match(norm); ok {
		result.IsFraud = true
		result.FraudSource = domain.SourceRule
		result.FraudReason = rule.FraudReason
		result.RuleID = rule.RuleID
	}

	return result, nil
}

// DetectBatch detects every transaction concurrently and returns one entry
// per transaction keyed by transaction_id. A failing transaction holds an
// error entry and never affects the others. Transactions without a usable
// transaction_id are keyed "#<index>"; ids may not start with "#", so these
// keys never collide with a real id. When ids repeat, the entry of the
// later input position wins. If ctx is cancelled, transactions not yet
// started carry the context error.
func (d *Detector) DetectBatch(ctx context.Context, txs []domain.Transaction, ruleList []domain.Rule) map[string]domain.BatchEntry {
	set := rules.NewRuleSet(ruleList)

	keys := make([]string, len(txs))
	slots := make([]domain.BatchEntry, len(txs))

	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, d.maxWorkers)

	for i, tx := range txs {
		keys[i] = BatchKey(tx, i)

		wg.Add(1)
		go func(idx int, tx domain.Transaction) {
			defer wg.Done()

			select {
			case sem <- struct{}{}: // Acquire
			case <-ctx.Done():
				slots[idx] = domain.BatchEntry{Err: ctx.Err()}
				return
			}
			defer func() { <-sem }() // Release

			slots[idx] = d.detectSlot(ctx, tx, set, keys[idx])
		}(i, tx)
	}

	wg.Wait()

	out := make(map[string]domain.BatchEntry, len(txs))
	for i, key := range keys {
		out[key] = slots[i]
	}
	return out
}

func (d *Detector) detectSlot(ctx context.Context, tx domain.Transaction, set rules.RuleSet, key string) (entry domain.BatchEntry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("detection panicked", "key", key, "panic", r)
			entry = domain.BatchEntry{Err: fmt.Errorf("%w: internal error", domain.ErrScoringUnavailable)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return domain.BatchEntry{Err: err}
	}
	result, err := d.detect(ctx, tx, set)
	if err != nil {
		slog.Debug("transaction detection failed", "key", key, "error", err)
		return domain.BatchEntry{Err: err}
	}
	return domain.BatchEntry{Result: &result}
}

// BatchKey is the result-map key of a transaction at position idx.
func BatchKey(tx domain.Transaction, idx int) string {
	if id, ok := tx.ID(); ok {
		return id
	}
	return domain.BatchKeyPrefix + strconv.Itoa(idx)
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Total   int `json:"total"`
	Flagged int `json:"flagged"`
	Failed  int `json:"failed"`
}

// Summarize counts flagged and failed entries.
func Summarize(results map[string]domain.BatchEntry) Summary {
	s := Summary{Total: len(results)}
	for _, e := range results {
		switch {
		case !e.OK():
			s.Failed++
		case e.Result.IsFraud:
			s.Flagged++
		}
	}
	return s
}

func clampScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Min(1, math.Max(0, score))
}
