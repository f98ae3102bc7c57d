// Package pipeline runs detection and reporting end to end: it snapshots
// the rule set, detects, records results and reports flagged transactions.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/fraudwatch/internal/cache"
	"github.com/opensource-finance/fraudwatch/internal/detect"
	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/metrics"
	"github.com/opensource-finance/fraudwatch/internal/report"
	"github.com/opensource-finance/fraudwatch/internal/rules"
)

var tracer = otel.Tracer("fraudwatch-pipeline")

// Batch statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// BatchOutcome is the full result of a batch run.
type BatchOutcome struct {
	BatchID     string                         `json:"batch_id"`
	Status      string                         `json:"status"`
	Results     map[string]domain.BatchEntry   `json:"results"`
	Reports     map[string]domain.ReportStatus `json:"reports"`
	Summary     detect.Summary                 `json:"summary"`
	SubmittedAt time.Time                      `json:"submitted_at"`
	CompletedAt *time.Time                     `json:"completed_at,omitempty"`
}

// BatchJob is the bus payload of an asynchronous batch.
type BatchJob struct {
	BatchID      string               `json:"batch_id"`
	Transactions []domain.Transaction `json:"transactions"`
	Policy       domain.ReportPolicy  `json:"policy"`
	SubmittedAt  time.Time            `json:"submitted_at"`
}

// DecodeBatchJob decodes a job, keeping numbers as json.Number.
func DecodeBatchJob(data []byte) (*BatchJob, error) {
	var job BatchJob
	if err := decodeJSON(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode batch job: %w", err)
	}
	if job.BatchID == "" {
		return nil, fmt.Errorf("batch job has no batch_id")
	}
	return &job, nil
}

// Deps are the collaborators of a Pipeline. Store, Cache, Bus and Metrics
// are optional.
type Deps struct {
	Rules    *rules.Service
	Detector *detect.Detector
	Reporter *report.Reporter
	Store    domain.DetectionStore
	Cache    domain.Cache
	Bus      domain.EventBus
	Metrics  *metrics.Collector

	// Policy is the default auto-report policy.
	Policy    domain.ReportPolicy
	ResultTTL time.Duration
}

// Pipeline orchestrates detection and reporting.
type Pipeline struct {
	rules     *rules.Service
	detector  *detect.Detector
	reporter  *report.Reporter
	store     domain.DetectionStore
	cache     domain.Cache
	bus       domain.EventBus
	metrics   *metrics.Collector
	policy    domain.ReportPolicy
	resultTTL time.Duration
	now       func() time.Time
}

// New creates a pipeline.
func New(deps Deps) *Pipeline {
	policy := deps.Policy
	if policy == "" {
		policy = domain.PolicyEnabled
	}
	ttl := deps.ResultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Pipeline{
		rules:     deps.Rules,
		detector:  deps.Detector,
		reporter:  deps.Reporter,
		store:     deps.Store,
		cache:     deps.Cache,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		policy:    policy,
		resultTTL: ttl,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// DefaultPolicy returns the configured auto-report policy.
func (p *Pipeline) DefaultPolicy() domain.ReportPolicy {
	return p.policy
}

// snapshot reads the enabled rules once for the whole call.
func (p *Pipeline) snapshot(ctx context.Context) (rules.RuleSet, error) {
	set, err := p.rules.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.SetEnabledRules(len(set))
	return set, nil
}

// Detect runs a single transaction.
func (p *Pipeline) Detect(ctx context.Context, tx domain.Transaction) (domain.DetectionResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.detect")
	defer span.End()

	set, err := p.snapshot(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.DetectionResult{}, err
	}

	result, err := p.detector.Detect(ctx, tx, set)
	if err != nil {
		p.metrics.ObserveDetection(domain.BatchEntry{Err: err})
		span.RecordError(err)
		return domain.DetectionResult{}, err
	}

	entry := domain.BatchEntry{Result: &result}
	p.metrics.ObserveDetection(entry)
	p.record(ctx, []domain.BatchEntry{entry})

	span.SetAttributes(
		attribute.String("tx.id", result.TransactionID),
		attribute.Bool("fraud", result.IsFraud),
		attribute.String("fraud.source", result.FraudSource),
	)
	return result, nil
}

// DetectBatch detects a batch without reporting. Only a rule store failure
// fails the call; per-transaction failures are entries in the map.
func (p *Pipeline) DetectBatch(ctx context.Context, txs []domain.Transaction) (map[string]domain.BatchEntry, error) {
	ctx, span := tracer.Start(ctx, "pipeline.detect_batch", trace.WithAttributes(attribute.Int("batch.size", len(txs))))
	defer span.End()

	set, err := p.snapshot(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := time.Now()
	results := p.detector.DetectBatch(ctx, txs, set)
	p.metrics.ObserveBatch(len(txs), time.Since(start))
	p.observeAndRecord(ctx, results)
	return results, nil
}

// RunBatch detects a batch and auto-reports its flagged transactions.
// An empty batchID gets a generated one.
func (p *Pipeline) RunBatch(ctx context.Context, batchID string, txs []domain.Transaction, policy domain.ReportPolicy) (*BatchOutcome, error) {
	if batchID == "" {
		batchID = uuid.New().String()
	}
	if policy == "" {
		policy = p.policy
	}

	ctx, span := tracer.Start(ctx, "pipeline.run_batch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.size", len(txs)),
		attribute.String("report.policy", string(policy)),
	))
	defer span.End()

	start := time.Now()
	submitted := p.now()

	set, err := p.snapshot(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := p.detector.DetectBatch(ctx, txs, set)
	p.observeAndRecord(ctx, results)

	reports := p.autoReport(ctx, results, policy)

	completed := p.now()
	outcome := &BatchOutcome{
		BatchID:     batchID,
		Status:      StatusCompleted,
		Results:     results,
		Reports:     reports,
		Summary:     detect.Summarize(results),
		SubmittedAt: submitted,
		CompletedAt: &completed,
	}
	p.metrics.ObserveBatch(len(txs), time.Since(start))

	span.SetAttributes(
		attribute.Int("batch.flagged", outcome.Summary.Flagged),
		attribute.Int("batch.failed", outcome.Summary.Failed),
	)

	p.storeOutcome(ctx, outcome)
	p.publish(ctx, domain.TopicBatchCompleted, outcome)

	slog.Info("batch completed",
		"batch_id", batchID,
		"total", outcome.Summary.Total,
		"flagged", outcome.Summary.Flagged,
		"failed", outcome.Summary.Failed,
		"reported", len(reports),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome, nil
}

func (p *Pipeline) autoReport(ctx context.Context, results map[string]domain.BatchEntry, policy domain.ReportPolicy) map[string]domain.ReportStatus {
	ctx, span := tracer.Start(ctx, "pipeline.auto_report")
	defer span.End()

	statuses := p.reporter.AutoReport(ctx, results, policy)
	for _, st := range statuses {
		p.metrics.ObserveReport(domain.ReportAuto, st.Success)
	}
	span.SetAttributes(attribute.Int("report.attempts", len(statuses)))
	return statuses
}

// SubmitBatch stores a pending outcome and publishes the batch for a worker.
func (p *Pipeline) SubmitBatch(ctx context.Context, txs []domain.Transaction, policy domain.ReportPolicy) (*BatchOutcome, error) {
	if p.bus == nil {
		return nil, fmt.Errorf("asynchronous batches need an event bus")
	}
	if policy == "" {
		policy = p.policy
	}

	job := BatchJob{
		BatchID:      uuid.New().String(),
		Transactions: txs,
		Policy:       policy,
		SubmittedAt:  p.now(),
	}
	pending := &BatchOutcome{
		BatchID:     job.BatchID,
		Status:      StatusPending,
		SubmittedAt: job.SubmittedAt,
		Summary:     detect.Summary{Total: len(txs)},
	}
	p.storeOutcome(ctx, pending)

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch job: %w", err)
	}
	if err := p.bus.Publish(ctx, domain.TopicBatchSubmitted, payload); err != nil {
		return nil, fmt.Errorf("failed to publish batch job: %w", err)
	}
	slog.Info("batch submitted", "batch_id", job.BatchID, "size", len(txs))
	return pending, nil
}

// GetBatch returns a stored batch outcome.
func (p *Pipeline) GetBatch(ctx context.Context, batchID string) (*BatchOutcome, error) {
	if p.cache == nil {
		return nil, domain.ErrNotFound
	}
	var outcome BatchOutcome
	ok, err := cache.GetJSON(ctx, p.cache, domain.CacheKeyBatch+batchID, &outcome)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}
	return &outcome, nil
}

// GetDetection returns the latest result for a transaction, from the cache
// first and then the store.
func (p *Pipeline) GetDetection(ctx context.Context, txID string) (*domain.DetectionResult, error) {
	if p.cache != nil {
		var result domain.DetectionResult
		ok, err := cache.GetJSON(ctx, p.cache, domain.CacheKeyDetection+txID, &result)
		if err != nil {
			slog.Warn("detection cache read failed", "tx_id", txID, "error", err)
		} else if ok {
			return &result, nil
		}
	}
	if p.store == nil {
		return nil, fmt.Errorf("%w: detection %s", domain.ErrNotFound, txID)
	}
	return p.store.GetDetection(ctx, txID)
}

// Report submits a manual report.
func (p *Pipeline) Report(ctx context.Context, req domain.ReportRequest) (*domain.ReportRecord, error) {
	ctx, span := tracer.Start(ctx, "pipeline.report", trace.WithAttributes(attribute.String("tx.id", req.TransactionID)))
	defer span.End()

	rec, err := p.reporter.Report(ctx, req)
	if rec != nil {
		p.metrics.ObserveReport(domain.ReportManual, rec.ReportingAcknowledged)
		p.publish(ctx, domain.TopicReport, rec)
	}
	if err != nil {
		span.RecordError(err)
	}
	return rec, err
}

func (p *Pipeline) observeAndRecord(ctx context.Context, results map[string]domain.BatchEntry) {
	entries := make([]domain.BatchEntry, 0, len(results))
	for _, e := range results {
		p.metrics.ObserveDetection(e)
		if e.OK() {
			entries = append(entries, e)
		}
	}
	p.record(ctx, entries)
}

// record persists, caches and publishes successful results. Failures here
// are logged and never change a detection outcome.
func (p *Pipeline) record(ctx context.Context, entries []domain.BatchEntry) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range entries {
		r := e.Result
		if p.store != nil {
			if err := p.store.SaveDetection(ctx, r); err != nil {
				slog.Error("failed to save detection", "tx_id", r.TransactionID, "error", err)
			}
		}
		if p.cache != nil {
			if err := cache.SetJSON(ctx, p.cache, domain.CacheKeyDetection+r.TransactionID, r, p.resultTTL); err != nil {
				slog.Warn("failed to cache detection", "tx_id", r.TransactionID, "error", err)
			}
		}
		p.publish(ctx, domain.TopicDetection, r)
		if r.IsFraud {
			p.publish(ctx, domain.TopicFraudFlagged, r)
		}
	}
}

func (p *Pipeline) storeOutcome(ctx context.Context, outcome *BatchOutcome) {
	if p.cache == nil {
		return
	}
	if err := cache.SetJSON(context.WithoutCancel(ctx), p.cache, domain.CacheKeyBatch+outcome.BatchID, outcome, p.resultTTL); err != nil {
		slog.Warn("failed to cache batch outcome", "batch_id", outcome.BatchID, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, topic string, v any) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, topic, payload); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
