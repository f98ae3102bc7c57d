// Package report delivers fraud reports and keeps the append-only report log.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// Failure codes recorded when a report is not acknowledged.
const (
	FailureDelivery = "delivery_error"
	FailureRejected = "rejected"
)

// Reporter delivers reports through a sink and appends every attempt to the
// report store. Reports are never deduplicated.
type Reporter struct {
	sink       domain.ReportSink
	store      domain.ReportStore
	entityID   string
	maxWorkers int
	now        func() time.Time
}

// New creates a reporter. entityID identifies this service on automatic reports.
func New(sink domain.ReportSink, store domain.ReportStore, entityID string, maxWorkers int) *Reporter {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if entityID == "" {
		entityID = "fraudwatch-auto"
	}
	return &Reporter{
		sink:       sink,
		store:      store,
		entityID:   entityID,
		maxWorkers: maxWorkers,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Report submits a manual report. The returned record is non-nil whenever an
// attempt was recorded; err wraps ErrReportingFailed if the sink failed or
// did not acknowledge.
func (r *Reporter) Report(ctx context.Context, req domain.ReportRequest) (*domain.ReportRecord, error) {
	return r.submit(ctx, req, domain.ReportManual)
}

func (r *Reporter) submit(ctx context.Context, req domain.ReportRequest, source string) (*domain.ReportRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rec := &domain.ReportRecord{
		ReportID:          uuid.New().String(),
		TransactionID:     req.TransactionID,
		ReportingEntityID: req.ReportingEntityID,
		FraudDetails:      req.FraudDetails,
		Source:            source,
		CreatedAt:         r.now(),
	}

	var deliveryErr error
	ack, err := r.sink.Deliver(ctx, *rec)
	switch {
	case err != nil:
		rec.FailureCode = FailureDelivery
		deliveryErr = fmt.Errorf("%w: %w", domain.ErrReportingFailed, err)
	case !ack.Acknowledged:
		rec.FailureCode = ack.FailureCode
		if rec.FailureCode == "" {
			rec.FailureCode = FailureRejected
		}
		deliveryErr = fmt.Errorf("%w: not acknowledged (%s)", domain.ErrReportingFailed, rec.FailureCode)
	default:
		rec.ReportingAcknowledged = true
	}

	if r.store != nil {
		// The record must survive a cancelled request.
		if err := r.store.AppendReport(context.WithoutCancel(ctx), rec); err != nil {
			slog.Error("failed to record report", "tx_id", rec.TransactionID, "report_id", rec.ReportID, "error", err)
			return nil, errors.Join(deliveryErr, fmt.Errorf("%w: failed to record report: %w", domain.ErrReportingFailed, err))
		}
	}

	if deliveryErr != nil {
		slog.Warn("report not acknowledged", "tx_id", rec.TransactionID, "source", source, "error", deliveryErr)
		return rec, deliveryErr
	}
	slog.Info("report delivered", "tx_id", rec.TransactionID, "report_id", rec.ReportID, "source", source)
	return rec, nil
}

// AutoReport reports every flagged entry of a batch concurrently. Each
// report is independent: a failure only marks its own status. A disabled
// policy makes no calls and returns an empty map.
func (r *Reporter) AutoReport(ctx context.Context, results map[string]domain.BatchEntry, policy domain.ReportPolicy) map[string]domain.ReportStatus {
	out := make(map[string]domain.ReportStatus)
	if policy == domain.PolicyDisabled {
		return out
	}

	keys := make([]string, 0, len(results))
	for key, entry := range results {
		if entry.Flagged() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	statuses := make([]domain.ReportStatus, len(keys))
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.maxWorkers)

	for i, key := range keys {
		wg.Add(1)
		go func(idx int, result domain.DetectionResult) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			statuses[idx] = r.autoReportOne(ctx, result)
		}(i, *results[key].Result)
	}

	wg.Wait()

	for i, key := range keys {
		out[key] = statuses[i]
	}
	return out
}

func (r *Reporter) autoReportOne(ctx context.Context, result domain.DetectionResult) (status domain.ReportStatus) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("auto report panicked", "tx_id", result.TransactionID, "panic", p)
			status = domain.ReportStatus{Success: false, Message: "internal error"}
		}
	}()

	rec, err := r.submit(ctx, domain.ReportRequest{
		TransactionID:     result.TransactionID,
		ReportingEntityID: r.entityID,
		FraudDetails:      Details(result),
	}, domain.ReportAuto)
	if err != nil {
		return domain.ReportStatus{Success: false, Message: err.Error()}
	}
	return domain.ReportStatus{Success: true, Message: "reported as " + rec.ReportID}
}

// Details composes the fraud_details text of an automatic report.
func Details(result domain.DetectionResult) string {
	details := fmt.Sprintf("%s (source: %s, score: %.2f", result.FraudReason, result.FraudSource, result.FraudScore)
	if result.RuleID != "" {
		details += ", rule: " + result.RuleID
	}
	return details + ")"
}
