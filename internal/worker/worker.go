// Package worker runs submitted batches asynchronously off the EventBus.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
)

// BatchRunner runs one batch to completion.
type BatchRunner interface {
	RunBatch(ctx context.Context, batchID string, txs []domain.Transaction, policy domain.ReportPolicy) (*pipeline.BatchOutcome, error)
}

// Worker consumes TopicBatchSubmitted and runs each job.
type Worker struct {
	bus    domain.EventBus
	runner BatchRunner

	mu            sync.Mutex
	subscriptions []domain.Subscription
	inflight      sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Topic overrides the subscribed topic. Defaults to TopicBatchSubmitted.
	Topic string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, runner BatchRunner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the batch topic.
func (w *Worker) Start(cfg Config) error {
	topic := cfg.Topic
	if topic == "" {
		topic = domain.TopicBatchSubmitted
	}

	sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("batch worker started", "topic", topic)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.inflight.Add(1)
	defer w.inflight.Done()

	start := time.Now()

	job, err := pipeline.DecodeBatchJob(msg.Payload)
	if err != nil {
		slog.Error("failed to parse batch job",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	slog.Debug("processing batch",
		"batch_id", job.BatchID,
		"transactions", len(job.Transactions),
	)

	outcome, err := w.runner.RunBatch(ctx, job.BatchID, job.Transactions, job.Policy)
	if err != nil {
		slog.Error("batch failed",
			"batch_id", job.BatchID,
			"error", err,
		)
		return err
	}

	slog.Info("batch processed",
		"batch_id", job.BatchID,
		"total", outcome.Summary.Total,
		"flagged", outcome.Summary.Flagged,
		"failed", outcome.Summary.Failed,
		"reports", len(outcome.Reports),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight batches to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.cancel()
	w.inflight.Wait()

	slog.Info("batch worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
