package report

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

// NewSink creates the sink selected by cfg.Sink.
func NewSink(cfg domain.ReportingConfig) (domain.ReportSink, error) {
	switch cfg.Sink {
	case "", "store", "local":
		return LocalSink{}, nil
	case "http":
		return NewHTTPSink(cfg.Endpoint, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unsupported report sink: %s", cfg.Sink)
	}
}

// LocalSink acknowledges every report. The report log is the only record.
type LocalSink struct{}

// Deliver acknowledges the report.
func (LocalSink) Deliver(ctx context.Context, rec domain.ReportRecord) (domain.ReportAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReportAck{}, err
	}
	return domain.ReportAck{Acknowledged: true}, nil
}

// HTTPSink posts reports to an external reporting endpoint, which answers
// with {"reporting_acknowledged": bool, "failure_code": string}.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSink creates a sink for the endpoint.
func NewHTTPSink(endpoint string, timeout time.Duration) (*HTTPSink, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("report endpoint is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Deliver posts the report.
func (s *HTTPSink) Deliver(ctx context.Context, rec domain.ReportRecord) (domain.ReportAck, error) {
	body, err := json.Marshal(domain.ReportRequest{
		TransactionID:     rec.TransactionID,
		ReportingEntityID: rec.ReportingEntityID,
		FraudDetails:      rec.FraudDetails,
	})
	if err != nil {
		return domain.ReportAck{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ReportAck{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ReportID)

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.ReportAck{}, fmt.Errorf("report request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.ReportAck{}, fmt.Errorf("report endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var ack domain.ReportAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return domain.ReportAck{}, fmt.Errorf("failed to decode report response: %w", err)
	}
	return ack, nil
}
