package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Report sources.
const (
	ReportManual = "manual"
	ReportAuto   = "auto"
)

// ReportPolicy controls automatic reporting of flagged transactions.
type ReportPolicy string

const (
	PolicyEnabled  ReportPolicy = "enabled"
	PolicyDisabled ReportPolicy = "disabled"
)

// ReportRequest is a report before delivery.
type ReportRequest struct {
	TransactionID     string `json:"transaction_id"`
	ReportingEntityID string `json:"reporting_entity_id"`
	FraudDetails      string `json:"fraud_details"`
}

// Validate checks that every field is present.
func (r ReportRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.TransactionID) == "":
		return fmt.Errorf("%w: transaction_id is required", ErrInvalidTransaction)
	case strings.TrimSpace(r.ReportingEntityID) == "":
		return fmt.Errorf("%w: reporting_entity_id is required", ErrInvalidTransaction)
	case strings.TrimSpace(r.FraudDetails) == "":
		return fmt.Errorf("%w: fraud_details is required", ErrInvalidTransaction)
	}
	return nil
}

// ReportRecord is an append-only record of one report call. A transaction
// may be reported many times.
type ReportRecord struct {
	ReportID              string    `json:"report_id"`
	TransactionID         string    `json:"transaction_id"`
	ReportingEntityID     string    `json:"reporting_entity_id"`
	FraudDetails          string    `json:"fraud_details"`
	ReportingAcknowledged bool      `json:"reporting_acknowledged"`
	FailureCode           string    `json:"failure_code,omitempty"`
	Source                string    `json:"source"`
	CreatedAt             time.Time `json:"created_at"`
}

// ReportAck is the answer of a report sink.
type ReportAck struct {
	Acknowledged bool   `json:"reporting_acknowledged"`
	FailureCode  string `json:"failure_code,omitempty"`
}

// ReportStatus is the outcome of one automatic report.
type ReportStatus struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ReportSink delivers a report to the reporting authority.
type ReportSink interface {
	Deliver(ctx context.Context, rec ReportRecord) (ReportAck, error)
}

// ReportingConfig configures report delivery.
type ReportingConfig struct {
	// Sink is "store" or "http".
	Sink     string        `json:"sink" yaml:"sink"`
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`

	// AutoReport is the default policy for batches.
	AutoReport ReportPolicy `json:"autoReport" yaml:"autoReport"`

	// EntityID identifies this service on automatic reports.
	EntityID   string `json:"entityId" yaml:"entityId"`
	MaxWorkers int    `json:"maxWorkers" yaml:"maxWorkers"`
}
