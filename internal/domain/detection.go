package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Fraud sources.
const (
	SourceModel = "model"
	SourceRule  = "rule"
)

// DetectionResult is the verdict for one transaction. It is a value and is
// never changed after it is produced.
type DetectionResult struct {
	TransactionID string    `json:"transaction_id"`
	PayerID       string    `json:"payer_id,omitempty"`
	PayeeID       string    `json:"payee_id,omitempty"`
	IsFraud       bool      `json:"is_fraud"`
	FraudSource   string    `json:"fraud_source"`
	FraudReason   string    `json:"fraud_reason"`
	FraudScore    float64   `json:"fraud_score"`
	RuleID        string    `json:"rule_id,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

// BatchEntry is one slot of a batch result: a result or an error.
type BatchEntry struct {
	Result *DetectionResult
	Err    error
}

// MarshalJSON encodes the result itself, or {"error": reason}.
func (e BatchEntry) MarshalJSON() ([]byte, error) {
	if e.Err != nil {
		return json.Marshal(map[string]string{"error": e.Err.Error()})
	}
	return json.Marshal(e.Result)
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
// Decoded errors are plain strings and no longer match the sentinels.
func (e *BatchEntry) UnmarshalJSON(data []byte) error {
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Error != nil {
		*e = BatchEntry{Err: entryError(*probe.Error)}
		return nil
	}
	var r DetectionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*e = BatchEntry{Result: &r}
	return nil
}

type entryError string

func (e entryError) Error() string { return string(e) }

// OK reports whether the entry holds a result.
func (e BatchEntry) OK() bool {
	return e.Err == nil && e.Result != nil
}

// Flagged reports whether the entry holds a fraudulent result.
func (e BatchEntry) Flagged() bool {
	return e.OK() && e.Result.IsFraud
}

// ScoringResult is the opaque output of the scoring model.
type ScoringResult struct {
	IsFraud bool    `json:"is_fraud"`
	Reason  string  `json:"fraud_reason"`
	Score   float64 `json:"fraud_score"`
}

// ScoringModel scores a single transaction.
type ScoringModel interface {
	Score(ctx context.Context, tx Transaction) (ScoringResult, error)
}

// ScoringConfig selects and configures the scoring model.
type ScoringConfig struct {
	// Type is "cel" or "http".
	Type string `json:"type" yaml:"type"`

	// CEL model: Expression yields a score in [0,1]; scores >= Threshold are fraud.
	Expression string        `json:"expression" yaml:"expression"`
	Threshold  float64       `json:"threshold" yaml:"threshold"`
	Bands      []ScoringBand `json:"bands" yaml:"bands"`

	// HTTP model.
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// ScoringBand maps a score range to a reason. Bounds are inclusive lower, exclusive upper.
type ScoringBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty" yaml:"lowerLimit"`
	UpperLimit *float64 `json:"upperLimit,omitempty" yaml:"upperLimit"`
	Reason     string   `json:"reason" yaml:"reason"`
}
