package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Rule is a fraud rule. Lower Priority values take precedence.
type Rule struct {
	RuleID      string    `json:"rule_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	FraudReason string    `json:"fraud_reason"`
	Priority    int       `json:"priority"`
	Enabled     bool      `json:"enabled"`
	Condition   Condition `json:"condition"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// UnmarshalJSON decodes the condition tree through ParseCondition so a rule
// with a malformed condition never decodes.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	var aux struct {
		plain
		Condition json.RawMessage `json:"condition"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Rule(aux.plain)
	r.Condition = nil
	if len(aux.Condition) == 0 {
		return nil
	}
	c, err := ParseCondition(aux.Condition)
	if err != nil {
		return err
	}
	r.Condition = c
	return nil
}

// Validate checks the rule before it is written to the store.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.RuleID) == "" {
		return fmt.Errorf("%w: rule_id is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.FraudReason) == "" {
		return fmt.Errorf("%w: fraud_reason is required", ErrInvalidRule)
	}
	if err := ValidateCondition(r.Condition); err != nil {
		return err
	}
	return nil
}

