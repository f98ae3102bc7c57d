package domain

import "errors"

// Detection and reporting errors. Per-transaction failures are captured in
// batch result maps; only rule-store and rule-validation failures surface as
// call-level errors.
var (
	// ErrInvalidTransaction means a required field is missing or malformed.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrMalformedCondition rejects a rule write whose condition fails to parse or validate.
	ErrMalformedCondition = errors.New("malformed condition")

	// ErrScoringUnavailable means the scoring model call failed.
	ErrScoringUnavailable = errors.New("scoring unavailable")

	// ErrReportingFailed means the report call failed or was not acknowledged.
	ErrReportingFailed = errors.New("reporting failed")

	ErrRuleExists   = errors.New("rule already exists")
	ErrRuleNotFound = errors.New("rule not found")
	ErrInvalidRule  = errors.New("invalid rule")
	ErrNotFound     = errors.New("record not found")
)
