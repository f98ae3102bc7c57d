// Package domain defines the core types and ports of FraudWatch.
package domain

import (
	"context"
	"time"
)

// RuleStore owns the rule set.
type RuleStore interface {
	// CreateRule fails with ErrRuleExists when rule_id is taken.
	CreateRule(ctx context.Context, rule *Rule) error

	// UpdateRule replaces a rule wholesale. Fails with ErrRuleNotFound.
	UpdateRule(ctx context.Context, rule *Rule) error

	DeleteRule(ctx context.Context, ruleID string) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)

	// ListRules returns every rule, enabled or not, ordered by priority then rule_id.
	ListRules(ctx context.Context) ([]Rule, error)
}

// ReportStore is the append-only report log.
type ReportStore interface {
	AppendReport(ctx context.Context, rec *ReportRecord) error

	// ListReports returns reports oldest first. An empty txID lists all.
	ListReports(ctx context.Context, txID string) ([]ReportRecord, error)
}

// DetectionStore keeps detection results for lookup and statistics.
type DetectionStore interface {
	SaveDetection(ctx context.Context, result *DetectionResult) error

	// GetDetection returns the latest result for a transaction.
	GetDetection(ctx context.Context, txID string) (*DetectionResult, error)

	// FraudStats counts flagged detections and reports per day since the given
	// time. A non-empty filter narrows both counts to matching transactions.
	FraudStats(ctx context.Context, since time.Time, filter StatsFilter) ([]DailyStat, error)
}

// StatsFilter narrows dashboard statistics to one payer and/or payee.
// Reports count only when a matching detection of the same transaction exists.
type StatsFilter struct {
	PayerID string `json:"payer_id,omitempty"`
	PayeeID string `json:"payee_id,omitempty"`
}

// Empty reports whether the filter matches everything.
func (f StatsFilter) Empty() bool {
	return f.PayerID == "" && f.PayeeID == ""
}

// Match reports whether a detection passes the filter.
func (f StatsFilter) Match(d DetectionResult) bool {
	return (f.PayerID == "" || d.PayerID == f.PayerID) &&
		(f.PayeeID == "" || d.PayeeID == f.PayeeID)
}

// Repository is the complete persistence port.
type Repository interface {
	RuleStore
	ReportStore
	DetectionStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// DailyStat is one day of the fraud dashboard.
type DailyStat struct {
	Day       string `json:"day"` // YYYY-MM-DD, UTC
	Predicted int    `json:"predicted"`
	Reported  int    `json:"reported"`
}

// DayFormat is the layout of DailyStat.Day.
const DayFormat = "2006-01-02"

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "memory"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"-" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
