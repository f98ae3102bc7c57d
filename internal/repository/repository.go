// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	if cfg.Driver == "memory" {
		return NewMemory(), nil
	}

	var dsn string
	switch cfg.Driver {
	case "sqlite":
		var err error
		if dsn, err = sqliteDSN(cfg); err != nil {
			return nil, err
		}
	case "postgres":
		dsn = postgresDSN(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := open(cfg.Driver, dsn)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewSQL(db, cfg.Driver)
}

// open connects and verifies the database is reachable.
func open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return db, nil
}

// NewSQL wraps an open database and runs the schema migrations.
func NewSQL(db *sql.DB, driver string) (*SQLRepository, error) {
	repo := &SQLRepository{
		db:     db,
		driver: driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// CreateRule inserts a rule. It fails with ErrRuleExists when rule_id is taken.
func (r *SQLRepository) CreateRule(ctx context.Context, rule *domain.Rule) error {
	if rule == nil || rule.RuleID == "" {
		return fmt.Errorf("%w: rule_id is required", ErrInvalidInput)
	}
	cond, err := domain.MarshalCondition(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode condition: %w", err)
	}

	query := `
		INSERT INTO rules (
			rule_id, name, description, fraud_reason, priority, enabled, condition_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.RuleID, rule.Name, rule.Description, rule.FraudReason,
		rule.Priority, boolInt(rule.Enabled), string(cond),
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRuleExists, rule.RuleID)
	}
	return nil
}

// UpdateRule replaces a rule. It fails with ErrRuleNotFound.
func (r *SQLRepository) UpdateRule(ctx context.Context, rule *domain.Rule) error {
	if rule == nil || rule.RuleID == "" {
		return fmt.Errorf("%w: rule_id is required", ErrInvalidInput)
	}
	cond, err := domain.MarshalCondition(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode condition: %w", err)
	}

	query := `
		UPDATE rules SET
			name = ?, description = ?, fraud_reason = ?, priority = ?,
			enabled = ?, condition_json = ?, updated_at = ?
		WHERE rule_id = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.Name, rule.Description, rule.FraudReason, rule.Priority,
		boolInt(rule.Enabled), string(cond), rule.UpdatedAt,
		rule.RuleID,
	)
	if err != nil {
		return err
	}
	return expectRow(res, rule.RuleID)
}

// DeleteRule removes a rule. It fails with ErrRuleNotFound.
func (r *SQLRepository) DeleteRule(ctx context.Context, ruleID string) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM rules WHERE rule_id = ?`), ruleID)
	if err != nil {
		return err
	}
	return expectRow(res, ruleID)
}

const ruleColumns = `rule_id, name, description, fraud_reason, priority, enabled, condition_json, created_at, updated_at`

// GetRule retrieves a rule, enabled or not.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE rule_id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, ruleID)
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules retrieves all rules ordered by priority, then rule_id.
func (r *SQLRepository) ListRules(ctx context.Context) ([]domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules ORDER BY priority, rule_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*domain.Rule, error) {
	var rule domain.Rule
	var description sql.NullString
	var enabled int
	var cond string

	if err := row.Scan(
		&rule.RuleID, &rule.Name, &description, &rule.FraudReason,
		&rule.Priority, &enabled, &cond, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c, err := domain.ParseCondition([]byte(cond))
	if err != nil {
		return nil, fmt.Errorf("stored rule %s: %w", rule.RuleID, err)
	}
	rule.Description = description.String
	rule.Enabled = enabled == 1
	rule.Condition = c
	return &rule, nil
}

// AppendReport stores a report record. Records are never updated.
func (r *SQLRepository) AppendReport(ctx context.Context, rec *domain.ReportRecord) error {
	if rec == nil || rec.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrInvalidInput)
	}
	if rec.ReportID == "" {
		rec.ReportID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO reports (
			report_id, transaction_id, reporting_entity_id, fraud_details,
			acknowledged, failure_code, source, created_at, created_day
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ReportID, rec.TransactionID, rec.ReportingEntityID, rec.FraudDetails,
		boolInt(rec.ReportingAcknowledged), rec.FailureCode, rec.Source,
		rec.CreatedAt, dayOf(rec.CreatedAt),
	)
	return err
}

// ListReports returns reports oldest first, for one transaction or all.
func (r *SQLRepository) ListReports(ctx context.Context, txID string) ([]domain.ReportRecord, error) {
	query := `
		SELECT report_id, transaction_id, reporting_entity_id, fraud_details,
			   acknowledged, failure_code, source, created_at
		FROM reports
	`
	var args []any
	if txID != "" {
		query += ` WHERE transaction_id = ?`
		args = append(args, txID)
	}
	query += ` ORDER BY created_at, report_id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReportRecord
	for rows.Next() {
		var rec domain.ReportRecord
		var ack int
		var failure sql.NullString

		if err := rows.Scan(
			&rec.ReportID, &rec.TransactionID, &rec.ReportingEntityID, &rec.FraudDetails,
			&ack, &failure, &rec.Source, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.ReportingAcknowledged = ack == 1
		rec.FailureCode = failure.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveDetection appends a detection result.
func (r *SQLRepository) SaveDetection(ctx context.Context, result *domain.DetectionResult) error {
	if result == nil || result.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrInvalidInput)
	}
	detectedAt := result.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO detections (
			detection_id, transaction_id, payer_id, payee_id, is_fraud, fraud_source,
			fraud_reason, fraud_score, rule_id, detected_at, detected_day
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		uuid.New().String(), result.TransactionID, result.PayerID, result.PayeeID, boolInt(result.IsFraud),
		result.FraudSource, result.FraudReason, result.FraudScore, result.RuleID,
		detectedAt, dayOf(detectedAt),
	)
	return err
}

// GetDetection returns the latest detection of a transaction.
func (r *SQLRepository) GetDetection(ctx context.Context, txID string) (*domain.DetectionResult, error) {
	query := `
		SELECT transaction_id, payer_id, payee_id, is_fraud, fraud_source, fraud_reason,
			fraud_score, rule_id, detected_at
		FROM detections
		WHERE transaction_id = ?
		ORDER BY detected_at DESC
		LIMIT 1
	`

	var res domain.DetectionResult
	var isFraud int
	var reason, ruleID sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&res.TransactionID, &res.PayerID, &res.PayeeID, &isFraud, &res.FraudSource, &reason,
		&res.FraudScore, &ruleID, &res.DetectedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: detection %s", ErrNotFound, txID)
	}
	if err != nil {
		return nil, err
	}

	res.IsFraud = isFraud == 1
	res.FraudReason = reason.String
	res.RuleID = ruleID.String
	return &res, nil
}

// FraudStats counts flagged detections and reported transactions per day.
func (r *SQLRepository) FraudStats(ctx context.Context, since time.Time, filter domain.StatsFilter) ([]domain.DailyStat, error) {
	byDay := make(map[string]*domain.DailyStat)
	stat := func(day string) *domain.DailyStat {
		s, ok := byDay[day]
		if !ok {
			s = &domain.DailyStat{Day: day}
			byDay[day] = s
		}
		return s
	}

	match, matchArgs := detectionFilter(filter)
	args := append([]any{dayOf(since)}, matchArgs...)

	predicted := `
		SELECT detected_day, COUNT(*) FROM detections
		WHERE is_fraud = 1 AND detected_day >= ?` + match + `
		GROUP BY detected_day
	`
	if err := r.countByDay(ctx, predicted, args, func(day string, n int) { stat(day).Predicted = n }); err != nil {
		return nil, fmt.Errorf("failed to count predicted fraud: %w", err)
	}

	reported := `
		SELECT created_day, COUNT(DISTINCT transaction_id) FROM reports
		WHERE created_day >= ?`
	if !filter.Empty() {
		reported += `
		AND transaction_id IN (SELECT transaction_id FROM detections WHERE 1 = 1` + match + `)`
	}
	reported += `
		GROUP BY created_day
	`
	if err := r.countByDay(ctx, reported, args, func(day string, n int) { stat(day).Reported = n }); err != nil {
		return nil, fmt.Errorf("failed to count reported fraud: %w", err)
	}

	return sortedStats(byDay), nil
}

// detectionFilter renders the filter as AND clauses over the detections table.
func detectionFilter(filter domain.StatsFilter) (string, []any) {
	var clause strings.Builder
	var args []any
	if filter.PayerID != "" {
		clause.WriteString(" AND payer_id = ?")
		args = append(args, filter.PayerID)
	}
	if filter.PayeeID != "" {
		clause.WriteString(" AND payee_id = ?")
		args = append(args, filter.PayeeID)
	}
	return clause.String(), args
}

func (r *SQLRepository) countByDay(ctx context.Context, query string, args []any, set func(day string, n int)) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return err
		}
		set(day, n)
	}
	return rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func expectRow(res sql.Result, ruleID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRuleNotFound, ruleID)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dayOf(t time.Time) string {
	return t.UTC().Format(domain.DayFormat)
}

func sortedStats(byDay map[string]*domain.DailyStat) []domain.DailyStat {
	out := make([]domain.DailyStat, 0, len(byDay))
	for _, s := range byDay {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out
}
