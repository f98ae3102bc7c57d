package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// MemoryRepository keeps everything in process memory. Used by tests and
// by the "memory" driver for throwaway deployments.
type MemoryRepository struct {
	mu         sync.RWMutex
	rules      map[string]domain.Rule
	reports    []domain.ReportRecord
	detections []domain.DetectionResult
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		rules: make(map[string]domain.Rule),
	}
}

func (m *MemoryRepository) CreateRule(_ context.Context, rule *domain.Rule) error {
	if rule == nil || rule.RuleID == "" {
		return fmt.Errorf("%w: rule_id is required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[rule.RuleID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrRuleExists, rule.RuleID)
	}
	m.rules[rule.RuleID] = *rule
	return nil
}

func (m *MemoryRepository) UpdateRule(_ context.Context, rule *domain.Rule) error {
	if rule == nil || rule.RuleID == "" {
		return fmt.Errorf("%w: rule_id is required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[rule.RuleID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrRuleNotFound, rule.RuleID)
	}
	m.rules[rule.RuleID] = *rule
	return nil
}

func (m *MemoryRepository) DeleteRule(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[ruleID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrRuleNotFound, ruleID)
	}
	delete(m.rules, ruleID)
	return nil
}

func (m *MemoryRepository) GetRule(_ context.Context, ruleID string) (*domain.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, ruleID)
	}
	return &rule, nil
}

func (m *MemoryRepository) ListRules(_ context.Context) ([]domain.Rule, error) {
	m.mu.RLock()
	out := make([]domain.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, nil
}

func (m *MemoryRepository) AppendReport(_ context.Context, rec *domain.ReportRecord) error {
	if rec == nil || rec.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrInvalidInput)
	}
	if rec.ReportID == "" {
		rec.ReportID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	m.reports = append(m.reports, *rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) ListReports(_ context.Context, txID string) ([]domain.ReportRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.ReportRecord
	for _, rec := range m.reports {
		if txID == "" || rec.TransactionID == txID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryRepository) SaveDetection(_ context.Context, result *domain.DetectionResult) error {
	if result == nil || result.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrInvalidInput)
	}
	saved := *result
	if saved.DetectedAt.IsZero() {
		saved.DetectedAt = time.Now().UTC()
	}

	m.mu.Lock()
	m.detections = append(m.detections, saved)
	m.mu.Unlock()
	return nil
}

// GetDetection returns the most recent detection; on equal timestamps the
// one saved last wins.
func (m *MemoryRepository) GetDetection(_ context.Context, txID string) (*domain.DetectionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *domain.DetectionResult
	for i := range m.detections {
		d := &m.detections[i]
		if d.TransactionID != txID {
			continue
		}
		if latest == nil || !d.DetectedAt.Before(latest.DetectedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: detection %s", ErrNotFound, txID)
	}
	out := *latest
	return &out, nil
}

func (m *MemoryRepository) FraudStats(_ context.Context, since time.Time, filter domain.StatsFilter) ([]domain.DailyStat, error) {
	sinceDay := dayOf(since)
	byDay := make(map[string]*domain.DailyStat)
	stat := func(day string) *domain.DailyStat {
		s, ok := byDay[day]
		if !ok {
			s = &domain.DailyStat{Day: day}
			byDay[day] = s
		}
		return s
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make(map[string]bool)
	for _, d := range m.detections {
		if !filter.Match(d) {
			continue
		}
		matched[d.TransactionID] = true
		day := dayOf(d.DetectedAt)
		if d.IsFraud && day >= sinceDay {
			stat(day).Predicted++
		}
	}

	reported := make(map[string]map[string]bool)
	for _, rec := range m.reports {
		day := dayOf(rec.CreatedAt)
		if day < sinceDay || (!filter.Empty() && !matched[rec.TransactionID]) {
			continue
		}
		if reported[day] == nil {
			reported[day] = make(map[string]bool)
		}
		if !reported[day][rec.TransactionID] {
			reported[day][rec.TransactionID] = true
			stat(day).Reported++
		}
	}

	return sortedStats(byDay), nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }
