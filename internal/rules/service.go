package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// Service validates rules before they reach the store. A rule is parsed,
// validated and only then committed, so a rejected write leaves the stored
// rule set unchanged.
type Service struct {
	store domain.RuleStore
	now   func() time.Time
}

// NewService creates a rule service over a store.
func NewService(store domain.RuleStore) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Check normalizes and validates a rule without writing it.
func (s *Service) Check(rule *domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidRule)
	}
	canonical, err := canonicalize(rule.Condition)
	if err != nil {
		return err
	}
	rule.Condition = canonical
	return rule.Validate()
}

// Create adds a new rule. It fails with ErrRuleExists when rule_id is taken.
func (s *Service) Create(ctx context.Context, rule *domain.Rule) (*domain.Rule, error) {
	if err := s.Check(rule); err != nil {
		return nil, err
	}
	now := s.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	slog.Info("rule created", "rule_id", rule.RuleID, "priority", rule.Priority, "enabled", rule.Enabled)
	return rule, nil
}

// Update replaces a rule wholesale, including its condition.
func (s *Service) Update(ctx context.Context, ruleID string, rule *domain.Rule) (*domain.Rule, error) {
	if rule == nil {
		return nil, fmt.Errorf("%w: rule is required", domain.ErrInvalidRule)
	}
	if rule.RuleID != "" && rule.RuleID != ruleID {
		return nil, fmt.Errorf("%w: rule_id %q does not match path %q", domain.ErrInvalidRule, rule.RuleID, ruleID)
	}
	rule.RuleID = ruleID
	if err := s.Check(rule); err != nil {
		return nil, err
	}

	existing, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()

	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	slog.Info("rule updated", "rule_id", rule.RuleID, "priority", rule.Priority, "enabled", rule.Enabled)
	return rule, nil
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, ruleID string) error {
	if err := s.store.DeleteRule(ctx, ruleID); err != nil {
		return err
	}
	slog.Info("rule deleted", "rule_id", ruleID)
	return nil
}

// Get returns one rule.
func (s *Service) Get(ctx context.Context, ruleID string) (*domain.Rule, error) {
	return s.store.GetRule(ctx, ruleID)
}

// List returns all rules, enabled or not.
func (s *Service) List(ctx context.Context) ([]domain.Rule, error) {
	return s.store.ListRules(ctx)
}

// Snapshot reads the current rule set from the store and returns the
// ordered enabled rules. Later CRUD does not affect the returned set.
func (s *Service) Snapshot(ctx context.Context) (RuleSet, error) {
	all, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return NewRuleSet(all), nil
}

// Seed creates rules that do not exist yet. Existing rules are left alone.
func (s *Service) Seed(ctx context.Context, seed []domain.Rule) (int, error) {
	created := 0
	for i := range seed {
		r := seed[i]
		if _, err := s.Create(ctx, &r); err != nil {
			if errors.Is(err, domain.ErrRuleExists) {
				continue
			}
			return created, fmt.Errorf("seed rule %s: %w", r.RuleID, err)
		}
		created++
	}
	return created, nil
}

// canonicalize round-trips a condition through its JSON form so that group
// operators are upper case and numbers are json.Number, whatever store or
// caller built it.
func canonicalize(c domain.Condition) (domain.Condition, error) {
	data, err := domain.MarshalCondition(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCondition, err)
	}
	return domain.ParseCondition(data)
}
