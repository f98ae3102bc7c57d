package rules

import (
	"cmp"
	"slices"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// RuleSet is an ordered snapshot of enabled rules.
type RuleSet []domain.Rule

// NewRuleSet copies the enabled rules and orders them by priority, then
// rule_id. The input slice is left untouched.
func NewRuleSet(rules []domain.Rule) RuleSet {
	set := make(RuleSet, 0, len(rules))
	for _, r := range rules {
		if r.Enabled && r.Condition != nil {
			set = append(set, r)
		}
	}
	slices.SortStableFunc(set, func(a, b domain.Rule) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.RuleID, b.RuleID)
	})
	return set
}

// Match returns the first rule whose condition holds for the transaction.
func (s RuleSet) Match(tx domain.Transaction) (domain.Rule, bool) {
	for _, r := range s {
		if Evaluate(r.Condition, tx) {
			return r, true
		}
	}
	return domain.Rule{}, false
}

// Select returns the highest-precedence enabled rule matching the transaction.
func Select(tx domain.Transaction, rules []domain.Rule) (domain.Rule, bool) {
	return NewRuleSet(rules).Match(tx)
}
