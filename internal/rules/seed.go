package rules

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

type seedFile struct {
	Rules []seedRule `yaml:"rules"`
}

type seedRule struct {
	RuleID      string      `yaml:"rule_id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	FraudReason string      `yaml:"fraud_reason"`
	Priority    int         `yaml:"priority"`
	Enabled     *bool       `yaml:"enabled"`
	Condition   interface{} `yaml:"condition"`
}

// LoadFile reads a YAML rule file. Rules are enabled unless they say otherwise.
func LoadFile(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes rules from YAML and validates every condition.
func ParseYAML(data []byte) ([]domain.Rule, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules yaml: %w", err)
	}

	out := make([]domain.Rule, 0, len(f.Rules))
	for i, sr := range f.Rules {
		raw, err := json.Marshal(jsonCompatible(sr.Condition))
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w: %v", i, sr.RuleID, domain.ErrMalformedCondition, err)
		}
		cond, err := domain.ParseCondition(raw)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, sr.RuleID, err)
		}
		enabled := true
		if sr.Enabled != nil {
			enabled = *sr.Enabled
		}
		r := domain.Rule{
			RuleID:      sr.RuleID,
			Name:        sr.Name,
			Description: sr.Description,
			FraudReason: sr.FraudReason,
			Priority:    sr.Priority,
			Enabled:     enabled,
			Condition:   cond,
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, sr.RuleID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// jsonCompatible converts yaml.v2 maps, which are keyed by interface{},
// into string-keyed maps.
func jsonCompatible(v interface{}) interface{} {
	switch x := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = jsonCompatible(val)
		}
		return out
	default:
		return x
	}
}
