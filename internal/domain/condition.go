package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Leaf operators.
const (
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpIn           = "in"
	OpContains     = "contains"
)

// Group operators.
const (
	OpAnd = "AND"
	OpOr  = "OR"
)

// MaxConditionDepth bounds the nesting of condition groups.
const MaxConditionDepth = 32

var leafOperators = map[string]bool{
	OpGreater: true, OpLess: true, OpGreaterEqual: true, OpLessEqual: true,
	OpEqual: true, OpNotEqual: true, OpIn: true, OpContains: true,
}

// Condition is a node of a rule's boolean condition tree.
// It is either a Leaf or a Group.
type Condition interface {
	condition()
	validate(depth int) error
}

// Leaf compares one transaction field against a value.
type Leaf struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Group combines child conditions with AND or OR.
type Group struct {
	Operator   string      `json:"operator"`
	Conditions []Condition `json:"conditions"`
}

func (Leaf) condition()  {}
func (Group) condition() {}

// ValidateCondition checks operators, operand shapes and group arity.
func ValidateCondition(c Condition) error {
	if c == nil {
		return fmt.Errorf("%w: condition is required", ErrMalformedCondition)
	}
	return c.validate(0)
}

func (l Leaf) validate(int) error {
	if strings.TrimSpace(l.Field) == "" {
		return fmt.Errorf("%w: leaf field is required", ErrMalformedCondition)
	}
	if !leafOperators[l.Operator] {
		return fmt.Errorf("%w: unknown operator %q on field %s", ErrMalformedCondition, l.Operator, l.Field)
	}

	if l.Operator == OpIn {
		if _, ok := l.Value.([]any); !ok {
			return fmt.Errorf("%w: operator in on field %s requires an array value", ErrMalformedCondition, l.Field)
		}
		return nil
	}

	switch l.Value.(type) {
	case nil:
		return fmt.Errorf("%w: value is required on field %s", ErrMalformedCondition, l.Field)
	case []any, map[string]any:
		return fmt.Errorf("%w: operator %s on field %s requires a scalar value", ErrMalformedCondition, l.Operator, l.Field)
	}

	switch l.Operator {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		if _, ok := ToDecimal(l.Value); ok {
			return nil
		}
		if _, ok := ToTime(l.Value); ok {
			return nil
		}
		return fmt.Errorf("%w: operator %s on field %s requires a number or date", ErrMalformedCondition, l.Operator, l.Field)
	}
	return nil
}

func (g Group) validate(depth int) error {
	if depth >= MaxConditionDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrMalformedCondition, MaxConditionDepth)
	}
	if g.Operator != OpAnd && g.Operator != OpOr {
		return fmt.Errorf("%w: unknown group operator %q", ErrMalformedCondition, g.Operator)
	}
	if len(g.Conditions) == 0 {
		return fmt.Errorf("%w: %s group has no conditions", ErrMalformedCondition, g.Operator)
	}
	for i, child := range g.Conditions {
		if child == nil {
			return fmt.Errorf("%w: %s group condition %d is null", ErrMalformedCondition, g.Operator, i)
		}
		if err := child.validate(depth + 1); err != nil {
			return err
		}
	}
	return nil
}

// ParseCondition decodes and validates a condition tree. An object with a
// "conditions" key is a Group, anything else is a Leaf. Group operators are
// accepted in any case and stored upper case. Numbers are kept as json.Number.
func ParseCondition(data []byte) (Condition, error) {
	c, err := decodeCondition(data, 0)
	if err != nil {
		return nil, err
	}
	if err := ValidateCondition(c); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeCondition(data []byte, depth int) (Condition, error) {
	if depth > MaxConditionDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformedCondition, MaxConditionDepth)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: condition is required", ErrMalformedCondition)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCondition, err)
	}

	var op string
	if raw, ok := fields["operator"]; ok {
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("%w: operator must be a string", ErrMalformedCondition)
		}
	}

	if raw, ok := fields["conditions"]; ok {
		var children []json.RawMessage
		if err := json.Unmarshal(raw, &children); err != nil {
			return nil, fmt.Errorf("%w: conditions must be an array", ErrMalformedCondition)
		}
		g := Group{
			Operator:   strings.ToUpper(strings.TrimSpace(op)),
			Conditions: make([]Condition, 0, len(children)),
		}
		for _, child := range children {
			c, err := decodeCondition(child, depth+1)
			if err != nil {
				return nil, err
			}
			g.Conditions = append(g.Conditions, c)
		}
		return g, nil
	}

	l := Leaf{Operator: strings.TrimSpace(op)}
	if raw, ok := fields["field"]; ok {
		if err := json.Unmarshal(raw, &l.Field); err != nil {
			return nil, fmt.Errorf("%w: field must be a string", ErrMalformedCondition)
		}
	}
	if raw, ok := fields["value"]; ok {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&l.Value); err != nil {
			return nil, fmt.Errorf("%w: value: %v", ErrMalformedCondition, err)
		}
	}
	return l, nil
}

// MarshalCondition encodes a condition tree as JSON.
func MarshalCondition(c Condition) ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	return json.Marshal(c)
}
