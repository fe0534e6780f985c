// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package condition

import (
	"errors"
	"fmt"
)

// Kind identifies the variant of a Condition.
type Kind string

const (
	// KindAlways matches every value, including nil.
	KindAlways Kind = "always"

	// KindEquals matches when the field equals Value.
	KindEquals Kind = "equals"

	// KindGreaterThan matches when the numeric field is greater than Value.
	KindGreaterThan Kind = "greater_than"

	// KindLessThan matches when the numeric field is less than Value.
	KindLessThan Kind = "less_than"

	// KindContains matches substrings, array elements or object keys.
	KindContains Kind = "contains"

	// KindIsTrue matches a truthy field.
	KindIsTrue Kind = "is_true"

	// KindAnd matches when every child matches.
	KindAnd Kind = "and"

	// KindOr matches when any child matches.
	KindOr Kind = "or"

	// KindNot inverts its single child.
	KindNot Kind = "not"
)

// ErrInvalidCondition is returned by Validate for malformed conditions.
var ErrInvalidCondition = errors.New("invalid condition")

// Condition is a boolean expression tree evaluated against a task output.
//
// Description:
//
//	Condition is a tagged variant. Leaf kinds (equals, greater_than, less_than,
//	contains, is_true) read Field and, except is_true, compare against Value.
//	Combinators (and, or, not) read Conditions. Always ignores every field.
//
//	Field is a dotted path ("score", "result.items.0") resolved against the
//	JSON encoding of the evaluated value.
//
// Thread Safety:
//
//	Condition is a value type and is safe for concurrent evaluation.
type Condition struct {
	Kind       Kind        `json:"kind" yaml:"kind"`
	Field      string      `json:"field,omitempty" yaml:"field,omitempty"`
	Value      any         `json:"value,omitempty" yaml:"value,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Branch is one outgoing edge of a conditional node.
type Branch struct {
	// Target is the id of the task reached when this branch is selected.
	Target string `json:"target" yaml:"target"`

	// When guards the branch. A zero When behaves like Always.
	When Condition `json:"when" yaml:"when"`
}

// Always returns a condition that matches every value.
func Always() Condition { return Condition{Kind: KindAlways} }

// Equals returns a condition matching field == value.
func Equals(field string, value any) Condition {
	return Condition{Kind: KindEquals, Field: field, Value: value}
}

// GreaterThan returns a condition matching field > value.
func GreaterThan(field string, value any) Condition {
	return Condition{Kind: KindGreaterThan, Field: field, Value: value}
}

// LessThan returns a condition matching field < value.
func LessThan(field string, value any) Condition {
	return Condition{Kind: KindLessThan, Field: field, Value: value}
}

// Contains returns a condition matching when field contains value.
func Contains(field string, value any) Condition {
	return Condition{Kind: KindContains, Field: field, Value: value}
}

// IsTrue returns a condition matching a truthy field.
func IsTrue(field string) Condition {
	return Condition{Kind: KindIsTrue, Field: field}
}

// And returns a condition matching when all children match.
func And(children ...Condition) Condition {
	return Condition{Kind: KindAnd, Conditions: children}
}

// Or returns a condition matching when any child matches.
func Or(children ...Condition) Condition {
	return Condition{Kind: KindOr, Conditions: children}
}

// Not returns a condition inverting child.
func Not(child Condition) Condition {
	return Condition{Kind: KindNot, Conditions: []Condition{child}}
}

// IsAlways reports whether c unconditionally matches.
// The zero Condition counts as Always so that unguarded branches default cleanly.
func (c Condition) IsAlways() bool {
	return c.Kind == KindAlways || c.Kind == ""
}

// Validate checks the structure of the condition tree.
//
// Outputs:
//
//	error - Wraps ErrInvalidCondition when a node has an unknown kind,
//	a leaf is missing its field, or not does not have exactly one child.
func (c Condition) Validate() error {
	switch c.Kind {
	case "", KindAlways:
		return nil
	case KindEquals, KindGreaterThan, KindLessThan, KindContains:
		if c.Field == "" {
			return fmt.Errorf("%w: %s requires a field", ErrInvalidCondition, c.Kind)
		}
		if c.Kind == KindGreaterThan || c.Kind == KindLessThan {
			if _, ok := toFloat(c.Value); !ok {
				return fmt.Errorf("%w: %s requires a numeric value, got %T", ErrInvalidCondition, c.Kind, c.Value)
			}
		}
		return nil
	case KindIsTrue:
		if c.Field == "" {
			return fmt.Errorf("%w: is_true requires a field", ErrInvalidCondition)
		}
		return nil
	case KindAnd, KindOr:
		for i, child := range c.Conditions {
			if err := child.Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", c.Kind, i, err)
			}
		}
		return nil
	case KindNot:
		if len(c.Conditions) != 1 {
			return fmt.Errorf("%w: not requires exactly one child, got %d", ErrInvalidCondition, len(c.Conditions))
		}
		return c.Conditions[0].Validate()
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCondition, c.Kind)
	}
}

// Clone returns a deep copy of the condition tree. Value is copied shallowly.
func (c Condition) Clone() Condition {
	out := c
	if c.Conditions != nil {
		out.Conditions = make([]Condition, len(c.Conditions))
		for i, child := range c.Conditions {
			out.Conditions[i] = child.Clone()
		}
	}
	return out
}

// String renders the condition in a compact prefix form for logs.
func (c Condition) String() string {
	switch c.Kind {
	case "", KindAlways:
		return "always"
	case KindIsTrue:
		return fmt.Sprintf("is_true(%s)", c.Field)
	case KindAnd, KindOr, KindNot:
		s := string(c.Kind) + "("
		for i, child := range c.Conditions {
			if i > 0 {
				s += ", "
			}
			s += child.String()
		}
		return s + ")"
	default:
		return fmt.Sprintf("%s(%s, %v)", c.Kind, c.Field, c.Value)
	}
}
