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
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Evaluate reports whether value satisfies c.
//
// Description:
//
//	Evaluate is total: it never returns an error and never panics on
//	malformed input. A field that cannot be resolved on value makes every
//	leaf evaluate to false; Not inverts that. And/Or short-circuit.
//	An empty And is true and an empty Or is false.
//
// Inputs:
//
//	c - The condition tree.
//	value - A JSON-like value (maps, slices, scalars, or any JSON-encodable type).
//
// Outputs:
//
//	bool - The evaluation result.
func Evaluate(c Condition, value any) bool {
	if c.IsAlways() {
		return true
	}
	doc, err := json.Marshal(value)
	if err != nil {
		doc = []byte("null")
	}
	return evaluate(c, doc)
}

// SelectBranch picks the branch a conditional node follows.
//
// Description:
//
//	Guarded branches are tried in declaration order and the first match
//	wins. Always branches are defaults and never take part in that pass:
//	when no guard matches, the first Always branch is selected, and failing
//	that the first declared branch.
//
// Outputs:
//
//	Branch - The selected branch.
//	bool - False only when branches is empty.
func SelectBranch(branches []Branch, output any) (Branch, bool) {
	if len(branches) == 0 {
		return Branch{}, false
	}
	doc, err := json.Marshal(output)
	if err != nil {
		doc = []byte("null")
	}
	for _, b := range branches {
		if b.When.IsAlways() {
			continue
		}
		if evaluate(b.When, doc) {
			return b, true
		}
	}
	for _, b := range branches {
		if b.When.IsAlways() {
			return b, true
		}
	}
	return branches[0], true
}

func evaluate(c Condition, doc []byte) bool {
	switch c.Kind {
	case "", KindAlways:
		return true
	case KindAnd:
		for _, child := range c.Conditions {
			if !evaluate(child, doc) {
				return false
			}
		}
		return true
	case KindOr:
		for _, child := range c.Conditions {
			if evaluate(child, doc) {
				return true
			}
		}
		return false
	case KindNot:
		if len(c.Conditions) != 1 {
			return false
		}
		return !evaluate(c.Conditions[0], doc)
	}

	field, ok := lookup(doc, c.Field)
	if !ok {
		return false
	}

	switch c.Kind {
	case KindEquals:
		return jsonEqual(field.Value(), normalize(c.Value))
	case KindGreaterThan:
		got, ok1 := resultFloat(field)
		want, ok2 := toFloat(c.Value)
		return ok1 && ok2 && got > want
	case KindLessThan:
		got, ok1 := resultFloat(field)
		want, ok2 := toFloat(c.Value)
		return ok1 && ok2 && got < want
	case KindContains:
		return contains(field, c.Value)
	case KindIsTrue:
		return truthy(field)
	default:
		return false
	}
}

func lookup(doc []byte, path string) (gjson.Result, bool) {
	if path == "" {
		return gjson.Result{}, false
	}
	r := gjson.GetBytes(doc, fieldPath(path))
	if !r.Exists() {
		return r, false
	}
	return r, true
}

// fieldPath turns a dotted field name into a gjson path that matches each
// segment literally, so wildcard, query and modifier characters in keys are
// not interpreted.
func fieldPath(field string) string {
	segs := strings.Split(field, ".")
	for i, seg := range segs {
		segs[i] = gjson.Escape(seg)
	}
	return strings.Join(segs, ".")
}

func contains(field gjson.Result, want any) bool {
	switch {
	case field.IsArray():
		expected := normalize(want)
		found := false
		field.ForEach(func(_, elem gjson.Result) bool {
			if jsonEqual(elem.Value(), expected) {
				found = true
				return false
			}
			return true
		})
		return found
	case field.IsObject():
		key, ok := want.(string)
		if !ok {
			return false
		}
		return field.Get(gjson.Escape(key)).Exists()
	case field.Type == gjson.String:
		needle, ok := want.(string)
		if !ok {
			return false
		}
		return strings.Contains(field.Str, needle)
	default:
		return false
	}
}

func truthy(field gjson.Result) bool {
	switch field.Type {
	case gjson.True:
		return true
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(field.Str)) {
		case "true", "yes", "1":
			return true
		}
	}
	return false
}

func resultFloat(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// normalize converts v into the shape encoding/json would produce when
// decoding it into an interface, so comparisons ignore Go numeric types.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	return gjson.ParseBytes(data).Value()
}

func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
