// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package condition evaluates branch guards for conditional flow nodes.
//
// A Condition is a small expression tree (always, equals, greater_than,
// less_than, contains, is_true, and, or, not) evaluated against the output
// of a task. Evaluation is pure and total: it never errors, and a field that
// does not exist on the value evaluates to false.
//
// Fields are dot-separated paths into the JSON form of the value: "a.b"
// reads key b of object a, and a numeric segment indexes an array
// ("items.0"). Every other character is literal, so a key such as "p@99"
// or "tags*" is matched as written.
//
// # Example
//
//	guard := condition.And(
//	    condition.GreaterThan("score", 0.8),
//	    condition.Not(condition.IsTrue("flagged")),
//	)
//	if condition.Evaluate(guard, map[string]any{"score": 0.85}) {
//	    // take the high-confidence branch
//	}
package condition
