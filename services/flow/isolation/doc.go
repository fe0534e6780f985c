// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package isolation provides per-task isolation contexts.
//
// A Manager creates one Context per task attempt from a Policy. The context
// answers filesystem and network questions (CheckFilesystem, CheckNetwork)
// and records every answer in a bounded AuditLog. Resource limits are
// declarative and passed through to whatever backend runs the task body.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package isolation
