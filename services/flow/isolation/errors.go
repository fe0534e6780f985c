// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package isolation

import (
	"errors"
	"fmt"
)

var (
	// ErrAccessDenied is wrapped by every AccessDeniedError.
	ErrAccessDenied = errors.New("access denied by isolation policy")

	// ErrContextDestroyed is the denial reason for checks after Destroy.
	ErrContextDestroyed = errors.New("isolation context destroyed")
)

// AccessDeniedError reports a denied filesystem or network operation.
type AccessDeniedError struct {
	ContextID string
	Operation string
	Target    string
	Reason    string
}

// Error implements the error interface.
func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("isolation context %s: %s %s denied: %s", e.ContextID, e.Operation, e.Target, e.Reason)
}

// Unwrap returns ErrAccessDenied.
func (e *AccessDeniedError) Unwrap() error {
	return ErrAccessDenied
}
