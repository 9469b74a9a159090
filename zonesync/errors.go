// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesync

import (
	"errors"
	"fmt"
)

// TransportError wraps a failure talking to the remote store. Temporary
// failures (network outage, account temporarily unavailable) are retried
// with backoff by the orchestrator; permanent ones surface immediately.
type TransportError struct {
	Temporary bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Temporary {
		return fmt.Sprintf("transient transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable transport failure.
func NewTransientError(err error) *TransportError {
	return &TransportError{Temporary: true, Err: err}
}

// ReferenceErrorKind classifies remote rejections that call for a local
// re-fetch/re-resolve pass rather than user-visible failure.
type ReferenceErrorKind string

const (
	RefParentMissing ReferenceErrorKind = "parent_missing"
	RefUnknownZone   ReferenceErrorKind = "unknown_zone"
	RefUnknownRecord ReferenceErrorKind = "unknown_record"
	RefStaleVersion  ReferenceErrorKind = "stale_version"
)

// ReferenceError is a recoverable remote-side validity rejection.
type ReferenceError struct {
	Kind     ReferenceErrorKind
	RecordID RecordID
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("remote rejected %s: %s", e.RecordID, e.Kind)
}

// ErrNotAuthenticated is the single normalized condition for account
// states that block cloud activity until the user acts (no account,
// restricted, not determined).
var ErrNotAuthenticated = errors.New("not authenticated")

// IsRetryable reports whether the orchestrator should retry err with
// backoff instead of surfacing it.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary
	}
	return false
}
