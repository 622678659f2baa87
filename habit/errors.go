// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habit

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record cannot be resolved by either
	// its server id or its local id.
	ErrNotFound = errors.New("record not found")

	// ErrUnauthenticated is returned by the remote store when no valid
	// session exists. It is a hard failure: retrying without auth is
	// pointless, so these mutations are never queued.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrUnavailable wraps transient remote failures: network unreachable,
	// request timeout, or a 5xx response. Mutations failing this way are
	// queued for replay and never surfaced to the caller.
	ErrUnavailable = errors.New("remote store unavailable")
)

// ValidationError reports a payload rejected by a storage backend.
// Not retried: replaying an invalid payload will not succeed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError signals a compare-and-swap version mismatch on update.
// It carries the current server row so the conflict resolver can decide
// the reconciled record without another round trip. Exactly one of Habit
// and Completion is set, matching Table.
type ConflictError struct {
	Table      string
	Habit      *Habit
	Completion *Completion
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s", e.Table)
}

// IsTransient reports whether err should be treated as retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
