// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

// Package habit defines the record model shared by the local and remote
// stores and by the sync orchestrator: habits, daily completions, the
// logical store contract both backends implement, and the error taxonomy
// the orchestrator dispatches on.
package habit

import (
	"time"

	"github.com/google/uuid"
)

// Logical table names, shared by both storage backends and the sync queue.
const (
	TableHabits      = "habits"
	TableCompletions = "habit_completions"
)

// DateLayout is the calendar-day format used for completion dates.
// Completions have day granularity; there is deliberately no time component.
const DateLayout = "2006-01-02"

// Habit is a named, user-ordered tracked behavior.
//
// ID is assigned by the server on first successful sync and never changes
// afterward; it is zero for local-only records. LocalID is generated on the
// client and stays stable across sync, so every record is addressable before
// and after it has a server identity.
type Habit struct {
	ID          int64  `json:"id,omitempty"`
	LocalID     string `json:"local_id"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	CountTarget *int   `json:"count_target,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`

	// Version is a monotonic counter used for compare-and-swap updates.
	// It starts at 1 and is bumped by the server on every accepted write.
	Version int64 `json:"version"`

	// ShouldSync marks local state that has diverged from the last known
	// server state. Cleared once the remote store confirms persistence.
	ShouldSync bool `json:"should_sync"`

	// Deleted is a soft-delete marker. Rows stay around until the deletion
	// itself has synced, then the local store purges them.
	Deleted bool `json:"deleted"`
}

// Completion marks a Habit as done on a specific calendar date.
//
// HabitID references the owning habit by server id when known. HabitLocalID
// is always set so a completion created offline for a not-yet-synced habit
// can still be resolved by the server during replay.
type Completion struct {
	ID           int64  `json:"id,omitempty"`
	LocalID      string `json:"local_id"`
	HabitID      int64  `json:"habit_id,omitempty"`
	HabitLocalID string `json:"habit_local_id"`
	Date         string `json:"completed_on"`
	Count        *int   `json:"count,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	Version      int64  `json:"version"`
	ShouldSync   bool   `json:"should_sync"`
	Deleted      bool   `json:"deleted"`
}

// Now returns the current UTC time in the ISO-8601 form stored on records.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewHabit builds a local-only habit ready for optimistic persistence.
func NewHabit(name string, position int, countTarget *int) (*Habit, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	now := Now()
	return &Habit{
		LocalID:     uuid.New().String(),
		Name:        name,
		Position:    position,
		CountTarget: countTarget,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
		ShouldSync:  true,
	}, nil
}

// NewCompletion builds a local-only completion for the given habit and date.
func NewCompletion(h *Habit, date string, count *int) (*Completion, error) {
	if h == nil || h.LocalID == "" {
		return nil, &ValidationError{Field: "habit", Reason: "must reference an existing habit"}
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, &ValidationError{Field: "completed_on", Reason: "must be a YYYY-MM-DD date"}
	}
	now := Now()
	return &Completion{
		LocalID:      uuid.New().String(),
		HabitID:      h.ID,
		HabitLocalID: h.LocalID,
		Date:         date,
		Count:        count,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
		ShouldSync:   true,
	}, nil
}

// Clone returns a deep copy. Queue entries hold clones so later local edits
// cannot mutate an already-queued payload.
func (h *Habit) Clone() *Habit {
	if h == nil {
		return nil
	}
	out := *h
	if h.CountTarget != nil {
		v := *h.CountTarget
		out.CountTarget = &v
	}
	return &out
}

// Clone returns a deep copy of the completion.
func (c *Completion) Clone() *Completion {
	if c == nil {
		return nil
	}
	out := *c
	if c.Count != nil {
		v := *c.Count
		out.Count = &v
	}
	return &out
}
