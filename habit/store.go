// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habit

import "context"

// CompletionFilter narrows ListCompletions. Zero values mean "no filter".
type CompletionFilter struct {
	HabitLocalID   string
	From           string // inclusive YYYY-MM-DD lower bound
	To             string // inclusive YYYY-MM-DD upper bound
	IncludeDeleted bool
}

// Store is the uniform CRUD contract over the two record tables, satisfied
// by both the on-device SQLite store and the network-backed remote store.
// All records are keyed by their client-generated local id, which is the
// one identifier guaranteed to exist for the record's whole lifetime.
//
// Remote implementations additionally return *ConflictError from the update
// methods when the record's Version does not match the server's current
// version, and wrap connectivity failures with ErrUnavailable.
type Store interface {
	CreateHabit(ctx context.Context, h *Habit) (*Habit, error)
	GetHabit(ctx context.Context, localID string) (*Habit, error)
	ListHabits(ctx context.Context, includeDeleted bool) ([]*Habit, error)
	UpdateHabit(ctx context.Context, h *Habit) (*Habit, error)
	DeleteHabit(ctx context.Context, localID string) error

	CreateCompletion(ctx context.Context, c *Completion) (*Completion, error)
	GetCompletion(ctx context.Context, localID string) (*Completion, error)
	ListCompletions(ctx context.Context, f CompletionFilter) ([]*Completion, error)
	UpdateCompletion(ctx context.Context, c *Completion) (*Completion, error)
	DeleteCompletion(ctx context.Context, localID string) error
}
