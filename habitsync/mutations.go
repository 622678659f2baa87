// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habitsync

import (
	"context"
	"fmt"

	"github.com/habitloop/habitsync/habit"
)

// CreateHabit creates a habit locally and syncs it when possible. The
// returned record reflects server-confirmed state when the remote call
// succeeded inline, otherwise the optimistic local record.
func (o *Orchestrator) CreateHabit(ctx context.Context, name string, position int, countTarget *int) (*habit.Habit, error) {
	h, err := habit.NewHabit(name, position, countTarget)
	if err != nil {
		return nil, err
	}
	if _, err := o.local.CreateHabit(ctx, h); err != nil {
		return nil, err
	}
	op := Op{Kind: OpCreate, Table: habit.TableHabits, LocalID: h.LocalID, Habit: h}
	if err := o.dispatch(ctx, op); err != nil {
		return nil, err
	}
	return o.local.GetHabit(ctx, h.LocalID)
}

// UpdateHabit applies edits to an existing habit (rename, count target,
// display position). The record is looked up by local id.
func (o *Orchestrator) UpdateHabit(ctx context.Context, h *habit.Habit) (*habit.Habit, error) {
	if h.Name == "" {
		return nil, &habit.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	edited := h.Clone()
	edited.UpdatedAt = habit.Now()
	edited.ShouldSync = true
	if _, err := o.local.UpdateHabit(ctx, edited); err != nil {
		return nil, err
	}
	op := Op{Kind: OpUpdate, Table: habit.TableHabits, LocalID: edited.LocalID, Habit: edited}
	if err := o.dispatch(ctx, op); err != nil {
		return nil, err
	}
	return o.local.GetHabit(ctx, edited.LocalID)
}

// DeleteHabit soft-deletes a habit. The row disappears from reads
// immediately and is purged once the deletion syncs.
func (o *Orchestrator) DeleteHabit(ctx context.Context, localID string) error {
	if err := o.local.DeleteHabit(ctx, localID); err != nil {
		return err
	}
	op := Op{Kind: OpDelete, Table: habit.TableHabits, LocalID: localID}
	return o.dispatch(ctx, op)
}

// ReorderHabits persists a new display order given the full list of habit
// local ids in their desired order. Unmoved habits are left untouched.
func (o *Orchestrator) ReorderHabits(ctx context.Context, orderedLocalIDs []string) error {
	for i, localID := range orderedLocalIDs {
		h, err := o.local.GetHabit(ctx, localID)
		if err != nil {
			return fmt.Errorf("failed to reorder habit %s: %w", localID, err)
		}
		if h.Position == i {
			continue
		}
		h.Position = i
		if _, err := o.UpdateHabit(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// CreateCompletion marks the habit complete on the given YYYY-MM-DD date.
func (o *Orchestrator) CreateCompletion(ctx context.Context, habitLocalID, date string, count *int) (*habit.Completion, error) {
	h, err := o.local.GetHabit(ctx, habitLocalID)
	if err != nil {
		return nil, err
	}
	if h.Deleted {
		return nil, habit.ErrNotFound
	}
	c, err := habit.NewCompletion(h, date, count)
	if err != nil {
		return nil, err
	}
	if _, err := o.local.CreateCompletion(ctx, c); err != nil {
		return nil, err
	}
	op := Op{Kind: OpCreate, Table: habit.TableCompletions, LocalID: c.LocalID, Completion: c}
	if err := o.dispatch(ctx, op); err != nil {
		return nil, err
	}
	return o.local.GetCompletion(ctx, c.LocalID)
}

// UpdateCompletion edits a completion's count.
func (o *Orchestrator) UpdateCompletion(ctx context.Context, c *habit.Completion) (*habit.Completion, error) {
	edited := c.Clone()
	edited.UpdatedAt = habit.Now()
	edited.ShouldSync = true
	if _, err := o.local.UpdateCompletion(ctx, edited); err != nil {
		return nil, err
	}
	op := Op{Kind: OpUpdate, Table: habit.TableCompletions, LocalID: edited.LocalID, Completion: edited}
	if err := o.dispatch(ctx, op); err != nil {
		return nil, err
	}
	return o.local.GetCompletion(ctx, edited.LocalID)
}

// DeleteCompletion unmarks a completed day.
func (o *Orchestrator) DeleteCompletion(ctx context.Context, localID string) error {
	if err := o.local.DeleteCompletion(ctx, localID); err != nil {
		return err
	}
	op := Op{Kind: OpDelete, Table: habit.TableCompletions, LocalID: localID}
	return o.dispatch(ctx, op)
}

// ToggleCompletion creates the completion for (habit, date) when none is
// active, or deletes the active one. Returns the completion and true when
// the day ends up marked.
func (o *Orchestrator) ToggleCompletion(ctx context.Context, habitLocalID, date string) (*habit.Completion, bool, error) {
	existing, err := o.local.ListCompletions(ctx, habit.CompletionFilter{
		HabitLocalID: habitLocalID,
		From:         date,
		To:           date,
	})
	if err != nil {
		return nil, false, err
	}
	if len(existing) > 0 {
		if err := o.DeleteCompletion(ctx, existing[0].LocalID); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	c, err := o.CreateCompletion(ctx, habitLocalID, date, nil)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Habits returns the active habits from the local store, in display order.
// Reads never touch the network.
func (o *Orchestrator) Habits(ctx context.Context) ([]*habit.Habit, error) {
	return o.local.ListHabits(ctx, false)
}

// Completions returns local completions matching the filter.
func (o *Orchestrator) Completions(ctx context.Context, f habit.CompletionFilter) ([]*habit.Completion, error) {
	return o.local.ListCompletions(ctx, f)
}

// Hydrate pulls the authoritative server state into the local store, used
// after sign-in so a returning user sees their cloud data locally. Pending
// local mutations should be drained first; hydration does not merge.
func (o *Orchestrator) Hydrate(ctx context.Context) error {
	if !o.Online() {
		return ErrOffline
	}
	habits, err := o.remote.ListHabits(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to hydrate habits: %w", err)
	}
	for _, h := range habits {
		if err := o.adoptHabit(ctx, h); err != nil {
			return err
		}
	}
	completions, err := o.remote.ListCompletions(ctx, habit.CompletionFilter{})
	if err != nil {
		return fmt.Errorf("failed to hydrate completions: %w", err)
	}
	for _, c := range completions {
		if err := o.adoptCompletion(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
