// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habitlocal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/habitloop/habitsync/habit"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustHabit(t *testing.T, name string, position int) *habit.Habit {
	t.Helper()
	h, err := habit.NewHabit(name, position, nil)
	require.NoError(t, err)
	return h
}

func TestHabitCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h := mustHabit(t, "Read", 0)
	created, err := s.CreateHabit(ctx, h)
	require.NoError(t, err)
	require.Equal(t, h.LocalID, created.LocalID)

	got, err := s.GetHabit(ctx, h.LocalID)
	require.NoError(t, err)
	require.Equal(t, "Read", got.Name)
	require.True(t, got.ShouldSync)
	require.Zero(t, got.ID)

	got.Name = "Read more"
	got.Position = 2
	updated, err := s.UpdateHabit(ctx, got)
	require.NoError(t, err)
	require.Equal(t, "Read more", updated.Name)

	got, err = s.GetHabit(ctx, h.LocalID)
	require.NoError(t, err)
	require.Equal(t, "Read more", got.Name)
	require.Equal(t, 2, got.Position)

	_, err = s.GetHabit(ctx, "missing")
	require.ErrorIs(t, err, habit.ErrNotFound)

	_, err = s.UpdateHabit(ctx, mustHabit(t, "Ghost", 0))
	require.ErrorIs(t, err, habit.ErrNotFound)
}

func TestCreateHabitValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var ve *habit.ValidationError
	_, err := s.CreateHabit(ctx, &habit.Habit{Name: "NoLocalID"})
	require.ErrorAs(t, err, &ve)

	_, err = s.CreateHabit(ctx, &habit.Habit{LocalID: "x"})
	require.ErrorAs(t, err, &ve)
}

func TestListHabitsOrdersByPosition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, name := range []string{"C", "A", "B"} {
		h := mustHabit(t, name, 2-i) // C=2, A=1, B=0
		_, err := s.CreateHabit(ctx, h)
		require.NoError(t, err)
	}

	habits, err := s.ListHabits(ctx, false)
	require.NoError(t, err)
	require.Len(t, habits, 3)
	require.Equal(t, "B", habits[0].Name)
	require.Equal(t, "A", habits[1].Name)
	require.Equal(t, "C", habits[2].Name)
}

func TestSoftDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h := mustHabit(t, "Read", 0)
	_, err := s.CreateHabit(ctx, h)
	require.NoError(t, err)

	require.NoError(t, s.DeleteHabit(ctx, h.LocalID))

	// Gone from normal reads, still present with deleted rows included.
	habits, err := s.ListHabits(ctx, false)
	require.NoError(t, err)
	require.Empty(t, habits)

	habits, err = s.ListHabits(ctx, true)
	require.NoError(t, err)
	require.Len(t, habits, 1)
	require.True(t, habits[0].Deleted)
	require.True(t, habits[0].ShouldSync)

	require.NoError(t, s.PurgeHabit(ctx, h.LocalID))
	habits, err = s.ListHabits(ctx, true)
	require.NoError(t, err)
	require.Empty(t, habits)

	require.ErrorIs(t, s.DeleteHabit(ctx, "missing"), habit.ErrNotFound)
}

func TestSaveHabitUpserts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h := mustHabit(t, "Read", 0)

	// Save of an unknown row inserts.
	require.NoError(t, s.SaveHabit(ctx, h))

	// Save again with server-confirmed fields overwrites in place.
	confirmed := h.Clone()
	confirmed.ID = 42
	confirmed.Version = 3
	confirmed.ShouldSync = false
	require.NoError(t, s.SaveHabit(ctx, confirmed))

	got, err := s.GetHabit(ctx, h.LocalID)
	require.NoError(t, err)
	require.Equal(t, int64(42), got.ID)
	require.Equal(t, int64(3), got.Version)
	require.False(t, got.ShouldSync)

	habits, err := s.ListHabits(ctx, true)
	require.NoError(t, err)
	require.Len(t, habits, 1)
}

func TestCompletionCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h := mustHabit(t, "Run", 0)
	_, err := s.CreateHabit(ctx, h)
	require.NoError(t, err)

	c, err := habit.NewCompletion(h, "2026-02-14", nil)
	require.NoError(t, err)
	_, err = s.CreateCompletion(ctx, c)
	require.NoError(t, err)

	got, err := s.GetCompletion(ctx, c.LocalID)
	require.NoError(t, err)
	require.Equal(t, "2026-02-14", got.Date)
	require.Equal(t, h.LocalID, got.HabitLocalID)

	count := 2
	got.Count = &count
	_, err = s.UpdateCompletion(ctx, got)
	require.NoError(t, err)
	got, err = s.GetCompletion(ctx, c.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got.Count)
	require.Equal(t, 2, *got.Count)

	require.NoError(t, s.DeleteCompletion(ctx, c.LocalID))
	_, err = s.GetCompletion(ctx, c.LocalID)
	require.NoError(t, err) // soft delete keeps the row
	list, err := s.ListCompletions(ctx, habit.CompletionFilter{HabitLocalID: h.LocalID})
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, s.PurgeCompletion(ctx, c.LocalID))
	_, err = s.GetCompletion(ctx, c.LocalID)
	require.ErrorIs(t, err, habit.ErrNotFound)
}

func TestListCompletionsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := mustHabit(t, "Run", 0)
	read := mustHabit(t, "Read", 1)
	for _, h := range []*habit.Habit{run, read} {
		_, err := s.CreateHabit(ctx, h)
		require.NoError(t, err)
	}

	dates := []string{"2026-02-10", "2026-02-11", "2026-02-12"}
	for _, d := range dates {
		c, err := habit.NewCompletion(run, d, nil)
		require.NoError(t, err)
		_, err = s.CreateCompletion(ctx, c)
		require.NoError(t, err)
	}
	other, err := habit.NewCompletion(read, "2026-02-11", nil)
	require.NoError(t, err)
	_, err = s.CreateCompletion(ctx, other)
	require.NoError(t, err)

	list, err := s.ListCompletions(ctx, habit.CompletionFilter{HabitLocalID: run.LocalID})
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "2026-02-10", list[0].Date)

	list, err = s.ListCompletions(ctx, habit.CompletionFilter{
		HabitLocalID: run.LocalID,
		From:         "2026-02-11",
		To:           "2026-02-11",
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "2026-02-11", list[0].Date)

	list, err = s.ListCompletions(ctx, habit.CompletionFilter{From: "2026-02-12"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, run.LocalID, list[0].HabitLocalID)
}
