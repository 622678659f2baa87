// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habitsync

import "github.com/habitloop/habitsync/habit"

// Resolver decides the reconciled record when a queued update's version no
// longer matches the server's current version. The resolved record is
// written back to local state and the conflict counts as replay success,
// never as a failure.
type Resolver interface {
	ResolveHabit(server, local *habit.Habit) *habit.Habit
	ResolveCompletion(server, local *habit.Completion) *habit.Completion
}

// ServerWins returns the server record unconditionally, discarding local
// edits made concurrently with a server-side change to the same record.
type ServerWins struct{}

func (ServerWins) ResolveHabit(server, local *habit.Habit) *habit.Habit {
	return server.Clone()
}

func (ServerWins) ResolveCompletion(server, local *habit.Completion) *habit.Completion {
	return server.Clone()
}
